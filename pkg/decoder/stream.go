package decoder

import (
	"context"
	"iter"

	"github.com/ajitpratap0/propdb/pkg/errors"
)

// streamDecoder parses inputs incrementally, reopening the source on every
// call. Peak memory is one page of the sequence being ranged over.
type streamDecoder struct {
	src        Source
	verifyPage int
}

func (d *streamDecoder) IDs(ctx context.Context, pageSize int) iter.Seq2[[]interface{}, error] {
	return streamPages(ctx, d.src, InputIDs, pageSize, (*arrayReader).scalar)
}

func (d *streamDecoder) Attributes(ctx context.Context, pageSize int) iter.Seq2[[]Attribute, error] {
	return streamPages(ctx, d.src, InputAttributes, pageSize, (*arrayReader).attribute)
}

func (d *streamDecoder) Values(ctx context.Context, pageSize int) iter.Seq2[[]interface{}, error] {
	return streamPages(ctx, d.src, InputValues, pageSize, (*arrayReader).scalar)
}

func (d *streamDecoder) Strategy() string {
	return StrategyStream
}

// streamPages yields pages of up to pageSize elements parsed one at a time.
func streamPages[T any](ctx context.Context, src Source, in Input, pageSize int, next func(*arrayReader) (T, error)) iter.Seq2[[]T, error] {
	if err := checkPageSize(pageSize); err != nil {
		return pageError[[]T](err)
	}
	return func(yield func([]T, error) bool) {
		ar, err := openArray(ctx, src, in)
		if err != nil {
			yield(nil, err)
			return
		}
		defer ar.Close()

		page := make([]T, 0, pageSize)
		for ar.more() {
			if err := cancelled(ctx); err != nil {
				yield(nil, err)
				return
			}
			v, err := next(ar)
			if err != nil {
				yield(nil, err)
				return
			}
			page = append(page, v)
			if len(page) == pageSize {
				if !yield(page, nil) {
					return
				}
				page = make([]T, 0, pageSize)
			}
		}
		if err := ar.finish(); err != nil {
			yield(nil, err)
			return
		}
		if len(page) > 0 {
			yield(page, nil)
		}
	}
}

// Associations reads offsets and associations in lockstep. The offsets are
// read one ahead so the end of each segment is known before its pairs are.
func (d *streamDecoder) Associations(ctx context.Context) iter.Seq2[Segment, error] {
	return func(yield func(Segment, error) bool) {
		offs, err := openArray(ctx, d.src, InputOffsets)
		if err != nil {
			yield(Segment{}, err)
			return
		}
		defer offs.Close()
		avs, err := openArray(ctx, d.src, InputAssociations)
		if err != nil {
			yield(Segment{}, err)
			return
		}
		defer avs.Close()

		s := &segmentScanner{offs: offs, avs: avs}
		for {
			if err := cancelled(ctx); err != nil {
				yield(Segment{}, err)
				return
			}
			seg, ok, err := s.next()
			if err != nil {
				yield(Segment{}, err)
				return
			}
			if !ok {
				return
			}
			if !yield(seg, nil) {
				return
			}
		}
	}
}

const maxPairHint = 4096

// segmentScanner carries the lockstep state of Associations.
type segmentScanner struct {
	offs, avs *arrayReader

	started  bool
	done     bool
	cur      int64 // offset of the pending entity
	hasCur   bool
	entity   int64
	consumed int64 // pairs read from avs so far
}

func (s *segmentScanner) readOffset() (int64, bool, error) {
	if !s.offs.more() {
		return 0, false, s.offs.finish()
	}
	n, err := s.offs.integer()
	if err != nil {
		return 0, false, err
	}
	if n < 0 {
		return 0, false, errors.Newf(errors.ErrorTypeDecode, "negative offset %d", n).WithDetail("index", s.offs.position()-1)
	}
	return n, true, nil
}

func (s *segmentScanner) next() (Segment, bool, error) {
	if s.done {
		return Segment{}, false, nil
	}
	if !s.started {
		s.started = true
		var err error
		if s.cur, s.hasCur, err = s.readOffset(); err != nil {
			return Segment{}, false, err
		}
	}
	if !s.hasCur {
		s.done = true
		if s.avs.more() {
			return Segment{}, false, errors.New(errors.ErrorTypeDecode, "associations present but offsets list no entities")
		}
		return Segment{}, false, s.avs.finish()
	}

	s.entity++
	next, hasNext, err := s.readOffset()
	if err != nil {
		return Segment{}, false, err
	}
	if hasNext && next < s.cur {
		return Segment{}, false, errors.Newf(errors.ErrorTypeDecode, "offsets must be non-decreasing: offset[%d]=%d < offset[%d]=%d",
			s.entity+1, next, s.entity, s.cur).WithDetail("index", s.entity+1)
	}

	// pairs before the first offset belong to no entity
	for s.consumed < s.cur {
		if _, _, err := s.readPair(); err != nil {
			return Segment{}, false, err
		}
	}

	var pairs []int64
	if hasNext {
		// the hint is capped; readPair rejects offsets past the real array
		pairs = make([]int64, 0, min(next-s.cur, maxPairHint)*2)
		for s.consumed < next {
			attr, val, err := s.readPair()
			if err != nil {
				return Segment{}, false, err
			}
			pairs = append(pairs, attr, val)
		}
	} else {
		pairs = []int64{}
		for s.avs.more() {
			attr, val, err := s.readPair()
			if err != nil {
				return Segment{}, false, err
			}
			pairs = append(pairs, attr, val)
		}
		if err := s.avs.finish(); err != nil {
			return Segment{}, false, err
		}
		s.done = true
	}

	s.cur, s.hasCur = next, hasNext
	return Segment{EntityID: s.entity, Pairs: pairs}, true, nil
}

func (s *segmentScanner) readPair() (int64, int64, error) {
	if !s.avs.more() {
		return 0, 0, errors.Newf(errors.ErrorTypeDecode, "offset of entity %d exceeds %d association pairs", s.entity, s.consumed).
			WithDetail("input", string(InputAssociations))
	}
	attr, err := s.avs.integer()
	if err != nil {
		return 0, 0, err
	}
	if !s.avs.more() {
		return 0, 0, errors.New(errors.ErrorTypeDecode, "association array has odd length").
			WithDetail("input", string(InputAssociations))
	}
	val, err := s.avs.integer()
	if err != nil {
		return 0, 0, err
	}
	s.consumed++
	return attr, val, nil
}

// Verify streams every input once, counting dictionary entries and checking
// each association segment against those counts.
func (d *streamDecoder) Verify(ctx context.Context) (Counts, error) {
	var c Counts
	var err error
	if c.Entities, err = countPages(d.IDs(ctx, d.verifyPage)); err != nil {
		return Counts{}, err
	}
	if c.Attributes, err = countPages(d.Attributes(ctx, d.verifyPage)); err != nil {
		return Counts{}, err
	}
	if c.Values, err = countPages(d.Values(ctx, d.verifyPage)); err != nil {
		return Counts{}, err
	}
	for seg, err := range d.Associations(ctx) {
		if err != nil {
			return Counts{}, err
		}
		if err := seg.Check(c); err != nil {
			return Counts{}, err
		}
		c.Segments++
		c.Associations += int64(seg.Len())
	}
	return c, nil
}

func countPages[T any](seq iter.Seq2[[]T, error]) (int64, error) {
	var n int64
	for page, err := range seq {
		if err != nil {
			return 0, err
		}
		n += int64(len(page))
	}
	return n, nil
}
