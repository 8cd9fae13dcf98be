package decoder

import (
	"bytes"
	"context"
	"io"
	"iter"

	"github.com/ajitpratap0/propdb/pkg/compression"
	"github.com/ajitpratap0/propdb/pkg/errors"
)

// memoryDecoder serves pages as slices of fully decoded arrays.
type memoryDecoder struct {
	arrays *Arrays
	counts Counts
}

// FromArrays returns a decoder over already decoded inputs after checking
// the offset invariants and every association reference.
func FromArrays(a *Arrays) (Decoder, error) {
	if a == nil {
		return nil, errors.New(errors.ErrorTypePrecondition, "no input arrays")
	}
	missing := map[Input]bool{
		InputIDs:          a.IDs == nil,
		InputOffsets:      a.Offsets == nil,
		InputAssociations: a.AVs == nil,
		InputAttributes:   a.Attrs == nil,
		InputValues:       a.Vals == nil,
	}
	for _, in := range Inputs {
		if missing[in] {
			return nil, errors.New(errors.ErrorTypePrecondition, "missing required input").WithDetail("input", string(in))
		}
	}
	for in, n := range map[Input]int{
		InputIDs: len(a.IDs), InputOffsets: len(a.Offsets), InputAttributes: len(a.Attrs), InputValues: len(a.Vals),
	} {
		if n == 0 {
			return nil, errors.New(errors.ErrorTypeDecode, "array has no placeholder element").WithDetail("input", string(in))
		}
	}

	d := &memoryDecoder{
		arrays: a,
		counts: Counts{
			Entities:     int64(len(a.IDs) - 1),
			Attributes:   int64(len(a.Attrs) - 1),
			Values:       int64(len(a.Vals) - 1),
			Segments:     int64(len(a.Offsets) - 1),
			Associations: int64(len(a.AVs) / 2),
		},
	}
	if err := checkOffsets(a.Offsets, len(a.AVs)); err != nil {
		return nil, err
	}
	for i := 1; i < len(a.Offsets); i++ {
		if err := d.segment(i).Check(d.counts); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// checkOffsets enforces: offsets non-decreasing, offset[last]*2 within the
// association array, and an even association array.
func checkOffsets(offsets []int64, avLen int) error {
	if avLen%2 != 0 {
		return errors.Newf(errors.ErrorTypeDecode, "association array has odd length %d", avLen).
			WithDetail("input", string(InputAssociations))
	}
	if len(offsets) == 1 && avLen > 0 {
		return errors.New(errors.ErrorTypeDecode, "associations present but offsets list no entities")
	}
	for i := 1; i < len(offsets); i++ {
		if offsets[i] < 0 {
			return errors.Newf(errors.ErrorTypeDecode, "negative offset %d", offsets[i]).WithDetail("index", i)
		}
		if i > 1 && offsets[i] < offsets[i-1] {
			return errors.Newf(errors.ErrorTypeDecode, "offsets must be non-decreasing: offset[%d]=%d < offset[%d]=%d",
				i, offsets[i], i-1, offsets[i-1]).WithDetail("index", i)
		}
	}
	if last := offsets[len(offsets)-1]; last > int64(avLen/2) {
		return errors.Newf(errors.ErrorTypeDecode, "last offset %d exceeds %d association pairs", last, avLen/2)
	}
	return nil
}

// segment slices the pairs of entity i out of the association array.
func (d *memoryDecoder) segment(i int) Segment {
	offs, avs := d.arrays.Offsets, d.arrays.AVs
	start := offs[i] * 2
	end := int64(len(avs))
	if i < len(offs)-1 {
		end = offs[i+1] * 2
	}
	return Segment{EntityID: int64(i), Pairs: avs[start:end]}
}

func (d *memoryDecoder) IDs(ctx context.Context, pageSize int) iter.Seq2[[]interface{}, error] {
	return slicePages(ctx, d.arrays.IDs[1:], pageSize)
}

func (d *memoryDecoder) Attributes(ctx context.Context, pageSize int) iter.Seq2[[]Attribute, error] {
	return slicePages(ctx, d.arrays.Attrs[1:], pageSize)
}

func (d *memoryDecoder) Values(ctx context.Context, pageSize int) iter.Seq2[[]interface{}, error] {
	return slicePages(ctx, d.arrays.Vals[1:], pageSize)
}

func (d *memoryDecoder) Associations(ctx context.Context) iter.Seq2[Segment, error] {
	return func(yield func(Segment, error) bool) {
		for i := 1; i < len(d.arrays.Offsets); i++ {
			if err := cancelled(ctx); err != nil {
				yield(Segment{}, err)
				return
			}
			if !yield(d.segment(i), nil) {
				return
			}
		}
	}
}

func (d *memoryDecoder) Verify(context.Context) (Counts, error) {
	return d.counts, nil
}

func (d *memoryDecoder) Strategy() string {
	return StrategyMaterialize
}

// slicePages yields consecutive pages of items; the last page holds the
// remainder.
func slicePages[T any](ctx context.Context, items []T, pageSize int) iter.Seq2[[]T, error] {
	if err := checkPageSize(pageSize); err != nil {
		return pageError[[]T](err)
	}
	return func(yield func([]T, error) bool) {
		for start := 0; start < len(items); start += pageSize {
			if err := cancelled(ctx); err != nil {
				yield(nil, err)
				return
			}
			end := min(start+pageSize, len(items))
			if !yield(items[start:end:end], nil) {
				return
			}
		}
	}
}

// materialize reads every input completely and parses it into memory.
func materialize(ctx context.Context, src Source) (*Arrays, error) {
	a := &Arrays{}
	for _, in := range Inputs {
		if err := cancelled(ctx); err != nil {
			return nil, err
		}
		data, err := readAll(ctx, src, in)
		if err != nil {
			return nil, err
		}
		ar, err := newArrayReader(bytes.NewReader(data), in)
		if err != nil {
			return nil, err
		}
		switch in {
		case InputIDs:
			a.IDs, err = collect(ar, ar.scalar)
		case InputValues:
			a.Vals, err = collect(ar, ar.scalar)
		case InputAttributes:
			a.Attrs, err = collect(ar, ar.attribute)
		case InputOffsets:
			a.Offsets, err = collect(ar, ar.integer)
		case InputAssociations:
			a.AVs, err = collect(ar, ar.integer)
		}
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// collect drains ar, keeping a zero value at index 0 for arrays that carry
// a placeholder so positions stay ids.
func collect[T any](ar *arrayReader, next func() (T, error)) ([]T, error) {
	var items []T
	if ar.input.hasSentinel() {
		var zero T
		items = append(items, zero)
	} else {
		items = []T{}
	}
	for ar.more() {
		v, err := next()
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	if err := ar.finish(); err != nil {
		return nil, err
	}
	return items, nil
}

func readAll(ctx context.Context, src Source, in Input) ([]byte, error) {
	raw, err := src.Open(ctx, in)
	if err != nil {
		var typed *errors.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrorTypeFetch, "failed to open input").WithDetail("input", string(in))
	}
	defer raw.Close()

	data, err := io.ReadAll(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFetch, "failed to read input").WithDetail("input", string(in))
	}
	out, err := compression.Decompress(data)
	if err != nil {
		return nil, decodeError(err, in, "decompression failed")
	}
	return out, nil
}
