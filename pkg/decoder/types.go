// Package decoder turns the five arrays of a property database into lazy,
// pageable sequences of typed records.
//
// A property database is shipped as five JSON arrays:
//
//	ids     [sentinel, external_id_1, ..., external_id_n]
//	offsets [sentinel, offset_1, ..., offset_n]
//	avs     [attr_id, value_id, attr_id, value_id, ...]
//	attrs   [sentinel, [name, category, data_type, ...], ...]
//	vals    [sentinel, value_1, ..., value_m]
//
// Index 0 of ids, offsets, attrs and vals is a placeholder with no meaning;
// real data starts at 1 and the position of an element is its id. The avs
// array carries no placeholder: offset_i counts the (attr_id, value_id)
// pairs preceding entity i, so entity i owns avs[offset_i*2 : offset_(i+1)*2]
// and the last entity owns everything to the end of the array.
//
// Two strategies are available. StrategyMaterialize decompresses each input
// completely, parses it once and serves pages as slices of the result; the
// memory bound is the decoded size of the inputs. StrategyStream reopens the
// input on every call and walks it one element at a time with a token
// decoder, so at most one page is held in memory. Both validate structure
// identically: a missing opening bracket or placeholder, a truncated array,
// or an element of the wrong shape is a fatal ErrorTypeDecode.
//
// Every sequence is finite and restartable. Ranging over it a second time
// parses again from the start; there is no shared cursor between calls.
package decoder

import (
	"context"
	"io"
	"strings"

	"github.com/ajitpratap0/propdb/pkg/errors"
)

// Input names one of the five arrays of a property database.
type Input string

const (
	InputIDs          Input = "ids"
	InputOffsets      Input = "offsets"
	InputAssociations Input = "avs"
	InputAttributes   Input = "attrs"
	InputValues       Input = "vals"
)

// Inputs lists the five arrays in load order.
var Inputs = []Input{InputIDs, InputOffsets, InputAssociations, InputAttributes, InputValues}

// hasSentinel reports whether index 0 of the array is a placeholder.
func (in Input) hasSentinel() bool {
	return in != InputAssociations
}

// Source yields the raw, possibly compressed, bytes of each input array.
type Source interface {
	// Open returns a fresh reader positioned at the start of the input.
	Open(ctx context.Context, input Input) (io.ReadCloser, error)
	// Stat returns the stored size of the input, or an ErrorTypeNotFound
	// error when it does not exist.
	Stat(ctx context.Context, input Input) (int64, error)
}

// Attribute is one attribute definition. Its id is its 1-based position in
// the attrs array.
type Attribute struct {
	Name             string
	Category         string
	DataType         int64
	DataTypeContext  string
	Description      string
	DisplayName      string
	Flags            int64
	DisplayPrecision int64
}

// Label is the name consumers should show: the display name when present.
func (a Attribute) Label() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Name
}

// Internal reports whether the attribute belongs to an implementation
// private category such as "__parent__".
func (a Attribute) Internal() bool {
	return IsInternalCategory(a.Category)
}

// IsInternalCategory reports whether category is wrapped in double
// underscores, the same test as LIKE '\_\_%\_\_' in the default view.
func IsInternalCategory(category string) bool {
	return len(category) >= 4 && strings.HasPrefix(category, "__") && strings.HasSuffix(category, "__")
}

// Segment is the flat list of (attribute_id, value_id) pairs of one entity.
type Segment struct {
	EntityID int64
	Pairs    []int64
}

// Len returns the number of pairs in the segment.
func (s Segment) Len() int {
	return len(s.Pairs) / 2
}

// Pair returns the attribute and value ids of the i-th pair.
func (s Segment) Pair(i int) (attributeID, valueID int64) {
	return s.Pairs[2*i], s.Pairs[2*i+1]
}

// Check verifies that every reference in the segment points into the
// dictionaries described by c.
func (s Segment) Check(c Counts) error {
	if len(s.Pairs) == 0 {
		return nil
	}
	if s.EntityID < 1 || s.EntityID > c.Entities {
		return errors.Newf(errors.ErrorTypeDecode, "entity %d has properties but only %d ids exist", s.EntityID, c.Entities)
	}
	for i := 0; i < s.Len(); i++ {
		attr, val := s.Pair(i)
		if attr < 1 || attr > c.Attributes {
			return errors.Newf(errors.ErrorTypeDecode, "entity %d references attribute %d outside [1, %d]", s.EntityID, attr, c.Attributes).
				WithDetail("pair", i)
		}
		if val < 1 || val > c.Values {
			return errors.Newf(errors.ErrorTypeDecode, "entity %d references value %d outside [1, %d]", s.EntityID, val, c.Values).
				WithDetail("pair", i)
		}
	}
	return nil
}

// Counts summarises a verified property database.
type Counts struct {
	Entities     int64
	Attributes   int64
	Values       int64
	Segments     int64
	Associations int64
}

// Arrays holds the five inputs already decoded, in the shape described in
// the package documentation. IDs and Vals hold driver-bindable scalars.
type Arrays struct {
	IDs     []interface{}
	Offsets []int64
	AVs     []int64
	Attrs   []Attribute
	Vals    []interface{}
}
