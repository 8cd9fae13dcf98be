package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/propdb/pkg/compression"
	"github.com/ajitpratap0/propdb/pkg/decoder"
	"github.com/ajitpratap0/propdb/pkg/json"
	"github.com/ajitpratap0/propdb/pkg/source"
)

// Fixture is a property database held as plain Go values. Slices exclude
// the placeholder element; Encode adds it back.
type Fixture struct {
	IDs     []interface{}
	Offsets []int64
	AVs     []int64
	Attrs   [][]interface{}
	Vals    []interface{}

	// Compression applied by Encode; the zero value means gzip
	Compression compression.Algorithm
	// Indent pretty-prints arrays one element per line
	Indent bool
}

// Attr builds an attribute tuple in positional order.
func Attr(name, category string, dataType int64, context, description, displayName string, flags, precision int64) []interface{} {
	return []interface{}{name, category, dataType, context, description, displayName, flags, precision}
}

// Scenario returns the two-entity database: entity "A" has General/Name =
// "Foo", entity "B" has no properties.
func Scenario() *Fixture {
	return &Fixture{
		IDs:     []interface{}{"A", "B"},
		Offsets: []int64{0, 1},
		AVs:     []int64{1, 1},
		Attrs:   [][]interface{}{Attr("Name", "General", 0, "", "", "", 0, 0)},
		Vals:    []interface{}{"Foo"},
	}
}

// Generate returns a deterministic database of n entities over attrs
// attributes and vals values. Entity i carries i%(maxPairs+1) pairs, so
// every multiple of maxPairs+1 has none. Attribute 1 is in the internal
// category __hidden__.
func Generate(n, attrs, vals, maxPairs int) *Fixture {
	f := &Fixture{}
	for a := 1; a <= attrs; a++ {
		category := fmt.Sprintf("Category %d", a%3)
		if a == 1 {
			category = "__hidden__"
		}
		display := ""
		if a%2 == 0 {
			display = fmt.Sprintf("Attribute %d", a)
		}
		f.Attrs = append(f.Attrs, Attr(fmt.Sprintf("attr_%d", a), category, int64(a%5), "", "", display, 0, 2))
	}
	for v := 1; v <= vals; v++ {
		if v%2 == 0 {
			f.Vals = append(f.Vals, int64(v))
		} else {
			f.Vals = append(f.Vals, fmt.Sprintf("value %d", v))
		}
	}
	var pairs int64
	for i := 1; i <= n; i++ {
		f.IDs = append(f.IDs, fmt.Sprintf("ext-%06d", i))
		f.Offsets = append(f.Offsets, pairs)
		for p := 0; p < i%(maxPairs+1); p++ {
			f.AVs = append(f.AVs, int64((i+p)%attrs+1), int64((i*7+p)%vals+1))
			pairs++
		}
	}
	return f
}

// Segment returns the pairs of entity i (1-based).
func (f *Fixture) Segment(i int) []int64 {
	start := f.Offsets[i-1] * 2
	end := int64(len(f.AVs))
	if i < len(f.Offsets) {
		end = f.Offsets[i] * 2
	}
	return f.AVs[start:end]
}

// Arrays returns the fixture in the pre-decoded shape, placeholders included.
func (f *Fixture) Arrays() *decoder.Arrays {
	a := &decoder.Arrays{
		IDs:     append([]interface{}{nil}, f.IDs...),
		Offsets: append([]int64{0}, f.Offsets...),
		AVs:     append([]int64{}, f.AVs...),
		Attrs:   []decoder.Attribute{{}},
		Vals:    append([]interface{}{nil}, f.Vals...),
	}
	for _, t := range f.Attrs {
		a.Attrs = append(a.Attrs, decoder.Attribute{
			Name:             t[0].(string),
			Category:         t[1].(string),
			DataType:         t[2].(int64),
			DataTypeContext:  t[3].(string),
			Description:      t[4].(string),
			DisplayName:      t[5].(string),
			Flags:            t[6].(int64),
			DisplayPrecision: t[7].(int64),
		})
	}
	return a
}

// JSON returns input as an uncompressed JSON array.
func (f *Fixture) JSON(t testing.TB, input decoder.Input) []byte {
	t.Helper()
	var elems []interface{}
	switch input {
	case decoder.InputIDs:
		elems = append([]interface{}{""}, f.IDs...)
	case decoder.InputOffsets:
		elems = []interface{}{0}
		for _, o := range f.Offsets {
			elems = append(elems, o)
		}
	case decoder.InputAssociations:
		elems = []interface{}{}
		for _, v := range f.AVs {
			elems = append(elems, v)
		}
	case decoder.InputAttributes:
		elems = []interface{}{0}
		for _, a := range f.Attrs {
			elems = append(elems, a)
		}
	case decoder.InputValues:
		elems = append([]interface{}{""}, f.Vals...)
	}

	var data []byte
	var err error
	if f.Indent {
		data, err = json.MarshalIndent(elems, "", "  ")
	} else {
		data, err = json.Marshal(elems)
	}
	require.NoError(t, err)
	return data
}

// Encode returns input as a JSON array compressed with f.Compression.
func (f *Fixture) Encode(t testing.TB, input decoder.Input) []byte {
	t.Helper()
	alg := f.Compression
	if alg == "" {
		alg = compression.Gzip
	}
	data, err := compression.Compress(f.JSON(t, input), alg)
	require.NoError(t, err)
	return data
}

// Source returns an in-memory source serving the encoded inputs.
func (f *Fixture) Source(t testing.TB) *source.Memory {
	t.Helper()
	m := source.NewMemory()
	for _, in := range decoder.Inputs {
		m.Set(in, f.Encode(t, in))
	}
	return m
}

// WriteDir writes the encoded inputs under their conventional file names in
// a new temporary directory and returns it.
func (f *Fixture) WriteDir(t testing.TB) string {
	t.Helper()
	dir := t.TempDir()
	for _, in := range decoder.Inputs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, source.FileName(in)), f.Encode(t, in), 0o600))
	}
	return dir
}
