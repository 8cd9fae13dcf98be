package decoder

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/ajitpratap0/propdb/pkg/compression"
	"github.com/ajitpratap0/propdb/pkg/errors"
	"github.com/ajitpratap0/propdb/pkg/json"
)

// arrayReader walks one JSON array element by element.
type arrayReader struct {
	input Input
	raw   io.Closer
	body  io.ReadCloser
	dec   *json.Decoder
	index int
}

// openArray opens input on src and positions the reader on its first real
// element, consuming the opening bracket and the placeholder.
func openArray(ctx context.Context, src Source, input Input) (*arrayReader, error) {
	raw, err := src.Open(ctx, input)
	if err != nil {
		var typed *errors.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrorTypeFetch, "failed to open input").WithDetail("input", string(input))
	}
	body, _, err := compression.NewReader(raw)
	if err != nil {
		raw.Close()
		return nil, decodeError(err, input, "decompression failed")
	}
	a := &arrayReader{input: input, raw: raw, body: body}
	if err := a.start(body); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// newArrayReader reads an array from an already decompressed stream.
func newArrayReader(r io.Reader, input Input) (*arrayReader, error) {
	a := &arrayReader{input: input}
	if err := a.start(r); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *arrayReader) start(r io.Reader) error {
	a.dec = json.NewDecoder(r)
	tok, err := a.dec.Token()
	if err != nil {
		return decodeError(err, a.input, "failed to read array start")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return errors.Newf(errors.ErrorTypeDecode, "expected JSON array, got %v", tok).WithDetail("input", string(a.input))
	}
	if a.input.hasSentinel() {
		if !a.dec.More() {
			return errors.New(errors.ErrorTypeDecode, "array has no placeholder element").WithDetail("input", string(a.input))
		}
		var skip interface{}
		if err := a.dec.Decode(&skip); err != nil {
			return decodeError(err, a.input, "failed to read placeholder element")
		}
	}
	return nil
}

// more reports whether another element follows.
func (a *arrayReader) more() bool {
	return a.dec.More()
}

// finish consumes the closing bracket; anything else means the array was
// truncated or malformed.
func (a *arrayReader) finish() error {
	tok, err := a.dec.Token()
	if err != nil {
		return decodeError(err, a.input, "truncated array")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != ']' {
		return errors.Newf(errors.ErrorTypeDecode, "expected end of array, got %v", tok).WithDetail("input", string(a.input))
	}
	return nil
}

func (a *arrayReader) scalar() (interface{}, error) {
	var v interface{}
	if err := a.dec.Decode(&v); err != nil {
		return nil, a.elementError(err)
	}
	s, err := json.Scalar(v)
	if err != nil {
		return nil, a.elementError(err)
	}
	a.index++
	return s, nil
}

func (a *arrayReader) integer() (int64, error) {
	var v interface{}
	if err := a.dec.Decode(&v); err != nil {
		return 0, a.elementError(err)
	}
	n, err := strictInt(v)
	if err != nil {
		return 0, a.elementError(err)
	}
	a.index++
	return n, nil
}

func (a *arrayReader) attribute() (Attribute, error) {
	var v interface{}
	if err := a.dec.Decode(&v); err != nil {
		return Attribute{}, a.elementError(err)
	}
	attr, err := parseAttribute(v)
	if err != nil {
		return Attribute{}, a.elementError(err)
	}
	a.index++
	return attr, nil
}

// position is the array index of the next element, counting the placeholder.
func (a *arrayReader) position() int {
	if a.input.hasSentinel() {
		return a.index + 1
	}
	return a.index
}

func (a *arrayReader) elementError(err error) error {
	return decodeError(err, a.input, "malformed element").WithDetail("index", a.position())
}

func (a *arrayReader) Close() error {
	var err error
	if a.body != nil {
		err = a.body.Close()
	}
	if a.raw != nil {
		if cerr := a.raw.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func decodeError(err error, input Input, msg string) *errors.Error {
	return errors.Wrap(err, errors.ErrorTypeDecode, msg).WithDetail("input", string(input))
}

// parseAttribute maps the positional tuple
// [name, category, data_type, data_type_context, description, display_name,
// flags, display_precision] onto an Attribute. Trailing fields may be absent.
func parseAttribute(v interface{}) (Attribute, error) {
	tuple, ok := v.([]interface{})
	if !ok {
		return Attribute{}, fmt.Errorf("attribute definition must be an array, got %T", v)
	}
	if len(tuple) < 2 {
		return Attribute{}, fmt.Errorf("attribute definition needs at least name and category, got %d fields", len(tuple))
	}
	var attr Attribute
	var err error
	attr.Name = textAt(tuple, 0)
	attr.Category = textAt(tuple, 1)
	if attr.DataType, err = intAt(tuple, 2); err != nil {
		return Attribute{}, fmt.Errorf("data_type: %w", err)
	}
	attr.DataTypeContext = textAt(tuple, 3)
	attr.Description = textAt(tuple, 4)
	attr.DisplayName = textAt(tuple, 5)
	if attr.Flags, err = intAt(tuple, 6); err != nil {
		return Attribute{}, fmt.Errorf("flags: %w", err)
	}
	if attr.DisplayPrecision, err = intAt(tuple, 7); err != nil {
		return Attribute{}, fmt.Errorf("display_precision: %w", err)
	}
	return attr, nil
}

func textAt(tuple []interface{}, i int) string {
	if i >= len(tuple) || tuple[i] == nil {
		return ""
	}
	if s, ok := tuple[i].(string); ok {
		return s
	}
	return fmt.Sprint(tuple[i])
}

func intAt(tuple []interface{}, i int) (int64, error) {
	if i >= len(tuple) || tuple[i] == nil {
		return 0, nil
	}
	return toInt(tuple[i])
}

// strictInt accepts JSON numbers only. Offsets and association ids are
// structural, so a quoted number is malformed input.
func strictInt(v interface{}) (int64, error) {
	if _, ok := v.(string); ok {
		return 0, fmt.Errorf("expected integer, got string %q", v)
	}
	return toInt(v)
}

func toInt(v interface{}) (int64, error) {
	s, err := json.Scalar(v)
	if err != nil {
		return 0, err
	}
	switch n := s.(type) {
	case int64:
		return n, nil
	case float64:
		if n == float64(int64(n)) {
			return int64(n), nil
		}
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, nil
		}
	}
	return 0, fmt.Errorf("expected integer, got %v", v)
}
