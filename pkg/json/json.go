// Package json provides the JSON codec used across propdb, backed by
// goccy/go-json.
package json

import (
	"bytes"
	"io"
	"strconv"
	"sync"

	gojson "github.com/goccy/go-json"
)

// Decoder is the streaming decoder type handed out by NewDecoder.
type Decoder = gojson.Decoder

// Delim is a JSON array or object delimiter token.
type Delim = gojson.Delim

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// NewDecoder returns a decoder that keeps numbers as literals so integral
// ids survive without float rounding.
func NewDecoder(r io.Reader) *Decoder {
	dec := gojson.NewDecoder(r)
	dec.UseNumber()
	return dec
}

// NewEncoder returns an encoder that does not escape HTML characters.
func NewEncoder(w io.Writer) *gojson.Encoder {
	enc := gojson.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}

// GetBuffer gets a pooled bytes.Buffer
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 1024*1024 { // Don't pool very large buffers
		return
	}
	bufferPool.Put(buf)
}

// Marshal is a drop-in replacement for json.Marshal
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// MarshalIndent is a drop-in replacement for json.MarshalIndent
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// Unmarshal is a drop-in replacement for json.Unmarshal
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// Scalar converts a value produced by a NewDecoder decode into something a
// database driver can bind: integral numbers become int64, other numbers
// float64, booleans 0 or 1, and arrays or objects their compact JSON text.
func Scalar(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil, string, int64, float64:
		return t, nil
	case gojson.Number:
		if i, err := strconv.ParseInt(string(t), 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(string(t), 64)
		if err != nil {
			return nil, err
		}
		return f, nil
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		b, err := gojson.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
}
