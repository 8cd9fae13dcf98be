// Package compression opens the compressed buffers a property database is
// shipped in. Inputs are normally gzip (the *.json.gz files of a derivative
// bundle) but zstd and LZ4 frames are accepted too, and plain JSON passes
// through untouched.
//
// # Basic Usage
//
//	r, alg, err := compression.NewReader(file)
//	if err != nil {
//	    return err
//	}
//	defer r.Close()
//
// The algorithm is detected from the first bytes of the stream, so callers
// never need to trust a file extension.
package compression

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None represents no compression
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
	// LZ4 represents the lz4 frame format
	LZ4 Algorithm = "lz4"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// magicLen is the longest header Detect inspects.
const magicLen = 4

// Detect returns the algorithm whose magic number prefixes header.
func Detect(header []byte) Algorithm {
	switch {
	case bytes.HasPrefix(header, gzipMagic):
		return Gzip
	case bytes.HasPrefix(header, zstdMagic):
		return Zstd
	case bytes.HasPrefix(header, lz4Magic):
		return LZ4
	default:
		return None
	}
}

// NewReader wraps r in a decompressing reader chosen by sniffing its header.
// Closing the returned reader releases decoder state but does not close r.
func NewReader(r io.Reader) (io.ReadCloser, Algorithm, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	header, err := br.Peek(magicLen)
	if err != nil && err != io.EOF {
		return nil, None, fmt.Errorf("failed to read header: %w", err)
	}
	alg := Detect(header)
	rc, err := NewReaderFor(br, alg)
	if err != nil {
		return nil, alg, err
	}
	return rc, alg, nil
}

// NewReaderFor wraps r in a decompressing reader for a known algorithm.
func NewReaderFor(r io.Reader, alg Algorithm) (io.ReadCloser, error) {
	switch alg {
	case None, "":
		return io.NopCloser(r), nil
	case Gzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip stream: %w", err)
		}
		return gr, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("invalid zstd stream: %w", err)
		}
		return zr.IOReadCloser(), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", alg)
	}
}

// Decompress returns the decompressed contents of data.
func Decompress(data []byte) ([]byte, error) {
	rc, alg, err := NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	if alg == None {
		return data, nil
	}
	out, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s data: %w", alg, err)
	}
	return out, nil
}

// NewWriter wraps w in a compressing writer. Close flushes the frame but
// does not close w.
func NewWriter(w io.Writer, alg Algorithm) (io.WriteCloser, error) {
	switch alg {
	case None, "":
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Zstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, err
		}
		return zw, nil
	case LZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", alg)
	}
}

// Compress returns data compressed with alg.
func Compress(data []byte, alg Algorithm) ([]byte, error) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, alg)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
