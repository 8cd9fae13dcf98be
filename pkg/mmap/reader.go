// Package mmap maps input files read-only into memory so decoders can read
// them without copying through a userspace buffer.
package mmap

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
)

// File is a read-only memory-mapped file.
type File struct {
	file   *os.File
	data   []byte
	mapped bool

	mu     sync.Mutex
	closed bool
}

// Open maps filename into memory. Empty files are valid and map to an empty
// slice without a mapping.
func Open(filename string) (*File, error) {
	file, err := os.Open(filename) //nolint:gosec // G304: callers pass operator-supplied paths
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if stat.IsDir() {
		file.Close()
		return nil, fmt.Errorf("%s is a directory", filename)
	}

	size := stat.Size()
	if size == 0 {
		return &File{file: file, data: []byte{}}, nil
	}

	data, err := mmap(int(file.Fd()), 0, int(size), ProtRead, MapShared)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap file: %w", err)
	}

	// Advisory only; a refusal changes nothing about correctness.
	_ = madvise(data, MadvSequential)

	return &File{file: file, data: data, mapped: true}, nil
}

// Bytes returns the mapped contents. The slice is invalid after Close.
func (f *File) Bytes() []byte {
	return f.data
}

// Len returns the file size.
func (f *File) Len() int {
	return len(f.data)
}

// Reader returns an independent reader over the mapping whose Close unmaps
// the file.
func (f *File) Reader() io.ReadCloser {
	return &fileReader{Reader: bytes.NewReader(f.data), f: f}
}

// Close unmaps and closes the file. It is safe to call more than once.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true

	var err error
	if f.mapped {
		err = munmap(f.data)
	}
	f.data = nil
	if cerr := f.file.Close(); err == nil {
		err = cerr
	}
	return err
}

type fileReader struct {
	*bytes.Reader
	f *File
}

func (r *fileReader) Close() error {
	return r.f.Close()
}
