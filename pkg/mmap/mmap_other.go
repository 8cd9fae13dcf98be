//go:build !linux && !darwin

package mmap

import (
	"io"
	"os"
)

// mmap falls back to reading the whole file on platforms without mmap(2).
func mmap(fd int, offset int64, length int, _ int, _ int) ([]byte, error) {
	f := os.NewFile(uintptr(fd), "")
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

func munmap([]byte) error { return nil }

func madvise([]byte, int) error { return nil }

const (
	ProtRead       = 1
	MapShared      = 1
	MadvSequential = 0
)
