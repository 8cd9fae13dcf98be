package source

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/ajitpratap0/propdb/pkg/decoder"
	"github.com/ajitpratap0/propdb/pkg/errors"
	"github.com/ajitpratap0/propdb/pkg/mmap"
)

// Dir reads inputs from a local directory. Files are memory-mapped so a
// streaming decoder can reopen them without extra copies.
type Dir struct {
	Path string
}

// NewDir returns a source over the five files in dir.
func NewDir(dir string) *Dir {
	return &Dir{Path: dir}
}

func (d *Dir) file(input decoder.Input) string {
	return filepath.Join(d.Path, FileName(input))
}

func (d *Dir) Open(_ context.Context, input decoder.Input) (io.ReadCloser, error) {
	name := d.file(input)
	f, err := mmap.Open(name)
	if err != nil {
		if _, serr := os.Stat(name); os.IsNotExist(serr) {
			return nil, notFound(input, name)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeFetch, "failed to open input").
			WithDetail("input", string(input)).
			WithDetail("path", name)
	}
	return f.Reader(), nil
}

func (d *Dir) Stat(_ context.Context, input decoder.Input) (int64, error) {
	name := d.file(input)
	info, err := os.Stat(name)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, notFound(input, name)
		}
		return 0, errors.Wrap(err, errors.ErrorTypeFetch, "failed to stat input").WithDetail("path", name)
	}
	if info.IsDir() {
		return 0, errors.Newf(errors.ErrorTypeFetch, "%s is a directory", name)
	}
	return info.Size(), nil
}
