// Package source retrieves the five raw input buffers of a property database
// from a local directory, an object store or an HTTP endpoint. Every backend
// implements decoder.Source.
package source

import (
	"context"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/ajitpratap0/propdb/pkg/config"
	"github.com/ajitpratap0/propdb/pkg/decoder"
	"github.com/ajitpratap0/propdb/pkg/errors"
)

var fileNames = map[decoder.Input]string{
	decoder.InputIDs:          "objects_ids.json.gz",
	decoder.InputOffsets:      "objects_offs.json.gz",
	decoder.InputAssociations: "objects_avs.json.gz",
	decoder.InputAttributes:   "objects_attrs.json.gz",
	decoder.InputValues:       "objects_vals.json.gz",
}

// FileName returns the conventional file name of input under a prefix.
func FileName(input decoder.Input) string {
	return fileNames[input]
}

// objectKey joins prefix and the file name of input with forward slashes.
func objectKey(prefix string, input decoder.Input) string {
	return path.Join(strings.Trim(prefix, "/"), FileName(input))
}

// Require fails with ErrorTypePrecondition unless all five inputs exist.
func Require(ctx context.Context, src decoder.Source) error {
	if src == nil {
		return errors.New(errors.ErrorTypePrecondition, "no input source")
	}
	var missing []string
	for _, in := range decoder.Inputs {
		if _, err := src.Stat(ctx, in); err != nil {
			if errors.HasType(err, errors.ErrorTypeNotFound) {
				missing = append(missing, string(in))
				continue
			}
			return asFetchError(err, in, "failed to stat input")
		}
	}
	if len(missing) > 0 {
		return errors.Newf(errors.ErrorTypePrecondition, "missing required inputs: %s", strings.Join(missing, ", ")).
			WithDetail("missing", missing)
	}
	return nil
}

// Parse resolves a source location to a backend:
//
//	/path/to/dir, file:///path/to/dir   local directory
//	s3://bucket/prefix                  Amazon S3 or an S3-compatible endpoint
//	minio://bucket/prefix               MinIO at cfg.Endpoint
//	gs://bucket/prefix                  Google Cloud Storage
//	http(s)://host/prefix               plain HTTP, optionally OAuth2
func Parse(ctx context.Context, location string, cfg config.SourceConfig) (decoder.Source, error) {
	if location == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "empty source location")
	}
	u, ok := parseURL(location)
	if !ok {
		return NewDir(location), nil
	}
	switch u.Scheme {
	case "file":
		return NewDir(filepath.FromSlash(u.Path)), nil
	case "s3":
		return NewS3(ctx, u.Host, u.Path, cfg)
	case "minio":
		return NewMinio(u.Host, u.Path, cfg)
	case "gs":
		return NewGCS(ctx, u.Host, u.Path, cfg)
	case "http", "https":
		return NewHTTP(ctx, location, cfg)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported source scheme %q", u.Scheme)
	}
}

// Scheme reports the scheme Parse would dispatch location on. Bare paths
// report "file".
func Scheme(location string) string {
	u, ok := parseURL(location)
	if !ok {
		return "file"
	}
	return u.Scheme
}

// parseURL returns false for bare paths, including windows drive letters.
func parseURL(location string) (*url.URL, bool) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		return nil, false
	}
	return u, true
}

// Close releases the resources held by src when it holds any.
func Close(src decoder.Source) error {
	if c, ok := src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func notFound(input decoder.Input, where string) *errors.Error {
	return errors.Newf(errors.ErrorTypeNotFound, "input %s not found", input).
		WithDetail("input", string(input)).
		WithDetail("location", where)
}

// asFetchError leaves typed errors alone and wraps everything else as a
// fetch failure.
func asFetchError(err error, input decoder.Input, msg string) error {
	var typed *errors.Error
	if errors.As(err, &typed) {
		return err
	}
	return errors.Wrap(err, errors.ErrorTypeFetch, msg).WithDetail("input", string(input))
}
