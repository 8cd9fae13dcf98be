package source

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/propdb/pkg/config"
	"github.com/ajitpratap0/propdb/pkg/decoder"
	"github.com/ajitpratap0/propdb/pkg/errors"
)

// GCS reads inputs from a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	prefix string
}

// NewGCS creates a GCS source. Application default credentials are used
// unless cfg.CredentialsFile is set.
func NewGCS(ctx context.Context, bucket, prefix string, cfg config.SourceConfig) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "gcs source requires a bucket")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create GCS client")
	}
	return &GCS{client: client, bucket: client.Bucket(bucket), name: bucket, prefix: prefix}, nil
}

func (g *GCS) Open(ctx context.Context, input decoder.Input) (io.ReadCloser, error) {
	key := objectKey(g.prefix, input)
	r, err := g.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, g.wrap(err, input, key, "failed to read input")
	}
	return r, nil
}

func (g *GCS) Stat(ctx context.Context, input decoder.Input) (int64, error) {
	key := objectKey(g.prefix, input)
	attrs, err := g.bucket.Object(key).Attrs(ctx)
	if err != nil {
		return 0, g.wrap(err, input, key, "failed to stat input")
	}
	return attrs.Size, nil
}

// Close releases the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) wrap(err error, input decoder.Input, key, msg string) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return notFound(input, "gs://"+g.name+"/"+key)
	}
	return errors.Wrap(err, errors.ErrorTypeFetch, msg).
		WithDetail("input", string(input)).
		WithDetail("key", key)
}
