package source

import (
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ajitpratap0/propdb/pkg/config"
	"github.com/ajitpratap0/propdb/pkg/decoder"
	"github.com/ajitpratap0/propdb/pkg/errors"
)

// Minio reads inputs from a MinIO bucket.
type Minio struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinio creates a MinIO source at cfg.Endpoint with static credentials.
func NewMinio(bucket, prefix string, cfg config.SourceConfig) (*Minio, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "minio source requires source.endpoint")
	}
	if bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "minio source requires a bucket")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "minio client")
	}
	return &Minio{client: mc, bucket: bucket, prefix: prefix}, nil
}

func (m *Minio) Open(ctx context.Context, input decoder.Input) (io.ReadCloser, error) {
	key := objectKey(m.prefix, input)
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, m.wrap(err, input, key, "failed to get input")
	}
	// GetObject is lazy; Stat surfaces a missing key before decoding starts
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, m.wrap(err, input, key, "failed to get input")
	}
	return obj, nil
}

func (m *Minio) Stat(ctx context.Context, input decoder.Input) (int64, error) {
	key := objectKey(m.prefix, input)
	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, m.wrap(err, input, key, "failed to stat input")
	}
	return info.Size, nil
}

func (m *Minio) wrap(err error, input decoder.Input, key, msg string) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return notFound(input, "minio://"+m.bucket+"/"+key)
	}
	return errors.Wrap(err, errors.ErrorTypeFetch, msg).
		WithDetail("input", string(input)).
		WithDetail("key", key)
}
