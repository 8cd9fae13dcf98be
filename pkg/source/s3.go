package source

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ajitpratap0/propdb/pkg/config"
	"github.com/ajitpratap0/propdb/pkg/decoder"
	"github.com/ajitpratap0/propdb/pkg/errors"
)

const defaultDownloadPartSize = 8 * 1024 * 1024 // 8MB

// S3 reads inputs from an S3 bucket, or any S3-compatible endpoint when
// config.SourceConfig.Endpoint is set.
type S3 struct {
	client     *s3.Client
	downloader *manager.Downloader
	bucket     string
	prefix     string
}

// NewS3 creates an S3 source. Credentials come from the default AWS chain
// unless an access key is configured.
func NewS3(ctx context.Context, bucket, prefix string, cfg config.SourceConfig) (*S3, error) {
	if bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "s3 source requires a bucket")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS configuration")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3{
		client: client,
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.PartSize = defaultDownloadPartSize
		}),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Open downloads the whole object with ranged parallel requests.
func (s *S3) Open(ctx context.Context, input decoder.Input) (io.ReadCloser, error) {
	size, err := s.Stat(ctx, input)
	if err != nil {
		return nil, err
	}
	key := objectKey(s.prefix, input)
	buf := manager.NewWriteAtBuffer(make([]byte, 0, size))
	if _, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFetch, "failed to download input").
			WithDetail("input", string(input)).
			WithDetail("key", key)
	}
	return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
}

func (s *S3) Stat(ctx context.Context, input decoder.Input) (int64, error) {
	key := objectKey(s.prefix, input)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		var nsk *types.NoSuchKey
		if errors.As(err, &nf) || errors.As(err, &nsk) {
			return 0, notFound(input, "s3://"+s.bucket+"/"+key)
		}
		return 0, errors.Wrap(err, errors.ErrorTypeFetch, "failed to stat input").WithDetail("key", key)
	}
	return aws.ToInt64(out.ContentLength), nil
}
