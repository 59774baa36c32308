package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/developer-mesh/docmesh/internal/awsclient"
	"github.com/developer-mesh/docmesh/internal/config"
	"github.com/developer-mesh/docmesh/pkg/observability"
)

// S3API is the subset of the S3 client used by S3Store
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Uploader stores objects, splitting large bodies into multipart uploads
type Uploader interface {
	Upload(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Store keeps blobs in a bucket under an optional key prefix
type S3Store struct {
	client   S3API
	uploader Uploader
	bucket   string
	prefix   string
	logger   observability.Logger
}

// NewS3Store loads AWS configuration and creates an S3 client. A custom
// endpoint switches to path-style addressing for S3-compatible services.
func NewS3Store(ctx context.Context, cfg config.StorageConfig, awsCfg config.AWSConfig, logger observability.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	sdkCfg, err := awsclient.Load(ctx, awsCfg, cfg.Region)
	if err != nil {
		return nil, err
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(sdkCfg, opts...)

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if cfg.UploadPartSize > 0 {
			u.PartSize = cfg.UploadPartSize
		}
		if cfg.UploadConcurrency > 0 {
			u.Concurrency = cfg.UploadConcurrency
		}
	})
	return NewS3StoreWithClient(client, uploader, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewS3StoreWithClient wraps an existing client and uploader
func NewS3StoreWithClient(client S3API, uploader Uploader, bucket, prefix string, logger observability.Logger) *S3Store {
	return &S3Store{
		client:   client,
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
		logger:   observability.OrNoop(logger).WithPrefix("storage.s3"),
	}
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Put uploads data. Bodies larger than the uploader's part size go up as
// multipart uploads.
func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			"stored-by": "docmesh",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to store object in S3: %w", err)
	}

	s.logger.Debug("Stored object in S3", map[string]interface{}{
		"bucket": s.bucket,
		"key":    s.objectKey(key),
		"size":   len(data),
	})
	return nil
}

// Get downloads an object
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to retrieve object from S3: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object data: %w", err)
	}
	return data, nil
}

// Delete removes an object
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}
	return nil
}
