// Package storage adapts MinIO buckets to the r2-style ObjectBucket contract.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/edgewire/vidproxy/internal/domain/repository"
)

// objectReader abstracts minio.Object for testability.
// *minio.Object satisfies this interface.
type objectReader interface {
	io.ReadCloser
	Stat() (minio.ObjectInfo, error)
}

// minioClient defines the interface for the MinIO operations the bucket
// adapter needs. The abstraction allows unit testing with mocks.
type minioClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (objectReader, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

// minioClientAdapter wraps *minio.Client to implement minioClient.
type minioClientAdapter struct {
	client *minio.Client
}

func (a *minioClientAdapter) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	return a.client.BucketExists(ctx, bucketName)
}

func (a *minioClientAdapter) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (objectReader, error) {
	return a.client.GetObject(ctx, bucketName, objectName, opts)
}

func (a *minioClientAdapter) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return a.client.StatObject(ctx, bucketName, objectName, opts)
}

// ClientConfig holds configuration for the MinIO connection.
type ClientConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Bucket implements repository.ObjectBucket over one MinIO bucket.
type Bucket struct {
	client minioClient
	bucket string
}

// Compile-time verification that Bucket implements repository.ObjectBucket.
var _ repository.ObjectBucket = (*Bucket)(nil)

// NewBuckets connects to MinIO and returns one Bucket per binding.
// Bucket existence is verified during initialization to fail fast on
// misconfiguration.
func NewBuckets(ctx context.Context, cfg ClientConfig, bindings map[string]string) (map[string]repository.ObjectBucket, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	adapter := &minioClientAdapter{client: client}

	out := make(map[string]repository.ObjectBucket, len(bindings))
	for binding, bucketName := range bindings {
		b, err := newBucketWithClient(ctx, adapter, bucketName)
		if err != nil {
			return nil, fmt.Errorf("binding %s: %w", binding, err)
		}
		out[binding] = b
	}
	return out, nil
}

// newBucketWithClient creates a Bucket with a given minioClient
// implementation. This is used for dependency injection in tests.
func newBucketWithClient(ctx context.Context, client minioClient, bucket string) (*Bucket, error) {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", repository.ErrBucketNotFound, bucket)
	}
	return &Bucket{client: client, bucket: bucket}, nil
}

// Get reads an object with optional range and conditional semantics. The
// stat runs first so a conditional hit or an unsatisfiable range never opens
// a body stream.
func (b *Bucket) Get(ctx context.Context, key string, opts repository.BucketGetOptions) (*repository.ObjectResult, error) {
	info, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, translateMinioErr(err)
	}

	res := &repository.ObjectResult{
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		Size:         info.Size,
		LastModified: info.LastModified,
	}

	if opts.IfNoneMatch != "" && etagMatches(opts.IfNoneMatch, info.ETag) {
		res.NotModified = true
		return res, nil
	}

	getOpts := minio.GetObjectOptions{}
	if opts.Range != nil {
		if opts.Range.Start >= info.Size {
			return nil, repository.ErrRangeNotSatisfiable
		}
		end := opts.Range.End
		if end >= info.Size || end < 0 {
			end = info.Size - 1
		}
		if err := getOpts.SetRange(opts.Range.Start, end); err != nil {
			return nil, fmt.Errorf("set range: %w", err)
		}
		res.Partial = true
		res.RangeStart = opts.Range.Start
		res.RangeEnd = end
	}

	obj, err := b.client.GetObject(ctx, b.bucket, key, getOpts)
	if err != nil {
		return nil, translateMinioErr(err)
	}
	res.Body = obj
	return res, nil
}

// Head reads object metadata without the body.
func (b *Bucket) Head(ctx context.Context, key string) (*repository.ObjectResult, error) {
	info, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, translateMinioErr(err)
	}
	return &repository.ObjectResult{
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		Size:         info.Size,
		LastModified: info.LastModified,
	}, nil
}

// Bucket returns the backing bucket name.
func (b *Bucket) Name() string { return b.bucket }

func translateMinioErr(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return repository.ErrObjectNotFound
	}
	return fmt.Errorf("minio: %w", err)
}

// etagMatches compares an If-None-Match header value against an object etag,
// tolerating quoting and weak validators.
func etagMatches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "*" {
		return true
	}
	norm := func(s string) string {
		s = strings.TrimSpace(s)
		s = strings.TrimPrefix(s, "W/")
		return strings.Trim(s, `"`)
	}
	want := norm(etag)
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		if norm(candidate) == want {
			return true
		}
	}
	return false
}
