package repository

import (
	"context"
	"io"
	"time"
)

// ByteRange is a closed byte interval [Start, End].
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes the range covers.
func (r ByteRange) Length() int64 { return r.End - r.Start + 1 }

// BucketGetOptions qualify a ranged or conditional object read.
type BucketGetOptions struct {
	// Range limits the read to a byte interval. Nil reads the whole object.
	Range *ByteRange
	// IfNoneMatch short-circuits the read when the object's ETag matches.
	IfNoneMatch string
}

// ObjectResult is the outcome of a bucket read, shaped so the fetcher can
// translate it into an HTTP-style response.
type ObjectResult struct {
	// Body is nil for NotModified results. Caller closes.
	Body         io.ReadCloser
	ETag         string
	ContentType  string
	Size         int64 // total object size
	LastModified time.Time
	// NotModified is set when IfNoneMatch matched.
	NotModified bool
	// Partial is set when Range was applied; RangeStart/RangeEnd describe
	// the satisfied interval.
	Partial    bool
	RangeStart int64
	RangeEnd   int64
}

// ObjectBucket is the r2-style bucket binding contract: ranged and
// conditional reads plus a metadata-only head.
type ObjectBucket interface {
	// Get reads an object. Returns ErrObjectNotFound for missing keys and
	// ErrRangeNotSatisfiable when the range lies beyond the object.
	Get(ctx context.Context, key string, opts BucketGetOptions) (*ObjectResult, error)

	// Head reads object metadata without the body.
	Head(ctx context.Context, key string) (*ObjectResult, error)
}
