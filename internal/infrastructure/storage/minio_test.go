package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/edgewire/vidproxy/internal/domain/repository"
)

type fakeObject struct {
	io.Reader
	info minio.ObjectInfo
}

func (f *fakeObject) Close() error { return nil }

func (f *fakeObject) Stat() (minio.ObjectInfo, error) { return f.info, nil }

type mockMinioClient struct {
	bucketExistsFn func(ctx context.Context, bucket string) (bool, error)
	getObjectFn    func(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (objectReader, error)
	statObjectFn   func(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

func (m *mockMinioClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	if m.bucketExistsFn != nil {
		return m.bucketExistsFn(ctx, bucket)
	}
	return true, nil
}

func (m *mockMinioClient) GetObject(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (objectReader, error) {
	if m.getObjectFn != nil {
		return m.getObjectFn(ctx, bucket, object, opts)
	}
	return &fakeObject{Reader: bytes.NewReader(nil)}, nil
}

func (m *mockMinioClient) StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	if m.statObjectFn != nil {
		return m.statObjectFn(ctx, bucket, object, opts)
	}
	return minio.ObjectInfo{}, nil
}

func testInfo() minio.ObjectInfo {
	return minio.ObjectInfo{
		ETag:         "abc123",
		ContentType:  "video/mp4",
		Size:         1000,
		LastModified: time.Now(),
	}
}

func TestBucket_GetFull(t *testing.T) {
	body := bytes.Repeat([]byte("v"), 1000)
	client := &mockMinioClient{
		statObjectFn: func(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
			return testInfo(), nil
		},
		getObjectFn: func(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (objectReader, error) {
			return &fakeObject{Reader: bytes.NewReader(body), info: testInfo()}, nil
		},
	}
	b, err := newBucketWithClient(context.Background(), client, "videos")
	if err != nil {
		t.Fatalf("newBucketWithClient failed: %v", err)
	}

	res, err := b.Get(context.Background(), "test.mp4", repository.BucketGetOptions{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer res.Body.Close()

	if res.Size != 1000 || res.ETag != "abc123" || res.ContentType != "video/mp4" {
		t.Errorf("unexpected result: %+v", res)
	}
	got, _ := io.ReadAll(res.Body)
	if len(got) != 1000 {
		t.Errorf("body = %d bytes, want 1000", len(got))
	}
}

func TestBucket_GetConditionalHit(t *testing.T) {
	client := &mockMinioClient{
		statObjectFn: func(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
			return testInfo(), nil
		},
		getObjectFn: func(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (objectReader, error) {
			t.Fatal("GetObject must not run on a conditional hit")
			return nil, nil
		},
	}
	b, _ := newBucketWithClient(context.Background(), client, "videos")

	res, err := b.Get(context.Background(), "test.mp4", repository.BucketGetOptions{IfNoneMatch: `"abc123"`})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !res.NotModified {
		t.Error("expected NotModified")
	}
	if res.Body != nil {
		t.Error("NotModified result must have no body")
	}
	if res.ETag != "abc123" {
		t.Errorf("etag = %q", res.ETag)
	}
}

func TestBucket_GetRangeBeyondSize(t *testing.T) {
	client := &mockMinioClient{
		statObjectFn: func(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
			return testInfo(), nil
		},
	}
	b, _ := newBucketWithClient(context.Background(), client, "videos")

	_, err := b.Get(context.Background(), "test.mp4", repository.BucketGetOptions{
		Range: &repository.ByteRange{Start: 5000, End: 6000},
	})
	if !errors.Is(err, repository.ErrRangeNotSatisfiable) {
		t.Errorf("err = %v, want ErrRangeNotSatisfiable", err)
	}
}

func TestBucket_GetRangeClamped(t *testing.T) {
	client := &mockMinioClient{
		statObjectFn: func(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
			return testInfo(), nil
		},
		getObjectFn: func(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (objectReader, error) {
			return &fakeObject{Reader: bytes.NewReader(make([]byte, 100))}, nil
		},
	}
	b, _ := newBucketWithClient(context.Background(), client, "videos")

	res, err := b.Get(context.Background(), "test.mp4", repository.BucketGetOptions{
		Range: &repository.ByteRange{Start: 900, End: 5000},
	})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer res.Body.Close()

	if !res.Partial {
		t.Error("expected Partial")
	}
	if res.RangeStart != 900 || res.RangeEnd != 999 {
		t.Errorf("range = %d-%d, want 900-999", res.RangeStart, res.RangeEnd)
	}
}

func TestBucket_GetMissing(t *testing.T) {
	client := &mockMinioClient{
		statObjectFn: func(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
			return minio.ObjectInfo{}, minio.ErrorResponse{Code: "NoSuchKey"}
		},
	}
	b, _ := newBucketWithClient(context.Background(), client, "videos")

	_, err := b.Get(context.Background(), "absent.mp4", repository.BucketGetOptions{})
	if !errors.Is(err, repository.ErrObjectNotFound) {
		t.Errorf("err = %v, want ErrObjectNotFound", err)
	}
}

func TestNewBuckets_MissingBucket(t *testing.T) {
	client := &mockMinioClient{
		bucketExistsFn: func(ctx context.Context, bucket string) (bool, error) { return false, nil },
	}
	_, err := newBucketWithClient(context.Background(), client, "absent")
	if !errors.Is(err, repository.ErrBucketNotFound) {
		t.Errorf("err = %v, want ErrBucketNotFound", err)
	}
}

func TestEtagMatches(t *testing.T) {
	tests := []struct {
		ifNoneMatch string
		etag        string
		want        bool
	}{
		{`"abc"`, "abc", true},
		{`abc`, "abc", true},
		{`W/"abc"`, "abc", true},
		{`"x", "abc"`, "abc", true},
		{`"x"`, "abc", false},
		{`*`, "anything", true},
	}
	for _, tt := range tests {
		if got := etagMatches(tt.ifNoneMatch, tt.etag); got != tt.want {
			t.Errorf("etagMatches(%q, %q) = %v, want %v", tt.ifNoneMatch, tt.etag, got, tt.want)
		}
	}
}
