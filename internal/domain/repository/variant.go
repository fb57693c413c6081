package repository

import (
	"context"
	"time"
)

// VariantRecord describes one stored cache variant. It is the queryable
// mirror of what lives in the KV namespace, kept for the admin listing flow.
type VariantRecord struct {
	CacheKey    string
	SourcePath  string
	Derivative  string
	Width       int
	Height      int
	Format      string
	ContentType string
	Size        int64
	Chunked     bool
	CreatedAt   time.Time
	ExpiresAt   *time.Time
}

// VariantRegistry persists variant records. Implementations are optional;
// the cache writes through on a best-effort basis.
type VariantRegistry interface {
	// Upsert records a stored variant, replacing any prior row for the key.
	Upsert(ctx context.Context, rec VariantRecord) error

	// ListByPath returns all recorded variants for a source path.
	ListByPath(ctx context.Context, sourcePath string) ([]VariantRecord, error)

	// DeleteByKey removes the record for a cache key.
	DeleteByKey(ctx context.Context, cacheKey string) error
}
