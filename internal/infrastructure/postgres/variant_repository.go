package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edgewire/vidproxy/internal/domain/repository"
)

// DBTX is an interface that abstracts pgxpool.Pool and pgx.Tx for testability.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// VariantRepository implements repository.VariantRegistry using PostgreSQL.
// It mirrors KV cache writes so the admin listing flow can query variants
// without scanning the KV namespace.
type VariantRepository struct {
	db DBTX
}

// Compile-time verification that VariantRepository implements repository.VariantRegistry.
var _ repository.VariantRegistry = (*VariantRepository)(nil)

// NewVariantRepository creates a new VariantRepository instance.
func NewVariantRepository(db DBTX) *VariantRepository {
	return &VariantRepository{db: db}
}

// Upsert records a stored variant, replacing any prior row for the key.
func (r *VariantRepository) Upsert(ctx context.Context, rec repository.VariantRecord) error {
	const query = `
		INSERT INTO cache_variants (cache_key, source_path, derivative, width, height, format, content_type, size, chunked, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (cache_key) DO UPDATE SET
			source_path = EXCLUDED.source_path,
			derivative = EXCLUDED.derivative,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			format = EXCLUDED.format,
			content_type = EXCLUDED.content_type,
			size = EXCLUDED.size,
			chunked = EXCLUDED.chunked,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`

	_, err := r.db.Exec(ctx, query,
		rec.CacheKey,
		rec.SourcePath,
		nullString(rec.Derivative),
		rec.Width,
		rec.Height,
		nullString(rec.Format),
		rec.ContentType,
		rec.Size,
		rec.Chunked,
		rec.CreatedAt,
		rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert variant: %w", err)
	}

	return nil
}

// ListByPath returns all recorded variants for a source path, newest first.
func (r *VariantRepository) ListByPath(ctx context.Context, sourcePath string) ([]repository.VariantRecord, error) {
	const query = `
		SELECT cache_key, source_path, derivative, width, height, format, content_type, size, chunked, created_at, expires_at
		FROM cache_variants
		WHERE source_path = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, sourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list variants: %w", err)
	}
	defer rows.Close()

	var out []repository.VariantRecord
	for rows.Next() {
		rec, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate variants: %w", err)
	}

	return out, nil
}

// DeleteByKey removes the record for a cache key.
func (r *VariantRepository) DeleteByKey(ctx context.Context, cacheKey string) error {
	const query = `DELETE FROM cache_variants WHERE cache_key = $1`

	if _, err := r.db.Exec(ctx, query, cacheKey); err != nil {
		return fmt.Errorf("failed to delete variant: %w", err)
	}
	return nil
}

func scanVariant(row pgx.Row) (*repository.VariantRecord, error) {
	var (
		rec        repository.VariantRecord
		derivative *string
		format     *string
		expiresAt  *time.Time
	)

	err := row.Scan(
		&rec.CacheKey,
		&rec.SourcePath,
		&derivative,
		&rec.Width,
		&rec.Height,
		&format,
		&rec.ContentType,
		&rec.Size,
		&rec.Chunked,
		&rec.CreatedAt,
		&expiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan variant: %w", err)
	}

	if derivative != nil {
		rec.Derivative = *derivative
	}
	if format != nil {
		rec.Format = *format
	}
	rec.ExpiresAt = expiresAt

	return &rec, nil
}

// nullString converts an empty string to nil for nullable columns.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
