package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"

	"github.com/edgewire/vidproxy/internal/domain/repository"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgxmock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func testRecord() repository.VariantRecord {
	expires := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	return repository.VariantRecord{
		CacheKey:    "video:videos/test.mp4:w=640:h=360",
		SourcePath:  "videos/test.mp4",
		Width:       640,
		Height:      360,
		ContentType: "video/mp4",
		Size:        1024,
		Chunked:     false,
		CreatedAt:   time.Now().Truncate(time.Second),
		ExpiresAt:   &expires,
	}
}

func TestVariantRepository_Upsert(t *testing.T) {
	mock := newMock(t)
	repo := NewVariantRepository(mock)
	rec := testRecord()

	mock.ExpectExec("INSERT INTO cache_variants").
		WithArgs(
			rec.CacheKey,
			rec.SourcePath,
			pgxmock.AnyArg(),
			rec.Width,
			rec.Height,
			pgxmock.AnyArg(),
			rec.ContentType,
			rec.Size,
			rec.Chunked,
			rec.CreatedAt,
			rec.ExpiresAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := repo.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestVariantRepository_Upsert_DBError(t *testing.T) {
	mock := newMock(t)
	repo := NewVariantRepository(mock)

	mock.ExpectExec("INSERT INTO cache_variants").
		WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnError(errors.New("connection refused"))

	if err := repo.Upsert(context.Background(), testRecord()); err == nil {
		t.Error("expected error")
	}
}

func TestVariantRepository_ListByPath(t *testing.T) {
	mock := newMock(t)
	repo := NewVariantRepository(mock)
	rec := testRecord()

	derivative := "mobile"
	rows := pgxmock.NewRows([]string{
		"cache_key", "source_path", "derivative", "width", "height", "format",
		"content_type", "size", "chunked", "created_at", "expires_at",
	}).
		AddRow(rec.CacheKey, rec.SourcePath, (*string)(nil), rec.Width, rec.Height,
			(*string)(nil), rec.ContentType, rec.Size, rec.Chunked, rec.CreatedAt, rec.ExpiresAt).
		AddRow("video:videos/test.mp4:derivative=mobile", rec.SourcePath, &derivative, 0, 0,
			(*string)(nil), rec.ContentType, int64(2048), true, rec.CreatedAt, (*time.Time)(nil))

	mock.ExpectQuery("SELECT (.+) FROM cache_variants").
		WithArgs(rec.SourcePath).
		WillReturnRows(rows)

	got, err := repo.ListByPath(context.Background(), rec.SourcePath)
	if err != nil {
		t.Fatalf("ListByPath failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].CacheKey != rec.CacheKey {
		t.Errorf("first key = %q", got[0].CacheKey)
	}
	if got[1].Derivative != "mobile" || !got[1].Chunked {
		t.Errorf("second record = %+v", got[1])
	}
	if got[1].ExpiresAt != nil {
		t.Error("expected nil ExpiresAt for indefinite entry")
	}
}

func TestVariantRepository_DeleteByKey(t *testing.T) {
	mock := newMock(t)
	repo := NewVariantRepository(mock)

	mock.ExpectExec("DELETE FROM cache_variants").
		WithArgs("video:videos/test.mp4:w=640:h=360").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	if err := repo.DeleteByKey(context.Background(), "video:videos/test.mp4:w=640:h=360"); err != nil {
		t.Fatalf("DeleteByKey failed: %v", err)
	}
}
