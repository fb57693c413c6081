// Package videocache is the KV-backed result cache for transformed video
// artifacts. Small bodies are stored as a single entry; large ones are split
// into fixed-size chunks under a manifest so range requests stream without
// materializing the whole body.
package videocache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/edgewire/vidproxy/internal/config"
	"github.com/edgewire/vidproxy/internal/domain/model"
	"github.com/edgewire/vidproxy/internal/domain/repository"
	"github.com/edgewire/vidproxy/internal/infrastructure/metrics"
)

const (
	defaultChunkSize      = 10 * 1024 * 1024
	defaultSingleEntryMax = 20 * 1024 * 1024
)

// BackgroundGate schedules deferred work off the response path.
// Implemented by background.Gate.
type BackgroundGate interface {
	Spawn(name string, fn func(ctx context.Context) error) bool
}

// Config tunes cache layout and TTL behavior.
type Config struct {
	// ChunkSize is the fixed chunk length for chunked entries.
	ChunkSize int64
	// SingleEntryMax is the largest body stored as a single entry.
	SingleEntryMax int64
	// StoreIndefinitely suppresses KV TTLs entirely.
	StoreIndefinitely bool
	// Cache carries TTL profiles and size limits from the worker config.
	Cache *config.CacheConfig
}

// GetOptions qualify a cache read.
type GetOptions struct {
	// RangeHeader is the raw Range header, empty for full-body reads.
	RangeHeader string
	// IfNoneMatch is the raw If-None-Match header.
	IfNoneMatch string
	// RequestURL is the full client URL, carried into refresh tasks so the
	// worker can rebuild the transform request.
	RequestURL string
	// CacheVersion is the current version counter for the source path.
	// Entries written under an older version read as misses.
	CacheVersion int64
}

// StoreInfo describes the artifact being written.
type StoreInfo struct {
	ContentType   string
	ContentLength int64 // -1 when unknown
	ETag          string
	CacheTags     []string
	Version       int64
	// TTL overrides the configured profile when positive.
	TTL time.Duration
}

// CachedResponse is a synthesized response from cache. Body is nil for 304
// and 416 statuses.
type CachedResponse struct {
	Status        int
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
	ETag          string
	CacheControl  string
	CacheTags     []string

	// Range bookkeeping for 206 responses and Content-Range on 416.
	RangeStart int64
	RangeEnd   int64
	TotalSize  int64

	Metadata *EntryMetadata
}

// VariantSummary is a listing row for admin and diagnostic flows.
type VariantSummary struct {
	Key      string        `json:"key"`
	Metadata EntryMetadata `json:"metadata"`
}

// Cache is the result cache. Queue and registry are optional: absent a
// queue, refresh-on-read is skipped; absent a registry, listings come from
// KV scans only.
type Cache struct {
	store    repository.BlobStore
	gate     BackgroundGate
	queue    repository.MessageQueue
	registry repository.VariantRegistry
	logger   *slog.Logger
	config   Config

	versions singleflight.Group
	now      func() time.Time
}

// New creates a Cache. gate, queue and registry may be nil.
func New(store repository.BlobStore, gate BackgroundGate, queue repository.MessageQueue, registry repository.VariantRegistry, cfg Config, logger *slog.Logger) *Cache {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.SingleEntryMax <= 0 {
		cfg.SingleEntryMax = defaultSingleEntryMax
	}
	if cfg.Cache == nil {
		cfg.Cache = &config.CacheConfig{
			DefaultTTL: model.TTLProfile{OK: config.DefaultOKTTL},
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:    store,
		gate:     gate,
		queue:    queue,
		registry: registry,
		logger:   logger,
		config:   cfg,
		now:      time.Now,
	}
}

// Get probes the cache for an artifact. A nil response with nil error is a
// miss. Version-stale and expired entries read as misses and are deleted in
// the background.
func (c *Cache) Get(ctx context.Context, sourcePath string, opts model.TransformOptions, g GetOptions) (*CachedResponse, error) {
	key := model.CacheKey(sourcePath, opts)

	raw, err := c.store.GetMetadata(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrKeyNotFound) {
			metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusMiss).Inc()
			return nil, nil
		}
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusError).Inc()
		return nil, model.NewError(model.KindCache, "cache read failed", err, "key", key)
	}

	var meta EntryMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		c.scheduleDelete(key, 0)
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusMiss).Inc()
		return nil, nil
	}

	now := c.now()
	if g.CacheVersion > 0 && meta.CreatedAtVersion < g.CacheVersion {
		c.scheduleDelete(key, meta.ChunkCount)
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusMiss).Inc()
		return nil, nil
	}
	if !meta.Valid(now) {
		c.scheduleDelete(key, meta.ChunkCount)
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusMiss).Inc()
		return nil, nil
	}

	etag := meta.ETag
	if etag == "" {
		etag = stableETag(key, meta.CreatedAtVersion)
	}
	total := meta.totalSize()
	resp := &CachedResponse{
		ContentType:  meta.ContentType,
		ETag:         etag,
		CacheControl: cacheControl(meta.Remaining(now)),
		CacheTags:    meta.CacheTags,
		TotalSize:    total,
		Metadata:     &meta,
	}

	c.maybeScheduleRefresh(sourcePath, opts, g.RequestURL, &meta, now)
	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusHit).Inc()

	if g.IfNoneMatch != "" && etagMatches(g.IfNoneMatch, etag) {
		resp.Status = http.StatusNotModified
		return resp, nil
	}

	rng, err := repository.ParseRange(g.RangeHeader, total)
	if err != nil {
		resp.Status = http.StatusRequestedRangeNotSatisfiable
		return resp, nil
	}

	if rng == nil {
		resp.Status = http.StatusOK
		resp.ContentLength = total
		resp.RangeEnd = total - 1
	} else {
		resp.Status = http.StatusPartialContent
		resp.ContentLength = rng.Length()
		resp.RangeStart = rng.Start
		resp.RangeEnd = rng.End
	}

	body, err := c.openBody(ctx, key, &meta, resp.RangeStart, resp.RangeEnd)
	if err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusError).Inc()
		return nil, err
	}
	resp.Body = body
	return resp, nil
}

// openBody yields a reader for the [start, end] window of the entry.
func (c *Cache) openBody(ctx context.Context, key string, meta *EntryMetadata, start, end int64) (io.ReadCloser, error) {
	if meta.IsChunked {
		return newChunkReader(ctx, c.store, key, meta.ChunkSize, start, end), nil
	}

	entry, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, model.NewError(model.KindCache, "cache body read failed", err, "key", key)
	}
	if end >= int64(len(entry.Value)) {
		return nil, model.NewError(model.KindCache, "cache entry shorter than metadata claims", nil, "key", key)
	}
	return io.NopCloser(bytes.NewReader(entry.Value[start : end+1])), nil
}

// Store writes an artifact under the derived key, choosing single-entry or
// chunked layout by measured size. Returns false when the body exceeds the
// configured size limit or when a partial chunked write had to be rolled
// back.
func (c *Cache) Store(ctx context.Context, sourcePath string, opts model.TransformOptions, body io.Reader, info StoreInfo) (bool, error) {
	key := model.CacheKey(sourcePath, opts)

	if max := c.config.Cache.MaxSizeBytes; max > 0 && info.ContentLength > max {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpStore, metrics.CacheStatusBypass).Inc()
		return false, nil
	}

	ttl := c.resolveTTL(sourcePath, info.TTL)
	now := c.now()

	meta := newEntryMetadata(sourcePath, opts, now, info.Version)
	meta.ContentType = info.ContentType
	meta.ETag = info.ETag
	meta.CacheTags = info.CacheTags
	if ttl > 0 {
		meta.ExpiresAt = now.Add(ttl).UnixMilli()
	}

	// Buffer up to the single-entry ceiling; one extra byte tells us the
	// body is larger without trusting Content-Length.
	head, err := io.ReadAll(io.LimitReader(body, c.config.SingleEntryMax+1))
	if err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpStore, metrics.CacheStatusError).Inc()
		return false, model.NewError(model.KindCache, "failed to read artifact body", err, "key", key)
	}

	var ok bool
	if int64(len(head)) <= c.config.SingleEntryMax {
		ok, err = c.storeSingle(ctx, key, head, meta, ttl)
	} else {
		ok, err = c.storeChunked(ctx, key, head, body, meta, ttl)
	}
	if err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpStore, metrics.CacheStatusError).Inc()
		return false, err
	}
	if !ok {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpStore, metrics.CacheStatusBypass).Inc()
		return false, nil
	}

	c.recordVariant(ctx, key, meta)
	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpStore, metrics.CacheStatusSuccess).Inc()
	return true, nil
}

func (c *Cache) storeSingle(ctx context.Context, key string, value []byte, meta *EntryMetadata, ttl time.Duration) (bool, error) {
	meta.ContentLength = int64(len(value))
	raw, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("failed to marshal cache metadata: %w", err)
	}
	if err := c.store.Set(ctx, key, value, raw, ttl); err != nil {
		return false, model.NewError(model.KindCache, "cache write failed", err, "key", key)
	}
	return true, nil
}

// storeChunked writes chunks in ascending order and the manifest last, so a
// reader never observes a partial entry. Any chunk failure rolls back the
// chunks already written.
func (c *Cache) storeChunked(ctx context.Context, key string, head []byte, rest io.Reader, meta *EntryMetadata, ttl time.Duration) (bool, error) {
	src := io.MultiReader(bytes.NewReader(head), rest)
	max := c.config.Cache.MaxSizeBytes

	var total int64
	var index int
	buf := make([]byte, c.config.ChunkSize)
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			total += int64(n)
			if max > 0 && total > max {
				c.deleteChunks(ctx, key, index)
				return false, nil
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := c.store.Set(ctx, model.ChunkKey(key, index), chunk, nil, ttl); err != nil {
				c.deleteChunks(ctx, key, index)
				return false, model.NewError(model.KindCache, "chunk write failed", err,
					"key", key, "chunk", strconv.Itoa(index))
			}
			index++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			c.deleteChunks(ctx, key, index)
			return false, model.NewError(model.KindCache, "failed to read artifact body", err, "key", key)
		}
	}

	meta.IsChunked = true
	meta.ChunkCount = index
	meta.ChunkSize = c.config.ChunkSize
	meta.ActualTotalVideoSize = total
	meta.ContentLength = total

	raw, err := json.Marshal(meta)
	if err != nil {
		c.deleteChunks(ctx, key, index)
		return false, fmt.Errorf("failed to marshal cache metadata: %w", err)
	}
	if err := c.store.Set(ctx, key, nil, raw, ttl); err != nil {
		c.deleteChunks(ctx, key, index)
		return false, model.NewError(model.KindCache, "manifest write failed", err, "key", key)
	}
	return true, nil
}

// Delete removes an entry and its chunks.
func (c *Cache) Delete(ctx context.Context, sourcePath string, opts model.TransformOptions) error {
	key := model.CacheKey(sourcePath, opts)

	chunks := 0
	if raw, err := c.store.GetMetadata(ctx, key); err == nil {
		var meta EntryMetadata
		if json.Unmarshal(raw, &meta) == nil {
			chunks = meta.ChunkCount
		}
	}

	keys := make([]string, 0, chunks+1)
	keys = append(keys, key)
	for i := 0; i < chunks; i++ {
		keys = append(keys, model.ChunkKey(key, i))
	}
	if err := c.store.Delete(ctx, keys...); err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpDelete, metrics.CacheStatusError).Inc()
		return model.NewError(model.KindCache, "cache delete failed", err, "key", key)
	}

	if c.registry != nil {
		if err := c.registry.DeleteByKey(ctx, key); err != nil {
			c.logger.Warn("variant registry delete failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpDelete, metrics.CacheStatusSuccess).Inc()
	return nil
}

// List enumerates cached variants for a source path by scanning the key
// prefix. Chunk keys are excluded; entries without readable metadata are
// skipped.
func (c *Cache) List(ctx context.Context, sourcePath string) ([]VariantSummary, error) {
	prefix := model.CacheKeyPrefix + model.NormalizeKeySegment(sourcePath)

	keys, err := c.store.List(ctx, prefix)
	if err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpList, metrics.CacheStatusError).Inc()
		return nil, model.NewError(model.KindCache, "cache list failed", err, "prefix", prefix)
	}

	var out []VariantSummary
	for _, key := range keys {
		if isChunkKey(key) {
			continue
		}
		raw, err := c.store.GetMetadata(ctx, key)
		if err != nil {
			continue
		}
		var meta EntryMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		out = append(out, VariantSummary{Key: key, Metadata: meta})
	}
	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpList, metrics.CacheStatusSuccess).Inc()
	return out, nil
}

// CurrentVersion reads the version counter for a source path. A missing
// counter reads as version 1. Concurrent reads for the same path coalesce.
func (c *Cache) CurrentVersion(ctx context.Context, sourcePath string) (int64, error) {
	key := model.VersionKey(sourcePath)
	v, err, _ := c.versions.Do(key, func() (any, error) {
		n, err := c.store.GetCounter(ctx, key)
		if err != nil {
			return int64(0), model.NewError(model.KindCache, "version read failed", err, "key", key)
		}
		if n < 1 {
			n = 1
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// BumpVersion increments the version counter for a source path, invalidating
// every entry written under older versions.
func (c *Cache) BumpVersion(ctx context.Context, sourcePath string) (int64, error) {
	key := model.VersionKey(sourcePath)
	n, err := c.store.Incr(ctx, key)
	if err != nil {
		return 0, model.NewError(model.KindCache, "version bump failed", err, "key", key)
	}
	if n == 1 {
		// First bump lands on 2 so fresh counters invalidate version-1 entries.
		n, err = c.store.Incr(ctx, key)
		if err != nil {
			return 0, model.NewError(model.KindCache, "version bump failed", err, "key", key)
		}
	}

	// A sweep task rebuilds the most recent variants under the new version.
	if c.queue != nil {
		task := repository.NewRevalidationTask(sourcePath, model.TransformOptions{}, repository.RevalidateReasonVersionBump)
		if c.gate != nil {
			c.gate.Spawn("version-sweep", func(ctx context.Context) error {
				return c.queue.PublishRevalidation(ctx, task)
			})
		} else if err := c.queue.PublishRevalidation(ctx, task); err != nil {
			c.logger.Warn("version sweep publish failed",
				slog.String("path", sourcePath), slog.String("error", err.Error()))
		}
	}
	return n, nil
}

// resolveTTL applies the precedence: explicit caller TTL, then the matching
// cache profile, then the default profile. StoreIndefinitely wins over all.
func (c *Cache) resolveTTL(sourcePath string, override time.Duration) time.Duration {
	if c.config.StoreIndefinitely || c.config.Cache.StoreIndefinitely {
		return 0
	}
	if override > 0 {
		return override
	}
	profile := c.config.Cache.TTLForPath(sourcePath)
	if profile.OK > 0 {
		return time.Duration(profile.OK) * time.Second
	}
	return time.Duration(config.DefaultOKTTL) * time.Second
}

// maybeScheduleRefresh enqueues a revalidation when the entry is deep into
// its TTL, still serving the current bytes.
func (c *Cache) maybeScheduleRefresh(sourcePath string, opts model.TransformOptions, requestURL string, meta *EntryMetadata, now time.Time) {
	if c.queue == nil || c.gate == nil || meta.ExpiresAt == 0 {
		return
	}

	minElapsed := c.config.Cache.RefreshMinElapsedPercent
	if minElapsed <= 0 {
		minElapsed = 80
	}
	minRemaining := c.config.Cache.RefreshMinRemainingSeconds
	if minRemaining <= 0 {
		minRemaining = 300
	}
	if meta.ElapsedPercent(now) < minElapsed {
		return
	}
	if meta.Remaining(now) >= time.Duration(minRemaining)*time.Second {
		return
	}

	task := repository.NewRevalidationTask(sourcePath, opts, repository.RevalidateReasonRefresh)
	task.RequestURL = requestURL
	c.gate.Spawn("cache-refresh", func(ctx context.Context) error {
		return c.queue.PublishRevalidation(ctx, task)
	})
}

// scheduleDelete removes a stale entry off the hot path. When no gate is
// wired the entry is left for TTL sweep.
func (c *Cache) scheduleDelete(key string, chunkCount int) {
	if c.gate == nil {
		return
	}
	keys := make([]string, 0, chunkCount+1)
	keys = append(keys, key)
	for i := 0; i < chunkCount; i++ {
		keys = append(keys, model.ChunkKey(key, i))
	}
	c.gate.Spawn("cache-evict", func(ctx context.Context) error {
		return c.store.Delete(ctx, keys...)
	})
}

// recordVariant mirrors the write into the relational registry, best effort.
func (c *Cache) recordVariant(ctx context.Context, key string, meta *EntryMetadata) {
	if c.registry == nil {
		return
	}
	rec := repository.VariantRecord{
		CacheKey:    key,
		SourcePath:  meta.SourcePath,
		Derivative:  meta.Derivative,
		Width:       meta.Width,
		Height:      meta.Height,
		Format:      meta.Format,
		ContentType: meta.ContentType,
		Size:        meta.totalSize(),
		Chunked:     meta.IsChunked,
		CreatedAt:   time.UnixMilli(meta.CreatedAt),
	}
	if meta.ExpiresAt > 0 {
		t := time.UnixMilli(meta.ExpiresAt)
		rec.ExpiresAt = &t
	}
	if err := c.registry.Upsert(ctx, rec); err != nil {
		c.logger.Warn("variant registry upsert failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Cache) deleteChunks(ctx context.Context, key string, count int) {
	if count == 0 {
		return
	}
	keys := make([]string, 0, count)
	for i := 0; i < count; i++ {
		keys = append(keys, model.ChunkKey(key, i))
	}
	if err := c.store.Delete(ctx, keys...); err != nil {
		c.logger.Warn("failed to roll back partial chunks",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func isChunkKey(key string) bool {
	return strings.Contains(key, ":chunk=")
}

// cacheControl renders max-age from the remaining TTL. Indefinite entries
// advertise the default OK TTL.
func cacheControl(remaining time.Duration) string {
	secs := int64(config.DefaultOKTTL)
	if remaining >= 0 {
		secs = int64(remaining / time.Second)
		if secs < 0 {
			secs = 0
		}
	}
	return "public, max-age=" + strconv.FormatInt(secs, 10)
}

// stableETag derives a deterministic ETag for entries the origin gave none.
func stableETag(key string, version int64) string {
	sum := sha256.Sum256([]byte(key + ":" + strconv.FormatInt(version, 10)))
	return `"` + hex.EncodeToString(sum[:8]) + `"`
}

// etagMatches implements weak If-None-Match comparison over a comma list.
func etagMatches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "*" {
		return true
	}
	normalize := func(s string) string {
		s = strings.TrimSpace(s)
		s = strings.TrimPrefix(s, "W/")
		return strings.Trim(s, `"`)
	}
	want := normalize(etag)
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		if normalize(candidate) == want {
			return true
		}
	}
	return false
}
