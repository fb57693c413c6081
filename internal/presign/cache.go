// Package presign caches minted presigned URLs so repeated fetches against
// the same origin object do not re-sign on every request.
package presign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/edgewire/vidproxy/internal/domain/model"
	"github.com/edgewire/vidproxy/internal/domain/repository"
	"github.com/edgewire/vidproxy/internal/infrastructure/metrics"
)

const (
	defaultExpiry           = time.Hour
	defaultRefreshThreshold = 5 * time.Minute
)

// URLSigner mints presigned URLs. Implemented by auth.Signer.
type URLSigner interface {
	PresignURL(req *http.Request, a *model.Auth) (string, error)
}

// BackgroundGate schedules deferred work off the response path.
// Implemented by background.Gate.
type BackgroundGate interface {
	Spawn(name string, fn func(ctx context.Context) error) bool
}

// Record is the cached form of a minted presigned URL. It lives entirely in
// the KV metadata sidecar; the value slot stays empty.
type Record struct {
	SignedURL   string    `json:"signedUrl"`
	OriginalURL string    `json:"originalUrl"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	// AuthToken is the X-Amz-* query portion of the signed URL, kept so a
	// refreshed signature can be diffed against the previous one.
	AuthToken string `json:"authToken,omitempty"`
}

// Config tunes the cache.
type Config struct {
	// Expiry is the lifetime requested for minted URLs when the auth record
	// does not carry its own expiresInSeconds.
	Expiry time.Duration
	// RefreshThreshold is how close to expiry a record must be before
	// GetOrMint re-signs instead of returning the cached URL.
	RefreshThreshold time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Expiry:           defaultExpiry,
		RefreshThreshold: defaultRefreshThreshold,
	}
}

// Cache stores presigned URLs in the KV namespace under "presigned:" keys.
// Concurrent mints for the same key are coalesced.
type Cache struct {
	store  repository.BlobStore
	signer URLSigner
	gate   BackgroundGate
	config Config
	group  singleflight.Group
	now    func() time.Time
}

// NewCache creates a Cache over the given store and signer. gate may be nil;
// records are then persisted synchronously.
func NewCache(store repository.BlobStore, signer URLSigner, gate BackgroundGate, cfg Config) *Cache {
	if cfg.Expiry <= 0 {
		cfg.Expiry = defaultExpiry
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = defaultRefreshThreshold
	}
	return &Cache{
		store:  store,
		signer: signer,
		gate:   gate,
		config: cfg,
		now:    time.Now,
	}
}

// Key derives the KV key for a presigned URL. Region and service only appear
// when set, so keys stay stable across config defaults.
func Key(storageType model.SourceType, path string, a *model.Auth) string {
	var b strings.Builder
	b.WriteString(model.PresignKeyPrefix)
	b.WriteString(string(storageType))
	b.WriteByte(':')
	b.WriteString(model.NormalizeKeySegment(path))
	b.WriteString(":auth=")
	b.WriteString(string(a.Type))
	if a.Region != "" {
		b.WriteString(":region=")
		b.WriteString(model.NormalizeKeySegment(a.Region))
	}
	if a.Service != "" {
		b.WriteString(":service=")
		b.WriteString(model.NormalizeKeySegment(a.Service))
	}
	return b.String()
}

// Get returns the cached record for a key, or nil on miss. A record at or
// past its expiry reads as a miss.
func (c *Cache) Get(ctx context.Context, key string) (*Record, error) {
	meta, err := c.store.GetMetadata(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrKeyNotFound) {
			metrics.PresignOperationsTotal.WithLabelValues(metrics.PresignStatusMiss).Inc()
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read presign record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(meta, &rec); err != nil {
		// Unreadable record: treat as a miss so it gets re-minted.
		metrics.PresignOperationsTotal.WithLabelValues(metrics.PresignStatusMiss).Inc()
		return nil, nil
	}
	if !c.now().Before(rec.ExpiresAt) {
		metrics.PresignOperationsTotal.WithLabelValues(metrics.PresignStatusMiss).Inc()
		return nil, nil
	}

	metrics.PresignOperationsTotal.WithLabelValues(metrics.PresignStatusHit).Inc()
	return &rec, nil
}

// IsExpiring reports whether the record is within the refresh threshold of
// its expiry.
func (c *Cache) IsExpiring(rec *Record) bool {
	return c.now().Add(c.config.RefreshThreshold).After(rec.ExpiresAt)
}

// GetOrMint returns a usable presigned URL for targetURL, minting and caching
// a fresh one when the record is absent or about to expire. Concurrent calls
// for the same key share a single mint.
func (c *Cache) GetOrMint(ctx context.Context, storageType model.SourceType, path, targetURL string, a *model.Auth) (string, error) {
	key := Key(storageType, path, a)

	rec, err := c.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if rec != nil && !c.IsExpiring(rec) {
		return rec.SignedURL, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Another caller may have won the race inside the flight window.
		if fresh, err := c.Get(ctx, key); err == nil && fresh != nil && !c.IsExpiring(fresh) {
			return fresh.SignedURL, nil
		}
		minted, err := c.mint(ctx, key, targetURL, a)
		if err != nil {
			return "", err
		}
		if rec != nil {
			metrics.PresignOperationsTotal.WithLabelValues(metrics.PresignStatusRefreshed).Inc()
		}
		return minted, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Refresh re-mints the record for a key only when it is close to expiry.
// Safe to call opportunistically after every read.
func (c *Cache) Refresh(ctx context.Context, storageType model.SourceType, path, targetURL string, a *model.Auth) error {
	key := Key(storageType, path, a)

	rec, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if rec != nil && !c.IsExpiring(rec) {
		return nil
	}

	_, err, _ = c.group.Do(key, func() (any, error) {
		minted, err := c.mint(ctx, key, targetURL, a)
		if err != nil {
			return "", err
		}
		metrics.PresignOperationsTotal.WithLabelValues(metrics.PresignStatusRefreshed).Inc()
		return minted, nil
	})
	return err
}

// mint signs targetURL and persists the record with a TTL matching its
// remaining lifetime. With a gate wired, persistence runs in the background
// so the caller gets the signed URL without waiting on the KV write.
func (c *Cache) mint(ctx context.Context, key, targetURL string, a *model.Auth) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return "", model.NewError(model.KindAuthMisconfigured,
			"invalid origin url for presigning", err)
	}

	signed, err := c.signer.PresignURL(req, a)
	if err != nil {
		return "", err
	}

	expiry := c.config.Expiry
	if a.ExpiresInSeconds > 0 {
		expiry = time.Duration(a.ExpiresInSeconds) * time.Second
	}

	now := c.now()
	rec := Record{
		SignedURL:   signed,
		OriginalURL: targetURL,
		CreatedAt:   now,
		ExpiresAt:   now.Add(expiry),
		AuthToken:   authQuery(signed),
	}
	meta, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal presign record: %w", err)
	}

	persist := func(ctx context.Context) error {
		if err := c.store.Set(ctx, key, nil, meta, expiry); err != nil {
			return model.NewError(model.KindCache, "failed to store presign record", err)
		}
		return nil
	}
	if c.gate != nil {
		// A rejected spawn just means the next caller re-mints.
		c.gate.Spawn("presign-store", persist)
	} else if err := persist(ctx); err != nil {
		return "", err
	}

	metrics.PresignOperationsTotal.WithLabelValues(metrics.PresignStatusMinted).Inc()
	return signed, nil
}

// authQuery extracts the raw query string of a signed URL.
func authQuery(signed string) string {
	u, err := url.Parse(signed)
	if err != nil {
		return ""
	}
	return u.RawQuery
}
