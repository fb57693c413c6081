// Package cache provides the Redis-backed KV store the result and
// presigned-URL caches are built on.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edgewire/vidproxy/internal/domain/repository"
)

// metaSuffix marks the metadata sidecar of a key. Sidecars are written and
// expired together with their value and are filtered out of listings.
const metaSuffix = "#meta"

// RedisBlobStore implements repository.BlobStore on Redis. Values live at
// the key itself; the JSON metadata sidecar lives at key+"#meta" so manifest
// metadata can be read without pulling chunk bytes.
type RedisBlobStore struct {
	client *redis.Client
}

// Compile-time verification that RedisBlobStore implements repository.BlobStore.
var _ repository.BlobStore = (*RedisBlobStore)(nil)

// NewRedisBlobStore creates a new Redis-backed blob store.
func NewRedisBlobStore(client *redis.Client) *RedisBlobStore {
	return &RedisBlobStore{client: client}
}

// Get retrieves value and metadata in one round trip.
func (s *RedisBlobStore) Get(ctx context.Context, key string) (*repository.Entry, error) {
	pipe := s.client.Pipeline()
	valCmd := pipe.Get(ctx, key)
	metaCmd := pipe.Get(ctx, key+metaSuffix)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis pipeline: %w", err)
	}

	val, err := valCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrKeyNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	entry := &repository.Entry{Key: key, Value: val}
	if meta, err := metaCmd.Bytes(); err == nil {
		entry.Metadata = meta
	}
	return entry, nil
}

// GetMetadata retrieves only the metadata sidecar.
func (s *RedisBlobStore) GetMetadata(ctx context.Context, key string) ([]byte, error) {
	// Existence is defined by the value key, not the sidecar.
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis exists: %w", err)
	}
	if exists == 0 {
		return nil, repository.ErrKeyNotFound
	}

	meta, err := s.client.Get(ctx, key+metaSuffix).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get metadata: %w", err)
	}
	return meta, nil
}

// Set stores value and metadata atomically with a shared TTL. A zero TTL
// means no expiration.
func (s *RedisBlobStore) Set(ctx context.Context, key string, value, metadata []byte, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, value, ttl)
	if metadata != nil {
		pipe.Set(ctx, key+metaSuffix, metadata, ttl)
	} else {
		pipe.Del(ctx, key+metaSuffix)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes keys and their sidecars.
func (s *RedisBlobStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	all := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		all = append(all, k, k+metaSuffix)
	}
	if err := s.client.Del(ctx, all...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// List returns all value keys with the given prefix, excluding sidecars.
func (s *RedisBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if strings.HasSuffix(k, metaSuffix) {
			continue
		}
		keys = append(keys, k)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

// Incr atomically increments a counter key.
func (s *RedisBlobStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return n, nil
}

// GetCounter reads a counter key; missing reads as zero.
func (s *RedisBlobStore) GetCounter(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis get counter: %w", err)
	}
	return n, nil
}
