// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vidproxy"

var (
	// CacheOperationsTotal tracks result-cache operations.
	// Labels:
	//   - operation: get, store, delete, list
	//   - status: hit, miss, success, error, bypass
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Total number of result cache operations",
		},
		[]string{"operation", "status"},
	)

	// SourceFetchesTotal tracks storage fetch attempts.
	// Labels:
	//   - source_type: r2, remote, fallback
	//   - outcome: success, not_found, error, skipped
	SourceFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_fetches_total",
			Help:      "Total number of storage source fetch attempts",
		},
		[]string{"source_type", "outcome"},
	)

	// TransformsTotal tracks transform invocations by classification.
	TransformsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transforms_total",
			Help:      "Total number of transform invocations",
		},
		[]string{"classification"},
	)

	// FallbacksTotal tracks fallback pipeline outcomes.
	// Labels:
	//   - path: duration_retry, direct_origin, storage, error
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Total number of fallback pipeline resolutions",
		},
		[]string{"path"},
	)

	// PresignOperationsTotal tracks presigned-URL cache behavior.
	// Labels:
	//   - status: hit, miss, minted, refreshed
	PresignOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presign_operations_total",
			Help:      "Total number of presigned URL cache operations",
		},
		[]string{"status"},
	)

	// BackgroundTasksTotal tracks background gate activity.
	// Labels:
	//   - status: spawned, rejected, completed, failed
	BackgroundTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_tasks_total",
			Help:      "Total number of background tasks",
		},
		[]string{"status"},
	)

	// RequestDuration tracks end-to-end transform handling latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Transform request handling duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"cache"},
	)
)

// Cache operation status constants.
const (
	CacheStatusHit     = "hit"
	CacheStatusMiss    = "miss"
	CacheStatusSuccess = "success"
	CacheStatusError   = "error"
	CacheStatusBypass  = "bypass"
)

// Cache operation type constants.
const (
	CacheOpGet    = "get"
	CacheOpStore  = "store"
	CacheOpDelete = "delete"
	CacheOpList   = "list"
)

// Source fetch outcome constants.
const (
	FetchOutcomeSuccess  = "success"
	FetchOutcomeNotFound = "not_found"
	FetchOutcomeError    = "error"
	FetchOutcomeSkipped  = "skipped"
)

// Fallback path constants.
const (
	FallbackPathDurationRetry = "duration_retry"
	FallbackPathDirectOrigin  = "direct_origin"
	FallbackPathStorage       = "storage"
	FallbackPathError         = "error"
)

// Presign status constants.
const (
	PresignStatusHit       = "hit"
	PresignStatusMiss      = "miss"
	PresignStatusMinted    = "minted"
	PresignStatusRefreshed = "refreshed"
)

// Background task status constants.
const (
	BackgroundSpawned   = "spawned"
	BackgroundRejected  = "rejected"
	BackgroundCompleted = "completed"
	BackgroundFailed    = "failed"
)
