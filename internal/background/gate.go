// Package background bounds fire-and-forget work to the process lifetime.
package background

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgewire/vidproxy/internal/infrastructure/metrics"
)

// Config tunes the gate.
type Config struct {
	// MaxConcurrent bounds in-flight tasks; Spawn rejects beyond it.
	MaxConcurrent int
	// TaskTimeout bounds each task's derived context.
	TaskTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 16,
		TaskTimeout:   2 * time.Minute,
	}
}

// Gate runs background work detached from the request path. Tasks get their
// own derived context so a cancelled request does not abort an in-flight
// cache write; Drain waits for everything during shutdown.
type Gate struct {
	logger  *slog.Logger
	baseCtx context.Context
	timeout time.Duration

	wg     sync.WaitGroup
	sem    chan struct{}
	closed atomic.Bool
}

// New creates a Gate. baseCtx scopes all task contexts; cancelling it (at
// process shutdown) cancels outstanding tasks.
func New(baseCtx context.Context, cfg Config, logger *slog.Logger) *Gate {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultConfig().TaskTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		logger:  logger,
		baseCtx: baseCtx,
		timeout: cfg.TaskTimeout,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Spawn schedules fn on the gate and reports whether it was accepted.
// When it returns false the caller must run the work inline or drop it.
// Task errors are logged, never propagated; panics are contained.
func (g *Gate) Spawn(name string, fn func(ctx context.Context) error) bool {
	if g.closed.Load() {
		metrics.BackgroundTasksTotal.WithLabelValues(metrics.BackgroundRejected).Inc()
		return false
	}
	select {
	case g.sem <- struct{}{}:
	default:
		metrics.BackgroundTasksTotal.WithLabelValues(metrics.BackgroundRejected).Inc()
		return false
	}

	g.wg.Add(1)
	metrics.BackgroundTasksTotal.WithLabelValues(metrics.BackgroundSpawned).Inc()

	go func() {
		defer g.wg.Done()
		defer func() { <-g.sem }()
		defer func() {
			if rec := recover(); rec != nil {
				metrics.BackgroundTasksTotal.WithLabelValues(metrics.BackgroundFailed).Inc()
				g.logger.Error("background task panicked",
					slog.String("task", name),
					slog.Any("panic", rec),
				)
			}
		}()

		ctx, cancel := context.WithTimeout(g.baseCtx, g.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			metrics.BackgroundTasksTotal.WithLabelValues(metrics.BackgroundFailed).Inc()
			g.logger.Warn("background task failed",
				slog.String("task", name),
				slog.String("error", err.Error()),
			)
			return
		}
		metrics.BackgroundTasksTotal.WithLabelValues(metrics.BackgroundCompleted).Inc()
	}()
	return true
}

// Drain stops accepting work and waits for in-flight tasks, bounded by ctx.
func (g *Gate) Drain(ctx context.Context) error {
	g.closed.Store(true)

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
