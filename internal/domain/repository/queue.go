package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/edgewire/vidproxy/internal/domain/model"
)

// Revalidation reasons.
const (
	RevalidateReasonRefresh     = "ttl-refresh"
	RevalidateReasonVersionBump = "version-bump"
	RevalidateReasonFallback    = "fallback-upgrade"
)

// RevalidationTask asks the worker to re-run a transformation and refresh
// the cached artifact.
type RevalidationTask struct {
	ID         uuid.UUID              `json:"id"`
	SourcePath string                 `json:"source_path"`
	RequestURL string                 `json:"request_url"`
	Options    model.TransformOptions `json:"options"`
	Reason     string                 `json:"reason"`
	Attempt    int                    `json:"attempt"`
}

// NewRevalidationTask creates a first-attempt task with a fresh ID.
func NewRevalidationTask(sourcePath string, opts model.TransformOptions, reason string) RevalidationTask {
	return RevalidationTask{
		ID:         uuid.New(),
		SourcePath: sourcePath,
		Options:    opts,
		Reason:     reason,
	}
}

// MessageQueue defines the queue contract between the API server and the
// revalidation worker.
type MessageQueue interface {
	// PublishRevalidation enqueues a revalidation task.
	PublishRevalidation(ctx context.Context, task RevalidationTask) error

	// ConsumeRevalidations delivers tasks to handler until ctx is cancelled
	// or the channel closes. Used by the worker service.
	ConsumeRevalidations(ctx context.Context, handler func(task RevalidationTask) error) error

	// Close gracefully closes the connection to the message queue.
	Close() error
}
