package videocache

import (
	"time"

	"github.com/edgewire/vidproxy/internal/domain/model"
)

// EntryMetadata is the sidecar stored next to every cached artifact. It is
// readable without fetching the body, which is how chunked manifests and
// admin listings work.
type EntryMetadata struct {
	SourcePath string `json:"sourcePath"`
	Derivative string `json:"derivative,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	Format     string `json:"format,omitempty"`
	Quality    string `json:"quality,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Duration   string `json:"duration,omitempty"`
	Time       string `json:"time,omitempty"`

	ContentType   string   `json:"contentType"`
	ContentLength int64    `json:"contentLength"`
	ETag          string   `json:"etag,omitempty"`
	CacheTags     []string `json:"cacheTags,omitempty"`

	// Epoch milliseconds. ExpiresAt of zero means no time-based expiry.
	CreatedAt int64 `json:"createdAt"`
	ExpiresAt int64 `json:"expiresAt,omitempty"`

	// CreatedAtVersion is the cache version the entry was written under.
	// Entries older than the current version read as misses.
	CreatedAtVersion int64 `json:"createdAtVersion"`

	IsChunked            bool  `json:"isChunked"`
	ActualTotalVideoSize int64 `json:"actualTotalVideoSize,omitempty"`
	ChunkCount           int   `json:"chunkCount,omitempty"`
	ChunkSize            int64 `json:"chunkSize,omitempty"`

	CustomData map[string]string `json:"customData,omitempty"`
}

// newEntryMetadata seeds metadata from the options that produced the artifact.
func newEntryMetadata(sourcePath string, opts model.TransformOptions, now time.Time, version int64) *EntryMetadata {
	return &EntryMetadata{
		SourcePath:       sourcePath,
		Derivative:       opts.Derivative,
		Width:            opts.Width,
		Height:           opts.Height,
		Format:           opts.Format,
		Quality:          opts.Quality,
		Mode:             string(opts.Mode),
		Duration:         opts.Duration,
		Time:             opts.Time,
		CreatedAt:        now.UnixMilli(),
		CreatedAtVersion: version,
	}
}

// Valid reports whether the entry is still live at the given instant.
func (m *EntryMetadata) Valid(now time.Time) bool {
	return m.ExpiresAt == 0 || now.UnixMilli() < m.ExpiresAt
}

// Remaining returns the time until expiry, or -1 for indefinite entries.
func (m *EntryMetadata) Remaining(now time.Time) time.Duration {
	if m.ExpiresAt == 0 {
		return -1
	}
	return time.Duration(m.ExpiresAt-now.UnixMilli()) * time.Millisecond
}

// ElapsedPercent returns how much of the entry's lifetime has passed, 0-100.
// Indefinite entries report 0.
func (m *EntryMetadata) ElapsedPercent(now time.Time) int {
	if m.ExpiresAt == 0 || m.ExpiresAt <= m.CreatedAt {
		return 0
	}
	elapsed := now.UnixMilli() - m.CreatedAt
	total := m.ExpiresAt - m.CreatedAt
	pct := int(elapsed * 100 / total)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// totalSize returns the body size regardless of layout.
func (m *EntryMetadata) totalSize() int64 {
	if m.IsChunked {
		return m.ActualTotalVideoSize
	}
	return m.ContentLength
}
