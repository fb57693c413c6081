package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/edgewire/vidproxy/internal/config"
	"github.com/edgewire/vidproxy/internal/domain/repository"
	"github.com/edgewire/vidproxy/internal/videocache"
)

// AdminHandler exposes cache administration: variant listings, version bumps
// and configuration updates.
type AdminHandler struct {
	cache    *videocache.Cache
	registry repository.VariantRegistry
	store    *config.Store
}

// NewAdminHandler creates a new AdminHandler. registry may be nil; listings
// then come from KV scans.
func NewAdminHandler(cache *videocache.Cache, registry repository.VariantRegistry, store *config.Store) *AdminHandler {
	return &AdminHandler{cache: cache, registry: registry, store: store}
}

// VariantRow is one listing entry, in a shape common to the registry and
// the KV scan.
type VariantRow struct {
	Key         string     `json:"key"`
	SourcePath  string     `json:"sourcePath"`
	Derivative  string     `json:"derivative,omitempty"`
	Width       int        `json:"width,omitempty"`
	Height      int        `json:"height,omitempty"`
	Format      string     `json:"format,omitempty"`
	ContentType string     `json:"contentType,omitempty"`
	Size        int64      `json:"size"`
	Chunked     bool       `json:"chunked"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

type ListVariantsResponse struct {
	Path     string       `json:"path"`
	Variants []VariantRow `json:"variants"`
}

// ListVariants handles GET /admin/variants?path=...
// The relational registry is authoritative when wired; a registry outage
// degrades to the KV scan rather than failing the listing.
func (h *AdminHandler) ListVariants(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		Error(w, http.StatusBadRequest, "missing_path", "The path query parameter is required")
		return
	}

	if h.registry != nil {
		if recs, err := h.registry.ListByPath(r.Context(), path); err == nil {
			rows := make([]VariantRow, 0, len(recs))
			for _, rec := range recs {
				rows = append(rows, registryRow(rec))
			}
			JSON(w, http.StatusOK, ListVariantsResponse{Path: path, Variants: rows})
			return
		}
	}

	variants, err := h.cache.List(r.Context(), path)
	if err != nil {
		Error(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	rows := make([]VariantRow, 0, len(variants))
	for _, v := range variants {
		rows = append(rows, kvRow(v))
	}

	JSON(w, http.StatusOK, ListVariantsResponse{Path: path, Variants: rows})
}

func registryRow(rec repository.VariantRecord) VariantRow {
	return VariantRow{
		Key:         rec.CacheKey,
		SourcePath:  rec.SourcePath,
		Derivative:  rec.Derivative,
		Width:       rec.Width,
		Height:      rec.Height,
		Format:      rec.Format,
		ContentType: rec.ContentType,
		Size:        rec.Size,
		Chunked:     rec.Chunked,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
	}
}

func kvRow(v videocache.VariantSummary) VariantRow {
	m := v.Metadata
	size := m.ContentLength
	if m.IsChunked {
		size = m.ActualTotalVideoSize
	}
	row := VariantRow{
		Key:         v.Key,
		SourcePath:  m.SourcePath,
		Derivative:  m.Derivative,
		Width:       m.Width,
		Height:      m.Height,
		Format:      m.Format,
		ContentType: m.ContentType,
		Size:        size,
		Chunked:     m.IsChunked,
		CreatedAt:   time.UnixMilli(m.CreatedAt),
	}
	if m.ExpiresAt > 0 {
		t := time.UnixMilli(m.ExpiresAt)
		row.ExpiresAt = &t
	}
	return row
}

type BumpVersionResponse struct {
	Path    string `json:"path"`
	Version int64  `json:"version"`
}

// BumpVersion handles POST /admin/version/bump?path=...
// Existing cached variants for the path become unreachable immediately.
func (h *AdminHandler) BumpVersion(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		Error(w, http.StatusBadRequest, "missing_path", "The path query parameter is required")
		return
	}

	version, err := h.cache.BumpVersion(r.Context(), path)
	if err != nil {
		Error(w, http.StatusInternalServerError, "bump_failed", err.Error())
		return
	}

	JSON(w, http.StatusOK, BumpVersionResponse{Path: path, Version: version})
}

// PurgeVariant handles DELETE /admin/variants?path=...&width=...
// The transform options identify which variant to remove.
func (h *AdminHandler) PurgeVariant(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		Error(w, http.StatusBadRequest, "missing_path", "The path query parameter is required")
		return
	}

	opts, err := parseOptions(r.URL.Query(), h.store.Snapshot().Video.ValidOptions)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid_options", err.Error())
		return
	}

	if err := h.cache.Delete(r.Context(), path, opts); err != nil {
		Error(w, http.StatusInternalServerError, "purge_failed", err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UpdateConfig handles PUT /admin/config. The body is a partial worker
// configuration document; validation failures leave the running config
// untouched.
func (h *AdminHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid_body", "Failed to read request body")
		return
	}

	if _, err := h.store.Update(body); err != nil {
		Error(w, http.StatusBadRequest, "invalid_config", err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
