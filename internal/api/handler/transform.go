package handler

import (
	"context"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/edgewire/vidproxy/internal/config"
	"github.com/edgewire/vidproxy/internal/domain/model"
	"github.com/edgewire/vidproxy/internal/usecase"
)

// TransformService is the slice of the usecase layer the handler depends on.
type TransformService interface {
	Handle(ctx context.Context, req usecase.Request) *usecase.Response
}

// TransformHandler serves the catch-all video proxy route.
type TransformHandler struct {
	svc   TransformService
	store *config.Store
}

// NewTransformHandler creates a new TransformHandler.
func NewTransformHandler(svc TransformService, store *config.Store) *TransformHandler {
	return &TransformHandler{svc: svc, store: store}
}

// Serve handles GET and HEAD on every non-reserved path.
func (h *TransformHandler) Serve(w http.ResponseWriter, r *http.Request) {
	snapshot := h.store.Snapshot()

	opts, err := parseOptions(r.URL.Query(), snapshot.Video.ValidOptions)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid_options", err.Error())
		return
	}

	req := usecase.Request{
		Path:          r.URL.Path,
		RequestOrigin: requestOrigin(r),
		RequestURL:    requestOrigin(r) + r.URL.RequestURI(),
		Options:       opts,
		RangeHeader:   r.Header.Get("Range"),
		IfNoneMatch:   r.Header.Get("If-None-Match"),
		Bypass:        bypassRequested(r, snapshot.Caching()),
		Debug:         snapshot.Debug.Enabled && r.URL.Query().Has("debug"),
	}
	if v := r.URL.Query().Get("v"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			req.VersionOverride = n
		}
	}

	resp := h.svc.Handle(r.Context(), req)
	writeResponse(w, r, resp)
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp *usecase.Response) {
	for name, values := range resp.Header {
		w.Header()[name] = values
	}
	w.WriteHeader(resp.Status)

	if resp.Body == nil {
		return
	}
	defer resp.Body.Close()
	if r.Method == http.MethodHead {
		io.Copy(io.Discard, resp.Body)
		return
	}
	io.Copy(w, resp.Body)
}

// requestOrigin reconstructs scheme://host, honoring proxy forwarding.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}

// bypassRequested reports whether any configured bypass parameter is present.
func bypassRequested(r *http.Request, cache *config.CacheConfig) bool {
	if cache == nil {
		return false
	}
	q := r.URL.Query()
	for _, p := range cache.BypassParams {
		if q.Has(p) {
			return true
		}
	}
	return false
}

// parseOptions reads transform options from the query string and validates
// them against the configured bounds.
func parseOptions(q map[string][]string, valid config.ValidOptions) (model.TransformOptions, error) {
	get := func(name string) string {
		if vs := q[name]; len(vs) > 0 {
			return vs[0]
		}
		return ""
	}

	var opts model.TransformOptions
	var err error

	// w and h are accepted as short forms.
	width := get("width")
	if width == "" {
		width = get("w")
	}
	height := get("height")
	if height == "" {
		height = get("h")
	}
	if opts.Width, err = parseDimension(width, "width", valid.MaxWidth); err != nil {
		return opts, err
	}
	if opts.Height, err = parseDimension(height, "height", valid.MaxHeight); err != nil {
		return opts, err
	}

	if v := get("mode"); v != "" {
		if err := checkEnum("mode", v, valid.Modes); err != nil {
			return opts, err
		}
		opts.Mode = model.Mode(v)
	}
	if v := get("fit"); v != "" {
		if err := checkEnum("fit", v, valid.Fits); err != nil {
			return opts, err
		}
		opts.Fit = model.Fit(v)
	}
	if v := get("format"); v != "" {
		if err := checkEnum("format", v, valid.Formats); err != nil {
			return opts, err
		}
		opts.Format = v
	}

	opts.Time = get("time")
	opts.Duration = get("duration")
	opts.Quality = get("quality")
	opts.Compression = get("compression")
	opts.Derivative = get("derivative")

	for name, dst := range map[string]**bool{
		"loop":     &opts.Loop,
		"preload":  &opts.Preload,
		"autoplay": &opts.Autoplay,
		"muted":    &opts.Muted,
		"audio":    &opts.Audio,
	} {
		v := get(name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, model.NewError(model.KindValidation, name+" must be a boolean", nil, name, v)
		}
		*dst = &b
	}

	return opts, nil
}

func parseDimension(raw, name string, max int) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, model.NewError(model.KindValidation, name+" must be a positive integer", nil, name, raw)
	}
	if max > 0 && n > max {
		return 0, model.NewError(model.KindValidation,
			name+" exceeds the maximum of "+strconv.Itoa(max), nil, name, raw)
	}
	return n, nil
}

func checkEnum(name, value string, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	if slices.Contains(allowed, value) {
		return nil
	}
	return model.NewError(model.KindValidation,
		name+" must be one of "+strings.Join(allowed, ", "), nil, name, value)
}
