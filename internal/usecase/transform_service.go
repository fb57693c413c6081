// Package usecase orchestrates the request path: origin resolution, cache
// probe, transform invocation and the fallback pipeline.
package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/edgewire/vidproxy/internal/config"
	"github.com/edgewire/vidproxy/internal/domain/model"
	"github.com/edgewire/vidproxy/internal/domain/repository"
	"github.com/edgewire/vidproxy/internal/fetcher"
	"github.com/edgewire/vidproxy/internal/infrastructure/metrics"
	"github.com/edgewire/vidproxy/internal/origin"
	"github.com/edgewire/vidproxy/internal/transform"
	"github.com/edgewire/vidproxy/internal/videocache"
)

const defaultFallbackCacheMax = 128 * 1024 * 1024

// ResultCache is the slice of the video cache the service depends on.
type ResultCache interface {
	Get(ctx context.Context, sourcePath string, opts model.TransformOptions, g videocache.GetOptions) (*videocache.CachedResponse, error)
	Store(ctx context.Context, sourcePath string, opts model.TransformOptions, body io.Reader, info videocache.StoreInfo) (bool, error)
	CurrentVersion(ctx context.Context, sourcePath string) (int64, error)
}

// TransformInvoker builds and executes transform URLs.
type TransformInvoker interface {
	BuildURL(requestOrigin string, opts model.TransformOptions, sourceURL string, version int64) string
	Invoke(ctx context.Context, transformURL string, header http.Header) (*transform.Result, error)
}

// StorageFetcher reads origin bytes with sequential failover.
type StorageFetcher interface {
	Fetch(ctx context.Context, sources []origin.ResolvedSource, req fetcher.Request) (*fetcher.SourceResult, error)
}

// BackgroundGate schedules work off the response path.
type BackgroundGate interface {
	Spawn(name string, fn func(ctx context.Context) error) bool
}

// Request is one incoming proxy request, already parsed by the handler.
type Request struct {
	// Path is the request path exactly as received, leading slash included;
	// origin matchers anchor against this form. Cache keys normalize it.
	Path string
	// RequestOrigin is scheme://host of the incoming request.
	RequestOrigin string
	// RequestURL is the full original URL, carried into revalidation tasks.
	RequestURL string
	// Options are the caller's explicit transform options.
	Options model.TransformOptions

	RangeHeader string
	IfNoneMatch string

	// Bypass disables the result cache for this request.
	Bypass bool
	// Debug forces diagnostic headers.
	Debug bool
	// VersionOverride pins the cache version (the v query parameter).
	VersionOverride int64
}

// Response is what the handler writes out. Body may be nil (304, 416).
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// ServiceConfig tunes the orchestration.
type ServiceConfig struct {
	// FallbackCacheMax is the largest fallback body cached in the background.
	FallbackCacheMax int64
	// PublicOrigin is the scheme://host revalidation falls back to when a
	// task carries no request URL (version-bump sweeps).
	PublicOrigin string
}

// TransformService handles proxy requests end to end.
type TransformService struct {
	store    *config.Store
	resolver *origin.Resolver
	cache    ResultCache
	invoker  TransformInvoker
	fetcher  StorageFetcher
	gate     BackgroundGate
	logger   *slog.Logger
	config   ServiceConfig
}

// NewTransformService wires the service. gate may be nil; background stores
// are then skipped.
func NewTransformService(
	store *config.Store,
	resolver *origin.Resolver,
	cache ResultCache,
	invoker TransformInvoker,
	storageFetcher StorageFetcher,
	gate BackgroundGate,
	cfg ServiceConfig,
	logger *slog.Logger,
) *TransformService {
	if cfg.FallbackCacheMax <= 0 {
		cfg.FallbackCacheMax = defaultFallbackCacheMax
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TransformService{
		store:    store,
		resolver: resolver,
		cache:    cache,
		invoker:  invoker,
		fetcher:  storageFetcher,
		gate:     gate,
		logger:   logger,
		config:   cfg,
	}
}

// Handle serves one request: resolve the origin, probe the cache, invoke the
// transformer on a miss and fall back when the transformer fails.
func (s *TransformService) Handle(ctx context.Context, req Request) *Response {
	start := time.Now()
	snapshot := s.store.Snapshot()

	match, err := s.resolver.Resolve(snapshot.Video.Origins, req.Path)
	if err != nil {
		return errorResponse(err)
	}

	resolved := s.resolveOptions(snapshot, match, req.Options)

	version := req.VersionOverride
	if version == 0 {
		v, err := s.cache.CurrentVersion(ctx, req.Path)
		if err != nil {
			s.logger.Warn("version lookup failed, assuming 1", slog.String("error", err.Error()))
			v = 1
		}
		version = v
	}

	cacheable := match.Origin.Cacheable() && !req.Bypass
	if cacheable {
		if resp := s.tryCache(ctx, req, resolved, version, start); resp != nil {
			return resp
		}
	} else if req.Bypass {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusBypass).Inc()
	}

	resp := s.transformAndServe(ctx, req, snapshot, match, resolved, version, cacheable)
	if req.Debug {
		resp.Header.Set("X-Video-Resizer-Debug", "true")
		resp.Header.Set("X-Processing-Time-Ms", strconv.FormatInt(time.Since(start).Milliseconds(), 10))
	}
	return resp
}

func (s *TransformService) tryCache(ctx context.Context, req Request, resolved model.TransformOptions, version int64, start time.Time) *Response {
	cached, err := s.cache.Get(ctx, req.Path, resolved, videocache.GetOptions{
		RangeHeader:  req.RangeHeader,
		IfNoneMatch:  req.IfNoneMatch,
		RequestURL:   req.RequestURL,
		CacheVersion: version,
	})
	if err != nil {
		s.logger.Warn("cache probe failed, continuing to transform", slog.String("error", err.Error()))
		return nil
	}
	if cached == nil {
		return nil
	}

	metrics.RequestDuration.WithLabelValues(metrics.CacheStatusHit).Observe(time.Since(start).Seconds())
	return cachedResponse(cached)
}

// cachedResponse renders a cache hit, including conditional and range forms.
func cachedResponse(c *videocache.CachedResponse) *Response {
	h := http.Header{}
	h.Set("X-Cache", "HIT")
	h.Set("Accept-Ranges", "bytes")
	if c.ETag != "" {
		h.Set("ETag", c.ETag)
	}
	if c.CacheControl != "" {
		h.Set("Cache-Control", c.CacheControl)
	}
	if len(c.CacheTags) > 0 {
		h.Set("Cache-Tag", joinTags(c.CacheTags))
	}

	switch c.Status {
	case http.StatusNotModified:
		return &Response{Status: c.Status, Header: h}
	case http.StatusRequestedRangeNotSatisfiable:
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", c.TotalSize))
		return &Response{Status: c.Status, Header: h}
	}

	h.Set("Content-Type", c.ContentType)
	h.Set("Content-Length", strconv.FormatInt(c.ContentLength, 10))
	if c.Status == http.StatusPartialContent {
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", c.RangeStart, c.RangeEnd, c.TotalSize))
	}
	return &Response{Status: c.Status, Header: h, Body: c.Body}
}

// transformAndServe invokes the transformer and streams its result, storing
// a copy in the background. Failures route through the fallback pipeline.
func (s *TransformService) transformAndServe(ctx context.Context, req Request, snapshot *config.WorkerConfig, match *origin.Match, resolved model.TransformOptions, version int64, cacheable bool) *Response {
	sourceURL := s.effectiveSourceURL(req, match.Sources[0])
	transformURL := s.invoker.BuildURL(req.RequestOrigin, resolved, sourceURL, version)

	result, err := s.invoker.Invoke(ctx, transformURL, conditionalHeaders(req))
	if err != nil {
		// Transport-level failure: same path as a 502 from the transformer.
		result = &transform.Result{
			Status:         http.StatusBadGateway,
			Header:         http.Header{},
			Classification: transform.ClassOriginUnavailable,
			ErrorBody:      err.Error(),
		}
	}

	fc := &fallbackState{
		req:       req,
		snapshot:  snapshot,
		match:     match,
		resolved:  resolved,
		version:   version,
		cacheable: cacheable,
	}

	switch result.Classification {
	case transform.ClassOk:
		return s.serveTransform(ctx, req, resolved, version, cacheable, result, nil)
	case transform.ClassNotFound:
		if resp := s.retryAlternativeOrigins(ctx, req, snapshot, resolved, version, cacheable, match); resp != nil {
			return resp
		}
		return errorResponse(model.NewError(model.KindNotFound, "no origin holds this video", nil, "path", req.Path))
	default:
		return s.handleFallback(ctx, fc, result)
	}
}

// serveTransform streams transformer bytes to the client; a full 200 body is
// simultaneously copied into the cache through a pipe.
func (s *TransformService) serveTransform(ctx context.Context, req Request, resolved model.TransformOptions, version int64, cacheable bool, result *transform.Result, extra http.Header) *Response {
	tags := transform.CacheTags(req.Path, resolved)

	h := http.Header{}
	h.Set("X-Cache", "MISS")
	h.Set("Accept-Ranges", "bytes")
	if ct := result.Header.Get("Content-Type"); ct != "" {
		h.Set("Content-Type", ct)
	}
	for _, name := range []string{"Content-Length", "Content-Range", "ETag"} {
		if v := result.Header.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	ttl := s.ttlFor(req.Path)
	h.Set("Cache-Control", "public, max-age="+strconv.FormatInt(int64(ttl/time.Second), 10))
	h.Set("Cache-Tag", joinTags(tags))
	for name, values := range extra {
		h[name] = values
	}

	body := result.Body
	if cacheable && result.Status == http.StatusOK && s.gate != nil {
		body = s.teeIntoCache(req.Path, resolved, videocache.StoreInfo{
			ContentType:   result.Header.Get("Content-Type"),
			ContentLength: parseContentLength(result.Header),
			ETag:          result.Header.Get("ETag"),
			CacheTags:     tags,
			Version:       version,
		}, result.Body)
	}

	metrics.RequestDuration.WithLabelValues(metrics.CacheStatusMiss).Observe(0)
	return &Response{Status: result.Status, Header: h, Body: body}
}

// teeIntoCache splits the stream: the returned reader feeds the client while
// a background task drains the pipe into the cache. If the task cannot be
// scheduled the original body is returned untouched.
func (s *TransformService) teeIntoCache(sourcePath string, opts model.TransformOptions, info videocache.StoreInfo, body io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()

	ok := s.gate.Spawn("cache-store", func(ctx context.Context) error {
		stored, err := s.cache.Store(ctx, sourcePath, opts, pr, info)
		if err != nil {
			io.Copy(io.Discard, pr)
			return err
		}
		if !stored {
			io.Copy(io.Discard, pr)
		}
		return nil
	})
	if !ok {
		pw.Close()
		return body
	}

	return &teeCloser{
		Reader: io.TeeReader(body, pw),
		body:   body,
		pw:     pw,
	}
}

// teeCloser propagates close/EOF to the cache-side pipe so the background
// store terminates with the client stream.
type teeCloser struct {
	io.Reader
	body io.ReadCloser
	pw   *io.PipeWriter
}

func (t *teeCloser) Read(p []byte) (int, error) {
	n, err := t.Reader.Read(p)
	if err == io.EOF {
		t.pw.Close()
	} else if err != nil {
		t.pw.CloseWithError(err)
	}
	return n, err
}

func (t *teeCloser) Close() error {
	t.pw.Close()
	return t.body.Close()
}

// retryAlternativeOrigins re-invokes the transformer against other origins
// whose matcher also hits the path. At most one attempt per origin.
func (s *TransformService) retryAlternativeOrigins(ctx context.Context, req Request, snapshot *config.WorkerConfig, resolved model.TransformOptions, version int64, cacheable bool, first *origin.Match) *Response {
	for _, match := range s.resolver.ResolveAll(snapshot.Video.Origins, req.Path) {
		if match.Origin.Name == first.Origin.Name {
			continue
		}
		sourceURL := s.effectiveSourceURL(req, match.Sources[0])
		transformURL := s.invoker.BuildURL(req.RequestOrigin, resolved, sourceURL, version)
		result, err := s.invoker.Invoke(ctx, transformURL, conditionalHeaders(req))
		if err != nil {
			continue
		}
		if result.Classification == transform.ClassOk {
			return s.serveTransform(ctx, req, resolved, version, cacheable, result, nil)
		}
	}
	return nil
}

// Revalidate re-runs a transformation for a queued task and refreshes the
// cached artifact. Used by the worker process.
func (s *TransformService) Revalidate(ctx context.Context, task repository.RevalidationTask) error {
	requestOrigin, err := originOf(task.RequestURL)
	if err != nil {
		// Sweep tasks carry no request URL; the configured public origin
		// stands in.
		if s.config.PublicOrigin == "" {
			return model.NewError(model.KindValidation, "revalidation task has no usable request url", err,
				"taskId", task.ID.String())
		}
		requestOrigin = s.config.PublicOrigin
	}

	snapshot := s.store.Snapshot()
	match, err := s.resolver.Resolve(snapshot.Video.Origins, task.SourcePath)
	if err != nil {
		return err
	}
	resolved := s.resolveOptions(snapshot, match, task.Options)

	version, err := s.cache.CurrentVersion(ctx, task.SourcePath)
	if err != nil {
		version = 1
	}

	req := Request{Path: task.SourcePath, RequestOrigin: requestOrigin}
	sourceURL := s.effectiveSourceURL(req, match.Sources[0])
	transformURL := s.invoker.BuildURL(requestOrigin, resolved, sourceURL, version)

	result, err := s.invoker.Invoke(ctx, transformURL, nil)
	if err != nil {
		return err
	}
	if result.Classification != transform.ClassOk {
		return model.NewError(model.KindTransformationFailed, "revalidation transform failed", nil,
			"classification", string(result.Classification),
			"status", strconv.Itoa(result.Status))
	}
	defer result.Body.Close()

	_, err = s.cache.Store(ctx, task.SourcePath, resolved, result.Body, videocache.StoreInfo{
		ContentType:   result.Header.Get("Content-Type"),
		ContentLength: parseContentLength(result.Header),
		ETag:          result.Header.Get("ETag"),
		CacheTags:     transform.CacheTags(task.SourcePath, resolved),
		Version:       version,
	})
	return err
}

// resolveOptions folds the configured layers under the caller's explicit
// options. Origin-level quality/compression shortcuts count as origin
// overrides.
func (s *TransformService) resolveOptions(snapshot *config.WorkerConfig, match *origin.Match, explicit model.TransformOptions) model.TransformOptions {
	var originOpts *model.TransformOptions
	if match.Origin.TransformOptions != nil {
		o := *match.Origin.TransformOptions
		originOpts = &o
	}
	if match.Origin.Quality != "" || match.Origin.VideoCompression != "" {
		if originOpts == nil {
			originOpts = &model.TransformOptions{}
		}
		if originOpts.Quality == "" {
			originOpts.Quality = match.Origin.Quality
		}
		if originOpts.Compression == "" {
			originOpts.Compression = match.Origin.VideoCompression
		}
	}
	return transform.ResolveOptions(snapshot.Video.Defaults, nil, originOpts, snapshot.Video.Derivatives, explicit)
}

// effectiveSourceURL is the URL the transformer fetches the original from.
// Bucket-backed sources have no public URL; the proxy's own origin serves
// as the passthrough location.
func (s *TransformService) effectiveSourceURL(req Request, src origin.ResolvedSource) string {
	if src.Source.Type == model.SourceTypeR2 {
		path := src.Path
		if len(path) > 0 && path[0] != '/' {
			path = "/" + path
		}
		return req.RequestOrigin + path
	}
	return origin.EffectiveURL(src.Source, src.Path)
}

func (s *TransformService) ttlFor(sourcePath string) time.Duration {
	profile := s.store.Snapshot().Caching().TTLForPath(sourcePath)
	if profile.OK > 0 {
		return time.Duration(profile.OK) * time.Second
	}
	return time.Duration(config.DefaultOKTTL) * time.Second
}

func conditionalHeaders(req Request) http.Header {
	h := http.Header{}
	if req.RangeHeader != "" {
		h.Set("Range", req.RangeHeader)
	}
	if req.IfNoneMatch != "" {
		h.Set("If-None-Match", req.IfNoneMatch)
	}
	if len(h) == 0 {
		return nil
	}
	return h
}

func parseContentLength(h http.Header) int64 {
	v := h.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q has no origin", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

func joinTags(tags []string) string {
	return strings.Join(tags, ",")
}

// errorResponse renders a classified error as the structured JSON document.
func errorResponse(err error) *Response {
	kind := model.KindOf(err)
	status := kind.Status()

	message := err.Error()
	var me *model.Error
	if errors.As(err, &me) {
		message = me.Message
	}

	doc, _ := json.Marshal(map[string]any{
		"error":      string(kind),
		"message":    message,
		"statusCode": status,
	})

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("X-Error-Type", string(kind))
	h.Set("Cache-Control", "no-store")
	return &Response{
		Status: status,
		Header: h,
		Body:   io.NopCloser(bytes.NewReader(doc)),
	}
}
