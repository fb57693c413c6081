// Package fetcher reads origin bytes through an ordered source list with
// sequential failover.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/edgewire/vidproxy/internal/auth"
	"github.com/edgewire/vidproxy/internal/domain/model"
	"github.com/edgewire/vidproxy/internal/domain/repository"
	"github.com/edgewire/vidproxy/internal/infrastructure/metrics"
	"github.com/edgewire/vidproxy/internal/origin"
	"github.com/edgewire/vidproxy/internal/presign"
)

const (
	defaultAttemptTimeout = 30 * time.Second
	defaultOverallBudget  = 60 * time.Second
)

// Request carries the caller's method and conditional headers, forwarded
// untouched to every source.
type Request struct {
	Method      string // GET or HEAD; empty means GET
	RangeHeader string
	IfNoneMatch string
}

// SourceResult is a successful fetch from one source, normalized across r2
// and HTTP backends.
type SourceResult struct {
	Status      int
	Header      http.Header
	Body        io.ReadCloser // nil for 304
	SourceType  model.SourceType
	ContentType string
	Size        int64
}

// httpDoer abstracts *http.Client for testing.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config tunes failover timing.
type Config struct {
	// AttemptTimeout bounds each individual source trial.
	AttemptTimeout time.Duration
	// OverallBudget bounds the whole failover sequence.
	OverallBudget time.Duration
}

// Fetcher trials sources in order and returns the first success. The presign
// cache is optional; without it, presigned-url sources are signed per call.
type Fetcher struct {
	client   httpDoer
	signer   *auth.Signer
	presigns *presign.Cache
	logger   *slog.Logger
	config   Config
}

// New creates a Fetcher. presigns may be nil.
func New(client *http.Client, signer *auth.Signer, presigns *presign.Cache, cfg Config, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultAttemptTimeout}
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.OverallBudget <= 0 {
		cfg.OverallBudget = defaultOverallBudget
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client:   client,
		signer:   signer,
		presigns: presigns,
		logger:   logger,
		config:   cfg,
	}
}

// Fetch trials the sources in order. A source succeeds on 200, 206 or 304.
// Missing objects, 5xx responses and transport errors move on to the next
// source; any other 4xx stops the sequence because the request itself is
// wrong. When every source fails the error lists per-source diagnostics.
//
// A successful result's Body stays readable after Fetch returns; the budget
// context is released when the caller closes it.
func (f *Fetcher) Fetch(ctx context.Context, sources []origin.ResolvedSource, req Request) (*SourceResult, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	ctx, cancel := context.WithTimeout(ctx, f.config.OverallBudget)

	var diagnostics []string
	for _, src := range sources {
		res, err := f.tryOne(ctx, src, req)
		if err == nil {
			metrics.SourceFetchesTotal.WithLabelValues(string(src.Source.Type), metrics.FetchOutcomeSuccess).Inc()
			attachRelease(res, cancel)
			return res, nil
		}

		var stop *stopError
		if errors.As(err, &stop) {
			metrics.SourceFetchesTotal.WithLabelValues(string(src.Source.Type), metrics.FetchOutcomeError).Inc()
			cancel()
			return nil, stop.err
		}

		outcome := metrics.FetchOutcomeError
		if errors.Is(err, repository.ErrObjectNotFound) {
			outcome = metrics.FetchOutcomeNotFound
		}
		metrics.SourceFetchesTotal.WithLabelValues(string(src.Source.Type), outcome).Inc()

		diagnostics = append(diagnostics, fmt.Sprintf("%s: %v", src.Source.Type, err))
		f.logger.Debug("source fetch failed, trying next",
			slog.String("sourceType", string(src.Source.Type)),
			slog.String("error", err.Error()),
		)

		if ctx.Err() != nil {
			break
		}
	}

	cancel()
	return nil, model.NewError(model.KindOriginUnavailable, "all sources failed", nil,
		"attempts", strconv.Itoa(len(diagnostics)),
		"diagnostics", strings.Join(diagnostics, "; "))
}

// stopError wraps a failure that must not cascade to further sources.
type stopError struct {
	err error
}

func (e *stopError) Error() string { return e.err.Error() }

// releaseOnClose keeps a fetch context alive until the body is fully
// consumed; cancelling earlier would abort the stream mid-transfer.
type releaseOnClose struct {
	io.ReadCloser
	release context.CancelFunc
}

func (r *releaseOnClose) Close() error {
	err := r.ReadCloser.Close()
	r.release()
	return err
}

// attachRelease ties cancel to the result's body. Bodyless results (304,
// 416, HEAD) have nothing left to stream, so the context releases at once.
func attachRelease(res *SourceResult, cancel context.CancelFunc) {
	if res.Body == nil {
		cancel()
		return
	}
	res.Body = &releaseOnClose{ReadCloser: res.Body, release: cancel}
}

func (f *Fetcher) tryOne(ctx context.Context, src origin.ResolvedSource, req Request) (*SourceResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.config.AttemptTimeout)

	var res *SourceResult
	var err error
	if src.Source.Type == model.SourceTypeR2 {
		res, err = f.fetchBucket(ctx, src, req)
	} else {
		res, err = f.fetchHTTP(ctx, src, req)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	attachRelease(res, cancel)
	return res, nil
}

// fetchBucket translates a bucket read into an HTTP-shaped result.
func (f *Fetcher) fetchBucket(ctx context.Context, src origin.ResolvedSource, req Request) (*SourceResult, error) {
	key := strings.TrimPrefix(src.Path, "/")

	if req.Method == http.MethodHead {
		obj, err := src.Bucket.Head(ctx, key)
		if err != nil {
			return nil, err
		}
		return bucketResult(src.Source.Type, obj, http.StatusOK, nil), nil
	}

	opts := repository.BucketGetOptions{IfNoneMatch: req.IfNoneMatch}
	if req.RangeHeader != "" {
		head, err := src.Bucket.Head(ctx, key)
		if err != nil {
			return nil, err
		}
		rng, err := repository.ParseRange(req.RangeHeader, head.Size)
		if err != nil {
			// Unsatisfiable against this object: the caller gets the 416.
			return &SourceResult{
				Status:     http.StatusRequestedRangeNotSatisfiable,
				Header:     http.Header{"Content-Range": []string{fmt.Sprintf("bytes */%d", head.Size)}},
				SourceType: src.Source.Type,
				Size:       head.Size,
			}, nil
		}
		opts.Range = rng
	}

	obj, err := src.Bucket.Get(ctx, key, opts)
	if err != nil {
		return nil, err
	}

	switch {
	case obj.NotModified:
		return bucketResult(src.Source.Type, obj, http.StatusNotModified, nil), nil
	case obj.Partial:
		res := bucketResult(src.Source.Type, obj, http.StatusPartialContent, obj.Body)
		res.Header.Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", obj.RangeStart, obj.RangeEnd, obj.Size))
		res.Header.Set("Content-Length", strconv.FormatInt(obj.RangeEnd-obj.RangeStart+1, 10))
		return res, nil
	default:
		return bucketResult(src.Source.Type, obj, http.StatusOK, obj.Body), nil
	}
}

func bucketResult(sourceType model.SourceType, obj *repository.ObjectResult, status int, body io.ReadCloser) *SourceResult {
	h := http.Header{}
	if obj.ContentType != "" {
		h.Set("Content-Type", obj.ContentType)
	}
	if obj.ETag != "" {
		h.Set("ETag", obj.ETag)
	}
	if status == http.StatusOK {
		h.Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	h.Set("Accept-Ranges", "bytes")
	return &SourceResult{
		Status:      status,
		Header:      h,
		Body:        body,
		SourceType:  sourceType,
		ContentType: obj.ContentType,
		Size:        obj.Size,
	}
}

// fetchHTTP requests a remote or fallback source with its auth applied.
func (f *Fetcher) fetchHTTP(ctx context.Context, src origin.ResolvedSource, req Request) (*SourceResult, error) {
	target := origin.EffectiveURL(src.Source, src.Path)

	a := src.Source.Auth
	if a != nil && a.Enabled && a.Type == model.AuthTypeAWSS3Presigned {
		signed, err := f.presignedURL(ctx, src, target, a)
		if err != nil {
			return nil, &stopError{err: err}
		}
		target = signed
		a = nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, nil)
	if err != nil {
		return nil, &stopError{err: model.NewError(model.KindConfiguration, "invalid source url", err)}
	}

	for name, value := range src.Source.Headers {
		httpReq.Header.Set(name, value)
	}
	if req.RangeHeader != "" {
		httpReq.Header.Set("Range", req.RangeHeader)
	}
	if req.IfNoneMatch != "" {
		httpReq.Header.Set("If-None-Match", req.IfNoneMatch)
	}

	if a != nil && a.Enabled {
		if err := f.signer.Apply(httpReq, a); err != nil {
			return nil, &stopError{err: err}
		}
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s source: %w", src.Source.Type, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		return httpResult(src.Source.Type, resp, resp.Body), nil
	case resp.StatusCode == http.StatusNotModified:
		resp.Body.Close()
		return httpResult(src.Source.Type, resp, nil), nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, fmt.Errorf("%s source returned %d", src.Source.Type, resp.StatusCode)
	default:
		resp.Body.Close()
		return nil, &stopError{err: model.NewError(model.KindValidation,
			"source rejected request", nil,
			"sourceType", string(src.Source.Type),
			"status", strconv.Itoa(resp.StatusCode))}
	}
}

func httpResult(sourceType model.SourceType, resp *http.Response, body io.ReadCloser) *SourceResult {
	return &SourceResult{
		Status:      resp.StatusCode,
		Header:      resp.Header,
		Body:        body,
		SourceType:  sourceType,
		ContentType: resp.Header.Get("Content-Type"),
		Size:        resp.ContentLength,
	}
}

func (f *Fetcher) presignedURL(ctx context.Context, src origin.ResolvedSource, target string, a *model.Auth) (string, error) {
	if f.presigns != nil {
		return f.presigns.GetOrMint(ctx, src.Source.Type, src.Path, target, a)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", model.NewError(model.KindConfiguration, "invalid source url", err)
	}
	return f.signer.PresignURL(req, a)
}
