package usecase

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/edgewire/vidproxy/internal/config"
	"github.com/edgewire/vidproxy/internal/domain/model"
	"github.com/edgewire/vidproxy/internal/fetcher"
	"github.com/edgewire/vidproxy/internal/infrastructure/metrics"
	"github.com/edgewire/vidproxy/internal/origin"
	"github.com/edgewire/vidproxy/internal/transform"
	"github.com/edgewire/vidproxy/internal/videocache"
)

// fallbackState carries what the fallback pipeline needs to recover from a
// failed transform.
type fallbackState struct {
	req       Request
	snapshot  *config.WorkerConfig
	match     *origin.Match
	resolved  model.TransformOptions
	version   int64
	cacheable bool

	// durationRetried guards the at-most-once duration retry.
	durationRetried bool
}

// handleFallback walks the recovery ladder for a failed transform:
// duration-adjusted retry, direct origin fetch, full storage failover, and
// finally the structured error document.
func (s *TransformService) handleFallback(ctx context.Context, fc *fallbackState, failed *transform.Result) *Response {
	if failed.Classification == transform.ClassDurationLimit && !fc.durationRetried {
		if resp := s.retryWithAdjustedDuration(ctx, fc, failed); resp != nil {
			return resp
		}
	}

	switch failed.Classification {
	case transform.ClassFileSize, transform.ClassOriginUnavailable, transform.ClassTransformationFailed:
		if resp := s.directOriginFetch(ctx, fc, failed); resp != nil {
			return resp
		}
		if resp := s.storageFailover(ctx, fc, failed); resp != nil {
			return resp
		}
	}

	metrics.FallbacksTotal.WithLabelValues(metrics.FallbackPathError).Inc()
	return errorResponse(model.NewError(model.KindTransformationFailed,
		summarize(failed), nil,
		"classification", string(failed.Classification),
		"status", strconv.Itoa(failed.Status)))
}

// retryWithAdjustedDuration clamps the requested duration to the
// transformer's limit and retries exactly once.
func (s *TransformService) retryWithAdjustedDuration(ctx context.Context, fc *fallbackState, failed *transform.Result) *Response {
	limit := failed.DurationLimit
	if limit <= 0 {
		return nil
	}
	requested := durationSeconds(fc.resolved.Duration)
	if requested <= limit {
		return nil
	}

	fc.durationRetried = true
	adjusted := fc.resolved
	adjusted.Duration = formatSeconds(limit)

	sourceURL := s.effectiveSourceURL(fc.req, fc.match.Sources[0])
	transformURL := s.invoker.BuildURL(fc.req.RequestOrigin, adjusted, sourceURL, fc.version)

	result, err := s.invoker.Invoke(ctx, transformURL, conditionalHeaders(fc.req))
	if err != nil || result.Classification != transform.ClassOk {
		return nil
	}

	metrics.FallbacksTotal.WithLabelValues(metrics.FallbackPathDurationRetry).Inc()
	extra := http.Header{}
	// The header value is the duration the clip was clamped to.
	extra.Set("X-Transform-Duration-Adjusted", adjusted.Duration)
	return s.serveTransform(ctx, fc.req, adjusted, fc.version, fc.cacheable, result, extra)
}

// directOriginFetch serves the untransformed bytes from the chosen source's
// own URL. Bucket sources have no URL and skip straight to storage failover.
func (s *TransformService) directOriginFetch(ctx context.Context, fc *fallbackState, failed *transform.Result) *Response {
	var direct *origin.ResolvedSource
	for i := range fc.match.Sources {
		src := &fc.match.Sources[i]
		if src.Source.Type != model.SourceTypeR2 && src.Source.URL != "" {
			direct = src
			break
		}
	}
	if direct == nil {
		return nil
	}

	res, err := s.fetcher.Fetch(ctx, []origin.ResolvedSource{*direct}, fetcher.Request{
		RangeHeader: fc.req.RangeHeader,
		IfNoneMatch: fc.req.IfNoneMatch,
	})
	if err != nil {
		return nil
	}
	if res.Status == http.StatusRequestedRangeNotSatisfiable {
		if res.Body != nil {
			res.Body.Close()
		}
		return nil
	}

	metrics.FallbacksTotal.WithLabelValues(metrics.FallbackPathDirectOrigin).Inc()
	return s.serveFallback(fc, failed, res, "")
}

// storageFailover runs the full ordered source list through the fetcher.
func (s *TransformService) storageFailover(ctx context.Context, fc *fallbackState, failed *transform.Result) *Response {
	res, err := s.fetcher.Fetch(ctx, fc.match.Sources, fetcher.Request{
		RangeHeader: fc.req.RangeHeader,
		IfNoneMatch: fc.req.IfNoneMatch,
	})
	if err != nil {
		return nil
	}

	metrics.FallbacksTotal.WithLabelValues(metrics.FallbackPathStorage).Inc()
	return s.serveFallback(fc, failed, res, string(res.SourceType))
}

// serveFallback renders origin bytes with the fallback diagnostics headers.
// Intermediaries must not cache these; the real artifact may appear later.
func (s *TransformService) serveFallback(fc *fallbackState, failed *transform.Result, res *fetcher.SourceResult, storageSource string) *Response {
	h := http.Header{}
	for _, name := range []string{"Content-Type", "Content-Length", "Content-Range", "ETag", "Accept-Ranges"} {
		if v := res.Header.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	h.Set("X-Fallback-Applied", "true")
	h.Set("X-Fallback-Reason", summarize(failed))
	h.Set("X-Original-Error-Type", string(failed.Classification))
	h.Set("X-Original-Status-Code", strconv.Itoa(failed.Status))
	h.Set("Cache-Control", "no-store")
	if storageSource != "" {
		h.Set("X-Storage-Source", storageSource)
	}

	body := res.Body
	if s.shouldCacheFallback(fc, res) {
		body = s.teeIntoCache(fc.req.Path, fc.resolved, videocache.StoreInfo{
			ContentType:   res.ContentType,
			ContentLength: res.Size,
			ETag:          res.Header.Get("ETag"),
			CacheTags:     transform.CacheTags(fc.req.Path, fc.resolved),
			Version:       fc.version,
		}, res.Body)
	}

	return &Response{Status: res.Status, Header: h, Body: body}
}

// shouldCacheFallback applies the size threshold for background-caching
// fallback bytes. Unknown sizes are skipped.
func (s *TransformService) shouldCacheFallback(fc *fallbackState, res *fetcher.SourceResult) bool {
	if !fc.cacheable || s.gate == nil || res.Body == nil {
		return false
	}
	if res.Status != http.StatusOK {
		return false
	}
	return res.Size > 0 && res.Size <= s.config.FallbackCacheMax
}

// summarize produces the short reason string carried in fallback headers.
func summarize(failed *transform.Result) string {
	body := strings.TrimSpace(failed.ErrorBody)
	if len(body) > 120 {
		body = body[:120]
	}
	if body == "" {
		return fmt.Sprintf("%s (status %d)", failed.Classification, failed.Status)
	}
	return fmt.Sprintf("%s: %s", failed.Classification, body)
}

// durationSeconds parses option strings like "45s", "1.5m" or "30".
func durationSeconds(s string) float64 {
	if s == "" {
		return 0
	}
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "ms"):
		mult = 0.001
		s = strings.TrimSuffix(s, "ms")
	case strings.HasSuffix(s, "s"):
		s = strings.TrimSuffix(s, "s")
	case strings.HasSuffix(s, "m"):
		mult = 60
		s = strings.TrimSuffix(s, "m")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v * mult
}

// formatSeconds renders a duration option value.
func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + "s"
}
