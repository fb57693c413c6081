package transform

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/edgewire/vidproxy/internal/domain/model"
	"github.com/edgewire/vidproxy/internal/infrastructure/metrics"
)

// Classification buckets a transformer response for the fallback pipeline.
type Classification string

const (
	ClassOk                   Classification = "Ok"
	ClassNotFound             Classification = "NotFound"
	ClassDurationLimit        Classification = "DurationLimitError"
	ClassFileSize             Classification = "FileSizeError"
	ClassInvalidDimension     Classification = "InvalidDimension"
	ClassInvalidFormat        Classification = "InvalidFormat"
	ClassOriginUnavailable    Classification = "OriginUnavailable"
	ClassTransformationFailed Classification = "TransformationFailed"
)

// errorBodyLimit bounds how much of a failed response body is read for
// classification.
const errorBodyLimit = 8 * 1024

// Result is a classified transformer response. Body streams for Ok results
// and is drained and closed for everything else.
type Result struct {
	Status         int
	Header         http.Header
	Body           io.ReadCloser
	Classification Classification

	// DurationLimit is the transformer's maximum duration in seconds,
	// extracted from the error body of a DurationLimitError.
	DurationLimit float64
	// ErrorBody holds the (truncated) body of a failed response.
	ErrorBody string
}

// httpDoer abstracts *http.Client for testing.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Invoker composes transform URLs and executes them.
type Invoker struct {
	client   httpDoer
	basePath string
}

// NewInvoker creates an Invoker. basePath is the CDN transformation prefix,
// e.g. "/cdn-cgi/media".
func NewInvoker(client *http.Client, basePath string) *Invoker {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Invoker{client: client, basePath: basePath}
}

// BuildURL composes the transform URL:
// <requestOrigin><basePath>/<segment>/<sourceURL>, with ?v=<n> appended when
// the cache version has been bumped past its initial value.
func (i *Invoker) BuildURL(requestOrigin string, opts model.TransformOptions, sourceURL string, version int64) string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(requestOrigin, "/"))
	b.WriteString(i.basePath)
	b.WriteByte('/')
	b.WriteString(Segment(opts))
	b.WriteByte('/')
	b.WriteString(sourceURL)
	if version > 1 {
		if strings.ContainsRune(sourceURL, '?') {
			b.WriteString("&v=")
		} else {
			b.WriteString("?v=")
		}
		b.WriteString(strconv.FormatInt(version, 10))
	}
	return b.String()
}

// Invoke fetches the transform URL and classifies the response. The extra
// header set (Range, If-None-Match) is forwarded as-is; nil is fine.
// Transport failures surface as OriginUnavailable errors.
func (i *Invoker) Invoke(ctx context.Context, transformURL string, header http.Header) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, transformURL, nil)
	if err != nil {
		return nil, model.NewError(model.KindValidation, "invalid transform url", err)
	}
	for name, values := range header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := i.client.Do(req)
	if err != nil {
		metrics.TransformsTotal.WithLabelValues(string(ClassOriginUnavailable)).Inc()
		return nil, model.NewError(model.KindOriginUnavailable, "transform fetch failed", err)
	}

	result := classify(resp)
	metrics.TransformsTotal.WithLabelValues(string(result.Classification)).Inc()
	return result, nil
}

// classify buckets a transformer response. Failed responses have their body
// drained into ErrorBody and closed.
func classify(resp *http.Response) *Result {
	r := &Result{
		Status: resp.StatusCode,
		Header: resp.Header,
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		r.Classification = ClassOk
		r.Body = resp.Body
		return r
	case resp.StatusCode == http.StatusNotFound:
		r.Classification = ClassNotFound
	case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusGatewayTimeout:
		r.Classification = ClassOriginUnavailable
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	resp.Body.Close()
	r.ErrorBody = string(body)

	if r.Classification != "" {
		return r
	}

	lower := strings.ToLower(r.ErrorBody)
	switch {
	case resp.StatusCode == http.StatusBadRequest && strings.Contains(lower, "duration"):
		r.Classification = ClassDurationLimit
		r.DurationLimit = extractDurationLimit(lower)
	case (resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusRequestEntityTooLarge) &&
		strings.Contains(lower, "file size"):
		r.Classification = ClassFileSize
	case resp.StatusCode == http.StatusBadRequest && (strings.Contains(lower, "width") || strings.Contains(lower, "height") || strings.Contains(lower, "dimension")):
		r.Classification = ClassInvalidDimension
	case resp.StatusCode == http.StatusBadRequest && strings.Contains(lower, "format"):
		r.Classification = ClassInvalidFormat
	case resp.StatusCode >= 500:
		r.Classification = ClassTransformationFailed
	default:
		r.Classification = ClassTransformationFailed
	}
	return r
}

var durationLimitRe = regexp.MustCompile(`duration[^0-9]*([0-9]+(?:\.[0-9]+)?)`)

// extractDurationLimit pulls the numeric limit out of an error body like
// "duration must be no more than 30 seconds". Returns 0 when absent.
func extractDurationLimit(lowerBody string) float64 {
	m := durationLimitRe.FindStringSubmatch(lowerBody)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return v
}
