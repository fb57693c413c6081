package usecase

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/edgewire/vidproxy/internal/config"
	"github.com/edgewire/vidproxy/internal/domain/model"
	"github.com/edgewire/vidproxy/internal/domain/repository"
	"github.com/edgewire/vidproxy/internal/fetcher"
	"github.com/edgewire/vidproxy/internal/origin"
	"github.com/edgewire/vidproxy/internal/transform"
	"github.com/edgewire/vidproxy/internal/videocache"
)

// mockResultCache provides a configurable mock for ResultCache.
type mockResultCache struct {
	getFn            func(ctx context.Context, sourcePath string, opts model.TransformOptions, g videocache.GetOptions) (*videocache.CachedResponse, error)
	storeFn          func(ctx context.Context, sourcePath string, opts model.TransformOptions, body io.Reader, info videocache.StoreInfo) (bool, error)
	currentVersionFn func(ctx context.Context, sourcePath string) (int64, error)
}

func (m *mockResultCache) Get(ctx context.Context, sourcePath string, opts model.TransformOptions, g videocache.GetOptions) (*videocache.CachedResponse, error) {
	if m.getFn != nil {
		return m.getFn(ctx, sourcePath, opts, g)
	}
	return nil, nil
}

func (m *mockResultCache) Store(ctx context.Context, sourcePath string, opts model.TransformOptions, body io.Reader, info videocache.StoreInfo) (bool, error) {
	if m.storeFn != nil {
		return m.storeFn(ctx, sourcePath, opts, body, info)
	}
	io.Copy(io.Discard, body)
	return true, nil
}

func (m *mockResultCache) CurrentVersion(ctx context.Context, sourcePath string) (int64, error) {
	if m.currentVersionFn != nil {
		return m.currentVersionFn(ctx, sourcePath)
	}
	return 1, nil
}

// mockInvoker provides a configurable mock for TransformInvoker.
type mockInvoker struct {
	buildURLFn func(requestOrigin string, opts model.TransformOptions, sourceURL string, version int64) string
	invokeFn   func(ctx context.Context, transformURL string, header http.Header) (*transform.Result, error)

	invoked []string
}

func (m *mockInvoker) BuildURL(requestOrigin string, opts model.TransformOptions, sourceURL string, version int64) string {
	if m.buildURLFn != nil {
		return m.buildURLFn(requestOrigin, opts, sourceURL, version)
	}
	inv := transform.NewInvoker(nil, "/cdn-cgi/media")
	return inv.BuildURL(requestOrigin, opts, sourceURL, version)
}

func (m *mockInvoker) Invoke(ctx context.Context, transformURL string, header http.Header) (*transform.Result, error) {
	m.invoked = append(m.invoked, transformURL)
	if m.invokeFn != nil {
		return m.invokeFn(ctx, transformURL, header)
	}
	return okResult("transformed bytes"), nil
}

// mockFetcher provides a configurable mock for StorageFetcher.
type mockFetcher struct {
	fetchFn func(ctx context.Context, sources []origin.ResolvedSource, req fetcher.Request) (*fetcher.SourceResult, error)

	calls [][]origin.ResolvedSource
}

func (m *mockFetcher) Fetch(ctx context.Context, sources []origin.ResolvedSource, req fetcher.Request) (*fetcher.SourceResult, error) {
	m.calls = append(m.calls, sources)
	if m.fetchFn != nil {
		return m.fetchFn(ctx, sources, req)
	}
	return nil, model.NewError(model.KindOriginUnavailable, "all sources failed", nil)
}

// syncGate records spawned tasks and runs them on their own goroutine; the
// pipe-backed store tasks deadlock if run inline before the body is read.
type syncGate struct {
	spawned []string
}

func (g *syncGate) Spawn(name string, fn func(ctx context.Context) error) bool {
	g.spawned = append(g.spawned, name)
	go fn(context.Background())
	return true
}

func okResult(body string) *transform.Result {
	h := http.Header{}
	h.Set("Content-Type", "video/mp4")
	return &transform.Result{
		Status:         http.StatusOK,
		Header:         h,
		Body:           io.NopCloser(strings.NewReader(body)),
		Classification: transform.ClassOk,
	}
}

func failedResult(status int, class transform.Classification, body string) *transform.Result {
	return &transform.Result{
		Status:         status,
		Header:         http.Header{},
		Classification: class,
		ErrorBody:      body,
	}
}

const testConfig = `{
	"video": {
		"origins": [
			{
				"name": "videos",
				"matcher": "^/videos/(.+)$",
				"sources": [
					{"type": "remote", "priority": 1, "path": "/${1}", "url": "https://origin.example.com"},
					{"type": "fallback", "priority": 2, "path": "/${0}", "url": "https://backup.example.com"}
				]
			},
			{
				"name": "archive",
				"matcher": "^/videos/archive-(.+)$",
				"sources": [
					{"type": "remote", "priority": 1, "path": "/${1}", "url": "https://archive.example.com"}
				]
			}
		],
		"defaults": {"fit": "contain"},
		"validOptions": {},
		"storage": {},
		"derivatives": {
			"mobile": {"width": 360, "height": 640}
		}
	},
	"cache": {
		"defaultTtl": {"ok": 86400}
	},
	"logging": {},
	"debug": {}
}`

func testStore(t *testing.T) *config.Store {
	t.Helper()
	store, err := config.NewStore([]byte(testConfig))
	if err != nil {
		t.Fatalf("failed to build config store: %v", err)
	}
	return store
}

func testService(t *testing.T, cache ResultCache, inv TransformInvoker, f StorageFetcher, gate BackgroundGate) *TransformService {
	t.Helper()
	if cache == nil {
		cache = &mockResultCache{}
	}
	if inv == nil {
		inv = &mockInvoker{}
	}
	if f == nil {
		f = &mockFetcher{}
	}
	return NewTransformService(testStore(t), origin.NewResolver(nil), cache, inv, f, gate, ServiceConfig{}, nil)
}

func newTestTask() repository.RevalidationTask {
	task := repository.NewRevalidationTask("/videos/test.mp4",
		model.TransformOptions{Width: 640, Height: 360}, repository.RevalidateReasonRefresh)
	task.RequestURL = "https://cdn.example.com/videos/test.mp4?width=640&height=360"
	return task
}

func testRequest() Request {
	return Request{
		Path:          "/videos/test.mp4",
		RequestOrigin: "https://cdn.example.com",
		RequestURL:    "https://cdn.example.com/videos/test.mp4?width=640&height=360",
		Options:       model.TransformOptions{Width: 640, Height: 360},
	}
}
