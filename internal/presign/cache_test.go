package presign

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgewire/vidproxy/internal/domain/model"
	"github.com/edgewire/vidproxy/internal/domain/repository"
)

// memStore is a map-backed BlobStore for tests.
type memStore struct {
	mu   sync.Mutex
	meta map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{meta: make(map[string][]byte)}
}

func (m *memStore) Get(ctx context.Context, key string) (*repository.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.meta[key]
	if !ok {
		return nil, repository.ErrKeyNotFound
	}
	return &repository.Entry{Key: key, Metadata: meta}, nil
}

func (m *memStore) GetMetadata(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.meta[key]
	if !ok {
		return nil, repository.ErrKeyNotFound
	}
	return meta, nil
}

func (m *memStore) Set(ctx context.Context, key string, value, metadata []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = metadata
	return nil
}

func (m *memStore) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.meta, k)
	}
	return nil
}

func (m *memStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.meta {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *memStore) Incr(ctx context.Context, key string) (int64, error)       { return 0, nil }
func (m *memStore) GetCounter(ctx context.Context, key string) (int64, error) { return 0, nil }

// mockSigner counts mints and returns a deterministic signed URL.
type mockSigner struct {
	mints      atomic.Int64
	presignErr error
}

func (m *mockSigner) PresignURL(req *http.Request, a *model.Auth) (string, error) {
	if m.presignErr != nil {
		return "", m.presignErr
	}
	n := m.mints.Add(1)
	return req.URL.String() + "?X-Amz-Signature=sig" + string(rune('0'+n)) + "&X-Amz-Expires=3600", nil
}

func presignAuth() *model.Auth {
	return &model.Auth{
		Enabled:      true,
		Type:         model.AuthTypeAWSS3Presigned,
		AccessKeyVar: "AWS_ACCESS_KEY_ID",
		SecretKeyVar: "AWS_SECRET_ACCESS_KEY",
		Region:       "us-east-1",
	}
}

func TestKey(t *testing.T) {
	key := Key(model.SourceTypeRemote, "/videos/test.mp4", presignAuth())
	want := "presigned:remote:videos/test.mp4:auth=aws-s3-presigned-url:region=us-east-1"
	if key != want {
		t.Errorf("Key = %q, want %q", key, want)
	}

	a := presignAuth()
	a.Service = "s3"
	key = Key(model.SourceTypeRemote, "videos/test.mp4", a)
	if !strings.HasSuffix(key, ":service=s3") {
		t.Errorf("Key = %q, want service suffix", key)
	}
}

func TestCache_GetOrMint_MintsOnMiss(t *testing.T) {
	store := newMemStore()
	signer := &mockSigner{}
	c := NewCache(store, signer, nil, DefaultConfig())

	url, err := c.GetOrMint(context.Background(), model.SourceTypeRemote,
		"videos/test.mp4", "https://origin.example.com/videos/test.mp4", presignAuth())
	if err != nil {
		t.Fatalf("GetOrMint failed: %v", err)
	}
	if !strings.Contains(url, "X-Amz-Signature") {
		t.Errorf("url = %q, want signature param", url)
	}
	if signer.mints.Load() != 1 {
		t.Errorf("mints = %d, want 1", signer.mints.Load())
	}

	// Record persisted with signed and original URLs.
	meta := store.meta[Key(model.SourceTypeRemote, "videos/test.mp4", presignAuth())]
	var rec Record
	if err := json.Unmarshal(meta, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.OriginalURL != "https://origin.example.com/videos/test.mp4" {
		t.Errorf("OriginalURL = %q", rec.OriginalURL)
	}
	if !strings.Contains(rec.AuthToken, "X-Amz-Signature") {
		t.Errorf("AuthToken = %q", rec.AuthToken)
	}
}

// asyncGate runs spawned tasks on their own goroutine, closing done after
// the first one finishes.
type asyncGate struct {
	done chan struct{}
}

func (g *asyncGate) Spawn(name string, fn func(ctx context.Context) error) bool {
	go func() {
		fn(context.Background())
		close(g.done)
	}()
	return true
}

// rejectingGate refuses every task, standing in for a saturated gate.
type rejectingGate struct{}

func (rejectingGate) Spawn(string, func(ctx context.Context) error) bool { return false }

func TestCache_GetOrMint_PersistsThroughGate(t *testing.T) {
	store := newMemStore()
	signer := &mockSigner{}
	gate := &asyncGate{done: make(chan struct{})}
	c := NewCache(store, signer, gate, DefaultConfig())

	url, err := c.GetOrMint(context.Background(), model.SourceTypeRemote,
		"videos/test.mp4", "https://origin.example.com/videos/test.mp4", presignAuth())
	if err != nil {
		t.Fatalf("GetOrMint failed: %v", err)
	}
	if !strings.Contains(url, "X-Amz-Signature") {
		t.Errorf("url = %q, want signature param", url)
	}

	select {
	case <-gate.done:
	case <-time.After(time.Second):
		t.Fatal("record write never ran")
	}

	rec, err := c.Get(context.Background(), Key(model.SourceTypeRemote, "videos/test.mp4", presignAuth()))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec == nil {
		t.Fatal("record not persisted")
	}
	if rec.SignedURL != url {
		t.Errorf("SignedURL = %q, want %q", rec.SignedURL, url)
	}
}

func TestCache_GetOrMint_RejectedSpawnStillSigns(t *testing.T) {
	store := newMemStore()
	signer := &mockSigner{}
	c := NewCache(store, signer, rejectingGate{}, DefaultConfig())

	url, err := c.GetOrMint(context.Background(), model.SourceTypeRemote,
		"videos/test.mp4", "https://origin.example.com/videos/test.mp4", presignAuth())
	if err != nil {
		t.Fatalf("GetOrMint failed: %v", err)
	}
	if !strings.Contains(url, "X-Amz-Signature") {
		t.Errorf("url = %q, want signature param", url)
	}
	if len(store.meta) != 0 {
		t.Errorf("record written despite rejected spawn: %v", store.meta)
	}
}

func TestCache_GetOrMint_ReusesCached(t *testing.T) {
	store := newMemStore()
	signer := &mockSigner{}
	c := NewCache(store, signer, nil, DefaultConfig())

	ctx := context.Background()
	auth := presignAuth()
	first, err := c.GetOrMint(ctx, model.SourceTypeRemote, "videos/test.mp4",
		"https://origin.example.com/videos/test.mp4", auth)
	if err != nil {
		t.Fatalf("first GetOrMint failed: %v", err)
	}
	second, err := c.GetOrMint(ctx, model.SourceTypeRemote, "videos/test.mp4",
		"https://origin.example.com/videos/test.mp4", auth)
	if err != nil {
		t.Fatalf("second GetOrMint failed: %v", err)
	}

	if first != second {
		t.Errorf("second mint returned different URL: %q vs %q", first, second)
	}
	if signer.mints.Load() != 1 {
		t.Errorf("mints = %d, want 1", signer.mints.Load())
	}
}

func TestCache_GetOrMint_RemintsWhenExpiring(t *testing.T) {
	store := newMemStore()
	signer := &mockSigner{}
	c := NewCache(store, signer, nil, Config{Expiry: time.Hour, RefreshThreshold: 5 * time.Minute})

	now := time.Now()
	c.now = func() time.Time { return now }

	ctx := context.Background()
	auth := presignAuth()
	if _, err := c.GetOrMint(ctx, model.SourceTypeRemote, "videos/test.mp4",
		"https://origin.example.com/videos/test.mp4", auth); err != nil {
		t.Fatalf("GetOrMint failed: %v", err)
	}

	// Advance to within the refresh threshold of expiry.
	now = now.Add(56 * time.Minute)
	if _, err := c.GetOrMint(ctx, model.SourceTypeRemote, "videos/test.mp4",
		"https://origin.example.com/videos/test.mp4", auth); err != nil {
		t.Fatalf("GetOrMint near expiry failed: %v", err)
	}

	if signer.mints.Load() != 2 {
		t.Errorf("mints = %d, want 2", signer.mints.Load())
	}
}

func TestCache_Get_ExpiredReadsAsMiss(t *testing.T) {
	store := newMemStore()
	c := NewCache(store, &mockSigner{}, nil, DefaultConfig())

	key := Key(model.SourceTypeRemote, "videos/test.mp4", presignAuth())
	rec := Record{
		SignedURL: "https://origin.example.com/videos/test.mp4?X-Amz-Signature=old",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	meta, _ := json.Marshal(rec)
	store.meta[key] = meta

	got, err := c.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expired record returned: %+v", got)
	}
}

func TestCache_Refresh_NoopWhenFresh(t *testing.T) {
	store := newMemStore()
	signer := &mockSigner{}
	c := NewCache(store, signer, nil, DefaultConfig())

	ctx := context.Background()
	auth := presignAuth()
	if _, err := c.GetOrMint(ctx, model.SourceTypeRemote, "videos/test.mp4",
		"https://origin.example.com/videos/test.mp4", auth); err != nil {
		t.Fatalf("GetOrMint failed: %v", err)
	}

	if err := c.Refresh(ctx, model.SourceTypeRemote, "videos/test.mp4",
		"https://origin.example.com/videos/test.mp4", auth); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if signer.mints.Load() != 1 {
		t.Errorf("mints = %d, want 1 (fresh record must not re-mint)", signer.mints.Load())
	}
}

func TestCache_GetOrMint_SignerError(t *testing.T) {
	store := newMemStore()
	signer := &mockSigner{presignErr: errors.New("no credentials")}
	c := NewCache(store, signer, nil, DefaultConfig())

	_, err := c.GetOrMint(context.Background(), model.SourceTypeRemote,
		"videos/test.mp4", "https://origin.example.com/videos/test.mp4", presignAuth())
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestCache_GetOrMint_Concurrent(t *testing.T) {
	store := newMemStore()
	signer := &mockSigner{}
	c := NewCache(store, signer, nil, DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrMint(context.Background(), model.SourceTypeRemote,
				"videos/test.mp4", "https://origin.example.com/videos/test.mp4", presignAuth())
			if err != nil {
				t.Errorf("GetOrMint failed: %v", err)
			}
		}()
	}
	wg.Wait()

	// Coalescing keeps concurrent mints well below the caller count.
	if n := signer.mints.Load(); n > 2 {
		t.Errorf("mints = %d, want coalesced (<= 2)", n)
	}
}
