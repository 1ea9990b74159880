package middleware

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/cachegate/internal/engine"
	"github.com/l0p7/cachegate/internal/expr"
	"github.com/l0p7/cachegate/internal/metrics"
)

func testOptions() engine.Options {
	return engine.Options{
		Store:                "test",
		Type:                 engine.TypeShared,
		AutoCompress:         true,
		AutoAcceptEncoding:   true,
		StaleWhileRevalidate: true,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMiddleware(t *testing.T, eng engine.Engine) *Middleware {
	t.Helper()
	m, err := New(Config{Engine: eng, Options: testOptions(), Logger: testLogger()})
	require.NoError(t, err)
	return m
}

// fakeEngine records interactions and lets tests script lookups and stall
// writes.
type fakeEngine struct {
	mu        sync.Mutex
	lookups   int
	writes    []fakeWrite
	lookupFn  func(req *engine.CacheRequest, policy engine.LookupPolicy) (engine.LookupResult, error)
	writeGate chan struct{}
}

type fakeWrite struct {
	req  *engine.CacheRequest
	resp *engine.CacheResponse
	tags []string
}

func (f *fakeEngine) Lookup(_ context.Context, req *engine.CacheRequest, policy engine.LookupPolicy) (engine.LookupResult, error) {
	f.mu.Lock()
	f.lookups++
	fn := f.lookupFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req, policy)
	}
	return engine.LookupResult{Outcome: engine.Miss}, nil
}

func (f *fakeEngine) Write(_ context.Context, req *engine.CacheRequest, resp *engine.CacheResponse, tags []string) (engine.WriteOutcome, error) {
	if f.writeGate != nil {
		<-f.writeGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, fakeWrite{req: req, resp: resp, tags: tags})
	return engine.Written, nil
}

func (f *fakeEngine) MarkUsed(context.Context, engine.EntryRef) error { return nil }

func (f *fakeEngine) MarkDownloading(context.Context, *engine.CacheRequest, string) error {
	return nil
}

func (f *fakeEngine) InvalidateByTag(context.Context, string) error { return nil }

func (f *fakeEngine) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeEngine) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

func TestNewRejectsInvalidSetup(t *testing.T) {
	_, err := New(Config{Options: testOptions()})
	require.ErrorContains(t, err, "engine required")

	eng, err := engine.NewMemory(testOptions(), engine.MemoryConfig{})
	require.NoError(t, err)
	_, err = New(Config{Engine: eng, Options: engine.Options{Type: engine.TypeShared}})
	require.ErrorContains(t, err, "store identifier required")
}

func TestMissThenHit(t *testing.T) {
	eng, err := engine.NewMemory(testOptions(), engine.MemoryConfig{})
	require.NoError(t, err)
	m := newTestMiddleware(t, eng)

	var calls atomic.Int32
	wrapped := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Cache-Control", "max-age=60")
		fmt.Fprintf(w, "call-%d", n)
	}))

	do := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/thing", nil))
		return rec
	}

	first := do()
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, "call-1", first.Body.String())
	require.Empty(t, first.Header().Get("Cache-Status"))

	// The write-back is asynchronous; poll until the entry is servable.
	var hit *httptest.ResponseRecorder
	require.Eventually(t, func() bool {
		hit = do()
		return hit.Header().Get("Cache-Status") == "cachegate; hit"
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "call-1", hit.Body.String())
	require.Equal(t, int32(1), calls.Load())
}

func TestBypassSkipsCache(t *testing.T) {
	env, err := expr.NewEnvironment()
	require.NoError(t, err)
	rules, err := env.CompileAll([]string{`path.startsWith("/admin")`})
	require.NoError(t, err)

	eng := &fakeEngine{}
	m, err := New(Config{Engine: eng, Options: testOptions(), Bypass: rules, Logger: testLogger()})
	require.NoError(t, err)

	wrapped := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "live")
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/admin/users", nil))
	require.Equal(t, "live", rec.Body.String())
	require.Empty(t, rec.Header().Get("Cache-Status"))
	require.Equal(t, 0, eng.lookupCount())
	require.Equal(t, 0, eng.writeCount())
}

func TestStaleWhileRevalidateServesAndReplays(t *testing.T) {
	eng, err := engine.NewMemory(testOptions(), engine.MemoryConfig{})
	require.NoError(t, err)
	m := newTestMiddleware(t, eng)

	var calls atomic.Int32
	var mu sync.Mutex
	var replayHeaders []http.Header
	wrapped := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n > 1 {
			mu.Lock()
			replayHeaders = append(replayHeaders, r.Header.Clone())
			mu.Unlock()
		}
		w.Header().Set("Cache-Control", "max-age=0, stale-while-revalidate=60")
		w.Header().Set("Etag", fmt.Sprintf(`"v%d"`, n))
		fmt.Fprintf(w, "call-%d", n)
	}))

	probe := func() engine.LookupResult {
		creq, err := newCacheRequest(httptest.NewRequest(http.MethodGet, "http://example.com/feed", nil))
		require.NoError(t, err)
		res, err := eng.Lookup(context.Background(), creq, engine.LookupPolicy{})
		require.NoError(t, err)
		return res
	}

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/feed", nil))
	require.Equal(t, "call-1", rec.Body.String())

	require.Eventually(t, func() bool {
		return probe().Outcome == engine.Stale
	}, 2*time.Second, 10*time.Millisecond)

	// The stale entry is served immediately and a single background replay
	// refreshes it.
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/feed", nil))
	require.Equal(t, "cachegate; stale", rec.Header().Get("Cache-Status"))
	require.Equal(t, "call-1", rec.Body.String())

	require.Eventually(t, func() bool {
		res := probe()
		if res.Outcome != engine.Stale {
			return false
		}
		body, ok := res.Response.Body.(engine.BytesPayload)
		return ok && string(body) == "call-2"
	}, 2*time.Second, 10*time.Millisecond)

	// The replay must carry the conditional header and the directive that
	// keeps it from being answered by the entry it is refreshing.
	mu.Lock()
	require.Len(t, replayHeaders, 1)
	require.Equal(t, `"v1"`, replayHeaders[0].Get("If-None-Match"))
	require.Contains(t, replayHeaders[0].Get("Cache-Control"), "max-stale=0")
	mu.Unlock()

	// No cascade: the replay itself must not spawn further replays.
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, int32(2), calls.Load())
}

func TestConcurrentStaleHitsSpawnBoundedReplays(t *testing.T) {
	eng, err := engine.NewMemory(testOptions(), engine.MemoryConfig{})
	require.NoError(t, err)
	m := newTestMiddleware(t, eng)

	var calls atomic.Int32
	wrapped := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Cache-Control", "max-age=0, stale-while-revalidate=60")
		io.WriteString(w, "content")
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/feed", nil))

	require.Eventually(t, func() bool {
		creq, err := newCacheRequest(httptest.NewRequest(http.MethodGet, "http://example.com/feed", nil))
		require.NoError(t, err)
		res, err := eng.Lookup(context.Background(), creq, engine.LookupPolicy{})
		require.NoError(t, err)
		return res.Outcome == engine.Stale
	}, 2*time.Second, 10*time.Millisecond)

	// Two near-simultaneous stale hits trigger at most one replay each.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			wrapped.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example.com/feed", nil))
		}()
	}
	wg.Wait()

	time.Sleep(200 * time.Millisecond)
	require.LessOrEqual(t, calls.Load(), int32(3))
}

func TestMaxStaleServesWithoutRevalidation(t *testing.T) {
	eng, err := engine.NewMemory(testOptions(), engine.MemoryConfig{})
	require.NoError(t, err)
	m := newTestMiddleware(t, eng)

	var calls atomic.Int32
	wrapped := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// Immediately stale, with no revalidation grant.
		w.Header().Set("Cache-Control", "max-age=0")
		io.WriteString(w, "aged")
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/report", nil))

	probe := func() engine.Outcome {
		r := httptest.NewRequest(http.MethodGet, "http://example.com/report", nil)
		r.Header.Set("Cache-Control", "max-stale=3600")
		creq, err := newCacheRequest(r)
		require.NoError(t, err)
		res, err := eng.Lookup(context.Background(), creq, engine.LookupPolicy{})
		require.NoError(t, err)
		return res.Outcome
	}
	require.Eventually(t, func() bool { return probe() == engine.Stale }, 2*time.Second, 10*time.Millisecond)

	// A tolerant client gets the aged copy and causes no origin traffic at
	// all, however often it asks.
	for i := 0; i < 20; i++ {
		r := httptest.NewRequest(http.MethodGet, "http://example.com/report", nil)
		r.Header.Set("Cache-Control", "max-stale=3600")
		w := httptest.NewRecorder()
		wrapped.ServeHTTP(w, r)
		require.Equal(t, "cachegate; stale", w.Header().Get("Cache-Status"))
		require.Equal(t, "aged", w.Body.String())
	}
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

func TestStaleIfErrorFallback(t *testing.T) {
	eng, err := engine.NewMemory(testOptions(), engine.MemoryConfig{})
	require.NoError(t, err)
	m := newTestMiddleware(t, eng)

	var failing atomic.Bool
	wrapped := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			panic("origin down")
		}
		w.Header().Set("Cache-Control", "max-age=0, stale-if-error=60")
		io.WriteString(w, "origin")
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/doc", nil))
	require.Equal(t, "origin", rec.Body.String())

	require.Eventually(t, func() bool {
		creq, err := newCacheRequest(httptest.NewRequest(http.MethodGet, "http://example.com/doc", nil))
		require.NoError(t, err)
		res, err := eng.Lookup(context.Background(), creq, engine.LookupPolicy{AllowStaleIfError: true})
		require.NoError(t, err)
		return res.Outcome == engine.Stale
	}, 2*time.Second, 10*time.Millisecond)

	failing.Store(true)
	rec = httptest.NewRecorder()
	recovered := serveRecovering(wrapped, rec, httptest.NewRequest(http.MethodGet, "http://example.com/doc", nil))
	if recovered != "origin down" {
		t.Fatalf("expected original panic to be re-raised, got %v", recovered)
	}
	require.Equal(t, "cachegate; stale-if-error", rec.Header().Get("Cache-Status"))
	require.Equal(t, "origin", rec.Body.String())
}

func TestStaleIfErrorRequiresAuthorization(t *testing.T) {
	eng, err := engine.NewMemory(testOptions(), engine.MemoryConfig{})
	require.NoError(t, err)
	m := newTestMiddleware(t, eng)

	var failing atomic.Bool
	wrapped := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			panic("origin down")
		}
		// No stale-if-error grant on the response.
		w.Header().Set("Cache-Control", "max-age=0")
		io.WriteString(w, "origin")
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/doc", nil))
	require.Eventually(t, func() bool {
		creq, err := newCacheRequest(httptest.NewRequest(http.MethodGet, "http://example.com/doc", nil))
		require.NoError(t, err)
		res, err := eng.Lookup(context.Background(), creq, engine.LookupPolicy{
			AllowStaleIfError: true,
		})
		require.NoError(t, err)
		return res.Outcome == engine.Miss
	}, 2*time.Second, 10*time.Millisecond)

	failing.Store(true)

	// Without any grant the failure propagates untouched.
	rec = httptest.NewRecorder()
	recovered := serveRecovering(wrapped, rec, httptest.NewRequest(http.MethodGet, "http://example.com/doc", nil))
	require.Equal(t, "origin down", recovered)
	require.Zero(t, rec.Body.Len())
	require.Empty(t, rec.Header().Get("Cache-Status"))

	// A request-side stale-if-error directive grants the fallback instead.
	req := httptest.NewRequest(http.MethodGet, "http://example.com/doc", nil)
	req.Header.Set("Cache-Control", "stale-if-error=120")
	rec = httptest.NewRecorder()
	recovered = serveRecovering(wrapped, rec, req)
	require.Equal(t, "origin down", recovered)
	require.Equal(t, "cachegate; stale-if-error", rec.Header().Get("Cache-Status"))
	require.Equal(t, "origin", rec.Body.String())
}

func serveRecovering(h http.Handler, w http.ResponseWriter, r *http.Request) (recovered any) {
	defer func() { recovered = recover() }()
	h.ServeHTTP(w, r)
	return nil
}

func TestResponseTagsDeduplicated(t *testing.T) {
	eng := &fakeEngine{}
	m, err := New(Config{Engine: eng, Options: testOptions(), Logger: testLogger()})
	require.NoError(t, err)

	wrapped := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, TagResponse(r, "beta", "alpha"))
		require.True(t, TagResponse(r, "beta"))
		w.Header().Set("Cache-Control", "max-age=60")
		io.WriteString(w, "tagged")
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/tagged", nil))

	require.Eventually(t, func() bool { return eng.writeCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	eng.mu.Lock()
	defer eng.mu.Unlock()
	require.Equal(t, []string{"alpha", "beta"}, eng.writes[0].tags)
}

func TestTagResponseOutsideMissPath(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.False(t, TagResponse(r, "orphan"))
}

func TestWritebackOverloadCounted(t *testing.T) {
	gate := make(chan struct{})
	eng := &fakeEngine{writeGate: gate}
	rec := metrics.NewRecorder(nil)
	m, err := New(Config{
		Engine:     eng,
		Options:    testOptions(),
		MaxWriters: 1,
		Logger:     testLogger(),
		Metrics:    rec,
	})
	require.NoError(t, err)

	wrapped := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=60")
		io.WriteString(w, "payload")
	}))

	// First response occupies the single write slot; the second one must be
	// shed instead of queued.
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		wrapped.ServeHTTP(w, httptest.NewRequest(http.MethodGet, fmt.Sprintf("http://example.com/p/%d", i), nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	require.Equal(t, float64(1), counterValue(t, rec, "cachegate_writeback_total", "outcome", string(metrics.WriteOverloaded)))

	close(gate)
	require.Eventually(t, func() bool { return eng.writeCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func counterValue(t *testing.T, rec *metrics.Recorder, name, label, value string) float64 {
	t.Helper()
	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if pair.GetName() == label && pair.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestVanishedPayloadFallsBackToMiss(t *testing.T) {
	spill := t.TempDir()
	eng, err := engine.NewMemory(testOptions(), engine.MemoryConfig{SpillDir: spill, SpillThreshold: 1})
	require.NoError(t, err)
	m := newTestMiddleware(t, eng)

	var calls atomic.Int32
	wrapped := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Cache-Control", "max-age=60")
		io.WriteString(w, "spilled-payload")
	}))

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		wrapped.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example.com/big", nil))
		return w
	}

	do()
	require.Eventually(t, func() bool {
		return do().Header().Get("Cache-Status") == "cachegate; hit"
	}, 2*time.Second, 10*time.Millisecond)

	// Remove the backing files behind the engine's back.
	matches, err := filepath.Glob(filepath.Join(spill, "*.body"))
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	for _, path := range matches {
		require.NoError(t, os.Remove(path))
	}

	before := calls.Load()
	w := do()
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "spilled-payload", w.Body.String())
	require.Empty(t, w.Header().Get("Cache-Status"))
	require.Equal(t, before+1, calls.Load())
}

func TestLookupFailureFailsOpen(t *testing.T) {
	eng := &fakeEngine{lookupFn: func(*engine.CacheRequest, engine.LookupPolicy) (engine.LookupResult, error) {
		return engine.LookupResult{}, fmt.Errorf("engine unreachable")
	}}
	m, err := New(Config{Engine: eng, Options: testOptions(), Logger: testLogger()})
	require.NoError(t, err)

	wrapped := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "still served")
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/x", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "still served", rec.Body.String())
}
