package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/l0p7/cachegate/internal/engine"
	"github.com/l0p7/cachegate/internal/expr"
	"github.com/l0p7/cachegate/internal/metrics"
)

const writebackTimeout = 30 * time.Second

// Config assembles the middleware's collaborators.
type Config struct {
	Engine  engine.Engine
	Options engine.Options
	// MaxWriters caps concurrently in-flight write-back tasks; zero means
	// the default.
	MaxWriters int
	Bypass     expr.RuleSet
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Middleware is the request-lifecycle orchestrator around the cache engine.
// One instance wraps one downstream handler chain.
type Middleware struct {
	engine    engine.Engine
	opts      engine.Options
	pool      *writebackPool
	bypass    expr.RuleSet
	logger    *slog.Logger
	metrics   *metrics.Recorder
	handlerID string

	// chain is the fully composed handler, stored by Wrap so revalidation
	// replays traverse the entire pipeline again.
	chain atomic.Pointer[http.Handler]
}

// New validates the options and builds the orchestrator. A missing store
// identifier fails here, before any request is handled.
func New(cfg Config) (*Middleware, error) {
	if cfg.Engine == nil {
		return nil, errors.New("middleware: engine required")
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hostname, _ := os.Hostname()
	return &Middleware{
		engine:    cfg.Engine,
		opts:      cfg.Options,
		pool:      newWritebackPool(cfg.MaxWriters),
		bypass:    cfg.Bypass,
		logger:    logger.With(slog.String("agent", "cache")),
		metrics:   cfg.Metrics,
		handlerID: fmt.Sprintf("%s-%d", hostname, os.Getpid()),
	}, nil
}

// Wrap composes the middleware in front of the downstream handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.serve(w, r, next)
	})
	m.chain.Store(&handler)
	return handler
}

// InvalidateByTag removes every cached entry carrying the alternate key.
// Exposed for operators; the request path never calls it.
func (m *Middleware) InvalidateByTag(ctx context.Context, tag string) error {
	return m.engine.InvalidateByTag(ctx, tag)
}

func (m *Middleware) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if bypassed, err := m.bypass.Match(r); err != nil {
		m.logger.Warn("bypass rule evaluation failed", slog.Any("error", err))
	} else if bypassed {
		m.metrics.ObserveRequest(metrics.RequestBypass, 0)
		next.ServeHTTP(w, r)
		return
	}

	creq, err := newCacheRequest(r)
	if err != nil {
		m.logger.Warn("request normalization failed", slog.Any("error", err))
		next.ServeHTTP(w, r)
		return
	}

	lookupStart := time.Now()
	res, err := m.engine.Lookup(r.Context(), creq, engine.LookupPolicy{})
	lookupDuration := time.Since(lookupStart)
	if err != nil {
		// Fail open: an unreachable engine means no cache interaction
		// occurred, never a user-visible error.
		m.logger.Warn("engine lookup failed, treating as miss", slog.Any("error", err))
		res = engine.LookupResult{Outcome: engine.Miss}
	}

	switch res.Outcome {
	case engine.Fresh:
		if m.transmitHit(w, r, res, "hit", lookupDuration) {
			return
		}
	case engine.Stale:
		// Revalidation is triggered before serving; it is fire-and-forget
		// and does not delay the response.
		m.maybeRevalidate(r, creq, res.Response)
		if m.transmitHit(w, r, res, "stale", lookupDuration) {
			return
		}
	}

	m.serveMiss(w, r, next, creq, lookupDuration)
}

// transmitHit serves a cached response and reports whether the request is
// done. A vanished file-backed payload returns false so the caller falls
// through to the miss path.
func (m *Middleware) transmitHit(w http.ResponseWriter, r *http.Request, res engine.LookupResult, cacheStatus string, lookupDuration time.Duration) bool {
	err := writeCached(w, res.Response, cacheStatus)
	if errors.Is(err, engine.ErrPayloadMissing) {
		m.logger.Warn("cached payload missing, treating as miss", slog.String("url", r.URL.String()))
		return false
	}
	if err != nil {
		m.logger.Warn("cached response transmission failed", slog.Any("error", err))
	}
	go m.markUsed(res.Ref)
	if cacheStatus == "stale" {
		m.metrics.ObserveStaleServed(metrics.StaleRevalidate)
	}
	m.metrics.ObserveRequest(metrics.RequestHit, lookupDuration)
	m.logger.Debug("cache hit",
		slog.String("method", r.Method),
		slog.String("url", r.URL.String()),
		slog.String("status", cacheStatus))
	return true
}

// serveMiss lets the downstream handler produce the response, then submits it
// for write-back once committed. Downstream panics are intercepted for the
// stale-if-error fallback and always re-raised.
func (m *Middleware) serveMiss(w http.ResponseWriter, r *http.Request, next http.Handler, creq *engine.CacheRequest, lookupDuration time.Duration) {
	if err := m.engine.MarkDownloading(r.Context(), creq, m.handlerID); err != nil {
		m.logger.Debug("mark downloading failed", slog.Any("error", err))
	}

	tags := &tagSet{}
	r = r.WithContext(withTagSet(r.Context(), tags))
	rec := newRecorder(w)

	defer func() {
		if cause := recover(); cause != nil {
			m.serveErrorFallback(rec, creq, cause)
		}
	}()
	next.ServeHTTP(rec, r)

	m.metrics.ObserveRequest(metrics.RequestMiss, lookupDuration)

	// A handler that aborted without committing a response produced nothing
	// to cache.
	if !rec.Committed() {
		return
	}
	m.submitWriteback(creq, rec.snapshot(), tags.values())
}

// serveErrorFallback attempts a stale-if-error serve after a downstream
// failure and always re-raises the original cause, so generic error handling
// further up the pipeline still runs.
func (m *Middleware) serveErrorFallback(rec *responseRecorder, creq *engine.CacheRequest, cause any) {
	if cause == http.ErrAbortHandler || rec.Committed() {
		panic(cause)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := m.engine.Lookup(ctx, creq, engine.LookupPolicy{AllowStaleIfError: true})
	if err != nil {
		m.logger.Warn("stale-if-error lookup failed", slog.Any("error", err))
		panic(cause)
	}
	if res.Outcome != engine.Stale {
		panic(cause)
	}
	if err := writeCached(rec, res.Response, "stale-if-error"); err != nil {
		m.logger.Warn("stale-if-error transmission failed", slog.Any("error", err))
		panic(cause)
	}
	go m.markUsed(res.Ref)
	m.metrics.ObserveStaleServed(metrics.StaleIfError)
	m.logger.Info("served stale response after downstream failure", slog.String("url", creq.URL))
	panic(cause)
}

// submitWriteback hands the committed response to the bounded pool. The
// request path never waits for the write; saturation drops it.
func (m *Middleware) submitWriteback(creq *engine.CacheRequest, cresp *engine.CacheResponse, tags []string) {
	admitted := m.pool.trySubmit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), writebackTimeout)
		defer cancel()
		start := time.Now()
		outcome, err := m.engine.Write(ctx, creq, cresp, tags)
		duration := time.Since(start)
		if err != nil {
			m.metrics.ObserveWriteback(metrics.WriteError, duration)
			m.logger.Warn("cache write failed", slog.String("url", creq.URL), slog.Any("error", err))
			return
		}
		switch outcome {
		case engine.Written:
			m.metrics.ObserveWriteback(metrics.WriteStored, duration)
		case engine.NotCacheable:
			m.metrics.ObserveWriteback(metrics.WriteNotCacheable, duration)
		}
	})
	if !admitted {
		m.metrics.ObserveWriteback(metrics.WriteOverloaded, 0)
		m.logger.Debug("write-back pool saturated, dropping write", slog.String("url", creq.URL))
	}
}

func (m *Middleware) markUsed(ref engine.EntryRef) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.engine.MarkUsed(ctx, ref); err != nil {
		m.logger.Debug("mark used failed", slog.Any("error", err))
	}
}
