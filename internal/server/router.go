package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/l0p7/cachegate/internal/config"
	"github.com/l0p7/cachegate/internal/metrics"
)

// Invalidator is the operator-facing surface the router needs from the cache
// pipeline beyond plain request serving.
type Invalidator interface {
	InvalidateByTag(ctx context.Context, tag string) error
}

// Router dispatches between the operational endpoints and the hot-swappable
// cache pipeline. The router itself never changes across config reloads; only
// the pipeline behind it is swapped.
type Router struct {
	logger  *slog.Logger
	metrics *metrics.Recorder

	pipeline    atomic.Pointer[http.Handler]
	invalidator atomic.Pointer[Invalidator]
}

// NewRouter builds the dispatch surface. Swap must be called before the first
// proxied request; until then the pipeline answers 503.
func NewRouter(logger *slog.Logger, recorder *metrics.Recorder) *Router {
	return &Router{
		logger:  logger.With(slog.String("agent", "router")),
		metrics: recorder,
	}
}

// Swap installs a new cache pipeline, replacing the previous one atomically.
// In-flight requests finish on the pipeline they started with.
func (rt *Router) Swap(pipeline http.Handler, invalidator Invalidator) {
	pipeline = withRecovery(pipeline, rt.logger)
	rt.pipeline.Store(&pipeline)
	if invalidator != nil {
		rt.invalidator.Store(&invalidator)
	}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/metrics":
		rt.metrics.Handler().ServeHTTP(w, r)
	case "/-/healthz":
		rt.serveHealth(w, r)
	case "/-/invalidate":
		rt.serveInvalidate(w, r)
	default:
		pipeline := rt.pipeline.Load()
		if pipeline == nil {
			http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
			return
		}
		(*pipeline).ServeHTTP(w, r)
	}
}

func (rt *Router) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// serveInvalidate removes every cached entry carrying the requested tag.
// POST /-/invalidate?tag=<tag>
func (rt *Router) serveInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tag := strings.TrimSpace(r.URL.Query().Get("tag"))
	if tag == "" {
		http.Error(w, "tag parameter required", http.StatusBadRequest)
		return
	}
	invalidator := rt.invalidator.Load()
	if invalidator == nil {
		http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := (*invalidator).InvalidateByTag(r.Context(), tag); err != nil {
		rt.logger.Warn("tag invalidation failed", slog.String("tag", tag), slog.Any("error", err))
		http.Error(w, "invalidation failed", http.StatusInternalServerError)
		return
	}
	rt.logger.Info("tag invalidated", slog.String("tag", tag))
	w.WriteHeader(http.StatusNoContent)
}

// NewProxy builds the reverse proxy toward the configured origin. When
// cfg.Host is set it overrides the Host header and the TLS server name, which
// lets the origin URL point at a bare address.
func NewProxy(cfg config.OriginConfig, logger *slog.Logger) (http.Handler, error) {
	origin, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("server: parse origin url: %w", err)
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return nil, fmt.Errorf("server: origin url scheme unsupported: %q", origin.Scheme)
	}
	if origin.Host == "" {
		return nil, fmt.Errorf("server: origin url has no host: %q", cfg.URL)
	}

	hostHeader := origin.Host
	transport := http.DefaultTransport
	if cfg.Host != "" {
		hostHeader = cfg.Host
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{ServerName: cfg.Host},
		}
	}

	proxyLogger := logger.With(slog.String("agent", "proxy"))
	return &httputil.ReverseProxy{
		Director:  originDirector(origin.Scheme, origin.Host, hostHeader),
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			proxyLogger.Warn("origin request failed",
				slog.String("method", r.Method),
				slog.String("url", r.URL.String()),
				slog.Any("error", err))
			// The panic is the unrecovered-failure signal the cache pipeline
			// turns into a stale-if-error fallback.
			panic(fmt.Errorf("server: origin request failed: %w", err))
		},
	}, nil
}

func originDirector(scheme, host, hostHeader string) func(*http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}
