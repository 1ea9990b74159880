package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/l0p7/cachegate/internal/engine"
)

// maybeRevalidate kicks off a background refresh for a stale entry that
// carries a stale-while-revalidate grant. The replay is detached from the
// triggering request; its response goes nowhere, only the resulting
// write-back matters.
func (m *Middleware) maybeRevalidate(r *http.Request, creq *engine.CacheRequest, cached *engine.CacheResponse) {
	if !m.opts.StaleWhileRevalidate {
		return
	}
	directives := engine.ParseResponseDirectives(cached.Header.Get("Cache-Control"))
	if directives.StaleWhileRevalidate == nil {
		return
	}
	chain := m.chain.Load()
	if chain == nil {
		return
	}
	m.metrics.ObserveRevalidation()
	go m.replay(*chain, replayRequest(r, creq, cached))
}

// replayRequest clones the triggering request into a self-contained copy that
// survives the original's cancellation. The forced max-stale=0 directive keeps
// the replay from being answered by the very stale entry it is refreshing,
// and the conditional headers let the downstream origin answer 304 cheaply.
func replayRequest(r *http.Request, creq *engine.CacheRequest, cached *engine.CacheResponse) *http.Request {
	replay := r.Clone(context.WithoutCancel(r.Context()))
	replay.Header.Set("Cache-Control", engine.AppendDirective(replay.Header.Get("Cache-Control"), "max-stale=0"))
	if etag := cached.Header.Get("Etag"); etag != "" {
		replay.Header.Set("If-None-Match", etag)
	}
	if modified := cached.Header.Get("Last-Modified"); modified != "" {
		replay.Header.Set("If-Modified-Since", modified)
	}
	if len(creq.Body) > 0 {
		replay.Body = io.NopCloser(bytes.NewReader(creq.Body))
		replay.ContentLength = int64(len(creq.Body))
	} else {
		replay.Body = http.NoBody
		replay.ContentLength = 0
	}
	return replay
}

// replay runs the clone through the full pipeline into a discarding writer. A
// panicking downstream handler is swallowed here; there is no client to
// inform and the stale entry stays servable.
func (m *Middleware) replay(chain http.Handler, r *http.Request) {
	defer func() {
		if cause := recover(); cause != nil {
			m.logger.Debug("revalidation replay failed", slog.Any("cause", cause))
		}
	}()
	m.logger.Debug("revalidating stale entry", slog.String("url", r.URL.String()))
	chain.ServeHTTP(newDiscardWriter(), r)
}
