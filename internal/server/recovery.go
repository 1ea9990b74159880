package server

import (
	"log/slog"
	"net/http"
)

// withRecovery is the outermost safety net around the cache pipeline. Origin
// failures travel upward as panics so the pipeline can attempt a stale
// fallback; whatever still reaches this layer uncommitted becomes a 502.
func withRecovery(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		committed := &commitTracker{ResponseWriter: w}
		defer func() {
			cause := recover()
			if cause == nil {
				return
			}
			if cause == http.ErrAbortHandler {
				panic(cause)
			}
			logger.Error("request failed",
				slog.String("method", r.Method),
				slog.String("url", r.URL.String()),
				slog.Any("cause", cause))
			if !committed.committed {
				http.Error(committed, "bad gateway", http.StatusBadGateway)
			}
		}()
		next.ServeHTTP(committed, r)
	})
}

type commitTracker struct {
	http.ResponseWriter
	committed bool
}

func (c *commitTracker) WriteHeader(status int) {
	c.committed = true
	c.ResponseWriter.WriteHeader(status)
}

func (c *commitTracker) Write(p []byte) (int, error) {
	if !c.committed {
		c.committed = true
	}
	return c.ResponseWriter.Write(p)
}

func (c *commitTracker) Flush() {
	if flusher, ok := c.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
