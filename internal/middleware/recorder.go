package middleware

import (
	"bytes"
	"net/http"

	"github.com/l0p7/cachegate/internal/engine"
)

// responseRecorder tees the downstream handler's response so it can be sent
// to the client and, once committed, handed to the write-back pool. The
// Committed flag is the explicit "transmission committed" state the
// error-interception path checks before attempting a fallback.
type responseRecorder struct {
	http.ResponseWriter
	status    int
	committed bool
	body      bytes.Buffer
}

func newRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w}
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.committed {
		return
	}
	r.status = status
	r.committed = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if !r.committed {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

func (r *responseRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Committed reports whether a status line has been written to the client.
func (r *responseRecorder) Committed() bool {
	return r.committed
}

// snapshot builds the immutable response tuple for write-back. Call only
// after the response has been committed.
func (r *responseRecorder) snapshot() *engine.CacheResponse {
	body := make([]byte, r.body.Len())
	copy(body, r.body.Bytes())
	return &engine.CacheResponse{
		StatusCode: r.status,
		Header:     r.Header().Clone(),
		Body:       engine.BytesPayload(body),
	}
}

// discardWriter absorbs the response of a revalidation replay; no caller is
// waiting on it.
type discardWriter struct {
	header http.Header
}

func newDiscardWriter() *discardWriter {
	return &discardWriter{header: make(http.Header)}
}

func (w *discardWriter) Header() http.Header       { return w.header }
func (w *discardWriter) WriteHeader(int)           {}
func (w *discardWriter) Write(p []byte) (int, error) { return len(p), nil }
