package middleware

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/l0p7/cachegate/internal/engine"
)

// newCacheRequest converts the incoming request into the engine's canonical
// tuple. The body, when present, is read and rewound so the downstream
// handler still sees it.
func newCacheRequest(r *http.Request) (*engine.CacheRequest, error) {
	body, err := captureBody(r)
	if err != nil {
		return nil, err
	}
	return &engine.CacheRequest{
		Method: r.Method,
		URL:    canonicalURL(r),
		Header: r.Header.Clone(),
		Body:   body,
	}, nil
}

// canonicalURL composes scheme://host[:port]/path[?query], eliding the port
// when it equals the scheme's default and re-encoding the query string so
// semantically identical but differently-encoded forms collide.
func canonicalURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if name, port, err := net.SplitHostPort(host); err == nil {
		if port == defaultPort(scheme) {
			host = name
		}
	}

	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)
	if query := canonicalQuery(r.URL.RawQuery); query != "" {
		b.WriteByte('?')
		b.WriteString(query)
	}
	return b.String()
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

// canonicalQuery decomposes the query string into key/value pairs and
// recomposes them with canonical percent-encoding and a stable key order.
// An unparseable query is kept verbatim: a non-conforming key is better than
// a colliding one.
func canonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	return values.Encode()
}

// captureBody reads and buffers the request body, rewinding it for the
// downstream handler. An absent or empty body yields nil.
func captureBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("middleware: read request body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

// writeCached transmits a cached response. Byte payloads are written
// directly; file-reference payloads are served from the backing file, which
// lets net/http use zero-copy sendfile on supported connections. A vanished
// backing file surfaces as engine.ErrPayloadMissing before anything has been
// written, so the caller can still fall back to the miss path.
func writeCached(w http.ResponseWriter, resp *engine.CacheResponse, cacheStatus string) error {
	switch body := resp.Body.(type) {
	case engine.BytesPayload:
		writeCachedHeader(w, resp, cacheStatus, int64(len(body)))
		_, err := w.Write(body)
		return err
	case engine.FileRef:
		f, err := os.Open(body.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return engine.ErrPayloadMissing
			}
			return fmt.Errorf("middleware: open payload file: %w", err)
		}
		defer f.Close()
		if body.Offset > 0 {
			if _, err := f.Seek(body.Offset, io.SeekStart); err != nil {
				return fmt.Errorf("middleware: seek payload file: %w", err)
			}
		}
		writeCachedHeader(w, resp, cacheStatus, body.Length)
		_, err = io.CopyN(w, f, body.Length)
		return err
	default:
		return fmt.Errorf("middleware: unhandled payload variant %T", resp.Body)
	}
}

func writeCachedHeader(w http.ResponseWriter, resp *engine.CacheResponse, cacheStatus string, length int64) {
	header := w.Header()
	for name, values := range resp.Header {
		for _, value := range values {
			header.Add(name, value)
		}
	}
	if length >= 0 {
		header.Set("Content-Length", strconv.FormatInt(length, 10))
	}
	header.Set("Cache-Status", "cachegate; "+cacheStatus)
	w.WriteHeader(resp.StatusCode)
}
