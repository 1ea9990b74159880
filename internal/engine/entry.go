package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

// storedEntry is the persisted form shared by the reference backends. The
// body is either inline bytes or a file reference produced by disk spill.
type storedEntry struct {
	Status     int                 `json:"status"`
	Header     map[string][]string `json:"header"`
	Body       []byte              `json:"body,omitempty"`
	FilePath   string              `json:"filePath,omitempty"`
	FileOffset int64               `json:"fileOffset,omitempty"`
	FileLength int64               `json:"fileLength,omitempty"`
	Compressed bool                `json:"compressed,omitempty"`
	StoredAt   time.Time           `json:"storedAt"`
	TTL        time.Duration       `json:"ttl"`
	SWR        time.Duration       `json:"swr"`
	SIE        time.Duration       `json:"sie"`
}

// cacheKey derives the store-scoped entry key. The body participates only
// when present; Accept-Encoding participates only when auto_accept_encoding
// is disabled.
func cacheKey(req *CacheRequest, opts Options) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n", req.Method, req.URL)
	if len(req.Body) > 0 {
		h.Write(req.Body)
	}
	if !opts.AutoAcceptEncoding {
		fmt.Fprintf(h, "\nae:%s", req.Header.Get("Accept-Encoding"))
	}
	return opts.Store + ":" + hex.EncodeToString(h.Sum(nil))
}

var cacheableStatus = map[int]bool{
	http.StatusOK:                  true,
	http.StatusNonAuthoritativeInfo: true,
	http.StatusNoContent:           true,
	http.StatusMovedPermanently:    true,
	http.StatusNotFound:            true,
	http.StatusGone:                true,
}

// buildEntry evaluates storability and produces the persisted form.
// defaultTTL applies to 200 responses carrying no freshness directive at all;
// zero means such responses are not cached.
func buildEntry(resp *CacheResponse, opts Options, defaultTTL time.Duration, now time.Time) (storedEntry, bool) {
	if !cacheableStatus[resp.StatusCode] {
		return storedEntry{}, false
	}
	d := ParseResponseDirectives(resp.Header.Get("Cache-Control"))
	if d.NoStore {
		return storedEntry{}, false
	}
	if d.Private && opts.Type == TypeShared {
		return storedEntry{}, false
	}

	// An explicit max-age=0 is storable: the entry is immediately stale but
	// still servable through its grace windows.
	var ttl time.Duration
	lifetime := d.FreshnessLifetime(opts.Type == TypeShared)
	switch {
	case lifetime != nil:
		ttl = *lifetime
	case resp.StatusCode == http.StatusOK && defaultTTL > 0:
		ttl = defaultTTL
	default:
		return storedEntry{}, false
	}

	e := storedEntry{
		Status:   resp.StatusCode,
		Header:   resp.Header,
		StoredAt: now,
		TTL:      ttl,
	}
	if d.StaleWhileRevalidate != nil {
		e.SWR = time.Duration(*d.StaleWhileRevalidate) * time.Second
	}
	if d.StaleIfError != nil {
		e.SIE = time.Duration(*d.StaleIfError) * time.Second
	}
	switch body := resp.Body.(type) {
	case BytesPayload:
		e.Body = body
	case FileRef:
		e.FilePath = body.Path
		e.FileOffset = body.Offset
		e.FileLength = body.Length
	}
	return e, true
}

// retention is how long the entry stays stored: freshness plus the widest
// grace window, plus slack so request-side tolerance directives (max-stale,
// stale-if-error) can still reach entries whose own windows have closed.
func (e storedEntry) retention() time.Duration {
	grace := e.SWR
	if e.SIE > grace {
		grace = e.SIE
	}
	return e.TTL + grace + time.Minute
}

// classify maps the entry's age against the request's directives.
// Stale is returned only when something authorizes serving it: the
// stale-if-error window under the fallback permission flag, an explicit
// max-stale tolerance covering the excess age, or (absent any max-stale
// directive) an unexpired stale-while-revalidate window. An explicit
// max-stale=0 therefore always yields Fresh or Miss, which is what keeps
// revalidation replays from cascading.
func (e storedEntry) classify(req RequestDirectives, policy LookupPolicy, now time.Time) Outcome {
	age := now.Sub(e.StoredAt)
	if age <= e.TTL {
		return Fresh
	}
	excess := age - e.TTL

	if policy.AllowStaleIfError {
		window := e.SIE
		if req.StaleIfError != nil {
			if w := time.Duration(*req.StaleIfError) * time.Second; w > window {
				window = w
			}
		}
		if excess <= window {
			return Stale
		}
	}
	if req.MaxStale != nil {
		if excess <= time.Duration(*req.MaxStale)*time.Second {
			return Stale
		}
		return Miss
	}
	if excess <= e.SWR {
		return Stale
	}
	return Miss
}

// response rebuilds the canonical response tuple from the persisted form.
func (e storedEntry) response(body Payload) *CacheResponse {
	header := make(http.Header, len(e.Header))
	for name, values := range e.Header {
		for _, value := range values {
			header.Add(name, value)
		}
	}
	return &CacheResponse{StatusCode: e.Status, Header: header, Body: body}
}
