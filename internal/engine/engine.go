package engine

import (
	"context"
	"errors"
	"net/http"
)

// ErrPayloadMissing signals that a file-backed response body vanished between
// cache write and serve. Callers treat it exactly like a miss.
var ErrPayloadMissing = errors.New("engine: payload missing")

// CacheRequest is the canonical request tuple handed to the engine. The URL is
// already canonicalized (scheme, host, default-port elision, re-encoded query)
// and Body is a deterministic serialization of the request body, empty when no
// body was supplied. Instances are never mutated after construction; replays
// and write-backs always build fresh ones.
type CacheRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Payload is the response body variant: either bytes held in memory or a
// reference into a file on disk. Emission code type-switches over the two
// concrete forms.
type Payload interface {
	payload()
}

// BytesPayload is an in-memory response body.
type BytesPayload []byte

func (BytesPayload) payload() {}

// FileRef names a byte range of a file backing the response body, enabling
// zero-copy transmission.
type FileRef struct {
	Path   string
	Offset int64
	Length int64
}

func (FileRef) payload() {}

// CacheResponse is the canonical response tuple. Immutable once built.
type CacheResponse struct {
	StatusCode int
	Header     http.Header
	Body       Payload
}

// EntryRef is the opaque handle returned alongside a fresh or stale lookup
// result. Its only use is being passed back to MarkUsed; it carries no other
// meaning and is never persisted.
type EntryRef string

// Outcome classifies a lookup result.
type Outcome int

const (
	Miss Outcome = iota
	Fresh
	Stale
)

func (o Outcome) String() string {
	switch o {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

// LookupResult carries the outcome of a lookup. Ref and Response are set only
// for Fresh and Stale outcomes.
type LookupResult struct {
	Outcome  Outcome
	Ref      EntryRef
	Response *CacheResponse
}

// LookupPolicy adjusts how a single lookup interprets stale entries.
// AllowStaleIfError permits a stale result when (and only when) the entry's or
// request's stale-if-error directive authorizes it; it is set exclusively by
// the error-interception fallback path.
type LookupPolicy struct {
	AllowStaleIfError bool
}

// WriteOutcome reports what the engine did with a write.
type WriteOutcome int

const (
	Written WriteOutcome = iota
	NotCacheable
)

func (o WriteOutcome) String() string {
	if o == NotCacheable {
		return "not_cacheable"
	}
	return "written"
}

// Engine is the boundary to the external cache engine. An Engine instance is
// bound to one resolved Options set at construction time, so every ref it
// hands out is interpreted under the same options it was produced with.
type Engine interface {
	// Lookup resolves the request against the store.
	Lookup(ctx context.Context, req *CacheRequest, policy LookupPolicy) (LookupResult, error)
	// Write persists a response with its deduplicated alternate keys.
	Write(ctx context.Context, req *CacheRequest, resp *CacheResponse, tags []string) (WriteOutcome, error)
	// MarkUsed notifies the engine that a looked-up entry was served.
	// Best effort; callers do not rely on its completion.
	MarkUsed(ctx context.Context, ref EntryRef) error
	// MarkDownloading hints that handlerID is producing a response for req.
	MarkDownloading(ctx context.Context, req *CacheRequest, handlerID string) error
	// InvalidateByTag removes every entry carrying the alternate key.
	InvalidateByTag(ctx context.Context, tag string) error
}
