package middleware

import (
	"context"
	"net/http"
	"sort"
	"sync"
)

type tagSetKey struct{}

// tagSet accumulates alternate keys during downstream handler execution. It is
// attached to the request context on the miss path and consumed exactly once
// when the response is handed to the write-back pool.
type tagSet struct {
	mu   sync.Mutex
	tags []string
}

func withTagSet(ctx context.Context, set *tagSet) context.Context {
	return context.WithValue(ctx, tagSetKey{}, set)
}

func tagSetFrom(ctx context.Context) *tagSet {
	set, _ := ctx.Value(tagSetKey{}).(*tagSet)
	return set
}

func (s *tagSet) add(tags []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = append(s.tags, tags...)
}

// values returns the deduplicated alternate keys in a stable order.
func (s *tagSet) values() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(s.tags))
	out := make([]string, 0, len(s.tags))
	for _, tag := range s.tags {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// TagResponse attaches one or more alternate keys to the response the
// downstream handler is producing, enabling later invalidation by tag.
// Repeated identical tags are deduplicated at write time. It reports whether
// the request is on a cacheable path; on hits and bypassed requests there is
// nothing to tag and the call is a no-op.
func TagResponse(r *http.Request, tags ...string) bool {
	set := tagSetFrom(r.Context())
	if set == nil || len(tags) == 0 {
		return set != nil
	}
	set.add(tags)
	return true
}
