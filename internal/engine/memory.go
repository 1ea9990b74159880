package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MemoryConfig tunes the in-process reference backend.
type MemoryConfig struct {
	// DefaultTTL applies to 200 responses without freshness directives.
	// Zero means such responses are not cached.
	DefaultTTL time.Duration
	// SpillDir, when set, receives bodies of at least SpillThreshold bytes as
	// files; lookups then return file-reference payloads.
	SpillDir       string
	SpillThreshold int64
}

type memoryEngine struct {
	opts Options
	cfg  MemoryConfig

	mu          sync.Mutex
	entries     map[string]storedEntry
	tags        map[string]map[string]struct{}
	used        map[string]int64
	downloading map[string]string
}

// NewMemory builds the in-process engine backend. The options are validated
// here so a missing store surfaces at setup time.
func NewMemory(opts Options, cfg MemoryConfig) (Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if cfg.SpillDir != "" {
		if err := os.MkdirAll(cfg.SpillDir, 0o755); err != nil {
			return nil, fmt.Errorf("engine: create spill dir: %w", err)
		}
	}
	return &memoryEngine{
		opts:        opts,
		cfg:         cfg,
		entries:     make(map[string]storedEntry),
		tags:        make(map[string]map[string]struct{}),
		used:        make(map[string]int64),
		downloading: make(map[string]string),
	}, nil
}

func (m *memoryEngine) Lookup(_ context.Context, req *CacheRequest, policy LookupPolicy) (LookupResult, error) {
	key := cacheKey(req, m.opts)
	now := time.Now()

	m.mu.Lock()
	entry, ok := m.entries[key]
	if ok && now.Sub(entry.StoredAt) > entry.retention() {
		delete(m.entries, key)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return LookupResult{Outcome: Miss}, nil
	}

	reqd := ParseRequestDirectives(req.Header.Get("Cache-Control"))
	outcome := entry.classify(reqd, policy, now)
	if outcome == Miss {
		return LookupResult{Outcome: Miss}, nil
	}

	var body Payload
	if entry.FilePath != "" {
		body = FileRef{Path: entry.FilePath, Offset: entry.FileOffset, Length: entry.FileLength}
	} else {
		body = BytesPayload(entry.Body)
	}
	return LookupResult{Outcome: outcome, Ref: EntryRef(key), Response: entry.response(body)}, nil
}

func (m *memoryEngine) Write(_ context.Context, req *CacheRequest, resp *CacheResponse, tags []string) (WriteOutcome, error) {
	entry, ok := buildEntry(resp, m.opts, m.cfg.DefaultTTL, time.Now())
	if !ok {
		return NotCacheable, nil
	}
	key := cacheKey(req, m.opts)

	if m.cfg.SpillDir != "" && int64(len(entry.Body)) >= m.cfg.SpillThreshold && len(entry.Body) > 0 {
		path, err := m.spill(key, entry.Body)
		if err != nil {
			return NotCacheable, err
		}
		entry.FilePath = path
		entry.FileOffset = 0
		entry.FileLength = int64(len(entry.Body))
		entry.Body = nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry
	delete(m.downloading, key)
	for _, tag := range tags {
		keys, ok := m.tags[tag]
		if !ok {
			keys = make(map[string]struct{})
			m.tags[tag] = keys
		}
		keys[key] = struct{}{}
	}
	return Written, nil
}

func (m *memoryEngine) MarkUsed(_ context.Context, ref EntryRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used[string(ref)]++
	return nil
}

func (m *memoryEngine) MarkDownloading(_ context.Context, req *CacheRequest, handlerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloading[cacheKey(req, m.opts)] = handlerID
	return nil
}

func (m *memoryEngine) InvalidateByTag(_ context.Context, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.tags[tag] {
		delete(m.entries, key)
	}
	delete(m.tags, tag)
	return nil
}

func (m *memoryEngine) spill(key string, body []byte) (string, error) {
	sum := sha256.Sum256([]byte(key))
	path := filepath.Join(m.cfg.SpillDir, hex.EncodeToString(sum[:16])+".body")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("engine: spill body: %w", err)
	}
	return path, nil
}
