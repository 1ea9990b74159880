package engine

import (
	"strconv"
	"strings"
	"time"
)

// ResponseDirectives holds the Cache-Control directives of a stored response
// that matter for freshness and grace windows.
type ResponseDirectives struct {
	MaxAge               *int // max-age value in seconds
	SMaxAge              *int // s-maxage value in seconds (shared caches only)
	NoStore              bool
	NoCache              bool
	Private              bool
	StaleWhileRevalidate *int // grace window for background revalidation, seconds
	StaleIfError         *int // grace window for error fallback, seconds
}

// RequestDirectives holds the client-supplied Cache-Control directives the
// engine interprets on lookup.
type RequestDirectives struct {
	NoStore      bool
	MaxStale     *int // staleness tolerance in seconds; nil when absent
	StaleIfError *int
}

// ParseResponseDirectives parses a response Cache-Control header value.
// Unknown directives are ignored. When a directive repeats, the last
// occurrence wins.
func ParseResponseDirectives(header string) ResponseDirectives {
	var d ResponseDirectives
	for key, value := range directives(header) {
		switch key {
		case "max-age":
			if v, ok := seconds(value); ok {
				d.MaxAge = &v
			}
		case "s-maxage":
			if v, ok := seconds(value); ok {
				d.SMaxAge = &v
			}
		case "no-store":
			d.NoStore = true
		case "no-cache":
			d.NoCache = true
		case "private":
			d.Private = true
		case "stale-while-revalidate":
			if v, ok := seconds(value); ok {
				d.StaleWhileRevalidate = &v
			}
		case "stale-if-error":
			if v, ok := seconds(value); ok {
				d.StaleIfError = &v
			}
		}
	}
	return d
}

// ParseRequestDirectives parses a request Cache-Control header value.
// A bare max-stale (no value) means unlimited tolerance and parses as a very
// large window. Last occurrence wins, which is what lets a replay append
// max-stale=0 over whatever the original client sent.
func ParseRequestDirectives(header string) RequestDirectives {
	var d RequestDirectives
	for key, value := range directives(header) {
		switch key {
		case "no-store":
			d.NoStore = true
		case "max-stale":
			if value == "" {
				unlimited := int(unlimitedStale / time.Second)
				d.MaxStale = &unlimited
			} else if v, ok := seconds(value); ok {
				d.MaxStale = &v
			}
		case "stale-if-error":
			if v, ok := seconds(value); ok {
				d.StaleIfError = &v
			}
		}
	}
	return d
}

const unlimitedStale = 100 * 365 * 24 * time.Hour

// FreshnessLifetime derives the entry's freshness window. Shared caches prefer
// s-maxage; private caches ignore it. Returns nil when no directive applies,
// letting the backend fall back to its configured default TTL.
func (d ResponseDirectives) FreshnessLifetime(shared bool) *time.Duration {
	if shared && d.SMaxAge != nil {
		ttl := time.Duration(*d.SMaxAge) * time.Second
		return &ttl
	}
	if d.MaxAge != nil {
		ttl := time.Duration(*d.MaxAge) * time.Second
		return &ttl
	}
	return nil
}

// AppendDirective appends a directive to a Cache-Control header value,
// preserving whatever directives are already present.
func AppendDirective(header, directive string) string {
	if strings.TrimSpace(header) == "" {
		return directive
	}
	return header + ", " + directive
}

func directives(header string) func(func(string, string) bool) {
	return func(yield func(string, string) bool) {
		for _, part := range strings.Split(header, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			key, value, _ := strings.Cut(part, "=")
			key = strings.ToLower(strings.TrimSpace(key))
			value = strings.TrimSpace(strings.Trim(strings.TrimSpace(value), `"`))
			if !yield(key, value) {
				return
			}
		}
	}
}

func seconds(value string) (int, bool) {
	v, err := strconv.Atoi(value)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
