package engine

import (
	"errors"
	"fmt"
	"strings"
)

// CacheType selects between shared and private cache semantics. Shared caches
// refuse responses marked private.
type CacheType string

const (
	TypeShared  CacheType = "shared"
	TypePrivate CacheType = "private"
)

// Options parameterize every engine call. Store is the backend store
// identifier and is mandatory; its absence is a configuration error raised at
// setup, never at request time.
type Options struct {
	Store                string
	Type                 CacheType
	AutoCompress         bool
	AutoAcceptEncoding   bool
	StaleWhileRevalidate bool
}

// Overrides are the caller-supplied option overrides merged over the defaults.
// Nil fields keep the default.
type Overrides struct {
	Store                string
	Type                 *CacheType
	AutoCompress         *bool
	AutoAcceptEncoding   *bool
	StaleWhileRevalidate *bool
}

// DefaultOptions returns the system defaults. Store is intentionally empty:
// callers must supply it.
func DefaultOptions() Options {
	return Options{
		Type:                 TypeShared,
		AutoCompress:         true,
		AutoAcceptEncoding:   true,
		StaleWhileRevalidate: true,
	}
}

// ResolveOptions merges overrides over defaults. It runs once per setup and
// the result is never re-merged per request.
func ResolveOptions(defaults Options, overrides Overrides) (Options, error) {
	opts := defaults
	if overrides.Store != "" {
		opts.Store = overrides.Store
	}
	if overrides.Type != nil {
		opts.Type = *overrides.Type
	}
	if overrides.AutoCompress != nil {
		opts.AutoCompress = *overrides.AutoCompress
	}
	if overrides.AutoAcceptEncoding != nil {
		opts.AutoAcceptEncoding = *overrides.AutoAcceptEncoding
	}
	if overrides.StaleWhileRevalidate != nil {
		opts.StaleWhileRevalidate = *overrides.StaleWhileRevalidate
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate enforces the setup-time invariants.
func (o Options) Validate() error {
	if strings.TrimSpace(o.Store) == "" {
		return errors.New("engine: store identifier required")
	}
	switch o.Type {
	case TypeShared, TypePrivate:
	default:
		return fmt.Errorf("engine: cache type unsupported: %q", o.Type)
	}
	return nil
}
