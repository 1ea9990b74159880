package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config holds every server-level option for the caching gateway.
type Config struct {
	Server ServerConfig `koanf:"server"`
	Origin OriginConfig `koanf:"origin"`
	Cache  CacheConfig  `koanf:"cache"`
}

// ServerConfig collects the bootstrap knobs for the HTTP lifecycle.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// OriginConfig names the downstream server the gateway fronts.
type OriginConfig struct {
	// URL of the origin server, scheme and host. Paths are not supported.
	URL string `koanf:"url"`
	// Host overrides the Host header and TLS server name when the URL is
	// an address rather than a name.
	Host string `koanf:"host"`
}

// CacheConfig carries the engine options, the write-back pool sizing, the
// backend selection, and the bypass rules.
type CacheConfig struct {
	// Store is the backend store identifier handed to the engine on every
	// call. Mandatory.
	Store string `koanf:"store"`
	// Type selects shared or private cache semantics.
	Type                 string          `koanf:"type"`
	AutoCompress         *bool           `koanf:"autoCompress"`
	AutoAcceptEncoding   *bool           `koanf:"autoAcceptEncoding"`
	StaleWhileRevalidate *bool           `koanf:"staleWhileRevalidate"`
	Writeback            WritebackConfig `koanf:"writeback"`
	Engine               EngineConfig    `koanf:"engine"`
	// Bypass lists CEL expressions over the request; any expression that
	// evaluates to true routes the request straight to the origin.
	Bypass []string `koanf:"bypass"`
}

// WritebackConfig sizes the bounded write-back pool.
type WritebackConfig struct {
	MaxWorkers int `koanf:"maxWorkers"`
}

// EngineConfig selects and tunes the cache engine backend.
type EngineConfig struct {
	Backend           string             `koanf:"backend"`
	DefaultTTLSeconds int                `koanf:"defaultTtlSeconds"`
	Spill             SpillConfig        `koanf:"spill"`
	Valkey            ValkeyEngineConfig `koanf:"valkey"`
}

// SpillConfig enables disk spill of large bodies in the memory backend.
type SpillConfig struct {
	Folder         string `koanf:"folder"`
	ThresholdBytes int64  `koanf:"thresholdBytes"`
}

// ValkeyEngineConfig connects the valkey backend.
type ValkeyEngineConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

// ValkeyTLSConfig toggles TLS toward valkey.
type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// Validate enforces invariants before any request is served. A missing store
// identifier is a configuration error here, never a request-time one.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if strings.TrimSpace(c.Origin.URL) == "" {
		return errors.New("config: origin.url required")
	}
	if strings.TrimSpace(c.Cache.Store) == "" {
		return errors.New("config: cache.store required")
	}
	switch strings.TrimSpace(strings.ToLower(c.Cache.Type)) {
	case "", "shared", "private":
	default:
		return fmt.Errorf("config: cache.type unsupported: %s", c.Cache.Type)
	}
	if c.Cache.Writeback.MaxWorkers < 0 {
		return fmt.Errorf("config: cache.writeback.maxWorkers invalid: %d", c.Cache.Writeback.MaxWorkers)
	}
	if c.Cache.Engine.DefaultTTLSeconds < 0 {
		return fmt.Errorf("config: cache.engine.defaultTtlSeconds invalid: %d", c.Cache.Engine.DefaultTTLSeconds)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Cache.Engine.Backend))
	switch backend {
	case "", "memory":
	case "valkey":
		if strings.TrimSpace(c.Cache.Engine.Valkey.Address) == "" {
			return errors.New("config: cache.engine.valkey.address required for valkey backend")
		}
	default:
		return fmt.Errorf("config: cache.engine.backend unsupported: %s", c.Cache.Engine.Backend)
	}
	return nil
}

// DefaultConfig returns the baseline values. The store identifier has no
// default on purpose: callers must supply one.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		Cache: CacheConfig{
			Type: "shared",
			Writeback: WritebackConfig{
				MaxWorkers: 16,
			},
			Engine: EngineConfig{
				Backend: "memory",
			},
		},
	}
}
