package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	ktoml "github.com/knadh/koanf/parsers/toml"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file >
// default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective configuration snapshot.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"cache.autocompress":                  "cache.autoCompress",
			"cache.autoacceptencoding":            "cache.autoAcceptEncoding",
			"cache.stalewhilerevalidate":          "cache.staleWhileRevalidate",
			"cache.writeback.maxworkers":          "cache.writeback.maxWorkers",
			"cache.engine.defaultttlseconds":      "cache.engine.defaultTtlSeconds",
			"cache.engine.spill.thresholdbytes":   "cache.engine.spill.thresholdBytes",
			"cache.engine.valkey.tls.cafile":      "cache.engine.valkey.tls.caFile",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path
			// (CACHE__ENGINE__BACKEND -> cache.engine.backend).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return kyaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return ktoml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension: %s", path)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"origin": map[string]any{
			"url":  cfg.Origin.URL,
			"host": cfg.Origin.Host,
		},
		"cache": map[string]any{
			"store": cfg.Cache.Store,
			"type":  cfg.Cache.Type,
			"writeback": map[string]any{
				"maxWorkers": cfg.Cache.Writeback.MaxWorkers,
			},
			"engine": map[string]any{
				"backend":           cfg.Cache.Engine.Backend,
				"defaultTtlSeconds": cfg.Cache.Engine.DefaultTTLSeconds,
				"spill": map[string]any{
					"folder":         cfg.Cache.Engine.Spill.Folder,
					"thresholdBytes": cfg.Cache.Engine.Spill.ThresholdBytes,
				},
				"valkey": map[string]any{
					"address":  cfg.Cache.Engine.Valkey.Address,
					"username": cfg.Cache.Engine.Valkey.Username,
					"password": cfg.Cache.Engine.Valkey.Password,
					"db":       cfg.Cache.Engine.Valkey.DB,
					"tls": map[string]any{
						"enabled": cfg.Cache.Engine.Valkey.TLS.Enabled,
						"caFile":  cfg.Cache.Engine.Valkey.TLS.CAFile,
					},
				},
			},
		},
	}
}
