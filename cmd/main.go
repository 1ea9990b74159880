package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/cachegate/internal/config"
	"github.com/l0p7/cachegate/internal/engine"
	"github.com/l0p7/cachegate/internal/expr"
	"github.com/l0p7/cachegate/internal/logging"
	"github.com/l0p7/cachegate/internal/metrics"
	"github.com/l0p7/cachegate/internal/middleware"
	"github.com/l0p7/cachegate/internal/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to gateway configuration file")
		envPrefix  = flag.String("env-prefix", "CACHEGATE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)
	router := server.NewRouter(logger, recorder)

	pipeline, mw, err := buildPipeline(cfg, logger, recorder)
	if err != nil {
		logger.Error("pipeline setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	router.Swap(pipeline, mw)

	if *configFile != "" {
		watcher, err := loader.Watch(ctx, func(next config.Config) {
			rebuilt, nextMw, err := buildPipeline(next, logger, recorder)
			if err != nil {
				logger.Error("config reload rejected", slog.Any("error", err))
				return
			}
			router.Swap(rebuilt, nextMw)
			if next.Server.Listen != cfg.Server.Listen {
				logger.Warn("listen address changed; restart required to apply")
			}
			logger.Info("configuration reloaded")
		}, func(err error) {
			if err != nil {
				logger.Error("config watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := server.New(cfg, logger, router)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("gateway shutdown complete")
}

// buildPipeline assembles engine, bypass rules, reverse proxy, and the cache
// middleware into one swap-ready handler. Called at startup and on every
// config reload.
func buildPipeline(cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) (http.Handler, *middleware.Middleware, error) {
	opts, err := resolveEngineOptions(cfg.Cache)
	if err != nil {
		return nil, nil, err
	}

	eng := buildEngine(logger.With(slog.String("agent", "engine_factory")), cfg.Cache.Engine, opts)

	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, nil, err
	}
	rules, err := env.CompileAll(cfg.Cache.Bypass)
	if err != nil {
		return nil, nil, err
	}

	proxy, err := server.NewProxy(cfg.Origin, logger)
	if err != nil {
		return nil, nil, err
	}

	mw, err := middleware.New(middleware.Config{
		Engine:     eng,
		Options:    opts,
		MaxWriters: cfg.Cache.Writeback.MaxWorkers,
		Bypass:     rules,
		Logger:     logger,
		Metrics:    recorder,
	})
	if err != nil {
		return nil, nil, err
	}
	return mw.Wrap(proxy), mw, nil
}

func resolveEngineOptions(cfg config.CacheConfig) (engine.Options, error) {
	overrides := engine.Overrides{
		Store:                cfg.Store,
		AutoCompress:         cfg.AutoCompress,
		AutoAcceptEncoding:   cfg.AutoAcceptEncoding,
		StaleWhileRevalidate: cfg.StaleWhileRevalidate,
	}
	if trimmed := strings.TrimSpace(strings.ToLower(cfg.Type)); trimmed != "" {
		cacheType := engine.CacheType(trimmed)
		overrides.Type = &cacheType
	}
	return engine.ResolveOptions(engine.DefaultOptions(), overrides)
}

// buildEngine selects the backend; an unreachable valkey degrades to the
// in-process backend rather than refusing to start.
func buildEngine(logger *slog.Logger, cfg config.EngineConfig, opts engine.Options) engine.Engine {
	defaultTTL := time.Duration(cfg.DefaultTTLSeconds) * time.Second
	memory := func() engine.Engine {
		eng, err := engine.NewMemory(opts, engine.MemoryConfig{
			DefaultTTL:     defaultTTL,
			SpillDir:       cfg.Spill.Folder,
			SpillThreshold: cfg.Spill.ThresholdBytes,
		})
		if err != nil {
			// Options were validated upstream; only a spill dir failure can
			// land here.
			logger.Error("memory engine setup failed, disabling spill", slog.Any("error", err))
			eng, _ = engine.NewMemory(opts, engine.MemoryConfig{DefaultTTL: defaultTTL})
		}
		return eng
	}

	switch strings.TrimSpace(strings.ToLower(cfg.Backend)) {
	case "", "memory":
		logger.Info("using memory cache engine", slog.Duration("default_ttl", defaultTTL))
		return memory()
	case "valkey":
		eng, err := engine.NewValkey(opts, engine.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			TLS: engine.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
			DefaultTTL: defaultTTL,
		})
		if err != nil {
			logger.Error("valkey engine initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory engine")
			return memory()
		}
		logger.Info("using valkey cache engine", slog.String("address", cfg.Valkey.Address))
		return eng
	default:
		logger.Warn("unsupported engine backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return memory()
	}
}
