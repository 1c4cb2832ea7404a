// Command guardrail-demo composes the resilience primitives into a small
// operational harness: it builds the shared state store and breaker
// registry from configuration, optionally probes a target URL through the
// resilient HTTP client, and serves breaker status and Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/guardrail/internal/circuitbreaker"
	"github.com/vyrodovalexey/guardrail/internal/config"
	"github.com/vyrodovalexey/guardrail/internal/health"
	"github.com/vyrodovalexey/guardrail/internal/httpclient"
	"github.com/vyrodovalexey/guardrail/internal/observability/logging"
	"github.com/vyrodovalexey/guardrail/internal/observability/tracing"
	"github.com/vyrodovalexey/guardrail/internal/store"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	listenAddr := flag.String("listen", ":9090", "address for the status and metrics server")
	probeURL := flag.String("probe", "", "optional target URL to probe through the resilient client")
	probeInterval := flag.Duration("probe-interval", 2*time.Second, "interval between probes")
	flag.Parse()

	cfg := loadConfig(*configPath)

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting guardrail-demo",
		zap.String("version", version),
		zap.String("listen", *listenAddr),
	)

	tracer := tracing.NewProvider(cfg.Tracing.ToTracingConfig(version), logger.Logger)
	if err := tracer.Start(context.Background()); err != nil {
		logger.Fatal("failed to start tracing provider", zap.Error(err))
	}

	st, err := buildStore(cfg, logger.Logger)
	if err != nil {
		logger.Fatal("failed to build shared state store", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	registry := circuitbreaker.NewRegistry(st, nil, logger.Logger)
	for name, profile := range cfg.Breakers {
		registry.GetOrCreateWithConfig(name, profile.ToBreakerConfig())
	}

	checker := health.NewChecker(version)
	checker.Register("store", health.StoreCheck(st))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *probeURL != "" {
		go runProber(ctx, registry, cfg, logger.Logger, *probeURL, *probeInterval)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           buildMux(registry, checker),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("status server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status server shutdown failed", zap.Error(err))
	}
	if err := tracer.Stop(shutdownCtx); err != nil {
		logger.Warn("tracing provider shutdown failed", zap.Error(err))
	}
}

// loadConfig loads the configuration file, falling back to defaults when
// no path is given.
func loadConfig(path string) *config.Config {
	if path == "" {
		return config.Default()
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// buildStore constructs the configured shared state store.
func buildStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Type {
	case config.StoreTypeRedis:
		redisCfg := store.DefaultRedisConfig()
		redisCfg.Address = cfg.Store.Redis.Address
		redisCfg.Password = cfg.Store.Redis.Password
		redisCfg.DB = cfg.Store.Redis.DB
		redisCfg.Prefix = cfg.Store.Redis.Prefix
		if cfg.Store.Redis.PoolSize > 0 {
			redisCfg.PoolSize = cfg.Store.Redis.PoolSize
		}
		if d := cfg.Store.Redis.DialTimeout.Duration(); d > 0 {
			redisCfg.DialTimeout = d
		}
		if d := cfg.Store.Redis.ReadTimeout.Duration(); d > 0 {
			redisCfg.ReadTimeout = d
		}
		if d := cfg.Store.Redis.WriteTimeout.Duration(); d > 0 {
			redisCfg.WriteTimeout = d
		}
		redisCfg.Logger = logger
		return store.NewRedisStoreWithConfig(redisCfg)

	default:
		return store.NewMemoryStore(), nil
	}
}

// buildMux wires the operational endpoints. The demo deliberately uses
// the standard library mux: the library exposes no inbound wire protocol,
// and these endpoints are operational only.
func buildMux(registry *circuitbreaker.Registry, checker *health.Checker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", checker.LivenessHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(registry.StatusAll(r.Context()))
	})
	return mux
}

// runProber repeatedly calls the target through the resilient client so
// the breaker and retry metrics have something to show.
func runProber(
	ctx context.Context,
	registry *circuitbreaker.Registry,
	cfg *config.Config,
	logger *zap.Logger,
	url string,
	interval time.Duration,
) {
	cb := registry.GetOrCreate("probe-target")

	client := httpclient.New(
		httpclient.WithRetryConfig(cfg.Retry.ToRetryConfig()),
		httpclient.WithBreaker(cb),
		httpclient.WithLogger(logger),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		resp, err := client.Get(ctx, url)
		switch {
		case errors.Is(err, circuitbreaker.ErrCircuitOpen):
			logger.Warn("probe short-circuited", zap.String("url", url), zap.Error(err))
		case err != nil:
			logger.Warn("probe failed", zap.String("url", url), zap.Error(err))
		default:
			_ = resp.Body.Close()
			logger.Info("probe succeeded",
				zap.String("url", url),
				zap.Int("status", resp.StatusCode),
			)
		}
	}
}
