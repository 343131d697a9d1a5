package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/af-corp/sigil/internal/api"
	"github.com/af-corp/sigil/internal/config"
	"github.com/af-corp/sigil/internal/idempotency"
	"github.com/af-corp/sigil/internal/keyring"
	"github.com/af-corp/sigil/internal/ledger"
	"github.com/af-corp/sigil/internal/providercache"
	"github.com/af-corp/sigil/internal/ratelimit"
	"github.com/af-corp/sigil/internal/store"
	"github.com/af-corp/sigil/internal/telemetry"
)

var version = "dev"

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	loader := config.NewLoader(*configDir, logger)
	if err := loader.Load(); err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	cfg := loader.Config()
	logger = buildLogger(cfg.Telemetry)
	slog.SetDefault(logger)

	// Keyring: secrets stay in the keys file, never in the store.
	// The ring is immutable for the process lifetime; key changes
	// need a restart.
	ring, err := buildRing(loader.Keys())
	if err != nil {
		logger.Error("failed to build keyring", "error", err)
		os.Exit(1)
	}

	// Connect to PostgreSQL
	dbPool, err := pgxpool.New(context.Background(), cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(context.Background()); err != nil {
		logger.Warn("database not reachable (service will start but mints will fail)", "error", err)
	} else {
		logger.Info("database connected")
	}

	// Connect to Redis
	var rdb *redis.Client
	if len(cfg.Redis.Addresses) > 0 && cfg.Redis.Addresses[0] != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addresses[0],
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis not reachable (replay cache and throttle disabled)", "error", err)
			rdb = nil
		} else {
			logger.Info("redis connected")
		}
	}

	st := store.New(dbPool)
	metrics := telemetry.NewMetrics()

	// Provider metadata fetcher follows config reloads
	fetcher := providercache.NewHTTPFetcher(loader.Providers())
	loader.OnReload(func() {
		fetcher.Update(loader.Providers())
		logger.Info("provider fetcher reloaded")
	})

	cache := providercache.New(st.Providers, fetcher, rdb, metrics, providercache.Config{
		TTL:                  cfg.Cache.TTL,
		LeaseTTL:             cfg.Cache.LeaseTTL,
		WaitTimeout:          cfg.Cache.WaitTimeout,
		PollInterval:         cfg.Cache.PollInterval,
		WaitForRefresh:       cfg.Cache.WaitForRefresh,
		FetchRetries:         cfg.Cache.FetchRetries,
		RetryBackoff:         cfg.Cache.RetryBackoff,
		BreakerThreshold:     cfg.Cache.BreakerThreshold,
		BreakerProbeInterval: cfg.Cache.BreakerProbeInterval,
	})

	idem := idempotency.NewManager(st.Idempotency, rdb, metrics, idempotency.Config{
		TTL:          cfg.Idempotency.TTL,
		WaitTimeout:  cfg.Idempotency.WaitTimeout,
		PollInterval: cfg.Idempotency.PollInterval,
	})

	led := ledger.New(ledger.Deps{
		Templates:   st.Templates,
		Runs:        st.Runs,
		SeedKeys:    st.SeedKeys,
		Idempotency: idem,
		Versions:    cache,
		Ring:        ring,
		Metrics:     metrics,
	})

	handler := api.NewHandler(led, cache, metrics, version)
	router := api.NewRouter(handler, ratelimit.NewLimiter(rdb), api.RouterConfig{
		RateLimit:  cfg.RateLimit.Requests,
		RateWindow: cfg.RateLimit.Window,
	})

	// Janitor: TTL sweeps are an optimization, expiry is enforced at
	// claim time either way
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go runJanitor(janitorCtx, idem, cache, cfg.Idempotency.SweepInterval)

	// Metrics endpoint on its own port
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort),
		Handler: metricsMux(),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("sigil starting", "addr", addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	stopJanitor()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	metricsSrv.Shutdown(ctx)
	logger.Info("sigil stopped")
}

func buildLogger(cfg config.TelemetryConfig) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func buildRing(keys *config.KeysConfig) (*keyring.Ring, error) {
	ks := make([]keyring.Key, 0, len(keys.SeedKeys))
	for _, k := range keys.SeedKeys {
		ks = append(ks, keyring.Key{ID: k.ID, Secret: []byte(k.Secret)})
	}
	return keyring.New(keys.ActiveSeedKey, ks)
}

func runJanitor(ctx context.Context, idem *idempotency.Manager, cache *providercache.Cache, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if n, err := idem.SweepExpired(sweepCtx); err != nil {
				slog.Warn("idempotency sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("swept expired idempotency records", "count", n)
			}
			if n, err := cache.SweepLeases(sweepCtx); err != nil {
				slog.Warn("lease sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("swept expired refresh leases", "count", n)
			}
			cancel()
		}
	}
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
