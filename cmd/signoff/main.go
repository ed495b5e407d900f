// Package main is the entry point for the signoff approval service.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kasoma/signoff/internal/config"
	"github.com/kasoma/signoff/internal/definition"
	"github.com/kasoma/signoff/internal/engine"
	"github.com/kasoma/signoff/internal/observability"
	"github.com/kasoma/signoff/internal/pipeline"
	"github.com/kasoma/signoff/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "signoff", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Initialize stores.
	stores, storeCloser, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	if storeCloser != nil {
		defer storeCloser()
	}

	// Step 5: Load and seed workflow definitions.
	defSvc := definition.NewService(stores.definitions)

	loader := definition.NewLoader()
	seeds, err := loader.LoadAll(cfg.Definitions.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	seeded, err := definition.Seed(ctx, defSvc, seeds)
	if err != nil {
		logger.Error("definition seeding failed", zap.Error(err))
		return 1
	}
	metrics.SetDefinitionsLoaded(float64(seeded))
	logger.Info("definitions seeded",
		zap.Int("count", seeded),
		zap.Strings("directories", cfg.Definitions.Directories),
	)

	// Step 6: Initialize the completion fence.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	fence, fenceCloser, err := buildFence(bgCtx, cfg.Fence, logger)
	if err != nil {
		logger.Error("completion fence initialization failed", zap.Error(err))
		return 1
	}
	if fenceCloser != nil {
		defer fenceCloser()
	}
	metered := &engine.InstrumentedFence{Inner: fence, Report: metrics.RecordFenceAcquisition}

	// Step 7: Build the workflow engine and package pipeline.
	eng := engine.NewEngine(defSvc, stores.instances, metered, engine.NewLoggingCompletionHook(logger), logger)
	pipe := pipeline.NewPipeline(stores.packages, logger)

	// Step 8: Build the HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return true }, // seeding already succeeded
	}
	if hc, ok := stores.instances.(observability.HealthChecker); ok {
		readiness.InstanceStore = hc
	}
	if hc, ok := stores.packages.(observability.HealthChecker); ok {
		readiness.PackageStore = hc
	}
	if hc, ok := fence.(observability.HealthChecker); ok {
		readiness.Fence = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Definitions:  defSvc,
		Engine:       eng,
		Pipeline:     pipe,
		Readiness:    readiness,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 9: Start the HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store_driver", cfg.Store.Driver),
		zap.String("fence_driver", cfg.Fence.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel background tasks.
	bgCancel()

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// stores bundles the three persistence backends, which always share a
// driver (and, for postgres, a connection pool).
type stores struct {
	definitions definition.Store
	instances   engine.InstanceStore
	packages    pipeline.PackageStore
}

// buildStores creates the persistence layer based on config.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (stores, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory stores")
		return stores{
			definitions: definition.NewMemoryStore(),
			instances:   engine.NewMemoryInstanceStore(),
			packages:    pipeline.NewMemoryPackageStore(),
		}, nil, nil

	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return stores{}, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return stores{}, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return stores{}, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return stores{}, nil, fmt.Errorf("store: ping: %w", err)
		}

		return stores{
			definitions: definition.NewPgStore(pool),
			instances:   engine.NewPgInstanceStore(pool),
			packages:    pipeline.NewPgPackageStore(pool),
		}, pool.Close, nil

	default:
		return stores{}, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildFence creates the completion fence based on config. The memory fence
// needs a periodic sweep to bound its size; Redis handles expiry itself.
func buildFence(ctx context.Context, cfg config.FenceConfig, logger *zap.Logger) (engine.CompletionFence, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory completion fence")
		fence := engine.NewMemoryCompletionFence(cfg.TTL)
		go runFenceSweeper(ctx, fence, cfg.SweepInterval, logger)
		return fence, nil, nil

	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("fence: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("fence: ping redis: %w", err)
		}
		return engine.NewRedisCompletionFence(client, cfg.TTL), func() { client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported fence driver: %q", cfg.Driver)
	}
}

// runFenceSweeper periodically evicts expired entries from a memory fence.
func runFenceSweeper(ctx context.Context, fence *engine.MemoryCompletionFence, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := fence.Sweep(); evicted > 0 {
				logger.Debug("completion fence swept", zap.Int("evicted", evicted))
			}
		}
	}
}
