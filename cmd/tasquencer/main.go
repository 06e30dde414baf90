// Package main is the entry point for the Tasquencer workflow server.
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

	"github.com/pitabwire/tasquencer/internal/audit"
	"github.com/pitabwire/tasquencer/internal/authz"
	"github.com/pitabwire/tasquencer/internal/config"
	"github.com/pitabwire/tasquencer/internal/definition"
	"github.com/pitabwire/tasquencer/internal/idempotency"
	"github.com/pitabwire/tasquencer/internal/observability"
	"github.com/pitabwire/tasquencer/internal/transport"
	"github.com/pitabwire/tasquencer/internal/workflow"
	"github.com/pitabwire/tasquencer/internal/workitem"
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

	logger, err := observability.NewLogger(cfg.Observability, "tasquencer", version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "tasquencer", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load definitions, validate, build registry.
	registry, err := loadDefinitions(cfg.Definitions, metrics, logger)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}

	// Step 5: Open the workflow, authorization and audit stores.
	stores, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer stores.close()

	// Step 6: Build the audit recorder and authorization resolver.
	recorder := audit.NewRecorder(stores.audit,
		audit.WithLogger(logger),
		audit.WithMetrics(metrics),
		audit.WithOTelMirror(cfg.Audit.MirrorToOTel),
		audit.WithRecentTraceLimit(cfg.Audit.RecentTraceLimit),
	)

	if cfg.Store.Driver == "postgres" && cfg.Authz.CacheTTL > 0 {
		logger.Warn("authz scope cache is process-local; revocations on other nodes apply after cache_ttl",
			zap.Duration("cache_ttl", cfg.Authz.CacheTTL),
		)
	}
	az := authz.NewService(stores.authz,
		authz.WithCacheTTL(cfg.Authz.CacheTTL),
		authz.WithLogger(logger),
		authz.WithMetrics(metrics),
	)
	if cfg.Authz.SeedFile != "" {
		seed, err := authz.LoadSeed(cfg.Authz.SeedFile)
		if err != nil {
			logger.Error("authz seed load failed", zap.Error(err))
			return 1
		}
		if err := az.ApplySeed(ctx, seed); err != nil {
			logger.Error("authz seed apply failed", zap.Error(err))
			return 1
		}
		logger.Info("authz seed applied", zap.String("file", cfg.Authz.SeedFile))
	}

	// Step 7: Build the engine and work item dispatcher.
	handlers := workflow.NewHandlerRegistry()
	engine := workflow.NewEngine(registry, stores.workflow, recorder, nil, handlers,
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithChainLimit(cfg.Engine.ChainLimit),
		workflow.WithHandlerBreakers(workflow.BreakerSettings{
			FailureThreshold: cfg.Engine.HandlerBreaker.FailureThreshold,
			SuccessThreshold: cfg.Engine.HandlerBreaker.SuccessThreshold,
			OpenTimeout:      cfg.Engine.HandlerBreaker.OpenTimeout,
		}),
	)

	dispatcher := workitem.NewDispatcher(engine, az,
		workitem.WithQueuePolicy(workitem.QueuePolicy(cfg.Authz.QueuePolicy)),
		workitem.WithLogger(logger),
		workitem.WithMetrics(metrics),
	)

	// Step 8: Initialize idempotency store (optional).
	idemStore, idemChecker, idemCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	if idemCloser != nil {
		defer idemCloser()
	}

	// Step 9: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL,
		transport.WithJWKSLogger(logger))

	readiness := observability.ReadinessChecks{
		Definitions:      func() int { return len(registry.All()) },
		WorkflowStore:     engine,
		AuthzStore:        az,
		AuditStore:        recorder,
		IdempotencyStore:  idemChecker,
		IdentityProvider:  jwks,
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Readiness:    readiness,
		Engine:       engine,
		Dispatcher:   dispatcher,
		Authz:        az,
		Recorder:     recorder,
		Idempotency:  idemStore,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start background tasks.
	var scheduler *audit.Scheduler
	if cfg.Audit.SnapshotSchedule != "" {
		scheduler, err = audit.NewScheduler(recorder, cfg.Audit.SnapshotSchedule, logger)
		if err != nil {
			logger.Error("snapshot scheduler initialization failed", zap.Error(err))
			return 1
		}
		if err := scheduler.Start(); err != nil {
			logger.Error("snapshot scheduler start failed", zap.Error(err))
			return 1
		}
	}

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", len(registry.All())),
		zap.Strings("handlers", handlers.Names()),
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

	if scheduler != nil {
		scheduler.Stop(shutdownCtx)
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// loadDefinitions reads every definition file, validates the whole set and
// builds the registry.
func loadDefinitions(cfg config.DefinitionsConfig, metrics *observability.Metrics, logger *zap.Logger) (*definition.Registry, error) {
	files, err := definition.NewLoader().LoadAll(cfg.Directories)
	if err != nil {
		metrics.RecordDefinitionLoad("error")
		return nil, err
	}
	defs := definition.Flatten(files)

	if verrs := definition.NewValidator().Validate(defs, nil); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		metrics.RecordDefinitionLoad("invalid")
		return nil, fmt.Errorf("%d definition validation errors", len(verrs))
	}

	registry := definition.NewRegistry(defs)
	metrics.RecordDefinitionLoad("ok")
	metrics.SetDefinitionsLoaded(float64(len(defs)))
	for _, def := range registry.All() {
		logger.Info("workflow definition registered",
			zap.String("workflow", def.Name),
			zap.String("version", def.Version),
			zap.Int("tasks", len(def.Tasks)),
		)
	}
	return registry, nil
}

type storeSet struct {
	workflow workflow.Store
	authz    authz.Store
	audit    audit.Store
	close    func()
}

// buildStores opens one backend for all three stores. The postgres driver
// shares a single pool.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (storeSet, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory stores")
		return storeSet{
			workflow: workflow.NewMemoryStore(),
			authz:    authz.NewMemoryStore(),
			audit:    audit.NewMemoryStore(),
			close:    func() {},
		}, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return storeSet{}, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return storeSet{}, fmt.Errorf("store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return storeSet{}, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return storeSet{}, fmt.Errorf("store: ping: %w", err)
		}

		wf := workflow.NewPgStore(pool)
		az := authz.NewPgStore(pool)
		au := audit.NewPgStore(pool)
		if cfg.Migrate {
			for name, m := range map[string]interface{ Migrate(context.Context) error }{
				"workflow": wf, "authz": az, "audit": au,
			} {
				if err := m.Migrate(ctx); err != nil {
					pool.Close()
					return storeSet{}, fmt.Errorf("store: migrate %s schema: %w", name, err)
				}
			}
			logger.Info("store schemas migrated")
		}
		return storeSet{workflow: wf, authz: az, audit: au, close: pool.Close}, nil
	default:
		return storeSet{}, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config. It
// returns nil when idempotency is disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, observability.HealthChecker, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(nil), nil, nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("idempotency: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		store := idempotency.NewRedisStore(client)
		if err := store.HealthCheck(ctx); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("idempotency: redis ping: %w", err)
		}
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return store, store, func() { _ = client.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}
