// Package main is the entry point for the flipgate server.
//
// The bootstrap sequence is:
//  1. Load configuration from the environment (and .env, if present).
//  2. Build the cohort manager, circuit breaker, and flag manager, seeded
//     with the default flags and cohorts.
//  3. Optionally connect to PostgreSQL, run migrations, and load persisted
//     flags and cohorts.
//  4. Start the remote config poller and the local flag file watcher.
//  5. Wire the version router with upstream handlers, if configured.
//  6. Start the HTTP server and wait for SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flipgate/flipgate/internal/breaker"
	"github.com/flipgate/flipgate/internal/cohort"
	"github.com/flipgate/flipgate/internal/config"
	"github.com/flipgate/flipgate/internal/core"
	"github.com/flipgate/flipgate/internal/flags"
	"github.com/flipgate/flipgate/internal/logging"
	"github.com/flipgate/flipgate/internal/metrics"
	"github.com/flipgate/flipgate/internal/middleware"
	"github.com/flipgate/flipgate/internal/remote"
	"github.com/flipgate/flipgate/internal/repository"
	"github.com/flipgate/flipgate/internal/server"
	"github.com/flipgate/flipgate/internal/tracing"
	"github.com/flipgate/flipgate/internal/version"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	cohorts := cohort.New(cohort.WithLogger(log))
	circuits := breaker.New(
		breaker.WithLogger(log),
		breaker.WithStateChangeHooks(m.BreakerOpened, m.BreakerClosed),
	)
	manager := flags.New(cohorts, circuits,
		flags.WithLogger(log),
		flags.WithCacheTTL(cfg.EvalCacheTTL),
		flags.WithRecorder(m),
	)
	for _, flag := range flags.Defaults() {
		manager.Register(flag)
	}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		if err := runMigrations(pool); err != nil {
			return err
		}

		store := repository.NewStore(pool)
		metrics.RegisterPoolMetrics(m.Registry, pool)

		if err := loadFromStore(ctx, store, manager, cohorts); err != nil {
			return err
		}

		go persistFlagChanges(ctx, store, manager, log)
		go reloadOnStoreChanges(ctx, store, manager, cohorts, log)
	}

	if cfg.FlagFile != "" {
		fileFlags, err := config.LoadFlagFile(cfg.FlagFile)
		if err != nil {
			return fmt.Errorf("load flag file: %w", err)
		}
		manager.ApplySnapshot(fileFlags)

		go func() {
			if err := config.WatchFlagFile(ctx, cfg.FlagFile, log, manager.ApplySnapshot); err != nil {
				log.Error("flag file watcher stopped", "error", err)
			}
		}()
	}

	if cfg.RemoteConfigURL != "" {
		poller := remote.New(cfg.RemoteConfigURL, cfg.RemotePollInterval,
			remote.WithLogger(log),
			remote.WithRecorder(m),
		)
		poller.Start(ctx)
		defer poller.Stop()

		go func() {
			for snapshot := range poller.Updates() {
				manager.ApplySnapshot(snapshot)
			}
		}()
	}

	router := version.NewRouter(version.Config{
		DefaultVersion:       version.Version(cfg.DefaultVersion),
		UserOverridesEnabled: cfg.UserOverridesEnabled,
		Environment:          cfg.Environment,
	}, manager, version.WithLogger(log), version.WithRecorder(m))

	if cfg.V1UpstreamURL != "" {
		v1, err := version.NewUpstreamHandler(cfg.V1UpstreamURL)
		if err != nil {
			return fmt.Errorf("v1 upstream: %w", err)
		}
		v2, err := version.NewUpstreamHandler(cfg.V2UpstreamURL)
		if err != nil {
			return fmt.Errorf("v2 upstream: %w", err)
		}
		router.RegisterHandler(version.V1, v1)
		router.RegisterHandler(version.V2, v2)
	}

	apiHandler := server.NewHTTPHandler(manager, cohorts,
		server.WithGateway(router),
		server.WithMetrics(m),
		server.WithMaxJSONBodyBytes(cfg.MaxJSONBodySize),
	)
	httpHandler := newHTTPHandler(ctx, cfg, apiHandler, m, log)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "flipgate-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.HTTPAddr, err)
	}
	defer listener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}

// newHTTPHandler protects /v1/ with bearer auth when API keys are configured
// and leaves health, metrics, and the gateway open.
func newHTTPHandler(ctx context.Context, cfg config.Config, apiHandler http.Handler, m *metrics.Metrics, log *slog.Logger) http.Handler {
	handler := apiHandler

	if len(cfg.APIKeys) > 0 {
		hashes := make(map[string]string, len(cfg.APIKeys))
		for _, key := range cfg.APIKeys {
			hashes[key.ID] = key.Hash
		}
		validator := middleware.NewKeyValidator(hashes)
		limiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
		protected := middleware.BearerAuth(validator,
			middleware.WithOnAuthFailure(func() { m.AuthFailuresTotal.Inc() }),
			middleware.WithRateLimiter(limiter),
		)(apiHandler)

		mux := http.NewServeMux()
		mux.Handle("/v1/", protected)
		mux.Handle("/", apiHandler)
		handler = mux
	}

	return middleware.RequestLogging(log)(handler)
}

func loadFromStore(ctx context.Context, store *repository.Store, manager *flags.Manager, cohorts *cohort.Manager) error {
	storedFlags, err := store.LoadFlags(ctx)
	if err != nil {
		return fmt.Errorf("load persisted flags: %w", err)
	}
	manager.ApplySnapshot(storedFlags)

	storedCohorts, err := store.LoadCohorts(ctx)
	if err != nil {
		return fmt.Errorf("load persisted cohorts: %w", err)
	}
	applyCohorts(cohorts, storedCohorts)

	return nil
}

// persistFlagChanges writes flag mutations through to Postgres so restarts
// and sibling instances see them.
func persistFlagChanges(ctx context.Context, store *repository.Store, manager *flags.Manager, log *slog.Logger) {
	events, cancel := manager.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			if event.Flag == "" {
				continue
			}
			flag, ok := manager.GetFlag(event.Flag)
			if !ok {
				continue
			}
			if err := store.SaveFlag(ctx, flag); err != nil && ctx.Err() == nil {
				log.Error("persist flag", "flag", event.Flag, "error", err)
			}
		}
	}
}

// reloadOnStoreChanges re-reads persisted definitions whenever another
// instance writes, signalled over LISTEN/NOTIFY.
func reloadOnStoreChanges(ctx context.Context, store *repository.Store, manager *flags.Manager, cohorts *cohort.Manager, log *slog.Logger) {
	changes, err := store.SubscribeChanges(ctx)
	if err != nil {
		log.Error("subscribe store changes", "error", err)
		return
	}

	for range changes {
		if err := loadFromStore(ctx, store, manager, cohorts); err != nil && ctx.Err() == nil {
			log.Error("reload from store", "error", err)
		}
	}
}

func applyCohorts(cohorts *cohort.Manager, stored map[string]core.Cohort) {
	for name, c := range stored {
		members := make([]string, 0, len(c.Members))
		for member := range c.Members {
			members = append(members, member)
		}
		cohorts.Create(cohort.Definition{
			Name:        name,
			Description: c.Description,
			Members:     members,
			Rules:       c.Rules,
		})
	}
}
