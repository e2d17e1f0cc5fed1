// Package server wires configuration, storage, the rotation engine and the
// gRPC endpoint together and runs them until a shutdown signal arrives.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/esse/crm/internal/cryptox"
	"github.com/esse/crm/internal/logging"
	"github.com/esse/crm/internal/server/config"
	"github.com/esse/crm/internal/server/denylist"
	gs "github.com/esse/crm/internal/server/grpc"
	"github.com/esse/crm/internal/server/metrics"
	"github.com/esse/crm/internal/server/repositories/repomanager"
	"github.com/esse/crm/internal/server/services"
	"github.com/esse/crm/internal/server/tokens"
)

type App struct {
	config      *config.Config
	logger      logging.Logger
	repos       repomanager.RepositoryManager
	redis       redis.UniversalClient
	metrics     *metrics.Metrics
	tokens      *tokens.Service
	userService *services.UserService
	grpcServer  *gs.GRPCServer
}

func NewApp(cfg *config.Config) (*App, error) {
	logger := logging.NewJSONLogger(os.Stdout, cfg.LogLevel)

	repos, err := newRepositoryManager(cfg)
	if err != nil {
		return nil, err
	}

	hasher, err := cryptox.NewArgon2Hasher(cfg.Argon2Params())
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	app := &App{config: cfg, logger: logger, repos: repos, metrics: m}

	var dl denylist.Denylist = denylist.Noop{}
	if cfg.RedisAddr != "" {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		dl = denylist.NewRedisDenylist(app.redis)
	}

	app.tokens = tokens.NewService(repos.RefreshTokens(), hasher,
		cfg.RefreshTokenValidityDuration, cfg.RetentionPeriod, logger,
		tokens.WithMetrics(m),
		tokens.WithObserver(denylist.NewObserver(dl, cfg.RefreshTokenValidityDuration)),
	)
	app.userService = services.NewUserService(repos.Users(), app.tokens, hasher, cfg, logger)
	app.grpcServer = gs.NewGRPCServer(logger, app.userService, dl, cfg)

	return app, nil
}

func newRepositoryManager(cfg *config.Config) (repomanager.RepositoryManager, error) {
	switch cfg.LedgerBackend {
	case config.BackendMemory:
		return repomanager.NewInMemoryRepositoryManager(), nil
	case config.BackendPostgres:
		m, err := repomanager.NewPostgresRepositoryManager(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("db init error: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	if err := app.grpcServer.Run(ctx); err != nil {
		app.logger.Error(ctx, "gRPC server failed", "error", err)
		cancelFunc()
	}
}

func (app *App) startMetricsServer(ctx context.Context, cancelFunc context.CancelFunc) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", app.metrics.Handler())
	srv := &http.Server{Addr: app.config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	app.logger.Info(ctx, "Starting metrics server", "address", app.config.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.logger.Error(ctx, "metrics server failed", "error", err)
		cancelFunc()
	}
}

// runPurge deletes long-expired ledger rows every PurgeInterval.
func (app *App) runPurge(ctx context.Context) {
	ticker := time.NewTicker(app.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// errors are logged by the service
			_, _ = app.tokens.PurgeExpired(ctx, time.Now().UTC())
		}
	}
}

// Run migrates storage and serves until ctx is cancelled or a signal arrives.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()
	defer app.close(ctx)

	app.logger.Info(ctx, "Starting app...", "ledger_backend", app.config.LedgerBackend)

	if err := app.repos.RunMigrations(ctx); err != nil {
		app.logger.Error(ctx, "migrations failed", "error", err)
		return err
	}

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()

	if app.config.MetricsAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.startMetricsServer(ctx, cancelFunc)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.runPurge(ctx)
	}()

	wg.Wait()
	app.logger.Info(ctx, "App stopped")
	return nil
}

func (app *App) close(ctx context.Context) {
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Warn(ctx, "error closing redis", "error", err)
		}
	}
	if err := app.repos.Close(); err != nil {
		app.logger.Warn(ctx, "error closing storage", "error", err)
	}
}
