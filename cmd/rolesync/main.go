package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-erp/rolesync/internal/app"
	"github.com/meridian-erp/rolesync/internal/bridge"
	"github.com/meridian-erp/rolesync/internal/observability"
	"github.com/meridian-erp/rolesync/internal/platform/cache"
	"github.com/meridian-erp/rolesync/internal/platform/db"
	"github.com/meridian-erp/rolesync/internal/propagation"
	propagationhttp "github.com/meridian-erp/rolesync/internal/propagation/http"
	"github.com/meridian-erp/rolesync/internal/roles"
	"github.com/meridian-erp/rolesync/internal/shared"
	"github.com/meridian-erp/rolesync/internal/snapshot"
	"github.com/meridian-erp/rolesync/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	snapshots := snapshot.NewStore(redisClient, cfg.SnapshotTTL)
	coordinator := snapshot.NewCoordinator(redisClient, logger)

	service, err := propagation.NewService(propagation.ServiceConfig{
		Store:              roles.NewRepository(pool),
		Invalidator:        coordinator,
		Refresher:          snapshots,
		Audit:              shared.NewAuditLogger(pool),
		Logger:             logger,
		Metrics:            propagation.NewMetrics(metrics.Registerer()),
		MaxRetries:         cfg.TaskMaxRetries,
		EventLogLimit:      cfg.EventLogLimit,
		SessionTick:        cfg.SessionTick,
		PropagationTick:    cfg.PropagationTick,
		PropagationTimeout: cfg.PropagationTimeout,
		HighPerTick:        cfg.HighTasksPerTick,
		NormalPerTick:      cfg.NormalTasksPerTick,
	})
	if err != nil {
		logger.Error("build propagation service", slog.Any("error", err))
		os.Exit(1)
	}
	defer service.Close()

	changeBridge := bridge.New(pool, service, logger)

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("build job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Metrics:            metrics,
		PropagationHandler: propagationhttp.NewHandler(logger, service),
		EnqueueResync: func(ctx context.Context, userIDs []string) error {
			_, err := jobClient.EnqueueAuthzResync(ctx, jobs.AuthzResyncPayload{UserIDs: userIDs})
			return err
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return service.Run(ctx)
	})
	g.Go(func() error {
		return changeBridge.Run(ctx)
	})
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.AppRequestTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("service stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("service stopped")
}
