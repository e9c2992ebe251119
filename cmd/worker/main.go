package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/saeid-a/DocAvailableBack/internal/bootstrap"
	"github.com/saeid-a/DocAvailableBack/internal/config"
	"github.com/saeid-a/DocAvailableBack/internal/database"
	"github.com/saeid-a/DocAvailableBack/internal/lifecycle"
	"github.com/saeid-a/DocAvailableBack/internal/logging"
	"github.com/saeid-a/DocAvailableBack/internal/metrics"
	"github.com/saeid-a/DocAvailableBack/internal/notify"
	"github.com/saeid-a/DocAvailableBack/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const sweepBatch = 100

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logging.New(cfg.AppEnv)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DBUrl == "" {
		zlog.Fatal("DB_URL is required")
	}
	if err := database.ConnectDB(ctx, cfg.DBUrl, database.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns}, zlog); err != nil {
		zlog.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.CloseDB()

	registry := prometheus.NewRegistry()
	metrics.MustRegister(registry)

	components := bootstrap.Build(cfg, database.DB, zlog)
	worker := queue.NewWorker(components.Executor, cfg.QueueWorkers, cfg.QueueIdleSleep, zlog.Named("worker"))
	sweeper := lifecycle.NewSweeper(
		components.Manager,
		components.Store,
		components.Clock,
		cfg.ReconcileInterval,
		cfg.CallPromotionGrace,
		sweepBatch,
		zlog.Named("sweeper"),
	)
	listener := notify.NewListener(cfg.DBUrl, zlog.Named("notify"), cfg.NotifyChannelJobs)

	admin := &http.Server{
		Addr:              cfg.WorkerAdminAddr,
		Handler:           newAdminRouter(database.DB, registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		// Any notification, including a reconnect, may mean new jobs.
		return listener.Run(gctx, func(string, string) { worker.Wake() })
	})
	g.Go(func() error {
		zlog.Info("worker admin listening", zap.String("addr", cfg.WorkerAdminAddr))
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return admin.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		zlog.Error("worker stopped", zap.Error(err))
		return
	}
	zlog.Info("worker stopped")
}
