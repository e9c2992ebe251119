package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/saeid-a/DocAvailableBack/internal/bootstrap"
	"github.com/saeid-a/DocAvailableBack/internal/config"
	"github.com/saeid-a/DocAvailableBack/internal/database"
	"github.com/saeid-a/DocAvailableBack/internal/logging"
	"github.com/saeid-a/DocAvailableBack/internal/metrics"
	"github.com/saeid-a/DocAvailableBack/internal/notify"
	"github.com/saeid-a/DocAvailableBack/internal/routes"
	sessionws "github.com/saeid-a/DocAvailableBack/internal/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// 1. Load Config
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

	// 2. Connect to Database
	if cfg.DBUrl == "" {
		zlog.Fatal("DB_URL is required")
	}
	if err := database.ConnectDB(ctx, cfg.DBUrl, database.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns}, zlog); err != nil {
		zlog.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.CloseDB()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	// 3. Setup Fiber
	app := fiber.New()

	// Middleware
	app.Use(cors.New())
	app.Use(logger.New())
	app.Use(recover.New())
	app.Use(metrics.Middleware())

	// Routes
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	components := bootstrap.Build(cfg, database.DB, zlog)
	hub := sessionws.NewHub(zlog.Named("hub"))
	go hub.Run()
	poller := routes.RegisterRoutes(app, cfg, components, hub, zlog)

	g, gctx := errgroup.WithContext(ctx)

	// 4. Relay session events to sockets
	listener := notify.NewListener(cfg.DBUrl, zlog.Named("notify"), cfg.NotifyChannelEvents)
	g.Go(func() error {
		return listener.Run(gctx, hub.HandleNotification)
	})

	// 5. Start Server
	g.Go(func() error {
		zlog.Info("server starting", zap.String("port", cfg.Port))
		return app.Listen(":" + cfg.Port)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := app.ShutdownWithContext(shutdownCtx)
		if poller != nil {
			poller.Wait()
		}
		return err
	})

	if err := g.Wait(); err != nil {
		zlog.Error("server stopped", zap.Error(err))
		return
	}
	zlog.Info("server stopped")
}
