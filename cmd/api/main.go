package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/qr-token-service/internal/api/http"
	"github.com/spec-kit/qr-token-service/internal/api/http/handlers"
	"github.com/spec-kit/qr-token-service/internal/cache"
	"github.com/spec-kit/qr-token-service/internal/config"
	"github.com/spec-kit/qr-token-service/internal/events"
	"github.com/spec-kit/qr-token-service/internal/observability"
	"github.com/spec-kit/qr-token-service/internal/persistence"
	"github.com/spec-kit/qr-token-service/internal/render"
	"github.com/spec-kit/qr-token-service/internal/repository"
	"github.com/spec-kit/qr-token-service/internal/service"
	"github.com/spec-kit/qr-token-service/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	rdb := persistence.NewRedis(cfg.Redis, logger)
	defer rdb.Close()

	tokenRepo := repository.NewMemoryTokenRepository()
	database := "memory"
	if pg.Configured() {
		tokenRepo = repository.NewTokenRepository(pg.PoolHandle())
		database = "postgres"
	}

	renderer := render.Disabled()
	if cfg.QR.Enabled {
		renderer = render.NewQRRenderer(cfg.QR.Size)
	}

	summaryCache := cache.NewSummaryCache(rdb.Client, cfg.Cache.InfoTTL())
	dispatcher := events.NewInMemoryDispatcher()
	worker.StartAuditWorker(service.NewAuditService(dispatcher, logger.Named("audit"), summaryCache))

	tokenService := service.NewTokenService(cfg.Token, service.TokenDependencies{
		TokenRepo:  tokenRepo,
		Generator:  service.NewRandomValueGenerator(cfg.Token.Length),
		Renderer:   renderer,
		Dispatcher: dispatcher,
		Logger:     logger.Named("tokens"),
	})
	queryService := service.NewTokenQueryService(service.QueryDependencies{
		TokenRepo:         tokenRepo,
		Cache:             summaryCache,
		Logger:            logger.Named("queries"),
		RendererAvailable: renderer.Available(),
	})

	if interval := cfg.Token.SweepInterval(); interval > 0 {
		sweeper, err := worker.NewExpirySweeper(tokenService, interval, logger.Named("sweeper"))
		if err != nil {
			logger.Fatal("failed to schedule expiry sweep", zap.Error(err))
		}
		sweeper.Start()
		defer sweeper.Shutdown() //nolint:errcheck
	}

	metrics := observability.NewMetrics()
	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health: handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, rdb),
		System: handlers.NewSystemHandler(cfg.App.Name, cfg.App.Version, database, queryService, metrics),
		Tokens: handlers.NewTokensHandler(tokenService, queryService),
		Admin:  handlers.NewAdminHandler(tokenService, queryService),
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	_ = app.Shutdown()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
