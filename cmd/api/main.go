package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tiagomennab/ensaio-fotos-sub004/internal/adapter/repo"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/cache"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/credits"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/http/handlers"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/http/httpapi"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/infra"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/notify"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/providers/inference"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/reconcile"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: db connection failed")
	}
	defer pool.Close()

	if err := infra.RunMigrations(cfg.DatabaseURL, "migrations"); err != nil {
		logger.Fatal().Err(err).Msg("api: migrations failed")
	}

	store, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to configure storage")
	}

	provider, err := inference.NewHTTPClient(inference.Options{
		BaseURL:  cfg.ProviderBaseURL,
		APIToken: cfg.ProviderAPIToken,
		Timeout:  cfg.ProviderTimeout,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to configure provider client")
	}

	var publisher notify.Publisher = notify.NopPublisher{}
	var jobCache cache.JobCache = cache.NopJobCache{}
	if cfg.RedisURL != "" {
		redisPublisher, err := notify.NewRedisPublisher(cfg.RedisURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: failed to connect redis")
		}
		defer redisPublisher.Close()
		publisher = redisPublisher

		redisCache, err := cache.NewRedisJobCache(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: failed to configure job cache")
		}
		jobCache = redisCache
	} else {
		logger.Warn().Msg("api: no REDIS_URL, notifications and status cache disabled")
	}

	jobs := repo.NewJobRepository(pool)
	ledgerRepo := repo.NewLedgerRepository(pool)
	ledger := credits.NewLedger(ledgerRepo, logger)

	migrator := reconcile.NewMigrator(store, nil, nil, logger)
	engine := reconcile.NewEngine(jobs, migrator, publisher, logger)
	sweeper := reconcile.NewSweeper(jobs, provider, engine, reconcile.SweeperConfig{
		Interval:      cfg.SweepInterval,
		BatchSize:     cfg.SweepBatchSize,
		RatePerSecond: cfg.SweepRatePerSecond,
		NotFoundLimit: cfg.SweepNotFoundLimit,
	}, logger)

	service := reconcile.NewService(jobs, provider, sweeper, store, cfg.SignedURLTTL, cfg.WebhookPublicURL, logger)
	ingestor := reconcile.NewWebhookIngestor(cfg.WebhookSecret, engine, logger)

	app := handlers.NewApp(service, ingestor, ledger, jobCache, logger)
	router := httpapi.NewRouter(app, logger, store.BasePath())
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
