package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tiagomennab/ensaio-fotos-sub004/internal/adapter/repo"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/domain"
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
		logger.Fatal().Err(err).Msg("sweeper: db connection failed")
	}
	defer pool.Close()

	store, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("sweeper: failed to configure storage")
	}

	provider, err := inference.NewHTTPClient(inference.Options{
		BaseURL:  cfg.ProviderBaseURL,
		APIToken: cfg.ProviderAPIToken,
		Timeout:  cfg.ProviderTimeout,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("sweeper: failed to configure provider client")
	}

	var publisher notify.Publisher = notify.NopPublisher{}
	if cfg.RedisURL != "" {
		redisPublisher, err := notify.NewRedisPublisher(cfg.RedisURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("sweeper: failed to connect redis")
		}
		defer redisPublisher.Close()
		publisher = redisPublisher
	}

	jobs := repo.NewJobRepository(pool)
	migrator := reconcile.NewMigrator(store, nil, nil, logger)
	engine := reconcile.NewEngine(jobs, migrator, publisher, logger)
	sweeper := reconcile.NewSweeper(jobs, provider, engine, reconcile.SweeperConfig{
		Interval:      cfg.SweepInterval,
		BatchSize:     cfg.SweepBatchSize,
		RatePerSecond: cfg.SweepRatePerSecond,
		NotFoundLimit: cfg.SweepNotFoundLimit,
		StaleAfter: map[domain.JobKind]time.Duration{
			domain.JobKindGeneration: cfg.StaleAfterGeneration,
			domain.JobKindTraining:   cfg.StaleAfterTraining,
			domain.JobKindVideo:      cfg.StaleAfterVideo,
		},
	}, logger)

	if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("sweeper: stopped with error")
	}
	logger.Info().Msg("sweeper: stopped")
}
