package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string

	// Inference provider.
	ProviderBaseURL  string
	ProviderAPIToken string
	ProviderTimeout  time.Duration
	WebhookSecret    string
	WebhookPublicURL string

	// Durable storage.
	StoragePath    string
	StorageBaseURL string
	SignedURLTTL   time.Duration

	// Sweeper tuning. Staleness is per job kind: generations finish in
	// minutes, training runs can legitimately sit for much longer.
	SweepInterval        time.Duration
	SweepBatchSize       int
	SweepRatePerSecond   float64
	SweepNotFoundLimit   int
	StaleAfterGeneration time.Duration
	StaleAfterTraining   time.Duration
	StaleAfterVideo      time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		ProviderBaseURL:  getEnv("PROVIDER_BASE_URL", "https://api.inference.example.com/v1"),
		ProviderAPIToken: os.Getenv("PROVIDER_API_TOKEN"),
		ProviderTimeout:  time.Second * time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 15)),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		WebhookPublicURL: os.Getenv("WEBHOOK_PUBLIC_URL"),

		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", "http://localhost:8080/static"),
		SignedURLTTL:   time.Second * time.Duration(getEnvInt("SIGNED_URL_TTL_SECONDS", 3600)),

		SweepInterval:        time.Second * time.Duration(getEnvInt("SWEEP_INTERVAL_SECONDS", 60)),
		SweepBatchSize:       getEnvInt("SWEEP_BATCH_SIZE", 50),
		SweepRatePerSecond:   float64(getEnvInt("SWEEP_RATE_PER_SECOND", 2)),
		SweepNotFoundLimit:   getEnvInt("SWEEP_NOT_FOUND_LIMIT", 3),
		StaleAfterGeneration: time.Second * time.Duration(getEnvInt("STALE_GENERATION_SECONDS", 120)),
		StaleAfterTraining:   time.Second * time.Duration(getEnvInt("STALE_TRAINING_SECONDS", 1800)),
		StaleAfterVideo:      time.Second * time.Duration(getEnvInt("STALE_VIDEO_SECONDS", 600)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
