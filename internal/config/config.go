// Package config содержит логику чтения конфигурации сервиса баллов pitchclub.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса баллов.
type Config struct {
	RunAddress           string   `env:"RUN_ADDRESS"`
	DatabaseURI          string   `env:"DATABASE_URI"`
	NotifyAddress        string   `env:"NOTIFY_ADDRESS"`
	AuthSecret           string   `env:"AUTH_SECRET"`
	PaymentWebhookSecret string   `env:"PAYMENT_WEBHOOK_SECRET"`
	CORSOrigins          []string `env:"CORS_ORIGINS" envSeparator:","`

	Outbox OutboxConfig
}

// OutboxConfig содержит параметры доставки уведомлений из outbox.
type OutboxConfig struct {
	PollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"2s"`
	BatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"50"`
	MaxAttempts  int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"8"`
	RetryBackoff time.Duration `env:"OUTBOX_RETRY_BACKOFF" envDefault:"5s"`
	LeaseTTL     time.Duration `env:"OUTBOX_LEASE_TTL" envDefault:"30s"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envNotifyAddress := cfg.NotifyAddress
	envAuthSecret := cfg.AuthSecret
	envWebhookSecret := cfg.PaymentWebhookSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory store if empty")
	flag.StringVar(&cfg.NotifyAddress, "n", "", "notification service address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "token signing secret")
	flag.StringVar(&cfg.PaymentWebhookSecret, "w", "", "payment webhook signing secret")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envNotifyAddress != "" {
		cfg.NotifyAddress = envNotifyAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envWebhookSecret != "" {
		cfg.PaymentWebhookSecret = envWebhookSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.Outbox.PollInterval <= 0 || cfg.Outbox.BatchSize <= 0 || cfg.Outbox.MaxAttempts <= 0 {
		return nil, fmt.Errorf("invalid outbox settings: poll=%s batch=%d attempts=%d",
			cfg.Outbox.PollInterval, cfg.Outbox.BatchSize, cfg.Outbox.MaxAttempts)
	}

	return cfg, nil
}
