// Package config содержит логику чтения конфигурации сервиса распределения пожертвований.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const defaultRunAddress = "localhost:8080"

// Config содержит параметры конфигурации сервиса.
// Пустые адреса хранилищ означают работу на in-memory реализациях.
type Config struct {
	RunAddress   string `env:"RUN_ADDRESS"`
	DatabaseURI  string `env:"DATABASE_URI"`
	RedisURL     string `env:"REDIS_URL"`
	KafkaBrokers string `env:"KAFKA_BROKERS"`
	AuthSecret   string `env:"AUTH_SECRET"`

	AmountDecimals    int32         `env:"AMOUNT_DECIMALS" envDefault:"9"`
	CompletionEpsilon int64         `env:"COMPLETION_EPSILON" envDefault:"1"`
	RepairInterval    time.Duration `env:"REPAIR_INTERVAL" envDefault:"30s"`
	LockTTL           time.Duration `env:"LOCK_TTL" envDefault:"2m"`

	AdminLogin    string `env:"ADMIN_LOGIN"`
	AdminPassword string `env:"ADMIN_PASSWORD"`
}

// Brokers возвращает список брокеров Kafka из KafkaBrokers.
func (c *Config) Brokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
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
	envRedisURL := cfg.RedisURL
	envKafkaBrokers := cfg.KafkaBrokers
	envAuthSecret := cfg.AuthSecret

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "ledger database URI")
	flag.StringVar(&cfg.RedisURL, "r", "", "workflow store redis URL")
	flag.StringVar(&cfg.KafkaBrokers, "k", "", "comma-separated kafka brokers for ledger events")
	flag.StringVar(&cfg.AuthSecret, "s", "", "auth cookie signing secret")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRedisURL != "" {
		cfg.RedisURL = envRedisURL
	}
	if envKafkaBrokers != "" {
		cfg.KafkaBrokers = envKafkaBrokers
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	if cfg.AmountDecimals < 0 || cfg.AmountDecimals > 18 {
		return nil, fmt.Errorf("AMOUNT_DECIMALS must be in [0, 18], got %d", cfg.AmountDecimals)
	}
	if cfg.CompletionEpsilon < 0 {
		return nil, fmt.Errorf("COMPLETION_EPSILON must not be negative, got %d", cfg.CompletionEpsilon)
	}
	if cfg.RepairInterval <= 0 {
		return nil, fmt.Errorf("REPAIR_INTERVAL must be positive, got %s", cfg.RepairInterval)
	}
	if cfg.LockTTL <= 0 {
		return nil, fmt.Errorf("LOCK_TTL must be positive, got %s", cfg.LockTTL)
	}

	return cfg, nil
}
