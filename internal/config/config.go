package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8090"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	RelayURL    string `env:"RELAY_URL"`
	RelayToken  string `env:"RELAY_TOKEN"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`

	// TokenEncryptionKey, when set, seals stored device tokens with
	// AES-256-GCM. 64 hex characters (32 bytes).
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY"`

	// RouteTimeout bounds how long a routed notification waits for its
	// target session to become active before it is dropped.
	RouteTimeout time.Duration `env:"ROUTE_TIMEOUT" default:"5s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"DATABASE_URL": cfg.DatabaseURL,
		"REDIS_URL":    cfg.RedisURL,
		"RELAY_URL":    cfg.RelayURL,
	}
	for name, value := range required {
		if value == "" {
			return errors.New(name + " is required")
		}
	}

	if cfg.RouteTimeout <= 0 {
		return fmt.Errorf("ROUTE_TIMEOUT must be positive, got %s", cfg.RouteTimeout)
	}

	if cfg.TokenEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(cfg.TokenEncryptionKey)
		if err != nil {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be exactly 64 hex characters (32 bytes), got %d bytes", len(keyBytes))
		}
	}

	if cfg.AppEnv == "production" {
		if err := validateDatabaseSSL(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	return nil
}

func validateDatabaseSSL(databaseURL string) error {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
	}

	switch mode := strings.ToLower(u.Query().Get("sslmode")); mode {
	case "disable", "allow":
		return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
	}
	return nil
}
