package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/xabirequejo/feditext/internal/app"
	"github.com/xabirequejo/feditext/internal/config"
	"github.com/xabirequejo/feditext/internal/crypto"
	"github.com/xabirequejo/feditext/internal/database"
	"github.com/xabirequejo/feditext/internal/gateway"
	"github.com/xabirequejo/feditext/internal/logging"
	"github.com/xabirequejo/feditext/internal/redis"
	"github.com/xabirequejo/feditext/internal/registry"
	"github.com/xabirequejo/feditext/internal/retry"
	"github.com/xabirequejo/feditext/internal/server"
	"github.com/xabirequejo/feditext/internal/version"
)

// connectPolicy retries startup connections; a database or Redis that is
// still coming up should not kill the daemon.
var connectPolicy = retry.Policy{
	MaxAttempts:    5,
	InitialBackoff: time.Second,
	OnRetry: func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Connection attempt failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	},
}

func transient(error) retry.Action { return retry.Retry }

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(ctx context.Context, cfg *config.Config) *pgxpool.Pool {
	pool, err := retry.Do(ctx, connectPolicy, transient, func() (*pgxpool.Pool, error) {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return database.Connect(connectCtx, cfg.DatabaseURL)
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := database.RunMigrations(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(ctx context.Context, cfg *config.Config) *redis.Client {
	client, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to create Redis client", "error", err)
		os.Exit(1)
	}
	if err := retry.DoVoid(ctx, connectPolicy, transient, func() error { return client.Ping(ctx) }); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupCrypto(cfg *config.Config) crypto.Service {
	if cfg.TokenEncryptionKey == "" {
		slog.Warn("TOKEN_ENCRYPTION_KEY not set, device tokens stored in plaintext")
		return crypto.NoopService{}
	}

	svc, err := crypto.NewAesGcmService(cfg.TokenEncryptionKey)
	if err != nil {
		slog.Error("Failed to create crypto service", "error", err)
		os.Exit(1)
	}
	return svc
}

func runGracefulShutdown(srv *server.Server, appSvc *app.Service) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		appSvc.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Daemon starting", "env", cfg.AppEnv, "port", cfg.Port,
		"build", version.Get().String())

	pool := setupDB(context.Background(), cfg)
	defer pool.Close()

	redisClient := setupRedis(context.Background(), cfg)
	defer func() { _ = redisClient.Close() }()

	store := database.NewIdentityStore(pool, setupCrypto(cfg))
	signals := redis.NewSignals(redisClient)
	identities := registry.New(store, signals)

	relay := gateway.NewClient(cfg.RelayURL, cfg.RelayToken, clock)

	appSvc := app.NewService(identities, relay, cfg.RouteTimeout, clock)
	if err := appSvc.Start(context.Background()); err != nil {
		slog.Error("Failed to start application service", "error", err)
		os.Exit(1)
	}

	srv := server.NewServer(cfg, appSvc.Sessions(), identities, map[string]server.Pinger{
		"database": pool,
		"redis":    redisClient,
	})

	done := runGracefulShutdown(srv, appSvc)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
