// Package main is the entry point of the notifier configuration API.
//
// The API manages tenant rules and plugin configurations and broadcasts
// cache invalidations to the engine processes. Under AWS Lambda it serves
// API Gateway HTTP API events; elsewhere it runs a plain HTTP server with
// graceful shutdown on SIGINT and SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"

	"notifier/internal/api"
	"notifier/internal/app"
	"notifier/internal/broadcast"
	"notifier/internal/config"
	"notifier/internal/db"
	"notifier/internal/plugins"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := app.NewSlog(cfg.LogLevel)
	logger.Info("notifier API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)
	if !cfg.Server.AdminAPIKey.IsSet() {
		logger.Warn("ADMIN_API_KEY is not set; the configuration API is unauthenticated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.Environment == "local" {
		if err := db.Migrate(ctx, pool, cfg.Database.MigrationsTable, app.NewLogger(logger)); err != nil {
			return err
		}
	}

	probes := []api.HealthProbe{api.Probe("database", db.Healthcheck(pool))}

	// The API holds no caches itself; it only tells the engine processes to
	// drop theirs.
	var pubsub broadcast.PubSub
	if cfg.Redis.URL.IsSet() {
		client, err := broadcast.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		pubsub = client
		probes = append(probes, api.Probe("redis", broadcast.Healthcheck(client)))
	} else {
		logger.Warn("REDIS_URL is not set; engine caches expire only on restart")
	}
	invalidator := broadcast.NewInvalidator(pubsub, cfg.Redis.Channel, "api-"+uuid.NewString(), app.NewLogger(logger))

	srv, err := api.NewServer(cfg, db.NewConfigStore(pool), invalidator, plugins.DefaultRegistry(), logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = probes
	srv.MountRoutes()

	if isLambdaEnvironment() {
		lambda.Start(newGatewayHandler(srv.Handler()).ProxyWithContext)
		return nil
	}
	return runHTTPServer(ctx, srv.Handler(), cfg, logger)
}

// isLambdaEnvironment reports whether the process runs inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runHTTPServer serves handler until ctx is cancelled, then drains in-flight
// requests for up to 10 seconds.
func runHTTPServer(ctx context.Context, handler http.Handler, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server stopped cleanly")
	return nil
}
