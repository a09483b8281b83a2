// Package main is the entrypoint for the engine-tasks Lambda function.
//
// EventBridge rules invoke it with a scheduler.TaskPayload. Each run executes
// one engine pass (matching, scheduling, completion, crash recovery or job
// purge) for every configured tenant, or for the tenant named in the payload.
//
// Cold Start (main):
//  1. Resolve SSM secrets and load configuration.
//  2. Build the application (database pool, queues, plugin resolver).
//  3. Create the engine services and the task runner.
//  4. Register the handler and call lambda.Start.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"notifier/internal/app"
	"notifier/internal/config"
	"notifier/internal/db"
	"notifier/internal/engine"
	"notifier/internal/scheduler"
)

// TaskRunner runs one task payload.
type TaskRunner interface {
	Run(ctx context.Context, payload scheduler.TaskPayload) (string, error)
}

// Flusher sends metrics buffered during an invocation.
type Flusher interface {
	Flush(ctx context.Context)
}

// Handler holds the dependencies for the engine-tasks Lambda handler.
type Handler struct {
	Runner  TaskRunner
	Metrics Flusher
	Logger  *slog.Logger
}

// Handle runs payload and flushes metrics whatever the outcome.
func (h *Handler) Handle(ctx context.Context, payload scheduler.TaskPayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if h.Metrics != nil {
		defer h.Metrics.Flush(context.WithoutCancel(ctx))
	}

	result, err := h.Runner.Run(ctx, payload)
	if err != nil {
		logger.ErrorContext(ctx, "engine task failed",
			"task", string(payload.Task),
			"tenant", payload.Tenant,
			"error", err,
		)
		return "", err
	}
	return result, nil
}

func newRunner(a *app.App, logger *slog.Logger) *scheduler.Runner {
	cfg := a.Config
	processing := engine.NewProcessingService(a.Deps, a.Dispatcher, cfg.Engine.ScheduleParallelism)
	return &scheduler.Runner{
		Services: scheduler.Services{
			Matching:   engine.NewMatchingService(a.Deps),
			Processing: processing,
			Completion: engine.NewCompletionChecker(a.Deps),
			Recovery:   engine.NewRecoveryService(a.Deps, cfg.Engine.JobCrashTTL),
			Jobs:       a.Jobs,
		},
		JobLock:    db.NewJobLockRepository(a.Pool),
		JobHistory: db.NewJobHistoryRepository(a.Pool),
		Tenants:    cfg.Engine.Tenants,
		WorkerID:   a.InstanceID,
		LockTTL:    cfg.Engine.LockTTL,
		Logger:     logger,
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("engine-tasks Lambda initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to build application", "error", err)
		os.Exit(1)
	}
	if err := a.RequireQueues(); err != nil {
		logger.Error("Invalid queue configuration", "error", err)
		os.Exit(1)
	}
	a.Listen(ctx)

	handler := &Handler{
		Runner:  newRunner(a, logger),
		Metrics: a,
		Logger:  logger,
	}

	logger.Info("engine-tasks Lambda initialized",
		"tenants", cfg.Engine.Tenants,
		"worker_id", a.InstanceID,
	)

	lambda.Start(handler.Handle)
}
