// Package main implements the job-runner CLI for invoking engine tasks
// directly, bypassing the AWS Lambda shim.
//
// It is intended for local development, manual recovery and operational
// debugging. It builds a scheduler.TaskPayload and runs it through the same
// scheduler.Runner the engine-tasks Lambda uses.
//
// Usage:
//
//	go run ./cmd/tools/job-runner --migrate
//	go run ./cmd/tools/job-runner --task=match_requests --tenant=acme
//	go run ./cmd/tools/job-runner --task=purge_jobs --reference-time=2026-01-15T02:00:00Z
//	go run ./cmd/tools/job-runner --dry-run --task=recover_jobs
//	go run ./cmd/tools/job-runner --list
//
// Configuration is read like every other process (environment, optional
// .env file, SSM pointers unless APP_ENV=local).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"notifier/internal/app"
	"notifier/internal/config"
	"notifier/internal/db"
	"notifier/internal/engine"
	"notifier/internal/scheduler"
)

// tasksRequiringQueues publish events or dispatch jobs.
var tasksRequiringQueues = map[scheduler.TaskType]bool{
	scheduler.TaskMatchRequests:      true,
	scheduler.TaskScheduleRecipients: true,
	scheduler.TaskCheckCompleted:     true,
}

func main() {
	taskFlag := flag.String("task", "", "Task type to execute (e.g., match_requests)")
	tenantFlag := flag.String("tenant", "", "Run for this tenant only (default: every ENGINE_TENANTS entry)")
	refTimeFlag := flag.String("reference-time", "", "Override reference time (RFC3339, e.g., 2026-01-15T02:00:00Z)")
	listFlag := flag.Bool("list", false, "List all available task types and exit")
	dryRunFlag := flag.Bool("dry-run", false, "Print the JSON payload without executing")
	migrateFlag := flag.Bool("migrate", false, "Apply database migrations and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: job-runner [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Invoke engine tasks directly, bypassing Lambda.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nUse --list to see all available task types.\n")
	}

	flag.Parse()

	if *listFlag {
		printAvailableTasks()
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *migrateFlag {
		if err := migrate(ctx, logger); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		return
	}

	payload, err := buildPayload(*taskFlag, *tenantFlag, *refTimeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}

	if *dryRunFlag {
		printPayload(payload)
		return
	}

	result, err := executeTask(ctx, payload, logger)
	if err != nil {
		logger.Error("task execution failed",
			"task", string(payload.Task),
			"error", err,
		)
		os.Exit(1)
	}

	logger.Info("task execution succeeded",
		"task", string(payload.Task),
		"result", result,
	)
}

// buildPayload validates the flags and turns them into a TaskPayload.
func buildPayload(task, tenant, refTime string) (scheduler.TaskPayload, error) {
	if task == "" {
		return scheduler.TaskPayload{}, fmt.Errorf("--task is required")
	}
	payload := scheduler.TaskPayload{Task: scheduler.TaskType(task), Tenant: tenant}
	if !payload.Task.Valid() {
		return payload, fmt.Errorf("unknown task type %q", task)
	}
	if refTime != "" {
		t, err := time.Parse(time.RFC3339, refTime)
		if err != nil {
			return payload, fmt.Errorf("invalid --reference-time %q: expected RFC3339: %w", refTime, err)
		}
		payload.ReferenceTime = &t
	}
	return payload, nil
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
}

func migrate(ctx context.Context, logger *slog.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	return db.Migrate(ctx, pool, cfg.Database.MigrationsTable, app.NewLogger(logger))
}

// executeTask wires the application the way engine-tasks does and runs
// payload once.
func executeTask(ctx context.Context, payload scheduler.TaskPayload, logger *slog.Logger) (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return "", err
	}
	defer a.Close()
	defer a.Flush(context.WithoutCancel(ctx))

	if tasksRequiringQueues[payload.Task] {
		if err := a.RequireQueues(); err != nil {
			return "", err
		}
	}

	runner := &scheduler.Runner{
		Services: scheduler.Services{
			Matching:   engine.NewMatchingService(a.Deps),
			Processing: engine.NewProcessingService(a.Deps, a.Dispatcher, cfg.Engine.ScheduleParallelism),
			Completion: engine.NewCompletionChecker(a.Deps),
			Recovery:   engine.NewRecoveryService(a.Deps, cfg.Engine.JobCrashTTL),
			Jobs:       a.Jobs,
		},
		JobLock:    db.NewJobLockRepository(a.Pool),
		JobHistory: db.NewJobHistoryRepository(a.Pool),
		Tenants:    cfg.Engine.Tenants,
		WorkerID:   "job-runner-" + a.InstanceID,
		LockTTL:    cfg.Engine.LockTTL,
		Logger:     logger,
	}
	return runner.Run(ctx, payload)
}

// printAvailableTasks prints every task type and its description to stderr,
// sorted by name.
func printAvailableTasks() {
	fmt.Fprintf(os.Stderr, "Available task types:\n\n")

	tasks := make([]scheduler.TaskType, 0, len(scheduler.Descriptions))
	for t := range scheduler.Descriptions {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return string(tasks[i]) < string(tasks[j])
	})

	maxLen := 0
	for _, t := range tasks {
		maxLen = max(maxLen, len(string(t)))
	}

	for _, t := range tasks {
		fmt.Fprintf(os.Stderr, "  %-*s  %s\n", maxLen, string(t), scheduler.Descriptions[t])
	}
	fmt.Fprintln(os.Stderr)
}

// printPayload writes payload as indented JSON to stdout.
func printPayload(payload scheduler.TaskPayload) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to marshal payload: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
	fmt.Fprintf(os.Stderr, "\nTask: %s\nDescription: %s\n", payload.Task, scheduler.Descriptions[payload.Task])
}
