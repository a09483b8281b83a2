// Package main is the entrypoint for the delivery-worker Lambda function.
//
// The delivery worker consumes job pointers from the delivery job queue. Each
// message names one delivery job; the Processing Service claims it, sends its
// requests through the recipient plugin and records the per-request outcome.
//
// Records of one SQS batch are processed concurrently. A redelivered message
// for a job that was already claimed is a no-op; a job stuck after a crash is
// picked up by the recover_jobs engine task.
package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"golang.org/x/sync/errgroup"

	"notifier/internal/app"
	"notifier/internal/config"
	"notifier/internal/engine"
	"notifier/internal/queue"
	"notifier/internal/types"
)

const defaultConcurrency = 4

// JobProcessor runs one delivery job.
type JobProcessor interface {
	ProcessJob(ctx context.Context, jobID string) (engine.DeliverySummary, error)
}

// Flusher sends metrics buffered during an invocation.
type Flusher interface {
	Flush(ctx context.Context)
}

// Handler holds the dependencies for the delivery-worker Lambda handler.
type Handler struct {
	processor   JobProcessor
	concurrency int
	metrics     Flusher
	logger      types.Logger
}

// Handle processes every job message of sqsEvent and reports the ones that
// should be redelivered.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	if h.metrics != nil {
		defer h.metrics.Flush(context.WithoutCancel(ctx))
	}

	var (
		mu       sync.Mutex
		response events.SQSEventResponse
	)

	g, gctx := errgroup.WithContext(ctx)
	limit := h.concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	g.SetLimit(limit)

	for _, record := range sqsEvent.Records {
		g.Go(func() error {
			if h.processMessage(gctx, record) {
				return nil
			}
			mu.Lock()
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return response, nil
}

// processMessage returns false when the message should be redelivered.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) bool {
	logger := h.logger.With("message_id", record.MessageId)

	msg, err := queue.DecodeJobMessage(record.Body)
	if err != nil {
		logger.Error("dropping undecodable job message", "error", err.Error())
		return true
	}
	logger = logger.With("job_id", msg.JobID, "tenant", msg.Tenant)
	ctx = types.WithLogger(ctx, logger)

	summary, err := h.processor.ProcessJob(ctx, msg.JobID)
	if err != nil {
		if types.ErrorCodeOf(err) == types.ErrCodeNotFoundJob {
			logger.Warn("delivery job no longer exists", "error", err.Error())
			return true
		}
		logger.Error("failed to process delivery job", "error", err.Error())
		return false
	}
	if summary.Skipped {
		logger.Info("duplicate job message ignored")
	}
	return true
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("delivery-worker Lambda initializing (cold start)")

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
		processor:   engine.NewProcessingService(a.Deps, a.Dispatcher, cfg.Engine.ScheduleParallelism),
		concurrency: cfg.Engine.ScheduleParallelism,
		metrics:     a,
		logger:      a.Logger,
	}

	logger.Info("delivery-worker Lambda initialized",
		"job_queue", cfg.AWS.JobQueue,
		"concurrency", handler.concurrency,
	)

	lambda.Start(handler.Handle)
}
