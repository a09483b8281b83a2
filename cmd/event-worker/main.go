// Package main is the entrypoint for the event-worker Lambda function.
//
// The event worker consumes request events from the inbound SQS queue and
// hands them to the Registration Service, one batch per tenant. Messages are
// grouped by their tenant attribute; a single configured tenant is used for
// messages without one.
//
// Lambda SQS integration uses partial batch responses: when a tenant batch
// fails to register, its messages are reported in batchItemFailures and the
// queue redelivers them. Undecodable messages are logged and dropped since
// they can never succeed.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"notifier/internal/app"
	"notifier/internal/config"
	"notifier/internal/engine"
	"notifier/internal/queue"
	"notifier/internal/types"
)

// Registrar registers request events for one tenant.
type Registrar interface {
	Register(ctx context.Context, tenant string, events []types.RequestEvent) (engine.RegistrationSummary, error)
}

// Flusher sends metrics buffered during an invocation.
type Flusher interface {
	Flush(ctx context.Context)
}

// Handler holds the dependencies for the event-worker Lambda handler.
type Handler struct {
	registrar     Registrar
	codec         *queue.Codec
	defaultTenant string
	metrics       Flusher
	logger        types.Logger
}

// Handle registers every decodable request event of sqsEvent.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}
	if h.metrics != nil {
		defer h.metrics.Flush(context.WithoutCancel(ctx))
	}

	batches, rejected := queue.GroupRequestEvents(h.codec, h.defaultTenant, sqsEvent.Records)
	for _, r := range rejected {
		h.logger.Error("dropping undecodable request event",
			"message_id", r.MessageID,
			"error", r.Err.Error(),
		)
	}

	for _, batch := range batches {
		logger := h.logger.With("tenant", batch.Tenant)
		summary, err := h.registrar.Register(ctx, batch.Tenant, batch.Events)
		if err != nil {
			logger.Error("failed to register request events",
				"count", len(batch.Events),
				"error", err.Error(),
			)
			for _, id := range batch.MessageIDs {
				response.BatchItemFailures = append(response.BatchItemFailures,
					events.SQSBatchItemFailure{ItemIdentifier: id},
				)
			}
			continue
		}
		logger.Info("request events registered",
			"count", len(batch.Events),
			"created", summary.Created,
			"rearmed", summary.Rearmed,
			"denied", summary.Denied,
			"duplicates", summary.Duplicates,
		)
	}

	return response, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("event-worker Lambda initializing (cold start)")

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

	var defaultTenant string
	if len(cfg.Engine.Tenants) == 1 {
		defaultTenant = cfg.Engine.Tenants[0]
	}

	handler := &Handler{
		registrar:     engine.NewRegistrationService(a.Deps, a.RuleCache),
		codec:         a.Codec,
		defaultTenant: defaultTenant,
		metrics:       a,
		logger:        a.Logger,
	}

	logger.Info("event-worker Lambda initialized",
		"default_tenant", defaultTenant,
		"event_sink_queue", cfg.AWS.EventQueue,
	)

	lambda.Start(handler.Handle)
}
