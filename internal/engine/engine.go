package engine

import (
	"context"
	"errors"

	"notifier/internal/types"
)

// DefaultPageSize bounds every paged scan when Deps.PageSize is unset.
const DefaultPageSize = 1000

// Deps holds the collaborators shared by every engine service.
type Deps struct {
	Store     Store
	Resolver  PluginResolver
	Publisher EventPublisher
	Operator  OperatorNotifier
	Metrics   Metrics
	Clock     types.Clock
	Logger    types.Logger
	PageSize  int
}

func (d Deps) withDefaults() Deps {
	if d.Metrics == nil {
		d.Metrics = NoopMetrics{}
	}
	if d.Clock == nil {
		d.Clock = types.RealClock{}
	}
	if d.Logger == nil {
		d.Logger = types.NopLogger{}
	}
	if d.PageSize <= 0 {
		d.PageSize = DefaultPageSize
	}
	return d
}

func (d Deps) logger(ctx context.Context) types.Logger {
	return types.LoggerFromContext(ctx, d.Logger)
}

// publish sends events from inside the transaction of the mutation that
// produced them. See Batch.Publish.
func (d Deps) publish(ctx context.Context, events []types.NotifierEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := d.Publisher.Publish(ctx, events); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue, "failed to publish notifier events", err)
	}
	return nil
}

// notifyOperator never fails the caller; the notice is logged instead.
func (d Deps) notifyOperator(ctx context.Context, n types.OperatorNotification) {
	if d.Operator == nil {
		return
	}
	if err := d.Operator.Notify(ctx, n); err != nil {
		d.logger(ctx).Error("failed to notify operator",
			"title", n.Title,
			"level", string(n.Level),
			"error", err,
		)
	}
}

// pluginLabel extracts the configuration label a resolver attached to its
// error, falling back to the plugin id.
func pluginLabel(err error, id string) string {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		if label, ok := appErr.Details["label"].(string); ok && label != "" {
			return label
		}
	}
	return id
}

func countByState(reqs []*types.NotificationRequest) map[types.NotificationState]int {
	counts := make(map[types.NotificationState]int)
	for _, r := range reqs {
		counts[r.State]++
	}
	return counts
}

func (d Deps) recordStates(ctx context.Context, phase string, reqs []*types.NotificationRequest) {
	for state, n := range countByState(reqs) {
		d.Metrics.RecordRequests(ctx, phase, state, n)
	}
}
