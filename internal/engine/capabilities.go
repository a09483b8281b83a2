package engine

import (
	"context"
	"encoding/json"

	"notifier/internal/types"
)

// RuleMatcher decides whether a request matches a rule.
type RuleMatcher interface {
	Match(ctx context.Context, metadata, payload json.RawMessage) (bool, error)
}

// RecipientNotifier delivers requests to one destination.
type RecipientNotifier interface {
	// Send attempts delivery of every request and returns the ones that
	// failed. A nil slice with a nil error means all succeeded; a non-nil
	// error means all failed.
	Send(ctx context.Context, reqs []*types.NotificationRequest) ([]*types.NotificationRequest, error)
	DirectNotificationEnabled() bool
	RecipientLabel() string
	AckRequired() bool
	BlockingRequired() bool
}

// PluginResolver turns plugin configuration ids into capabilities.
//
// Errors carry one of the plugin_* codes: plugin_not_found,
// plugin_not_available (inactive), plugin_instantiation_failed or
// plugin_wrong_kind.
type PluginResolver interface {
	Matcher(ctx context.Context, tenant, id string) (RuleMatcher, error)
	Recipient(ctx context.Context, tenant, id string) (RecipientNotifier, error)
}

// EventPublisher sends acknowledgement and terminal events to the bus.
type EventPublisher interface {
	Publish(ctx context.Context, events []types.NotifierEvent) error
}

// JobDispatcher hands committed delivery jobs to the job runtime.
type JobDispatcher interface {
	Dispatch(ctx context.Context, jobs []types.DeliveryJob) error
}

// OperatorNotifier raises notifications for humans.
type OperatorNotifier interface {
	Notify(ctx context.Context, n types.OperatorNotification) error
}

// Metrics records engine counters. Implementations must not block.
type Metrics interface {
	RecordRequests(ctx context.Context, phase string, state types.NotificationState, count int)
	RecordConflict(ctx context.Context, operation string)
	RecordDelivery(ctx context.Context, recipient string, succeeded, failed int)
}

// NoopMetrics discards all metrics.
type NoopMetrics struct{}

func (NoopMetrics) RecordRequests(context.Context, string, types.NotificationState, int) {}
func (NoopMetrics) RecordConflict(context.Context, string)                             {}
func (NoopMetrics) RecordDelivery(context.Context, string, int, int)                   {}

// Phase names used for metrics and logs.
const (
	PhaseRegistration = "registration"
	PhaseMatching     = "matching"
	PhaseScheduling   = "scheduling"
	PhaseProcessing   = "processing"
	PhaseCompletion   = "completion"
	PhaseRecovery     = "recovery"
)

// resolvedMatcher caches one resolution outcome within a matching pass.
type resolvedMatcher struct {
	matcher RuleMatcher
	err     error
}

// matcherCache resolves each plugin id at most once per pass.
type matcherCache struct {
	resolver PluginResolver
	tenant   string
	entries  map[string]resolvedMatcher
}

func newMatcherCache(resolver PluginResolver, tenant string) *matcherCache {
	return &matcherCache{resolver: resolver, tenant: tenant, entries: make(map[string]resolvedMatcher)}
}

func (c *matcherCache) get(ctx context.Context, id string) (RuleMatcher, error) {
	if e, ok := c.entries[id]; ok {
		return e.matcher, e.err
	}
	m, err := c.resolver.Matcher(ctx, c.tenant, id)
	c.entries[id] = resolvedMatcher{matcher: m, err: err}
	return m, err
}

// recipientCache mirrors matcherCache for notifiers.
type recipientCache struct {
	resolver PluginResolver
	tenant   string
	entries  map[string]resolvedRecipient
}

type resolvedRecipient struct {
	notifier RecipientNotifier
	err      error
}

func newRecipientCache(resolver PluginResolver, tenant string) *recipientCache {
	return &recipientCache{resolver: resolver, tenant: tenant, entries: make(map[string]resolvedRecipient)}
}

func (c *recipientCache) get(ctx context.Context, id string) (RecipientNotifier, error) {
	if e, ok := c.entries[id]; ok {
		return e.notifier, e.err
	}
	n, err := c.resolver.Recipient(ctx, c.tenant, id)
	c.entries[id] = resolvedRecipient{notifier: n, err: err}
	return n, err
}
