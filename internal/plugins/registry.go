// Package plugins turns persisted plugin configurations into engine
// capabilities.
//
// A PluginConfiguration names a plugin type (PluginID) and carries its
// parameters. The Registry maps plugin types to factories; the Resolver loads
// configurations, instantiates them through the Registry and caches the
// instances per tenant until invalidated.
package plugins

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"notifier/internal/config"
	"notifier/internal/engine"
	"notifier/internal/external"
	"notifier/internal/types"
)

// Mailer sends one email. external.PostmarkMailer implements it.
type Mailer interface {
	Send(ctx context.Context, e external.Email) (string, error)
}

// SQSBatchSender is the subset of the SQS client used by the forwarding
// recipient.
type SQSBatchSender interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// Deps are the shared dependencies handed to every factory. Nil members
// make the plugins that need them fail instantiation.
type Deps struct {
	Logger  types.Logger
	Clock   types.Clock
	Webhook config.WebhookConfig
	// WebhookClient overrides the SSRF-safe client built from Webhook.
	WebhookClient *http.Client
	// AllowPrivateWebhooks skips URL validation at instantiation. Local
	// runs only.
	AllowPrivateWebhooks bool
	Mailer               Mailer
	SQS                  SQSBatchSender
}

func (d Deps) logger() types.Logger {
	if d.Logger == nil {
		return types.NopLogger{}
	}
	return d.Logger
}

func (d Deps) clock() types.Clock {
	if d.Clock == nil {
		return types.RealClock{}
	}
	return d.Clock
}

// MatcherFactory builds a rule matcher from its configuration.
type MatcherFactory func(ctx context.Context, cfg types.PluginConfiguration, deps Deps) (engine.RuleMatcher, error)

// RecipientFactory builds a recipient notifier from its configuration.
type RecipientFactory func(ctx context.Context, cfg types.PluginConfiguration, deps Deps) (engine.RecipientNotifier, error)

// Registry maps plugin type ids to factories. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	matchers   map[string]MatcherFactory
	recipients map[string]RecipientFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		matchers:   make(map[string]MatcherFactory),
		recipients: make(map[string]RecipientFactory),
	}
}

// DefaultRegistry returns a registry with every built-in plugin type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterMatcher(MatchAllPluginID, newMatchAll)
	r.RegisterMatcher(FieldEqualsPluginID, newFieldEquals)
	r.RegisterMatcher(PatternPluginID, newPatternMatcher)
	r.RegisterRecipient(LogRecipientPluginID, newLogRecipient)
	r.RegisterRecipient(WebhookPluginID, newWebhookRecipient)
	r.RegisterRecipient(EmailPluginID, newEmailRecipient)
	r.RegisterRecipient(SQSForwardPluginID, newSQSForwardRecipient)
	return r
}

// RegisterMatcher adds or replaces a matcher factory.
func (r *Registry) RegisterMatcher(pluginID string, f MatcherFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matchers[pluginID] = f
}

// RegisterRecipient adds or replaces a recipient factory.
func (r *Registry) RegisterRecipient(pluginID string, f RecipientFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recipients[pluginID] = f
}

func (r *Registry) matcher(pluginID string) (MatcherFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.matchers[pluginID]
	return f, ok
}

func (r *Registry) recipient(pluginID string) (RecipientFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.recipients[pluginID]
	return f, ok
}

// Types lists the registered plugin type ids of kind, sorted.
func (r *Registry) Types(kind types.PluginKind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	switch kind {
	case types.PluginKindMatcher:
		for id := range r.matchers {
			ids = append(ids, id)
		}
	case types.PluginKindRecipient:
		for id := range r.recipients {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Supports reports whether pluginID is registered for kind.
func (r *Registry) Supports(kind types.PluginKind, pluginID string) bool {
	switch kind {
	case types.PluginKindMatcher:
		_, ok := r.matcher(pluginID)
		return ok
	case types.PluginKindRecipient:
		_, ok := r.recipient(pluginID)
		return ok
	}
	return false
}
