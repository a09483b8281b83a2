package plugins

import (
	"context"
	"fmt"
	"sync"

	"notifier/internal/engine"
	"notifier/internal/types"
)

// ConfigSource loads plugin configurations. db.PluginConfigurationRepository
// and memstore.Store implement it.
type ConfigSource interface {
	GetPluginConfiguration(ctx context.Context, tenant, id string) (*types.PluginConfiguration, error)
}

var _ engine.PluginResolver = (*Resolver)(nil)

type instanceKey struct {
	tenant string
	id     string
}

// Resolver implements engine.PluginResolver. Successful instantiations are
// cached per (tenant, business id); failures are not, so a fixed
// configuration is picked up on the next pass.
type Resolver struct {
	source   ConfigSource
	registry *Registry
	deps     Deps

	mu         sync.RWMutex
	matchers   map[instanceKey]engine.RuleMatcher
	recipients map[instanceKey]engine.RecipientNotifier
}

// NewResolver creates a Resolver. A nil registry means DefaultRegistry.
func NewResolver(source ConfigSource, registry *Registry, deps Deps) *Resolver {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Resolver{
		source:     source,
		registry:   registry,
		deps:       deps,
		matchers:   make(map[instanceKey]engine.RuleMatcher),
		recipients: make(map[instanceKey]engine.RecipientNotifier),
	}
}

// Matcher returns the rule matcher configured under id.
func (r *Resolver) Matcher(ctx context.Context, tenant, id string) (engine.RuleMatcher, error) {
	key := instanceKey{tenant, id}
	r.mu.RLock()
	m, ok := r.matchers[key]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	cfg, err := r.load(ctx, tenant, id, types.PluginKindMatcher)
	if err != nil {
		return nil, err
	}
	factory, ok := r.registry.matcher(cfg.PluginID)
	if !ok {
		return nil, instantiationError(cfg, fmt.Errorf("unknown matcher type %q", cfg.PluginID))
	}

	m, err = safeBuild(func() (engine.RuleMatcher, error) { return factory(ctx, *cfg, r.deps) })
	if err != nil {
		return nil, instantiationError(cfg, err)
	}

	r.mu.Lock()
	r.matchers[key] = m
	r.mu.Unlock()
	return m, nil
}

// Recipient returns the recipient notifier configured under id.
func (r *Resolver) Recipient(ctx context.Context, tenant, id string) (engine.RecipientNotifier, error) {
	key := instanceKey{tenant, id}
	r.mu.RLock()
	n, ok := r.recipients[key]
	r.mu.RUnlock()
	if ok {
		return n, nil
	}

	cfg, err := r.load(ctx, tenant, id, types.PluginKindRecipient)
	if err != nil {
		return nil, err
	}
	factory, ok := r.registry.recipient(cfg.PluginID)
	if !ok {
		return nil, instantiationError(cfg, fmt.Errorf("unknown recipient type %q", cfg.PluginID))
	}

	n, err = safeBuild(func() (engine.RecipientNotifier, error) { return factory(ctx, *cfg, r.deps) })
	if err != nil {
		return nil, instantiationError(cfg, err)
	}

	r.mu.Lock()
	r.recipients[key] = n
	r.mu.Unlock()
	return n, nil
}

// Invalidate drops every cached instance of tenant.
func (r *Resolver) Invalidate(tenant string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.matchers {
		if k.tenant == tenant {
			delete(r.matchers, k)
		}
	}
	for k := range r.recipients {
		if k.tenant == tenant {
			delete(r.recipients, k)
		}
	}
}

// InvalidateAll drops every cached instance.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.matchers)
	clear(r.recipients)
}

func (r *Resolver) load(ctx context.Context, tenant, id string, kind types.PluginKind) (*types.PluginConfiguration, error) {
	cfg, err := r.source.GetPluginConfiguration(ctx, tenant, id)
	if err != nil {
		if types.ErrorCodeOf(err) == types.ErrCodeNotFoundPlugin {
			return nil, types.NewAppError(types.ErrCodePluginNotFound, fmt.Sprintf("%s plugin %s not found", kind, id), err)
		}
		return nil, err
	}
	details := map[string]any{"label": cfg.Label, "plugin_id": cfg.PluginID}
	if cfg.Kind != kind {
		return nil, types.NewAppErrorWithDetails(types.ErrCodePluginWrongKind,
			fmt.Sprintf("plugin %s is a %s, not a %s", id, cfg.Kind, kind), nil, details)
	}
	if !cfg.Active {
		return nil, types.NewAppErrorWithDetails(types.ErrCodePluginNotAvailable,
			fmt.Sprintf("%s plugin %s is not active", kind, id), nil, details)
	}
	return cfg, nil
}

func instantiationError(cfg *types.PluginConfiguration, err error) error {
	return types.NewAppErrorWithDetails(types.ErrCodePluginInstantiation,
		fmt.Sprintf("%s plugin %s could not be instantiated", cfg.Kind, cfg.BusinessID), err,
		map[string]any{"label": cfg.Label, "plugin_id": cfg.PluginID})
}

// safeBuild turns a factory panic into an error.
func safeBuild[T any](build func() (T, error)) (v T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("factory panicked: %v", p)
		}
	}()
	return build()
}
