// Package api serves the configuration API of the notifier: tenant rules,
// plugin configurations and cache invalidation. It runs behind a chi router
// usable both as a local HTTP server and behind an API gateway.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"notifier/internal/config"
	"notifier/internal/types"
)

// ConfigStore persists tenant rules and plugin configurations. Both
// db.ConfigStore and memstore.Store satisfy it.
type ConfigStore interface {
	PutRule(ctx context.Context, rule types.Rule) (types.Rule, error)
	GetRule(ctx context.Context, tenant string, id int64) (*types.Rule, error)
	DeleteRule(ctx context.Context, tenant string, id int64) error
	ListRules(ctx context.Context, tenant string) ([]types.Rule, error)

	PutPluginConfiguration(ctx context.Context, cfg types.PluginConfiguration) (types.PluginConfiguration, error)
	GetPluginConfiguration(ctx context.Context, tenant, id string) (*types.PluginConfiguration, error)
	DeletePluginConfiguration(ctx context.Context, tenant, id string) error
	ListPluginConfigurations(ctx context.Context, tenant string) ([]types.PluginConfiguration, error)
}

// Invalidator drops cached rules and plugin instances of a tenant on every
// instance.
type Invalidator interface {
	InvalidateTenant(ctx context.Context, tenant string) error
}

// PluginCatalog reports which plugin types the running binary can
// instantiate.
type PluginCatalog interface {
	Types(kind types.PluginKind) []string
	Supports(kind types.PluginKind, pluginID string) bool
}

// Server holds the dependencies of the configuration API.
type Server struct {
	Config       *config.Config
	Store        ConfigStore
	Invalidator  Invalidator
	Plugins      PluginCatalog
	Logger       *slog.Logger
	Validator    *Validator
	HealthProbes []HealthProbe

	router *chi.Mux
}

// NewServer checks the required dependencies and prepares an empty router.
// Callers mount routes with MountRoutes once optional fields such as
// HealthProbes are set.
func NewServer(
	cfg *config.Config,
	store ConfigStore,
	invalidator Invalidator,
	catalog PluginCatalog,
	logger *slog.Logger,
) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("config store must not be nil")
	}
	if invalidator == nil {
		return nil, fmt.Errorf("invalidator must not be nil")
	}
	if catalog == nil {
		return nil, fmt.Errorf("plugin catalog must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:      cfg,
		Store:       store,
		Invalidator: invalidator,
		Plugins:     catalog,
		Logger:      logger,
		Validator:   NewValidator(),
		router:      chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// invalidate clears the tenant caches after a successful mutation. The
// write already happened, so a failed broadcast is only logged; the other
// instances converge when their entries are next loaded.
func (s *Server) invalidate(ctx context.Context, tenant string) {
	if err := s.Invalidator.InvalidateTenant(ctx, tenant); err != nil {
		s.Logger.WarnContext(ctx, "cache invalidation failed after configuration change",
			"tenant", tenant,
			"request_id", types.GetTraceID(ctx),
			"error", err,
		)
	}
}
