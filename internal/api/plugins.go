package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"notifier/internal/types"
)

// pluginRequest is the body of a plugin configuration upsert. The business
// id comes from the path.
type pluginRequest struct {
	PluginID   string           `json:"plugin_id"`
	Kind       types.PluginKind `json:"kind"`
	Label      string           `json:"label"`
	Active     *bool            `json:"active"`
	Parameters map[string]any   `json:"parameters"`
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	cfgs, err := s.Store.ListPluginConfigurations(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		Error(w, r, err)
		return
	}
	if cfgs == nil {
		cfgs = []types.PluginConfiguration{}
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: cfgs})
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Store.GetPluginConfiguration(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "businessID"))
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: cfg})
}

// handlePutPlugin creates or replaces a plugin configuration. The plugin
// type must be compiled into this binary for the given kind.
func (s *Server) handlePutPlugin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := chi.URLParam(r, "tenant")
	businessID := chi.URLParam(r, "businessID")

	if err := s.Validator.ValidateIdentifier("business_id", businessID, types.ErrCodeValidationInvalidPlugin); err != nil {
		Error(w, r, err)
		return
	}

	var req pluginRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	cfg := types.PluginConfiguration{
		BusinessID: businessID,
		Tenant:     tenant,
		PluginID:   req.PluginID,
		Kind:       req.Kind,
		Label:      req.Label,
		Active:     true,
		Parameters: req.Parameters,
	}
	if req.Active != nil {
		cfg.Active = *req.Active
	}

	if err := s.Validator.ValidateStruct(cfg, types.ErrCodeValidationInvalidPlugin); err != nil {
		Error(w, r, err)
		return
	}
	if !s.Plugins.Supports(cfg.Kind, cfg.PluginID) {
		Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPlugin,
			"unknown "+string(cfg.Kind)+" plugin type "+cfg.PluginID, nil,
			map[string]any{"available": s.Plugins.Types(cfg.Kind)}))
		return
	}

	status := http.StatusOK
	if _, err := s.Store.GetPluginConfiguration(ctx, tenant, businessID); err != nil {
		if types.ErrorCodeOf(err) != types.ErrCodeNotFoundPlugin {
			Error(w, r, err)
			return
		}
		status = http.StatusCreated
	}

	saved, err := s.Store.PutPluginConfiguration(ctx, cfg)
	if err != nil {
		Error(w, r, err)
		return
	}
	s.invalidate(ctx, tenant)
	JSON(w, r, status, APIResponse{Data: saved})
}

func (s *Server) handleDeletePlugin(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	if err := s.Store.DeletePluginConfiguration(r.Context(), tenant, chi.URLParam(r, "businessID")); err != nil {
		Error(w, r, err)
		return
	}
	s.invalidate(r.Context(), tenant)
	w.WriteHeader(http.StatusNoContent)
}

// handleListPluginTypes reports the plugin types available per kind.
func (s *Server) handleListPluginTypes(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, APIResponse{Data: map[types.PluginKind][]string{
		types.PluginKindMatcher:   s.Plugins.Types(types.PluginKindMatcher),
		types.PluginKindRecipient: s.Plugins.Types(types.PluginKindRecipient),
	}})
}

// handleInvalidate drops the cached rules and plugin instances of the
// tenant everywhere. Unlike the implicit invalidation after a write, a
// failed broadcast is reported to the caller.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if err := s.Invalidator.InvalidateTenant(r.Context(), chi.URLParam(r, "tenant")); err != nil {
		Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
