package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"notifier/internal/types"
)

// ruleRequest is the body of rule create and update calls.
type ruleRequest struct {
	Name            string   `json:"name"`
	MatcherPluginID string   `json:"matcher_plugin_id"`
	Recipients      []string `json:"recipients"`
	Active          *bool    `json:"active"`
}

func (req ruleRequest) apply(rule *types.Rule) {
	rule.Name = req.Name
	rule.MatcherPluginID = req.MatcherPluginID
	rule.Recipients = req.Recipients
	if rule.Recipients == nil {
		rule.Recipients = []string{}
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.Store.ListRules(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		Error(w, r, err)
		return
	}
	if rules == nil {
		rules = []types.Rule{}
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: rules})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	var req ruleRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	rule := types.Rule{Tenant: tenant, Active: true}
	req.apply(&rule)

	saved, err := s.saveRule(r, rule)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusCreated, APIResponse{Data: saved})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err != nil {
		Error(w, r, err)
		return
	}
	rule, err := s.Store.GetRule(r.Context(), chi.URLParam(r, "tenant"), id)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: rule})
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	id, err := ruleID(r)
	if err != nil {
		Error(w, r, err)
		return
	}

	var req ruleRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	existing, err := s.Store.GetRule(r.Context(), tenant, id)
	if err != nil {
		Error(w, r, err)
		return
	}
	rule := *existing
	req.apply(&rule)

	saved, err := s.saveRule(r, rule)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: saved})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	id, err := ruleID(r)
	if err != nil {
		Error(w, r, err)
		return
	}
	if err := s.Store.DeleteRule(r.Context(), tenant, id); err != nil {
		Error(w, r, err)
		return
	}
	s.invalidate(r.Context(), tenant)
	w.WriteHeader(http.StatusNoContent)
}

// saveRule validates rule, checks that its matcher is a configured matcher
// of the tenant, stores it and invalidates the tenant caches.
func (s *Server) saveRule(r *http.Request, rule types.Rule) (types.Rule, error) {
	ctx := r.Context()
	if err := s.Validator.ValidateStruct(rule, types.ErrCodeValidationInvalidRule); err != nil {
		return rule, err
	}

	matcher, err := s.Store.GetPluginConfiguration(ctx, rule.Tenant, rule.MatcherPluginID)
	if err != nil {
		if types.ErrorCodeOf(err) == types.ErrCodeNotFoundPlugin {
			return rule, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidRule,
				"matcher "+rule.MatcherPluginID+" is not configured", nil,
				map[string]any{"field": "matcher_plugin_id"})
		}
		return rule, err
	}
	if matcher.Kind != types.PluginKindMatcher {
		return rule, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidRule,
			rule.MatcherPluginID+" is not a matcher", nil,
			map[string]any{"field": "matcher_plugin_id", "kind": string(matcher.Kind)})
	}

	saved, err := s.Store.PutRule(ctx, rule)
	if err != nil {
		return rule, err
	}
	s.invalidate(ctx, rule.Tenant)
	return saved, nil
}

func ruleID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "ruleID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, types.NewAppError(types.ErrCodeNotFoundRule, "rule "+raw+" not found", nil)
	}
	return id, nil
}
