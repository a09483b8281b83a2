package memstore

import (
	"cmp"
	"context"
	"slices"

	"notifier/internal/types"
)

func pluginKey(tenant, id string) string {
	return tenant + "/" + id
}

func cloneRule(r types.Rule) types.Rule {
	r.Recipients = slices.Clone(r.Recipients)
	return r
}

// PutRule inserts or replaces a rule. A zero ID allocates a new one.
func (s *Store) PutRule(_ context.Context, rule types.Rule) (types.Rule, error) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	now := s.Clock.Now()
	if rule.ID == 0 {
		s.nextRuleID++
		rule.ID = s.nextRuleID
		rule.CreatedAt = now
	} else if prev, ok := s.rules[rule.ID]; ok {
		rule.CreatedAt = prev.CreatedAt
	}
	rule.UpdatedAt = now
	s.rules[rule.ID] = cloneRule(rule)
	return cloneRule(rule), nil
}

// GetRule returns one rule of tenant.
func (s *Store) GetRule(_ context.Context, tenant string, id int64) (*types.Rule, error) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	r, ok := s.rules[id]
	if !ok || r.Tenant != tenant {
		return nil, types.NewAppError(types.ErrCodeNotFoundRule, "rule not found", nil)
	}
	c := cloneRule(r)
	return &c, nil
}

// DeleteRule removes a rule of tenant.
func (s *Store) DeleteRule(_ context.Context, tenant string, id int64) error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	r, ok := s.rules[id]
	if !ok || r.Tenant != tenant {
		return types.NewAppError(types.ErrCodeNotFoundRule, "rule not found", nil)
	}
	delete(s.rules, id)
	return nil
}

// ListRules returns every rule of tenant ordered by id.
func (s *Store) ListRules(_ context.Context, tenant string) ([]types.Rule, error) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	var out []types.Rule
	for _, r := range s.rules {
		if r.Tenant == tenant {
			out = append(out, cloneRule(r))
		}
	}
	slices.SortFunc(out, func(a, b types.Rule) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// ListActiveRules implements engine.RuleSource.
func (s *Store) ListActiveRules(ctx context.Context, tenant string) ([]types.Rule, error) {
	all, err := s.ListRules(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(r types.Rule) bool { return !r.Active }), nil
}

// PutPluginConfiguration inserts or replaces a plugin configuration.
func (s *Store) PutPluginConfiguration(_ context.Context, cfg types.PluginConfiguration) (types.PluginConfiguration, error) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	cfg.UpdatedAt = s.Clock.Now()
	s.plugins[pluginKey(cfg.Tenant, cfg.BusinessID)] = cfg
	return cfg, nil
}

// GetPluginConfiguration returns one plugin configuration of tenant.
func (s *Store) GetPluginConfiguration(_ context.Context, tenant, id string) (*types.PluginConfiguration, error) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	cfg, ok := s.plugins[pluginKey(tenant, id)]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlugin, "plugin configuration "+id+" not found", nil)
	}
	return &cfg, nil
}

// DeletePluginConfiguration removes a plugin configuration of tenant.
func (s *Store) DeletePluginConfiguration(_ context.Context, tenant, id string) error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	key := pluginKey(tenant, id)
	if _, ok := s.plugins[key]; !ok {
		return types.NewAppError(types.ErrCodeNotFoundPlugin, "plugin configuration "+id+" not found", nil)
	}
	delete(s.plugins, key)
	return nil
}

// ListPluginConfigurations returns every plugin configuration of tenant.
func (s *Store) ListPluginConfigurations(_ context.Context, tenant string) ([]types.PluginConfiguration, error) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	var out []types.PluginConfiguration
	for _, cfg := range s.plugins {
		if cfg.Tenant == tenant {
			out = append(out, cfg)
		}
	}
	slices.SortFunc(out, func(a, b types.PluginConfiguration) int { return cmp.Compare(a.BusinessID, b.BusinessID) })
	return out, nil
}
