package db

import (
	"context"

	"notifier/internal/types"
)

// ConfigStore exposes the rule and plugin configuration repositories through
// one value-oriented API, the shape the configuration API consumes.
type ConfigStore struct {
	rules   *RuleRepository
	plugins *PluginConfigurationRepository
}

// NewConfigStore creates a ConfigStore over db.
func NewConfigStore(db DBTX) *ConfigStore {
	return &ConfigStore{
		rules:   NewRuleRepository(db),
		plugins: NewPluginConfigurationRepository(db),
	}
}

// PutRule creates the rule when its ID is zero and updates it otherwise.
func (s *ConfigStore) PutRule(ctx context.Context, rule types.Rule) (types.Rule, error) {
	var err error
	if rule.ID == 0 {
		err = s.rules.Create(ctx, &rule)
	} else {
		err = s.rules.Update(ctx, &rule)
	}
	return rule, err
}

func (s *ConfigStore) GetRule(ctx context.Context, tenant string, id int64) (*types.Rule, error) {
	return s.rules.Get(ctx, tenant, id)
}

func (s *ConfigStore) DeleteRule(ctx context.Context, tenant string, id int64) error {
	return s.rules.Delete(ctx, tenant, id)
}

func (s *ConfigStore) ListRules(ctx context.Context, tenant string) ([]types.Rule, error) {
	return s.rules.List(ctx, tenant)
}

func (s *ConfigStore) PutPluginConfiguration(ctx context.Context, cfg types.PluginConfiguration) (types.PluginConfiguration, error) {
	err := s.plugins.Put(ctx, &cfg)
	return cfg, err
}

func (s *ConfigStore) GetPluginConfiguration(ctx context.Context, tenant, id string) (*types.PluginConfiguration, error) {
	return s.plugins.Get(ctx, tenant, id)
}

func (s *ConfigStore) DeletePluginConfiguration(ctx context.Context, tenant, id string) error {
	return s.plugins.Delete(ctx, tenant, id)
}

func (s *ConfigStore) ListPluginConfigurations(ctx context.Context, tenant string) ([]types.PluginConfiguration, error) {
	return s.plugins.List(ctx, tenant)
}
