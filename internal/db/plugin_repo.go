package db

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"notifier/internal/types"
)

// PluginConfigurationRepository provides data access for the
// plugin_configurations table. Rows are keyed by (tenant, business_id).
type PluginConfigurationRepository struct {
	db DBTX
}

// NewPluginConfigurationRepository creates a new repository backed by the
// given database connection (pool or transaction).
func NewPluginConfigurationRepository(db DBTX) *PluginConfigurationRepository {
	return &PluginConfigurationRepository{db: db}
}

const pluginColumns = `tenant, business_id, plugin_id, kind, label, active, parameters, updated_at`

func scanPlugin(row pgx.Row) (types.PluginConfiguration, error) {
	var (
		cfg    types.PluginConfiguration
		kind   string
		params []byte
	)
	if err := row.Scan(
		&cfg.Tenant,
		&cfg.BusinessID,
		&cfg.PluginID,
		&kind,
		&cfg.Label,
		&cfg.Active,
		&params,
		&cfg.UpdatedAt,
	); err != nil {
		return cfg, err
	}
	cfg.Kind = types.PluginKind(kind)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &cfg.Parameters); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// Put inserts or replaces a plugin configuration.
func (r *PluginConfigurationRepository) Put(ctx context.Context, cfg *types.PluginConfiguration) error {
	params, err := json.Marshal(cfg.Parameters)
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidPlugin, "plugin parameters are not serializable", err)
	}
	err = r.db.QueryRow(ctx,
		`INSERT INTO plugin_configurations
		 (tenant, business_id, plugin_id, kind, label, active, parameters, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 ON CONFLICT (tenant, business_id) DO UPDATE SET
		   plugin_id = EXCLUDED.plugin_id,
		   kind = EXCLUDED.kind,
		   label = EXCLUDED.label,
		   active = EXCLUDED.active,
		   parameters = EXCLUDED.parameters,
		   updated_at = EXCLUDED.updated_at
		 RETURNING updated_at`,
		cfg.Tenant,
		cfg.BusinessID,
		cfg.PluginID,
		string(cfg.Kind),
		cfg.Label,
		cfg.Active,
		params,
	).Scan(&cfg.UpdatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save plugin configuration", err)
	}
	return nil
}

// Get returns one plugin configuration of tenant.
func (r *PluginConfigurationRepository) Get(ctx context.Context, tenant, businessID string) (*types.PluginConfiguration, error) {
	cfg, err := scanPlugin(r.db.QueryRow(ctx,
		`SELECT `+pluginColumns+` FROM plugin_configurations WHERE tenant = $1 AND business_id = $2`,
		tenant, businessID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPlugin, "plugin configuration "+businessID+" not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get plugin configuration", err)
	}
	return &cfg, nil
}

// GetPluginConfiguration adapts Get to the plugin resolver's source contract.
func (r *PluginConfigurationRepository) GetPluginConfiguration(ctx context.Context, tenant, businessID string) (*types.PluginConfiguration, error) {
	return r.Get(ctx, tenant, businessID)
}

// Delete removes a plugin configuration.
func (r *PluginConfigurationRepository) Delete(ctx context.Context, tenant, businessID string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM plugin_configurations WHERE tenant = $1 AND business_id = $2`,
		tenant, businessID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete plugin configuration", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundPlugin, "plugin configuration "+businessID+" not found", nil)
	}
	return nil
}

// List returns every plugin configuration of tenant.
func (r *PluginConfigurationRepository) List(ctx context.Context, tenant string) ([]types.PluginConfiguration, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+pluginColumns+` FROM plugin_configurations WHERE tenant = $1 ORDER BY business_id`,
		tenant,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query plugin configurations", err)
	}
	defer rows.Close()

	var out []types.PluginConfiguration
	for rows.Next() {
		cfg, err := scanPlugin(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan plugin configuration", err)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating plugin configurations", err)
	}
	return out, nil
}
