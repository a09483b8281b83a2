package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"notifier/internal/types"
)

// RuleRepository provides data access for the rules table.
type RuleRepository struct {
	db DBTX
}

// NewRuleRepository creates a new RuleRepository backed by the given
// database connection (pool or transaction).
func NewRuleRepository(db DBTX) *RuleRepository {
	return &RuleRepository{db: db}
}

const ruleColumns = `id, tenant, name, matcher_plugin_id, recipients, active, created_at, updated_at`

func scanRule(row pgx.Row) (types.Rule, error) {
	var r types.Rule
	err := row.Scan(
		&r.ID,
		&r.Tenant,
		&r.Name,
		&r.MatcherPluginID,
		&r.Recipients,
		&r.Active,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	return r, err
}

// Create inserts a rule and fills ID and timestamps.
func (r *RuleRepository) Create(ctx context.Context, rule *types.Rule) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO rules (tenant, name, matcher_plugin_id, recipients, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		 RETURNING id, created_at, updated_at`,
		rule.Tenant,
		rule.Name,
		rule.MatcherPluginID,
		nonNilStrings(rule.Recipients),
		rule.Active,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictExists, "a rule named "+rule.Name+" already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create rule", err)
	}
	return nil
}

// Update replaces the mutable fields of a rule.
func (r *RuleRepository) Update(ctx context.Context, rule *types.Rule) error {
	err := r.db.QueryRow(ctx,
		`UPDATE rules
		 SET name = $3, matcher_plugin_id = $4, recipients = $5, active = $6, updated_at = NOW()
		 WHERE tenant = $1 AND id = $2
		 RETURNING created_at, updated_at`,
		rule.Tenant,
		rule.ID,
		rule.Name,
		rule.MatcherPluginID,
		nonNilStrings(rule.Recipients),
		rule.Active,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.NewAppError(types.ErrCodeNotFoundRule, "rule not found", nil)
		}
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictExists, "a rule named "+rule.Name+" already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update rule", err)
	}
	return nil
}

// Get returns one rule of tenant.
func (r *RuleRepository) Get(ctx context.Context, tenant string, id int64) (*types.Rule, error) {
	rule, err := scanRule(r.db.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE tenant = $1 AND id = $2`,
		tenant, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundRule, "rule not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get rule", err)
	}
	return &rule, nil
}

// Delete removes a rule. Pending request_rules rows referencing it are
// resolved by the next matching pass.
func (r *RuleRepository) Delete(ctx context.Context, tenant string, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM rules WHERE tenant = $1 AND id = $2`, tenant, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete rule", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundRule, "rule not found", nil)
	}
	return nil
}

// List returns every rule of tenant ordered by id.
func (r *RuleRepository) List(ctx context.Context, tenant string) ([]types.Rule, error) {
	return r.list(ctx, `SELECT `+ruleColumns+` FROM rules WHERE tenant = $1 ORDER BY id`, tenant)
}

// ListActiveRules feeds the rule cache.
func (r *RuleRepository) ListActiveRules(ctx context.Context, tenant string) ([]types.Rule, error) {
	return r.list(ctx, `SELECT `+ruleColumns+` FROM rules WHERE tenant = $1 AND active ORDER BY id`, tenant)
}

// FindRules returns the rules of tenant with the given ids, active or not.
func (r *RuleRepository) FindRules(ctx context.Context, tenant string, ids []int64) ([]types.Rule, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.list(ctx, `SELECT `+ruleColumns+` FROM rules WHERE tenant = $1 AND id = ANY($2) ORDER BY id`, tenant, ids)
}

func (r *RuleRepository) list(ctx context.Context, sql string, args ...any) ([]types.Rule, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query rules", err)
	}
	defer rows.Close()

	var rules []types.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan rule", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating rules", err)
	}
	return rules, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
