package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"

	"notifier/internal/types"
)

// RuleCache keeps the active rules of each tenant in memory. Entries are
// loaded on miss and dropped on Invalidate; they are never patched in place.
type RuleCache struct {
	source RuleSource
	group  singleflight.Group

	mu         sync.RWMutex
	rules      map[string][]types.Rule
	generation map[string]uint64
	epoch      uint64
}

// NewRuleCache creates an empty cache over source.
func NewRuleCache(source RuleSource) *RuleCache {
	return &RuleCache{
		source:     source,
		rules:      make(map[string][]types.Rule),
		generation: make(map[string]uint64),
	}
}

// Rules returns the active rules of tenant. Concurrent misses for the same
// tenant share one load.
func (c *RuleCache) Rules(ctx context.Context, tenant string) ([]types.Rule, error) {
	c.mu.RLock()
	rules, ok := c.rules[tenant]
	gen, epoch := c.generation[tenant], c.epoch
	c.mu.RUnlock()
	if ok {
		return slices.Clone(rules), nil
	}

	// Misses started after an invalidation never join a load started before it.
	key := fmt.Sprintf("%s/%d/%d", tenant, gen, epoch)
	v, err, _ := c.group.Do(key, func() (any, error) {
		loaded, err := c.source.ListActiveRules(ctx, tenant)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		// A load that raced with an invalidation is returned but not kept.
		if c.generation[tenant] == gen && c.epoch == epoch {
			c.rules[tenant] = loaded
		}
		c.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalRules, "failed to load rules for tenant "+tenant, err)
	}
	return slices.Clone(v.([]types.Rule)), nil
}

// Invalidate drops the cached rules of tenant.
func (c *RuleCache) Invalidate(tenant string) {
	c.mu.Lock()
	delete(c.rules, tenant)
	c.generation[tenant]++
	c.mu.Unlock()
}

// InvalidateAll drops every cached tenant, including loads still in flight.
func (c *RuleCache) InvalidateAll() {
	c.mu.Lock()
	c.epoch++
	clear(c.rules)
	c.mu.Unlock()
}
