package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"notifier/internal/types"
)

const matcherInstantiationTitle = "Some rule matcher plugins could not be instantiated"

// MatchSummary reports the outcome of one matching pass.
type MatchSummary struct {
	Processed int
	Matched   int
	Failed    int
}

// MatchingService evaluates pending rules of GRANTED requests.
type MatchingService struct {
	deps Deps
}

// NewMatchingService creates a MatchingService.
func NewMatchingService(deps Deps) *MatchingService {
	return &MatchingService{deps: deps.withDefaults()}
}

type matchResult struct {
	acks      []types.NotifierEvent
	broken    map[string]string // plugin id -> label
	summary   MatchSummary
	processed []*types.NotificationRequest
}

// MatchPage runs one matching pass over the oldest page of GRANTED requests.
//
// A rule whose matcher cannot be resolved or fails to evaluate stays pending
// and the request stays GRANTED; its other rules and every other request of
// the page are still handled.
func (s *MatchingService) MatchPage(ctx context.Context, tenant string) (MatchSummary, error) {
	logger := s.deps.logger(ctx).With("tenant", tenant)

	res, err := RunBatch(ctx, s.deps.Store, logger, s.deps.Metrics, Batch[matchResult]{
		Operation: PhaseMatching,
		Load: func(ctx context.Context, tx Tx) ([]*types.NotificationRequest, error) {
			return tx.FindPageByState(ctx, tenant, types.StateGranted, s.deps.PageSize)
		},
		Apply: func(ctx context.Context, tx Tx, reqs []*types.NotificationRequest) (matchResult, error) {
			return s.apply(ctx, tx, tenant, reqs)
		},
		Publish: func(ctx context.Context, res matchResult) error {
			return s.deps.publish(ctx, res.acks)
		},
	})
	if err != nil {
		return MatchSummary{}, fmt.Errorf("match requests: %w", err)
	}

	if len(res.broken) > 0 {
		s.deps.notifyOperator(ctx, brokenMatchersNotice(tenant, res.broken))
	}
	s.deps.recordStates(ctx, PhaseMatching, res.processed)

	if res.summary.Processed > 0 {
		logger.Info("matching pass done",
			"count", res.summary.Processed,
			"matched", res.summary.Matched,
			"failed", res.summary.Failed,
		)
	}
	return res.summary, nil
}

func (s *MatchingService) apply(ctx context.Context, tx Tx, tenant string, reqs []*types.NotificationRequest) (matchResult, error) {
	logger := s.deps.logger(ctx).With("tenant", tenant)
	now := s.deps.Clock.Now()
	res := matchResult{broken: make(map[string]string)}

	// A reload may return requests another worker already moved on.
	reqs = slices.DeleteFunc(slices.Clone(reqs), func(r *types.NotificationRequest) bool {
		return r.State != types.StateGranted
	})
	if len(reqs) == 0 {
		return res, nil
	}

	var ruleIDs []int64
	for _, r := range reqs {
		ruleIDs = append(ruleIDs, r.RulesToMatch...)
	}
	slices.Sort(ruleIDs)
	ruleIDs = slices.Compact(ruleIDs)

	rules, err := tx.FindRules(ctx, tenant, ruleIDs)
	if err != nil {
		return matchResult{}, err
	}
	byID := make(map[int64]types.Rule, len(rules))
	for _, r := range rules {
		byID[r.ID] = r
	}

	matchers := newMatcherCache(s.deps.Resolver, tenant)
	resolved := make(map[int64][]int64)
	added := make(map[int64][]string)

	for _, req := range reqs {
		var (
			failures []string
			matched  bool
			toAdd    []string
		)
		for _, ruleID := range req.RulesToMatch {
			rule, ok := byID[ruleID]
			if !ok || !rule.Active {
				// Deleted or disabled since registration.
				resolved[req.ID] = append(resolved[req.ID], ruleID)
				continue
			}

			m, err := matchers.get(ctx, rule.MatcherPluginID)
			if err != nil {
				res.broken[rule.MatcherPluginID] = pluginLabel(err, rule.MatcherPluginID)
				failures = append(failures, fmt.Sprintf("rule %s: %v", rule.Name, err))
				logger.Error("rule matcher could not be resolved",
					"request_id", req.RequestID,
					"rule_id", rule.ID,
					"plugin_id", rule.MatcherPluginID,
					"error", err,
				)
				continue
			}

			ok, err = m.Match(ctx, req.Metadata, req.Payload)
			if err != nil {
				failures = append(failures, fmt.Sprintf("rule %s: %v", rule.Name, err))
				logger.Error("rule matcher failed",
					"request_id", req.RequestID,
					"rule_id", rule.ID,
					"plugin_id", rule.MatcherPluginID,
					"error", err,
				)
				continue
			}

			resolved[req.ID] = append(resolved[req.ID], ruleID)
			if ok && len(rule.Recipients) > 0 {
				matched = true
				toAdd = append(toAdd, rule.Recipients...)
			}
		}

		toAdd = untracked(req, toAdd)
		if len(toAdd) > 0 {
			added[req.ID] = toAdd
		}
		if matched {
			res.summary.Matched++
		}

		req.RulesToMatch = slices.DeleteFunc(req.RulesToMatch, func(id int64) bool {
			return slices.Contains(resolved[req.ID], id)
		})
		req.SetRecipients(types.RecipientToSchedule, append(slices.Clone(req.RecipientsToSchedule), toAdd...))

		switch {
		case len(failures) > 0:
			res.summary.Failed++
			ack := types.NewNotifierEvent(req, types.StateError, now)
			ack.Message = "request could not be fully matched: " + strings.Join(failures, "; ")
			res.acks = append(res.acks, ack)
		case len(req.RecipientsToSchedule) > 0:
			req.State = types.StateToScheduleByRecipient
		default:
			req.State = types.StateScheduled
		}
		res.summary.Processed++
	}

	if len(resolved) > 0 {
		if err := tx.RemoveRulesToMatch(ctx, resolved); err != nil {
			return matchResult{}, err
		}
	}
	if len(added) > 0 {
		if err := tx.AddRecipientsToSchedule(ctx, added); err != nil {
			return matchResult{}, err
		}
	}
	for _, req := range reqs {
		if err := tx.SaveState(ctx, req); err != nil {
			return matchResult{}, err
		}
	}

	res.processed = reqs
	return res, nil
}

// untracked returns the distinct recipients not yet present on req in any
// status.
func untracked(req *types.NotificationRequest, recipients []string) []string {
	if len(recipients) == 0 {
		return nil
	}
	out := slices.Clone(recipients)
	slices.Sort(out)
	out = slices.Compact(out)
	return slices.DeleteFunc(out, func(id string) bool {
		return req.HasRecipient(types.RecipientToSchedule, id) ||
			req.HasRecipient(types.RecipientScheduled, id) ||
			req.HasRecipient(types.RecipientInError, id) ||
			req.HasRecipient(types.RecipientSuccess, id)
	})
}

func brokenMatchersNotice(tenant string, broken map[string]string) types.OperatorNotification {
	ids := make([]string, 0, len(broken))
	for id := range broken {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, fmt.Sprintf(
			"%s plugin with id %s could not be instantiated so notifier cannot fully handle any requests for now.",
			broken[id], id,
		))
	}
	return types.OperatorNotification{
		Tenant:  tenant,
		Title:   matcherInstantiationTitle,
		Message: strings.Join(lines, "<br>"),
		Level:   types.LevelFatal,
		Role:    types.RoleAdmin,
	}
}
