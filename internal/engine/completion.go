package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"notifier/internal/types"
)

// CompletionSummary reports one completion pass.
type CompletionSummary struct {
	Succeeded int
	Failed    int
}

// CompletionChecker finalizes requests with no outstanding work.
type CompletionChecker struct {
	deps Deps
}

// NewCompletionChecker creates a CompletionChecker.
func NewCompletionChecker(deps Deps) *CompletionChecker {
	return &CompletionChecker{deps: deps.withDefaults()}
}

type completionResult struct {
	events  []types.NotifierEvent
	summary CompletionSummary
}

// CheckCompleted finalizes the oldest page of completed requests. Requests
// without failed recipients publish SUCCESS and are deleted. The others
// publish ERROR with per-recipient reports and are kept as ERROR_FINAL so a
// resubmission can retry them.
func (c *CompletionChecker) CheckCompleted(ctx context.Context, tenant string) (CompletionSummary, error) {
	logger := c.deps.logger(ctx).With("tenant", tenant)

	res, err := RunBatch(ctx, c.deps.Store, logger, c.deps.Metrics, Batch[completionResult]{
		Operation: PhaseCompletion,
		Load: func(ctx context.Context, tx Tx) ([]*types.NotificationRequest, error) {
			return tx.FindPageCompleted(ctx, tenant, c.deps.PageSize)
		},
		Apply: func(ctx context.Context, tx Tx, reqs []*types.NotificationRequest) (completionResult, error) {
			return c.apply(ctx, tx, tenant, reqs)
		},
		Publish: func(ctx context.Context, res completionResult) error {
			return c.deps.publish(ctx, res.events)
		},
	})
	if err != nil {
		return CompletionSummary{}, fmt.Errorf("check completed requests: %w", err)
	}

	if res.summary.Succeeded > 0 {
		c.deps.Metrics.RecordRequests(ctx, PhaseCompletion, types.StateSuccess, res.summary.Succeeded)
	}
	if res.summary.Failed > 0 {
		c.deps.Metrics.RecordRequests(ctx, PhaseCompletion, types.StateErrorFinal, res.summary.Failed)
	}

	if len(res.events) > 0 {
		logger.Info("completed requests finalized", "succeeded", res.summary.Succeeded, "failed", res.summary.Failed)
	}
	return res.summary, nil
}

// Completed reports whether req has nothing left to do and can be finalized.
func Completed(req *types.NotificationRequest) bool {
	if req.State != types.StateScheduled && req.State != types.StateError {
		return false
	}
	return !req.PendingWork()
}

func (c *CompletionChecker) apply(ctx context.Context, tx Tx, tenant string, reqs []*types.NotificationRequest) (completionResult, error) {
	var res completionResult
	now := c.deps.Clock.Now()

	reqs = slices.DeleteFunc(slices.Clone(reqs), func(r *types.NotificationRequest) bool { return !Completed(r) })
	if len(reqs) == 0 {
		return res, nil
	}

	reporter := newReporter(c.deps, tenant)
	var clean, failed []*types.NotificationRequest
	for _, req := range reqs {
		if len(req.RecipientsInError) == 0 {
			clean = append(clean, req)
			ev := types.NewNotifierEvent(req, types.StateSuccess, now)
			ev.Recipients = reporter.reports(ctx, req)
			res.events = append(res.events, ev)
			continue
		}
		failed = append(failed, req)
		ev := types.NewNotifierEvent(req, types.StateErrorFinal, now)
		ev.Message = "delivery failed for recipients: " + strings.Join(req.RecipientsInError, ", ")
		ev.Recipients = reporter.reports(ctx, req)
		res.events = append(res.events, ev)
	}

	if len(clean) > 0 {
		if err := tx.DeleteRequests(ctx, clean); err != nil {
			return completionResult{}, err
		}
	}
	if len(failed) > 0 {
		if err := tx.ClearRecipients(ctx, types.IDs(failed), types.RecipientSuccess); err != nil {
			return completionResult{}, err
		}
		for _, req := range failed {
			req.State = types.StateErrorFinal
			req.SuccessRecipients = nil
			if err := tx.SaveState(ctx, req); err != nil {
				return completionResult{}, err
			}
		}
	}

	res.summary = CompletionSummary{Succeeded: len(clean), Failed: len(failed)}
	return res, nil
}

// reporter builds recipient reports, resolving each notifier once per pass.
type reporter struct {
	deps       Deps
	recipients *recipientCache
}

func newReporter(deps Deps, tenant string) *reporter {
	return &reporter{deps: deps, recipients: newRecipientCache(deps.Resolver, tenant)}
}

// reports lists success and in-error recipients whose notifier exposes a
// label. Recipients that cannot be resolved are logged and left out.
func (r *reporter) reports(ctx context.Context, req *types.NotificationRequest) []types.RecipientReport {
	var out []types.RecipientReport
	add := func(ids []string, status types.DeliveryReportStatus) {
		for _, id := range ids {
			n, err := r.recipients.get(ctx, id)
			if err != nil {
				r.deps.logger(ctx).Warn("recipient left out of report",
					"request_id", req.RequestID,
					"recipient", id,
					"error", err,
				)
				continue
			}
			label := strings.TrimSpace(n.RecipientLabel())
			if label == "" {
				continue
			}
			out = append(out, types.RecipientReport{
				Label:       label,
				Status:      status,
				AckRequired: n.AckRequired(),
				Blocking:    n.BlockingRequired(),
			})
		}
	}
	add(req.SuccessRecipients, types.DeliverySuccess)
	add(req.RecipientsInError, types.DeliveryError)
	return out
}
