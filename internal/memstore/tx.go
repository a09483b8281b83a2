package memstore

import (
	"context"
	"slices"
	"time"

	"notifier/internal/types"
)

type tx struct {
	store *Store
	data  *data
}

func (t *tx) collect(limit int, keep func(*types.NotificationRequest) bool) []*types.NotificationRequest {
	var out []*types.NotificationRequest
	for _, r := range t.data.requests {
		if keep(r) {
			out = append(out, cloneRequest(r))
		}
	}
	sortOldest(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (t *tx) FindByRequestIDs(_ context.Context, tenant string, requestIDs []string) ([]*types.NotificationRequest, error) {
	return t.collect(0, func(r *types.NotificationRequest) bool {
		return r.Tenant == tenant && slices.Contains(requestIDs, r.RequestID)
	}), nil
}

func (t *tx) FindByIDs(_ context.Context, ids []int64) ([]*types.NotificationRequest, error) {
	return t.collect(0, func(r *types.NotificationRequest) bool {
		return slices.Contains(ids, r.ID)
	}), nil
}

func (t *tx) FindPageByState(_ context.Context, tenant string, state types.NotificationState, limit int) ([]*types.NotificationRequest, error) {
	return t.collect(limit, func(r *types.NotificationRequest) bool {
		return r.Tenant == tenant && r.State == state
	}), nil
}

func (t *tx) FindPageToSchedule(_ context.Context, tenant, recipient string, limit int) ([]*types.NotificationRequest, error) {
	return t.collect(limit, func(r *types.NotificationRequest) bool {
		return r.Tenant == tenant &&
			r.State == types.StateToScheduleByRecipient &&
			r.HasRecipient(types.RecipientToSchedule, recipient)
	}), nil
}

func (t *tx) FindPageCompleted(_ context.Context, tenant string, limit int) ([]*types.NotificationRequest, error) {
	return t.collect(limit, func(r *types.NotificationRequest) bool {
		return r.Tenant == tenant &&
			(r.State == types.StateScheduled || r.State == types.StateError) &&
			!r.PendingWork()
	}), nil
}

func (t *tx) FindRecipientsToSchedule(_ context.Context, tenant string) ([]string, error) {
	var out []string
	for _, r := range t.data.requests {
		if r.Tenant == tenant && r.State == types.StateToScheduleByRecipient {
			out = append(out, r.RecipientsToSchedule...)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func (t *tx) CreateRequests(_ context.Context, reqs []*types.NotificationRequest) error {
	for _, req := range reqs {
		for _, r := range t.data.requests {
			if r.Tenant == req.Tenant && r.RequestID == req.RequestID {
				return types.ErrConflict
			}
		}
		t.data.nextID++
		req.ID = t.data.nextID
		req.Version = 1
		t.data.requests[req.ID] = cloneRequest(req)
	}
	return nil
}

// checkVersion fires a pending injected conflict, then compares versions.
func (t *tx) checkVersion(req *types.NotificationRequest) (*types.NotificationRequest, error) {
	if mutate, ok := t.store.conflicts[req.ID]; ok {
		delete(t.store.conflicts, req.ID)
		if committed, ok := t.store.committed.requests[req.ID]; ok {
			mutate(committed)
			committed.Version++
			t.data.requests[req.ID] = cloneRequest(committed)
		}
	}
	cur, ok := t.data.requests[req.ID]
	if !ok || cur.Version != req.Version {
		return nil, types.ErrConflict
	}
	return cur, nil
}

func (t *tx) SaveState(_ context.Context, req *types.NotificationRequest) error {
	cur, err := t.checkVersion(req)
	if err != nil {
		return err
	}
	cur.State = req.State
	cur.Version++
	req.Version = cur.Version
	return nil
}

func (t *tx) DeleteRequests(_ context.Context, reqs []*types.NotificationRequest) error {
	for _, req := range reqs {
		if _, err := t.checkVersion(req); err != nil {
			return err
		}
		delete(t.data.requests, req.ID)
	}
	return nil
}

func (t *tx) RemoveRulesToMatch(_ context.Context, byRequest map[int64][]int64) error {
	for id, ruleIDs := range byRequest {
		r, ok := t.data.requests[id]
		if !ok {
			continue
		}
		r.RulesToMatch = slices.DeleteFunc(r.RulesToMatch, func(rid int64) bool {
			return slices.Contains(ruleIDs, rid)
		})
	}
	return nil
}

func (t *tx) AddRecipientsToSchedule(_ context.Context, byRequest map[int64][]string) error {
	for id, recipients := range byRequest {
		r, ok := t.data.requests[id]
		if !ok {
			continue
		}
		for _, rec := range recipients {
			if statusOf(r, rec) != "" {
				continue
			}
			r.SetRecipients(types.RecipientToSchedule, append(r.RecipientsToSchedule, rec))
		}
	}
	return nil
}

func (t *tx) MoveRecipient(_ context.Context, recipient string, requestIDs []int64, from, to types.RecipientStatus) error {
	for _, id := range requestIDs {
		r, ok := t.data.requests[id]
		if !ok || !r.HasRecipient(from, recipient) {
			continue
		}
		r.SetRecipients(from, slices.DeleteFunc(slices.Clone(r.Recipients(from)), func(s string) bool { return s == recipient }))
		r.SetRecipients(to, append(slices.Clone(r.Recipients(to)), recipient))
	}
	return nil
}

func (t *tx) MoveAllRecipients(_ context.Context, requestIDs []int64, from, to types.RecipientStatus) error {
	for _, id := range requestIDs {
		r, ok := t.data.requests[id]
		if !ok {
			continue
		}
		moved := r.Recipients(from)
		r.SetRecipients(to, append(slices.Clone(r.Recipients(to)), moved...))
		r.SetRecipients(from, nil)
	}
	return nil
}

func (t *tx) ClearRecipients(_ context.Context, requestIDs []int64, status types.RecipientStatus) error {
	for _, id := range requestIDs {
		if r, ok := t.data.requests[id]; ok {
			r.SetRecipients(status, nil)
		}
	}
	return nil
}

func (t *tx) FindRules(_ context.Context, tenant string, ids []int64) ([]types.Rule, error) {
	t.store.cfgMu.RLock()
	defer t.store.cfgMu.RUnlock()
	var out []types.Rule
	for _, id := range ids {
		if r, ok := t.store.rules[id]; ok && r.Tenant == tenant {
			out = append(out, cloneRule(r))
		}
	}
	return out, nil
}

func (t *tx) CreateJob(_ context.Context, job *types.DeliveryJob) error {
	if _, ok := t.data.jobs[job.ID]; ok {
		return types.NewAppError(types.ErrCodeConflictExists, "delivery job "+job.ID+" already exists", nil)
	}
	t.data.jobs[job.ID] = cloneJob(job)
	return nil
}

func (t *tx) ClaimJob(_ context.Context, id string) (*types.DeliveryJob, bool, error) {
	j, ok := t.data.jobs[id]
	if !ok {
		return nil, false, types.NewAppError(types.ErrCodeNotFoundJob, "delivery job "+id+" not found", nil)
	}
	if j.Status != types.JobQueued {
		return cloneJob(j), false, nil
	}
	j.Status = types.JobRunning
	j.UpdatedAt = t.store.Clock.Now()
	return cloneJob(j), true, nil
}

func (t *tx) FinishJob(_ context.Context, id string, status types.JobStatus) error {
	j, ok := t.data.jobs[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundJob, "delivery job "+id+" not found", nil)
	}
	j.Status = status
	j.UpdatedAt = t.store.Clock.Now()
	return nil
}

func (t *tx) FindStaleJobs(_ context.Context, tenant string, cutoff time.Time, limit int) ([]types.DeliveryJob, error) {
	var out []types.DeliveryJob
	for _, j := range t.data.jobs {
		if j.Tenant != tenant || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		if j.Status == types.JobQueued || j.Status == types.JobRunning {
			out = append(out, *cloneJob(j))
		}
	}
	slices.SortFunc(out, func(a, b types.DeliveryJob) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func statusOf(r *types.NotificationRequest, recipient string) types.RecipientStatus {
	for _, s := range allStatuses {
		if r.HasRecipient(s, recipient) {
			return s
		}
	}
	return ""
}
