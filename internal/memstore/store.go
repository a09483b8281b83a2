// Package memstore is an in-memory implementation of the engine store. It is
// used by the local job runner and by tests.
//
// Transactions are serialized and work on a copy of the committed data; the
// copy replaces the committed data only when the transaction function returns
// nil. Versions are checked exactly like the database adapter does, and
// ConflictOnce simulates a concurrent writer.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"notifier/internal/engine"
	"notifier/internal/types"
)

// Compile-time interface checks.
var (
	_ engine.Store      = (*Store)(nil)
	_ engine.Tx         = (*tx)(nil)
	_ engine.RuleSource = (*Store)(nil)
)

type data struct {
	requests map[int64]*types.NotificationRequest
	jobs     map[string]*types.DeliveryJob
	nextID   int64
}

func (d *data) clone() *data {
	out := &data{
		requests: make(map[int64]*types.NotificationRequest, len(d.requests)),
		jobs:     make(map[string]*types.DeliveryJob, len(d.jobs)),
		nextID:   d.nextID,
	}
	for id, r := range d.requests {
		out.requests[id] = cloneRequest(r)
	}
	for id, j := range d.jobs {
		out.jobs[id] = cloneJob(j)
	}
	return out
}

// Store holds requests, jobs, rules and plugin configurations in memory.
type Store struct {
	Clock types.Clock

	mu        sync.Mutex
	committed *data
	conflicts map[int64]func(*types.NotificationRequest)

	cfgMu      sync.RWMutex
	rules      map[int64]types.Rule
	nextRuleID int64
	plugins    map[string]types.PluginConfiguration // tenant/business id
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		Clock: types.RealClock{},
		committed: &data{
			requests: make(map[int64]*types.NotificationRequest),
			jobs:     make(map[string]*types.DeliveryJob),
		},
		conflicts: make(map[int64]func(*types.NotificationRequest)),
		rules:     make(map[int64]types.Rule),
		plugins:   make(map[string]types.PluginConfiguration),
	}
}

// RunInTx implements engine.Store.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx engine.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{store: s, data: s.committed.clone()}
	if err := fn(ctx, t); err != nil {
		return err
	}
	s.committed = t.data
	return nil
}

// ConflictOnce arranges for the next write to request id to find it modified
// by another worker. mutate is applied to the committed request, its version
// is bumped and the write fails with types.ErrConflict. mutate may be nil.
func (s *Store) ConflictOnce(id int64, mutate func(*types.NotificationRequest)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mutate == nil {
		mutate = func(*types.NotificationRequest) {}
	}
	s.conflicts[id] = mutate
}

// Request returns a copy of the committed request with the given caller id.
func (s *Store) Request(tenant, requestID string) (*types.NotificationRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.committed.requests {
		if r.Tenant == tenant && r.RequestID == requestID {
			return cloneRequest(r), true
		}
	}
	return nil, false
}

// Requests returns copies of every committed request, oldest first.
func (s *Store) Requests() []*types.NotificationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.NotificationRequest, 0, len(s.committed.requests))
	for _, r := range s.committed.requests {
		out = append(out, cloneRequest(r))
	}
	sortOldest(out)
	return out
}

// Jobs returns copies of every delivery job ordered by creation.
func (s *Store) Jobs() []types.DeliveryJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.DeliveryJob, 0, len(s.committed.jobs))
	for _, j := range s.committed.jobs {
		out = append(out, *cloneJob(j))
	}
	slices.SortFunc(out, func(a, b types.DeliveryJob) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// SetJobUpdatedAt backdates a job. Used to simulate crashed jobs.
func (s *Store) SetJobUpdatedAt(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.committed.jobs[id]; ok {
		j.UpdatedAt = at
	}
}

func cloneRequest(r *types.NotificationRequest) *types.NotificationRequest {
	c := *r
	c.Payload = slices.Clone(r.Payload)
	c.Metadata = slices.Clone(r.Metadata)
	c.RulesToMatch = slices.Clone(r.RulesToMatch)
	c.RecipientsToSchedule = slices.Clone(r.RecipientsToSchedule)
	c.RecipientsScheduled = slices.Clone(r.RecipientsScheduled)
	c.RecipientsInError = slices.Clone(r.RecipientsInError)
	c.SuccessRecipients = slices.Clone(r.SuccessRecipients)
	return &c
}

func cloneJob(j *types.DeliveryJob) *types.DeliveryJob {
	c := *j
	c.RequestIDs = slices.Clone(j.RequestIDs)
	return &c
}

func sortOldest(reqs []*types.NotificationRequest) {
	slices.SortFunc(reqs, func(a, b *types.NotificationRequest) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
}

var allStatuses = []types.RecipientStatus{
	types.RecipientToSchedule,
	types.RecipientScheduled,
	types.RecipientInError,
	types.RecipientSuccess,
}
