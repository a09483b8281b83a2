package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"notifier/internal/engine"
	"notifier/internal/memstore"
	"notifier/internal/types"
)

const tenant = "acme"

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// --- matchers ---

type matcherFunc func(metadata, payload json.RawMessage) (bool, error)

func (f matcherFunc) Match(_ context.Context, metadata, payload json.RawMessage) (bool, error) {
	return f(metadata, payload)
}

func matchAll() engine.RuleMatcher {
	return matcherFunc(func(json.RawMessage, json.RawMessage) (bool, error) { return true, nil })
}

func matchNone() engine.RuleMatcher {
	return matcherFunc(func(json.RawMessage, json.RawMessage) (bool, error) { return false, nil })
}

func matchErr() engine.RuleMatcher {
	return matcherFunc(func(json.RawMessage, json.RawMessage) (bool, error) {
		return false, types.NewAppError(types.ErrCodePluginEvaluation, "boom", nil)
	})
}

// --- notifiers ---

type fakeNotifier struct {
	mu       sync.Mutex
	label    string
	direct   bool
	ack      bool
	blocking bool
	fail     func(req *types.NotificationRequest) bool
	err      error
	panics   bool
	sent     [][]string
}

func (n *fakeNotifier) Send(_ context.Context, reqs []*types.NotificationRequest) ([]*types.NotificationRequest, error) {
	n.mu.Lock()
	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		ids = append(ids, r.RequestID)
	}
	n.sent = append(n.sent, ids)
	n.mu.Unlock()

	if n.panics {
		panic("plugin exploded")
	}
	if n.err != nil {
		return nil, n.err
	}
	var failed []*types.NotificationRequest
	for _, r := range reqs {
		if n.fail != nil && n.fail(r) {
			failed = append(failed, r)
		}
	}
	return failed, nil
}

func (n *fakeNotifier) DirectNotificationEnabled() bool { return n.direct }
func (n *fakeNotifier) RecipientLabel() string          { return n.label }
func (n *fakeNotifier) AckRequired() bool               { return n.ack }
func (n *fakeNotifier) BlockingRequired() bool          { return n.blocking }

func (n *fakeNotifier) batches() [][]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.sent)
}

// --- resolver ---

type fakeResolver struct {
	mu          sync.Mutex
	matchers    map[string]engine.RuleMatcher
	matcherErrs map[string]error
	recipients  map[string]engine.RecipientNotifier
	calls       map[string]int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		matchers:    make(map[string]engine.RuleMatcher),
		matcherErrs: make(map[string]error),
		recipients:  make(map[string]engine.RecipientNotifier),
		calls:       make(map[string]int),
	}
}

func (r *fakeResolver) Matcher(_ context.Context, _, id string) (engine.RuleMatcher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[id]++
	if err, ok := r.matcherErrs[id]; ok {
		return nil, err
	}
	m, ok := r.matchers[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodePluginNotFound, "matcher "+id+" not found", nil)
	}
	return m, nil
}

func (r *fakeResolver) Recipient(_ context.Context, _, id string) (engine.RecipientNotifier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[id]++
	n, ok := r.recipients[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodePluginNotFound, "recipient "+id+" not found", nil)
	}
	return n, nil
}

func (r *fakeResolver) callCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

// --- sinks ---

type fakePublisher struct {
	mu     sync.Mutex
	events []types.NotifierEvent
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, events []types.NotifierEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, events...)
	return nil
}

func (p *fakePublisher) all() []types.NotifierEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.events)
}

func (p *fakePublisher) states(requestID string) []types.NotificationState {
	var out []types.NotificationState
	for _, e := range p.all() {
		if e.RequestID == requestID {
			out = append(out, e.State)
		}
	}
	return out
}

func (p *fakePublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []types.DeliveryJob
	err  error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, jobs []types.DeliveryJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, jobs...)
	return nil
}

func (d *fakeDispatcher) all() []types.DeliveryJob {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.jobs)
}

type fakeOperator struct {
	mu      sync.Mutex
	notices []types.OperatorNotification
}

func (o *fakeOperator) Notify(_ context.Context, n types.OperatorNotification) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notices = append(o.notices, n)
	return nil
}

func (o *fakeOperator) all() []types.OperatorNotification {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.notices)
}

type fakeMetrics struct {
	mu        sync.Mutex
	conflicts map[string]int
}

func (m *fakeMetrics) RecordRequests(context.Context, string, types.NotificationState, int) {}
func (m *fakeMetrics) RecordDelivery(context.Context, string, int, int)                   {}
func (m *fakeMetrics) RecordConflict(_ context.Context, op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts == nil {
		m.conflicts = make(map[string]int)
	}
	m.conflicts[op]++
}

func (m *fakeMetrics) conflictCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conflicts[op]
}

// --- harness ---

type harness struct {
	store      *memstore.Store
	resolver   *fakeResolver
	publisher  *fakePublisher
	dispatcher *fakeDispatcher
	operator   *fakeOperator
	metrics    *fakeMetrics
	cache      *engine.RuleCache

	registration *engine.RegistrationService
	matching     *engine.MatchingService
	processing   *engine.ProcessingService
	completion   *engine.CompletionChecker
	recovery     *engine.RecoveryService
}

func newHarness() *harness {
	h := &harness{
		store:      memstore.New(),
		resolver:   newFakeResolver(),
		publisher:  &fakePublisher{},
		dispatcher: &fakeDispatcher{},
		operator:   &fakeOperator{},
		metrics:    &fakeMetrics{},
	}
	h.store.Clock = fixedClock{testNow}
	h.cache = engine.NewRuleCache(h.store)

	deps := engine.Deps{
		Store:     h.store,
		Resolver:  h.resolver,
		Publisher: h.publisher,
		Operator:  h.operator,
		Metrics:   h.metrics,
		Clock:     fixedClock{testNow},
		Logger:    types.NopLogger{},
		PageSize:  100,
	}
	h.registration = engine.NewRegistrationService(deps, h.cache)
	h.matching = engine.NewMatchingService(deps)
	h.processing = engine.NewProcessingService(deps, h.dispatcher, 2)
	h.completion = engine.NewCompletionChecker(deps)
	h.recovery = engine.NewRecoveryService(deps, 30*time.Minute)
	return h
}

func (h *harness) addRule(name, matcherID string, recipients ...string) types.Rule {
	r, err := h.store.PutRule(context.Background(), types.Rule{
		Tenant:          tenant,
		Name:            name,
		MatcherPluginID: matcherID,
		Recipients:      recipients,
		Active:          true,
	})
	if err != nil {
		panic(err)
	}
	h.cache.Invalidate(tenant)
	return r
}

func (h *harness) request(requestID string) *types.NotificationRequest {
	r, ok := h.store.Request(tenant, requestID)
	if !ok {
		return nil
	}
	return r
}

func event(requestID string, recipients ...string) types.RequestEvent {
	return types.RequestEvent{
		RequestID:   requestID,
		Owner:       "billing",
		RequestDate: testNow.Add(-time.Minute),
		Payload:     json.RawMessage(`{"x":1}`),
		Metadata:    json.RawMessage(`{"kind":"invoice"}`),
		Recipients:  recipients,
	}
}

// seed inserts a request directly, bypassing registration.
func (h *harness) seed(req *types.NotificationRequest) *types.NotificationRequest {
	req.Tenant = tenant
	if req.Owner == "" {
		req.Owner = "billing"
	}
	if req.Payload == nil {
		req.Payload = json.RawMessage(`{}`)
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = testNow
	}
	err := h.store.RunInTx(context.Background(), func(ctx context.Context, tx engine.Tx) error {
		return tx.CreateRequests(ctx, []*types.NotificationRequest{req})
	})
	if err != nil {
		panic(err)
	}
	return req
}

var errBoom = errors.New("boom")
