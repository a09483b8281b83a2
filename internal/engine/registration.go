package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"notifier/internal/types"
)

const invalidEventTitle = "A notification request event received is invalid"

// RulesProvider returns the active rules of a tenant. Implemented by RuleCache.
type RulesProvider interface {
	Rules(ctx context.Context, tenant string) ([]types.Rule, error)
}

// RegistrationSummary counts how each event of a batch was handled.
type RegistrationSummary struct {
	Created    int
	Rearmed    int
	Denied     int
	Duplicates int
}

// RegistrationService turns inbound request events into persisted requests.
type RegistrationService struct {
	deps     Deps
	rules    RulesProvider
	validate *validator.Validate
}

// NewRegistrationService creates a RegistrationService.
func NewRegistrationService(deps Deps, rules RulesProvider) *RegistrationService {
	return &RegistrationService{
		deps:     deps.withDefaults(),
		rules:    rules,
		validate: validator.New(),
	}
}

// validation is the memoized outcome of validating one new event. It is kept
// across retry attempts so plugins are resolved once per event.
type validation struct {
	recipients []string
	err        error
}

type registrationResult struct {
	acks    []types.NotifierEvent
	denied  []deniedEvent
	summary RegistrationSummary
}

type deniedEvent struct {
	event types.RequestEvent
	err   error
}

// Register handles one batch of events for tenant. Duplicates within the
// batch keep their first occurrence. Events for known requests re-arm failed
// recipients and unmatched rules; new events are validated and created.
//
// The returned error is non-nil only when the store or the bus failed; in
// that case nothing was stored and the batch may be redelivered as a whole.
func (s *RegistrationService) Register(ctx context.Context, tenant string, events []types.RequestEvent) (RegistrationSummary, error) {
	logger := s.deps.logger(ctx).With("tenant", tenant)

	batch, duplicates := dedupEvents(events)
	for _, id := range duplicates {
		logger.Warn("duplicate request id in batch, dropping", "request_id", id)
	}
	if len(batch) == 0 {
		return RegistrationSummary{Duplicates: len(duplicates)}, nil
	}

	requestIDs := make([]string, 0, len(batch))
	for _, e := range batch {
		requestIDs = append(requestIDs, e.RequestID)
	}

	memo := make(map[string]validation)
	var (
		rules      []types.Rule
		rulesErr   error
		rulesReady bool
	)
	loadRules := func(ctx context.Context) ([]types.Rule, error) {
		if !rulesReady {
			rules, rulesErr = s.rules.Rules(ctx, tenant)
			rulesReady = true
			if rulesErr != nil {
				logger.Error("rules unavailable, new events will be denied", "error", rulesErr)
			}
		}
		return rules, rulesErr
	}

	load := func(ctx context.Context, tx Tx) ([]*types.NotificationRequest, error) {
		return tx.FindByRequestIDs(ctx, tenant, requestIDs)
	}

	res, err := RunBatch(ctx, s.deps.Store, logger, s.deps.Metrics, Batch[registrationResult]{
		Operation: PhaseRegistration,
		Load:      load,
		Reload: func(ctx context.Context, tx Tx, _ []int64) ([]*types.NotificationRequest, error) {
			// Requests created concurrently since the first load must be seen too.
			return load(ctx, tx)
		},
		Apply: func(ctx context.Context, tx Tx, existing []*types.NotificationRequest) (registrationResult, error) {
			return s.apply(ctx, tx, tenant, batch, existing, memo, loadRules)
		},
		Publish: func(ctx context.Context, res registrationResult) error {
			return s.deps.publish(ctx, res.acks)
		},
	})
	if err != nil {
		return RegistrationSummary{}, fmt.Errorf("register events: %w", err)
	}
	res.summary.Duplicates += len(duplicates)

	for _, d := range res.denied {
		logger.Warn("request event denied", "request_id", d.event.RequestID, "error", d.err)
		s.deps.notifyOperator(ctx, invalidEventNotice(tenant, d.event, d.err))
	}
	if res.summary.Denied > 0 {
		s.deps.Metrics.RecordRequests(ctx, PhaseRegistration, types.StateDenied, res.summary.Denied)
	}

	logger.Info("registered request events",
		"count", len(events),
		"created", res.summary.Created,
		"rearmed", res.summary.Rearmed,
		"denied", res.summary.Denied,
		"duplicates", res.summary.Duplicates,
	)
	return res.summary, nil
}

func (s *RegistrationService) apply(
	ctx context.Context,
	tx Tx,
	tenant string,
	batch []types.RequestEvent,
	existing []*types.NotificationRequest,
	memo map[string]validation,
	loadRules func(context.Context) ([]types.Rule, error),
) (registrationResult, error) {
	logger := s.deps.logger(ctx).With("tenant", tenant)
	now := s.deps.Clock.Now()

	known := make(map[string]*types.NotificationRequest, len(existing))
	for _, r := range existing {
		known[r.RequestID] = r
	}

	var (
		res       registrationResult
		rearmed   []*types.NotificationRequest
		unfailIDs []int64
		created   []*types.NotificationRequest
	)

	for _, e := range batch {
		if req, ok := known[e.RequestID]; ok {
			hadErrors := len(req.RecipientsInError) > 0
			if !rearm(req) {
				logger.Warn("request already registered with nothing to retry, skipping",
					"request_id", e.RequestID,
					"state", string(req.State),
				)
				res.summary.Duplicates++
				continue
			}
			if hadErrors {
				unfailIDs = append(unfailIDs, req.ID)
			}
			rearmed = append(rearmed, req)
			continue
		}

		v, ok := memo[e.RequestID]
		if !ok {
			v = s.validateEvent(ctx, tenant, e)
			memo[e.RequestID] = v
		}
		if v.err != nil {
			res.denied = append(res.denied, deniedEvent{event: e, err: v.err})
			continue
		}

		req := &types.NotificationRequest{
			Tenant:      tenant,
			RequestID:   e.RequestID,
			Owner:       e.Owner,
			Payload:     e.Payload,
			Metadata:    e.Metadata,
			RequestDate: e.RequestDate,
			CreatedAt:   now,
		}
		if e.Direct() {
			req.State = types.StateToScheduleByRecipient
			req.SetRecipients(types.RecipientToSchedule, v.recipients)
		} else {
			rules, err := loadRules(ctx)
			if err != nil {
				res.denied = append(res.denied, deniedEvent{event: e, err: err})
				continue
			}
			req.State = types.StateGranted
			for _, r := range rules {
				req.RulesToMatch = append(req.RulesToMatch, r.ID)
			}
		}
		created = append(created, req)
	}

	if len(unfailIDs) > 0 {
		if err := tx.MoveAllRecipients(ctx, unfailIDs, types.RecipientInError, types.RecipientToSchedule); err != nil {
			return registrationResult{}, err
		}
	}
	for _, req := range rearmed {
		if err := tx.SaveState(ctx, req); err != nil {
			return registrationResult{}, err
		}
	}
	if len(created) > 0 {
		if err := tx.CreateRequests(ctx, created); err != nil {
			return registrationResult{}, err
		}
	}

	for _, req := range rearmed {
		res.acks = append(res.acks, types.NewNotifierEvent(req, req.State, now))
	}
	for _, req := range created {
		res.acks = append(res.acks, types.NewNotifierEvent(req, req.State, now))
	}
	for _, d := range res.denied {
		res.acks = append(res.acks, types.NotifierEvent{
			RequestID: d.event.RequestID,
			Owner:     d.event.Owner,
			Tenant:    tenant,
			State:     types.StateDenied,
			Date:      now,
			Message:   d.err.Error(),
		})
	}

	res.summary.Created = len(created)
	res.summary.Rearmed = len(rearmed)
	res.summary.Denied = len(res.denied)
	s.deps.recordStates(ctx, PhaseRegistration, append(slices.Clone(rearmed), created...))
	return res, nil
}

// rearm prepares a known request for another pass and reports whether there
// was anything to retry. Failed recipients go back to scheduling; pending
// rules force GRANTED so matching runs before the request can be finalized.
func rearm(req *types.NotificationRequest) bool {
	changed := false
	if len(req.RecipientsInError) > 0 {
		req.RecipientsToSchedule = append(req.RecipientsToSchedule, req.RecipientsInError...)
		slices.Sort(req.RecipientsToSchedule)
		req.RecipientsInError = nil
		req.State = types.StateToScheduleByRecipient
		changed = true
	}
	if len(req.RulesToMatch) > 0 {
		req.State = types.StateGranted
		changed = true
	}
	return changed
}

// dedupEvents keeps the first occurrence of each request id and returns the
// ids that were dropped.
func dedupEvents(events []types.RequestEvent) ([]types.RequestEvent, []string) {
	seen := make(map[string]struct{}, len(events))
	kept := make([]types.RequestEvent, 0, len(events))
	var dropped []string
	for _, e := range events {
		if _, ok := seen[e.RequestID]; ok {
			dropped = append(dropped, e.RequestID)
			continue
		}
		seen[e.RequestID] = struct{}{}
		kept = append(kept, e)
	}
	return kept, dropped
}

// validateEvent checks the event structure and, for direct events, that every
// recipient exists, can be instantiated and accepts direct notification.
func (s *RegistrationService) validateEvent(ctx context.Context, tenant string, e types.RequestEvent) validation {
	var problems []string

	if err := s.validate.Struct(e); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				problems = append(problems, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		problems = append(problems, "payload is not valid JSON")
	}
	if len(e.Metadata) > 0 && !json.Valid(e.Metadata) {
		problems = append(problems, "metadata is not valid JSON")
	}
	if len(problems) > 0 {
		return validation{err: types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidEvent,
			"invalid request event: "+strings.Join(problems, "; "),
			nil,
			map[string]any{"errors": problems},
		)}
	}

	if !e.Direct() {
		return validation{}
	}

	recipients := slices.Clone(e.Recipients)
	slices.Sort(recipients)
	recipients = slices.Compact(recipients)

	for _, id := range recipients {
		n, err := s.deps.Resolver.Recipient(ctx, tenant, id)
		switch {
		case err != nil && isUnavailable(err):
			problems = append(problems, fmt.Sprintf("recipient %s is not available", id))
		case err != nil:
			problems = append(problems, fmt.Sprintf("recipient %s could not be instantiated", id))
		case !n.DirectNotificationEnabled():
			problems = append(problems, fmt.Sprintf("recipient %s does not accept direct notification", id))
		}
	}
	if len(problems) > 0 {
		return validation{err: types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidRecipient,
			"invalid recipients: "+strings.Join(problems, "; "),
			nil,
			map[string]any{"errors": problems},
		)}
	}
	return validation{recipients: recipients}
}

func isUnavailable(err error) bool {
	switch types.ErrorCodeOf(err) {
	case types.ErrCodePluginNotFound, types.ErrCodePluginNotAvailable:
		return true
	}
	return false
}

func invalidEventNotice(tenant string, e types.RequestEvent, err error) types.OperatorNotification {
	return types.OperatorNotification{
		Tenant:  tenant,
		Title:   invalidEventTitle,
		Message: fmt.Sprintf("Request %s from %s was denied: %v", e.RequestID, e.Owner, err),
		Level:   types.LevelError,
		Role:    types.RoleProject,
	}
}
