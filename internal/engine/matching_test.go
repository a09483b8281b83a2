package engine_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifier/internal/types"
)

func TestMatchPage_FanOut(t *testing.T) {
	h := newHarness()
	h.resolver.matchers["m-all"] = matchAll()
	h.resolver.matchers["m-none"] = matchNone()
	h.addRule("R_a", "m-all", "X", "Y")
	h.addRule("R_b", "m-none", "Z")
	_, err := h.registration.Register(context.Background(), tenant, []types.RequestEvent{event("req-1")})
	require.NoError(t, err)

	summary, err := h.matching.MatchPage(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Matched)

	req := h.request("req-1")
	assert.Equal(t, types.StateToScheduleByRecipient, req.State)
	assert.Equal(t, []string{"X", "Y"}, req.RecipientsToSchedule)
	assert.Empty(t, req.RulesToMatch)
}

func TestMatchPage_NoMatchMovesToScheduled(t *testing.T) {
	h := newHarness()
	h.resolver.matchers["m-none"] = matchNone()
	h.addRule("R_b", "m-none", "Z")
	_, err := h.registration.Register(context.Background(), tenant, []types.RequestEvent{event("req-1")})
	require.NoError(t, err)

	_, err = h.matching.MatchPage(context.Background(), tenant)
	require.NoError(t, err)

	req := h.request("req-1")
	assert.Equal(t, types.StateScheduled, req.State)
	assert.Empty(t, req.RecipientsToSchedule)
	assert.Empty(t, req.RulesToMatch)
}

func TestMatchPage_EvaluationErrorDoesNotBlockSiblings(t *testing.T) {
	h := newHarness()
	h.resolver.matchers["m-kind"] = matcherFunc(func(metadata, _ json.RawMessage) (bool, error) {
		var m map[string]string
		if err := json.Unmarshal(metadata, &m); err != nil {
			return false, err
		}
		if m["kind"] == "broken" {
			return false, types.NewAppError(types.ErrCodePluginEvaluation, "cannot evaluate", nil)
		}
		return true, nil
	})
	rule := h.addRule("R_a", "m-kind", "X")

	bad := event("req-bad")
	bad.Metadata = json.RawMessage(`{"kind":"broken"}`)
	_, err := h.registration.Register(context.Background(), tenant, []types.RequestEvent{bad, event("req-ok")})
	require.NoError(t, err)
	h.publisher.reset()

	summary, err := h.matching.MatchPage(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Failed)

	badReq := h.request("req-bad")
	assert.Equal(t, types.StateGranted, badReq.State)
	assert.Equal(t, []int64{rule.ID}, badReq.RulesToMatch)

	okReq := h.request("req-ok")
	assert.Equal(t, types.StateToScheduleByRecipient, okReq.State)
	assert.Equal(t, []string{"X"}, okReq.RecipientsToSchedule)
	assert.Empty(t, okReq.RulesToMatch)

	assert.Equal(t, []types.NotificationState{types.StateError}, h.publisher.states("req-bad"))
	assert.Empty(t, h.publisher.states("req-ok"))
	// Evaluation failures are not instantiation failures.
	assert.Empty(t, h.operator.all())
}

func TestMatchPage_UninstantiableMatcher_OneFatalNotice(t *testing.T) {
	h := newHarness()
	h.resolver.matchers["m-all"] = matchAll()
	h.resolver.matcherErrs["m-broken"] = types.NewAppErrorWithDetails(
		types.ErrCodePluginInstantiation, "bad parameters", nil, map[string]any{"label": "Regex"},
	)
	h.resolver.matcherErrs["m-gone"] = types.NewAppError(types.ErrCodePluginNotFound, "missing", nil)
	broken := h.addRule("broken", "m-broken", "X")
	gone := h.addRule("gone", "m-gone", "X")
	h.addRule("fine", "m-all", "Y")

	_, err := h.registration.Register(context.Background(), tenant, []types.RequestEvent{event("req-1"), event("req-2")})
	require.NoError(t, err)

	_, err = h.matching.MatchPage(context.Background(), tenant)
	require.NoError(t, err)

	// Resolution is cached for the whole pass.
	assert.Equal(t, 1, h.resolver.callCount("m-broken"))

	req := h.request("req-1")
	assert.Equal(t, types.StateGranted, req.State)
	assert.ElementsMatch(t, []int64{broken.ID, gone.ID}, req.RulesToMatch)
	// The rule that resolved still contributed its recipients.
	assert.Equal(t, []string{"Y"}, req.RecipientsToSchedule)

	notices := h.operator.all()
	require.Len(t, notices, 1)
	assert.Equal(t, types.LevelFatal, notices[0].Level)
	assert.Equal(t, types.RoleAdmin, notices[0].Role)
	assert.Equal(t, "Some rule matcher plugins could not be instantiated", notices[0].Title)
	assert.Equal(t,
		"Regex plugin with id m-broken could not be instantiated so notifier cannot fully handle any requests for now."+
			"<br>"+
			"m-gone plugin with id m-gone could not be instantiated so notifier cannot fully handle any requests for now.",
		notices[0].Message)
}

func TestMatchPage_DeletedRuleIsResolved(t *testing.T) {
	h := newHarness()
	h.resolver.matchers["m-all"] = matchAll()
	rule := h.addRule("temp", "m-all", "X")
	_, err := h.registration.Register(context.Background(), tenant, []types.RequestEvent{event("req-1")})
	require.NoError(t, err)
	require.NoError(t, h.store.DeleteRule(context.Background(), tenant, rule.ID))

	_, err = h.matching.MatchPage(context.Background(), tenant)
	require.NoError(t, err)

	req := h.request("req-1")
	assert.Equal(t, types.StateScheduled, req.State)
	assert.Empty(t, req.RulesToMatch)
}

func TestMatchPage_RecipientAlreadyTrackedIsNotReAdded(t *testing.T) {
	h := newHarness()
	h.resolver.matchers["m-all"] = matchAll()
	rule := h.addRule("all", "m-all", "X", "Y")
	h.seed(&types.NotificationRequest{
		RequestID:           "req-1",
		State:               types.StateGranted,
		RulesToMatch:        []int64{rule.ID},
		RecipientsScheduled: []string{"X"},
	})

	_, err := h.matching.MatchPage(context.Background(), tenant)
	require.NoError(t, err)

	req := h.request("req-1")
	assert.Equal(t, []string{"Y"}, req.RecipientsToSchedule)
	assert.Equal(t, []string{"X"}, req.RecipientsScheduled)
	assert.Equal(t, types.StateToScheduleByRecipient, req.State)
}

func TestMatchPage_ConflictReloadsFreshRequests(t *testing.T) {
	h := newHarness()
	h.resolver.matchers["m-all"] = matchAll()
	rule := h.addRule("all", "m-all", "X")
	seeded := h.seed(&types.NotificationRequest{
		RequestID:    "req-1",
		State:        types.StateGranted,
		RulesToMatch: []int64{rule.ID},
	})
	// A concurrent registration retry added a failed recipient back.
	h.store.ConflictOnce(seeded.ID, func(r *types.NotificationRequest) {
		r.RecipientsToSchedule = []string{"W"}
	})

	_, err := h.matching.MatchPage(context.Background(), tenant)
	require.NoError(t, err)

	req := h.request("req-1")
	assert.Equal(t, []string{"W", "X"}, req.RecipientsToSchedule)
	assert.Equal(t, types.StateToScheduleByRecipient, req.State)
	assert.Empty(t, req.RulesToMatch)
}
