package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifier/internal/engine"
	"notifier/internal/types"
)

type fakeSource struct {
	mu    sync.Mutex
	cfgs  map[string]types.PluginConfiguration
	loads int
	err   error
}

func newFakeSource(cfgs ...types.PluginConfiguration) *fakeSource {
	s := &fakeSource{cfgs: make(map[string]types.PluginConfiguration)}
	for _, c := range cfgs {
		s.put(c)
	}
	return s
}

func (s *fakeSource) put(c types.PluginConfiguration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfgs[c.Tenant+"/"+c.BusinessID] = c
}

func (s *fakeSource) GetPluginConfiguration(_ context.Context, tenant, id string) (*types.PluginConfiguration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.err != nil {
		return nil, s.err
	}
	c, ok := s.cfgs[tenant+"/"+id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlugin, "plugin configuration "+id+" not found", nil)
	}
	return &c, nil
}

func matcherConfig(id, pluginID string, params map[string]any) types.PluginConfiguration {
	return types.PluginConfiguration{
		Tenant:     "acme",
		BusinessID: id,
		PluginID:   pluginID,
		Kind:       types.PluginKindMatcher,
		Label:      "Matcher " + id,
		Active:     true,
		Parameters: params,
	}
}

func recipientConfig(id, pluginID string, params map[string]any) types.PluginConfiguration {
	return types.PluginConfiguration{
		Tenant:     "acme",
		BusinessID: id,
		PluginID:   pluginID,
		Kind:       types.PluginKindRecipient,
		Label:      "Recipient " + id,
		Active:     true,
		Parameters: params,
	}
}

func labelOf(t *testing.T, err error) string {
	t.Helper()
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	label, _ := appErr.Details["label"].(string)
	return label
}

func TestResolver_CachesInstances(t *testing.T) {
	src := newFakeSource(matcherConfig("all", MatchAllPluginID, nil), recipientConfig("audit", LogRecipientPluginID, nil))
	r := NewResolver(src, nil, Deps{})
	ctx := context.Background()

	m1, err := r.Matcher(ctx, "acme", "all")
	require.NoError(t, err)
	m2, err := r.Matcher(ctx, "acme", "all")
	require.NoError(t, err)
	assert.Equal(t, m1, m2)

	n1, err := r.Recipient(ctx, "acme", "audit")
	require.NoError(t, err)
	n2, err := r.Recipient(ctx, "acme", "audit")
	require.NoError(t, err)
	assert.Same(t, n1, n2)
	assert.Equal(t, "Recipient audit", n1.RecipientLabel())

	assert.Equal(t, 2, src.loads)
}

func TestResolver_ErrorMapping(t *testing.T) {
	inactive := matcherConfig("off", MatchAllPluginID, nil)
	inactive.Active = false

	src := newFakeSource(
		inactive,
		recipientConfig("audit", LogRecipientPluginID, nil),
		matcherConfig("mystery", "no_such_type", nil),
		matcherConfig("bad-regex", PatternPluginID, map[string]any{"pattern": "("}),
	)
	r := NewResolver(src, nil, Deps{})
	ctx := context.Background()

	tests := []struct {
		name      string
		id        string
		wantCode  types.ErrorCode
		wantLabel string
	}{
		{"missing configuration", "nope", types.ErrCodePluginNotFound, ""},
		{"inactive configuration", "off", types.ErrCodePluginNotAvailable, "Matcher off"},
		{"recipient used as matcher", "audit", types.ErrCodePluginWrongKind, "Recipient audit"},
		{"unknown plugin type", "mystery", types.ErrCodePluginInstantiation, "Matcher mystery"},
		{"invalid parameters", "bad-regex", types.ErrCodePluginInstantiation, "Matcher bad-regex"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := r.Matcher(ctx, "acme", tt.id)
			require.Error(t, err)
			assert.Nil(t, m)
			assert.Equal(t, tt.wantCode, types.ErrorCodeOf(err))
			if tt.wantLabel != "" {
				assert.Equal(t, tt.wantLabel, labelOf(t, err))
			}
		})
	}
}

func TestResolver_StoreErrorPassesThrough(t *testing.T) {
	src := newFakeSource()
	src.err = types.NewAppError(types.ErrCodeInternalDB, "connection refused", nil)
	r := NewResolver(src, nil, Deps{})

	_, err := r.Recipient(context.Background(), "acme", "audit")
	assert.Equal(t, types.ErrCodeInternalDB, types.ErrorCodeOf(err))
}

func TestResolver_FailuresAreNotCached(t *testing.T) {
	src := newFakeSource(matcherConfig("m", PatternPluginID, map[string]any{"pattern": "("}))
	r := NewResolver(src, nil, Deps{})
	ctx := context.Background()

	_, err := r.Matcher(ctx, "acme", "m")
	require.Error(t, err)

	src.put(matcherConfig("m", PatternPluginID, map[string]any{"pattern": "^inv"}))
	m, err := r.Matcher(ctx, "acme", "m")
	require.NoError(t, err)
	require.NotNil(t, m)
}

func TestResolver_RecoversFactoryPanic(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterMatcher("explosive", func(context.Context, types.PluginConfiguration, Deps) (engine.RuleMatcher, error) {
		panic("bad plugin")
	})
	r := NewResolver(newFakeSource(matcherConfig("boom", "explosive", nil)), reg, Deps{})

	_, err := r.Matcher(context.Background(), "acme", "boom")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodePluginInstantiation, types.ErrorCodeOf(err))
	assert.Contains(t, err.Error(), "bad plugin")
}

func TestResolver_Invalidate(t *testing.T) {
	other := matcherConfig("all", MatchAllPluginID, nil)
	other.Tenant = "globex"
	src := newFakeSource(matcherConfig("all", MatchAllPluginID, nil), other)
	r := NewResolver(src, nil, Deps{})
	ctx := context.Background()

	_, err := r.Matcher(ctx, "acme", "all")
	require.NoError(t, err)
	_, err = r.Matcher(ctx, "globex", "all")
	require.NoError(t, err)
	require.Equal(t, 2, src.loads)

	r.Invalidate("acme")
	_, _ = r.Matcher(ctx, "acme", "all")
	_, _ = r.Matcher(ctx, "globex", "all")
	assert.Equal(t, 3, src.loads, "only the invalidated tenant reloads")

	r.InvalidateAll()
	_, _ = r.Matcher(ctx, "globex", "all")
	assert.Equal(t, 4, src.loads)
}

func TestRegistry_Types(t *testing.T) {
	reg := DefaultRegistry()

	assert.Equal(t, []string{FieldEqualsPluginID, MatchAllPluginID, PatternPluginID}, reg.Types(types.PluginKindMatcher))
	assert.Equal(t, []string{EmailPluginID, LogRecipientPluginID, SQSForwardPluginID, WebhookPluginID}, reg.Types(types.PluginKindRecipient))
	assert.True(t, reg.Supports(types.PluginKindRecipient, WebhookPluginID))
	assert.False(t, reg.Supports(types.PluginKindMatcher, WebhookPluginID))
}

func TestRecipientTraits(t *testing.T) {
	cfg := recipientConfig("audit", LogRecipientPluginID, map[string]any{
		"direct_notification_enabled": true,
		"ack_required":                true,
	})
	n, err := newLogRecipient(context.Background(), cfg, Deps{})
	require.NoError(t, err)

	assert.True(t, n.DirectNotificationEnabled())
	assert.True(t, n.AckRequired())
	assert.False(t, n.BlockingRequired())

	cfg.Parameters = map[string]any{"blocking": "yes"}
	_, err = newLogRecipient(context.Background(), cfg, Deps{})
	assert.Equal(t, types.ErrCodeValidationInvalidPlugin, types.ErrorCodeOf(err))

	failed, err := n.Send(context.Background(), []*types.NotificationRequest{{RequestID: "r1", Payload: json.RawMessage(`{}`)}})
	assert.NoError(t, err)
	assert.Empty(t, failed)
}
