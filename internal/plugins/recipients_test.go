package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifier/internal/config"
	"notifier/internal/external"
	"notifier/internal/types"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func testRequests(n int) []*types.NotificationRequest {
	reqs := make([]*types.NotificationRequest, n)
	for i := range reqs {
		reqs[i] = &types.NotificationRequest{
			ID:          int64(i + 1),
			Tenant:      "acme",
			RequestID:   fmt.Sprintf("r%d", i+1),
			Owner:       "billing-service",
			Payload:     json.RawMessage(`{"invoice":"INV-1"}`),
			RequestDate: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		}
	}
	return reqs
}

func TestWebhookRecipient_SendSignsAndReportsFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	var (
		mu     sync.Mutex
		bodies []WebhookBody
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if !VerifySignature(raw, r.Header.Get(SignatureHeader), "s3cret") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body WebhookBody
		_ = json.Unmarshal(raw, &body)

		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()

		if body.RequestID == "r2" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":"unknown invoice"}`))
			return
		}
		assert.Equal(t, "Notifier-Test/1.0", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := recipientConfig("hook", WebhookPluginID, map[string]any{"url": srv.URL, "secret": "s3cret"})
	deps := Deps{
		Clock:                fixedClock{now},
		Webhook:              config.WebhookConfig{UserAgent: "Notifier-Test/1.0", DefaultTimeout: 5 * time.Second},
		WebhookClient:        srv.Client(),
		AllowPrivateWebhooks: true,
	}
	n, err := newWebhookRecipient(context.Background(), cfg, deps)
	require.NoError(t, err)

	reqs := testRequests(3)
	failed, err := n.Send(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "r2", failed[0].RequestID)

	require.Len(t, bodies, 3)
	assert.Equal(t, "billing-service", bodies[0].Owner)
	assert.JSONEq(t, `{"invoice":"INV-1"}`, string(bodies[0].Payload))
}

func TestWebhookRecipient_RejectsPrivateURL(t *testing.T) {
	cfg := recipientConfig("hook", WebhookPluginID, map[string]any{"url": "http://127.0.0.1:9000/hook"})

	_, err := newWebhookRecipient(context.Background(), cfg, Deps{})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeValidationInvalidPlugin, types.ErrorCodeOf(err))
}

func TestWebhookRecipient_InvalidParameters(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
	}{
		{"missing url", map[string]any{}},
		{"bad expiry", map[string]any{"url": "http://hooks.local", "previous_secret": "old", "previous_secret_expires_at": "tomorrow"}},
		{"bad timeout", map[string]any{"url": "http://hooks.local", "timeout": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newWebhookRecipient(context.Background(), recipientConfig("hook", WebhookPluginID, tt.params), Deps{AllowPrivateWebhooks: true})
			assert.Equal(t, types.ErrCodeValidationInvalidPlugin, types.ErrorCodeOf(err))
		})
	}
}

func TestSigningKeys(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	body := []byte(`{"request_id":"r1"}`)

	keys := signingKeys{current: "new", previous: "old", previousExpires: now.Add(time.Hour)}
	header := keys.sign(body, now)

	assert.Contains(t, header, fmt.Sprintf("t=%d,v1=", now.Unix()))
	assert.Contains(t, header, ",v1_old=")
	assert.True(t, VerifySignature(body, header, "new"))
	assert.True(t, VerifySignature(body, header, "old"))
	assert.False(t, VerifySignature(body, header, "other"))
	assert.False(t, VerifySignature([]byte(`{"request_id":"r2"}`), header, "new"))

	expired := keys.sign(body, now.Add(2*time.Hour))
	assert.NotContains(t, expired, "v1_old")
	assert.False(t, VerifySignature(body, expired, "old"))

	assert.False(t, VerifySignature(body, "garbage", "new"))
}

type fakeMailer struct {
	mu     sync.Mutex
	sent   []external.Email
	failOn string
}

func (m *fakeMailer) Send(_ context.Context, e external.Email) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Metadata["request_id"] == m.failOn {
		return "", types.NewAppError(types.ErrCodeValidationInvalidRecipient, "inactive recipient", nil)
	}
	m.sent = append(m.sent, e)
	return "msg-" + e.Metadata["request_id"], nil
}

func TestEmailRecipient_Send(t *testing.T) {
	mailer := &fakeMailer{failOn: "r3"}
	cfg := recipientConfig("ops-mail", EmailPluginID, map[string]any{
		"to":      []any{"ops@example.com", "finance@example.com"},
		"subject": "Invoice event %s",
		"tag":     "invoices",
	})
	n, err := newEmailRecipient(context.Background(), cfg, Deps{Mailer: mailer})
	require.NoError(t, err)

	failed, err := n.Send(context.Background(), testRequests(3))
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "r3", failed[0].RequestID)

	require.Len(t, mailer.sent, 2)
	first := mailer.sent[0]
	assert.Equal(t, "ops@example.com,finance@example.com", first.To)
	assert.Equal(t, "Invoice event r1", first.Subject)
	assert.Equal(t, "invoices", first.Tag)
	assert.Contains(t, first.TextBody, "Owner: billing-service")
	assert.Contains(t, first.TextBody, `"invoice": "INV-1"`)
}

func TestEmailRecipient_Configuration(t *testing.T) {
	_, err := newEmailRecipient(context.Background(), recipientConfig("m", EmailPluginID, map[string]any{"to": "ops@example.com"}), Deps{})
	assert.Equal(t, types.ErrCodeUpstreamEmailProvider, types.ErrorCodeOf(err))

	_, err = newEmailRecipient(context.Background(), recipientConfig("m", EmailPluginID, map[string]any{"to": "not-an-address"}), Deps{Mailer: &fakeMailer{}})
	assert.Equal(t, types.ErrCodeValidationInvalidPlugin, types.ErrorCodeOf(err))

	n, err := newEmailRecipient(context.Background(), recipientConfig("m", EmailPluginID, map[string]any{"to": "a@example.com, b@example.com"}), Deps{Mailer: &fakeMailer{}})
	require.NoError(t, err)
	assert.Equal(t, "a@example.com,b@example.com", n.(*emailRecipient).to)
}

type fakeSQS struct {
	mu      sync.Mutex
	inputs  []*sqs.SendMessageBatchInput
	failIDs map[string]bool
	err     error
}

func (f *fakeSQS) SendMessageBatch(_ context.Context, in *sqs.SendMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	out := &sqs.SendMessageBatchOutput{}
	for _, e := range in.Entries {
		if f.failIDs[aws.ToString(e.Id)] {
			out.Failed = append(out.Failed, sqstypes.BatchResultErrorEntry{
				Id:      e.Id,
				Code:    aws.String("InternalError"),
				Message: aws.String("try again"),
			})
			continue
		}
		out.Successful = append(out.Successful, sqstypes.SendMessageBatchResultEntry{Id: e.Id})
	}
	return out, nil
}

func TestSQSForwardRecipient_BatchesAndMapsFailures(t *testing.T) {
	client := &fakeSQS{failIDs: map[string]bool{"11": true}}
	cfg := recipientConfig("erp", SQSForwardPluginID, map[string]any{"queue_url": "https://sqs.eu-west-1.amazonaws.com/123/erp"})
	n, err := newSQSForwardRecipient(context.Background(), cfg, Deps{SQS: client})
	require.NoError(t, err)

	reqs := testRequests(12)
	failed, err := n.Send(context.Background(), reqs)
	require.NoError(t, err)

	require.Len(t, client.inputs, 2)
	assert.Len(t, client.inputs[0].Entries, 10)
	assert.Len(t, client.inputs[1].Entries, 2)
	assert.Equal(t, "https://sqs.eu-west-1.amazonaws.com/123/erp", aws.ToString(client.inputs[0].QueueUrl))

	require.Len(t, failed, 1)
	assert.Same(t, reqs[11], failed[0])

	var body WebhookBody
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(client.inputs[0].Entries[0].MessageBody)), &body))
	assert.Equal(t, "r1", body.RequestID)
}

func TestSQSForwardRecipient_BatchErrorFailsEntries(t *testing.T) {
	client := &fakeSQS{err: errors.New("throttled")}
	n, err := newSQSForwardRecipient(context.Background(),
		recipientConfig("erp", SQSForwardPluginID, map[string]any{"queue_url": "https://sqs.local/erp"}), Deps{SQS: client})
	require.NoError(t, err)

	reqs := testRequests(3)
	failed, err := n.Send(context.Background(), reqs)
	require.NoError(t, err)
	assert.Equal(t, reqs, failed)
}
