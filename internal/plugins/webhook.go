package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"notifier/internal/engine"
	"notifier/internal/external"
	"notifier/internal/security"
	"notifier/internal/types"
)

// WebhookPluginID posts each request as JSON to an HTTP endpoint.
const WebhookPluginID = "webhook"

const (
	webhookMaxRedirects = 3
	// maxResponseBodyRead bounds how much of an error response is logged.
	maxResponseBodyRead = 1024
)

// WebhookBody is the JSON document posted for each request.
type WebhookBody struct {
	RequestID   string          `json:"request_id"`
	Owner       string          `json:"request_owner"`
	Tenant      string          `json:"tenant"`
	RequestDate time.Time       `json:"request_date"`
	Payload     json.RawMessage `json:"payload"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type webhookRecipient struct {
	recipientTraits
	url    string
	keys   signingKeys
	client *external.BaseClient
	clock  types.Clock
	logger types.Logger
}

// newWebhookRecipient reads:
//   - url (required, http or https)
//   - secret, previous_secret, previous_secret_expires_at (RFC3339) for signing
//   - timeout (duration, defaults to the configured webhook timeout)
func newWebhookRecipient(ctx context.Context, cfg types.PluginConfiguration, deps Deps) (engine.RecipientNotifier, error) {
	traits, err := parseTraits(cfg)
	if err != nil {
		return nil, err
	}
	url, err := stringParam(cfg.Parameters, "url", true)
	if err != nil {
		return nil, err
	}
	if !deps.AllowPrivateWebhooks {
		if err := security.ValidateURL(ctx, url, nil); err != nil {
			return nil, paramError("url", "%v", err)
		}
	}

	keys := signingKeys{}
	if keys.current, err = stringParam(cfg.Parameters, "secret", false); err != nil {
		return nil, err
	}
	if keys.previous, err = stringParam(cfg.Parameters, "previous_secret", false); err != nil {
		return nil, err
	}
	expires, err := stringParam(cfg.Parameters, "previous_secret_expires_at", false)
	if err != nil {
		return nil, err
	}
	if expires != "" {
		if keys.previousExpires, err = time.Parse(time.RFC3339, expires); err != nil {
			return nil, paramError("previous_secret_expires_at", "must be an RFC3339 timestamp")
		}
	}

	timeout, err := durationParam(cfg.Parameters, "timeout", deps.Webhook.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	httpClient := deps.WebhookClient
	if httpClient == nil {
		httpClient = security.NewSafeHTTPClient(timeout, webhookMaxRedirects)
	}
	policy := external.DefaultRetryPolicy()
	if deps.Webhook.MaxRetries > 0 {
		policy.MaxRetries = deps.Webhook.MaxRetries
	}

	return &webhookRecipient{
		recipientTraits: traits,
		url:             url,
		keys:            keys,
		client:          external.NewBaseClient(httpClient, "webhook:"+cfg.Tenant+":"+cfg.BusinessID, policy, deps.Webhook.UserAgent),
		clock:           deps.clock(),
		logger:          deps.logger().With("plugin_id", cfg.BusinessID),
	}, nil
}

// Send posts requests one at a time. Once ctx is done the remainder fails
// without further calls.
func (w *webhookRecipient) Send(ctx context.Context, reqs []*types.NotificationRequest) ([]*types.NotificationRequest, error) {
	var failed []*types.NotificationRequest
	for i, req := range reqs {
		err := w.post(ctx, req)
		if err == nil {
			continue
		}
		w.logger.Warn("webhook delivery failed", "request_id", req.RequestID, "error", err)
		if ctx.Err() != nil {
			return append(failed, reqs[i:]...), nil
		}
		failed = append(failed, req)
	}
	return failed, nil
}

func (w *webhookRecipient) post(ctx context.Context, req *types.NotificationRequest) error {
	body, err := json.Marshal(WebhookBody{
		RequestID:   req.RequestID,
		Owner:       req.Owner,
		Tenant:      req.Tenant,
		RequestDate: req.RequestDate,
		Payload:     req.Payload,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode webhook body", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build webhook request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if w.keys.enabled() {
		httpReq.Header.Set(SignatureHeader, w.keys.sign(body, w.clock.Now()))
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyRead))
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)), nil)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
