package external

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mrz1836/postmark"

	"notifier/internal/types"
)

// Email is a rendered message ready for sending.
type Email struct {
	To       string
	Subject  string
	HTMLBody string
	TextBody string
	Tag      string
	// Metadata is attached to the Postmark message for correlation.
	Metadata map[string]string
}

// PostmarkAPI is the subset of the Postmark client used by PostmarkMailer.
type PostmarkAPI interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// PostmarkMailer sends transactional mail through Postmark. The SDK does not
// retry; callers rely on job-level retries through the recipient error set.
type PostmarkMailer struct {
	api  PostmarkAPI
	from string
}

// NewPostmarkMailer creates a mailer from server and account tokens.
// httpClient may be nil.
func NewPostmarkMailer(serverToken, accountToken types.SecretString, from string, httpClient *http.Client) (*PostmarkMailer, error) {
	if !serverToken.IsSet() {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "postmark server token is required", nil)
	}
	if from == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "sender address is required", nil)
	}
	client := postmark.NewClient(serverToken.Unmask(), accountToken.Unmask())
	if httpClient != nil {
		client.HTTPClient = httpClient
	}
	return &PostmarkMailer{api: client, from: from}, nil
}

// NewPostmarkMailerWithAPI creates a PostmarkMailer over a custom API, for
// tests.
func NewPostmarkMailerWithAPI(api PostmarkAPI, from string) *PostmarkMailer {
	return &PostmarkMailer{api: api, from: from}
}

// Send delivers one email and returns the Postmark message id.
//
// Error mapping:
//   - ErrorCode 406 (inactive recipient) and 300 (invalid email) -> validation_invalid_recipient
//   - ErrorCode 429 -> upstream_rate_limited
//   - Anything else -> upstream_email_provider_unavailable
func (m *PostmarkMailer) Send(ctx context.Context, e Email) (string, error) {
	resp, err := m.api.SendEmail(ctx, postmark.Email{
		From:     m.from,
		To:       e.To,
		Subject:  e.Subject,
		HTMLBody: e.HTMLBody,
		TextBody: e.TextBody,
		Tag:      e.Tag,
		Metadata: e.Metadata,
		Headers:  traceHeaders(ctx),
	})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamEmailProvider, "postmark request failed", err)
	}
	if resp.ErrorCode != 0 {
		return "", mapPostmarkError(resp)
	}
	return resp.MessageID, nil
}

func traceHeaders(ctx context.Context) []postmark.Header {
	id := types.GetTraceID(ctx)
	if id == "" {
		return nil
	}
	return []postmark.Header{{Name: TraceHeader, Value: id}}
}

func mapPostmarkError(resp postmark.EmailResponse) error {
	msg := fmt.Sprintf("postmark error %d: %s", resp.ErrorCode, resp.Message)
	switch resp.ErrorCode {
	case 300, 406:
		return types.NewAppError(types.ErrCodeValidationInvalidRecipient, msg, nil)
	case 429:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, msg, nil)
	default:
		return types.NewAppError(types.ErrCodeUpstreamEmailProvider, msg, nil)
	}
}
