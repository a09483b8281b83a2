package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"notifier/internal/engine"
	"notifier/internal/external"
	"notifier/internal/types"
)

// EmailPluginID mails each request to a fixed address list.
const EmailPluginID = "email"

const defaultEmailSubject = "Notification %s"

type emailRecipient struct {
	recipientTraits
	to      string
	subject string
	tag     string
	mailer  Mailer
	logger  types.Logger
}

// newEmailRecipient reads:
//   - to (required, list of addresses or a comma separated string)
//   - subject (optional, "%s" is replaced by the request id)
//   - tag (optional Postmark tag)
func newEmailRecipient(_ context.Context, cfg types.PluginConfiguration, deps Deps) (engine.RecipientNotifier, error) {
	if deps.Mailer == nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamEmailProvider, "no email provider configured", nil)
	}
	traits, err := parseTraits(cfg)
	if err != nil {
		return nil, err
	}
	to, err := stringsParam(cfg.Parameters, "to", true)
	if err != nil {
		return nil, err
	}
	for _, addr := range to {
		if !strings.Contains(addr, "@") {
			return nil, paramError("to", "%q is not an email address", addr)
		}
	}
	subject, err := stringParam(cfg.Parameters, "subject", false)
	if err != nil {
		return nil, err
	}
	if subject == "" {
		subject = defaultEmailSubject
	}
	tag, err := stringParam(cfg.Parameters, "tag", false)
	if err != nil {
		return nil, err
	}

	return &emailRecipient{
		recipientTraits: traits,
		to:              strings.Join(to, ","),
		subject:         subject,
		tag:             tag,
		mailer:          deps.Mailer,
		logger:          deps.logger().With("plugin_id", cfg.BusinessID),
	}, nil
}

func (e *emailRecipient) Send(ctx context.Context, reqs []*types.NotificationRequest) ([]*types.NotificationRequest, error) {
	var failed []*types.NotificationRequest
	for _, req := range reqs {
		msgID, err := e.mailer.Send(ctx, external.Email{
			To:       e.to,
			Subject:  e.renderSubject(req),
			TextBody: renderText(req),
			Tag:      e.tag,
			Metadata: map[string]string{
				"tenant":     req.Tenant,
				"request_id": req.RequestID,
			},
		})
		if err != nil {
			e.logger.Warn("email delivery failed", "request_id", req.RequestID, "error", err)
			failed = append(failed, req)
			continue
		}
		e.logger.Info("email sent", "request_id", req.RequestID, "message_id", msgID)
	}
	return failed, nil
}

func (e *emailRecipient) renderSubject(req *types.NotificationRequest) string {
	if strings.Contains(e.subject, "%s") {
		return fmt.Sprintf(e.subject, req.RequestID)
	}
	return e.subject
}

func renderText(req *types.NotificationRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\nOwner: %s\nDate: %s\n\n", req.RequestID, req.Owner, req.RequestDate.UTC().Format("2006-01-02 15:04:05 MST"))

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, req.Payload, "", "  "); err == nil {
		b.Write(pretty.Bytes())
	} else {
		b.Write(req.Payload)
	}
	b.WriteString("\n")
	return b.String()
}
