// Package operator delivers operator notifications: conditions such as
// invalid inbound events or broken matcher plugins that need a human.
package operator

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"notifier/internal/engine"
	"notifier/internal/external"
	"notifier/internal/types"
)

var (
	_ engine.OperatorNotifier = (*LogNotifier)(nil)
	_ engine.OperatorNotifier = (*EmailNotifier)(nil)
	_ engine.OperatorNotifier = Multi(nil)
)

// LogNotifier writes notifications to the service log. It is always part of
// the chain so a notification survives a mail outage.
type LogNotifier struct {
	logger types.Logger
}

func NewLogNotifier(logger types.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, note types.OperatorNotification) error {
	args := []any{
		"tenant", note.Tenant,
		"title", note.Title,
		"level", string(note.Level),
		"role", string(note.Role),
		"message", note.Message,
	}
	switch note.Level {
	case types.LevelError, types.LevelFatal:
		n.logger.Error("operator notification", args...)
	case types.LevelWarning:
		n.logger.Warn("operator notification", args...)
	default:
		n.logger.Info("operator notification", args...)
	}
	return nil
}

// Mailer sends one email. external.PostmarkMailer implements it.
type Mailer interface {
	Send(ctx context.Context, e external.Email) (string, error)
}

// EmailNotifier mails notifications at or above a minimum level.
type EmailNotifier struct {
	mailer   Mailer
	to       []string
	minLevel types.NotificationLevel
}

// NewEmailNotifier creates an EmailNotifier. Notifications below minLevel
// are ignored.
func NewEmailNotifier(mailer Mailer, to []string, minLevel types.NotificationLevel) *EmailNotifier {
	return &EmailNotifier{mailer: mailer, to: to, minLevel: minLevel}
}

var levelRank = map[types.NotificationLevel]int{
	types.LevelInfo:    0,
	types.LevelWarning: 1,
	types.LevelError:   2,
	types.LevelFatal:   3,
}

func (n *EmailNotifier) Notify(ctx context.Context, note types.OperatorNotification) error {
	if len(n.to) == 0 || levelRank[note.Level] < levelRank[n.minLevel] {
		return nil
	}

	// Messages join lines with <br>; the text part uses newlines instead.
	text := strings.ReplaceAll(note.Message, "<br>", "\n")
	lines := strings.Split(note.Message, "<br>")
	for i, l := range lines {
		lines[i] = html.EscapeString(l)
	}

	_, err := n.mailer.Send(ctx, external.Email{
		To:       strings.Join(n.to, ","),
		Subject:  fmt.Sprintf("[notifier][%s] %s", note.Level, note.Title),
		TextBody: fmt.Sprintf("Tenant: %s\nAudience: %s\n\n%s\n", note.Tenant, note.Role, text),
		HTMLBody: fmt.Sprintf("<p>Tenant: %s<br>Audience: %s</p><p>%s</p>",
			html.EscapeString(note.Tenant), html.EscapeString(string(note.Role)), strings.Join(lines, "<br>")),
		Tag: "operator",
		Metadata: map[string]string{
			"tenant": note.Tenant,
			"level":  string(note.Level),
		},
	})
	return err
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []engine.OperatorNotifier

func (m Multi) Notify(ctx context.Context, note types.OperatorNotification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
