package types

import (
	"encoding/json"
	"slices"
	"time"
)

// NotificationRequest is the unit of work tracked by the engine.
//
// The recipient slices are views of one (request, recipient) membership table;
// a recipient id appears in at most one of them. Slices are kept sorted so
// that two loads of the same row compare equal.
type NotificationRequest struct {
	ID          int64             `json:"id"`
	Tenant      string            `json:"tenant"`
	RequestID   string            `json:"request_id"`
	Owner       string            `json:"owner"`
	Payload     json.RawMessage   `json:"payload"`
	Metadata    json.RawMessage   `json:"metadata,omitempty"`
	RequestDate time.Time         `json:"request_date"`
	CreatedAt   time.Time         `json:"created_at"`
	State       NotificationState `json:"state"`
	Version     int64             `json:"version"`

	RulesToMatch         []int64  `json:"rules_to_match,omitempty"`
	RecipientsToSchedule []string `json:"recipients_to_schedule,omitempty"`
	RecipientsScheduled  []string `json:"recipients_scheduled,omitempty"`
	RecipientsInError    []string `json:"recipients_in_error,omitempty"`
	SuccessRecipients    []string `json:"success_recipients,omitempty"`
}

// Recipients returns the recipient ids holding the given status.
func (r *NotificationRequest) Recipients(status RecipientStatus) []string {
	switch status {
	case RecipientToSchedule:
		return r.RecipientsToSchedule
	case RecipientScheduled:
		return r.RecipientsScheduled
	case RecipientInError:
		return r.RecipientsInError
	case RecipientSuccess:
		return r.SuccessRecipients
	}
	return nil
}

// HasRecipient reports whether recipient currently holds status on r.
func (r *NotificationRequest) HasRecipient(status RecipientStatus, recipient string) bool {
	return slices.Contains(r.Recipients(status), recipient)
}

// SetRecipients replaces the ids holding status. Used by store adapters when
// hydrating a request.
func (r *NotificationRequest) SetRecipients(status RecipientStatus, ids []string) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	switch status {
	case RecipientToSchedule:
		r.RecipientsToSchedule = sorted
	case RecipientScheduled:
		r.RecipientsScheduled = sorted
	case RecipientInError:
		r.RecipientsInError = sorted
	case RecipientSuccess:
		r.SuccessRecipients = sorted
	}
}

// PendingWork reports whether any rule or recipient still needs processing.
func (r *NotificationRequest) PendingWork() bool {
	return len(r.RulesToMatch) > 0 || len(r.RecipientsToSchedule) > 0 || len(r.RecipientsScheduled) > 0
}

// Rule pairs a matcher plugin configuration with the recipients activated
// when it matches.
type Rule struct {
	ID              int64     `json:"id"`
	Tenant          string    `json:"tenant"`
	Name            string    `json:"name" validate:"required,max=128"`
	MatcherPluginID string    `json:"matcher_plugin_id" validate:"required,max=128"`
	Recipients      []string  `json:"recipients" validate:"dive,required,max=128"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PluginConfiguration is a persisted, parameterised instance of a plugin
// type. Its BusinessID is the opaque identifier rules and requests use to
// address matchers and recipients.
type PluginConfiguration struct {
	BusinessID string         `json:"business_id" validate:"required,max=128"`
	Tenant     string         `json:"tenant"`
	PluginID   string         `json:"plugin_id" validate:"required,max=64"`
	Kind       PluginKind     `json:"kind" validate:"required,oneof=matcher recipient"`
	Label      string         `json:"label" validate:"max=256"`
	Active     bool           `json:"active"`
	Parameters map[string]any `json:"parameters,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// RequestEvent is an inbound request as received from the bus. A non-empty
// Recipients list asks for direct delivery, bypassing rule matching.
type RequestEvent struct {
	RequestID   string          `json:"request_id" validate:"required,max=128"`
	Owner       string          `json:"request_owner" validate:"required,max=128"`
	RequestDate time.Time       `json:"request_date" validate:"required"`
	Payload     json.RawMessage `json:"payload" validate:"required"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Recipients  []string        `json:"recipients,omitempty" validate:"omitempty,dive,required,max=128"`
}

// Direct reports whether the event targets explicit recipients.
func (e RequestEvent) Direct() bool {
	return len(e.Recipients) > 0
}

// RecipientReport describes the delivery outcome for one recipient that
// exposes a label.
type RecipientReport struct {
	Label       string               `json:"label"`
	Status      DeliveryReportStatus `json:"status"`
	AckRequired bool                 `json:"ack_required"`
	Blocking    bool                 `json:"blocking"`
}

// NotifierEvent is published on the bus for acknowledgements (GRANTED,
// TO_SCHEDULE_BY_RECIPIENT, DENIED, ERROR during matching) and for terminal
// outcomes (SUCCESS, ERROR).
type NotifierEvent struct {
	RequestID  string            `json:"request_id"`
	Owner      string            `json:"request_owner"`
	Tenant     string            `json:"tenant"`
	State      NotificationState `json:"state"`
	Date       time.Time         `json:"date"`
	Message    string            `json:"message,omitempty"`
	Recipients []RecipientReport `json:"recipients,omitempty"`
}

// NewNotifierEvent builds an event for req in the given state.
func NewNotifierEvent(req *NotificationRequest, state NotificationState, now time.Time) NotifierEvent {
	return NotifierEvent{
		RequestID: req.RequestID,
		Owner:     req.Owner,
		Tenant:    req.Tenant,
		State:     state.Published(),
		Date:      now,
	}
}

// DeliveryJob hands a set of requests to one recipient.
type DeliveryJob struct {
	ID          string    `json:"id"`
	Tenant      string    `json:"tenant"`
	RecipientID string    `json:"recipient_id"`
	RequestIDs  []int64   `json:"request_ids"`
	Status      JobStatus `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// OperatorNotification is raised for conditions a human must look at.
type OperatorNotification struct {
	Tenant  string            `json:"tenant"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Level   NotificationLevel `json:"level"`
	Role    OperatorRole      `json:"role"`
}

// IDs returns the internal ids of reqs in order.
func IDs(reqs []*NotificationRequest) []int64 {
	ids := make([]int64, 0, len(reqs))
	for _, r := range reqs {
		ids = append(ids, r.ID)
	}
	return ids
}
