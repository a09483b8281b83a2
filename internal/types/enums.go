package types

// NotificationState is the lifecycle state of a NotificationRequest.
type NotificationState string

const (
	// StateGranted means the request still has rules to match.
	StateGranted NotificationState = "GRANTED"
	// StateDenied is published for events that failed validation. It is
	// never persisted.
	StateDenied NotificationState = "DENIED"
	// StateToScheduleByRecipient means at least one recipient waits for a
	// delivery job.
	StateToScheduleByRecipient NotificationState = "TO_SCHEDULE_BY_RECIPIENT"
	// StateScheduled means every recipient has been handed to a job.
	StateScheduled NotificationState = "SCHEDULED"
	// StateError means at least one recipient failed while others may still
	// be in flight.
	StateError NotificationState = "ERROR"
	// StateErrorFinal marks a reported failure kept for manual retry. It is
	// published as ERROR.
	StateErrorFinal NotificationState = "ERROR_FINAL"
	// StateSuccess is only ever published; successful rows are deleted.
	StateSuccess NotificationState = "SUCCESS"
)

// Published returns the state as seen by requesters on the bus.
func (s NotificationState) Published() NotificationState {
	if s == StateErrorFinal {
		return StateError
	}
	return s
}

// Terminal reports whether no further automatic processing occurs.
func (s NotificationState) Terminal() bool {
	switch s {
	case StateSuccess, StateErrorFinal, StateDenied:
		return true
	}
	return false
}

// RecipientStatus records which set a recipient belongs to on a request.
// A recipient has exactly one status per request.
type RecipientStatus string

const (
	RecipientToSchedule RecipientStatus = "to_schedule"
	RecipientScheduled  RecipientStatus = "scheduled"
	RecipientInError    RecipientStatus = "in_error"
	RecipientSuccess    RecipientStatus = "success"
)

// PluginKind distinguishes rule matchers from recipient notifiers.
type PluginKind string

const (
	PluginKindMatcher   PluginKind = "matcher"
	PluginKindRecipient PluginKind = "recipient"
)

// JobStatus is the lifecycle state of a DeliveryJob.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// NotificationLevel is the severity of an operator notification.
type NotificationLevel string

const (
	LevelInfo    NotificationLevel = "INFO"
	LevelWarning NotificationLevel = "WARNING"
	LevelError   NotificationLevel = "ERROR"
	LevelFatal   NotificationLevel = "FATAL"
)

// OperatorRole is the audience of an operator notification.
type OperatorRole string

const (
	RoleAdmin   OperatorRole = "ADMIN"
	RoleProject OperatorRole = "PROJECT_ADMIN"
)

// DeliveryReportStatus is the per-recipient outcome carried in terminal events.
type DeliveryReportStatus string

const (
	DeliverySuccess DeliveryReportStatus = "SUCCESS"
	DeliveryError   DeliveryReportStatus = "ERROR"
)
