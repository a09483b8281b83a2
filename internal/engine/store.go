// Package engine implements the notification request lifecycle: registration
// of inbound events, rule matching, per-recipient scheduling and delivery
// result handling, and completion reporting.
//
// Every batch mutation runs inside a store transaction under the
// Retry-on-Conflict discipline (see RunBatch). Set memberships are changed
// with additive/subtractive operations keyed by stable identifiers, and each
// touched request is written once per attempt with a version check.
package engine

import (
	"context"
	"time"

	"notifier/internal/types"
)

// Store is the transactional store the engine runs against.
type Store interface {
	// RunInTx runs fn in a transaction. The transaction commits when fn
	// returns nil and rolls back otherwise; fn's error is returned as is.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of operations the engine needs inside a transaction.
type Tx interface {
	RequestReader

	// CreateRequests inserts new requests with their rules and recipients
	// and assigns ID and Version. A duplicate (tenant, request id) surfaces
	// as types.ErrConflict.
	CreateRequests(ctx context.Context, reqs []*types.NotificationRequest) error

	// SaveState writes req.State when req.Version still matches the stored
	// version, then increments req.Version. A stale version returns
	// types.ErrConflict.
	SaveState(ctx context.Context, req *types.NotificationRequest) error

	// DeleteRequests removes requests whose versions still match.
	DeleteRequests(ctx context.Context, reqs []*types.NotificationRequest) error

	// RemoveRulesToMatch removes rule ids per request id. Removing an
	// absent rule is a no-op.
	RemoveRulesToMatch(ctx context.Context, byRequest map[int64][]int64) error

	// AddRecipientsToSchedule records recipients as to_schedule per request
	// id. A recipient already tracked on the request in any status is left
	// untouched.
	AddRecipientsToSchedule(ctx context.Context, byRequest map[int64][]string) error

	// MoveRecipient changes recipient from one status to another on each
	// listed request where it currently holds from.
	MoveRecipient(ctx context.Context, recipient string, requestIDs []int64, from, to types.RecipientStatus) error

	// MoveAllRecipients changes every recipient holding from on the
	// listed requests to to.
	MoveAllRecipients(ctx context.Context, requestIDs []int64, from, to types.RecipientStatus) error

	// ClearRecipients drops memberships holding status on the listed requests.
	ClearRecipients(ctx context.Context, requestIDs []int64, status types.RecipientStatus) error

	// FindRules returns the rules with the given ids. Unknown ids are omitted.
	FindRules(ctx context.Context, tenant string, ids []int64) ([]types.Rule, error)

	JobStore
}

// RequestReader loads requests with their relation sets hydrated.
type RequestReader interface {
	// FindByRequestIDs returns the requests of tenant whose caller-supplied
	// ids are in requestIDs.
	FindByRequestIDs(ctx context.Context, tenant string, requestIDs []string) ([]*types.NotificationRequest, error)

	// FindByIDs returns requests by internal id, oldest first.
	FindByIDs(ctx context.Context, ids []int64) ([]*types.NotificationRequest, error)

	// FindPageByState returns up to limit requests in state, oldest first.
	FindPageByState(ctx context.Context, tenant string, state types.NotificationState, limit int) ([]*types.NotificationRequest, error)

	// FindPageToSchedule returns up to limit TO_SCHEDULE_BY_RECIPIENT
	// requests holding recipient as to_schedule, oldest first.
	FindPageToSchedule(ctx context.Context, tenant, recipient string, limit int) ([]*types.NotificationRequest, error)

	// FindPageCompleted returns up to limit SCHEDULED or ERROR requests with
	// no rules to match and no to_schedule or scheduled recipients.
	FindPageCompleted(ctx context.Context, tenant string, limit int) ([]*types.NotificationRequest, error)

	// FindRecipientsToSchedule lists the distinct recipients waiting on
	// TO_SCHEDULE_BY_RECIPIENT requests of tenant.
	FindRecipientsToSchedule(ctx context.Context, tenant string) ([]string, error)
}

// JobStore persists delivery jobs alongside the request mutations that
// produced them.
type JobStore interface {
	CreateJob(ctx context.Context, job *types.DeliveryJob) error

	// ClaimJob moves a queued job to running. It returns false when the job
	// was already claimed or finished.
	ClaimJob(ctx context.Context, id string) (*types.DeliveryJob, bool, error)

	FinishJob(ctx context.Context, id string, status types.JobStatus) error

	// FindStaleJobs returns queued or running jobs last updated before cutoff.
	FindStaleJobs(ctx context.Context, tenant string, cutoff time.Time, limit int) ([]types.DeliveryJob, error)
}

// RuleSource loads the active rules of a tenant for the Rule Cache.
type RuleSource interface {
	ListActiveRules(ctx context.Context, tenant string) ([]types.Rule, error)
}
