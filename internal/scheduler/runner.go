package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"notifier/internal/db"
	"notifier/internal/engine"
)

const (
	// DefaultLockTTL bounds how long a crashed recover_jobs run can block
	// the next one.
	DefaultLockTTL = 5 * time.Minute

	// DefaultJobRetention is how long finished delivery jobs are kept.
	DefaultJobRetention = 7 * 24 * time.Hour

	// allTenants is the tenant recorded for tasks that are not per tenant.
	allTenants = "*"
)

type RequestMatcher interface {
	MatchPage(ctx context.Context, tenant string) (engine.MatchSummary, error)
}

type RecipientScheduler interface {
	ScheduleAll(ctx context.Context, tenant string) (engine.ScheduleSummary, error)
}

type CompletionChecker interface {
	CheckCompleted(ctx context.Context, tenant string) (engine.CompletionSummary, error)
}

type JobRecoverer interface {
	RecoverStaleJobs(ctx context.Context, tenant string) (engine.RecoverySummary, error)
}

type JobPurger interface {
	PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobLocker abstracts the distributed lock acquisition.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID string, workerID string) error
}

// JobHistorian abstracts the job history recording.
type JobHistorian interface {
	Start(ctx context.Context, task, tenant string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, err error) error
}

// Services groups the engine passes a Runner dispatches to.
type Services struct {
	Matching   RequestMatcher
	Processing RecipientScheduler
	Completion CompletionChecker
	Recovery   JobRecoverer
	Jobs       JobPurger
}

// Runner executes TaskPayloads: one pass per tenant, each recorded in job
// history. Only recover_jobs takes the distributed lock, since the other
// passes are safe to overlap under the retry discipline.
type Runner struct {
	Services     Services
	JobLock      JobLocker
	JobHistory   JobHistorian
	Tenants      []string
	WorkerID     string
	LockTTL      time.Duration
	JobRetention time.Duration
	Logger       *slog.Logger
}

// Run executes payload and returns a human readable result. A failing tenant
// does not stop the others; their errors are joined.
func (r *Runner) Run(ctx context.Context, payload TaskPayload) (string, error) {
	logger := r.logger()

	now := time.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in task payload")
	}
	if !payload.Task.Valid() {
		return "", fmt.Errorf("unknown task type: %q", payload.Task)
	}

	logger.InfoContext(ctx, "engine task invoked",
		"task", string(payload.Task),
		"tenant", payload.Tenant,
		"reference_time", now.Format(time.RFC3339),
		"worker_id", r.WorkerID,
	)

	if payload.Task == TaskPurgeJobs {
		items, err := r.runOnce(ctx, payload.Task, allTenants, now)
		if err != nil {
			return "", fmt.Errorf("task %s failed: %w", payload.Task, err)
		}
		return fmt.Sprintf("task %s complete: %d items processed", payload.Task, items), nil
	}

	tenants := r.Tenants
	if payload.Tenant != "" {
		tenants = []string{payload.Tenant}
	}
	if len(tenants) == 0 {
		return "", fmt.Errorf("task %s: no tenant configured", payload.Task)
	}

	var (
		total   int
		skipped int
		errs    []error
	)
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		items, err := r.runOnce(ctx, payload.Task, tenant, now)
		switch {
		case errors.Is(err, errLockHeld):
			skipped++
		case err != nil:
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
		}
		total += items
	}

	if err := errors.Join(errs...); err != nil {
		return "", fmt.Errorf("task %s failed: %w", payload.Task, err)
	}

	result := fmt.Sprintf("task %s complete: %d items processed across %d tenants", payload.Task, total, len(tenants))
	if skipped > 0 {
		result += fmt.Sprintf(" (%d skipped, lock held)", skipped)
	}
	logger.InfoContext(ctx, result, "task", string(payload.Task), "items", total)
	return result, nil
}

var errLockHeld = errors.New("job lock held by another worker")

// runOnce runs task for one tenant between history Start and Finish.
func (r *Runner) runOnce(ctx context.Context, task TaskType, tenant string, now time.Time) (int, error) {
	logger := r.logger().With("task", string(task), "tenant", tenant)

	if task == TaskRecoverJobs {
		lockID := fmt.Sprintf("%s:%s", task, tenant)
		acquired, err := r.JobLock.Acquire(ctx, lockID, r.WorkerID, r.lockTTL())
		if err != nil {
			return 0, fmt.Errorf("acquiring job lock %s: %w", lockID, err)
		}
		if !acquired {
			logger.InfoContext(ctx, "job lock not acquired, another worker is processing",
				"lock_id", lockID,
			)
			return 0, errLockHeld
		}
		defer func() {
			if err := r.JobLock.Release(context.WithoutCancel(ctx), lockID, r.WorkerID); err != nil {
				logger.ErrorContext(ctx, "failed to release job lock",
					"lock_id", lockID,
					"error", err,
				)
			}
		}()
	}

	historyID, err := r.JobHistory.Start(ctx, string(task), tenant)
	if err != nil {
		// Non-fatal: the pass runs without a history entry.
		logger.ErrorContext(ctx, "failed to start job history", "error", err)
		historyID = 0
	}

	items, execErr := r.dispatch(ctx, task, tenant, now)

	status := db.JobHistorySuccess
	if execErr != nil {
		status = db.JobHistoryFailed
	}
	if historyID != 0 {
		if err := r.JobHistory.Finish(ctx, historyID, status, items, execErr); err != nil {
			logger.ErrorContext(ctx, "failed to finish job history",
				"history_id", historyID,
				"error", err,
			)
		}
	}

	if execErr != nil {
		logger.ErrorContext(ctx, "task execution failed",
			"error", execErr,
			"items_before_error", items,
		)
	}
	return items, execErr
}

func (r *Runner) dispatch(ctx context.Context, task TaskType, tenant string, now time.Time) (int, error) {
	switch task {
	case TaskMatchRequests:
		s, err := r.Services.Matching.MatchPage(ctx, tenant)
		return s.Processed, err

	case TaskScheduleRecipients:
		s, err := r.Services.Processing.ScheduleAll(ctx, tenant)
		return s.Requests, err

	case TaskCheckCompleted:
		s, err := r.Services.Completion.CheckCompleted(ctx, tenant)
		return s.Succeeded + s.Failed, err

	case TaskRecoverJobs:
		s, err := r.Services.Recovery.RecoverStaleJobs(ctx, tenant)
		return s.Jobs, err

	case TaskPurgeJobs:
		n, err := r.Services.Jobs.PurgeFinished(ctx, now.Add(-r.jobRetention()))
		return int(n), err

	default:
		return 0, fmt.Errorf("unknown task type: %q", task)
	}
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Runner) lockTTL() time.Duration {
	if r.LockTTL <= 0 {
		return DefaultLockTTL
	}
	return r.LockTTL
}

func (r *Runner) jobRetention() time.Duration {
	if r.JobRetention <= 0 {
		return DefaultJobRetention
	}
	return r.JobRetention
}
