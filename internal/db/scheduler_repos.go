package db

import (
	"context"
	"time"

	"notifier/internal/types"
)

// ============================================================
// JobLockRepository
// ============================================================

// JobLockRepository provides distributed locking via the job_locks table so
// that only one engine-tasks invocation runs a locked task for a tenant at a
// time.
type JobLockRepository struct {
	db  DBTX
	now func() time.Time
}

// NewJobLockRepository creates a new JobLockRepository backed by the given
// database connection (pool or transaction).
func NewJobLockRepository(db DBTX) *JobLockRepository {
	return &JobLockRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Acquire attempts to insert a lock row. Returns true if acquired, false if
// the lock already exists and has not expired. The lockID is
// "task:tenant" (e.g., "recover_jobs:acme").
//
// SQL pattern:
//
//	INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
//	VALUES ($1, $2, $3, $4)
//	ON CONFLICT (id) DO UPDATE
//	  SET worker_id = EXCLUDED.worker_id, ...
//	  WHERE job_locks.expires_at < $3
//
// Timestamps are computed in Go; PostgreSQL does not parse Go duration
// strings as intervals.
func (r *JobLockRepository) Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error) {
	now := r.now()
	expiresAt := now.Add(ttl)

	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id = EXCLUDED.worker_id,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_locks.expires_at < $3`,
		lockID,
		workerID,
		now,
		expiresAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire job lock", err)
	}

	// 0 rows: another worker holds an unexpired lock.
	return tag.RowsAffected() > 0, nil
}

// Release drops a lock held by workerID. Releasing a lock taken over by
// another worker is a no-op.
func (r *JobLockRepository) Release(ctx context.Context, lockID string, workerID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM job_locks WHERE id = $1 AND worker_id = $2`,
		lockID,
		workerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release job lock", err)
	}
	return nil
}

// ============================================================
// JobHistoryRepository
// ============================================================

// Job history statuses.
const (
	JobHistoryRunning = "running"
	JobHistorySuccess = "success"
	JobHistoryFailed  = "failed"
)

// JobHistoryRepository records every engine task run for operational
// visibility.
type JobHistoryRepository struct {
	db DBTX
}

// NewJobHistoryRepository creates a new JobHistoryRepository backed by the
// given database connection (pool or transaction).
func NewJobHistoryRepository(db DBTX) *JobHistoryRepository {
	return &JobHistoryRepository{db: db}
}

// Start inserts a running entry and returns its id for Finish.
func (r *JobHistoryRepository) Start(ctx context.Context, task, tenant string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO job_history (task, tenant, started_at, status)
		 VALUES ($1, $2, NOW(), $3)
		 RETURNING id`,
		task,
		tenant,
		JobHistoryRunning,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to start job history entry", err)
	}
	return id, nil
}

// Finish stores the outcome of a run. jobErr, when non-nil, is kept in the
// error column.
func (r *JobHistoryRepository) Finish(ctx context.Context, id int64, status string, items int, jobErr error) error {
	var errMsg *string
	if jobErr != nil {
		s := jobErr.Error()
		errMsg = &s
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE job_history
		 SET finished_at = NOW(), status = $2, items_count = $3, error = $4
		 WHERE id = $1`,
		id,
		status,
		items,
		errMsg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish job history entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "job history entry not found", nil)
	}
	return nil
}
