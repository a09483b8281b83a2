package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"notifier/internal/types"
)

// DeliveryJobRepository provides data access for the delivery_jobs table.
// Jobs are created in the same transaction that moves their recipients to
// scheduled, so a job row exists for every scheduled membership.
type DeliveryJobRepository struct {
	db DBTX
}

// NewDeliveryJobRepository creates a new DeliveryJobRepository backed by the
// given database connection (pool or transaction).
func NewDeliveryJobRepository(db DBTX) *DeliveryJobRepository {
	return &DeliveryJobRepository{db: db}
}

const jobColumns = `id, tenant, recipient_id, request_ids, status, created_at, updated_at`

func scanJob(row pgx.Row) (types.DeliveryJob, error) {
	var (
		j      types.DeliveryJob
		status string
	)
	err := row.Scan(&j.ID, &j.Tenant, &j.RecipientID, &j.RequestIDs, &status, &j.CreatedAt, &j.UpdatedAt)
	j.Status = types.JobStatus(status)
	return j, err
}

func (r *DeliveryJobRepository) CreateJob(ctx context.Context, job *types.DeliveryJob) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO delivery_jobs (id, tenant, recipient_id, request_ids, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID,
		job.Tenant,
		job.RecipientID,
		job.RequestIDs,
		string(job.Status),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictExists, "delivery job "+job.ID+" already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create delivery job", err)
	}
	return nil
}

// ClaimJob moves a queued job to running. The conditional update makes a
// redelivered job message a no-op:
//
//	UPDATE delivery_jobs SET status = 'running' WHERE id = $1 AND status = 'queued'
//
// When nothing is updated the job is read back to tell "already claimed"
// from "unknown".
func (r *DeliveryJobRepository) ClaimJob(ctx context.Context, id string) (*types.DeliveryJob, bool, error) {
	job, err := scanJob(r.db.QueryRow(ctx,
		`UPDATE delivery_jobs SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND status = $3
		 RETURNING `+jobColumns,
		id, string(types.JobRunning), string(types.JobQueued),
	))
	if err == nil {
		return &job, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim delivery job", err)
	}

	job, err = scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM delivery_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, types.NewAppError(types.ErrCodeNotFoundJob, "delivery job "+id+" not found", nil)
		}
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to read delivery job", err)
	}
	return &job, false, nil
}

func (r *DeliveryJobRepository) FinishJob(ctx context.Context, id string, status types.JobStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_jobs SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish delivery job", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundJob, "delivery job "+id+" not found", nil)
	}
	return nil
}

func (r *DeliveryJobRepository) FindStaleJobs(ctx context.Context, tenant string, cutoff time.Time, limit int) ([]types.DeliveryJob, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+` FROM delivery_jobs
		 WHERE tenant = $1 AND status IN ($2, $3) AND updated_at < $4
		 ORDER BY created_at
		 LIMIT $5`,
		tenant, string(types.JobQueued), string(types.JobRunning), cutoff, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query stale delivery jobs", err)
	}
	defer rows.Close()

	var jobs []types.DeliveryJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan delivery job", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating delivery jobs", err)
	}
	return jobs, nil
}

// PurgeFinished deletes finished jobs last updated before cutoff.
func (r *DeliveryJobRepository) PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM delivery_jobs WHERE status IN ($1, $2) AND updated_at < $3`,
		string(types.JobSucceeded), string(types.JobFailed), cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge delivery jobs", err)
	}
	return tag.RowsAffected(), nil
}
