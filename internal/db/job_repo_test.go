package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"notifier/internal/types"
)

var jobTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func jobRow(id string, status types.JobStatus) *mockRow {
	return rowOf(id, "acme", "hook", []int64{1, 2}, string(status), jobTime, jobTime)
}

// ============================================================
// ClaimJob
// ============================================================

func TestDeliveryJobRepository_ClaimJob_Queued(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryJobRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContaining("UPDATE delivery_jobs"), mock.Anything).
		Return(jobRow("job-1", types.JobRunning)).Once()

	job, claimed, err := repo.ClaimJob(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, types.JobRunning, job.Status)
	assert.Equal(t, []int64{1, 2}, job.RequestIDs)
	db.AssertExpectations(t)
}

func TestDeliveryJobRepository_ClaimJob_AlreadyClaimed(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryJobRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContaining("UPDATE delivery_jobs"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows}).Once()
	db.On("QueryRow", ctx, sqlContaining("SELECT"), mock.Anything).
		Return(jobRow("job-1", types.JobSucceeded)).Once()

	job, claimed, err := repo.ClaimJob(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, types.JobSucceeded, job.Status)
}

func TestDeliveryJobRepository_ClaimJob_Unknown(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryJobRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, claimed, err := repo.ClaimJob(ctx, "missing")
	require.Error(t, err)
	assert.False(t, claimed)
	assert.Equal(t, types.ErrCodeNotFoundJob, types.ErrorCodeOf(err))
}

// ============================================================
// Create / Finish / Stale
// ============================================================

func TestDeliveryJobRepository_CreateJob_DuplicateID(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryJobRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"})

	err := repo.CreateJob(ctx, &types.DeliveryJob{ID: "job-1", Status: types.JobQueued})
	assert.Equal(t, types.ErrCodeConflictExists, types.ErrorCodeOf(err))
}

func TestDeliveryJobRepository_FinishJob(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryJobRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return args[0] == "job-1" && args[1] == "failed"
	})).Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()

	require.NoError(t, repo.FinishJob(ctx, "job-1", types.JobFailed))

	err := repo.FinishJob(ctx, "job-2", types.JobSucceeded)
	assert.Equal(t, types.ErrCodeNotFoundJob, types.ErrorCodeOf(err))
}

func TestDeliveryJobRepository_FindStaleJobs(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryJobRepository(db)
	ctx := context.Background()
	cutoff := jobTime.Add(-30 * time.Minute)

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return args[0] == "acme" && args[3] == cutoff && args[4] == 100
	})).Return(newMockRows(
		[]any{"job-1", "acme", "hook", []int64{4}, "running", jobTime, jobTime},
	), nil)

	jobs, err := repo.FindStaleJobs(ctx, "acme", cutoff, 100)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].ID)
	assert.Equal(t, types.JobRunning, jobs[0].Status)
}

func TestDeliveryJobRepository_PurgeFinished_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryJobRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	n, err := repo.PurgeFinished(ctx, jobTime)
	require.Error(t, err)
	assert.Zero(t, n)
}
