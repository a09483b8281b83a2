package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"notifier/internal/types"
)

// RecoveryService re-arms recipients owned by delivery jobs that never
// finished.
type RecoveryService struct {
	deps     Deps
	crashTTL time.Duration
}

// NewRecoveryService creates a RecoveryService. Jobs queued or running for
// longer than crashTTL are considered crashed.
func NewRecoveryService(deps Deps, crashTTL time.Duration) *RecoveryService {
	return &RecoveryService{deps: deps.withDefaults(), crashTTL: crashTTL}
}

// RecoverySummary reports one recovery pass.
type RecoverySummary struct {
	Jobs     int
	Requests int
}

// RecoverStaleJobs marks crashed jobs of tenant failed and moves their
// recipients from scheduled back to to_schedule so the next schedule pass
// dispatches them again.
func (s *RecoveryService) RecoverStaleJobs(ctx context.Context, tenant string) (RecoverySummary, error) {
	logger := s.deps.logger(ctx).With("tenant", tenant)
	cutoff := s.deps.Clock.Now().Add(-s.crashTTL)

	var jobs []types.DeliveryJob
	err := s.deps.Store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		jobs, err = tx.FindStaleJobs(ctx, tenant, cutoff, s.deps.PageSize)
		return err
	})
	if err != nil {
		return RecoverySummary{}, fmt.Errorf("find stale jobs: %w", err)
	}

	var summary RecoverySummary
	for _, job := range jobs {
		n, err := s.recoverJob(ctx, job)
		if err != nil {
			return summary, err
		}
		summary.Jobs++
		summary.Requests += n
		logger.Warn("recovered crashed delivery job",
			"job_id", job.ID,
			"recipient", job.RecipientID,
			"status", string(job.Status),
			"count", n,
		)
	}
	if summary.Requests > 0 {
		s.deps.Metrics.RecordRequests(ctx, PhaseRecovery, types.StateToScheduleByRecipient, summary.Requests)
	}
	return summary, nil
}

func (s *RecoveryService) recoverJob(ctx context.Context, job types.DeliveryJob) (int, error) {
	logger := s.deps.logger(ctx).With("job_id", job.ID)
	n, err := RunBatch(ctx, s.deps.Store, logger, s.deps.Metrics, Batch[int]{
		Operation: PhaseRecovery,
		Load: func(ctx context.Context, tx Tx) ([]*types.NotificationRequest, error) {
			return tx.FindByIDs(ctx, job.RequestIDs)
		},
		Apply: func(ctx context.Context, tx Tx, reqs []*types.NotificationRequest) (int, error) {
			if err := tx.FinishJob(ctx, job.ID, types.JobFailed); err != nil {
				return 0, err
			}
			held := slices.DeleteFunc(slices.Clone(reqs), func(r *types.NotificationRequest) bool {
				return !r.HasRecipient(types.RecipientScheduled, job.RecipientID)
			})
			if len(held) == 0 {
				return 0, nil
			}
			if err := tx.MoveRecipient(ctx, job.RecipientID, types.IDs(held), types.RecipientScheduled, types.RecipientToSchedule); err != nil {
				return 0, err
			}
			for _, req := range held {
				if req.State != types.StateGranted {
					req.State = types.StateToScheduleByRecipient
				}
				if err := tx.SaveState(ctx, req); err != nil {
					return 0, err
				}
			}
			return len(held), nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("recover job %s: %w", job.ID, err)
	}
	return n, nil
}
