package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"notifier/internal/types"
)

// DefaultScheduleParallelism bounds concurrent per-recipient schedule passes.
const DefaultScheduleParallelism = 4

// ProcessingService hands requests to recipients and records delivery
// results.
type ProcessingService struct {
	deps        Deps
	dispatcher  JobDispatcher
	parallelism int
}

// NewProcessingService creates a ProcessingService. parallelism <= 0 uses
// DefaultScheduleParallelism.
func NewProcessingService(deps Deps, dispatcher JobDispatcher, parallelism int) *ProcessingService {
	if parallelism <= 0 {
		parallelism = DefaultScheduleParallelism
	}
	return &ProcessingService{
		deps:        deps.withDefaults(),
		dispatcher:  dispatcher,
		parallelism: parallelism,
	}
}

// ScheduleSummary reports one schedule pass.
type ScheduleSummary struct {
	Recipients int
	Jobs       int
	Requests   int
}

// ScheduleAll runs ScheduleRecipient for every recipient with pending
// requests in tenant. Recipients are scheduled concurrently; the first error
// is returned once every pass finished.
func (s *ProcessingService) ScheduleAll(ctx context.Context, tenant string) (ScheduleSummary, error) {
	var recipients []string
	err := s.deps.Store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		recipients, err = tx.FindRecipientsToSchedule(ctx, tenant)
		return err
	})
	if err != nil {
		return ScheduleSummary{}, fmt.Errorf("list recipients to schedule: %w", err)
	}

	counts := make([]int, len(recipients))
	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for i, recipient := range recipients {
		g.Go(func() error {
			n, err := s.ScheduleRecipient(ctx, tenant, recipient)
			counts[i] = n
			return err
		})
	}
	err = g.Wait()

	summary := ScheduleSummary{Recipients: len(recipients)}
	for _, n := range counts {
		if n > 0 {
			summary.Jobs++
			summary.Requests += n
		}
	}
	return summary, err
}

// ScheduleRecipient moves recipient from to_schedule to scheduled on the
// oldest page of requests waiting for it, then dispatches one delivery job
// carrying those requests. It returns the number of requests scheduled.
func (s *ProcessingService) ScheduleRecipient(ctx context.Context, tenant, recipient string) (int, error) {
	logger := s.deps.logger(ctx).With("tenant", tenant, "recipient", recipient)

	job, err := RunBatch(ctx, s.deps.Store, logger, s.deps.Metrics, Batch[*types.DeliveryJob]{
		Operation: PhaseScheduling,
		Load: func(ctx context.Context, tx Tx) ([]*types.NotificationRequest, error) {
			return tx.FindPageToSchedule(ctx, tenant, recipient, s.deps.PageSize)
		},
		Apply: func(ctx context.Context, tx Tx, reqs []*types.NotificationRequest) (*types.DeliveryJob, error) {
			return s.applySchedule(ctx, tx, tenant, recipient, reqs)
		},
	})
	if err != nil {
		return 0, fmt.Errorf("schedule recipient %s: %w", recipient, err)
	}
	if job == nil {
		return 0, nil
	}

	if err := s.dispatcher.Dispatch(ctx, []types.DeliveryJob{*job}); err != nil {
		// The job row stays queued; recovery re-arms it after the crash TTL.
		logger.Error("failed to dispatch delivery job", "job_id", job.ID, "error", err)
		return len(job.RequestIDs), types.NewAppError(types.ErrCodeUpstreamQueue, "failed to dispatch delivery job "+job.ID, err)
	}

	logger.Info("delivery job dispatched", "job_id", job.ID, "count", len(job.RequestIDs))
	return len(job.RequestIDs), nil
}

func (s *ProcessingService) applySchedule(ctx context.Context, tx Tx, tenant, recipient string, reqs []*types.NotificationRequest) (*types.DeliveryJob, error) {
	reqs = slices.DeleteFunc(slices.Clone(reqs), func(r *types.NotificationRequest) bool {
		return r.State != types.StateToScheduleByRecipient || !r.HasRecipient(types.RecipientToSchedule, recipient)
	})
	if len(reqs) == 0 {
		return nil, nil
	}

	ids := types.IDs(reqs)
	if err := tx.MoveRecipient(ctx, recipient, ids, types.RecipientToSchedule, types.RecipientScheduled); err != nil {
		return nil, err
	}

	for _, req := range reqs {
		req.RecipientsToSchedule = slices.DeleteFunc(req.RecipientsToSchedule, func(id string) bool { return id == recipient })
		req.SetRecipients(types.RecipientScheduled, append(slices.Clone(req.RecipientsScheduled), recipient))
		if len(req.RecipientsToSchedule) == 0 && len(req.RulesToMatch) == 0 && req.State != types.StateGranted {
			req.State = types.StateScheduled
		}
		if err := tx.SaveState(ctx, req); err != nil {
			return nil, err
		}
	}

	now := s.deps.Clock.Now()
	job := &types.DeliveryJob{
		ID:          uuid.NewString(),
		Tenant:      tenant,
		RecipientID: recipient,
		RequestIDs:  ids,
		Status:      types.JobQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	s.deps.recordStates(ctx, PhaseScheduling, reqs)
	return job, nil
}

// DeliverySummary reports one processed job.
type DeliverySummary struct {
	Succeeded int
	Failed    int
	Skipped   bool
}

// ProcessJob claims a delivery job, sends its requests through the recipient
// notifier and records the per-request outcome. A job that was already
// claimed is skipped.
func (s *ProcessingService) ProcessJob(ctx context.Context, jobID string) (DeliverySummary, error) {
	var (
		job     *types.DeliveryJob
		claimed bool
		reqs    []*types.NotificationRequest
	)
	err := s.deps.Store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		job, claimed, err = tx.ClaimJob(ctx, jobID)
		if err != nil || !claimed {
			return err
		}
		reqs, err = tx.FindByIDs(ctx, job.RequestIDs)
		return err
	})
	if err != nil {
		return DeliverySummary{}, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	logger := s.deps.logger(ctx).With("job_id", jobID)
	if !claimed {
		logger.Info("delivery job already claimed, skipping")
		return DeliverySummary{Skipped: true}, nil
	}
	logger = logger.With("tenant", job.Tenant, "recipient", job.RecipientID)

	reqs = slices.DeleteFunc(reqs, func(r *types.NotificationRequest) bool {
		return !r.HasRecipient(types.RecipientScheduled, job.RecipientID)
	})

	failed, sendErr := s.send(ctx, job, reqs)
	if sendErr != nil {
		logger.Error("recipient notifier failed, marking every request as failed", "count", len(reqs), "error", sendErr)
		failed = reqs
	}

	summary, err := s.RecordResults(ctx, job, types.IDs(failed))
	if err != nil {
		return summary, err
	}
	s.deps.Metrics.RecordDelivery(ctx, job.RecipientID, summary.Succeeded, summary.Failed)
	logger.Info("delivery job processed", "succeeded", summary.Succeeded, "failed", summary.Failed)
	return summary, nil
}

// send invokes the notifier. A panic inside the plugin counts as a failure
// of the whole batch.
func (s *ProcessingService) send(ctx context.Context, job *types.DeliveryJob, reqs []*types.NotificationRequest) (failed []*types.NotificationRequest, err error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	notifier, err := s.deps.Resolver.Recipient(ctx, job.Tenant, job.RecipientID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			failed = nil
			err = types.NewAppError(types.ErrCodePluginEvaluation, fmt.Sprintf("recipient %s panicked: %v", job.RecipientID, r), nil)
		}
	}()
	return notifier.Send(ctx, reqs)
}

// RecordResults applies the outcome of a delivery job. Requests listed in
// failedIDs move the recipient to in_error; the others move it to success.
// Requests that no longer hold the recipient as scheduled are left alone.
func (s *ProcessingService) RecordResults(ctx context.Context, job *types.DeliveryJob, failedIDs []int64) (DeliverySummary, error) {
	logger := s.deps.logger(ctx).With("job_id", job.ID, "recipient", job.RecipientID)
	recipient := job.RecipientID

	summary, err := RunBatch(ctx, s.deps.Store, logger, s.deps.Metrics, Batch[DeliverySummary]{
		Operation: PhaseProcessing,
		Load: func(ctx context.Context, tx Tx) ([]*types.NotificationRequest, error) {
			return tx.FindByIDs(ctx, job.RequestIDs)
		},
		Apply: func(ctx context.Context, tx Tx, reqs []*types.NotificationRequest) (DeliverySummary, error) {
			var (
				summary DeliverySummary
				ok, ko  []*types.NotificationRequest
			)
			for _, req := range reqs {
				if !req.HasRecipient(types.RecipientScheduled, recipient) {
					continue
				}
				if slices.Contains(failedIDs, req.ID) {
					ko = append(ko, req)
				} else {
					ok = append(ok, req)
				}
			}

			if len(ko) > 0 {
				if err := tx.MoveRecipient(ctx, recipient, types.IDs(ko), types.RecipientScheduled, types.RecipientInError); err != nil {
					return summary, err
				}
			}
			if len(ok) > 0 {
				if err := tx.MoveRecipient(ctx, recipient, types.IDs(ok), types.RecipientScheduled, types.RecipientSuccess); err != nil {
					return summary, err
				}
			}
			for _, req := range ko {
				if req.State != types.StateGranted && req.State != types.StateToScheduleByRecipient {
					req.State = types.StateError
				}
			}
			for _, req := range append(ok, ko...) {
				if err := tx.SaveState(ctx, req); err != nil {
					return summary, err
				}
			}

			status := types.JobSucceeded
			if len(ko) > 0 {
				status = types.JobFailed
			}
			if err := tx.FinishJob(ctx, job.ID, status); err != nil {
				return summary, err
			}

			summary.Succeeded = len(ok)
			summary.Failed = len(ko)
			return summary, nil
		},
	})
	if err != nil {
		return DeliverySummary{}, fmt.Errorf("record results of job %s: %w", job.ID, err)
	}
	return summary, nil
}
