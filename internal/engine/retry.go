package engine

import (
	"context"
	"fmt"

	"notifier/internal/types"
)

// Batch is one retryable batch mutation.
//
// Load fetches the working set for the first attempt. Reload fetches it for
// every later attempt; when nil, the requests loaded by the previous attempt
// are fetched again by internal id. Apply computes and writes the mutation
// for the freshly loaded requests and returns whatever the caller needs
// after commit.
//
// Publish, when set, runs inside the attempt's transaction once Apply
// succeeded. A publish failure rolls the attempt back, so the mutation and
// its events are retried together on the next pass. Events may therefore be
// delivered more than once but never lost.
type Batch[T any] struct {
	Operation string
	Load      func(ctx context.Context, tx Tx) ([]*types.NotificationRequest, error)
	Reload    func(ctx context.Context, tx Tx, ids []int64) ([]*types.NotificationRequest, error)
	Apply     func(ctx context.Context, tx Tx, reqs []*types.NotificationRequest) (T, error)
	Publish   func(ctx context.Context, out T) error
}

// RunBatch executes b until an attempt commits without a version conflict.
//
// Each attempt runs in its own transaction and works only on requests it
// loaded itself; objects from a failed attempt are discarded. The loop stops
// early only when ctx is done between attempts or a non-conflict error occurs.
func RunBatch[T any](ctx context.Context, store Store, logger types.Logger, metrics Metrics, b Batch[T]) (T, error) {
	var (
		zero T
		ids  []int64
	)
	for attempt := 1; ; attempt++ {
		var out T
		err := store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
			var (
				reqs []*types.NotificationRequest
				err  error
			)
			switch {
			case attempt == 1 || (b.Reload == nil && ids == nil):
				reqs, err = b.Load(ctx, tx)
			case b.Reload != nil:
				reqs, err = b.Reload(ctx, tx, ids)
			default:
				reqs, err = tx.FindByIDs(ctx, ids)
			}
			if err != nil {
				return err
			}
			if ids == nil {
				ids = types.IDs(reqs)
			}
			out, err = b.Apply(ctx, tx, reqs)
			if err != nil || b.Publish == nil {
				return err
			}
			return b.Publish(ctx, out)
		})
		if err == nil {
			return out, nil
		}
		if !types.IsConflict(err) {
			return zero, err
		}

		metrics.RecordConflict(ctx, b.Operation)
		logger.Info("another worker updated requests of this batch, reloading",
			"operation", b.Operation,
			"attempt", attempt,
			"count", len(ids),
		)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, fmt.Errorf("%s: giving up after %d attempts: %w", b.Operation, attempt, ctxErr)
		}
	}
}
