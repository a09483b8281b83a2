package db

import (
	"context"

	"github.com/jackc/pgx/v5"

	"notifier/internal/engine"
	"notifier/internal/types"
)

// Compile-time interface checks.
var (
	_ engine.Store = (*Store)(nil)
	_ engine.Tx    = (*storeTx)(nil)
)

// TxBeginner starts transactions. Satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store runs engine mutations inside PostgreSQL transactions.
type Store struct {
	pool TxBeginner
}

// NewStore creates a Store over pool.
func NewStore(pool TxBeginner) *Store {
	return &Store{pool: pool}
}

// storeTx binds every repository the engine needs to one transaction.
type storeTx struct {
	*RequestRepository
	*DeliveryJobRepository
	rules *RuleRepository
}

func newStoreTx(db DBTX) *storeTx {
	return &storeTx{
		RequestRepository:     NewRequestRepository(db),
		DeliveryJobRepository: NewDeliveryJobRepository(db),
		rules:                 NewRuleRepository(db),
	}
}

func (t *storeTx) FindRules(ctx context.Context, tenant string, ids []int64) ([]types.Rule, error) {
	return t.rules.FindRules(ctx, tenant, ids)
}

// RunInTx implements engine.Store. fn's error is returned unchanged so
// types.ErrConflict reaches the retry loop. Serialization failures and
// deadlocks are reported as conflicts too.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx engine.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	defer func() {
		// No-op once committed.
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(ctx, newStoreTx(tx)); err != nil {
		if isTxAborted(err) {
			return abortedConflict(err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isTxAborted(err) {
			return abortedConflict(err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit transaction", err)
	}
	return nil
}

func abortedConflict(err error) error {
	return types.NewAppError(types.ErrCodeConflictConcurrent, "transaction aborted by a concurrent writer", err)
}
