package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"notifier/internal/engine"
	"notifier/internal/types"
)

// fakeTx satisfies pgx.Tx by embedding it; only the methods the store uses
// are implemented.
type fakeTx struct {
	pgx.Tx
	*mockDBTX
	committed  bool
	rolledBack bool
	commitErr  error
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.mockDBTX.Exec(ctx, sql, args...)
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.mockDBTX.Query(ctx, sql, args...)
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.mockDBTX.QueryRow(ctx, sql, args...)
}

func (t *fakeTx) Commit(context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

type fakeBeginner struct {
	tx  *fakeTx
	err error
}

func (b *fakeBeginner) Begin(context.Context) (pgx.Tx, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.tx, nil
}

func TestStore_RunInTx_Commits(t *testing.T) {
	tx := &fakeTx{mockDBTX: new(mockDBTX)}
	store := NewStore(&fakeBeginner{tx: tx})
	ctx := context.Background()

	tx.mockDBTX.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	req := &types.NotificationRequest{ID: 1, Version: 1, State: types.StateScheduled}
	err := store.RunInTx(ctx, func(ctx context.Context, tx engine.Tx) error {
		return tx.SaveState(ctx, req)
	})
	require.NoError(t, err)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
	assert.Equal(t, int64(2), req.Version)
}

func TestStore_RunInTx_ConflictRollsBackUnwrapped(t *testing.T) {
	tx := &fakeTx{mockDBTX: new(mockDBTX)}
	store := NewStore(&fakeBeginner{tx: tx})
	ctx := context.Background()

	tx.mockDBTX.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := store.RunInTx(ctx, func(ctx context.Context, tx engine.Tx) error {
		return tx.SaveState(ctx, &types.NotificationRequest{ID: 1, Version: 1})
	})
	assert.Same(t, types.ErrConflict, err)
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
}

func TestStore_RunInTx_BeginAndCommitErrors(t *testing.T) {
	ctx := context.Background()

	store := NewStore(&fakeBeginner{err: errors.New("too many connections")})
	err := store.RunInTx(ctx, func(context.Context, engine.Tx) error { return nil })
	assert.Equal(t, types.ErrCodeInternalDB, types.ErrorCodeOf(err))

	tx := &fakeTx{mockDBTX: new(mockDBTX), commitErr: errors.New("connection reset")}
	store = NewStore(&fakeBeginner{tx: tx})
	err = store.RunInTx(ctx, func(context.Context, engine.Tx) error { return nil })
	assert.Equal(t, types.ErrCodeInternalDB, types.ErrorCodeOf(err))
	assert.True(t, tx.rolledBack)
}

func TestStore_RunInTx_AbortedTransactionsAreConflicts(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"deadlock", "40P01"},
		{"serialization failure", "40001"},
	}

	for _, tt := range tests {
		t.Run(tt.name+" during statement", func(t *testing.T) {
			tx := &fakeTx{mockDBTX: new(mockDBTX)}
			store := NewStore(&fakeBeginner{tx: tx})
			ctx := context.Background()

			tx.mockDBTX.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
				Return(pgconn.CommandTag{}, &pgconn.PgError{Code: tt.code})

			err := store.RunInTx(ctx, func(ctx context.Context, tx engine.Tx) error {
				return tx.SaveState(ctx, &types.NotificationRequest{ID: 1, Version: 1})
			})
			assert.True(t, types.IsConflict(err), "expected conflict, got %v", err)
			assert.True(t, tx.rolledBack)
		})

		t.Run(tt.name+" at commit", func(t *testing.T) {
			tx := &fakeTx{mockDBTX: new(mockDBTX), commitErr: &pgconn.PgError{Code: tt.code}}
			store := NewStore(&fakeBeginner{tx: tx})

			err := store.RunInTx(context.Background(), func(context.Context, engine.Tx) error { return nil })
			assert.True(t, types.IsConflict(err), "expected conflict, got %v", err)
		})
	}
}

func TestStore_FindRulesUsesTransaction(t *testing.T) {
	tx := &fakeTx{mockDBTX: new(mockDBTX)}
	store := NewStore(&fakeBeginner{tx: tx})
	ctx := context.Background()

	tx.mockDBTX.On("Query", ctx, sqlContaining("FROM rules"), mock.Anything).
		Return(newMockRows(ruleValues(3, "invoices", true)), nil)

	var rules []types.Rule
	err := store.RunInTx(ctx, func(ctx context.Context, tx engine.Tx) error {
		var err error
		rules, err = tx.FindRules(ctx, "acme", []int64{3})
		return err
	})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "invoices", rules[0].Name)
}
