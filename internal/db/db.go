// Package db provides PostgreSQL-backed repository implementations for the
// notifier. All repositories accept a DBTX interface that is satisfied by both
// *pgxpool.Pool (for normal queries) and pgx.Tx (for transactional
// execution), enabling clean transaction support.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"notifier/internal/config"
	"notifier/internal/types"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
// Repositories accept this so the same code works inside or outside a
// transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	connectAttempts = 3
	connectInterval = 2 * time.Second
)

// Connect opens a pool and pings it, retrying with a linear backoff so that
// cold starts survive a database that is still coming up.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to parse database URL", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	var lastErr error
	for i := range connectAttempts {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, types.NewAppError(types.ErrCodeInternalDB, "database connection cancelled", ctx.Err())
		case <-time.After(time.Duration(i+1) * connectInterval):
		}
	}
	return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to connect to database", lastErr)
}

// Healthcheck returns a probe suitable for health endpoints.
func Healthcheck(pool *pgxpool.Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "database ping failed", err)
		}
		return nil
	}
}

// isTxAborted reports whether PostgreSQL aborted the transaction because of a
// concurrent writer (serialization_failure or deadlock_detected).
func isTxAborted(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
