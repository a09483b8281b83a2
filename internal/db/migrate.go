package db

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"notifier/internal/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded schema migrations. goose needs a
// database/sql handle, so the pool is bridged through pgx's stdlib driver.
func Migrate(ctx context.Context, pool *pgxpool.Pool, table string, logger types.Logger) error {
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer func() {
		if err := sqlDB.Close(); err != nil {
			logger.Error("failed to close migration connection", "error", err)
		}
	}()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{logger})
	if table != "" {
		goose.SetTableName(table)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set migration dialect", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply migrations", err)
	}
	return nil
}

// gooseLogger routes goose's Printf-style output through types.Logger.
type gooseLogger struct {
	log types.Logger
}

func (g gooseLogger) Fatalf(format string, v ...any) {
	g.log.Error(fmt.Sprintf(format, v...))
}

func (g gooseLogger) Printf(format string, v ...any) {
	g.log.Info(fmt.Sprintf(format, v...))
}
