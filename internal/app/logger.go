package app

import (
	"log/slog"

	"notifier/internal/types"
)

// slogAdapter wraps *slog.Logger to implement types.Logger. slog.Logger
// satisfies Info, Error and Warn, but its With returns *slog.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

// NewLogger adapts logger to types.Logger.
func NewLogger(logger *slog.Logger) types.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &slogAdapter{logger: logger}
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

var _ types.Logger = (*slogAdapter)(nil)
