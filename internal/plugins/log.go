package plugins

import (
	"context"

	"notifier/internal/engine"
	"notifier/internal/types"
)

// LogRecipientPluginID writes each request to the service log and always
// succeeds. Useful for dry runs of new rules.
const LogRecipientPluginID = "log"

type logRecipient struct {
	recipientTraits
	logger types.Logger
}

func newLogRecipient(_ context.Context, cfg types.PluginConfiguration, deps Deps) (engine.RecipientNotifier, error) {
	traits, err := parseTraits(cfg)
	if err != nil {
		return nil, err
	}
	return &logRecipient{
		recipientTraits: traits,
		logger:          deps.logger().With("plugin_id", cfg.BusinessID),
	}, nil
}

func (l *logRecipient) Send(_ context.Context, reqs []*types.NotificationRequest) ([]*types.NotificationRequest, error) {
	for _, req := range reqs {
		l.logger.Info("notification delivered to log",
			"tenant", req.Tenant,
			"request_id", req.RequestID,
			"owner", req.Owner,
		)
	}
	return nil, nil
}
