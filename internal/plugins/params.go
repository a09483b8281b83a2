package plugins

import (
	"fmt"
	"strings"
	"time"

	"notifier/internal/types"
)

// Parameters arrive as decoded JSON, so numbers are float64 and lists are
// []any. These helpers convert them and report the offending key.

func paramError(key, format string, args ...any) error {
	return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPlugin,
		fmt.Sprintf("parameter %q: %s", key, fmt.Sprintf(format, args...)), nil,
		map[string]any{"parameter": key})
}

func stringParam(params map[string]any, key string, required bool) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		if required {
			return "", paramError(key, "is required")
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", paramError(key, "must be a string")
	}
	s = strings.TrimSpace(s)
	if required && s == "" {
		return "", paramError(key, "must not be empty")
	}
	return s, nil
}

func boolParam(params map[string]any, key string, def bool) (bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, paramError(key, "must be a boolean")
	}
	return b, nil
}

func stringsParam(params map[string]any, key string, required bool) ([]string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		if required {
			return nil, paramError(key, "is required")
		}
		return nil, nil
	}

	var out []string
	switch list := v.(type) {
	case []string:
		out = append(out, list...)
	case []any:
		for i, item := range list {
			s, ok := item.(string)
			if !ok || strings.TrimSpace(s) == "" {
				return nil, paramError(key, "item %d must be a non-empty string", i)
			}
			out = append(out, strings.TrimSpace(s))
		}
	case string:
		for _, s := range strings.Split(list, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	default:
		return nil, paramError(key, "must be a list of strings")
	}
	if required && len(out) == 0 {
		return nil, paramError(key, "must not be empty")
	}
	return out, nil
}

func durationParam(params map[string]any, key string, def time.Duration) (time.Duration, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil || parsed <= 0 {
			return 0, paramError(key, "must be a positive duration like \"5s\"")
		}
		return parsed, nil
	case float64:
		if d <= 0 {
			return 0, paramError(key, "must be a positive number of seconds")
		}
		return time.Duration(d * float64(time.Second)), nil
	}
	return 0, paramError(key, "must be a duration")
}

// recipientTraits are the behaviour flags every recipient plugin reads from
// its configuration.
type recipientTraits struct {
	label    string
	direct   bool
	ack      bool
	blocking bool
}

func parseTraits(cfg types.PluginConfiguration) (recipientTraits, error) {
	t := recipientTraits{label: cfg.Label}
	var err error
	if t.direct, err = boolParam(cfg.Parameters, "direct_notification_enabled", false); err != nil {
		return t, err
	}
	if t.ack, err = boolParam(cfg.Parameters, "ack_required", false); err != nil {
		return t, err
	}
	if t.blocking, err = boolParam(cfg.Parameters, "blocking", false); err != nil {
		return t, err
	}
	return t, nil
}

func (t recipientTraits) DirectNotificationEnabled() bool { return t.direct }
func (t recipientTraits) RecipientLabel() string          { return t.label }
func (t recipientTraits) AckRequired() bool               { return t.ack }
func (t recipientTraits) BlockingRequired() bool          { return t.blocking }
