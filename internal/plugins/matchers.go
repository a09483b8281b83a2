package plugins

import (
	"context"
	"encoding/json"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"notifier/internal/engine"
	"notifier/internal/types"
)

// Built-in matcher types.
const (
	MatchAllPluginID    = "match_all"
	FieldEqualsPluginID = "field_equals"
	PatternPluginID     = "pattern"
)

// Field matchers read either the request metadata or its payload.
const (
	sourceMetadata = "metadata"
	sourcePayload  = "payload"
)

type matchAll struct{}

func newMatchAll(context.Context, types.PluginConfiguration, Deps) (engine.RuleMatcher, error) {
	return matchAll{}, nil
}

func (matchAll) Match(context.Context, json.RawMessage, json.RawMessage) (bool, error) {
	return true, nil
}

// fieldEquals matches when the value at a dotted path equals a configured
// JSON value. A missing path never matches.
type fieldEquals struct {
	source string
	path   []string
	want   any
}

func newFieldEquals(_ context.Context, cfg types.PluginConfiguration, _ Deps) (engine.RuleMatcher, error) {
	source, err := sourceParam(cfg.Parameters)
	if err != nil {
		return nil, err
	}
	field, err := stringParam(cfg.Parameters, "field", true)
	if err != nil {
		return nil, err
	}
	want, ok := cfg.Parameters["value"]
	if !ok {
		return nil, paramError("value", "is required")
	}
	return &fieldEquals{source: source, path: strings.Split(field, "."), want: want}, nil
}

func (m *fieldEquals) Match(_ context.Context, metadata, payload json.RawMessage) (bool, error) {
	doc, err := decodeDocument(pick(m.source, metadata, payload))
	if err != nil {
		return false, err
	}
	got, ok := lookup(doc, m.path)
	if !ok {
		return false, nil
	}
	return reflect.DeepEqual(got, m.want), nil
}

// patternMatcher matches a regular expression against a string field, or
// against the raw JSON text when no field is configured.
type patternMatcher struct {
	source string
	path   []string
	re     *regexp.Regexp
}

func newPatternMatcher(_ context.Context, cfg types.PluginConfiguration, _ Deps) (engine.RuleMatcher, error) {
	source, err := sourceParam(cfg.Parameters)
	if err != nil {
		return nil, err
	}
	expr, err := stringParam(cfg.Parameters, "pattern", true)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, paramError("pattern", "invalid regular expression: %v", err)
	}
	field, err := stringParam(cfg.Parameters, "field", false)
	if err != nil {
		return nil, err
	}
	m := &patternMatcher{source: source, re: re}
	if field != "" {
		m.path = strings.Split(field, ".")
	}
	return m, nil
}

func (m *patternMatcher) Match(_ context.Context, metadata, payload json.RawMessage) (bool, error) {
	raw := pick(m.source, metadata, payload)
	if m.path == nil {
		return m.re.Match(raw), nil
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return false, err
	}
	got, ok := lookup(doc, m.path)
	if !ok {
		return false, nil
	}
	s, ok := got.(string)
	if !ok {
		return false, nil
	}
	return m.re.MatchString(s), nil
}

func sourceParam(params map[string]any) (string, error) {
	source, err := stringParam(params, "source", false)
	if err != nil {
		return "", err
	}
	switch source {
	case "":
		return sourceMetadata, nil
	case sourceMetadata, sourcePayload:
		return source, nil
	}
	return "", paramError("source", "must be %q or %q", sourceMetadata, sourcePayload)
}

func pick(source string, metadata, payload json.RawMessage) json.RawMessage {
	if source == sourcePayload {
		return payload
	}
	return metadata
}

func decodeDocument(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, types.NewAppError(types.ErrCodePluginEvaluation, "document is not valid JSON", err)
	}
	return doc, nil
}

// lookup walks nested objects along path. Array elements are addressed by
// decimal index.
func lookup(doc any, path []string) (any, bool) {
	cur := doc
	for _, seg := range path {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}
