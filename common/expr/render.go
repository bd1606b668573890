package expr

import (
	"fmt"
	"strings"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// RenderString resolves {{ expr }} placeholders in a string. A string that
// is exactly one placeholder returns the typed value of the expression;
// mixed text concatenates string forms of each piece.
func (e *Engine) RenderString(s string, scope *Scope) (any, error) {
	if !strings.Contains(s, openDelim) {
		return s, nil
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, openDelim) && strings.HasSuffix(trimmed, closeDelim) {
		inner := trimmed[len(openDelim) : len(trimmed)-len(closeDelim)]
		if !strings.Contains(inner, openDelim) {
			return e.EvalValue(strings.TrimSpace(inner), scope)
		}
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		rest = rest[start+len(openDelim):]

		end := strings.Index(rest, closeDelim)
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated placeholder in %q", ErrTemplateUnresolved, s)
		}

		val, err := e.EvalValue(strings.TrimSpace(rest[:end]), scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		rest = rest[end+len(closeDelim):]
	}

	return b.String(), nil
}

// RenderValue deep-renders templates inside maps, slices, and strings.
// Non-string leaves pass through untouched.
func (e *Engine) RenderValue(v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return e.RenderString(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, nested := range val {
			rendered, err := e.RenderValue(nested, scope)
			if err != nil {
				return nil, fmt.Errorf("render %q: %w", k, err)
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, nested := range val {
			rendered, err := e.RenderValue(nested, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderConfig renders a task config map
func (e *Engine) RenderConfig(config map[string]any, scope *Scope) (map[string]any, error) {
	rendered, err := e.RenderValue(config, scope)
	if err != nil {
		return nil, err
	}
	out, ok := rendered.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: config rendered to %T", ErrTypeMismatch, rendered)
	}
	return out, nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}
