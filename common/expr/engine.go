package expr

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Typed evaluation failures surfaced to callers. The orchestrator maps
// them to step.failed; the worker maps them to outcome errors.
var (
	ErrTemplateUnresolved = errors.New("template unresolved")
	ErrTypeMismatch       = errors.New("type mismatch")
)

// Scope is the typed variable bundle expressions evaluate against.
// All fields are read-only at render time; ctx writes are deferred to
// ctx.patched events.
type Scope struct {
	Workload map[string]any
	Keychain map[string]any
	Ctx      map[string]any
	Iter     map[string]any
	Args     map[string]any
	Event    map[string]any

	// Pipeline locals, present only in task-policy expressions
	Prev    any
	Task    string
	Attempt int
	Outcome map[string]any
}

func (s *Scope) activation() map[string]any {
	orEmpty := func(m map[string]any) map[string]any {
		if m == nil {
			return map[string]any{}
		}
		return m
	}
	var prev any = s.Prev
	if prev == nil {
		prev = map[string]any{}
	}
	return map[string]any{
		"workload": orEmpty(s.Workload),
		"keychain": orEmpty(s.Keychain),
		"ctx":      orEmpty(s.Ctx),
		"iter":     orEmpty(s.Iter),
		"args":     orEmpty(s.Args),
		"event":    orEmpty(s.Event),
		"_prev":    prev,
		"_task":    s.Task,
		"_attempt": s.Attempt,
		"outcome":  orEmpty(s.Outcome),
	}
}

// Engine evaluates CEL expressions against scopes with a compiled-program
// cache keyed by expression text.
type Engine struct {
	env   *cel.Env
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEngine creates an expression engine
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("workload", cel.DynType),
		cel.Variable("keychain", cel.DynType),
		cel.Variable("ctx", cel.DynType),
		cel.Variable("iter", cel.DynType),
		cel.Variable("args", cel.DynType),
		cel.Variable("event", cel.DynType),
		cel.Variable("_prev", cel.DynType),
		cel.Variable("_task", cel.StringType),
		cel.Variable("_attempt", cel.IntType),
		cel.Variable("outcome", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}

	return &Engine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// EvalBool evaluates an expression expecting a boolean result
func (e *Engine) EvalBool(expression string, scope *Scope) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}

	out, err := e.eval(expression, scope)
	if err != nil {
		return false, err
	}

	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: expression %q returned %T, want bool", ErrTypeMismatch, expression, out)
	}

	return result, nil
}

// EvalValue evaluates an expression returning its native value
func (e *Engine) EvalValue(expression string, scope *Scope) (any, error) {
	return e.eval(expression, scope)
}

// EvalList evaluates an expression expecting a finite ordered sequence
func (e *Engine) EvalList(expression string, scope *Scope) ([]any, error) {
	out, err := e.eval(expression, scope)
	if err != nil {
		return nil, err
	}

	list, ok := out.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: expression %q returned %T, want list", ErrTypeMismatch, expression, out)
	}

	return list, nil
}

func (e *Engine) eval(expression string, scope *Scope) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(scope.activation())
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrTemplateUnresolved, expression, err)
	}

	return toNative(out.Value())
}

func (e *Engine) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, exists := e.cache[expression]
	e.mu.RUnlock()

	if exists {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compile %q: %v", ErrTemplateUnresolved, expression, issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("create CEL program: %w", err)
	}

	e.mu.Lock()
	e.cache[expression] = prg
	e.mu.Unlock()

	return prg, nil
}

// CacheSize returns the number of cached compiled programs
func (e *Engine) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// toNative converts CEL evaluation results to plain Go values
func toNative(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string, int64, uint64, float64, []byte:
		return val, nil
	case int:
		return int64(val), nil
	case map[string]any:
		return val, nil
	case []any:
		return val, nil
	}

	// CEL ref.Val wrappers for maps and lists
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		for _, key := range rv.MapKeys() {
			k := fmt.Sprintf("%v", key.Interface())
			nested, err := toNative(rv.MapIndex(key).Interface())
			if err != nil {
				return nil, err
			}
			out[k] = nested
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			nested, err := toNative(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = nested
		}
		return out, nil
	}

	return nil, fmt.Errorf("%w: unsupported CEL result type %T", ErrTypeMismatch, v)
}
