package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine()
	require.NoError(t, err)
	return engine
}

func TestEvalBool(t *testing.T) {
	engine := newTestEngine(t)
	scope := &Scope{
		Workload: map[string]any{"threshold": int64(10)},
		Event:    map[string]any{"result": map[string]any{"count": int64(42)}},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"event.result.count > workload.threshold", true},
		{"event.result.count < workload.threshold", false},
		{"", true}, // unguarded arcs always match
		{"workload.threshold == 10", true},
	}

	for _, tt := range tests {
		got, err := engine.EvalBool(tt.expr, scope)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, got, tt.expr)
	}
}

func TestEvalBoolTypeMismatch(t *testing.T) {
	engine := newTestEngine(t)
	_, err := engine.EvalBool("workload.n + 1", &Scope{Workload: map[string]any{"n": int64(1)}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestEvalUnresolved(t *testing.T) {
	engine := newTestEngine(t)

	// runtime locals are absent at orchestrator render time; the error is
	// typed so callers can pass the template through verbatim
	_, err := engine.EvalValue("_prev.token", &Scope{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTemplateUnresolved)

	_, err = engine.EvalValue("this is not CEL ((", &Scope{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTemplateUnresolved)
}

func TestEvalList(t *testing.T) {
	engine := newTestEngine(t)
	scope := &Scope{Workload: map[string]any{"cities": []any{"berlin", "paris"}}}

	items, err := engine.EvalList("workload.cities", scope)
	require.NoError(t, err)
	assert.Equal(t, []any{"berlin", "paris"}, items)

	_, err = engine.EvalList("workload.cities[0]", scope)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestProgramCache(t *testing.T) {
	engine := newTestEngine(t)
	scope := &Scope{Workload: map[string]any{"x": int64(1)}}

	for i := 0; i < 3; i++ {
		_, err := engine.EvalBool("workload.x == 1", scope)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, engine.CacheSize())
}

func TestPipelineLocals(t *testing.T) {
	engine := newTestEngine(t)
	scope := &Scope{
		Prev:    map[string]any{"next_page": int64(3)},
		Task:    "fetch_page",
		Attempt: 2,
		Outcome: map[string]any{
			"status": "error",
			"error":  map[string]any{"kind": "rate_limit", "retryable": true},
			"http":   map[string]any{"status": int64(429)},
		},
	}

	got, err := engine.EvalBool("outcome.error.kind == 'rate_limit' && _attempt < 5", scope)
	require.NoError(t, err)
	assert.True(t, got)

	val, err := engine.EvalValue("_prev.next_page", scope)
	require.NoError(t, err)
	assert.Equal(t, int64(3), val)

	name, err := engine.EvalValue("_task", scope)
	require.NoError(t, err)
	assert.Equal(t, "fetch_page", name)
}
