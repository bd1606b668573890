package tools

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/noetl/noetl/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
}

func TestClassifyPyException(t *testing.T) {
	tests := []struct {
		name string
		kind models.ErrorKind
	}{
		{"TimeoutError", models.ErrKindTimeout},
		{"ConnectionError", models.ErrKindNetwork},
		{"PermissionError", models.ErrKindPermission},
		{"KeyError", models.ErrKindNotFound},
		{"ValueError", models.ErrKindValidation},
		{"JSONDecodeError", models.ErrKindSerializationFailure},
		{"RuntimeError", models.ErrKindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, classifyPyException(tt.name), tt.name)
	}
}

func TestPythonAdapterValidation(t *testing.T) {
	adapter := NewPythonAdapter(testLogger{})
	outcome := adapter.Execute(context.Background(), map[string]any{}, 0)
	require.False(t, outcome.OK())
	assert.Equal(t, models.ErrKindValidation, outcome.Error.Kind)
}

func TestPythonAdapterRunsMain(t *testing.T) {
	requirePython(t)

	adapter := NewPythonAdapter(testLogger{})
	outcome := adapter.Execute(context.Background(), map[string]any{
		"code": "def main(input):\n    return {\"doubled\": input[\"n\"] * 2}\n",
		"args": map[string]any{"n": 21},
	}, 10*time.Second)

	require.True(t, outcome.OK(), "outcome: %+v", outcome.Error)
	result, ok := outcome.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 42.0, result["doubled"])
}

func TestPythonAdapterException(t *testing.T) {
	requirePython(t)

	adapter := NewPythonAdapter(testLogger{})
	outcome := adapter.Execute(context.Background(), map[string]any{
		"code": "def main(input):\n    raise ValueError(\"bad\")\n",
	}, 10*time.Second)

	require.False(t, outcome.OK())
	require.NotNil(t, outcome.Py)
	assert.Equal(t, "ValueError", outcome.Py.ExceptionType)
	assert.Equal(t, models.ErrKindValidation, outcome.Error.Kind)
}

func TestPythonAdapterMissingMain(t *testing.T) {
	requirePython(t)

	adapter := NewPythonAdapter(testLogger{})
	outcome := adapter.Execute(context.Background(), map[string]any{
		"code": "x = 1\n",
	}, 10*time.Second)

	require.False(t, outcome.OK())
	assert.Equal(t, "RuntimeError", outcome.Py.ExceptionType)
}
