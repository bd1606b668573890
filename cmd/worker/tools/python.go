package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/noetl/noetl/common/models"
)

// pyHarness wraps user code so the adapter can exchange JSON over
// stdio. User code defines main(input); the harness reports either the
// return value or the exception type and message.
const pyHarness = `
import json, sys, traceback

_input = json.load(sys.stdin)

_user_code = _input.pop("__code__")
_scope = {"__name__": "__main__"}
try:
    exec(_user_code, _scope)
    _fn = _scope.get("main")
    if _fn is None:
        raise RuntimeError("code must define main(input)")
    _result = _fn(_input.get("args", {}))
    json.dump({"ok": True, "result": _result}, sys.stdout)
except Exception as e:
    json.dump({
        "ok": False,
        "exception_type": type(e).__name__,
        "message": str(e),
        "traceback": traceback.format_exc(),
    }, sys.stdout)
`

// PythonAdapter runs a snippet of Python in a subprocess.
// Config keys: code (must define main(input)), args, interpreter.
type PythonAdapter struct {
	log Logger
}

// NewPythonAdapter creates a python adapter
func NewPythonAdapter(log Logger) *PythonAdapter {
	return &PythonAdapter{log: log}
}

// Kind returns the tool kind
func (a *PythonAdapter) Kind() string { return "python" }

// Execute runs the snippet under the configured interpreter (python3 by
// default) and maps Python exceptions into the error taxonomy via the
// exception type.
func (a *PythonAdapter) Execute(ctx context.Context, config map[string]any, timeout time.Duration) *models.Outcome {
	code := stringOpt(config, "code")
	if code == "" {
		return models.ErrorOutcome(models.ErrKindValidation, false, "python: code is required")
	}

	interpreter := stringOpt(config, "interpreter")
	if interpreter == "" {
		interpreter = "python3"
	}

	input := map[string]any{"__code__": code}
	if args, ok := config["args"].(map[string]any); ok {
		input["args"] = args
	}
	stdin, err := json.Marshal(input)
	if err != nil {
		return models.ErrorOutcome(models.ErrKindSerializationFailure, false,
			fmt.Sprintf("python: encode input: %v", err))
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, interpreter, "-c", pyHarness)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.ErrorOutcome(models.ErrKindTimeout, true, "python: execution timed out")
		}
		return models.ErrorOutcome(models.ErrKindCancelled, false, "python: cancelled")
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return models.ErrorOutcome(models.ErrKindInternal, false,
				fmt.Sprintf("python: interpreter exited %d: %s", exitErr.ExitCode(), trimOutput(stderr.String())))
		}
		return models.ErrorOutcome(models.ErrKindInternal, false, fmt.Sprintf("python: %v", runErr))
	}

	var report struct {
		OK            bool   `json:"ok"`
		Result        any    `json:"result"`
		ExceptionType string `json:"exception_type"`
		Message       string `json:"message"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		return models.ErrorOutcome(models.ErrKindSerializationFailure, false,
			fmt.Sprintf("python: decode output: %v", err))
	}

	if report.OK {
		return models.OKOutcome(report.Result)
	}

	outcome := &models.Outcome{
		Status: "error",
		Py:     &models.PyOutcome{ExceptionType: report.ExceptionType},
		Error: &models.OutcomeError{
			Kind:    classifyPyException(report.ExceptionType),
			Code:    report.ExceptionType,
			Message: fmt.Sprintf("python: %s: %s", report.ExceptionType, report.Message),
		},
	}
	if outcome.Error.Kind == models.ErrKindNetwork || outcome.Error.Kind == models.ErrKindTimeout {
		outcome.Error.Retryable = true
	}
	return outcome
}

func classifyPyException(name string) models.ErrorKind {
	switch name {
	case "TimeoutError":
		return models.ErrKindTimeout
	case "ConnectionError", "ConnectionResetError", "ConnectionRefusedError", "BrokenPipeError", "OSError":
		return models.ErrKindNetwork
	case "PermissionError":
		return models.ErrKindPermission
	case "FileNotFoundError", "KeyError", "LookupError":
		return models.ErrKindNotFound
	case "ValueError", "TypeError", "AssertionError":
		return models.ErrKindValidation
	case "json.JSONDecodeError", "JSONDecodeError":
		return models.ErrKindSerializationFailure
	default:
		return models.ErrKindInternal
	}
}

func trimOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 2048 {
		s = s[:2048]
	}
	return s
}
