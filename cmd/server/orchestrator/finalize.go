package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/noetl/noetl/common/models"
)

// checkQuiescence detects that no further work can arrive and converges
// the execution: first onto the final step, then onto the terminal
// execution event. Terminal events are markers, so racing evaluations
// collapse to a single event.
func (e *Engine) checkQuiescence(ctx context.Context, st *execState) error {
	ready, delayed, leased, err := e.queue.PendingCounts(ctx, st.exec.ExecutionID)
	if err != nil {
		return err
	}
	if ready+delayed+leased > 0 {
		return nil
	}

	// An unconsumed token (a transition whose target was never admitted,
	// or the initial token before the entry step started) keeps the
	// execution live: a later ctx.patched can still admit it.
	if len(st.steps) == 0 {
		return nil
	}
	for _, t := range st.transitions {
		if _, started := st.steps[t.ToStep]; !started {
			return nil
		}
	}

	for _, step := range st.steps {
		if !step.Terminal() {
			return nil
		}
	}

	finalStep := st.pb.FinalStep()
	final, started := st.steps[finalStep]
	if !started {
		// Every branch went quiet without routing to the final step
		// (cancelled branches). Converge explicitly.
		return e.admitStep(ctx, st, finalStep, nil, inboundTrigger(st, finalStep))
	}
	if !final.Terminal() {
		return nil
	}

	return e.emitTerminal(ctx, st)
}

// emitTerminal emits the execution.completed or execution.failed event
// with the aggregated summary, then releases execution-scoped resources
func (e *Engine) emitTerminal(ctx context.Context, st *execState) error {
	summary, failed := e.buildSummary(st)

	eventType := models.EventExecutionCompleted
	status := models.StatusCompleted
	if failed {
		eventType = models.EventExecutionFailed
		status = models.StatusFailed
	}

	result, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode execution summary: %w", err)
	}

	_, err = e.store.Emit(ctx, &models.Event{
		ExecutionID: st.exec.ExecutionID,
		CatalogID:   st.exec.CatalogID,
		EventType:   eventType,
		Status:      status,
		Result:      result,
	})
	if err != nil {
		return fmt.Errorf("emit %s: %w", eventType, err)
	}
	if e.metrics != nil {
		e.metrics.EventsEmitted.WithLabelValues(string(eventType)).Inc()
	}

	e.log.Info("execution finished",
		"execution_id", st.exec.ExecutionID,
		"status", status,
		"failed_steps", summary.FailedSteps)

	return e.releaseResources(ctx, st.exec.ExecutionID)
}

// buildSummary aggregates the terminal execution metadata
func (e *Engine) buildSummary(st *execState) (*models.ExecutionSummary, bool) {
	summary := &models.ExecutionSummary{
		TotalSteps: st.pb.StepCount(),
	}

	var failures []failedStep

	for name, step := range st.steps {
		if step.ResultRef != nil {
			summary.ResultRefs = append(summary.ResultRefs, *step.ResultRef)
		}
		if step.Status != models.StatusFailed {
			continue
		}
		kind := ""
		if len(step.Error) > 0 {
			var errInfo struct {
				Kind string `json:"kind"`
				Error struct {
					Kind string `json:"kind"`
				} `json:"error"`
			}
			if json.Unmarshal(step.Error, &errInfo) == nil {
				kind = errInfo.Kind
				if kind == "" {
					kind = errInfo.Error.Kind
				}
			}
		}
		failures = append(failures, failedStep{name: name, eventID: step.LastEventID, kind: kind})
	}

	// Routing failures carry their error on the transition into the
	// final step rather than on a failed step
	for _, t := range st.into(st.pb.FinalStep()) {
		if t.ArcIndex != -1 || len(t.TokenArgs) == 0 {
			continue
		}
		var args struct {
			Error *struct {
				Kind string `json:"kind"`
			} `json:"error"`
		}
		if json.Unmarshal(t.TokenArgs, &args) == nil && args.Error != nil {
			if !containsFailure(failures, t.FromStep) {
				failures = append(failures, failedStep{name: t.FromStep, kind: args.Error.Kind})
			}
		}
	}

	sort.Slice(failures, func(i, j int) bool { return failures[i].eventID < failures[j].eventID })

	for _, f := range failures {
		summary.FailedStepNames = append(summary.FailedStepNames, f.name)
	}
	summary.FailedSteps = len(failures)
	if len(failures) > 0 {
		summary.FirstErrorKind = failures[0].kind
	}

	sort.Strings(summary.ResultRefs)
	return summary, len(failures) > 0
}

type failedStep struct {
	name    string
	eventID int64
	kind    string
}

func containsFailure(failures []failedStep, name string) bool {
	for _, f := range failures {
		if f.name == name {
			return true
		}
	}
	return false
}
