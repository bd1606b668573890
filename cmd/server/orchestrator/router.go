package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/noetl/noetl/common/events"
	"github.com/noetl/noetl/common/expr"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/playbook"
)

// routeCompleted fires outgoing arcs for terminal steps that have not
// routed yet. A failed step routes straight to the final step regardless
// of its declared arcs; a completed step evaluates its guards in document
// order, exclusive or inclusive per next.spec.mode.
func (e *Engine) routeCompleted(ctx context.Context, st *execState) error {
	finalStep := st.pb.FinalStep()

	for name, step := range st.steps {
		if name == finalStep {
			continue
		}
		if len(st.outFrom(name)) > 0 {
			continue
		}

		switch step.Status {
		case models.StatusFailed:
			if err := e.routeFailure(ctx, st, name, step); err != nil {
				return err
			}
		case models.StatusCompleted:
			if err := e.routeArcs(ctx, st, name); err != nil {
				return err
			}
		}
	}

	return nil
}

// routeFailure converges a failed step onto the final step, carrying the
// error for aggregation
func (e *Engine) routeFailure(ctx context.Context, st *execState, name string, step *models.StepState) error {
	meta, _ := json.Marshal(map[string]any{
		"from":    name,
		"fired":   []string{st.pb.FinalStep()},
		"failure": true,
	})
	_, err := e.store.Emit(ctx, &models.Event{
		ExecutionID: st.exec.ExecutionID,
		CatalogID:   st.exec.CatalogID,
		NodeName:    name,
		EventType:   models.EventRouterEvaluated,
		Status:      models.StatusFailed,
		Meta:        meta,
	})
	if err != nil {
		return fmt.Errorf("emit router.evaluated for failed %s: %w", name, err)
	}

	args, _ := json.Marshal(map[string]any{"error": json.RawMessage(orEmptyJSON(step.Error))})
	t := &models.Transition{
		ExecutionID:    st.exec.ExecutionID,
		FromStep:       name,
		ToStep:         st.pb.FinalStep(),
		ArcIndex:       -1,
		TokenArgs:      args,
		TriggerEventID: step.LastEventID,
	}
	if err := e.store.RecordTransition(ctx, t); err != nil {
		return err
	}
	st.transitions = append(st.transitions, t)

	e.log.Info("failure routed to final step",
		"execution_id", st.exec.ExecutionID,
		"step", name)
	return nil
}

// routeArcs evaluates the declared arcs of a completed step
func (e *Engine) routeArcs(ctx context.Context, st *execState, name string) error {
	def, ok := st.pb.Lookup(name)
	if !ok {
		return fmt.Errorf("completed step %q not in playbook", name)
	}
	if def.Next == nil || len(def.Next.Arcs) == 0 {
		return nil
	}

	result, boundaryID, err := e.stepResult(ctx, st.exec.ExecutionID, name)
	if err != nil {
		return err
	}

	scope := &expr.Scope{
		Workload: st.workload,
		Ctx:      st.ctx,
		Event:    map[string]any{"step": name, "result": result},
		Prev:     result,
	}

	type firing struct {
		index int
		arc   playbook.Arc
	}
	var fired []firing

	for i, arc := range def.Next.Arcs {
		match, err := e.expr.EvalBool(arc.When, scope)
		if err != nil {
			return fmt.Errorf("step %s arc %d guard: %w", name, i, err)
		}
		if !match {
			continue
		}
		fired = append(fired, firing{index: i, arc: arc})
		if !def.Next.Inclusive() {
			break
		}
	}

	targets := make([]string, 0, len(fired))
	for _, f := range fired {
		targets = append(targets, f.arc.Step)
	}

	// A completed step with no matching guard converges on the final
	// step; executor.no_next_is_error makes that a routing failure.
	noMatch := len(fired) == 0
	if noMatch {
		targets = []string{st.pb.FinalStep()}
	}

	meta, _ := json.Marshal(map[string]any{
		"from":     name,
		"fired":    targets,
		"mode":     routeMode(def.Next),
		"no_match": noMatch,
	})
	_, err = e.store.Emit(ctx, &models.Event{
		ExecutionID: st.exec.ExecutionID,
		CatalogID:   st.exec.CatalogID,
		NodeName:    name,
		EventType:   models.EventRouterEvaluated,
		Status:      models.StatusCompleted,
		Meta:        meta,
	})
	if err != nil {
		return fmt.Errorf("emit router.evaluated for %s: %w", name, err)
	}

	if noMatch {
		var args json.RawMessage
		if st.pb.Executor.NoNextIsError {
			args, _ = json.Marshal(map[string]any{
				"error": map[string]any{"kind": "validation", "message": "no arc matched from " + name},
			})
		}
		t := &models.Transition{
			ExecutionID:    st.exec.ExecutionID,
			FromStep:       name,
			ToStep:         st.pb.FinalStep(),
			ArcIndex:       -1,
			TokenArgs:      args,
			TriggerEventID: boundaryID,
		}
		if err := e.store.RecordTransition(ctx, t); err != nil {
			return err
		}
		st.transitions = append(st.transitions, t)
		return nil
	}

	for _, f := range fired {
		var tokenArgs json.RawMessage
		if len(f.arc.Args) > 0 {
			rendered, err := e.expr.RenderValue(f.arc.Args, scope)
			if err != nil {
				return fmt.Errorf("step %s arc %d args: %w", name, f.index, err)
			}
			tokenArgs, err = json.Marshal(rendered)
			if err != nil {
				return fmt.Errorf("encode arc args: %w", err)
			}
		}

		t := &models.Transition{
			ExecutionID:    st.exec.ExecutionID,
			FromStep:       name,
			ToStep:         f.arc.Step,
			ArcIndex:       f.index,
			TokenArgs:      tokenArgs,
			TriggerEventID: boundaryID,
		}
		if err := e.store.RecordTransition(ctx, t); err != nil {
			return err
		}
		st.transitions = append(st.transitions, t)
	}

	e.log.Debug("arcs fired",
		"execution_id", st.exec.ExecutionID,
		"from", name,
		"targets", targets)
	return nil
}

// stepResult loads the decoded result and event id of a step's boundary
// event. Iteration-level step.done events carry current_index and are
// skipped; the step boundary is the aggregate without an index.
func (e *Engine) stepResult(ctx context.Context, executionID int64, name string) (any, int64, error) {
	evs, err := e.store.List(ctx, events.Filter{
		ExecutionID: executionID,
		EventType:   models.EventStepDone,
		NodeName:    name,
	})
	if err != nil {
		return nil, 0, err
	}

	var boundary *models.Event
	for _, ev := range evs {
		if ev.CurrentIndex == nil {
			boundary = ev
		}
	}
	if boundary == nil || len(boundary.Result) == 0 {
		var id int64
		if boundary != nil {
			id = boundary.EventID
		}
		return map[string]any{}, id, nil
	}

	var result any
	if err := json.Unmarshal(boundary.Result, &result); err != nil {
		return nil, 0, fmt.Errorf("decode result of %s: %w", name, err)
	}
	return result, boundary.EventID, nil
}

func routeMode(n *playbook.Next) string {
	if n.Inclusive() {
		return "inclusive"
	}
	return "exclusive"
}

func orEmptyJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`null`)
	}
	return raw
}
