package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/noetl/noetl/common/expr"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/playbook"
	"github.com/noetl/noetl/common/queue"
)

// admitPending admits steps targeted by recorded transitions that have no
// step_state row yet. Admission is idempotent: step.started is a marker
// event and queue inserts dedup on (execution_id, node_id, attempt).
func (e *Engine) admitPending(ctx context.Context, st *execState) error {
	// The entry step is admitted by the implicit initial token
	if len(st.steps) == 0 && len(st.transitions) == 0 {
		entry, startedEventID, err := e.entryStepFor(ctx, st)
		if err != nil {
			return err
		}
		return e.admitStep(ctx, st, entry, nil, startedEventID)
	}

	seen := make(map[string]bool)
	for _, t := range st.transitions {
		if seen[t.ToStep] {
			continue
		}
		seen[t.ToStep] = true

		if _, started := st.steps[t.ToStep]; started {
			continue
		}

		args := mergeTokenArgs(st.into(t.ToStep))
		if err := e.admitStep(ctx, st, t.ToStep, args, inboundTrigger(st, t.ToStep)); err != nil {
			return err
		}
	}

	return nil
}

// admitStep runs the admission policy and, if allowed, emits step.started
// carrying the trigger event as parent_event_id, then schedules the
// step's work. A denied token is left unconsumed: no event is emitted
// and no step state is written, so every later Advance re-evaluates the
// policy until a ctx.patched makes it pass or the execution is
// cancelled.
func (e *Engine) admitStep(ctx context.Context, st *execState, name string, args map[string]any, triggerEventID int64) error {
	def, ok := st.pb.Lookup(name)
	if !ok {
		return fmt.Errorf("transition targets unknown step %q", name)
	}

	scope := &expr.Scope{
		Workload: st.workload,
		Ctx:      st.ctx,
		Args:     args,
	}

	allowed, err := e.evalAdmit(def, scope)
	if err != nil {
		return fmt.Errorf("step %s admission: %w", name, err)
	}

	if !allowed {
		e.log.Info("step admission denied, token stays pending",
			"execution_id", st.exec.ExecutionID,
			"step", name)
		return nil
	}

	var parent *int64
	if triggerEventID > 0 {
		parent = &triggerEventID
	}

	_, err = e.store.Emit(ctx, &models.Event{
		ExecutionID:   st.exec.ExecutionID,
		CatalogID:     st.exec.CatalogID,
		ParentEventID: parent,
		NodeName:      name,
		EventType:     models.EventStepAdmitted,
		Status:        models.StatusPending,
	})
	if err != nil {
		return fmt.Errorf("emit step.admitted: %w", err)
	}

	meta := map[string]any{}
	if len(args) > 0 {
		meta["args"] = args
	}

	var items []any
	if def.Loop != nil {
		// Loop items are frozen at admission; later ctx patches must not
		// change the iteration space.
		items, err = e.expr.EvalList(def.Loop.In, scope)
		if err != nil {
			return fmt.Errorf("step %s loop.in: %w", name, err)
		}
		meta["loop"] = map[string]any{
			"items":         items,
			"mode":          loopMode(def.Loop),
			"max_in_flight": loopMaxInFlight(def.Loop),
		}
	}

	metaJSON, _ := json.Marshal(meta)
	startedID, err := e.store.Emit(ctx, &models.Event{
		ExecutionID:   st.exec.ExecutionID,
		CatalogID:     st.exec.CatalogID,
		ParentEventID: parent,
		NodeName:      name,
		EventType:     models.EventStepStarted,
		Status:        models.StatusRunning,
		Meta:          metaJSON,
	})
	if err != nil {
		return fmt.Errorf("emit step.started: %w", err)
	}
	if e.metrics != nil {
		e.metrics.EventsEmitted.WithLabelValues(string(models.EventStepStarted)).Inc()
	}
	st.steps[name] = &models.StepState{NodeName: name, Status: models.StatusRunning}

	if def.Loop != nil {
		return e.scheduleIterations(ctx, st, name, def, args, items, nil, startedID)
	}

	return e.enqueueStep(ctx, st, name, def, args, nil, name, 1, startedID, parent)
}

// evalAdmit evaluates the step's admission rules in order; the first
// matching rule decides. No rules means allow.
func (e *Engine) evalAdmit(def *playbook.Step, scope *expr.Scope) (bool, error) {
	if def.Spec == nil || def.Spec.Policy == nil || def.Spec.Policy.Admit == nil {
		return true, nil
	}

	for _, rule := range def.Spec.Policy.Admit.Rules {
		match, err := e.expr.EvalBool(rule.When, scope)
		if err != nil {
			return false, err
		}
		if match && rule.Then != nil {
			return rule.Then.Allow, nil
		}
		if !match && rule.Else != nil {
			return rule.Else.Allow, nil
		}
	}

	return true, nil
}

// enqueueStep renders the pipeline and inserts one step-run command.
// triggerEvent is the event that caused this enqueue (step.started, or
// loop.iteration for an iteration run); parentEvent is that event's own
// trigger. Both land on the queue row for lineage.
func (e *Engine) enqueueStep(ctx context.Context, st *execState, name string, def *playbook.Step, args, iter map[string]any, nodeID string, attempt int, triggerEvent int64, parentEvent *int64) error {
	scope := &expr.Scope{
		Workload: st.workload,
		Ctx:      st.ctx,
		Args:     args,
		Iter:     iter,
	}

	pipeline, err := e.renderPipeline(def.Tool, scope)
	if err != nil {
		return fmt.Errorf("render pipeline for %s: %w", name, err)
	}

	payload := &models.QueuePayload{
		StepName:         name,
		RenderedPipeline: pipeline,
		Args:             args,
		Iter:             iter,
		Attempt:          attempt,
		PolicyLimits:     models.PolicyLimits{MaxAttempts: e.maxAttempts},
		Keychain:         e.keychainAccess(st),
	}

	queueID, err := e.queue.Enqueue(ctx, &queue.EnqueueRequest{
		ExecutionID:   st.exec.ExecutionID,
		NodeID:        nodeID,
		NodeName:      name,
		Attempt:       attempt,
		Payload:       payload,
		TriggerEvent:  triggerEvent,
		ParentEventID: parentEvent,
	})
	if err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.Enqueues.Inc()
	}
	e.wake(ctx)

	e.log.Debug("step run enqueued",
		"execution_id", st.exec.ExecutionID,
		"step", name,
		"node_id", nodeID,
		"queue_id", queueID)
	return nil
}

// keychainAccess lists the credentials declared by the playbook
func (e *Engine) keychainAccess(st *execState) []models.KeychainAccess {
	if len(st.pb.Keychain) == 0 {
		return nil
	}
	out := make([]models.KeychainAccess, 0, len(st.pb.Keychain))
	for _, decl := range st.pb.Keychain {
		scope := decl.Scope
		if scope == "" {
			scope = string(models.ScopeCatalog)
		}
		out = append(out, models.KeychainAccess{
			Name:      decl.Name,
			CatalogID: st.exec.CatalogID,
			Scope:     scope,
		})
	}
	return out
}

// inboundTrigger returns the newest trigger event among the transitions
// into a step; it becomes the step's parent_event_id
func inboundTrigger(st *execState, name string) int64 {
	var trigger int64
	for _, t := range st.into(name) {
		if t.TriggerEventID > trigger {
			trigger = t.TriggerEventID
		}
	}
	return trigger
}

// mergeTokenArgs merges args of all inbound transitions; later arrivals
// win on key conflicts
func mergeTokenArgs(inbound []*models.Transition) map[string]any {
	var merged map[string]any
	for _, t := range inbound {
		if len(t.TokenArgs) == 0 {
			continue
		}
		var args map[string]any
		if err := json.Unmarshal(t.TokenArgs, &args); err != nil {
			continue
		}
		if merged == nil {
			merged = make(map[string]any)
		}
		for k, v := range args {
			merged[k] = v
		}
	}
	return merged
}
