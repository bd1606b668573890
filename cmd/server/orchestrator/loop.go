package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/noetl/noetl/common/events"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/playbook"
)

// loopMeta is the frozen iteration space recorded on step.started
type loopMeta struct {
	Items       []any  `json:"items"`
	Mode        string `json:"mode"`
	MaxInFlight int    `json:"max_in_flight"`
}

func loopMode(l *playbook.Loop) string {
	if l.Sequential() {
		return "sequential"
	}
	return "parallel"
}

func loopMaxInFlight(l *playbook.Loop) int {
	if l.Spec == nil {
		return 0
	}
	return l.Spec.MaxInFlight
}

// progressLoops advances every running loop step: detects iteration
// failures, schedules further iterations, and closes finished loops
func (e *Engine) progressLoops(ctx context.Context, st *execState) error {
	for name, step := range st.steps {
		if step.Status != models.StatusRunning {
			continue
		}
		def, ok := st.pb.Lookup(name)
		if !ok || def.Loop == nil {
			continue
		}

		meta, startedID, err := e.loopMetaFor(ctx, st.exec.ExecutionID, name)
		if err != nil {
			return err
		}
		if meta == nil {
			continue
		}

		outcomes, err := e.iterationOutcomes(ctx, st.exec.ExecutionID, name)
		if err != nil {
			return err
		}

		// A failed iteration fails the whole step; worker-side retry
		// policy already ran its course before the event was emitted.
		for idx, ev := range outcomes {
			if ev.Status == models.StatusFailed {
				return e.failLoop(ctx, st, name, idx, ev)
			}
		}

		if len(outcomes) >= len(meta.Items) {
			if err := e.finishLoop(ctx, st, name, meta, outcomes); err != nil {
				return err
			}
			continue
		}

		args := stepArgs(st, name)
		if err := e.scheduleIterations(ctx, st, name, def, args, meta.Items, outcomes, startedID); err != nil {
			return err
		}
	}
	return nil
}

// scheduleIterations emits loop.iteration for the next permissible
// indexes and enqueues one step-run per element. The marker dedup on
// (execution_id, node_name, current_index) makes rescheduling
// idempotent. Sequential loops admit index i only after 0..i-1
// completed; parallel loops keep up to max_in_flight iterations
// outstanding.
func (e *Engine) scheduleIterations(ctx context.Context, st *execState, name string, def *playbook.Step, args map[string]any, items []any, outcomes map[int]*models.Event, startedEventID int64) error {
	if len(items) == 0 {
		return e.finishLoop(ctx, st, name, &loopMeta{}, nil)
	}

	scheduled := e.scheduledIterations(st, name)
	completed := len(outcomes)

	var next []int
	if def.Loop.Sequential() {
		if scheduled == completed && scheduled < len(items) {
			next = append(next, scheduled)
		}
	} else {
		max := loopMaxInFlight(def.Loop)
		if max <= 0 {
			max = len(items)
		}
		inFlight := scheduled - completed
		for i := scheduled; i < len(items) && inFlight < max; i++ {
			next = append(next, i)
			inFlight++
		}
	}

	var parent *int64
	if startedEventID > 0 {
		parent = &startedEventID
	}

	iterName := def.Loop.IteratorName()
	for _, i := range next {
		idx := i
		nodeID := fmt.Sprintf("%s#%d", name, idx)

		iterationID, err := e.store.Emit(ctx, &models.Event{
			ExecutionID:   st.exec.ExecutionID,
			CatalogID:     st.exec.CatalogID,
			ParentEventID: parent,
			NodeID:        nodeID,
			NodeName:      name,
			EventType:     models.EventLoopIteration,
			Status:        models.StatusRunning,
			CurrentIndex:  &idx,
		})
		if err != nil {
			return fmt.Errorf("emit loop.iteration %s[%d]: %w", name, idx, err)
		}

		iter := map[string]any{
			"index":  idx,
			iterName: items[idx],
		}
		if err := e.enqueueStep(ctx, st, name, def, args, iter, nodeID, 1, iterationID, parent); err != nil {
			return err
		}
	}

	return nil
}

// finishLoop aggregates iteration results in index order and closes the
// step
func (e *Engine) finishLoop(ctx context.Context, st *execState, name string, meta *loopMeta, outcomes map[int]*models.Event) error {
	results := make([]json.RawMessage, len(meta.Items))
	for i := range results {
		results[i] = json.RawMessage(`null`)
		if ev, ok := outcomes[i]; ok && len(ev.Result) > 0 {
			results[i] = ev.Result
		}
	}
	combined, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("aggregate loop results: %w", err)
	}

	_, err = e.store.Emit(ctx, &models.Event{
		ExecutionID: st.exec.ExecutionID,
		CatalogID:   st.exec.CatalogID,
		NodeName:    name,
		EventType:   models.EventLoopDone,
		Status:      models.StatusCompleted,
	})
	if err != nil {
		return fmt.Errorf("emit loop.done: %w", err)
	}

	_, err = e.store.Emit(ctx, &models.Event{
		ExecutionID: st.exec.ExecutionID,
		CatalogID:   st.exec.CatalogID,
		NodeName:    name,
		EventType:   models.EventStepDone,
		Status:      models.StatusCompleted,
		Result:      combined,
	})
	if err != nil {
		return fmt.Errorf("emit step.done for loop %s: %w", name, err)
	}

	st.steps[name].Status = models.StatusCompleted
	e.log.Info("loop finished",
		"execution_id", st.exec.ExecutionID,
		"step", name,
		"iterations", len(meta.Items))

	return e.routeArcs(ctx, st, name)
}

// failLoop fails the whole loop step with the failed iteration's error
func (e *Engine) failLoop(ctx context.Context, st *execState, name string, idx int, ev *models.Event) error {
	meta, _ := json.Marshal(map[string]any{"failed_index": idx})
	_, err := e.store.Emit(ctx, &models.Event{
		ExecutionID:   st.exec.ExecutionID,
		CatalogID:     st.exec.CatalogID,
		ParentEventID: &ev.EventID,
		NodeName:      name,
		EventType:     models.EventStepFailed,
		Status:        models.StatusFailed,
		Result:        ev.Result,
		Meta:          meta,
	})
	if err != nil {
		return fmt.Errorf("emit step.failed for loop %s: %w", name, err)
	}

	st.steps[name].Status = models.StatusFailed
	st.steps[name].Error = ev.Result
	e.log.Info("loop iteration failed",
		"execution_id", st.exec.ExecutionID,
		"step", name,
		"index", idx)

	return e.routeFailure(ctx, st, name, st.steps[name])
}

// loopMetaFor reads the frozen iteration space off the step.started
// event and returns that event's id for iteration lineage
func (e *Engine) loopMetaFor(ctx context.Context, executionID int64, name string) (*loopMeta, int64, error) {
	evs, err := e.store.List(ctx, events.Filter{
		ExecutionID: executionID,
		EventType:   models.EventStepStarted,
		NodeName:    name,
		Limit:       1,
	})
	if err != nil {
		return nil, 0, err
	}
	if len(evs) == 0 || len(evs[0].Meta) == 0 {
		return nil, 0, nil
	}

	var meta struct {
		Loop *loopMeta `json:"loop"`
	}
	if err := json.Unmarshal(evs[0].Meta, &meta); err != nil {
		return nil, 0, fmt.Errorf("decode loop meta for %s: %w", name, err)
	}
	return meta.Loop, evs[0].EventID, nil
}

// iterationOutcomes returns worker-reported iteration completions keyed
// by index. An iteration run reports step.done or step.failed with
// current_index set; the scheduling-time loop.iteration events are not
// completions and are excluded by type.
func (e *Engine) iterationOutcomes(ctx context.Context, executionID int64, name string) (map[int]*models.Event, error) {
	out := make(map[int]*models.Event)
	for _, eventType := range []models.EventType{models.EventStepDone, models.EventStepFailed} {
		evs, err := e.store.List(ctx, events.Filter{
			ExecutionID: executionID,
			EventType:   eventType,
			NodeName:    name,
		})
		if err != nil {
			return nil, err
		}
		for _, ev := range evs {
			if ev.CurrentIndex != nil {
				out[*ev.CurrentIndex] = ev
			}
		}
	}
	return out, nil
}

// scheduledIterations counts distinct iteration indexes already enqueued
func (e *Engine) scheduledIterations(st *execState, name string) int {
	prefix := name + "#"
	seen := make(map[string]bool)
	for _, r := range st.queueRows {
		if strings.HasPrefix(r.NodeID, prefix) {
			seen[r.NodeID] = true
		}
	}
	return len(seen)
}

// stepArgs re-derives the merged inbound args of a step
func stepArgs(st *execState, name string) map[string]any {
	return mergeTokenArgs(st.into(name))
}
