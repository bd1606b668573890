package orchestrator

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/noetl/noetl/common/events"
	"github.com/noetl/noetl/common/expr"
	"github.com/noetl/noetl/common/logger"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLog is an in-memory event log implementing EventStore with the
// same marker dedup and projection rules as the Postgres store.
type fakeLog struct {
	mu          sync.Mutex
	nextID      int64
	events      []*models.Event
	execs       map[int64]*models.Execution
	catalogs    map[int64]string
	steps       map[int64]map[string]*models.StepState
	ctxs        map[int64]map[string]any
	transitions map[int64][]*models.Transition
	children    map[int64][]int64
}

func newFakeLog() *fakeLog {
	return &fakeLog{
		execs:       make(map[int64]*models.Execution),
		catalogs:    make(map[int64]string),
		steps:       make(map[int64]map[string]*models.StepState),
		ctxs:        make(map[int64]map[string]any),
		transitions: make(map[int64][]*models.Transition),
		children:    make(map[int64][]int64),
	}
}

func (f *fakeLog) addCatalog(catalogID int64, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.catalogs[catalogID] = content
}

func (f *fakeLog) addExecution(executionID, catalogID int64, workload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var raw json.RawMessage
	if workload != nil {
		raw, _ = json.Marshal(workload)
	}
	f.execs[executionID] = &models.Execution{
		ExecutionID: executionID,
		CatalogID:   catalogID,
		Status:      models.StatusRunning,
		Workload:    raw,
		CreatedAt:   time.Now().UTC(),
	}
}

func (f *fakeLog) Emit(_ context.Context, e *models.Event) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if prev := f.existingMarker(e); prev != nil {
		return prev.EventID, nil
	}

	f.nextID++
	stored := *e
	stored.EventID = f.nextID
	f.events = append(f.events, &stored)
	f.project(&stored)
	return stored.EventID, nil
}

func (f *fakeLog) existingMarker(e *models.Event) *models.Event {
	for _, prev := range f.events {
		if prev.ExecutionID != e.ExecutionID {
			continue
		}
		switch e.EventType {
		case models.EventStepStarted:
			if prev.EventType == models.EventStepStarted && prev.NodeName == e.NodeName {
				return prev
			}
		case models.EventLoopIteration:
			if prev.EventType == models.EventLoopIteration && prev.NodeName == e.NodeName &&
				prev.CurrentIndex != nil && e.CurrentIndex != nil && *prev.CurrentIndex == *e.CurrentIndex {
				return prev
			}
		case models.EventExecutionCompleted, models.EventExecutionFailed:
			if prev.EventType == models.EventExecutionCompleted || prev.EventType == models.EventExecutionFailed {
				return prev
			}
		}
	}
	return nil
}

func (f *fakeLog) stepFor(executionID int64, name string) *models.StepState {
	byName := f.steps[executionID]
	if byName == nil {
		byName = make(map[string]*models.StepState)
		f.steps[executionID] = byName
	}
	s := byName[name]
	if s == nil {
		s = &models.StepState{ExecutionID: executionID, NodeName: name}
		byName[name] = s
	}
	return s
}

func (f *fakeLog) project(e *models.Event) {
	switch e.EventType {
	case models.EventStepStarted:
		s := f.stepFor(e.ExecutionID, e.NodeName)
		s.Status = models.StatusRunning
		s.LastEventID = e.EventID
		if s.StartedAt == nil {
			ts := e.Timestamp
			s.StartedAt = &ts
		}
	case models.EventStepDone, models.EventStepFailed, models.EventStepCancelled:
		s := f.stepFor(e.ExecutionID, e.NodeName)
		// An outcome with current_index set closes one loop iteration,
		// not the step itself.
		if e.CurrentIndex != nil {
			s.LastEventID = e.EventID
			return
		}
		switch e.EventType {
		case models.EventStepDone:
			s.Status = models.StatusCompleted
		case models.EventStepFailed:
			s.Status = models.StatusFailed
			s.Error = e.Result
		case models.EventStepCancelled:
			s.Status = models.StatusCancelled
		}
		s.LastEventID = e.EventID
		ts := e.Timestamp
		s.FinishedAt = &ts
	case models.EventLoopIteration:
		s := f.stepFor(e.ExecutionID, e.NodeName)
		s.Iterations++
		s.LastEventID = e.EventID
	case models.EventCtxPatched:
		if len(e.Context) == 0 {
			return
		}
		var patch map[string]any
		if json.Unmarshal(e.Context, &patch) != nil {
			return
		}
		cur := f.ctxs[e.ExecutionID]
		if cur == nil {
			cur = make(map[string]any)
			f.ctxs[e.ExecutionID] = cur
		}
		for k, v := range patch {
			if v == nil {
				delete(cur, k)
				continue
			}
			cur[k] = v
		}
	case models.EventExecutionCompleted:
		f.execs[e.ExecutionID].Status = models.StatusCompleted
	case models.EventExecutionFailed:
		f.execs[e.ExecutionID].Status = models.StatusFailed
	case models.EventExecutionCancelled:
		f.execs[e.ExecutionID].Status = models.StatusCancelled
	}
}

func (f *fakeLog) List(_ context.Context, filter events.Filter) ([]*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Event
	for _, e := range f.events {
		if e.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if filter.NodeName != "" && e.NodeName != filter.NodeName {
			continue
		}
		if e.EventID <= filter.AfterEvent {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeLog) GetExecution(_ context.Context, executionID int64) (*models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[executionID]
	if !ok {
		return nil, events.ErrExecutionNotFound
	}
	cp := *exec
	return &cp, nil
}

func (f *fakeLog) GetStepStates(_ context.Context, executionID int64) (map[string]*models.StepState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*models.StepState, len(f.steps[executionID]))
	for name, s := range f.steps[executionID] {
		cp := *s
		out[name] = &cp
	}
	return out, nil
}

func (f *fakeLog) GetContext(_ context.Context, executionID int64) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]any, len(f.ctxs[executionID]))
	for k, v := range f.ctxs[executionID] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeLog) GetCatalogContent(_ context.Context, catalogID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.catalogs[catalogID]
	if !ok {
		return "", events.ErrCatalogUnresolved
	}
	return content, nil
}

func (f *fakeLog) ListChildren(_ context.Context, executionID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.children[executionID]...), nil
}

func (f *fakeLog) ListTransitions(_ context.Context, executionID int64) ([]*models.Transition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Transition(nil), f.transitions[executionID]...), nil
}

func (f *fakeLog) RecordTransition(_ context.Context, t *models.Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.transitions[t.ExecutionID] = append(f.transitions[t.ExecutionID], &cp)
	return nil
}

// typed returns the execution's events of one type in emit order
func (f *fakeLog) typed(executionID int64, et models.EventType) []*models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Event
	for _, e := range f.events {
		if e.ExecutionID == executionID && e.EventType == et {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeLog) typedFor(executionID int64, et models.EventType, node string) []*models.Event {
	var out []*models.Event
	for _, e := range f.typed(executionID, et) {
		if e.NodeName == node {
			out = append(out, e)
		}
	}
	return out
}

// fakeWorkQueue is an in-memory queue implementing WorkQueue with the
// same (execution_id, node_id, attempt) dedup as the Postgres manager
type fakeWorkQueue struct {
	mu     sync.Mutex
	nextID int64
	rows   []*fakeRow
}

type fakeRow struct {
	queueID     int64
	executionID int64
	nodeID      string
	nodeName    string
	attempt     int
	status      models.QueueStatus
	trigger     int64
	parent      *int64
	deadReason  string
}

func (q *fakeWorkQueue) Enqueue(_ context.Context, req *queue.EnqueueRequest) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	attempt := req.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	for _, r := range q.rows {
		if r.executionID == req.ExecutionID && r.nodeID == req.NodeID && r.attempt == attempt {
			return r.queueID, nil
		}
	}
	q.nextID++
	row := &fakeRow{
		queueID:     q.nextID,
		executionID: req.ExecutionID,
		nodeID:      req.NodeID,
		nodeName:    req.NodeName,
		attempt:     attempt,
		status:      models.QueueStatusQueued,
		trigger:     req.TriggerEvent,
		parent:      req.ParentEventID,
	}
	q.rows = append(q.rows, row)
	return row.queueID, nil
}

func (q *fakeWorkQueue) ListForExecution(_ context.Context, executionID int64) ([]queue.RowSummary, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queue.RowSummary
	for _, r := range q.rows {
		if r.executionID != executionID {
			continue
		}
		out = append(out, queue.RowSummary{
			QueueID:  r.queueID,
			NodeID:   r.nodeID,
			NodeName: r.nodeName,
			Attempt:  r.attempt,
			Status:   r.status,
		})
	}
	return out, nil
}

func (q *fakeWorkQueue) PendingCounts(_ context.Context, executionID int64) (ready, delayed, leased int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.rows {
		if r.executionID != executionID {
			continue
		}
		switch r.status {
		case models.QueueStatusQueued:
			ready++
		case models.QueueStatusLeased:
			leased++
		}
	}
	return ready, delayed, leased, nil
}

func (q *fakeWorkQueue) MarkDead(_ context.Context, executionID int64, reason string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, r := range q.rows {
		if r.executionID != executionID {
			continue
		}
		if r.status == models.QueueStatusQueued || r.status == models.QueueStatusLeased {
			r.status = models.QueueStatusDead
			r.deadReason = reason
			n++
		}
	}
	return n, nil
}

func (q *fakeWorkQueue) rowFor(executionID int64, nodeID string) *fakeRow {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.rows {
		if r.executionID == executionID && r.nodeID == nodeID {
			return r
		}
	}
	return nil
}

func (q *fakeWorkQueue) rowsFor(executionID int64, nodeName string) []*fakeRow {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*fakeRow
	for _, r := range q.rows {
		if r.executionID == executionID && r.nodeName == nodeName {
			out = append(out, r)
		}
	}
	return out
}

// scenarioEnv drives an engine against the in-memory log and queue,
// simulating the worker protocol for step runs
type scenarioEnv struct {
	t      *testing.T
	ctx    context.Context
	engine *Engine
	log    *fakeLog
	queue  *fakeWorkQueue
}

const scenarioCatalog = int64(1)

func newScenario(t *testing.T, playbookYAML string, executionID int64, workload map[string]any) *scenarioEnv {
	t.Helper()
	fl := newFakeLog()
	fl.addCatalog(scenarioCatalog, playbookYAML)
	fl.addExecution(executionID, scenarioCatalog, workload)
	fq := &fakeWorkQueue{}
	eng, err := expr.NewEngine()
	require.NoError(t, err)
	return &scenarioEnv{
		t:      t,
		ctx:    context.Background(),
		engine: New(&Opts{Store: fl, Queue: fq, Expr: eng, Logger: logger.New("error", "text")}),
		log:    fl,
		queue:  fq,
	}
}

// report leases the row and emits the worker's boundary event, then
// advances the execution the way the event handler does
func (s *scenarioEnv) report(executionID int64, nodeID string, result map[string]any, fail bool) {
	s.t.Helper()
	row := s.queue.rowFor(executionID, nodeID)
	require.NotNil(s.t, row, "no queue row for node %s", nodeID)
	row.status = models.QueueStatusLeased

	event := &models.Event{
		ExecutionID: executionID,
		CatalogID:   scenarioCatalog,
		NodeID:      row.nodeID,
		NodeName:    row.nodeName,
		EventType:   models.EventStepDone,
		Status:      models.StatusCompleted,
	}
	if fail {
		event.EventType = models.EventStepFailed
		event.Status = models.StatusFailed
	}
	if result != nil {
		event.Result, _ = json.Marshal(result)
	}
	if row.trigger > 0 {
		trigger := row.trigger
		event.ParentEventID = &trigger
	}
	if suffix, ok := strings.CutPrefix(row.nodeID, row.nodeName+"#"); ok {
		idx, err := strconv.Atoi(suffix)
		require.NoError(s.t, err)
		event.CurrentIndex = &idx
	}

	_, err := s.log.Emit(s.ctx, event)
	require.NoError(s.t, err)
	if s.engine.ShouldAdvance(event.EventType) {
		require.NoError(s.t, s.engine.Advance(s.ctx, executionID))
	}
}

// settle releases the lease and advances, the way the queue complete
// and fail handlers do after the worker settles its row
func (s *scenarioEnv) settle(executionID int64, nodeID string, fail bool) {
	s.t.Helper()
	row := s.queue.rowFor(executionID, nodeID)
	require.NotNil(s.t, row, "no queue row for node %s", nodeID)
	if fail {
		row.status = models.QueueStatusDead
	} else {
		row.status = models.QueueStatusDone
	}
	require.NoError(s.t, s.engine.Advance(s.ctx, executionID))
}

func (s *scenarioEnv) finishRun(executionID int64, nodeID string, result map[string]any) {
	s.t.Helper()
	s.report(executionID, nodeID, result, false)
	s.settle(executionID, nodeID, false)
}

const linearPlaybook = `
metadata:
  name: weather
  path: tests/weather
workflow:
  - step: fetch
    tool:
      pull:
        kind: http
        url: https://api.test/weather
    next:
      arcs:
        - step: store
  - step: store
    tool:
      save:
        kind: postgres
        table: weather
`

func TestAdvanceLinearExecution(t *testing.T) {
	s := newScenario(t, linearPlaybook, 100, map[string]any{"city": "berlin"})
	require.NoError(t, s.engine.Start(s.ctx, 100, scenarioCatalog, ""))

	started := s.log.typed(100, models.EventExecutionStarted)
	require.Len(t, started, 1)

	fetchStarted := s.log.typedFor(100, models.EventStepStarted, "fetch")
	require.Len(t, fetchStarted, 1)
	require.NotNil(t, fetchStarted[0].ParentEventID)
	assert.Equal(t, started[0].EventID, *fetchStarted[0].ParentEventID,
		"entry step is parented to execution.started")

	fetchRow := s.queue.rowFor(100, "fetch")
	require.NotNil(t, fetchRow)
	assert.Equal(t, fetchStarted[0].EventID, fetchRow.trigger)
	require.NotNil(t, fetchRow.parent)
	assert.Equal(t, started[0].EventID, *fetchRow.parent)

	s.finishRun(100, "fetch", map[string]any{"temp": 21})

	fetchDone := s.log.typedFor(100, models.EventStepDone, "fetch")
	require.Len(t, fetchDone, 1)

	transitions, err := s.log.ListTransitions(s.ctx, 100)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, "fetch", transitions[0].FromStep)
	assert.Equal(t, "store", transitions[0].ToStep)
	assert.Equal(t, fetchDone[0].EventID, transitions[0].TriggerEventID,
		"fired arc records the boundary event that triggered it")

	storeStarted := s.log.typedFor(100, models.EventStepStarted, "store")
	require.Len(t, storeStarted, 1)
	require.NotNil(t, storeStarted[0].ParentEventID)
	assert.Equal(t, fetchDone[0].EventID, *storeStarted[0].ParentEventID,
		"downstream step is parented to the upstream boundary event")

	s.finishRun(100, "store", map[string]any{"rows": 1})
	s.finishRun(100, "end", nil)

	completed := s.log.typed(100, models.EventExecutionCompleted)
	require.Len(t, completed, 1, "terminal event is emitted exactly once")
	assert.Empty(t, s.log.typed(100, models.EventExecutionFailed))

	var summary models.ExecutionSummary
	require.NoError(t, json.Unmarshal(completed[0].Result, &summary))
	assert.Equal(t, 3, summary.TotalSteps)
	assert.Zero(t, summary.FailedSteps)

	exec, err := s.log.GetExecution(s.ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, exec.Status)
}

const singleStepPlaybook = `
metadata:
  name: ping
  path: tests/ping
workflow:
  - step: ping
    tool:
      call:
        kind: http
        url: https://api.test/ping
`

func TestAdvanceAfterSettleEmitsTerminal(t *testing.T) {
	s := newScenario(t, singleStepPlaybook, 100, nil)
	require.NoError(t, s.engine.Start(s.ctx, 100, scenarioCatalog, ""))

	s.finishRun(100, "ping", map[string]any{"ok": true})

	// The final step's boundary event lands while its row is still
	// leased; the lease must hold off the terminal event.
	s.report(100, "end", nil, false)
	assert.Empty(t, s.log.typed(100, models.EventExecutionCompleted),
		"leased final row must block the terminal event")

	exec, err := s.log.GetExecution(s.ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, exec.Status)

	// Settling the lease re-evaluates and converges.
	s.settle(100, "end", false)

	completed := s.log.typed(100, models.EventExecutionCompleted)
	require.Len(t, completed, 1)

	exec, err = s.log.GetExecution(s.ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, exec.Status)
}

const gatedPlaybook = `
metadata:
  name: gated
  path: tests/gated
workflow:
  - step: fetch
    tool:
      pull:
        kind: http
        url: https://api.test/report
    next:
      arcs:
        - step: publish
  - step: publish
    spec:
      policy:
        admit:
          rules:
            - when: '"approved" in ctx && ctx.approved == true'
              then:
                allow: true
              else:
                allow: false
    tool:
      push:
        kind: http
        url: https://api.test/publish
`

func TestDeniedAdmissionWaitsForContext(t *testing.T) {
	s := newScenario(t, gatedPlaybook, 100, nil)
	require.NoError(t, s.engine.Start(s.ctx, 100, scenarioCatalog, ""))

	s.finishRun(100, "fetch", map[string]any{"report": "q3"})

	// The token into publish is pending but not consumed: no terminal
	// step event, no queue row, and the execution stays live.
	assert.Empty(t, s.log.typedFor(100, models.EventStepCancelled, "publish"))
	assert.Empty(t, s.log.typedFor(100, models.EventStepStarted, "publish"))
	assert.Nil(t, s.queue.rowFor(100, "publish"))
	assert.Empty(t, s.log.typed(100, models.EventExecutionCompleted))
	assert.Empty(t, s.log.typed(100, models.EventExecutionFailed))

	exec, err := s.log.GetExecution(s.ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, exec.Status)

	// A context patch makes the admission rule pass on the next pass.
	patch, _ := json.Marshal(map[string]any{"approved": true})
	_, err = s.log.Emit(s.ctx, &models.Event{
		ExecutionID: 100,
		CatalogID:   scenarioCatalog,
		EventType:   models.EventCtxPatched,
		Status:      models.StatusCompleted,
		Context:     patch,
	})
	require.NoError(t, err)
	require.True(t, s.engine.ShouldAdvance(models.EventCtxPatched))
	require.NoError(t, s.engine.Advance(s.ctx, 100))

	require.Len(t, s.log.typedFor(100, models.EventStepStarted, "publish"), 1)
	require.NotNil(t, s.queue.rowFor(100, "publish"))

	s.finishRun(100, "publish", map[string]any{"published": true})
	s.finishRun(100, "end", nil)

	require.Len(t, s.log.typed(100, models.EventExecutionCompleted), 1)
}

const fanoutPlaybook = `
metadata:
  name: fanout
  path: tests/fanout
workflow:
  - step: fan
    loop:
      in: workload.cities
      iterator: city
      spec:
        mode: parallel
        max_in_flight: 2
    tool:
      fetch:
        kind: http
        url: https://api.test/weather
`

func TestLoopSchedulingEmitsIterations(t *testing.T) {
	s := newScenario(t, fanoutPlaybook, 100, map[string]any{
		"cities": []any{"berlin", "paris", "rome"},
	})
	require.NoError(t, s.engine.Start(s.ctx, 100, scenarioCatalog, ""))

	fanStarted := s.log.typedFor(100, models.EventStepStarted, "fan")
	require.Len(t, fanStarted, 1)

	// Scheduling emits the iteration markers before any worker reports
	// back, capped by max_in_flight.
	markers := s.log.typed(100, models.EventLoopIteration)
	require.Len(t, markers, 2)
	for _, m := range markers {
		assert.Equal(t, models.StatusRunning, m.Status)
		require.NotNil(t, m.ParentEventID)
		assert.Equal(t, fanStarted[0].EventID, *m.ParentEventID)
		require.NotNil(t, m.CurrentIndex)
	}
	require.Len(t, s.queue.rowsFor(100, "fan"), 2)

	row0 := s.queue.rowFor(100, "fan#0")
	require.NotNil(t, row0)
	assert.Equal(t, markers[0].EventID, row0.trigger,
		"iteration row is triggered by its loop.iteration marker")

	s.finishRun(100, "fan#0", map[string]any{"city": "berlin"})

	// Completing one iteration tops the window up with the next index.
	markers = s.log.typed(100, models.EventLoopIteration)
	require.Len(t, markers, 3)
	third := markers[2]
	require.NotNil(t, third.CurrentIndex)
	assert.Equal(t, 2, *third.CurrentIndex)

	done0 := s.log.typedFor(100, models.EventStepDone, "fan")
	require.NotEmpty(t, done0)
	assert.Greater(t, third.EventID, done0[0].EventID,
		"the third marker is scheduled after the first completion")

	s.finishRun(100, "fan#1", map[string]any{"city": "paris"})
	s.finishRun(100, "fan#2", map[string]any{"city": "rome"})

	require.Len(t, s.log.typed(100, models.EventLoopDone), 1)

	var aggregate *models.Event
	for _, e := range s.log.typedFor(100, models.EventStepDone, "fan") {
		if e.CurrentIndex == nil {
			aggregate = e
		}
	}
	require.NotNil(t, aggregate, "loop closes with an aggregate step.done")

	var results []map[string]any
	require.NoError(t, json.Unmarshal(aggregate.Result, &results))
	require.Len(t, results, 3)
	assert.Equal(t, "berlin", results[0]["city"])
	assert.Equal(t, "paris", results[1]["city"])
	assert.Equal(t, "rome", results[2]["city"])

	steps, err := s.log.GetStepStates(s.ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, steps["fan"].Iterations)

	s.finishRun(100, "end", nil)
	require.Len(t, s.log.typed(100, models.EventExecutionCompleted), 1)
}

const workPlaybook = `
metadata:
  name: crunch
  path: tests/crunch
workflow:
  - step: work
    tool:
      run:
        kind: http
        url: https://api.test/work
`

func TestCancelCascadesWithReason(t *testing.T) {
	s := newScenario(t, workPlaybook, 100, nil)
	parent := int64(100)
	s.log.addExecution(101, scenarioCatalog, nil)
	s.log.children[100] = []int64{101}

	require.NoError(t, s.engine.Start(s.ctx, 100, scenarioCatalog, ""))
	require.NoError(t, s.engine.Start(s.ctx, 101, scenarioCatalog, ""))

	cancelled, err := s.engine.Cancel(s.ctx, parent, "operator requested", true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cancelled, "cascade counts the child execution")

	for _, id := range []int64{100, 101} {
		exec, err := s.log.GetExecution(s.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, exec.Status)

		evs := s.log.typed(id, models.EventExecutionCancelled)
		require.Len(t, evs, 1)
		var meta struct {
			Reason string `json:"reason"`
		}
		require.NoError(t, json.Unmarshal(evs[0].Meta, &meta))
		assert.Equal(t, "operator requested", meta.Reason)

		stepCancelled := s.log.typedFor(id, models.EventStepCancelled, "work")
		require.Len(t, stepCancelled, 1)
		require.NoError(t, json.Unmarshal(stepCancelled[0].Meta, &meta))
		assert.Equal(t, "operator requested", meta.Reason)

		row := s.queue.rowFor(id, "work")
		require.NotNil(t, row)
		assert.Equal(t, models.QueueStatusDead, row.status)
		assert.Equal(t, "operator requested", row.deadReason)
	}

	// Cancelling a terminal execution is a no-op.
	cancelled, err = s.engine.Cancel(s.ctx, parent, "again", true)
	require.NoError(t, err)
	assert.Zero(t, cancelled)
}

func TestCancelWithoutCascadeLeavesChildren(t *testing.T) {
	s := newScenario(t, workPlaybook, 100, nil)
	s.log.addExecution(101, scenarioCatalog, nil)
	s.log.children[100] = []int64{101}

	require.NoError(t, s.engine.Start(s.ctx, 100, scenarioCatalog, ""))
	require.NoError(t, s.engine.Start(s.ctx, 101, scenarioCatalog, ""))

	cancelled, err := s.engine.Cancel(s.ctx, 100, "", false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cancelled)

	// Empty reason falls back to a stable default.
	evs := s.log.typed(100, models.EventExecutionCancelled)
	require.Len(t, evs, 1)
	var meta struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(evs[0].Meta, &meta))
	assert.Equal(t, "cancelled", meta.Reason)

	exec, err := s.log.GetExecution(s.ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, exec.Status)
	assert.Empty(t, s.log.typed(101, models.EventExecutionCancelled))
}

func TestFailureRoutesToFinalStep(t *testing.T) {
	s := newScenario(t, singleStepPlaybook, 100, nil)
	require.NoError(t, s.engine.Start(s.ctx, 100, scenarioCatalog, ""))

	s.report(100, "ping", map[string]any{"kind": "network", "message": "connect timeout"}, true)
	s.settle(100, "ping", true)

	failed := s.log.typedFor(100, models.EventStepFailed, "ping")
	require.Len(t, failed, 1)

	transitions, err := s.log.ListTransitions(s.ctx, 100)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, "ping", transitions[0].FromStep)
	assert.Equal(t, "end", transitions[0].ToStep)
	assert.Equal(t, -1, transitions[0].ArcIndex)
	assert.Equal(t, failed[0].EventID, transitions[0].TriggerEventID)

	endStarted := s.log.typedFor(100, models.EventStepStarted, "end")
	require.Len(t, endStarted, 1)
	require.NotNil(t, endStarted[0].ParentEventID)
	assert.Equal(t, failed[0].EventID, *endStarted[0].ParentEventID,
		"final step is parented to the failure event")

	s.finishRun(100, "end", nil)

	terminal := s.log.typed(100, models.EventExecutionFailed)
	require.Len(t, terminal, 1)
	assert.Empty(t, s.log.typed(100, models.EventExecutionCompleted))

	var summary models.ExecutionSummary
	require.NoError(t, json.Unmarshal(terminal[0].Result, &summary))
	assert.Equal(t, 1, summary.FailedSteps)
	assert.Equal(t, []string{"ping"}, summary.FailedStepNames)
	assert.Equal(t, "network", summary.FirstErrorKind)
}
