package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/noetl/noetl/common/events"
	"github.com/noetl/noetl/common/expr"
	"github.com/noetl/noetl/common/keychain"
	"github.com/noetl/noetl/common/logger"
	"github.com/noetl/noetl/common/metrics"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/playbook"
	"github.com/noetl/noetl/common/queue"
	"github.com/redis/go-redis/v9"
)

// ResultCleaner removes externalized results at scope boundaries
type ResultCleaner interface {
	DeleteByScope(ctx context.Context, executionID int64, scope string) (int64, error)
}

// EventStore is the slice of the event log the engine depends on.
// *events.Store implements it; tests substitute an in-memory log.
type EventStore interface {
	Emit(ctx context.Context, e *models.Event) (int64, error)
	List(ctx context.Context, f events.Filter) ([]*models.Event, error)
	GetExecution(ctx context.Context, executionID int64) (*models.Execution, error)
	GetStepStates(ctx context.Context, executionID int64) (map[string]*models.StepState, error)
	GetContext(ctx context.Context, executionID int64) (map[string]any, error)
	GetCatalogContent(ctx context.Context, catalogID int64) (string, error)
	ListChildren(ctx context.Context, executionID int64) ([]int64, error)
	ListTransitions(ctx context.Context, executionID int64) ([]*models.Transition, error)
	RecordTransition(ctx context.Context, t *models.Transition) error
}

// WorkQueue is the scheduling surface of the durable queue.
// *queue.Manager implements it.
type WorkQueue interface {
	Enqueue(ctx context.Context, req *queue.EnqueueRequest) (int64, error)
	ListForExecution(ctx context.Context, executionID int64) ([]queue.RowSummary, error)
	PendingCounts(ctx context.Context, executionID int64) (ready, delayed, leased int, err error)
	MarkDead(ctx context.Context, executionID int64, reason string) (int64, error)
}

// Engine drives executions forward. It is the single writer of queue rows
// and of orchestration events; workers only append task-level events and
// complete their leases. All decisions are re-derived from the event log
// and its projections, so repeated evaluation of the same execution
// converges without side effects.
type Engine struct {
	store    EventStore
	queue    WorkQueue
	keychain *keychain.Service
	cleaner  ResultCleaner
	expr     *expr.Engine
	redis    *redis.Client
	metrics  *metrics.Metrics
	log      *logger.Logger

	maxAttempts int

	// Parsed playbooks by catalog_id. Catalog rows are immutable per
	// version, so entries never invalidate.
	playbooks   map[int64]*playbook.Playbook
	playbooksMu sync.RWMutex

	// Per-execution serialization of Advance
	locks   map[int64]*sync.Mutex
	locksMu sync.Mutex
}

// Opts configures the engine
type Opts struct {
	Store       EventStore
	Queue       WorkQueue
	Keychain    *keychain.Service
	Cleaner     ResultCleaner
	Expr        *expr.Engine
	Redis       *redis.Client
	Metrics     *metrics.Metrics
	Logger      *logger.Logger
	MaxAttempts int
}

// New creates an engine
func New(opts *Opts) *Engine {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Engine{
		store:       opts.Store,
		queue:       opts.Queue,
		keychain:    opts.Keychain,
		cleaner:     opts.Cleaner,
		expr:        opts.Expr,
		redis:       opts.Redis,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		maxAttempts: maxAttempts,
		playbooks:   make(map[int64]*playbook.Playbook),
		locks:       make(map[int64]*sync.Mutex),
	}
}

// ShouldAdvance reports whether an event of this type can unblock
// scheduling decisions. ctx.patched is included because a context change
// can make a previously denied admission pass.
func (e *Engine) ShouldAdvance(t models.EventType) bool {
	switch t {
	case models.EventExecutionStarted, models.EventStepDone, models.EventStepFailed,
		models.EventCtxPatched, models.EventExecutionCancelled:
		return true
	}
	return false
}

// execState is one consistent snapshot used for a single Advance pass
type execState struct {
	exec        *models.Execution
	pb          *playbook.Playbook
	steps       map[string]*models.StepState
	transitions []*models.Transition
	queueRows   []queue.RowSummary
	ctx         map[string]any
	workload    map[string]any
}

// outFrom indexes transitions by source step
func (s *execState) outFrom(step string) []*models.Transition {
	var out []*models.Transition
	for _, t := range s.transitions {
		if t.FromStep == step {
			out = append(out, t)
		}
	}
	return out
}

// into indexes transitions by target step
func (s *execState) into(step string) []*models.Transition {
	var out []*models.Transition
	for _, t := range s.transitions {
		if t.ToStep == step {
			out = append(out, t)
		}
	}
	return out
}

// Advance evaluates one execution and schedules whatever work its event
// log now permits. Safe to call repeatedly; per-execution locking keeps
// concurrent calls from double-scheduling.
func (e *Engine) Advance(ctx context.Context, executionID int64) error {
	lock := e.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	st, err := e.loadState(ctx, executionID)
	if err != nil {
		return err
	}

	switch st.exec.Status {
	case models.StatusCompleted, models.StatusFailed:
		return nil
	case models.StatusCancelled:
		return e.finalizeCancelled(ctx, st)
	}

	// Route boundary events that have not fired their arcs yet
	if err := e.routeCompleted(ctx, st); err != nil {
		return err
	}

	// Admit steps targeted by recorded transitions
	if err := e.admitPending(ctx, st); err != nil {
		return err
	}

	// Progress running loops
	if err := e.progressLoops(ctx, st); err != nil {
		return err
	}

	// A loop closed above may have fired new arcs; admit their targets
	// in the same pass
	if err := e.admitPending(ctx, st); err != nil {
		return err
	}

	// Detect quiescence and converge on the final step
	return e.checkQuiescence(ctx, st)
}

// Start begins a fresh execution: emits execution.started and admits the
// entry step via Advance. A non-empty entryStep overrides the playbook's
// declared entry point for this execution only.
func (e *Engine) Start(ctx context.Context, executionID, catalogID int64, entryStep string) error {
	var meta json.RawMessage
	if entryStep != "" {
		meta, _ = json.Marshal(map[string]string{"entry_step": entryStep})
	}
	_, err := e.store.Emit(ctx, &models.Event{
		ExecutionID: executionID,
		CatalogID:   catalogID,
		EventType:   models.EventExecutionStarted,
		Status:      models.StatusRunning,
		Meta:        meta,
	})
	if err != nil {
		return fmt.Errorf("emit execution.started: %w", err)
	}
	return e.Advance(ctx, executionID)
}

// entryStepFor resolves the execution's entry step and the event id of
// execution.started, honoring a per-run override recorded on the event
func (e *Engine) entryStepFor(ctx context.Context, st *execState) (string, int64, error) {
	evs, err := e.store.List(ctx, events.Filter{
		ExecutionID: st.exec.ExecutionID,
		EventType:   models.EventExecutionStarted,
		Limit:       1,
	})
	if err != nil {
		return "", 0, err
	}
	if len(evs) == 0 {
		return st.pb.EntryStep(), 0, nil
	}
	if len(evs[0].Meta) > 0 {
		var meta struct {
			EntryStep string `json:"entry_step"`
		}
		if json.Unmarshal(evs[0].Meta, &meta) == nil && meta.EntryStep != "" {
			return meta.EntryStep, evs[0].EventID, nil
		}
	}
	return st.pb.EntryStep(), evs[0].EventID, nil
}

// Cancel marks an execution cancelled, kills its queue rows with the
// given reason, and optionally cascades to child executions. Returns how
// many executions were actually cancelled. Workers observe cancellation
// through lease loss.
func (e *Engine) Cancel(ctx context.Context, executionID int64, reason string, cascade bool) (int64, error) {
	if reason == "" {
		reason = "cancelled"
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return 0, err
	}
	if exec.Status == models.StatusCompleted || exec.Status == models.StatusFailed ||
		exec.Status == models.StatusCancelled {
		return 0, nil
	}

	meta, _ := json.Marshal(map[string]string{"reason": reason})
	_, err = e.store.Emit(ctx, &models.Event{
		ExecutionID: executionID,
		CatalogID:   exec.CatalogID,
		EventType:   models.EventExecutionCancelled,
		Status:      models.StatusCancelled,
		Meta:        meta,
	})
	if err != nil {
		return 0, fmt.Errorf("emit execution.cancelled: %w", err)
	}

	killed, err := e.queue.MarkDead(ctx, executionID, reason)
	if err != nil {
		return 0, err
	}
	e.log.Info("execution cancelled",
		"execution_id", executionID, "reason", reason, "queue_rows_killed", killed)

	cancelled := int64(1)
	if cascade {
		children, err := e.store.ListChildren(ctx, executionID)
		if err != nil {
			return cancelled, err
		}
		for _, child := range children {
			n, err := e.Cancel(ctx, child, reason, true)
			if err != nil {
				e.log.Error("cascade cancel failed", "execution_id", child, "error", err)
				continue
			}
			cancelled += n
		}
	}

	return cancelled, e.Advance(ctx, executionID)
}

// finalizeCancelled marks still-running steps cancelled, carrying the
// cancellation reason, and releases execution-scoped resources
func (e *Engine) finalizeCancelled(ctx context.Context, st *execState) error {
	var meta json.RawMessage
	if reason := e.cancelReason(ctx, st.exec.ExecutionID); reason != "" {
		meta, _ = json.Marshal(map[string]string{"reason": reason})
	}

	for name, step := range st.steps {
		if step.Terminal() {
			continue
		}
		_, err := e.store.Emit(ctx, &models.Event{
			ExecutionID: st.exec.ExecutionID,
			CatalogID:   st.exec.CatalogID,
			NodeName:    name,
			EventType:   models.EventStepCancelled,
			Status:      models.StatusCancelled,
			Meta:        meta,
		})
		if err != nil {
			return fmt.Errorf("emit step.cancelled for %s: %w", name, err)
		}
	}
	return e.releaseResources(ctx, st.exec.ExecutionID)
}

// cancelReason reads the reason recorded on execution.cancelled
func (e *Engine) cancelReason(ctx context.Context, executionID int64) string {
	evs, err := e.store.List(ctx, events.Filter{
		ExecutionID: executionID,
		EventType:   models.EventExecutionCancelled,
		Limit:       1,
	})
	if err != nil || len(evs) == 0 || len(evs[0].Meta) == 0 {
		return ""
	}
	var meta struct {
		Reason string `json:"reason"`
	}
	if json.Unmarshal(evs[0].Meta, &meta) != nil {
		return ""
	}
	return meta.Reason
}

// releaseResources runs the end-of-execution finalizers
func (e *Engine) releaseResources(ctx context.Context, executionID int64) error {
	if e.keychain != nil {
		if err := e.keychain.FinalizeExecution(ctx, executionID); err != nil {
			e.log.Error("keychain finalization failed", "execution_id", executionID, "error", err)
		}
	}
	if e.cleaner != nil {
		for _, scope := range []string{string(models.ResultScopeStep), string(models.ResultScopeExecution)} {
			if n, err := e.cleaner.DeleteByScope(ctx, executionID, scope); err != nil {
				e.log.Error("result cleanup failed", "execution_id", executionID, "scope", scope, "error", err)
			} else if n > 0 {
				e.log.Debug("released results", "execution_id", executionID, "scope", scope, "count", n)
			}
		}
	}
	return nil
}

// loadState loads one consistent snapshot of an execution
func (e *Engine) loadState(ctx context.Context, executionID int64) (*execState, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	pb, err := e.playbookFor(ctx, exec.CatalogID)
	if err != nil {
		return nil, err
	}

	steps, err := e.store.GetStepStates(ctx, executionID)
	if err != nil {
		return nil, err
	}

	transitions, err := e.store.ListTransitions(ctx, executionID)
	if err != nil {
		return nil, err
	}

	queueRows, err := e.queue.ListForExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	execCtx, err := e.store.GetContext(ctx, executionID)
	if err != nil {
		return nil, err
	}

	workload := make(map[string]any)
	if len(exec.Workload) > 0 {
		if err := json.Unmarshal(exec.Workload, &workload); err != nil {
			return nil, fmt.Errorf("decode workload: %w", err)
		}
	}

	return &execState{
		exec:        exec,
		pb:          pb,
		steps:       steps,
		transitions: transitions,
		queueRows:   queueRows,
		ctx:         execCtx,
		workload:    workload,
	}, nil
}

// playbookFor parses and caches the playbook behind a catalog entry
func (e *Engine) playbookFor(ctx context.Context, catalogID int64) (*playbook.Playbook, error) {
	e.playbooksMu.RLock()
	pb, ok := e.playbooks[catalogID]
	e.playbooksMu.RUnlock()
	if ok {
		return pb, nil
	}

	content, err := e.store.GetCatalogContent(ctx, catalogID)
	if err != nil {
		return nil, err
	}

	pb, err = playbook.Parse([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("catalog %d: %w", catalogID, err)
	}

	e.playbooksMu.Lock()
	e.playbooks[catalogID] = pb
	e.playbooksMu.Unlock()

	return pb, nil
}

func (e *Engine) lockFor(executionID int64) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	lock, ok := e.locks[executionID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[executionID] = lock
	}
	return lock
}

// wake nudges pollers after new work lands on the queue
func (e *Engine) wake(ctx context.Context) {
	if e.redis == nil {
		return
	}
	if err := e.redis.Publish(ctx, queue.WakeChannel, "1").Err(); err != nil {
		e.log.Debug("queue wake publish failed", "error", err)
	}
}
