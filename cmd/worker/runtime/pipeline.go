package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/noetl/noetl/cmd/worker/tools"
	"github.com/noetl/noetl/common/expr"
	"github.com/noetl/noetl/common/models"
)

// EventEmitter appends events to the execution log
type EventEmitter interface {
	EmitEvent(ctx context.Context, event *models.Event) (int64, error)
}

// Pipeline executes the rendered task list of one leased queue row.
// Configs arrive pre-rendered for step-scope values; only runtime locals
// (_prev, _task, _attempt, outcome, iter) resolve here.
type Pipeline struct {
	engine  *expr.Engine
	tools   *tools.Registry
	emitter EventEmitter
	log     tools.Logger
}

// NewPipeline creates a pipeline executor
func NewPipeline(engine *expr.Engine, registry *tools.Registry, emitter EventEmitter, log tools.Logger) *Pipeline {
	return &Pipeline{
		engine:  engine,
		tools:   registry,
		emitter: emitter,
		log:     log,
	}
}

// PipelineResult is the terminal state of one pipeline run. Failure nil
// means the step completed; a non-nil Failure is permanent for this
// attempt and the runner reports it on the boundary event.
type PipelineResult struct {
	Result  any
	Spec    *models.ResultSpec
	Failure *models.OutcomeError
}

// Run walks the pipeline with a program counter. Policy decisions move
// the counter (jump for pagination, break to exit early); the step
// result is the result of the last task that ran.
func (p *Pipeline) Run(ctx context.Context, item *models.QueueItem, payload *models.QueuePayload, keychain map[string]any) (*PipelineResult, error) {
	if payload.PolicyLimits.MaxRuntime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, payload.PolicyLimits.MaxRuntime)
		defer cancel()
	}

	labels := make(map[string]int, len(payload.RenderedPipeline))
	for i, task := range payload.RenderedPipeline {
		labels[task.Label] = i
	}

	iter := make(map[string]any, len(payload.Iter))
	for k, v := range payload.Iter {
		iter[k] = v
	}

	out := &PipelineResult{}
	var prev any

	pc := 0
	for pc < len(payload.RenderedPipeline) {
		task := payload.RenderedPipeline[pc]

		attempt := 1
		for {
			scope := &expr.Scope{
				Args:     payload.Args,
				Iter:     iter,
				Keychain: keychain,
				Prev:     prev,
				Task:     task.Label,
				Attempt:  attempt,
			}

			outcome, failure := p.runAttempt(ctx, item, &task, scope, attempt)
			if failure != nil {
				out.Failure = failure
				return out, nil
			}

			scope.Outcome = outcomeScope(outcome)

			decision, err := evaluatePolicy(p.engine, task.Policy, scope, outcome, attempt, payload.PolicyLimits)
			if err != nil {
				out.Failure = &models.OutcomeError{
					Kind:    models.ErrKindTemplateUnresolved,
					Message: err.Error(),
				}
				return out, nil
			}

			p.emitAdvisory(ctx, item, &task, models.EventTaskPolicyEvaluated, models.StatusCompleted, attempt, nil,
				map[string]any{"action": decision.Action, "when": decision.Matched})

			if len(decision.SetIter) > 0 {
				rendered, err := p.engine.RenderValue(decision.SetIter, scope)
				if err != nil {
					out.Failure = &models.OutcomeError{
						Kind:    models.ErrKindTemplateUnresolved,
						Message: fmt.Sprintf("render set_iter: %v", err),
					}
					return out, nil
				}
				for k, v := range rendered.(map[string]any) {
					iter[k] = v
				}
			}
			if len(decision.SetCtx) > 0 {
				if err := p.emitCtxPatch(ctx, item, scope, decision.SetCtx); err != nil {
					return nil, err
				}
			}

			switch decision.Action {
			case ActionRetry:
				if err := sleepCtx(ctx, decision.Delay); err != nil {
					out.Failure = &models.OutcomeError{Kind: models.ErrKindCancelled, Message: "retry interrupted"}
					return out, nil
				}
				attempt++
				continue

			case ActionContinue:
				prev = outcome.Result
				out.Result, out.Spec = outcome.Result, task.Result
				pc++

			case ActionJump:
				target, ok := labels[decision.To]
				if !ok {
					out.Failure = &models.OutcomeError{
						Kind:    models.ErrKindValidation,
						Message: fmt.Sprintf("jump target %q not in pipeline", decision.To),
					}
					return out, nil
				}
				prev = outcome.Result
				out.Result, out.Spec = outcome.Result, task.Result
				pc = target

			case ActionBreak:
				prev = outcome.Result
				out.Result, out.Spec = outcome.Result, task.Result
				pc = len(payload.RenderedPipeline)

			case ActionFail:
				out.Failure = failureFrom(outcome, &task)
				return out, nil
			}
			break
		}
	}

	return out, nil
}

// runAttempt renders the config, executes the adapter, and emits the
// attempt events. A non-nil failure is unrecoverable before policy gets
// a say (bad template, unknown tool kind).
func (p *Pipeline) runAttempt(ctx context.Context, item *models.QueueItem, task *models.RenderedTask, scope *expr.Scope, attempt int) (*models.Outcome, *models.OutcomeError) {
	config, err := p.engine.RenderConfig(task.Config, scope)
	if err != nil {
		return nil, &models.OutcomeError{
			Kind:    models.ErrKindTemplateUnresolved,
			Message: fmt.Sprintf("render task %q: %v", task.Label, err),
		}
	}

	adapter, err := p.tools.ForKind(task.Kind)
	if err != nil {
		return nil, &models.OutcomeError{
			Kind:    models.ErrKindValidation,
			Message: err.Error(),
		}
	}

	p.emitAdvisory(ctx, item, task, models.EventTaskAttemptStarted, models.StatusRunning, attempt, nil, nil)

	started := time.Now()
	outcome := adapter.Execute(ctx, config, task.Timeout)
	ended := time.Now()

	outcome.Meta = models.OutcomeMeta{
		Attempt:    attempt,
		DurationMS: ended.Sub(started).Milliseconds(),
		StartedAt:  started,
		EndedAt:    ended,
	}

	eventType, status := models.EventTaskAttemptDone, models.StatusCompleted
	if !outcome.OK() {
		eventType, status = models.EventTaskAttemptFailed, models.StatusFailed
	}
	p.emitAdvisory(ctx, item, task, eventType, status, attempt, outcome, nil)

	return outcome, nil
}

// emitAdvisory posts a task-level event. These are observability records;
// a failed emit is logged, never fatal.
func (p *Pipeline) emitAdvisory(ctx context.Context, item *models.QueueItem, task *models.RenderedTask, eventType models.EventType, status models.EventStatus, attempt int, outcome *models.Outcome, meta map[string]any) {
	event := &models.Event{
		ExecutionID: item.ExecutionID,
		NodeID:      item.NodeID + "/" + task.Label,
		NodeName:    item.NodeName,
		EventType:   eventType,
		Status:      status,
		Attempt:     &attempt,
	}
	if outcome != nil {
		if encoded, err := json.Marshal(outcome); err == nil {
			event.Result = encoded
		}
	}
	if meta != nil {
		if encoded, err := json.Marshal(meta); err == nil {
			event.Meta = encoded
		}
	}

	if _, err := p.emitter.EmitEvent(ctx, event); err != nil {
		p.log.Warn("task event emit failed",
			"execution_id", item.ExecutionID, "node_id", event.NodeID,
			"event_type", eventType, "error", err)
	}
}

// emitCtxPatch renders a set_ctx map and posts a ctx.patched event. The
// server applies patches in event-log order, so concurrent patches from
// parallel iterations resolve deterministically.
func (p *Pipeline) emitCtxPatch(ctx context.Context, item *models.QueueItem, scope *expr.Scope, patch map[string]any) error {
	rendered, err := p.engine.RenderValue(patch, scope)
	if err != nil {
		return fmt.Errorf("render ctx patch: %w", err)
	}
	encoded, err := json.Marshal(rendered)
	if err != nil {
		return fmt.Errorf("encode ctx patch: %w", err)
	}

	_, err = p.emitter.EmitEvent(ctx, &models.Event{
		ExecutionID: item.ExecutionID,
		NodeID:      item.NodeID,
		NodeName:    item.NodeName,
		EventType:   models.EventCtxPatched,
		Status:      models.StatusCompleted,
		Context:     encoded,
	})
	if err != nil {
		return fmt.Errorf("emit ctx patch: %w", err)
	}
	return nil
}

func failureFrom(outcome *models.Outcome, task *models.RenderedTask) *models.OutcomeError {
	if outcome.Error != nil {
		return outcome.Error
	}
	return &models.OutcomeError{
		Kind:    models.ErrKindInternal,
		Message: fmt.Sprintf("task %q failed by policy", task.Label),
	}
}

// outcomeScope converts the outcome envelope into the map form policy
// expressions evaluate against.
func outcomeScope(outcome *models.Outcome) map[string]any {
	encoded, err := json.Marshal(outcome)
	if err != nil {
		return map[string]any{"status": outcome.Status}
	}
	var m map[string]any
	if err := json.Unmarshal(encoded, &m); err != nil {
		return map[string]any{"status": outcome.Status}
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
