package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/noetl/noetl/cmd/worker/tools"
	"github.com/noetl/noetl/common/clients"
	"github.com/noetl/noetl/common/config"
	"github.com/noetl/noetl/common/models"
)

// Runner is one worker loop: lease a queue row, execute its pipeline,
// report the boundary event, settle the lease.
type Runner struct {
	id       string
	client   *clients.ServerClient
	registry *tools.Registry
	pipeline *Pipeline
	keychain *KeychainResolver
	cfg      config.WorkerConfig
	wake     <-chan struct{}
	log      tools.Logger
}

// RunnerOpts configures a Runner
type RunnerOpts struct {
	ID       string
	Client   *clients.ServerClient
	Registry *tools.Registry
	Pipeline *Pipeline
	Keychain *KeychainResolver
	Config   config.WorkerConfig
	Wake     <-chan struct{}
	Logger   tools.Logger
}

// NewRunner creates a worker runner
func NewRunner(opts RunnerOpts) *Runner {
	return &Runner{
		id:       opts.ID,
		client:   opts.Client,
		registry: opts.Registry,
		pipeline: opts.Pipeline,
		keychain: opts.Keychain,
		cfg:      opts.Config,
		wake:     opts.Wake,
		log:      opts.Logger,
	}
}

// Run polls the queue until the context ends. Between polls it sleeps on
// the poll interval or a wake signal, whichever comes first.
func (r *Runner) Run(ctx context.Context) error {
	filter := r.cfg.RuntimeFilter
	if len(filter) == 0 {
		filter = r.registry.Kinds()
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		item, err := r.client.Lease(ctx, r.id, filter)
		if err != nil {
			r.log.Warn("lease failed", "worker_id", r.id, "error", err)
			if err := r.idle(ctx); err != nil {
				return err
			}
			continue
		}
		if item == nil {
			if err := r.idle(ctx); err != nil {
				return err
			}
			continue
		}

		r.process(ctx, item)
	}
}

func (r *Runner) idle(ctx context.Context) error {
	timer := time.NewTimer(r.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	case <-r.wake:
	}
	return nil
}

// process runs one leased queue row end to end. The heartbeat goroutine
// cancels the pipeline when the lease is lost; the row is then already
// owned elsewhere and must not be settled from here.
func (r *Runner) process(ctx context.Context, item *models.QueueItem) {
	var payload models.QueuePayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		r.log.Error("malformed queue payload", "queue_id", item.QueueID, "error", err)
		r.reportFailure(ctx, item, &payload, &models.OutcomeError{
			Kind:    models.ErrKindSerializationFailure,
			Message: fmt.Sprintf("decode queue payload: %v", err),
		})
		return
	}

	r.log.Info("step leased",
		"worker_id", r.id, "queue_id", item.QueueID,
		"execution_id", item.ExecutionID, "node_id", item.NodeID, "attempt", item.Attempt)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	leaseLost := make(chan struct{})
	go r.heartbeat(runCtx, item, cancel, leaseLost)

	keychain, err := r.keychain.Resolve(runCtx, payload.Keychain, item.ExecutionID)
	if err != nil {
		if r.lostLease(runCtx, ctx, leaseLost, item) {
			return
		}
		r.reportFailure(ctx, item, &payload, &models.OutcomeError{
			Kind:    models.ErrKindAuth,
			Message: err.Error(),
		})
		return
	}

	result, err := r.pipeline.Run(runCtx, item, &payload, keychain)
	if err != nil {
		if r.lostLease(runCtx, ctx, leaseLost, item) {
			return
		}
		r.log.Error("pipeline aborted", "queue_id", item.QueueID, "error", err)
		r.failQueueRow(ctx, item, err.Error(), true)
		return
	}
	if r.lostLease(runCtx, ctx, leaseLost, item) {
		return
	}

	if result.Failure != nil {
		r.reportFailure(ctx, item, &payload, result.Failure)
		return
	}
	r.reportSuccess(ctx, item, &payload, result)
}

// heartbeat extends the lease until the run context ends. A 409 means
// the reaper handed the row to someone else: cancel the pipeline.
func (r *Runner) heartbeat(ctx context.Context, item *models.QueueItem, cancel context.CancelFunc, leaseLost chan struct{}) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.client.Heartbeat(ctx, item.QueueID, r.id); err != nil {
				if errors.Is(err, clients.ErrLeaseLost) {
					r.log.Warn("lease lost, abandoning step",
						"queue_id", item.QueueID, "execution_id", item.ExecutionID)
					close(leaseLost)
					cancel()
					return
				}
				r.log.Warn("heartbeat failed", "queue_id", item.QueueID, "error", err)
			}
		}
	}
}

// lostLease reports whether the pipeline was cancelled because the lease
// expired rather than by the outer context. Any work done after expiry is
// advisory only.
func (r *Runner) lostLease(runCtx, ctx context.Context, leaseLost chan struct{}, item *models.QueueItem) bool {
	select {
	case <-leaseLost:
	default:
		if runCtx.Err() == nil || ctx.Err() != nil {
			return false
		}
	}

	attempt := item.Attempt
	event := &models.Event{
		ExecutionID: item.ExecutionID,
		NodeID:      item.NodeID,
		NodeName:    item.NodeName,
		EventType:   models.EventTaskAttemptFailed,
		Status:      models.StatusFailed,
		Attempt:     &attempt,
		Result:      mustJSON(map[string]any{"kind": models.ErrKindLeaseExpired, "message": "lease expired during execution"}),
	}
	if _, err := r.client.EmitEvent(ctx, event); err != nil {
		r.log.Warn("advisory lease-expired event failed", "queue_id", item.QueueID, "error", err)
	}
	return true
}

// reportSuccess emits the boundary event and completes the queue row.
// Settling the row triggers a server-side re-evaluation. A 409 on complete means
// the result belongs to a redelivered attempt; the boundary event is
// already deduplicated server-side.
func (r *Runner) reportSuccess(ctx context.Context, item *models.QueueItem, payload *models.QueuePayload, result *PipelineResult) {
	event := r.boundaryEvent(item, payload, models.StatusCompleted)
	if encoded, err := json.Marshal(result.Result); err == nil {
		event.Result = encoded
	}
	if result.Spec != nil {
		event.Meta = mustJSON(map[string]any{"result_spec": result.Spec})
	}

	if _, err := r.client.EmitEvent(ctx, event); err != nil {
		r.log.Error("boundary event emit failed", "queue_id", item.QueueID, "error", err)
		r.failQueueRow(ctx, item, fmt.Sprintf("emit boundary event: %v", err), true)
		return
	}

	if err := r.client.Complete(ctx, item.QueueID, r.id); err != nil {
		if errors.Is(err, clients.ErrLeaseLost) {
			r.log.Warn("complete raced lease expiry", "queue_id", item.QueueID)
			return
		}
		r.log.Error("complete failed", "queue_id", item.QueueID, "error", err)
		return
	}

	r.log.Info("step completed",
		"queue_id", item.QueueID, "execution_id", item.ExecutionID, "node_id", item.NodeID)
}

// reportFailure emits the failed boundary event and dead-letters the row.
// Worker-side policy already exhausted retries; the orchestrator decides
// whether the failure routes anywhere.
func (r *Runner) reportFailure(ctx context.Context, item *models.QueueItem, payload *models.QueuePayload, failure *models.OutcomeError) {
	event := r.boundaryEvent(item, payload, models.StatusFailed)
	if encoded, err := json.Marshal(failure); err == nil {
		event.Result = encoded
	}

	if _, err := r.client.EmitEvent(ctx, event); err != nil {
		r.log.Error("failure event emit failed", "queue_id", item.QueueID, "error", err)
		r.failQueueRow(ctx, item, fmt.Sprintf("emit failure event: %v", err), true)
		return
	}

	r.failQueueRow(ctx, item, fmt.Sprintf("%s: %s", failure.Kind, failure.Message), false)

	r.log.Info("step failed",
		"queue_id", item.QueueID, "execution_id", item.ExecutionID,
		"node_id", item.NodeID, "kind", failure.Kind)
}

// boundaryEvent builds the step-level outcome event, parented to the
// queue row's trigger event. A loop iteration reports step.done or
// step.failed with its index set; the orchestrator emitted the matching
// loop.iteration when it scheduled the run.
func (r *Runner) boundaryEvent(item *models.QueueItem, payload *models.QueuePayload, status models.EventStatus) *models.Event {
	attempt := item.Attempt
	event := &models.Event{
		ExecutionID: item.ExecutionID,
		NodeID:      item.NodeID,
		NodeName:    item.NodeName,
		Status:      status,
		Attempt:     &attempt,
	}
	if item.TriggerEvent > 0 {
		trigger := item.TriggerEvent
		event.ParentEventID = &trigger
	}

	if status == models.StatusFailed {
		event.EventType = models.EventStepFailed
	} else {
		event.EventType = models.EventStepDone
	}

	if idx, ok := iterIndex(payload); ok {
		event.CurrentIndex = &idx
	}
	return event
}

func (r *Runner) failQueueRow(ctx context.Context, item *models.QueueItem, reason string, retry bool) {
	err := r.client.Fail(ctx, item.QueueID, &clients.FailRequest{
		WorkerID: r.id,
		Reason:   reason,
		Retry:    retry,
	})
	if err != nil && !errors.Is(err, clients.ErrLeaseLost) {
		r.log.Error("fail queue row", "queue_id", item.QueueID, "error", err)
	}
}

func iterIndex(payload *models.QueuePayload) (int, bool) {
	if payload.Iter == nil {
		return 0, false
	}
	switch v := payload.Iter["index"].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

func mustJSON(v any) json.RawMessage {
	encoded, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return encoded
}
