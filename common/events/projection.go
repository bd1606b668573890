package events

import (
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/jackc/pgx/v5"
	"github.com/noetl/noetl/common/models"
)

// applyProjection updates the derived tables for one event. Runs inside
// the emit transaction; a projection failure aborts the insert. The rules
// are deterministic per event type so replay converges.
func (s *Store) applyProjection(ctx context.Context, tx pgx.Tx, e *models.Event) error {
	switch e.EventType {
	case models.EventStepStarted:
		return s.projectStepStarted(ctx, tx, e)
	case models.EventStepDone, models.EventStepFailed, models.EventStepCancelled:
		// An outcome with current_index set closes one loop iteration,
		// not the step itself.
		if e.CurrentIndex != nil {
			return s.projectIterationOutcome(ctx, tx, e)
		}
		return s.projectStepTerminal(ctx, tx, e)
	case models.EventLoopIteration:
		return s.projectLoopIteration(ctx, tx, e)
	case models.EventTaskAttemptStarted:
		return s.projectTaskAttempt(ctx, tx, e)
	case models.EventCtxPatched:
		return s.projectCtxPatched(ctx, tx, e)
	case models.EventExecutionCompleted:
		return s.projectExecutionStatus(ctx, tx, e, models.StatusCompleted)
	case models.EventExecutionFailed:
		return s.projectExecutionStatus(ctx, tx, e, models.StatusFailed)
	case models.EventExecutionCancelled:
		return s.projectExecutionStatus(ctx, tx, e, models.StatusCancelled)
	}
	return nil
}

func (s *Store) projectStepStarted(ctx context.Context, tx pgx.Tx, e *models.Event) error {
	attempt := 1
	if e.Attempt != nil {
		attempt = *e.Attempt
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO step_state (execution_id, node_name, status, last_event_id, attempts, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (execution_id, node_name) DO UPDATE SET
			status = EXCLUDED.status,
			last_event_id = EXCLUDED.last_event_id,
			attempts = GREATEST(step_state.attempts, EXCLUDED.attempts),
			started_at = COALESCE(step_state.started_at, EXCLUDED.started_at)
	`, e.ExecutionID, e.NodeName, models.StatusRunning, e.EventID, attempt, e.Timestamp)
	if err != nil {
		return fmt.Errorf("project step.started: %w", err)
	}
	return nil
}

func (s *Store) projectStepTerminal(ctx context.Context, tx pgx.Tx, e *models.Event) error {
	status := models.StatusCompleted
	var errJSON json.RawMessage
	switch e.EventType {
	case models.EventStepFailed:
		status = models.StatusFailed
		errJSON = e.Result
	case models.EventStepCancelled:
		status = models.StatusCancelled
	}

	resultRef := extractResultRef(e.Meta)

	_, err := tx.Exec(ctx, `
		INSERT INTO step_state (execution_id, node_name, status, last_event_id, finished_at, result_ref, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (execution_id, node_name) DO UPDATE SET
			status = EXCLUDED.status,
			last_event_id = EXCLUDED.last_event_id,
			finished_at = EXCLUDED.finished_at,
			result_ref = COALESCE(EXCLUDED.result_ref, step_state.result_ref),
			error = COALESCE(EXCLUDED.error, step_state.error)
	`, e.ExecutionID, e.NodeName, status, e.EventID, e.Timestamp, resultRef, rawOrNil(errJSON))
	if err != nil {
		return fmt.Errorf("project step terminal: %w", err)
	}
	return nil
}

func (s *Store) projectLoopIteration(ctx context.Context, tx pgx.Tx, e *models.Event) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO step_state (execution_id, node_name, status, last_event_id, iterations)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (execution_id, node_name) DO UPDATE SET
			last_event_id = EXCLUDED.last_event_id,
			iterations = step_state.iterations + 1
	`, e.ExecutionID, e.NodeName, models.StatusRunning, e.EventID)
	if err != nil {
		return fmt.Errorf("project loop.iteration: %w", err)
	}
	return nil
}

// projectIterationOutcome records progress without touching the step's
// status; the orchestrator closes the step once all iterations settle
func (s *Store) projectIterationOutcome(ctx context.Context, tx pgx.Tx, e *models.Event) error {
	attempt := 1
	if e.Attempt != nil {
		attempt = *e.Attempt
	}
	_, err := tx.Exec(ctx, `
		UPDATE step_state
		SET last_event_id = $3, attempts = GREATEST(attempts, $4)
		WHERE execution_id = $1 AND node_name = $2
	`, e.ExecutionID, e.NodeName, e.EventID, attempt)
	if err != nil {
		return fmt.Errorf("project iteration outcome: %w", err)
	}
	return nil
}

func (s *Store) projectTaskAttempt(ctx context.Context, tx pgx.Tx, e *models.Event) error {
	if e.Attempt == nil {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE step_state SET attempts = GREATEST(attempts, $3), last_event_id = $4
		WHERE execution_id = $1 AND node_name = $2
	`, e.ExecutionID, e.NodeName, *e.Attempt, e.EventID)
	if err != nil {
		return fmt.Errorf("project task attempt: %w", err)
	}
	return nil
}

// projectCtxPatched merges the event's context as an RFC 7386 merge patch
// into the cumulative ctx projection. Readers observe monotonic patches.
func (s *Store) projectCtxPatched(ctx context.Context, tx pgx.Tx, e *models.Event) error {
	if len(e.Context) == 0 {
		return nil
	}

	var current json.RawMessage
	err := tx.QueryRow(ctx,
		`SELECT ctx FROM execution WHERE execution_id = $1 FOR UPDATE`,
		e.ExecutionID).Scan(&current)
	if err != nil {
		return fmt.Errorf("load ctx for patch: %w", err)
	}
	if len(current) == 0 {
		current = json.RawMessage(`{}`)
	}

	merged, err := jsonpatch.MergePatch(current, e.Context)
	if err != nil {
		return fmt.Errorf("merge ctx patch: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE execution SET ctx = $2 WHERE execution_id = $1`,
		e.ExecutionID, merged)
	if err != nil {
		return fmt.Errorf("store merged ctx: %w", err)
	}
	return nil
}

func (s *Store) projectExecutionStatus(ctx context.Context, tx pgx.Tx, e *models.Event, status models.EventStatus) error {
	_, err := tx.Exec(ctx,
		`UPDATE execution SET status = $2 WHERE execution_id = $1`,
		e.ExecutionID, status)
	if err != nil {
		return fmt.Errorf("project execution status: %w", err)
	}
	return nil
}

// RecordTransition audits one fired arc
func (s *Store) RecordTransition(ctx context.Context, t *models.Transition) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO transition (execution_id, from_step, to_step, arc_index, token_args, trigger_event_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ExecutionID, t.FromStep, t.ToStep, t.ArcIndex, rawOrNil(t.TokenArgs), t.TriggerEventID)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

func extractResultRef(meta json.RawMessage) *string {
	if len(meta) == 0 {
		return nil
	}
	var m struct {
		ResultRef string `json:"result_ref"`
	}
	if err := json.Unmarshal(meta, &m); err != nil || m.ResultRef == "" {
		return nil
	}
	return &m.ResultRef
}
