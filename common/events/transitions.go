package events

import (
	"context"
	"fmt"

	"github.com/noetl/noetl/common/models"
)

// ListTransitions returns the fired arcs of an execution in firing order
func (s *Store) ListTransitions(ctx context.Context, executionID int64) ([]*models.Transition, error) {
	rows, err := s.db.Query(ctx, `
		SELECT execution_id, from_step, to_step, arc_index, token_args, trigger_event_id, created_at
		FROM transition
		WHERE execution_id = $1
		ORDER BY created_at ASC, arc_index ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []*models.Transition
	for rows.Next() {
		t := &models.Transition{}
		if err := rows.Scan(&t.ExecutionID, &t.FromStep, &t.ToStep, &t.ArcIndex, &t.TokenArgs, &t.TriggerEventID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
