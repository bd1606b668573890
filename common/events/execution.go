package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/noetl/noetl/common/models"
)

// RegisterPlaybook stores playbook content in the catalog, returning its
// catalog_id. Re-registering the same path+version replaces the content.
func (s *Store) RegisterPlaybook(ctx context.Context, path, version, content string) (int64, error) {
	if version == "" {
		version = "latest"
	}

	var catalogID int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO catalog (path, version, content)
		VALUES ($1, $2, $3)
		ON CONFLICT (path, version) DO UPDATE SET content = EXCLUDED.content
		RETURNING catalog_id
	`, path, version, content).Scan(&catalogID)
	if err != nil {
		return 0, fmt.Errorf("register playbook: %w", err)
	}

	s.log.Info("playbook registered", "path", path, "version", version, "catalog_id", catalogID)
	return catalogID, nil
}

// LookupCatalog resolves a playbook path+version to its catalog entry
func (s *Store) LookupCatalog(ctx context.Context, path, version string) (int64, string, error) {
	if version == "" {
		version = "latest"
	}

	var (
		catalogID int64
		content   string
	)
	err := s.db.QueryRow(ctx,
		`SELECT catalog_id, content FROM catalog WHERE path = $1 AND version = $2`,
		path, version).Scan(&catalogID, &content)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", fmt.Errorf("%w: %s@%s", ErrCatalogUnresolved, path, version)
	}
	if err != nil {
		return 0, "", fmt.Errorf("lookup catalog: %w", err)
	}

	return catalogID, content, nil
}

// GetCatalogContent loads playbook content by catalog_id
func (s *Store) GetCatalogContent(ctx context.Context, catalogID int64) (string, error) {
	var content string
	err := s.db.QueryRow(ctx,
		`SELECT content FROM catalog WHERE catalog_id = $1`, catalogID).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: catalog_id %d", ErrCatalogUnresolved, catalogID)
	}
	if err != nil {
		return "", fmt.Errorf("get catalog content: %w", err)
	}
	return content, nil
}

// CreateExecution creates the execution record with its frozen workload
// snapshot and returns the new execution_id
func (s *Store) CreateExecution(ctx context.Context, catalogID int64, parentExecutionID *int64, path string, workload map[string]any) (int64, error) {
	workloadJSON, err := json.Marshal(workload)
	if err != nil {
		return 0, fmt.Errorf("marshal workload: %w", err)
	}

	var executionID int64
	err = s.db.QueryRow(ctx, `
		INSERT INTO execution (catalog_id, parent_execution_id, playbook_path, status, workload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING execution_id
	`, catalogID, parentExecutionID, path, models.StatusRunning, workloadJSON).Scan(&executionID)
	if err != nil {
		return 0, fmt.Errorf("create execution: %w", err)
	}

	return executionID, nil
}

// GetExecution loads the execution record
func (s *Store) GetExecution(ctx context.Context, executionID int64) (*models.Execution, error) {
	e := &models.Execution{}
	err := s.db.QueryRow(ctx, `
		SELECT execution_id, catalog_id, parent_execution_id, playbook_path, status, workload, created_at
		FROM execution WHERE execution_id = $1
	`, executionID).Scan(
		&e.ExecutionID, &e.CatalogID, &e.ParentExecutionID, &e.PlaybookPath,
		&e.Status, &e.Workload, &e.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrExecutionNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// GetContext loads the cumulative ctx projection for an execution
func (s *Store) GetContext(ctx context.Context, executionID int64) (map[string]any, error) {
	var raw json.RawMessage
	err := s.db.QueryRow(ctx,
		`SELECT ctx FROM execution WHERE execution_id = $1`, executionID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrExecutionNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution ctx: %w", err)
	}

	out := make(map[string]any)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode execution ctx: %w", err)
		}
	}
	return out, nil
}

// ListChildren returns child execution IDs for cascade cancellation
func (s *Store) ListChildren(ctx context.Context, executionID int64) ([]int64, error) {
	rows, err := s.db.Query(ctx,
		`SELECT execution_id FROM execution WHERE parent_execution_id = $1`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan child execution: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetStepStates returns the per-step projection rows for an execution
func (s *Store) GetStepStates(ctx context.Context, executionID int64) (map[string]*models.StepState, error) {
	rows, err := s.db.Query(ctx, `
		SELECT execution_id, node_name, status, last_event_id, attempts, iterations,
			started_at, finished_at, result_ref, error
		FROM step_state WHERE execution_id = $1
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("get step states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*models.StepState)
	for rows.Next() {
		st := &models.StepState{}
		err := rows.Scan(
			&st.ExecutionID, &st.NodeName, &st.Status, &st.LastEventID, &st.Attempts,
			&st.Iterations, &st.StartedAt, &st.FinishedAt, &st.ResultRef, &st.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("scan step state: %w", err)
		}
		out[st.NodeName] = st
	}
	return out, rows.Err()
}

// GetWorkflowState aggregates the workflow projection for an execution
func (s *Store) GetWorkflowState(ctx context.Context, executionID int64) (*models.WorkflowState, error) {
	exec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	states, err := s.GetStepStates(ctx, executionID)
	if err != nil {
		return nil, err
	}

	ws := &models.WorkflowState{
		ExecutionID: exec.ExecutionID,
		CatalogID:   exec.CatalogID,
		Status:      exec.Status,
		TotalSteps:  len(states),
		StartedAt:   exec.CreatedAt,
	}

	for name, st := range states {
		switch st.Status {
		case models.StatusCompleted:
			ws.Completed++
		case models.StatusFailed:
			ws.Failed++
		case models.StatusRunning:
			ws.CurrentSteps = append(ws.CurrentSteps, name)
		}
	}

	return ws, nil
}
