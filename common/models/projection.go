package models

import (
	"encoding/json"
	"time"
)

// StepState is the per-step projection derived from events
type StepState struct {
	ExecutionID int64           `json:"execution_id"`
	NodeName    string          `json:"node_name"`
	Status      EventStatus     `json:"status"`
	LastEventID int64           `json:"last_event_id"`
	Attempts    int             `json:"attempts"`
	Iterations  int             `json:"iterations"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	ResultRef   *string         `json:"result_ref,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
}

// Terminal reports whether the step reached a terminal status
func (s *StepState) Terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// WorkflowState is the per-execution projection derived from events
type WorkflowState struct {
	ExecutionID  int64       `json:"execution_id"`
	CatalogID    int64       `json:"catalog_id"`
	Status       EventStatus `json:"status"`
	TotalSteps   int         `json:"total_steps"`
	Completed    int         `json:"completed"`
	Failed       int         `json:"failed"`
	CurrentSteps []string    `json:"current_steps,omitempty"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
}

// Transition records one fired arc for audit and replay checks.
// TriggerEventID is the boundary event that fired the arc; it becomes
// the parent_event_id of the target's step.started.
type Transition struct {
	ExecutionID    int64           `json:"execution_id"`
	FromStep       string          `json:"from_step"`
	ToStep         string          `json:"to_step"`
	ArcIndex       int             `json:"arc_index"`
	TokenArgs      json.RawMessage `json:"token_args,omitempty"`
	TriggerEventID int64           `json:"trigger_event_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Execution is the top-level execution record
type Execution struct {
	ExecutionID       int64           `json:"execution_id"`
	CatalogID         int64           `json:"catalog_id"`
	ParentExecutionID *int64          `json:"parent_execution_id,omitempty"`
	PlaybookPath      string          `json:"playbook_path"`
	Status            EventStatus     `json:"status"`
	Workload          json.RawMessage `json:"workload"`
	CreatedAt         time.Time       `json:"created_at"`
}
