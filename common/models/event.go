package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event in the append-only log
type EventType string

const (
	// Lifecycle events
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"
	EventExecutionCancelled EventType = "execution.cancelled"

	// Step events
	EventStepAdmitted  EventType = "step.admitted"
	EventStepStarted   EventType = "step.started"
	EventStepDone      EventType = "step.done"
	EventStepFailed    EventType = "step.failed"
	EventStepCancelled EventType = "step.cancelled"

	// Task attempt events
	EventTaskAttemptStarted  EventType = "task.attempt.started"
	EventTaskAttemptDone     EventType = "task.attempt.done"
	EventTaskAttemptFailed   EventType = "task.attempt.failed"
	EventTaskPolicyEvaluated EventType = "task.policy.evaluated"

	// Loop events
	EventLoopIteration EventType = "loop.iteration"
	EventLoopDone      EventType = "loop.done"

	// Context patch
	EventCtxPatched EventType = "ctx.patched"

	// Router marker
	EventRouterEvaluated EventType = "router.evaluated"
)

// EventStatus is the status field carried by events
type EventStatus string

const (
	StatusPending   EventStatus = "pending"
	StatusRunning   EventStatus = "running"
	StatusCompleted EventStatus = "completed"
	StatusFailed    EventStatus = "failed"
	StatusCancelled EventStatus = "cancelled"
)

// ValidEventType reports whether t is a known event type
func ValidEventType(t EventType) bool {
	switch t {
	case EventExecutionStarted, EventExecutionCompleted, EventExecutionFailed, EventExecutionCancelled,
		EventStepAdmitted, EventStepStarted, EventStepDone, EventStepFailed, EventStepCancelled,
		EventTaskAttemptStarted, EventTaskAttemptDone, EventTaskAttemptFailed, EventTaskPolicyEvaluated,
		EventLoopIteration, EventLoopDone,
		EventCtxPatched, EventRouterEvaluated:
		return true
	}
	return false
}

// ValidEventStatus reports whether s is a known event status
func ValidEventStatus(s EventStatus) bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Event is one record of the append-only execution log.
// Events are never updated or deleted; projections derive from them.
type Event struct {
	EventID       int64           `json:"event_id"`
	ExecutionID   int64           `json:"execution_id"`
	CatalogID     int64           `json:"catalog_id,omitempty"`
	ParentEventID *int64          `json:"parent_event_id,omitempty"`
	NodeID        string          `json:"node_id,omitempty"`
	NodeName      string          `json:"node_name,omitempty"`
	EventType     EventType       `json:"event_type"`
	Status        EventStatus     `json:"status"`
	Timestamp     time.Time       `json:"timestamp"`
	CurrentIndex  *int            `json:"current_index,omitempty"`
	Attempt       *int            `json:"attempt,omitempty"`
	Context       json.RawMessage `json:"context,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Meta          json.RawMessage `json:"meta,omitempty"`
}

// IsBoundary reports whether this event triggers router evaluation
func (e *Event) IsBoundary() bool {
	switch e.EventType {
	case EventStepDone, EventStepFailed, EventLoopDone:
		return true
	}
	return false
}

// IsMarker reports whether this event type carries a uniqueness marker
// (duplicate inserts are collapsed by the store)
func (e *Event) IsMarker() bool {
	switch e.EventType {
	case EventStepStarted, EventLoopIteration, EventExecutionCompleted, EventExecutionFailed:
		return true
	}
	return false
}

// ExecutionSummary is the aggregated metadata carried by the terminal
// execution.completed / execution.failed event
type ExecutionSummary struct {
	TotalSteps      int      `json:"total_steps"`
	FailedSteps     int      `json:"failed_steps"`
	FailedStepNames []string `json:"failed_step_names,omitempty"`
	FirstErrorKind  string   `json:"first_error_kind,omitempty"`
	ResultRefs      []string `json:"result_refs,omitempty"`
}
