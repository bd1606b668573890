package models

import (
	"encoding/json"
	"time"
)

// QueueStatus is the lifecycle state of a queue row
type QueueStatus string

const (
	QueueStatusQueued QueueStatus = "queued"
	QueueStatusLeased QueueStatus = "leased"
	QueueStatusDone   QueueStatus = "done"
	QueueStatusDead   QueueStatus = "dead"
)

// QueueItem is one durable step-run command.
// unique(execution_id, node_id, attempt) collapses racing inserts.
type QueueItem struct {
	QueueID       int64           `json:"queue_id"`
	ExecutionID   int64           `json:"execution_id"`
	NodeID        string          `json:"node_id"`
	NodeName      string          `json:"node_name"`
	Attempt       int             `json:"attempt"`
	Status        QueueStatus     `json:"status"`
	WorkerID      *string         `json:"worker_id,omitempty"`
	LeaseUntil    *time.Time      `json:"lease_until,omitempty"`
	AvailableAt   time.Time       `json:"available_at"`
	Payload       json.RawMessage `json:"payload"`
	TriggerEvent  int64           `json:"trigger_event_id"`
	ParentEventID *int64          `json:"parent_event_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// QueuePayload is the JSON body of a queue row: the step-run command a
// worker executes. The pipeline is rendered server-side; workers must not
// re-merge or re-render it.
type QueuePayload struct {
	StepName         string           `json:"step_name"`
	RenderedPipeline []RenderedTask   `json:"rendered_pipeline"`
	Args             map[string]any   `json:"args,omitempty"`
	Iter             map[string]any   `json:"iter,omitempty"`
	Attempt          int              `json:"attempt"`
	PolicyLimits     PolicyLimits     `json:"policy_limits"`
	Keychain         []KeychainAccess `json:"keychain,omitempty"`
}

// RenderedTask is one tool invocation with templates already resolved
type RenderedTask struct {
	Label   string          `json:"label"`
	Kind    string          `json:"kind"`
	Config  map[string]any  `json:"config,omitempty"`
	Policy  []PolicyRule    `json:"policy,omitempty"`
	Result  *ResultSpec     `json:"result,omitempty"`
	Timeout time.Duration   `json:"timeout,omitempty"`
	Auth    json.RawMessage `json:"auth,omitempty"`
}

// PolicyRule is one rule of a task outcome policy
type PolicyRule struct {
	When string        `json:"when,omitempty"` // empty means else-branch
	Then *PolicyAction `json:"then,omitempty"`
	Else *PolicyAction `json:"else,omitempty"`
}

// PolicyAction is the decision of a matched policy rule
type PolicyAction struct {
	Do       string         `json:"do"` // continue | retry | jump | break | fail
	To       string         `json:"to,omitempty"`
	Attempts int            `json:"attempts,omitempty"`
	Backoff  string         `json:"backoff,omitempty"` // none | linear | exponential
	Delay    float64        `json:"delay,omitempty"`   // seconds
	SetIter  map[string]any `json:"set_iter,omitempty"`
	SetCtx   map[string]any `json:"set_ctx,omitempty"`
}

// PolicyLimits bounds worker-side retries regardless of policy rules
type PolicyLimits struct {
	MaxAttempts int           `json:"max_attempts"`
	MaxRuntime  time.Duration `json:"max_runtime,omitempty"`
}

// ResultSpec controls inline vs externalized result storage for a task
type ResultSpec struct {
	InlineMaxBytes int               `json:"inline_max_bytes,omitempty"`
	Store          string            `json:"store,omitempty"` // memory | postgres | nats_kv | redis
	Scope          string            `json:"scope,omitempty"` // step | execution | workflow | permanent
	Select         map[string]string `json:"select,omitempty"`
	Preview        int               `json:"preview,omitempty"` // preview byte cap, 0 disables
}

// KeychainAccess names a credential the step may resolve at run time
type KeychainAccess struct {
	Name      string `json:"name"`
	CatalogID int64  `json:"catalog_id"`
	Scope     string `json:"scope"`
}
