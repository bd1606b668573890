package models

import "time"

// ErrorKind is the structured error taxonomy shared by tool adapters,
// the policy evaluator, and the orchestrator
type ErrorKind string

const (
	ErrKindRateLimit            ErrorKind = "rate_limit"
	ErrKindTimeout              ErrorKind = "timeout"
	ErrKindNetwork              ErrorKind = "network"
	ErrKindAuth                 ErrorKind = "auth"
	ErrKindPermission           ErrorKind = "permission"
	ErrKindNotFound             ErrorKind = "not_found"
	ErrKindValidation           ErrorKind = "validation"
	ErrKindSerializationFailure ErrorKind = "serialization_failure"
	ErrKindDeadlock             ErrorKind = "deadlock"
	ErrKindInternal             ErrorKind = "internal"
	ErrKindLeaseExpired         ErrorKind = "lease_expired"
	ErrKindTemplateUnresolved   ErrorKind = "template_unresolved"
	ErrKindCatalogUnresolved    ErrorKind = "catalog_unresolved"
	ErrKindCancelled            ErrorKind = "cancelled"
)

// Outcome is the envelope a tool adapter returns for one invocation.
// The policy evaluator consumes it; the worker serializes it into
// task attempt events.
type Outcome struct {
	Status string        `json:"status"` // ok | error
	Result any           `json:"result,omitempty"`
	Error  *OutcomeError `json:"error,omitempty"`
	Meta   OutcomeMeta   `json:"meta"`
	HTTP   *HTTPOutcome  `json:"http,omitempty"`
	PG     *PGOutcome    `json:"pg,omitempty"`
	Py     *PyOutcome    `json:"py,omitempty"`
}

// OK reports whether the invocation succeeded
func (o *Outcome) OK() bool {
	return o.Status == "ok"
}

// OutcomeError describes a failed invocation
type OutcomeError struct {
	Kind      ErrorKind      `json:"kind"`
	Retryable bool           `json:"retryable"`
	Message   string         `json:"message"`
	Code      string         `json:"code,omitempty"`
	Extras    map[string]any `json:"extras,omitempty"`
}

// OutcomeMeta carries attempt bookkeeping
type OutcomeMeta struct {
	Attempt    int       `json:"attempt"`
	DurationMS int64     `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// HTTPOutcome carries HTTP-specific fields for policy expressions
type HTTPOutcome struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers,omitempty"`
}

// PGOutcome carries Postgres-specific fields for policy expressions
type PGOutcome struct {
	Code     string `json:"code,omitempty"`
	SQLState string `json:"sqlstate,omitempty"`
}

// PyOutcome carries Python adapter fields for policy expressions
type PyOutcome struct {
	ExceptionType string `json:"exception_type,omitempty"`
}

// OKOutcome builds a success envelope
func OKOutcome(result any) *Outcome {
	return &Outcome{Status: "ok", Result: result}
}

// ErrorOutcome builds an error envelope
func ErrorOutcome(kind ErrorKind, retryable bool, message string) *Outcome {
	return &Outcome{
		Status: "error",
		Error: &OutcomeError{
			Kind:      kind,
			Retryable: retryable,
			Message:   message,
		},
	}
}
