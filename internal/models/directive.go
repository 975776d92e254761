package models

import (
	"time"
)

// DirectiveStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusRequested = "requested"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Error kinds recorded on failed directives.
const (
	ErrKindExecutor         = "executor_error"
	ErrKindTimeout          = "timeout"
	ErrKindUnknownDirective = "unknown_directive"
	ErrKindPanic            = "panic"
)

// Directive is a tenant-scoped, auditable record of requested intent. It is
// created once, mutated only through the state machine below, and never
// deleted.
type Directive struct {
	ID             string          `json:"id"`
	Tenant         string          `json:"tenant"`
	Name           string          `json:"name"`
	Payload        map[string]any  `json:"payload"`
	Metadata       map[string]any  `json:"metadata"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	Status         string          `json:"status"`
	RequestedBy    Actor           `json:"requested_by"`
	SubjectType    string          `json:"subject_type"`
	SubjectID      string          `json:"subject_id"`
	Result         map[string]any  `json:"result,omitempty"`
	Error          *DirectiveError `json:"error,omitempty"`
	AvailableAt    time.Time       `json:"available_at"`
	AttemptCount   int             `json:"attempt_count"`
	RequestedAt    time.Time       `json:"requested_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// DirectiveError is the structured failure recorded on a directive.
type DirectiveError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Terminal reports whether a status permits no further transitions. Failed
// is not terminal: a failed directive can be rerun.
func Terminal(status string) bool {
	return status == StatusSucceeded || status == StatusCanceled
}

// transitions encodes the directive state machine. Transitions not listed
// here are rejected; terminal states accept nothing.
var transitions = map[string][]string{
	StatusRequested: {StatusRunning, StatusCanceled},
	StatusRunning:   {StatusSucceeded, StatusFailed},
	StatusFailed:    {StatusRunning},
}

// ValidTransition reports whether moving from one status to another is
// allowed by the state machine.
func ValidTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
