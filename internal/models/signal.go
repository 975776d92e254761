package models

import (
	"time"
)

// Actor types recorded on signals and directives.
const (
	ActorHuman       = "human"
	ActorAgent       = "agent"
	ActorSystem      = "system"
	ActorIntegration = "integration"
)

// Actor identifies who caused a signal or requested a directive.
type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Subject identifies what a signal or directive is about.
type Subject struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Signal is an immutable, tenant-scoped record of something that happened.
// Rows are append-only; retention is an external concern.
type Signal struct {
	ID            string         `json:"id"`
	Tenant        string         `json:"tenant"`
	Name          string         `json:"name"`
	Payload       map[string]any `json:"payload"`
	Metadata      map[string]any `json:"metadata"`
	DedupeKey     *string        `json:"dedupe_key,omitempty"`
	ActorType     string         `json:"actor_type"`
	ActorID       string         `json:"actor_id"`
	SubjectType   string         `json:"subject_type"`
	SubjectID     string         `json:"subject_id"`
	CorrelationID string         `json:"correlation_id"`
	CausationID   string         `json:"causation_id"`
	Source        string         `json:"source"`
	OccurredAt    time.Time      `json:"occurred_at"`
	InsertedAt    time.Time      `json:"inserted_at"`
}
