// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a sandbox.
type Status string

const (
	// StatusActive is the initial state; tool execution is admitted.
	StatusActive Status = "active"
	// StatusPaused denies tool execution until the sandbox is resumed.
	StatusPaused Status = "paused"
	// StatusInactive is terminal. No further transitions are accepted.
	StatusInactive Status = "inactive"
)

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusInactive:
		return true
	}
	return false
}

// Terminal reports whether s accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusInactive
}

// Sandbox is an isolated execution context whose lifecycle state gates
// whether tool-execution requests are admitted.
// Version is a monotonic counter used for optimistic concurrency on
// state transitions: every committed transition increments it, and
// writers pass the version they read as the expected value.
type Sandbox struct {
	ID               string
	Status           Status
	Version          int64
	LastTransitionAt time.Time
	CreatedAt        time.Time
}

// Event is a validated, immutable message on a topic.
// Payload is the raw JSON exactly as published; SchemaVersion records the
// schema version it was validated against.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	Topic         string          `json:"topic"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
	ProducerID    string          `json:"producer_id"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewID generates a new random UUID.
func NewID() uuid.UUID {
	return uuid.New()
}
