package postgres

import (
	"time"

	"github.com/google/uuid"
)

// SandboxModel maps to the "sandboxes" table.
// Version is the CAS token: every committed transition increments it.
type SandboxModel struct {
	ID               string `gorm:"primaryKey"`
	Status           string `gorm:"not null;index"`
	Version          int64  `gorm:"not null;default:0"`
	LastTransitionAt *time.Time
	CreatedAt        time.Time
}

func (SandboxModel) TableName() string { return "sandboxes" }

// EventModel maps to the "events" table.
// Seq is the append order within the whole log; per-topic order follows
// from it because appends are monotonic.
type EventModel struct {
	Seq           int64     `gorm:"primaryKey;autoIncrement"`
	ID            uuid.UUID `gorm:"type:uuid;uniqueIndex;not null"`
	Topic         string    `gorm:"not null;index"`
	SchemaVersion int       `gorm:"not null"`
	Payload       []byte    `gorm:"not null"`
	ProducerID    string
	PublishedAt   time.Time `gorm:"not null"`
}

func (EventModel) TableName() string { return "events" }
