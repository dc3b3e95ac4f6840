// Package storage defines the state store contract shared by the lifecycle
// manager, the admission controller, and the event bus.
// Three backends are provided: in-memory (default, zero-config), SQLite,
// and PostgreSQL. Status reads are strongly consistent: a committed
// transition is visible to the very next read — no backend may cache.
package storage

import (
	"context"
	"errors"

	"github.com/jkaninda/mlinzi/internal/domain"
)

// ErrNotFound is returned when the requested sandbox or topic does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a compare-and-swap write loses the race:
// the expected transition version no longer matches the stored one.
var ErrConflict = errors.New("version conflict")

// ErrTransient is returned for storage failures the caller may retry.
// Stores never retry internally.
var ErrTransient = errors.New("transient storage error")

// Store is the unified persistence interface.
// SetStatus is the only mutation path for sandbox state and is a CAS:
// the write succeeds only if the stored version equals expectedVersion,
// in which case the version is atomically incremented.
type Store interface {
	// Sandbox state.
	CreateSandbox(ctx context.Context, sb *domain.Sandbox) error
	GetSandbox(ctx context.Context, id string) (*domain.Sandbox, error)
	ListSandboxes(ctx context.Context) ([]*domain.Sandbox, error)
	GetStatus(ctx context.Context, id string) (domain.Status, int64, error)
	SetStatus(ctx context.Context, id string, status domain.Status, expectedVersion int64) error

	// Event append log. AppendEvent enforces the per-topic retention bound;
	// ReadRecent returns up to n most recent events in publish order.
	AppendEvent(ctx context.Context, event *domain.Event) error
	ReadRecent(ctx context.Context, topic string, n int) ([]*domain.Event, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("memory", "sqlite" or "postgres").
	Driver() string
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"` // "memory" (default), "sqlite" or "postgres".
	Sqlite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`

	// EventRetention bounds the per-topic append log. 0 = 1000.
	EventRetention int `json:"event_retention" yaml:"event_retention"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// Retention returns the configured per-topic retention with a default of 1000.
func (c *Config) Retention() int {
	if c != nil && c.EventRetention > 0 {
		return c.EventRetention
	}
	return 1000
}

// DriverMemory is the in-memory driver name.
const DriverMemory = "memory"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
