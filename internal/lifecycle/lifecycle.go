// Package lifecycle owns the pause/resume/deactivate state machine for
// sandboxes. All transitions are compare-and-swap writes against the state
// store; a losing writer retries a bounded number of times and then
// surfaces the conflict instead of overwriting.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/mlinzi/internal/domain"
	"github.com/jkaninda/mlinzi/internal/observability"
	"github.com/jkaninda/mlinzi/internal/schema"
	"github.com/jkaninda/mlinzi/internal/storage"
)

// ErrAlreadyTerminal is returned when a transition is requested on an
// inactive sandbox.
var ErrAlreadyTerminal = errors.New("sandbox is inactive")

// TopicLifecycle is the topic lifecycle events are published on.
const TopicLifecycle = "sandbox.lifecycle"

// producerID identifies the manager as event producer.
const producerID = "lifecycle-manager"

// maxTransitionRetries bounds the CAS retry loop before surfacing Conflict.
const maxTransitionRetries = 3

// EventPublisher is the bus contract the manager needs.
// Satisfied by *bus.Bus. Nil disables lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload json.RawMessage, producer string) (*domain.Event, error)
}

// Manager owns sandbox lifecycle transitions.
type Manager struct {
	store   storage.Store
	events  EventPublisher
	metrics *observability.MetricsCollector
	logger  *slog.Logger
}

// NewManager creates a lifecycle manager. events and metrics may be nil.
func NewManager(store storage.Store, events EventPublisher, metrics *observability.MetricsCollector, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, events: events, metrics: metrics, logger: logger}
}

// Create registers a new sandbox in the active state.
func (m *Manager) Create(ctx context.Context, id string) (*domain.Sandbox, error) {
	if id == "" {
		return nil, fmt.Errorf("sandbox id is required")
	}
	sb := &domain.Sandbox{
		ID:        id,
		Status:    domain.StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateSandbox(ctx, sb); err != nil {
		return nil, fmt.Errorf("creating sandbox %s: %w", id, err)
	}
	m.logger.Info("sandbox created", slog.String("sandbox_id", id))
	return sb, nil
}

// Get returns the sandbox record.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Sandbox, error) {
	return m.store.GetSandbox(ctx, id)
}

// List returns all sandbox records.
func (m *Manager) List(ctx context.Context) ([]*domain.Sandbox, error) {
	return m.store.ListSandboxes(ctx)
}

// Pause transitions active -> paused. Pausing an already-paused sandbox is
// idempotent success with no write; pausing an inactive sandbox fails
// ErrAlreadyTerminal.
func (m *Manager) Pause(ctx context.Context, id string) (*domain.Sandbox, error) {
	return m.transition(ctx, id, "pause", domain.StatusPaused, domain.StatusActive)
}

// Resume transitions paused -> active. Symmetric to Pause.
func (m *Manager) Resume(ctx context.Context, id string) (*domain.Sandbox, error) {
	return m.transition(ctx, id, "resume", domain.StatusActive, domain.StatusPaused)
}

// Deactivate forces the terminal inactive state from either live state.
// Irreversible; deactivating an already-inactive sandbox is idempotent.
func (m *Manager) Deactivate(ctx context.Context, id string) (*domain.Sandbox, error) {
	return m.transition(ctx, id, "deactivate", domain.StatusInactive, domain.StatusActive, domain.StatusPaused)
}

// transition runs the CAS loop: read status+version, verify the current
// state allows the move, write with the read version as expected.
// A lost race re-reads and retries; after maxTransitionRetries the conflict
// is surfaced to the caller.
func (m *Manager) transition(ctx context.Context, id, name string, target domain.Status, from ...domain.Status) (*domain.Sandbox, error) {
	for attempt := 0; attempt < maxTransitionRetries; attempt++ {
		status, version, err := m.store.GetStatus(ctx, id)
		if err != nil {
			m.observe(name, "error")
			return nil, fmt.Errorf("%s sandbox %s: %w", name, id, err)
		}

		if status == target {
			// Idempotent: the requested state already holds.
			m.observe(name, "noop")
			return m.store.GetSandbox(ctx, id)
		}
		if status.Terminal() {
			m.observe(name, "terminal")
			return nil, fmt.Errorf("%s sandbox %s: %w", name, id, ErrAlreadyTerminal)
		}
		if !allowed(status, from) {
			// Live state that is not a valid source: e.g. resuming an
			// active sandbox is handled by the idempotent branch above,
			// so this is only reachable for future state additions.
			m.observe(name, "invalid")
			return nil, fmt.Errorf("%s sandbox %s: invalid transition from %s: %w", name, id, status, storage.ErrConflict)
		}

		err = m.store.SetStatus(ctx, id, target, version)
		if err == nil {
			m.observe(name, "ok")
			m.logger.Info("sandbox transition",
				slog.String("sandbox_id", id),
				slog.String("transition", name),
				slog.String("status", string(target)),
				slog.Int64("version", version+1),
			)
			m.publishTransition(ctx, id, target, version+1)
			return m.store.GetSandbox(ctx, id)
		}
		if !errors.Is(err, storage.ErrConflict) {
			m.observe(name, "error")
			return nil, fmt.Errorf("%s sandbox %s: %w", name, id, err)
		}
		// Lost the race; re-read and retry.
	}
	m.observe(name, "conflict")
	return nil, fmt.Errorf("%s sandbox %s: %w", name, id, storage.ErrConflict)
}

func allowed(status domain.Status, from []domain.Status) bool {
	for _, f := range from {
		if status == f {
			return true
		}
	}
	return false
}

func (m *Manager) observe(transition, result string) {
	if m.metrics != nil {
		m.metrics.TransitionsTotal.WithLabelValues(transition, result).Inc()
	}
}

// lifecyclePayload is the sandbox.lifecycle event body.
type lifecyclePayload struct {
	SandboxID  string `json:"sandbox_id"`
	Status     string `json:"status"`
	Version    int64  `json:"version"`
	OccurredAt string `json:"occurred_at"`
}

// publishTransition emits a lifecycle event after a committed transition.
// Publish failures are logged, never propagated: the transition has
// already committed and must not be reported as failed.
func (m *Manager) publishTransition(ctx context.Context, id string, status domain.Status, version int64) {
	if m.events == nil {
		return
	}
	payload, err := json.Marshal(lifecyclePayload{
		SandboxID:  id,
		Status:     string(status),
		Version:    version,
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		m.logger.Error("marshaling lifecycle event", slog.String("error", err.Error()))
		return
	}
	if _, err := m.events.Publish(ctx, TopicLifecycle, payload, producerID); err != nil {
		m.logger.Error("publishing lifecycle event",
			slog.String("sandbox_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// LifecycleSchema is the payload contract for TopicLifecycle, registered
// with the schema registry at startup.
func LifecycleSchema() schema.Schema {
	return schema.Schema{Fields: []schema.Field{
		{Name: "sandbox_id", Type: schema.TypeString, Required: true},
		{Name: "status", Type: schema.TypeString, Required: true},
		{Name: "version", Type: schema.TypeInteger, Required: true},
		{Name: "occurred_at", Type: schema.TypeTimestamp, Required: true},
	}}
}
