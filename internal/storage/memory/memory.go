// Package memory implements the storage.Store interface in process memory.
// It is the default zero-config backend and the backend used by tests.
//
// Locking is scoped to the individual entity: each sandbox and each topic
// log carries its own mutex, so unrelated sandboxes and topics never
// contend. The outer maps are guarded only for entry lookup/insertion.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jkaninda/mlinzi/internal/domain"
	"github.com/jkaninda/mlinzi/internal/storage"
)

// Store implements storage.Store backed by process memory.
type Store struct {
	retention int

	mu        sync.RWMutex
	sandboxes map[string]*sandboxEntry

	topicsMu sync.RWMutex
	topics   map[string]*topicLog
}

type sandboxEntry struct {
	mu sync.Mutex
	sb domain.Sandbox
}

// topicLog is a bounded append log for one topic.
// Events beyond the retention limit are discarded oldest-first.
type topicLog struct {
	mu     sync.Mutex
	events []*domain.Event
	limit  int
}

// New creates an empty in-memory store with the given per-topic retention.
// retention <= 0 defaults to 1000.
func New(retention int) *Store {
	if retention <= 0 {
		retention = 1000
	}
	return &Store{
		retention: retention,
		sandboxes: make(map[string]*sandboxEntry),
		topics:    make(map[string]*topicLog),
	}
}

// CreateSandbox registers a sandbox. A zero status defaults to active;
// registering an existing id returns storage.ErrConflict.
func (s *Store) CreateSandbox(_ context.Context, sb *domain.Sandbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sandboxes[sb.ID]; ok {
		return storage.ErrConflict
	}
	cp := *sb
	if cp.Status == "" {
		cp.Status = domain.StatusActive
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.sandboxes[sb.ID] = &sandboxEntry{sb: cp}
	return nil
}

func (s *Store) entry(id string) (*sandboxEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sandboxes[id]
	return e, ok
}

// GetSandbox returns a copy of the sandbox record.
func (s *Store) GetSandbox(_ context.Context, id string) (*domain.Sandbox, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, storage.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := e.sb
	return &cp, nil
}

// ListSandboxes returns copies of all sandbox records.
func (s *Store) ListSandboxes(_ context.Context) ([]*domain.Sandbox, error) {
	s.mu.RLock()
	entries := make([]*sandboxEntry, 0, len(s.sandboxes))
	for _, e := range s.sandboxes {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*domain.Sandbox, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		cp := e.sb
		e.mu.Unlock()
		out = append(out, &cp)
	}
	return out, nil
}

// GetStatus returns the current status and transition version.
// The read serializes behind any in-flight transition on the same sandbox,
// so a committed write is visible to the very next read.
func (s *Store) GetStatus(_ context.Context, id string) (domain.Status, int64, error) {
	e, ok := s.entry(id)
	if !ok {
		return "", 0, storage.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sb.Status, e.sb.Version, nil
}

// SetStatus commits a transition if and only if the stored version still
// equals expectedVersion. On success the version is incremented.
func (s *Store) SetStatus(_ context.Context, id string, status domain.Status, expectedVersion int64) error {
	e, ok := s.entry(id)
	if !ok {
		return storage.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sb.Version != expectedVersion {
		return storage.ErrConflict
	}
	e.sb.Status = status
	e.sb.Version++
	e.sb.LastTransitionAt = time.Now().UTC()
	return nil
}

func (s *Store) log(topic string) *topicLog {
	s.topicsMu.RLock()
	l, ok := s.topics[topic]
	s.topicsMu.RUnlock()
	if ok {
		return l
	}
	s.topicsMu.Lock()
	defer s.topicsMu.Unlock()
	if l, ok = s.topics[topic]; ok {
		return l
	}
	l = &topicLog{limit: s.retention}
	s.topics[topic] = l
	return l
}

// AppendEvent appends to the topic log, evicting the oldest event once the
// retention bound is reached.
func (s *Store) AppendEvent(_ context.Context, event *domain.Event) error {
	l := s.log(event.Topic)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	if len(l.events) > l.limit {
		// Shift rather than re-slice so the backing array does not pin
		// evicted events.
		copy(l.events, l.events[1:])
		l.events[len(l.events)-1] = nil
		l.events = l.events[:len(l.events)-1]
	}
	return nil
}

// ReadRecent returns up to n most recent events for the topic, oldest first.
// An unknown topic yields an empty slice, not an error: retention may have
// discarded everything, and the registry is the authority on topic existence.
func (s *Store) ReadRecent(_ context.Context, topic string, n int) ([]*domain.Event, error) {
	s.topicsMu.RLock()
	l, ok := s.topics[topic]
	s.topicsMu.RUnlock()
	if !ok {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.events) {
		n = len(l.events)
	}
	out := make([]*domain.Event, n)
	copy(out, l.events[len(l.events)-n:])
	return out, nil
}

// Migrate is a no-op for the in-memory backend.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Close is a no-op for the in-memory backend.
func (s *Store) Close() error { return nil }

// Driver returns "memory".
func (s *Store) Driver() string { return storage.DriverMemory }

// compile-time interface check
var _ storage.Store = (*Store)(nil)
