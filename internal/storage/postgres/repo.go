package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/mlinzi/internal/domain"
	"github.com/jkaninda/mlinzi/internal/storage"
)

// Repo implements storage.Store on a GORM connection. The SQLite backend
// reuses it unchanged; GORM's dialects cover the SQL differences.
type Repo struct {
	db        *gorm.DB
	retention int
	driver    string
}

// NewRepo wraps a GORM connection as a storage.Store.
func NewRepo(db *gorm.DB, retention int, driver string) *Repo {
	if retention <= 0 {
		retention = 1000
	}
	return &Repo{db: db, retention: retention, driver: driver}
}

var _ storage.Store = (*Repo)(nil)

// CreateSandbox inserts a new sandbox row. A duplicate id is a conflict.
func (r *Repo) CreateSandbox(ctx context.Context, sb *domain.Sandbox) error {
	model := SandboxModel{
		ID:        sb.ID,
		Status:    string(sb.Status),
		Version:   sb.Version,
		CreatedAt: sb.CreatedAt,
	}
	if !sb.LastTransitionAt.IsZero() {
		t := sb.LastTransitionAt
		model.LastTransitionAt = &t
	}
	err := r.db.WithContext(ctx).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("sandbox %s already exists: %w", sb.ID, storage.ErrConflict)
	}
	if err != nil {
		return transient(err)
	}
	return nil
}

// GetSandbox returns the sandbox row by id.
func (r *Repo) GetSandbox(ctx context.Context, id string) (*domain.Sandbox, error) {
	var model SandboxModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("sandbox %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, transient(err)
	}
	return toSandbox(&model), nil
}

// ListSandboxes returns all sandbox rows ordered by creation time.
func (r *Repo) ListSandboxes(ctx context.Context) ([]*domain.Sandbox, error) {
	var models []SandboxModel
	if err := r.db.WithContext(ctx).Order("created_at").Find(&models).Error; err != nil {
		return nil, transient(err)
	}
	out := make([]*domain.Sandbox, 0, len(models))
	for i := range models {
		out = append(out, toSandbox(&models[i]))
	}
	return out, nil
}

// GetStatus reads status and version directly from the row. Reads always
// hit the database, never a cache.
func (r *Repo) GetStatus(ctx context.Context, id string) (domain.Status, int64, error) {
	var model SandboxModel
	err := r.db.WithContext(ctx).Select("status", "version").First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", 0, fmt.Errorf("sandbox %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return "", 0, transient(err)
	}
	return domain.Status(model.Status), model.Version, nil
}

// SetStatus is the CAS write: a single conditional UPDATE guarded by the
// expected version. Zero rows affected means either the row is gone or
// another writer committed first.
func (r *Repo) SetStatus(ctx context.Context, id string, status domain.Status, expectedVersion int64) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&SandboxModel{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(map[string]any{
			"status":             string(status),
			"version":            gorm.Expr("version + 1"),
			"last_transition_at": now,
		})
	if res.Error != nil {
		return transient(res.Error)
	}
	if res.RowsAffected == 0 {
		if _, _, err := r.GetStatus(ctx, id); errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return fmt.Errorf("sandbox %s at version %d: %w", id, expectedVersion, storage.ErrConflict)
	}
	return nil
}

// AppendEvent inserts the event and trims the topic's log down to the
// retention bound in the same transaction.
func (r *Repo) AppendEvent(ctx context.Context, event *domain.Event) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := EventModel{
			ID:            event.ID,
			Topic:         event.Topic,
			SchemaVersion: event.SchemaVersion,
			Payload:       []byte(event.Payload),
			ProducerID:    event.ProducerID,
			PublishedAt:   event.PublishedAt,
		}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}

		// Oldest sequence still inside the retention window.
		var keep EventModel
		err := tx.Select("seq").
			Where("topic = ?", event.Topic).
			Order("seq DESC").
			Offset(r.retention - 1).
			First(&keep).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil // log still under the bound
		}
		if err != nil {
			return err
		}
		return tx.Where("topic = ? AND seq < ?", event.Topic, keep.Seq).
			Delete(&EventModel{}).Error
	})
	if err != nil {
		return transient(err)
	}
	return nil
}

// ReadRecent returns up to n most recent events on the topic, oldest first.
// An unknown topic yields an empty result, not an error.
func (r *Repo) ReadRecent(ctx context.Context, topic string, n int) ([]*domain.Event, error) {
	if n <= 0 {
		return nil, nil
	}
	var models []EventModel
	err := r.db.WithContext(ctx).
		Where("topic = ?", topic).
		Order("seq DESC").
		Limit(n).
		Find(&models).Error
	if err != nil {
		return nil, transient(err)
	}
	out := make([]*domain.Event, len(models))
	for i := range models {
		out[len(models)-1-i] = toEvent(&models[i])
	}
	return out, nil
}

// Migrate creates or updates the schema.
func (r *Repo) Migrate(_ context.Context) error {
	return r.db.AutoMigrate(&SandboxModel{}, &EventModel{})
}

// Close releases the underlying connection pool.
func (r *Repo) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns the configured driver name.
func (r *Repo) Driver() string { return r.driver }

// Ping checks the database connection for readiness probes.
func (r *Repo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func toSandbox(m *SandboxModel) *domain.Sandbox {
	sb := &domain.Sandbox{
		ID:        m.ID,
		Status:    domain.Status(m.Status),
		Version:   m.Version,
		CreatedAt: m.CreatedAt,
	}
	if m.LastTransitionAt != nil {
		sb.LastTransitionAt = *m.LastTransitionAt
	}
	return sb
}

func toEvent(m *EventModel) *domain.Event {
	return &domain.Event{
		ID:            m.ID,
		Topic:         m.Topic,
		SchemaVersion: m.SchemaVersion,
		Payload:       append([]byte(nil), m.Payload...),
		ProducerID:    m.ProducerID,
		PublishedAt:   m.PublishedAt,
	}
}

func transient(err error) error {
	return fmt.Errorf("%w: %v", storage.ErrTransient, err)
}
