package admission

import (
	"context"
	"testing"
	"time"

	"github.com/jkaninda/mlinzi/internal/domain"
	"github.com/jkaninda/mlinzi/internal/storage/memory"
)

func newController(t *testing.T) (*Controller, *memory.Store) {
	t.Helper()
	store := memory.New(100)
	return NewController(store, nil, nil, nil), store
}

func createSandbox(t *testing.T, store *memory.Store, id string, status domain.Status) {
	t.Helper()
	err := store.CreateSandbox(context.Background(), &domain.Sandbox{
		ID:        id,
		Status:    domain.StatusActive,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateSandbox(%s): %v", id, err)
	}
	if status != domain.StatusActive {
		if err := store.SetStatus(context.Background(), id, status, 0); err != nil {
			t.Fatalf("SetStatus(%s, %s): %v", id, status, err)
		}
	}
}

func TestCheck_ActiveSandboxAdmitted(t *testing.T) {
	c, store := newController(t)
	createSandbox(t, store, "sb-1", domain.StatusActive)

	d, err := c.Check(context.Background(), "sb-1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed {
		t.Errorf("active sandbox denied: reason=%s", d.Reason)
	}
	if d.Reason != ReasonNone {
		t.Errorf("reason = %s, want empty", d.Reason)
	}
	if d.Status != domain.StatusActive {
		t.Errorf("status = %s, want active", d.Status)
	}
}

func TestCheck_PausedSandboxDenied(t *testing.T) {
	c, store := newController(t)
	createSandbox(t, store, "sb-1", domain.StatusPaused)

	d, err := c.Check(context.Background(), "sb-1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed {
		t.Error("paused sandbox admitted")
	}
	if d.Reason != ReasonSandboxPaused {
		t.Errorf("reason = %s, want %s", d.Reason, ReasonSandboxPaused)
	}
}

func TestCheck_PauseTakesEffectImmediately(t *testing.T) {
	c, store := newController(t)
	createSandbox(t, store, "sb-1", domain.StatusActive)

	if d, err := c.Check(context.Background(), "sb-1"); err != nil || !d.Allowed {
		t.Fatalf("before pause: allowed=%v err=%v", d.Allowed, err)
	}

	// The very next check after a committed pause must deny.
	if err := store.SetStatus(context.Background(), "sb-1", domain.StatusPaused, 0); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	d, err := c.Check(context.Background(), "sb-1")
	if err != nil {
		t.Fatalf("Check after pause: %v", err)
	}
	if d.Allowed || d.Reason != ReasonSandboxPaused {
		t.Errorf("after pause: allowed=%v reason=%s", d.Allowed, d.Reason)
	}

	// And after resume, the next check admits again.
	if err := store.SetStatus(context.Background(), "sb-1", domain.StatusActive, 1); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	d, err = c.Check(context.Background(), "sb-1")
	if err != nil {
		t.Fatalf("Check after resume: %v", err)
	}
	if !d.Allowed {
		t.Errorf("after resume: denied with reason %s", d.Reason)
	}
}

func TestCheck_UnknownSandboxDenied(t *testing.T) {
	c, _ := newController(t)
	d, err := c.Check(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed {
		t.Error("unknown sandbox admitted")
	}
	if d.Reason != ReasonSandboxNotFound {
		t.Errorf("reason = %s, want %s", d.Reason, ReasonSandboxNotFound)
	}
}

func TestCheck_InactiveSandboxDenied(t *testing.T) {
	c, store := newController(t)
	createSandbox(t, store, "sb-1", domain.StatusInactive)

	d, err := c.Check(context.Background(), "sb-1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed {
		t.Error("inactive sandbox admitted")
	}
	if d.Reason != ReasonSandboxInactive {
		t.Errorf("reason = %s, want %s", d.Reason, ReasonSandboxInactive)
	}
}

func TestCheck_TraceIDsAreUnique(t *testing.T) {
	c, store := newController(t)
	createSandbox(t, store, "sb-1", domain.StatusActive)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		d, err := c.Check(context.Background(), "sb-1")
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if d.TraceID == "" {
			t.Fatal("empty trace id")
		}
		if seen[d.TraceID] {
			t.Fatalf("duplicate trace id %s", d.TraceID)
		}
		seen[d.TraceID] = true
	}
}
