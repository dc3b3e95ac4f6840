package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jkaninda/mlinzi/internal/domain"
	"github.com/jkaninda/mlinzi/internal/storage"
)

func TestCreateAndGetSandbox(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	if err := s.CreateSandbox(ctx, &domain.Sandbox{ID: "sbx-1"}); err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}

	sb, err := s.GetSandbox(ctx, "sbx-1")
	if err != nil {
		t.Fatalf("GetSandbox: %v", err)
	}
	if sb.Status != domain.StatusActive {
		t.Errorf("Status = %q, want %q", sb.Status, domain.StatusActive)
	}
	if sb.Version != 0 {
		t.Errorf("Version = %d, want 0", sb.Version)
	}

	// Duplicate registration conflicts.
	if err := s.CreateSandbox(ctx, &domain.Sandbox{ID: "sbx-1"}); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("duplicate CreateSandbox error = %v, want ErrConflict", err)
	}
}

func TestGetStatus_NotFound(t *testing.T) {
	s := New(0)
	if _, _, err := s.GetStatus(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetStatus error = %v, want ErrNotFound", err)
	}
}

func TestSetStatus_CAS(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	if err := s.CreateSandbox(ctx, &domain.Sandbox{ID: "sbx-1"}); err != nil {
		t.Fatal(err)
	}

	if err := s.SetStatus(ctx, "sbx-1", domain.StatusPaused, 0); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	status, version, err := s.GetStatus(ctx, "sbx-1")
	if err != nil {
		t.Fatal(err)
	}
	if status != domain.StatusPaused {
		t.Errorf("status = %q, want paused", status)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}

	// Stale expected version loses.
	if err := s.SetStatus(ctx, "sbx-1", domain.StatusActive, 0); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("stale SetStatus error = %v, want ErrConflict", err)
	}
}

func TestSetStatus_ConcurrentSingleWinner(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	if err := s.CreateSandbox(ctx, &domain.Sandbox{ID: "sbx-1"}); err != nil {
		t.Fatal(err)
	}

	const n = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.SetStatus(ctx, "sbx-1", domain.StatusPaused, 0); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var won int
	for range wins {
		won++
	}
	if won != 1 {
		t.Errorf("winners = %d, want exactly 1", won)
	}
	if _, version, _ := s.GetStatus(ctx, "sbx-1"); version != 1 {
		t.Errorf("version = %d, want 1", version)
	}
}

func TestAppendAndReadRecent(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ev := &domain.Event{
			ID:      domain.NewID(),
			Topic:   "sandbox.lifecycle",
			Payload: json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
		}
		if err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	events, err := s.ReadRecent(ctx, "sandbox.lifecycle", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3", len(events))
	}
	// Oldest first, most recent 3.
	if string(events[0].Payload) != `{"seq":2}` || string(events[2].Payload) != `{"seq":4}` {
		t.Errorf("unexpected window: %s .. %s", events[0].Payload, events[2].Payload)
	}
}

func TestRetentionBound(t *testing.T) {
	s := New(3)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ev := &domain.Event{ID: domain.NewID(), Topic: "t", Payload: json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))}
		if err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	events, err := s.ReadRecent(ctx, "t", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("len = %d, want retention 3", len(events))
	}
	if string(events[0].Payload) != `{"seq":7}` {
		t.Errorf("oldest retained = %s, want seq 7", events[0].Payload)
	}
}

func TestReadRecent_UnknownTopic(t *testing.T) {
	s := New(0)
	events, err := s.ReadRecent(context.Background(), "nope", 10)
	if err != nil {
		t.Fatalf("ReadRecent: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("len = %d, want 0", len(events))
	}
}
