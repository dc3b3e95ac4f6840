package guard

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/mlinzi/internal/domain"
)

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	bodies []json.RawMessage
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload json.RawMessage, _ string) (*domain.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.bodies = append(p.bodies, payload)
	return &domain.Event{ID: domain.NewID(), Topic: topic}, nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.topics)
}

type fakePauser struct {
	mu     sync.Mutex
	paused []string
}

func (p *fakePauser) Pause(_ context.Context, id string) (*domain.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = append(p.paused, id)
	return &domain.Sandbox{ID: id, Status: domain.StatusPaused}, nil
}

func newGuard(cfg Config, pauser Pauser, pub *fakePublisher) *Guard {
	if pub == nil {
		pub = &fakePublisher{}
	}
	return New(cfg, pauser, pub, nil, nil)
}

func TestWindowSpend_Accumulates(t *testing.T) {
	g := newGuard(Config{}, nil, nil)
	g.Record("sb-1", 1.5)
	g.Record("sb-1", 0.5)
	g.Record("sb-2", 3.0)

	if got := g.WindowSpend("sb-1"); got != 2.0 {
		t.Errorf("sb-1 spend = %v, want 2.0", got)
	}
	if got := g.WindowSpend("sb-2"); got != 3.0 {
		t.Errorf("sb-2 spend = %v, want 3.0", got)
	}
	if got := g.WindowSpend("sb-3"); got != 0 {
		t.Errorf("untracked sandbox spend = %v, want 0", got)
	}
}

func TestWindowSpend_ExpiresOldEntries(t *testing.T) {
	g := newGuard(Config{WindowHours: 24}, nil, nil)
	now := time.Now()
	g.now = func() time.Time { return now }

	g.Record("sb-1", 4.0)
	now = now.Add(25 * time.Hour)
	g.Record("sb-1", 1.0)

	if got := g.WindowSpend("sb-1"); got != 1.0 {
		t.Errorf("spend = %v, want 1.0 (old entry expired)", got)
	}
}

func TestCheckNow_AlertLevels(t *testing.T) {
	tests := []struct {
		name      string
		spend     float64
		wantLevel Level
		wantAlert bool
	}{
		{"under warning", 3.0, "", false},
		{"warning at 70 percent", 3.5, LevelWarning, true},
		{"critical at threshold", 5.0, LevelCritical, true},
		{"critical above threshold", 7.25, LevelCritical, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pub := &fakePublisher{}
			g := newGuard(Config{Enabled: true, CostThresholdUSD: 5, WarningPercent: 70}, nil, pub)
			g.Record("sb-1", tc.spend)
			g.CheckNow(context.Background())

			if !tc.wantAlert {
				if pub.count() != 0 {
					t.Fatalf("unexpected alert published")
				}
				return
			}
			if pub.count() != 1 {
				t.Fatalf("published %d alerts, want 1", pub.count())
			}
			if pub.topics[0] != TopicBudget {
				t.Errorf("topic = %s, want %s", pub.topics[0], TopicBudget)
			}
			var body budgetPayload
			if err := json.Unmarshal(pub.bodies[0], &body); err != nil {
				t.Fatalf("unmarshaling payload: %v", err)
			}
			if Level(body.Level) != tc.wantLevel {
				t.Errorf("level = %s, want %s", body.Level, tc.wantLevel)
			}
			if body.SandboxID != "sb-1" || body.SpendUSD != tc.spend {
				t.Errorf("payload = %+v", body)
			}
		})
	}
}

func TestCheckNow_SuppressesRepeatAtSameLevel(t *testing.T) {
	pub := &fakePublisher{}
	g := newGuard(Config{Enabled: true, CostThresholdUSD: 5}, nil, pub)
	now := time.Now()
	g.now = func() time.Time { return now }

	g.Record("sb-1", 6.0)
	g.CheckNow(context.Background())
	g.CheckNow(context.Background())
	if pub.count() != 1 {
		t.Fatalf("published %d alerts, want 1 (repeat suppressed)", pub.count())
	}

	// After the cooldown the same level alerts again.
	now = now.Add(7 * time.Hour)
	g.Record("sb-1", 6.0)
	g.CheckNow(context.Background())
	if pub.count() != 2 {
		t.Errorf("published %d alerts, want 2 after cooldown", pub.count())
	}
}

func TestCheckNow_LevelEscalationBypassesSuppression(t *testing.T) {
	pub := &fakePublisher{}
	g := newGuard(Config{Enabled: true, CostThresholdUSD: 5, WarningPercent: 70}, nil, pub)

	g.Record("sb-1", 4.0) // warning
	g.CheckNow(context.Background())
	g.Record("sb-1", 2.0) // now critical
	g.CheckNow(context.Background())

	if pub.count() != 2 {
		t.Fatalf("published %d alerts, want 2", pub.count())
	}
	var body budgetPayload
	if err := json.Unmarshal(pub.bodies[1], &body); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}
	if Level(body.Level) != LevelCritical {
		t.Errorf("second alert level = %s, want critical", body.Level)
	}
}

func TestCheckNow_CriticalAutoPauses(t *testing.T) {
	pauser := &fakePauser{}
	g := newGuard(Config{Enabled: true, CostThresholdUSD: 5, AutoPause: true}, pauser, nil)

	g.Record("sb-1", 10.0)
	g.CheckNow(context.Background())

	if len(pauser.paused) != 1 || pauser.paused[0] != "sb-1" {
		t.Errorf("paused = %v, want [sb-1]", pauser.paused)
	}
}

func TestCheckNow_WarningDoesNotPause(t *testing.T) {
	pauser := &fakePauser{}
	g := newGuard(Config{Enabled: true, CostThresholdUSD: 5, WarningPercent: 70, AutoPause: true}, pauser, nil)

	g.Record("sb-1", 4.0)
	g.CheckNow(context.Background())

	if len(pauser.paused) != 0 {
		t.Errorf("warning level paused sandboxes: %v", pauser.paused)
	}
}

func TestForget_DropsTrackedState(t *testing.T) {
	pub := &fakePublisher{}
	g := newGuard(Config{Enabled: true, CostThresholdUSD: 5}, nil, pub)

	g.Record("sb-1", 10.0)
	g.Forget("sb-1")
	g.CheckNow(context.Background())

	if g.WindowSpend("sb-1") != 0 {
		t.Error("spend survived Forget")
	}
	if pub.count() != 0 {
		t.Error("alert published for forgotten sandbox")
	}
}
