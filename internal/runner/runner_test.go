package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/mlinzi/internal/admission"
	"github.com/jkaninda/mlinzi/internal/domain"
	"github.com/jkaninda/mlinzi/internal/ratelimit"
	"github.com/jkaninda/mlinzi/internal/storage/memory"
)

type recordingSpend struct {
	mu    sync.Mutex
	total map[string]float64
}

func (s *recordingSpend) Record(sandboxID string, usd float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total == nil {
		s.total = make(map[string]float64)
	}
	s.total[sandboxID] += usd
}

// costlyTool reports a fixed cost and counts executions.
type costlyTool struct {
	cost float64
	runs int
}

func (t *costlyTool) Name() string                        { return "costly" }
func (t *costlyTool) Description() string                 { return "test tool with a fixed cost" }
func (t *costlyTool) EstimateCost(map[string]any) float64 { return t.cost }
func (t *costlyTool) Validate(map[string]any) error       { return nil }
func (t *costlyTool) Execute(context.Context, map[string]any) (*Result, error) {
	t.runs++
	return &Result{Output: "done", Success: true}, nil
}

func newRunner(t *testing.T, limiter *ratelimit.Limiter, spend SpendRecorder, tools ...Tool) (*Runner, *memory.Store) {
	t.Helper()
	store := memory.New(100)
	reg := NewRegistry()
	reg.Register(EchoTool{})
	for _, tool := range tools {
		reg.Register(tool)
	}
	ctrl := admission.NewController(store, nil, nil, nil)
	return New(reg, ctrl, limiter, spend, nil, nil), store
}

func activeSandbox(t *testing.T, store *memory.Store, id string) {
	t.Helper()
	err := store.CreateSandbox(context.Background(), &domain.Sandbox{
		ID: id, Status: domain.StatusActive, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
}

func TestRun_ActiveSandbox(t *testing.T) {
	r, store := newRunner(t, nil, nil)
	activeSandbox(t, store, "sb-1")

	res, err := r.Run(context.Background(), "sb-1", "echo", map[string]any{"message": "hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.Output != "hello" {
		t.Errorf("result = %+v", res)
	}
}

func TestRun_PausedSandboxDenied(t *testing.T) {
	tool := &costlyTool{cost: 1}
	r, store := newRunner(t, nil, nil, tool)
	activeSandbox(t, store, "sb-1")
	if err := store.SetStatus(context.Background(), "sb-1", domain.StatusPaused, 0); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	_, err := r.Run(context.Background(), "sb-1", "costly", nil)
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("Run error = %v, want *DeniedError", err)
	}
	if denied.Decision.Reason != admission.ReasonSandboxPaused {
		t.Errorf("reason = %s, want %s", denied.Decision.Reason, admission.ReasonSandboxPaused)
	}
	if denied.Decision.TraceID == "" {
		t.Error("denial carries no trace id")
	}
	if tool.runs != 0 {
		t.Errorf("tool executed %d times for a denied sandbox", tool.runs)
	}
}

func TestRun_UnknownSandboxDenied(t *testing.T) {
	r, _ := newRunner(t, nil, nil)
	_, err := r.Run(context.Background(), "ghost", "echo", map[string]any{"message": "x"})
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("Run error = %v, want *DeniedError", err)
	}
	if denied.Decision.Reason != admission.ReasonSandboxNotFound {
		t.Errorf("reason = %s, want %s", denied.Decision.Reason, admission.ReasonSandboxNotFound)
	}
}

func TestRun_UnknownTool(t *testing.T) {
	r, store := newRunner(t, nil, nil)
	activeSandbox(t, store, "sb-1")
	if _, err := r.Run(context.Background(), "sb-1", "nope", nil); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("Run = %v, want ErrToolNotFound", err)
	}
}

func TestRun_InvalidParams(t *testing.T) {
	r, store := newRunner(t, nil, nil)
	activeSandbox(t, store, "sb-1")

	_, err := r.Run(context.Background(), "sb-1", "echo", map[string]any{"message": 42})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Run error = %v, want *ValidationError", err)
	}
	if verr.Tool != "echo" {
		t.Errorf("validation error tool = %s", verr.Tool)
	}
}

func TestRun_RateLimited(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 60, BurstSize: 1})
	r, store := newRunner(t, limiter, nil)
	activeSandbox(t, store, "sb-1")

	if _, err := r.Run(context.Background(), "sb-1", "echo", map[string]any{"message": "x"}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	_, err := r.Run(context.Background(), "sb-1", "echo", map[string]any{"message": "x"})
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Errorf("second Run = %v, want ErrRateLimited", err)
	}
}

func TestRun_RecordsSpend(t *testing.T) {
	spend := &recordingSpend{}
	tool := &costlyTool{cost: 0.25}
	r, store := newRunner(t, nil, spend, tool)
	activeSandbox(t, store, "sb-1")

	for i := 0; i < 3; i++ {
		if _, err := r.Run(context.Background(), "sb-1", "costly", nil); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}
	if got := spend.total["sb-1"]; got != 0.75 {
		t.Errorf("recorded spend = %v, want 0.75", got)
	}
}

func TestSleepTool_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := SleepTool{}.Execute(ctx, map[string]any{"seconds": 5.0})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Execute = %v, want context.Canceled", err)
	}
}
