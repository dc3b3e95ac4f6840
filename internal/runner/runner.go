// Package runner executes tool requests on behalf of sandboxes.
// Every run is gated: rate limit first, then an admission check against
// live sandbox state. The runner never executes for a denied sandbox.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/mlinzi/internal/admission"
	"github.com/jkaninda/mlinzi/internal/observability"
	"github.com/jkaninda/mlinzi/internal/ratelimit"
)

// ErrToolNotFound is returned when the requested tool is not registered.
var ErrToolNotFound = errors.New("tool not found")

// Tool is the interface all runnable tools implement.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "echo").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// EstimateCost returns an estimated cost in USD for the given parameters.
	// Recorded against the sandbox's budget before execution.
	EstimateCost(params map[string]any) float64

	// Validate checks that params are well-formed before any gating runs,
	// so malformed requests fail fast without consuming quota.
	Validate(params map[string]any) error

	// Execute runs the tool with the given parameters.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Result is the outcome of a tool execution.
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

// DeniedError carries the admission decision that blocked a run.
// The gateway maps it to an HTTP status by reason.
type DeniedError struct {
	Decision admission.Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("tool execution denied for sandbox %s: %s", e.Decision.SandboxID, e.Decision.Reason)
}

// ValidationError wraps a tool's parameter rejection.
type ValidationError struct {
	Tool string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid parameters for tool %s: %v", e.Tool, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// SpendRecorder accumulates per-sandbox cost. Satisfied by *guard.Guard.
type SpendRecorder interface {
	Record(sandboxID string, usd float64)
}

// Registry holds available tools keyed by name.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Runner gates and executes tool runs for sandboxes.
type Runner struct {
	registry  *Registry
	admission *admission.Controller
	limiter   *ratelimit.Limiter
	spend     SpendRecorder
	metrics   *observability.MetricsCollector
	logger    *slog.Logger
}

// New creates a runner. limiter, spend, and metrics may be nil.
func New(registry *Registry, ctrl *admission.Controller, limiter *ratelimit.Limiter, spend SpendRecorder, metrics *observability.MetricsCollector, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		registry:  registry,
		admission: ctrl,
		limiter:   limiter,
		spend:     spend,
		metrics:   metrics,
		logger:    logger,
	}
}

// Tools returns all registered tools.
func (r *Runner) Tools() []Tool {
	return r.registry.List()
}

// Run executes the named tool for the sandbox.
// Gating order: tool lookup, parameter validation, rate limit, admission.
// A denial returns *DeniedError; the tool is never executed.
func (r *Runner) Run(ctx context.Context, sandboxID, toolName string, params map[string]any) (*Result, error) {
	tool := r.registry.Get(toolName)
	if tool == nil {
		return nil, fmt.Errorf("tool %s: %w", toolName, ErrToolNotFound)
	}
	if err := tool.Validate(params); err != nil {
		return nil, &ValidationError{Tool: toolName, Err: err}
	}

	if r.limiter != nil {
		if err := r.limiter.Allow(sandboxID); err != nil {
			r.observe(toolName, "rate_limited", 0)
			return nil, fmt.Errorf("sandbox %s: %w", sandboxID, err)
		}
	}

	decision, err := r.admission.Check(ctx, sandboxID)
	if err != nil {
		r.observe(toolName, "error", 0)
		return nil, err
	}
	if !decision.Allowed {
		r.observe(toolName, "denied", 0)
		r.logger.Info("tool run denied",
			slog.String("sandbox_id", sandboxID),
			slog.String("tool", toolName),
			slog.String("reason", string(decision.Reason)),
			slog.String("trace_id", decision.TraceID),
		)
		return nil, &DeniedError{Decision: decision}
	}

	if r.spend != nil {
		if cost := tool.EstimateCost(params); cost > 0 {
			r.spend.Record(sandboxID, cost)
		}
	}

	start := time.Now()
	result, err := tool.Execute(ctx, params)
	elapsed := time.Since(start)
	if err != nil {
		r.observe(toolName, "error", elapsed)
		return nil, fmt.Errorf("executing tool %s: %w", toolName, err)
	}
	status := "ok"
	if !result.Success {
		status = "failed"
	}
	r.observe(toolName, status, elapsed)

	r.logger.Debug("tool run completed",
		slog.String("sandbox_id", sandboxID),
		slog.String("tool", toolName),
		slog.String("status", status),
		slog.Duration("duration", elapsed),
	)
	return result, nil
}

func (r *Runner) observe(tool, status string, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}
	r.metrics.ToolRunsTotal.WithLabelValues(tool, status).Inc()
	if elapsed > 0 {
		r.metrics.ToolRunDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
	}
}
