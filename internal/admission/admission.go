// Package admission gates tool-execution requests on sandbox lifecycle
// state. The controller reads the same state store the lifecycle manager
// writes — no cache sits in between, so a committed pause is visible to
// the very next check.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/jkaninda/mlinzi/internal/domain"
	"github.com/jkaninda/mlinzi/internal/observability"
	"github.com/jkaninda/mlinzi/internal/storage"
)

// Reason explains an admission denial.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonSandboxPaused   Reason = "sandbox_paused"
	ReasonSandboxNotFound Reason = "sandbox_not_found"
	ReasonSandboxInactive Reason = "sandbox_inactive"
)

// Decision is the outcome of one admission check. TraceID uniquely
// identifies the decision for the telemetry sink and audit trail.
type Decision struct {
	SandboxID string        `json:"sandbox_id"`
	Allowed   bool          `json:"allowed"`
	Reason    Reason        `json:"reason,omitempty"`
	Status    domain.Status `json:"status,omitempty"`
	TraceID   string        `json:"trace_id"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Controller decides whether tool execution may proceed for a sandbox.
// It only gates; it never performs the execution itself.
type Controller struct {
	store   storage.Store
	metrics *observability.MetricsCollector
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewController creates an admission controller. metrics and tracer may be nil.
func NewController(store storage.Store, metrics *observability.MetricsCollector, tracer trace.Tracer, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{store: store, metrics: metrics, tracer: tracer, logger: logger}
}

// Check returns the admission decision for the sandbox.
// A denial is a decision, not an error; the error return is reserved for
// storage failures the caller may retry.
func (c *Controller) Check(ctx context.Context, sandboxID string) (Decision, error) {
	start := time.Now()
	decision := Decision{
		SandboxID: sandboxID,
		TraceID:   uuid.NewString(),
		CheckedAt: start.UTC(),
	}

	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "admission.check",
			trace.WithAttributes(attribute.String("sandbox.id", sandboxID)))
		defer func() {
			span.SetAttributes(
				attribute.Bool("admission.allowed", decision.Allowed),
				attribute.String("admission.reason", string(decision.Reason)),
				attribute.String("admission.trace_id", decision.TraceID),
			)
			span.End()
		}()
	}

	status, _, err := c.store.GetStatus(ctx, sandboxID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		decision.Reason = ReasonSandboxNotFound
	case err != nil:
		c.observe("error", "", start)
		return Decision{}, fmt.Errorf("admission check for sandbox %s: %w", sandboxID, err)
	default:
		decision.Status = status
		switch status {
		case domain.StatusActive:
			decision.Allowed = true
		case domain.StatusPaused:
			decision.Reason = ReasonSandboxPaused
		case domain.StatusInactive:
			decision.Reason = ReasonSandboxInactive
		default:
			decision.Reason = ReasonSandboxNotFound
		}
	}

	if decision.Allowed {
		c.observe("admit", "", start)
	} else {
		c.observe("deny", string(decision.Reason), start)
	}

	c.logger.Debug("admission decision",
		slog.String("sandbox_id", sandboxID),
		slog.Bool("allowed", decision.Allowed),
		slog.String("reason", string(decision.Reason)),
		slog.String("trace_id", decision.TraceID),
	)
	return decision, nil
}

func (c *Controller) observe(decision, reason string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.AdmissionDecisionsTotal.WithLabelValues(decision, reason).Inc()
	c.metrics.AdmissionCheckDuration.WithLabelValues(decision).Observe(time.Since(start).Seconds())
}
