package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/mlinzi/internal/domain"
	"github.com/jkaninda/mlinzi/internal/lifecycle"
	"github.com/jkaninda/mlinzi/internal/storage"
	"github.com/jkaninda/okapi"
)

// SandboxCreateRequest is the JSON body for POST /v1/sandboxes.
type SandboxCreateRequest struct {
	ID string `json:"id"`
}

// SandboxResponse is the JSON representation of a sandbox.
type SandboxResponse struct {
	ID               string    `json:"id"`
	Status           string    `json:"status"`
	Version          int64     `json:"version"`
	LastTransitionAt time.Time `json:"last_transition_at,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func toSandboxResponse(sb *domain.Sandbox) SandboxResponse {
	return SandboxResponse{
		ID:               sb.ID,
		Status:           string(sb.Status),
		Version:          sb.Version,
		LastTransitionAt: sb.LastTransitionAt,
		CreatedAt:        sb.CreatedAt,
	}
}

func (g *Gateway) handleSandboxCreate(c *okapi.Context) error {
	var req SandboxCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ID == "" {
		return c.AbortBadRequest("id is required")
	}

	sb, err := g.lifecycle.Create(c.Context(), req.ID)
	if err != nil {
		return g.lifecycleError(c, err)
	}
	return c.JSON(http.StatusCreated, toSandboxResponse(sb))
}

func (g *Gateway) handleSandboxList(c *okapi.Context) error {
	sandboxes, err := g.lifecycle.List(c.Context())
	if err != nil {
		return g.lifecycleError(c, err)
	}
	resp := make([]SandboxResponse, len(sandboxes))
	for i, sb := range sandboxes {
		resp[i] = toSandboxResponse(sb)
	}
	return c.OK(resp)
}

func (g *Gateway) handleSandboxGet(c *okapi.Context) error {
	sb, err := g.lifecycle.Get(c.Context(), c.Param("id"))
	if err != nil {
		return g.lifecycleError(c, err)
	}
	return c.OK(toSandboxResponse(sb))
}

func (g *Gateway) handleSandboxPause(c *okapi.Context) error {
	return g.transition(c, "pause", g.lifecycle.Pause)
}

func (g *Gateway) handleSandboxResume(c *okapi.Context) error {
	return g.transition(c, "resume", g.lifecycle.Resume)
}

func (g *Gateway) handleSandboxDeactivate(c *okapi.Context) error {
	return g.transition(c, "deactivate", g.lifecycle.Deactivate)
}

// transition runs one lifecycle operation and returns the resulting state.
// Idempotent repeats return 200 with the unchanged sandbox.
func (g *Gateway) transition(c *okapi.Context, name string, op func(ctx context.Context, id string) (*domain.Sandbox, error)) error {
	id := c.Param("id")
	correlationID := newCorrelationID()

	g.logger.Info("sandbox transition requested",
		slog.String("sandbox_id", id),
		slog.String("transition", name),
		slog.String("correlation_id", correlationID),
	)

	sb, err := op(c.Context(), id)
	if err != nil {
		return g.lifecycleError(c, err)
	}
	return c.OK(toSandboxResponse(sb))
}

func (g *Gateway) handleAdmissionCheck(c *okapi.Context) error {
	decision, err := g.admission.Check(c.Context(), c.Param("id"))
	if err != nil {
		return c.AbortInternalServerError("admission check failed")
	}
	return c.OK(decision)
}

// lifecycleError maps lifecycle and storage errors to HTTP responses.
func (g *Gateway) lifecycleError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "sandbox not found"})
	case errors.Is(err, lifecycle.ErrAlreadyTerminal):
		return c.JSON(http.StatusGone, okapi.M{"error": "sandbox is inactive"})
	case errors.Is(err, storage.ErrConflict):
		return c.JSON(http.StatusConflict, okapi.M{"error": "concurrent transition, retry"})
	case errors.Is(err, storage.ErrTransient):
		return c.AbortServiceUnavailable("storage unavailable, retry")
	default:
		g.logger.Error("lifecycle operation failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("internal error")
	}
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
