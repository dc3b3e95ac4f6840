package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/mlinzi/internal/admission"
	"github.com/jkaninda/mlinzi/internal/domain"
	"github.com/jkaninda/mlinzi/internal/ratelimit"
	"github.com/jkaninda/mlinzi/internal/runner"
	"github.com/jkaninda/mlinzi/internal/schema"
	"github.com/jkaninda/okapi"
)

// ToolRunRequest is the JSON body for POST /v1/tools/run.
type ToolRunRequest struct {
	SandboxID string         `json:"sandbox_id"`
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params,omitempty"`
}

// ToolRunResponse is the JSON response for a completed tool run.
type ToolRunResponse struct {
	Output   string         `json:"output"`
	Success  bool           `json:"success"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DenialBody is returned when admission blocks a tool run.
type DenialBody struct {
	Error   string `json:"error"`
	Reason  string `json:"reason"`
	TraceID string `json:"trace_id"`
}

// ToolInfo describes one registered tool.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (g *Gateway) handleToolRun(c *okapi.Context) error {
	var req ToolRunRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.SandboxID == "" {
		return c.AbortBadRequest("sandbox_id is required")
	}
	if req.Tool == "" {
		return c.AbortBadRequest("tool is required")
	}

	result, err := g.runner.Run(c.Context(), req.SandboxID, req.Tool, req.Params)
	if err != nil {
		return g.toolRunError(c, err)
	}
	return c.OK(ToolRunResponse{
		Output:   result.Output,
		Success:  result.Success,
		Metadata: result.Metadata,
	})
}

// toolRunError maps runner errors to HTTP responses. A paused sandbox is
// a locked resource: the request is well-formed and may succeed after a
// resume, so 423 rather than a 4xx that suggests a caller bug.
func (g *Gateway) toolRunError(c *okapi.Context, err error) error {
	var denied *runner.DeniedError
	if errors.As(err, &denied) {
		body := DenialBody{
			Error:   "tool execution denied",
			Reason:  string(denied.Decision.Reason),
			TraceID: denied.Decision.TraceID,
		}
		switch denied.Decision.Reason {
		case admission.ReasonSandboxPaused:
			return c.JSON(http.StatusLocked, body)
		case admission.ReasonSandboxInactive:
			return c.JSON(http.StatusGone, body)
		default:
			return c.JSON(http.StatusNotFound, body)
		}
	}

	var verr *runner.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.AbortBadRequest(verr.Error())
	case errors.Is(err, runner.ErrToolNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "tool not found"})
	case errors.Is(err, ratelimit.ErrRateLimited):
		return c.AbortTooManyRequests("rate limit exceeded")
	default:
		g.logger.Error("tool run failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("tool execution failed")
	}
}

func (g *Gateway) handleToolList(c *okapi.Context) error {
	tools := g.runner.Tools()
	resp := make([]ToolInfo, len(tools))
	for i, t := range tools {
		resp[i] = ToolInfo{Name: t.Name(), Description: t.Description()}
	}
	return c.OK(resp)
}

// EventPublishRequest is the JSON body for POST /v1/events/{topic}.
type EventPublishRequest struct {
	ProducerID string          `json:"producer_id"`
	Payload    json.RawMessage `json:"payload"`
}

// EventResponse is the JSON representation of a stored event.
type EventResponse struct {
	ID            string          `json:"id"`
	Topic         string          `json:"topic"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
	ProducerID    string          `json:"producer_id,omitempty"`
	PublishedAt   time.Time       `json:"published_at"`
}

func toEventResponse(ev *domain.Event) EventResponse {
	return EventResponse{
		ID:            ev.ID.String(),
		Topic:         ev.Topic,
		SchemaVersion: ev.SchemaVersion,
		Payload:       ev.Payload,
		ProducerID:    ev.ProducerID,
		PublishedAt:   ev.PublishedAt,
	}
}

// ViolationBody is one field-level schema violation.
type ViolationBody struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ValidationFailureBody reports every violation found in one pass.
type ValidationFailureBody struct {
	Error      string          `json:"error"`
	Topic      string          `json:"topic"`
	Violations []ViolationBody `json:"violations"`
}

func (g *Gateway) handleEventPublish(c *okapi.Context) error {
	topic := c.Param("topic")

	var req EventPublishRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if len(req.Payload) == 0 {
		return c.AbortBadRequest("payload is required")
	}

	event, err := g.bus.Publish(c.Context(), topic, req.Payload, req.ProducerID)
	if err != nil {
		return g.publishError(c, topic, err)
	}
	return c.JSON(http.StatusAccepted, toEventResponse(event))
}

// publishError maps bus and schema errors to HTTP responses. Validation
// failures carry the full violation list so producers can fix the payload
// in one round trip.
func (g *Gateway) publishError(c *okapi.Context, topic string, err error) error {
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		body := ValidationFailureBody{
			Error:      "payload does not match topic schema",
			Topic:      topic,
			Violations: make([]ViolationBody, len(verr.Violations)),
		}
		for i, v := range verr.Violations {
			body.Violations[i] = ViolationBody{Field: v.Field, Rule: v.Rule}
		}
		return c.JSON(http.StatusBadRequest, body)
	}
	if errors.Is(err, schema.ErrUnknownTopic) {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "unknown topic"})
	}
	g.logger.Error("event publish failed",
		slog.String("topic", topic),
		slog.String("error", err.Error()),
	)
	return c.AbortInternalServerError("event publish failed")
}

func (g *Gateway) handleEventsRecent(c *okapi.Context) error {
	topic := c.Param("topic")
	limit := g.config.RecentDefault
	if limit <= 0 {
		limit = 50
	}
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = n
	}

	events, err := g.bus.ReadRecent(c.Context(), topic, limit)
	if err != nil {
		return c.AbortInternalServerError("reading events failed")
	}
	resp := make([]EventResponse, len(events))
	for i, ev := range events {
		resp[i] = toEventResponse(ev)
	}
	return c.OK(resp)
}

// SchemaRegisterRequest is the JSON body for POST /v1/events/schemas.
type SchemaRegisterRequest struct {
	Topic         string         `json:"topic"`
	Compatibility string         `json:"compatibility,omitempty"` // "backward" (default) or "none".
	Fields        []schema.Field `json:"fields"`
}

// SchemaRegisterResponse reports the registered schema version.
type SchemaRegisterResponse struct {
	Topic   string `json:"topic"`
	Version int    `json:"version"`
}

func (g *Gateway) handleSchemaRegister(c *okapi.Context) error {
	var req SchemaRegisterRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Topic == "" {
		return c.AbortBadRequest("topic is required")
	}
	if len(req.Fields) == 0 {
		return c.AbortBadRequest("at least one field is required")
	}

	mode := schema.CompatBackward
	if req.Compatibility == string(schema.CompatNone) {
		mode = schema.CompatNone
	}

	version, err := g.registry.Register(req.Topic, schema.Schema{Fields: req.Fields}, mode)
	if err != nil {
		if errors.Is(err, schema.ErrIncompatible) {
			return c.JSON(http.StatusConflict, okapi.M{"error": err.Error()})
		}
		return c.AbortBadRequest(err.Error())
	}
	return c.JSON(http.StatusCreated, SchemaRegisterResponse{Topic: req.Topic, Version: version})
}

func (g *Gateway) handleSchemaList(c *okapi.Context) error {
	return c.OK(g.registry.DescribeAll())
}
