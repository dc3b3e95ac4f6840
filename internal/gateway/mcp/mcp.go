// Package mcp exposes the control plane to MCP clients over stdio.
// Tools cover the lifecycle operations, the admission check, event
// publishing, and schema introspection, all against the same in-process
// components the HTTP gateway uses.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/mlinzi/internal/admission"
	"github.com/jkaninda/mlinzi/internal/bus"
	"github.com/jkaninda/mlinzi/internal/domain"
	"github.com/jkaninda/mlinzi/internal/lifecycle"
	"github.com/jkaninda/mlinzi/internal/schema"
)

const (
	// serverName identifies this MCP server to clients.
	serverName = "Mlinzi Control Plane MCP"
	// serverVersion identifies the MCP server version.
	serverVersion = "0.1.0"

	toolTimeout = 10 * time.Second
)

// Server hosts the MCP server.
type Server struct {
	mcpServer *server.MCPServer
}

// SandboxResult is the MCP tool output for lifecycle operations.
type SandboxResult struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	Version          int64  `json:"version"`
	LastTransitionAt string `json:"last_transition_at,omitempty"`
}

// SandboxInput identifies the sandbox a tool operates on.
type SandboxInput struct {
	SandboxID string `json:"sandbox_id"`
}

// AdmissionResult is the MCP tool output for an admission check.
type AdmissionResult struct {
	SandboxID string `json:"sandbox_id"`
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	TraceID   string `json:"trace_id"`
}

// PublishInput is the MCP tool input for publishing an event.
type PublishInput struct {
	Topic      string         `json:"topic"`
	Payload    map[string]any `json:"payload"`
	ProducerID string         `json:"producer_id"`
}

// PublishResult is the MCP tool output after a successful publish.
type PublishResult struct {
	EventID       string `json:"event_id"`
	Topic         string `json:"topic"`
	SchemaVersion int    `json:"schema_version"`
}

// New creates a configured MCP server over the control-plane components.
func New(lm *lifecycle.Manager, ac *admission.Controller, b *bus.Bus, reg *schema.Registry) *Server {
	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(false),
	)

	mcpServer.AddTool(sandboxTool("sandbox_status", "Returns a sandbox's lifecycle status and version"),
		sandboxHandler(func(ctx context.Context, id string) (*domain.Sandbox, error) { return lm.Get(ctx, id) }))
	mcpServer.AddTool(sandboxTool("sandbox_pause", "Pauses a sandbox; idempotent if already paused"),
		sandboxHandler(lm.Pause))
	mcpServer.AddTool(sandboxTool("sandbox_resume", "Resumes a paused sandbox; idempotent if already active"),
		sandboxHandler(lm.Resume))
	mcpServer.AddTool(sandboxTool("sandbox_deactivate", "Deactivates a sandbox permanently"),
		sandboxHandler(lm.Deactivate))
	mcpServer.AddTool(checkAdmissionTool(), checkAdmissionHandler(ac))
	mcpServer.AddTool(publishEventTool(), publishEventHandler(b))
	mcpServer.AddTool(listSchemasTool(), listSchemasHandler(reg))

	return &Server{mcpServer: mcpServer}
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	if s == nil || s.mcpServer == nil {
		return fmt.Errorf("MCP server is not configured")
	}
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("serve MCP: %w", err)
	}
	return nil
}

func sandboxTool(name, description string) mcp.Tool {
	return mcp.NewTool(
		name,
		mcp.WithDescription(description),
		mcp.WithString("sandbox_id",
			mcp.Description("Sandbox identifier"),
			mcp.Required(),
		),
		mcp.WithInputSchema[SandboxInput](),
		mcp.WithOutputSchema[SandboxResult](),
	)
}

func sandboxHandler(op func(context.Context, string) (*domain.Sandbox, error)) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var input SandboxInput
		if err := request.BindArguments(&input); err != nil {
			return mcp.NewToolResultErrorFromErr("invalid arguments", err), nil
		}
		if input.SandboxID == "" {
			return mcp.NewToolResultError("sandbox_id is required"), nil
		}

		opCtx, cancel := context.WithTimeout(ctx, toolTimeout)
		defer cancel()

		sb, err := op(opCtx, input.SandboxID)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("operation failed", err), nil
		}
		result := SandboxResult{
			ID:      sb.ID,
			Status:  string(sb.Status),
			Version: sb.Version,
		}
		if !sb.LastTransitionAt.IsZero() {
			result.LastTransitionAt = sb.LastTransitionAt.UTC().Format(time.RFC3339)
		}
		return mcp.NewToolResultStructuredOnly(result), nil
	}
}

func checkAdmissionTool() mcp.Tool {
	return mcp.NewTool(
		"check_admission",
		mcp.WithDescription("Checks whether tool execution is currently admitted for a sandbox"),
		mcp.WithString("sandbox_id",
			mcp.Description("Sandbox identifier"),
			mcp.Required(),
		),
		mcp.WithInputSchema[SandboxInput](),
		mcp.WithOutputSchema[AdmissionResult](),
	)
}

func checkAdmissionHandler(ac *admission.Controller) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var input SandboxInput
		if err := request.BindArguments(&input); err != nil {
			return mcp.NewToolResultErrorFromErr("invalid arguments", err), nil
		}
		if input.SandboxID == "" {
			return mcp.NewToolResultError("sandbox_id is required"), nil
		}

		checkCtx, cancel := context.WithTimeout(ctx, toolTimeout)
		defer cancel()

		decision, err := ac.Check(checkCtx, input.SandboxID)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("admission check failed", err), nil
		}
		return mcp.NewToolResultStructuredOnly(AdmissionResult{
			SandboxID: decision.SandboxID,
			Allowed:   decision.Allowed,
			Reason:    string(decision.Reason),
			TraceID:   decision.TraceID,
		}), nil
	}
}

func publishEventTool() mcp.Tool {
	return mcp.NewTool(
		"publish_event",
		mcp.WithDescription("Publishes an event to a topic after schema validation"),
		mcp.WithString("topic",
			mcp.Description("Topic name"),
			mcp.Required(),
		),
		mcp.WithString("producer_id",
			mcp.Description("Identifier of the producing component"),
		),
		mcp.WithInputSchema[PublishInput](),
		mcp.WithOutputSchema[PublishResult](),
	)
}

func publishEventHandler(b *bus.Bus) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var input PublishInput
		if err := request.BindArguments(&input); err != nil {
			return mcp.NewToolResultErrorFromErr("invalid arguments", err), nil
		}
		if input.Topic == "" {
			return mcp.NewToolResultError("topic is required"), nil
		}
		payload, err := json.Marshal(input.Payload)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("invalid payload", err), nil
		}

		pubCtx, cancel := context.WithTimeout(ctx, toolTimeout)
		defer cancel()

		event, err := b.Publish(pubCtx, input.Topic, payload, input.ProducerID)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("publish failed", err), nil
		}
		return mcp.NewToolResultStructuredOnly(PublishResult{
			EventID:       event.ID.String(),
			Topic:         event.Topic,
			SchemaVersion: event.SchemaVersion,
		}), nil
	}
}

func listSchemasTool() mcp.Tool {
	return mcp.NewTool(
		"list_schemas",
		mcp.WithDescription("Lists all registered topic schemas"),
		mcp.WithOutputSchema[[]schema.TopicInfo](),
	)
}

func listSchemasHandler(reg *schema.Registry) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultStructuredOnly(reg.DescribeAll()), nil
	}
}
