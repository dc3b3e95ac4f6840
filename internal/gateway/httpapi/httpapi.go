// Package httpapi implements the HTTP control-plane gateway.
//
// Security:
//   - Bearer token authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-sandbox rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/mlinzi/internal/admission"
	"github.com/jkaninda/mlinzi/internal/bus"
	"github.com/jkaninda/mlinzi/internal/lifecycle"
	"github.com/jkaninda/mlinzi/internal/observability"
	"github.com/jkaninda/mlinzi/internal/runner"
	"github.com/jkaninda/mlinzi/internal/schema"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr    string // e.g., ":8080"
	AuthToken     string // Bearer token. Empty = authentication disabled.
	EnableDocs    bool
	ReadTimeout   time.Duration // Default: 30s
	WriteTimeout  time.Duration // Default: 60s
	RecentDefault int           // Default page size for catch-up reads. 0 = 50.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP control-plane gateway.
type Gateway struct {
	config    Config
	lifecycle *lifecycle.Manager
	admission *admission.Controller
	runner    *runner.Runner
	bus       *bus.Bus
	registry  *schema.Registry
	logger    *slog.Logger
	server    *http.Server
	okapi     *okapi.Okapi
	group     *okapi.Group
}

// NewGateway creates an HTTP gateway over the control-plane components.
func NewGateway(cfg Config, lm *lifecycle.Manager, ac *admission.Controller, rn *runner.Runner, b *bus.Bus, reg *schema.Registry, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		config:    cfg,
		lifecycle: lm,
		admission: ac,
		runner:    rn,
		bus:       b,
		registry:  reg,
		logger:    logger,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithOpenAPIDocs enables the generated OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Mlinzi",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Authenticated /v1 group, instrumented when observability is enabled.
	middlewares := []okapi.Middleware{g.authenticate}
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middlewares = append(middlewares, observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}
	g.group = g.okapi.Group("/v1", middlewares...)

	// Sandbox lifecycle endpoints.
	g.group.Post("/sandboxes", g.handleSandboxCreate,
		okapi.DocSummary("Create a sandbox in the active state"),
		okapi.DocTags("Sandboxes"),
		okapi.DocRequestBody(SandboxCreateRequest{}),
		okapi.DocResponse(http.StatusCreated, SandboxResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/sandboxes", g.handleSandboxList,
		okapi.DocSummary("List all sandboxes"),
		okapi.DocTags("Sandboxes"),
		okapi.DocResponse([]SandboxResponse{}),
	)
	g.group.Get("/sandboxes/{id}", g.handleSandboxGet,
		okapi.DocSummary("Get a sandbox by ID"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/pause", g.handleSandboxPause,
		okapi.DocSummary("Pause a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusGone, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/resume", g.handleSandboxResume,
		okapi.DocSummary("Resume a paused sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusGone, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/deactivate", g.handleSandboxDeactivate,
		okapi.DocSummary("Deactivate a sandbox (terminal)"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/sandboxes/{id}/admission", g.handleAdmissionCheck,
		okapi.DocSummary("Check whether tool execution is admitted for a sandbox"),
		okapi.DocTags("Admission"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(admission.Decision{}),
	)

	// Tool execution endpoint.
	g.group.Post("/tools/run", g.handleToolRun,
		okapi.DocSummary("Execute a tool on behalf of a sandbox"),
		okapi.DocTags("Tools"),
		okapi.DocRequestBody(ToolRunRequest{}),
		okapi.DocResponse(ToolRunResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusLocked, DenialBody{}),
		okapi.DocResponse(http.StatusGone, DenialBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/tools", g.handleToolList,
		okapi.DocSummary("List registered tools"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]ToolInfo{}),
	)

	// Event endpoints.
	g.group.Post("/events/{topic}", g.handleEventPublish,
		okapi.DocSummary("Publish an event to a topic"),
		okapi.DocTags("Events"),
		okapi.DocPathParam("topic", "string", "Topic name"),
		okapi.DocRequestBody(EventPublishRequest{}),
		okapi.DocResponse(http.StatusAccepted, EventResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ValidationFailureBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/events/{topic}/recent", g.handleEventsRecent,
		okapi.DocSummary("Read the most recent events on a topic"),
		okapi.DocTags("Events"),
		okapi.DocPathParam("topic", "string", "Topic name"),
		okapi.DocResponse([]EventResponse{}),
	)
	g.group.Get("/events/schemas", g.handleSchemaList,
		okapi.DocSummary("List registered topic schemas"),
		okapi.DocTags("Schemas"),
		okapi.DocResponse([]schema.TopicInfo{}),
	)
	g.group.Post("/events/schemas", g.handleSchemaRegister,
		okapi.DocSummary("Register or evolve a topic schema"),
		okapi.DocTags("Schemas"),
		okapi.DocRequestBody(SchemaRegisterRequest{}),
		okapi.DocResponse(http.StatusCreated, SchemaRegisterResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)

	// WebSocket live tail for a topic, e.g. /v1/events/stream?topic=sandbox.lifecycle.
	g.okapi.HandleStd("GET", "/v1/events/stream", g.handleEventStream)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	readTimeout := g.config.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := g.config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 60 * time.Second
	}
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// authenticate validates the bearer token on /v1 requests.
// With no token configured, requests pass through (local development).
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if g.config.AuthToken == "" {
			return next(c)
		}
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(g.config.AuthToken)) != 1 {
			return c.AbortUnauthorized("invalid token")
		}
		return next(c)
	}
}
