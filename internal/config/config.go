// Package config handles loading and validating mlinzi configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/mlinzi/internal/ratelimit"
	"github.com/jkaninda/mlinzi/internal/schema"
	"github.com/jkaninda/mlinzi/internal/storage"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for mlinzi.
type Config struct {
	Server        ServerConfig         `json:"server" yaml:"server"`
	Storage       *storage.Config      `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = in-memory default
	Bus           BusConfig            `json:"bus" yaml:"bus"`
	RateLimit     ratelimit.Config     `json:"rate_limit" yaml:"rate_limit"`
	Guard         *GuardConfig         `json:"guard,omitempty" yaml:"guard,omitempty"`                 // nil = budget guard disabled
	Topics        []TopicConfig        `json:"topics,omitempty" yaml:"topics,omitempty"`               // Schemas registered at startup.
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Host          string `json:"host" yaml:"host"`                     // Default: "0.0.0.0"
	Port          int    `json:"port" yaml:"port"`                     // Default: 8080
	AuthToken     string `json:"auth_token" yaml:"auth_token"`         // Bearer token. Empty = no auth. Override: MLINZI_AUTH_TOKEN.
	ReadTimeoutS  int    `json:"read_timeout_s" yaml:"read_timeout_s"` // Default: 15
	WriteTimeoutS int    `json:"write_timeout_s" yaml:"write_timeout_s"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BusConfig configures the event bus.
type BusConfig struct {
	SubscriberQueueSize int `json:"subscriber_queue_size" yaml:"subscriber_queue_size"` // Per-subscriber buffer. Default: 256.
}

// GuardConfig configures the budget guard.
type GuardConfig struct {
	Enabled          bool    `json:"enabled" yaml:"enabled"`
	CostThresholdUSD float64 `json:"cost_threshold_usd" yaml:"cost_threshold_usd"` // Critical threshold. Default: 5.
	WarningPercent   float64 `json:"warning_percent" yaml:"warning_percent"`       // Default: 70.
	CheckSchedule    string  `json:"check_schedule" yaml:"check_schedule"`         // Cron expression. Default: every 15 minutes.
	WindowHours      int     `json:"window_hours" yaml:"window_hours"`             // Default: 24.
	RealertAfterS    int     `json:"realert_after_s" yaml:"realert_after_s"`       // Default: 21600 (6h).
	AutoPause        bool    `json:"auto_pause" yaml:"auto_pause"`                 // Pause sandbox on critical alert.
}

// RealertAfter returns the re-alert suppression period.
func (g *GuardConfig) RealertAfter() time.Duration {
	if g == nil || g.RealertAfterS <= 0 {
		return 6 * time.Hour
	}
	return time.Duration(g.RealertAfterS) * time.Second
}

// TopicConfig declares a topic schema registered at startup.
type TopicConfig struct {
	Name          string         `json:"name" yaml:"name"`
	Compatibility string         `json:"compatibility" yaml:"compatibility"` // "backward" (default) or "none".
	Fields        []schema.Field `json:"fields" yaml:"fields"`
}

// Mode returns the declared compatibility mode, defaulting to backward.
func (t TopicConfig) Mode() schema.CompatibilityMode {
	if t.Compatibility == string(schema.CompatNone) {
		return schema.CompatNone
	}
	return schema.CompatBackward
}

// Schema returns the declared field set as a schema.
func (t TopicConfig) Schema() schema.Schema {
	return schema.Schema{Fields: t.Fields}
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "mlinzi"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// Default returns the zero-config setup: in-memory storage, no auth,
// observability off.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML,
// everything else for JSON. Environment variables take precedence over
// file values. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	// Environment variable overrides — env vars take precedence over config values.
	if envKey := os.Getenv("MLINZI_AUTH_TOKEN"); envKey != "" {
		cfg.Server.AuthToken = envKey
	}
	if envDriver := os.Getenv("MLINZI_STORAGE_DRIVER"); envDriver != "" {
		if cfg.Storage == nil {
			cfg.Storage = &storage.Config{}
		}
		cfg.Storage.Driver = envDriver
	}
	if envDSN := os.Getenv("MLINZI_DB_DSN"); envDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &storage.Config{Driver: storage.DriverPostgres}
		}
		cfg.Storage.Postgres.DSN = envDSN
	}
	if envPath := os.Getenv("MLINZI_SQLITE_PATH"); envPath != "" {
		if cfg.Storage == nil {
			cfg.Storage = &storage.Config{Driver: storage.DriverSQLite}
		}
		cfg.Storage.Sqlite.Path = envPath
	}
	if envEndpoint := os.Getenv("MLINZI_OTLP_ENDPOINT"); envEndpoint != "" {
		if cfg.Observability == nil {
			cfg.Observability = &ObservabilityConfig{}
		}
		if cfg.Observability.Tracing == nil {
			cfg.Observability.Tracing = &TracingConfig{Enabled: true}
		}
		cfg.Observability.Tracing.Endpoint = envEndpoint
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeoutS == 0 {
		c.Server.ReadTimeoutS = 15
	}
	if c.Server.WriteTimeoutS == 0 {
		c.Server.WriteTimeoutS = 15
	}
	if c.Observability != nil && c.Observability.Metrics != nil && c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
}

// Driver returns the configured storage driver, defaulting to in-memory.
func (c *Config) Driver() string {
	if c.Storage != nil && c.Storage.Driver != "" {
		return c.Storage.Driver
	}
	return storage.DriverMemory
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}

	switch driver := c.Driver(); driver {
	case storage.DriverMemory:
	case storage.DriverSQLite:
		if c.Storage.Sqlite.Path == "" {
			return fmt.Errorf("sqlite driver requires storage.sqlite.path")
		}
	case storage.DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("postgres driver requires storage.postgres.dsn")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", driver)
	}

	seen := make(map[string]bool, len(c.Topics))
	for _, t := range c.Topics {
		if t.Name == "" {
			return fmt.Errorf("topic with empty name")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate topic %q", t.Name)
		}
		seen[t.Name] = true
		if t.Compatibility != "" && t.Compatibility != string(schema.CompatBackward) && t.Compatibility != string(schema.CompatNone) {
			return fmt.Errorf("topic %s: unknown compatibility mode %q", t.Name, t.Compatibility)
		}
		if len(t.Fields) == 0 {
			return fmt.Errorf("topic %s: at least one field is required", t.Name)
		}
		for _, f := range t.Fields {
			if f.Name == "" {
				return fmt.Errorf("topic %s: field with empty name", t.Name)
			}
			if !f.Type.Valid() {
				return fmt.Errorf("topic %s: field %s has unknown type %q", t.Name, f.Name, f.Type)
			}
		}
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
