package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jkaninda/mlinzi/internal/schema"
	"github.com/jkaninda/mlinzi/internal/storage"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "mlinzi.yaml", `
server:
  port: 9090
  auth_token: secret
storage:
  driver: sqlite
  sqlite:
    path: /tmp/mlinzi.db
  event_retention: 500
topics:
  - name: sandbox.custom
    compatibility: none
    fields:
      - name: id
        type: uuid
        required: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.AuthToken != "secret" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host default = %s", cfg.Server.Host)
	}
	if cfg.Driver() != storage.DriverSQLite {
		t.Errorf("driver = %s, want sqlite", cfg.Driver())
	}
	if cfg.Storage.Retention() != 500 {
		t.Errorf("retention = %d, want 500", cfg.Storage.Retention())
	}
	if len(cfg.Topics) != 1 || cfg.Topics[0].Mode() != schema.CompatNone {
		t.Errorf("topics = %+v", cfg.Topics)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "mlinzi.json", `{
  "server": {"port": 8081},
  "guard": {"enabled": true, "cost_threshold_usd": 10, "auto_pause": true}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8081 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Guard == nil || !cfg.Guard.Enabled || cfg.Guard.CostThresholdUSD != 10 {
		t.Errorf("guard = %+v", cfg.Guard)
	}
	if cfg.Driver() != storage.DriverMemory {
		t.Errorf("driver = %s, want memory default", cfg.Driver())
	}
}

func TestLoad_EmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Driver() != storage.DriverMemory {
		t.Errorf("defaults: port=%d driver=%s", cfg.Server.Port, cfg.Driver())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MLINZI_AUTH_TOKEN", "env-token")
	t.Setenv("MLINZI_DB_DSN", "postgres://env")

	path := writeConfig(t, "mlinzi.yaml", `
server:
  auth_token: file-token
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.AuthToken != "env-token" {
		t.Errorf("auth token = %s, want env override", cfg.Server.AuthToken)
	}
	if cfg.Driver() != storage.DriverPostgres || cfg.Storage.Postgres.DSN != "postgres://env" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestLoad_InvalidConfigs(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"sqlite without path", "storage:\n  driver: sqlite\n"},
		{"postgres without dsn", "storage:\n  driver: postgres\n"},
		{"unknown driver", "storage:\n  driver: redis\n"},
		{"topic without fields", "topics:\n  - name: t\n"},
		{"topic bad field type", "topics:\n  - name: t\n    fields:\n      - name: f\n        type: blob\n"},
		{"duplicate topics", "topics:\n  - name: t\n    fields:\n      - name: f\n        type: string\n  - name: t\n    fields:\n      - name: f\n        type: string\n"},
		{"bad compatibility", "topics:\n  - name: t\n    compatibility: forward\n    fields:\n      - name: f\n        type: string\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "mlinzi.yaml", tc.content)
			if _, err := Load(path); err == nil {
				t.Error("Load succeeded, want error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/mlinzi.yaml"); err == nil {
		t.Error("Load succeeded for missing file")
	}
}
