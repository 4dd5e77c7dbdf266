// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:9000"
  allowed_origins: ["http://localhost:5173"]

database:
  path: "./test.db"

engine:
  binary: "/usr/local/bin/claude"
  model: "sonnet"
  api_key: "sk-test"
  worker_tools: [Read, Bash]
  coordinator_tools: [WebSearch]
  max_turns: 40

coordinator:
  status_output_lines: 8

activity:
  max_entries: 50

commands:
  dedupe_ttl: "90s"
  dedupe_max: 100

logging:
  level: "debug"
  format: "json"

notify:
  matrix:
    enabled: true
    homeserver: "https://matrix.example.org"
    user_id: "@bot:example.org"
    access_token: "tok"
    room_id: "!room:example.org"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:9000" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Server.PublicURL != "http://127.0.0.1:9000" {
		t.Errorf("Server.PublicURL = %q, want derived loopback URL", cfg.Server.PublicURL)
	}
	if cfg.MCPBaseURL() != "http://127.0.0.1:9000/mcp" {
		t.Errorf("MCPBaseURL() = %q", cfg.MCPBaseURL())
	}
	if len(cfg.Server.AllowedOrigins) != 1 {
		t.Errorf("AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Engine.Binary != "/usr/local/bin/claude" || cfg.Engine.Model != "sonnet" || cfg.Engine.MaxTurns != 40 {
		t.Errorf("Engine = %+v", cfg.Engine)
	}
	if strings.Join(cfg.Engine.WorkerTools, ",") != "Read,Bash" {
		t.Errorf("WorkerTools = %v", cfg.Engine.WorkerTools)
	}
	if cfg.Coordinator.StatusOutputLines != 8 {
		t.Errorf("StatusOutputLines = %d", cfg.Coordinator.StatusOutputLines)
	}
	if cfg.Activity.MaxEntries != 50 {
		t.Errorf("Activity.MaxEntries = %d", cfg.Activity.MaxEntries)
	}
	if cfg.Commands.DedupeTTL != 90*time.Second || cfg.Commands.DedupeMax != 100 {
		t.Errorf("Commands = %+v", cfg.Commands)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.Notify.Matrix.Enabled || cfg.Notify.Matrix.RoomID != "!room:example.org" {
		t.Errorf("Notify.Matrix = %+v", cfg.Notify.Matrix)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
database:
  path: "./test.db"
engine:
  api_key: "sk-test"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, DefaultHTTPAddr)
	}
	if cfg.Engine.Binary != DefaultEngineBinary {
		t.Errorf("Engine.Binary = %q", cfg.Engine.Binary)
	}
	if cfg.Coordinator.StatusOutputLines != DefaultStatusOutputLines {
		t.Errorf("StatusOutputLines = %d", cfg.Coordinator.StatusOutputLines)
	}
	if cfg.Activity.MaxEntries != DefaultMaxActivity {
		t.Errorf("MaxEntries = %d", cfg.Activity.MaxEntries)
	}
	if cfg.Commands.DedupeTTL != DefaultDedupeTTL || cfg.Commands.DedupeMax != DefaultDedupeMax {
		t.Errorf("Commands = %+v", cfg.Commands)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[server]
http_addr = "127.0.0.1:8123"
public_url = "https://switchboard.example.com/"

[database]
path = "./test.db"

[engine]
api_key = "sk-toml"
worker_tools = ["Read"]

[commands]
dedupe_ttl = "2m"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.APIKey != "sk-toml" {
		t.Errorf("APIKey = %q", cfg.Engine.APIKey)
	}
	if cfg.Server.PublicURL != "https://switchboard.example.com" {
		t.Errorf("PublicURL = %q, want trailing slash trimmed", cfg.Server.PublicURL)
	}
	if cfg.Commands.DedupeTTL != 2*time.Minute {
		t.Errorf("DedupeTTL = %v", cfg.Commands.DedupeTTL)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_SWITCHBOARD_KEY", "sk-from-env")
	t.Setenv("TEST_SWITCHBOARD_DB", "/tmp/from-env.db")

	path := writeConfig(t, "config.yaml", `
database:
  path: "${TEST_SWITCHBOARD_DB}"
engine:
  api_key: "${TEST_SWITCHBOARD_KEY}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q", cfg.Engine.APIKey)
	}
	if cfg.Database.Path != "/tmp/from-env.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
}

func TestLoad_MissingAPIKeyIsFatal(t *testing.T) {
	t.Setenv("TEST_SWITCHBOARD_UNSET", "")
	path := writeConfig(t, "config.yaml", `
database:
  path: "./test.db"
engine:
  api_key: "${TEST_SWITCHBOARD_UNSET}"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing engine credential")
	}
	if !strings.Contains(err.Error(), "engine.api_key") {
		t.Errorf("error = %v, want mention of engine.api_key", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", "server: [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_UnknownYAMLField(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
database:
  path: "./test.db"
engine:
  api_key: "k"
  api_kye: "typo"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
database:
  path: "./test.db"
engine:
  api_key: "k"
commands:
  dedupe_ttl: "soon"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected duration error")
	}
	if !strings.Contains(err.Error(), "dedupe_ttl") {
		t.Errorf("error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Server:   ServerConfig{HTTPAddr: "127.0.0.1:7777"},
			Database: DatabaseConfig{Path: "x.db"},
			Engine:   EngineConfig{APIKey: "k"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no http addr", mutate: func(c *Config) { c.Server.HTTPAddr = "" }, wantErr: "server.http_addr"},
		{name: "tailscale without addr", mutate: func(c *Config) {
			c.Server.HTTPAddr = ""
			c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "sb"}
		}},
		{name: "tailscale without hostname", mutate: func(c *Config) { c.Tailscale.Enabled = true }, wantErr: "tailscale.hostname"},
		{name: "no database", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: "database.path"},
		{name: "negative turns", mutate: func(c *Config) { c.Engine.MaxTurns = -1 }, wantErr: "max_turns"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging.level"},
		{name: "matrix without room", mutate: func(c *Config) {
			c.Notify.Matrix = MatrixConfig{Enabled: true, Homeserver: "h", UserID: "u", AccessToken: "t"}
		}, wantErr: "room_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_EXPAND_A", "alpha")
	got := expandEnvVars("x=${TEST_EXPAND_A} y=${TEST_EXPAND_MISSING_VAR}")
	if got != "x=alpha y=" {
		t.Errorf("expandEnvVars() = %q", got)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("SWITCHBOARD_CONFIG", "/etc/switchboard.yaml")
	if got := DefaultPath(); got != "/etc/switchboard.yaml" {
		t.Errorf("DefaultPath() = %q", got)
	}

	t.Setenv("SWITCHBOARD_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "switchboard", "config.yaml") {
		t.Errorf("DefaultPath() = %q", got)
	}
}

func TestWriteTemplate_LoadsWithKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-template")
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	if err := WriteTemplate(path); err != nil {
		t.Fatalf("WriteTemplate() error = %v", err)
	}
	if err := WriteTemplate(path); err == nil {
		t.Fatal("expected second WriteTemplate to refuse overwrite")
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(template) error = %v", err)
	}
	if cfg.Engine.APIKey != "sk-template" {
		t.Errorf("APIKey = %q", cfg.Engine.APIKey)
	}
	if !strings.HasSuffix(cfg.Database.Path, filepath.Join(".local", "share", "switchboard", "switchboard.db")) {
		t.Errorf("Database.Path = %q, want home-expanded", cfg.Database.Path)
	}
}
