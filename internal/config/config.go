// ABOUTME: Configuration loading and parsing for switchboard
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a field is left empty.
const (
	DefaultHTTPAddr          = "127.0.0.1:7777"
	DefaultEngineBinary      = "claude"
	DefaultStatusOutputLines = 5
	DefaultMaxActivity       = 200
	DefaultDedupeTTL         = 5 * time.Minute
	DefaultDedupeMax         = 10000
)

// Config represents the complete switchboard configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Engine      EngineConfig      `yaml:"engine" toml:"engine"`
	Coordinator CoordinatorConfig `yaml:"coordinator" toml:"coordinator"`
	Activity    ActivityConfig    `yaml:"activity" toml:"activity"`
	Commands    CommandsConfig    `yaml:"commands" toml:"commands"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Notify      NotifyConfig      `yaml:"notify" toml:"notify"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// PublicURL is the base URL the engine uses to reach the MCP endpoint.
	// Derived from http_addr when empty.
	PublicURL      string   `yaml:"public_url" toml:"public_url"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// EngineConfig configures the agent CLI that runs workers and the coordinator.
type EngineConfig struct {
	Binary           string   `yaml:"binary" toml:"binary"`
	Model            string   `yaml:"model" toml:"model"`
	APIKey           string   `yaml:"api_key" toml:"api_key"`
	WorkerTools      []string `yaml:"worker_tools" toml:"worker_tools"`
	CoordinatorTools []string `yaml:"coordinator_tools" toml:"coordinator_tools"`
	MaxTurns         int      `yaml:"max_turns" toml:"max_turns"`
	ExtraArgs        []string `yaml:"extra_args" toml:"extra_args"`
}

// CoordinatorConfig holds coordinator tuning
type CoordinatorConfig struct {
	StatusOutputLines int    `yaml:"status_output_lines" toml:"status_output_lines"`
	SystemPromptFile  string `yaml:"system_prompt_file" toml:"system_prompt_file"`
}

// ActivityConfig bounds the activity log
type ActivityConfig struct {
	MaxEntries int `yaml:"max_entries" toml:"max_entries"`
}

// CommandsConfig controls request_id deduplication of operator commands
type CommandsConfig struct {
	DedupeTTL time.Duration `yaml:"-" toml:"-"`
	DedupeMax int           `yaml:"dedupe_max" toml:"dedupe_max"`

	// Raw string value for unmarshaling
	DedupeTTLRaw string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// NotifyConfig holds outbound notification integrations
type NotifyConfig struct {
	Matrix MatrixConfig `yaml:"matrix" toml:"matrix"`
}

// MatrixConfig holds Matrix notification configuration
type MatrixConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Homeserver  string `yaml:"homeserver" toml:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	AccessToken string `yaml:"access_token" toml:"access_token"`
	RoomID      string `yaml:"room_id" toml:"room_id"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes, applies defaults, and validates the result.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = c.derivePublicURL()
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")
	c.Database.Path = expandHome(c.Database.Path)
	if c.Engine.Binary == "" {
		c.Engine.Binary = DefaultEngineBinary
	}
	if c.Coordinator.StatusOutputLines <= 0 {
		c.Coordinator.StatusOutputLines = DefaultStatusOutputLines
	}
	if c.Activity.MaxEntries <= 0 {
		c.Activity.MaxEntries = DefaultMaxActivity
	}
	if c.Commands.DedupeTTL <= 0 {
		c.Commands.DedupeTTL = DefaultDedupeTTL
	}
	if c.Commands.DedupeMax <= 0 {
		c.Commands.DedupeMax = DefaultDedupeMax
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) derivePublicURL() string {
	if c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return "http://" + c.Tailscale.Hostname
	}
	addr := c.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") || strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "127.0.0.1:" + addr[strings.LastIndex(addr, ":")+1:]
	}
	return "http://" + addr
}

// MCPBaseURL is the URL prefix the coordinator's engine uses to reach its tools.
func (c *Config) MCPBaseURL() string {
	return c.Server.PublicURL + "/mcp"
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Engine.APIKey == "" {
		return fmt.Errorf("engine.api_key is required (usually ${ANTHROPIC_API_KEY})")
	}

	if c.Engine.MaxTurns < 0 {
		return fmt.Errorf("engine.max_turns must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}

	if m := c.Notify.Matrix; m.Enabled {
		switch {
		case m.Homeserver == "":
			return fmt.Errorf("notify.matrix.homeserver is required when matrix is enabled")
		case m.UserID == "":
			return fmt.Errorf("notify.matrix.user_id is required when matrix is enabled")
		case m.AccessToken == "":
			return fmt.Errorf("notify.matrix.access_token is required when matrix is enabled")
		case m.RoomID == "":
			return fmt.Errorf("notify.matrix.room_id is required when matrix is enabled")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Commands.DedupeTTLRaw != "" {
		d, err := time.ParseDuration(cfg.Commands.DedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe_ttl %q: %w", cfg.Commands.DedupeTTLRaw, err)
		}
		cfg.Commands.DedupeTTL = d
	}
	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// DefaultPath returns the config path to use when none is given.
// Priority: SWITCHBOARD_CONFIG env var > XDG_CONFIG_HOME/switchboard/config.yaml > ~/.config/switchboard/config.yaml
func DefaultPath() string {
	if p := os.Getenv("SWITCHBOARD_CONFIG"); p != "" {
		return p
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "switchboard", "config.yaml")
}
