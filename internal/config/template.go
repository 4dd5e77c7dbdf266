// ABOUTME: Commented default configuration written by `switchboard init`
// ABOUTME: Kept in sync with the fields and defaults in config.go

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Template is the default YAML configuration.
const Template = `# switchboard configuration
server:
  http_addr: "127.0.0.1:7777"
  # public_url: "http://127.0.0.1:7777"   # base URL the engine uses for /mcp
  allowed_origins: []

tailscale:
  enabled: false
  hostname: "switchboard"
  auth_key: "${TS_AUTHKEY}"
  ephemeral: false

database:
  path: "~/.local/share/switchboard/switchboard.db"

engine:
  binary: "claude"
  api_key: "${ANTHROPIC_API_KEY}"
  # model: ""
  # max_turns: 0
  worker_tools: [Read, Write, Edit, Bash, Glob, Grep, AskUserQuestion]
  coordinator_tools: []

coordinator:
  status_output_lines: 5
  # system_prompt_file: ""

activity:
  max_entries: 200

commands:
  dedupe_ttl: "5m"
  dedupe_max: 10000

logging:
  level: "info"   # debug, info, warn, error
  format: "text"  # text, json

notify:
  matrix:
    enabled: false
    homeserver: "https://matrix.org"
    user_id: "@switchboard:matrix.org"
    access_token: "${MATRIX_ACCESS_TOKEN}"
    room_id: ""
`

// WriteTemplate writes Template to path, creating parent directories.
// An existing file is never overwritten.
func WriteTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	if _, err := f.WriteString(Template); err != nil {
		f.Close()
		return fmt.Errorf("writing config file: %w", err)
	}
	return f.Close()
}
