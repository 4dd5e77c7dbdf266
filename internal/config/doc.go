// Package config handles configuration loading for switchboard.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from SWITCHBOARD_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/switchboard/config.yaml
//  3. ~/.config/switchboard/config.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR_NAME}. Unset
// variables expand to the empty string:
//
//	engine:
//	  api_key: "${ANTHROPIC_API_KEY}"
//
// # Durations
//
// commands.dedupe_ttl uses time.ParseDuration syntax ("90s", "5m").
//
// # Validation
//
// Load fails when engine.api_key or database.path is missing, when
// server.http_addr is empty without tailscale, when tailscale is enabled
// without a hostname, or when Matrix notifications are enabled without
// homeserver, user, token, and room.
package config
