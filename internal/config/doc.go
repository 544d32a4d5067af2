// Package config handles configuration loading for simplestclaw.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults; a
// missing file is not an error, it yields the defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from SIMPLESTCLAW_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/simplestclaw/config.yaml
//  3. ~/.config/simplestclaw/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	sidecar:
//	  api_key: "${ANTHROPIC_API_KEY}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	gateway:
//	  reconnect_delay: "3s"
package config
