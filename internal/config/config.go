// ABOUTME: Configuration loading and parsing for simplestclaw.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Default gateway port, matching the openclaw gateway CLI default.
const DefaultPort = 18789

// Config represents the complete simplestclaw configuration.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Sidecar SidecarConfig `yaml:"sidecar"`
	Logging LoggingConfig `yaml:"logging"`
}

// GatewayConfig holds the gateway connection configuration.
type GatewayConfig struct {
	// URL is the gateway WebSocket URL. Defaults to ws://localhost:<port>
	// using the sidecar port.
	URL string `yaml:"url"`

	// Token is the bearer token for the gateway. Leave empty when the
	// sidecar generates one at launch.
	Token string `yaml:"token"`

	ClientID      string `yaml:"client_id"`
	SessionKey    string `yaml:"session_key"`
	Locale        string `yaml:"locale"`
	AutoReconnect *bool  `yaml:"auto_reconnect"`

	ReconnectDelay time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	ReconnectDelayRaw string `yaml:"reconnect_delay"`
}

// SidecarConfig holds gateway process launch configuration.
type SidecarConfig struct {
	// AutoStart launches the gateway process before connecting.
	AutoStart *bool `yaml:"auto_start"`

	// Command overrides openclaw binary discovery.
	Command string `yaml:"command"`

	Port int `yaml:"port"`

	// APIKey is passed to the gateway process environment. It is never
	// stored by the client itself.
	APIKey string `yaml:"api_key"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultPath returns the config file location.
// Priority: SIMPLESTCLAW_CONFIG env var > XDG_CONFIG_HOME/simplestclaw/config.yaml > ~/.config/simplestclaw/config.yaml
func DefaultPath() string {
	if envPath := os.Getenv("SIMPLESTCLAW_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "simplestclaw", "config.yaml")
}

// Load reads a configuration file from the given path and returns a parsed
// Config. A missing file yields the defaults, matching the desktop app's
// behavior on first launch. Environment variables in the format
// ${VAR_NAME} are expanded; duration strings are parsed into
// time.Duration values.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.applyDefaults()
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
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

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset fields with their defaults.
func (c *Config) applyDefaults() {
	if c.Sidecar.Port == 0 {
		c.Sidecar.Port = DefaultPort
	}
	if c.Sidecar.AutoStart == nil {
		c.Sidecar.AutoStart = boolPtr(true)
	}
	if c.Gateway.URL == "" {
		c.Gateway.URL = fmt.Sprintf("ws://localhost:%d", c.Sidecar.Port)
	}
	if c.Gateway.ClientID == "" {
		c.Gateway.ClientID = "simplestclaw"
	}
	if c.Gateway.SessionKey == "" {
		c.Gateway.SessionKey = "main"
	}
	if c.Gateway.AutoReconnect == nil {
		c.Gateway.AutoReconnect = boolPtr(true)
	}
	if c.Gateway.ReconnectDelay == 0 {
		c.Gateway.ReconnectDelay = 3 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if c.Sidecar.Port < 1 || c.Sidecar.Port > 65535 {
		return fmt.Errorf("sidecar.port %d is out of range", c.Sidecar.Port)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	if cfg.Gateway.ReconnectDelayRaw != "" {
		d, err := time.ParseDuration(cfg.Gateway.ReconnectDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_delay %q: %w", cfg.Gateway.ReconnectDelayRaw, err)
		}
		cfg.Gateway.ReconnectDelay = d
	}
	return nil
}

func boolPtr(b bool) *bool {
	return &b
}
