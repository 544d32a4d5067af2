// ABOUTME: Launches and supervises the openclaw gateway process.
// ABOUTME: Owns start/stop/status and generates the per-launch gateway auth token.

package sidecar

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/Axnjr/simplestclaw/internal/config"
)

// Sidecar errors.
var (
	// ErrNoAPIKey indicates no Anthropic API key is configured. The key is
	// only ever handed to the gateway process environment, never stored.
	ErrNoAPIKey = errors.New("no API key configured")

	// ErrNotFound indicates the openclaw binary could not be located.
	ErrNotFound = errors.New("openclaw not found (install with: npm install -g openclaw)")
)

// Info is the connection info the gateway client needs.
type Info struct {
	// URL is the WebSocket URL, e.g. ws://localhost:18789.
	URL string `json:"url"`

	// Port the gateway is listening on.
	Port int `json:"port"`

	// Token is the auth token passed via OPENCLAW_GATEWAY_TOKEN.
	Token string `json:"token"`
}

// Status reports whether the gateway process is running.
type Status struct {
	Running bool  `json:"running"`
	Info    *Info `json:"info,omitempty"`
}

// Manager supervises at most one gateway process.
type Manager struct {
	logger *slog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{} // closed when the child is reaped
	info *Info
}

// NewManager creates a Manager with no running process.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger.With("component", "sidecar"),
	}
}

// Start launches the gateway if it is not already running. A process that
// exited since the last call is reaped and replaced. Returns the
// connection info for the (possibly pre-existing) process.
func (m *Manager) Start(cfg config.SidecarConfig) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.aliveLocked() {
		return m.info, nil
	}
	m.cmd = nil
	m.info = nil

	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	command := cfg.Command
	if command == "" {
		found, err := findOpenclaw()
		if err != nil {
			return nil, err
		}
		command = found
	}

	port := cfg.Port
	if port == 0 {
		port = config.DefaultPort
	}

	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generating gateway token: %w", err)
	}

	cmd := exec.Command(command,
		"gateway",
		"--port", strconv.Itoa(port),
		"--allow-unconfigured",
	)
	// The API key travels via environment, never the argument list.
	cmd.Env = append(os.Environ(),
		"ANTHROPIC_API_KEY="+cfg.APIKey,
		"OPENCLAW_GATEWAY_TOKEN="+token,
	)
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning gateway: %w", err)
	}

	done := make(chan struct{})
	go func() {
		err := cmd.Wait()
		close(done)
		if err != nil {
			m.logger.Warn("gateway process exited", "error", err)
		} else {
			m.logger.Info("gateway process exited")
		}
	}()

	info := &Info{
		URL:   fmt.Sprintf("ws://localhost:%d", port),
		Port:  port,
		Token: token,
	}
	m.cmd = cmd
	m.done = done
	m.info = info

	m.logger.Info("gateway started", "url", info.URL, "pid", cmd.Process.Pid)
	return info, nil
}

// Stop kills the gateway process and waits for it to terminate.
// A no-op when nothing is running.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmd != nil && m.aliveLocked() {
		if err := m.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("stopping gateway: %w", err)
		}
		<-m.done
		m.logger.Info("gateway stopped")
	}
	m.cmd = nil
	m.info = nil
	return nil
}

// Status re-checks the process itself rather than trusting cached state;
// a crashed gateway is reported as stopped on the first call after death.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.aliveLocked() {
		m.cmd = nil
		m.info = nil
		return Status{Running: false}
	}
	return Status{Running: true, Info: m.info}
}

// aliveLocked reports whether the supervised process is still running.
func (m *Manager) aliveLocked() bool {
	if m.cmd == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// findOpenclaw locates the openclaw binary: PATH first, then the common
// npm global install locations.
func findOpenclaw() (string, error) {
	if path, err := exec.LookPath("openclaw"); err == nil {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	candidates := []string{
		filepath.Join(home, ".npm-global", "bin", "openclaw"),
		filepath.Join(home, "node_modules", ".bin", "openclaw"),
		"/usr/local/bin/openclaw",
		"/opt/homebrew/bin/openclaw",
	}
	for _, candidate := range candidates {
		if home == "" && !filepath.IsAbs(candidate) {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", ErrNotFound
}

// generateToken returns a fresh gateway auth token.
func generateToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "sclw-" + hex.EncodeToString(buf), nil
}
