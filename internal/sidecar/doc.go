// ABOUTME: Package documentation for the gateway sidecar supervisor.
// ABOUTME: Describes process lifecycle and the auth token handoff.

// Package sidecar launches and supervises the openclaw gateway process on
// behalf of the desktop client.
//
// # Lifecycle
//
// Start spawns `openclaw gateway --port N --allow-unconfigured` with the
// Anthropic API key and a freshly generated auth token in its
// environment, and returns the connection Info the gateway client dials
// with. Start is idempotent while the process lives; a child that exited
// is reaped and relaunched. Stop kills and waits. Status re-checks the
// process itself, so a crashed gateway is reported as stopped.
//
// The gateway binary is resolved from PATH, falling back to the common
// npm global install locations.
package sidecar
