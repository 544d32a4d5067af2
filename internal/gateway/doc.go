// ABOUTME: Package documentation for the gateway client.
// ABOUTME: Covers the session model, the two chat streams, and failure recovery.

// Package gateway implements the OpenClaw gateway protocol client: a
// long-lived WebSocket session that performs the authenticated handshake,
// multiplexes RPC calls over the single socket, reconciles the chat event
// streams, and keeps the connection alive over unreliable networks.
//
// # Session
//
// A Client owns at most one socket. Connect dials and completes the
// challenge/connect/hello handshake; the returned error reflects the
// handshake outcome, not just the dial:
//
//	client := gateway.New(gateway.Config{URL: info.URL, Token: info.Token, AutoReconnect: true}, logger)
//	client.SetHandlers(gateway.Handlers{Message: onMessage})
//	if err := client.Connect(ctx); err != nil { ... }
//
// Reconnection reuses the Client; session fields are reset in place.
//
// # Requests
//
// Request correlates responses by id and enforces a 30s advisory timeout.
// SendMessage layers the chat turn protocol on top: the chat.send response
// carries a run id, and the turn then resolves from two independent event
// streams, content-delivery ("agent" events) and state transitions
// ("chat" events), in whatever order they arrive. Resolution removes the
// turn entry first, which makes it idempotent under racing streams.
//
// # Failure recovery
//
// Silent peer death is caught by a 5s liveness probe (a control ping on
// the socket). Dead connections transition the session to disconnected and
// arm a single reconnect timer; a rejected handshake moves the session to
// the error state, which suppresses reconnection entirely.
package gateway
