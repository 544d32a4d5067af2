// ABOUTME: Package documentation for the gateway wire protocol types.
// ABOUTME: Describes the envelope model and the two chat event streams.

// Package protocol defines the wire types for the OpenClaw gateway
// protocol v3.
//
// # Envelope
//
// Every message on the socket is one JSON text frame of a single shape:
//
//	{type:"req",   id, method, params}
//	{type:"res",   id, ok, payload?, error?}
//	{type:"event", event, payload}
//
// Requests originate from the client and are correlated to responses by
// id. Events are unsolicited and carry their own namespaces: chat and
// agent events are keyed by runId, which is disjoint from request ids.
//
// # Chat streams
//
// A single chat turn is described by two independently-paced streams:
//
//   - "chat" events carry state transitions (delta, final, error) and may
//     include a full message snapshot.
//   - "agent" events carry incremental content, tagged with a stream kind.
//     Only non-empty assistant text is relevant to turn resolution.
//
// The reconciliation of the two streams into one resolved message lives
// in the gateway package; this package only fixes the shapes.
package protocol
