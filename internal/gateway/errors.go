// ABOUTME: Error taxonomy for the gateway client.
// ABOUTME: Sentinel errors matched with errors.Is, wrapped with context at call sites.

package gateway

import "errors"

// Client errors. Transport- and timer-detected failures that indicate a
// dead connection force a local state transition; these sentinels are what
// the specific waiting caller observes.
var (
	// ErrNotConnected indicates an RPC was attempted while the session
	// is not in the connected state.
	ErrNotConnected = errors.New("not connected to gateway")

	// ErrTransport indicates a socket-level failure.
	ErrTransport = errors.New("gateway transport error")

	// ErrHandshakeRejected indicates the gateway declined the connect
	// request. Terminal for the session: no auto-reconnect.
	ErrHandshakeRejected = errors.New("gateway rejected handshake")

	// ErrRequestTimeout indicates no response arrived within the request
	// timeout. The timer is advisory: it releases the caller, it does not
	// cancel anything on the wire.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrChatTimeout indicates a chat turn saw neither terminal state nor
	// resolution within the chat timeout.
	ErrChatTimeout = errors.New("chat turn timed out")

	// ErrChatFailed indicates the gateway reported an error state for a run.
	ErrChatFailed = errors.New("chat failed")
)
