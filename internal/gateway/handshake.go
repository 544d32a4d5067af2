// ABOUTME: Version-negotiated authenticated connect sequence for the gateway session.
// ABOUTME: challenge -> connect request -> hello, gated by an explicit session phase.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Axnjr/simplestclaw/internal/protocol"
)

// phase tracks where the session is in its lifecycle. Frame routing
// consults the phase instead of swapping message handlers, so an error
// mid-handshake can never orphan the dispatcher.
type phase int

const (
	phaseIdle phase = iota
	phaseAwaitingChallenge
	phaseAwaitingHello
	phaseReady
)

// handshake is one in-flight connect attempt. Completion is broadcast by
// closing done; every Connect caller waiting on the attempt observes the
// same outcome.
type handshake struct {
	requestID string

	once sync.Once
	err  error
	done chan struct{}
}

func newHandshake() *handshake {
	return &handshake{done: make(chan struct{})}
}

// finish records the outcome exactly once.
func (h *handshake) finish(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// wait blocks until the attempt completes or the context is cancelled.
// A cancelled wait does not abort the attempt itself.
func (h *handshake) wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendConnect answers the gateway's connect.challenge with the connect
// request. Runs on the read loop.
func (c *Client) sendConnect() {
	params := protocol.ConnectParams{
		MinProtocol: protocol.Version,
		MaxProtocol: protocol.Version,
		Client: protocol.ClientInfo{
			ID:       c.cfg.ClientID,
			Version:  c.cfg.ClientVersion,
			Platform: platform(),
			Mode:     "ui",
		},
		Role:      "operator",
		Scopes:    c.cfg.Scopes,
		Caps:      []string{},
		Locale:    c.cfg.Locale,
		UserAgent: c.cfg.ClientID + "/" + c.cfg.ClientVersion,
	}
	if c.cfg.Token != "" {
		params.Auth = &protocol.AuthParams{Token: c.cfg.Token}
	}

	raw, err := json.Marshal(params)
	if err != nil {
		c.failHandshake(fmt.Sprintf("marshaling connect params: %v", err))
		return
	}

	c.mu.Lock()
	if c.hs == nil || c.phase != phaseAwaitingChallenge {
		c.mu.Unlock()
		return
	}
	id := c.newRequestIDLocked()
	c.hs.requestID = id
	c.phase = phaseAwaitingHello
	conn := c.conn
	c.mu.Unlock()

	c.logger.Debug("received connect.challenge, sending connect", "id", id)

	frame := protocol.Frame{
		Type:   protocol.TypeRequest,
		ID:     id,
		Method: protocol.MethodConnect,
		Params: raw,
	}
	if err := c.writeFrame(conn, frame); err != nil {
		c.failHandshake(fmt.Sprintf("sending connect: %v", err))
	}
}

// finishHandshake processes the response to the connect request. On
// success the session adopts the server-assigned session key and keepalive
// interval (defaults when absent), starts the keepalive and liveness
// timers, and becomes connected. On rejection the session enters the error
// state, which suppresses auto-reconnect regardless of configuration.
func (c *Client) finishHandshake(frame protocol.Frame) {
	if frame.OK == nil || !*frame.OK {
		msg := "connect rejected"
		if frame.Error != nil && frame.Error.Message != "" {
			msg = frame.Error.Message
		}
		c.rejectHandshake(msg)
		return
	}

	var hello protocol.HelloPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &hello); err != nil {
			// A bad payload must not kill the session; fall back to defaults.
			c.logger.Warn("unparsable hello payload, using defaults", "error", err)
			hello = protocol.HelloPayload{}
		}
	}

	c.mu.Lock()
	hs := c.hs
	if hs == nil {
		c.mu.Unlock()
		return
	}
	c.hs = nil
	c.timers.Stop("handshake")

	if hello.SessionKey != "" {
		c.sessionKey = hello.SessionKey
	}
	c.keepalive = c.cfg.KeepaliveInterval
	if hello.KeepaliveMs > 0 {
		c.keepalive = time.Duration(hello.KeepaliveMs) * time.Millisecond
	}

	c.phase = phaseReady
	c.state = StateConnected
	c.startKeepaliveLocked()

	sessionKey := c.sessionKey
	keepalive := c.keepalive
	onState := c.handlers.StateChange
	c.mu.Unlock()

	c.logger.Info("gateway session established",
		"protocol", protocol.Version,
		"session_key", sessionKey,
		"keepalive", keepalive,
	)

	if onState != nil {
		onState(StateConnected)
	}
	hs.finish(nil)
}

// rejectHandshake handles a server-declined connect. Terminal: the session
// moves to the error state and never auto-reconnects from it.
func (c *Client) rejectHandshake(msg string) {
	cause := fmt.Errorf("%w: %s", ErrHandshakeRejected, msg)

	c.mu.Lock()
	hs := c.hs
	c.hs = nil
	c.timers.Stop("handshake")

	conn := c.conn
	c.conn = nil
	c.connGen++
	c.phase = phaseIdle
	c.state = StateError

	onState := c.handlers.StateChange
	onError := c.handlers.Error
	c.mu.Unlock()

	c.logger.Error("gateway rejected connect", "reason", msg)

	if conn != nil {
		_ = conn.Close()
	}
	if onError != nil {
		onError(cause)
	}
	if onState != nil {
		onState(StateError)
	}
	if hs != nil {
		hs.finish(cause)
	}
}

// failHandshake tears down a connection attempt that died before the hello
// arrived (write failure, timeout). Unlike rejection this is a transport
// failure: the state returns to disconnected.
func (c *Client) failHandshake(reason string) {
	c.mu.Lock()
	if c.hs == nil {
		c.mu.Unlock()
		return
	}
	post := c.forceDisconnectLocked(reason)
	c.mu.Unlock()
	post()
}

// handshakeExpired fires when the handshake timer lapses before the
// session became ready.
func (c *Client) handshakeExpired(gen int) {
	c.mu.Lock()
	if gen != c.connGen || c.hs == nil {
		c.mu.Unlock()
		return
	}
	post := c.forceDisconnectLocked("handshake timed out")
	c.mu.Unlock()

	c.logger.Warn("handshake timed out")
	post()
}
