// ABOUTME: Request/response multiplexer over the single gateway socket.
// ABOUTME: Correlates responses by id, enforces per-request timeouts, owns the pending table.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Axnjr/simplestclaw/internal/protocol"
)

type requestResult struct {
	payload json.RawMessage
	err     error
}

// pendingRequest is one in-flight RPC. It lives in the pending table from
// send until matching response, timeout, or teardown, whichever removes
// it first. The done channel is buffered so the single resolver never
// blocks.
type pendingRequest struct {
	id      string
	created time.Time
	done    chan requestResult
}

// newRequestIDLocked builds a correlation id: a monotonic counter plus the
// per-connection suffix. Must be called with c.mu held.
func (c *Client) newRequestIDLocked() string {
	c.nextID++
	return fmt.Sprintf("%d-%s", c.nextID, c.idSuffix)
}

// Request issues an RPC and waits for its response. It fails fast with
// ErrNotConnected unless the session is connected, and re-validates the
// live socket before sending: a peer can close a connection without the
// close event being delivered promptly, and a request must fail rather
// than hang on a dead socket.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s params: %w", method, err)
		}
		raw = data
	}

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot send %s", ErrNotConnected, method)
	}
	if err := c.liveCheckLocked(); err != nil {
		post := c.forceDisconnectLocked("socket no longer open")
		c.mu.Unlock()
		c.logger.Warn("request found dead socket", "method", method, "error", err)
		post()
		return nil, fmt.Errorf("%w: socket no longer open: %v", ErrNotConnected, err)
	}

	id := c.newRequestIDLocked()
	entry := &pendingRequest{
		id:      id,
		created: time.Now(),
		done:    make(chan requestResult, 1),
	}
	c.pending[id] = entry
	conn := c.conn
	timeout := c.cfg.RequestTimeout
	c.mu.Unlock()

	// Advisory: releases the waiting caller, does not cancel anything on
	// the wire.
	c.timers.After("request:"+id, timeout, func() {
		if e := c.takePending(id); e != nil {
			e.done <- requestResult{err: fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, timeout)}
		}
	})

	frame := protocol.Frame{
		Type:   protocol.TypeRequest,
		ID:     id,
		Method: method,
		Params: raw,
	}
	if err := c.writeFrame(conn, frame); err != nil {
		c.takePending(id)
		return nil, fmt.Errorf("%w: sending %s: %v", ErrTransport, method, err)
	}

	select {
	case res := <-entry.done:
		return res.payload, res.err
	case <-ctx.Done():
		c.takePending(id)
		return nil, ctx.Err()
	}
}

// takePending removes and returns the pending entry for id, or nil if it
// was already removed. At most one caller ever gets the entry, which is
// what makes double completion impossible.
func (c *Client) takePending(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.takePendingLocked(id)
}

func (c *Client) takePendingLocked(id string) *pendingRequest {
	entry, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	c.timers.Stop("request:" + id)
	return entry
}
