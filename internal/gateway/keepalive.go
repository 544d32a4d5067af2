// ABOUTME: Keepalive tick timer and independent liveness probe.
// ABOUTME: The probe is the only path that detects a peer that vanished without a close frame.

package gateway

import "github.com/Axnjr/simplestclaw/internal/protocol"

// startKeepaliveLocked arms both periodic timers. Arming through the
// scheduler replaces any previous handle, so reconnects can never leave
// them double-armed. Must be called with c.mu held.
func (c *Client) startKeepaliveLocked() {
	c.timers.Every("keepalive", c.keepalive, c.sendTick)
	c.timers.Every("liveness", c.cfg.LivenessInterval, c.livenessProbe)
}

// sendTick sends a fire-and-forget tick request. No response is awaited;
// the eventual res frame matches no pending entry and is dropped by the
// multiplexer. When not connected this is a no-op pulse.
func (c *Client) sendTick() {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return
	}
	id := c.newRequestIDLocked()
	conn := c.conn
	c.mu.Unlock()

	frame := protocol.Frame{
		Type:   protocol.TypeRequest,
		ID:     id,
		Method: protocol.MethodTick,
	}
	if err := c.writeFrame(conn, frame); err != nil {
		c.logger.Debug("keepalive tick failed", "error", err)
	}
}

// livenessProbe checks that a session claiming to be connected still has
// an open socket underneath it. A failed control ping means the peer
// dropped us silently: force the disconnect path, which schedules a
// reconnect if enabled.
func (c *Client) livenessProbe() {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	err := c.liveCheckLocked()
	if err == nil {
		c.mu.Unlock()
		return
	}
	post := c.forceDisconnectLocked("connection lost (liveness probe)")
	c.mu.Unlock()

	c.logger.Warn("liveness probe found dead socket", "error", err)
	post()
}
