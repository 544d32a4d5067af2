// ABOUTME: Reconnection controller: one delayed retry per qualifying disconnect.
// ABOUTME: Retry failures are logged, never rethrown, and never stack a second timer.

package gateway

import "context"

// scheduleReconnectLocked arms a single delayed reconnect attempt. Already
// armed means no-op: reconnect timers never stack. A failed attempt does
// not reschedule itself; the next unexpected close re-enters here through
// the normal path. Must be called with c.mu held.
func (c *Client) scheduleReconnectLocked() {
	if c.reconnectArmed {
		return
	}
	c.reconnectArmed = true
	delay := c.cfg.ReconnectDelay

	c.logger.Info("reconnect scheduled", "delay", delay)

	c.timers.After("reconnect", delay, func() {
		c.mu.Lock()
		c.reconnectArmed = false
		allowed := c.allowReconnect && c.state == StateDisconnected
		c.mu.Unlock()

		if !allowed {
			return
		}
		if err := c.Connect(context.Background()); err != nil {
			c.logger.Warn("reconnect attempt failed", "error", err)
		}
	})
}
