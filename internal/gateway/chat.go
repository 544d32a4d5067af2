// ABOUTME: Chat completion reconciler: merges the content and state event streams.
// ABOUTME: Resolves exactly one message per run id regardless of event arrival order.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Axnjr/simplestclaw/internal/protocol"
)

type turnResult struct {
	content string
	err     error
}

// Bounds on the early-event buffer. Runs that never register are cleared
// on disconnect; the caps keep a misbehaving gateway from growing the
// buffer without bound.
const (
	earlyEventsPerRun = 16
	earlyRunLimit     = 64
)

// earlyEvent is a run event that arrived before its turn entered the
// table. The read loop races the SendMessage caller: the chat.send
// response and the run's first events can be dispatched back-to-back, so
// events for a not-yet-registered run are buffered and replayed at
// registration instead of being dropped.
type earlyEvent struct {
	agent *protocol.AgentEvent
	chat  *protocol.ChatEvent
}

// chatTurn is one outstanding chat send, keyed by the server-assigned run
// id. Content is last-write-wins. Resolution is event-triggered: content
// arriving after the terminal flag resolves, and a terminal state arriving
// after content resolves. A terminal state that itself carries the first
// content defers until the content stream confirms it.
type chatTurn struct {
	runID     string
	content   string
	finalSeen bool
	done      chan turnResult
}

// applyContent folds one content-delivery observation into the turn.
// Non-empty text overwrites the buffer; the return value says whether the
// turn is now resolvable.
func (t *chatTurn) applyContent(text string) bool {
	if text == "" {
		return false
	}
	t.content = text
	return t.finalSeen
}

// applyState folds one state-transition observation into the turn.
// delta overwrites content when supplied; final additionally sets the
// terminal flag, resolving only when content had already arrived before
// it. Unknown states (intermediate phase boundaries) are ignored. Error
// states are handled by the caller, not here.
func (t *chatTurn) applyState(state, text string) bool {
	switch state {
	case protocol.ChatStateDelta:
		if text != "" {
			t.content = text
		}
		return t.finalSeen && t.content != ""
	case protocol.ChatStateFinal:
		resolvable := t.content != ""
		if text != "" {
			t.content = text
		}
		t.finalSeen = true
		return resolvable
	default:
		return false
	}
}

// SendMessage sends one chat turn and waits for the reconciled reply. The
// request carries a fresh idempotency key and the active session key; the
// returned run id keys the pending turn until resolution, failure, or the
// chat timeout.
func (c *Client) SendMessage(ctx context.Context, text string) (*Message, error) {
	c.mu.Lock()
	sessionKey := c.sessionKey
	c.mu.Unlock()

	params := protocol.ChatSendParams{
		SessionKey:     sessionKey,
		Message:        text,
		IdempotencyKey: uuid.NewString(),
	}
	payload, err := c.Request(ctx, protocol.MethodChatSend, params)
	if err != nil {
		return nil, err
	}

	var result protocol.ChatSendResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("%w: unparsable chat.send payload: %v", ErrChatFailed, err)
	}
	if result.RunID == "" {
		return nil, fmt.Errorf("%w: chat.send returned no run id", ErrChatFailed)
	}

	turn, live := c.registerTurn(result.RunID)

	c.logger.Debug("chat turn started", "run_id", result.RunID, "session_key", sessionKey)

	if live {
		timeout := c.cfg.ChatTimeout
		c.timers.After("turn:"+result.RunID, timeout, func() {
			if t := c.takeTurn(result.RunID); t != nil {
				c.logger.Warn("chat turn timed out",
					"run_id", result.RunID,
					"timeout", timeout,
					"transport_state", string(c.State()),
				)
				t.done <- turnResult{err: fmt.Errorf("%w: run %s after %s", ErrChatTimeout, result.RunID, timeout)}
			}
		})
	}

	select {
	case res := <-turn.done:
		if res.err != nil {
			return nil, res.err
		}
		return &Message{
			ID:        "msg_" + result.RunID,
			Role:      "assistant",
			Content:   res.content,
			Timestamp: time.Now(),
		}, nil
	case <-ctx.Done():
		c.takeTurn(result.RunID)
		return nil, ctx.Err()
	}
}

// registerTurn enters a fresh turn into the table, then replays any
// events the read loop buffered for the run before registration. Reports
// whether the turn is still pending afterwards; a replayed terminal event
// may have settled it already, in which case the result sits buffered in
// turn.done.
func (c *Client) registerTurn(runID string) (*chatTurn, bool) {
	turn := &chatTurn{runID: runID, done: make(chan turnResult, 1)}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.turns[runID] = turn
	for _, ev := range c.early[runID] {
		if _, pending := c.turns[runID]; !pending {
			break
		}
		switch {
		case ev.agent != nil:
			c.applyAgentEventLocked(turn, *ev.agent)
		case ev.chat != nil:
			c.applyChatEventLocked(turn, *ev.chat)
		}
	}
	delete(c.early, runID)

	_, pending := c.turns[runID]
	return turn, pending
}

// bufferEarlyLocked stashes an event for a run with no registered turn.
// Events for already resolved runs are expected stragglers and dropped.
func (c *Client) bufferEarlyLocked(runID string, ev earlyEvent) {
	if c.seen.Check(runID) {
		return
	}
	events, known := c.early[runID]
	if len(events) >= earlyEventsPerRun {
		return
	}
	if !known && len(c.early) >= earlyRunLimit {
		c.logger.Debug("early-event buffer full, dropping event", "run_id", runID)
		return
	}
	c.early[runID] = append(events, ev)
}

// handleAgentEvent processes the content-delivery stream. Only non-empty
// assistant text matters; lifecycle phases and tool chatter never resolve
// a turn.
func (c *Client) handleAgentEvent(ev protocol.AgentEvent) {
	if ev.Stream != protocol.StreamAssistant || ev.Data.Text == "" {
		return
	}

	c.mu.Lock()
	turn, ok := c.turns[ev.RunID]
	if !ok {
		c.bufferEarlyLocked(ev.RunID, earlyEvent{agent: &ev})
		c.mu.Unlock()
		return
	}
	c.applyAgentEventLocked(turn, ev)
	c.mu.Unlock()
}

// handleChatEvent processes the state-transition stream.
func (c *Client) handleChatEvent(ev protocol.ChatEvent) {
	c.mu.Lock()
	turn, ok := c.turns[ev.RunID]
	if !ok {
		c.bufferEarlyLocked(ev.RunID, earlyEvent{chat: &ev})
		c.mu.Unlock()
		return
	}
	c.applyChatEventLocked(turn, ev)
	c.mu.Unlock()
}

// applyAgentEventLocked folds one content-delivery observation into a
// registered turn. Must be called with c.mu held.
func (c *Client) applyAgentEventLocked(turn *chatTurn, ev protocol.AgentEvent) {
	if turn.applyContent(ev.Data.Text) {
		c.resolveTurnLocked(turn)
	}
}

// applyChatEventLocked folds one state-transition observation into a
// registered turn. Must be called with c.mu held.
func (c *Client) applyChatEventLocked(turn *chatTurn, ev protocol.ChatEvent) {
	switch ev.State {
	case protocol.ChatStateError:
		delete(c.turns, turn.runID)
		c.timers.Stop("turn:" + turn.runID)
		c.seen.Mark(turn.runID)
		msg := "run failed"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		turn.done <- turnResult{err: fmt.Errorf("%w: %s", ErrChatFailed, msg)}

	default:
		if turn.applyState(ev.State, ev.Message.Text()) {
			c.resolveTurnLocked(turn)
		}
	}
}

// resolveTurnLocked finalizes a turn. Removal from the table happens
// first, so a second resolution attempt from the other stream finds
// nothing and is a no-op. Must be called with c.mu held; the buffered
// channel makes the send non-blocking.
func (c *Client) resolveTurnLocked(t *chatTurn) {
	delete(c.turns, t.runID)
	c.timers.Stop("turn:" + t.runID)
	c.seen.Mark(t.runID)
	t.done <- turnResult{content: t.content}
}

// takeTurn removes and returns the pending turn for runID, or nil if it
// was already removed.
func (c *Client) takeTurn(runID string) *chatTurn {
	c.mu.Lock()
	defer c.mu.Unlock()

	turn, ok := c.turns[runID]
	if !ok {
		return nil
	}
	delete(c.turns, runID)
	c.timers.Stop("turn:" + runID)
	return turn
}

// handleChatMessage forwards a complete pushed message to the host.
// Replays after a reconnect are suppressed by the seen cache.
func (c *Client) handleChatMessage(payload protocol.ChatMessagePayload) {
	content := payload.Message.Text()
	if content == "" {
		return
	}

	key := payload.MessageID
	if key == "" {
		key = payload.SessionKey + "\x00" + content
	}
	if c.seen.CheckAndMark("msg:" + key) {
		c.logger.Debug("duplicate chat.message suppressed", "message_id", payload.MessageID)
		return
	}

	id := payload.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	role := "assistant"
	if payload.Message != nil && payload.Message.Role != "" {
		role = payload.Message.Role
	}

	c.mu.Lock()
	onMessage := c.handlers.Message
	c.mu.Unlock()

	if onMessage != nil {
		onMessage(Message{
			ID:        id,
			Role:      role,
			Content:   content,
			Timestamp: time.Now(),
		})
	}
}

// handleToolCall forwards a tool lifecycle update to the host unmodified.
func (c *Client) handleToolCall(event string, payload protocol.ToolCallPayload) {
	status := payload.Status
	if status == "" {
		status = protocol.ToolStatusRunning
		if event == protocol.EventToolCallCompleted {
			status = protocol.ToolStatusCompleted
		}
	}

	c.mu.Lock()
	onToolCall := c.handlers.ToolCall
	c.mu.Unlock()

	if onToolCall != nil {
		onToolCall(ToolCall{
			ID:       payload.ID,
			Name:     payload.Name,
			Status:   status,
			Duration: time.Duration(payload.DurationMs) * time.Millisecond,
		})
	}
}
