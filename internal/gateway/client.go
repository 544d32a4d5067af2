// ABOUTME: Long-lived WebSocket session client for the OpenClaw gateway.
// ABOUTME: Owns the socket lifecycle, routes inbound frames, and self-heals dead connections.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Axnjr/simplestclaw/internal/dedupe"
	"github.com/Axnjr/simplestclaw/internal/protocol"
)

// State is the session connection state.
type State string

// Session states.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Default timing. The keepalive interval may be overridden by the server
// at handshake; everything else is fixed policy.
const (
	defaultKeepaliveInterval = 15 * time.Second
	defaultLivenessInterval  = 5 * time.Second
	defaultRequestTimeout    = 30 * time.Second
	defaultChatTimeout       = 120 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultReconnectDelay    = 3000 * time.Millisecond
	defaultSessionKey        = "main"

	// How long a control ping may take before the socket is considered dead.
	livenessWriteWait = 2 * time.Second

	seenRunTTL     = 5 * time.Minute
	seenRunMaxSize = 512
)

// Config holds the host-provided client configuration.
type Config struct {
	// URL is the gateway WebSocket URL, e.g. "ws://localhost:18789".
	URL string

	// Token is the optional bearer credential sent during the handshake.
	Token string

	// ClientID identifies this client to the gateway.
	ClientID string

	// ClientVersion is reported in the connect request.
	ClientVersion string

	// Locale is reported in the connect request, e.g. "en-US".
	Locale string

	// SessionKey is the session used until the gateway assigns one.
	SessionKey string

	// Scopes are the capability scopes requested at handshake.
	Scopes []string

	// AutoReconnect enables the reconnection controller.
	AutoReconnect bool

	// ReconnectDelay is the fixed delay before a reconnect attempt.
	ReconnectDelay time.Duration

	// Timeouts. Zero values take the protocol defaults; tests shorten them.
	HandshakeTimeout  time.Duration
	RequestTimeout    time.Duration
	ChatTimeout       time.Duration
	KeepaliveInterval time.Duration
	LivenessInterval  time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.ClientID == "" {
		cfg.ClientID = "simplestclaw"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "dev"
	}
	if cfg.SessionKey == "" {
		cfg.SessionKey = defaultSessionKey
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"operator.admin"}
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ChatTimeout == 0 {
		cfg.ChatTimeout = defaultChatTimeout
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	if cfg.LivenessInterval == 0 {
		cfg.LivenessInterval = defaultLivenessInterval
	}
}

// Handlers is the host-facing callback surface. All callbacks are optional
// and are invoked without the client's lock held; they may call back into
// the client.
type Handlers struct {
	StateChange func(State)
	Message     func(Message)
	ToolCall    func(ToolCall)
	Error       func(error)
	Disconnect  func(reason string)
}

// Message is a resolved chat result.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolCall is a pass-through tool lifecycle update. The client forwards it
// to the host without interpreting it.
type ToolCall struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Client is a gateway protocol session. One Client owns at most one socket
// at a time; reconnection resets the session state in place.
type Client struct {
	cfg    Config
	logger *slog.Logger
	timers *scheduler
	seen   *dedupe.Cache

	// writeMu serializes text-frame writes. Control frames (the liveness
	// ping) are exempt: gorilla allows WriteControl concurrently.
	writeMu sync.Mutex

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	connGen        int
	phase          phase
	hs             *handshake
	sessionKey     string
	keepalive      time.Duration
	nextID         uint64
	idSuffix       string
	pending        map[string]*pendingRequest
	turns          map[string]*chatTurn
	early          map[string][]earlyEvent
	reconnectArmed bool
	allowReconnect bool
	handlers       Handlers
}

// New creates a disconnected client. Call SetHandlers before Connect if the
// host wants callbacks.
func New(cfg Config, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.With("component", "gateway-client"),
		timers:  newScheduler(),
		seen:    dedupe.New(seenRunTTL, seenRunMaxSize),
		state:   StateDisconnected,
		phase:   phaseIdle,
		pending: make(map[string]*pendingRequest),
		turns:   make(map[string]*chatTurn),
		early:   make(map[string][]earlyEvent),
	}
}

// SetHandlers installs the host callbacks.
func (c *Client) SetHandlers(h Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionKey returns the active session key (server-assigned once connected).
func (c *Client) SessionKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionKey
}

// Connect opens the socket and completes the handshake. It returns only
// after the gateway accepted the connect request, not merely after the
// socket opened. Calling Connect while a connection attempt is in flight
// joins that attempt; calling it while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		if hs := c.hs; hs != nil {
			c.mu.Unlock()
			return hs.wait(ctx)
		}
		c.mu.Unlock()
		return nil
	}

	hs := newHandshake()
	c.hs = hs
	c.state = StateConnecting
	c.phase = phaseAwaitingChallenge
	c.sessionKey = c.cfg.SessionKey
	c.allowReconnect = true
	onState := c.handlers.StateChange
	c.mu.Unlock()

	if onState != nil {
		onState(StateConnecting)
	}

	c.logger.Info("connecting to gateway", "url", c.cfg.URL)
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		cause := fmt.Errorf("%w: dialing %s: %v", ErrTransport, c.cfg.URL, err)
		c.mu.Lock()
		c.hs = nil
		c.phase = phaseIdle
		c.state = StateDisconnected
		onState = c.handlers.StateChange
		onError := c.handlers.Error
		c.mu.Unlock()

		hs.finish(cause)
		if onError != nil {
			onError(cause)
		}
		if onState != nil {
			onState(StateDisconnected)
		}
		return cause
	}

	c.mu.Lock()
	if c.hs != hs {
		// Disconnect (or a newer attempt) tore this attempt down while the
		// dial was in flight; hs already carries the outcome.
		c.mu.Unlock()
		_ = conn.Close()
		return hs.wait(ctx)
	}
	c.conn = conn
	c.connGen++
	gen := c.connGen
	c.idSuffix = newIDSuffix()
	c.mu.Unlock()

	// The gateway must send connect.challenge and accept our connect
	// request within this window or the attempt is abandoned.
	c.timers.After("handshake", c.cfg.HandshakeTimeout, func() {
		c.handshakeExpired(gen)
	})

	go c.readLoop(conn, gen)

	return hs.wait(ctx)
}

// Disconnect disables auto-reconnect, cancels all timers, closes the
// socket, and fails anything still pending. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.allowReconnect = false
	c.reconnectArmed = false
	c.timers.StopAll()

	conn := c.conn
	c.conn = nil
	c.connGen++
	c.phase = phaseIdle

	hs := c.hs
	c.hs = nil

	failures := c.takeAllEntriesLocked()

	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	onState := c.handlers.StateChange
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}

	cause := fmt.Errorf("%w: client disconnected", ErrTransport)
	if hs != nil {
		hs.finish(cause)
	}
	for _, fail := range failures {
		fail(cause)
	}
	if changed && onState != nil {
		onState(StateDisconnected)
	}
	c.logger.Info("disconnected from gateway")
}

// readLoop reads frames until the socket dies, then runs the close path.
// A stale generation (socket replaced underneath us) exits silently.
func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		c.dispatch(gen, data)
	}
}

// dispatch parses one inbound text frame and routes it. Malformed JSON is
// logged and dropped; it never terminates the session.
func (c *Client) dispatch(gen int, data []byte) {
	c.mu.Lock()
	stale := gen != c.connGen
	c.mu.Unlock()
	if stale {
		return
	}

	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	switch frame.Type {
	case protocol.TypeResponse:
		c.dispatchResponse(frame)
	case protocol.TypeEvent:
		c.dispatchEvent(frame)
	default:
		c.logger.Debug("ignoring frame", "type", frame.Type)
	}
}

// dispatchResponse routes a res frame: the in-flight handshake request
// first, then the pending-request table. Responses with no matching entry
// (already timed out, or foreign) are silently ignored.
func (c *Client) dispatchResponse(frame protocol.Frame) {
	c.mu.Lock()
	if hs := c.hs; hs != nil && hs.requestID != "" && frame.ID == hs.requestID {
		c.mu.Unlock()
		c.finishHandshake(frame)
		return
	}
	entry := c.takePendingLocked(frame.ID)
	c.mu.Unlock()

	if entry == nil {
		c.logger.Debug("response with no pending request", "id", frame.ID)
		return
	}

	if frame.OK != nil && *frame.OK {
		entry.done <- requestResult{payload: frame.Payload}
		return
	}
	msg := "request failed"
	if frame.Error != nil && frame.Error.Message != "" {
		msg = frame.Error.Message
	}
	entry.done <- requestResult{err: fmt.Errorf("gateway error: %s", msg)}
}

// dispatchEvent routes an event frame by session phase. During the
// handshake only connect.challenge is acted on; everything else waits for
// the session to become live.
func (c *Client) dispatchEvent(frame protocol.Frame) {
	c.mu.Lock()
	ph := c.phase
	c.mu.Unlock()

	if ph != phaseReady {
		if ph == phaseAwaitingChallenge && frame.Event == protocol.EventConnectChallenge {
			c.sendConnect()
			return
		}
		c.logger.Debug("event before session ready", "event", frame.Event, "phase", int(ph))
		return
	}

	switch frame.Event {
	case protocol.EventChat:
		var ev protocol.ChatEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			c.logger.Warn("dropping malformed chat event", "error", err)
			return
		}
		c.handleChatEvent(ev)

	case protocol.EventAgent:
		var ev protocol.AgentEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			c.logger.Warn("dropping malformed agent event", "error", err)
			return
		}
		c.handleAgentEvent(ev)

	case protocol.EventChatMessage:
		var payload protocol.ChatMessagePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			c.logger.Warn("dropping malformed chat.message event", "error", err)
			return
		}
		c.handleChatMessage(payload)

	case protocol.EventToolCallStarted, protocol.EventToolCallCompleted:
		var payload protocol.ToolCallPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			c.logger.Warn("dropping malformed tool call event", "error", err)
			return
		}
		c.handleToolCall(frame.Event, payload)

	case protocol.EventTick, protocol.EventConnectChallenge:
		// Keepalive pulse / duplicate challenge. Nothing to do.

	default:
		c.logger.Debug("unknown event", "event", frame.Event)
	}
}

// handleClose runs when the socket dies unexpectedly. Stops timers, fails
// pending work, transitions to disconnected, and triggers the reconnection
// controller unless reconnect was disabled or the session is in error.
func (c *Client) handleClose(gen int, cause error) {
	reason := closeReason(cause)

	c.mu.Lock()
	if gen != c.connGen {
		c.mu.Unlock()
		return
	}
	post := c.forceDisconnectLocked(reason)
	c.mu.Unlock()

	c.logger.Warn("gateway connection closed", "reason", reason)
	post()
}

// forceDisconnectLocked is the single teardown path for a dead connection.
// It must be called with c.mu held; the returned func runs the side
// effects (socket close, failure delivery, handler notification) and must
// be invoked after unlocking.
func (c *Client) forceDisconnectLocked(reason string) func() {
	c.timers.Stop("keepalive")
	c.timers.Stop("liveness")
	c.timers.Stop("handshake")

	conn := c.conn
	c.conn = nil
	c.connGen++
	c.phase = phaseIdle

	hs := c.hs
	c.hs = nil

	failures := c.takeAllEntriesLocked()

	inError := c.state == StateError
	changed := false
	if !inError && c.state != StateDisconnected {
		c.state = StateDisconnected
		changed = true
	}
	if !inError && c.allowReconnect && c.cfg.AutoReconnect {
		c.scheduleReconnectLocked()
	}

	onState := c.handlers.StateChange
	onDisconnect := c.handlers.Disconnect
	cause := fmt.Errorf("%w: %s", ErrTransport, reason)

	return func() {
		if conn != nil {
			_ = conn.Close()
		}
		if hs != nil {
			hs.finish(cause)
		}
		for _, fail := range failures {
			fail(cause)
		}
		if changed && onState != nil {
			onState(StateDisconnected)
		}
		if onDisconnect != nil {
			onDisconnect(reason)
		}
	}
}

// takeAllEntriesLocked drains the pending-request and pending-turn tables,
// returning one failure func per entry. Removal here is what guarantees no
// entry can also resolve through the normal path.
func (c *Client) takeAllEntriesLocked() []func(error) {
	var failures []func(error)
	for id, entry := range c.pending {
		delete(c.pending, id)
		c.timers.Stop("request:" + id)
		e := entry
		failures = append(failures, func(err error) {
			e.done <- requestResult{err: err}
		})
	}
	for runID, turn := range c.turns {
		delete(c.turns, runID)
		c.timers.Stop("turn:" + runID)
		t := turn
		failures = append(failures, func(err error) {
			t.done <- turnResult{err: err}
		})
	}
	c.early = make(map[string][]earlyEvent)
	return failures
}

// liveCheckLocked re-validates the socket beyond cached session state: a
// peer can drop a connection without a close frame ever being delivered.
// A control ping that cannot be written means the socket is gone.
func (c *Client) liveCheckLocked() error {
	if c.conn == nil {
		return fmt.Errorf("no socket")
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(livenessWriteWait))
}

// writeFrame serializes and writes one frame to the given socket.
func (c *Client) writeFrame(conn *websocket.Conn, frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// closeReason extracts a human-readable reason from a read error.
func closeReason(err error) string {
	if err == nil {
		return "connection closed"
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Text != "" {
			return fmt.Sprintf("close %d: %s", closeErr.Code, closeErr.Text)
		}
		return fmt.Sprintf("close %d", closeErr.Code)
	}
	return err.Error()
}

// newIDSuffix returns an opaque per-connection suffix for correlation ids
// so ids can never collide across reconnects.
func newIDSuffix() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// platform reports the host platform descriptor sent at handshake.
func platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}
