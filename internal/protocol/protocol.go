// ABOUTME: Wire types for the OpenClaw gateway protocol v3 over text-framed JSON.
// ABOUTME: Defines the req/res/event envelope and the payloads the client exchanges.

package protocol

import "encoding/json"

// Version is the gateway protocol version this client implements.
// The connect request advertises it as both the minimum and maximum.
const Version = 3

// Frame types.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Request methods sent by the client.
const (
	MethodConnect  = "connect"
	MethodChatSend = "chat.send"
	MethodTick     = "tick"
)

// Event names delivered by the gateway.
const (
	EventConnectChallenge  = "connect.challenge"
	EventChat              = "chat"
	EventAgent             = "agent"
	EventChatMessage       = "chat.message"
	EventToolCallStarted   = "tool.call.started"
	EventToolCallCompleted = "tool.call.completed"
	EventTick              = "tick"
)

// Chat states carried by the chat event stream.
const (
	ChatStateDelta = "delta"
	ChatStateFinal = "final"
	ChatStateError = "error"
)

// Agent stream kinds carried by the agent event stream.
const (
	StreamAssistant = "assistant"
	StreamLifecycle = "lifecycle"
	StreamTool      = "tool"
)

// Tool call statuses.
const (
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
)

// Frame is the single envelope shape for every message on the socket.
// Type selects which of the remaining fields are meaningful.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   string          `json:"event,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the server-supplied failure detail on a response.
type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ConnectParams is the body of the connect request answering the challenge.
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      ClientInfo  `json:"client"`
	Role        string      `json:"role"`
	Scopes      []string    `json:"scopes"`
	Caps        []string    `json:"caps"`
	Locale      string      `json:"locale,omitempty"`
	UserAgent   string      `json:"userAgent,omitempty"`
	Auth        *AuthParams `json:"auth,omitempty"`
}

// ClientInfo identifies the connecting client to the gateway.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// AuthParams carries the optional bearer token.
type AuthParams struct {
	Token string `json:"token,omitempty"`
}

// ChallengePayload is the connect.challenge event payload.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// HelloPayload is the successful connect response payload.
type HelloPayload struct {
	Protocol    int    `json:"protocol"`
	SessionKey  string `json:"sessionKey,omitempty"`
	KeepaliveMs int    `json:"keepaliveMs,omitempty"`
}

// ChatSendParams is the body of the chat.send request.
type ChatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// ChatSendResult is the chat.send response payload.
type ChatSendResult struct {
	RunID string `json:"runId"`
}

// ChatEvent is the state-transition stream payload (event "chat").
type ChatEvent struct {
	RunID      string       `json:"runId"`
	SessionKey string       `json:"sessionKey,omitempty"`
	State      string       `json:"state"`
	Message    *ChatMessage `json:"message,omitempty"`
	Error      *Error       `json:"error,omitempty"`
}

// AgentEvent is the content-delivery stream payload (event "agent").
type AgentEvent struct {
	RunID  string    `json:"runId"`
	Stream string    `json:"stream"`
	Data   AgentData `json:"data"`
}

// AgentData is the inner body of an agent event. Text is set for
// assistant output, Phase for lifecycle boundaries.
type AgentData struct {
	Text  string `json:"text,omitempty"`
	Phase string `json:"phase,omitempty"`
}

// ChatMessage is a structured message as the gateway represents it.
type ChatMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one piece of message content. Only "text" blocks are
// meaningful to this client; other types pass through untouched.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Text concatenates the text blocks of a message. Returns "" for a nil
// message so callers can use it on optional fields directly.
func (m *ChatMessage) Text() string {
	if m == nil {
		return ""
	}
	var out string
	for _, block := range m.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

// ChatMessagePayload is the chat.message event payload: a complete message
// pushed outside any pending turn (for example, echoed from another client).
type ChatMessagePayload struct {
	SessionKey string       `json:"sessionKey,omitempty"`
	MessageID  string       `json:"messageId,omitempty"`
	Message    *ChatMessage `json:"message"`
}

// ToolCallPayload is the tool.call.started / tool.call.completed payload.
// The client forwards it to the host unmodified.
type ToolCallPayload struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs,omitempty"`
}
