// ABOUTME: Tests for the chat turn reconciler and its two event streams.
// ABOUTME: Covers reducer ordering, exactly-once resolution, and the full send path.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Axnjr/simplestclaw/internal/protocol"
)

func TestChatTurn_ContentThenFinal(t *testing.T) {
	turn := &chatTurn{runID: "r"}

	assert.False(t, turn.applyContent("Hello"), "content alone must not resolve")
	assert.True(t, turn.applyState(protocol.ChatStateFinal, ""))
	assert.Equal(t, "Hello", turn.content)
}

func TestChatTurn_FinalBeforeContent(t *testing.T) {
	turn := &chatTurn{runID: "r"}

	assert.False(t, turn.applyState(protocol.ChatStateFinal, ""), "empty final must wait for content")
	assert.True(t, turn.applyContent("Hi"))
	assert.Equal(t, "Hi", turn.content)
}

func TestChatTurn_LastWriteWins(t *testing.T) {
	turn := &chatTurn{runID: "r"}

	turn.applyContent("first draft")
	turn.applyContent("second draft")
	assert.True(t, turn.applyState(protocol.ChatStateFinal, ""))
	assert.Equal(t, "second draft", turn.content)
}

func TestChatTurn_FinalTextOverwritesBuffer(t *testing.T) {
	turn := &chatTurn{runID: "r"}

	turn.applyContent("partial")
	assert.True(t, turn.applyState(protocol.ChatStateFinal, "complete answer"))
	assert.Equal(t, "complete answer", turn.content)
}

func TestChatTurn_FinalWithFirstContentDefers(t *testing.T) {
	turn := &chatTurn{runID: "r"}

	// A final that itself carries the first content must wait for the
	// content stream to confirm it.
	assert.False(t, turn.applyState(protocol.ChatStateFinal, "Hi"))
	assert.Equal(t, "Hi", turn.content)
	assert.True(t, turn.applyContent("Hi"))
}

func TestChatTurn_DeltaAfterEmptyFinalResolves(t *testing.T) {
	turn := &chatTurn{runID: "r"}

	assert.False(t, turn.applyState(protocol.ChatStateFinal, ""))
	assert.True(t, turn.applyState(protocol.ChatStateDelta, "late text"))
	assert.Equal(t, "late text", turn.content)
}

func TestChatTurn_EmptyAndUnknownObservationsIgnored(t *testing.T) {
	turn := &chatTurn{runID: "r"}

	assert.False(t, turn.applyContent(""))
	assert.False(t, turn.applyState(protocol.ChatStateDelta, ""))
	assert.False(t, turn.applyState("queued", "whatever"))
	assert.Equal(t, "", turn.content)
	assert.False(t, turn.finalSeen)
}

// newTurnClient builds a disconnected client with one registered turn so
// the stream handlers can be exercised directly.
func newTurnClient(t *testing.T, runID string) (*Client, *chatTurn) {
	t.Helper()
	c := New(testConfig("ws://unused"), testLogger())
	turn := &chatTurn{runID: runID, done: make(chan turnResult, 1)}
	c.mu.Lock()
	c.turns[runID] = turn
	c.mu.Unlock()
	return c, turn
}

func TestStreams_AgentContentAfterFinalResolves(t *testing.T) {
	c, turn := newTurnClient(t, "run-1")

	c.handleChatEvent(protocol.ChatEvent{RunID: "run-1", State: protocol.ChatStateFinal})
	select {
	case <-turn.done:
		t.Fatal("turn resolved before content arrived")
	default:
	}

	c.handleAgentEvent(protocol.AgentEvent{
		RunID:  "run-1",
		Stream: protocol.StreamAssistant,
		Data:   protocol.AgentData{Text: "Hello"},
	})

	res := <-turn.done
	require.NoError(t, res.err)
	assert.Equal(t, "Hello", res.content)
	assert.Nil(t, c.takeTurn("run-1"), "resolved turn must leave the table")
}

func TestStreams_NonAssistantContentIgnored(t *testing.T) {
	c, turn := newTurnClient(t, "run-1")

	c.handleChatEvent(protocol.ChatEvent{RunID: "run-1", State: protocol.ChatStateFinal})
	c.handleAgentEvent(protocol.AgentEvent{
		RunID:  "run-1",
		Stream: protocol.StreamLifecycle,
		Data:   protocol.AgentData{Text: "spawning"},
	})
	c.handleAgentEvent(protocol.AgentEvent{
		RunID:  "run-1",
		Stream: protocol.StreamTool,
		Data:   protocol.AgentData{Text: "tool output"},
	})

	select {
	case <-turn.done:
		t.Fatal("non-assistant streams must never resolve a turn")
	default:
	}
}

func TestStreams_ErrorFailsTurn(t *testing.T) {
	c, turn := newTurnClient(t, "run-1")

	c.handleChatEvent(protocol.ChatEvent{
		RunID: "run-1",
		State: protocol.ChatStateError,
		Error: &protocol.Error{Message: "boom"},
	})

	res := <-turn.done
	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, ErrChatFailed)
	assert.Contains(t, res.err.Error(), "boom")
}

func TestStreams_ErrorWithoutDetailUsesDefaultMessage(t *testing.T) {
	c, turn := newTurnClient(t, "run-1")

	c.handleChatEvent(protocol.ChatEvent{RunID: "run-1", State: protocol.ChatStateError})

	res := <-turn.done
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "run failed")
}

func TestStreams_ResolveExactlyOnce(t *testing.T) {
	c, turn := newTurnClient(t, "run-1")

	c.handleAgentEvent(protocol.AgentEvent{
		RunID:  "run-1",
		Stream: protocol.StreamAssistant,
		Data:   protocol.AgentData{Text: "Hi"},
	})
	final := protocol.ChatEvent{RunID: "run-1", State: protocol.ChatStateFinal}
	c.handleChatEvent(final)
	c.handleChatEvent(final) // replay after resolution
	c.handleAgentEvent(protocol.AgentEvent{
		RunID:  "run-1",
		Stream: protocol.StreamAssistant,
		Data:   protocol.AgentData{Text: "Hi again"},
	})

	res := <-turn.done
	require.NoError(t, res.err)
	assert.Equal(t, "Hi", res.content)
	select {
	case <-turn.done:
		t.Fatal("turn resolved twice")
	default:
	}
}

func TestStreams_UnknownRunIgnored(t *testing.T) {
	c := New(testConfig("ws://unused"), testLogger())

	c.handleAgentEvent(protocol.AgentEvent{
		RunID:  "ghost",
		Stream: protocol.StreamAssistant,
		Data:   protocol.AgentData{Text: "late"},
	})
	c.handleChatEvent(protocol.ChatEvent{RunID: "ghost", State: protocol.ChatStateFinal})

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.turns, "stray events must not create turns")
}

func TestStreams_EventsBeforeRegistrationReplay(t *testing.T) {
	c := New(testConfig("ws://unused"), testLogger())

	// The read loop can dispatch the run's events before the sender has
	// entered the turn into the table.
	c.handleAgentEvent(protocol.AgentEvent{
		RunID:  "run-1",
		Stream: protocol.StreamAssistant,
		Data:   protocol.AgentData{Text: "Hi"},
	})
	c.handleChatEvent(protocol.ChatEvent{RunID: "run-1", State: protocol.ChatStateFinal})

	turn, pending := c.registerTurn("run-1")
	assert.False(t, pending, "replayed events must settle the turn at registration")

	res := <-turn.done
	require.NoError(t, res.err)
	assert.Equal(t, "Hi", res.content)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.early, "consumed buffer must be cleared")
}

func TestStreams_EarlyErrorReplay(t *testing.T) {
	c := New(testConfig("ws://unused"), testLogger())

	c.handleChatEvent(protocol.ChatEvent{
		RunID: "run-1",
		State: protocol.ChatStateError,
		Error: &protocol.Error{Message: "boom"},
	})

	turn, pending := c.registerTurn("run-1")
	assert.False(t, pending)

	res := <-turn.done
	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, ErrChatFailed)
	assert.Contains(t, res.err.Error(), "boom")
}

func TestStreams_EarlyEventsForResolvedRunDropped(t *testing.T) {
	c := New(testConfig("ws://unused"), testLogger())
	c.seen.Mark("run-1")

	c.handleAgentEvent(protocol.AgentEvent{
		RunID:  "run-1",
		Stream: protocol.StreamAssistant,
		Data:   protocol.AgentData{Text: "straggler"},
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.early, "events for resolved runs are stragglers, not early arrivals")
}

func TestChatMessage_ForwardedOnceAndDeduped(t *testing.T) {
	c := New(testConfig("ws://unused"), testLogger())
	messages := make(chan Message, 4)
	c.SetHandlers(Handlers{Message: func(m Message) { messages <- m }})

	payload := protocol.ChatMessagePayload{
		SessionKey: "main",
		MessageID:  "m-1",
		Message: &protocol.ChatMessage{
			Role:    "assistant",
			Content: []protocol.ContentBlock{{Type: "text", Text: "pushed"}},
		},
	}
	c.handleChatMessage(payload)
	c.handleChatMessage(payload) // replay, e.g. after a reconnect

	msg := <-messages
	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, "assistant", msg.Role)
	assert.Equal(t, "pushed", msg.Content)

	select {
	case <-messages:
		t.Fatal("duplicate chat.message was forwarded")
	default:
	}
}

func TestChatMessage_DedupesByContentWhenIDMissing(t *testing.T) {
	c := New(testConfig("ws://unused"), testLogger())
	messages := make(chan Message, 4)
	c.SetHandlers(Handlers{Message: func(m Message) { messages <- m }})

	payload := protocol.ChatMessagePayload{
		SessionKey: "main",
		Message: &protocol.ChatMessage{
			Content: []protocol.ContentBlock{{Type: "text", Text: "no id"}},
		},
	}
	c.handleChatMessage(payload)
	c.handleChatMessage(payload)

	msg := <-messages
	assert.NotEmpty(t, msg.ID, "a forwarded message always gets an id")
	assert.Equal(t, "assistant", msg.Role)

	select {
	case <-messages:
		t.Fatal("duplicate keyless chat.message was forwarded")
	default:
	}
}

func TestToolCall_StatusDerivedFromEventName(t *testing.T) {
	c := New(testConfig("ws://unused"), testLogger())
	calls := make(chan ToolCall, 2)
	c.SetHandlers(Handlers{ToolCall: func(tc ToolCall) { calls <- tc }})

	c.handleToolCall(protocol.EventToolCallStarted, protocol.ToolCallPayload{ID: "t1", Name: "read_file"})
	c.handleToolCall(protocol.EventToolCallCompleted, protocol.ToolCallPayload{ID: "t1", Name: "read_file", DurationMs: 1500})

	started := <-calls
	assert.Equal(t, protocol.ToolStatusRunning, started.Status)
	assert.Equal(t, "read_file", started.Name)

	completed := <-calls
	assert.Equal(t, protocol.ToolStatusCompleted, completed.Status)
	assert.Equal(t, 1500*time.Millisecond, completed.Duration)
}

func TestSendMessage_EndToEnd(t *testing.T) {
	hold := make(chan struct{})
	g := newFakeGateway(t, func(conn *websocket.Conn) {
		if _, ok := acceptHandshake(t, conn, protocol.HelloPayload{SessionKey: "sess-7"}); !ok {
			return
		}
		req, ok := recvFrame(t, conn)
		if !ok {
			return
		}
		if req.Method != protocol.MethodChatSend {
			t.Errorf("expected chat.send, got %q", req.Method)
			return
		}
		var params protocol.ChatSendParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			t.Errorf("unmarshaling chat.send params: %v", err)
			return
		}
		if params.SessionKey != "sess-7" {
			t.Errorf("chat.send used session key %q, want sess-7", params.SessionKey)
		}
		if params.IdempotencyKey == "" {
			t.Errorf("chat.send missing idempotency key")
		}
		respondOK(t, conn, req.ID, protocol.ChatSendResult{RunID: "run-9"})
		sendEvent(t, conn, protocol.EventAgent, protocol.AgentEvent{
			RunID:  "run-9",
			Stream: protocol.StreamAssistant,
			Data:   protocol.AgentData{Text: "The answer is 4."},
		})
		sendEvent(t, conn, protocol.EventChat, protocol.ChatEvent{RunID: "run-9", State: protocol.ChatStateFinal})
		<-hold
	})
	defer close(hold)

	c := New(testConfig(g.wsURL()), testLogger())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)

	msg, err := c.SendMessage(context.Background(), "what is 2+2")
	require.NoError(t, err)
	assert.Equal(t, "msg_run-9", msg.ID)
	assert.Equal(t, "assistant", msg.Role)
	assert.Equal(t, "The answer is 4.", msg.Content)
}

func TestSendMessage_FinalBeforeContent(t *testing.T) {
	hold := make(chan struct{})
	g := newFakeGateway(t, func(conn *websocket.Conn) {
		if _, ok := acceptHandshake(t, conn, protocol.HelloPayload{}); !ok {
			return
		}
		req, ok := recvFrame(t, conn)
		if !ok {
			return
		}
		respondOK(t, conn, req.ID, protocol.ChatSendResult{RunID: "run-3"})
		// The terminal state races ahead of the content stream.
		sendEvent(t, conn, protocol.EventChat, protocol.ChatEvent{
			RunID: "run-3",
			State: protocol.ChatStateFinal,
			Message: &protocol.ChatMessage{
				Role:    "assistant",
				Content: []protocol.ContentBlock{{Type: "text", Text: "Hi"}},
			},
		})
		sendEvent(t, conn, protocol.EventAgent, protocol.AgentEvent{
			RunID:  "run-3",
			Stream: protocol.StreamAssistant,
			Data:   protocol.AgentData{Text: "Hi"},
		})
		<-hold
	})
	defer close(hold)

	c := New(testConfig(g.wsURL()), testLogger())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)

	msg, err := c.SendMessage(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "Hi", msg.Content)
	assert.Equal(t, "assistant", msg.Role)
}

func TestSendMessage_EventsRaceTheResponse(t *testing.T) {
	const turns = 20

	hold := make(chan struct{})
	g := newFakeGateway(t, func(conn *websocket.Conn) {
		if _, ok := acceptHandshake(t, conn, protocol.HelloPayload{}); !ok {
			return
		}
		// Push the run's events out on the heels of the response so they
		// can reach the client before the sender sees the run id.
		for i := 0; i < turns; i++ {
			req, ok := recvFrame(t, conn)
			if !ok {
				return
			}
			runID := fmt.Sprintf("run-%d", i)
			respondOK(t, conn, req.ID, protocol.ChatSendResult{RunID: runID})
			sendEvent(t, conn, protocol.EventAgent, protocol.AgentEvent{
				RunID:  runID,
				Stream: protocol.StreamAssistant,
				Data:   protocol.AgentData{Text: fmt.Sprintf("reply %d", i)},
			})
			sendEvent(t, conn, protocol.EventChat, protocol.ChatEvent{RunID: runID, State: protocol.ChatStateFinal})
		}
		<-hold
	})
	defer close(hold)

	cfg := testConfig(g.wsURL())
	cfg.ChatTimeout = time.Second
	c := New(cfg, testLogger())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)

	for i := 0; i < turns; i++ {
		msg, err := c.SendMessage(context.Background(), "hi")
		require.NoError(t, err, "turn %d", i)
		assert.Equal(t, fmt.Sprintf("reply %d", i), msg.Content)
	}
}

func TestSendMessage_RunError(t *testing.T) {
	hold := make(chan struct{})
	g := newFakeGateway(t, func(conn *websocket.Conn) {
		if _, ok := acceptHandshake(t, conn, protocol.HelloPayload{}); !ok {
			return
		}
		req, ok := recvFrame(t, conn)
		if !ok {
			return
		}
		respondOK(t, conn, req.ID, protocol.ChatSendResult{RunID: "run-4"})
		sendEvent(t, conn, protocol.EventChat, protocol.ChatEvent{
			RunID: "run-4",
			State: protocol.ChatStateError,
			Error: &protocol.Error{Message: "model overloaded"},
		})
		<-hold
	})
	defer close(hold)

	c := New(testConfig(g.wsURL()), testLogger())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)

	_, err := c.SendMessage(context.Background(), "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChatFailed)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestSendMessage_Timeout(t *testing.T) {
	hold := make(chan struct{})
	g := newFakeGateway(t, func(conn *websocket.Conn) {
		if _, ok := acceptHandshake(t, conn, protocol.HelloPayload{}); !ok {
			return
		}
		req, ok := recvFrame(t, conn)
		if !ok {
			return
		}
		// Ack the send, then never deliver any run events.
		respondOK(t, conn, req.ID, protocol.ChatSendResult{RunID: "run-5"})
		<-hold
	})
	defer close(hold)

	cfg := testConfig(g.wsURL())
	cfg.ChatTimeout = 100 * time.Millisecond
	c := New(cfg, testLogger())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)

	_, err := c.SendMessage(context.Background(), "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChatTimeout)
	assert.Contains(t, err.Error(), "run-5")
}

func TestSendMessage_MissingRunID(t *testing.T) {
	hold := make(chan struct{})
	g := newFakeGateway(t, func(conn *websocket.Conn) {
		if _, ok := acceptHandshake(t, conn, protocol.HelloPayload{}); !ok {
			return
		}
		req, ok := recvFrame(t, conn)
		if !ok {
			return
		}
		respondOK(t, conn, req.ID, map[string]string{})
		<-hold
	})
	defer close(hold)

	c := New(testConfig(g.wsURL()), testLogger())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)

	_, err := c.SendMessage(context.Background(), "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChatFailed)
}
