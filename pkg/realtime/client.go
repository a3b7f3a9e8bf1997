// Package realtime implements the duplex protocol client for the upstream
// speech-to-speech LLM service.
//
// A session is established in two steps: [Bootstrap] exchanges the long-lived
// API key for an ephemeral client secret over HTTPS, then [Connect] opens the
// WebSocket with that secret. Inbound frames are demultiplexed into typed
// [Event] values delivered on a single ordered channel; outbound protocol
// commands are methods on [Client]. The client never calls back into its
// owner — the supervisor consumes events and pushes commands.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// DefaultBaseURL is the upstream WebSocket endpoint.
	DefaultBaseURL = "wss://api.openai.com/v1/realtime"

	// defaultDialTimeout bounds the WebSocket open handshake.
	defaultDialTimeout = 10 * time.Second

	// defaultEventBuffer is the capacity of the event channel. The consumer
	// is a dedicated supervisor goroutine, so a modest buffer absorbs bursts
	// of audio deltas without blocking the read loop.
	defaultEventBuffer = 64
)

// Tool is a function definition advertised to the model via session.update.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// SessionConfig is the session.update payload in domain terms. The client
// always requests 16-bit PCM in both directions and text+audio modalities.
type SessionConfig struct {
	Instructions       string
	Voice              string
	Temperature        float64
	MaxResponseTokens  int
	TranscriptionModel string
	Language           string
	VADThreshold       float64
	SilenceDurationMS  int
	Tools              []Tool
}

// Config configures a [Client] connection.
type Config struct {
	// BaseURL is the WebSocket endpoint. Defaults to [DefaultBaseURL].
	BaseURL string

	// Model is appended as the model query parameter.
	Model string

	// Secret is the ephemeral credential from [Bootstrap].
	Secret ClientSecret

	// DialTimeout bounds the open handshake. Defaults to 10 s.
	DialTimeout time.Duration

	// EventBuffer overrides the event channel capacity. Defaults to 64.
	EventBuffer int
}

// Client is a connected duplex session. All outbound methods are safe for
// concurrent use; events are delivered on a single channel in arrival order.
type Client struct {
	conn   *websocket.Conn
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// Connect opens the duplex WebSocket using the ephemeral secret. It returns
// once the socket is open; it does not wait for the session.created event.
// A handshake that exceeds the dial timeout fails with [ErrConnectTimeout].
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}

	wsURL := fmt.Sprintf("%s?model=%s", baseURL, cfg.Model)

	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cfg.Secret.Value},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		events: make(chan Event, buffer),
		ctx:    clientCtx,
		cancel: cancel,
	}
	go c.receiveLoop()

	return c, nil
}

// Events returns the ordered event channel. It delivers exactly one
// [EventDisconnected] as its final value and is then closed.
func (c *Client) Events() <-chan Event { return c.events }

// receiveLoop reads frames until the socket closes, translating each into a
// typed event. It owns the events channel and closes it on exit.
func (c *Client) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.markClosed()

			code := int(websocket.CloseStatus(err))
			reason := ""
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) {
				reason = closeErr.Reason
			}
			c.deliver(Event{Type: EventDisconnected, Code: code, Reason: reason})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		c.handleServerEvent(&evt)
	}
}

// handleServerEvent maps one wire frame onto zero or one typed events.
// Unknown frame types are dropped for forward compatibility.
func (c *Client) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created":
		id := ""
		if evt.Session != nil {
			id = evt.Session.ID
		}
		c.deliver(Event{Type: EventSessionCreated, SessionID: id})

	case "session.updated":
		c.deliver(Event{Type: EventSessionUpdated})

	case "input_audio_buffer.speech_started":
		c.deliver(Event{Type: EventSpeechStarted})

	case "input_audio_buffer.speech_stopped":
		c.deliver(Event{Type: EventSpeechStopped})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return
		}
		c.deliver(Event{Type: EventAudioDelta, Audio: pcm})

	case "response.audio.done":
		c.deliver(Event{Type: EventAudioDone})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		c.deliver(Event{Type: EventTranscriptUser, Transcript: evt.Transcript})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		c.deliver(Event{Type: EventTranscriptAgentDelta, Transcript: evt.Delta})

	case "response.audio_transcript.done":
		c.deliver(Event{Type: EventTranscriptAgent, Transcript: evt.Transcript})

	case "response.created":
		c.deliver(Event{Type: EventResponseCreated})

	case "response.done":
		e := Event{Type: EventResponseDone}
		if evt.Response != nil && evt.Response.Usage != nil {
			u := evt.Response.Usage
			e.Usage = &Usage{
				InputTokens:       u.InputTokens,
				OutputTokens:      u.OutputTokens,
				InputAudioTokens:  u.InputTokenDetails.AudioTokens,
				InputCachedTokens: u.InputTokenDetails.CachedTokens,
				OutputAudioTokens: u.OutputTokenDetails.AudioTokens,
			}
		}
		c.deliver(e)

	case "response.function_call_arguments.done":
		c.deliver(Event{Type: EventFunctionCall, Call: &FunctionCall{
			Name:      evt.Name,
			CallID:    evt.CallID,
			Arguments: evt.Arguments,
		}})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		c.deliver(Event{Type: EventError, Err: fmt.Errorf("realtime: upstream: %s", msg)})
	}
}

// deliver pushes an event, blocking until the supervisor drains it or the
// client is torn down. Per-session ordering depends on this never skipping.
func (c *Client) deliver(evt Event) {
	select {
	case c.events <- evt:
	case <-c.ctx.Done():
	}
}

// ── Outbound commands ─────────────────────────────────────────────────────────

// UpdateSession sends the session.update command carrying instructions,
// voice, tool list, transcription and server-VAD parameters. Audio format is
// pinned to 16-bit PCM in both directions.
func (c *Client) UpdateSession(cfg SessionConfig) error {
	params := sessionParams{
		Modalities:        []string{"text", "audio"},
		Instructions:      cfg.Instructions,
		Voice:             cfg.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Temperature:       cfg.Temperature,
	}
	if cfg.MaxResponseTokens > 0 {
		params.MaxResponseOutputTokens = cfg.MaxResponseTokens
	}
	if cfg.TranscriptionModel != "" {
		params.InputAudioTranscription = &transcription{
			Model:    cfg.TranscriptionModel,
			Language: cfg.Language,
		}
	}
	if cfg.VADThreshold > 0 || cfg.SilenceDurationMS > 0 {
		params.TurnDetection = &turnDetection{
			Type:              "server_vad",
			Threshold:         cfg.VADThreshold,
			SilenceDurationMS: cfg.SilenceDurationMS,
		}
	}
	for _, t := range cfg.Tools {
		params.Tools = append(params.Tools, wireTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return c.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// AppendAudio sends a chunk of 24 kHz PCM16 as a base64 input_audio_buffer
// append. Empty chunks are dropped without touching the wire.
func (c *Client) AppendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return c.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// ClearInputAudio discards any buffered input audio upstream. Issued on
// barge-in together with [Client.CancelResponse].
func (c *Client) ClearInputAudio() error {
	return c.writeJSON(map[string]string{"type": "input_audio_buffer.clear"})
}

// CreateResponse asks the model to begin generating now.
func (c *Client) CreateResponse() error {
	return c.writeJSON(map[string]string{"type": "response.create"})
}

// CancelResponse aborts the in-flight response. Harmless when no response is
// in flight; the upstream treats it as a no-op.
func (c *Client) CancelResponse() error {
	return c.writeJSON(map[string]string{"type": "response.cancel"})
}

// SendToolResult returns a tool outcome keyed by the call id the model
// issued. The output is the JSON-encoded result object.
func (c *Client) SendToolResult(callID, output string) error {
	return c.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	})
}

// InjectSystemText inserts a system-role conversation item. Used to push the
// rendered tool-result context block into the conversation mid-session.
func (c *Client) InjectSystemText(text string) error {
	return c.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "system",
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	})
}

// writeJSON marshals v and writes it as a text frame. Sends after disconnect
// fail with [ErrClosed].
func (c *Client) writeJSON(v any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		if c.ctx.Err() != nil {
			return ErrClosed
		}
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

func (c *Client) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Close tears down the connection and releases resources. Idempotent. The
// event channel is closed once the read loop observes the teardown.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close(websocket.StatusNormalClosure, "session closed")
	c.cancel()
	if err != nil {
		return nil
	}
	return nil
}
