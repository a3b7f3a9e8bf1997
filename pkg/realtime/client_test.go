package realtime_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/aivalabs/voicebridge/pkg/realtime"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startUpstream launches a test WebSocket server; the handler receives the
// accepted connection.
func startUpstream(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// nextEvent receives one event or fails the test after a timeout.
func nextEvent(t *testing.T, c *realtime.Client) realtime.Event {
	t.Helper()
	select {
	case evt, ok := <-c.Events():
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return realtime.Event{}
}

func connectTo(t *testing.T, srv *httptest.Server) *realtime.Client {
	t.Helper()
	c, err := realtime.Connect(context.Background(), realtime.Config{
		BaseURL: wsURL(srv),
		Model:   "gpt-4o-realtime-preview",
		Secret:  realtime.ClientSecret{Value: "ek_test"},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnect_SendsBearerToken(t *testing.T) {
	gotAuth := make(chan string, 1)
	srv := startUpstream(t, func(conn *websocket.Conn, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conn.Read(ctx) // hold the connection open briefly
	})

	connectTo(t, srv)

	select {
	case auth := <-gotAuth:
		if auth != "Bearer ek_test" {
			t.Errorf("authorization: got %q, want %q", auth, "Bearer ek_test")
		}
	case <-time.After(time.Second):
		t.Fatal("server never saw the handshake")
	}
}

func TestUpdateSession_Payload(t *testing.T) {
	type sessionFrame struct {
		Type    string `json:"type"`
		Session struct {
			Modalities        []string `json:"modalities"`
			Instructions      string   `json:"instructions"`
			Voice             string   `json:"voice"`
			InputAudioFormat  string   `json:"input_audio_format"`
			OutputAudioFormat string   `json:"output_audio_format"`
			TurnDetection     *struct {
				Type              string  `json:"type"`
				Threshold         float64 `json:"threshold"`
				SilenceDurationMS int     `json:"silence_duration_ms"`
			} `json:"turn_detection"`
			Tools []struct {
				Type string `json:"type"`
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"session"`
	}

	frames := make(chan sessionFrame, 1)
	srv := startUpstream(t, func(conn *websocket.Conn, _ *http.Request) {
		var f sessionFrame
		readJSON(t, conn, &f)
		frames <- f
	})

	c := connectTo(t, srv)
	err := c.UpdateSession(realtime.SessionConfig{
		Instructions:      "You are a billing assistant.",
		Voice:             "alloy",
		VADThreshold:      0.5,
		SilenceDurationMS: 500,
		Tools:             []realtime.Tool{{Name: "transfer_call"}},
	})
	if err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	f := <-frames
	if f.Type != "session.update" {
		t.Errorf("type: got %q", f.Type)
	}
	if f.Session.InputAudioFormat != "pcm16" || f.Session.OutputAudioFormat != "pcm16" {
		t.Errorf("audio formats: got %q/%q, want pcm16/pcm16", f.Session.InputAudioFormat, f.Session.OutputAudioFormat)
	}
	if f.Session.TurnDetection == nil || f.Session.TurnDetection.Type != "server_vad" {
		t.Errorf("turn_detection: got %+v", f.Session.TurnDetection)
	}
	if len(f.Session.Tools) != 1 || f.Session.Tools[0].Name != "transfer_call" || f.Session.Tools[0].Type != "function" {
		t.Errorf("tools: got %+v", f.Session.Tools)
	}
}

func TestAppendAudio_EmptyChunkSendsNothing(t *testing.T) {
	frames := make(chan map[string]any, 2)
	srv := startUpstream(t, func(conn *websocket.Conn, _ *http.Request) {
		var f map[string]any
		readJSON(t, conn, &f)
		frames <- f
	})

	c := connectTo(t, srv)
	if err := c.AppendAudio(nil); err != nil {
		t.Fatalf("AppendAudio(nil): %v", err)
	}
	// The next frame on the wire must be the response.create, proving the
	// empty append never left the client.
	if err := c.CreateResponse(); err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}

	f := <-frames
	if f["type"] != "response.create" {
		t.Errorf("first wire frame: got %v, want response.create", f["type"])
	}
}

func TestEventTranslation(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	srv := startUpstream(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{
			"type":    "session.created",
			"session": map[string]any{"id": "sess_far"},
		})
		writeJSON(t, conn, map[string]any{"type": "wholly.unknown.event"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString(pcm),
		})
		writeJSON(t, conn, map[string]any{
			"type":      "response.function_call_arguments.done",
			"name":      "transfer_call",
			"call_id":   "call_1",
			"arguments": `{"queue":"billing"}`,
		})
		writeJSON(t, conn, map[string]any{
			"type": "response.done",
			"response": map[string]any{
				"usage": map[string]any{
					"input_tokens":         120,
					"output_tokens":        45,
					"input_token_details":  map[string]any{"audio_tokens": 100, "cached_tokens": 20},
					"output_token_details": map[string]any{"audio_tokens": 40},
				},
			},
		})
		// Hold the connection until the client is done.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conn.Read(ctx)
	})

	c := connectTo(t, srv)

	evt := nextEvent(t, c)
	if evt.Type != realtime.EventSessionCreated || evt.SessionID != "sess_far" {
		t.Fatalf("event 1: got %+v", evt)
	}

	// The unknown frame must have been dropped; speech_started is next.
	evt = nextEvent(t, c)
	if evt.Type != realtime.EventSpeechStarted {
		t.Fatalf("event 2: got %+v", evt)
	}

	evt = nextEvent(t, c)
	if evt.Type != realtime.EventAudioDelta || string(evt.Audio) != string(pcm) {
		t.Fatalf("event 3: got %+v", evt)
	}

	evt = nextEvent(t, c)
	if evt.Type != realtime.EventFunctionCall {
		t.Fatalf("event 4: got %+v", evt)
	}
	if evt.Call.Name != "transfer_call" || evt.Call.CallID != "call_1" {
		t.Errorf("function call: got %+v", evt.Call)
	}

	evt = nextEvent(t, c)
	if evt.Type != realtime.EventResponseDone || evt.Usage == nil {
		t.Fatalf("event 5: got %+v", evt)
	}
	if evt.Usage.InputTokens != 120 || evt.Usage.OutputTokens != 45 ||
		evt.Usage.InputAudioTokens != 100 || evt.Usage.InputCachedTokens != 20 ||
		evt.Usage.OutputAudioTokens != 40 {
		t.Errorf("usage: got %+v", evt.Usage)
	}
}

func TestDisconnect_EmitsTerminalEventAndClosesChannel(t *testing.T) {
	srv := startUpstream(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.Close(websocket.StatusGoingAway, "maintenance")
	})

	c := connectTo(t, srv)

	evt := nextEvent(t, c)
	if evt.Type != realtime.EventDisconnected {
		t.Fatalf("expected disconnected event, got %+v", evt)
	}
	if evt.Code != int(websocket.StatusGoingAway) {
		t.Errorf("close code: got %d, want %d", evt.Code, websocket.StatusGoingAway)
	}

	select {
	case _, ok := <-c.Events():
		if ok {
			t.Error("expected channel close after terminal event")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed after terminal event")
	}

	// Sends after disconnect fail cleanly.
	if err := c.CreateResponse(); err == nil {
		t.Error("expected error sending after disconnect")
	}
}
