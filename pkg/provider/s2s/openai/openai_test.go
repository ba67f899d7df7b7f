package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/corbettdesign/studiovoice/pkg/audio"
	"github.com/corbettdesign/studiovoice/pkg/provider/s2s"
	"github.com/corbettdesign/studiovoice/pkg/provider/s2s/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startOpenAIServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startOpenAIServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
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
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
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

// acceptUpdate consumes session.update and confirms it.
func acceptUpdate(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"type": "session.created"})
	writeJSON(t, conn, map[string]any{"type": "session.updated"})
}

func connect(t *testing.T, srv *httptest.Server, cfg s2s.SessionConfig) s2s.SessionHandle {
	t.Helper()
	h, err := openai.New(openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func nextEvent(t *testing.T, h s2s.SessionHandle) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatal("Events channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return s2s.Event{}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnect_SendsHeadersAndSessionUpdate(t *testing.T) {
	t.Parallel()

	type update struct {
		Type    string `json:"type"`
		Session struct {
			Modalities        []string `json:"modalities"`
			Voice             string   `json:"voice"`
			Instructions      string   `json:"instructions"`
			InputAudioFormat  string   `json:"input_audio_format"`
			OutputAudioFormat string   `json:"output_audio_format"`
		} `json:"session"`
	}

	type request struct {
		auth, beta, model string
		msg               update
	}
	got := make(chan request, 1)

	srv := startOpenAIServer(t, func(conn *websocket.Conn, r *http.Request) {
		req := request{
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
			model: r.URL.Query().Get("model"),
		}
		readJSON(t, conn, &req.msg)
		got <- req
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, s2s.SessionConfig{
		APIKey:              "sk-test",
		Model:               "gpt-4o-mini-realtime",
		Voice:               "sage",
		Instructions:        "You are the Studio Assistant.",
		OutputTranscription: true,
	})

	select {
	case req := <-got:
		if req.auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", req.auth)
		}
		if req.beta != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q", req.beta)
		}
		if req.model != "gpt-4o-mini-realtime" {
			t.Errorf("model = %q", req.model)
		}
		m := req.msg
		if m.Type != "session.update" || m.Session.Voice != "sage" || m.Session.Instructions != "You are the Studio Assistant." {
			t.Errorf("session.update = %+v", m)
		}
		if m.Session.InputAudioFormat != "pcm16" || m.Session.OutputAudioFormat != "pcm16" {
			t.Errorf("audio formats = %q/%q; want pcm16", m.Session.InputAudioFormat, m.Session.OutputAudioFormat)
		}
		if len(m.Session.Modalities) != 2 {
			t.Errorf("modalities = %v; want audio+text with transcription", m.Session.Modalities)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestEvents_Mapping(t *testing.T) {
	t.Parallel()

	delta := audio.EncodeTransport([]byte{1, 0, 2, 0})

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptUpdate(t, conn)
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Hello"})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": delta})
		writeJSON(t, conn, map[string]any{"type": "rate_limits.updated"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		writeJSON(t, conn, map[string]any{"type": "session.updated"})
		<-conn.CloseRead(context.Background()).Done()
	})

	h := connect(t, srv, s2s.SessionConfig{OutputTranscription: true})

	want := []s2s.EventType{
		s2s.EventOpened,
		s2s.EventTranscript,
		s2s.EventAudio,
		s2s.EventInterrupted,
		s2s.EventTurnComplete,
	}
	for i, wt := range want {
		ev := nextEvent(t, h)
		if ev.Type != wt {
			t.Fatalf("event %d = %s; want %s", i, ev.Type, wt)
		}
		if ev.Type == s2s.EventTranscript && (ev.Text != "Hello" || !ev.Continuation) {
			t.Errorf("transcript = %+v; want continuation delta", ev)
		}
		if ev.Type == s2s.EventAudio && (ev.Audio.Data != delta || ev.Audio.MIMEType != "audio/pcm;rate=24000") {
			t.Errorf("audio = %+v", ev.Audio)
		}
	}

	// The second session.updated must not reopen the session.
	select {
	case ev := <-h.Events():
		t.Errorf("unexpected event %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEvents_TranscriptSuppressedWhenDisabled(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptUpdate(t, conn)
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Hello"})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	h := connect(t, srv, s2s.SessionConfig{})
	nextEvent(t, h) // opened
	if ev := nextEvent(t, h); ev.Type != s2s.EventTurnComplete {
		t.Fatalf("event = %s; want turn_complete", ev.Type)
	}
}

func TestEvents_ErrorEvent(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptUpdate(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "message": "bad voice"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	h := connect(t, srv, s2s.SessionConfig{})
	nextEvent(t, h) // opened
	ev := nextEvent(t, h)
	if ev.Type != s2s.EventError || !strings.Contains(ev.Err.Error(), "bad voice") {
		t.Fatalf("event = %+v; want error carrying message", ev)
	}
	if h.Err() == nil {
		t.Error("Err() should be set")
	}
}

func TestEvents_RecoverableErrorKeepsSession(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptUpdate(t, conn)
		writeJSON(t, conn, map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    "invalid_request_error",
				"code":    "input_audio_buffer_commit_empty",
				"message": "buffer too small",
			},
		})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	h := connect(t, srv, s2s.SessionConfig{})
	nextEvent(t, h) // opened
	if ev := nextEvent(t, h); ev.Type != s2s.EventTurnComplete {
		t.Fatalf("event = %+v; want turn_complete after recoverable error", ev)
	}
	if err := h.Err(); err != nil {
		t.Errorf("Err() = %v; want nil", err)
	}
}

func TestSendAudio_ResamplesTo24k(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	got := make(chan appendMsg, 1)

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptUpdate(t, conn)
		var msg appendMsg
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	h := connect(t, srv, s2s.SessionConfig{})
	nextEvent(t, h) // opened

	pcm := audio.PCM16Bytes(make([]int16, 160)) // 10 ms at 16 kHz
	if err := h.SendAudio(audio.EncodedBlob{Data: audio.EncodeTransport(pcm), MIMEType: audio.CaptureMIMEType}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q", msg.Type)
		}
		b, err := audio.DecodeTransport(msg.Audio)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(b) != 240*2 {
			t.Errorf("appended %d bytes; want 480 (10 ms at 24 kHz)", len(b))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for append")
	}
}

func TestSendAudio_InvalidBlob(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptUpdate(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	h := connect(t, srv, s2s.SessionConfig{})

	var mae *audio.MalformedAudioError
	err := h.SendAudio(audio.EncodedBlob{Data: "%%%", MIMEType: audio.CaptureMIMEType})
	if !errors.As(err, &mae) {
		t.Fatalf("SendAudio = %v; want wrapped *MalformedAudioError", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptUpdate(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	h := connect(t, srv, s2s.SessionConfig{})

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := h.SendAudio(audio.EncodedBlob{}); err != s2s.ErrSessionClosed {
		t.Errorf("SendAudio after Close = %v; want ErrSessionClosed", err)
	}
}
