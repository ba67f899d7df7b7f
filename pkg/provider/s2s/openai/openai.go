// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The Realtime API speaks 24 kHz PCM16 in both directions, so 16 kHz capture
// chunks are resampled before they are appended to the input buffer. Server
// VAD is left enabled: input_audio_buffer.speech_started is surfaced as a
// barge-in interruption.
package openai

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/corbettdesign/studiovoice/pkg/audio"
	"github.com/corbettdesign/studiovoice/pkg/provider/s2s"
	"github.com/corbettdesign/studiovoice/pkg/provider/s2s/internal/wsconn"
)

var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*session)(nil)
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// apiRate is the only PCM16 sample rate the Realtime API accepts and emits.
	apiRate = 24000
)

var outputMIMEType = fmt.Sprintf("audio/pcm;rate=%d", apiRate)

// recoverableErrors are error codes that reject a single client event while
// leaving the session usable. Server VAD makes them routine.
var recoverableErrors = map[string]bool{
	"input_audio_buffer_commit_empty":          true,
	"conversation_already_has_active_response": true,
	"response_cancel_not_active":               true,
}

// Option configures a [Provider].
type Option func(*Provider)

// WithModel sets the model used when [s2s.SessionConfig.Model] is empty.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL points the provider at another websocket endpoint, such as a
// local test server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// Provider dials OpenAI Realtime sessions.
type Provider struct {
	model   string
	baseURL string
}

// New returns an OpenAI Realtime provider. The API key arrives per session in
// [s2s.SessionConfig.APIKey].
func New(opts ...Option) *Provider {
	p := &Provider{model: defaultModel, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities reports the Realtime API's 24 kHz input and its voices.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputFormat:          audio.Format{SampleRate: apiRate, Channels: 1},
		OutputFormat:         audio.PlaybackFormat,
		MaxSessionDurationMs: 30 * 60 * 1000,
		Voices:               []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect dials a Realtime session and sends session.update. The session
// emits [s2s.EventOpened] once the server answers with session.updated.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	model := cfg.Model
	if model == "" {
		model = p.model
	}

	conn, err := wsconn.Dial(ctx, "openai", p.baseURL+"?model="+url.QueryEscape(model), http.Header{
		"Authorization": []string{"Bearer " + cfg.APIKey},
		"OpenAI-Beta":   []string{"realtime=v1"},
	})
	if err != nil {
		return nil, err
	}

	s := &session{Session: wsconn.New(conn, "openai"), transcript: cfg.OutputTranscription}
	if err := s.WriteJSON(newSessionUpdate(cfg)); err != nil {
		s.Abort("session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}
	s.Start(s.handleFrame, 0)
	return s, nil
}

// ── Wire format ───────────────────────────────────────────────────────────────

type sessionUpdate struct {
	Type    string `json:"type"`
	Session struct {
		Modalities        []string `json:"modalities"`
		Voice             string   `json:"voice,omitempty"`
		Instructions      string   `json:"instructions,omitempty"`
		InputAudioFormat  string   `json:"input_audio_format"`
		OutputAudioFormat string   `json:"output_audio_format"`
	} `json:"session"`
}

type bufferAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type serverEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func newSessionUpdate(cfg s2s.SessionConfig) sessionUpdate {
	var m sessionUpdate
	m.Type = "session.update"
	m.Session.Modalities = []string{"audio"}
	if cfg.OutputTranscription {
		// Audio transcripts are only produced with the text modality.
		m.Session.Modalities = append(m.Session.Modalities, "text")
	}
	m.Session.Voice = cfg.Voice
	m.Session.Instructions = cfg.Instructions
	m.Session.InputAudioFormat = "pcm16"
	m.Session.OutputAudioFormat = "pcm16"
	return m
}

// ── Session ───────────────────────────────────────────────────────────────────

type session struct {
	*wsconn.Session
	transcript bool
	opened     bool // reader goroutine only
}

// SendAudio resamples one 16 kHz capture chunk to 24 kHz and appends it to
// the input audio buffer.
func (s *session) SendAudio(b audio.EncodedBlob) error {
	if s.Closed() {
		return s2s.ErrSessionClosed
	}
	pcm, err := audio.DecodeTransport(b.Data)
	if err != nil {
		return fmt.Errorf("openai: %w", err)
	}
	pcm = audio.ResampleMono16(pcm, audio.CaptureFormat.SampleRate, apiRate)
	return s.WriteJSON(bufferAppend{Type: "input_audio_buffer.append", Audio: audio.EncodeTransport(pcm)})
}

// handleFrame maps one server event. Unknown event types are ignored.
func (s *session) handleFrame(frame []byte) bool {
	var ev serverEvent
	if !s.Decode(frame, &ev) {
		return true
	}

	switch ev.Type {
	case "session.updated":
		// Later updates echo configuration changes and do not reopen.
		if s.opened {
			return true
		}
		s.opened = true
		return s.Emit(s2s.Event{Type: s2s.EventOpened})
	case "response.audio.delta":
		if ev.Delta == "" {
			return true
		}
		return s.Emit(s2s.Event{
			Type:  s2s.EventAudio,
			Audio: audio.EncodedBlob{Data: ev.Delta, MIMEType: outputMIMEType},
		})
	case "response.audio_transcript.delta":
		if !s.transcript || ev.Delta == "" {
			return true
		}
		return s.Emit(s2s.Event{Type: s2s.EventTranscript, Text: ev.Delta, Continuation: true})
	case "input_audio_buffer.speech_started":
		return s.Emit(s2s.Event{Type: s2s.EventInterrupted})
	case "response.done":
		return s.Emit(s2s.Event{Type: s2s.EventTurnComplete})
	case "error":
		msg, code := "unknown error", ""
		if ev.Error != nil {
			code = ev.Error.Code
			if ev.Error.Message != "" {
				msg = ev.Error.Message
			}
		}
		if recoverableErrors[code] {
			slog.Debug("openai: ignoring recoverable error", "code", code, "message", msg)
			return true
		}
		s.Fail(fmt.Errorf("openai: %s", msg))
		return false
	}
	return true
}
