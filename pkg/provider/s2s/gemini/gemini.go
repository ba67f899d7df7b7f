// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio travels as base64 PCM in both directions: 16 kHz mono upstream,
// 24 kHz mono downstream. Inbound payloads are passed through without
// decoding; the playback scheduler decodes them.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/corbettdesign/studiovoice/pkg/audio"
	"github.com/corbettdesign/studiovoice/pkg/provider/s2s"
	"github.com/corbettdesign/studiovoice/pkg/provider/s2s/internal/wsconn"
)

var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*session)(nil)
)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-12-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	bidiPath       = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepalive = 20 * time.Second
)

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

// Provider dials Gemini Live sessions.
type Provider struct {
	model   string
	baseURL string
}

// New returns a Gemini Live provider. The API key arrives per session in
// [s2s.SessionConfig.APIKey].
func New(opts ...Option) *Provider {
	p := &Provider{model: defaultModel, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities reports the Live API's fixed formats and prebuilt voices.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputFormat:          audio.CaptureFormat,
		OutputFormat:         audio.PlaybackFormat,
		MaxSessionDurationMs: 15 * 60 * 1000,
		Voices:               []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Connect dials a Gemini Live session and sends the setup message. The
// session emits [s2s.EventOpened] when the server acknowledges the setup.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	model := cfg.Model
	if model == "" {
		model = p.model
	}

	endpoint := p.baseURL + bidiPath + "?key=" + url.QueryEscape(cfg.APIKey)
	conn, err := wsconn.Dial(ctx, "gemini", endpoint, http.Header{
		"Content-Type": []string{"application/json"},
	})
	if err != nil {
		return nil, err
	}

	s := &session{Session: wsconn.New(conn, "gemini")}
	if err := s.WriteJSON(newSetup(model, cfg)); err != nil {
		s.Abort("setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}
	s.Start(s.handleFrame, keepalive)
	return s, nil
}

// ── Wire format ───────────────────────────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

// blob is base64 media with its MIME type.
type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInputMessage struct {
	RealtimeInput struct {
		Audio *blob `json:"audio"`
	} `json:"realtimeInput"`
}

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	GoAway        *goAway        `json:"goAway,omitempty"`
	Error         *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type serverContent struct {
	ModelTurn           *content `json:"modelTurn,omitempty"`
	TurnComplete        bool     `json:"turnComplete,omitempty"`
	Interrupted         bool     `json:"interrupted,omitempty"`
	OutputTranscription *struct {
		Text string `json:"text"`
	} `json:"outputTranscription,omitempty"`
}

// goAway announces that the server will drop the connection soon.
type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

func newSetup(model string, cfg s2s.SessionConfig) setupMessage {
	m := setupMessage{Setup: setupConfig{
		Model:            "models/" + model,
		GenerationConfig: generationConfig{ResponseModalities: []string{"AUDIO"}},
	}}
	if cfg.Instructions != "" {
		m.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		sc := &speechConfig{}
		sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName = cfg.Voice
		m.Setup.GenerationConfig.SpeechConfig = sc
	}
	if cfg.OutputTranscription {
		m.Setup.OutputAudioTranscription = &struct{}{}
	}
	return m
}

// ── Session ───────────────────────────────────────────────────────────────────

type session struct {
	*wsconn.Session
}

// SendAudio forwards one 16 kHz capture chunk as realtime input. The blob is
// already base64 PCM, so it is not re-encoded.
func (s *session) SendAudio(b audio.EncodedBlob) error {
	var msg realtimeInputMessage
	msg.RealtimeInput.Audio = &blob{MIMEType: b.MIMEType, Data: b.Data}
	return s.WriteJSON(msg)
}

// handleFrame emits the events carried by one server message in the order
// opened, transcript, audio parts, interrupted, turn complete. A server error
// ends the session.
func (s *session) handleFrame(frame []byte) bool {
	var msg serverMessage
	if !s.Decode(frame, &msg) {
		return true
	}

	if msg.SetupComplete != nil && !s.Emit(s2s.Event{Type: s2s.EventOpened}) {
		return false
	}
	if e := msg.Error; e != nil {
		text := e.Message
		if text == "" {
			text = "unknown error"
		}
		s.Fail(fmt.Errorf("gemini: %s", text))
		return false
	}
	if msg.GoAway != nil {
		slog.Warn("gemini: server is closing the session", "time_left", msg.GoAway.TimeLeft)
	}
	if sc := msg.ServerContent; sc != nil {
		return s.emitContent(sc)
	}
	return true
}

func (s *session) emitContent(sc *serverContent) bool {
	var evs []s2s.Event
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		evs = append(evs, s2s.Event{Type: s2s.EventTranscript, Text: t.Text})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			evs = append(evs, s2s.Event{
				Type:  s2s.EventAudio,
				Audio: audio.EncodedBlob{Data: p.InlineData.Data, MIMEType: p.InlineData.MIMEType},
			})
		}
	}
	if sc.Interrupted {
		evs = append(evs, s2s.Event{Type: s2s.EventInterrupted})
	}
	if sc.TurnComplete {
		evs = append(evs, s2s.Event{Type: s2s.EventTurnComplete})
	}
	for _, ev := range evs {
		if !s.Emit(ev) {
			return false
		}
	}
	return true
}
