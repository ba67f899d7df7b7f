// Package genai implements the s2s.Provider interface on top of the official
// Google Gen AI SDK's Live client. It speaks the same Gemini Live protocol as
// package gemini but lets the SDK own the wire format, authentication, and
// setup handshake.
package genai

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	sdk "google.golang.org/genai"

	"github.com/corbettdesign/studiovoice/pkg/audio"
	"github.com/corbettdesign/studiovoice/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"
	eventBuffer  = 64
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the default model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API base URL (http or https). The SDK derives the
// Live WebSocket endpoint from it. Primarily used in tests.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// Provider implements s2s.Provider using google.golang.org/genai.
type Provider struct {
	model   string
	baseURL string
}

// New creates a Provider. The API key is supplied per session through
// [s2s.SessionConfig.APIKey].
func New(opts ...Option) *Provider {
	p := &Provider{model: defaultModel}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live model.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputFormat:          audio.CaptureFormat,
		OutputFormat:         audio.PlaybackFormat,
		MaxSessionDurationMs: 15 * 60 * 1000,
		Voices:               []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Connect creates an SDK client and opens a Live session. The session emits
// [s2s.EventOpened] when the setup acknowledgement arrives.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}

	cc := &sdk.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: sdk.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = sdk.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := sdk.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genai: new client: %w", err)
	}

	live, err := client.Live.Connect(ctx, model, liveConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genai: connect: %w", err)
	}

	sess := &session{
		live:   live,
		events: make(chan s2s.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go sess.receiveLoop()
	return sess, nil
}

// liveConfig maps a session configuration to the SDK's connect config.
func liveConfig(cfg s2s.SessionConfig) *sdk.LiveConnectConfig {
	lc := &sdk.LiveConnectConfig{
		ResponseModalities: []sdk.Modality{sdk.ModalityAudio},
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &sdk.SpeechConfig{
			VoiceConfig: &sdk.VoiceConfig{
				PrebuiltVoiceConfig: &sdk.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &sdk.Content{Parts: []*sdk.Part{{Text: cfg.Instructions}}}
	}
	if cfg.OutputTranscription {
		lc.OutputAudioTranscription = &sdk.AudioTranscriptionConfig{}
	}
	return lc
}

type session struct {
	live   *sdk.Session
	events chan s2s.Event
	done   chan struct{}

	mu     sync.Mutex
	errVal error
	closed bool
}

// receiveLoop blocks in Receive and translates each server message. It owns
// the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.isClosed() {
				return
			}
			if remoteClosed(err) {
				s.emit(s2s.Event{Type: s2s.EventClosed})
				return
			}
			err = fmt.Errorf("genai: receive: %w", err)
			s.setErr(err)
			s.emit(s2s.Event{Type: s2s.EventError, Err: err})
			return
		}
		if !s.handle(msg) {
			return
		}
	}
}

// handle emits the events carried by msg in the order transcript, audio,
// interrupted, turn complete.
func (s *session) handle(msg *sdk.LiveServerMessage) bool {
	if msg.SetupComplete != nil {
		if !s.emit(s2s.Event{Type: s2s.EventOpened}) {
			return false
		}
	}
	sc := msg.ServerContent
	if sc == nil {
		return true
	}

	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.emit(s2s.Event{Type: s2s.EventTranscript, Text: sc.OutputTranscription.Text}) {
			return false
		}
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			// The SDK hands us raw bytes; re-encode so every provider delivers
			// the same transport form to the playback scheduler.
			blob := audio.EncodedBlob{
				Data:     audio.EncodeTransport(part.InlineData.Data),
				MIMEType: part.InlineData.MIMEType,
			}
			if !s.emit(s2s.Event{Type: s2s.EventAudio, Audio: blob}) {
				return false
			}
		}
	}
	if sc.Interrupted {
		if !s.emit(s2s.Event{Type: s2s.EventInterrupted}) {
			return false
		}
	}
	if sc.TurnComplete {
		if !s.emit(s2s.Event{Type: s2s.EventTurnComplete}) {
			return false
		}
	}
	return true
}

// remoteClosed reports whether err is a clean close initiated by the server.
func remoteClosed(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// SendAudio decodes the transport text and forwards the PCM as realtime input.
func (s *session) SendAudio(blob audio.EncodedBlob) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	pcm, err := audio.DecodeTransport(blob.Data)
	if err != nil {
		return fmt.Errorf("genai: %w", err)
	}
	return s.live.SendRealtimeInput(sdk.LiveRealtimeInput{
		Audio: &sdk.Blob{Data: pcm, MIMEType: blob.MIMEType},
	})
}

func (s *session) Events() <-chan s2s.Event { return s.events }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close closes the Live session, which unblocks Receive. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	if err := s.live.Close(); err != nil {
		return fmt.Errorf("genai: close: %w", err)
	}
	return nil
}
