// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time conversational voice model that accepts
// streamed microphone audio and answers with streamed synthesised audio and
// transcript fragments over a single persistent, bidirectional session.
// Examples include Gemini Live and the OpenAI Realtime API.
//
// The central abstraction is SessionHandle: a session whose inbound traffic is
// a single ordered stream of [Event] values. Ordering matters: the voice
// controller applies events in arrival order, so implementations must deliver
// them on one channel from one receive goroutine.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"fmt"

	"github.com/corbettdesign/studiovoice/pkg/audio"
)

// ErrSessionClosed is returned by SendAudio after the session has been closed.
var ErrSessionClosed = errors.New("s2s: session closed")

// EventType discriminates inbound session events.
type EventType int

const (
	// EventOpened is the provider's acknowledgement that the session is set up
	// and ready to receive audio.
	EventOpened EventType = iota

	// EventAudio carries one chunk of synthesised speech as transport-encoded
	// 24 kHz mono PCM.
	EventAudio

	// EventTranscript carries a fragment of the model's spoken-output transcript.
	EventTranscript

	// EventInterrupted reports that the model detected user speech and stopped
	// its current response (barge-in).
	EventInterrupted

	// EventTurnComplete marks the end of the model's generation for a turn.
	EventTurnComplete

	// EventError reports a provider-side error. The session is unusable after it.
	EventError

	// EventClosed reports that the remote side closed the session.
	EventClosed
)

// String returns the lowercase event name, e.g. "audio".
func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "opened"
	case EventAudio:
		return "audio"
	case EventTranscript:
		return "transcript"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is a single inbound message from the remote session.
type Event struct {
	Type EventType

	// Audio is set for EventAudio.
	Audio audio.EncodedBlob

	// Text is set for EventTranscript.
	Text string

	// Continuation marks a transcript fragment that carries its own spacing
	// and continues the previous one directly, as with token-level deltas.
	Continuation bool

	// Err is set for EventError, and for EventClosed when the close was abnormal.
	Err error
}

// SessionConfig is the initial configuration for a new S2S session. The
// response modality is always audio.
type SessionConfig struct {
	// APIKey authenticates the session. It is read from the environment at each
	// session start and never stored in configuration files.
	APIKey string

	// Model overrides the provider's default model when non-empty.
	Model string

	// Voice is the prebuilt voice name, e.g. "Charon".
	Voice string

	// Instructions is the system-level prompt that defines the assistant persona.
	Instructions string

	// OutputTranscription asks the provider to stream a transcript of its
	// spoken output as EventTranscript events.
	OutputTranscription bool
}

// Capabilities describes static properties of the S2S provider.
// The values are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// InputFormat is the PCM format the provider consumes.
	InputFormat audio.Format

	// OutputFormat is the PCM format of EventAudio payloads.
	OutputFormat audio.Format

	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds, as imposed by the provider. Zero means no documented limit.
	MaxSessionDurationMs int

	// Voices lists the prebuilt voice names available for this provider.
	Voices []string
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// All methods must be safe for concurrent use. Callers must call Close when
// the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one encoded capture chunk (16 kHz mono PCM) to the
	// provider. Returns [ErrSessionClosed] after Close, or a transport error.
	SendAudio(blob audio.EncodedBlob) error

	// Events returns the ordered inbound event stream. The channel is closed
	// when the session ends. Consumers must drain it promptly.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil if it ended cleanly
	// or is still open.
	Err() error

	// Close terminates the session and closes the Events channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect dials a new session. It returns once the transport is
	// established; the session is ready for audio after [EventOpened] arrives.
	// The caller owns the SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider's model.
	Capabilities() Capabilities
}
