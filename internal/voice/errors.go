package voice

import (
	"errors"
	"fmt"

	"github.com/corbettdesign/studiovoice/pkg/audio"
)

// User-facing messages surfaced when the controller enters [StateError].
const (
	MsgDeviceFailure    = "Microphone access or connection failed."
	MsgTransportFailure = "Connection encountered an error. Please retry."
)

var (
	// ErrNotIdle is returned by [Controller.Start] outside [StateIdle].
	ErrNotIdle = errors.New("voice: session already active")

	// ErrClosed is returned by [Controller.Start] after [Controller.Close].
	ErrClosed = errors.New("voice: controller closed")

	errMicStreamEnded = errors.New("input stream ended")
)

// DeviceAccessError and MalformedAudioError live in the audio package so
// device adapters and the codec can return them directly.
type (
	DeviceAccessError   = audio.DeviceAccessError
	MalformedAudioError = audio.MalformedAudioError
)

// ConfigurationError reports a missing or unusable setting, typically the API
// credential. It is returned before any device is touched.
type ConfigurationError struct {
	Key string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("voice: configuration %s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("voice: configuration %s is not set", e.Key)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TransportError is a session-level failure. The session is considered closed
// once one is reported.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("voice: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SendFailure wraps a single outbound chunk that could not be delivered. It
// is logged and counted, never surfaced.
type SendFailure struct {
	Err error
}

func (e *SendFailure) Error() string { return "voice: send audio: " + e.Err.Error() }

func (e *SendFailure) Unwrap() error { return e.Err }

// userMessage maps an error to the short message shown to the user.
func userMessage(err error) string {
	var dae *DeviceAccessError
	if errors.As(err, &dae) {
		return MsgDeviceFailure
	}
	return MsgTransportFailure
}
