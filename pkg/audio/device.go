// Package audio defines the audio types, PCM codec, and device capabilities
// used by the studiovoice pipeline.
//
// The device abstractions are push-based and session-scoped:
//
//   - [Microphone] grants access and opens an [InputStream] that delivers
//     fixed-size [Chunk] values on a channel.
//   - [Speaker] opens an [OutputContext] with its own clock on which decoded
//     [Buffer] values are scheduled at arbitrary future times.
//
// Implementations live in adapter packages (audio/portaudio, audio/wavfile,
// audio/mock). Every stream and context returned here is owned by the caller
// and must be closed by it; nothing is shared between sessions.
package audio

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed stream or output context.
var ErrClosed = errors.New("audio: device closed")

// DeviceAccessError reports that a microphone or output device is unavailable
// or that access was denied. It is recoverable: the user may retry.
type DeviceAccessError struct {
	// Device names the device kind, e.g. "microphone" or "speaker".
	Device string
	Err    error
}

func (e *DeviceAccessError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Device, e.Err)
}

func (e *DeviceAccessError) Unwrap() error { return e.Err }

// InputConfig selects the capture format and frame size of an input stream.
type InputConfig struct {
	Format Format

	// FrameSize is the number of samples per channel in each delivered chunk.
	FrameSize int
}

// InputStream is a live capture stream. Chunks arrive on Frames until the
// stream is closed or the device fails, at which point the channel is closed.
//
// Implementations must be safe for concurrent use.
type InputStream interface {
	// Frames returns the channel on which captured chunks are delivered.
	// Consumers must drain it promptly; implementations drop chunks rather
	// than block the device callback.
	Frames() <-chan Chunk

	// Close stops capture and releases the device. It is safe to call Close
	// more than once; subsequent calls return nil.
	Close() error
}

// Microphone is a capture device.
type Microphone interface {
	// RequestAccess checks that the device exists and that capture is
	// permitted, without opening a stream. Returns a [*DeviceAccessError] on
	// denial.
	RequestAccess(ctx context.Context) error

	// OpenInput opens a capture stream in the given configuration.
	OpenInput(ctx context.Context, cfg InputConfig) (InputStream, error)
}

// ScheduledSource is a buffer scheduled on an [OutputContext].
type ScheduledSource interface {
	// Start returns the scheduled start time on the output clock, in seconds.
	Start() float64

	// Duration returns the buffer length in seconds.
	Duration() float64

	// Done is closed when the source has finished playing or was stopped.
	Done() <-chan struct{}

	// Stop ends playback immediately. Stopping a finished or already stopped
	// source is a no-op and returns nil.
	Stop() error
}

// OutputContext is an open output device with its own monotonic clock.
//
// Implementations must be safe for concurrent use and must never close a
// source's Done channel while holding a lock that Schedule also takes.
type OutputContext interface {
	// CurrentTime returns the output clock in seconds since the context opened.
	CurrentTime() float64

	// Schedule plays buf starting at time at (seconds on the output clock).
	// Times in the past start immediately.
	Schedule(buf *Buffer, at float64) (ScheduledSource, error)

	// Close stops all sources and releases the device. Idempotent.
	Close() error
}

// Speaker is an output device.
type Speaker interface {
	// OpenOutput opens an output context in the given format.
	OpenOutput(ctx context.Context, format Format) (OutputContext, error)
}
