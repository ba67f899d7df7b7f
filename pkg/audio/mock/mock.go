// Package mock provides in-memory mock implementations of the [audio.Microphone],
// [audio.InputStream], and [audio.Speaker] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := mock.NewMicrophone()
//	spk := &mock.Speaker{}
//	ctrl := voice.NewController(provider, mic, spk)
//	...
//	mic.Emit(audio.Chunk{Samples: make([]float32, 4096), SampleRate: 16000, Channels: 1})
//	spk.Output().Advance(time.Second) // drive the playback clock
package mock

import (
	"context"
	"sync"

	"github.com/corbettdesign/studiovoice/pkg/audio"
	"github.com/corbettdesign/studiovoice/pkg/audio/mixer"
)

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock [audio.InputStream] fed by [InputStream.Emit].
type InputStream struct {
	mu     sync.Mutex
	frames chan audio.Chunk
	closed bool

	// Config is the configuration the stream was opened with.
	Config audio.InputConfig

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewInputStream returns an open stream whose Frames channel buffers up to
// capacity chunks.
func NewInputStream(capacity int) *InputStream {
	return &InputStream{frames: make(chan audio.Chunk, capacity)}
}

// Frames implements [audio.InputStream].
func (s *InputStream) Frames() <-chan audio.Chunk { return s.frames }

// Emit delivers c to the consumer. Returns false if the stream is closed or
// its buffer is full.
func (s *InputStream) Emit(c audio.Chunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- c:
		return true
	default:
		return false
	}
}

// Close implements [audio.InputStream]. Closes the Frames channel once.
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.frames)
	return nil
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// AccessError is returned by RequestAccess.
	AccessError error

	// OpenError is returned by OpenInput.
	OpenError error

	// Capacity is the Frames buffer size of opened streams. Defaults to 16.
	Capacity int

	// CallCountRequestAccess records how many times RequestAccess was called.
	CallCountRequestAccess int

	// Streams holds every stream opened so far, in order.
	Streams []*InputStream

	opened chan struct{}
}

// NewMicrophone returns a microphone that grants access.
func NewMicrophone() *Microphone {
	return &Microphone{opened: make(chan struct{}, 16)}
}

// RequestAccess implements [audio.Microphone]. Returns AccessError.
func (m *Microphone) RequestAccess(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountRequestAccess++
	return m.AccessError
}

// OpenInput implements [audio.Microphone]. Returns a new [InputStream] or OpenError.
func (m *Microphone) OpenInput(_ context.Context, cfg audio.InputConfig) (audio.InputStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenError != nil {
		return nil, m.OpenError
	}
	capacity := m.Capacity
	if capacity <= 0 {
		capacity = 16
	}
	s := NewInputStream(capacity)
	s.Config = cfg
	m.Streams = append(m.Streams, s)
	if m.opened != nil {
		select {
		case m.opened <- struct{}{}:
		default:
		}
	}
	return s, nil
}

// Opened is signalled each time OpenInput succeeds. Only valid for
// microphones created with [NewMicrophone].
func (m *Microphone) Opened() <-chan struct{} { return m.opened }

// OpenCount returns the number of streams opened so far.
func (m *Microphone) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Streams)
}

// Last returns the most recently opened stream, or nil.
func (m *Microphone) Last() *InputStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Streams) == 0 {
		return nil
	}
	return m.Streams[len(m.Streams)-1]
}

// Emit delivers c on the most recently opened stream.
func (m *Microphone) Emit(c audio.Chunk) bool {
	s := m.Last()
	if s == nil {
		return false
	}
	return s.Emit(c)
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock implementation of [audio.Speaker]. Each OpenOutput call
// returns a fresh [mixer.Timeline] whose clock only moves when the test calls
// Advance or Render on it.
type Speaker struct {
	mu sync.Mutex

	// OpenError is returned by OpenOutput.
	OpenError error

	// Outputs holds every output context opened so far, in order.
	Outputs []*mixer.Timeline

	// Formats records the format argument of each OpenOutput call.
	Formats []audio.Format
}

// OpenOutput implements [audio.Speaker].
func (s *Speaker) OpenOutput(_ context.Context, format audio.Format) (audio.OutputContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Formats = append(s.Formats, format)
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	tl := mixer.New(format)
	s.Outputs = append(s.Outputs, tl)
	return tl, nil
}

// Output returns the most recently opened output context, or nil.
func (s *Speaker) Output() *mixer.Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Outputs) == 0 {
		return nil
	}
	return s.Outputs[len(s.Outputs)-1]
}

// OpenCount returns the number of output contexts opened so far.
func (s *Speaker) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Outputs)
}
