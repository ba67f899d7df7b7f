//go:build portaudio

// Package portaudio adapts the host's default input and output devices to the
// [audio.Microphone] and [audio.Speaker] capabilities. It requires the
// PortAudio C library and the build tag "portaudio"; without the tag every
// device reports itself unavailable.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/corbettdesign/studiovoice/pkg/audio"
	"github.com/corbettdesign/studiovoice/pkg/audio/mixer"
)

// Available reports whether this binary was built with PortAudio support.
const Available = true

// outputFramesPerBuffer is the device callback size for playback.
const outputFramesPerBuffer = 1024

// Compile-time interface assertions.
var (
	_ audio.Microphone  = (*Microphone)(nil)
	_ audio.Speaker     = (*Speaker)(nil)
	_ audio.InputStream = (*inputStream)(nil)
)

// usingPortaudio runs fn between Initialize and Terminate. PortAudio
// reference-counts initialisation, so nested use is safe.
func usingPortaudio(fn func() error) (err error) {
	if err = pa.Initialize(); err != nil {
		return fmt.Errorf("initializing portaudio: %w", err)
	}
	defer func() {
		if e := pa.Terminate(); e != nil {
			err = errors.Join(err, fmt.Errorf("terminating portaudio: %w", e))
		}
	}()
	return fn()
}

// Microphone captures from the default input device.
type Microphone struct {
	// Buffer is the number of chunks held for a slow consumer before the
	// device callback starts dropping. Defaults to 8.
	Buffer int
}

// NewMicrophone returns a microphone bound to the default input device.
func NewMicrophone() *Microphone { return &Microphone{Buffer: 8} }

// RequestAccess implements [audio.Microphone] by resolving the default input
// device without opening a stream.
func (m *Microphone) RequestAccess(_ context.Context) error {
	err := usingPortaudio(func() error {
		dev, err := pa.DefaultInputDevice()
		if err != nil {
			return err
		}
		if dev == nil || dev.MaxInputChannels < 1 {
			return errors.New("no input channels")
		}
		return nil
	})
	if err != nil {
		return &audio.DeviceAccessError{Device: "microphone", Err: err}
	}
	return nil
}

// OpenInput implements [audio.Microphone].
func (m *Microphone) OpenInput(_ context.Context, cfg audio.InputConfig) (audio.InputStream, error) {
	if err := pa.Initialize(); err != nil {
		return nil, &audio.DeviceAccessError{Device: "microphone", Err: err}
	}

	s := &inputStream{
		frames:  make(chan audio.Chunk, max(m.Buffer, 1)),
		format:  cfg.Format,
		started: time.Now(),
	}
	stream, err := pa.OpenDefaultStream(cfg.Format.Channels, 0, float64(cfg.Format.SampleRate), cfg.FrameSize, s.callback)
	if err != nil {
		_ = pa.Terminate()
		return nil, &audio.DeviceAccessError{Device: "microphone", Err: fmt.Errorf("opening stream: %w", err)}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, &audio.DeviceAccessError{Device: "microphone", Err: fmt.Errorf("starting stream: %w", err)}
	}
	s.stream = stream
	slog.Debug("portaudio: input stream started", "format", cfg.Format.String(), "frame_size", cfg.FrameSize)
	return s, nil
}

type inputStream struct {
	stream  *pa.Stream
	frames  chan audio.Chunk
	format  audio.Format
	started time.Time

	dropped   int
	closeOnce sync.Once
	closeErr  error
}

// callback runs on the PortAudio thread. It must not block.
func (s *inputStream) callback(in []float32) {
	samples := make([]float32, len(in))
	copy(samples, in)
	c := audio.Chunk{
		Samples:    samples,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Timestamp:  time.Since(s.started),
	}
	select {
	case s.frames <- c:
	default:
		s.dropped++
	}
}

func (s *inputStream) Frames() <-chan audio.Chunk { return s.frames }

func (s *inputStream) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping stream: %w", err))
		}
		if err := s.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing stream: %w", err))
		}
		if err := pa.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("terminating portaudio: %w", err))
		}
		// The callback is no longer running once Stop returns.
		close(s.frames)
		if s.dropped > 0 {
			slog.Debug("portaudio: input stream closed", "dropped_chunks", s.dropped)
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Speaker plays to the default output device. Each output context is a
// [mixer.Timeline] rendered from the device callback, so the timeline clock
// is the device clock.
type Speaker struct{}

// NewSpeaker returns a speaker bound to the default output device.
func NewSpeaker() *Speaker { return &Speaker{} }

// OpenOutput implements [audio.Speaker].
func (sp *Speaker) OpenOutput(_ context.Context, format audio.Format) (audio.OutputContext, error) {
	if err := pa.Initialize(); err != nil {
		return nil, &audio.DeviceAccessError{Device: "speaker", Err: err}
	}

	var stream *pa.Stream
	tl := mixer.New(format, mixer.WithOnClose(func() error {
		return errors.Join(stream.Stop(), stream.Close(), pa.Terminate())
	}))

	stream, err := pa.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), outputFramesPerBuffer, func(out []float32) {
		tl.Render(out)
	})
	if err != nil {
		_ = pa.Terminate()
		return nil, &audio.DeviceAccessError{Device: "speaker", Err: fmt.Errorf("opening stream: %w", err)}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, &audio.DeviceAccessError{Device: "speaker", Err: fmt.Errorf("starting stream: %w", err)}
	}
	slog.Debug("portaudio: output stream started", "format", format.String())
	return tl, nil
}
