package wavfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"

	"github.com/corbettdesign/studiovoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone  = (*Microphone)(nil)
	_ audio.InputStream = (*fileStream)(nil)
)

// Microphone replays a WAV file as live capture. Chunks are delivered at the
// pace a real device would produce them. After the file ends the stream
// keeps delivering silence (or restarts, with Loop) until closed.
type Microphone struct {
	// Path is the WAV file to replay.
	Path string

	// Loop restarts the file instead of emitting silence after the end.
	Loop bool

	// Unpaced delivers chunks as fast as the consumer accepts them. Tests use
	// it to avoid waiting on the wall clock.
	Unpaced bool
}

// RequestAccess implements [audio.Microphone] by validating the WAV header.
func (m *Microphone) RequestAccess(_ context.Context) error {
	f, err := os.Open(m.Path)
	if err != nil {
		return &audio.DeviceAccessError{Device: "microphone", Err: err}
	}
	defer f.Close()
	if !wav.NewDecoder(f).IsValidFile() {
		return &audio.DeviceAccessError{Device: "microphone", Err: fmt.Errorf("%s is not a valid WAV file", m.Path)}
	}
	return nil
}

// OpenInput implements [audio.Microphone]. The whole file is decoded and
// converted to cfg.Format up front.
func (m *Microphone) OpenInput(ctx context.Context, cfg audio.InputConfig) (audio.InputStream, error) {
	samples, err := m.load(cfg.Format)
	if err != nil {
		return nil, &audio.DeviceAccessError{Device: "microphone", Err: err}
	}
	frameSize := cfg.FrameSize
	if frameSize <= 0 {
		frameSize = audio.CaptureFrameSize
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &fileStream{
		frames: make(chan audio.Chunk, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx, samples, cfg.Format, frameSize, m.Loop, m.Unpaced)
	return s, nil
}

// load decodes the file into float samples in the target format.
func (m *Microphone) load(target audio.Format) ([]float32, error) {
	f, err := os.Open(m.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid WAV file", m.Path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", m.Path, err)
	}

	pcm := make([]int16, len(buf.Data))
	depth := int(dec.BitDepth)
	for i, v := range buf.Data {
		pcm[i] = toInt16(v, depth)
	}
	frame := audio.Frame{
		Data:       audio.PCM16Bytes(pcm),
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}
	conv := audio.FormatConverter{Target: target}
	frame = conv.Convert(frame)

	out, err := audio.PCM16ToFloat(frame.Data, frame.SampleRate, frame.Channels)
	if err != nil {
		return nil, err
	}
	return interleave(out), nil
}

func interleave(buf *audio.Buffer) []float32 {
	channels := buf.Channels()
	out := make([]float32, buf.Frames()*channels)
	for i := range buf.Frames() {
		for ch := range channels {
			out[i*channels+ch] = buf.Planes[ch][i]
		}
	}
	return out
}

type fileStream struct {
	frames chan audio.Chunk
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

func (s *fileStream) Frames() <-chan audio.Chunk { return s.frames }

func (s *fileStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

func (s *fileStream) run(ctx context.Context, samples []float32, format audio.Format, frameSize int, loop, unpaced bool) {
	defer close(s.done)
	defer close(s.frames)

	channels := max(format.Channels, 1)
	step := frameSize * channels
	period := time.Duration(float64(frameSize) / float64(format.SampleRate) * float64(time.Second))

	var tick <-chan time.Time
	if !unpaced {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		tick = ticker.C
	}

	pos := 0
	var elapsed time.Duration
	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			}
		}

		chunk := make([]float32, step)
		if pos < len(samples) {
			pos += copy(chunk, samples[pos:])
		}
		if pos >= len(samples) && loop && len(samples) > 0 {
			pos = 0
		}

		select {
		case <-ctx.Done():
			return
		case s.frames <- audio.Chunk{
			Samples:    chunk,
			SampleRate: format.SampleRate,
			Channels:   channels,
			Timestamp:  elapsed,
		}:
		}
		elapsed += period
	}
}

// RecordingMicrophone wraps a microphone and writes everything it captures
// to a new WAV file in Dir for each opened stream.
type RecordingMicrophone struct {
	audio.Microphone
	Dir string
}

// OpenInput implements [audio.Microphone].
func (r *RecordingMicrophone) OpenInput(ctx context.Context, cfg audio.InputConfig) (audio.InputStream, error) {
	inner, err := r.Microphone.OpenInput(ctx, cfg)
	if err != nil {
		return nil, err
	}
	w, err := Create(sessionFile(r.Dir, "input"), cfg.Format.SampleRate, max(cfg.Format.Channels, 1))
	if err != nil {
		_ = inner.Close()
		return nil, &audio.DeviceAccessError{Device: "microphone", Err: err}
	}
	t := &teeStream{
		inner:  inner,
		w:      w,
		frames: make(chan audio.Chunk, cap(inner.Frames())+1),
		done:   make(chan struct{}),
	}
	go t.run()
	slog.Debug("wavfile: recording capture", "path", w.Path())
	return t, nil
}

type teeStream struct {
	inner  audio.InputStream
	w      *Writer
	frames chan audio.Chunk
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (t *teeStream) Frames() <-chan audio.Chunk { return t.frames }

func (t *teeStream) run() {
	defer close(t.done)
	defer close(t.frames)
	for c := range t.inner.Frames() {
		if err := t.w.Write(c.Samples); err != nil {
			slog.Debug("wavfile: record write failed", "err", err)
		}
		select {
		case t.frames <- c:
		default:
		}
	}
}

// Close closes the inner stream, waits for the relay, and finalises the file.
func (t *teeStream) Close() error {
	t.closeOnce.Do(func() {
		err := t.inner.Close()
		<-t.done
		t.closeErr = errors.Join(err, t.w.Close())
	})
	return t.closeErr
}
