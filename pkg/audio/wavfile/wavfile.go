// Package wavfile provides file-backed audio devices: a [Microphone] that
// replays a WAV file at real-time pace, a [Speaker] whose output clock is the
// wall clock and whose rendered audio may be written to a WAV file, and a
// [RecordingMicrophone] that tees captured audio to disk.
//
// These devices let the voice pipeline run on machines without sound
// hardware (CI, containers, demos).
package wavfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
)

// pcmFormat is the WAV audio format code for integer PCM.
const pcmFormat = 1

// bitDepth is the sample width of every file this package writes.
const bitDepth = 16

// Writer streams float samples to a 16-bit PCM WAV file.
// It is safe for concurrent use.
type Writer struct {
	mu       sync.Mutex
	f        *os.File
	enc      *wav.Encoder
	format   *goaudio.Format
	scratch  []int
	closed   bool
	closeErr error
}

// Create creates (or truncates) path and returns a Writer for interleaved
// float samples at sampleRate and channels.
func Create(path string, sampleRate, channels int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: create %s: %w", path, err)
	}
	return &Writer{
		f:      f,
		enc:    wav.NewEncoder(f, sampleRate, bitDepth, channels, pcmFormat),
		format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
	}, nil
}

// Path returns the file name the writer was created with.
func (w *Writer) Path() string { return w.f.Name() }

// Write appends samples (interleaved, [-1, 1], clipped) to the file.
func (w *Writer) Write(samples []float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	if cap(w.scratch) < len(samples) {
		w.scratch = make([]int, len(samples))
	}
	data := w.scratch[:len(samples)]
	for i, s := range samples {
		data[i] = int(min(max(s, -1), 1) * 32767)
	}
	return w.enc.Write(&goaudio.IntBuffer{
		Format:         w.format,
		Data:           data,
		SourceBitDepth: bitDepth,
	})
}

// Close finalises the WAV header and closes the file. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return w.closeErr
	}
	w.closed = true
	w.closeErr = errors.Join(w.enc.Close(), w.f.Close())
	return w.closeErr
}

// sessionFile returns a unique file name in dir for the given stream kind,
// e.g. "20261017-101500-1a2b3c4d-input.wav".
func sessionFile(dir, kind string) string {
	id := uuid.NewString()[:8]
	return filepath.Join(dir, fmt.Sprintf("%s-%s-%s.wav", time.Now().Format("20060102-150405"), id, kind))
}

// toInt16 scales a decoded sample of the given bit depth to int16 range.
func toInt16(v, depth int) int16 {
	switch {
	case depth == 8:
		return int16((v - 128) << 8)
	case depth > 16:
		return int16(v >> (depth - 16))
	default:
		return int16(v)
	}
}
