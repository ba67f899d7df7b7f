package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable description such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Fixed formats used by the voice pipeline. The remote model consumes 16 kHz
// mono PCM and produces 24 kHz mono PCM.
var (
	CaptureFormat  = Format{SampleRate: 16000, Channels: 1}
	PlaybackFormat = Format{SampleRate: 24000, Channels: 1}
)

const (
	// CaptureFrameSize is the number of samples per channel delivered by the
	// microphone for each captured chunk.
	CaptureFrameSize = 4096

	// CaptureMIMEType tags outbound PCM blobs.
	CaptureMIMEType = "audio/pcm;rate=16000"
)

// Chunk is a contiguous block of captured float samples in [-1, 1].
// Multi-channel data is interleaved. A Chunk is immutable once produced.
type Chunk struct {
	Samples []float32

	SampleRate int
	Channels   int

	// Timestamp marks when this chunk was captured, relative to stream start.
	Timestamp time.Duration
}

// Frame is a block of little-endian int16 PCM bytes. Frames are what the
// [FormatConverter] and the remote transports operate on.
type Frame struct {
	Data []byte

	// SampleRate in Hz (e.g. 16000 for capture, 24000 for playback).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	Timestamp time.Duration
}

// Format returns the frame's sample rate and channel count.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// EncodedBlob is an outbound audio payload in transport-safe text form.
type EncodedBlob struct {
	// Data is the base64 text encoding of little-endian int16 PCM.
	Data string

	// MIMEType identifies the payload, e.g. "audio/pcm;rate=16000".
	MIMEType string
}

// Buffer is decoded, de-interleaved float audio ready for playback.
type Buffer struct {
	SampleRate int

	// Planes holds one slice per channel; all planes have equal length.
	Planes [][]float32
}

// Channels returns the number of channel planes in b.
func (b *Buffer) Channels() int { return len(b.Planes) }

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if len(b.Planes) == 0 {
		return 0
	}
	return len(b.Planes[0])
}

// Duration returns the playback length of b in seconds.
func (b *Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
