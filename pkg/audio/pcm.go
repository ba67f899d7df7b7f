package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// pcmScale maps between float samples in [-1, 1] and int16 PCM.
const pcmScale = 32768

// MalformedAudioError reports an audio payload that cannot be decoded.
// Callers treat it as a per-chunk failure: the chunk is dropped and the
// session continues.
type MalformedAudioError struct {
	Reason string
	Err    error
}

func (e *MalformedAudioError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed audio: %s: %v", e.Reason, e.Err)
	}
	return "malformed audio: " + e.Reason
}

func (e *MalformedAudioError) Unwrap() error { return e.Err }

// FloatToPCM16 converts float samples to int16 by multiplying by 32768 and
// truncating toward zero. Input is assumed to lie in [-1, 1]; values outside
// that range are not clamped and wrap per integer conversion (1.0 becomes
// -32768).
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = int16(int32(s * pcmScale))
	}
	return out
}

// PCM16ToFloat reinterprets b as interleaved little-endian int16 samples,
// de-interleaves them into channel planes, and normalises by 1/32768.
// It returns a [*MalformedAudioError] when len(b) is not a multiple of
// 2*channels or the format is invalid.
func PCM16ToFloat(b []byte, sampleRate, channels int) (*Buffer, error) {
	if channels <= 0 || sampleRate <= 0 {
		return nil, &MalformedAudioError{Reason: fmt.Sprintf("invalid format %s", formatString(sampleRate, channels))}
	}
	if len(b)%(2*channels) != 0 {
		return nil, &MalformedAudioError{Reason: fmt.Sprintf("%d bytes is not a whole number of %d-channel int16 frames", len(b), channels)}
	}

	frames := len(b) / (2 * channels)
	buf := &Buffer{SampleRate: sampleRate, Planes: make([][]float32, channels)}
	for ch := range buf.Planes {
		buf.Planes[ch] = make([]float32, frames)
	}
	for i := range frames {
		for ch := range channels {
			buf.Planes[ch][i] = float32(sampleAt(b, i*channels+ch)) / pcmScale
		}
	}
	return buf, nil
}

// PCM16Bytes packs samples as little-endian int16 bytes.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Int16Samples unpacks little-endian int16 bytes. A trailing odd byte is ignored.
func Int16Samples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// EncodeTransport returns the text-safe (standard base64) form of b.
func EncodeTransport(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeTransport reverses [EncodeTransport]. Invalid input yields a
// [*MalformedAudioError].
func DecodeTransport(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &MalformedAudioError{Reason: "invalid transport encoding", Err: err}
	}
	return b, nil
}
