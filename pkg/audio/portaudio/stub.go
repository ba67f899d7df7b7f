//go:build !portaudio

package portaudio

import (
	"context"
	"errors"

	"github.com/corbettdesign/studiovoice/pkg/audio"
)

// Available reports whether this binary was built with PortAudio support.
const Available = false

var errUnavailable = errors.New("portaudio support not compiled in: rebuild with -tags portaudio")

// Microphone stub when portaudio is not available.
type Microphone struct {
	Buffer int
}

func NewMicrophone() *Microphone { return &Microphone{} }

func (m *Microphone) RequestAccess(_ context.Context) error {
	return &audio.DeviceAccessError{Device: "microphone", Err: errUnavailable}
}

func (m *Microphone) OpenInput(_ context.Context, _ audio.InputConfig) (audio.InputStream, error) {
	return nil, &audio.DeviceAccessError{Device: "microphone", Err: errUnavailable}
}

// Speaker stub when portaudio is not available.
type Speaker struct{}

func NewSpeaker() *Speaker { return &Speaker{} }

func (sp *Speaker) OpenOutput(_ context.Context, _ audio.Format) (audio.OutputContext, error) {
	return nil, &audio.DeviceAccessError{Device: "speaker", Err: errUnavailable}
}
