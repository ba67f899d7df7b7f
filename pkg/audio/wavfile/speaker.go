package wavfile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/corbettdesign/studiovoice/pkg/audio"
	"github.com/corbettdesign/studiovoice/pkg/audio/mixer"
)

var _ audio.Speaker = (*Speaker)(nil)

// DefaultTick is the render period of a [Speaker] when Tick is zero.
const DefaultTick = 20 * time.Millisecond

// Speaker is a virtual output device. Each output context is a
// [mixer.Timeline] advanced by the wall clock; when Dir is set, the rendered
// mix is written to a new WAV file in Dir.
type Speaker struct {
	// Dir receives one "<timestamp>-<id>-output.wav" file per opened output.
	// Empty discards the rendered audio.
	Dir string

	// Tick is the render period. Defaults to [DefaultTick].
	Tick time.Duration
}

// OpenOutput implements [audio.Speaker].
func (sp *Speaker) OpenOutput(ctx context.Context, format audio.Format) (audio.OutputContext, error) {
	var w *Writer
	if sp.Dir != "" {
		var err error
		w, err = Create(sessionFile(sp.Dir, "output"), format.SampleRate, max(format.Channels, 1))
		if err != nil {
			return nil, &audio.DeviceAccessError{Device: "speaker", Err: err}
		}
		slog.Debug("wavfile: recording playback", "path", w.Path())
	}

	tick := sp.Tick
	if tick <= 0 {
		tick = DefaultTick
	}

	driveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	tl := mixer.New(format, mixer.WithOnClose(func() error {
		cancel()
		wg.Wait()
		if w != nil {
			return w.Close()
		}
		return nil
	}))

	var sink func([]float32)
	if w != nil {
		sink = func(block []float32) {
			if err := w.Write(block); err != nil {
				slog.Debug("wavfile: playback write failed", "err", err)
			}
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		tl.Drive(driveCtx, tick, sink)
	}()
	return tl, nil
}
