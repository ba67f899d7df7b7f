package voice

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/corbettdesign/studiovoice/internal/observe"
	"github.com/corbettdesign/studiovoice/pkg/audio"
	"github.com/corbettdesign/studiovoice/pkg/audio/mixer"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestScheduler_CursorAdvancesBackToBack(t *testing.T) {
	tl := mixer.New(audio.PlaybackFormat)
	s := NewScheduler(tl)
	defer s.Close()

	for i, want := range []float64{0.5, 1.0, 1.5} {
		if err := s.Enqueue(playbackBlob(0.5)); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if got := s.Cursor(); !approx(got, want) {
			t.Errorf("cursor after chunk %d = %v, want %v", i, got, want)
		}
	}
	if s.Live() != 3 || tl.Live() != 3 {
		t.Errorf("live = %d (timeline %d), want 3", s.Live(), tl.Live())
	}
}

func TestScheduler_StartsAtNowWhenCursorBehind(t *testing.T) {
	tl := mixer.New(audio.PlaybackFormat)
	s := NewScheduler(tl)
	defer s.Close()

	tl.Advance(time.Second)
	if err := s.Enqueue(playbackBlob(0.25)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := s.Cursor(); !approx(got, 1.25) {
		t.Errorf("cursor = %v, want 1.25", got)
	}
}

func TestScheduler_MonotonicNoOverlap(t *testing.T) {
	tl := mixer.New(audio.PlaybackFormat)
	var sources []audio.ScheduledSource
	rec := &recordingOutput{OutputContext: tl, onSchedule: func(s audio.ScheduledSource) { sources = append(sources, s) }}
	s := NewScheduler(rec)
	defer s.Close()

	durations := []float64{0.1, 0.3, 0.02, 0.5, 0.25}
	for i, d := range durations {
		if i == 2 {
			tl.Advance(50 * time.Millisecond)
		}
		if err := s.Enqueue(playbackBlob(d)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	for i := 1; i < len(sources); i++ {
		prev, cur := sources[i-1], sources[i]
		if cur.Start() < prev.Start() {
			t.Errorf("source %d starts at %v before source %d at %v", i, cur.Start(), i-1, prev.Start())
		}
		if cur.Start() < prev.Start()+prev.Duration()-1e-9 {
			t.Errorf("source %d overlaps source %d", i, i-1)
		}
	}
}

func TestScheduler_MalformedLeavesCursor(t *testing.T) {
	met, reader := newTestMetrics(t)
	tl := mixer.New(audio.PlaybackFormat)
	s := NewScheduler(tl, WithPlaybackMetrics(met))
	defer s.Close()

	if err := s.Enqueue(playbackBlob(0.5)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	bad := []audio.EncodedBlob{
		{Data: "%%%not-base64"},
		{Data: audio.EncodeTransport([]byte{1, 2, 3})},
	}
	for _, b := range bad {
		err := s.Enqueue(b)
		var mae *MalformedAudioError
		if !errors.As(err, &mae) {
			t.Fatalf("Enqueue(%q) = %v, want *MalformedAudioError", b.Data, err)
		}
	}
	if got := s.Cursor(); !approx(got, 0.5) {
		t.Errorf("cursor = %v, want 0.5", got)
	}
	if s.Live() != 1 {
		t.Errorf("live = %d, want 1", s.Live())
	}
	if got := counterValue(t, reader, "studiovoice.playback.chunks", "status", observe.StatusMalformed); got != 2 {
		t.Errorf("malformed = %d, want 2", got)
	}
}

func TestScheduler_DrainFiresOnce(t *testing.T) {
	tl := mixer.New(audio.PlaybackFormat)
	drained := make(chan struct{}, 4)
	s := NewScheduler(tl, WithOnDrain(func() { drained <- struct{}{} }))
	defer s.Close()

	for range 3 {
		if err := s.Enqueue(playbackBlob(0.5)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	tl.Advance(time.Second)
	waitFor(t, "two sources to finish", func() bool { return s.Live() == 1 })
	select {
	case <-drained:
		t.Fatal("OnDrain fired with a source still live")
	default:
	}

	tl.Advance(500 * time.Millisecond)
	signalled(t, drained, "drain")
	if s.Live() != 0 {
		t.Errorf("live = %d after drain", s.Live())
	}
	select {
	case <-drained:
		t.Fatal("OnDrain fired twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestScheduler_InterruptClearsEverything(t *testing.T) {
	met, reader := newTestMetrics(t)
	tl := mixer.New(audio.PlaybackFormat)
	drained := make(chan struct{}, 1)
	var sources []audio.ScheduledSource
	rec := &recordingOutput{OutputContext: tl, onSchedule: func(s audio.ScheduledSource) { sources = append(sources, s) }}
	s := NewScheduler(rec, WithOnDrain(func() { drained <- struct{}{} }), WithPlaybackMetrics(met))
	defer s.Close()

	for range 2 {
		if err := s.Enqueue(playbackBlob(0.5)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	tl.Advance(100 * time.Millisecond)

	s.Interrupt()

	if s.Live() != 0 {
		t.Errorf("live = %d, want 0", s.Live())
	}
	if s.Cursor() != 0 {
		t.Errorf("cursor = %v, want 0", s.Cursor())
	}
	if tl.Live() != 0 {
		t.Errorf("timeline still has %d sources", tl.Live())
	}
	for i, src := range sources {
		select {
		case <-src.Done():
		default:
			t.Errorf("source %d not stopped", i)
		}
	}
	select {
	case <-drained:
		t.Error("Interrupt must not fire OnDrain")
	case <-time.After(20 * time.Millisecond):
	}
	if got := counterTotal(t, reader, "studiovoice.playback.interrupts"); got != 1 {
		t.Errorf("interrupts = %d, want 1", got)
	}
}

func TestScheduler_InterruptAfterNaturalFinish(t *testing.T) {
	tl := mixer.New(audio.PlaybackFormat)
	s := NewScheduler(tl)
	defer s.Close()

	if err := s.Enqueue(playbackBlob(0.1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	tl.Advance(200 * time.Millisecond)
	waitFor(t, "source to finish", func() bool { return s.Live() == 0 })

	s.Interrupt()
	s.Interrupt()
	if s.Cursor() != 0 {
		t.Errorf("cursor = %v, want 0", s.Cursor())
	}

	// New chunks start from the device clock again.
	if err := s.Enqueue(playbackBlob(0.1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := s.Cursor(); !approx(got, 0.3) {
		t.Errorf("cursor = %v, want 0.3", got)
	}
}

func TestScheduler_CloseIsIdempotent(t *testing.T) {
	tl := mixer.New(audio.PlaybackFormat)
	s := NewScheduler(tl)

	if err := s.Enqueue(playbackBlob(0.5)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !tl.Closed() {
		t.Error("output context not closed")
	}
	if err := s.Enqueue(playbackBlob(0.5)); !errors.Is(err, audio.ErrClosed) {
		t.Errorf("Enqueue after Close = %v, want audio.ErrClosed", err)
	}
}

// recordingOutput reports every scheduled source.
type recordingOutput struct {
	audio.OutputContext
	onSchedule func(audio.ScheduledSource)
}

func (r *recordingOutput) Schedule(buf *audio.Buffer, at float64) (audio.ScheduledSource, error) {
	src, err := r.OutputContext.Schedule(buf, at)
	if err == nil {
		r.onSchedule(src)
	}
	return src, err
}
