package voice

import (
	"context"
	"fmt"
	"sync"

	"github.com/corbettdesign/studiovoice/internal/observe"
	"github.com/corbettdesign/studiovoice/pkg/audio"
)

// SchedulerOption configures a [Scheduler].
type SchedulerOption func(*Scheduler)

// WithOnDrain registers fn to run whenever the live-sources set becomes empty
// because its last source finished playing. fn runs on its own goroutine path
// with no scheduler lock held. Interrupt never triggers it.
func WithOnDrain(fn func()) SchedulerOption {
	return func(s *Scheduler) { s.onDrain = fn }
}

// WithPlaybackMetrics records chunk outcomes and interruptions on m.
func WithPlaybackMetrics(m *observe.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler plays inbound audio chunks back to back on an output context.
// Each chunk starts at max(cursor, now) and advances the cursor by its
// duration, so playback order always matches arrival order.
type Scheduler struct {
	out     audio.OutputContext
	onDrain func()
	metrics *observe.Metrics

	mu     sync.Mutex
	cursor float64
	live   map[audio.ScheduledSource]struct{}
	closed bool

	wg sync.WaitGroup
}

// NewScheduler returns a Scheduler writing to out.
func NewScheduler(out audio.OutputContext, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		out:  out,
		live: make(map[audio.ScheduledSource]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue decodes blob as 24 kHz mono PCM16 and schedules it after everything
// already queued. A chunk that cannot be decoded returns
// *audio.MalformedAudioError and leaves the cursor untouched.
func (s *Scheduler) Enqueue(blob audio.EncodedBlob) error {
	pcm, err := audio.DecodeTransport(blob.Data)
	if err != nil {
		s.record(observe.StatusMalformed)
		return err
	}
	buf, err := audio.PCM16ToFloat(pcm, audio.PlaybackFormat.SampleRate, audio.PlaybackFormat.Channels)
	if err != nil {
		s.record(observe.StatusMalformed)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.ErrClosed
	}

	start := max(s.cursor, s.out.CurrentTime())
	src, err := s.out.Schedule(buf, start)
	if err != nil {
		return fmt.Errorf("voice: schedule: %w", err)
	}
	s.live[src] = struct{}{}
	s.cursor = start + buf.Duration()
	s.record(observe.StatusScheduled)

	s.wg.Go(func() {
		<-src.Done()
		s.complete(src)
	})
	return nil
}

// complete removes src from the live set and fires OnDrain when it was the
// last one. A source already removed by Interrupt is ignored.
func (s *Scheduler) complete(src audio.ScheduledSource) {
	s.mu.Lock()
	if _, ok := s.live[src]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.live, src)
	drained := len(s.live) == 0
	s.mu.Unlock()

	if drained && s.onDrain != nil {
		s.onDrain()
	}
}

// Interrupt stops every live source, empties the set, and resets the cursor
// to zero. It is safe to call at any time, including after sources finished.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	snapshot := make([]audio.ScheduledSource, 0, len(s.live))
	for src := range s.live {
		snapshot = append(snapshot, src)
	}
	clear(s.live)
	s.cursor = 0
	s.mu.Unlock()

	for _, src := range snapshot {
		_ = src.Stop()
	}
	if len(snapshot) > 0 && s.metrics != nil {
		s.metrics.PlaybackInterrupts.Add(context.Background(), 1)
	}
}

// Cursor returns the time at which the next chunk would start if the output
// clock has not passed it.
func (s *Scheduler) Cursor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Live returns the number of sources scheduled and not yet finished.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Close interrupts playback, closes the output context, and waits for the
// completion watchers. Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Interrupt()
	err := s.out.Close()
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("voice: close output: %w", err)
	}
	return nil
}

func (s *Scheduler) record(status string) {
	if s.metrics != nil {
		s.metrics.RecordPlaybackChunk(context.Background(), status)
	}
}
