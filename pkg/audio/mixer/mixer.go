package mixer

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/corbettdesign/studiovoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.OutputContext   = (*Timeline)(nil)
	_ audio.ScheduledSource = (*source)(nil)
)

// defaultQueueCap is the initial capacity hint for the pending queue.
const defaultQueueCap = 16

// Option configures a [Timeline] during construction.
type Option func(*Timeline)

// WithQueueCapacity sets the initial capacity hint for the internal pending
// queue. This does not impose a hard limit; the queue grows as needed.
func WithQueueCapacity(n int) Option {
	return func(t *Timeline) {
		if n > 0 {
			t.pending = make(pendingHeap, 0, n)
		}
	}
}

// WithOnClose registers fn to run once after the timeline is closed, outside
// the timeline lock. Device adapters use it to stop their stream.
func WithOnClose(fn func() error) Option {
	return func(t *Timeline) {
		t.onClose = fn
	}
}

// Timeline is an [audio.OutputContext] whose clock is the number of frames
// rendered so far. Buffers are scheduled at absolute times and summed into
// the output when the render window reaches them, so back-to-back buffers
// scheduled at start = previous end play gaplessly.
//
// All exported methods are safe for concurrent use.
type Timeline struct {
	format audio.Format

	mu      sync.Mutex
	frame   int64 // frames rendered since open; the output clock
	seq     uint64
	pending pendingHeap
	playing []*source
	closed  bool

	onClose func() error
}

// New creates a [Timeline] producing interleaved output in format.
func New(format audio.Format, opts ...Option) *Timeline {
	t := &Timeline{
		format:  format,
		pending: make(pendingHeap, 0, defaultQueueCap),
	}
	for _, o := range opts {
		o(t)
	}
	heap.Init(&t.pending)
	return t
}

// Format returns the output format of the timeline.
func (t *Timeline) Format() audio.Format { return t.format }

// CurrentTime implements [audio.OutputContext].
func (t *Timeline) CurrentTime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.frame) / float64(t.format.SampleRate)
}

// Schedule implements [audio.OutputContext]. A start time in the past is
// moved to the current clock.
func (t *Timeline) Schedule(buf *audio.Buffer, at float64) (audio.ScheduledSource, error) {
	if buf == nil || buf.SampleRate <= 0 || buf.Channels() == 0 {
		return nil, fmt.Errorf("mixer: schedule: empty buffer")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, audio.ErrClosed
	}

	rate := float64(t.format.SampleRate)
	startFrame := int64(math.Round(at * rate))
	if startFrame < t.frame {
		startFrame = t.frame
	}
	lengthFrames := int64(math.Round(buf.Duration() * rate))

	t.seq++
	s := &source{
		tl:           t,
		buf:          buf,
		seq:          t.seq,
		startFrame:   startFrame,
		lengthFrames: lengthFrames,
		start:        float64(startFrame) / rate,
		duration:     buf.Duration(),
		done:         make(chan struct{}),
		index:        -1,
	}
	if lengthFrames == 0 {
		s.finish()
		return s, nil
	}
	heap.Push(&t.pending, s)
	return s, nil
}

// Render mixes every source overlapping the next len(out)/channels frames into
// out (interleaved, clipped to [-1, 1]) and advances the clock by that many
// frames. Sources that finish inside the window are completed after the lock
// is released. Render returns the number of frames rendered. A closed
// timeline renders silence without advancing.
func (t *Timeline) Render(out []float32) int {
	channels := max(t.format.Channels, 1)
	n := len(out) / channels
	clear(out)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}

	from := t.frame
	to := from + int64(n)

	for t.pending.Len() > 0 && t.pending[0].startFrame < to {
		s := heap.Pop(&t.pending).(*source)
		t.playing = append(t.playing, s)
	}

	var finished []*source
	kept := t.playing[:0]
	for _, s := range t.playing {
		s.mixInto(out, from, to, channels, t.format.SampleRate)
		if s.startFrame+s.lengthFrames <= to {
			finished = append(finished, s)
			continue
		}
		kept = append(kept, s)
	}
	clear(t.playing[len(kept):])
	t.playing = kept
	t.frame = to
	t.mu.Unlock()

	for i, v := range out {
		out[i] = min(max(v, -1), 1)
	}
	for _, s := range finished {
		s.finish()
	}
	return n
}

// Advance renders d worth of frames into a discarded buffer. It is the
// clock driver for virtual outputs.
func (t *Timeline) Advance(d time.Duration) {
	frames := int(d.Seconds() * float64(t.format.SampleRate))
	if frames <= 0 {
		return
	}
	t.Render(make([]float32, frames*max(t.format.Channels, 1)))
}

// Drive renders one tick worth of audio per tick until ctx is cancelled or
// the timeline is closed, passing each rendered block to sink. sink may be nil.
func (t *Timeline) Drive(ctx context.Context, tick time.Duration, sink func([]float32)) {
	frames := int(tick.Seconds() * float64(t.format.SampleRate))
	if frames <= 0 {
		return
	}
	buf := make([]float32, frames*max(t.format.Channels, 1))

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if t.Render(buf) == 0 {
			return
		}
		if sink != nil {
			sink(buf)
		}
	}
}

// Live returns the number of sources that are scheduled or playing.
func (t *Timeline) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending.Len() + len(t.playing)
}

// Closed reports whether Close has been called.
func (t *Timeline) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close stops every source and marks the timeline closed. Close is
// idempotent; subsequent calls are no-ops and return nil.
func (t *Timeline) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	stopped := make([]*source, 0, t.pending.Len()+len(t.playing))
	stopped = append(stopped, t.pending...)
	stopped = append(stopped, t.playing...)
	for _, s := range stopped {
		s.index = -1
	}
	t.pending = nil
	t.playing = nil
	onClose := t.onClose
	t.mu.Unlock()

	for _, s := range stopped {
		s.finish()
	}
	if onClose != nil {
		return onClose()
	}
	return nil
}

// remove detaches s from the timeline. Reports whether s was still live.
// Must be called with t.mu held.
func (t *Timeline) removeLocked(s *source) bool {
	if s.index >= 0 && s.index < t.pending.Len() && t.pending[s.index] == s {
		heap.Remove(&t.pending, s.index)
		return true
	}
	for i, p := range t.playing {
		if p == s {
			t.playing = append(t.playing[:i], t.playing[i+1:]...)
			return true
		}
	}
	return false
}

// source is one buffer scheduled on a [Timeline].
type source struct {
	tl  *Timeline
	buf *audio.Buffer
	seq uint64

	startFrame   int64
	lengthFrames int64
	start        float64
	duration     float64

	index int // position in the pending heap, -1 when not pending

	done     chan struct{}
	doneOnce sync.Once
}

func (s *source) Start() float64        { return s.start }
func (s *source) Duration() float64     { return s.duration }
func (s *source) Done() <-chan struct{} { return s.done }

// Stop removes the source from its timeline and closes Done. Stopping a
// finished source is a no-op.
func (s *source) Stop() error {
	s.tl.mu.Lock()
	s.tl.removeLocked(s)
	s.tl.mu.Unlock()
	s.finish()
	return nil
}

func (s *source) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// mixInto adds the part of s that overlaps frames [from, to) into out.
// Buffers at a different rate are read with nearest-sample lookup; mono
// buffers are copied to every output channel.
func (s *source) mixInto(out []float32, from, to int64, channels, rate int) {
	lo := max(from, s.startFrame)
	hi := min(to, s.startFrame+s.lengthFrames)
	if lo >= hi {
		return
	}
	srcFrames := int64(s.buf.Frames())
	ratio := float64(s.buf.SampleRate) / float64(rate)
	planes := s.buf.Planes

	for f := lo; f < hi; f++ {
		idx := int64(float64(f-s.startFrame) * ratio)
		if idx >= srcFrames {
			break
		}
		base := int(f-from) * channels
		for ch := range channels {
			out[base+ch] += planes[ch%len(planes)][idx]
		}
	}
}
