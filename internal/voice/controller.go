// Package voice implements the real-time voice session pipeline: microphone
// capture, gapless playback of streamed model audio, and the controller that
// drives both from a remote speech-to-speech session.
//
// A [Controller] owns at most one session at a time. Every start creates a
// fresh resource bundle (session, capture, playback scheduler) and every stop
// or failure destroys it, so nothing leaks across sessions. Callbacks that
// arrive for a bundle that is no longer current are ignored.
//
// Lock order is Controller, then Scheduler, then the output context. Device
// and network resources are always released with the controller lock dropped.
package voice

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/corbettdesign/studiovoice/internal/observe"
	"github.com/corbettdesign/studiovoice/internal/resilience"
	"github.com/corbettdesign/studiovoice/pkg/audio"
	"github.com/corbettdesign/studiovoice/pkg/provider/s2s"
)

// DefaultAPIKeyEnv is the environment variable holding the API credential
// when [Settings.APIKeyEnv] is empty.
const DefaultAPIKeyEnv = "API_KEY"

// Start outcome labels for the sessions.started counter.
const (
	startConfigError    = "config_error"
	startDeviceError    = "device_error"
	startTransportError = "transport_error"
)

// Settings are read at each start. Changing them never affects a session that
// is already running.
type Settings struct {
	// APIKeyEnv names the environment variable holding the credential.
	APIKeyEnv string

	Model               string
	Voice               string
	Instructions        string
	OutputTranscription bool

	// ConnectTimeout bounds the time from start to the open ack. Zero waits
	// until the session opens, fails, or is stopped.
	ConnectTimeout time.Duration
}

// UpdateKind distinguishes the payloads delivered by [Controller.Subscribe].
type UpdateKind string

const (
	UpdateState      UpdateKind = "state"
	UpdateTranscript UpdateKind = "transcript"
)

// Update is a change notification for the control surface.
type Update struct {
	Kind       UpdateKind
	State      State
	Message    string
	Transcript string
}

// Option configures a [Controller].
type Option func(*Controller)

// WithSettings sets the initial session settings.
func WithSettings(s Settings) Option {
	return func(c *Controller) { c.settings = s }
}

// WithMetrics records controller, capture, and playback metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithBreaker guards session connects with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Controller) { c.breaker = cb }
}

// WithLookupEnv replaces os.LookupEnv for reading the credential.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(c *Controller) { c.lookupEnv = fn }
}

// WithCaptureOptions passes extra options to every [StartCapture] call.
func WithCaptureOptions(opts ...CaptureOption) Option {
	return func(c *Controller) { c.captureOpts = append(c.captureOpts, opts...) }
}

// Controller drives one voice session at a time through the [State] machine.
// It is safe for concurrent use.
type Controller struct {
	provider    s2s.Provider
	mic         audio.Microphone
	speaker     audio.Speaker
	metrics     *observe.Metrics
	breaker     *resilience.CircuitBreaker
	lookupEnv   func(string) (string, bool)
	captureOpts []CaptureOption

	machine    *Machine
	transcript TranscriptBuffer

	mu       sync.Mutex
	settings Settings
	current  *bundle
	lastErr  error
	closed   bool

	subMu      sync.Mutex
	subs       map[int]chan Update
	nextID     int
	subsClosed bool
}

// bundle is the set of resources owned by one started session.
type bundle struct {
	id       string
	settings Settings
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	// Written under Controller.mu while the bundle is current.
	session   s2s.SessionHandle
	capture   *Capture
	scheduler *Scheduler

	wg sync.WaitGroup
}

// NewController returns an idle controller. mic and speaker are opened
// anew for every session.
func NewController(provider s2s.Provider, mic audio.Microphone, speaker audio.Speaker, opts ...Option) *Controller {
	c := &Controller{
		provider:  provider,
		mic:       mic,
		speaker:   speaker,
		lookupEnv: os.LookupEnv,
		subs:      make(map[int]chan Update),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:      "s2s-connect",
			IsFailure: ConnectFailure,
		})
	}
	c.machine = NewMachine(c.onTransition)
	return c
}

// State returns the current state.
func (c *Controller) State() State { return c.machine.Current() }

// Message returns the user-facing message of the current state, if any.
func (c *Controller) Message() string { return c.machine.Message() }

// Transcript returns the transcript of the current turn.
func (c *Controller) Transcript() string { return c.transcript.Text() }

// LastError returns the error that moved the controller into [StateError],
// or nil.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Settings returns the settings the next start will use.
func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// SetSettings replaces the settings used by the next start.
func (c *Controller) SetSettings(s Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = s
}

// StateChanges subscribes to raw state transitions.
func (c *Controller) StateChanges(size int) (<-chan StateChange, func()) {
	return c.machine.Subscribe(size)
}

// Subscribe returns a channel of state and transcript updates buffered to
// size. Updates are dropped for a subscriber that falls behind. Call the
// returned func to unsubscribe. After [Controller.Close] the channel is
// returned already closed.
func (c *Controller) Subscribe(size int) (<-chan Update, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	ch := make(chan Update, max(size, 1))
	if c.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

func (c *Controller) publish(u Update) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func (c *Controller) onTransition(sc StateChange) {
	c.metrics.RecordTransition(context.Background(), sc.From.String(), sc.To.String())
	c.publish(Update{Kind: UpdateState, State: sc.To, Message: sc.Message})
}

// transitionLocked moves the machine; c.mu must be held.
func (c *Controller) transitionLocked(to State, msg string) {
	if _, err := c.machine.Transition(to, msg); err != nil {
		slog.Warn("voice: rejected transition", "err", err)
	}
}

func (c *Controller) resetTranscriptLocked() {
	if c.transcript.Text() == "" {
		return
	}
	c.transcript.Reset()
	c.publish(Update{Kind: UpdateTranscript})
}

// Start begins a new session. It is only valid in [StateIdle] and returns
// [ErrNotIdle] otherwise. The credential is checked first; when it is missing
// a *ConfigurationError is returned, the state stays idle, and no device is
// touched. On success the controller is [StateConnecting] and the connect
// sequence continues in the background.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.machine.Current() != StateIdle {
		return ErrNotIdle
	}

	settings := c.settings
	envName := settings.APIKeyEnv
	if envName == "" {
		envName = DefaultAPIKeyEnv
	}
	key, ok := c.lookupEnv(envName)
	if !ok || key == "" {
		c.metrics.RecordSessionStart(ctx, startConfigError)
		return &ConfigurationError{Key: envName}
	}

	id := uuid.NewString()
	bctx, cancel := context.WithCancel(observe.WithSessionID(context.WithoutCancel(ctx), id))
	b := &bundle{
		id:       id,
		settings: settings,
		started:  time.Now(),
		ctx:      bctx,
		cancel:   cancel,
		log:      observe.Logger(bctx),
	}
	c.current = b
	c.lastErr = nil
	c.resetTranscriptLocked()
	c.transitionLocked(StateConnecting, "")

	cfg := s2s.SessionConfig{
		APIKey:              key,
		Model:               settings.Model,
		Voice:               settings.Voice,
		Instructions:        settings.Instructions,
		OutputTranscription: settings.OutputTranscription,
	}
	b.wg.Go(func() { c.connect(b, cfg) })
	b.log.Info("voice: session starting", "model", settings.Model, "voice", settings.Voice)
	return nil
}

// connect acquires the devices and dials the provider. It runs on the
// bundle's goroutine and hands over to receive once the session exists.
func (c *Controller) connect(b *bundle, cfg s2s.SessionConfig) {
	ctx, span := observe.StartSpan(b.ctx, "voice.connect",
		trace.WithAttributes(attribute.String("model", cfg.Model)))
	defer span.End()

	if err := c.mic.RequestAccess(ctx); err != nil {
		c.fail(b, asDeviceError("microphone", err))
		return
	}

	out, err := c.speaker.OpenOutput(ctx, audio.PlaybackFormat)
	if err != nil {
		c.fail(b, asDeviceError("speaker", err))
		return
	}
	sched := NewScheduler(out,
		WithOnDrain(func() { c.drained(b) }),
		WithPlaybackMetrics(c.metrics),
	)
	if !c.attach(b, func() { b.scheduler = sched }) {
		_ = sched.Close()
		return
	}

	dialCtx := ctx
	if t := b.settings.ConnectTimeout; t > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithDeadline(ctx, b.started.Add(t))
		defer cancel()
	}
	var sess s2s.SessionHandle
	err = c.breaker.Execute(func() error {
		var err error
		sess, err = c.provider.Connect(dialCtx, cfg)
		return err
	})
	if err != nil {
		if b.ctx.Err() != nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		c.fail(b, &TransportError{Op: "connect", Err: err})
		return
	}
	if !c.attach(b, func() { b.session = sess }) {
		_ = sess.Close()
		return
	}
	c.metrics.ActiveSessions.Add(ctx, 1)

	b.wg.Go(func() { c.receive(b, sess) })
}

// ConnectFailure reports whether a connect error should count against the
// circuit breaker. Connects abandoned by a stop do not.
func ConnectFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// attach runs fn under the controller lock if b is still current.
func (c *Controller) attach(b *bundle, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != b {
		return false
	}
	fn()
	return true
}

// receive consumes the session's events in arrival order.
func (c *Controller) receive(b *bundle, sess s2s.SessionHandle) {
	var deadline <-chan time.Time
	if t := b.settings.ConnectTimeout; t > 0 {
		timer := time.NewTimer(max(time.Until(b.started.Add(t)), 0))
		defer timer.Stop()
		deadline = timer.C
	}

	var micEnded <-chan struct{}
	events := sess.Events()
	for {
		select {
		case <-b.ctx.Done():
			return

		case <-micEnded:
			c.fail(b, &audio.DeviceAccessError{Device: "microphone", Err: errMicStreamEnded})
			return

		case <-deadline:
			if c.isConnecting(b) {
				c.fail(b, &TransportError{Op: "connect", Err: context.DeadlineExceeded})
				return
			}

		case ev, ok := <-events:
			if !ok {
				if err := sess.Err(); err != nil {
					c.fail(b, &TransportError{Op: "receive", Err: err})
				} else {
					c.remoteClosed(b)
				}
				return
			}
			if ev.Type == s2s.EventOpened {
				deadline = nil
				micEnded = c.opened(b, sess)
				continue
			}
			if !c.handle(b, ev) {
				return
			}
		}
	}
}

func (c *Controller) isConnecting(b *bundle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == b && c.machine.Current() == StateConnecting
}

// opened starts the capture pipeline and moves to listening. It returns the
// capture's end-of-stream signal, or nil when no capture was started.
func (c *Controller) opened(b *bundle, sess s2s.SessionHandle) <-chan struct{} {
	if !c.isConnecting(b) {
		return nil
	}

	send := func(blob audio.EncodedBlob) error {
		// No-op once the bundle has been torn down.
		if b.ctx.Err() != nil {
			return nil
		}
		return sess.SendAudio(blob)
	}
	opts := append([]CaptureOption{
		WithCaptureMetrics(c.metrics),
		WithCaptureLogger(b.log),
	}, c.captureOpts...)

	capture, err := StartCapture(b.ctx, c.mic, send, opts...)
	if err != nil {
		c.fail(b, err)
		return nil
	}

	c.mu.Lock()
	if c.current != b {
		c.mu.Unlock()
		_ = capture.Stop()
		return nil
	}
	b.capture = capture
	c.metrics.ConnectDuration.Record(b.ctx, time.Since(b.started).Seconds())
	c.metrics.RecordSessionStart(b.ctx, observe.StatusOK)
	c.transitionLocked(StateListening, "")
	c.mu.Unlock()

	b.log.Info("voice: session open", "connect_ms", time.Since(b.started).Milliseconds())
	return capture.Ended()
}

// handle applies one inbound event. It returns false when the session ended.
func (c *Controller) handle(b *bundle, ev s2s.Event) bool {
	switch ev.Type {
	case s2s.EventError:
		err := ev.Err
		if err == nil {
			err = errors.New("remote error")
		}
		c.fail(b, &TransportError{Op: "session", Err: err})
		return false

	case s2s.EventClosed:
		c.remoteClosed(b)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != b {
		return false
	}
	state := c.machine.Current()

	switch ev.Type {
	case s2s.EventAudio:
		if state != StateListening && state != StateSpeaking {
			return true
		}
		if err := b.scheduler.Enqueue(ev.Audio); err != nil {
			b.log.Debug("voice: dropping inbound chunk", "err", err)
			return true
		}
		c.transitionLocked(StateSpeaking, "")

	case s2s.EventTranscript:
		var text string
		if ev.Continuation {
			text = c.transcript.Extend(ev.Text)
		} else {
			text = c.transcript.Append(ev.Text)
		}
		c.publish(Update{Kind: UpdateTranscript, Transcript: text})

	case s2s.EventInterrupted:
		if state != StateListening && state != StateSpeaking {
			return true
		}
		b.scheduler.Interrupt()
		c.resetTranscriptLocked()
		c.transitionLocked(StateListening, "")
		b.log.Debug("voice: playback interrupted")

	case s2s.EventTurnComplete:
		b.log.Debug("voice: turn complete", "live_sources", b.scheduler.Live())
	}
	return true
}

// drained runs when the last scheduled source of b finished playing.
func (c *Controller) drained(b *bundle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != b || b.scheduler.Live() > 0 {
		return
	}
	if c.machine.Current() != StateSpeaking {
		return
	}
	c.transitionLocked(StateListening, "")
	c.resetTranscriptLocked()
}

// fail moves to [StateError] and releases b's resources. Failures for a
// bundle that is no longer current are ignored.
func (c *Controller) fail(b *bundle, err error) {
	c.mu.Lock()
	if c.current != b {
		c.mu.Unlock()
		return
	}
	connecting := c.machine.Current() == StateConnecting
	c.current = nil
	c.lastErr = err
	c.resetTranscriptLocked()
	c.transitionLocked(StateError, userMessage(err))
	c.mu.Unlock()

	if connecting {
		status := startTransportError
		var dae *DeviceAccessError
		if errors.As(err, &dae) {
			status = startDeviceError
		}
		c.metrics.RecordSessionStart(b.ctx, status)
	}
	b.log.Error("voice: session failed", "err", err)
	c.release(b)
}

// remoteClosed tears down to idle after the remote side ended the session.
func (c *Controller) remoteClosed(b *bundle) {
	c.mu.Lock()
	if c.current != b {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.resetTranscriptLocked()
	c.transitionLocked(StateIdle, "")
	c.mu.Unlock()

	b.log.Info("voice: session closed by remote")
	c.release(b)
}

// release cancels b and frees everything it holds. It never waits for b's
// own goroutines, so it is safe to call from them.
func (c *Controller) release(b *bundle) {
	b.cancel()

	c.mu.Lock()
	sess, capture, sched := b.session, b.capture, b.scheduler
	c.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			b.log.Debug("voice: close session", "err", err)
		}
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	if capture != nil {
		if err := capture.Stop(); err != nil {
			b.log.Debug("voice: stop capture", "err", err)
		}
	}
	if sched != nil {
		if err := sched.Close(); err != nil {
			b.log.Debug("voice: close playback", "err", err)
		}
	}
}

// Stop tears the current session down and returns to [StateIdle]. It is
// valid in every state, including while connecting, and repeated calls are
// no-ops.
func (c *Controller) Stop() error {
	c.mu.Lock()
	b := c.current
	c.current = nil
	c.resetTranscriptLocked()
	c.transitionLocked(StateIdle, "")
	c.mu.Unlock()

	if b == nil {
		return nil
	}
	c.release(b)
	b.wg.Wait()
	b.log.Info("voice: session stopped")
	return nil
}

// Close stops any session and rejects further starts. Subscriber channels
// are closed. Idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	err := c.Stop()

	c.subMu.Lock()
	c.subsClosed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subMu.Unlock()
	return err
}
