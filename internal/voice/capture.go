package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/corbettdesign/studiovoice/internal/observe"
	"github.com/corbettdesign/studiovoice/pkg/audio"
)

// defaultSendQueue bounds the outbound chunks waiting for the sender. At 4096
// samples per chunk this is roughly two seconds of audio.
const defaultSendQueue = 8

// SendFunc delivers one encoded chunk to the active session.
type SendFunc func(audio.EncodedBlob) error

// CaptureOption configures [StartCapture].
type CaptureOption func(*Capture)

// WithSendQueue sets the outbound queue depth. A full queue drops chunks.
func WithSendQueue(n int) CaptureOption {
	return func(c *Capture) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithChunkObserver registers fn to see every encoded chunk before it is
// queued, including chunks that are later dropped.
func WithChunkObserver(fn func(audio.EncodedBlob)) CaptureOption {
	return func(c *Capture) { c.observer = fn }
}

// WithCaptureMetrics records chunk outcomes on m.
func WithCaptureMetrics(m *observe.Metrics) CaptureOption {
	return func(c *Capture) { c.metrics = m }
}

// WithCaptureLogger sets the logger used for per-chunk failures.
func WithCaptureLogger(l *slog.Logger) CaptureOption {
	return func(c *Capture) { c.log = l }
}

// Capture owns the microphone stream for one session and forwards every frame
// to a [SendFunc]. The frame loop never waits on the network: encoded chunks
// are handed to a bounded queue drained by a separate sender goroutine.
type Capture struct {
	stream    audio.InputStream
	send      SendFunc
	queue     chan audio.EncodedBlob
	queueSize int
	converter audio.FormatConverter

	observer func(audio.EncodedBlob)
	metrics  *observe.Metrics
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ended  chan struct{}

	stopOnce sync.Once
	stopErr  error
}

// StartCapture requests microphone access, opens a 16 kHz mono input stream
// with 4096-sample frames, and starts forwarding frames to send. Failures to
// acquire the device are returned as *audio.DeviceAccessError.
func StartCapture(ctx context.Context, mic audio.Microphone, send SendFunc, opts ...CaptureOption) (*Capture, error) {
	if mic == nil {
		return nil, &audio.DeviceAccessError{Device: "microphone", Err: errors.New("no device configured")}
	}
	if err := mic.RequestAccess(ctx); err != nil {
		return nil, asDeviceError("microphone", err)
	}
	stream, err := mic.OpenInput(ctx, audio.InputConfig{
		Format:    audio.CaptureFormat,
		FrameSize: audio.CaptureFrameSize,
	})
	if err != nil {
		return nil, asDeviceError("microphone", err)
	}

	c := &Capture{
		stream:    stream,
		send:      send,
		queueSize: defaultSendQueue,
		converter: audio.FormatConverter{Target: audio.CaptureFormat},
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.queue = make(chan audio.EncodedBlob, c.queueSize)
	c.ended = make(chan struct{})
	// The loops outlive the start call; only Stop ends them.
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	c.wg.Go(c.frameLoop)
	c.wg.Go(c.sendLoop)
	return c, nil
}

// asDeviceError wraps err as a DeviceAccessError unless it already is one.
func asDeviceError(device string, err error) error {
	var dae *audio.DeviceAccessError
	if errors.As(err, &dae) {
		return err
	}
	return &audio.DeviceAccessError{Device: device, Err: err}
}

// Ended is closed when the input stream stops delivering frames on its own,
// for example because the device was unplugged. It is never closed by Stop.
func (c *Capture) Ended() <-chan struct{} {
	return c.ended
}

func (c *Capture) frameLoop() {
	frames := c.stream.Frames()
	for {
		select {
		case <-c.ctx.Done():
			return
		case chunk, ok := <-frames:
			if !ok {
				if c.ctx.Err() == nil {
					close(c.ended)
				}
				return
			}
			blob, ok := c.encode(chunk)
			if !ok {
				continue
			}
			if c.observer != nil {
				c.observer(blob)
			}
			select {
			case c.queue <- blob:
			default:
				c.record(observe.StatusDropped)
				c.log.Debug("voice: capture queue full, dropping chunk")
			}
		}
	}
}

// encode converts one captured chunk to a transport blob in the capture format.
func (c *Capture) encode(chunk audio.Chunk) (audio.EncodedBlob, bool) {
	frame := audio.Frame{
		Data:       audio.PCM16Bytes(audio.FloatToPCM16(chunk.Samples)),
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		Timestamp:  chunk.Timestamp,
	}
	if frame.SampleRate == 0 {
		frame.SampleRate = audio.CaptureFormat.SampleRate
	}
	if frame.Channels == 0 {
		frame.Channels = audio.CaptureFormat.Channels
	}
	frame = c.converter.Convert(frame)
	if len(frame.Data) == 0 {
		return audio.EncodedBlob{}, false
	}
	return audio.EncodedBlob{
		Data:     audio.EncodeTransport(frame.Data),
		MIMEType: audio.CaptureMIMEType,
	}, true
}

func (c *Capture) sendLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case blob := <-c.queue:
			if err := c.send(blob); err != nil {
				c.record(observe.StatusFailed)
				c.log.Debug("voice: dropping chunk", "err", &SendFailure{Err: err})
				continue
			}
			c.record(observe.StatusSent)
		}
	}
}

func (c *Capture) record(status string) {
	if c.metrics != nil {
		c.metrics.RecordCaptureChunk(context.Background(), status)
	}
}

// Stop ends forwarding, releases the input stream, and waits for the capture
// goroutines to exit. Repeated calls return nil.
func (c *Capture) Stop() error {
	first := false
	c.stopOnce.Do(func() {
		first = true
		c.cancel()
		if err := c.stream.Close(); err != nil {
			c.stopErr = fmt.Errorf("voice: close input stream: %w", err)
		}
		c.wg.Wait()
	})
	if !first {
		return nil
	}
	return c.stopErr
}
