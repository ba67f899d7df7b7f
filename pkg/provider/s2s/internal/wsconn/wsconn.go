// Package wsconn holds the websocket plumbing shared by the JSON-over-websocket
// speech-to-speech providers: a single reader goroutine that owns the event
// channel, serialised JSON writes, a sticky terminal error, optional
// keepalive pings and idempotent close.
//
// Providers embed [*Session] and supply a frame handler that maps protocol
// messages onto [s2s.Event] values.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/corbettdesign/studiovoice/pkg/provider/s2s"
)

// EventBuffer is the capacity of a session's event channel.
const EventBuffer = 64

// ReadLimit caps a single inbound frame. Audio-bearing frames from either
// provider stay well below it.
const ReadLimit = 4 << 20

// FrameHandler maps one inbound text frame to events. It returns false to
// stop reading, after which the event channel is closed.
type FrameHandler func(frame []byte) bool

// Dial opens a websocket to url with the given headers and applies
// [ReadLimit]. prefix names the provider in errors.
func Dial(ctx context.Context, prefix, url string, header http.Header) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("%s: dial: %w", prefix, err)
	}
	conn.SetReadLimit(ReadLimit)
	return conn, nil
}

// Session is an open provider websocket. Its context outlives the dial
// context and ends only at [Session.Close].
type Session struct {
	prefix string
	conn   *websocket.Conn
	events chan s2s.Event

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
}

// New wraps conn. No goroutine runs until [Session.Start].
func New(conn *websocket.Conn, prefix string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		prefix: prefix,
		conn:   conn,
		events: make(chan s2s.Event, EventBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the reader, and a pinger when keepalive is positive.
func (s *Session) Start(handle FrameHandler, keepalive time.Duration) {
	go s.read(handle)
	if keepalive > 0 {
		go s.ping(keepalive)
	}
}

// Abort closes a session whose handshake failed before Start.
func (s *Session) Abort(reason string) {
	s.cancel()
	s.conn.Close(websocket.StatusInternalError, reason)
}

func (s *Session) read(handle FrameHandler) {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			switch {
			case s.ctx.Err() != nil:
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
				s.Emit(s2s.Event{Type: s2s.EventClosed})
			default:
				s.Fail(fmt.Errorf("%s: read: %w", s.prefix, err))
			}
			return
		}
		if !handle(data) {
			return
		}
	}
}

// ping keeps idle connections from being reaped by proxies. Failed pings
// are ignored; a dead connection surfaces on the reader.
func (s *Session) ping(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, every/4)
			_ = s.conn.Ping(ctx)
			cancel()
		}
	}
}

// Decode unmarshals a frame into v. Malformed frames are logged and
// reported as false so the caller can skip them.
func (s *Session) Decode(frame []byte, v any) bool {
	if err := json.Unmarshal(frame, v); err != nil {
		slog.Debug(s.prefix+": skipping malformed frame", "err", err)
		return false
	}
	return true
}

// WriteJSON sends v as one text frame. After Close it returns
// [s2s.ErrSessionClosed].
func (s *Session) WriteJSON(v any) error {
	if s.Closed() {
		return s2s.ErrSessionClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", s.prefix, err)
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		if errors.Is(err, context.Canceled) {
			return s2s.ErrSessionClosed
		}
		return fmt.Errorf("%s: write: %w", s.prefix, err)
	}
	return nil
}

// Emit delivers ev unless the session is closing. Reports whether it was
// delivered.
func (s *Session) Emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Fail records err as the terminal error, if none is set, and emits it.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.Emit(s2s.Event{Type: s2s.EventError, Err: err})
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Events returns the ordered inbound event stream.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
