// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to drive the inbound event stream and inspect which audio the
// controller sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Event{Type: s2s.EventOpened})
package mock

import (
	"context"
	"sync"

	"github.com/corbettdesign/studiovoice/pkg/audio"
	"github.com/corbettdesign/studiovoice/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new [Session] created with [NewSession].
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Block, if non-nil, makes Connect wait until Block is closed or the
	// context is cancelled. Used to hold a start in the connecting state.
	Block chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Sessions records every session returned by Connect.
	Sessions []s2s.SessionHandle

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int

	connected chan struct{}
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	sess := p.Session
	if sess == nil {
		sess = NewSession()
	}
	p.Sessions = append(p.Sessions, sess)
	if p.connected != nil {
		select {
		case p.connected <- struct{}{}:
		default:
		}
	}
	return sess, nil
}

// Connected returns a channel signalled after each successful Connect.
// Call it before the connect under test.
func (p *Provider) Connected() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected == nil {
		p.connected = make(chan struct{}, 16)
	}
	return p.connected
}

// Capabilities records the call and returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ProviderCapabilities
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.Sessions = nil
	p.CapabilitiesCallCount = 0
}

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu sync.Mutex

	events chan s2s.Event
	closed bool

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	// ErrValue is returned by Err.
	ErrValue error

	// Sent records every blob passed to SendAudio.
	Sent []audio.EncodedBlob

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	sent chan struct{}
}

// NewSession returns a session with a buffered event stream.
func NewSession() *Session {
	return &Session{
		events: make(chan s2s.Event, 64),
		sent:   make(chan struct{}, 256),
	}
}

// Emit pushes ev onto the event stream. Returns false after Close.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events <- ev
	return true
}

// EndStream closes the event stream as if the remote side went away without
// a close event.
func (s *Session) EndStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

// SendAudio records blob and returns SendErr.
func (s *Session) SendAudio(blob audio.EncodedBlob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	if s.closed {
		return s2s.ErrSessionClosed
	}
	s.Sent = append(s.Sent, blob)
	select {
	case s.sent <- struct{}{}:
	default:
	}
	return nil
}

// SentSignal is signalled after each successful SendAudio.
func (s *Session) SentSignal() <-chan struct{} { return s.sent }

// SentBlobs returns a copy of the recorded blobs.
func (s *Session) SentBlobs() []audio.EncodedBlob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.EncodedBlob, len(s.Sent))
	copy(out, s.Sent)
	return out
}

// Events implements s2s.SessionHandle.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err returns ErrValue.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrValue
}

// Close closes the event stream once and records the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Closed reports whether Close (or EndStream) has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCalls returns the number of Close calls.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}
