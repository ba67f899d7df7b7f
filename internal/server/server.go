// Package server exposes the voice controller over HTTP.
//
// Routes:
//
//	POST /api/voice/start   begin a session (202, 409 when active, 412 without a credential)
//	POST /api/voice/stop    end the session (200, idempotent)
//	GET  /api/voice/state   current state, transcript, and error message
//	GET  /api/voice/events  websocket stream of state and transcript updates
//	GET  /healthz, /readyz  liveness and readiness, when a health handler is set
//	GET  /metrics           Prometheus scrape endpoint, when a handler is set
//
// Every route runs behind [observe.Middleware].
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/corbettdesign/studiovoice/internal/health"
	"github.com/corbettdesign/studiovoice/internal/observe"
	"github.com/corbettdesign/studiovoice/internal/voice"
)

const (
	defaultEventBuffer = 32
	eventWriteTimeout  = 5 * time.Second
)

// Controller is the part of [voice.Controller] the server drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	State() voice.State
	Message() string
	Transcript() string
	Subscribe(size int) (<-chan voice.Update, func())
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics records HTTP request metrics on m. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithOriginPatterns allows cross-origin websocket clients whose Origin host
// matches one of patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// WithEventBuffer sets the per-client update buffer. Slow clients miss
// updates once it is full.
func WithEventBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.eventBuffer = n
		}
	}
}

// Server routes HTTP requests to a voice [Controller].
type Server struct {
	ctrl           Controller
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	originPatterns []string
	eventBuffer    int

	handler http.Handler
}

// New returns a server for ctrl.
func New(ctrl Controller, opts ...Option) *Server {
	s := &Server{
		ctrl:        ctrl,
		eventBuffer: defaultEventBuffer,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/voice/start", s.handleStart)
	mux.HandleFunc("POST /api/voice/stop", s.handleStop)
	mux.HandleFunc("GET /api/voice/state", s.handleState)
	mux.HandleFunc("GET /api/voice/events", s.handleEvents)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// StateResponse is the JSON body of the state, start, and stop routes.
type StateResponse struct {
	State      string `json:"state"`
	Transcript string `json:"transcript"`
	Error      string `json:"error"`
}

// Event is one message on the events websocket.
type Event struct {
	Type       string `json:"type"`
	State      string `json:"state,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) snapshot() StateResponse {
	return StateResponse{
		State:      s.ctrl.State().String(),
		Transcript: s.ctrl.Transcript(),
		Error:      s.ctrl.Message(),
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	err := s.ctrl.Start(r.Context())
	var cfgErr *voice.ConfigurationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, s.snapshot())
	case errors.Is(err, voice.ErrNotIdle):
		writeError(w, http.StatusConflict, s.snapshot(), err)
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusPreconditionFailed, s.snapshot(), err)
	case errors.Is(err, voice.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, s.snapshot(), err)
	default:
		observe.Logger(r.Context()).Error("server: start failed", "err", err)
		writeError(w, http.StatusInternalServerError, s.snapshot(), err)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Stop(); err != nil {
		observe.Logger(r.Context()).Error("server: stop failed", "err", err)
		writeError(w, http.StatusInternalServerError, s.snapshot(), err)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

// handleEvents streams updates to a websocket client, starting with a
// snapshot of the current state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		// Accept has already written the response.
		observe.Logger(r.Context()).Debug("server: websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	updates, unsubscribe := s.ctrl.Subscribe(s.eventBuffer)
	defer unsubscribe()

	// The client never sends; CloseRead handles control frames and cancels
	// ctx once the client goes away.
	ctx := conn.CloseRead(r.Context())
	log := observe.Logger(r.Context())

	snap := s.snapshot()
	initial := []Event{{Type: string(voice.UpdateState), State: snap.State, Error: snap.Error}}
	if snap.Transcript != "" {
		initial = append(initial, Event{Type: string(voice.UpdateTranscript), Transcript: snap.Transcript})
	}
	for _, ev := range initial {
		if err := writeEvent(ctx, conn, ev); err != nil {
			log.Debug("server: websocket write", "err", err)
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "voice controller closed")
				return
			}
			if err := writeEvent(ctx, conn, eventFromUpdate(u)); err != nil {
				log.Debug("server: websocket write", "err", err)
				return
			}
		}
	}
}

func eventFromUpdate(u voice.Update) Event {
	if u.Kind == voice.UpdateTranscript {
		return Event{Type: string(u.Kind), Transcript: u.Transcript}
	}
	return Event{Type: string(u.Kind), State: u.State.String(), Error: u.Message}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

// writeError reports err in the body's error field. A user-facing state
// message takes precedence.
func writeError(w http.ResponseWriter, status int, body StateResponse, err error) {
	if body.Error == "" {
		body.Error = err.Error()
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: encode response", "err", err)
	}
}
