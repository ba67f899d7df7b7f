package voice

import (
	"fmt"
	"sync"
)

// State is the externally visible status of a voice session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateSpeaking
	StateError
)

// String returns the lowercase state name used in logs, metrics, and the
// control surface.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// StateChange describes one transition. Message carries the user-facing
// error text when To is [StateError].
type StateChange struct {
	From    State
	To      State
	Message string
}

// TransitionError is returned for a transition the table does not allow.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("voice: invalid transition %s -> %s", e.From, e.To)
}

// transitions lists the allowed targets per state. Error and Idle are
// reachable from anywhere and handled in allowed.
var transitions = map[State][]State{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateListening},
	StateListening:  {StateSpeaking},
	StateSpeaking:   {StateListening},
}

func allowed(from, to State) bool {
	if to == StateIdle {
		return true
	}
	if to == StateError {
		return from != StateIdle
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine holds the current [State] and fans changes out to subscribers.
// It is safe for concurrent use; callers that need several transitions to
// appear atomic must serialise them externally.
type Machine struct {
	mu       sync.Mutex
	current  State
	message  string
	nextID   int
	subs     map[int]chan StateChange
	observer func(StateChange)
}

// NewMachine returns a machine in [StateIdle]. observer, if non-nil, is
// called after every change.
func NewMachine(observer func(StateChange)) *Machine {
	return &Machine{
		subs:     make(map[int]chan StateChange),
		observer: observer,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Message returns the message attached to the most recent transition.
func (m *Machine) Message() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.message
}

// Transition moves to `to`. A transition to the current state is a no-op and
// reports changed == false. Disallowed transitions return *TransitionError.
func (m *Machine) Transition(to State, msg string) (changed bool, err error) {
	m.mu.Lock()
	from := m.current
	if from == to {
		m.mu.Unlock()
		return false, nil
	}
	if !allowed(from, to) {
		m.mu.Unlock()
		return false, &TransitionError{From: from, To: to}
	}
	m.current = to
	m.message = msg
	ch := StateChange{From: from, To: to, Message: msg}
	for _, sub := range m.subs {
		select {
		case sub <- ch:
		default:
		}
	}
	obs := m.observer
	m.mu.Unlock()

	if obs != nil {
		obs(ch)
	}
	return true, nil
}

// Subscribe returns a channel receiving every subsequent change, buffered to
// size. Changes are dropped for a subscriber whose buffer is full. The
// returned cancel func unsubscribes and closes the channel.
func (m *Machine) Subscribe(size int) (<-chan StateChange, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan StateChange, max(size, 1))
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}
