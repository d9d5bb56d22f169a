package turn

import (
	"sync"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateListening
	StateAwaiting
	StateResponding
	StateCancelling
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING_FOR_TRANSCRIPT"
	case StateAwaiting:
		return "AWAITING_RESPONSE"
	case StateResponding:
		return "RESPONDING"
	case StateCancelling:
		return "CANCELLING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// StateChange represents one state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

var validTransitions = map[State][]State{
	StateIdle:       {StateListening, StateClosed},
	StateListening:  {StateAwaiting, StateClosed},
	StateAwaiting:   {StateResponding, StateCancelling, StateListening, StateClosed},
	StateResponding: {StateCancelling, StateListening, StateClosed},
	StateCancelling: {StateListening, StateClosed},
	StateClosed:     {},
}

// InvalidTransitionError reports a rejected state transition.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

// Machine is the validated turn-taking state machine.
type Machine struct {
	mu        sync.RWMutex
	current   State
	listeners []StateListener
}

func NewMachine() *Machine {
	return &Machine{current: StateIdle}
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Machine) AddListener(l StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Transition moves to a new state, rejecting transitions not in the table.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	if !transitionValid(m.current, to) {
		err := &InvalidTransitionError{From: m.current, To: to}
		m.mu.Unlock()
		return err
	}
	from := m.current
	m.current = to
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	event := StateChange{
		FromState: from,
		ToState:   to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	// Listeners run outside the lock so they may query the machine.
	for _, l := range listeners {
		l.OnStateChange(event)
	}
	return nil
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
