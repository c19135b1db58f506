package status

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State represents a chat session lifecycle state.
type State string

const (
	Starting State = "STARTING"
	Active   State = "ACTIVE"
	Paused   State = "PAUSED"
	Closed   State = "CLOSED"
)

// ErrInvalidTransition is returned by Transition for edges not in the table.
var ErrInvalidTransition = errors.New("invalid transition")

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Starting: {Active, Closed},
	Active:   {Paused, Closed},
	Paused:   {Active, Closed},
	Closed:   {},
}

// Machine tracks and enforces session lifecycle transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	chatID  string
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Starting state.
func NewMachine(chatID string, b *bus.Bus) *Machine {
	return &Machine{
		current: Starting,
		chatID:  chatID,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// It reports the state that was left so callers can react to specific edges.
func (m *Machine) Transition(to State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	if !slices.Contains(validTransitions[from], to) {
		return from, fmt.Errorf("%w from %s to %s", ErrInvalidTransition, from, to)
	}
	m.current = to
	m.bus.Emit(bus.KindLifecycleChanged, m.chatID, StatusChange{From: from, To: to})
	return from, nil
}

// StatusChange is the payload for lifecycle change events.
type StatusChange struct {
	From State
	To   State
}
