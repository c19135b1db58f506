package status

import (
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// walkTo transitions the machine through the given states sequentially.
func walkTo(t *testing.T, m *Machine, states ...State) {
	t.Helper()
	for _, s := range states {
		if _, err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s failed: %v", s, err)
		}
	}
}

func TestInitialState(t *testing.T) {
	m := NewMachine("c1", nil)
	if m.Current() != Starting {
		t.Errorf("initial state = %s, want STARTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		path []State
		to   State
	}{
		{nil, Active},
		{nil, Closed},
		{[]State{Active}, Paused},
		{[]State{Active}, Closed},
		{[]State{Active, Paused}, Active},
		{[]State{Active, Paused}, Closed},
	}
	for _, tt := range tests {
		t.Run(string(tt.to), func(t *testing.T) {
			m := NewMachine("c1", nil)
			walkTo(t, m, tt.path...)
			want := m.Current()
			from, err := m.Transition(tt.to)
			if err != nil {
				t.Fatalf("Transition(%s -> %s) error = %v", want, tt.to, err)
			}
			if from != want {
				t.Errorf("from = %s, want %s", from, want)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []State
		to   State
	}{
		{"starting to paused", nil, Paused},
		{"active to active", []State{Active}, Active},
		{"closed is terminal", []State{Closed}, Active},
		{"paused to paused", []State{Active, Paused}, Paused},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine("c1", nil)
			walkTo(t, m, tt.path...)
			before := m.Current()
			if _, err := m.Transition(tt.to); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("Transition(%s -> %s) should fail", before, tt.to)
			}
			if m.Current() != before {
				t.Errorf("state changed to %s on invalid transition", m.Current())
			}
		})
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("chat.", 10)
	defer unsub()

	m := NewMachine("c1", b)
	walkTo(t, m, Active)

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindLifecycleChanged {
			t.Errorf("kind = %q, want %s", evt.Kind, bus.KindLifecycleChanged)
		}
		change, ok := evt.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
		}
		if change.From != Starting || change.To != Active {
			t.Errorf("change = %+v, want STARTING->ACTIVE", change)
		}
		if evt.ChatID != "c1" {
			t.Errorf("chat id = %q, want c1", evt.ChatID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for state change event")
	}
}
