package status

import (
	"testing"
	"time"

	"github.com/lunavale/parley/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, AuthRequired},
		{Booting, Connecting},
		{AuthRequired, Connecting},
		{Connecting, Ready},
		{Connecting, AuthRequired},
		{Ready, Reconnecting},
		{Reconnecting, Connecting},
		{Error, Booting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			m.current = tt.from
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s) from %s: %v", tt.to, tt.from, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Ready},
		{Booting, Reconnecting},
		{Ready, Booting},
		{AuthRequired, Ready},
		{Error, Ready},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			m.current = tt.from
			if err := m.Transition(tt.to); err == nil {
				t.Errorf("Transition(%s) from %s should fail", tt.to, tt.from)
			}
			if m.Current() != tt.from {
				t.Errorf("failed transition moved state to %s", m.Current())
			}
		})
	}
}

func TestTransitionPublishesChange(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("session.", 4)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	select {
	case evt := <-events:
		change, ok := evt.Payload.(Change)
		if !ok {
			t.Fatalf("payload %T", evt.Payload)
		}
		if change.From != Booting || change.To != Connecting {
			t.Fatalf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("no status event published")
	}
}
