package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/convo/internal/bus"
)

// Link represents the connectivity state of the daemon towards the backend.
type Link string

const (
	Booting    Link = "BOOTING"
	Connecting Link = "CONNECTING"
	Online     Link = "ONLINE"
	Degraded   Link = "DEGRADED"
	Offline    Link = "OFFLINE"
)

// validTransitions defines allowed link transitions.
var validTransitions = map[Link][]Link{
	Booting:    {Connecting, Online, Offline},
	Connecting: {Online, Degraded, Offline},
	Online:     {Degraded, Offline},
	Degraded:   {Online, Offline},
	Offline:    {Connecting, Online},
}

// IsOnline reports whether l allows talking to the backend. Degraded means
// the local cache is impaired, not the backend.
func (l Link) IsOnline() bool {
	return l == Online || l == Degraded
}

// Machine tracks and enforces link state transitions.
type Machine struct {
	mu      sync.RWMutex
	current Link
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "link.changed",
			Timestamp: time.Now(),
			Payload: LinkChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// LinkChange is the payload for link change events.
type LinkChange struct {
	From Link
	To   Link
}
