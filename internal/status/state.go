package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/kythyria/nachat/internal/bus"
)

// State represents the outbound transmitter's state for one room.
type State string

const (
	// Idle means nothing is queued or the head of the queue has not been
	// picked up yet.
	Idle State = "IDLE"
	// InFlight means exactly one send request is outstanding.
	InFlight State = "IN_FLIGHT"
	// Backoff means the last attempt failed transiently and the retry
	// timer is armed.
	Backoff State = "BACKOFF"
)

// validTransitions defines allowed transmitter transitions.
var validTransitions = map[State][]State{
	Idle:     {InFlight},
	InFlight: {Idle, Backoff},
	Backoff:  {InFlight, Idle},
}

// Machine tracks and enforces the transmitter state for one room.
type Machine struct {
	mu      sync.RWMutex
	room    id.RoomID
	current State
	bus     *bus.Bus
}

// NewMachine creates a transmitter state machine starting in Idle.
func NewMachine(room id.RoomID, b *bus.Bus) *Machine {
	return &Machine{
		room:    room,
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transmitter transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Notification{
			Kind:      "sender.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				Room: m.room,
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for transmitter status change notifications.
type StatusChange struct {
	Room id.RoomID
	From State
	To   State
}
