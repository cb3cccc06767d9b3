package vault

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names a vault lifecycle event.
type EventType string

const (
	EventTransaction  EventType = "transaction"
	EventAgentCreated EventType = "agent_created"
	EventAgentRevoked EventType = "agent_revoked"
	EventFunded       EventType = "agent_funded"
	EventWithdrawn    EventType = "agent_withdrawn"
	EventPaused       EventType = "protocol_paused"
	EventUnpaused     EventType = "protocol_unpaused"
)

var eventTypes = map[EventType]bool{
	EventTransaction: true, EventAgentCreated: true, EventAgentRevoked: true,
	EventFunded: true, EventWithdrawn: true, EventPaused: true, EventUnpaused: true,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool { return eventTypes[t] }

// Protocol reports whether t concerns the whole protocol rather than one
// agent. Agent on such events is the acting authority.
func (t EventType) Protocol() bool { return t == EventPaused || t == EventUnpaused }

// Event is published after a state change has been committed.
type Event struct {
	Type  EventType      `json:"type"`
	Agent common.Address `json:"agent"`
	At    time.Time      `json:"at"`
	Data  any            `json:"data,omitempty"`
}

// Emitter receives committed events. Emit must not block.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// MultiEmitter fans an event out to every emitter in order.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(e Event) {
	for _, em := range m {
		em.Emit(e)
	}
}

type nopEmitter struct{}

func (nopEmitter) Emit(Event) {}
