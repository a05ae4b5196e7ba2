// Package protocol defines the room-scoped envelope exchanged between
// clients and the server, and the codecs that frame it on the wire.
package protocol

import (
	"github.com/cory-johannsen/arena/internal/game/rules"
)

// Kind tags the payload carried by an Envelope.
type Kind string

const (
	KindJoin        Kind = "join"
	KindAction      Kind = "action"
	KindStateUpdate Kind = "state"
	KindError       Kind = "error"
	KindResult      Kind = "result"
	KindObserve     Kind = "observe"
)

// Payload is implemented by every envelope body.
type Payload interface {
	Kind() Kind
}

// Envelope is one wire message: a room identifier plus a tagged payload.
type Envelope struct {
	RoomID  string
	Payload Payload
}

// Kind returns the payload kind, or "" for an empty envelope.
func (e Envelope) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Join asks to be seated (client to server) or announces a seat (server
// to client). A client sets either Plugin, to join or create a room for
// that plugin, or Reservation, to redeem a token.
type Join struct {
	Plugin      string
	Reservation string
	Name        string
	Seat        rules.Seat
}

// Kind implements Payload.
func (*Join) Kind() Kind { return KindJoin }

// Action submits a move for the claimed seat.
type Action struct {
	Seat   rules.Seat
	Action rules.Action
}

// Kind implements Payload.
func (*Action) Kind() Kind { return KindAction }

// StateUpdate reports the room state after a transition.
type StateUpdate struct {
	Turn   int
	Seat   rules.Seat
	Paused bool
	State  map[string]any
}

// Kind implements Payload.
func (*StateUpdate) Kind() Kind { return KindStateUpdate }

// Error reports a failure to the sender only.
type Error struct {
	Code    string
	Message string
}

// Kind implements Payload.
func (*Error) Kind() Kind { return KindError }

// Result carries the final record of a room.
type Result struct {
	Result rules.Result
}

// Kind implements Payload.
func (*Result) Kind() Kind { return KindResult }

// Observe subscribes the sender to a room's broadcasts.
type Observe struct{}

// Kind implements Payload.
func (*Observe) Kind() Kind { return KindObserve }
