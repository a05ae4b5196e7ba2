package handlers

import (
	"errors"

	"github.com/cory-johannsen/arena/internal/game/lobby"
	"github.com/cory-johannsen/arena/internal/game/reservation"
	"github.com/cory-johannsen/arena/internal/game/room"
	"github.com/cory-johannsen/arena/internal/protocol"
)

// Wire error codes sent in protocol.Error envelopes.
const (
	CodeProtocol           = "protocol_error"
	CodeUnknownReservation = "unknown_reservation"
	CodeRoomFull           = "room_full"
	CodeRoomClosed         = "room_closed"
	CodeRoomNotFound       = "room_not_found"
	CodeNotYourTurn        = "not_your_turn"
	CodeSeatMismatch       = "seat_mismatch"
	CodeNotRunning         = "not_running"
	CodeAlreadySeated      = "already_seated"
	CodeUnknownPlugin      = "unknown_plugin"
	CodeInternal           = "internal"
)

// codes is matched in order; wrapping errors precede the errors they wrap.
var codes = []struct {
	err  error
	code string
}{
	{reservation.ErrUnknownReservation, CodeUnknownReservation},
	{room.ErrRoomFull, CodeRoomFull},
	{room.ErrRoomClosed, CodeRoomClosed},
	{lobby.ErrRoomNotFound, CodeRoomNotFound},
	{room.ErrNotRunning, CodeNotRunning},
	{room.ErrNotYourTurn, CodeNotYourTurn},
	{room.ErrSeatMismatch, CodeSeatMismatch},
	{lobby.ErrAlreadySeated, CodeAlreadySeated},
	{lobby.ErrUnknownPlugin, CodeUnknownPlugin},
}

// ErrorCode maps err to its stable wire code. Unrecognised errors are internal.
func ErrorCode(err error) string {
	if protocol.IsProtocolError(err) {
		return CodeProtocol
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// errorEnvelope builds the sender-only reply for err. Internal errors do
// not leak their message.
func errorEnvelope(roomID string, err error) protocol.Envelope {
	code := ErrorCode(err)
	msg := err.Error()
	if code == CodeInternal {
		msg = "internal error"
	}
	return protocol.Envelope{RoomID: roomID, Payload: &protocol.Error{Code: code, Message: msg}}
}
