package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cory-johannsen/arena/internal/game/rules"
	"github.com/cory-johannsen/arena/internal/observability"
	"github.com/cory-johannsen/arena/internal/protocol"
)

// ErrAlreadyBound is returned by Bind when the session already holds a seat.
var ErrAlreadyBound = errors.New("session already bound to a seat")

// Transport is one client connection speaking envelopes.
type Transport interface {
	// ReadEnvelope blocks for the next inbound envelope. Malformed input is
	// reported as *protocol.ProtocolError; io.EOF ends the stream.
	ReadEnvelope(ctx context.Context) (protocol.Envelope, error)
	WriteEnvelope(ctx context.Context, env protocol.Envelope) error
	Close() error
	RemoteAddr() string
}

// Session is one connected client.
type Session struct {
	// ID is unique among live sessions.
	ID string

	transport Transport
	outbox    *Outbox

	mu        sync.Mutex
	roomID    string
	seat      rules.Seat
	name      string
	observing map[string]struct{}
}

func newSession(id string, t Transport, outboxSize int) *Session {
	return &Session{
		ID:        id,
		transport: t,
		outbox:    NewOutbox(id, outboxSize),
		seat:      rules.NoSeat,
		observing: make(map[string]struct{}),
	}
}

// Transport returns the session's connection.
func (s *Session) Transport() Transport { return s.transport }

// Outbox returns the session's pending envelope queue.
func (s *Session) Outbox() *Outbox { return s.outbox }

// Send queues env for delivery without blocking. A full or closed outbox
// drops env and counts it; the caller is never stalled by a slow client.
func (s *Session) Send(env protocol.Envelope) error {
	if err := s.outbox.Push(env); err != nil {
		if errors.Is(err, ErrOutboxFull) {
			observability.OutboxDropped.Inc()
		}
		return err
	}
	return nil
}

// Bind records the seat this session plays in roomID.
//
// Precondition: seat must be valid.
// Postcondition: returns ErrAlreadyBound if the session already holds a seat.
func (s *Session) Bind(roomID string, seat rules.Seat, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomID != "" {
		return fmt.Errorf("session %s in room %s: %w", s.ID, s.roomID, ErrAlreadyBound)
	}
	s.roomID = roomID
	s.seat = seat
	s.name = name
	return nil
}

// Unbind clears the binding if it refers to roomID.
//
// Postcondition: returns true when a binding was cleared.
func (s *Session) Unbind(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomID == "" || s.roomID != roomID {
		return false
	}
	s.roomID = ""
	s.seat = rules.NoSeat
	return true
}

// Binding returns the bound room and seat, or ("", NoSeat).
func (s *Session) Binding() (string, rules.Seat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID, s.seat
}

// Name returns the display name used for the current or last seat.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Observe adds roomID to the rooms this session watches.
func (s *Session) Observe(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observing[roomID] = struct{}{}
}

// StopObserving removes roomID from the watched rooms.
func (s *Session) StopObserving(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observing, roomID)
}

// Observing returns the watched room ids in sorted order.
func (s *Session) Observing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.observing))
	for id := range s.observing {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Pump writes queued envelopes to the transport until the outbox is closed
// and drained, ctx is cancelled, or a write fails.
//
// Postcondition: returns nil after a clean drain, otherwise the first error.
func (s *Session) Pump(ctx context.Context) error {
	for {
		select {
		case env, ok := <-s.outbox.Events():
			if !ok {
				return nil
			}
			if err := s.transport.WriteEnvelope(ctx, env); err != nil {
				return fmt.Errorf("writing %s to session %s: %w", env.Kind(), s.ID, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
