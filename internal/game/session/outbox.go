// Package session tracks connected clients, their seat bindings and the
// bounded queue of envelopes waiting to be written to each of them.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cory-johannsen/arena/internal/protocol"
)

// DefaultOutboxSize is used when a non-positive size is configured.
const DefaultOutboxSize = 64

// ResultReserve is the capacity kept above the configured size for Result
// envelopes, so a client that fell behind on state updates still learns
// how its games ended.
const ResultReserve = 8

var (
	// ErrOutboxFull is returned by Push when the recipient is not keeping up.
	ErrOutboxFull = errors.New("outbox full")
	// ErrOutboxClosed is returned by Push after Close.
	ErrOutboxClosed = errors.New("outbox closed")
)

// Outbox routes pushed envelopes to a channel drained by one writer goroutine.
// Push never blocks, so a room may push while holding its own lock.
type Outbox struct {
	id     string
	size   int
	events chan protocol.Envelope
	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox for the session id.
//
// Precondition: id must be non-empty.
// Postcondition: Returns an Outbox with an open events channel.
func NewOutbox(id string, size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Outbox{
		id:     id,
		size:   size,
		events: make(chan protocol.Envelope, size+ResultReserve),
	}
}

// Push enqueues env. Ordinary envelopes fill the configured size; Result
// envelopes may also use the reserved capacity.
//
// Postcondition: env is queued, or ErrOutboxClosed/ErrOutboxFull is returned
// and env is dropped.
func (o *Outbox) Push(env protocol.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("session %s: %w", o.id, ErrOutboxClosed)
	}
	// Only pushers hold mu and the writer only drains, so len never grows
	// between this check and the send.
	if env.Kind() != protocol.KindResult && len(o.events) >= o.size {
		return fmt.Errorf("session %s: %w", o.id, ErrOutboxFull)
	}
	select {
	case o.events <- env:
		return nil
	default:
		return fmt.Errorf("session %s: %w", o.id, ErrOutboxFull)
	}
}

// Events returns the read-only events channel. It is closed by Close after
// the queued envelopes.
func (o *Outbox) Events() <-chan protocol.Envelope {
	return o.events
}

// Close marks the outbox closed and closes the events channel.
//
// Postcondition: Further Push calls return ErrOutboxClosed.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.events)
	}
	return nil
}

// IsClosed reports whether the outbox has been closed.
func (o *Outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
