package testutil

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cory-johannsen/arena/internal/protocol"
)

// MemTransport is an in-memory session.Transport. The test plays the
// client through Deliver and Next.
type MemTransport struct {
	addr   string
	in     chan protocol.Envelope
	out    chan protocol.Envelope
	closed chan struct{}
	once   sync.Once
}

// NewMemTransport returns an open transport reporting addr as its peer.
func NewMemTransport(addr string) *MemTransport {
	return &MemTransport{
		addr:   addr,
		in:     make(chan protocol.Envelope, 64),
		out:    make(chan protocol.Envelope, 256),
		closed: make(chan struct{}),
	}
}

// ReadEnvelope returns the next delivered envelope, or io.EOF once closed.
func (m *MemTransport) ReadEnvelope(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env := <-m.in:
		return env, nil
	case <-m.closed:
		return protocol.Envelope{}, io.EOF
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// WriteEnvelope records env for Next.
func (m *MemTransport) WriteEnvelope(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-m.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case m.out <- env:
		return nil
	case <-m.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream; pending and future reads return io.EOF.
func (m *MemTransport) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

// RemoteAddr implements session.Transport.
func (m *MemTransport) RemoteAddr() string { return m.addr }

// Closed reports whether Close has been called.
func (m *MemTransport) Closed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// Deliver queues env as if the client had sent it.
func (m *MemTransport) Deliver(env protocol.Envelope) {
	m.in <- env
}

// Next returns the next envelope written to the client or fails the test.
func (m *MemTransport) Next(t testing.TB, timeout time.Duration) protocol.Envelope {
	t.Helper()
	select {
	case env := <-m.out:
		return env
	case <-time.After(timeout):
		t.Fatalf("no envelope for %s within %s", m.addr, timeout)
		return protocol.Envelope{}
	}
}

// NextOf skips envelopes until one of kind arrives.
func (m *MemTransport) NextOf(t testing.TB, kind protocol.Kind, timeout time.Duration) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("no %s envelope for %s within %s", kind, m.addr, timeout)
		}
		env := m.Next(t, remaining)
		if env.Kind() == kind {
			return env
		}
	}
}
