package testutil

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/cory-johannsen/arena/internal/protocol"
)

// EnvelopeClient is a framed TCP test client.
type EnvelopeClient struct {
	conn   net.Conn
	reader *bufio.Reader
	codec  protocol.Codec
	t      testing.TB
}

// NewEnvelopeClient dials addr and speaks codec.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected client or fails the test.
func NewEnvelopeClient(t testing.TB, addr string, codec protocol.Codec) *EnvelopeClient {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}
	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("envelope client connected to %s [%s]", addr, time.Since(start))
	return &EnvelopeClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		codec:  codec,
		t:      t,
	}
}

// Send writes one envelope.
func (c *EnvelopeClient) Send(env protocol.Envelope) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.codec.WriteEnvelope(c.conn, env); err != nil {
		c.t.Fatalf("sending %s: %v", env.Kind(), err)
	}
}

// SendRaw writes bytes unframed.
func (c *EnvelopeClient) SendRaw(data []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(data); err != nil {
		c.t.Fatalf("sending raw bytes: %v", err)
	}
}

// Read returns the next envelope or fails on timeout.
func (c *EnvelopeClient) Read(timeout time.Duration) protocol.Envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	env, err := c.codec.ReadEnvelope(c.reader)
	if err != nil {
		c.t.Fatalf("reading envelope: %v", err)
	}
	return env
}

// ReadKind skips envelopes until one of kind arrives.
func (c *EnvelopeClient) ReadKind(kind protocol.Kind, timeout time.Duration) protocol.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		env := c.Read(time.Until(deadline))
		if env.Kind() == kind {
			return env
		}
	}
}

// Close closes the underlying connection.
func (c *EnvelopeClient) Close() {
	c.conn.Close()
}
