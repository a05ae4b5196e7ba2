package tcp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cory-johannsen/arena/internal/protocol"
)

// Conn wraps a TCP connection with envelope framing. Reads and writes may
// run concurrently; writes are serialised.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader
	codec  protocol.Codec

	mu        sync.Mutex
	closeOnce sync.Once

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConn wraps a raw TCP connection.
//
// Precondition: raw must be a valid, open network connection; codec must be non-nil.
// Postcondition: Returns a Conn ready for reading and writing.
func NewConn(raw net.Conn, codec protocol.Codec, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		raw:          raw,
		reader:       bufio.NewReaderSize(raw, 4096),
		codec:        codec,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// ReadEnvelope reads the next framed envelope. Cancelling ctx unblocks a
// pending read.
//
// Postcondition: Returns the envelope, a *protocol.ProtocolError for
// malformed input, io.EOF once the peer is gone, or ctx.Err().
func (c *Conn) ReadEnvelope(ctx context.Context) (protocol.Envelope, error) {
	if c.readTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	} else {
		_ = c.raw.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.raw.SetReadDeadline(time.Now())
	})
	defer stop()

	env, err := c.codec.ReadEnvelope(c.reader)
	if err == nil {
		return env, nil
	}
	if ctx.Err() != nil {
		return protocol.Envelope{}, ctx.Err()
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return protocol.Envelope{}, io.EOF
	}
	return protocol.Envelope{}, err
}

// WriteEnvelope writes one framed envelope.
func (c *Conn) WriteEnvelope(ctx context.Context, env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Time{}
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = c.raw.SetWriteDeadline(deadline)
	return c.codec.WriteEnvelope(c.raw, env)
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.raw.Close()
	})
	return err
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}
