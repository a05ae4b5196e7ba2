package websocket

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cory-johannsen/arena/internal/protocol"
)

// Conn carries one envelope per WebSocket message.
type Conn struct {
	ws           *websocket.Conn
	codec        protocol.Codec
	msgType      websocket.MessageType
	remote       string
	writeTimeout time.Duration
	closeOnce    sync.Once
}

// NewConn wraps an accepted WebSocket. The json codec uses text messages;
// any other codec uses binary messages.
func NewConn(ws *websocket.Conn, codec protocol.Codec, remote string, writeTimeout time.Duration) *Conn {
	msgType := websocket.MessageBinary
	if codec.Name() == "json" {
		msgType = websocket.MessageText
	}
	return &Conn{ws: ws, codec: codec, msgType: msgType, remote: remote, writeTimeout: writeTimeout}
}

// ReadEnvelope reads the next message.
//
// Postcondition: a message of the wrong type or with a malformed body
// yields a *protocol.ProtocolError; a closed socket yields io.EOF.
func (c *Conn) ReadEnvelope(ctx context.Context) (protocol.Envelope, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.Envelope{}, ctx.Err()
		}
		if websocket.CloseStatus(err) != -1 || errors.Is(err, io.EOF) {
			return protocol.Envelope{}, io.EOF
		}
		return protocol.Envelope{}, err
	}
	if typ != c.msgType {
		return protocol.Envelope{}, &protocol.ProtocolError{Reason: "unexpected websocket message type " + typ.String()}
	}
	return c.codec.Unmarshal(data)
}

// WriteEnvelope writes env as one message.
func (c *Conn) WriteEnvelope(ctx context.Context, env protocol.Envelope) error {
	data, err := c.codec.Marshal(env)
	if err != nil {
		return err
	}
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	return c.ws.Write(ctx, c.msgType, data)
}

// Close sends a normal closure. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close(websocket.StatusNormalClosure, "")
	})
	return err
}

// RemoteAddr returns the client address reported by the HTTP request.
func (c *Conn) RemoteAddr() string { return c.remote }
