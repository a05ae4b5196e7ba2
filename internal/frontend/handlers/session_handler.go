// Package handlers runs the per-connection envelope loop shared by every
// frontend transport.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game/lobby"
	"github.com/cory-johannsen/arena/internal/game/session"
	"github.com/cory-johannsen/arena/internal/observability"
	"github.com/cory-johannsen/arena/internal/protocol"
)

// drainTimeout bounds how long a closing session waits for its outbox to flush.
const drainTimeout = 2 * time.Second

// SessionHandler registers each connection as a session, routes its
// envelopes into the lobby and tears it down on disconnect.
type SessionHandler struct {
	lobby     *lobby.Lobby
	sessions  *session.Registry
	transport string
	logger    *zap.Logger
}

// NewSessionHandler creates a handler for connections of the named transport.
//
// Precondition: lb, sessions and logger must be non-nil.
// Postcondition: Returns a SessionHandler ready to handle sessions.
func NewSessionHandler(lb *lobby.Lobby, sessions *session.Registry, transport string, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		lobby:     lb,
		sessions:  sessions,
		transport: transport,
		logger:    logger,
	}
}

// HandleSession serves t until the peer disconnects, ctx is cancelled or
// the stream becomes unreadable.
//
// Postcondition: the session has left every room and is unregistered.
// Returns nil on a clean disconnect.
func (h *SessionHandler) HandleSession(ctx context.Context, t session.Transport) error {
	start := time.Now()
	sess := h.sessions.Add(t)
	logger := h.logger.With(observability.SessionFields(sess.ID, t.RemoteAddr(), h.transport)...)
	logger.Info("session opened")

	pumpCtx, cancelPump := context.WithCancel(context.WithoutCancel(ctx))
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		if err := sess.Pump(pumpCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("session writer stopped", zap.Error(err))
			_ = t.Close()
		}
	}()

	defer func() {
		h.lobby.Disconnect(sess)
		_ = h.sessions.Remove(sess.ID)
		select {
		case <-pumpDone:
		case <-time.After(drainTimeout):
			logger.Warn("outbox drain timed out")
			_ = t.Close()
		}
		cancelPump()
		<-pumpDone
		logger.Info("session closed", zap.Duration("duration", time.Since(start)))
	}()

	for {
		env, err := t.ReadEnvelope(ctx)
		if err != nil {
			var pe *protocol.ProtocolError
			switch {
			case errors.As(err, &pe):
				observability.ProtocolErrors.Inc()
				logger.Debug("dropping malformed message", zap.Error(err))
				_ = sess.Send(errorEnvelope("", err))
				if pe.Fatal {
					return err
				}
				continue
			case errors.Is(err, io.EOF):
				return nil
			default:
				return fmt.Errorf("reading from %s: %w", t.RemoteAddr(), err)
			}
		}
		h.dispatch(ctx, sess, env, logger)
	}
}

// dispatch routes one client envelope. Every failure is answered to the
// sender alone.
func (h *SessionHandler) dispatch(ctx context.Context, sess *session.Session, env protocol.Envelope, logger *zap.Logger) {
	var err error
	switch p := env.Payload.(type) {
	case *protocol.Join:
		err = h.join(ctx, sess, p)
	case *protocol.Action:
		err = h.lobby.RouteAction(ctx, sess, env.RoomID, p.Seat, p.Action)
	case *protocol.Observe:
		err = h.lobby.Observe(ctx, sess, env.RoomID)
	default:
		observability.ProtocolErrors.Inc()
		err = &protocol.ProtocolError{Reason: fmt.Sprintf("%q messages are not accepted from clients", env.Kind())}
	}
	if err == nil {
		return
	}
	if ErrorCode(err) == CodeInternal {
		logger.Error("handling message", zap.String("kind", string(env.Kind())), zap.String("room", env.RoomID), zap.Error(err))
	} else {
		logger.Debug("rejected message", zap.String("kind", string(env.Kind())), zap.String("room", env.RoomID), zap.Error(err))
	}
	_ = sess.Send(errorEnvelope(env.RoomID, err))
}

// join redeems a reservation when one is given, otherwise joins or
// creates a room for the requested plugin. The room sends the welcome.
func (h *SessionHandler) join(ctx context.Context, sess *session.Session, j *protocol.Join) error {
	switch {
	case j.Reservation != "":
		_, _, err := h.lobby.Redeem(ctx, sess, j.Reservation)
		return err
	case j.Plugin != "":
		_, _, err := h.lobby.JoinOrCreate(ctx, sess, j.Plugin, j.Name)
		return err
	default:
		return &protocol.ProtocolError{Reason: "join needs a plugin or a reservation"}
	}
}
