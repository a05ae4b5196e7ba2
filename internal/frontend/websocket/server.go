// Package websocket serves envelope sessions over WebSocket, one envelope
// per message, alongside the Prometheus metrics endpoint.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/config"
	"github.com/cory-johannsen/arena/internal/game/session"
	"github.com/cory-johannsen/arena/internal/protocol"
)

// SessionHandler processes one connected client until it disconnects.
type SessionHandler interface {
	HandleSession(ctx context.Context, t session.Transport) error
}

// Handler upgrades HTTP requests and runs a session per socket.
type Handler struct {
	codec        protocol.Codec
	handler      SessionHandler
	logger       *zap.Logger
	readLimit    int64
	writeTimeout time.Duration
}

// NewHandler builds the upgrade handler.
//
// Precondition: codec, handler and logger must be non-nil.
func NewHandler(codec protocol.Codec, handler SessionHandler, readLimit int64, writeTimeout time.Duration, logger *zap.Logger) *Handler {
	if readLimit <= 0 {
		readLimit = protocol.DefaultMaxFrameSize
	}
	return &Handler{codec: codec, handler: handler, logger: logger, readLimit: readLimit, writeTimeout: writeTimeout}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	ws.SetReadLimit(h.readLimit)

	conn := NewConn(ws, h.codec, r.RemoteAddr, h.writeTimeout)
	defer conn.Close()

	if err := h.handler.HandleSession(r.Context(), conn); err != nil {
		h.logger.Debug("session ended",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// Server is the HTTP listener for WebSocket clients and metrics.
type Server struct {
	cfg    config.WebSocketConfig
	logger *zap.Logger
	http   *http.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
}

// NewServer mounts h at cfg.Path and, when cfg.MetricsPath is set, the
// Prometheus handler at cfg.MetricsPath.
func NewServer(cfg config.WebSocketConfig, h http.Handler, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, h)
	if cfg.MetricsPath != "" {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: logger,
		cancel: cancel,
		http: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		},
	}
}

// ListenAndServe blocks until Stop is called.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("websocket server listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", s.cfg.Path),
		zap.String("metrics_path", s.cfg.MetricsPath),
	)
	if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop ends every session and shuts the listener down.
func (s *Server) Stop() {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("websocket server shutdown", zap.Error(err))
	}
	s.logger.Info("websocket server stopped")
}

// Addr returns the listening address, or "" before ListenAndServe binds.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
