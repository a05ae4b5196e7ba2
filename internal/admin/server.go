package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cory-johannsen/arena/internal/config"
)

// Server hosts the admin and health services.
type Server struct {
	cfg        config.AdminConfig
	logger     *zap.Logger
	grpcServer *grpc.Server
	health     *health.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer builds a gRPC server with tracing, request logging and the
// passphrase check, and registers svc on it.
//
// Precondition: svc and logger must be non-nil.
func NewServer(cfg config.AdminConfig, svc AdminServer, logger *zap.Logger) *Server {
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			loggingInterceptor(logger),
			PassphraseInterceptor(cfg.PassphraseHash),
		),
	)
	RegisterAdminServer(grpcServer, svc)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{cfg: cfg, logger: logger, grpcServer: grpcServer, health: healthServer}
}

// ListenAndServe binds cfg.Addr() and serves until Stop.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("admin grpc server listening",
		zap.String("addr", lis.Addr().String()),
		zap.Bool("auth", s.cfg.PassphraseHash != ""),
	)
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving admin grpc: %w", err)
	}
	return nil
}

// Stop marks the service not serving and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.logger.Info("admin grpc server stopped")
}

// Addr returns the listening address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			logger.Warn("admin call failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("admin call", fields...)
		}
		return resp, err
	}
}
