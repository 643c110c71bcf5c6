package grpcserver

import (
	"context"
	"net"
	"time"

	"github.com/rzbill/fanq/internal/runtime"
	"github.com/rzbill/fanq/pkg/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DefaultHealthInterval is how often the runtime is checked.
const DefaultHealthInterval = 5 * time.Second

// Server owns the gRPC server instance and runtime.
type Server struct {
	rt       *runtime.Runtime
	grpc     *grpc.Server
	health   *health.Server
	lis      net.Listener
	interval time.Duration
	logger   log.Logger
}

// New constructs a gRPC server and registers the standard health service.
func New(rt *runtime.Runtime, logger log.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Server{
		rt:       rt,
		grpc:     grpc.NewServer(opts...),
		health:   health.NewServer(),
		interval: DefaultHealthInterval,
		logger:   logger.With(log.Component("grpc")),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// Refresh checks the runtime once and updates the reported status.
func (s *Server) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	return refreshHealth(ctx, s.rt, s.health, s.logger)
}

// ListenAndServe binds to addr and serves until ctx is done. Health is
// re-checked every DefaultHealthInterval while serving.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.Refresh(ctx)
	wctx, stop := context.WithCancel(ctx)
	defer stop()
	go watchHealth(wctx, s.rt, s.health, s.interval, s.logger)

	s.logger.Info("grpc listening", log.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}
