// Package grpcapi exposes the standard gRPC health service and reflection
// next to the HTTP API, so orchestrators can health-check the daemon over gRPC.
package grpcapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// DispatchService is the health service name reporting whether the dispatch
// pipeline accepts more work. The empty name reports the process itself.
const DispatchService = "snsbus.Dispatch"

const defaultInterval = time.Second

type Options struct {
	// Overloaded is polled every Interval. nil never reports overload.
	Overloaded func() bool
	Interval   time.Duration
}

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	opts   Options
}

func New(opts Options) *Server {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Overloaded == nil {
		opts.Overloaded = func() bool { return false }
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		opts:   opts,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(DispatchService, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Serve blocks until Stop. ErrServerStopped is reported as nil.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Track marks the process serving and follows dispatch overload until ctx is
// done.
func (s *Server) Track(ctx context.Context) {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.update()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.update()
		}
	}
}

func (s *Server) update() {
	status := healthpb.HealthCheckResponse_SERVING
	if s.opts.Overloaded() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(DispatchService, status)
}

// Drain reports NOT_SERVING for every service and ignores later updates.
// Call it when shutdown starts so health checks stop routing work here.
func (s *Server) Drain() {
	slog.Info("grpc health draining", "code", "SYS_SHUTDOWN")
	s.health.Shutdown()
}

// Stop waits for in-flight RPCs, including health watches, up to ctx.
func (s *Server) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}
