// Package health exposes the worker's liveness over the standard gRPC
// health protocol so orchestrators can query it with any gRPC health client.
package health

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

// Service is the name reported alongside the overall ("") status.
const Service = "pdfsum.Worker"

// Check reports whether a dependency is usable, typically queue.Ping.
type Check func(ctx context.Context) error

type Server struct {
	grpc     *grpc.Server
	hs       *health.Server
	check    Check
	interval time.Duration
	logger   *slog.Logger
}

func NewServer(check Check, interval time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)
	return &Server{grpc: gs, hs: hs, check: check, interval: interval, logger: logger}
}

// Serve checks once, then serves on lis until ctx is cancelled, re-checking
// every interval. It returns nil after a graceful stop.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.refresh(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()
	s.logger.Info("health server listening", "addr", lis.Addr().String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.hs.Shutdown()
			s.grpc.GracefulStop()
			return nil
		case err := <-errCh:
			if errors.Is(err, grpc.ErrServerStopped) {
				return nil
			}
			return err
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *Server) refresh(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.check != nil {
		pctx, cancel := context.WithTimeout(ctx, s.interval)
		err := s.check(pctx)
		cancel()
		if err != nil {
			s.logger.Warn("health check failed", "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.hs.SetServingStatus("", status)
	s.hs.SetServingStatus(Service, status)
}
