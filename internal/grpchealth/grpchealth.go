// Package grpchealth serves the standard gRPC health protocol, reporting the
// research archive as serving only while its store answers pings.
package grpchealth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the health service name of the research archive.
const ServiceName = "coachlab.research.Archive"

// Pinger is the part of the store the health probe needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server tracks store reachability on a grpc health server.
type Server struct {
	health   *health.Server
	store    Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a health server probing store every interval.
func New(store Pinger, interval time.Duration, logger *slog.Logger) *Server {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		health:   health.NewServer(),
		store:    store,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

// Register attaches the health service to g.
func (s *Server) Register(g *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(g, s.health)
}

// Probe pings the store once and publishes the result for both the overall
// server and ServiceName.
func (s *Server) Probe(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	status := grpc_health_v1.HealthCheckResponse_SERVING
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("Store health probe failed", "error", err)
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Run probes until ctx is done, then marks everything not serving.
func (s *Server) Run(ctx context.Context) {
	s.Probe(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.Probe(ctx)
		}
	}
}

// Serve listens on addr and serves health checks until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen grpc health on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves health checks on lis until ctx is done.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	g := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		MaxConnectionIdle: 5 * time.Minute,
		Time:              2 * time.Minute,
		Timeout:           10 * time.Second,
	}))
	s.Register(g)

	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.Run(probeCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gRPC health listening", "addr", lis.Addr().String())
		errCh <- g.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		g.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve grpc health: %w", err)
	}
}
