// Package api serves the gRPC side of histfill: the standard health service,
// with a per-component status for the gateway connection, plus reflection.
package api

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

	"histfill/internal/gateway"
	"histfill/internal/util"
)

// GatewayService is the health service name that tracks the gateway
// connection. The empty service name reports overall process health.
const GatewayService = "histfill.Gateway"

// GatewayState reports the connection state. *gateway.Manager implements it.
type GatewayState interface {
	Status() gateway.Status
}

// Server hosts the gRPC listener.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	gateway  GatewayState
	interval time.Duration
	log      *slog.Logger
}

// NewServer creates a Server. When gw is nil the gateway service reports
// SERVING, since no connection is needed.
func NewServer(gw GatewayState, interval time.Duration, log *slog.Logger) *Server {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &Server{
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		gateway:  gw,
		interval: interval,
		log:      util.OrDefault(log).With("component", "grpc"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.report()
	return s
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.log.Info("grpc listening", "addr", lis.Addr().String())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.grpc.GracefulStop()
				return
			case <-ticker.C:
				s.report()
			}
		}
	}()

	err := s.grpc.Serve(lis)
	cancel()
	<-done
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// report copies the gateway state into the health server.
func (s *Server) report() {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	status := healthpb.HealthCheckResponse_SERVING
	if s.gateway != nil && s.gateway.Status().State != gateway.StateConnected {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(GatewayService, status)
}
