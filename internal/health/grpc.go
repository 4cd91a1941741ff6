package health

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/corrosion-check/internal/logging"
)

// ServiceName is the gRPC health service name reported for the analysis API.
const ServiceName = "corrosion.Analysis"

// GRPCServer exposes the checker through the standard gRPC health protocol.
type GRPCServer struct {
	server   *grpc.Server
	health   *health.Server
	checker  *Checker
	interval time.Duration
	logger   *zap.Logger
}

// NewGRPCServer registers a health service fed by checker every interval.
func NewGRPCServer(checker *Checker, interval time.Duration, logger *zap.Logger) *GRPCServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &GRPCServer{
		server:   srv,
		health:   hs,
		checker:  checker,
		interval: interval,
		logger:   logger.Named("grpc_health"),
	}
}

// Refresh runs the checker once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if !s.checker.Check(ctx).Healthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Serve refreshes the status periodically and serves on lis until ctx ends.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	s.Refresh(ctx)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.server.GracefulStop()
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()

	s.logger.Info("gRPC health listening", zap.String("addr", lis.Addr().String()))
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		wrapped := logging.NewOperationError("health.grpc_serve", "", err)
		s.logger.Error("gRPC health server failed", zap.Error(wrapped))
		return wrapped
	}
	return nil
}

// Stop stops the server immediately.
func (s *GRPCServer) Stop() {
	s.server.Stop()
}
