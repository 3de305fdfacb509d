package httpapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"anonchat.org/internal/obs"
)

// GRPCServer exposes service health over the standard gRPC health protocol,
// for orchestrators that probe gRPC rather than HTTP.
type GRPCServer struct {
	grpc_health_v1.UnimplementedHealthServer

	readiness readinessChecker
}

// NewGRPCServer creates the gRPC health service wrapper.
func NewGRPCServer(r readinessChecker) *GRPCServer {
	return &GRPCServer{readiness: r}
}

// Register attaches the health service to the given server.
func (s *GRPCServer) Register(gs *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(gs, s)
}

// Check evaluates readiness and mirrors the result into the readiness gauge.
func (s *GRPCServer) Check(ctx context.Context, _ *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		return &grpc_health_v1.HealthCheckResponse{
			Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING,
		}, nil
	}
	obs.SetReady(true)
	return &grpc_health_v1.HealthCheckResponse{
		Status: grpc_health_v1.HealthCheckResponse_SERVING,
	}, nil
}
