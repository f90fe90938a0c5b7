package health

import (
	"context"
	"net"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	WorkerService = "helpdesk.offlinecache.Worker"
	OriginService = "helpdesk.offlinecache.Origin"
)

// Server exposes grpc_health_v1. The overall service ("") is SERVING while
// the process runs; WorkerService reports whether an activated worker
// answers fetches and OriginService mirrors the origin probe.
type Server struct {
	grpc   *grpc.Server
	health *grpchealth.Server
}

func NewServer(opts ...grpc.ServerOption) *Server {
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: grpchealth.NewServer(),
	}
	grpc_health_v1.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(WorkerService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(OriginService, grpc_health_v1.HealthCheckResponse_UNKNOWN)
	return s
}

func (s *Server) SetWorkerActive(active bool) {
	s.health.SetServingStatus(WorkerService, servingStatus(active))
}

func (s *Server) SetOriginUp(up bool) {
	s.health.SetServingStatus(OriginService, servingStatus(up))
}

func (s *Server) Serve(ln net.Listener) error {
	return s.grpc.Serve(ln)
}

// Stop reports NOT_SERVING to watchers, then drains RPCs until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpc.Stop()
		return ctx.Err()
	}
}

func servingStatus(ok bool) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if ok {
		return grpc_health_v1.HealthCheckResponse_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_NOT_SERVING
}
