package grpc

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/spf13/viper"
	"google.golang.org/grpc"
	health "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Checker reports whether the dependencies of the service are usable.
type Checker func(ctx context.Context) error

type Server struct {
	health.UnimplementedHealthServer

	srv      *grpc.Server
	checker  Checker
	stopping atomic.Bool
}

func NewGrpc(checker Checker) *Server {
	server := &Server{
		srv:     grpc.NewServer(),
		checker: checker,
	}

	health.RegisterHealthServer(server.srv, server)

	reflection.Register(server.srv)

	return server
}

func (v *Server) Check(ctx context.Context, request *health.HealthCheckRequest) (*health.HealthCheckResponse, error) {
	if v.stopping.Load() {
		return &health.HealthCheckResponse{
			Status: health.HealthCheckResponse_NOT_SERVING,
		}, nil
	}
	if v.checker != nil {
		if err := v.checker(ctx); err != nil {
			return &health.HealthCheckResponse{
				Status: health.HealthCheckResponse_NOT_SERVING,
			}, nil
		}
	}
	return &health.HealthCheckResponse{
		Status: health.HealthCheckResponse_SERVING,
	}, nil
}

func (v *Server) Listen() error {
	listener, err := net.Listen("tcp", viper.GetString("grpc_bind"))
	if err != nil {
		return err
	}

	return v.Serve(listener)
}

func (v *Server) Serve(listener net.Listener) error {
	return v.srv.Serve(listener)
}

func (v *Server) Stop() {
	v.stopping.Store(true)
	v.srv.GracefulStop()
}
