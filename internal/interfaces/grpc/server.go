package grpc

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/turtacn/jwksverify/pkg/logger"
)

// HealthMethods are the health service's full method names. Pass them to
// NewInterceptorChain to let probes reach the health service without a token.
var HealthMethods = []string{
	healthpb.Health_Check_FullMethodName,
	healthpb.Health_Watch_FullMethodName,
}

// Server is the gRPC gate. It serves the standard health service, behind the
// auth interceptors unless HealthMethods are public; applications register
// their own services on GRPC().
type Server struct {
	server *grpc.Server
	health *health.Server
	log    logger.Logger
}

// NewServer builds a gRPC server with the chain's interceptors installed.
func NewServer(chain *InterceptorChain, log logger.Logger) *Server {
	s := grpc.NewServer(
		chain.ChainUnaryInterceptors(),
		chain.ChainStreamInterceptors(),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	return &Server{server: s, health: hs, log: log.WithComponent("GRPCServer")}
}

// GRPC exposes the underlying server for service registration.
func (s *Server) GRPC() *grpc.Server {
	return s.server
}

// SetServing marks the overall health status.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
}

// Serve accepts connections on lis until ctx is canceled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.SetServing(true)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info(ctx, "Starting gRPC server", logger.String("address", lis.Addr().String()))
		errCh <- s.server.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.health.Shutdown()
	s.server.GracefulStop()
	s.log.Info(context.Background(), "gRPC server stopped")
	return nil
}
