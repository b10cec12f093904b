package di

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCSetup listens on port and serves the standard health service, with
// reflection enabled for grpcurl.
func GRPCSetup(port string) (net.Listener, *grpc.Server, *health.Server, error) {
	listener, err := net.Listen("tcp", port)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to listen on port %s: %w", port, err)
	}

	server := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)

	return listener, server, healthServer, nil
}
