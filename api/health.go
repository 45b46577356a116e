package api

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name a node reports under.
const ServiceName = "parkgate.Node"

// ErrHealthRunning is returned by Start on a running server.
var ErrHealthRunning = errors.New("health server is already running")

// HealthServer serves the standard gRPC health protocol for one node.
// The node is SERVING while its processing loop runs.
type HealthServer struct {
	health     *health.Server
	grpcServer *grpc.Server
	listener   net.Listener

	mu      sync.Mutex
	running bool
}

// NewHealthServer creates a health server reporting NOT_SERVING.
func NewHealthServer() *HealthServer {
	h := health.NewServer()
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &HealthServer{health: h}
}

// Start listens on address and serves in the background.
func (s *HealthServer) Start(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrHealthRunning
	}

	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.listener = lis
	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.running = true

	go func() {
		_ = s.grpcServer.Serve(lis)
	}()
	return nil
}

// SetServing updates the reported status.
func (s *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Addr returns the bound address, or nil before Start.
func (s *HealthServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop marks the node NOT_SERVING and stops the server.
func (s *HealthServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false

	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
