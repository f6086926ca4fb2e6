package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-flow/internal/event"
	"github.com/ChuLiYu/beaver-flow/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var log = slog.Default()

// ServiceName health service name reported alongside the overall ("") status
const ServiceName = "beaver-flow"

// StateSource current backpressure state
type StateSource interface {
	State() types.BackpressureState
}

// HealthServer gRPC health service that follows the backpressure state.
// SERVING in normal and throttled, NOT_SERVING while critical.
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
	bus    *event.Bus

	mu    sync.Mutex
	subID string
}

// NewHealthServer creates the server and subscribes it to state changes on bus
func NewHealthServer(state StateSource, bus *event.Bus) *HealthServer {
	s := &HealthServer{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		bus:    bus,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)

	initial := types.StateNormal
	if state != nil {
		initial = state.State()
	}
	s.apply(initial)

	if bus != nil {
		s.subID = bus.Subscribe(event.TypeStateChange, func(e event.Event) {
			if sc, ok := e.(event.StateChangeEvent); ok {
				s.apply(sc.New)
			}
		})
	}
	return s
}

// ServingStatus maps a backpressure state to a health status
func ServingStatus(state types.BackpressureState) healthpb.HealthCheckResponse_ServingStatus {
	if state == types.StateCritical {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

func (s *HealthServer) apply(state types.BackpressureState) {
	status := ServingStatus(state)
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve blocks serving on lis until Stop
func (s *HealthServer) Serve(lis net.Listener) error {
	log.Info("Health server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// ListenAndServe serves on port until ctx is cancelled
func (s *HealthServer) ListenAndServe(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return s.Serve(lis)
}

// Stop marks every service NOT_SERVING, drops the bus subscription and
// stops the gRPC server gracefully
func (s *HealthServer) Stop() {
	s.mu.Lock()
	if s.bus != nil && s.subID != "" {
		s.bus.Unsubscribe(s.subID)
		s.subID = ""
	}
	s.mu.Unlock()

	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Check probes the health service at addr and returns its status for service
func Check(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus(), nil
}
