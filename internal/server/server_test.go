package server

import (
	"context"
	"net"
	"testing"

	"github.com/ChuLiYu/beaver-flow/internal/event"
	"github.com/ChuLiYu/beaver-flow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fixedState types.BackpressureState

func (f fixedState) State() types.BackpressureState { return types.BackpressureState(f) }

func startServer(t *testing.T, state StateSource, bus *event.Bus) (*HealthServer, string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewHealthServer(state, bus)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(lis) }()

	t.Cleanup(func() {
		srv.Stop()
		assert.NoError(t, <-done)
	})
	return srv, lis.Addr().String()
}

func TestServingStatus(t *testing.T) {
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, ServingStatus(types.StateNormal))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, ServingStatus(types.StateThrottled))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, ServingStatus(types.StateCritical))
}

func TestCheckReflectsInitialState(t *testing.T) {
	_, addr := startServer(t, fixedState(types.StateCritical), nil)

	status, err := Check(context.Background(), addr, ServiceName)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)
}

func TestCheckFollowsStateChanges(t *testing.T) {
	bus := event.NewBus()
	_, addr := startServer(t, fixedState(types.StateNormal), bus)

	status, err := Check(context.Background(), addr, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)

	bus.Publish(event.NewStateChangeEvent(types.StateNormal, types.StateCritical, types.MetricSnapshot{}))
	status, err = Check(context.Background(), addr, ServiceName)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)

	bus.Publish(event.NewStateChangeEvent(types.StateCritical, types.StateThrottled, types.MetricSnapshot{}))
	status, err = Check(context.Background(), addr, ServiceName)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)
}

func TestCheckUnknownService(t *testing.T) {
	_, addr := startServer(t, nil, nil)

	_, err := Check(context.Background(), addr, "no-such-service")
	assert.Error(t, err)
}

func TestStopUnsubscribes(t *testing.T) {
	bus := event.NewBus()
	srv := NewHealthServer(nil, bus)
	require.Equal(t, 1, bus.SubscriptionCount())

	srv.Stop()
	assert.Equal(t, 0, bus.SubscriptionCount())
}
