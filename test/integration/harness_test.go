// ============================================================================
// Beaver-Flow end-to-end scenarios
// ============================================================================
//
// Package: test/integration
// File: harness_test.go
// Purpose: shared setup for the scenario tests
//
// Every scenario runs the full Controller with a ScriptedSampler so load
// is deterministic. The periodic sample and scale loops are parked on a
// one hour interval; scenarios advance the load with SampleOnce.
//
// Scenarios:
//   backpressure_test.go  steady load, memory ramp, recovery
//   fault_test.go         worker faults open the admission breaker
//   chunk_test.go         chunked job waits out throttling
//   performance_test.go   task throughput and admission benchmarks
//
// ============================================================================

package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-flow/internal/config"
	"github.com/ChuLiYu/beaver-flow/internal/controller"
	"github.com/ChuLiYu/beaver-flow/internal/event"
	"github.com/ChuLiYu/beaver-flow/internal/monitor"
	"github.com/stretchr/testify/require"
)

func scenarioConfig() *config.Config {
	cfg := config.Default()
	cfg.Monitor.SampleInterval = time.Hour
	cfg.Pool.ScaleInterval = time.Hour
	cfg.Pool.MinWorkers = 2
	cfg.Pool.InitialWorkers = 4
	cfg.Pool.MaxWorkers = 8
	cfg.Pool.QueueSize = 16
	cfg.Pool.TaskTimeout = 5 * time.Second
	cfg.Pool.RespawnDelay = 10 * time.Millisecond
	cfg.Chunk.ReliefPollInterval = 10 * time.Millisecond
	cfg.Status.Path = ""
	cfg.Journal.Path = ""
	return cfg
}

// startSystem builds and initializes a controller replaying samples,
// returning once the first sample has been handled
func startSystem(t testing.TB, cfg *config.Config, samples ...monitor.RawSample) *controller.Controller {
	t.Helper()

	ctrl, err := controller.New(cfg, controller.Options{
		Sampler:      monitor.NewScriptedSampler(samples...),
		MemoryRelief: func() {},
	})
	require.NoError(t, err)

	first := make(chan struct{})
	var once sync.Once
	id := ctrl.Bus().Subscribe(event.TypeSnapshot, func(event.Event) { once.Do(func() { close(first) }) })

	require.NoError(t, ctrl.Initialize(context.Background()))
	t.Cleanup(ctrl.Shutdown)

	select {
	case <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("first sample never arrived")
	}
	ctrl.Bus().Unsubscribe(id)
	return ctrl
}

// sample advances the scripted load by one step
func sample(t testing.TB, ctrl *controller.Controller) {
	t.Helper()
	_, err := ctrl.Monitor().SampleOnce(context.Background())
	require.NoError(t, err)
}
