package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-flow/internal/chunk"
	"github.com/ChuLiYu/beaver-flow/internal/config"
	"github.com/ChuLiYu/beaver-flow/internal/event"
	"github.com/ChuLiYu/beaver-flow/internal/journal"
	"github.com/ChuLiYu/beaver-flow/internal/monitor"
	"github.com/ChuLiYu/beaver-flow/internal/snapshot"
	"github.com/ChuLiYu/beaver-flow/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type fixedRand float64

func (f fixedRand) Float64() float64 { return float64(f) }

type harness struct {
	ctrl    *Controller
	sampler *monitor.ScriptedSampler
	fs      afero.Fs
	reg     *prometheus.Registry
	reliefs atomic.Int32
}

// testConfig keeps every periodic loop out of the way except the status loop
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Monitor.SampleInterval = time.Hour
	cfg.Pool.ScaleInterval = time.Hour
	cfg.Pool.MinWorkers = 1
	cfg.Pool.MaxWorkers = 4
	cfg.Pool.InitialWorkers = 2
	cfg.Pool.QueueSize = 4
	cfg.Pool.TaskTimeout = 2 * time.Second
	cfg.Pool.DrainGrace = time.Second
	cfg.Status.Path = "data/status.json"
	cfg.Status.Interval = 20 * time.Millisecond
	cfg.Chunk.ReliefPollInterval = 5 * time.Millisecond
	return cfg
}

func createTestController(t *testing.T, cfg *config.Config, samples ...monitor.RawSample) *harness {
	t.Helper()
	if len(samples) == 0 {
		samples = []monitor.RawSample{monitor.Ratios(0.5, 0.3, 0.2)}
	}

	h := &harness{
		sampler: monitor.NewScriptedSampler(samples...),
		fs:      afero.NewMemMapFs(),
		reg:     prometheus.NewRegistry(),
	}
	ctrl, err := New(cfg, Options{
		Sampler:      h.sampler,
		Rand:         fixedRand(0.99),
		MemoryRelief: func() { h.reliefs.Add(1) },
		Registerer:   h.reg,
		Fs:           h.fs,
	})
	require.NoError(t, err)
	h.ctrl = ctrl

	t.Cleanup(ctrl.Shutdown)
	return h
}

// initialize starts the controller and waits until the monitor's first
// sample has been handled. Subscribers run in registration order, so once
// this one fires the orchestrator has already seen the snapshot.
func (h *harness) initialize(t *testing.T) {
	t.Helper()
	seen := make(chan struct{}, 1)
	id := h.ctrl.Bus().Subscribe(event.TypeSnapshot, func(event.Event) {
		select {
		case seen <- struct{}{}:
		default:
		}
	})
	defer h.ctrl.Bus().Unsubscribe(id)

	require.NoError(t, h.ctrl.Initialize(context.Background()))
	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never published its first snapshot")
	}
}

// waitFor polls cond until it holds or timeout passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func readRequest() types.Request {
	return types.Request{Type: types.OpRead, Size: 1024, SubmittedAt: time.Now()}
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestNewController(t *testing.T) {
	h := createTestController(t, testConfig())

	st := h.ctrl.GetStatus()
	assert.Equal(t, types.StateNormal, st.State)
	assert.Equal(t, 0, st.PoolSize)
	assert.Equal(t, "0s", st.Uptime)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.MinWorkers = 10

	_, err := New(cfg, Options{Sampler: monitor.NewScriptedSampler(monitor.Ratios(0.5, 0.3, 0.2))})
	if err == nil {
		t.Fatal("expected invalid config error")
	}
}

func TestShutdownWithoutInitialize(t *testing.T) {
	h := createTestController(t, testConfig())

	assert.NotPanics(t, func() {
		h.ctrl.Shutdown()
		h.ctrl.Shutdown()
	})
}

func TestInitializeIsIdempotent(t *testing.T) {
	h := createTestController(t, testConfig())
	h.initialize(t)
	require.NoError(t, h.ctrl.Initialize(context.Background()))

	assert.Equal(t, 2, h.ctrl.Pool().Size())
	assert.True(t, h.ctrl.Monitor().IsRunning())

	loops := h.ctrl.GetStatus().Loops
	assert.Equal(t, 1, loops.Monitor)
	assert.Equal(t, 1, loops.Scaler)

	h.ctrl.Shutdown()
	assert.Equal(t, LoopCounts{}, h.ctrl.GetStatus().Loops)
}

func TestInitializeAfterShutdown(t *testing.T) {
	h := createTestController(t, testConfig())
	h.ctrl.Shutdown()

	err := h.ctrl.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrShutdown)
}

// ============================================================================
// Submission Tests
// ============================================================================

func TestSubmitBeforeInitialize(t *testing.T) {
	h := createTestController(t, testConfig())

	_, err := h.ctrl.Submit(context.Background(), readRequest(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestSubmitCancelledContext(t *testing.T) {
	h := createTestController(t, testConfig())
	h.initialize(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.ctrl.Submit(ctx, readRequest(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubmitRunsTask(t *testing.T) {
	h := createTestController(t, testConfig())
	h.initialize(t)

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		sub, err := h.ctrl.Submit(context.Background(), readRequest(), func(context.Context) error {
			ran.Add(1)
			return nil
		})
		require.NoError(t, err)
		require.True(t, sub.Decision.Allowed)
		require.NotEmpty(t, sub.TaskID)
	}

	if !waitFor(t, 2*time.Second, func() bool { return h.ctrl.GetStatus().Tasks.Completed == 10 }) {
		t.Fatalf("expected 10 completed tasks, got %+v", h.ctrl.GetStatus().Tasks)
	}
	assert.Equal(t, int32(10), ran.Load())
	assert.Equal(t, int64(10), h.ctrl.GetStatus().Tasks.Submitted)
}

func TestSubmitCountsFailures(t *testing.T) {
	h := createTestController(t, testConfig())
	h.initialize(t)

	_, err := h.ctrl.Submit(context.Background(), readRequest(), func(context.Context) error {
		return errors.New("disk full")
	})
	require.NoError(t, err)

	assert.True(t, waitFor(t, 2*time.Second, func() bool { return h.ctrl.GetStatus().Tasks.Failed == 1 }))
}

func TestSubmitMoreThanPoolCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.InitialWorkers = 1
	cfg.Pool.QueueSize = 1
	h := createTestController(t, cfg)
	h.initialize(t)

	release := make(chan struct{})
	var done atomic.Int32
	for i := 0; i < 8; i++ {
		_, err := h.ctrl.Submit(context.Background(), readRequest(), func(context.Context) error {
			<-release
			done.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	// one running, one queued on the unit, the rest wait in the scheduler
	require.True(t, waitFor(t, time.Second, func() bool { return h.ctrl.GetStatus().QueueStatus.Total() == 6 }))

	close(release)
	assert.True(t, waitFor(t, 2*time.Second, func() bool { return done.Load() == 8 }))
}

func TestSubmitRejectedWhenCircuitOpen(t *testing.T) {
	h := createTestController(t, testConfig())
	h.initialize(t)
	h.ctrl.breaker.Trip()

	sub, err := h.ctrl.Submit(context.Background(), readRequest(), func(context.Context) error { return nil })
	require.NoError(t, err)

	assert.False(t, sub.Decision.Allowed)
	assert.Equal(t, types.ReasonCircuitOpen, sub.Decision.Reason)
	assert.Empty(t, sub.TaskID)
	assert.Equal(t, int64(0), h.ctrl.GetStatus().Tasks.Submitted)
}

// ============================================================================
// Backpressure Tests
// ============================================================================

func TestCriticalLoadRejectsRequests(t *testing.T) {
	h := createTestController(t, testConfig(), monitor.Ratios(0.95, 0.3, 0.2))
	h.initialize(t)

	st := h.ctrl.GetStatus()
	assert.Equal(t, types.StateCritical, st.State)
	assert.InDelta(t, 0.9, st.ThrottleRate, 1e-9)
	assert.True(t, st.CircuitBreakerOpen)
	assert.Equal(t, int32(1), h.reliefs.Load())

	d := h.ctrl.CanProcessRequest(readRequest())
	assert.False(t, d.Allowed)
}

func TestRecoveryReopensAdmission(t *testing.T) {
	h := createTestController(t, testConfig(),
		monitor.Ratios(0.85, 0.3, 0.2),
		monitor.Ratios(0.5, 0.3, 0.2),
	)
	h.initialize(t)
	assert.Equal(t, types.StateThrottled, h.ctrl.GetStatus().State)

	_, err := h.ctrl.Monitor().SampleOnce(context.Background())
	require.NoError(t, err)

	st := h.ctrl.GetStatus()
	assert.Equal(t, types.StateNormal, st.State)
	assert.Zero(t, st.ThrottleRate)
	assert.Equal(t, 2, st.Metrics.StateChanges)
}

// ============================================================================
// Status, Metrics and Chunk Tests
// ============================================================================

func TestStatusSnapshotWritten(t *testing.T) {
	h := createTestController(t, testConfig(), monitor.Ratios(0.85, 0.3, 0.2))
	h.initialize(t)

	mgr := snapshot.NewManager(h.fs, "data/status.json")
	var got Status
	ok := waitFor(t, time.Second, func() bool {
		_, err := mgr.Load(&got)
		return err == nil && got.State == types.StateThrottled
	})
	require.True(t, ok, "status snapshot never reflected the throttled state")
	assert.Equal(t, 2, got.PoolSize)
	assert.InDelta(t, 0.75, got.ThrottleRate, 1e-9)
}

func TestShutdownWritesFinalStatus(t *testing.T) {
	cfg := testConfig()
	cfg.Status.Interval = time.Hour
	h := createTestController(t, cfg)
	h.initialize(t)

	h.ctrl.Shutdown()

	var got Status
	_, err := snapshot.NewManager(h.fs, "data/status.json").Load(&got)
	require.NoError(t, err)
	assert.Equal(t, types.StateNormal, got.State)
}

func TestStatusKeepsBoundedBackups(t *testing.T) {
	cfg := testConfig()
	cfg.Status.KeepBackups = 2
	h := createTestController(t, cfg)
	h.initialize(t)

	mgr := snapshot.NewManager(h.fs, "data/status.json")
	require.True(t, waitFor(t, 2*time.Second, func() bool {
		backups, err := mgr.Backups()
		return err == nil && len(backups) == 2
	}), "status loop never rotated two backups")

	time.Sleep(100 * time.Millisecond)
	backups, err := mgr.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)
	assert.True(t, mgr.Exists())
}

func TestStatusWithoutBackupsOverwrites(t *testing.T) {
	cfg := testConfig()
	cfg.Status.KeepBackups = 0
	h := createTestController(t, cfg)
	h.initialize(t)

	mgr := snapshot.NewManager(h.fs, "data/status.json")
	require.True(t, waitFor(t, time.Second, mgr.Exists))
	time.Sleep(60 * time.Millisecond)

	backups, err := mgr.Backups()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestJournalRecordsStateChanges(t *testing.T) {
	h := createTestController(t, testConfig(),
		monitor.Ratios(0.85, 0.3, 0.2),
		monitor.Ratios(0.5, 0.3, 0.2),
	)
	h.initialize(t)
	_, err := h.ctrl.Monitor().SampleOnce(context.Background())
	require.NoError(t, err)
	h.ctrl.Shutdown()

	var transitions []journal.StateChange
	recordTypes := map[string]int{}
	require.NoError(t, journal.Replay(h.fs, "data/journal.log", func(r journal.Record) error {
		recordTypes[r.Type]++
		if r.Type == event.TypeStateChange {
			var sc journal.StateChange
			require.NoError(t, json.Unmarshal(r.Data, &sc))
			transitions = append(transitions, sc)
		}
		return nil
	}))

	require.Len(t, transitions, 2)
	assert.Equal(t, types.StateThrottled, transitions[0].To)
	assert.Equal(t, 0.85, transitions[0].Memory)
	assert.Equal(t, types.StateNormal, transitions[1].To)
	assert.Equal(t, 1, recordTypes[event.TypeWarningBreach])
}

func TestAdmissionMetricsRecorded(t *testing.T) {
	h := createTestController(t, testConfig())
	h.initialize(t)

	for i := 0; i < 3; i++ {
		h.ctrl.CanProcessRequest(readRequest())
	}

	families, err := h.reg.Gather()
	require.NoError(t, err)

	var processed float64
	for _, mf := range families {
		if mf.GetName() != "beaver_admission_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "result" && lp.GetValue() == "processed" {
					processed = m.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Equal(t, 3.0, processed)
}

func TestProcessInChunks(t *testing.T) {
	h := createTestController(t, testConfig())
	h.initialize(t)

	input := strings.Repeat("beaver", 1000)
	var out bytes.Buffer
	res, err := h.ctrl.ProcessInChunks(context.Background(), strings.NewReader(input), int64(len(input)), chunk.Options{
		ChunkSize: 512,
		Output:    &out,
		Handler: func(_ context.Context, _ types.Chunk, data []byte) ([]byte, error) {
			return bytes.ToUpper(data), nil
		},
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 12, res.TotalChunks)
	assert.Equal(t, strings.ToUpper(input), out.String())
	assert.Equal(t, 1, h.ctrl.GetStatus().Jobs["completed"])
}

func TestStatusListsRunningJobs(t *testing.T) {
	h := createTestController(t, testConfig())
	h.initialize(t)

	release := make(chan struct{})
	done := make(chan chunk.Result, 1)
	go func() {
		res, _ := h.ctrl.ProcessInChunks(context.Background(), strings.NewReader("slow"), 4, chunk.Options{
			Handler: func(_ context.Context, _ types.Chunk, data []byte) ([]byte, error) {
				<-release
				return data, nil
			},
		})
		done <- res
	}()

	require.True(t, waitFor(t, 2*time.Second, func() bool {
		return len(h.ctrl.GetStatus().RunningJobs) == 1
	}))
	close(release)

	res := <-done
	assert.True(t, res.Success)
	assert.Empty(t, h.ctrl.GetStatus().RunningJobs)
}

func TestProcessFile(t *testing.T) {
	h := createTestController(t, testConfig())
	h.initialize(t)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in.bin", bytes.Repeat([]byte{7}, 4096), 0o644))

	var seen atomic.Int64
	res, err := h.ctrl.ProcessFile(context.Background(), fs, "/in.bin", chunk.Options{
		ChunkSize: 1024,
		Handler: func(_ context.Context, _ types.Chunk, data []byte) ([]byte, error) {
			seen.Add(int64(len(data)))
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, res.CompletedChunks)
	assert.Equal(t, int64(4096), seen.Load())
}

func TestShutdownLetsInFlightTaskFinish(t *testing.T) {
	h := createTestController(t, testConfig())
	h.initialize(t)

	started := make(chan struct{})
	_, err := h.ctrl.Submit(context.Background(), readRequest(), func(context.Context) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}

	h.ctrl.Shutdown()
	assert.Equal(t, int64(1), h.ctrl.GetStatus().Tasks.Completed)
}

func TestPoolScaleThroughController(t *testing.T) {
	h := createTestController(t, testConfig())
	h.initialize(t)

	require.NoError(t, h.ctrl.Pool().Scale(4))
	assert.Equal(t, 4, h.ctrl.Pool().Size())

	best, ok := h.ctrl.Pool().GetBestWorker()
	assert.True(t, ok)
	assert.NotEmpty(t, best.ID)
}
