// ============================================================================
// Beaver-Flow Resource Monitor - periodic system sampling
// ============================================================================
//
// Package: internal/monitor
// File: monitor.go
// Function: Samples host memory, CPU load and process heap on a fixed
//           interval, classifies each metric against warning/critical
//           thresholds and publishes the results on the event bus.
//
// Sampling loop:
//   ┌────────────────────────────────────────────┐
//   │ ticker (SampleInterval)                    │
//   │   ├─ Sampler.Sample()      (gopsutil)      │
//   │   ├─ derive ratios + backpressure flags    │
//   │   ├─ publish threshold_breach per metric   │
//   │   ├─ append to bounded history             │
//   │   └─ publish snapshot                      │
//   └────────────────────────────────────────────┘
//
// CPU usage:
//   1 minute load average divided by the logical core count, clamped to
//   [0,1]. Process CPU-time deltas are not used.
//
// Failures:
//   A failed sample is logged and skipped. The previous snapshot remains
//   the current load until the next successful tick.
//
// ============================================================================

package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/beaver-flow/internal/event"
	"github.com/ChuLiYu/beaver-flow/pkg/types"
)

var log = slog.Default()

// ErrInvalidInterval returned by Start when the sampling interval is not positive
var ErrInvalidInterval = errors.New("monitor: sample interval must be positive")

// Threshold warning/critical ratios for one metric
type Threshold struct {
	Warning  float64
	Critical float64
}

// Config Monitor configuration
type Config struct {
	SampleInterval time.Duration // time between samples
	HistorySize    int           // snapshots retained, oldest evicted first
	Memory         Threshold     // host memory used ratio
	CPU            Threshold     // load average per core
	Heap           Threshold     // process heap ratio
}

// DefaultConfig returns the default thresholds and interval
func DefaultConfig() Config {
	return Config{
		SampleInterval: 5 * time.Second,
		HistorySize:    100,
		Memory:         Threshold{Warning: 0.8, Critical: 0.9},
		CPU:            Threshold{Warning: 0.8, Critical: 0.95},
		Heap:           Threshold{Warning: 0.85, Critical: 0.95},
	}
}

// Monitor periodic resource sampler
type Monitor struct {
	config  Config
	sampler Sampler
	bus     *event.Bus

	mu       sync.RWMutex
	history  []types.MetricSnapshot
	current  *types.MetricSnapshot
	failures int

	lifecycle sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	loops     atomic.Int32 // sampling loops currently running
}

// NewMonitor creates a Monitor; bus may be nil when nobody listens
func NewMonitor(config Config, sampler Sampler, bus *event.Bus) *Monitor {
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultConfig().HistorySize
	}
	if sampler == nil {
		sampler = NewSystemSampler()
	}
	return &Monitor{
		config:  config,
		sampler: sampler,
		bus:     bus,
		history: make([]types.MetricSnapshot, 0, config.HistorySize),
	}
}

// Start launches the sampling loop. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.running {
		return nil
	}
	if m.config.SampleInterval <= 0 {
		return ErrInvalidInterval
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	m.loops.Add(1)
	go m.sampleLoop(loopCtx)

	log.Info("Resource monitor started", "interval", m.config.SampleInterval)
	return nil
}

// Stop cancels the sampling loop and waits for it to exit. Safe to call
// on a monitor that was never started.
func (m *Monitor) Stop() {
	m.lifecycle.Lock()
	if !m.running {
		m.lifecycle.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.lifecycle.Unlock()

	cancel()
	m.wg.Wait()
	log.Info("Resource monitor stopped")
}

// ActiveLoops number of sampling goroutines currently running
func (m *Monitor) ActiveLoops() int {
	return int(m.loops.Load())
}

// IsRunning reports whether the sampling loop is active
func (m *Monitor) IsRunning() bool {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.running
}

func (m *Monitor) sampleLoop(ctx context.Context) {
	defer m.wg.Done()
	defer m.loops.Add(-1)

	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()

	// first sample immediately so CurrentLoad is populated early
	_, _ = m.SampleOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = m.SampleOnce(ctx)
		}
	}
}

// SampleOnce takes one sample, publishes its events and records it
func (m *Monitor) SampleOnce(ctx context.Context) (types.MetricSnapshot, error) {
	raw, err := m.sampler.Sample(ctx)
	if err != nil {
		m.mu.Lock()
		m.failures++
		m.mu.Unlock()
		log.Error("Failed to sample system metrics", "error", err)
		return types.MetricSnapshot{}, err
	}

	snapshot := m.buildSnapshot(raw, time.Now())

	for _, breach := range m.CheckThresholds(snapshot) {
		m.bus.Publish(event.NewThresholdBreachEvent(breach))
	}

	m.mu.Lock()
	m.history = append(m.history, snapshot)
	if over := len(m.history) - m.config.HistorySize; over > 0 {
		m.history = append(m.history[:0], m.history[over:]...)
	}
	current := snapshot
	m.current = &current
	m.mu.Unlock()

	m.bus.Publish(event.NewSnapshotEvent(snapshot))
	return snapshot, nil
}

func (m *Monitor) buildSnapshot(raw RawSample, now time.Time) types.MetricSnapshot {
	memRatio := ratio(raw.MemUsed, raw.MemTotal)
	heapRatio := ratio(raw.HeapUsed, raw.HeapTotal)

	cpuRatio := 0.0
	if raw.Cores > 0 {
		cpuRatio = types.Clamp01(raw.LoadAverage / float64(raw.Cores))
	}

	return types.MetricSnapshot{
		Timestamp: now,
		Memory: types.MemoryMetrics{
			SystemUsedRatio:  memRatio,
			ProcessHeapRatio: heapRatio,
			TotalBytes:       raw.MemTotal,
			UsedBytes:        raw.MemUsed,
			HeapUsedBytes:    raw.HeapUsed,
			HeapTotalBytes:   raw.HeapTotal,
		},
		CPU: types.CPUMetrics{
			UsageRatio:  cpuRatio,
			LoadAverage: raw.LoadAverage,
			CoreCount:   raw.Cores,
		},
		Backpressure: types.BackpressureFlags{
			Memory: memRatio >= m.config.Memory.Warning,
			CPU:    cpuRatio >= m.config.CPU.Warning,
			Severe: memRatio >= m.config.Memory.Critical ||
				cpuRatio >= m.config.CPU.Critical ||
				heapRatio >= m.config.Heap.Critical,
		},
	}
}

// CheckThresholds returns one breach per metric at or above its warning
// threshold, with critical taking precedence.
func (m *Monitor) CheckThresholds(s types.MetricSnapshot) []types.ThresholdBreach {
	checks := []struct {
		name  types.MetricName
		value float64
		th    Threshold
	}{
		{types.MetricMemory, s.Memory.SystemUsedRatio, m.config.Memory},
		{types.MetricCPU, s.CPU.UsageRatio, m.config.CPU},
		{types.MetricHeap, s.Memory.ProcessHeapRatio, m.config.Heap},
	}

	var breaches []types.ThresholdBreach
	for _, c := range checks {
		switch {
		case c.value >= c.th.Critical:
			breaches = append(breaches, types.ThresholdBreach{
				Metric: c.name, Severity: types.SeverityCritical,
				Value: c.value, Threshold: c.th.Critical, Timestamp: s.Timestamp,
			})
		case c.value >= c.th.Warning:
			breaches = append(breaches, types.ThresholdBreach{
				Metric: c.name, Severity: types.SeverityWarning,
				Value: c.value, Threshold: c.th.Warning, Timestamp: s.Timestamp,
			})
		}
	}
	return breaches
}

// CurrentLoad returns the most recent snapshot, false before the first sample
func (m *Monitor) CurrentLoad() (types.MetricSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return types.MetricSnapshot{}, false
	}
	return *m.current, true
}

// History returns a copy of the retained snapshots, oldest first
func (m *Monitor) History() []types.MetricSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.MetricSnapshot, len(m.history))
	copy(out, m.history)
	return out
}

// SampleFailures number of failed samples since creation
func (m *Monitor) SampleFailures() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failures
}

func ratio(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return types.Clamp01(float64(used) / float64(total))
}
