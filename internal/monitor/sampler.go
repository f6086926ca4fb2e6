package monitor

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// RawSample raw readings before ratios and flags are derived
type RawSample struct {
	MemTotal    uint64  // host memory total in bytes
	MemUsed     uint64  // host memory used in bytes
	HeapUsed    uint64  // process heap in use
	HeapTotal   uint64  // process heap obtained from the OS
	LoadAverage float64 // 1 minute load average
	Cores       int     // logical core count
}

// Sampler reads the current system state
type Sampler interface {
	Sample(ctx context.Context) (RawSample, error)
}

// SystemSampler reads host memory and load through gopsutil and the process
// heap through the Go runtime.
type SystemSampler struct {
	coresOnce sync.Once
	cores     int
}

// NewSystemSampler creates a sampler for the local host
func NewSystemSampler() *SystemSampler {
	return &SystemSampler{}
}

// Sample implements Sampler
func (s *SystemSampler) Sample(ctx context.Context) (RawSample, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return RawSample{}, fmt.Errorf("read virtual memory: %w", err)
	}

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return RawSample{}, fmt.Errorf("read load average: %w", err)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return RawSample{
		MemTotal:    vm.Total,
		MemUsed:     vm.Used,
		HeapUsed:    ms.HeapAlloc,
		HeapTotal:   ms.HeapSys,
		LoadAverage: avg.Load1,
		Cores:       s.coreCount(ctx),
	}, nil
}

// coreCount is read once; gopsutil falls back to runtime.NumCPU on error
func (s *SystemSampler) coreCount(ctx context.Context) int {
	s.coresOnce.Do(func() {
		n, err := cpu.CountsWithContext(ctx, true)
		if err != nil || n <= 0 {
			n = runtime.NumCPU()
		}
		s.cores = n
	})
	return s.cores
}

// ScriptedSampler replays a fixed sequence of samples, repeating the last one
// once exhausted. Used by tests and the demo to drive deterministic load.
type ScriptedSampler struct {
	mu      sync.Mutex
	samples []RawSample
	errs    []error
	next    int
}

// NewScriptedSampler creates a sampler replaying samples in order
func NewScriptedSampler(samples ...RawSample) *ScriptedSampler {
	return &ScriptedSampler{samples: samples}
}

// FailNext makes the next call return err instead of a sample
func (s *ScriptedSampler) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

// Sample implements Sampler
func (s *ScriptedSampler) Sample(ctx context.Context) (RawSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return RawSample{}, err
	}
	if len(s.samples) == 0 {
		return RawSample{}, fmt.Errorf("scripted sampler has no samples")
	}

	idx := s.next
	if idx >= len(s.samples) {
		idx = len(s.samples) - 1
	} else {
		s.next++
	}
	return s.samples[idx], nil
}

// Ratios builds a RawSample whose derived ratios equal the given values.
// Memory and heap use a 1e9 byte base so decimal ratios survive the
// round trip exactly; CPU uses 4 cores.
func Ratios(memory, cpuUsage, heap float64) RawSample {
	const base = 1e9
	return RawSample{
		MemTotal:    base,
		MemUsed:     uint64(math.Round(memory * base)),
		HeapUsed:    uint64(math.Round(heap * base)),
		HeapTotal:   base,
		LoadAverage: cpuUsage * 4,
		Cores:       4,
	}
}
