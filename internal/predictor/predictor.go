// Package predictor forecasts resource saturation from recent snapshots.
//
// The trend of an axis is the mean of the newest five samples minus the
// mean of the five before them, so at least ten samples are needed before a
// trend exists. A positive trend means usage is rising.
package predictor

import (
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-flow/pkg/types"
)

// Recommendation posture change suggested by the current trends
type Recommendation string

const (
	PreemptiveThrottling Recommendation = "preemptive_throttling"
	ReduceThrottling     Recommendation = "reduce_throttling"
	MaintainCurrent      Recommendation = "maintain_current"
)

const (
	window            = 5
	minSamples        = 2 * window
	risingThreshold   = 0.1
	fallingThreshold  = -0.05
	defaultHistory    = 60
	defaultSampleTick = 5 * time.Second
)

// Prediction output of one Observe call
type Prediction struct {
	Samples        int            `json:"samples"`
	HasTrend       bool           `json:"has_trend"`
	MemoryTrend    float64        `json:"memory_trend"`
	CPUTrend       float64        `json:"cpu_trend"`
	MemorySaturate *time.Duration `json:"memory_time_to_saturation,omitempty"` // nil when no estimate
	CPUSaturate    *time.Duration `json:"cpu_time_to_saturation,omitempty"`
	Recommendation Recommendation `json:"recommendation"`
}

// Predictor keeps a bounded history of snapshots and derives trends
type Predictor struct {
	mu           sync.Mutex
	history      []types.MetricSnapshot
	maxHistory   int
	samplePeriod time.Duration
	latest       Prediction
}

// New creates a Predictor. sampleInterval converts per-sample slopes into
// wall-clock estimates.
func New(maxHistory int, sampleInterval time.Duration) *Predictor {
	if maxHistory < minSamples {
		maxHistory = defaultHistory
	}
	if sampleInterval <= 0 {
		sampleInterval = defaultSampleTick
	}
	return &Predictor{
		maxHistory:   maxHistory,
		samplePeriod: sampleInterval,
		latest:       Prediction{Recommendation: MaintainCurrent},
	}
}

// Observe records s and returns the updated prediction
func (p *Predictor) Observe(s types.MetricSnapshot) Prediction {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.history = append(p.history, s)
	if over := len(p.history) - p.maxHistory; over > 0 {
		p.history = append(p.history[:0], p.history[over:]...)
	}

	pred := Prediction{Samples: len(p.history), Recommendation: MaintainCurrent}
	if len(p.history) < minSamples {
		p.latest = pred
		return pred
	}

	memTrend := p.trend(func(m types.MetricSnapshot) float64 { return m.Memory.SystemUsedRatio })
	cpuTrend := p.trend(func(m types.MetricSnapshot) float64 { return m.CPU.UsageRatio })

	pred.HasTrend = true
	pred.MemoryTrend = memTrend
	pred.CPUTrend = cpuTrend
	pred.MemorySaturate = p.timeToSaturation(s.Memory.SystemUsedRatio, memTrend)
	pred.CPUSaturate = p.timeToSaturation(s.CPU.UsageRatio, cpuTrend)
	pred.Recommendation = Recommend(memTrend, cpuTrend)

	p.latest = pred
	return pred
}

// Latest returns the most recent prediction
func (p *Predictor) Latest() Prediction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// trend = avg(last window) - avg(previous window)
func (p *Predictor) trend(value func(types.MetricSnapshot) float64) float64 {
	n := len(p.history)
	recent := p.history[n-window:]
	previous := p.history[n-2*window : n-window]
	return mean(recent, value) - mean(previous, value)
}

// timeToSaturation extrapolates linearly from current to 1.0. The trend spans
// one window, so the per-sample slope is trend/window.
func (p *Predictor) timeToSaturation(current, trend float64) *time.Duration {
	if trend <= 0 {
		return nil
	}
	if current >= 1 {
		d := time.Duration(0)
		return &d
	}
	samples := (1 - current) / (trend / window)
	d := time.Duration(samples * float64(p.samplePeriod))
	return &d
}

// Recommend maps a pair of trends to a posture change
func Recommend(memTrend, cpuTrend float64) Recommendation {
	switch {
	case memTrend > risingThreshold || cpuTrend > risingThreshold:
		return PreemptiveThrottling
	case memTrend < fallingThreshold && cpuTrend < fallingThreshold:
		return ReduceThrottling
	default:
		return MaintainCurrent
	}
}

func mean(snaps []types.MetricSnapshot, value func(types.MetricSnapshot) float64) float64 {
	if len(snaps) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range snaps {
		sum += value(s)
	}
	return sum / float64(len(snaps))
}
