package predictor

import (
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-flow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snap(mem, cpu float64) types.MetricSnapshot {
	return types.MetricSnapshot{
		Memory: types.MemoryMetrics{SystemUsedRatio: mem},
		CPU:    types.CPUMetrics{UsageRatio: cpu},
	}
}

func TestObserve_NoTrendBeforeTenSamples(t *testing.T) {
	p := New(60, time.Second)
	for i := 0; i < 9; i++ {
		pred := p.Observe(snap(0.1*float64(i), 0.5))
		assert.False(t, pred.HasTrend)
		assert.Equal(t, MaintainCurrent, pred.Recommendation)
	}
	pred := p.Observe(snap(0.9, 0.5))
	assert.True(t, pred.HasTrend)
	assert.Equal(t, 10, pred.Samples)
}

func TestObserve_RisingMemory(t *testing.T) {
	p := New(60, time.Second)
	var pred Prediction
	// 0.40 .. 0.85 in 0.05 steps: trend = 0.75 - 0.50 = 0.25
	for i := 0; i < 10; i++ {
		pred = p.Observe(snap(0.40+0.05*float64(i), 0.5))
	}

	require.True(t, pred.HasTrend)
	assert.InDelta(t, 0.25, pred.MemoryTrend, 1e-9)
	assert.InDelta(t, 0.0, pred.CPUTrend, 1e-9)
	assert.Equal(t, PreemptiveThrottling, pred.Recommendation)

	// slope 0.05/sample, 0.15 left -> 3 samples -> 3s
	require.NotNil(t, pred.MemorySaturate)
	assert.InDelta(t, float64(3*time.Second), float64(*pred.MemorySaturate), float64(time.Millisecond))
	assert.Nil(t, pred.CPUSaturate, "flat trend has no estimate")
}

func TestObserve_FallingBothAxes(t *testing.T) {
	p := New(60, time.Second)
	var pred Prediction
	for i := 0; i < 10; i++ {
		v := 0.9 - 0.05*float64(i)
		pred = p.Observe(snap(v, v))
	}
	assert.Equal(t, ReduceThrottling, pred.Recommendation)
	assert.Nil(t, pred.MemorySaturate)
	assert.Equal(t, pred, p.Latest())
}

func TestRecommend(t *testing.T) {
	tests := []struct {
		mem, cpu float64
		want     Recommendation
	}{
		{0.11, 0, PreemptiveThrottling},
		{0, 0.2, PreemptiveThrottling},
		{-0.06, -0.06, ReduceThrottling},
		{-0.06, 0, MaintainCurrent},
		{0.1, 0.1, MaintainCurrent},
	}
	for _, tt := range tests {
		if got := Recommend(tt.mem, tt.cpu); got != tt.want {
			t.Errorf("Recommend(%v, %v) = %s, want %s", tt.mem, tt.cpu, got, tt.want)
		}
	}
}

func TestHistoryBounded(t *testing.T) {
	p := New(12, time.Second)
	for i := 0; i < 30; i++ {
		p.Observe(snap(0.5, 0.5))
	}
	assert.Equal(t, 12, p.Latest().Samples)
}
