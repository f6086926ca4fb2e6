package worker

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/beaver-flow/pkg/types"
)

// StateSource current backpressure state, implemented by the orchestrator
type StateSource interface {
	State() types.BackpressureState
}

// ScalerConfig Scaler configuration
type ScalerConfig struct {
	Interval      time.Duration // time between evaluations
	UpThreshold   float64       // avg active tasks per worker that triggers growth
	DownThreshold float64       // avg active tasks per worker that triggers shrink
}

// DefaultScalerConfig 10s interval, 0.8 / 0.2 thresholds
func DefaultScalerConfig() ScalerConfig {
	return ScalerConfig{Interval: 10 * time.Second, UpThreshold: 0.8, DownThreshold: 0.2}
}

// Scaler periodically resizes a Pool from its load and the backpressure state
type Scaler struct {
	pool   *Pool
	state  StateSource
	config ScalerConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	loops   atomic.Int32
}

// NewScaler creates a Scaler; state may be nil, meaning always normal
func NewScaler(pool *Pool, state StateSource, config ScalerConfig) *Scaler {
	def := DefaultScalerConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.UpThreshold <= 0 {
		config.UpThreshold = def.UpThreshold
	}
	if config.DownThreshold < 0 || config.DownThreshold >= config.UpThreshold {
		config.DownThreshold = config.UpThreshold / 4
	}
	return &Scaler{pool: pool, state: state, config: config}
}

// TargetSize pure sizing rule.
//
//	critical  → max(min, floor(n*0.7))
//	throttled → max(min, n-1)
//	otherwise → avg active per worker > up:   clamp(ceil(active/mid), n+1, max)
//	            avg active per worker < down: n-1
//
// The result is always within [min, max].
func TargetSize(n, minWorkers, maxWorkers, totalActive int, state types.BackpressureState, up, down float64) int {
	target := n
	switch state {
	case types.StateCritical:
		target = int(math.Floor(float64(n) * 0.7))
	case types.StateThrottled:
		target = n - 1
	default:
		if n == 0 {
			target = minWorkers
			break
		}
		load := float64(totalActive) / float64(n)
		switch {
		case load > up:
			optimal := int(math.Ceil(float64(totalActive) / ((up + down) / 2)))
			target = optimal
			if target < n+1 {
				target = n + 1
			}
		case load < down:
			target = n - 1
		}
	}

	if target > maxWorkers {
		target = maxWorkers
	}
	if target < minWorkers {
		target = minWorkers
	}
	return target
}

// Evaluate computes the target for the current state and applies it
func (s *Scaler) Evaluate() (int, error) {
	state := types.StateNormal
	if s.state != nil {
		state = s.state.State()
	}
	minW, maxW := s.pool.Bounds()
	n := s.pool.Size()
	target := TargetSize(n, minW, maxW, s.pool.ActiveTasks(), state, s.config.UpThreshold, s.config.DownThreshold)
	if target == n {
		return n, nil
	}

	log.Info("Scaling worker pool", "from", n, "to", target, "state", state)
	return target, s.pool.Scale(target)
}

// Start launches the periodic loop; a second Start is a no-op
func (s *Scaler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	s.loops.Add(1)
	go s.loop(s.stopCh)
}

// ActiveLoops number of scaling goroutines currently running
func (s *Scaler) ActiveLoops() int {
	return int(s.loops.Load())
}

func (s *Scaler) loop(stopCh chan struct{}) {
	defer s.wg.Done()
	defer s.loops.Add(-1)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := s.Evaluate(); err != nil {
				log.Error("Scaling failed", "error", err)
			}
		}
	}
}

// Stop halts the loop and waits for an in-progress evaluation
func (s *Scaler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}
