// ============================================================================
// Beaver-Flow Admission Controller
// ============================================================================
//
// Package: internal/admission
// File: controller.go
// Function: Per-request allow / throttle / reject decision
//
// Decide(load, priority, request):
//   1. global block window active  → reject (system_blocked) + remaining time
//   2. rate > 0 && rand < rate·(1-priority) → throttle
//        delay = baseDelay · (mem + cpu) · (1-priority)
//   3. otherwise allow
//
// Higher priority lowers the effective throttle probability, so the
// probability is monotonically non-increasing in priority for a fixed rate.
//
// The block window is a cancellable timer; Stop() clears it.
//
// ============================================================================

package admission

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-flow/pkg/types"
)

// RandSource random numbers in [0,1)
type RandSource interface {
	Float64() float64
}

// Config Controller configuration
type Config struct {
	BaseDelay time.Duration // throttle delay before load and priority scaling
}

// Option configures a Controller
type Option func(*Controller)

// WithRand injects the random source used for throttling
func WithRand(r RandSource) Option {
	return func(c *Controller) { c.rand = r }
}

// WithClock injects the time source
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller admission controller, safe for concurrent use
type Controller struct {
	mu           sync.Mutex
	baseDelay    time.Duration
	throttleRate float64
	blockedUntil time.Time
	blockTimer   *time.Timer
	rand         RandSource
	now          func() time.Time
}

// NewController creates a Controller with throttle rate 0
func NewController(config Config, opts ...Option) *Controller {
	if config.BaseDelay <= 0 {
		config.BaseDelay = 100 * time.Millisecond
	}
	c := &Controller{
		baseDelay: config.BaseDelay,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Decide returns the admission decision for one request. load may be nil
// before the first snapshot.
func (c *Controller) Decide(load *types.MetricSnapshot, priority float64, req types.Request) types.AdmissionDecision {
	c.mu.Lock()
	defer c.mu.Unlock()

	priority = types.Clamp01(priority)
	now := c.now()

	if !c.blockedUntil.IsZero() && now.Before(c.blockedUntil) {
		return types.AdmissionDecision{
			Allowed:           false,
			Reason:            types.ReasonSystemBlocked,
			EstimatedWaitTime: c.blockedUntil.Sub(now),
		}
	}

	if c.throttleRate > 0 && c.rand.Float64() < ThrottleProbability(c.throttleRate, priority) {
		loadFactor := 1.0
		if load != nil {
			loadFactor = load.Memory.SystemUsedRatio + load.CPU.UsageRatio
		}
		delay := time.Duration(float64(c.baseDelay) * loadFactor * (1 - priority))
		return types.AdmissionDecision{
			Allowed:           false,
			Throttled:         true,
			Delay:             delay,
			Reason:            types.ReasonThrottled,
			EstimatedWaitTime: delay,
		}
	}

	return types.AdmissionDecision{Allowed: true, Reason: types.ReasonAllowed}
}

// ThrottleProbability effective probability of throttling at the given rate
// and priority
func ThrottleProbability(rate, priority float64) float64 {
	return types.Clamp01(rate) * (1 - types.Clamp01(priority))
}

// SetThrottleRate sets the global throttle rate, clamped to [0,1]
func (c *Controller) SetThrottleRate(rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.throttleRate = types.Clamp01(rate)
}

// ThrottleRate current global throttle rate
func (c *Controller) ThrottleRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.throttleRate
}

// BlockNewRequests rejects every request for d. A new call replaces the
// pending window; the window clears itself when its timer fires.
func (c *Controller) BlockNewRequests(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.blockTimer != nil {
		c.blockTimer.Stop()
	}
	until := c.now().Add(d)
	c.blockedUntil = until
	c.blockTimer = time.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.blockedUntil.Equal(until) {
			c.blockedUntil = time.Time{}
			c.blockTimer = nil
		}
	})
}

// IsBlocked reports whether the block window is active
func (c *Controller) IsBlocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.blockedUntil.IsZero() && c.now().Before(c.blockedUntil)
}

// Stop cancels any pending block window
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.blockTimer != nil {
		c.blockTimer.Stop()
		c.blockTimer = nil
	}
	c.blockedUntil = time.Time{}
}
