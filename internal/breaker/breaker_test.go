package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-flow/pkg/types"
	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, recovery time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := New(Config{FailureThreshold: threshold, RecoveryTimeout: recovery}).WithClock(clock.Now)
	return cb, clock
}

func TestRoundTrip(t *testing.T) {
	cb, clock := newTestBreaker(3, 10*time.Second)
	assert.Equal(t, types.BreakerClosed, cb.State())

	cb.Activate()
	cb.Activate()
	assert.False(t, cb.IsOpen(), "below threshold stays closed")

	cb.Activate()
	assert.True(t, cb.IsOpen(), "open immediately after reaching the threshold")
	assert.Equal(t, 10*time.Second, cb.EstimatedRecoveryTime())

	clock.Advance(4 * time.Second)
	assert.True(t, cb.IsOpen())
	assert.Equal(t, 6*time.Second, cb.EstimatedRecoveryTime())

	clock.Advance(7 * time.Second)
	assert.False(t, cb.IsOpen(), "half-open once the recovery timeout elapsed")
	assert.Equal(t, types.BreakerHalfOpen, cb.State())
	assert.Zero(t, cb.EstimatedRecoveryTime())

	cb.Deactivate()
	assert.Equal(t, types.BreakerClosed, cb.State())
	assert.Equal(t, 0, cb.FailureCount())
}

func TestTrip(t *testing.T) {
	cb, _ := newTestBreaker(5, time.Minute)
	cb.Trip()
	assert.True(t, cb.IsOpen())
	assert.Equal(t, 0, cb.FailureCount(), "trip does not count as an activation")
}

func TestDefaultsApplied(t *testing.T) {
	assert.Equal(t, 3, DefaultConfig().FailureThreshold)

	cb := New(Config{})
	for i := 0; i < 2; i++ {
		cb.Activate()
	}
	assert.False(t, cb.IsOpen())
	cb.Activate()
	assert.True(t, cb.IsOpen())
}

func TestEstimatedRecoveryTimeClosed(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Second)
	assert.Zero(t, cb.EstimatedRecoveryTime())
}
