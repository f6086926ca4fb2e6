// ============================================================================
// Beaver-Flow Worker Pool - dynamically sized task executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Manages the lifecycle of Worker goroutines, assigns each task to
//           the best unit and keeps per-unit statistics.
//
// Architecture:
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> LoadBalancer picks unit
//   └─────────────┘                     │
//         ↑                             ↓
//     Results()                  unit.taskCh (buffered, per unit)
//         ↑                             │
//   ┌─────────────────────┐             ↓
//   │ Pool event loop     │ ←── task_completed / task_failed / worker_exited
//   │  (sole stats writer)│
//   └─────────────────────┘
//
// Statistics:
//   task_started is recorded at assignment under the pool lock. Every other
//   lifecycle message is applied by the event loop. Workers never write
//   stats.
//
// Scaling:
//   grow   → spawn units immediately
//   shrink → pause the least efficient units, wait up to DrainGrace for
//            their active count to reach zero, then close their channels.
//            A unit with in-flight work finishes it before exiting.
//
// Abnormal exit:
//   A unit killed by a panicking task is replaced after RespawnDelay when
//   the pool has dropped below MinWorkers. A worker_fault event is
//   published either way.
//
// Shutdown:
//   Stop() closes every unit channel, waits for the units to exit, then
//   stops the event loop and closes Results().
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/beaver-flow/internal/event"
	"github.com/ChuLiYu/beaver-flow/pkg/types"
	"github.com/sony/gobreaker"
)

var log = slog.Default()

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrPoolClosed the pool has been stopped
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted Submit before Start
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrNoWorkerAvailable every eligible unit has a full queue
	ErrNoWorkerAvailable = errors.New("no worker available")
	// ErrWorkerExited task was queued on a unit that died before running it
	ErrWorkerExited = errors.New("worker exited before running task")
)

const (
	recentWindow     = 20
	maxResourceSamps = 10
	drainPoll        = 10 * time.Millisecond
)

// Config Pool configuration
type Config struct {
	MinWorkers      int
	MaxWorkers      int
	InitialWorkers  int
	QueueSize       int           // per-unit task buffer
	TaskTimeout     time.Duration // default per-task timeout
	DrainGrace      time.Duration // max wait for paused units to go idle
	RespawnDelay    time.Duration // delay before replacing a crashed unit
	BreakerFailures uint32        // consecutive failures that open a unit's breaker
	BreakerTimeout  time.Duration // open period of a unit's breaker
}

// DefaultConfig returns the default pool configuration
func DefaultConfig() Config {
	return Config{
		MinWorkers:      2,
		MaxWorkers:      16,
		InitialWorkers:  4,
		QueueSize:       16,
		TaskTimeout:     5 * time.Minute,
		DrainGrace:      30 * time.Second,
		RespawnDelay:    time.Second,
		BreakerFailures: 3,
		BreakerTimeout:  30 * time.Second,
	}
}

// unit a live worker plus the stats the pool keeps for it
type unit struct {
	worker *Worker
	stats  types.WorkerStats
	recent []bool // last outcomes, true = failure
	closed bool   // taskCh closed, waiting for worker_exited
}

// Pool dynamically sized worker pool
type Pool struct {
	config   Config
	bus      *event.Bus
	balancer LoadBalancer

	mu      sync.RWMutex
	units   map[string]*unit
	order   []string // creation order, drives balancer tie-breaks
	started bool
	stopped bool

	events   chan lifecycleEvent
	results  chan Result
	capacity chan struct{}
	stopCh   chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	workerWg sync.WaitGroup
	loopWg   sync.WaitGroup
	scaleMu  sync.Mutex
	nextID   atomic.Int64
	dropped  atomic.Int64
	respawns atomic.Int64
}

// NewPool creates a Pool; bus may be nil
func NewPool(config Config, bus *event.Bus) *Pool {
	def := DefaultConfig()
	if config.MinWorkers < 1 {
		config.MinWorkers = 1
	}
	if config.MaxWorkers < config.MinWorkers {
		config.MaxWorkers = config.MinWorkers
	}
	if config.InitialWorkers < config.MinWorkers {
		config.InitialWorkers = config.MinWorkers
	}
	if config.InitialWorkers > config.MaxWorkers {
		config.InitialWorkers = config.MaxWorkers
	}
	if config.QueueSize < 1 {
		config.QueueSize = def.QueueSize
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = def.TaskTimeout
	}
	if config.DrainGrace <= 0 {
		config.DrainGrace = def.DrainGrace
	}
	if config.RespawnDelay <= 0 {
		config.RespawnDelay = def.RespawnDelay
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = def.BreakerFailures
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = def.BreakerTimeout
	}

	bufferSize := config.MaxWorkers * config.QueueSize
	return &Pool{
		config:   config,
		bus:      bus,
		units:    make(map[string]*unit),
		events:   make(chan lifecycleEvent, bufferSize),
		results:  make(chan Result, bufferSize),
		capacity: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start spawns InitialWorkers units and the event loop
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.loopWg.Add(1)
	go p.eventLoop()

	for i := 0; i < p.config.InitialWorkers; i++ {
		p.spawnLocked()
	}
	p.started = true

	log.Info("Worker pool started",
		"workers", p.config.InitialWorkers,
		"min", p.config.MinWorkers,
		"max", p.config.MaxWorkers)
	return nil
}

// spawnLocked creates and starts one unit; mu must be held
func (p *Pool) spawnLocked() string {
	id := fmt.Sprintf("worker-%d", p.nextID.Add(1))

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: 1,
		Timeout:     p.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= p.config.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info("Worker breaker state changed", "worker", name, "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				p.bus.Publish(event.NewWorkerFaultEvent(name,
					fmt.Errorf("%d consecutive task failures", p.config.BreakerFailures)))
			}
		},
	})

	w := newWorker(id, p.config.QueueSize, p.events, breaker, p.config.TaskTimeout)
	p.units[id] = &unit{
		worker: w,
		stats: types.WorkerStats{
			ID:         id,
			CreatedAt:  time.Now(),
			Efficiency: 1,
		},
	}
	p.order = append(p.order, id)

	p.workerWg.Add(1)
	go func() {
		defer p.workerWg.Done()
		w.Run(p.ctx)
	}()

	p.signalCapacity()
	return id
}

// Submit assigns task to the best available unit without blocking.
// Returns ErrNoWorkerAvailable when every eligible unit's queue is full.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	id, ok := p.balancer.SelectOptimalWorker(p.statsLocked(), func(id string) bool {
		u := p.units[id]
		return !u.closed && !u.worker.breakerOpen() && len(u.worker.taskCh) < cap(u.worker.taskCh)
	})
	if !ok {
		return ErrNoWorkerAvailable
	}

	u := p.units[id]
	// capacity was checked under mu and only Submit sends, so this never blocks
	u.worker.taskCh <- task
	u.stats.TasksActive++

	log.Debug("Task assigned", "task", task.ID, "worker", id, "active", u.stats.TasksActive)
	return nil
}

// Results completed and failed task results, closed after Stop
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Capacity is signalled whenever a queue slot may have opened up
func (p *Pool) Capacity() <-chan struct{} {
	return p.capacity
}

func (p *Pool) signalCapacity() {
	select {
	case p.capacity <- struct{}{}:
	default:
	}
}

// ============================================================================
// Event loop, the only writer of per-unit stats after assignment
// ============================================================================

func (p *Pool) eventLoop() {
	defer p.loopWg.Done()
	for {
		select {
		case ev := <-p.events:
			p.handleEvent(ev)
		case <-p.stopCh:
			// workers are gone; drain what they left behind
			for {
				select {
				case ev := <-p.events:
					p.handleEvent(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) handleEvent(ev lifecycleEvent) {
	switch ev.kind {
	case taskCompleted, taskFailed:
		p.recordOutcome(ev)
		p.publishResult(ev.result)
		p.signalCapacity()

	case workerExited:
		p.handleExit(ev)
	}
}

func (p *Pool) recordOutcome(ev lifecycleEvent) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	sample := types.ResourceSample{
		Timestamp:     time.Now(),
		HeapUsedBytes: mem.HeapAlloc,
		Goroutines:    runtime.NumGoroutine(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	u, ok := p.units[ev.workerID]
	if !ok {
		return
	}
	s := &u.stats
	if s.TasksActive > 0 {
		s.TasksActive--
	}

	failed := ev.kind == taskFailed
	if failed {
		s.ErrorCount++
	} else {
		s.TasksCompleted++
	}
	s.TotalProcessingTime += ev.result.Duration
	if executed := s.TasksCompleted + s.ErrorCount; executed > 0 {
		s.AverageProcessingTime = s.TotalProcessingTime / time.Duration(executed)
	}

	u.recent = append(u.recent, failed)
	if len(u.recent) > recentWindow {
		u.recent = u.recent[1:]
	}
	recentErrors := 0
	for _, f := range u.recent {
		if f {
			recentErrors++
		}
	}
	s.Efficiency = Efficiency(s.TasksCompleted, s.ErrorCount, s.AverageProcessingTime, recentErrors, len(u.recent))

	s.ResourceSamples = append(s.ResourceSamples, sample)
	if len(s.ResourceSamples) > maxResourceSamps {
		s.ResourceSamples = s.ResourceSamples[1:]
	}
}

func (p *Pool) publishResult(r Result) {
	select {
	case p.results <- r:
	default:
		p.dropped.Add(1)
		log.Warn("Result channel full, dropping result", "task", r.TaskID)
	}
}

func (p *Pool) handleExit(ev lifecycleEvent) {
	p.mu.Lock()
	u, ok := p.units[ev.workerID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.units, ev.workerID)
	p.removeOrderLocked(ev.workerID)

	var orphaned []Task
	if !u.closed {
		u.closed = true
		close(u.worker.taskCh)
	}
	for task := range u.worker.taskCh {
		orphaned = append(orphaned, task)
	}

	live := p.liveCountLocked()
	stopped := p.stopped
	p.mu.Unlock()

	for _, task := range orphaned {
		p.publishResult(Result{TaskID: task.ID, Error: ErrWorkerExited})
	}

	if !ev.abnormal {
		log.Debug("Worker exited", "worker", ev.workerID)
		return
	}

	log.Error("Worker crashed", "worker", ev.workerID, "error", ev.cause, "orphaned", len(orphaned))
	p.bus.Publish(event.NewWorkerFaultEvent(ev.workerID, ev.cause))

	if !stopped && live < p.config.MinWorkers {
		time.AfterFunc(p.config.RespawnDelay, p.respawn)
	}
}

func (p *Pool) respawn() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || p.liveCountLocked() >= p.config.MinWorkers {
		return
	}
	id := p.spawnLocked()
	p.respawns.Add(1)
	log.Info("Replacement worker spawned", "worker", id)
}

func (p *Pool) removeOrderLocked(id string) {
	for i, o := range p.order {
		if o == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}

// liveCountLocked units that accept work (not paused, not closing)
func (p *Pool) liveCountLocked() int {
	n := 0
	for _, u := range p.units {
		if !u.closed && !u.stats.Paused {
			n++
		}
	}
	return n
}

// ============================================================================
// Scaling
// ============================================================================

// Scale grows or shrinks the pool to target, clamped to [MinWorkers,
// MaxWorkers]. Shrinking blocks until the removed units drained or
// DrainGrace expired.
func (p *Pool) Scale(target int) error {
	p.scaleMu.Lock()
	defer p.scaleMu.Unlock()

	if target < p.config.MinWorkers {
		target = p.config.MinWorkers
	}
	if target > p.config.MaxWorkers {
		target = p.config.MaxWorkers
	}

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}

	current := p.liveCountLocked()
	switch {
	case target > current:
		for i := current; i < target; i++ {
			p.spawnLocked()
		}
		p.mu.Unlock()
		log.Info("Worker pool scaled up", "from", current, "to", target)
		p.bus.Publish(event.NewScaleEvent(current, target, "grow"))
		return nil

	case target == current:
		p.mu.Unlock()
		return nil
	}

	var candidates []types.WorkerStats
	for _, s := range p.statsLocked() {
		if !s.Paused {
			candidates = append(candidates, s)
		}
	}
	victims := p.balancer.SelectForRemoval(candidates, current-target)
	for _, id := range victims {
		p.units[id].stats.Paused = true
	}
	p.mu.Unlock()

	drained := p.waitDrained(victims)
	if !drained {
		log.Warn("Drain grace expired, closing workers with queued work", "workers", victims, "grace", p.config.DrainGrace)
	}

	p.mu.Lock()
	for _, id := range victims {
		if u, ok := p.units[id]; ok && !u.closed {
			u.closed = true
			close(u.worker.taskCh)
		}
	}
	p.mu.Unlock()

	log.Info("Worker pool scaled down", "from", current, "to", target, "drained", drained)
	p.bus.Publish(event.NewScaleEvent(current, target, "shrink"))
	return nil
}

// waitDrained polls until every listed unit is idle or DrainGrace elapses
func (p *Pool) waitDrained(ids []string) bool {
	deadline := time.Now().Add(p.config.DrainGrace)
	for {
		if p.idle(ids) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-p.stopCh:
			return false
		case <-time.After(drainPoll):
		}
	}
}

func (p *Pool) idle(ids []string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, id := range ids {
		if u, ok := p.units[id]; ok && u.stats.TasksActive > 0 {
			return false
		}
	}
	return true
}

// ============================================================================
// Queries
// ============================================================================

// statsLocked stats copies in creation order; mu must be held
func (p *Pool) statsLocked() []types.WorkerStats {
	out := make([]types.WorkerStats, 0, len(p.order))
	for _, id := range p.order {
		u, ok := p.units[id]
		if !ok || u.closed {
			continue
		}
		s := u.stats
		s.ResourceSamples = append([]types.ResourceSample(nil), u.stats.ResourceSamples...)
		out = append(out, s)
	}
	return out
}

// GetWorkerStats stats of every unit not yet closed, in creation order
func (p *Pool) GetWorkerStats() []types.WorkerStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.statsLocked()
}

// GetBestWorker the unit the balancer would pick next
func (p *Pool) GetBestWorker() (types.WorkerStats, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := p.statsLocked()
	id, ok := p.balancer.SelectOptimalWorker(stats, func(id string) bool {
		return !p.units[id].worker.breakerOpen()
	})
	if !ok {
		return types.WorkerStats{}, false
	}
	for _, s := range stats {
		if s.ID == id {
			return s, true
		}
	}
	return types.WorkerStats{}, false
}

// Size number of units accepting work
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.liveCountLocked()
}

// ActiveTasks tasks assigned but not finished, across all units
func (p *Pool) ActiveTasks() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := 0
	for _, u := range p.units {
		total += u.stats.TasksActive
	}
	return total
}

// Bounds configured min and max worker counts
func (p *Pool) Bounds() (int, int) {
	return p.config.MinWorkers, p.config.MaxWorkers
}

// Respawns replacement units spawned after crashes
func (p *Pool) Respawns() int64 {
	return p.respawns.Load()
}

// IsStarted reports whether Start succeeded
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

// Stop closes every unit, waits for in-flight tasks to finish and closes
// Results. Safe to call more than once or before Start.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, u := range p.units {
		if !u.closed {
			u.closed = true
			close(u.worker.taskCh)
		}
	}
	p.mu.Unlock()

	p.workerWg.Wait()
	close(p.stopCh)
	p.loopWg.Wait()
	p.cancel()
	close(p.results)

	if n := p.dropped.Load(); n > 0 {
		log.Warn("Worker pool dropped results", "count", n)
	}
	log.Info("Worker pool stopped")
}
