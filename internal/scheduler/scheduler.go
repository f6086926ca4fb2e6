// ============================================================================
// Beaver-Flow Priority Scheduler - three-tier pending queue
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
//
// Tiers:
//   high   priority >= 0.7
//   medium priority >= 0.4
//   low    priority <  0.4
//
// Load shedding hooks (driven by the orchestrator):
//   DelayLowPriorityTasks  throttled: drain low, re-add each after a delay
//   ClearLowPriorityQueue  critical:  drop low and every delayed task
//   ResumeAllTasks         normal:    cancel delays, re-add immediately
//
// Every delayed re-enqueue is a tracked timer keyed by a scheduler sequence
// number, never by Task.ID. Cancelling it is explicit so a task can never be
// re-added twice. Delayed tasks return to their tier in the order they were
// delayed.
//
// ============================================================================

package scheduler

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

var log = slog.Default()

// Tier coarse priority bucket
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

const (
	highThreshold   = 0.7
	mediumThreshold = 0.4
)

// TierFor maps a priority to its tier
func TierFor(priority float64) Tier {
	switch {
	case priority >= highThreshold:
		return TierHigh
	case priority >= mediumThreshold:
		return TierMedium
	default:
		return TierLow
	}
}

// Task pending unit of work. Payload is opaque to the scheduler.
type Task struct {
	ID         string
	Priority   float64
	EnqueuedAt time.Time
	Payload    any
}

// QueueStatus depth per tier plus delayed count
type QueueStatus struct {
	High    int `json:"high"`
	Medium  int `json:"medium"`
	Low     int `json:"low"`
	Delayed int `json:"delayed"`
}

// Total tasks waiting, delayed included
func (q QueueStatus) Total() int {
	return q.High + q.Medium + q.Low + q.Delayed
}

type delayedTask struct {
	seq   uint64
	task  Task
	timer *time.Timer
}

// Scheduler three FIFO queues plus a set of delayed low-priority tasks
type Scheduler struct {
	mu      sync.Mutex
	queues  map[Tier][]Task
	delayed map[uint64]*delayedTask
	nextSeq uint64
	delay   time.Duration
	ready   chan struct{}
	dropped int
}

// New creates a scheduler; lowPriorityDelay is the re-enqueue delay used by
// DelayLowPriorityTasks
func New(lowPriorityDelay time.Duration) *Scheduler {
	if lowPriorityDelay <= 0 {
		lowPriorityDelay = 5 * time.Second
	}
	return &Scheduler{
		queues: map[Tier][]Task{
			TierHigh:   nil,
			TierMedium: nil,
			TierLow:    nil,
		},
		delayed: make(map[uint64]*delayedTask),
		delay:   lowPriorityDelay,
		ready:   make(chan struct{}, 1),
	}
}

// AddTask routes task to its tier
func (s *Scheduler) AddTask(task Task) Tier {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}

	s.mu.Lock()
	tier := TierFor(task.Priority)
	s.queues[tier] = append(s.queues[tier], task)
	s.mu.Unlock()

	s.signal()
	return tier
}

// Next pops the oldest task of the highest non-empty tier
func (s *Scheduler) Next() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tier := range []Tier{TierHigh, TierMedium, TierLow} {
		q := s.queues[tier]
		if len(q) == 0 {
			continue
		}
		task := q[0]
		q[0] = Task{}
		s.queues[tier] = q[1:]
		return task, true
	}
	return Task{}, false
}

// Requeue puts a task popped by Next back at the head of its tier
func (s *Scheduler) Requeue(task Task) {
	s.mu.Lock()
	tier := TierFor(task.Priority)
	s.queues[tier] = append([]Task{task}, s.queues[tier]...)
	s.mu.Unlock()

	s.signal()
}

// Ready is signalled whenever a task becomes available
func (s *Scheduler) Ready() <-chan struct{} {
	return s.ready
}

func (s *Scheduler) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// DelayLowPriorityTasks drains the low queue and re-adds each task after the
// configured delay. Returns the number of tasks delayed.
func (s *Scheduler) DelayLowPriorityTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	low := s.queues[TierLow]
	s.queues[TierLow] = nil

	for _, task := range low {
		s.delayLocked(task)
	}
	if len(low) > 0 {
		log.Info("Delayed low priority tasks", "count", len(low), "delay", s.delay)
	}
	return len(low)
}

func (s *Scheduler) delayLocked(task Task) {
	s.nextSeq++
	dt := &delayedTask{seq: s.nextSeq, task: task}
	dt.timer = time.AfterFunc(s.delay, func() { s.release(dt) })
	s.delayed[dt.seq] = dt
}

// takeDelayedLocked removes the delayed tasks matching keep, oldest first
func (s *Scheduler) takeDelayedLocked(keep func(*delayedTask) bool) []*delayedTask {
	var taken []*delayedTask
	for seq, dt := range s.delayed {
		if !keep(dt) {
			continue
		}
		dt.timer.Stop()
		delete(s.delayed, seq)
		taken = append(taken, dt)
	}
	sort.Slice(taken, func(i, j int) bool { return taken[i].seq < taken[j].seq })
	return taken
}

// release re-enqueues a delayed task when its timer fires, unless it was
// cancelled in the meantime. The delay is fixed, so every task delayed before
// dt is due as well; they go first so the low tier keeps its order when
// timers fire out of sequence.
func (s *Scheduler) release(dt *delayedTask) {
	s.mu.Lock()
	if current, ok := s.delayed[dt.seq]; !ok || current != dt {
		s.mu.Unlock()
		return
	}
	for _, due := range s.takeDelayedLocked(func(d *delayedTask) bool { return d.seq <= dt.seq }) {
		s.queues[TierLow] = append(s.queues[TierLow], due.task)
	}
	s.mu.Unlock()

	s.signal()
}

// ClearLowPriorityQueue drops the low queue and every delayed task.
// Returns the number of tasks discarded.
func (s *Scheduler) ClearLowPriorityQueue() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.queues[TierLow]) + len(s.delayed)
	s.queues[TierLow] = nil
	s.takeDelayedLocked(func(*delayedTask) bool { return true })
	s.dropped += n

	if n > 0 {
		log.Warn("Shed low priority tasks", "count", n)
	}
	return n
}

// ResumeAllTasks cancels pending delays and re-adds those tasks immediately.
// Returns the number of tasks resumed.
func (s *Scheduler) ResumeAllTasks() int {
	s.mu.Lock()
	resumed := s.takeDelayedLocked(func(*delayedTask) bool { return true })
	for _, dt := range resumed {
		tier := TierFor(dt.task.Priority)
		s.queues[tier] = append(s.queues[tier], dt.task)
	}
	n := len(resumed)
	s.mu.Unlock()

	if n > 0 {
		s.signal()
	}
	return n
}

// Status current queue depths
func (s *Scheduler) Status() QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return QueueStatus{
		High:    len(s.queues[TierHigh]),
		Medium:  len(s.queues[TierMedium]),
		Low:     len(s.queues[TierLow]),
		Delayed: len(s.delayed),
	}
}

// Dropped total tasks discarded by ClearLowPriorityQueue
func (s *Scheduler) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Stop cancels all delay timers without re-adding their tasks
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.takeDelayedLocked(func(*delayedTask) bool { return true })
}
