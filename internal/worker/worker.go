// ============================================================================
// Beaver-Flow Worker - task execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes tasks, each Worker runs in its own
//           goroutine with its own buffered task channel.
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Run it under a timeout context, through the unit's fault breaker
//   3. Report task_completed / task_failed to the pool's event channel
//   4. Repeat until taskCh is closed, then report worker_exited
//
// Execution Model:
//   ┌─────────────────────────────────────────┐
//   │  Worker Goroutine                       │
//   │  ┌──────────────────────────────────┐   │
//   │  │ for task := range taskCh         │   │
//   │  │   ├─ Context with timeout        │   │
//   │  │   ├─ breaker.Execute(task.Run)   │   │
//   │  │   └─ send event to pool          │   │
//   │  └──────────────────────────────────┘   │
//   └─────────────────────────────────────────┘
//
// Fault breaker:
//   sony/gobreaker, opens after 3 consecutive failures. While open the unit
//   fails tasks immediately and the load balancer stops picking it.
//
// Panics:
//   A panicking task kills the unit. The in-flight task is reported as
//   failed, then worker_exited is sent with abnormal=true so the pool can
//   schedule a replacement.
//
// The worker never touches its own WorkerStats; the pool owns them.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// Worker represents a work execution unit
type Worker struct {
	id      string
	taskCh  chan Task // owned by the pool, closed to stop the worker
	events  chan<- lifecycleEvent
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// newWorker creates a Worker; the pool supplies the channels and breaker
func newWorker(id string, queueSize int, events chan<- lifecycleEvent, breaker *gobreaker.CircuitBreaker, timeout time.Duration) *Worker {
	return &Worker{
		id:      id,
		taskCh:  make(chan Task, queueSize),
		events:  events,
		breaker: breaker,
		timeout: timeout,
	}
}

// Run is the main loop of Worker. It returns when taskCh is closed or a
// task panics.
func (w *Worker) Run(ctx context.Context) {
	var current *Task
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			cause := fmt.Errorf("worker %s: task panicked: %v", w.id, r)
			if current != nil {
				w.events <- lifecycleEvent{
					kind:     taskFailed,
					workerID: w.id,
					result: Result{
						TaskID:   current.ID,
						WorkerID: w.id,
						Error:    cause,
						Duration: time.Since(start),
					},
				}
			}
			w.events <- lifecycleEvent{kind: workerExited, workerID: w.id, abnormal: true, cause: cause}
			return
		}
		w.events <- lifecycleEvent{kind: workerExited, workerID: w.id}
	}()

	for task := range w.taskCh {
		current = &task
		start = time.Now()

		err := w.execute(ctx, task)

		result := Result{
			TaskID:   task.ID,
			WorkerID: w.id,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}
		kind := taskCompleted
		if err != nil {
			kind = taskFailed
		}
		w.events <- lifecycleEvent{kind: kind, workerID: w.id, result: result}
		current = nil
	}
}

// execute runs one task through the breaker with its timeout
func (w *Worker) execute(parent context.Context, task Task) error {
	if task.Run == nil {
		return fmt.Errorf("task %s has no work", task.ID)
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = w.timeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	_, err := w.breaker.Execute(func() (interface{}, error) {
		return nil, task.Run(ctx)
	})
	return err
}

// breakerOpen reports whether the unit is refusing work
func (w *Worker) breakerOpen() bool {
	return w.breaker.State() == gobreaker.StateOpen
}
