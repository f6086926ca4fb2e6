package worker

import (
	"context"
	"time"
)

// TaskFunc work carried by a Task
type TaskFunc func(ctx context.Context) error

// Task unit of work assigned to a single worker
type Task struct {
	ID       string        // task identifier
	Priority float64       // admission priority, informational
	Timeout  time.Duration // zero uses the pool's TaskTimeout
	Run      TaskFunc      // work to execute
}

// Result outcome of one task
type Result struct {
	TaskID   string        // task ID
	WorkerID string        // worker that ran it, empty if it never ran
	Success  bool          // true when Run returned nil
	Error    error         // failure cause
	Duration time.Duration // wall time spent in Run
}

// eventKind lifecycle message sent from a worker to its pool
type eventKind int

const (
	taskCompleted eventKind = iota
	taskFailed
	workerExited
)

// lifecycleEvent message on the pool's event channel
type lifecycleEvent struct {
	kind     eventKind
	workerID string
	result   Result
	abnormal bool  // workerExited only: the worker died from a panic
	cause    error // workerExited only
}
