// ============================================================================
// Beaver-Flow Job Manager - chunk job registry
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Function: Tracks the lifecycle and progress of every chunked job so that
//           jobs can be inspected, cancelled and reported on while they run.
//
// Design:
//   Hybrid layout, same as the rest of the system's registries:
//   1. jobs map - single source of truth for every known job
//   2. status indexes - running / completed / failed / cancelled maps for
//      fast counting and listing
//   Both point at the same *entry, so a status change only has to move the
//   pointer between indexes.
//
// Job state machine:
//   Running
//      ├─ Finish() with no failed chunks   → Completed
//      ├─ Finish() with failed chunks      → Failed
//      └─ Cancel()                         → Cancelled
//
//   Terminal states never change again. RecordChunk on a terminal job is
//   rejected with ErrNotRunning.
//
// Retention:
//   Finished jobs are kept in completion order and the oldest are evicted
//   once more than `retain` have accumulated. Running jobs are never
//   evicted.
//
// Concurrency:
//   sync.RWMutex guards every structure. Readers receive copies.
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-flow/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrDuplicateJob job ID already registered
	ErrDuplicateJob = errors.New("job already exists")
	// ErrNotRunning job already reached a terminal state
	ErrNotRunning = errors.New("job not running")
	// ErrJobNotFound job ID unknown or evicted
	ErrJobNotFound = errors.New("job not found")
)

const defaultRetain = 256

type entry struct {
	state  types.ChunkJobState
	cancel context.CancelFunc
}

// JobManager chunk job registry
type JobManager struct {
	mu        sync.RWMutex
	jobs      map[string]*entry
	running   map[string]*entry
	completed map[string]*entry
	failed    map[string]*entry
	cancelled map[string]*entry
	finished  []string // terminal job IDs, oldest first
	retain    int
}

// NewJobManager creates an empty registry keeping at most retain finished
// jobs; retain <= 0 uses the default of 256.
//
// Usage:
//
//	jm := NewJobManager(0)
//	ctx, cancel := context.WithCancel(ctx)
//	err := jm.Register(jobID, len(chunks), cancel)
func NewJobManager(retain int) *JobManager {
	if retain <= 0 {
		retain = defaultRetain
	}
	return &JobManager{
		jobs:      make(map[string]*entry),
		running:   make(map[string]*entry),
		completed: make(map[string]*entry),
		failed:    make(map[string]*entry),
		cancelled: make(map[string]*entry),
		retain:    retain,
	}
}

// Register adds a running job.
//
// Parameters:
//   - id: unique job ID
//   - totalChunks: number of chunks the job was planned into
//   - cancel: invoked by Cancel, may be nil
//
// Errors:
//   - ErrDuplicateJob: id is already known
func (jm *JobManager) Register(id string, totalChunks int, cancel context.CancelFunc) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[id]; exists {
		return ErrDuplicateJob
	}

	e := &entry{
		state: types.ChunkJobState{
			ID:          id,
			Status:      types.JobRunning,
			TotalChunks: totalChunks,
			StartTime:   time.Now(),
		},
		cancel: cancel,
	}
	jm.jobs[id] = e
	jm.running[id] = e
	return nil
}

// RecordChunk folds one chunk result into the job's progress
func (jm *JobManager) RecordChunk(id string, result types.ChunkResult) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	e, err := jm.runningLocked(id)
	if err != nil {
		return err
	}

	if result.Success {
		e.state.CompletedChunks++
		e.state.BytesProcessed += result.Bytes
	} else {
		e.state.FailedChunks++
	}
	result.Output = nil
	e.state.Results = append(e.state.Results, result)
	return nil
}

// Finish moves a running job to completed, or failed when any chunk failed.
// Results are ordered by chunk ID.
func (jm *JobManager) Finish(id string) (types.ChunkJobState, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	e, err := jm.runningLocked(id)
	if err != nil {
		return types.ChunkJobState{}, err
	}

	sort.Slice(e.state.Results, func(i, j int) bool {
		return e.state.Results[i].ChunkID < e.state.Results[j].ChunkID
	})

	delete(jm.running, id)
	if e.state.FailedChunks > 0 {
		e.state.Status = types.JobFailed
		jm.failed[id] = e
	} else {
		e.state.Status = types.JobCompleted
		jm.completed[id] = e
	}
	jm.retireLocked(id)
	return copyState(e.state), nil
}

// Cancel stops a running job and marks it cancelled.
//
// Errors:
//   - ErrJobNotFound: id unknown
//   - ErrNotRunning: job already finished
func (jm *JobManager) Cancel(id string) error {
	jm.mu.Lock()
	e, err := jm.runningLocked(id)
	if err != nil {
		jm.mu.Unlock()
		return err
	}

	e.state.Status = types.JobCancelled
	delete(jm.running, id)
	jm.cancelled[id] = e
	jm.retireLocked(id)
	cancel := e.cancel
	jm.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

func (jm *JobManager) runningLocked(id string) (*entry, error) {
	e, exists := jm.jobs[id]
	if !exists {
		return nil, ErrJobNotFound
	}
	if e.state.Status != types.JobRunning {
		return nil, ErrNotRunning
	}
	return e, nil
}

// retireLocked records a terminal job and evicts beyond the retention bound
func (jm *JobManager) retireLocked(id string) {
	jm.finished = append(jm.finished, id)
	for len(jm.finished) > jm.retain {
		oldest := jm.finished[0]
		jm.finished = jm.finished[1:]
		delete(jm.jobs, oldest)
		delete(jm.completed, oldest)
		delete(jm.failed, oldest)
		delete(jm.cancelled, oldest)
	}
}

// ============================================================================
// Queries
// ============================================================================

// Get returns a copy of the job state
func (jm *JobManager) Get(id string) (types.ChunkJobState, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	e, exists := jm.jobs[id]
	if !exists {
		return types.ChunkJobState{}, false
	}
	return copyState(e.state), true
}

// Running IDs of jobs still in progress, sorted
func (jm *JobManager) Running() []string {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	ids := make([]string, 0, len(jm.running))
	for id := range jm.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats job count per status
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return map[string]int{
		string(types.JobRunning):   len(jm.running),
		string(types.JobCompleted): len(jm.completed),
		string(types.JobFailed):    len(jm.failed),
		string(types.JobCancelled): len(jm.cancelled),
	}
}

// Snapshot copies of every retained job without per-chunk results, ordered
// by start time
func (jm *JobManager) Snapshot() []types.ChunkJobState {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]types.ChunkJobState, 0, len(jm.jobs))
	for _, e := range jm.jobs {
		s := e.state
		s.Results = nil
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

func copyState(s types.ChunkJobState) types.ChunkJobState {
	if s.Results != nil {
		s.Results = append([]types.ChunkResult(nil), s.Results...)
	}
	return s
}
