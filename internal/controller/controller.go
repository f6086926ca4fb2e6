// ============================================================================
// Beaver-Flow Controller - system composition root
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Function: Builds every resource-management component from one Config,
//           owns their lifecycle and exposes the public operations
//
// Architecture:
//   The controller wires, it does not decide. Decisions live in:
//   - Monitor:      samples load, publishes snapshot / threshold_breach
//   - Orchestrator: backpressure state machine, admission entry point
//   - Scheduler:    three-tier pending queue
//   - Pool/Scaler:  executes tasks, resizes itself from load and state
//   - Processor:    chunked processing of large inputs
//
//   caller ──CanProcessRequest──▶ orchestrator ─▶ breaker ─▶ admission
//      │
//      └──Submit──▶ scheduler ──dispatchLoop──▶ pool ──resultLoop──▶ metrics
//
//   monitor ──bus──▶ orchestrator, predictor, metrics
//   pool    ──bus──▶ orchestrator (worker_fault), metrics (scale)
//
// Core loops (started by Initialize):
//   1. Dispatch Loop - pops by tier and hands tasks to the pool whenever
//      the scheduler or the pool signals, with a ticker as fallback
//   2. Result Loop   - drains pool results into counters and metrics
//   3. Status Loop   - writes the status snapshot file and refreshes gauges
//
// Shutdown order (see Shutdown):
//   stopCh → pool → scaler → monitor → loops → scheduler → admission → final
//   status write. The pool goes before the scaler so a scale-down waiting
//   for drain is released by the pool's stop signal.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/beaver-flow/internal/admission"
	"github.com/ChuLiYu/beaver-flow/internal/breaker"
	"github.com/ChuLiYu/beaver-flow/internal/chunk"
	"github.com/ChuLiYu/beaver-flow/internal/config"
	"github.com/ChuLiYu/beaver-flow/internal/event"
	"github.com/ChuLiYu/beaver-flow/internal/jobmanager"
	"github.com/ChuLiYu/beaver-flow/internal/journal"
	"github.com/ChuLiYu/beaver-flow/internal/metrics"
	"github.com/ChuLiYu/beaver-flow/internal/monitor"
	"github.com/ChuLiYu/beaver-flow/internal/orchestrator"
	"github.com/ChuLiYu/beaver-flow/internal/predictor"
	"github.com/ChuLiYu/beaver-flow/internal/scheduler"
	"github.com/ChuLiYu/beaver-flow/internal/snapshot"
	"github.com/ChuLiYu/beaver-flow/internal/worker"
	"github.com/ChuLiYu/beaver-flow/pkg/types"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
)

var log = slog.Default()

var (
	ErrNotInitialized = errors.New("controller not initialized")
	ErrShutdown       = errors.New("controller is shut down")
)

// dispatchFallback wakes the dispatch loop when no signal arrives
const dispatchFallback = 100 * time.Millisecond

// jobRetention finished chunk jobs kept for status queries
const jobRetention = 256

// ============================================================================
// Construction
// ============================================================================

// Options injectable collaborators; the zero value uses production defaults
type Options struct {
	Sampler      monitor.Sampler       // nil means gopsutil host sampling
	Rand         admission.RandSource  // nil means a time-seeded source
	MemoryRelief func()                // nil means debug.FreeOSMemory
	Registerer   prometheus.Registerer // nil disables the metrics collector
	Fs           afero.Fs              // status snapshot and journal filesystem, nil means the OS
}

// Controller system composition root
type Controller struct {
	config *config.Config

	bus          *event.Bus
	monitor      *monitor.Monitor
	predictor    *predictor.Predictor
	admission    *admission.Controller
	scheduler    *scheduler.Scheduler
	breaker      *breaker.CircuitBreaker
	orchestrator *orchestrator.Orchestrator
	pool         *worker.Pool
	scaler       *worker.Scaler
	chunks       *chunk.Processor
	jobs         *jobmanager.JobManager
	metrics      *metrics.Collector // nil when disabled
	snapshot     *snapshot.Manager  // nil when status.path is empty
	journal      *journal.Journal   // nil when journal.path is empty

	mu          sync.Mutex
	initialized bool
	stopped     bool
	stopCh      chan struct{}
	loopWg      sync.WaitGroup
	cancel      context.CancelFunc
	startTime   time.Time

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New builds every component from cfg. Nothing runs until Initialize.
func New(cfg *config.Config, opts Options) (*Controller, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	bus := event.NewBus()

	mon := monitor.NewMonitor(monitor.Config{
		SampleInterval: cfg.Monitor.SampleInterval,
		HistorySize:    cfg.Monitor.HistorySize,
		Memory:         monitor.Threshold(cfg.Monitor.Memory),
		CPU:            monitor.Threshold(cfg.Monitor.CPU),
		Heap:           monitor.Threshold(cfg.Monitor.Heap),
	}, opts.Sampler, bus)

	var admissionOpts []admission.Option
	if opts.Rand != nil {
		admissionOpts = append(admissionOpts, admission.WithRand(opts.Rand))
	}
	adm := admission.NewController(admission.Config{BaseDelay: cfg.Admission.BaseDelay}, admissionOpts...)

	pred := predictor.New(cfg.Predictor.HistorySize, cfg.Monitor.SampleInterval)
	sched := scheduler.New(cfg.Scheduler.LowPriorityDelay)
	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
	})

	orch := orchestrator.New(orchestrator.Config{BlockDuration: cfg.Admission.BlockDuration}, orchestrator.Deps{
		Admission:    adm,
		Breaker:      brk,
		Scheduler:    sched,
		Predictor:    pred,
		Priority:     admission.NewPriorityCalculator(admission.DefaultWeights, cfg.Admission.MaxRequestAge, cfg.Admission.SubmitterWeights),
		Bus:          bus,
		MemoryRelief: opts.MemoryRelief,
	})
	orch.Attach()

	poolConfig := worker.DefaultConfig()
	poolConfig.MinWorkers = cfg.Pool.MinWorkers
	poolConfig.MaxWorkers = cfg.Pool.MaxWorkers
	poolConfig.InitialWorkers = cfg.Pool.InitialWorkers
	poolConfig.QueueSize = cfg.Pool.QueueSize
	poolConfig.TaskTimeout = cfg.Pool.TaskTimeout
	poolConfig.DrainGrace = cfg.Pool.DrainGrace
	poolConfig.RespawnDelay = cfg.Pool.RespawnDelay
	pool := worker.NewPool(poolConfig, bus)

	scaler := worker.NewScaler(pool, orch, worker.ScalerConfig{
		Interval:      cfg.Pool.ScaleInterval,
		UpThreshold:   cfg.Pool.ScaleUpThreshold,
		DownThreshold: cfg.Pool.ScaleDownThreshold,
	})

	jobs := jobmanager.NewJobManager(jobRetention)
	chunks := chunk.New(chunk.Config{
		DefaultSize:        cfg.Chunk.DefaultSize,
		MaxConcurrent:      cfg.Chunk.MaxConcurrent,
		ReliefPollInterval: cfg.Chunk.ReliefPollInterval,
		MaxReliefWait:      cfg.Chunk.MaxReliefWait,
	}, orch, bus, jobs)

	c := &Controller{
		config:       cfg,
		bus:          bus,
		monitor:      mon,
		predictor:    pred,
		admission:    adm,
		scheduler:    sched,
		breaker:      brk,
		orchestrator: orch,
		pool:         pool,
		scaler:       scaler,
		chunks:       chunks,
		jobs:         jobs,
		stopCh:       make(chan struct{}),
	}

	if opts.Registerer != nil {
		c.metrics = metrics.NewCollector(opts.Registerer)
		c.metrics.Attach(bus)
	}
	if cfg.Status.Path != "" {
		c.snapshot = snapshot.NewManager(opts.Fs, cfg.Status.Path)
	}
	if cfg.Journal.Path != "" {
		j, err := journal.Open(opts.Fs, journal.Config{
			Path:          cfg.Journal.Path,
			BufferSize:    cfg.Journal.BufferSize,
			FlushInterval: cfg.Journal.FlushInterval,
			MaxBytes:      cfg.Journal.MaxBytes,
			Keep:          cfg.Journal.Keep,
		})
		if err != nil {
			if c.metrics != nil {
				c.metrics.Detach()
			}
			orch.Detach()
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		j.Attach(bus)
		c.journal = j
	}

	return c, nil
}

// ============================================================================
// Lifecycle
// ============================================================================

// Initialize starts the monitor, pool, scaler and the controller loops.
// A second call is a no-op; calling it after Shutdown returns ErrShutdown.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrShutdown
	}
	if c.initialized {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)

	if err := c.pool.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	if err := c.monitor.Start(runCtx); err != nil {
		cancel()
		c.pool.Stop()
		return fmt.Errorf("failed to start resource monitor: %w", err)
	}
	c.scaler.Start()

	c.cancel = cancel
	c.startTime = time.Now()
	c.initialized = true

	c.loopWg.Add(2)
	go c.dispatchLoop()
	go c.resultLoop()
	if c.snapshot != nil || c.metrics != nil {
		c.loopWg.Add(1)
		go c.statusLoop()
	}

	log.Info("Controller initialized",
		"workers", c.pool.Size(),
		"sample_interval", c.config.Monitor.SampleInterval)
	return nil
}

// Shutdown stops every loop and component. Safe to call without
// Initialize and more than once.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	initialized := c.initialized
	c.mu.Unlock()

	log.Info("Shutting down controller...")

	close(c.stopCh)

	// pool first: closing it releases a Scale blocked on drain and ends resultLoop
	c.pool.Stop()
	c.scaler.Stop()
	c.monitor.Stop()

	c.loopWg.Wait()

	c.scheduler.Stop()
	c.admission.Stop()
	c.orchestrator.Detach()

	if c.cancel != nil {
		c.cancel()
	}

	if initialized {
		c.writeStatus()
	}
	if c.metrics != nil {
		c.metrics.Detach()
	}
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			log.Error("Failed to close journal", "error", err)
		}
	}

	log.Info("Controller stopped",
		"submitted", c.submitted.Load(),
		"completed", c.completed.Load(),
		"failed", c.failed.Load())
}

// ============================================================================
// Core loops
// ============================================================================

// dispatchLoop moves scheduled tasks into the pool
func (c *Controller) dispatchLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(dispatchFallback)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Dispatch loop stopped")
			return
		case <-c.scheduler.Ready():
		case <-c.pool.Capacity():
		case <-ticker.C:
		}

		// stop may have raced with the wake-up signal
		select {
		case <-c.stopCh:
			log.Info("Dispatch loop stopped")
			return
		default:
		}

		c.dispatchPending()
	}
}

// dispatchPending submits until the scheduler is empty or no unit has room
func (c *Controller) dispatchPending() {
	for {
		next, ok := c.scheduler.Next()
		if !ok {
			return
		}

		task, ok := next.Payload.(worker.Task)
		if !ok {
			log.Error("Dropping scheduled task with unexpected payload", "task", next.ID)
			continue
		}

		err := c.pool.Submit(task)
		switch {
		case err == nil:
		case errors.Is(err, worker.ErrNoWorkerAvailable):
			c.scheduler.Requeue(next)
			return
		case errors.Is(err, worker.ErrPoolClosed):
			return
		default:
			log.Error("Failed to submit task", "task", next.ID, "error", err)
			return
		}
	}
}

// resultLoop runs until the pool closes its result channel
func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for result := range c.pool.Results() {
		if result.Success {
			c.completed.Add(1)
		} else {
			c.failed.Add(1)
			log.Debug("Task failed", "task", result.TaskID, "worker", result.WorkerID, "error", result.Error)
		}
		if c.metrics != nil {
			c.metrics.RecordTask(result.Success, result.Duration)
		}
	}
	log.Info("Result loop stopped")
}

// statusLoop persists the status view and refreshes gauges
func (c *Controller) statusLoop() {
	defer c.loopWg.Done()

	interval := c.config.Status.Interval
	if interval <= 0 {
		interval = c.config.Monitor.SampleInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Status loop stopped")
			return
		case <-ticker.C:
			c.writeStatus()
		}
	}
}

func (c *Controller) writeStatus() {
	status := c.GetStatus()

	if c.metrics != nil {
		c.metrics.ObserveStatus(status.Status, status.PoolSize, status.ActiveTasks)
	}
	if c.snapshot == nil {
		return
	}
	var err error
	if keep := c.config.Status.KeepBackups; keep > 0 {
		err = c.snapshot.WriteWithBackup(status, keep)
	} else {
		err = c.snapshot.Write(status)
	}
	if err != nil {
		log.Error("Failed to write status snapshot", "path", c.snapshot.GetPath(), "error", err)
	}
}

// ============================================================================
// Public operations
// ============================================================================

// CanProcessRequest runs the admission pipeline for req and records the
// decision
func (c *Controller) CanProcessRequest(req types.Request) types.AdmissionDecision {
	d := c.orchestrator.CanProcessRequest(req)
	if c.metrics != nil {
		c.metrics.RecordAdmission(d)
	}
	return d
}

// Submission outcome of Submit
type Submission struct {
	Decision types.AdmissionDecision `json:"decision"`
	TaskID   string                  `json:"task_id,omitempty"` // set only when admitted
	Tier     scheduler.Tier          `json:"tier,omitempty"`
}

// Submit admits req and, when allowed, schedules run for execution.
// A rejected request is a normal outcome reported in the Submission;
// errors are returned only when the controller cannot accept work.
func (c *Controller) Submit(ctx context.Context, req types.Request, run worker.TaskFunc) (Submission, error) {
	if err := ctx.Err(); err != nil {
		return Submission{}, err
	}

	c.mu.Lock()
	initialized, stopped := c.initialized, c.stopped
	c.mu.Unlock()
	if stopped {
		return Submission{}, ErrShutdown
	}
	if !initialized {
		return Submission{}, ErrNotInitialized
	}

	decision := c.CanProcessRequest(req)
	if !decision.Allowed {
		return Submission{Decision: decision}, nil
	}

	priority := c.orchestrator.Priority(req)
	id := uuid.NewString()
	tier := c.scheduler.AddTask(scheduler.Task{
		ID:       id,
		Priority: priority,
		Payload: worker.Task{
			ID:       id,
			Priority: priority,
			Timeout:  c.config.Pool.TaskTimeout,
			Run:      run,
		},
	})
	c.submitted.Add(1)

	log.Debug("Task scheduled", "task", id, "type", req.Type, "priority", priority, "tier", tier)
	return Submission{Decision: decision, TaskID: id, Tier: tier}, nil
}

// ProcessInChunks runs a chunked job over input under the current pressure
func (c *Controller) ProcessInChunks(ctx context.Context, input io.ReaderAt, size int64, opts chunk.Options) (chunk.Result, error) {
	return c.chunks.ProcessInChunks(ctx, input, size, opts)
}

// ProcessFile runs a chunked job over a file on fs
func (c *Controller) ProcessFile(ctx context.Context, fs afero.Fs, path string, opts chunk.Options) (chunk.Result, error) {
	return c.chunks.ProcessFile(ctx, fs, path, opts)
}

// CancelJob cancels a running chunk job
func (c *Controller) CancelJob(jobID string) error {
	return c.chunks.Cancel(jobID)
}

// Pool worker pool, for Scale / GetWorkerStats / GetBestWorker
func (c *Controller) Pool() *worker.Pool {
	return c.pool
}

// Jobs chunk job registry
func (c *Controller) Jobs() *jobmanager.JobManager {
	return c.jobs
}

// Bus event bus shared by every component
func (c *Controller) Bus() *event.Bus {
	return c.bus
}

// Monitor resource monitor
func (c *Controller) Monitor() *monitor.Monitor {
	return c.monitor
}

// Orchestrator backpressure orchestrator
func (c *Controller) Orchestrator() *orchestrator.Orchestrator {
	return c.orchestrator
}

// Status full system view
type Status struct {
	orchestrator.Status

	Uptime      string                `json:"uptime"`
	PoolSize    int                   `json:"pool_size"`
	ActiveTasks int                   `json:"active_tasks"`
	Workers     []types.WorkerStats   `json:"workers"`
	Respawns    int64                 `json:"respawns"`
	Tasks       TaskCounts            `json:"tasks"`
	Jobs        map[string]int        `json:"jobs"`
	RunningJobs []string              `json:"running_jobs,omitempty"`
	RecentJobs  []types.ChunkJobState `json:"recent_jobs,omitempty"`
	Loops       LoopCounts            `json:"loops"`
}

// LoopCounts periodic goroutines currently running
type LoopCounts struct {
	Monitor int `json:"monitor"`
	Scaler  int `json:"scaler"`
}

// TaskCounts submitted task tallies
type TaskCounts struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Shed      int   `json:"shed"`
}

// GetStatus returns the current system view
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	start := c.startTime
	c.mu.Unlock()

	uptime := time.Duration(0)
	if !start.IsZero() {
		uptime = time.Since(start).Truncate(time.Second)
	}

	return Status{
		Status:      c.orchestrator.Status(),
		Uptime:      uptime.String(),
		PoolSize:    c.pool.Size(),
		ActiveTasks: c.pool.ActiveTasks(),
		Workers:     c.pool.GetWorkerStats(),
		Respawns:    c.pool.Respawns(),
		Tasks: TaskCounts{
			Submitted: c.submitted.Load(),
			Completed: c.completed.Load(),
			Failed:    c.failed.Load(),
			Shed:      c.scheduler.Dropped(),
		},
		Jobs:        c.jobs.Stats(),
		RunningJobs: c.jobs.Running(),
		RecentJobs:  c.jobs.Snapshot(),
		Loops: LoopCounts{
			Monitor: c.monitor.ActiveLoops(),
			Scaler:  c.scaler.ActiveLoops(),
		},
	}
}
