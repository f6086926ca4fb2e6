// ============================================================================
// Beaver-Flow Chunk Processor - backpressure-aware chunked processing
// ============================================================================
//
// Package: internal/chunk
// File: processor.go
// Function: Runs a handler over every chunk of an input with bounded
//           concurrency, pausing between reads while the system is under
//           pressure.
//
// Per job:
//   Plan(size, chunkSize)
//      │
//      ├─ for each chunk, in order:
//      │     semaphore.Acquire (FIFO, MaxConcurrent slots, owned by the job)
//      │     go processChunk ──┐
//      │                       ├─ waitForRelief
//      │                       ├─ read range through adaptive buffer
//      │                       │    (waitForRelief between reads)
//      │                       ├─ Handler(ctx, chunk, data)  (panics caught)
//      │                       └─ record result, progress callbacks
//      ├─ wait for all chunks
//      ├─ merge successful outputs by chunk id into opts.Output
//      └─ finish job; publish job_failed on failures or cancellation
//
// Relief waits:
//   Soft cap. After MaxReliefWait the chunk proceeds anyway and a warning
//   is logged.
//
// Read buffer:
//   1MiB while memory usage <= 50%, 64KiB at >= 80%, linear in between,
//   never larger than the chunk.
//
// ============================================================================

package chunk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-flow/internal/event"
	"github.com/ChuLiYu/beaver-flow/internal/jobmanager"
	"github.com/ChuLiYu/beaver-flow/pkg/types"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var log = slog.Default()

var (
	// ErrInvalidChunkSize chunk size resolved to zero or less
	ErrInvalidChunkSize = errors.New("chunk: chunk size must be positive")
	// ErrNoHandler options carry no handler
	ErrNoHandler = errors.New("chunk: handler is required")
)

const (
	minBufferSize = 64 << 10
	maxBufferSize = 1 << 20

	relaxedMemory  = 0.5
	pressureMemory = 0.8
)

// Pressure read-only view of the backpressure posture
type Pressure interface {
	IsThrottled() bool
	CurrentLoad() (types.MetricSnapshot, bool)
}

// Config Processor configuration
type Config struct {
	DefaultSize        int64
	MaxConcurrent      int
	ReliefPollInterval time.Duration
	MaxReliefWait      time.Duration
}

// DefaultConfig 1MiB chunks, 4 concurrent, 100ms polls, 30s relief cap
func DefaultConfig() Config {
	return Config{
		DefaultSize:        1 << 20,
		MaxConcurrent:      4,
		ReliefPollInterval: 100 * time.Millisecond,
		MaxReliefWait:      30 * time.Second,
	}
}

// Handler transforms one chunk. The returned bytes are merged into
// Options.Output when set.
type Handler func(ctx context.Context, c types.Chunk, data []byte) ([]byte, error)

// Progress snapshot passed to Options.OnProgress
type Progress struct {
	JobID           string
	TotalChunks     int
	CompletedChunks int
	FailedChunks    int
	BytesProcessed  int64
	TotalBytes      int64
}

// Percent completion in [0,100]
func (p Progress) Percent() float64 {
	if p.TotalChunks == 0 {
		return 100
	}
	return float64(p.CompletedChunks+p.FailedChunks) * 100 / float64(p.TotalChunks)
}

// Options per-job settings
type Options struct {
	ChunkSize       int64 // zero uses Config.DefaultSize
	MaxConcurrent   int   // zero uses Config.MaxConcurrent
	Handler         Handler
	Output          io.Writer
	OnChunkComplete func(types.ChunkResult)
	OnProgress      func(Progress)
}

// Result summary of one job
type Result struct {
	Success         bool                `json:"success"`
	JobID           string              `json:"job_id"`
	TotalChunks     int                 `json:"total_chunks"`
	CompletedChunks int                 `json:"completed_chunks"`
	FailedChunks    int                 `json:"failed_chunks"`
	Cancelled       bool                `json:"cancelled,omitempty"`
	BytesProcessed  int64               `json:"bytes_processed"`
	ProcessingTime  time.Duration       `json:"processing_time"`
	Throughput      float64             `json:"throughput"` // bytes per second
	Results         []types.ChunkResult `json:"results"`
}

// Processor chunked job runner, safe for concurrent jobs
type Processor struct {
	config   Config
	pressure Pressure
	bus      *event.Bus
	jobs     *jobmanager.JobManager

	reliefLog rate.Sometimes
}

// New creates a Processor. pressure may be nil, in which case relief waits
// return immediately and buffers use the maximum size.
func New(config Config, pressure Pressure, bus *event.Bus, jobs *jobmanager.JobManager) *Processor {
	def := DefaultConfig()
	if config.DefaultSize <= 0 {
		config.DefaultSize = def.DefaultSize
	}
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.ReliefPollInterval <= 0 {
		config.ReliefPollInterval = def.ReliefPollInterval
	}
	if config.MaxReliefWait <= 0 {
		config.MaxReliefWait = def.MaxReliefWait
	}
	if jobs == nil {
		jobs = jobmanager.NewJobManager(0)
	}
	return &Processor{
		config:    config,
		pressure:  pressure,
		bus:       bus,
		jobs:      jobs,
		reliefLog: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// Jobs registry of jobs run by this processor
func (p *Processor) Jobs() *jobmanager.JobManager {
	return p.jobs
}

// Cancel stops a running job
func (p *Processor) Cancel(jobID string) error {
	return p.jobs.Cancel(jobID)
}

// ProcessFile opens path on fs and processes it in chunks
func (p *Processor) ProcessFile(ctx context.Context, fs afero.Fs, path string, opts Options) (Result, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("failed to stat input: %w", err)
	}
	if info.IsDir() {
		return Result{}, fmt.Errorf("input %s is a directory", path)
	}

	return p.ProcessInChunks(ctx, f, info.Size(), opts)
}

// jobRun mutable state shared by the chunks of one job
type jobRun struct {
	id    string
	total int64
	opts  Options

	mu       sync.Mutex
	results  []types.ChunkResult
	progress Progress
	report   rate.Sometimes
}

// ProcessInChunks runs opts.Handler over every chunk of input[0:size).
// Chunk failures are reported in the result, never as the returned error.
// The error is non-nil only for invalid options, cancellation or a failed
// merge into opts.Output.
func (p *Processor) ProcessInChunks(ctx context.Context, input io.ReaderAt, size int64, opts Options) (Result, error) {
	if opts.Handler == nil {
		return Result{}, ErrNoHandler
	}
	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = p.config.DefaultSize
	}
	if chunkSize <= 0 {
		return Result{}, ErrInvalidChunkSize
	}

	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = p.config.MaxConcurrent
	}

	chunks := Plan(size, chunkSize)
	jobID := uuid.NewString()
	sem := semaphore.NewWeighted(int64(maxConcurrent))

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := p.jobs.Register(jobID, len(chunks), cancel); err != nil {
		return Result{}, fmt.Errorf("failed to register job: %w", err)
	}

	run := &jobRun{
		id:    jobID,
		total: size,
		opts:  opts,
		progress: Progress{
			JobID:       jobID,
			TotalChunks: len(chunks),
			TotalBytes:  size,
		},
		report: rate.Sometimes{Interval: 100 * time.Millisecond},
	}

	log.Info("Chunk job started",
		"job", jobID,
		"bytes", size,
		"chunks", len(chunks),
		"chunk_size", chunkSize,
		"max_concurrent", maxConcurrent)

	start := time.Now()
	var wg conc.WaitGroup
	for _, c := range chunks {
		if err := sem.Acquire(jobCtx, 1); err != nil {
			break
		}
		wg.Go(func() {
			defer sem.Release(1)
			p.processChunk(jobCtx, input, c, run)
		})
	}
	wg.Wait()
	elapsed := time.Since(start)

	res := p.summarize(run, len(chunks), elapsed)
	res.Cancelled = jobCtx.Err() != nil

	if opts.OnProgress != nil {
		run.mu.Lock()
		final := run.progress
		run.mu.Unlock()
		opts.OnProgress(final)
	}

	var mergeErr error
	if opts.Output != nil && !res.Cancelled {
		mergeErr = merge(opts.Output, run.results)
	}

	p.finish(jobID, &res)

	switch {
	case res.Cancelled:
		return res, fmt.Errorf("chunk job %s cancelled: %w", jobID, context.Cause(jobCtx))
	case mergeErr != nil:
		res.Success = false
		return res, fmt.Errorf("failed to merge chunk outputs: %w", mergeErr)
	}
	return res, nil
}

func (p *Processor) processChunk(ctx context.Context, input io.ReaderAt, c types.Chunk, run *jobRun) {
	start := time.Now()
	result := types.ChunkResult{ChunkID: c.ID}

	out, err := p.runChunk(ctx, input, c, run.opts.Handler)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		log.Debug("Chunk failed", "job", run.id, "chunk", c.ID, "error", err)
	} else {
		result.Success = true
		result.Bytes = c.Size
		result.Output = out
	}

	if regErr := p.jobs.RecordChunk(run.id, result); regErr != nil && !errors.Is(regErr, jobmanager.ErrNotRunning) {
		log.Error("Failed to record chunk", "job", run.id, "chunk", c.ID, "error", regErr)
	}

	run.mu.Lock()
	run.results = append(run.results, result)
	if result.Success {
		run.progress.CompletedChunks++
		run.progress.BytesProcessed += result.Bytes
	} else {
		run.progress.FailedChunks++
	}
	progress := run.progress
	run.mu.Unlock()

	if result.Success && run.opts.OnChunkComplete != nil {
		run.opts.OnChunkComplete(result)
	}
	if run.opts.OnProgress != nil {
		run.report.Do(func() { run.opts.OnProgress(progress) })
	}
}

// runChunk reads the chunk and runs the handler, converting panics to errors
func (p *Processor) runChunk(ctx context.Context, input io.ReaderAt, c types.Chunk, handler Handler) ([]byte, error) {
	if err := p.waitForRelief(ctx); err != nil {
		return nil, err
	}

	data, err := p.readChunk(ctx, input, c)
	if err != nil {
		return nil, err
	}

	var out []byte
	var herr error
	var catcher panics.Catcher
	catcher.Try(func() { out, herr = handler(ctx, c, data) })
	if r := catcher.Recovered(); r != nil {
		return nil, fmt.Errorf("chunk %d handler panicked: %w", c.ID, r.AsError())
	}
	return out, herr
}

// readChunk streams the chunk's byte range through the adaptive buffer
func (p *Processor) readChunk(ctx context.Context, input io.ReaderAt, c types.Chunk) ([]byte, error) {
	section := io.NewSectionReader(input, c.Start, c.Size)
	buf := make([]byte, p.bufferSize(c.Size))
	var data bytes.Buffer
	data.Grow(int(c.Size))

	for int64(data.Len()) < c.Size {
		if data.Len() > 0 {
			if err := p.waitForRelief(ctx); err != nil {
				return nil, err
			}
		}
		n, err := section.Read(buf)
		data.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read chunk %d: %w", c.ID, err)
		}
	}

	if int64(data.Len()) != c.Size {
		return nil, fmt.Errorf("chunk %d: short read %d of %d bytes: %w", c.ID, data.Len(), c.Size, io.ErrUnexpectedEOF)
	}
	return data.Bytes(), nil
}

// waitForRelief blocks while the system is throttled, up to MaxReliefWait.
// Only context cancellation produces an error.
func (p *Processor) waitForRelief(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.pressure == nil || !p.pressure.IsThrottled() {
		return nil
	}

	deadline := time.NewTimer(p.config.MaxReliefWait)
	defer deadline.Stop()
	ticker := time.NewTicker(p.config.ReliefPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			p.reliefLog.Do(func() {
				log.Warn("Relief wait timed out, proceeding under pressure", "waited", p.config.MaxReliefWait)
			})
			return nil
		case <-ticker.C:
			if !p.pressure.IsThrottled() {
				return nil
			}
		}
	}
}

// bufferSize read buffer for the current memory usage, capped at chunkSize
func (p *Processor) bufferSize(chunkSize int64) int {
	size := maxBufferSize
	if p.pressure != nil {
		if load, ok := p.pressure.CurrentLoad(); ok {
			size = BufferSizeFor(load.Memory.SystemUsedRatio)
		}
	}
	if chunkSize > 0 && int64(size) > chunkSize {
		size = int(chunkSize)
	}
	return size
}

// BufferSizeFor read buffer size for a memory usage ratio
func BufferSizeFor(memUsage float64) int {
	switch {
	case memUsage <= relaxedMemory:
		return maxBufferSize
	case memUsage >= pressureMemory:
		return minBufferSize
	}
	frac := (memUsage - relaxedMemory) / (pressureMemory - relaxedMemory)
	return maxBufferSize - int(frac*float64(maxBufferSize-minBufferSize))
}

func (p *Processor) summarize(run *jobRun, total int, elapsed time.Duration) Result {
	run.mu.Lock()
	defer run.mu.Unlock()

	sort.Slice(run.results, func(i, j int) bool { return run.results[i].ChunkID < run.results[j].ChunkID })

	res := Result{
		JobID:           run.id,
		TotalChunks:     total,
		CompletedChunks: run.progress.CompletedChunks,
		FailedChunks:    run.progress.FailedChunks,
		BytesProcessed:  run.progress.BytesProcessed,
		ProcessingTime:  elapsed,
		Results:         run.results,
	}
	if elapsed > 0 {
		res.Throughput = float64(res.BytesProcessed) / elapsed.Seconds()
	}
	res.Success = res.FailedChunks == 0 && res.CompletedChunks == total
	return res
}

// finish closes the job in the registry and reports failures
func (p *Processor) finish(jobID string, res *Result) {
	if res.Cancelled {
		// Cancel returns ErrNotRunning when the job was cancelled through the registry
		_ = p.jobs.Cancel(jobID)
		res.Success = false
		p.bus.Publish(event.NewJobFailedEvent(jobID, res.CompletedChunks, res.FailedChunks, context.Canceled))
		log.Warn("Chunk job cancelled",
			"job", jobID,
			"completed", res.CompletedChunks,
			"total", res.TotalChunks)
		return
	}

	if _, err := p.jobs.Finish(jobID); err != nil {
		log.Error("Failed to finish job", "job", jobID, "error", err)
	}

	if res.FailedChunks > 0 {
		p.bus.Publish(event.NewJobFailedEvent(jobID, res.CompletedChunks, res.FailedChunks,
			fmt.Errorf("%d of %d chunks failed", res.FailedChunks, res.TotalChunks)))
		log.Warn("Chunk job finished with failures",
			"job", jobID,
			"failed", res.FailedChunks,
			"total", res.TotalChunks)
		return
	}

	log.Info("Chunk job completed",
		"job", jobID,
		"bytes", res.BytesProcessed,
		"duration", res.ProcessingTime,
		"throughput_bps", int64(res.Throughput))
}

// merge writes successful outputs in chunk order
func merge(w io.Writer, results []types.ChunkResult) error {
	for _, r := range results {
		if !r.Success || len(r.Output) == 0 {
			continue
		}
		if _, err := w.Write(r.Output); err != nil {
			return fmt.Errorf("chunk %d: %w", r.ChunkID, err)
		}
	}
	return nil
}
