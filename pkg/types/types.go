// Package types defines the core domain model shared by the beaver-flow
// resource-management packages.
package types

import (
	"time"
)

// ============================================================================
// Metric snapshots
// ============================================================================

// MemoryMetrics system and process memory usage at sampling time
type MemoryMetrics struct {
	SystemUsedRatio  float64 `json:"system_used_ratio"`  // used / total of the host
	ProcessHeapRatio float64 `json:"process_heap_ratio"` // heap in use / heap reserved
	TotalBytes       uint64  `json:"total_bytes"`
	UsedBytes        uint64  `json:"used_bytes"`
	HeapUsedBytes    uint64  `json:"heap_used_bytes"`
	HeapTotalBytes   uint64  `json:"heap_total_bytes"`
}

// CPUMetrics CPU pressure derived from the 1 minute load average
type CPUMetrics struct {
	UsageRatio  float64 `json:"usage_ratio"`  // load average / core count, clamped to [0,1]
	LoadAverage float64 `json:"load_average"` // raw 1 minute load average
	CoreCount   int     `json:"core_count"`   // logical cores
}

// BackpressureFlags derived flags computed against the configured thresholds
type BackpressureFlags struct {
	Memory bool `json:"memory"` // memory at or above its warning threshold
	CPU    bool `json:"cpu"`    // cpu at or above its warning threshold
	Severe bool `json:"severe"` // any metric at or above its critical threshold
}

// MetricSnapshot one immutable sample of system load
type MetricSnapshot struct {
	Timestamp    time.Time         `json:"timestamp"`
	Memory       MemoryMetrics     `json:"memory"`
	CPU          CPUMetrics        `json:"cpu"`
	Backpressure BackpressureFlags `json:"backpressure"`
}

// Severity of a threshold breach
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// MetricName identifies a monitored metric
type MetricName string

const (
	MetricMemory MetricName = "memory"
	MetricCPU    MetricName = "cpu"
	MetricHeap   MetricName = "heap"
)

// ThresholdBreach emitted when a metric reaches its warning or critical threshold
type ThresholdBreach struct {
	Metric    MetricName `json:"metric"`
	Severity  Severity   `json:"severity"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	Timestamp time.Time  `json:"timestamp"`
}

// ============================================================================
// Requests and admission
// ============================================================================

// OperationType kind of file operation a request performs
type OperationType string

const (
	OpRead       OperationType = "read"
	OpSearch     OperationType = "search"
	OpList       OperationType = "list"
	OpDownload   OperationType = "download"
	OpWrite      OperationType = "write"
	OpUpload     OperationType = "upload"
	OpCopy       OperationType = "copy"
	OpMove       OperationType = "move"
	OpRename     OperationType = "rename"
	OpDelete     OperationType = "delete"
	OpCompress   OperationType = "compress"
	OpDecompress OperationType = "decompress"
)

// Request a unit of work asking for admission
type Request struct {
	Type        OperationType `json:"type"`
	Size        int64         `json:"size"`         // payload size in bytes
	Submitter   string        `json:"submitter"`    // caller identity, empty means anonymous
	SubmittedAt time.Time     `json:"submitted_at"` // zero means "now"
}

// Admission reasons
const (
	ReasonAllowed       = "allowed"
	ReasonThrottled     = "throttled"
	ReasonSystemBlocked = "system_blocked"
	ReasonCircuitOpen   = "circuit_open"
)

// AdmissionDecision result of one admission check, never persisted
type AdmissionDecision struct {
	Allowed           bool          `json:"allowed"`
	Throttled         bool          `json:"throttled"`
	Delay             time.Duration `json:"delay,omitempty"`
	Reason            string        `json:"reason"`
	EstimatedWaitTime time.Duration `json:"estimated_wait_time,omitempty"`
}

// ============================================================================
// States
// ============================================================================

// BackpressureState global posture owned by the orchestrator
type BackpressureState string

const (
	StateNormal    BackpressureState = "normal"
	StateThrottled BackpressureState = "throttled"
	StateCritical  BackpressureState = "critical"
)

// BreakerState circuit breaker state
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// ============================================================================
// Chunks and jobs
// ============================================================================

// Chunk a contiguous byte range [Start, End) of a larger input
type Chunk struct {
	ID    int   `json:"id"`
	Start int64 `json:"start"`
	End   int64 `json:"end"`
	Size  int64 `json:"size"`
}

// ChunkResult outcome of processing one chunk
type ChunkResult struct {
	ChunkID  int           `json:"chunk_id"`
	Success  bool          `json:"success"`
	Bytes    int64         `json:"bytes"`
	Output   []byte        `json:"-"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// JobStatus chunk job lifecycle status
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// ChunkJobState progress of one chunked job
type ChunkJobState struct {
	ID              string        `json:"id"`
	Status          JobStatus     `json:"status"`
	TotalChunks     int           `json:"total_chunks"`
	CompletedChunks int           `json:"completed_chunks"`
	FailedChunks    int           `json:"failed_chunks"`
	BytesProcessed  int64         `json:"bytes_processed"`
	StartTime       time.Time     `json:"start_time"`
	Results         []ChunkResult `json:"results,omitempty"`
}

// ============================================================================
// Workers
// ============================================================================

// ResourceSample resource usage recorded against a worker after a task
type ResourceSample struct {
	Timestamp     time.Time `json:"timestamp"`
	HeapUsedBytes uint64    `json:"heap_used_bytes"`
	Goroutines    int       `json:"goroutines"`
}

// WorkerStats per execution unit statistics, written only by the owning pool
type WorkerStats struct {
	ID                    string           `json:"id"`
	CreatedAt             time.Time        `json:"created_at"`
	TasksCompleted        int              `json:"tasks_completed"`
	TasksActive           int              `json:"tasks_active"`
	TotalProcessingTime   time.Duration    `json:"total_processing_time"`
	AverageProcessingTime time.Duration    `json:"average_processing_time"`
	ErrorCount            int              `json:"error_count"`
	Efficiency            float64          `json:"efficiency"`
	Paused                bool             `json:"paused"`
	ResourceSamples       []ResourceSample `json:"resource_samples,omitempty"`
}

// Clamp01 clamps v to [0,1]
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
