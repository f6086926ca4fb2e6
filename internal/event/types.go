package event

import (
	"time"

	"github.com/ChuLiYu/beaver-flow/pkg/types"
)

// Event types published on the bus
const (
	TypeSnapshot        = "snapshot"
	TypeThresholdBreach = "threshold_breach"
	TypeStateChange     = "state_change"
	TypeCriticalBreach  = "critical_breach"
	TypeWarningBreach   = "warning_breach"
	TypeJobFailed       = "job_failed"
	TypeWorkerFault     = "worker_fault"
	TypeScale           = "scale"
)

// Event is implemented by everything published on a Bus
type Event interface {
	EventType() string
	Timestamp() time.Time
}

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// SnapshotEvent a new metric snapshot was sampled
type SnapshotEvent struct {
	baseEvent
	Snapshot types.MetricSnapshot
}

func NewSnapshotEvent(s types.MetricSnapshot) SnapshotEvent {
	return SnapshotEvent{baseEvent: newBaseEvent(TypeSnapshot), Snapshot: s}
}

// ThresholdBreachEvent a metric crossed its warning or critical threshold
type ThresholdBreachEvent struct {
	baseEvent
	Breach types.ThresholdBreach
}

func NewThresholdBreachEvent(b types.ThresholdBreach) ThresholdBreachEvent {
	return ThresholdBreachEvent{baseEvent: newBaseEvent(TypeThresholdBreach), Breach: b}
}

// StateChangeEvent the orchestrator moved between backpressure states
type StateChangeEvent struct {
	baseEvent
	Old      types.BackpressureState
	New      types.BackpressureState
	Snapshot types.MetricSnapshot
}

func NewStateChangeEvent(old, next types.BackpressureState, s types.MetricSnapshot) StateChangeEvent {
	return StateChangeEvent{baseEvent: newBaseEvent(TypeStateChange), Old: old, New: next, Snapshot: s}
}

// BreachHandledEvent the orchestrator reacted to a critical or warning breach
type BreachHandledEvent struct {
	baseEvent
	Breach       types.ThresholdBreach
	ThrottleRate float64
}

func NewCriticalBreachEvent(b types.ThresholdBreach, rate float64) BreachHandledEvent {
	return BreachHandledEvent{baseEvent: newBaseEvent(TypeCriticalBreach), Breach: b, ThrottleRate: rate}
}

func NewWarningBreachEvent(b types.ThresholdBreach, rate float64) BreachHandledEvent {
	return BreachHandledEvent{baseEvent: newBaseEvent(TypeWarningBreach), Breach: b, ThrottleRate: rate}
}

// JobFailedEvent a chunk job finished with failed chunks or was cancelled
type JobFailedEvent struct {
	baseEvent
	JobID           string
	CompletedChunks int
	FailedChunks    int
	Err             error
}

func NewJobFailedEvent(jobID string, completed, failed int, err error) JobFailedEvent {
	return JobFailedEvent{
		baseEvent:       newBaseEvent(TypeJobFailed),
		JobID:           jobID,
		CompletedChunks: completed,
		FailedChunks:    failed,
		Err:             err,
	}
}

// WorkerFaultEvent a worker's fault breaker opened or the worker crashed
type WorkerFaultEvent struct {
	baseEvent
	WorkerID string
	Err      error
}

func NewWorkerFaultEvent(workerID string, err error) WorkerFaultEvent {
	return WorkerFaultEvent{baseEvent: newBaseEvent(TypeWorkerFault), WorkerID: workerID, Err: err}
}

// ScaleEvent the worker pool changed size
type ScaleEvent struct {
	baseEvent
	From   int
	To     int
	Reason string
}

func NewScaleEvent(from, to int, reason string) ScaleEvent {
	return ScaleEvent{baseEvent: newBaseEvent(TypeScale), From: from, To: to, Reason: reason}
}
