// ============================================================================
// Beaver-Flow Backpressure Orchestrator - posture state machine
// ============================================================================
//
// Package: internal/orchestrator
// File: orchestrator.go
// Function: Owns the global backpressure state and drives the admission
//           controller, circuit breaker and scheduler from monitor events.
//
// State evaluation (every snapshot):
//   critical   if severe || (memory && cpu)
//   throttled  if memory || cpu
//   normal     otherwise
//
//   A transition fires only when the computed state differs from the
//   current one:
//
//   ┌──────────┬──────────────────────────────────────────────────────┐
//   │ critical │ rate 0.9, trip breaker, memory relief, shed low tier │
//   │ throttled│ rate from memory/cpu excess (cap 0.8), delay low tier│
//   │ normal   │ rate 0, close breaker, resume delayed tasks          │
//   └──────────┴──────────────────────────────────────────────────────┘
//
// Breach fast path (threshold_breach events, handled before the snapshot
// of the same tick):
//   critical → trip breaker, block new requests for 30s
//   warning  → rate += 0.2 (cap 0.8)
//
// Admission (CanProcessRequest):
//   priority → breaker open? reject : AdmissionController.Decide
//   Each request lands in exactly one of processed / throttled / rejected.
//
// Ownership:
//   Only this type mutates the backpressure state. Other components learn
//   about it through state_change events or read-only accessors.
//
// ============================================================================

package orchestrator

import (
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/beaver-flow/internal/admission"
	"github.com/ChuLiYu/beaver-flow/internal/breaker"
	"github.com/ChuLiYu/beaver-flow/internal/event"
	"github.com/ChuLiYu/beaver-flow/internal/predictor"
	"github.com/ChuLiYu/beaver-flow/internal/scheduler"
	"github.com/ChuLiYu/beaver-flow/pkg/types"
)

var log = slog.Default()

const (
	criticalThrottleRate = 0.9
	maxThrottleRate      = 0.8
	warningBump          = 0.2
	predictiveStep       = 0.1

	memoryThrottleFloor = 0.7
	cpuThrottleFloor    = 0.8
	throttleSpan        = 0.2
)

// Config Orchestrator configuration
type Config struct {
	BlockDuration time.Duration // reject window opened by a critical breach
}

// Deps collaborators, all constructed by the caller
type Deps struct {
	Admission    *admission.Controller
	Breaker      *breaker.CircuitBreaker
	Scheduler    *scheduler.Scheduler
	Predictor    *predictor.Predictor
	Priority     *admission.PriorityCalculator
	Bus          *event.Bus
	MemoryRelief func() // best-effort hook run on entering critical, nil means debug.FreeOSMemory
}

// Metrics admission tallies
type Metrics struct {
	RequestsProcessed int64     `json:"requests_processed"`
	RequestsThrottled int64     `json:"requests_throttled"`
	RequestsRejected  int64     `json:"requests_rejected"`
	StateChanges      int       `json:"state_changes"`
	LastStateChange   time.Time `json:"last_state_change,omitempty"`
}

// Status read-only view for dashboards and health checks
type Status struct {
	State               types.BackpressureState `json:"state"`
	SystemLoad          *types.MetricSnapshot   `json:"system_load,omitempty"`
	ThrottleRate        float64                 `json:"throttle_rate"`
	CircuitBreakerOpen  bool                    `json:"circuit_breaker_open"`
	CircuitBreakerState types.BreakerState      `json:"circuit_breaker_state"`
	BlockingRequests    bool                    `json:"blocking_requests"`
	Metrics             Metrics                 `json:"metrics"`
	Predictions         predictor.Prediction    `json:"predictions"`
	QueueStatus         scheduler.QueueStatus   `json:"queue_status"`
}

// Orchestrator backpressure state machine
type Orchestrator struct {
	config Config
	deps   Deps

	// serializes snapshot/breach handling so transitions apply in order
	handleMu sync.Mutex

	mu              sync.RWMutex
	state           types.BackpressureState
	lastSnapshot    *types.MetricSnapshot
	stateChanges    int
	lastStateChange time.Time

	processed atomic.Int64
	throttled atomic.Int64
	rejected  atomic.Int64

	subscriptions []string
}

// New creates an Orchestrator in the normal state
func New(config Config, deps Deps) *Orchestrator {
	if config.BlockDuration <= 0 {
		config.BlockDuration = 30 * time.Second
	}
	if deps.MemoryRelief == nil {
		deps.MemoryRelief = debug.FreeOSMemory
	}
	if deps.Priority == nil {
		deps.Priority = admission.NewPriorityCalculator(admission.DefaultWeights, 0, nil)
	}
	return &Orchestrator{
		config: config,
		deps:   deps,
		state:  types.StateNormal,
	}
}

// Attach subscribes the orchestrator to monitor events on its bus
func (o *Orchestrator) Attach() {
	if o.deps.Bus == nil || len(o.subscriptions) > 0 {
		return
	}
	o.subscriptions = append(o.subscriptions,
		o.deps.Bus.Subscribe(event.TypeThresholdBreach, func(e event.Event) {
			if b, ok := e.(event.ThresholdBreachEvent); ok {
				o.HandleBreach(b.Breach)
			}
		}),
		o.deps.Bus.Subscribe(event.TypeSnapshot, func(e event.Event) {
			if s, ok := e.(event.SnapshotEvent); ok {
				o.HandleSnapshot(s.Snapshot)
			}
		}),
		o.deps.Bus.Subscribe(event.TypeWorkerFault, func(e event.Event) {
			if f, ok := e.(event.WorkerFaultEvent); ok {
				o.ReportWorkerFault(f.WorkerID, f.Err)
			}
		}),
	)
}

// Detach removes the bus subscriptions made by Attach
func (o *Orchestrator) Detach() {
	for _, id := range o.subscriptions {
		o.deps.Bus.Unsubscribe(id)
	}
	o.subscriptions = nil
}

// ============================================================================
// State evaluation
// ============================================================================

// EvaluateState maps snapshot flags to a backpressure state
func EvaluateState(s types.MetricSnapshot) types.BackpressureState {
	flags := s.Backpressure
	switch {
	case flags.Severe || (flags.Memory && flags.CPU):
		return types.StateCritical
	case flags.Memory || flags.CPU:
		return types.StateThrottled
	default:
		return types.StateNormal
	}
}

// ThrottledRate rate applied when entering throttled, derived from how far
// memory and cpu are past their throttle floors
func ThrottledRate(s types.MetricSnapshot) float64 {
	memExcess := types.Clamp01((s.Memory.SystemUsedRatio - memoryThrottleFloor) / throttleSpan)
	cpuExcess := types.Clamp01((s.CPU.UsageRatio - cpuThrottleFloor) / throttleSpan)
	return math.Min(maxThrottleRate, math.Max(0, math.Max(memExcess, cpuExcess)))
}

// HandleSnapshot evaluates the state for s, transitions if needed and
// feeds the predictor
func (o *Orchestrator) HandleSnapshot(s types.MetricSnapshot) {
	o.handleMu.Lock()
	defer o.handleMu.Unlock()

	o.mu.Lock()
	snap := s
	o.lastSnapshot = &snap
	current := o.state
	o.mu.Unlock()

	next := EvaluateState(s)
	if next != current {
		o.transition(current, next, s)
	}

	if o.deps.Predictor != nil {
		o.applyPrediction(o.deps.Predictor.Observe(s))
	}
}

func (o *Orchestrator) transition(from, to types.BackpressureState, s types.MetricSnapshot) {
	o.mu.Lock()
	o.state = to
	o.stateChanges++
	o.lastStateChange = time.Now()
	o.mu.Unlock()

	switch to {
	case types.StateCritical:
		o.deps.Admission.SetThrottleRate(criticalThrottleRate)
		o.deps.Breaker.Trip()
		o.deps.MemoryRelief()
		if o.deps.Scheduler != nil {
			o.deps.Scheduler.ClearLowPriorityQueue()
		}
		log.Warn("Backpressure critical",
			"from", from,
			"memory", s.Memory.SystemUsedRatio,
			"cpu", s.CPU.UsageRatio,
			"heap", s.Memory.ProcessHeapRatio)

	case types.StateThrottled:
		rate := ThrottledRate(s)
		o.deps.Admission.SetThrottleRate(rate)
		if o.deps.Scheduler != nil {
			o.deps.Scheduler.DelayLowPriorityTasks()
		}
		log.Warn("Backpressure throttled",
			"from", from,
			"throttle_rate", rate,
			"memory", s.Memory.SystemUsedRatio,
			"cpu", s.CPU.UsageRatio)

	case types.StateNormal:
		o.deps.Admission.SetThrottleRate(0)
		o.deps.Breaker.Deactivate()
		if o.deps.Scheduler != nil {
			o.deps.Scheduler.ResumeAllTasks()
		}
		log.Info("Backpressure back to normal", "from", from)
	}

	o.deps.Bus.Publish(event.NewStateChangeEvent(from, to, s))
}

// applyPrediction nudges the throttle rate from the trend recommendation
func (o *Orchestrator) applyPrediction(pred predictor.Prediction) {
	state := o.State()
	rate := o.deps.Admission.ThrottleRate()

	switch {
	case pred.Recommendation == predictor.PreemptiveThrottling && state == types.StateNormal:
		if rate < predictiveStep {
			o.deps.Admission.SetThrottleRate(predictiveStep)
			log.Info("Preemptive throttling", "memory_trend", pred.MemoryTrend, "cpu_trend", pred.CPUTrend)
		}
	case pred.Recommendation == predictor.ReduceThrottling && state != types.StateCritical && rate > 0:
		o.deps.Admission.SetThrottleRate(math.Max(0, rate-predictiveStep))
	}
}

// HandleBreach reacts to a single threshold breach without waiting for the
// next state evaluation
func (o *Orchestrator) HandleBreach(b types.ThresholdBreach) {
	o.handleMu.Lock()
	defer o.handleMu.Unlock()

	switch b.Severity {
	case types.SeverityCritical:
		o.deps.Breaker.Trip()
		o.deps.Admission.BlockNewRequests(o.config.BlockDuration)
		log.Error("Critical threshold breach",
			"metric", b.Metric,
			"value", b.Value,
			"threshold", b.Threshold,
			"block", o.config.BlockDuration)
		o.deps.Bus.Publish(event.NewCriticalBreachEvent(b, o.deps.Admission.ThrottleRate()))

	case types.SeverityWarning:
		rate := math.Min(maxThrottleRate, o.deps.Admission.ThrottleRate()+warningBump)
		// never lowers a rate already above the warning cap
		if rate > o.deps.Admission.ThrottleRate() {
			o.deps.Admission.SetThrottleRate(rate)
		}
		log.Warn("Warning threshold breach",
			"metric", b.Metric,
			"value", b.Value,
			"throttle_rate", o.deps.Admission.ThrottleRate())
		o.deps.Bus.Publish(event.NewWarningBreachEvent(b, o.deps.Admission.ThrottleRate()))
	}
}

// ============================================================================
// Admission
// ============================================================================

// CanProcessRequest the single admission entry point
func (o *Orchestrator) CanProcessRequest(req types.Request) types.AdmissionDecision {
	priority := o.deps.Priority.Priority(req)

	if o.deps.Breaker.IsOpen() {
		o.rejected.Add(1)
		return types.AdmissionDecision{
			Allowed:           false,
			Reason:            types.ReasonCircuitOpen,
			EstimatedWaitTime: o.deps.Breaker.EstimatedRecoveryTime(),
		}
	}

	decision := o.deps.Admission.Decide(o.snapshotPtr(), priority, req)
	switch {
	case decision.Allowed:
		o.processed.Add(1)
	case decision.Throttled:
		o.throttled.Add(1)
	default:
		o.rejected.Add(1)
	}
	return decision
}

// Priority exposes the priority score used for req
func (o *Orchestrator) Priority(req types.Request) float64 {
	return o.deps.Priority.Priority(req)
}

// ReportWorkerFault records a worker fault against the breaker
func (o *Orchestrator) ReportWorkerFault(workerID string, err error) {
	o.deps.Breaker.Activate()
	log.Error("Worker fault",
		"worker", workerID,
		"error", err,
		"breaker_failures", o.deps.Breaker.FailureCount())
}

// ============================================================================
// Read-only accessors
// ============================================================================

// State current backpressure state
func (o *Orchestrator) State() types.BackpressureState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// IsThrottled true whenever the system is not in the normal state
func (o *Orchestrator) IsThrottled() bool {
	return o.State() != types.StateNormal
}

// CurrentLoad last snapshot seen, false before the first one
func (o *Orchestrator) CurrentLoad() (types.MetricSnapshot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.lastSnapshot == nil {
		return types.MetricSnapshot{}, false
	}
	return *o.lastSnapshot, true
}

func (o *Orchestrator) snapshotPtr() *types.MetricSnapshot {
	s, ok := o.CurrentLoad()
	if !ok {
		return nil
	}
	return &s
}

// ThrottleRate current admission throttle rate
func (o *Orchestrator) ThrottleRate() float64 {
	return o.deps.Admission.ThrottleRate()
}

// Metrics admission tallies
func (o *Orchestrator) Metrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Metrics{
		RequestsProcessed: o.processed.Load(),
		RequestsThrottled: o.throttled.Load(),
		RequestsRejected:  o.rejected.Load(),
		StateChanges:      o.stateChanges,
		LastStateChange:   o.lastStateChange,
	}
}

// Status assembles the full introspection view
func (o *Orchestrator) Status() Status {
	st := Status{
		State:               o.State(),
		SystemLoad:          o.snapshotPtr(),
		ThrottleRate:        o.deps.Admission.ThrottleRate(),
		CircuitBreakerOpen:  o.deps.Breaker.IsOpen(),
		CircuitBreakerState: o.deps.Breaker.State(),
		BlockingRequests:    o.deps.Admission.IsBlocked(),
		Metrics:             o.Metrics(),
	}
	if o.deps.Predictor != nil {
		st.Predictions = o.deps.Predictor.Latest()
	}
	if o.deps.Scheduler != nil {
		st.QueueStatus = o.deps.Scheduler.Status()
	}
	return st
}
