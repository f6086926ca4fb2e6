// ============================================================================
// Beaver-Flow Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collects resource-management metrics and exposes them for
//           Prometheus scraping
//
// Metric families:
//
//   1. Admission (Counter):
//      - beaver_admission_requests_total{result}   processed / throttled / rejected
//
//   2. Posture (Gauge / Counter):
//      - beaver_backpressure_state{state}          1 for the current state, 0 otherwise
//      - beaver_throttle_rate
//      - beaver_circuit_breaker_open
//      - beaver_state_changes_total
//      - beaver_threshold_breaches_total{metric,severity}
//
//   3. Load (Gauge):
//      - beaver_memory_usage_ratio, beaver_cpu_usage_ratio, beaver_heap_usage_ratio
//
//   4. Execution:
//      - beaver_tasks_total{result}                Counter
//      - beaver_task_duration_seconds              Histogram
//      - beaver_workers, beaver_worker_tasks_active  Gauge
//      - beaver_worker_faults_total, beaver_pool_scale_events_total{direction}
//      - beaver_queue_depth{tier}                  Gauge
//      - beaver_chunk_jobs_failed_total            Counter
//
// Feeding:
//   Attach(bus) keeps the event-driven families current. The controller
//   calls RecordAdmission / RecordTask per request and task, and
//   ObserveStatus on every status tick.
//
// Prometheus queries:
//
//   # share of requests shed over 5m
//   sum(rate(beaver_admission_requests_total{result!="processed"}[5m]))
//     / sum(rate(beaver_admission_requests_total[5m]))
//
//   # p95 task latency
//   histogram_quantile(0.95, rate(beaver_task_duration_seconds_bucket[5m]))
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ChuLiYu/beaver-flow/internal/event"
	"github.com/ChuLiYu/beaver-flow/internal/orchestrator"
	"github.com/ChuLiYu/beaver-flow/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "beaver"

var allStates = []types.BackpressureState{types.StateNormal, types.StateThrottled, types.StateCritical}

// Collector Prometheus metric collector
type Collector struct {
	admissions *prometheus.CounterVec

	state        *prometheus.GaugeVec
	throttleRate prometheus.Gauge
	breakerOpen  prometheus.Gauge
	stateChanges prometheus.Counter
	breaches     *prometheus.CounterVec

	memoryUsage prometheus.Gauge
	cpuUsage    prometheus.Gauge
	heapUsage   prometheus.Gauge

	tasks        *prometheus.CounterVec
	taskDuration prometheus.Histogram
	workers      prometheus.Gauge
	activeTasks  prometheus.Gauge
	workerFaults prometheus.Counter
	scaleEvents  *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
	jobsFailed   prometheus.Counter

	subscriptions []string
	bus           *event.Bus
}

// NewCollector creates the collector and registers every family on reg.
// A nil reg means prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_requests_total",
			Help:      "Admission decisions by result",
		}, []string{"result"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backpressure_state",
			Help:      "Current backpressure state (1 for the active state)",
		}, []string{"state"}),
		throttleRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "throttle_rate",
			Help:      "Current admission throttle rate",
		}),
		breakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_open",
			Help:      "1 while the admission circuit breaker rejects requests",
		}),
		stateChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_changes_total",
			Help:      "Backpressure state transitions",
		}),
		breaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threshold_breaches_total",
			Help:      "Threshold breaches by metric and severity",
		}, []string{"metric", "severity"}),
		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_ratio",
			Help:      "Host memory used ratio at the last sample",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cpu_usage_ratio",
			Help:      "Load average per core at the last sample",
		}),
		heapUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heap_usage_ratio",
			Help:      "Process heap ratio at the last sample",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Executed tasks by result",
		}, []string{"result"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution time in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Live workers in the pool",
		}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_tasks_active",
			Help:      "Tasks assigned to workers and not yet finished",
		}),
		workerFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_faults_total",
			Help:      "Worker breaker trips and crashes",
		}),
		scaleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_scale_events_total",
			Help:      "Pool resizes by direction",
		}, []string{"direction"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Scheduler queue depth by tier",
		}, []string{"tier"}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_jobs_failed_total",
			Help:      "Chunk jobs that finished with failures or were cancelled",
		}),
	}

	reg.MustRegister(
		c.admissions, c.state, c.throttleRate, c.breakerOpen, c.stateChanges, c.breaches,
		c.memoryUsage, c.cpuUsage, c.heapUsage,
		c.tasks, c.taskDuration, c.workers, c.activeTasks, c.workerFaults, c.scaleEvents,
		c.queueDepth, c.jobsFailed,
	)

	c.setState(types.StateNormal)
	return c
}

// Attach subscribes to the bus events the collector counts
func (c *Collector) Attach(bus *event.Bus) {
	if bus == nil || c.bus != nil {
		return
	}
	c.bus = bus
	c.subscriptions = []string{
		bus.Subscribe(event.TypeSnapshot, func(e event.Event) {
			if s, ok := e.(event.SnapshotEvent); ok {
				c.RecordSnapshot(s.Snapshot)
			}
		}),
		bus.Subscribe(event.TypeThresholdBreach, func(e event.Event) {
			if b, ok := e.(event.ThresholdBreachEvent); ok {
				c.breaches.WithLabelValues(string(b.Breach.Metric), string(b.Breach.Severity)).Inc()
			}
		}),
		bus.Subscribe(event.TypeStateChange, func(e event.Event) {
			if s, ok := e.(event.StateChangeEvent); ok {
				c.stateChanges.Inc()
				c.setState(s.New)
			}
		}),
		bus.Subscribe(event.TypeWorkerFault, func(event.Event) {
			c.workerFaults.Inc()
		}),
		bus.Subscribe(event.TypeScale, func(e event.Event) {
			if s, ok := e.(event.ScaleEvent); ok {
				direction := "down"
				if s.To > s.From {
					direction = "up"
				}
				c.scaleEvents.WithLabelValues(direction).Inc()
				c.workers.Set(float64(s.To))
			}
		}),
		bus.Subscribe(event.TypeJobFailed, func(event.Event) {
			c.jobsFailed.Inc()
		}),
	}
}

// Detach removes the subscriptions made by Attach
func (c *Collector) Detach() {
	if c.bus == nil {
		return
	}
	for _, id := range c.subscriptions {
		c.bus.Unsubscribe(id)
	}
	c.subscriptions = nil
	c.bus = nil
}

// RecordAdmission counts one admission decision
func (c *Collector) RecordAdmission(d types.AdmissionDecision) {
	switch {
	case d.Allowed:
		c.admissions.WithLabelValues("processed").Inc()
	case d.Throttled:
		c.admissions.WithLabelValues("throttled").Inc()
	default:
		c.admissions.WithLabelValues("rejected").Inc()
	}
}

// RecordTask counts one finished task
func (c *Collector) RecordTask(success bool, d time.Duration) {
	result := "completed"
	if !success {
		result = "failed"
	}
	c.tasks.WithLabelValues(result).Inc()
	c.taskDuration.Observe(d.Seconds())
}

// RecordSnapshot updates the load gauges
func (c *Collector) RecordSnapshot(s types.MetricSnapshot) {
	c.memoryUsage.Set(s.Memory.SystemUsedRatio)
	c.cpuUsage.Set(s.CPU.UsageRatio)
	c.heapUsage.Set(s.Memory.ProcessHeapRatio)
}

// ObserveStatus updates the posture, pool and queue gauges
func (c *Collector) ObserveStatus(st orchestrator.Status, workers, activeTasks int) {
	c.setState(st.State)
	c.throttleRate.Set(st.ThrottleRate)
	if st.CircuitBreakerOpen {
		c.breakerOpen.Set(1)
	} else {
		c.breakerOpen.Set(0)
	}

	c.workers.Set(float64(workers))
	c.activeTasks.Set(float64(activeTasks))

	c.queueDepth.WithLabelValues("high").Set(float64(st.QueueStatus.High))
	c.queueDepth.WithLabelValues("medium").Set(float64(st.QueueStatus.Medium))
	c.queueDepth.WithLabelValues("low").Set(float64(st.QueueStatus.Low))
	c.queueDepth.WithLabelValues("delayed").Set(float64(st.QueueStatus.Delayed))
}

func (c *Collector) setState(current types.BackpressureState) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		c.state.WithLabelValues(string(s)).Set(v)
	}
}

// Handler serves the metrics gathered by g; nil means prometheus.DefaultGatherer
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on port until ctx is cancelled
func StartServer(ctx context.Context, port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
