package journal

import (
	"github.com/ChuLiYu/beaver-flow/internal/event"
	"github.com/ChuLiYu/beaver-flow/pkg/types"
)

// StateChange payload of a state_change record
type StateChange struct {
	From   types.BackpressureState `json:"from"`
	To     types.BackpressureState `json:"to"`
	Memory float64                 `json:"memory"`
	CPU    float64                 `json:"cpu"`
	Heap   float64                 `json:"heap"`
}

// Breach payload of critical_breach and warning_breach records
type Breach struct {
	Metric       types.MetricName `json:"metric"`
	Value        float64          `json:"value"`
	Threshold    float64          `json:"threshold"`
	ThrottleRate float64          `json:"throttle_rate"`
}

// WorkerFault payload of a worker_fault record
type WorkerFault struct {
	Worker string `json:"worker"`
	Error  string `json:"error,omitempty"`
}

// JobFailed payload of a job_failed record
type JobFailed struct {
	Job       string `json:"job"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// Scale payload of a scale record
type Scale struct {
	From   int    `json:"from"`
	To     int    `json:"to"`
	Reason string `json:"reason"`
}

// Attach records posture events published on bus until Detach or Close
func (j *Journal) Attach(bus *event.Bus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if bus == nil || j.bus != nil {
		return
	}
	j.bus = bus

	for _, t := range []string{
		event.TypeStateChange,
		event.TypeCriticalBreach,
		event.TypeWarningBreach,
		event.TypeWorkerFault,
		event.TypeJobFailed,
		event.TypeScale,
	} {
		j.subscriptions = append(j.subscriptions, bus.Subscribe(t, j.record))
	}
}

// Detach drops the bus subscriptions
func (j *Journal) Detach() {
	j.mu.Lock()
	bus, subs := j.bus, j.subscriptions
	j.bus, j.subscriptions = nil, nil
	j.mu.Unlock()

	for _, id := range subs {
		bus.Unsubscribe(id)
	}
}

func (j *Journal) record(e event.Event) {
	payload, ok := Payload(e)
	if !ok {
		return
	}
	if err := j.Append(e.EventType(), payload); err != nil {
		log.Error("Failed to journal event", "type", e.EventType(), "error", err)
	}
}

// Payload converts a bus event into its journal payload. Events that are
// not journaled return false.
func Payload(e event.Event) (any, bool) {
	switch ev := e.(type) {
	case event.StateChangeEvent:
		return StateChange{
			From:   ev.Old,
			To:     ev.New,
			Memory: ev.Snapshot.Memory.SystemUsedRatio,
			CPU:    ev.Snapshot.CPU.UsageRatio,
			Heap:   ev.Snapshot.Memory.ProcessHeapRatio,
		}, true
	case event.BreachHandledEvent:
		return Breach{
			Metric:       ev.Breach.Metric,
			Value:        ev.Breach.Value,
			Threshold:    ev.Breach.Threshold,
			ThrottleRate: ev.ThrottleRate,
		}, true
	case event.WorkerFaultEvent:
		return WorkerFault{Worker: ev.WorkerID, Error: errString(ev.Err)}, true
	case event.JobFailedEvent:
		return JobFailed{
			Job:       ev.JobID,
			Completed: ev.CompletedChunks,
			Failed:    ev.FailedChunks,
			Error:     errString(ev.Err),
		}, true
	case event.ScaleEvent:
		return Scale{From: ev.From, To: ev.To, Reason: ev.Reason}, true
	}
	return nil, false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
