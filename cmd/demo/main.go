package main

// Replays a memory ramp through the full stack and prints how the system
// responds on every tick.
//
//   go run ./cmd/demo            # ramp 0.50 -> 0.95 -> 0.50
//   go run ./cmd/demo -tick 1s   # slower ticks

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/beaver-flow/internal/config"
	"github.com/ChuLiYu/beaver-flow/internal/controller"
	"github.com/ChuLiYu/beaver-flow/internal/event"
	"github.com/ChuLiYu/beaver-flow/internal/monitor"
	"github.com/ChuLiYu/beaver-flow/pkg/types"
)

var ramp = []float64{0.50, 0.60, 0.70, 0.80, 0.85, 0.90, 0.95, 0.85, 0.70, 0.50}

func main() {
	tick := flag.Duration("tick", 500*time.Millisecond, "time between samples")
	requests := flag.Int("requests", 50, "requests evaluated per tick")
	flag.Parse()

	samples := make([]monitor.RawSample, len(ramp))
	for i, m := range ramp {
		samples[i] = monitor.Ratios(m, 0.3, 0.4)
	}

	cfg := config.Default()
	cfg.Monitor.SampleInterval = time.Hour // ticks are driven below
	cfg.Breaker.RecoveryTimeout = 2 * *tick
	cfg.Admission.BlockDuration = 2 * *tick
	cfg.Status.Path = ""
	cfg.Journal.Path = ""

	ctrl, err := controller.New(cfg, controller.Options{
		Sampler:      monitor.NewScriptedSampler(samples...),
		MemoryRelief: func() { fmt.Println("   ↳ memory relief requested") },
	})
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	first := make(chan struct{})
	var once sync.Once
	subID := ctrl.Bus().Subscribe(event.TypeSnapshot, func(event.Event) { once.Do(func() { close(first) }) })

	if err := ctrl.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize controller: %v", err)
	}
	defer ctrl.Shutdown()
	<-first
	ctrl.Bus().Unsubscribe(subID)

	fmt.Printf("%-6s %-10s %-8s %-9s %-10s %s\n", "memory", "state", "rate", "breaker", "admitted", "throttled/rejected")

	ticker := time.NewTicker(*tick)
	defer ticker.Stop()

	// Initialize already consumed the first sample
	for i := range ramp {
		if i > 0 {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted")
				return
			case <-ticker.C:
			}
			if _, err := ctrl.Monitor().SampleOnce(ctx); err != nil {
				log.Printf("sample failed: %v", err)
				continue
			}
		}

		admitted, throttled, rejected := 0, 0, 0
		for n := 0; n < *requests; n++ {
			req := types.Request{Type: types.OpRead, Size: int64(n) << 16, Submitter: "demo"}
			if n%5 == 0 {
				req.Type = types.OpUpload
			}
			sub, err := ctrl.Submit(ctx, req, func(context.Context) error {
				time.Sleep(5 * time.Millisecond)
				return nil
			})
			if err != nil {
				log.Printf("submit failed: %v", err)
				return
			}
			switch d := sub.Decision; {
			case d.Allowed:
				admitted++
			case d.Throttled:
				throttled++
			default:
				rejected++
			}
		}

		st := ctrl.GetStatus()
		fmt.Printf("%-6.2f %-10s %-8.2f %-9s %-10d %d/%d\n",
			ramp[i], st.State, st.ThrottleRate, st.CircuitBreakerState, admitted, throttled, rejected)
	}

	st := ctrl.GetStatus()
	fmt.Printf("\nstate changes %d, tasks submitted %d completed %d\n",
		st.Metrics.StateChanges, st.Tasks.Submitted, st.Tasks.Completed)
}
