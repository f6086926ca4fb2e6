// ============================================================================
// Beaver-Flow CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and inspecting the
//          resource-management core
//
// Command Structure:
//   beaver-flow                    # Root command
//   ├── run                        # Start the system
//   │   └── --duration            # Stop after a fixed time (0 = until signal)
//   ├── admit                      # Evaluate a batch of requests
//   │   ├── --file, -f            # Request JSON file
//   │   └── --memory, --cpu       # Simulated load instead of host sampling
//   ├── process                    # Chunked SHA-256 of a file
//   │   ├── --file, -f            # Input file
//   │   ├── --output, -o          # Optional merged copy of the input
//   │   └── --chunk-size          # Bytes per chunk
//   ├── status                     # Render the last status snapshot
//   │   └── --health              # Probe a running health server instead
//   ├── events                     # Dump the posture journal
//   │   └── --stats               # Summary instead of every record
//   └── --config, -c               # Config file (default configs/default.yaml)
//
// run Command:
//   1. Load config
//   2. Create and initialize the Controller
//   3. Start the metrics HTTP server and gRPC health server (if enabled)
//   4. Wait for SIGINT / SIGTERM (or --duration)
//   5. Shut down gracefully (final status snapshot included)
//
// admit Command:
//   JSON format:
//   [
//     {"type": "read", "size": 1024, "submitter": "alice", "age_ms": 0}
//   ]
//   Prints every decision and the processed/throttled/rejected tally.
//
// Examples:
//   ./beaver-flow run -c configs/default.yaml
//   ./beaver-flow admit -f requests.json --memory 0.85
//   ./beaver-flow process -f big.bin --chunk-size 4194304
//   ./beaver-flow status
//   ./beaver-flow status --health localhost:50051
//   ./beaver-flow events --stats
//
// ============================================================================

package cli

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/beaver-flow/internal/chunk"
	"github.com/ChuLiYu/beaver-flow/internal/config"
	"github.com/ChuLiYu/beaver-flow/internal/controller"
	"github.com/ChuLiYu/beaver-flow/internal/journal"
	"github.com/ChuLiYu/beaver-flow/internal/metrics"
	"github.com/ChuLiYu/beaver-flow/internal/monitor"
	"github.com/ChuLiYu/beaver-flow/internal/server"
	"github.com/ChuLiYu/beaver-flow/internal/snapshot"
	"github.com/ChuLiYu/beaver-flow/pkg/types"
	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

var configFile string

// BuildCLI builds the root command
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver-flow",
		Short: "Beaver-Flow: adaptive resource management for file processing",
		Long: `Beaver-Flow decides how much work a file-processing backend may accept:
- load sampling and trend prediction
- priority-aware admission and three-tier scheduling
- circuit breaking under critical load
- a self-scaling worker pool and chunked processing`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildAdmitCommand())
	rootCmd.AddCommand(buildProcessCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildEventsCommand())

	return rootCmd
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == "configs/default.yaml" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the Beaver-Flow system",
		Long:  "Start sampling, admission, scheduling and the worker pool until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			return runSystem(ctx, cfg, controller.Options{})
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until a signal)")
	return cmd
}

// runSystem runs the controller and its servers until ctx is done
func runSystem(ctx context.Context, cfg *config.Config, opts controller.Options) error {
	if cfg.Metrics.Enabled && opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}

	ctrl, err := controller.New(cfg, opts)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	defer ctrl.Shutdown()

	log.Printf("Starting Beaver-Flow with config: %s\n", configFile)
	log.Printf("Workers: %d-%d (initial %d), sample every %s\n",
		cfg.Pool.MinWorkers, cfg.Pool.MaxWorkers, cfg.Pool.InitialWorkers, cfg.Monitor.SampleInterval)

	if err := ctrl.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize controller: %w", err)
	}

	var wg sync.WaitGroup
	serveCtx, cancelServe := context.WithCancel(ctx)
	defer func() {
		cancelServe()
		wg.Wait()
	}()

	if cfg.Metrics.Enabled {
		gatherer, _ := opts.Registerer.(prometheus.Gatherer)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("Starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := metrics.StartServer(serveCtx, cfg.Metrics.Port, gatherer); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	if cfg.Health.Enabled {
		health := server.NewHealthServer(ctrl.Orchestrator(), ctrl.Bus())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := health.ListenAndServe(serveCtx, cfg.Health.Port); err != nil {
				log.Printf("Health server error: %v\n", err)
			}
		}()
	}

	log.Println("System started successfully")
	<-ctx.Done()
	log.Println("Received shutdown signal, stopping gracefully...")

	ctrl.Shutdown()
	log.Println("System stopped. Goodbye!")
	return nil
}

// ============================================================================
// admit
// ============================================================================

// requestInput one request in an admit file
type requestInput struct {
	Type      types.OperationType `json:"type"`
	Size      int64               `json:"size"`
	Submitter string              `json:"submitter"`
	AgeMs     int64               `json:"age_ms"`
}

// admitSummary tally printed at the end of admit
type admitSummary struct {
	State     types.BackpressureState
	Rate      float64
	Processed int
	Throttled int
	Rejected  int
}

func buildAdmitCommand() *cobra.Command {
	var file string
	var memory, cpu float64

	cmd := &cobra.Command{
		Use:   "admit",
		Short: "Evaluate a batch of requests against the current load",
		Long:  "Read request definitions from a JSON file and print the admission decision for each",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			var sampler monitor.Sampler
			if cmd.Flags().Changed("memory") || cmd.Flags().Changed("cpu") {
				sampler = monitor.NewScriptedSampler(monitor.Ratios(memory, cpu, 0))
			}
			_, err = admitRequests(cmd.Context(), cfg, sampler, file, cmd.OutOrStdout())
			return err
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file containing request definitions")
	cmd.Flags().Float64Var(&memory, "memory", 0.5, "simulated memory used ratio")
	cmd.Flags().Float64Var(&cpu, "cpu", 0.3, "simulated cpu usage ratio")
	cmd.MarkFlagRequired("file")

	return cmd
}

func admitRequests(ctx context.Context, cfg *config.Config, sampler monitor.Sampler, path string, out io.Writer) (admitSummary, error) {
	var summary admitSummary

	data, err := os.ReadFile(path)
	if err != nil {
		return summary, fmt.Errorf("failed to read request file: %w", err)
	}
	var inputs []requestInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return summary, fmt.Errorf("failed to parse request file: %w", err)
	}

	cfg.Status.Path = ""
	cfg.Journal.Path = ""
	ctrl, err := controller.New(cfg, controller.Options{Sampler: sampler})
	if err != nil {
		return summary, fmt.Errorf("failed to create controller: %w", err)
	}
	defer ctrl.Shutdown()

	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := ctrl.Monitor().SampleOnce(ctx); err != nil {
		return summary, fmt.Errorf("failed to sample load: %w", err)
	}

	now := time.Now()
	for i, in := range inputs {
		req := types.Request{
			Type:        in.Type,
			Size:        in.Size,
			Submitter:   in.Submitter,
			SubmittedAt: now.Add(-time.Duration(in.AgeMs) * time.Millisecond),
		}
		d := ctrl.CanProcessRequest(req)
		switch {
		case d.Allowed:
			summary.Processed++
		case d.Throttled:
			summary.Throttled++
		default:
			summary.Rejected++
		}
		fmt.Fprintf(out, "%3d  %-10s %10d  priority=%.2f  %s\n",
			i+1, req.Type, req.Size, ctrl.Orchestrator().Priority(req), renderDecision(d))
	}

	st := ctrl.GetStatus()
	summary.State = st.State
	summary.Rate = st.ThrottleRate

	fmt.Fprintln(out)
	fmt.Fprintf(out, "state %s  throttle %.2f  processed %d  throttled %d  rejected %d\n",
		renderState(summary.State), summary.Rate, summary.Processed, summary.Throttled, summary.Rejected)
	return summary, nil
}

// ============================================================================
// process
// ============================================================================

func buildProcessCommand() *cobra.Command {
	var file, output string
	var chunkSize int64

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Hash a file in pressure-aware chunks",
		Long:  "Split a file into chunks, hash each one under the current backpressure and print the combined digest",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg.Status.Path = ""
			cfg.Journal.Path = ""
			_, err = processFile(cmd.Context(), cfg, controller.Options{}, afero.NewOsFs(), file, output, chunkSize, cmd.OutOrStdout())
			return err
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "input file")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write a merged copy of the processed chunks here")
	cmd.Flags().Int64Var(&chunkSize, "chunk-size", 0, "bytes per chunk (0 uses chunk.default_size)")
	cmd.MarkFlagRequired("file")

	return cmd
}

// processFile hashes path chunk by chunk. The returned digest is the
// SHA-256 of the per-chunk digests in chunk order.
func processFile(ctx context.Context, cfg *config.Config, opts controller.Options, fs afero.Fs, path, output string, chunkSize int64, out io.Writer) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctrl, err := controller.New(cfg, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create controller: %w", err)
	}
	defer ctrl.Shutdown()
	if err := ctrl.Initialize(ctx); err != nil {
		return "", fmt.Errorf("failed to initialize controller: %w", err)
	}

	var mu sync.Mutex
	digests := make(map[int][]byte)

	chunkOpts := chunk.Options{
		ChunkSize: chunkSize,
		Handler: func(_ context.Context, c types.Chunk, data []byte) ([]byte, error) {
			sum := sha256.Sum256(data)
			mu.Lock()
			digests[c.ID] = sum[:]
			mu.Unlock()
			return data, nil
		},
		OnProgress: func(p chunk.Progress) {
			log.Printf("%s: %d/%d chunks (%.0f%%)\n", p.JobID, p.CompletedChunks+p.FailedChunks, p.TotalChunks, p.Percent())
		},
	}

	if output != "" {
		f, err := fs.Create(output)
		if err != nil {
			return "", fmt.Errorf("failed to create output: %w", err)
		}
		defer f.Close()
		chunkOpts.Output = f
	}

	res, err := ctrl.ProcessFile(ctx, fs, path, chunkOpts)
	if err != nil {
		return "", fmt.Errorf("failed to process %s: %w", path, err)
	}
	if !res.Success {
		return "", fmt.Errorf("job %s: %d of %d chunks failed", res.JobID, res.FailedChunks, res.TotalChunks)
	}

	root := sha256.New()
	for i := 0; i < res.TotalChunks; i++ {
		root.Write(digests[i])
	}
	digest := hex.EncodeToString(root.Sum(nil))

	fmt.Fprintf(out, "job        %s\n", res.JobID)
	fmt.Fprintf(out, "chunks     %d\n", res.TotalChunks)
	fmt.Fprintf(out, "bytes      %d\n", res.BytesProcessed)
	fmt.Fprintf(out, "elapsed    %s\n", res.ProcessingTime.Truncate(time.Millisecond))
	fmt.Fprintf(out, "throughput %.1f MiB/s\n", res.Throughput/(1<<20))
	fmt.Fprintf(out, "digest     %s\n", digest)
	return digest, nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var healthAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Render the status snapshot written by a running system, or probe its health server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if healthAddr != "" {
				return probeHealth(cmd.Context(), healthAddr, cmd.OutOrStdout())
			}
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(snapshot.NewManager(nil, cfg.Status.Path), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&healthAddr, "health", "", "health server address (e.g. localhost:50051)")
	return cmd
}

func probeHealth(ctx context.Context, addr string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	status, err := server.Check(ctx, addr, server.ServiceName)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", addr, status.String())
	return nil
}

func showStatus(mgr *snapshot.Manager, out io.Writer) error {
	var st controller.Status
	doc, err := mgr.Load(&st)
	if errors.Is(err, snapshot.ErrSnapshotNotFound) {
		fmt.Fprintf(out, "No status at %s (run 'beaver-flow run' to start)\n", mgr.GetPath())
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load status: %w", err)
	}

	fmt.Fprintln(out, renderStatus(st, doc.WrittenAt))
	if backups, err := mgr.Backups(); err == nil && len(backups) > 0 {
		fmt.Fprintln(out, row("Backups", fmt.Sprintf("%d (oldest %s)", len(backups), filepath.Base(backups[0]))))
	}
	return nil
}

// ============================================================================
// events
// ============================================================================

func buildEventsCommand() *cobra.Command {
	var stats bool

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the posture journal",
		Long:  "Replay the journal of state changes, breaches, worker faults, failed jobs and scaling",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Journal.Path == "" {
				return errors.New("journal is disabled (journal.path is empty)")
			}
			return showEvents(afero.NewOsFs(), cfg.Journal.Path, stats, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&stats, "stats", false, "print a summary instead of every record")
	return cmd
}

func showEvents(fs afero.Fs, path string, stats bool, out io.Writer) error {
	if !stats {
		return journal.Dump(fs, path, out)
	}

	st, err := journal.GetStats(fs, path)
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	if st.Records == 0 {
		fmt.Fprintf(out, "No records in %s\n", path)
		return nil
	}

	fmt.Fprintln(out, titleStyle.Render("Beaver-Flow Journal"))
	fmt.Fprintln(out, row("Records", fmt.Sprintf("%d (seq %d-%d)", st.Records, st.FirstSeq, st.LastSeq)))
	fmt.Fprintln(out, row("Segments", st.Segments))
	fmt.Fprintln(out, row("Span", fmt.Sprintf("%s to %s", st.First.Format(time.RFC3339), st.Last.Format(time.RFC3339))))

	recordTypes := make([]string, 0, len(st.ByType))
	for t := range st.ByType {
		recordTypes = append(recordTypes, t)
	}
	sort.Strings(recordTypes)
	for _, t := range recordTypes {
		fmt.Fprintln(out, row(t, st.ByType[t]))
	}
	return nil
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Border(lipgloss.RoundedBorder())
	sectionStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	labelStyle   = lipgloss.NewStyle().Faint(true).Width(18)

	stateStyles = map[types.BackpressureState]lipgloss.Style{
		types.StateNormal:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2")),
		types.StateThrottled: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
		types.StateCritical:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
	}
)

func renderState(s types.BackpressureState) string {
	style, ok := stateStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}

func renderDecision(d types.AdmissionDecision) string {
	switch {
	case d.Allowed:
		return stateStyles[types.StateNormal].Render(d.Reason)
	case d.Throttled:
		return stateStyles[types.StateThrottled].Render(fmt.Sprintf("%s (retry in %s)", d.Reason, d.Delay))
	default:
		return stateStyles[types.StateCritical].Render(fmt.Sprintf("%s (wait %s)", d.Reason, d.EstimatedWaitTime))
	}
}

func row(label string, value any) string {
	return labelStyle.Render(label) + fmt.Sprint(value)
}

// renderStatus formats a status snapshot for the terminal
func renderStatus(st controller.Status, writtenAt time.Time) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Beaver-Flow System Status"))
	b.WriteString("\n\n")

	b.WriteString(sectionStyle.Render("Backpressure") + "\n")
	b.WriteString(row("State", renderState(st.State)) + "\n")
	b.WriteString(row("Throttle rate", fmt.Sprintf("%.2f", st.ThrottleRate)) + "\n")
	b.WriteString(row("Circuit breaker", st.CircuitBreakerState) + "\n")
	b.WriteString(row("Blocking", st.BlockingRequests) + "\n")
	if st.SystemLoad != nil {
		b.WriteString(row("Memory", fmt.Sprintf("%.1f%%", st.SystemLoad.Memory.SystemUsedRatio*100)) + "\n")
		b.WriteString(row("CPU", fmt.Sprintf("%.1f%%", st.SystemLoad.CPU.UsageRatio*100)) + "\n")
		b.WriteString(row("Heap", fmt.Sprintf("%.1f%%", st.SystemLoad.Memory.ProcessHeapRatio*100)) + "\n")
	}
	b.WriteString(row("Prediction", st.Predictions.Recommendation) + "\n")
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render("Admission") + "\n")
	b.WriteString(row("Processed", st.Metrics.RequestsProcessed) + "\n")
	b.WriteString(row("Throttled", st.Metrics.RequestsThrottled) + "\n")
	b.WriteString(row("Rejected", st.Metrics.RequestsRejected) + "\n")
	b.WriteString(row("State changes", st.Metrics.StateChanges) + "\n")
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render("Execution") + "\n")
	b.WriteString(row("Workers", fmt.Sprintf("%d (%d active tasks)", st.PoolSize, st.ActiveTasks)) + "\n")
	b.WriteString(row("Queue", fmt.Sprintf("high %d  medium %d  low %d  delayed %d",
		st.QueueStatus.High, st.QueueStatus.Medium, st.QueueStatus.Low, st.QueueStatus.Delayed)) + "\n")
	b.WriteString(row("Tasks", fmt.Sprintf("submitted %d  completed %d  failed %d  shed %d",
		st.Tasks.Submitted, st.Tasks.Completed, st.Tasks.Failed, st.Tasks.Shed)) + "\n")
	b.WriteString(row("Chunk jobs", fmt.Sprintf("running %d  completed %d  failed %d  cancelled %d",
		st.Jobs["running"], st.Jobs["completed"], st.Jobs["failed"], st.Jobs["cancelled"])) + "\n")
	if len(st.RunningJobs) > 0 {
		b.WriteString(row("In progress", strings.Join(st.RunningJobs, ", ")) + "\n")
	}
	b.WriteString(row("Loops", fmt.Sprintf("monitor %d  scaler %d", st.Loops.Monitor, st.Loops.Scaler)) + "\n")
	b.WriteString("\n")

	b.WriteString(row("Uptime", st.Uptime) + "\n")
	b.WriteString(row("Written", writtenAt.Format(time.RFC3339)))
	return b.String()
}
