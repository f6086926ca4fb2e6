package cli

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-flow/internal/config"
	"github.com/ChuLiYu/beaver-flow/internal/controller"
	"github.com/ChuLiYu/beaver-flow/internal/event"
	"github.com/ChuLiYu/beaver-flow/internal/journal"
	"github.com/ChuLiYu/beaver-flow/internal/monitor"
	"github.com/ChuLiYu/beaver-flow/internal/orchestrator"
	"github.com/ChuLiYu/beaver-flow/internal/server"
	"github.com/ChuLiYu/beaver-flow/internal/snapshot"
	"github.com/ChuLiYu/beaver-flow/pkg/types"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd)
	assert.Equal(t, "beaver-flow", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Use] = true
	}
	assert.Len(t, commandNames, 5)
	for _, name := range []string{"run", "admit", "process", "status", "events"} {
		assert.True(t, commandNames[name], "missing %q command", name)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.RunE)
	assert.NotNil(t, cmd.Flags().Lookup("duration"))
}

func TestBuildAdmitCommand(t *testing.T) {
	cmd := buildAdmitCommand()

	assert.Equal(t, "admit", cmd.Use)
	fileFlag := cmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag)
	assert.Equal(t, "f", fileFlag.Shorthand)
	assert.NotNil(t, cmd.Flags().Lookup("memory"))
	assert.NotNil(t, cmd.Flags().Lookup("cpu"))
}

func TestBuildProcessCommand(t *testing.T) {
	cmd := buildProcessCommand()

	assert.Equal(t, "process", cmd.Use)
	assert.Equal(t, "f", cmd.Flags().Lookup("file").Shorthand)
	assert.Equal(t, "o", cmd.Flags().Lookup("output").Shorthand)
	assert.Equal(t, "0", cmd.Flags().Lookup("chunk-size").DefValue)
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()

	assert.Equal(t, "status", cmd.Use)
	assert.NotNil(t, cmd.Flags().Lookup("health"))
}

func TestLoadConfig(t *testing.T) {
	// the default path is relative to the working directory and absent here
	cfg, err := loadConfig("configs/default.yaml")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  max_workers: 8\n"), 0644))
	cfg, err = loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Pool.MaxWorkers)
}

func writeRequests(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "requests.json")
	data := `[
		{"type": "read", "size": 1024, "submitter": "alice"},
		{"type": "upload", "size": 104857600, "submitter": "bob", "age_ms": 2000},
		{"type": "search", "size": 0}
	]`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	return path
}

func TestAdmitRequestsUnderNormalLoad(t *testing.T) {
	var out bytes.Buffer
	summary, err := admitRequests(context.Background(), config.Default(),
		monitor.NewScriptedSampler(monitor.Ratios(0.5, 0.3, 0.1)), writeRequests(t), &out)
	require.NoError(t, err)

	assert.Equal(t, types.StateNormal, summary.State)
	assert.Equal(t, 3, summary.Processed)
	assert.Zero(t, summary.Throttled)
	assert.Zero(t, summary.Rejected)
	assert.Contains(t, out.String(), "processed 3")
}

func TestAdmitRequestsUnderCriticalLoad(t *testing.T) {
	var out bytes.Buffer
	summary, err := admitRequests(context.Background(), config.Default(),
		monitor.NewScriptedSampler(monitor.Ratios(0.95, 0.3, 0.1)), writeRequests(t), &out)
	require.NoError(t, err)

	assert.Equal(t, types.StateCritical, summary.State)
	assert.Equal(t, 0.9, summary.Rate)
	assert.Equal(t, 3, summary.Rejected)
	assert.Zero(t, summary.Processed)
}

func TestAdmitRequestsBadInput(t *testing.T) {
	var out bytes.Buffer
	_, err := admitRequests(context.Background(), config.Default(), nil, filepath.Join(t.TempDir(), "none.json"), &out)
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	_, err = admitRequests(context.Background(), config.Default(), nil, path, &out)
	assert.Error(t, err)
}

func TestProcessFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	input := bytes.Repeat([]byte("beaver-flow "), 1000) // 12000 bytes
	require.NoError(t, afero.WriteFile(fs, "/in.bin", input, 0644))

	cfg := config.Default()
	cfg.Status.Path = ""
	cfg.Journal.Path = ""
	cfg.Monitor.SampleInterval = time.Hour
	cfg.Pool.ScaleInterval = time.Hour

	var out bytes.Buffer
	digest, err := processFile(context.Background(), cfg,
		controller.Options{Sampler: monitor.NewScriptedSampler(monitor.Ratios(0.4, 0.2, 0.1))},
		fs, "/in.bin", "/out.bin", 1000, &out)
	require.NoError(t, err)

	root := sha256.New()
	for off := 0; off < len(input); off += 1000 {
		sum := sha256.Sum256(input[off : off+1000])
		root.Write(sum[:])
	}
	assert.Equal(t, hex.EncodeToString(root.Sum(nil)), digest)
	assert.Contains(t, out.String(), "chunks     12")

	merged, err := afero.ReadFile(fs, "/out.bin")
	require.NoError(t, err)
	assert.Equal(t, input, merged)
}

func TestProcessFileMissingInput(t *testing.T) {
	cfg := config.Default()
	cfg.Status.Path = ""
	cfg.Journal.Path = ""

	var out bytes.Buffer
	_, err := processFile(context.Background(), cfg,
		controller.Options{Sampler: monitor.NewScriptedSampler(monitor.Ratios(0.4, 0.2, 0.1))},
		afero.NewMemMapFs(), "/nope.bin", "", 0, &out)
	assert.Error(t, err)
}

func TestShowStatus(t *testing.T) {
	fs := afero.NewMemMapFs()
	mgr := snapshot.NewManager(fs, "/data/status.json")

	var out bytes.Buffer
	require.NoError(t, showStatus(mgr, &out))
	assert.Contains(t, out.String(), "No status")

	st := controller.Status{
		Status: orchestrator.Status{
			State:        types.StateThrottled,
			ThrottleRate: 0.75,
		},
		PoolSize:    3,
		Uptime:      "1m0s",
		Tasks:       controller.TaskCounts{Submitted: 10, Completed: 9, Failed: 1},
		Jobs:        map[string]int{"completed": 2, "running": 1},
		RunningJobs: []string{"job-7"},
		Loops:       controller.LoopCounts{Monitor: 1, Scaler: 1},
	}
	require.NoError(t, mgr.Write(st))

	out.Reset()
	require.NoError(t, showStatus(mgr, &out))
	text := out.String()
	assert.Contains(t, text, "Beaver-Flow System Status")
	assert.Contains(t, text, "throttled")
	assert.Contains(t, text, "0.75")
	assert.Contains(t, text, "submitted 10")
	assert.Contains(t, text, "completed 2")
	assert.Contains(t, text, "job-7")
	assert.Contains(t, text, "monitor 1  scaler 1")
}

func TestShowStatusReportsBackups(t *testing.T) {
	fs := afero.NewMemMapFs()
	mgr := snapshot.NewManager(fs, "/data/status.json")
	for i := 0; i < 3; i++ {
		require.NoError(t, mgr.WriteWithBackup(controller.Status{PoolSize: i}, 2))
	}

	var out bytes.Buffer
	require.NoError(t, showStatus(mgr, &out))
	assert.Contains(t, out.String(), "Backups")
	assert.Contains(t, out.String(), "2 (oldest status.json.")
}

func TestShowStatusCorrupted(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/status.json", []byte("garbage"), 0644))

	var out bytes.Buffer
	assert.ErrorIs(t, showStatus(snapshot.NewManager(fs, "/status.json"), &out), snapshot.ErrCorruptedSnapshot)
}

func TestRenderStatusIncludesLoad(t *testing.T) {
	load := types.MetricSnapshot{
		Memory: types.MemoryMetrics{SystemUsedRatio: 0.42},
		CPU:    types.CPUMetrics{UsageRatio: 0.1},
	}
	text := renderStatus(controller.Status{
		Status: orchestrator.Status{State: types.StateNormal, SystemLoad: &load},
	}, time.Now())

	assert.Contains(t, text, "42.0%")
	assert.Contains(t, text, "10.0%")
}

func TestProbeHealth(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	health := server.NewHealthServer(nil, nil)
	done := make(chan error, 1)
	go func() { done <- health.Serve(lis) }()
	t.Cleanup(func() {
		health.Stop()
		<-done
	})

	var out bytes.Buffer
	require.NoError(t, probeHealth(context.Background(), lis.Addr().String(), &out))
	assert.Contains(t, out.String(), "SERVING")
}

func TestShowEvents(t *testing.T) {
	fs := afero.NewMemMapFs()

	var out bytes.Buffer
	require.NoError(t, showEvents(fs, "/journal.log", true, &out))
	assert.Contains(t, out.String(), "No records")

	j, err := journal.Open(fs, journal.Config{Path: "/journal.log", BufferSize: 1})
	require.NoError(t, err)
	require.NoError(t, j.Append(event.TypeStateChange, journal.StateChange{From: types.StateNormal, To: types.StateCritical}))
	require.NoError(t, j.Append(event.TypeScale, journal.Scale{From: 2, To: 3, Reason: "load"}))
	require.NoError(t, j.Close())

	out.Reset()
	require.NoError(t, showEvents(fs, "/journal.log", false, &out))
	assert.Contains(t, out.String(), "state_change")
	assert.Contains(t, out.String(), `"to":"critical"`)

	out.Reset()
	require.NoError(t, showEvents(fs, "/journal.log", true, &out))
	assert.Contains(t, out.String(), "seq 1-2")
	assert.Contains(t, out.String(), "scale")
}
