package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ChuLiYu/beaver-flow/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

func assertJobStatus(t *testing.T, jm *JobManager, id string, want types.JobStatus) {
	t.Helper()
	state, ok := jm.Get(id)
	if !ok {
		t.Errorf("job %s not found", id)
		return
	}
	if state.Status != want {
		t.Errorf("job %s status: got %s, want %s", id, state.Status, want)
	}
}

func ok(id int, bytes int64) types.ChunkResult {
	return types.ChunkResult{ChunkID: id, Success: true, Bytes: bytes}
}

func failed(id int) types.ChunkResult {
	return types.ChunkResult{ChunkID: id, Success: false, Error: "read failed"}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNewJobManager(t *testing.T) {
	jm := NewJobManager(0)

	if jm.retain != defaultRetain {
		t.Errorf("retain: got %d, want %d", jm.retain, defaultRetain)
	}
	for status, count := range jm.Stats() {
		if count != 0 {
			t.Errorf("stats[%s]: got %d, want 0", status, count)
		}
	}
}

func TestRegister(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*JobManager)
		id      string
		wantErr error
	}{
		{
			name:  "Register new job",
			setup: func(jm *JobManager) {},
			id:    "job-001",
		},
		{
			name:    "Duplicate ID error",
			setup:   func(jm *JobManager) { _ = jm.Register("job-001", 4, nil) },
			id:      "job-001",
			wantErr: ErrDuplicateJob,
		},
		{
			name: "Finished ID still reserved",
			setup: func(jm *JobManager) {
				_ = jm.Register("job-001", 1, nil)
				_, _ = jm.Finish("job-001")
			},
			id:      "job-001",
			wantErr: ErrDuplicateJob,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := NewJobManager(0)
			tt.setup(jm)

			err := jm.Register(tt.id, 4, nil)
			if tt.wantErr != nil {
				assertError(t, err, tt.wantErr)
				return
			}
			assertNoError(t, err)
			assertJobStatus(t, jm, tt.id, types.JobRunning)

			state, _ := jm.Get(tt.id)
			if state.TotalChunks != 4 {
				t.Errorf("total chunks: got %d, want 4", state.TotalChunks)
			}
			if state.StartTime.IsZero() {
				t.Error("start time not set")
			}
		})
	}
}

func TestRecordChunk(t *testing.T) {
	jm := NewJobManager(0)
	assertNoError(t, jm.Register("job-001", 3, nil))

	assertNoError(t, jm.RecordChunk("job-001", ok(0, 100)))
	assertNoError(t, jm.RecordChunk("job-001", failed(1)))
	assertNoError(t, jm.RecordChunk("job-001", types.ChunkResult{ChunkID: 2, Success: true, Bytes: 50, Output: []byte("x")}))

	state, _ := jm.Get("job-001")
	if state.CompletedChunks != 2 {
		t.Errorf("completed: got %d, want 2", state.CompletedChunks)
	}
	if state.FailedChunks != 1 {
		t.Errorf("failed: got %d, want 1", state.FailedChunks)
	}
	if state.BytesProcessed != 150 {
		t.Errorf("bytes: got %d, want 150", state.BytesProcessed)
	}
	for _, r := range state.Results {
		if r.Output != nil {
			t.Errorf("chunk %d output retained in registry", r.ChunkID)
		}
	}

	assertError(t, jm.RecordChunk("missing", ok(0, 1)), ErrJobNotFound)
}

func TestFinish(t *testing.T) {
	tests := []struct {
		name       string
		results    []types.ChunkResult
		wantStatus types.JobStatus
	}{
		{"All chunks succeed", []types.ChunkResult{ok(1, 10), ok(0, 10)}, types.JobCompleted},
		{"One chunk failed", []types.ChunkResult{ok(0, 10), failed(1)}, types.JobFailed},
		{"No chunks", nil, types.JobCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := NewJobManager(0)
			assertNoError(t, jm.Register("job-001", len(tt.results), nil))
			for _, r := range tt.results {
				assertNoError(t, jm.RecordChunk("job-001", r))
			}

			state, err := jm.Finish("job-001")
			assertNoError(t, err)
			if state.Status != tt.wantStatus {
				t.Errorf("status: got %s, want %s", state.Status, tt.wantStatus)
			}
			for i := 1; i < len(state.Results); i++ {
				if state.Results[i-1].ChunkID > state.Results[i].ChunkID {
					t.Errorf("results not ordered by chunk id: %v", state.Results)
				}
			}

			_, err = jm.Finish("job-001")
			assertError(t, err, ErrNotRunning)
			assertError(t, jm.RecordChunk("job-001", ok(9, 1)), ErrNotRunning)
		})
	}
}

func TestCancel(t *testing.T) {
	jm := NewJobManager(0)
	ctx, cancel := context.WithCancel(context.Background())
	assertNoError(t, jm.Register("job-001", 10, cancel))

	assertNoError(t, jm.Cancel("job-001"))
	if ctx.Err() == nil {
		t.Error("cancel func not invoked")
	}
	assertJobStatus(t, jm, "job-001", types.JobCancelled)

	assertError(t, jm.Cancel("job-001"), ErrNotRunning)
	assertError(t, jm.Cancel("job-404"), ErrJobNotFound)

	if _, err := jm.Finish("job-001"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("finish after cancel: got %v, want ErrNotRunning", err)
	}
}

func TestStatsAndRunning(t *testing.T) {
	jm := NewJobManager(0)
	for i := 0; i < 4; i++ {
		assertNoError(t, jm.Register(fmt.Sprintf("job-%03d", i), 1, nil))
	}
	assertNoError(t, jm.RecordChunk("job-001", failed(0)))
	_, _ = jm.Finish("job-000")
	_, _ = jm.Finish("job-001")
	_ = jm.Cancel("job-002")

	want := map[string]int{"running": 1, "completed": 1, "failed": 1, "cancelled": 1}
	stats := jm.Stats()
	for k, v := range want {
		if stats[k] != v {
			t.Errorf("stats[%s]: got %d, want %d", k, stats[k], v)
		}
	}

	running := jm.Running()
	if len(running) != 1 || running[0] != "job-003" {
		t.Errorf("running: got %v, want [job-003]", running)
	}
}

func TestRetentionEvictsOldestFinished(t *testing.T) {
	jm := NewJobManager(2)
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("job-%03d", i)
		assertNoError(t, jm.Register(id, 1, nil))
		_, _ = jm.Finish(id)
	}
	assertNoError(t, jm.Register("job-running", 1, nil))

	if _, ok := jm.Get("job-000"); ok {
		t.Error("job-000 should have been evicted")
	}
	if _, ok := jm.Get("job-003"); !ok {
		t.Error("job-003 should be retained")
	}
	if _, ok := jm.Get("job-running"); !ok {
		t.Error("running jobs are never evicted")
	}
	if got := len(jm.Snapshot()); got != 3 {
		t.Errorf("snapshot size: got %d, want 3", got)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	jm := NewJobManager(0)
	assertNoError(t, jm.Register("job-001", 1, nil))
	assertNoError(t, jm.RecordChunk("job-001", ok(0, 10)))

	state, _ := jm.Get("job-001")
	state.Results[0].Bytes = 999
	state.CompletedChunks = 42

	again, _ := jm.Get("job-001")
	if again.Results[0].Bytes != 10 || again.CompletedChunks != 1 {
		t.Errorf("registry state mutated through a copy: %+v", again)
	}
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentRecordChunk(t *testing.T) {
	jm := NewJobManager(0)
	const chunks = 200
	assertNoError(t, jm.Register("job-001", chunks, nil))

	var wg sync.WaitGroup
	for i := 0; i < chunks; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r := ok(id, 1)
			if id%10 == 0 {
				r = failed(id)
			}
			_ = jm.RecordChunk("job-001", r)
		}(i)
	}
	wg.Wait()

	state, err := jm.Finish("job-001")
	assertNoError(t, err)
	if state.CompletedChunks+state.FailedChunks != chunks {
		t.Errorf("chunks recorded: got %d, want %d", state.CompletedChunks+state.FailedChunks, chunks)
	}
	if state.FailedChunks != 20 {
		t.Errorf("failed: got %d, want 20", state.FailedChunks)
	}
	if state.Status != types.JobFailed {
		t.Errorf("status: got %s, want failed", state.Status)
	}
}

func BenchmarkRecordChunk(b *testing.B) {
	jm := NewJobManager(0)
	_ = jm.Register("job-bench", b.N, nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = jm.RecordChunk("job-bench", ok(i, 1))
	}
}
