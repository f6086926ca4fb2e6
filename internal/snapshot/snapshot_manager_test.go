package snapshot

// ============================================================================
// Snapshot manager tests
// Atomic write, load, version checks and backup rotation
// ============================================================================

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStatus struct {
	State        string  `json:"state"`
	ThrottleRate float64 `json:"throttle_rate"`
	Workers      int     `json:"workers"`
}

func newMemManager(t *testing.T) (*Manager, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	return NewManager(fs, "data/status.json"), fs
}

// stepClock returns a clock that advances one second per call
func stepClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func TestNewManager(t *testing.T) {
	manager := NewManager(nil, "test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	manager, _ := newMemManager(t)

	want := testStatus{State: "throttled", ThrottleRate: 0.5, Workers: 4}
	require.NoError(t, manager.Write(want))
	assert.True(t, manager.Exists())

	var got testStatus
	doc, err := manager.Load(&got)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, SchemaVersion, doc.SchemaVer)
	assert.False(t, doc.WrittenAt.IsZero())
}

func TestWriteOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "status.json")
	manager := NewManager(nil, path)

	require.NoError(t, manager.Write(testStatus{State: "normal"}))

	var got testStatus
	_, err := manager.Load(&got)
	require.NoError(t, err)
	assert.Equal(t, "normal", got.State)
}

func TestWriteLeavesNoTempFile(t *testing.T) {
	manager, fs := newMemManager(t)
	require.NoError(t, manager.Write(testStatus{State: "normal"}))

	exists, err := afero.Exists(fs, "data/status.json.tmp")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLoadMissing(t *testing.T) {
	manager, _ := newMemManager(t)

	_, err := manager.Load(&testStatus{})
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
	assert.False(t, manager.Exists())
}

func TestLoadCorrupted(t *testing.T) {
	manager, fs := newMemManager(t)
	require.NoError(t, afero.WriteFile(fs, "data/status.json", []byte("{not json"), 0o644))

	_, err := manager.Load(&testStatus{})
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestLoadIncompatibleVersion(t *testing.T) {
	manager, fs := newMemManager(t)
	data, err := json.Marshal(Document{SchemaVer: 99, Status: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "data/status.json", data, 0o644))

	_, err = manager.Load(&testStatus{})
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestLoadWithNilTarget(t *testing.T) {
	manager, _ := newMemManager(t)
	require.NoError(t, manager.Write(testStatus{State: "critical"}))

	doc, err := manager.Load(nil)
	require.NoError(t, err)
	assert.Contains(t, string(doc.Status), "critical")
}

func TestConcurrentWritesStayReadable(t *testing.T) {
	manager, _ := newMemManager(t)
	require.NoError(t, manager.Write(testStatus{Workers: 0}))

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, manager.Write(testStatus{Workers: n}))
		}(i)
		go func() {
			defer wg.Done()
			var got testStatus
			_, err := manager.Load(&got)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestWriteWithBackupRotates(t *testing.T) {
	manager, _ := newMemManager(t)
	manager.now = stepClock()

	for i := 0; i < 5; i++ {
		require.NoError(t, manager.WriteWithBackup(testStatus{Workers: i}, 2))
	}

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	var got testStatus
	_, err = manager.Load(&got)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Workers)
}

func TestWriteWithBackupZeroKeep(t *testing.T) {
	manager, _ := newMemManager(t)
	manager.now = stepClock()

	require.NoError(t, manager.WriteWithBackup(testStatus{Workers: 1}, 0))
	require.NoError(t, manager.WriteWithBackup(testStatus{Workers: 2}, 0))

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Empty(t, backups)
}
