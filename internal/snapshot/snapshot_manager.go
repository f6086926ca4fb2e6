package snapshot

// ============================================================================
// Status snapshot manager
// 1. Serializes the controller's status view to a JSON document
// 2. Writes atomically (temp file + rename) so readers never see a torn file
// 3. Checks the schema version on load
// 4. Backs the `status` command, which reads what `run` last wrote
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// SchemaVersion version written into every document
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// Document on-disk envelope. Status holds the caller's encoded value.
type Document struct {
	SchemaVer int             `json:"schema_version"`
	WrittenAt time.Time       `json:"written_at"`
	Status    json.RawMessage `json:"status"`
}

// Manager status snapshot manager
type Manager struct {
	fs   afero.Fs
	path string
	mu   sync.Mutex // serializes writers
	now  func() time.Time
}

// NewManager creates a Manager writing to path on fs; nil fs means the OS filesystem
func NewManager(fs afero.Fs, path string) *Manager {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Manager{fs: fs, path: path, now: time.Now}
}

// Write atomically replaces the snapshot with status
func (m *Manager) Write(status any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(status)
}

func (m *Manager) writeLocked(status any) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	// indented so the file can be read by hand
	data, err := json.MarshalIndent(Document{
		SchemaVer: SchemaVersion,
		WrittenAt: m.now(),
		Status:    raw,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "." {
		if err := m.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := afero.WriteFile(m.fs, tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := m.fs.Rename(tmpPath, m.path); err != nil {
		m.fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot and decodes its status into out (a pointer).
// Returns ErrSnapshotNotFound when nothing has been written yet.
func (m *Manager) Load(out any) (Document, error) {
	var doc Document

	data, err := afero.ReadFile(m.fs, m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, ErrSnapshotNotFound
		}
		return doc, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if doc.SchemaVer != SchemaVersion {
		return doc, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, doc.SchemaVer, SchemaVersion)
	}
	if out != nil && len(doc.Status) > 0 {
		if err := json.Unmarshal(doc.Status, out); err != nil {
			return doc, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
		}
	}
	return doc, nil
}

// Exists reports whether a snapshot file is present
func (m *Manager) Exists() bool {
	_, err := m.fs.Stat(m.path)
	return err == nil
}

// GetPath snapshot file path
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup moves the current snapshot aside as path.<timestamp>,
// writes status, and keeps at most keepBackups of the newest backups.
func (m *Manager) WriteWithBackup(status any, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Exists() {
		backupPath := fmt.Sprintf("%s.%s", m.path, m.now().Format("20060102_150405.000000000"))
		if err := m.fs.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}

	if err := m.writeLocked(status); err != nil {
		return err
	}
	return m.pruneBackups(keepBackups)
}

// Backups existing backup paths, oldest first
func (m *Manager) Backups() ([]string, error) {
	dir := filepath.Dir(m.path)
	prefix := filepath.Base(m.path) + "."

	entries, err := afero.ReadDir(m.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot directory: %w", err)
	}

	var backups []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || strings.HasSuffix(name, ".tmp") {
			continue
		}
		backups = append(backups, filepath.Join(dir, name))
	}
	// timestamp suffix sorts chronologically
	sort.Strings(backups)
	return backups, nil
}

func (m *Manager) pruneBackups(keep int) error {
	if keep < 0 {
		keep = 0
	}
	backups, err := m.Backups()
	if err != nil {
		return err
	}
	for len(backups) > keep {
		if err := m.fs.Remove(backups[0]); err != nil {
			return fmt.Errorf("failed to remove old backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}
