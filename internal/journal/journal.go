// ============================================================================
// Beaver-Flow Journal - append-only record of posture changes
// ============================================================================
//
// Package: internal/journal
// File: journal.go
// Function: Persists the events that explain why the system behaved as it
//           did (state changes, handled breaches, worker faults, failed
//           chunk jobs, pool scaling) so they survive restarts and can be
//           replayed or dumped after an incident.
//
// Format:
//   One JSON object per line:
//     {"seq":12,"type":"state_change","time":"...","data":{...},"checksum":...}
//   seq increases by one per record across rotations. checksum is CRC32-IEEE
//   over seq, type and the raw data bytes.
//
// Write path:
//   Append ─▶ buffer ─┬─ buffer full / flush interval elapsed / urgent type
//                     └─▶ encode all, fsync
//   Once the active file passes MaxBytes it is sealed: renamed, compressed
//   to <path>.<timestamp>.lz4 and the oldest sealed segments beyond Keep
//   are removed.
//
// Urgent types (flushed immediately):
//   state_change, critical_breach
//
// ============================================================================

package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-flow/internal/event"
	"github.com/pierrec/lz4/v4"
	"github.com/spf13/afero"
)

var log = slog.Default()

var (
	// ErrChecksumMismatch a record does not match its checksum
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")
	// ErrCorrupted a line could not be decoded
	ErrCorrupted = errors.New("journal: corrupted record")
	// ErrClosed the journal was closed
	ErrClosed = errors.New("journal: already closed")
)

const segmentTimeFormat = "20060102_150405.000000000"

// Record one journal entry
type Record struct {
	Seq      uint64          `json:"seq"`
	Type     string          `json:"type"`
	Time     time.Time       `json:"time"`
	Data     json.RawMessage `json:"data"`
	Checksum uint32          `json:"checksum"`
}

// ChecksumError names the record that failed verification
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// Checksum CRC32 of seq, type and data
func Checksum(seq uint64, recordType string, data []byte) uint32 {
	h := crc32.NewIEEE()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])
	h.Write([]byte(recordType))
	h.Write(data)
	return h.Sum32()
}

// Verify checks r against its checksum
func Verify(r Record) error {
	if expected := Checksum(r.Seq, r.Type, r.Data); expected != r.Checksum {
		return &ChecksumError{Seq: r.Seq, Expected: expected, Actual: r.Checksum}
	}
	return nil
}

// Config journal settings
type Config struct {
	Path          string
	BufferSize    int           // records held before a forced flush
	FlushInterval time.Duration // max age of buffered records
	MaxBytes      int64         // active file size that triggers rotation, 0 disables
	Keep          int           // sealed segments retained
}

// DefaultConfig 64 records, 1s, 16MiB segments, 5 kept
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		BufferSize:    64,
		FlushInterval: time.Second,
		MaxBytes:      16 << 20,
		Keep:          5,
	}
}

// Journal buffered append-only writer
type Journal struct {
	fs     afero.Fs
	config Config
	now    func() time.Time

	mu        sync.Mutex
	file      afero.File
	size      int64
	seq       uint64
	buffer    []Record
	lastFlush time.Time
	closed    bool

	bus           *event.Bus
	subscriptions []string
}

// Open opens or creates the journal at config.Path, continuing the
// sequence of the last readable record. A nil fs means the OS filesystem.
func Open(fs afero.Fs, config Config) (*Journal, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	def := DefaultConfig(config.Path)
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = def.FlushInterval
	}
	if config.Keep <= 0 {
		config.Keep = def.Keep
	}

	if dir := filepath.Dir(config.Path); dir != "" {
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	seq, err := lastSeq(fs, config.Path)
	if err != nil {
		return nil, err
	}

	file, err := fs.OpenFile(config.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat journal: %w", err)
	}

	return &Journal{
		fs:        fs,
		config:    config,
		now:       time.Now,
		file:      file,
		size:      info.Size(),
		seq:       seq,
		buffer:    make([]Record, 0, config.BufferSize),
		lastFlush: time.Now(),
	}, nil
}

// lastSeq highest seq across the sealed segments and the active file.
// A torn tail on the active file, left by a crash mid-write, is cut back to
// the last complete record.
func lastSeq(fs afero.Fs, path string) (uint64, error) {
	var last uint64
	segments, err := Segments(fs, path)
	if err != nil {
		return 0, err
	}
	for _, p := range segments {
		err := replayFile(fs, p, func(r Record) error {
			last = max(last, r.Seq)
			return nil
		})
		if err != nil {
			return 0, err
		}
	}

	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return last, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read journal: %w", err)
	}

	good := 0
	for good < len(data) {
		end := bytes.IndexByte(data[good:], '\n')
		if end < 0 {
			break
		}
		var r Record
		if err := json.Unmarshal(data[good:good+end], &r); err != nil {
			break
		}
		last = max(last, r.Seq)
		good += end + 1
	}

	if good < len(data) {
		log.Warn("Truncating torn journal tail", "path", path, "dropped_bytes", len(data)-good)
		f, err := fs.OpenFile(path, os.O_WRONLY, 0644)
		if err != nil {
			return 0, fmt.Errorf("failed to open journal for repair: %w", err)
		}
		defer f.Close()
		if err := f.Truncate(int64(good)); err != nil {
			return 0, fmt.Errorf("failed to truncate torn journal tail: %w", err)
		}
	}
	return last, nil
}

// Append adds a record with data encoded as JSON
func (j *Journal) Append(recordType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", recordType, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	j.seq++
	j.buffer = append(j.buffer, Record{
		Seq:      j.seq,
		Type:     recordType,
		Time:     j.now(),
		Data:     raw,
		Checksum: Checksum(j.seq, recordType, raw),
	})

	if urgent(recordType) || len(j.buffer) >= j.config.BufferSize || j.now().Sub(j.lastFlush) >= j.config.FlushInterval {
		return j.flushLocked()
	}
	return nil
}

func urgent(recordType string) bool {
	return recordType == event.TypeStateChange || recordType == event.TypeCriticalBreach
}

// Flush writes buffered records and syncs the file
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

func (j *Journal) flushLocked() error {
	if len(j.buffer) > 0 {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, r := range j.buffer {
			if err := enc.Encode(r); err != nil {
				return fmt.Errorf("failed to encode record %d: %w", r.Seq, err)
			}
		}
		n, err := j.file.Write(buf.Bytes())
		j.size += int64(n)
		if err != nil {
			return fmt.Errorf("failed to write journal: %w", err)
		}
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync journal: %w", err)
		}
		j.buffer = j.buffer[:0]
	}
	j.lastFlush = j.now()

	if j.config.MaxBytes > 0 && j.size >= j.config.MaxBytes {
		return j.rotateLocked()
	}
	return nil
}

// Rotate seals the active file into a compressed segment and starts a new
// one. The sequence keeps counting.
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if err := j.flushLocked(); err != nil {
		return err
	}
	if j.size == 0 {
		return nil
	}
	return j.rotateLocked()
}

func (j *Journal) rotateLocked() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}

	sealed := j.config.Path + "." + j.now().Format(segmentTimeFormat)
	if err := j.fs.Rename(j.config.Path, sealed); err != nil {
		return fmt.Errorf("failed to seal journal segment: %w", err)
	}
	if err := compressFile(j.fs, sealed, sealed+".lz4"); err != nil {
		return err
	}
	if err := j.fs.Remove(sealed); err != nil {
		return fmt.Errorf("failed to remove uncompressed segment: %w", err)
	}

	file, err := j.fs.OpenFile(j.config.Path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen journal: %w", err)
	}
	j.file = file
	j.size = 0

	log.Info("Journal rotated", "segment", sealed+".lz4", "seq", j.seq)
	return j.pruneLocked()
}

func (j *Journal) pruneLocked() error {
	segments, err := Segments(j.fs, j.config.Path)
	if err != nil {
		return err
	}
	for len(segments) > j.config.Keep {
		if err := j.fs.Remove(segments[0]); err != nil {
			return fmt.Errorf("failed to prune segment %s: %w", segments[0], err)
		}
		segments = segments[1:]
	}
	return nil
}

func compressFile(fs afero.Fs, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open segment: %w", err)
	}
	defer in.Close()

	out, err := fs.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create compressed segment: %w", err)
	}
	defer out.Close()

	zw := lz4.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		return fmt.Errorf("failed to compress segment: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish compressed segment: %w", err)
	}
	return out.Sync()
}

// LastSeq sequence number of the most recent record
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path active file path
func (j *Journal) Path() string {
	return j.config.Path
}

// Close detaches from the bus, flushes and closes the file
func (j *Journal) Close() error {
	j.Detach()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true

	flushErr := j.flushLocked()
	if err := j.file.Close(); err != nil && flushErr == nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	return flushErr
}

// ============================================================================
// Reading
// ============================================================================

// Segments sealed segment paths for path, oldest first
func Segments(fs afero.Fs, path string) ([]string, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	matches, err := afero.Glob(fs, path+".*.lz4")
	if err != nil {
		return nil, fmt.Errorf("failed to list journal segments: %w", err)
	}
	// the timestamp format sorts lexically
	sort.Strings(matches)
	return matches, nil
}

// Replay calls handler for every record in every sealed segment and then
// the active file, in sequence order. It stops at the first corrupted
// record, checksum failure or handler error.
func Replay(fs afero.Fs, path string, handler func(Record) error) error {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	segments, err := Segments(fs, path)
	if err != nil {
		return err
	}
	for _, p := range append(segments, path) {
		err := replayFile(fs, p, func(r Record) error {
			if err := Verify(r); err != nil {
				return err
			}
			return handler(r)
		})
		if err != nil && !(p == path && errors.Is(err, os.ErrNotExist)) {
			return err
		}
	}
	return nil
}

func replayFile(fs afero.Fs, path string, handler func(Record) error) error {
	f, err := fs.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".lz4") {
		r = lz4.NewReader(f)
	}

	dec := json.NewDecoder(r)
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("%w in %s: %v", ErrCorrupted, path, err)
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
	return nil
}

// Stats summary of a journal
type Stats struct {
	Records  int            `json:"records"`
	ByType   map[string]int `json:"by_type"`
	FirstSeq uint64         `json:"first_seq"`
	LastSeq  uint64         `json:"last_seq"`
	First    time.Time      `json:"first"`
	Last     time.Time      `json:"last"`
	Segments int            `json:"segments"`
}

// GetStats scans the journal at path
func GetStats(fs afero.Fs, path string) (Stats, error) {
	st := Stats{ByType: make(map[string]int)}
	segments, err := Segments(fs, path)
	if err != nil {
		return st, err
	}
	st.Segments = len(segments)

	err = Replay(fs, path, func(r Record) error {
		if st.Records == 0 {
			st.FirstSeq, st.First = r.Seq, r.Time
		}
		st.Records++
		st.ByType[r.Type]++
		st.LastSeq, st.Last = r.Seq, r.Time
		return nil
	})
	return st, err
}

// Dump writes one human-readable line per record
func Dump(fs afero.Fs, path string, w io.Writer) error {
	return Replay(fs, path, func(r Record) error {
		_, err := fmt.Fprintf(w, "[%6d] %s %-16s %s\n", r.Seq, r.Time.Format(time.RFC3339Nano), r.Type, r.Data)
		return err
	})
}
