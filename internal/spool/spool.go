// Package spool is the on-disk queue of trace records awaiting delivery.
// Pending records live in events.jsonl, one JSON document per line;
// permanently rejected records land in quarantine.jsonl and are never
// replayed. A single writer owns the files; the replayer coordinates
// through the same file-scoped lock.
package spool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ppiankov/talon/internal/stats"
)

const (
	eventsFile     = "events.jsonl"
	quarantineFile = "quarantine.jsonl"

	// DefaultCapBytes caps events.jsonl before rotation.
	DefaultCapBytes = 50 * 1000 * 1000

	dirPerm  = 0750
	filePerm = 0600
)

// Spool manages the pending and quarantine files under one directory.
type Spool struct {
	dir      string
	capBytes int64

	mu       sync.Mutex // serializes in-process events.jsonl writers
	qmu      sync.Mutex // serializes quarantine.jsonl writers
	replayMu sync.Mutex // at most one replay pass
}

// Open creates the spool directory if needed and returns a handle.
func Open(dir string, capBytes int64) (*Spool, error) {
	if capBytes <= 0 {
		capBytes = DefaultCapBytes
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("spool: create directory %s: %w", dir, err)
	}
	return &Spool{dir: dir, capBytes: capBytes}, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string { return s.dir }

// EventsPath returns the pending-records file path.
func (s *Spool) EventsPath() string { return filepath.Join(s.dir, eventsFile) }

// QuarantinePath returns the quarantine file path.
func (s *Spool) QuarantinePath() string { return filepath.Join(s.dir, quarantineFile) }

// DefaultDir returns the platform-default spool directory.
func DefaultDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "talon", "spool")
}

// Append writes serialized records to events.jsonl as one buffered write
// under an exclusive lock. If the file would exceed the cap, rotation
// runs first so the file never exceeds the cap by more than one batch.
func (s *Spool) Append(records [][]byte) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	for _, rec := range records {
		buf.Write(rec)
		buf.WriteByte('\n')
	}

	if info, err := os.Stat(s.EventsPath()); err == nil {
		if info.Size()+int64(buf.Len()) > s.capBytes {
			if err := s.rotateLocked(); err != nil {
				return err
			}
		}
	}

	f, err := os.OpenFile(s.EventsPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("spool: open events: %w", err)
	}
	defer f.Close()
	if err := lockFile(f); err != nil {
		return fmt.Errorf("spool: lock events: %w", err)
	}
	defer unlockFile(f)

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("spool: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("spool: sync: %w", err)
	}
	return nil
}

// rotateLocked keeps the most recent half of events.jsonl by byte count,
// discarding the oldest lines. Freshness over completeness under
// sustained outage. Caller holds s.mu.
func (s *Spool) rotateLocked() error {
	path := s.EventsPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("spool: read for rotation: %w", err)
	}

	// Find the first line boundary at or after the halfway mark.
	cut := len(data) / 2
	if idx := bytes.IndexByte(data[cut:], '\n'); idx >= 0 {
		cut += idx + 1
	} else {
		cut = 0
	}
	keep := data[cut:]

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, keep, filePerm); err != nil {
		return fmt.Errorf("spool: write rotation tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("spool: rotate rename: %w", err)
	}
	stats.Default.SpoolRotations.Add(1)
	return nil
}

// Quarantine appends one raw document with an error annotation. Records
// in quarantine are kept for inspection and never replayed.
func (s *Spool) Quarantine(raw []byte, reason string) error {
	line, err := json.Marshal(map[string]any{
		"reason": reason,
		"raw":    json.RawMessage(normalizeRaw(raw)),
	})
	if err != nil {
		return fmt.Errorf("spool: marshal quarantine entry: %w", err)
	}
	return s.appendQuarantine([][]byte{line})
}

// QuarantineBatch moves a permanently rejected batch to quarantine.
func (s *Spool) QuarantineBatch(records [][]byte, reason string) error {
	lines := make([][]byte, 0, len(records))
	for _, rec := range records {
		line, err := json.Marshal(map[string]any{
			"reason": reason,
			"raw":    json.RawMessage(normalizeRaw(rec)),
		})
		if err != nil {
			continue
		}
		lines = append(lines, line)
	}
	return s.appendQuarantine(lines)
}

// appendQuarantine takes only qmu. The replayer quarantines while it
// holds the events-file flock; taking s.mu here would invert the
// mu-then-flock order Append uses and deadlock against it.
func (s *Spool) appendQuarantine(lines [][]byte) error {
	if len(lines) == 0 {
		return nil
	}
	s.qmu.Lock()
	defer s.qmu.Unlock()

	f, err := os.OpenFile(s.QuarantinePath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("spool: open quarantine: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("spool: append quarantine: %w", err)
	}
	return nil
}

// PendingBytes reports the size of events.jsonl; zero when absent.
func (s *Spool) PendingBytes() int64 {
	info, err := os.Stat(s.EventsPath())
	if err != nil {
		return 0
	}
	return info.Size()
}

// normalizeRaw guarantees the quarantine "raw" field is valid JSON even
// when the rejected input was not.
func normalizeRaw(raw []byte) []byte {
	if json.Valid(raw) {
		return raw
	}
	quoted, err := json.Marshal(string(raw))
	if err != nil {
		return []byte(`""`)
	}
	return quoted
}
