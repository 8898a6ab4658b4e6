package spool

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ppiankov/talon/internal/stats"
)

// ReplayBatchSize is how many spooled records ship per request during
// replay. Larger than the live batch size: replay favors throughput.
const ReplayBatchSize = 500

// Outcome classifies one delivery attempt of a replay batch.
type Outcome int

const (
	// Shipped means the collector acknowledged the batch.
	Shipped Outcome = iota
	// Transient means delivery failed but may succeed later; the replay
	// pass stops and retries on the next trigger.
	Transient
	// Permanent means the collector rejected the batch; it moves to
	// quarantine and is never retried.
	Permanent
)

// ShipFunc submits one batch of serialized records to delivery.
type ShipFunc func(records [][]byte) Outcome

// Replay runs one sequential pass over events.jsonl, reassembling batches
// and submitting them through ship. Shipped and quarantined byte ranges
// are removed from the file; a transient failure stops the pass with the
// unshipped suffix intact. At most one pass runs at a time; a pass
// requested while another runs is skipped.
func (s *Spool) Replay(ship ShipFunc, batchSize int, batchBytes int64) (replayed int, drained bool, err error) {
	if !s.replayMu.TryLock() {
		return 0, false, nil
	}
	defer s.replayMu.Unlock()

	if batchSize <= 0 {
		batchSize = ReplayBatchSize
	}

	f, err := os.OpenFile(s.EventsPath(), os.O_RDWR, filePerm)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, true, nil
		}
		return 0, false, fmt.Errorf("spool: open for replay: %w", err)
	}
	defer f.Close()
	if err := lockFile(f); err != nil {
		return 0, false, fmt.Errorf("spool: lock for replay: %w", err)
	}
	defer unlockFile(f)

	info, err := f.Stat()
	if err != nil {
		return 0, false, fmt.Errorf("spool: stat for replay: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return 0, true, nil
	}

	var (
		reader   = bufio.NewReader(f)
		offset   int64 // bytes read so far
		consumed int64 // bytes confirmed shipped or quarantined
		batch    [][]byte
		batchLen int64
		invalid  [][]byte // malformed lines inside the current span
		stopped  bool
	)

	commit := func() bool {
		if len(batch) > 0 {
			switch ship(batch) {
			case Shipped:
				replayed += len(batch)
				stats.Default.RecordsReplayed.Add(int64(len(batch)))
			case Permanent:
				if qerr := s.QuarantineBatch(batch, "collector rejected batch"); qerr != nil {
					fmt.Fprintf(os.Stderr, "talon-agent: quarantine during replay: %v\n", qerr)
				}
				stats.Default.BatchesQuarantined.Add(1)
			case Transient:
				return false
			}
		}
		for _, line := range invalid {
			if qerr := s.Quarantine(line, "malformed spool line"); qerr != nil {
				fmt.Fprintf(os.Stderr, "talon-agent: quarantine during replay: %v\n", qerr)
			}
		}
		batch, batchLen, invalid = nil, 0, nil
		consumed = offset
		return true
	}

	for {
		line, rerr := reader.ReadBytes('\n')
		if len(line) > 0 && (rerr == nil || errors.Is(rerr, io.EOF)) {
			offset += int64(len(line))
			trimmed := bytes.TrimRight(line, "\n")
			if len(trimmed) > 0 {
				if json.Valid(trimmed) {
					rec := make([]byte, len(trimmed))
					copy(rec, trimmed)
					batch = append(batch, rec)
					batchLen += int64(len(rec)) + 1
				} else {
					cp := make([]byte, len(trimmed))
					copy(cp, trimmed)
					invalid = append(invalid, cp)
				}
			}
			if len(batch) >= batchSize || (batchBytes > 0 && batchLen >= batchBytes) {
				if !commit() {
					stopped = true
					break
				}
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				return replayed, false, fmt.Errorf("spool: read for replay: %w", rerr)
			}
			break
		}
	}

	if !stopped {
		if !commit() {
			stopped = true
		}
	}

	if consumed > 0 {
		if err := s.compact(f, consumed, size); err != nil {
			return replayed, false, err
		}
	}

	return replayed, !stopped && consumed == size, nil
}

// compact removes the consumed prefix: full truncation when everything
// shipped, otherwise copy-remaining-to-temp-and-rename.
func (s *Spool) compact(f *os.File, consumed, size int64) error {
	if consumed >= size {
		if err := f.Truncate(0); err != nil {
			return fmt.Errorf("spool: truncate after replay: %w", err)
		}
		return nil
	}

	if _, err := f.Seek(consumed, io.SeekStart); err != nil {
		return fmt.Errorf("spool: seek for compaction: %w", err)
	}
	rest, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("spool: read remainder: %w", err)
	}

	tmp := s.EventsPath() + ".tmp"
	if err := os.WriteFile(tmp, rest, filePerm); err != nil {
		return fmt.Errorf("spool: write compaction tmp: %w", err)
	}
	if err := os.Rename(tmp, s.EventsPath()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("spool: compaction rename: %w", err)
	}
	return nil
}
