// Package stats holds process-wide operational counters for the agent.
// Counters are cheap atomics; they exist so failures in the fail-soft
// paths (framing, quarantine, spool) remain observable.
package stats

import (
	"fmt"
	"sync/atomic"
)

// Counters is the set of operational counters tracked by the agent.
type Counters struct {
	FramesRejected      atomic.Int64
	EnvelopesAccepted   atomic.Int64
	EnvelopesQuarantine atomic.Int64
	BatchesSent         atomic.Int64
	BatchesSpooled      atomic.Int64
	BatchesQuarantined  atomic.Int64
	RecordsReplayed     atomic.Int64
	SpoolRotations      atomic.Int64
}

// Default is the process-wide counter set.
var Default = &Counters{}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	FramesRejected      int64 `json:"frames_rejected"`
	EnvelopesAccepted   int64 `json:"envelopes_accepted"`
	EnvelopesQuarantine int64 `json:"envelopes_quarantined"`
	BatchesSent         int64 `json:"batches_sent"`
	BatchesSpooled      int64 `json:"batches_spooled"`
	BatchesQuarantined  int64 `json:"batches_quarantined"`
	RecordsReplayed     int64 `json:"records_replayed"`
	SpoolRotations      int64 `json:"spool_rotations"`
}

// Read returns a consistent-enough snapshot for logging.
func (c *Counters) Read() Snapshot {
	return Snapshot{
		FramesRejected:      c.FramesRejected.Load(),
		EnvelopesAccepted:   c.EnvelopesAccepted.Load(),
		EnvelopesQuarantine: c.EnvelopesQuarantine.Load(),
		BatchesSent:         c.BatchesSent.Load(),
		BatchesSpooled:      c.BatchesSpooled.Load(),
		BatchesQuarantined:  c.BatchesQuarantined.Load(),
		RecordsReplayed:     c.RecordsReplayed.Load(),
		SpoolRotations:      c.SpoolRotations.Load(),
	}
}

// String renders the snapshot for the shutdown log line.
func (s Snapshot) String() string {
	return fmt.Sprintf("accepted=%d quarantined=%d sent=%d spooled=%d rejected_frames=%d replayed=%d",
		s.EnvelopesAccepted, s.EnvelopesQuarantine, s.BatchesSent, s.BatchesSpooled, s.FramesRejected, s.RecordsReplayed)
}
