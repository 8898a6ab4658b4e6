package stats

import (
	"strings"
	"testing"
)

func TestReadSnapshot(t *testing.T) {
	var c Counters
	c.EnvelopesAccepted.Add(3)
	c.BatchesSent.Add(2)
	c.FramesRejected.Add(1)

	s := c.Read()
	if s.EnvelopesAccepted != 3 || s.BatchesSent != 2 || s.FramesRejected != 1 {
		t.Errorf("snapshot = %+v", s)
	}
	if s.RecordsReplayed != 0 {
		t.Errorf("untouched counter = %d", s.RecordsReplayed)
	}
}

func TestSnapshotString(t *testing.T) {
	var c Counters
	c.EnvelopesAccepted.Add(7)
	got := c.Read().String()
	if !strings.Contains(got, "accepted=7") || !strings.Contains(got, "sent=0") {
		t.Errorf("string = %q", got)
	}
}
