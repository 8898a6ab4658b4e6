package spool

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
)

func openTestSpool(t *testing.T, capBytes int64) *Spool {
	t.Helper()
	s, err := Open(t.TempDir(), capBytes)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatal(err)
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			lines = append(lines, sc.Text())
		}
	}
	return lines
}

func rec(i int) []byte {
	return []byte(fmt.Sprintf(`{"n":%d}`, i))
}

func TestAppendAndPendingBytes(t *testing.T) {
	s := openTestSpool(t, 0)
	if got := s.PendingBytes(); got != 0 {
		t.Errorf("empty spool pending = %d", got)
	}

	if err := s.Append([][]byte{rec(1), rec(2)}); err != nil {
		t.Fatal(err)
	}
	lines := readLines(t, s.EventsPath())
	if len(lines) != 2 || lines[0] != `{"n":1}` || lines[1] != `{"n":2}` {
		t.Errorf("events = %v", lines)
	}
	if s.PendingBytes() == 0 {
		t.Error("pending bytes still zero after append")
	}
}

func TestAppendRotatesAtCap(t *testing.T) {
	s := openTestSpool(t, 200)
	for i := 0; i < 40; i++ {
		if err := s.Append([][]byte{rec(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.PendingBytes(); got > 200+16 {
		t.Errorf("spool grew past cap: %d bytes", got)
	}

	// Rotation discards the oldest lines and keeps the newest.
	lines := readLines(t, s.EventsPath())
	if len(lines) == 0 {
		t.Fatal("rotation emptied the spool")
	}
	if lines[len(lines)-1] != `{"n":39}` {
		t.Errorf("newest record lost, tail = %q", lines[len(lines)-1])
	}
	if lines[0] == `{"n":0}` {
		t.Error("oldest record survived rotation at cap")
	}
}

func TestQuarantineWrapsRawDocument(t *testing.T) {
	s := openTestSpool(t, 0)
	if err := s.Quarantine([]byte(`{"ok":true}`), "testing"); err != nil {
		t.Fatal(err)
	}
	if err := s.Quarantine([]byte(`not json at all`), "broken"); err != nil {
		t.Fatal(err)
	}

	lines := readLines(t, s.QuarantinePath())
	if len(lines) != 2 {
		t.Fatalf("quarantine lines = %d", len(lines))
	}
	for _, line := range lines {
		var entry struct {
			Reason string          `json:"reason"`
			Raw    json.RawMessage `json:"raw"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("quarantine line not valid JSON: %v", err)
		}
		if entry.Reason == "" || len(entry.Raw) == 0 {
			t.Errorf("entry = %s", line)
		}
	}
	if !strings.Contains(lines[1], "not json at all") {
		t.Errorf("raw input lost: %s", lines[1])
	}
}

func TestQuarantineBatch(t *testing.T) {
	s := openTestSpool(t, 0)
	if err := s.QuarantineBatch([][]byte{rec(1), rec(2), rec(3)}, "rejected"); err != nil {
		t.Fatal(err)
	}
	if got := len(readLines(t, s.QuarantinePath())); got != 3 {
		t.Errorf("quarantine lines = %d, want 3", got)
	}
}
