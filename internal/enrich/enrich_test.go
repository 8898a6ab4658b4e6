package enrich

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLookupReadsModelAndUsage(t *testing.T) {
	path := writeTranscript(t,
		`{"message":{"model":"m-old"}}`,
		`garbage line`,
		`{"message":{"model":"m-new","usage":{"input_tokens":12,"output_tokens":8}}}`,
	)

	c := NewCache()
	defer c.Close()

	enr, ok := c.Lookup("sess-1", path)
	if !ok {
		t.Fatal("lookup missed")
	}
	if enr.Model != "m-new" {
		t.Errorf("model = %q, want most recent", enr.Model)
	}
	if enr.PromptTokens != 12 || enr.CompletionTokens != 8 || enr.TotalTokens != 20 {
		t.Errorf("usage = %+v", enr)
	}
}

func TestLookupPrefersExplicitTotals(t *testing.T) {
	path := writeTranscript(t,
		`{"message":{"model":"m","usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":9}}}`,
	)
	c := NewCache()
	defer c.Close()

	enr, ok := c.Lookup("sess-1", path)
	if !ok || enr.TotalTokens != 9 {
		t.Errorf("total = %d, want explicit 9", enr.TotalTokens)
	}
}

func TestLookupMissesAreSilent(t *testing.T) {
	c := NewCache()
	defer c.Close()

	if _, ok := c.Lookup("", "anywhere"); ok {
		t.Error("empty session produced enrichment")
	}
	if _, ok := c.Lookup("sess-1", filepath.Join(t.TempDir(), "missing.jsonl")); ok {
		t.Error("missing file produced enrichment")
	}
	path := writeTranscript(t, `{"message":{}}`)
	if _, ok := c.Lookup("sess-1", path); ok {
		t.Error("transcript without model or usage produced enrichment")
	}
}

func TestLookupCachesUntilFileChanges(t *testing.T) {
	path := writeTranscript(t, `{"message":{"model":"m-1"}}`)

	c := NewCache()
	defer c.Close()
	c.ttl = time.Hour // isolate mtime-based invalidation

	if enr, ok := c.Lookup("sess-1", path); !ok || enr.Model != "m-1" {
		t.Fatalf("first lookup: %v %+v", ok, enr)
	}

	// Rewrite with a newer mtime; the cache entry must be refreshed.
	if err := os.WriteFile(path, []byte(`{"message":{"model":"m-2"}}`+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		enr, ok := c.Lookup("sess-1", path)
		if ok && enr.Model == "m-2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cache never refreshed, still %+v", enr)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLookupRemembersTranscriptPath(t *testing.T) {
	path := writeTranscript(t, `{"message":{"model":"m-1"}}`)
	c := NewCache()
	defer c.Close()

	if _, ok := c.Lookup("sess-1", path); !ok {
		t.Fatal("seed lookup missed")
	}
	// Later events may omit the transcript path; the cached one serves.
	if enr, ok := c.Lookup("sess-1", ""); !ok || enr.Model != "m-1" {
		t.Errorf("pathless lookup: %v %+v", ok, enr)
	}
}

func TestReadTailScansOnlyTheSuffix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.jsonl")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	filler := `{"message":{"model":"m-buried"}}`
	for i := 0; i < 5000; i++ {
		fmt.Fprintln(f, filler)
	}
	fmt.Fprintln(f, `{"message":{"model":"m-tail","usage":{"input_tokens":1,"output_tokens":1}}}`)
	f.Close()

	enr, _, ok := readTail(path, 4*1024)
	if !ok || enr.Model != "m-tail" {
		t.Errorf("tail read: %v %+v", ok, enr)
	}
}
