//go:build unix

package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ppiankov/talon/internal/config"
	"github.com/ppiankov/talon/internal/envelope"
	"github.com/ppiankov/talon/internal/ipc"
	"github.com/ppiankov/talon/internal/trace"
)

// collector is an in-test trace endpoint that can be toggled between
// healthy and failing.
type collector struct {
	mu      sync.Mutex
	records []trace.TraceV1
	failing atomic.Bool
}

func (c *collector) handler(w http.ResponseWriter, r *http.Request) {
	if c.failing.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	zr, err := gzip.NewReader(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(zr)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var batch []trace.TraceV1
	if err := json.Unmarshal(body, &batch); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.records = append(c.records, batch...)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// recordByEvent returns the first collected record with the given event.
// Each sendEvent uses its own connection and only per-connection order is
// preserved, so tests look records up by event rather than by position.
func (c *collector) recordByEvent(t *testing.T, event string) trace.TraceV1 {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.records {
		if r.Event == event {
			return r
		}
	}
	t.Fatalf("no %q record collected", event)
	return trace.TraceV1{}
}

func startAgent(t *testing.T, endpoint string) (string, context.CancelFunc, chan error) {
	t.Helper()
	dir := t.TempDir()
	sock := filepath.Join(dir, "talon.sock")

	cfg := config.Default()
	cfg.Endpoint = endpoint
	cfg.TimeoutS = 2
	cfg.Socket = sock
	cfg.SpoolDir = filepath.Join(dir, "spool")
	cfg.BatchSize = 2
	cfg.BatchMS = 50
	cfg.QueueSize = 64

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- New(cfg).Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(sock); err == nil {
			return sock, cancel, errc
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("agent never bound its socket")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func sendEvent(t *testing.T, sock, event, sessionID, payload string) {
	t.Helper()
	e := envelope.New(event, json.RawMessage(payload),
		envelope.Env{SessionID: sessionID, Host: "e2e", PID: os.Getpid()},
		envelope.PluginName, envelope.PluginVersion)
	frame, err := e.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if err := ipc.Send(sock, frame); err != nil {
		t.Fatal(err)
	}
}

func waitCount(t *testing.T, c *collector, want int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for c.count() < want {
		if time.Now().After(deadline) {
			t.Fatalf("collector has %d records, want %d", c.count(), want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	col := &collector{}
	srv := httptest.NewServer(http.HandlerFunc(col.handler))
	defer srv.Close()

	sock, cancel, errc := startAgent(t, srv.URL)
	defer cancel()

	sendEvent(t, sock, "PostToolUse", "sess-e2e", `{"tool_name":"Bash","tool_input":{"command":"ls"}}`)
	sendEvent(t, sock, "Stop", "sess-e2e", `{"model":"m-e2e","usage":{"prompt_tokens":2,"completion_tokens":3,"total_tokens":5}}`)
	waitCount(t, col, 2)

	first := col.recordByEvent(t, "tool.post")
	if first.SchemaVer != trace.SchemaVersion || first.Event != "tool.post" {
		t.Errorf("first record = %q %q", first.SchemaVer, first.Event)
	}
	if first.IDs.SessionID != "sess-e2e" || first.IDs.TraceID == "" {
		t.Errorf("ids = %+v", first.IDs)
	}
	second := col.recordByEvent(t, "model.end")
	if second.Event != "model.end" || second.Metrics.TotalTokens != 5 {
		t.Errorf("second record = %q %+v", second.Event, second.Metrics)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not shut down")
	}
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Error("socket not removed on shutdown")
	}
}

func TestOutageSpoolsThenRecovers(t *testing.T) {
	col := &collector{}
	col.failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(col.handler))
	defer srv.Close()

	sock, cancel, _ := startAgent(t, srv.URL)
	defer cancel()

	sendEvent(t, sock, "PostToolUse", "sess-out", `{"tool_name":"Bash"}`)
	sendEvent(t, sock, "Stop", "sess-out", `{}`)

	// Nothing can land while the collector is down.
	time.Sleep(500 * time.Millisecond)
	if col.count() != 0 {
		t.Fatalf("records landed during outage: %d", col.count())
	}

	// Recovery: the outage backlog lands either through the remaining
	// retries of its in-flight batch or, once spooled, through the drain
	// that the next 2xx requests.
	col.failing.Store(false)
	sendEvent(t, sock, "SessionEnd", "sess-out", `{}`)
	sendEvent(t, sock, "SessionStart", "sess-out2", `{}`)
	waitCount(t, col, 4)
}

func TestPreformedRecordPassesThrough(t *testing.T) {
	col := &collector{}
	srv := httptest.NewServer(http.HandlerFunc(col.handler))
	defer srv.Close()

	sock, cancel, _ := startAgent(t, srv.URL)
	defer cancel()

	pre := `{"schema_version":"` + trace.SchemaVersion + `","ids":{"trace_id":"t-pre","span_id":"s-pre","session_id":"sess-pre"},"event":"tool.post"}`
	if err := ipc.Send(sock, []byte(pre)); err != nil {
		t.Fatal(err)
	}
	sendEvent(t, sock, "Stop", "sess-pre", `{}`) // second record cuts the batch
	waitCount(t, col, 2)

	got := col.recordByEvent(t, "tool.post")
	if got.IDs.TraceID != "t-pre" || got.IDs.SpanID != "s-pre" {
		t.Errorf("preformed ids rewritten: %+v", got.IDs)
	}
	if got.Timestamp == "" {
		t.Error("canonicalize left timestamp empty")
	}
}

func TestShutdownFlushesPartialBatch(t *testing.T) {
	col := &collector{}
	srv := httptest.NewServer(http.HandlerFunc(col.handler))
	defer srv.Close()

	dir := t.TempDir()
	sock := filepath.Join(dir, "talon.sock")
	cfg := config.Default()
	cfg.Endpoint = srv.URL
	cfg.TimeoutS = 2
	cfg.Socket = sock
	cfg.SpoolDir = filepath.Join(dir, "spool")
	cfg.BatchSize = 100
	cfg.BatchMS = 60_000 // no threshold fires; only shutdown can flush
	cfg.QueueSize = 64

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- New(cfg).Run(ctx) }()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("agent never bound its socket")
		}
		time.Sleep(10 * time.Millisecond)
	}

	sendEvent(t, sock, "Stop", "sess-flush", `{}`)
	time.Sleep(200 * time.Millisecond) // let the record reach the batcher
	cancel()

	select {
	case <-errc:
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not shut down")
	}
	if col.count() != 1 {
		t.Errorf("shutdown flush delivered %d records, want 1", col.count())
	}
}
