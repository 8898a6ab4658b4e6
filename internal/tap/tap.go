// Package tap is the hook-side sender. It reads one hook payload from
// stdin, wraps it in an envelope, and writes a single frame to the
// agent socket. The tap runs on the host's critical path: it stays
// silent, never blocks for long, and never fails the hook.
package tap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/ppiankov/talon/internal/envelope"
	"github.com/ppiankov/talon/internal/ipc"
)

const (
	// DefaultMaxStdin caps how much of stdin is read; the rest is
	// discarded rather than stalling the hook.
	DefaultMaxStdin = 2 * 1024 * 1024

	// retryWindow bounds the total time spent waiting for an
	// auto-started agent to come up.
	retryWindow = 2 * time.Second
	retryPause  = 150 * time.Millisecond
)

// Options configures one tap invocation.
type Options struct {
	Event     string
	Socket    string
	AgentPath string
	MaxStdin  int64
}

// OptionsFromEnv fills unset fields from the environment.
func OptionsFromEnv(opts Options) Options {
	if opts.Socket == "" {
		opts.Socket = os.Getenv("TALON_SOCK")
	}
	if opts.Socket == "" {
		opts.Socket = ipc.DefaultEndpoint
	}
	if opts.AgentPath == "" {
		opts.AgentPath = os.Getenv("TALON_AGENT_PATH")
	}
	if opts.MaxStdin == 0 {
		if v := os.Getenv("TALON_TAP_MAX_STDIN_BYTES"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				opts.MaxStdin = n
			}
		}
	}
	if opts.MaxStdin <= 0 {
		opts.MaxStdin = DefaultMaxStdin
	}
	return opts
}

// Run reads the payload, builds the envelope, and sends one frame. A
// connect failure triggers an agent autostart and a bounded retry; if
// the agent never comes up the event is lost and Run still returns the
// error only for logging, never for the hook's exit code.
func Run(opts Options, stdin io.Reader) error {
	payload := readPayload(stdin, opts.MaxStdin)

	host, _ := os.Hostname()
	env := envelope.Env{
		SessionID: os.Getenv("CLAUDE_SESSION_ID"),
		Host:      host,
		PID:       os.Getpid(),
	}
	e := envelope.New(opts.Event, payload, env, envelope.PluginName, envelope.PluginVersion)
	frame, err := e.Marshal()
	if err != nil {
		return err
	}

	if err := ipc.Send(opts.Socket, frame); err == nil {
		return nil
	}

	if opts.AgentPath != "" {
		startAgent(opts.AgentPath)
	}

	deadline := time.Now().Add(retryWindow)
	for time.Now().Before(deadline) {
		time.Sleep(retryPause)
		if err := ipc.Send(opts.Socket, frame); err == nil {
			return nil
		}
	}
	return fmt.Errorf("tap: agent unreachable at %s", opts.Socket)
}

// readPayload reads at most max bytes of stdin. Anything that is not a
// valid JSON document is replaced with an empty object so the event
// itself still ships.
func readPayload(stdin io.Reader, max int64) json.RawMessage {
	data, err := io.ReadAll(io.LimitReader(stdin, max))
	if err != nil {
		return json.RawMessage("{}")
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || !json.Valid(data) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(data)
}

// startAgent launches the agent detached. Endpoint and credentials
// travel through the inherited environment.
func startAgent(path string) {
	cmd := exec.Command(path, "start")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return
	}
	_ = cmd.Process.Release()
}
