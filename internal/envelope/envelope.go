// Package envelope defines the tap→agent handoff artifact. An envelope is
// self-contained: the agent never asks the tap for more data.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeLayout is the envelope timestamp format: ISO-8601 UTC with
// millisecond precision and Z suffix.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// PluginName and PluginVersion identify the producer in every envelope.
const (
	PluginName    = "talon"
	PluginVersion = "0.1.0"
)

// Env carries host-side identity captured at tap time.
type Env struct {
	SessionID string `json:"session_id"`
	Host      string `json:"host"`
	PID       int    `json:"pid"`
}

// Envelope wraps one hook event as delivered by the host.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	TS      string          `json:"ts"`
	Env     Env             `json:"env"`
	Plugin  string          `json:"plugin"`
	Version string          `json:"version"`
}

// New builds an envelope around a raw hook payload, stamping the current
// UTC time. The payload is carried opaque; callers validate it separately
// if they care.
func New(event string, payload json.RawMessage, env Env, plugin, version string) Envelope {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return Envelope{
		Event:   event,
		Payload: payload,
		TS:      time.Now().UTC().Format(TimeLayout),
		Env:     env,
		Plugin:  plugin,
		Version: version,
	}
}

// Parse decodes one envelope from raw JSON.
func Parse(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("envelope parse: %w", err)
	}
	return e, nil
}

// Marshal serializes the envelope to a single JSON document.
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope marshal: %w", err)
	}
	return data, nil
}
