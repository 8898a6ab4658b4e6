// Package trace defines the canonical outbound telemetry schema
// (beak.trace.v1) and the envelope→record mapping.
package trace

import "encoding/json"

// SchemaVersion tags every outbound record.
const SchemaVersion = "beak.trace.v1"

// IDs identifies a record and its correlation scope.
type IDs struct {
	TraceID        string `json:"trace_id"`
	SpanID         string `json:"span_id"`
	ParentSpanID   string `json:"parent_span_id"`
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
}

// Context carries tap identity and host placement.
type Context struct {
	Plugin        string `json:"plugin"`
	PluginVersion string `json:"plugin_version"`
	Host          string `json:"host"`
	PID           int    `json:"pid"`
}

// Configuration holds model identity and generation parameters.
// Unknown numerics are zero, never omitted.
type Configuration struct {
	Model         string   `json:"model"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	TopK          int      `json:"top_k"`
	MaxTokens     int      `json:"max_tokens"`
	Seed          int      `json:"seed"`
	StopSequences []string `json:"stop_sequences"`
}

// Tool describes the invoked tool and its arguments.
type Tool struct {
	Name    string          `json:"name"`
	Version string          `json:"version"`
	Args    json.RawMessage `json:"args"`
}

// Message is one entry of the compact conversation snapshot.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Inputs is the request-side section of a record.
type Inputs struct {
	Tool     Tool      `json:"tool"`
	Messages []Message `json:"messages_compact"`
}

// ToolCall is one tool invocation observed in the output.
type ToolCall struct {
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args"`
	Status string          `json:"status"`
}

// Outputs is the response-side section of a record.
type Outputs struct {
	AssistantText string     `json:"assistant_text"`
	ToolCalls     []ToolCall `json:"tool_calls"`
	FinishReason  string     `json:"finish_reason"`
	Truncated     bool       `json:"truncated"`
}

// Latency breaks request latency into phases, all in milliseconds.
type Latency struct {
	FirstToken int `json:"first_token"`
	Provider   int `json:"provider"`
	Total      int `json:"total"`
}

// Metrics carries token, latency, and cost measurements. Each group is
// flagged estimated or exact.
type Metrics struct {
	PromptTokens         int     `json:"prompt_tokens"`
	CompletionTokens     int     `json:"completion_tokens"`
	TotalTokens          int     `json:"total_tokens"`
	TokenCountsEstimated bool    `json:"token_counts_estimated"`
	LatencyMS            Latency `json:"latency_ms"`
	LatencyEstimated     bool    `json:"latency_estimated"`
	InputCostUSD         float64 `json:"input_cost_usd"`
	OutputCostUSD        float64 `json:"output_cost_usd"`
	TotalCostUSD         float64 `json:"total_cost_usd"`
}

// Label is one key/value pair of the flat label list.
type Label struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Flags holds record-level booleans.
type Flags struct {
	Sampled bool `json:"sampled"`
}

// TraceV1 is the canonical outbound record.
type TraceV1 struct {
	SchemaVer     string                     `json:"schema_version"`
	Event         string                     `json:"event"`
	Timestamp     string                     `json:"timestamp"`
	IDs           IDs                        `json:"ids"`
	Context       Context                    `json:"context"`
	Configuration Configuration              `json:"configuration"`
	Inputs        Inputs                     `json:"inputs"`
	Outputs       Outputs                    `json:"outputs"`
	Metrics       Metrics                    `json:"metrics"`
	Labels        []Label                    `json:"labels"`
	Flags         Flags                      `json:"flags"`
	Extensions    map[string]json.RawMessage `json:"extensions"`
}

// SetLabel appends or replaces a label by key.
func (t *TraceV1) SetLabel(key, value string) {
	for i := range t.Labels {
		if t.Labels[i].Key == key {
			t.Labels[i].Value = value
			return
		}
	}
	t.Labels = append(t.Labels, Label{Key: key, Value: value})
}

// Preformed reports whether a raw frame is already a canonical record,
// produced by a newer tap that maps client-side. Detection keys off the
// presence of schema_version and ids, matching what such taps emit.
func Preformed(data []byte) (*TraceV1, bool) {
	var probe struct {
		SchemaVer string          `json:"schema_version"`
		IDs       json.RawMessage `json:"ids"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false
	}
	if probe.SchemaVer == "" || len(probe.IDs) == 0 {
		return nil, false
	}
	var t TraceV1
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, false
	}
	return &t, true
}
