package trace

import (
	"encoding/json"

	"github.com/ppiankov/talon/internal/envelope"
)

// Enrichment is late-binding model and token data read from a host
// transcript file.
type Enrichment struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Enricher resolves enrichment for a session. Implementations are
// best-effort: a miss is (zero, false), never an error.
type Enricher interface {
	Lookup(sessionID, transcriptPath string) (Enrichment, bool)
}

// Mapper transforms envelopes into canonical records. Mapping is total:
// any syntactically valid envelope produces a record, degenerate ones a
// minimally populated record.
type Mapper struct {
	minter   *Minter
	enricher Enricher
}

// NewMapper creates a mapper. enricher may be nil.
func NewMapper(minter *Minter, enricher Enricher) *Mapper {
	return &Mapper{minter: minter, enricher: enricher}
}

// payloadProbe is the set of well-known fields extracted from hook
// payloads. Unknown shapes simply leave fields zeroed.
type payloadProbe struct {
	Model          string          `json:"model"`
	Temperature    float64         `json:"temperature"`
	TopP           float64         `json:"top_p"`
	TopK           int             `json:"top_k"`
	MaxTokens      int             `json:"max_tokens"`
	ToolName       string          `json:"tool_name"`
	ToolVersion    string          `json:"tool_version"`
	ToolInput      json.RawMessage `json:"tool_input"`
	ToolResponse   json.RawMessage `json:"tool_response"`
	FinishReason   string          `json:"finish_reason"`
	TranscriptPath string          `json:"transcript_path"`
	Usage          *struct {
		PromptTokens         int  `json:"prompt_tokens"`
		CompletionTokens     int  `json:"completion_tokens"`
		TotalTokens          int  `json:"total_tokens"`
		TokenCountsEstimated bool `json:"token_counts_estimated"`
	} `json:"usage"`
	Latency *struct {
		FirstToken       int  `json:"first_token"`
		Provider         int  `json:"provider"`
		Total            int  `json:"total"`
		LatencyEstimated bool `json:"latency_estimated"`
	} `json:"latency_ms"`
}

// Map converts one envelope into a canonical record.
func (m *Mapper) Map(env envelope.Envelope) TraceV1 {
	event, known := normalizeEvent(env.Event)

	t := TraceV1{
		SchemaVer: SchemaVersion,
		Event:     event,
		Timestamp: env.TS,
		IDs: IDs{
			TraceID:        m.minter.TraceID(env.Env.SessionID),
			SpanID:         SpanID(),
			ConversationID: ConversationID(env.Env.SessionID),
			SessionID:      env.Env.SessionID,
		},
		Context: Context{
			Plugin:        env.Plugin,
			PluginVersion: env.Version,
			Host:          env.Env.Host,
			PID:           env.Env.PID,
		},
		Extensions: map[string]json.RawMessage{},
	}
	if t.Timestamp == "" {
		t.Timestamp = UTCNowISO()
	}

	var p payloadProbe
	// Ignore the error: non-object payloads leave the probe zeroed and
	// still produce a valid minimal record.
	_ = json.Unmarshal(env.Payload, &p)

	t.Configuration.Model = p.Model
	t.Configuration.Temperature = p.Temperature
	t.Configuration.TopP = p.TopP
	t.Configuration.TopK = p.TopK
	t.Configuration.MaxTokens = p.MaxTokens

	t.Inputs.Tool.Name = p.ToolName
	t.Inputs.Tool.Version = p.ToolVersion
	t.Inputs.Tool.Args = p.ToolInput

	if s, ok := rawString(p.ToolResponse); ok {
		t.Outputs.AssistantText = s
	}
	t.Outputs.FinishReason = p.FinishReason

	if p.Usage != nil {
		t.Metrics.PromptTokens = p.Usage.PromptTokens
		t.Metrics.CompletionTokens = p.Usage.CompletionTokens
		t.Metrics.TotalTokens = p.Usage.TotalTokens
		t.Metrics.TokenCountsEstimated = p.Usage.TokenCountsEstimated
	}
	if p.Latency != nil {
		t.Metrics.LatencyMS.FirstToken = p.Latency.FirstToken
		t.Metrics.LatencyMS.Provider = p.Latency.Provider
		t.Metrics.LatencyMS.Total = p.Latency.Total
		t.Metrics.LatencyEstimated = p.Latency.LatencyEstimated
	}

	// Enrichment is best-effort and never blocks mapping: a miss leaves
	// counts zero and token_counts_estimated false.
	if m.enricher != nil && p.Usage == nil {
		if enr, ok := m.enricher.Lookup(env.Env.SessionID, p.TranscriptPath); ok {
			if t.Configuration.Model == "" {
				t.Configuration.Model = enr.Model
			}
			t.Metrics.PromptTokens = enr.PromptTokens
			t.Metrics.CompletionTokens = enr.CompletionTokens
			t.Metrics.TotalTokens = enr.TotalTokens
			t.Metrics.TokenCountsEstimated = true
		}
	}

	t.SetLabel("host", env.Env.Host)
	if p.ToolName != "" {
		t.SetLabel("tool_name", p.ToolName)
	}
	if !known {
		t.SetLabel("event_unknown", "true")
	}

	// Preserve the raw payload for debugging.
	raw := env.Payload
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	t.Extensions["tap.raw"] = raw

	return t
}

// Canonicalize fills schema version, IDs, and timestamp on a pre-formed
// record so downstream invariants hold regardless of the tap version.
func (m *Mapper) Canonicalize(t *TraceV1) {
	t.SchemaVer = SchemaVersion
	if t.IDs.TraceID == "" {
		t.IDs.TraceID = m.minter.TraceID(t.IDs.SessionID)
	}
	if t.IDs.SpanID == "" {
		t.IDs.SpanID = SpanID()
	}
	if t.Timestamp == "" {
		t.Timestamp = UTCNowISO()
	}
	if t.Extensions == nil {
		t.Extensions = map[string]json.RawMessage{}
	}
}

// normalizeEvent maps host hook names to canonical dotted form. Unknown
// events pass through unchanged; the caller labels them.
func normalizeEvent(e string) (string, bool) {
	switch e {
	case "PostToolUse", "tool.post":
		return "tool.post", true
	case "Stop", "ModelEnd", "model.end":
		return "model.end", true
	case "SessionStart", "session.start":
		return "session.start", true
	case "SessionEnd", "session.end":
		return "session.end", true
	default:
		return e, false
	}
}

// rawString unwraps a JSON string value; non-strings report false.
func rawString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
