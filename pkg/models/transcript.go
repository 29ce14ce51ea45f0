package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// CanonicalTranscript is the context presented to the generator for one
// session: the system prompt, the normalized user input, and the ordered
// steps recorded so far.
type CanonicalTranscript struct {
	System string `json:"system,omitempty"`
	User   string `json:"user"`

	// ToolSchemaDigest is the SHA-256 digest of the canonical encoding of
	// the tool schemas visible to this session. It must not change between
	// steps of the same session.
	ToolSchemaDigest string `json:"tool_schema_digest"`

	Steps []Step `json:"steps"`
}

// Step records one generation cycle. When finalized, len(ToolCalls) equals
// len(ToolResults); a step with no tool intent has both empty.
type Step struct {
	GeneratorOutput string       `json:"generator_output"`
	ToolIntent      string       `json:"tool_intent,omitempty"`
	ToolCalls       []ToolCall   `json:"tool_calls"`
	ToolResults     []ToolResult `json:"tool_results"`
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      time.Time    `json:"finished_at"`
}

// ToolCall is a compiled, schema-validated invocation of a registered tool.
type ToolCall struct {
	ID         string          `json:"id"`
	Tool       string          `json:"tool"`
	Parameters json.RawMessage `json:"parameters"`
	StepIndex  int             `json:"step_index"`
	SessionID  string          `json:"session_id"`
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	CallID         string    `json:"call_id"`
	OK             bool      `json:"ok"`
	Output         string    `json:"output"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	BytesTruncated int       `json:"bytes_truncated,omitempty"`
}

// ToolSchema describes a registered tool to the generator and the tool
// compiler.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// ToolSchemaDigest computes the canonical SHA-256 digest of a schema list.
// Schemas are sorted by name and compact-encoded so the digest is stable
// across processes and map iteration order.
func ToolSchemaDigest(schemas []ToolSchema) string {
	sorted := make([]ToolSchema, len(schemas))
	copy(sorted, schemas)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, s := range sorted {
		// Encode errors are impossible for these field types.
		_ = enc.Encode(s)
	}
	return hex.EncodeToString(h.Sum(nil))
}
