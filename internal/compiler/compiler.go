// Package compiler turns plain-English tool intent into a validated
// tool_calls array using the dedicated tool-compiler backend. Raw compiler
// output never leaves this package.
package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rantslabs/rants/internal/backend"
	"github.com/rantslabs/rants/internal/errkind"
	"github.com/rantslabs/rants/internal/tools"
	"github.com/rantslabs/rants/pkg/models"
)

const systemPrompt = `Return JSON only. Schema: {"tool_calls": [{"tool": <name>, "parameters": <object>}, ...]}. No prose, no code fences.`

// Call is one compiled tool invocation before the orchestrator assigns ids.
type Call struct {
	Tool       string          `json:"tool"`
	Parameters json.RawMessage `json:"parameters"`
}

// Compiler invokes the tool-compiler backend at temperature zero and
// validates its output against the registry. One repair attempt is made on
// parse or validation failure.
type Compiler struct {
	backend  backend.Backend
	registry *tools.Registry
	model    string
}

// New creates a compiler bound to a backend and the process registry.
func New(b backend.Backend, registry *tools.Registry, model string) *Compiler {
	return &Compiler{backend: b, registry: registry, model: model}
}

// Compile produces the validated tool calls for an intent.
func (c *Compiler) Compile(ctx context.Context, schemas []models.ToolSchema, compactContext, intent string) ([]Call, error) {
	userPayload, err := json.Marshal(map[string]any{
		"tool_schemas": schemas,
		"context":      compactContext,
		"tool_intent":  intent,
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "encode compiler input", err)
	}

	zero := float32(0)
	req := &backend.Request{
		Model:       c.model,
		Temperature: &zero,
		Messages: []backend.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(userPayload)},
		},
	}

	completion, err := c.backend.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	calls, validationErr := c.parseAndValidate(completion.Text)
	if validationErr == nil {
		return calls, nil
	}

	// One repair attempt: replay the faulty output and the specific error.
	repairReq := *req
	repairReq.Messages = append(append([]backend.Message{}, req.Messages...),
		backend.Message{Role: "assistant", Content: completion.Text},
		backend.Message{Role: "user", Content: "Your previous output was invalid: " + validationErr.Error() +
			". Return only the corrected JSON object."},
	)
	completion, err = c.backend.Complete(ctx, &repairReq)
	if err != nil {
		return nil, err
	}
	calls, validationErr = c.parseAndValidate(completion.Text)
	if validationErr != nil {
		return nil, errkind.Wrap(errkind.ToolCompileError, "tool compilation failed", validationErr)
	}
	return calls, nil
}

func (c *Compiler) parseAndValidate(raw string) ([]Call, error) {
	payload, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		ToolCalls []Call `json:"tool_calls"`
	}
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return nil, fmt.Errorf("decode tool_calls: %w", err)
	}
	if decoded.ToolCalls == nil {
		return nil, fmt.Errorf("missing tool_calls array")
	}
	for i, call := range decoded.ToolCalls {
		if _, ok := c.registry.Get(call.Tool); !ok {
			return nil, fmt.Errorf("call %d: unknown tool %q", i, call.Tool)
		}
		if err := c.registry.Validate(call.Tool, call.Parameters); err != nil {
			return nil, fmt.Errorf("call %d (%s): %w", i, call.Tool, err)
		}
	}
	return decoded.ToolCalls, nil
}

// extractJSON accepts the raw body, the contents of a single top-level code
// fence, or the first balanced JSON object found in the text.
func extractJSON(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("empty compiler output")
	}
	if json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}

	if strings.HasPrefix(trimmed, "```") {
		inner := strings.TrimPrefix(trimmed, "```")
		if idx := strings.Index(inner, "\n"); idx >= 0 {
			inner = inner[idx+1:]
		}
		if end := strings.LastIndex(inner, "```"); end >= 0 {
			inner = inner[:end]
		}
		inner = strings.TrimSpace(inner)
		if json.Valid([]byte(inner)) {
			return inner, nil
		}
	}

	if obj := firstBalancedObject(trimmed); obj != "" {
		return obj, nil
	}
	return "", fmt.Errorf("no JSON object found in compiler output")
}

// firstBalancedObject scans for the first balanced top-level {...} that is
// valid JSON, honoring strings and escapes.
func firstBalancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(s); i++ {
			ch := s[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case ch == '\\':
					escaped = true
				case ch == '"':
					inString = false
				}
				continue
			}
			switch ch {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := s[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate
					}
					i = len(s)
				}
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			return ""
		}
		start = start + 1 + next
	}
	return ""
}

// CompactContext summarizes a transcript for the compiler: system, user, and
// the most recent steps, each value truncated for brevity.
func CompactContext(transcript *models.CanonicalTranscript) string {
	const maxSteps = 3
	const maxField = 1024

	var b strings.Builder
	if transcript.System != "" {
		b.WriteString("system: " + clip(transcript.System, maxField) + "\n")
	}
	b.WriteString("user: " + clip(transcript.User, maxField) + "\n")

	steps := transcript.Steps
	if len(steps) > maxSteps {
		steps = steps[len(steps)-maxSteps:]
	}
	for _, step := range steps {
		if step.GeneratorOutput != "" {
			b.WriteString("assistant: " + clip(step.GeneratorOutput, maxField) + "\n")
		}
		for i, res := range step.ToolResults {
			tool := ""
			if i < len(step.ToolCalls) {
				tool = step.ToolCalls[i].Tool
			}
			b.WriteString(fmt.Sprintf("tool %s ok=%t: %s\n", tool, res.OK, clip(res.Output, maxField)))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
