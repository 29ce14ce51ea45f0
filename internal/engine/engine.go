// Package engine implements the RLM generator contract: the system prompt
// that constrains generator output to user-facing text plus an optional
// trailing TOOL_INTENT line, and the parser that splits the two.
package engine

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rantslabs/rants/internal/backend"
	"github.com/rantslabs/rants/pkg/models"
)

// IntentPrefix is the literal marker a generator uses to request a tool.
const IntentPrefix = "TOOL_INTENT:"

var intentLine = regexp.MustCompile(`^TOOL_INTENT:\s*(.+)$`)

// Output is a parsed generator response.
type Output struct {
	// Text is the user-visible portion.
	Text string
	// ToolIntent is the plain-English tool request, empty when absent.
	ToolIntent string
}

// Engine builds generator prompts and parses generator output.
type Engine struct {
	toolNames  []string
	toolChoice string
}

// New creates an engine advertising the given tool names. toolChoice is the
// hint forwarded from the request ("auto" when unset).
func New(toolNames []string, toolChoice string) *Engine {
	if toolChoice == "" {
		toolChoice = "auto"
	}
	return &Engine{toolNames: toolNames, toolChoice: toolChoice}
}

// SystemPrompt renders the generator output contract.
func (e *Engine) SystemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a generator model for the RANTS gateway. ")
	b.WriteString("Respond with user-facing text only. If a tool should be used, append a line: ")
	b.WriteString("TOOL_INTENT: <plain English>. Never output JSON or code for tools.\n")
	b.WriteString("available_tools: ")
	b.WriteString(strings.Join(e.toolNames, ", "))
	b.WriteString("\ntool_choice: ")
	b.WriteString(e.toolChoice)
	return b.String()
}

// BuildMessages renders a transcript into the normalized message shape for
// the generator backend. Prior steps replay as assistant turns (with their
// intent line restored) followed by a user turn carrying the tool results.
func (e *Engine) BuildMessages(transcript *models.CanonicalTranscript) []backend.Message {
	messages := []backend.Message{{Role: "system", Content: e.SystemPrompt()}}
	if transcript.System != "" {
		messages = append(messages, backend.Message{Role: "system", Content: transcript.System})
	}
	messages = append(messages, backend.Message{Role: "user", Content: transcript.User})

	for _, step := range transcript.Steps {
		content := step.GeneratorOutput
		if step.ToolIntent != "" {
			if content != "" {
				content += "\n"
			}
			content += IntentPrefix + " " + step.ToolIntent
		}
		messages = append(messages, backend.Message{Role: "assistant", Content: content})
		if len(step.ToolResults) > 0 {
			messages = append(messages, backend.Message{Role: "user", Content: renderResults(step)})
		}
	}
	return messages
}

// renderResults summarizes a step's tool results for the next generation.
func renderResults(step models.Step) string {
	type entry struct {
		Tool      string `json:"tool"`
		OK        bool   `json:"ok"`
		Output    string `json:"output"`
		ErrorKind string `json:"error_kind,omitempty"`
	}
	entries := make([]entry, len(step.ToolResults))
	for i, res := range step.ToolResults {
		tool := ""
		if i < len(step.ToolCalls) {
			tool = step.ToolCalls[i].Tool
		}
		entries[i] = entry{Tool: tool, OK: res.OK, Output: res.Output, ErrorKind: res.ErrorKind}
	}
	data, err := json.Marshal(map[string]any{"tool_results": entries})
	if err != nil {
		return "tool_results: []"
	}
	return string(data)
}

// ParseOutput splits generator output into user-visible text and the tool
// intent. Only the last TOOL_INTENT line counts; earlier ones are stripped
// from the text so clients never see the marker.
func ParseOutput(raw string) Output {
	lines := strings.Split(raw, "\n")
	intentIndex := -1
	intent := ""
	for i, line := range lines {
		if m := intentLine.FindStringSubmatch(strings.TrimRight(line, "\r")); m != nil {
			intentIndex = i
			intent = strings.TrimSpace(m[1])
		}
	}
	if intentIndex < 0 {
		return Output{Text: raw}
	}

	kept := make([]string, 0, intentIndex)
	for i, line := range lines {
		if i == intentIndex {
			break
		}
		if intentLine.MatchString(strings.TrimRight(line, "\r")) {
			continue
		}
		kept = append(kept, line)
	}
	text := strings.TrimRight(strings.Join(kept, "\n"), " \t\n\r")
	if text != "" {
		text += "\n"
	}
	return Output{Text: text, ToolIntent: intent}
}
