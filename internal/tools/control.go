package tools

import (
	"context"
	"encoding/json"

	"github.com/rantslabs/rants/internal/errkind"
)

// taskTool is the recursion primitive. Its schema lives in the registry so
// the compiler can target it, but execution belongs to the orchestrator: a
// direct registry dispatch means the orchestrator failed to intercept it.
type taskTool struct{}

func (taskTool) Name() string        { return "task" }
func (taskTool) Description() string { return "Run a sub-session over a prompt and return its summary" }

func (taskTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"description": {"type": "string"},
			"prompt": {"type": "string"}
		},
		"required": ["prompt"]
	}`)
}

func (taskTool) Execute(ctx context.Context, ec *ExecContext, params json.RawMessage) *Result {
	return errResult(errkind.ToolExecError, "task tool must be executed by the orchestrator")
}

// batchTool groups child calls for concurrent execution; like task it is
// intercepted by the orchestrator.
type batchTool struct{}

func (batchTool) Name() string        { return "batch" }
func (batchTool) Description() string { return "Run a group of tool calls concurrently" }

func (batchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"tool_uses": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"recipient_name": {"type": "string"},
						"parameters": {"type": "object"}
					},
					"required": ["recipient_name", "parameters"]
				}
			}
		},
		"required": ["tool_uses"]
	}`)
}

func (batchTool) Execute(ctx context.Context, ec *ExecContext, params json.RawMessage) *Result {
	return errResult(errkind.ToolExecError, "batch tool must be executed by the orchestrator")
}

// BatchParams is the decoded parameter shape of a batch call.
type BatchParams struct {
	ToolUses []BatchUse `json:"tool_uses"`
}

// BatchUse is one child invocation inside a batch.
type BatchUse struct {
	RecipientName string          `json:"recipient_name"`
	Parameters    json.RawMessage `json:"parameters"`
}

// TaskParams is the decoded parameter shape of a task call.
type TaskParams struct {
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
}

// DefaultRegistry registers the built-in tool set. The set is fixed for the
// process lifetime.
func DefaultRegistry() (*Registry, error) {
	registry := NewRegistry()
	all := []Tool{
		bashTool{},
		readTool{},
		writeTool{},
		editTool{},
		multieditTool{},
		lsTool{},
		globTool{},
		grepTool{},
		newWebfetchTool(),
		taskTool{},
		batchTool{},
	}
	for _, tool := range all {
		if err := registry.Register(tool); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
