package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rantslabs/rants/internal/errkind"
)

// readTool reads a file slice with line numbers.
type readTool struct{}

func (readTool) Name() string        { return "read" }
func (readTool) Description() string { return "Read a file from the workspace" }

func (readTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {"type": "string"},
			"offset": {"type": "integer"},
			"limit": {"type": "integer"}
		},
		"required": ["filePath"]
	}`)
}

func (readTool) Execute(ctx context.Context, ec *ExecContext, params json.RawMessage) *Result {
	var p struct {
		FilePath string `json:"filePath"`
		Offset   int    `json:"offset"`
		Limit    int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(errkind.ToolExecError, "decode parameters: %v", err)
	}
	path, err := resolveWorkspacePath(ec.WorkspaceRoot, p.FilePath)
	if err != nil {
		return fromPathError(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errResult(errkind.ToolExecError, "read %s: %v", p.FilePath, err)
	}
	if p.Limit <= 0 {
		p.Limit = 2000
	}
	lines := strings.Split(string(data), "\n")
	if p.Offset > len(lines) {
		p.Offset = len(lines)
	}
	end := p.Offset + p.Limit
	if end > len(lines) {
		end = len(lines)
	}
	var b strings.Builder
	for i, line := range lines[p.Offset:end] {
		fmt.Fprintf(&b, "%05d| %s\n", p.Offset+i+1, line)
	}
	return okJSON(ec, map[string]string{"file": strings.TrimSuffix(b.String(), "\n")})
}

// writeTool creates or replaces a file.
type writeTool struct{}

func (writeTool) Name() string        { return "write" }
func (writeTool) Description() string { return "Write a file to the workspace" }

func (writeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {"type": "string"},
			"content": {"type": "string"}
		},
		"required": ["filePath", "content"]
	}`)
}

func (writeTool) Execute(ctx context.Context, ec *ExecContext, params json.RawMessage) *Result {
	var p struct {
		FilePath string `json:"filePath"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(errkind.ToolExecError, "decode parameters: %v", err)
	}
	path, err := resolveWorkspacePath(ec.WorkspaceRoot, p.FilePath)
	if err != nil {
		return fromPathError(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errResult(errkind.ToolExecError, "create parent dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(p.Content), 0o644); err != nil {
		return errResult(errkind.ToolExecError, "write %s: %v", p.FilePath, err)
	}
	return okJSON(ec, map[string]bool{"ok": true})
}

type editOp struct {
	OldString  string `json:"oldString"`
	NewString  string `json:"newString"`
	ReplaceAll bool   `json:"replaceAll"`
}

func applyEdit(content string, op editOp) (string, error) {
	if op.ReplaceAll {
		if !strings.Contains(content, op.OldString) {
			return "", fmt.Errorf("oldString not found in content")
		}
		return strings.ReplaceAll(content, op.OldString, op.NewString), nil
	}
	if strings.Count(content, op.OldString) != 1 {
		return "", fmt.Errorf("oldString must match exactly once")
	}
	return strings.Replace(content, op.OldString, op.NewString, 1), nil
}

// editTool applies one string replacement to a file.
type editTool struct{}

func (editTool) Name() string        { return "edit" }
func (editTool) Description() string { return "Edit a file with string replacement" }

func (editTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {"type": "string"},
			"oldString": {"type": "string"},
			"newString": {"type": "string"},
			"replaceAll": {"type": "boolean"}
		},
		"required": ["filePath", "oldString", "newString"]
	}`)
}

func (editTool) Execute(ctx context.Context, ec *ExecContext, params json.RawMessage) *Result {
	var p struct {
		FilePath string `json:"filePath"`
		editOp
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(errkind.ToolExecError, "decode parameters: %v", err)
	}
	path, err := resolveWorkspacePath(ec.WorkspaceRoot, p.FilePath)
	if err != nil {
		return fromPathError(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errResult(errkind.ToolExecError, "read %s: %v", p.FilePath, err)
	}
	content, err := applyEdit(string(data), p.editOp)
	if err != nil {
		return errResult(errkind.ToolExecError, "edit %s: %v", p.FilePath, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return errResult(errkind.ToolExecError, "write %s: %v", p.FilePath, err)
	}
	return okJSON(ec, map[string]bool{"ok": true})
}

// multieditTool applies a sequence of replacements to one file.
type multieditTool struct{}

func (multieditTool) Name() string        { return "multiedit" }
func (multieditTool) Description() string { return "Apply multiple string replacements to a file" }

func (multieditTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {"type": "string"},
			"edits": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"oldString": {"type": "string"},
						"newString": {"type": "string"},
						"replaceAll": {"type": "boolean"}
					},
					"required": ["oldString", "newString"]
				}
			}
		},
		"required": ["filePath", "edits"]
	}`)
}

func (multieditTool) Execute(ctx context.Context, ec *ExecContext, params json.RawMessage) *Result {
	var p struct {
		FilePath string   `json:"filePath"`
		Edits    []editOp `json:"edits"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(errkind.ToolExecError, "decode parameters: %v", err)
	}
	path, err := resolveWorkspacePath(ec.WorkspaceRoot, p.FilePath)
	if err != nil {
		return fromPathError(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errResult(errkind.ToolExecError, "read %s: %v", p.FilePath, err)
	}
	content := string(data)
	for i, op := range p.Edits {
		content, err = applyEdit(content, op)
		if err != nil {
			return errResult(errkind.ToolExecError, "edit %d of %s: %v", i, p.FilePath, err)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return errResult(errkind.ToolExecError, "write %s: %v", p.FilePath, err)
	}
	return okJSON(ec, map[string]bool{"ok": true})
}

// lsTool lists directory entries.
type lsTool struct{}

func (lsTool) Name() string        { return "ls" }
func (lsTool) Description() string { return "List directory entries" }

func (lsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}}
	}`)
}

func (lsTool) Execute(ctx context.Context, ec *ExecContext, params json.RawMessage) *Result {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(errkind.ToolExecError, "decode parameters: %v", err)
	}
	if p.Path == "" {
		p.Path = "."
	}
	path, err := resolveWorkspacePath(ec.WorkspaceRoot, p.Path)
	if err != nil {
		return fromPathError(err)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return errResult(errkind.ToolExecError, "list %s: %v", p.Path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return okJSON(ec, map[string][]string{"entries": names})
}

// globTool matches files by pattern relative to the workspace.
type globTool struct{}

func (globTool) Name() string        { return "glob" }
func (globTool) Description() string { return "Match workspace files by glob pattern" }

func (globTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string"},
			"path": {"type": "string"}
		},
		"required": ["pattern"]
	}`)
}

func (globTool) Execute(ctx context.Context, ec *ExecContext, params json.RawMessage) *Result {
	var p struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(errkind.ToolExecError, "decode parameters: %v", err)
	}
	base := ec.WorkspaceRoot
	if p.Path != "" {
		resolved, err := resolveWorkspacePath(ec.WorkspaceRoot, p.Path)
		if err != nil {
			return fromPathError(err)
		}
		base = resolved
	}
	matches, err := fs.Glob(os.DirFS(base), p.Pattern)
	if err != nil {
		return errResult(errkind.ToolExecError, "glob %q: %v", p.Pattern, err)
	}
	if matches == nil {
		matches = []string{}
	}
	return okJSON(ec, map[string][]string{"matches": matches})
}

// grepTool searches file contents by regular expression.
type grepTool struct{}

func (grepTool) Name() string        { return "grep" }
func (grepTool) Description() string { return "Search workspace files by regular expression" }

func (grepTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string"},
			"path": {"type": "string"},
			"include": {"type": "string"}
		},
		"required": ["pattern"]
	}`)
}

type grepMatch struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func (grepTool) Execute(ctx context.Context, ec *ExecContext, params json.RawMessage) *Result {
	var p struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
		Include string `json:"include"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(errkind.ToolExecError, "decode parameters: %v", err)
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return errResult(errkind.ToolExecError, "compile pattern: %v", err)
	}
	if p.Path == "" {
		p.Path = "."
	}
	base, err := resolveWorkspacePath(ec.WorkspaceRoot, p.Path)
	if err != nil {
		return fromPathError(err)
	}

	results := []grepMatch{}
	walkErr := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.Include != "" {
			if ok, _ := filepath.Match(p.Include, d.Name()); !ok {
				return nil
			}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(ec.WorkspaceRoot, path)
		if err != nil {
			rel = path
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				results = append(results, grepMatch{File: rel, Line: i + 1, Text: line})
			}
		}
		return nil
	})
	if walkErr != nil {
		return errResult(errkind.ToolExecError, "grep: %v", walkErr)
	}
	return okJSON(ec, map[string][]grepMatch{"results": results})
}

// fromPathError converts a sandbox error into a result, preserving the
// SandboxViolation kind.
func fromPathError(err error) *Result {
	return &Result{OK: false, Output: err.Error(), ErrorKind: errkind.KindOf(err)}
}
