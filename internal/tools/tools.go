// Package tools implements the tool registry, the workspace sandbox, and the
// built-in executors. The registered set is fixed at startup; its canonical
// digest is recorded on every transcript.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rantslabs/rants/internal/errkind"
)

// Result is the outcome of one executor invocation. Executors never return
// Go errors to callers; internal failures map to an error kind here.
type Result struct {
	OK             bool
	Output         string
	ErrorKind      errkind.Kind
	BytesTruncated int
}

// ExecContext carries the sandbox contract into executors.
type ExecContext struct {
	// WorkspaceRoot is the absolute directory tools must stay inside.
	WorkspaceRoot string

	// Deadline bounds the execution; executors observe ctx cancellation.
	Deadline time.Time

	TenantID  string
	SessionID string

	// OutputMaxBytes caps executor output; exceeding output is truncated
	// with a marker and the dropped byte count recorded.
	OutputMaxBytes int

	// WebfetchMaxBytes caps webfetch bodies.
	WebfetchMaxBytes int
}

// Tool is the executor contract: a name, a description, a JSON schema for
// parameters, and a single execute capability.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, ec *ExecContext, params json.RawMessage) *Result
}

// errResult builds a failed result from a kind and message.
func errResult(kind errkind.Kind, format string, args ...any) *Result {
	return &Result{OK: false, Output: fmt.Sprintf(format, args...), ErrorKind: kind}
}

// okJSON marshals a value as a successful result, applying the output cap.
func okJSON(ec *ExecContext, value any) *Result {
	data, err := json.Marshal(value)
	if err != nil {
		return errResult(errkind.ToolExecError, "encode output: %v", err)
	}
	out, truncated := capOutput(string(data), ec.OutputMaxBytes)
	return &Result{OK: true, Output: out, BytesTruncated: truncated}
}

const truncationMarker = "\n[output truncated]"

// capOutput truncates s to max bytes, appending a marker when bytes were
// dropped. Output exactly at the cap passes through unchanged.
func capOutput(s string, max int) (string, int) {
	if max <= 0 || len(s) <= max {
		return s, 0
	}
	kept := s[:max]
	// Avoid splitting a UTF-8 sequence.
	for len(kept) > 0 && kept[len(kept)-1]&0xC0 == 0x80 {
		kept = kept[:len(kept)-1]
	}
	return kept + truncationMarker, len(s) - len(kept)
}
