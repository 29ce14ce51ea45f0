package orchestrator

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rantslabs/rants/internal/errkind"
	"github.com/rantslabs/rants/internal/tools"
	"github.com/rantslabs/rants/pkg/models"
)

// executeCalls runs a step's compiled calls in declared order. A failing
// call never aborts the step; its result records ok=false and the next
// generation observes it.
func (o *Orchestrator) executeCalls(ctx context.Context, sess *models.RecursiveSession, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	for i, call := range calls {
		results[i] = o.executeCall(ctx, sess, call)
	}
	return results
}

func (o *Orchestrator) executeCall(ctx context.Context, sess *models.RecursiveSession, call models.ToolCall) models.ToolResult {
	started := time.Now().UTC()

	var res *tools.Result
	switch call.Tool {
	case "task":
		res = o.executeTask(ctx, sess, call.Parameters)
	case "batch":
		res = o.executeBatch(ctx, sess, call)
	default:
		res = o.dispatch(ctx, sess, call.Tool, call.Parameters)
	}

	return models.ToolResult{
		CallID:         call.ID,
		OK:             res.OK,
		Output:         res.Output,
		ErrorKind:      string(res.ErrorKind),
		StartedAt:      started,
		FinishedAt:     time.Now().UTC(),
		BytesTruncated: res.BytesTruncated,
	}
}

// dispatch runs a registry tool on the bounded worker pool.
func (o *Orchestrator) dispatch(ctx context.Context, sess *models.RecursiveSession, name string, params json.RawMessage) *tools.Result {
	tool, ok := o.registry.Get(name)
	if !ok {
		return &tools.Result{OK: false, Output: "unknown tool " + name, ErrorKind: errkind.ToolExecError}
	}

	select {
	case o.toolSem <- struct{}{}:
		defer func() { <-o.toolSem }()
	case <-ctx.Done():
		return cancelResult(ctx)
	}
	if ctx.Err() != nil {
		return cancelResult(ctx)
	}

	ec := &tools.ExecContext{
		WorkspaceRoot:    o.cfg.Limits.WorkspaceRoot,
		Deadline:         sess.DeadlineAt,
		TenantID:         sess.TenantID,
		SessionID:        sess.SessionID,
		OutputMaxBytes:   o.cfg.Limits.ToolOutputMaxBytes,
		WebfetchMaxBytes: o.cfg.Limits.WebfetchMaxBytes,
	}
	return tool.Execute(ctx, ec, params)
}

// executeBatch runs the batch children concurrently and joins. Result order
// matches the declared child order regardless of completion order.
func (o *Orchestrator) executeBatch(ctx context.Context, sess *models.RecursiveSession, call models.ToolCall) *tools.Result {
	var params tools.BatchParams
	if err := json.Unmarshal(call.Parameters, &params); err != nil {
		return &tools.Result{OK: false, Output: "decode batch parameters: " + err.Error(), ErrorKind: errkind.ToolExecError}
	}

	type childOutcome struct {
		Tool   string `json:"tool"`
		OK     bool   `json:"ok"`
		Output string `json:"output"`
	}
	outcomes := make([]childOutcome, len(params.ToolUses))

	var wg sync.WaitGroup
	for i, use := range params.ToolUses {
		wg.Add(1)
		go func(idx int, use tools.BatchUse) {
			defer wg.Done()
			var res *tools.Result
			if use.RecipientName == "task" {
				res = o.executeTask(ctx, sess, use.Parameters)
			} else {
				res = o.dispatch(ctx, sess, use.RecipientName, use.Parameters)
			}
			outcomes[idx] = childOutcome{Tool: use.RecipientName, OK: res.OK, Output: res.Output}
		}(i, use)
	}
	wg.Wait()

	data, err := json.Marshal(map[string]any{"results": outcomes})
	if err != nil {
		return &tools.Result{OK: false, Output: "encode batch output: " + err.Error(), ErrorKind: errkind.ToolExecError}
	}
	return &tools.Result{OK: true, Output: string(data)}
}

// executeTask creates a child session one level deeper and blocks until it
// completes. The child inherits the remaining wallclock; its transcript is
// independent of the parent's.
func (o *Orchestrator) executeTask(ctx context.Context, sess *models.RecursiveSession, params json.RawMessage) *tools.Result {
	var p tools.TaskParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &tools.Result{OK: false, Output: "decode task parameters: " + err.Error(), ErrorKind: errkind.ToolExecError}
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return &tools.Result{OK: false, Output: "task prompt must not be empty", ErrorKind: errkind.ToolExecError}
	}

	maxDepth := o.cfg.RLM.RantsOne.MaxDepth
	if sess.Depth >= maxDepth {
		return &tools.Result{
			OK:        false,
			Output:    "recursion limit reached at depth " + strconv.Itoa(sess.Depth),
			ErrorKind: errkind.RecursionLimit,
		}
	}

	childReq := RunRequest{
		TenantID:     sess.TenantID,
		Input:        p.Prompt,
		ExecuteTools: true,
		Persist:      true,
	}
	result, err := o.run(ctx, childReq, nil, sess.SessionID, sess.Depth+1, sess.DeadlineAt)
	if err != nil {
		return &tools.Result{OK: false, Output: errkind.MessageOf(err), ErrorKind: errkind.KindOf(err)}
	}

	summary := condense(result.Transcript)
	data, merr := json.Marshal(map[string]string{"summary": summary})
	if merr != nil {
		return &tools.Result{OK: false, Output: "encode task output: " + merr.Error(), ErrorKind: errkind.ToolExecError}
	}
	return &tools.Result{OK: true, Output: string(data)}
}

// condense picks the last non-empty assistant output of a child transcript,
// truncated to the summary cap.
func condense(transcript *models.CanonicalTranscript) string {
	for i := len(transcript.Steps) - 1; i >= 0; i-- {
		if out := strings.TrimSpace(transcript.Steps[i].GeneratorOutput); out != "" {
			if len(out) > summaryMaxBytes {
				return out[:summaryMaxBytes]
			}
			return out
		}
	}
	return ""
}

func cancelResult(ctx context.Context) *tools.Result {
	err := deadlineError(ctx.Err())
	return &tools.Result{OK: false, Output: errkind.MessageOf(err), ErrorKind: errkind.KindOf(err)}
}
