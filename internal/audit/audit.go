// Package audit defines the append-only audit trail for tool executions.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/rantslabs/rants/pkg/models"
)

// Event is one audit row. Exactly one event is recorded per tool execution.
type Event struct {
	TenantID   string    `json:"tenant_id"`
	SessionID  string    `json:"session_id"`
	StepIndex  int       `json:"step_index"`
	CallID     string    `json:"call_id"`
	Tool       string    `json:"tool"`
	OK         bool      `json:"ok"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	SizeBefore int       `json:"size_before"`
	SizeAfter  int       `json:"size_after"`
}

// Recorder persists audit events. The transcript store implements it; tests
// substitute doubles.
type Recorder interface {
	RecordAudit(ctx context.Context, events []Event) error
}

// FromStep derives one event per tool result of a finalized step.
// SizeBefore is the output size before truncation, SizeAfter what was kept.
func FromStep(tenantID, sessionID string, stepIndex int, step models.Step) []Event {
	if len(step.ToolResults) == 0 {
		return nil
	}
	events := make([]Event, 0, len(step.ToolResults))
	for i, res := range step.ToolResults {
		tool := ""
		if i < len(step.ToolCalls) {
			tool = step.ToolCalls[i].Tool
		}
		events = append(events, Event{
			TenantID:   tenantID,
			SessionID:  sessionID,
			StepIndex:  stepIndex,
			CallID:     res.CallID,
			Tool:       tool,
			OK:         res.OK,
			ErrorKind:  res.ErrorKind,
			Timestamp:  res.FinishedAt,
			SizeBefore: len(res.Output) + res.BytesTruncated,
			SizeAfter:  len(res.Output),
		})
	}
	return events
}

// Logger mirrors audit events to structured logs. Persistence happens in
// the store transaction that finalizes the step; the logger never writes
// rows itself.
type Logger struct {
	log *slog.Logger
}

// NewLogger creates a log mirror for audit events.
func NewLogger(log *slog.Logger) *Logger {
	return &Logger{log: log}
}

// Mirror emits one structured log line per event.
func (l *Logger) Mirror(events []Event) {
	for _, e := range events {
		l.log.Info("tool execution",
			"tenant_id", e.TenantID,
			"session_id", e.SessionID,
			"step_index", e.StepIndex,
			"call_id", e.CallID,
			"tool", e.Tool,
			"ok", e.OK,
			"error_kind", e.ErrorKind,
			"size_after", e.SizeAfter,
		)
	}
}
