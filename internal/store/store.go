// Package store implements the transcript store on an embedded SQLite
// database. Sessions, steps, tool calls and results, responses, and audit
// events are tenant-scoped; a step and its calls, results, and audit rows
// commit in one transaction so a step is either fully visible or absent.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rantslabs/rants/internal/audit"
	"github.com/rantslabs/rants/internal/errkind"
	"github.com/rantslabs/rants/pkg/models"
)

// Store is the SQLite-backed transcript store.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	parent_id TEXT,
	tenant_id TEXT NOT NULL,
	depth INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	deadline_at TEXT NOT NULL,
	status TEXT NOT NULL,
	system_prompt TEXT NOT NULL DEFAULT '',
	user_input TEXT NOT NULL DEFAULT '',
	tool_schema_digest TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS steps (
	session_id TEXT NOT NULL,
	step_index INTEGER NOT NULL,
	generator_output TEXT NOT NULL,
	tool_intent TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	PRIMARY KEY (session_id, step_index)
);

CREATE TABLE IF NOT EXISTS tool_calls (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	step_index INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	tool TEXT NOT NULL,
	parameters TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_results (
	call_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	step_index INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	ok INTEGER NOT NULL,
	output TEXT NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	bytes_truncated INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	step_index INTEGER NOT NULL,
	call_id TEXT NOT NULL,
	tool TEXT NOT NULL,
	ok INTEGER NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	size_before INTEGER NOT NULL,
	size_after INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS responses (
	response_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	previous_response_id TEXT,
	created_at TEXT NOT NULL,
	response_json TEXT NOT NULL,
	transcript_json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_steps_session ON steps(session_id, step_index);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit(session_id, step_index);
`

// Open opens (creating if necessary) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent sessions.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// CreateSession inserts a new session row together with its transcript
// header. Depth is validated by the orchestrator before calling.
func (s *Store) CreateSession(ctx context.Context, sess *models.RecursiveSession, transcript *models.CanonicalTranscript) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, parent_id, tenant_id, depth, created_at, deadline_at, status, system_prompt, user_input, tool_schema_digest)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.SessionID, sess.ParentID, sess.TenantID, sess.Depth,
		formatTime(sess.CreatedAt), formatTime(sess.DeadlineAt), string(sess.Status),
		transcript.System, transcript.User, transcript.ToolSchemaDigest)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// SetSessionStatus updates the lifecycle state of a session.
func (s *Store) SetSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE session_id = ?`, string(status), sessionID)
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	return nil
}

// GetSession loads a session scoped to the tenant.
func (s *Store) GetSession(ctx context.Context, tenantID, sessionID string) (*models.RecursiveSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, COALESCE(parent_id, ''), tenant_id, depth, created_at, deadline_at, status
		FROM sessions WHERE session_id = ? AND tenant_id = ?
	`, sessionID, tenantID)

	var sess models.RecursiveSession
	var createdAt, deadlineAt, status string
	err := row.Scan(&sess.SessionID, &sess.ParentID, &sess.TenantID, &sess.Depth, &createdAt, &deadlineAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.DeadlineAt = parseTime(deadlineAt)
	sess.Status = models.SessionStatus(status)
	return &sess, nil
}

// ChildSessions lists the sessions spawned by a parent, oldest first.
func (s *Store) ChildSessions(ctx context.Context, tenantID, parentID string) ([]*models.RecursiveSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, COALESCE(parent_id, ''), tenant_id, depth, created_at, deadline_at, status
		FROM sessions WHERE parent_id = ? AND tenant_id = ? ORDER BY created_at
	`, parentID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query child sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.RecursiveSession
	for rows.Next() {
		var sess models.RecursiveSession
		var createdAt, deadlineAt, status string
		if err := rows.Scan(&sess.SessionID, &sess.ParentID, &sess.TenantID, &sess.Depth, &createdAt, &deadlineAt, &status); err != nil {
			return nil, err
		}
		sess.CreatedAt = parseTime(createdAt)
		sess.DeadlineAt = parseTime(deadlineAt)
		sess.Status = models.SessionStatus(status)
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// AppendStep persists one finalized step with its calls, results, and audit
// rows in a single transaction. stepIndex must equal the current step count;
// gaps and duplicates are rejected with ConcurrentModification, enforcing a
// single writer per session.
func (s *Store) AppendStep(ctx context.Context, tenantID, sessionID string, stepIndex int, step models.Step, events []audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append step: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM steps WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
		return fmt.Errorf("count steps: %w", err)
	}
	if count != stepIndex {
		return errkind.Newf(errkind.ConcurrentModification,
			"step index %d does not follow %d persisted steps", stepIndex, count)
	}
	if len(step.ToolCalls) != len(step.ToolResults) {
		return errkind.Newf(errkind.Internal,
			"finalized step has %d calls but %d results", len(step.ToolCalls), len(step.ToolResults))
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO steps (session_id, step_index, generator_output, tool_intent, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, stepIndex, step.GeneratorOutput, step.ToolIntent,
		formatTime(step.StartedAt), formatTime(step.FinishedAt)); err != nil {
		return fmt.Errorf("insert step: %w", err)
	}

	for seq, call := range step.ToolCalls {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tool_calls (id, session_id, step_index, seq, tool, parameters)
			VALUES (?, ?, ?, ?, ?, ?)
		`, call.ID, sessionID, stepIndex, seq, call.Tool, string(call.Parameters)); err != nil {
			return fmt.Errorf("insert tool call: %w", err)
		}
	}
	for seq, res := range step.ToolResults {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tool_results (call_id, session_id, step_index, seq, ok, output, error_kind, started_at, finished_at, bytes_truncated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, res.CallID, sessionID, stepIndex, seq, res.OK, res.Output, res.ErrorKind,
			formatTime(res.StartedAt), formatTime(res.FinishedAt), res.BytesTruncated); err != nil {
			return fmt.Errorf("insert tool result: %w", err)
		}
	}
	for _, e := range events {
		if err := insertAudit(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit step: %w", err)
	}
	return nil
}

// RecordAudit appends audit events outside a step transaction.
func (s *Store) RecordAudit(ctx context.Context, events []audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit: %w", err)
	}
	defer tx.Rollback()
	for _, e := range events {
		if err := insertAudit(ctx, tx, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertAudit(ctx context.Context, tx *sql.Tx, e audit.Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit (tenant_id, session_id, step_index, call_id, tool, ok, error_kind, created_at, size_before, size_after)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.TenantID, e.SessionID, e.StepIndex, e.CallID, e.Tool, e.OK, e.ErrorKind,
		formatTime(e.Timestamp), e.SizeBefore, e.SizeAfter)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// AuditEvents returns the audit rows for a session ordered by step and call
// sequence.
func (s *Store) AuditEvents(ctx context.Context, tenantID, sessionID string) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, session_id, step_index, call_id, tool, ok, error_kind, created_at, size_before, size_after
		FROM audit WHERE session_id = ? AND tenant_id = ? ORDER BY step_index, id
	`, sessionID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var e audit.Event
		var created string
		if err := rows.Scan(&e.TenantID, &e.SessionID, &e.StepIndex, &e.CallID, &e.Tool, &e.OK, &e.ErrorKind, &created, &e.SizeBefore, &e.SizeAfter); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// LoadTranscript reconstructs the canonical transcript of a session from its
// header and persisted steps.
func (s *Store) LoadTranscript(ctx context.Context, tenantID, sessionID string) (*models.CanonicalTranscript, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT system_prompt, user_input, tool_schema_digest
		FROM sessions WHERE session_id = ? AND tenant_id = ?
	`, sessionID, tenantID)

	transcript := &models.CanonicalTranscript{}
	err := row.Scan(&transcript.System, &transcript.User, &transcript.ToolSchemaDigest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load transcript header: %w", err)
	}

	steps, err := s.loadSteps(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	transcript.Steps = steps
	return transcript, nil
}

func (s *Store) loadSteps(ctx context.Context, sessionID string) ([]models.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_index, generator_output, tool_intent, started_at, finished_at
		FROM steps WHERE session_id = ? ORDER BY step_index
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []models.Step
	var indexes []int
	for rows.Next() {
		var step models.Step
		var index int
		var started, finished string
		if err := rows.Scan(&index, &step.GeneratorOutput, &step.ToolIntent, &started, &finished); err != nil {
			return nil, err
		}
		step.StartedAt = parseTime(started)
		step.FinishedAt = parseTime(finished)
		step.ToolCalls = []models.ToolCall{}
		step.ToolResults = []models.ToolResult{}
		steps = append(steps, step)
		indexes = append(indexes, index)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, index := range indexes {
		calls, results, err := s.loadStepTools(ctx, sessionID, index)
		if err != nil {
			return nil, err
		}
		steps[i].ToolCalls = calls
		steps[i].ToolResults = results
	}
	return steps, nil
}

func (s *Store) loadStepTools(ctx context.Context, sessionID string, stepIndex int) ([]models.ToolCall, []models.ToolResult, error) {
	callRows, err := s.db.QueryContext(ctx, `
		SELECT id, tool, parameters FROM tool_calls
		WHERE session_id = ? AND step_index = ? ORDER BY seq
	`, sessionID, stepIndex)
	if err != nil {
		return nil, nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer callRows.Close()

	calls := []models.ToolCall{}
	for callRows.Next() {
		call := models.ToolCall{SessionID: sessionID, StepIndex: stepIndex}
		var params string
		if err := callRows.Scan(&call.ID, &call.Tool, &params); err != nil {
			return nil, nil, err
		}
		call.Parameters = json.RawMessage(params)
		calls = append(calls, call)
	}
	if err := callRows.Err(); err != nil {
		return nil, nil, err
	}

	resultRows, err := s.db.QueryContext(ctx, `
		SELECT call_id, ok, output, error_kind, started_at, finished_at, bytes_truncated
		FROM tool_results WHERE session_id = ? AND step_index = ? ORDER BY seq
	`, sessionID, stepIndex)
	if err != nil {
		return nil, nil, fmt.Errorf("query tool results: %w", err)
	}
	defer resultRows.Close()

	results := []models.ToolResult{}
	for resultRows.Next() {
		var res models.ToolResult
		var started, finished string
		if err := resultRows.Scan(&res.CallID, &res.OK, &res.Output, &res.ErrorKind, &started, &finished, &res.BytesTruncated); err != nil {
			return nil, nil, err
		}
		res.StartedAt = parseTime(started)
		res.FinishedAt = parseTime(finished)
		results = append(results, res)
	}
	return calls, results, resultRows.Err()
}

// PersistResponse stores the final response object and its transcript
// snapshot for previous_response_id continuation.
func (s *Store) PersistResponse(ctx context.Context, tenantID, sessionID string, resp *models.ResponseObject, transcript *models.CanonicalTranscript) error {
	respJSON, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	transcriptJSON, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO responses (response_id, tenant_id, session_id, previous_response_id, created_at, response_json, transcript_json)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?)
	`, resp.ID, tenantID, sessionID, resp.PreviousResponseID,
		formatTime(time.Now().UTC()), string(respJSON), string(transcriptJSON))
	if err != nil {
		return fmt.Errorf("persist response: %w", err)
	}
	return nil
}

// LookupResponse loads a stored response and its transcript, scoped to the
// tenant. A response owned by another tenant is indistinguishable from a
// missing one.
func (s *Store) LookupResponse(ctx context.Context, tenantID, responseID string) (*models.ResponseObject, *models.CanonicalTranscript, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT response_json, transcript_json FROM responses
		WHERE response_id = ? AND tenant_id = ?
	`, responseID, tenantID)

	var respJSON, transcriptJSON string
	err := row.Scan(&respJSON, &transcriptJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, errkind.New(errkind.NotFound, "response not found")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lookup response: %w", err)
	}

	var resp models.ResponseObject
	if err := json.Unmarshal([]byte(respJSON), &resp); err != nil {
		return nil, nil, fmt.Errorf("decode response: %w", err)
	}
	var transcript models.CanonicalTranscript
	if err := json.Unmarshal([]byte(transcriptJSON), &transcript); err != nil {
		return nil, nil, fmt.Errorf("decode transcript: %w", err)
	}
	return &resp, &transcript, nil
}

// NewResponseID mints a response identifier.
func NewResponseID() string {
	return "resp_" + uuid.NewString()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return time.Time{}.UTC().Format(time.RFC3339Nano)
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
