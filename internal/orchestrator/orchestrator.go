// Package orchestrator runs the recursive session loop: generate, parse,
// compile, execute, append, bounded by iterations, depth, and wallclock.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rantslabs/rants/internal/audit"
	"github.com/rantslabs/rants/internal/backend"
	"github.com/rantslabs/rants/internal/compiler"
	"github.com/rantslabs/rants/internal/config"
	"github.com/rantslabs/rants/internal/engine"
	"github.com/rantslabs/rants/internal/errkind"
	"github.com/rantslabs/rants/internal/store"
	"github.com/rantslabs/rants/internal/tools"
	"github.com/rantslabs/rants/pkg/models"
)

// summaryMaxBytes caps the condensed result returned for a task child.
const summaryMaxBytes = 2048

// Orchestrator owns the per-session loop. One instance serves all sessions;
// per-session state lives on the stack of Run.
type Orchestrator struct {
	cfg       *config.Config
	store     *store.Store
	registry  *tools.Registry
	generator backend.Backend
	compiler  *compiler.Compiler
	audit     *audit.Logger
	log       *slog.Logger

	// toolSem bounds concurrent tool executions process-wide.
	toolSem chan struct{}
}

// New wires the orchestrator from the composition root.
func New(cfg *config.Config, st *store.Store, registry *tools.Registry, generator backend.Backend, comp *compiler.Compiler, auditLogger *audit.Logger, log *slog.Logger) *Orchestrator {
	concurrency := cfg.Tools.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		registry:  registry,
		generator: generator,
		compiler:  comp,
		audit:     auditLogger,
		log:       log,
		toolSem:   make(chan struct{}, concurrency),
	}
}

// RunRequest describes one session to orchestrate.
type RunRequest struct {
	TenantID string
	Input    string
	System   string
	// ResponseID, when set, is used for the final ResponseObject so the
	// streaming assembler can announce the id before completion.
	ResponseID         string
	ToolChoice         string
	PreviousResponseID string
	Temperature        *float32
	MaxOutputTokens    int

	// ExecuteTools is false in chat-shim tool mode: one generation and one
	// compilation, no execution, nothing persisted.
	ExecuteTools bool

	// Persist controls whether the session and its steps are stored.
	Persist bool

	// PriorSteps seeds the transcript with steps reconstructed by the chat
	// shim from role:"tool" messages.
	PriorSteps []models.Step
}

// RunResult is the outcome of one orchestrated session.
type RunResult struct {
	Response   *models.ResponseObject
	Transcript *models.CanonicalTranscript
	Session    *models.RecursiveSession
	// LastCalls holds the final step's compiled calls; the chat shim uses
	// them for tool_calls emission.
	LastCalls []models.ToolCall
}

// Run executes the loop for a root session.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest, emit Emitter) (*RunResult, error) {
	return o.run(ctx, req, emit, "", 0, time.Now().Add(o.cfg.Wallclock()))
}

func (o *Orchestrator) run(ctx context.Context, req RunRequest, emit Emitter, parentID string, depth int, deadline time.Time) (*RunResult, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, errkind.New(errkind.BadRequest, "input must not be empty")
	}

	transcript, err := o.buildTranscript(ctx, req)
	if err != nil {
		return nil, err
	}

	sess := &models.RecursiveSession{
		SessionID:  uuid.NewString(),
		ParentID:   parentID,
		TenantID:   req.TenantID,
		Depth:      depth,
		CreatedAt:  time.Now().UTC(),
		DeadlineAt: deadline,
		Status:     models.SessionRunning,
	}
	if req.Persist {
		if err := o.store.CreateSession(ctx, sess, transcript); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	emit.emit(Event{Type: EventSessionStarted})

	result, runErr := o.loop(ctx, req, emit, sess, transcript)
	if runErr != nil {
		status := models.SessionFailed
		if errkind.KindOf(runErr) == errkind.Cancelled {
			status = models.SessionCancelled
		}
		o.finishSession(sess, status, req.Persist)
		emit.emit(Event{Type: EventFailed, Err: runErr})
		return nil, runErr
	}

	o.finishSession(sess, models.SessionCompleted, req.Persist)
	result.Session = sess
	emit.emit(Event{Type: EventCompleted, Response: result.Response})
	return result, nil
}

// finishSession records the terminal status; the write happens on a fresh
// context so a deadline-exceeded session still lands in the store.
func (o *Orchestrator) finishSession(sess *models.RecursiveSession, status models.SessionStatus, persist bool) {
	sess.Status = status
	if !persist {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.SetSessionStatus(ctx, sess.SessionID, status); err != nil {
		o.log.Error("set session status", "session_id", sess.SessionID, "error", err)
	}
}

func (o *Orchestrator) buildTranscript(ctx context.Context, req RunRequest) (*models.CanonicalTranscript, error) {
	transcript := &models.CanonicalTranscript{
		System:           req.System,
		User:             req.Input,
		ToolSchemaDigest: o.registry.Digest(),
		Steps:            []models.Step{},
	}
	if req.PreviousResponseID != "" {
		_, previous, err := o.store.LookupResponse(ctx, req.TenantID, req.PreviousResponseID)
		if err != nil {
			return nil, err
		}
		transcript.Steps = append(transcript.Steps, previous.Steps...)
	}
	if len(req.PriorSteps) > 0 {
		transcript.Steps = append(transcript.Steps, req.PriorSteps...)
	}
	return transcript, nil
}

func (o *Orchestrator) maxIterations() int {
	max := o.cfg.Limits.MaxToolIterations
	if rlmMax := o.cfg.RLM.RantsOne.MaxIterations; rlmMax > 0 && rlmMax < max {
		max = rlmMax
	}
	return max
}

func (o *Orchestrator) loop(ctx context.Context, req RunRequest, emit Emitter, sess *models.RecursiveSession, transcript *models.CanonicalTranscript) (*RunResult, error) {
	eng := engine.New(o.registry.Names(), req.ToolChoice)
	schemas := o.registry.Schemas()
	maxIterations := o.maxIterations()

	var text strings.Builder
	var lastCalls []models.ToolCall

	// Steps loaded from a previous response belong to their own session;
	// this session's persisted step indexes start at zero.
	for iteration := 0; iteration < maxIterations; iteration++ {
		if err := checkDeadline(ctx); err != nil {
			return nil, err
		}

		step := models.Step{
			StartedAt:   time.Now().UTC(),
			ToolCalls:   []models.ToolCall{},
			ToolResults: []models.ToolResult{},
		}
		stepIndex := iteration

		raw, err := o.generate(ctx, eng, transcript, req, emit)
		if err != nil {
			return nil, err
		}
		output := engine.ParseOutput(raw)
		step.GeneratorOutput = output.Text
		step.ToolIntent = output.ToolIntent
		text.WriteString(output.Text)

		if output.ToolIntent == "" {
			step.FinishedAt = time.Now().UTC()
			if err := o.appendStep(ctx, req, sess, transcript, stepIndex, step); err != nil {
				return nil, err
			}
			emit.emit(Event{Type: EventTextDone})
			return o.finish(ctx, req, sess, transcript, text.String(), lastCalls)
		}

		emit.emit(Event{Type: EventToolPhaseStarted})
		calls, err := o.compiler.Compile(ctx, schemas, compiler.CompactContext(transcript), output.ToolIntent)
		if err != nil {
			return nil, err
		}
		step.ToolCalls = o.materializeCalls(sess.SessionID, stepIndex, calls)
		lastCalls = step.ToolCalls

		if len(step.ToolCalls) == 0 {
			// Compiler produced nothing for a non-empty intent. Recorded
			// internally; the client sees a normal completion.
			o.log.Warn("empty compilation", "session_id", sess.SessionID, "intent", output.ToolIntent)
			step.FinishedAt = time.Now().UTC()
			if err := o.appendStep(ctx, req, sess, transcript, stepIndex, step); err != nil {
				return nil, err
			}
			emit.emit(Event{Type: EventToolPhaseDone})
			emit.emit(Event{Type: EventTextDone})
			return o.finish(ctx, req, sess, transcript, text.String(), lastCalls)
		}

		if !req.ExecuteTools {
			// Chat-shim tool mode: hand the calls back to the client.
			step.FinishedAt = time.Now().UTC()
			transcript.Steps = append(transcript.Steps, step)
			emit.emit(Event{Type: EventToolPhaseDone})
			emit.emit(Event{Type: EventTextDone})
			return o.finish(ctx, req, sess, transcript, text.String(), lastCalls)
		}

		step.ToolResults = o.executeCalls(ctx, sess, step.ToolCalls)
		step.FinishedAt = time.Now().UTC()
		if err := o.appendStep(ctx, req, sess, transcript, stepIndex, step); err != nil {
			return nil, err
		}
		emit.emit(Event{Type: EventToolPhaseDone})
	}

	// Iteration cap: terminate with a synthetic terminal step carrying no
	// further calls.
	synthetic := models.Step{
		StartedAt:   time.Now().UTC(),
		FinishedAt:  time.Now().UTC(),
		ToolCalls:   []models.ToolCall{},
		ToolResults: []models.ToolResult{},
	}
	if err := o.appendStep(ctx, req, sess, transcript, maxIterations, synthetic); err != nil {
		return nil, err
	}
	emit.emit(Event{Type: EventTextDone})
	return o.finish(ctx, req, sess, transcript, text.String(), lastCalls)
}

// generate invokes the generator, streaming deltas when an emitter is
// attached.
func (o *Orchestrator) generate(ctx context.Context, eng *engine.Engine, transcript *models.CanonicalTranscript, req RunRequest, emit Emitter) (string, error) {
	genReq := &backend.Request{
		Model:       o.cfg.Models.Generator.Model,
		Messages:    eng.BuildMessages(transcript),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
	}
	if genReq.Temperature == nil {
		if t, ok := o.cfg.Models.Generator.Parameters["temperature"]; ok {
			f := float32(t)
			genReq.Temperature = &f
		}
	}

	if emit == nil {
		completion, err := o.generator.Complete(ctx, genReq)
		if err != nil {
			return "", err
		}
		return completion.Text, nil
	}

	stream, err := o.generator.Stream(ctx, genReq)
	if err != nil {
		return "", err
	}
	var full strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		full.WriteString(chunk.Text)
		emit.emit(Event{Type: EventTextDelta, Delta: chunk.Text})
	}
	if err := ctx.Err(); err != nil {
		return "", deadlineError(err)
	}
	return full.String(), nil
}

func (o *Orchestrator) materializeCalls(sessionID string, stepIndex int, calls []compiler.Call) []models.ToolCall {
	out := make([]models.ToolCall, len(calls))
	for i, call := range calls {
		out[i] = models.ToolCall{
			ID:         uuid.NewString(),
			Tool:       call.Tool,
			Parameters: call.Parameters,
			StepIndex:  stepIndex,
			SessionID:  sessionID,
		}
	}
	return out
}

func (o *Orchestrator) appendStep(ctx context.Context, req RunRequest, sess *models.RecursiveSession, transcript *models.CanonicalTranscript, stepIndex int, step models.Step) error {
	transcript.Steps = append(transcript.Steps, step)
	if !req.Persist {
		return nil
	}
	events := audit.FromStep(sess.TenantID, sess.SessionID, stepIndex, step)
	if err := o.store.AppendStep(ctx, sess.TenantID, sess.SessionID, stepIndex, step, events); err != nil {
		return err
	}
	if len(events) > 0 {
		// Rows are already committed with the step; the logger only mirrors
		// them to structured logs here.
		o.audit.Mirror(events)
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, req RunRequest, sess *models.RecursiveSession, transcript *models.CanonicalTranscript, text string, lastCalls []models.ToolCall) (*RunResult, error) {
	now := time.Now().UTC()
	responseID := req.ResponseID
	if responseID == "" {
		responseID = store.NewResponseID()
	}
	resp := &models.ResponseObject{
		ID:        responseID,
		Object:    "response",
		CreatedAt: sess.CreatedAt.Unix(),
		Status:    models.ResponseCompleted,
		Model:     o.cfg.RLM.RantsOne.Name,
		Output: []models.OutputItem{{
			Type:   "message",
			ID:     "msg_" + uuid.NewString(),
			Role:   "assistant",
			Status: "completed",
			Content: []models.ContentPart{{
				Type: "output_text",
				Text: text,
			}},
		}},
		PreviousResponseID: req.PreviousResponseID,
		User:               req.TenantID,
		CompletedAt:        now.Unix(),
	}
	if req.Persist {
		if err := o.store.PersistResponse(ctx, sess.TenantID, sess.SessionID, resp, transcript); err != nil {
			return nil, err
		}
	}
	return &RunResult{Response: resp, Transcript: transcript, LastCalls: lastCalls}, nil
}

func checkDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return deadlineError(err)
	}
	return nil
}

func deadlineError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errkind.Wrap(errkind.DeadlineExceeded, "session wallclock exceeded", err)
	case errors.Is(err, context.Canceled):
		return errkind.Wrap(errkind.Cancelled, "session cancelled", err)
	default:
		return err
	}
}
