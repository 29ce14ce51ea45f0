package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rantslabs/rants/internal/errkind"
	"github.com/rantslabs/rants/internal/orchestrator"
	"github.com/rantslabs/rants/pkg/models"
)

// handleChatCompletions implements the chat-completions shim. Without tools
// the full loop runs and the gateway executes tools itself. With tools the
// shim runs one generation plus compilation, hands the calls back in OpenAI
// form, and persists nothing; the incoming messages are ground truth for
// the turn.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request, tenant string) {
	var req models.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.Wrap(errkind.BadRequest, "malformed request body", err))
		return
	}
	if req.Model != s.cfg.RLM.RantsOne.Name {
		writeError(w, errkind.Newf(errkind.BadRequest, "unknown model %q", req.Model))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, errkind.New(errkind.BadRequest, "messages must not be empty"))
		return
	}

	shimMode := len(req.Tools) > 0
	system, input, priorSteps := normalizeMessages(req.Messages)
	if strings.TrimSpace(input) == "" {
		writeError(w, errkind.New(errkind.BadRequest, "input must not be empty"))
		return
	}

	runReq := orchestrator.RunRequest{
		TenantID:        tenant,
		Input:           input,
		System:          system,
		ToolChoice:      toolChoiceHint(req.ToolChoice),
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxTokens,
		ExecuteTools:    !shimMode,
		Persist:         !shimMode,
		PriorSteps:      priorSteps,
	}

	result, err := s.orchestrator.Run(r.Context(), runReq, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	text := sanitizeText(finalText(result))
	toolCalls := toChatToolCalls(result.LastCalls)
	finishReason := "stop"
	if shimMode && len(toolCalls) > 0 {
		finishReason = "tool_calls"
	}
	completionID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	if req.Stream {
		s.streamChat(w, req.Model, completionID, created, text, toolCalls, finishReason)
		return
	}

	message := models.ChatResponseMessage{Role: "assistant", Content: text}
	if finishReason == "tool_calls" {
		message.ToolCalls = toolCalls
	}
	writeJSON(w, models.ChatCompletion{
		ID:      completionID,
		Object:  "chat.completion",
		Created: created,
		Model:   req.Model,
		Choices: []models.ChatChoice{{
			Index:        0,
			Message:      message,
			FinishReason: finishReason,
		}},
	})
}

// streamChat renders a finished completion as chat.completion.chunk events.
func (s *Server) streamChat(w http.ResponseWriter, model, id string, created int64, text string, toolCalls []models.ChatToolCall, finishReason string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errkind.New(errkind.Internal, "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	send := func(chunk models.ChatCompletionChunk) {
		data, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	for _, piece := range chunkText(text, 64) {
		send(models.ChatCompletionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []models.ChunkChoice{{
				Index: 0,
				Delta: models.ChatDelta{Content: piece},
			}},
		})
	}

	final := models.ChunkChoice{Index: 0, FinishReason: &finishReason}
	if finishReason == "tool_calls" {
		final.Delta = models.ChatDelta{ToolCalls: toolCalls}
	}
	send(models.ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []models.ChunkChoice{final},
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// finalText extracts the assistant text of a run result.
func finalText(result *orchestrator.RunResult) string {
	if len(result.Response.Output) == 0 || len(result.Response.Output[0].Content) == 0 {
		return ""
	}
	return result.Response.Output[0].Content[0].Text
}

// normalizeMessages folds chat messages into a system prompt, a user input,
// and reconstructed prior steps from role:"tool" entries.
func normalizeMessages(messages []models.ChatMessage) (system string, input string, priorSteps []models.Step) {
	var parts []string
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if system != "" {
				system += "\n"
			}
			system += msg.ContentText()
		case "tool":
			priorSteps = append(priorSteps, stepFromToolMessage(msg))
		case "assistant":
			if text := msg.ContentText(); text != "" {
				parts = append(parts, "assistant: "+text)
			}
			if len(msg.ToolCalls) > 0 {
				priorSteps = append(priorSteps, stepFromAssistantCalls(msg))
			}
		default:
			if text := msg.ContentText(); text != "" {
				parts = append(parts, msg.Role+": "+text)
			}
		}
	}
	return system, strings.Join(parts, "\n"), priorSteps
}

// stepFromAssistantCalls reconstructs the step that produced the client's
// tool calls.
func stepFromAssistantCalls(msg models.ChatMessage) models.Step {
	calls := make([]models.ToolCall, len(msg.ToolCalls))
	results := make([]models.ToolResult, len(msg.ToolCalls))
	for i, tc := range msg.ToolCalls {
		calls[i] = models.ToolCall{
			ID:         tc.ID,
			Tool:       tc.Function.Name,
			Parameters: json.RawMessage(tc.Function.Arguments),
		}
		// Placeholder results keep calls and results balanced; each
		// role:"tool" message becomes a separate step (stepFromToolMessage).
		results[i] = models.ToolResult{CallID: tc.ID, OK: true}
	}
	return models.Step{
		GeneratorOutput: msg.ContentText(),
		ToolIntent:      "client tool calls",
		ToolCalls:       calls,
		ToolResults:     results,
	}
}

// stepFromToolMessage folds a role:"tool" message into a reconstructed step
// pairing the client-executed call with its reported result.
func stepFromToolMessage(msg models.ChatMessage) models.Step {
	result := models.ToolResult{
		CallID: msg.ToolCallID,
		OK:     true,
		Output: msg.ContentText(),
	}
	return models.Step{
		ToolIntent:  "client tool calls",
		ToolCalls:   []models.ToolCall{{ID: msg.ToolCallID, Tool: msg.Name, Parameters: json.RawMessage(`{}`)}},
		ToolResults: []models.ToolResult{result},
	}
}

// toChatToolCalls converts compiled calls into OpenAI wire form.
func toChatToolCalls(calls []models.ToolCall) []models.ChatToolCall {
	out := make([]models.ChatToolCall, len(calls))
	for i, call := range calls {
		out[i] = models.ChatToolCall{
			ID:   "call_" + call.ID,
			Type: "function",
			Function: models.ChatCallFunction{
				Name:      call.Tool,
				Arguments: string(call.Parameters),
			},
		}
	}
	return out
}
