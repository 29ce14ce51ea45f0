package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/rantslabs/rants/internal/errkind"
	"github.com/rantslabs/rants/internal/orchestrator"
	"github.com/rantslabs/rants/internal/store"
	"github.com/rantslabs/rants/pkg/models"
)

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request, tenant string) {
	var req models.ResponsesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.Wrap(errkind.BadRequest, "malformed request body", err))
		return
	}
	if req.Model != s.cfg.RLM.RantsOne.Name {
		writeError(w, errkind.Newf(errkind.BadRequest, "unknown model %q", req.Model))
		return
	}
	input, err := extractInputText(req.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(input) == "" {
		writeError(w, errkind.New(errkind.BadRequest, "input must not be empty"))
		return
	}

	runReq := orchestrator.RunRequest{
		TenantID:           tenant,
		Input:              input,
		ResponseID:         store.NewResponseID(),
		ToolChoice:         toolChoiceHint(req.ToolChoice),
		PreviousResponseID: req.PreviousResponseID,
		Temperature:        req.Temperature,
		MaxOutputTokens:    req.MaxOutputTokens,
		ExecuteTools:       true,
		Persist:            true,
	}

	if !req.Stream {
		result, err := s.orchestrator.Run(r.Context(), runReq, nil)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, result.Response)
		return
	}

	s.streamResponses(w, r, runReq)
}

// streamResponses renders the orchestrator event stream as /v1/responses
// SSE. Tool-phase events are not forwarded; text deltas pass through the
// intent scrubber.
func (s *Server) streamResponses(w http.ResponseWriter, r *http.Request, runReq orchestrator.RunRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errkind.New(errkind.Internal, "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	itemID := "msg_" + uuid.NewString()
	zero := 0
	seq := 0
	sendEvent := func(event models.ResponseEvent) {
		event.SequenceNumber = seq
		seq++
		data, err := json.Marshal(event)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	sendEvent(models.ResponseEvent{
		Type: "response.created",
		Response: &models.ResponseObject{
			ID:     runReq.ResponseID,
			Object: "response",
			Status: models.ResponseInProgress,
			Model:  s.cfg.RLM.RantsOne.Name,
			Output: []models.OutputItem{},
		},
	})

	var streamed strings.Builder
	scrubber := newIntentScrubber(func(text string) {
		streamed.WriteString(text)
		sendEvent(models.ResponseEvent{
			Type:         "response.output_text.delta",
			OutputIndex:  &zero,
			ItemID:       itemID,
			ContentIndex: &zero,
			Delta:        text,
		})
	})

	emit := func(event orchestrator.Event) {
		switch event.Type {
		case orchestrator.EventTextDelta:
			scrubber.Write(event.Delta)
		case orchestrator.EventToolPhaseStarted, orchestrator.EventTextDone:
			// A new generation starts after the tool phase; reset the
			// scrubber's line state so a suppressed intent line does not
			// bleed into the next step's text.
			scrubber.Flush()
		}
	}

	result, err := s.orchestrator.Run(r.Context(), runReq, emit)
	if err != nil {
		scrubber.Flush()
		kind := errkind.KindOf(err)
		sendEvent(models.ResponseEvent{
			Type: "response.failed",
			Error: &models.ErrorPayload{
				Message: errkind.MessageOf(err),
				Type:    string(kind),
				Code:    string(kind),
			},
		})
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
		return
	}

	scrubber.Flush()
	sendEvent(models.ResponseEvent{
		Type:         "response.output_text.done",
		OutputIndex:  &zero,
		ItemID:       itemID,
		ContentIndex: &zero,
		Text:         streamed.String(),
	})
	sendEvent(models.ResponseEvent{
		Type:     "response.completed",
		Response: result.Response,
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// extractInputText normalizes a string or array-form input into text.
func extractInputText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errkind.New(errkind.BadRequest, "input is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var items []models.InputMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return "", errkind.Wrap(errkind.BadRequest, "input must be a string or message array", err)
	}
	var parts []string
	for _, item := range items {
		var content string
		if err := json.Unmarshal(item.Content, &content); err == nil {
			parts = append(parts, content)
			continue
		}
		var contentParts []models.InputContentPart
		if err := json.Unmarshal(item.Content, &contentParts); err == nil {
			for _, p := range contentParts {
				if p.Type == "input_text" || p.Type == "text" {
					parts = append(parts, p.Text)
				}
			}
		}
	}
	return strings.Join(parts, "\n"), nil
}

// toolChoiceHint flattens the tool_choice field into the hint handed to the
// generator prompt.
func toolChoiceHint(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "auto"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return obj.Function.Name
	}
	return "auto"
}
