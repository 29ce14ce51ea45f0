package orchestrator

import "github.com/rantslabs/rants/pkg/models"

// EventType identifies one internal orchestration event. The streaming
// assembler renders these into the external dialects.
type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventTextDelta        EventType = "text_delta"
	EventTextDone         EventType = "text_done"
	EventToolPhaseStarted EventType = "tool_phase_started"
	EventToolPhaseDone    EventType = "tool_phase_done"
	EventCompleted        EventType = "completed"
	EventFailed           EventType = "failed"
)

// Event is one element of the internal event stream. Text deltas are raw
// generator output; the assembler's lookahead keeps intent lines from
// reaching clients.
type Event struct {
	Type     EventType
	Delta    string
	Response *models.ResponseObject
	Err      error
}

// Emitter receives orchestration events. A nil Emitter disables streaming.
type Emitter func(Event)

func (e Emitter) emit(event Event) {
	if e != nil {
		e(event)
	}
}
