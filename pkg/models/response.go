package models

import "encoding/json"

// ResponseStatus mirrors the /v1/responses status values.
type ResponseStatus string

const (
	ResponseInProgress ResponseStatus = "in_progress"
	ResponseCompleted  ResponseStatus = "completed"
	ResponseFailed     ResponseStatus = "failed"
)

// ResponseObject is the external /v1/responses result shape.
type ResponseObject struct {
	ID                 string         `json:"id"`
	Object             string         `json:"object"`
	CreatedAt          int64          `json:"created_at"`
	CompletedAt        int64          `json:"completed_at,omitempty"`
	Status             ResponseStatus `json:"status"`
	Model              string         `json:"model"`
	Output             []OutputItem   `json:"output"`
	Usage              *Usage         `json:"usage,omitempty"`
	PreviousResponseID string         `json:"previous_response_id,omitempty"`
	User               string         `json:"user,omitempty"`
	Error              *ErrorPayload  `json:"error,omitempty"`
}

// OutputItem is one entry of a response's output array. The gateway emits
// only message items.
type OutputItem struct {
	Type    string        `json:"type"`
	ID      string        `json:"id"`
	Role    string        `json:"role"`
	Status  string        `json:"status"`
	Content []ContentPart `json:"content"`
}

// ContentPart is one content element of an output message.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Usage carries token accounting when the backends report it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ErrorPayload is the wire shape of an error object.
type ErrorPayload struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// ResponseEvent is one SSE event on the /v1/responses stream.
type ResponseEvent struct {
	Type           string          `json:"type"`
	SequenceNumber int             `json:"sequence_number"`
	Response       *ResponseObject `json:"response,omitempty"`
	OutputIndex    *int            `json:"output_index,omitempty"`
	ItemID         string          `json:"item_id,omitempty"`
	ContentIndex   *int            `json:"content_index,omitempty"`
	Delta          string          `json:"delta,omitempty"`
	Text           string          `json:"text,omitempty"`
	Error          *ErrorPayload   `json:"error,omitempty"`
}

// ResponsesRequest is the recognized subset of a POST /v1/responses body.
// Unknown fields are ignored.
type ResponsesRequest struct {
	Model              string          `json:"model"`
	Input              json.RawMessage `json:"input"`
	Tools              []ToolSchema    `json:"tools,omitempty"`
	ToolChoice         json.RawMessage `json:"tool_choice,omitempty"`
	Stream             bool            `json:"stream"`
	MaxOutputTokens    int             `json:"max_output_tokens,omitempty"`
	Temperature        *float32        `json:"temperature,omitempty"`
	PreviousResponseID string          `json:"previous_response_id,omitempty"`
}

// InputMessage is one element of an array-form input.
type InputMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// InputContentPart is one element of an array-form message content.
type InputContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
