package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rantslabs/rants/internal/errkind"
)

// webfetchTool fetches a URL, capping the body size.
type webfetchTool struct {
	client *http.Client
}

func newWebfetchTool() *webfetchTool {
	return &webfetchTool{client: &http.Client{Timeout: 30 * time.Second}}
}

func (*webfetchTool) Name() string        { return "webfetch" }
func (*webfetchTool) Description() string { return "Fetch a URL and return its body" }

func (*webfetchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"url": {"type": "string"}},
		"required": ["url"]
	}`)
}

func (t *webfetchTool) Execute(ctx context.Context, ec *ExecContext, params json.RawMessage) *Result {
	var p struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResult(errkind.ToolExecError, "decode parameters: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return errResult(errkind.ToolExecError, "build request: %v", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return errResult(errkind.ToolExecError, "fetch %s: %v", p.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return errResult(errkind.ToolExecError, "fetch %s: status %d", p.URL, resp.StatusCode)
	}

	max := ec.WebfetchMaxBytes
	if max <= 0 {
		max = 5 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(max)))
	if err != nil {
		return errResult(errkind.ToolExecError, "read body: %v", err)
	}
	return okJSON(ec, map[string]string{"url": p.URL, "content": string(body)})
}
