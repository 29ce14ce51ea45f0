package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rantslabs/rants/internal/config"
	"github.com/rantslabs/rants/internal/errkind"
	"github.com/rantslabs/rants/internal/retry"
)

// OpenAIBackend speaks the OpenAI chat-completions wire format to a
// configured base URL. Transient upstream failures (connection errors, 5xx,
// 408, 429) are retried with exponential backoff; other 4xx are permanent.
type OpenAIBackend struct {
	client  *openai.Client
	timeout time.Duration
	policy  retry.Policy
}

// New builds a backend for one model endpoint using the shared resilience
// policy.
func New(endpoint config.ModelEndpointConfig, resilience config.ResilienceConfig) *OpenAIBackend {
	cfg := openai.DefaultConfig(endpoint.APIKey)
	cfg.BaseURL = strings.TrimSuffix(endpoint.BaseURL, "/")
	return &OpenAIBackend{
		client:  openai.NewClientWithConfig(cfg),
		timeout: resilience.RequestTimeout(),
		policy: retry.Policy{
			MaxRetries: resilience.MaxRetries,
			Backoff:    resilience.Backoff(),
			MaxDelay:   30 * time.Second,
		},
	}
}

// Complete performs one non-streaming chat completion with retries.
func (b *OpenAIBackend) Complete(ctx context.Context, req *Request) (*Completion, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	var text string
	err := retry.Do(ctx, b.policy, func() error {
		resp, err := b.client.CreateChatCompletion(ctx, b.toChatRequest(req, false))
		if err != nil {
			return classify(err)
		}
		if len(resp.Choices) == 0 {
			return retry.Permanent(errkind.New(errkind.UpstreamError, "upstream returned no choices"))
		}
		text = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return nil, asUpstream(ctx, err)
	}
	return &Completion{Text: text}, nil
}

// Stream performs a streaming chat completion. Only connection
// establishment is retried; once deltas flow, a mid-stream failure is
// surfaced on the channel.
func (b *OpenAIBackend) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	var stream *openai.ChatCompletionStream
	err := retry.Do(ctx, b.policy, func() error {
		s, err := b.client.CreateChatCompletionStream(ctx, b.toChatRequest(req, true))
		if err != nil {
			return classify(err)
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, asUpstream(ctx, err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				select {
				case out <- Chunk{Err: asUpstream(ctx, err)}:
				case <-ctx.Done():
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case out <- Chunk{Text: delta}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Ping reports endpoint reachability with a short deadline.
func (b *OpenAIBackend) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := b.client.ListModels(ctx)
	return err == nil
}

func (b *OpenAIBackend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < b.timeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.timeout)
}

func (b *OpenAIBackend) toChatRequest(req *Request, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   stream,
		Stop:     req.Stop,
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	return out
}

// classify marks non-retryable upstream errors permanent. 408 and 429 stay
// retryable alongside 5xx and transport failures.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if retryableStatus(apiErr.HTTPStatusCode) {
			return err
		}
		return retry.Permanent(err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == 0 || retryableStatus(reqErr.HTTPStatusCode) {
			return err
		}
		return retry.Permanent(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return err
	}
	return err
}

func retryableStatus(status int) bool {
	return status >= 500 || status == 408 || status == 429
}

// asUpstream converts a terminal backend failure into the gateway taxonomy,
// attaching the last upstream status and an excerpt of its body.
func asUpstream(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) {
		return errkind.Wrap(errkind.Cancelled, "request cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return errkind.Wrap(errkind.DeadlineExceeded, "deadline exceeded", err)
		}
		return errkind.Wrap(errkind.DeadlineExceeded, "deadline exceeded", err)
	}
	var ge *errkind.Error
	if errors.As(err, &ge) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return errkind.Wrap(errkind.UpstreamError,
			fmt.Sprintf("upstream error (status %d): %s", apiErr.HTTPStatusCode, excerpt(apiErr.Message)), err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return errkind.Wrap(errkind.UpstreamError,
			fmt.Sprintf("upstream error (status %d)", reqErr.HTTPStatusCode), err)
	}
	return errkind.Wrap(errkind.UpstreamError, "upstream error: "+excerpt(err.Error()), err)
}

func excerpt(s string) string {
	const max = 256
	if len(s) > max {
		return s[:max]
	}
	return s
}
