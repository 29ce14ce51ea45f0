package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rantslabs/rants/internal/config"
	"github.com/rantslabs/rants/internal/errkind"
)

func newTestBackend(url string, maxRetries int) *OpenAIBackend {
	return New(
		config.ModelEndpointConfig{BaseURL: url + "/v1", Model: "test-model"},
		config.ResilienceConfig{RequestTimeoutSeconds: 5, MaxRetries: maxRetries, BackoffSeconds: 0.001},
	)
}

func chatCompletionBody(text string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": text},
			"finish_reason": "stop",
		}},
	}
}

func TestCompleteSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(chatCompletionBody("Hello world."))
	}))
	defer server.Close()

	b := newTestBackend(server.URL, 0)
	completion, err := b.Complete(context.Background(), &Request{Model: "test-model", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if completion.Text != "Hello world." {
		t.Errorf("text = %q", completion.Text)
	}
}

func TestCompleteRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(chatCompletionBody("recovered"))
	}))
	defer server.Close()

	b := newTestBackend(server.URL, 2)
	completion, err := b.Complete(context.Background(), &Request{Model: "test-model", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if completion.Text != "recovered" {
		t.Errorf("text = %q", completion.Text)
	}
	if calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2", calls.Load())
	}
}

func TestCompleteMapsExhaustionToUpstreamError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	b := newTestBackend(server.URL, 1)
	_, err := b.Complete(context.Background(), &Request{Model: "test-model", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if errkind.KindOf(err) != errkind.UpstreamError {
		t.Errorf("kind = %s, want upstream_error", errkind.KindOf(err))
	}
	if !strings.Contains(errkind.MessageOf(err), "500") {
		t.Errorf("message must reference upstream status: %q", errkind.MessageOf(err))
	}
	if calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2 (first + 1 retry)", calls.Load())
	}
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"bad input"}}`, http.StatusBadRequest)
	}))
	defer server.Close()

	b := newTestBackend(server.URL, 3)
	_, err := b.Complete(context.Background(), &Request{Model: "test-model", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1 (no retry on 400)", calls.Load())
	}
}

func TestStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hel", "lo"} {
			chunk := map[string]any{
				"id":      "chatcmpl-1",
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"model":   "test-model",
				"choices": []map[string]any{{
					"index": 0,
					"delta": map[string]any{"content": delta},
				}},
			}
			data, _ := json.Marshal(chunk)
			w.Write([]byte("data: " + string(data) + "\n\n"))
		}
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	b := newTestBackend(server.URL, 0)
	stream, err := b.Stream(context.Background(), &Request{Model: "test-model", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var full strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		full.WriteString(chunk.Text)
	}
	if full.String() != "Hello" {
		t.Errorf("streamed = %q, want Hello", full.String())
	}
}
