package openai_compat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"repetitor/internal/providers"
)

func TestBuildPayloadCarriesHistory(t *testing.T) {
	c := New(Config{BaseURL: "https://api.x.ai/v1", Endpoint: "chat_completions"})

	body, endpoint, err := c.buildPayload(providers.ChatRequest{
		Model:             "grok-beta",
		SystemInstruction: "Guide, do not solve",
		Turns: []providers.Turn{
			{Role: providers.RoleUser, Content: "q1"},
			{Role: providers.RoleAssistant, Content: "a1"},
			{Role: providers.RoleUser, Content: "q2"},
		},
		MaxTokens: 123,
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://api.x.ai/v1/chat/completions" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}

	var payload struct {
		Model    string              `json:"model"`
		Messages []map[string]string `json:"messages"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Model != "grok-beta" {
		t.Fatalf("expected model grok-beta, got %q", payload.Model)
	}
	if len(payload.Messages) != 4 || payload.Messages[0]["role"] != "system" || payload.Messages[3]["content"] != "q2" {
		t.Fatalf("unexpected messages %+v", payload.Messages)
	}
}

func TestBuildPayloadResponsesEndpoint(t *testing.T) {
	c := New(Config{BaseURL: "https://api.openai.com/v1", Endpoint: "responses"})

	_, endpoint, err := c.buildPayload(providers.ChatRequest{Model: "gpt-4.1", Turns: []providers.Turn{{Role: "user", Content: "hello"}}})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://api.openai.com/v1/responses" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}
}

func TestChatParsesUsageAndRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing bearer token")
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}],"usage":{"prompt_tokens":12,"completion_tokens":5}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k", MaxRetries: 1, BackoffBase: time.Millisecond})
	out, err := c.Chat(context.Background(), providers.ChatRequest{Model: "m", Turns: []providers.Turn{{Role: "user", Content: "q"}}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if out.Text != "hi" || out.InputTokens != 12 || out.OutputTokens != 5 {
		t.Fatalf("unexpected response %+v", out)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
}

func TestChatDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 3, BackoffBase: time.Millisecond})
	if _, err := c.Chat(context.Background(), providers.ChatRequest{Model: "m"}); err == nil {
		t.Fatalf("expected error on 400")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls.Load())
	}
}
