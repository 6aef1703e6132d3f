package custom_http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"repetitor/internal/providers"
)

func TestTemplateBodyAndUsage(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		_, _ = w.Write([]byte(`{"answer":"ok","usage":{"prompt_tokens":3,"completion_tokens":4}}`))
	}))
	defer srv.Close()

	c := New(Config{
		URL:          srv.URL,
		BodyTemplate: `{"q":"{{.UserMessage}}","history":{{.TurnsJSON}}}`,
	})
	out, err := c.Chat(context.Background(), providers.ChatRequest{
		Turns: []providers.Turn{
			{Role: providers.RoleUser, Content: "first"},
			{Role: providers.RoleAssistant, Content: "reply"},
			{Role: providers.RoleUser, Content: "second"},
		},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !strings.Contains(got, `"q":"second"`) || !strings.Contains(got, `"content":"reply"`) {
		t.Fatalf("unexpected rendered body %s", got)
	}
	if out.Text != "ok" || out.InputTokens != 3 || out.OutputTokens != 4 {
		t.Fatalf("unexpected response %+v", out)
	}
}

func TestPlainTextResponseHasNoUsage(t *testing.T) {
	in, out := extractUsage([]byte("plain answer"))
	if in != 0 || out != 0 {
		t.Fatalf("expected zero usage, got %d/%d", in, out)
	}
	text, err := extractText([]byte("plain answer"))
	if err != nil || text != "plain answer" {
		t.Fatalf("unexpected text %q err=%v", text, err)
	}
}
