package providers

import "context"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model             string
	SystemInstruction string
	Turns             []Turn
	MaxTokens         int
	Temperature       float64
}

// ChatResponse carries the answer and the provider-reported token counts.
type ChatResponse struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}
