// Package llm defines the provider-neutral completion and embedding
// contracts the core depends on, plus error classification and retry
// policy for provider calls.
package llm

import "context"

// ChatMessage is a single conversation turn sent to the provider.
type ChatMessage struct {
	Role    string `json:"role"` // "user" | "assistant"
	Content string `json:"content"`
}

// CompletionRequest is the assembled input for one LLM call.
type CompletionRequest struct {
	System      string
	Messages    []ChatMessage
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float32
}

// Usage reports the provider's token accounting for a completion.
type Usage struct {
	Total      int
	Prompt     int
	Completion int
}

// CompletionResponse is the provider's answer to a CompletionRequest.
type CompletionResponse struct {
	Text         string
	Usage        Usage
	FinishReason string
}

// Completer produces chat completions.
type Completer interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

// Embedder produces dense embedding vectors for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
