package analyzer

import "context"

// Provider is the interface LLM adapters implement.
type Provider interface {
	// Name returns the provider identifier used in logs and health tracking.
	Name() string

	// Generate sends one prompt and returns the raw model text.
	Generate(ctx context.Context, req Request) (Response, error)
}

// Request is a single JSON-mode completion request.
type Request struct {
	SystemPrompt string
	UserPrompt   string
}

// Response is the raw reply from a provider.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Usage holds token usage statistics.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}
