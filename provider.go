package loom

import "context"

// Provider abstracts the LLM backend.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai", "openrouter").
	Name() string
}

// ToolSupportChecker is an optional Provider capability: backends that can
// tell whether a model accepts tool definitions implement it. Discover it
// with a type assertion; absence means "assume supported".
type ToolSupportChecker interface {
	// ValidateToolSupport reports whether model supports tool calling, with
	// a human-readable message when it does not.
	ValidateToolSupport(ctx context.Context, model string) (bool, string, error)
}
