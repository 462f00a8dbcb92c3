package openaicompat

import (
	loom "github.com/nevindra/loom"
)

// BuildBody converts loom ChatMessages and a model name into an OpenAI-format
// ChatRequest. Message order is preserved verbatim; system messages stay in
// the messages array as role:"system". Options configure generation
// parameters (temperature, max tokens, etc.).
func BuildBody(messages []loom.ChatMessage, model string, opts ...Option) ChatRequest {
	msgs := make([]Message, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, Message{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	req := ChatRequest{
		Model:    model,
		Messages: msgs,
	}

	for _, opt := range opts {
		opt(&req)
	}

	return req
}
