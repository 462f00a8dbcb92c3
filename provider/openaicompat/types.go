// Package openaicompat provides shared types, body building, and response
// parsing for OpenAI-compatible chat completions APIs (OpenAI, OpenRouter,
// Groq, DeepSeek, Together, Mistral, Ollama, vLLM, ...).
package openaicompat

// --- Request types ---

// ChatRequest is the OpenAI chat completions request body.
type ChatRequest struct {
	Model           string    `json:"model"`
	Messages        []Message `json:"messages"`
	Temperature     *float64  `json:"temperature,omitempty"`
	TopP            *float64  `json:"top_p,omitempty"`
	MaxTokens       int       `json:"max_tokens,omitempty"`
	Seed            *int      `json:"seed,omitempty"`
	ReasoningEffort string    `json:"reasoning_effort,omitempty"`
	Stop            []string  `json:"stop,omitempty"`
	// Usage opts into OpenRouter-style usage accounting: the response's
	// usage block then carries the request cost in USD.
	Usage *UsageOptions `json:"usage,omitempty"`
}

// UsageOptions requests cost accounting in the response usage block.
type UsageOptions struct {
	Include bool `json:"include"`
}

// Message is a single message in the OpenAI chat format.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// --- Response types ---

// ChatResponse is the OpenAI chat completions response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is a single completion choice.
type Choice struct {
	Index        int            `json:"index"`
	Message      *ChoiceMessage `json:"message,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
}

// ChoiceMessage is the message content within a choice.
type ChoiceMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	Refusal string `json:"refusal,omitempty"`
}

// Usage contains token usage statistics. Cost is the OpenRouter extension:
// the request cost in USD, present when usage accounting is enabled.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost,omitempty"`
}

// --- Model listing types (GET /models) ---

// ModelList is the response of the models listing endpoint.
type ModelList struct {
	Data []ModelInfo `json:"data"`
}

// ModelInfo describes one model. SupportedParameters is the OpenRouter
// extension listing the request parameters the model accepts ("tools",
// "temperature", ...); most plain OpenAI-compatible backends omit it.
type ModelInfo struct {
	ID                  string   `json:"id"`
	SupportedParameters []string `json:"supported_parameters,omitempty"`
}
