package loom

// --- LLM protocol types ---

// ChatMessage is one turn of a provider conversation.
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ChatRequest is a single provider call. Zero-valued generation fields mean
// "use the provider's default"; message order is preserved verbatim.
type ChatRequest struct {
	Messages        []ChatMessage `json:"messages"`
	Temperature     float64       `json:"temperature,omitempty"`
	MaxTokens       int           `json:"max_tokens,omitempty"`
	Seed            int           `json:"seed,omitempty"`
	ReasoningEffort string        `json:"reasoning_effort,omitempty"`
}

// ChatResponse is the provider's complete answer.
// Cost is in USD when the backend reports it (e.g. OpenRouter's usage.cost);
// zero otherwise — callers may compute it from Usage and a pricing table.
type ChatResponse struct {
	Content string  `json:"content"`
	Usage   Usage   `json:"usage"`
	Cost    float64 `json:"cost,omitempty"`
}

// Usage counts tokens for one provider call. Values add.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}

// Total returns input + output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// GenerationParams are optional per-request overrides for the agent's
// configured generation settings. Nil fields keep the agent's values.
type GenerationParams struct {
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Seed        *int     `json:"seed,omitempty"`
}

// Merge overlays override onto g: set fields in override win, unset fields
// keep g's values.
func (g GenerationParams) Merge(override GenerationParams) GenerationParams {
	out := g
	if override.Provider != "" {
		out.Provider = override.Provider
	}
	if override.Model != "" {
		out.Model = override.Model
	}
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.MaxTokens != nil {
		out.MaxTokens = override.MaxTokens
	}
	if override.Seed != nil {
		out.Seed = override.Seed
	}
	return out
}

// apply copies the set generation fields onto a ChatRequest.
func (g GenerationParams) apply(req *ChatRequest) {
	if g.Temperature != nil {
		req.Temperature = *g.Temperature
	}
	if g.MaxTokens != nil {
		req.MaxTokens = *g.MaxTokens
	}
	if g.Seed != nil {
		req.Seed = *g.Seed
	}
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}
