package openaicompat

// Option configures an OpenAI-compatible chat request.
type Option func(*ChatRequest)

// WithTemperature sets the sampling temperature (0.0–2.0).
func WithTemperature(t float64) Option {
	return func(r *ChatRequest) { r.Temperature = &t }
}

// WithTopP sets nucleus sampling top-p (0.0–1.0).
func WithTopP(p float64) Option {
	return func(r *ChatRequest) { r.TopP = &p }
}

// WithMaxTokens sets the maximum number of output tokens.
func WithMaxTokens(n int) Option {
	return func(r *ChatRequest) { r.MaxTokens = n }
}

// WithSeed sets a deterministic seed for reproducible outputs.
func WithSeed(s int) Option {
	return func(r *ChatRequest) { r.Seed = &s }
}

// WithReasoningEffort sets the reasoning effort for models that support it
// ("low", "medium", "high").
func WithReasoningEffort(effort string) Option {
	return func(r *ChatRequest) { r.ReasoningEffort = effort }
}

// WithStop sets one or more stop sequences.
func WithStop(s ...string) Option {
	return func(r *ChatRequest) { r.Stop = s }
}

// WithUsageAccounting opts into OpenRouter-style usage accounting so the
// response reports the request cost in USD.
func WithUsageAccounting() Option {
	return func(r *ChatRequest) { r.Usage = &UsageOptions{Include: true} }
}
