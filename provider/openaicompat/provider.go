package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"

	loom "github.com/nevindra/loom"
)

// Provider implements loom.Provider for any OpenAI-compatible API.
// It uses the shared helpers in this package (BuildBody, ParseResponse)
// to handle body building and response parsing.
//
// Works with OpenAI, OpenRouter, Groq, Together, DeepSeek, Mistral, Ollama,
// vLLM, LM Studio, Azure OpenAI, and any other provider that implements the
// OpenAI chat completions API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option

	// tool-support probe results, keyed by model id
	mu           sync.Mutex
	toolSupport  map[string]bool
	modelsProbed bool
	models       ModelList
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://openrouter.ai/api/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
//
// Provider-level options (WithOptions(WithTemperature(...)), etc.) are
// applied to every request; per-request generation fields override them.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:      apiKey,
		model:       model,
		baseURL:     baseURL,
		client:      &http.Client{},
		name:        "openai",
		toolSupport: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// requestOpts returns the provider's base options with the request's set
// generation fields appended. Per-request fields override provider defaults
// because options are applied in order (last wins).
func (p *Provider) requestOpts(req loom.ChatRequest) []Option {
	opts := make([]Option, len(p.opts), len(p.opts)+4)
	copy(opts, p.opts)
	if req.Temperature != 0 {
		opts = append(opts, WithTemperature(req.Temperature))
	}
	if req.MaxTokens != 0 {
		opts = append(opts, WithMaxTokens(req.MaxTokens))
	}
	if req.Seed != 0 {
		opts = append(opts, WithSeed(req.Seed))
	}
	if req.ReasoningEffort != "" {
		opts = append(opts, WithReasoningEffort(req.ReasoningEffort))
	}
	return opts
}

// Chat sends a chat completions request and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req loom.ChatRequest) (loom.ChatResponse, error) {
	body := BuildBody(req.Messages, p.model, p.requestOpts(req)...)
	return p.doRequest(ctx, body)
}

// ValidateToolSupport reports whether model supports tool calling, probing
// the /models listing for a supported_parameters entry containing "tools"
// (the OpenRouter extension). Backends that do not expose the info — the
// model is missing from the listing or carries no supported_parameters —
// default to supported. Listing results are cached per provider instance.
func (p *Provider) ValidateToolSupport(ctx context.Context, model string) (bool, string, error) {
	p.mu.Lock()
	if ok, cached := p.toolSupport[model]; cached {
		p.mu.Unlock()
		if !ok {
			return false, fmt.Sprintf("model %q does not list tools in supported_parameters", model), nil
		}
		return true, "", nil
	}
	probed := p.modelsProbed
	list := p.models
	p.mu.Unlock()

	if !probed {
		var err error
		list, err = p.listModels(ctx)
		if err != nil {
			return false, "", err
		}
		p.mu.Lock()
		p.models = list
		p.modelsProbed = true
		p.mu.Unlock()
	}

	supported := true
	for _, m := range list.Data {
		if m.ID != model {
			continue
		}
		if m.SupportedParameters != nil {
			supported = slices.Contains(m.SupportedParameters, "tools")
		}
		break
	}

	p.mu.Lock()
	p.toolSupport[model] = supported
	p.mu.Unlock()

	if !supported {
		return false, fmt.Sprintf("model %q does not list tools in supported_parameters", model), nil
	}
	return true, "", nil
}

// listModels fetches the models listing.
func (p *Provider) listModels(ctx context.Context) (ModelList, error) {
	var list ModelList

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return list, &loom.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create models request: %v", err)}
	}
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return list, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return list, p.httpErr(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return list, &loom.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode models response: %v", err)}
	}
	return list, nil
}

// doRequest sends a chat completions request and parses the response.
func (p *Provider) doRequest(ctx context.Context, body ChatRequest) (loom.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return loom.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return loom.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return loom.ChatResponse{}, &loom.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}

	return ParseResponse(chatResp)
}

// sendHTTP marshals the request body and sends it to the chat completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &loom.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &loom.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for retry middleware.
// Parses the Retry-After header when present (429/503 responses).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &loom.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: loom.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface checks.
var (
	_ loom.Provider           = (*Provider)(nil)
	_ loom.ToolSupportChecker = (*Provider)(nil)
)
