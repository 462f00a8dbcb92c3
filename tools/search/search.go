// Package search implements the webSearch tool on the Brave Search API.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	loom "github.com/nevindra/loom"
)

// DefaultCount is how many results one search requests when the task does
// not ask for a specific number.
const DefaultCount = 8

// maxCount is Brave's per-request ceiling.
const maxCount = 20

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// Tool queries the Brave Search API and returns the hits as a list result
// of {title, url, snippet} objects, the shape downstream fetchURLs
// placeholders collect url fields from.
type Tool struct {
	apiKey   string
	count    int
	endpoint string
	client   *http.Client
}

// Option configures a Tool.
type Option func(*Tool)

// WithCount changes the default number of results per search.
func WithCount(n int) Option {
	return func(t *Tool) {
		if n > 0 {
			t.count = n
		}
	}
}

// WithEndpoint points the tool at a different search endpoint. Tests use it
// to aim at a local server.
func WithEndpoint(u string) Option {
	return func(t *Tool) { t.endpoint = u }
}

// New creates the webSearch tool. The key is the Brave subscription token.
func New(apiKey string, opts ...Option) *Tool {
	t := &Tool{
		apiKey:   apiKey,
		count:    DefaultCount,
		endpoint: braveEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Definition() loom.ToolDefinition {
	return loom.ToolDefinition{
		Name:        "webSearch",
		Description: "Search the web for current information. Use for recent events, news, prices, or anything that needs up-to-date sources.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query optimized for a search engine"},"count":{"type":"integer","description":"How many results to return (1-20)"}},"required":["query"]}`),
	}
}

func (t *Tool) Execute(ctx context.Context, tc loom.ToolContext, input map[string]any) (loom.Result, error) {
	query, _ := input["query"].(string)
	if query == "" {
		return loom.Result{}, fmt.Errorf("webSearch: query is required")
	}
	count := t.count
	if n, ok := intArg(input["count"]); ok && n > 0 {
		count = n
	}
	if count > maxCount {
		count = maxCount
	}

	hits, err := t.search(ctx, query, count)
	if err != nil {
		return loom.Result{}, err
	}
	if len(hits) == 0 {
		return loom.TextResult(fmt.Sprintf("No results found for %q.", query)), nil
	}
	return loom.ListResult(hits), nil
}

func (t *Tool) search(ctx context.Context, query string, count int) ([]map[string]any, error) {
	u := t.endpoint + "?q=" + url.QueryEscape(query) + "&count=" + strconv.Itoa(count)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("webSearch: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webSearch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("webSearch: brave API %d: %s", resp.StatusCode, string(body))
	}

	var data struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("webSearch: decode response: %w", err)
	}

	hits := make([]map[string]any, 0, len(data.Web.Results))
	for _, r := range data.Web.Results {
		if r.URL == "" {
			continue
		}
		hits = append(hits, map[string]any{
			"title":   r.Title,
			"url":     r.URL,
			"snippet": r.Description,
		})
	}
	return hits, nil
}

// intArg reads an integer param that may arrive as a JSON float64 or a
// native Go int.
func intArg(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
