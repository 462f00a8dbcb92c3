// Package fetch implements the fetchURLs tool: it downloads a bounded batch
// of URLs concurrently and extracts readable text from HTML pages and PDFs.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"

	loom "github.com/nevindra/loom"
)

const (
	// workers bounds how many URLs download at once.
	workers = 4
	// perURLTimeout caps one download independently of the task deadline.
	perURLTimeout = 15 * time.Second
	// maxBodyBytes caps how much of one response body is read.
	maxBodyBytes = 1 << 20
	// maxContentChars caps the extracted text kept per page.
	maxContentChars = 8000

	defaultLimit = 8
	maxLimit     = 20

	userAgent = "Mozilla/5.0 (compatible; LoomBot/1.0)"
)

// Tool fetches URLs and extracts their readable content. Failures are
// per-URL: a dead link becomes an error field on its page object instead of
// failing the whole batch.
type Tool struct {
	client *http.Client
	limit  int
}

// Option configures a Tool.
type Option func(*Tool)

// WithLimit changes the default cap on URLs fetched per invocation.
func WithLimit(n int) Option {
	return func(t *Tool) {
		if n > 0 {
			t.limit = n
		}
	}
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// New creates the fetchURLs tool.
func New(opts ...Option) *Tool {
	t := &Tool{
		client: &http.Client{Timeout: perURLTimeout},
		limit:  defaultLimit,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Definition() loom.ToolDefinition {
	return loom.ToolDefinition{
		Name:        loom.FetchURLsToolName,
		Description: "Fetch one or more URLs and extract their readable text. Handles HTML pages and PDF documents.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"urls":{"description":"URL or list of URLs to fetch","anyOf":[{"type":"string"},{"type":"array","items":{"type":"string"}}]},"limit":{"type":"integer","description":"Fetch at most this many URLs"}},"required":["urls"]}`),
	}
}

func (t *Tool) Execute(ctx context.Context, tc loom.ToolContext, input map[string]any) (loom.Result, error) {
	urls, err := urlList(input["urls"])
	if err != nil {
		return loom.Result{}, err
	}
	if len(urls) == 0 {
		return loom.Result{}, fmt.Errorf("fetchURLs: no urls to fetch")
	}

	limit := t.limit
	if n, ok := intArg(input["limit"]); ok && n > 0 {
		limit = n
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if len(urls) > limit {
		urls = urls[:limit]
	}

	return loom.ListResult(t.fetchAll(ctx, tc, urls)), nil
}

// urlList accepts the urls param as a single string, a []string from the
// dependency resolver, or a []any straight out of decoded JSON.
func urlList(v any) ([]string, error) {
	switch vv := v.(type) {
	case nil:
		return nil, nil
	case string:
		if vv == "" {
			return nil, nil
		}
		return []string{vv}, nil
	case []string:
		return vv, nil
	case []any:
		urls := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("fetchURLs: urls must be strings, got %T", item)
			}
			urls = append(urls, s)
		}
		return urls, nil
	}
	return nil, fmt.Errorf("fetchURLs: urls must be a string or list of strings, got %T", v)
}

// fetchAll downloads every URL through a bounded worker pool and joins
// before returning. Pages land in a positional slice so no locking is
// needed.
func (t *Tool) fetchAll(ctx context.Context, tc loom.ToolContext, urls []string) []map[string]any {
	pages := make([]map[string]any, len(urls))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			tc.Progress("fetching " + u)
			page := t.fetchOne(ctx, u)
			if msg, ok := page["error"].(string); ok {
				tc.Progress(fmt.Sprintf("failed %s: %s", u, msg))
			} else {
				tc.Progress("fetched " + u)
			}
			pages[i] = page
		}(i, u)
	}
	wg.Wait()

	return pages
}

func (t *Tool) fetchOne(ctx context.Context, rawURL string) map[string]any {
	page := map[string]any{"url": rawURL}

	fetchCtx, cancel := context.WithTimeout(ctx, perURLTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		page["error"] = "invalid URL: " + err.Error()
		return page
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		page["error"] = err.Error()
		return page
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		page["error"] = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return page
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		page["error"] = "read body: " + err.Error()
		return page
	}

	title, text, err := extract(rawURL, resp.Header.Get("Content-Type"), body)
	if err != nil {
		page["error"] = err.Error()
		return page
	}
	if len(text) > maxContentChars {
		text = text[:maxContentChars] + "\n... (truncated)"
	}
	if title != "" {
		page["title"] = title
	}
	page["content"] = text
	return page
}

// extract picks the extractor by content type: PDFs go through the pdf
// reader, everything else through readability with a tag-strip fallback.
func extract(rawURL, contentType string, body []byte) (title, text string, err error) {
	if isPDF(contentType, body) {
		text, err = pdfText(body)
		return "", text, err
	}

	html := string(body)
	parsed, _ := url.Parse(rawURL)
	if article, rerr := readability.FromReader(strings.NewReader(html), parsed); rerr == nil && article.TextContent != "" {
		return article.Title, strings.TrimSpace(article.TextContent), nil
	}
	return "", stripHTML(html), nil
}

func isPDF(contentType string, body []byte) bool {
	if strings.Contains(contentType, "application/pdf") {
		return true
	}
	return bytes.HasPrefix(body, []byte("%PDF-"))
}

// pdfText extracts plain text from a PDF page by page. Pages that fail to
// decode are skipped rather than failing the document.
func pdfText(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return text.String(), nil
}

func intArg(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
