package loom

import (
	"regexp"
	"sort"
	"strings"
)

// FetchURLsToolName identifies the URL-fetching tool. The resolver treats
// its params specially: placeholders flatten into URL lists instead of
// being substituted as text.
const FetchURLsToolName = "fetchURLs"

// placeholderRe matches `<Result from Task N>` / `<Results of Task N>`,
// case-insensitive on the variant words. Group 1 captures the task id.
var placeholderRe = regexp.MustCompile(`(?i)<\s*results?\s+(?:from|of)\s+task\s+([A-Za-z0-9_.-]+)\s*>`)

// urlRe is the permissive URL grammar: scheme'd URLs, or bare host.tld with
// an optional path. Bare hosts get an https:// prefix after extraction.
var urlRe = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"'\)\]\}]+|\b(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}(?:/[^\s<>"'\)\]\}]*)?`)

// ResolveParams substitutes `<Result from Task N>` placeholders in a
// sub-task's params with prior results. It is pure: inputs are never
// mutated, and resolving already-resolved params is a no-op.
//
// For the fetchURLs tool a string value containing placeholders becomes a
// flattened []string of URLs collected from the referenced results; for
// every other tool (and inference prompts) placeholders are replaced
// textually with the result's string form. A placeholder referencing a task
// absent from results is left untouched so the executor can detect the
// missing dependency. Non-string values pass through unchanged.
func ResolveParams(toolName string, params map[string]any, results map[string]Result) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveValue(toolName, v, results)
	}
	return out
}

func resolveValue(toolName string, v any, results map[string]Result) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	matches := placeholderRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	if toolName == FetchURLsToolName {
		return resolveURLValue(s, matches, results)
	}
	return resolveTextValue(s, matches, results)
}

// resolveTextValue replaces each placeholder with the referenced result's
// string form, preserving the surrounding text. Unknown task ids keep the
// placeholder verbatim.
func resolveTextValue(s string, matches [][]int, results map[string]Result) string {
	var b strings.Builder
	last := 0
	for _, m := range matches {
		taskID := s[m[2]:m[3]]
		res, ok := results[taskID]
		if !ok {
			continue // placeholder stays in place via the surrounding copy
		}
		b.WriteString(s[last:m[0]])
		b.WriteString(res.String())
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// resolveURLValue turns a fetchURLs param value into the concatenation of
// the URL lists contributed by each placeholder, in order. If any referenced
// task is missing the original string is returned unchanged, keeping the
// unresolved placeholder visible.
func resolveURLValue(s string, matches [][]int, results map[string]Result) any {
	for _, m := range matches {
		if _, ok := results[s[m[2]:m[3]]]; !ok {
			return s
		}
	}
	urls := make([]string, 0, 8)
	for _, m := range matches {
		res := results[s[m[2]:m[3]]]
		urls = append(urls, resultURLs(res)...)
	}
	return urls
}

// resultURLs flattens one result into URLs: list results contribute their
// items' url fields, text results are scanned with the URL grammar, other
// kinds contribute nothing.
func resultURLs(res Result) []string {
	switch res.Kind() {
	case ResultList:
		var urls []string
		for _, item := range res.Items() {
			if u, ok := item["url"].(string); ok && u != "" {
				urls = append(urls, u)
			}
		}
		return urls
	case ResultText:
		return ExtractURLs(res.String())
	default:
		return nil
	}
}

// ExtractURLs scans free text for URLs. Bare hosts are prefixed with
// https:// and trailing punctuation is trimmed.
func ExtractURLs(text string) []string {
	raw := urlRe.FindAllString(text, -1)
	if len(raw) == 0 {
		return nil
	}
	urls := make([]string, 0, len(raw))
	for _, u := range raw {
		u = strings.TrimRight(u, ".,;:!?'\"")
		if u == "" {
			continue
		}
		if !strings.HasPrefix(strings.ToLower(u), "http://") &&
			!strings.HasPrefix(strings.ToLower(u), "https://") {
			u = "https://" + u
		}
		urls = append(urls, u)
	}
	return urls
}

// UnresolvedTasks returns the task ids still referenced by placeholders in
// params. After ResolveParams this means the referenced tasks had no
// recorded result. Param keys are walked in sorted order so the output is
// deterministic.
func UnresolvedTasks(params map[string]any) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var ids []string
	seen := make(map[string]bool)
	for _, k := range keys {
		s, ok := params[k].(string)
		if !ok {
			continue
		}
		for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
			if id := m[1]; !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}
