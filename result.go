package loom

import "encoding/json"

// ResultKind tags the shape of a sub-task result.
type ResultKind string

const (
	// ResultText is plain text (chat output, extracted page content).
	ResultText ResultKind = "text"
	// ResultList is a list of JSON objects (search hits, fetched pages).
	ResultList ResultKind = "list"
	// ResultJSON is any other JSON value kept opaque.
	ResultJSON ResultKind = "json"
)

// Result is the tagged outcome of one sub-task. The Dependency Resolver
// branches on the kind: list results expose their objects' url fields to
// fetchURLs, everything else is substituted as text. The zero Result is
// an empty text result.
type Result struct {
	kind ResultKind
	text string
	list []map[string]any
	raw  json.RawMessage
}

// TextResult wraps plain text.
func TextResult(s string) Result {
	return Result{kind: ResultText, text: s}
}

// ListResult wraps a list of objects.
func ListResult(items []map[string]any) Result {
	return Result{kind: ResultList, list: items}
}

// JSONResult wraps an opaque JSON value.
func JSONResult(raw json.RawMessage) Result {
	return Result{kind: ResultJSON, raw: raw}
}

// Kind returns the result's tag. The zero Result reports ResultText.
func (r Result) Kind() ResultKind {
	if r.kind == "" {
		return ResultText
	}
	return r.kind
}

// Items returns the object list for list results, nil otherwise.
func (r Result) Items() []map[string]any {
	if r.kind == ResultList {
		return r.list
	}
	return nil
}

// String renders the result for substitution into prompts and for
// persistence: text verbatim, list and JSON results as compact JSON.
func (r Result) String() string {
	switch r.kind {
	case ResultList:
		b, err := json.Marshal(r.list)
		if err != nil {
			return ""
		}
		return string(b)
	case ResultJSON:
		return string(r.raw)
	default:
		return r.text
	}
}

// IsZero reports whether the result carries no value at all.
func (r Result) IsZero() bool {
	return r.kind == "" && r.text == "" && r.list == nil && r.raw == nil
}

// ParseResult reverses the persistence of String() under the given kind,
// so resumed executions rebuild the same tagged values. Payloads that no
// longer parse under their recorded kind degrade to text.
func ParseResult(kind ResultKind, payload string) Result {
	switch kind {
	case ResultList:
		var items []map[string]any
		if err := json.Unmarshal([]byte(payload), &items); err != nil {
			return TextResult(payload)
		}
		return ListResult(items)
	case ResultJSON:
		if !json.Valid([]byte(payload)) {
			return TextResult(payload)
		}
		return JSONResult(json.RawMessage(payload))
	default:
		return TextResult(payload)
	}
}
