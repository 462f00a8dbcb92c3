package loom

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrLLM is a provider-level failure that is not an HTTP transport error:
// marshalling, decoding, or a malformed response body.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-200 response from a provider or tool endpoint.
// RetryAfter carries the parsed Retry-After header (zero when absent);
// retry middleware uses it as a floor for the backoff delay.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value: either delay seconds
// or an HTTP date. Returns 0 for empty or unparseable values.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Kind classifies a domain error for API responses, events, and metrics.
// The values are stable identifiers; they appear verbatim in persisted
// sub-step errors and in the event stream.
type Kind string

const (
	KindResponseTooLarge      Kind = "planner.response_too_large"
	KindParseError            Kind = "planner.parse_error"
	KindSchemaMismatch        Kind = "planner.schema_mismatch"
	KindClarificationRequired Kind = "planner.clarification_required"
	KindPlannerExhausted      Kind = "planner.exhausted"
	KindToolNotFound          Kind = "executor.tool_not_found"
	KindInputInvalid          Kind = "executor.input_invalid"
	KindToolError             Kind = "executor.tool_error"
	KindDeadlock              Kind = "executor.deadlock"
	KindCancelled             Kind = "executor.cancelled"
	KindSynthesisError        Kind = "executor.synthesis_error"
	KindInvalidCron           Kind = "scheduler.invalid_cron"
	KindRepository            Kind = "repository.error"
	KindInvalidInput          Kind = "request.invalid"

	// Attempt reason labels used by the planner's refinement loop in
	// addition to the kinds above.
	KindChatError    Kind = "planner.chat_error"
	KindCoverageGaps Kind = "planner.coverage_gaps"
)

// ErrNotFound is returned (wrapped) by Store lookups for missing rows.
var ErrNotFound = errors.New("not found")

// Error is a classified domain error. Kind is machine-readable; Message is
// for humans. Err, when set, is the wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error from a kind and message.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef builds an *Error with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Ew builds an *Error wrapping a cause.
func Ew(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, unwrapping as needed.
// Returns the empty Kind for nil or unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
