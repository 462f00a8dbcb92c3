package loom

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryingProvider wraps a Provider and re-issues calls that failed with a
// transient HTTP status (429 Too Many Requests, 503 Service Unavailable),
// backing off exponentially between attempts.
type retryingProvider struct {
	inner    Provider
	attempts int
	base     time.Duration
	limit    time.Duration // wall-clock cap across all attempts; 0 = none
	logger   *slog.Logger
}

// RetryOption configures WithRetry.
type RetryOption func(*retryingProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryingProvider) { r.attempts = n }
}

// RetryBaseDelay sets the backoff before the second attempt (default: 1s);
// each further delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryingProvider) { r.base = d }
}

// RetryTimeout caps the whole retry sequence. Once the cap elapses the loop
// stops waiting and returns. The zero value (default) means no cap.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryingProvider) { r.limit = d }
}

// RetryLogger sets the logger for retry events: WARN per retried attempt,
// ERROR when every attempt is spent. Unset means silent.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryingProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on transient HTTP errors (429,
// 503). Backoff is exponential with jitter, and a server-sent Retry-After
// duration raises the floor. Compose with any Provider:
//
//	chatLLM = loom.WithRetry(openaicompat.NewProvider(apiKey, model, baseURL))
//	chatLLM = loom.WithRetry(p, loom.RetryMaxAttempts(5))
//	chatLLM = loom.WithRetry(p, loom.RetryTimeout(30*time.Second))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryingProvider{inner: p, attempts: 3, base: time.Second}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Name delegates to the inner provider.
func (r *retryingProvider) Name() string { return r.inner.Name() }

func (r *retryingProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if r.limit > 0 {
		deadline := time.Now().Add(r.limit)
		if existing, ok := ctx.Deadline(); !ok || deadline.Before(existing) {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, deadline)
			defer cancel()
		}
	}

	var last error
	for attempt := 0; attempt < r.attempts; attempt++ {
		resp, err := r.inner.Chat(ctx, req)
		status, transient := transientStatus(err)
		if !transient {
			return resp, err
		}
		last = err
		r.logger.Warn("retrying transient error",
			"provider", r.inner.Name(),
			"status", status,
			"attempt", attempt+1,
			"max_attempts", r.attempts)
		if attempt == r.attempts-1 {
			break
		}
		if err := sleep(ctx, r.delay(attempt, last)); err != nil {
			return ChatResponse{}, err
		}
	}
	r.logger.Error("all retry attempts exhausted",
		"provider", r.inner.Name(),
		"attempts", r.attempts,
		"error", last)
	return ChatResponse{}, last
}

// ValidateToolSupport delegates to the inner provider when it implements the
// check, so wrapping does not hide the capability.
func (r *retryingProvider) ValidateToolSupport(ctx context.Context, model string) (bool, string, error) {
	if c, ok := r.inner.(ToolSupportChecker); ok {
		return c.ValidateToolSupport(ctx, model)
	}
	return true, "", nil
}

// delay computes the pause before the next attempt: exponential backoff with
// up to 50% jitter, raised to the server's Retry-After when that is longer.
func (r *retryingProvider) delay(attempt int, err error) time.Duration {
	exp := r.base * (1 << attempt)
	d := exp + time.Duration(rand.Int63n(int64(exp)/2+1))
	var e *ErrHTTP
	if errors.As(err, &e) && e.RetryAfter > d {
		return e.RetryAfter
	}
	return d
}

// transientStatus reports whether err carries a retryable HTTP status, and
// which one.
func transientStatus(err error) (int, bool) {
	var e *ErrHTTP
	if err == nil || !errors.As(err, &e) {
		return 0, false
	}
	return e.Status, e.Status == 429 || e.Status == 503
}

// sleep pauses for d, returning early with ctx.Err() on cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Provider = (*retryingProvider)(nil)
