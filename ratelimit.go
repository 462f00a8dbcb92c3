package loom

import (
	"context"
	"sync"
	"time"
)

// usageEvent is one entry in the limiter's sliding one-minute ledger. An
// admission carries requests=1; a completed response carries its token count.
type usageEvent struct {
	at       time.Time
	requests int
	tokens   int
}

// throttledProvider wraps a Provider and holds requests back until the
// configured per-minute limits have room. A single ledger of usage events
// covers both limits: request admissions for RPM, response token counts for
// TPM.
type throttledProvider struct {
	inner Provider

	mu     sync.Mutex
	ledger []usageEvent
	rpm    int
	tpm    int
}

// RateLimitOption configures WithRateLimit.
type RateLimitOption func(*throttledProvider)

// RPM caps admitted requests per minute.
func RPM(n int) RateLimitOption {
	return func(t *throttledProvider) { t.rpm = n }
}

// TPM caps tokens per minute, input and output combined. Token counts are
// only known once a response arrives, so this is a soft limit — the request
// that overshoots completes, and later requests wait for the window to
// slide.
func TPM(n int) RateLimitOption {
	return func(t *throttledProvider) { t.tpm = n }
}

// WithRateLimit wraps p with proactive rate limiting. Compose with other
// wrappers:
//
//	chatLLM = loom.WithRateLimit(provider, loom.RPM(60))
//	chatLLM = loom.WithRateLimit(provider, loom.RPM(60), loom.TPM(100000))
//	chatLLM = loom.WithRetry(loom.WithRateLimit(provider, loom.RPM(60)))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	t := &throttledProvider{inner: p}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *throttledProvider) Name() string { return t.inner.Name() }

func (t *throttledProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := t.admit(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := t.inner.Chat(ctx, req)
	if err == nil {
		// Failed calls never settle tokens; only delivered responses count.
		t.settle(resp.Usage)
	}
	return resp, err
}

// ValidateToolSupport delegates to the inner provider when it implements the
// check, so wrapping does not hide the capability.
func (t *throttledProvider) ValidateToolSupport(ctx context.Context, model string) (bool, string, error) {
	if c, ok := t.inner.(ToolSupportChecker); ok {
		return c.ValidateToolSupport(ctx, model)
	}
	return true, "", nil
}

// admit blocks until both limits have room, then records the admission.
// Returns ctx.Err() when the context ends first.
func (t *throttledProvider) admit(ctx context.Context) error {
	for {
		ok, wait := t.tryAdmit()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAdmit makes one admission attempt. On refusal it returns how long to
// wait: the time until the oldest event still blocking a limit leaves the
// window.
func (t *throttledProvider) tryAdmit() (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.ledger = expire(t.ledger, now.Add(-time.Minute))

	var requests, tokens int
	for _, ev := range t.ledger {
		requests += ev.requests
		tokens += ev.tokens
	}
	rpmOK := t.rpm <= 0 || requests < t.rpm
	tpmOK := t.tpm <= 0 || tokens < t.tpm

	if rpmOK && tpmOK {
		if t.rpm > 0 {
			t.ledger = append(t.ledger, usageEvent{at: now, requests: 1})
		}
		return true, 0
	}

	wait := retryIn(t.ledger, now, !rpmOK, !tpmOK)
	if wait <= 0 {
		wait = 10 * time.Millisecond
	}
	return false, wait
}

// settle records a response's token count against the TPM window, stamped at
// completion time.
func (t *throttledProvider) settle(u Usage) {
	if t.tpm <= 0 {
		return
	}
	total := u.InputTokens + u.OutputTokens
	if total <= 0 {
		return
	}
	t.mu.Lock()
	t.ledger = append(t.ledger, usageEvent{at: time.Now(), tokens: total})
	t.mu.Unlock()
}

// expire drops ledger entries older than cutoff. Entries are appended in
// time order, so a single scan from the front suffices.
func expire(ledger []usageEvent, cutoff time.Time) []usageEvent {
	i := 0
	for i < len(ledger) && ledger[i].at.Before(cutoff) {
		i++
	}
	return ledger[i:]
}

// retryIn finds the earliest moment a blocking limit could free up: when the
// oldest event charged against a blocked limit slides out of the window. The
// ledger is time-ordered, so the first match is that moment.
func retryIn(ledger []usageEvent, now time.Time, rpmBlocked, tpmBlocked bool) time.Duration {
	for _, ev := range ledger {
		if (rpmBlocked && ev.requests > 0) || (tpmBlocked && ev.tokens > 0) {
			return ev.at.Add(time.Minute).Sub(now)
		}
	}
	return 0
}

var _ Provider = (*throttledProvider)(nil)
