package loom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// --- RPM tests ---

func TestWithRateLimit_RPM_AllowsWithinLimit(t *testing.T) {
	mock := &mockProvider{responses: []ChatResponse{
		{Content: "a"},
		{Content: "b"},
	}}
	p := WithRateLimit(mock, RPM(60))

	resp, err := p.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "a" {
		t.Errorf("got %q, want %q", resp.Content, "a")
	}
}

func TestWithRateLimit_RPM_BlocksWhenExceeded(t *testing.T) {
	mock := &mockProvider{responses: []ChatResponse{
		{Content: "a"},
		{Content: "b"},
	}}
	// RPM(1) = 1 request per minute. Second call should block.
	p := WithRateLimit(mock, RPM(1))

	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatal(err)
	}

	// Second call with a short-lived context should time out waiting.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Chat(ctx, ChatRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if mock.calls() != 1 {
		t.Errorf("inner calls = %d, want 1 (blocked request must not reach provider)", mock.calls())
	}
}

func TestWithRateLimit_UnlimitedByDefault(t *testing.T) {
	mock := &mockProvider{}
	p := WithRateLimit(mock)

	start := time.Now()
	for i := 0; i < 20; i++ {
		if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("20 unlimited calls took %v, expected no throttling", elapsed)
	}
	if mock.calls() != 20 {
		t.Errorf("calls = %d, want 20", mock.calls())
	}
}

// --- TPM tests ---

func TestWithRateLimit_TPM_AllowsWithinLimit(t *testing.T) {
	mock := &mockProvider{responses: []ChatResponse{
		{Content: "a", Usage: Usage{InputTokens: 100, OutputTokens: 50}},
		{Content: "b", Usage: Usage{InputTokens: 100, OutputTokens: 50}},
	}}
	p := WithRateLimit(mock, TPM(1000))

	// First call: 150 tokens, well within 1000 TPM.
	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatal(err)
	}
	// Second call: 300 total, still within 1000.
	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatal(err)
	}
	if mock.calls() != 2 {
		t.Errorf("got %d calls, want 2", mock.calls())
	}
}

func TestWithRateLimit_TPM_SoftLimit(t *testing.T) {
	mock := &mockProvider{responses: []ChatResponse{
		{Content: "a", Usage: Usage{InputTokens: 900, OutputTokens: 600}},
		{Content: "b", Usage: Usage{InputTokens: 10, OutputTokens: 10}},
	}}
	// TPM(1000). The first request overshoots the budget but still completes;
	// only subsequent requests block.
	p := WithRateLimit(mock, TPM(1000))

	resp, err := p.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("oversized first request should complete, got %v", err)
	}
	if resp.Content != "a" {
		t.Errorf("got %q, want %q", resp.Content, "a")
	}

	// Second call should block: 1500 tokens already recorded this minute.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Chat(ctx, ChatRequest{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if mock.calls() != 1 {
		t.Errorf("inner calls = %d, want 1", mock.calls())
	}
}

func TestWithRateLimit_TPM_ErrorsDoNotConsumeBudget(t *testing.T) {
	mock := &mockProvider{
		responses: []ChatResponse{
			{}, // consumed by the failing attempt
			{Content: "b", Usage: Usage{InputTokens: 5, OutputTokens: 5}},
		},
		errs: []error{fmt.Errorf("backend down")},
	}
	p := WithRateLimit(mock, TPM(50))

	if _, err := p.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("expected provider error")
	}

	// Failed requests record no usage, so the budget is still free.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	resp, err := p.Chat(ctx, ChatRequest{})
	if err != nil {
		t.Fatalf("second call should not be throttled: %v", err)
	}
	if resp.Content != "b" {
		t.Errorf("got %q, want %q", resp.Content, "b")
	}
}

func TestWithRateLimit_RPMAndTPM(t *testing.T) {
	mock := &mockProvider{responses: []ChatResponse{
		{Content: "a", Usage: Usage{InputTokens: 10, OutputTokens: 10}},
		{Content: "b", Usage: Usage{InputTokens: 10, OutputTokens: 10}},
	}}
	// RPM high, TPM low: after the first call fills the token budget, TPM is
	// the bottleneck.
	p := WithRateLimit(mock, RPM(100), TPM(20))

	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Chat(ctx, ChatRequest{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want timeout from TPM limit", err)
	}
}

// --- Wait behavior ---

func TestWithRateLimit_CancelDuringWait(t *testing.T) {
	mock := &mockProvider{responses: []ChatResponse{{Content: "a"}}}
	p := WithRateLimit(mock, RPM(1))

	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := p.Chat(ctx, ChatRequest{})
	elapsed := time.Since(start)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if elapsed > time.Second {
		t.Errorf("cancellation took %v, should return promptly", elapsed)
	}
	if mock.calls() != 1 {
		t.Errorf("inner calls = %d, want 1", mock.calls())
	}
}

func TestWithRateLimit_ConcurrentUnderBudget(t *testing.T) {
	mock := &mockProvider{}
	p := WithRateLimit(mock, RPM(50), TPM(100000))

	var wg sync.WaitGroup
	errCh := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Chat(context.Background(), ChatRequest{})
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Errorf("concurrent call failed: %v", err)
		}
	}
	if mock.calls() != 10 {
		t.Errorf("calls = %d, want 10", mock.calls())
	}
}

// --- Delegation ---

func TestWithRateLimit_Name(t *testing.T) {
	mock := &mockProvider{name: "openrouter"}
	p := WithRateLimit(mock, RPM(10))
	if p.Name() != "openrouter" {
		t.Errorf("Name() = %q, want %q", p.Name(), "openrouter")
	}
}

func TestWithRateLimit_ToolSupportDelegates(t *testing.T) {
	p := WithRateLimit(&noToolsProvider{}, RPM(10))

	checker, ok := p.(ToolSupportChecker)
	if !ok {
		t.Fatal("rate-limited provider should implement ToolSupportChecker")
	}
	supported, msg, err := checker.ValidateToolSupport(context.Background(), "basic/model")
	if err != nil {
		t.Fatal(err)
	}
	if supported {
		t.Error("supported = true, want false from inner provider")
	}
	if msg != "model lacks the tools capability" {
		t.Errorf("msg = %q, want inner provider's reason", msg)
	}
}

func TestWithRateLimit_ToolSupportDefaultsToSupported(t *testing.T) {
	p := WithRateLimit(&mockProvider{}, RPM(10))

	checker, ok := p.(ToolSupportChecker)
	if !ok {
		t.Fatal("rate-limited provider should implement ToolSupportChecker")
	}
	supported, msg, err := checker.ValidateToolSupport(context.Background(), "any/model")
	if err != nil {
		t.Fatal(err)
	}
	if !supported || msg != "" {
		t.Errorf("got (%v, %q), want (true, \"\")", supported, msg)
	}
}
