package loom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// PlanOutcome classifies how a planning run ended.
type PlanOutcome string

const (
	PlanSuccessHighCoverage   PlanOutcome = "success_high_coverage"
	PlanSuccessLowCoverage    PlanOutcome = "success_low_coverage"
	PlanClarificationRequired PlanOutcome = "clarification_required"
	PlanFailed                PlanOutcome = "failed"
)

// PlanAttempt records one iteration of the refinement loop that did not
// produce the final job: why it was rejected and what it cost.
type PlanAttempt struct {
	Attempt int     `json:"attempt"`
	Kind    Kind    `json:"kind"`
	Error   string  `json:"error,omitempty"`
	Usage   Usage   `json:"usage"`
	Cost    float64 `json:"cost,omitempty"`
}

// PlanParams is the input to Plan. Agent is required; TitleAgent is
// optional (no title is generated without it). Gen carries per-request
// generation overrides that win over the agent's configuration, and
// Provider, when set, replaces the planner's default provider for this call.
type PlanParams struct {
	Goal       string
	Agent      *Agent
	TitleAgent *Agent
	Gen        GenerationParams
	Provider   Provider
}

// PlanResult is the outcome of a planning run. Usage and Cost accumulate
// across every attempt (and the title call) and are populated on failure
// outcomes too.
type PlanResult struct {
	Outcome       PlanOutcome
	Job           *Job
	Title         string
	Clarification string
	Usage         Usage
	Cost          float64
	Attempts      []PlanAttempt
}

// Planner defaults.
const (
	defaultMaxAttempts      = 3
	defaultMaxResponseBytes = 100 * 1024
)

// jsonFenceRe matches the first fenced code block tagged json.
var jsonFenceRe = regexp.MustCompile("(?s)```json\\s+(.*?)```")

// Planner turns a goal text into a validated Job through a bounded
// refinement loop against the chat provider.
type Planner struct {
	provider Provider
	registry *Registry
	logger   *slog.Logger
	tracer   Tracer
	meter    Meter

	maxAttempts      int
	maxResponseBytes int
	now              func() time.Time
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithPlannerLogger sets the planner's logger.
func WithPlannerLogger(l *slog.Logger) PlannerOption {
	return func(p *Planner) { p.logger = l }
}

// WithPlannerTracer sets the tracer used to span planning runs.
func WithPlannerTracer(t Tracer) PlannerOption {
	return func(p *Planner) { p.tracer = t }
}

// WithPlannerMeter sets the meter receiving planning metrics.
func WithPlannerMeter(m Meter) PlannerOption {
	return func(p *Planner) { p.meter = m }
}

// WithMaxAttempts bounds the refinement loop.
func WithMaxAttempts(n int) PlannerOption {
	return func(p *Planner) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithMaxResponseBytes sets the hard response-size limit.
func WithMaxResponseBytes(n int) PlannerOption {
	return func(p *Planner) {
		if n > 0 {
			p.maxResponseBytes = n
		}
	}
}

// WithPlannerClock overrides the clock used for {{currentDate}}.
func WithPlannerClock(now func() time.Time) PlannerOption {
	return func(p *Planner) { p.now = now }
}

// NewPlanner creates a Planner over a provider and a tool registry.
func NewPlanner(provider Provider, registry *Registry, opts ...PlannerOption) *Planner {
	p := &Planner{
		provider:         provider,
		registry:         registry,
		logger:           nopLogger,
		maxAttempts:      defaultMaxAttempts,
		maxResponseBytes: defaultMaxResponseBytes,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan runs the refinement loop: render prompts, call Chat, extract and
// validate the job, then branch on the model's self-assessment. It retries
// parse and schema failures up to the attempt budget; oversized responses
// fail the whole run immediately. On the high-coverage path sub-task ids
// are renumbered to a dense 1..N sequence and original_request is
// overwritten with the verbatim goal.
//
// Failure outcomes still carry accumulated usage, cost and the attempt log.
func (p *Planner) Plan(ctx context.Context, params PlanParams) (PlanResult, error) {
	res := PlanResult{Outcome: PlanFailed}
	if params.Agent == nil {
		return res, E(KindInvalidInput, "planner: nil agent")
	}
	if strings.TrimSpace(params.Goal) == "" {
		return res, E(KindInvalidInput, "planner: empty goal")
	}

	provider := p.provider
	if params.Provider != nil {
		provider = params.Provider
	}

	now := p.now().UTC()
	system := RenderPrompt(params.Agent.SystemPrompt, p.toolsJSON(), now)
	user := strings.ReplaceAll(params.Goal, "{{currentDate}}", now.Format(time.RFC3339))
	gen := params.Agent.Gen.Merge(params.Gen)

	var span Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "planner.plan",
			StringAttr("agent", params.Agent.Name))
		defer span.End()
	}
	defer func() {
		p.count("dag.plans", 1, StringAttr("outcome", string(res.Outcome)))
		p.count("dag.plan.attempts", int64(len(res.Attempts)))
	}()

	record := func(attempt int, kind Kind, msg string, u Usage, cost float64) {
		res.Attempts = append(res.Attempts, PlanAttempt{
			Attempt: attempt, Kind: kind, Error: msg, Usage: u, Cost: cost,
		})
		p.logger.Warn("planning attempt rejected",
			"attempt", attempt, "kind", kind, "error", msg)
	}

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		req := ChatRequest{Messages: []ChatMessage{SystemMessage(system), UserMessage(user)}}
		gen.apply(&req)

		resp, err := provider.Chat(ctx, req)
		res.Usage.Add(resp.Usage)
		res.Cost += resp.Cost
		if err != nil {
			record(attempt, KindChatError, err.Error(), resp.Usage, resp.Cost)
			if ctx.Err() != nil {
				return res, Ew(KindCancelled, "planning cancelled", ctx.Err())
			}
			continue
		}

		if len(resp.Content) > p.maxResponseBytes {
			fatal := Ef(KindResponseTooLarge, "model response is %d bytes (limit %d)",
				len(resp.Content), p.maxResponseBytes)
			record(attempt, KindResponseTooLarge, fatal.Message, resp.Usage, resp.Cost)
			if span != nil {
				span.Error(fatal)
			}
			return res, fatal
		}

		raw, err := extractFencedJSON(resp.Content)
		if err != nil {
			record(attempt, KindParseError, err.Error(), resp.Usage, resp.Cost)
			continue
		}

		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			record(attempt, KindParseError, diagnoseJSON(raw, err), resp.Usage, resp.Cost)
			continue
		}
		if err := ValidateJobDocument(doc); err != nil {
			record(attempt, KindSchemaMismatch, err.Error(), resp.Usage, resp.Cost)
			continue
		}

		var job Job
		if err := json.Unmarshal(raw, &job); err != nil {
			record(attempt, KindParseError, diagnoseJSON(raw, err), resp.Usage, resp.Cost)
			continue
		}
		if err := job.Validate(); err != nil {
			record(attempt, KindSchemaMismatch, err.Error(), resp.Usage, resp.Cost)
			continue
		}

		switch {
		case job.ClarificationNeeded:
			res.Outcome = PlanClarificationRequired
			res.Clarification = job.ClarificationQuery
			res.Job = &job
			return res, nil

		case job.Validation.Coverage == CoverageHigh:
			job.Renumber()
			job.OriginalRequest = params.Goal
			res.Outcome = PlanSuccessHighCoverage
			res.Job = &job

		case len(job.Validation.Gaps) > 0:
			record(attempt, KindCoverageGaps,
				strings.Join(job.Validation.Gaps, "; "), resp.Usage, resp.Cost)
			user = gapFeedback(user, job.Validation.Gaps)
			continue

		default:
			// Low or medium coverage without named gaps: usable as-is,
			// model ids preserved.
			res.Outcome = PlanSuccessLowCoverage
			res.Job = &job
		}
		break
	}

	if res.Outcome == PlanFailed {
		err := Ef(KindPlannerExhausted, "no valid plan after %d attempts", p.maxAttempts)
		if span != nil {
			span.Error(err)
		}
		return res, err
	}

	res.Title = p.generateTitle(ctx, provider, params.TitleAgent, params.Goal, &res)

	p.logger.Info("plan ready",
		"outcome", res.Outcome,
		"sub_tasks", len(res.Job.SubTasks),
		"attempts", len(res.Attempts)+1,
		"tokens", res.Usage.Total())
	return res, nil
}

// generateTitle issues the secondary title call. Failures are logged and
// leave the title empty; they never fail the plan.
func (p *Planner) generateTitle(ctx context.Context, provider Provider, agent *Agent, goal string, res *PlanResult) string {
	if agent == nil {
		return ""
	}
	req := ChatRequest{Messages: []ChatMessage{
		SystemMessage(RenderPrompt(agent.SystemPrompt, "", p.now().UTC())),
		UserMessage(goal),
	}}
	agent.Gen.apply(&req)

	resp, err := provider.Chat(ctx, req)
	res.Usage.Add(resp.Usage)
	res.Cost += resp.Cost
	if err != nil {
		p.logger.Warn("title generation failed", "error", err)
		return ""
	}

	title := strings.TrimSpace(resp.Content)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.Trim(title, `"`)
	if r := []rune(title); len(r) > 80 {
		title = strings.TrimSpace(string(r[:80]))
	}
	return title
}

func (p *Planner) toolsJSON() string {
	if p.registry == nil {
		return "[]"
	}
	raw, err := json.MarshalIndent(p.registry.Definitions(), "", "  ")
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func (p *Planner) count(name string, delta int64, attrs ...SpanAttr) {
	if p.meter != nil {
		p.meter.Count(name, delta, attrs...)
	}
}

// extractFencedJSON returns the contents of the first fenced code block
// tagged json. Responses without such a block are rejected outright; the
// planner never guesses at bare JSON in prose.
func extractFencedJSON(content string) ([]byte, error) {
	m := jsonFenceRe.FindStringSubmatch(content)
	if m == nil {
		return nil, E(KindParseError, "no fenced json block in model response")
	}
	raw := strings.TrimSpace(m[1])
	if raw == "" {
		return nil, E(KindParseError, "fenced json block is empty")
	}
	return []byte(raw), nil
}

// diagnoseJSON augments a JSON parse error with its line/column position and
// a 5-line context window from the offending document.
func diagnoseJSON(raw []byte, err error) string {
	var off int64
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syn):
		off = syn.Offset
	case errors.As(err, &typ):
		off = typ.Offset
	default:
		return err.Error()
	}

	line, col := 1, 1
	for i := int64(0); i < off && i < int64(len(raw)); i++ {
		if raw[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}

	lines := strings.Split(string(raw), "\n")
	start := line - 3
	if start < 0 {
		start = 0
	}
	end := start + 5
	if end > len(lines) {
		end = len(lines)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%v (line %d, column %d)", err, line, col)
	for i := start; i < end; i++ {
		marker := "  "
		if i+1 == line {
			marker = "> "
		}
		fmt.Fprintf(&b, "\n%s%4d | %s", marker, i+1, lines[i])
	}
	return b.String()
}

// gapFeedback appends the model's own gap list to the user prompt as a
// numbered list for the next attempt.
func gapFeedback(user string, gaps []string) string {
	var b strings.Builder
	b.WriteString(user)
	b.WriteString("\n\nYour previous plan had coverage gaps. Address every gap below and return a complete plan:\n")
	for i, g := range gaps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, g)
	}
	return b.String()
}
