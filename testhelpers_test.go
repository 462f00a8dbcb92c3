package loom

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store for tests. It is safe for concurrent use
// and mirrors the persistence contract closely enough that executor and
// scheduler tests exercise real load/update round-trips. Embed it and
// override single methods to inject failures.
type memStore struct {
	mu    sync.Mutex
	dags  map[string]*DAGRecord
	execs map[string]*Execution
	steps map[string]*SubStep // keyed by sub-step id
	agnts map[string]*Agent
}

func newMemStore() *memStore {
	return &memStore{
		dags:  make(map[string]*DAGRecord),
		execs: make(map[string]*Execution),
		steps: make(map[string]*SubStep),
		agnts: make(map[string]*Agent),
	}
}

func (s *memStore) StoreDAG(_ context.Context, d *DAGRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.dags[d.ID] = &cp
	return nil
}

func (s *memStore) GetDAG(_ context.Context, id string) (*DAGRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dags[id]
	if !ok {
		return nil, fmt.Errorf("dag %s: %w", id, ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (s *memStore) UpdateDAGSchedule(_ context.Context, id, cronSchedule, timezone string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dags[id]
	if !ok {
		return fmt.Errorf("dag %s: %w", id, ErrNotFound)
	}
	d.CronSchedule = cronSchedule
	d.Timezone = timezone
	d.ScheduleActive = active
	return nil
}

func (s *memStore) UpdateDAGLastRun(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dags[id]
	if !ok {
		return fmt.Errorf("dag %s: %w", id, ErrNotFound)
	}
	d.LastRunAt = &at
	return nil
}

func (s *memStore) ListActiveSchedules(_ context.Context) ([]*DAGRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*DAGRecord
	for _, d := range s.dags {
		if d.ScheduleActive && d.CronSchedule != "" {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) CreateExecution(_ context.Context, ex *Execution, steps []*SubStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ex
	s.execs[ex.ID] = &cp
	for _, st := range steps {
		sc := *st
		s.steps[st.ID] = &sc
	}
	return nil
}

func (s *memStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.execs[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	cp := *ex
	return &cp, nil
}

func (s *memStore) UpdateExecution(_ context.Context, ex *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[ex.ID]; !ok {
		return fmt.Errorf("execution %s: %w", ex.ID, ErrNotFound)
	}
	cp := *ex
	s.execs[ex.ID] = &cp
	return nil
}

func (s *memStore) GetSubSteps(_ context.Context, executionID string) ([]*SubStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*SubStep
	for _, st := range s.steps {
		if st.ExecutionID == executionID {
			cp := *st
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return taskIDLess(out[i].TaskID, out[j].TaskID) })
	return out, nil
}

func (s *memStore) MarkSubStepRunning(_ context.Context, id string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[id]
	if !ok {
		return fmt.Errorf("sub-step %s: %w", id, ErrNotFound)
	}
	st.Status = SubStepRunning
	st.StartedAt = &startedAt
	return nil
}

func (s *memStore) MarkSubStepCompleted(_ context.Context, id string, out SubStepOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[id]
	if !ok {
		return fmt.Errorf("sub-step %s: %w", id, ErrNotFound)
	}
	st.Status = SubStepCompleted
	st.Result = out.Result.String()
	st.ResultKind = out.Result.Kind()
	st.Error = ""
	st.CompletedAt = &out.CompletedAt
	st.DurationMS = out.DurationMS
	st.Usage = out.Usage
	st.Cost = out.Cost
	return nil
}

func (s *memStore) MarkSubStepFailed(_ context.Context, id string, out SubStepOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[id]
	if !ok {
		return fmt.Errorf("sub-step %s: %w", id, ErrNotFound)
	}
	st.Status = SubStepFailed
	st.Error = out.Error
	st.CompletedAt = &out.CompletedAt
	st.DurationMS = out.DurationMS
	st.Usage = out.Usage
	st.Cost = out.Cost
	return nil
}

func (s *memStore) MarkSubStepBlocked(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[id]
	if !ok {
		return fmt.Errorf("sub-step %s: %w", id, ErrNotFound)
	}
	st.Status = SubStepBlocked
	st.Error = reason
	return nil
}

func (s *memStore) StoreAgent(_ context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.agnts[a.Name] = &cp
	return nil
}

func (s *memStore) GetAgent(_ context.Context, name string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agnts[name]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", name, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) ListAgents(_ context.Context) ([]*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Agent
	for _, a := range s.agnts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memStore) Init(_ context.Context) error { return nil }
func (s *memStore) Close() error                 { return nil }

// subStep fetches one sub-step by task id, for assertions.
func (s *memStore) subStep(executionID, taskID string) *SubStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.steps {
		if st.ExecutionID == executionID && st.TaskID == taskID {
			cp := *st
			return &cp
		}
	}
	return nil
}

// mockProvider is a test Provider that returns canned responses in order.
// Safe for concurrent use; it records every request for assertions.
type mockProvider struct {
	name      string
	responses []ChatResponse // popped in order
	errs      []error        // aligned with responses; nil entries succeed

	mu       sync.Mutex
	idx      int
	requests []ChatRequest
}

func (m *mockProvider) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func (m *mockProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	i := m.idx
	m.idx++
	if i < len(m.errs) && m.errs[i] != nil {
		return ChatResponse{}, m.errs[i]
	}
	if i >= len(m.responses) {
		return ChatResponse{Content: "exhausted"}, nil
	}
	return m.responses[i], nil
}

// calls returns how many Chat calls the provider has seen.
func (m *mockProvider) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idx
}

// request returns the i-th recorded request.
func (m *mockProvider) request(i int) ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

// planResponse wraps a JSON document in the fenced block the planner expects.
func planResponse(doc string) ChatResponse {
	return ChatResponse{
		Content: "```json\n" + doc + "\n```",
		Usage:   Usage{InputTokens: 10, OutputTokens: 20},
	}
}

// --- Tool mocks (shared across executor_test.go, service_test.go) ---

// echoTool returns its "text" input as a text result and records the inputs
// it was called with.
type echoTool struct {
	mu     sync.Mutex
	inputs []map[string]any
}

func (e *echoTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        "echo",
		Description: "Echo the given text",
		Parameters:  []byte(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}
}

func (e *echoTool) Execute(_ context.Context, _ ToolContext, input map[string]any) (Result, error) {
	e.mu.Lock()
	e.inputs = append(e.inputs, input)
	e.mu.Unlock()
	text, _ := input["text"].(string)
	return TextResult("echo: " + text), nil
}

func (e *echoTool) calls() []map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]map[string]any(nil), e.inputs...)
}

// failTool always fails.
type failTool struct{}

func (failTool) Definition() ToolDefinition {
	return ToolDefinition{Name: "fail", Description: "Always fails"}
}

func (failTool) Execute(_ context.Context, _ ToolContext, _ map[string]any) (Result, error) {
	return Result{}, fmt.Errorf("tool broken")
}

// stubSearchTool returns a fixed list of hits with url fields, mimicking a
// web search.
type stubSearchTool struct{}

func (stubSearchTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        "webSearch",
		Description: "Search the web",
		Parameters:  []byte(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
	}
}

func (stubSearchTool) Execute(_ context.Context, _ ToolContext, _ map[string]any) (Result, error) {
	return ListResult([]map[string]any{
		{"title": "first", "url": "https://a.example/one"},
		{"title": "second", "url": "https://b.example/two"},
	}), nil
}

// stubFetchTool accepts a urls list and returns one page per URL, recording
// the urls it was given.
type stubFetchTool struct {
	mu   sync.Mutex
	urls []string
}

func (f *stubFetchTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        FetchURLsToolName,
		Description: "Fetch pages",
		Parameters:  []byte(`{"type":"object","properties":{"urls":{"type":"array","items":{"type":"string"}}},"required":["urls"]}`),
	}
}

func (f *stubFetchTool) Execute(_ context.Context, _ ToolContext, input map[string]any) (Result, error) {
	var raw []string
	switch v := input["urls"].(type) {
	case []string:
		raw = v
	case []any:
		for _, u := range v {
			if s, ok := u.(string); ok {
				raw = append(raw, s)
			}
		}
	}
	f.mu.Lock()
	f.urls = append(f.urls, raw...)
	f.mu.Unlock()
	var items []map[string]any
	for _, u := range raw {
		items = append(items, map[string]any{"url": u, "content": "page at " + u})
	}
	return ListResult(items), nil
}

func (f *stubFetchTool) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

// blockTool blocks until its context is cancelled.
type blockTool struct {
	started chan struct{} // closed (once) when Execute begins
	once    sync.Once
}

func (b *blockTool) Definition() ToolDefinition {
	return ToolDefinition{Name: "block", Description: "Blocks until cancelled"}
}

func (b *blockTool) Execute(ctx context.Context, _ ToolContext, _ map[string]any) (Result, error) {
	if b.started != nil {
		b.once.Do(func() { close(b.started) })
	}
	<-ctx.Done()
	return Result{}, ctx.Err()
}

// testRegistry builds a registry with the given tools, failing registration
// loudly via MustAdd.
func testRegistry(tools ...Tool) *Registry {
	r := NewRegistry()
	for _, t := range tools {
		r.MustAdd(t)
	}
	return r
}

// seedExecution builds the pending execution and sub-step rows for a job the
// way the service does before handing it to the executor.
func seedExecution(t testingT, store Store, job Job, executionID, dagID string) {
	t.Helper()
	now := time.Unix(1700000000, 0).UTC()
	ex := &Execution{
		ID:              executionID,
		DAGID:           dagID,
		OriginalRequest: job.OriginalRequest,
		PrimaryIntent:   job.Intent.Primary,
		Status:          ExecutionPending,
		TotalTasks:      len(job.SubTasks),
		WaitingTasks:    len(job.SubTasks),
		StartedAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	steps := make([]*SubStep, 0, len(job.SubTasks))
	for _, task := range job.SubTasks {
		steps = append(steps, &SubStep{
			ID:           NewID(),
			ExecutionID:  executionID,
			TaskID:       task.ID,
			Description:  task.Description,
			ActionType:   task.ActionType,
			Name:         task.ToolOrPrompt.Name,
			Params:       task.ToolOrPrompt.Params,
			Dependencies: task.Deps(),
			Status:       SubStepPending,
			CreatedAt:    now,
		})
	}
	if err := store.CreateExecution(context.Background(), ex, steps); err != nil {
		t.Fatalf("seed execution: %v", err)
	}
}

// testingT is the subset of *testing.T the helpers need.
type testingT interface {
	Helper()
	Fatalf(format string, args ...any)
}

// collectEvents drains ch until it would block, returning what was buffered.
func collectEvents(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// eventTypes projects events to their type strings, for order assertions.
func eventTypes(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}
