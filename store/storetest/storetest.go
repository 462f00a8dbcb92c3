// Package storetest holds the conformance suite every loom.Store
// implementation must pass. Backend packages call Run from their own tests
// with a factory that opens a fresh initialized store, so the persistence
// contract is asserted once and enforced everywhere.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	loom "github.com/nevindra/loom"
)

// Factory opens a fresh, initialized Store for one subtest. Cleanup is the
// factory's responsibility (t.Cleanup or t.TempDir).
type Factory func(t *testing.T) loom.Store

// Run exercises the full Store contract against stores built by open.
func Run(t *testing.T, open Factory) {
	t.Run("DAGRoundTrip", func(t *testing.T) { testDAGRoundTrip(t, open) })
	t.Run("DAGUpsert", func(t *testing.T) { testDAGUpsert(t, open) })
	t.Run("DAGNotFound", func(t *testing.T) { testDAGNotFound(t, open) })
	t.Run("UpdateDAGSchedule", func(t *testing.T) { testUpdateDAGSchedule(t, open) })
	t.Run("UpdateDAGLastRun", func(t *testing.T) { testUpdateDAGLastRun(t, open) })
	t.Run("ListActiveSchedules", func(t *testing.T) { testListActiveSchedules(t, open) })
	t.Run("CreateExecution", func(t *testing.T) { testCreateExecution(t, open) })
	t.Run("ExecutionNotFound", func(t *testing.T) { testExecutionNotFound(t, open) })
	t.Run("UpdateExecution", func(t *testing.T) { testUpdateExecution(t, open) })
	t.Run("SubStepOrdering", func(t *testing.T) { testSubStepOrdering(t, open) })
	t.Run("SubStepLifecycle", func(t *testing.T) { testSubStepLifecycle(t, open) })
	t.Run("SubStepNotFound", func(t *testing.T) { testSubStepNotFound(t, open) })
	t.Run("AgentRoundTrip", func(t *testing.T) { testAgentRoundTrip(t, open) })
	t.Run("AgentNotFound", func(t *testing.T) { testAgentNotFound(t, open) })
	t.Run("ListAgents", func(t *testing.T) { testListAgents(t, open) })
}

// baseTime is whole-second so round-tripping through millisecond columns
// stays exact.
var baseTime = time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC)

func sampleJob() loom.Job {
	return loom.Job{
		OriginalRequest: "summarize this week's Go releases",
		Intent:          loom.Intent{Primary: "research"},
		SubTasks: []loom.SubTask{
			{
				ID:           "1",
				Description:  "search for release notes",
				ActionType:   "tool",
				ToolOrPrompt: loom.ToolOrPrompt{Name: "webSearch", Params: map[string]any{"query": "golang release notes"}},
				Dependencies: []string{"none"},
			},
			{
				ID:           "2",
				Description:  "summarize findings",
				ActionType:   "inference",
				ToolOrPrompt: loom.ToolOrPrompt{Name: "summarize"},
				Dependencies: []string{"1"},
			},
		},
		SynthesisPlan: "merge task results into a digest",
		Validation:    loom.Validation{Coverage: "high"},
	}
}

func sampleDAG(id string) *loom.DAGRecord {
	return &loom.DAGRecord{
		ID:           id,
		Status:       loom.DAGStatusSuccess,
		Title:        "Go release digest",
		AgentName:    "planner",
		Params:       "summarize this week's Go releases",
		Job:          sampleJob(),
		Usage:        loom.Usage{InputTokens: 120, OutputTokens: 340},
		Cost:         0.0125,
		PlanAttempts: 2,
		CreatedAt:    baseTime,
		UpdatedAt:    baseTime,
	}
}

func testDAGRoundTrip(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()

	d := sampleDAG(loom.NewID())
	if err := s.StoreDAG(ctx, d); err != nil {
		t.Fatalf("StoreDAG: %v", err)
	}

	got, err := s.GetDAG(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDAG: %v", err)
	}
	if got.Status != loom.DAGStatusSuccess || got.Title != "Go release digest" || got.AgentName != "planner" {
		t.Errorf("unexpected dag: %+v", got)
	}
	if got.Params != d.Params {
		t.Errorf("Params = %q, want %q", got.Params, d.Params)
	}
	if got.PlanAttempts != 2 || got.Cost != 0.0125 {
		t.Errorf("attempts/cost = %d/%v, want 2/0.0125", got.PlanAttempts, got.Cost)
	}
	if got.Usage != d.Usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, d.Usage)
	}
	if len(got.Job.SubTasks) != 2 {
		t.Fatalf("job sub-tasks = %d, want 2", len(got.Job.SubTasks))
	}
	if got.Job.SubTasks[1].Dependencies[0] != "1" {
		t.Errorf("task 2 deps = %v, want [1]", got.Job.SubTasks[1].Dependencies)
	}
	if !got.CreatedAt.Equal(baseTime) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, baseTime)
	}
	if got.LastRunAt != nil {
		t.Errorf("LastRunAt = %v, want nil", got.LastRunAt)
	}
}

func testDAGUpsert(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()

	d := sampleDAG(loom.NewID())
	if err := s.StoreDAG(ctx, d); err != nil {
		t.Fatalf("StoreDAG: %v", err)
	}
	d.Status = loom.DAGStatusFailure
	d.Title = "retitled"
	if err := s.StoreDAG(ctx, d); err != nil {
		t.Fatalf("StoreDAG again: %v", err)
	}

	got, err := s.GetDAG(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDAG: %v", err)
	}
	if got.Status != loom.DAGStatusFailure || got.Title != "retitled" {
		t.Errorf("upsert not applied: %+v", got)
	}
}

func testDAGNotFound(t *testing.T, open Factory) {
	s := open(t)

	_, err := s.GetDAG(context.Background(), "missing")
	if !errors.Is(err, loom.ErrNotFound) {
		t.Errorf("GetDAG err = %v, want ErrNotFound", err)
	}
}

func testUpdateDAGSchedule(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()

	d := sampleDAG(loom.NewID())
	if err := s.StoreDAG(ctx, d); err != nil {
		t.Fatalf("StoreDAG: %v", err)
	}
	if err := s.UpdateDAGSchedule(ctx, d.ID, "0 9 * * 1", "Europe/Berlin", true); err != nil {
		t.Fatalf("UpdateDAGSchedule: %v", err)
	}

	got, err := s.GetDAG(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDAG: %v", err)
	}
	if got.CronSchedule != "0 9 * * 1" || got.Timezone != "Europe/Berlin" || !got.ScheduleActive {
		t.Errorf("schedule = %q/%q/%v", got.CronSchedule, got.Timezone, got.ScheduleActive)
	}

	// Deactivation keeps the expression but flips the flag.
	if err := s.UpdateDAGSchedule(ctx, d.ID, "0 9 * * 1", "Europe/Berlin", false); err != nil {
		t.Fatalf("UpdateDAGSchedule deactivate: %v", err)
	}
	got, _ = s.GetDAG(ctx, d.ID)
	if got.ScheduleActive {
		t.Error("ScheduleActive = true after deactivation")
	}

	if err := s.UpdateDAGSchedule(ctx, "missing", "0 9 * * 1", "UTC", true); !errors.Is(err, loom.ErrNotFound) {
		t.Errorf("missing dag err = %v, want ErrNotFound", err)
	}
}

func testUpdateDAGLastRun(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()

	d := sampleDAG(loom.NewID())
	if err := s.StoreDAG(ctx, d); err != nil {
		t.Fatalf("StoreDAG: %v", err)
	}
	at := baseTime.Add(2 * time.Hour)
	if err := s.UpdateDAGLastRun(ctx, d.ID, at); err != nil {
		t.Fatalf("UpdateDAGLastRun: %v", err)
	}

	got, err := s.GetDAG(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDAG: %v", err)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(at) {
		t.Errorf("LastRunAt = %v, want %v", got.LastRunAt, at)
	}

	if err := s.UpdateDAGLastRun(ctx, "missing", at); !errors.Is(err, loom.ErrNotFound) {
		t.Errorf("missing dag err = %v, want ErrNotFound", err)
	}
}

func testListActiveSchedules(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()

	active1 := sampleDAG("a-" + loom.NewID())
	active1.CronSchedule = "0 8 * * *"
	active1.ScheduleActive = true
	active2 := sampleDAG("b-" + loom.NewID())
	active2.CronSchedule = "30 8 * * *"
	active2.ScheduleActive = true
	inactive := sampleDAG(loom.NewID())
	inactive.CronSchedule = "0 9 * * *"
	inactive.ScheduleActive = false
	noCron := sampleDAG(loom.NewID())
	noCron.ScheduleActive = true

	for _, d := range []*loom.DAGRecord{active1, active2, inactive, noCron} {
		if err := s.StoreDAG(ctx, d); err != nil {
			t.Fatalf("StoreDAG: %v", err)
		}
	}

	got, err := s.ListActiveSchedules(ctx)
	if err != nil {
		t.Fatalf("ListActiveSchedules: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (got %+v)", len(got), got)
	}
	if got[0].ID != active1.ID || got[1].ID != active2.ID {
		t.Errorf("order = [%s %s], want [%s %s]", got[0].ID, got[1].ID, active1.ID, active2.ID)
	}
}

func sampleExecution(id, dagID string) *loom.Execution {
	return &loom.Execution{
		ID:              id,
		DAGID:           dagID,
		OriginalRequest: "summarize this week's Go releases",
		PrimaryIntent:   "research",
		Status:          loom.ExecutionPending,
		TotalTasks:      3,
		WaitingTasks:    3,
		StartedAt:       baseTime,
		CreatedAt:       baseTime,
		UpdatedAt:       baseTime,
	}
}

func sampleSteps(executionID string, taskIDs ...string) []*loom.SubStep {
	steps := make([]*loom.SubStep, 0, len(taskIDs))
	for _, taskID := range taskIDs {
		steps = append(steps, &loom.SubStep{
			ID:           loom.NewID(),
			ExecutionID:  executionID,
			TaskID:       taskID,
			Description:  "task " + taskID,
			ActionType:   "tool",
			Name:         "webSearch",
			Params:       map[string]any{"query": "task " + taskID},
			Dependencies: []string{"none"},
			Status:       loom.SubStepPending,
			CreatedAt:    baseTime,
		})
	}
	return steps
}

func testCreateExecution(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()

	exID := loom.NewID()
	ex := sampleExecution(exID, loom.NewID())
	steps := sampleSteps(exID, "1", "2", "3")
	if err := s.CreateExecution(ctx, ex, steps); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	got, err := s.GetExecution(ctx, exID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != loom.ExecutionPending || got.TotalTasks != 3 || got.WaitingTasks != 3 {
		t.Errorf("unexpected execution: %+v", got)
	}
	if got.DAGID != ex.DAGID || got.PrimaryIntent != "research" {
		t.Errorf("dag_id/intent = %q/%q", got.DAGID, got.PrimaryIntent)
	}
	if !got.StartedAt.Equal(baseTime) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, baseTime)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil", got.CompletedAt)
	}

	stepsOut, err := s.GetSubSteps(ctx, exID)
	if err != nil {
		t.Fatalf("GetSubSteps: %v", err)
	}
	if len(stepsOut) != 3 {
		t.Fatalf("sub-steps = %d, want 3", len(stepsOut))
	}
	first := stepsOut[0]
	if first.TaskID != "1" || first.Status != loom.SubStepPending || first.Name != "webSearch" {
		t.Errorf("unexpected first step: %+v", first)
	}
	if q, _ := first.Params["query"].(string); q != "task 1" {
		t.Errorf("params round-trip = %v", first.Params)
	}
	if len(first.Dependencies) != 1 || first.Dependencies[0] != "none" {
		t.Errorf("dependencies = %v, want [none]", first.Dependencies)
	}
}

func testExecutionNotFound(t *testing.T, open Factory) {
	s := open(t)

	_, err := s.GetExecution(context.Background(), "missing")
	if !errors.Is(err, loom.ErrNotFound) {
		t.Errorf("GetExecution err = %v, want ErrNotFound", err)
	}
}

func testUpdateExecution(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()

	exID := loom.NewID()
	ex := sampleExecution(exID, "")
	if err := s.CreateExecution(ctx, ex, sampleSteps(exID, "1")); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	done := baseTime.Add(90 * time.Second)
	ex.Status = loom.ExecutionCompleted
	ex.CompletedTasks = 3
	ex.WaitingTasks = 0
	ex.CompletedAt = &done
	ex.DurationMS = 90_000
	ex.FinalResult = "all tasks succeeded"
	ex.SynthesisResult = "digest text"
	ex.Usage = loom.Usage{InputTokens: 500, OutputTokens: 900}
	ex.Cost = 0.042
	ex.UpdatedAt = done
	if err := s.UpdateExecution(ctx, ex); err != nil {
		t.Fatalf("UpdateExecution: %v", err)
	}

	got, err := s.GetExecution(ctx, exID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != loom.ExecutionCompleted || got.CompletedTasks != 3 || got.WaitingTasks != 0 {
		t.Errorf("counters not updated: %+v", got)
	}
	if got.SynthesisResult != "digest text" || got.FinalResult != "all tasks succeeded" {
		t.Errorf("results = %q/%q", got.FinalResult, got.SynthesisResult)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, done)
	}
	if got.DurationMS != 90_000 || got.Cost != 0.042 {
		t.Errorf("duration/cost = %d/%v", got.DurationMS, got.Cost)
	}
	if got.Usage != ex.Usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, ex.Usage)
	}

	missing := sampleExecution("missing", "")
	if err := s.UpdateExecution(ctx, missing); !errors.Is(err, loom.ErrNotFound) {
		t.Errorf("missing execution err = %v, want ErrNotFound", err)
	}
}

func testSubStepOrdering(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()

	exID := loom.NewID()
	// Inserted shuffled; numeric ids must come back numerically ordered and
	// before non-numeric ids.
	steps := sampleSteps(exID, "10", "2", "synthesis", "1")
	if err := s.CreateExecution(ctx, sampleExecution(exID, ""), steps); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	got, err := s.GetSubSteps(ctx, exID)
	if err != nil {
		t.Fatalf("GetSubSteps: %v", err)
	}
	want := []string{"1", "2", "10", "synthesis"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].TaskID != w {
			t.Errorf("order[%d] = %q, want %q", i, got[i].TaskID, w)
		}
	}
}

func testSubStepLifecycle(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()

	exID := loom.NewID()
	steps := sampleSteps(exID, "1", "2", "3")
	if err := s.CreateExecution(ctx, sampleExecution(exID, ""), steps); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	startedAt := baseTime.Add(time.Second)
	if err := s.MarkSubStepRunning(ctx, steps[0].ID, startedAt); err != nil {
		t.Fatalf("MarkSubStepRunning: %v", err)
	}
	got, _ := s.GetSubSteps(ctx, exID)
	if got[0].Status != loom.SubStepRunning {
		t.Errorf("status = %q, want running", got[0].Status)
	}
	if got[0].StartedAt == nil || !got[0].StartedAt.Equal(startedAt) {
		t.Errorf("StartedAt = %v, want %v", got[0].StartedAt, startedAt)
	}

	// Completion persists the tagged result so a resumed run can rebuild it.
	result := loom.ListResult([]map[string]any{
		{"title": "first", "url": "https://a.example/one"},
		{"title": "second", "url": "https://b.example/two"},
	})
	completedAt := baseTime.Add(3 * time.Second)
	out := loom.SubStepOutcome{
		Result:      result,
		Usage:       loom.Usage{InputTokens: 40, OutputTokens: 80},
		Cost:        0.002,
		CompletedAt: completedAt,
		DurationMS:  2000,
	}
	if err := s.MarkSubStepCompleted(ctx, steps[0].ID, out); err != nil {
		t.Fatalf("MarkSubStepCompleted: %v", err)
	}
	got, _ = s.GetSubSteps(ctx, exID)
	if got[0].Status != loom.SubStepCompleted || got[0].Error != "" {
		t.Errorf("completed step: status=%q error=%q", got[0].Status, got[0].Error)
	}
	if got[0].ResultKind != loom.ResultList {
		t.Errorf("ResultKind = %q, want list", got[0].ResultKind)
	}
	rebuilt := loom.ParseResult(got[0].ResultKind, got[0].Result)
	if items := rebuilt.Items(); len(items) != 2 {
		t.Errorf("rebuilt items = %d, want 2", len(items))
	}
	if got[0].DurationMS != 2000 || got[0].Cost != 0.002 {
		t.Errorf("duration/cost = %d/%v", got[0].DurationMS, got[0].Cost)
	}
	if got[0].Usage != out.Usage {
		t.Errorf("Usage = %+v, want %+v", got[0].Usage, out.Usage)
	}
	if got[0].CompletedAt == nil || !got[0].CompletedAt.Equal(completedAt) {
		t.Errorf("CompletedAt = %v, want %v", got[0].CompletedAt, completedAt)
	}

	fail := loom.SubStepOutcome{
		Error:       "tool broken",
		Usage:       loom.Usage{InputTokens: 5, OutputTokens: 0},
		CompletedAt: completedAt,
		DurationMS:  12,
	}
	if err := s.MarkSubStepFailed(ctx, steps[1].ID, fail); err != nil {
		t.Fatalf("MarkSubStepFailed: %v", err)
	}
	got, _ = s.GetSubSteps(ctx, exID)
	if got[1].Status != loom.SubStepFailed || got[1].Error != "tool broken" {
		t.Errorf("failed step: status=%q error=%q", got[1].Status, got[1].Error)
	}

	if err := s.MarkSubStepBlocked(ctx, steps[2].ID, "unresolved reference: task 9"); err != nil {
		t.Fatalf("MarkSubStepBlocked: %v", err)
	}
	got, _ = s.GetSubSteps(ctx, exID)
	if got[2].Status != loom.SubStepBlocked || got[2].Error != "unresolved reference: task 9" {
		t.Errorf("blocked step: status=%q error=%q", got[2].Status, got[2].Error)
	}
}

func testSubStepNotFound(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()

	if err := s.MarkSubStepRunning(ctx, "missing", baseTime); !errors.Is(err, loom.ErrNotFound) {
		t.Errorf("MarkSubStepRunning err = %v, want ErrNotFound", err)
	}
	if err := s.MarkSubStepCompleted(ctx, "missing", loom.SubStepOutcome{}); !errors.Is(err, loom.ErrNotFound) {
		t.Errorf("MarkSubStepCompleted err = %v, want ErrNotFound", err)
	}
	if err := s.MarkSubStepFailed(ctx, "missing", loom.SubStepOutcome{}); !errors.Is(err, loom.ErrNotFound) {
		t.Errorf("MarkSubStepFailed err = %v, want ErrNotFound", err)
	}
	if err := s.MarkSubStepBlocked(ctx, "missing", "reason"); !errors.Is(err, loom.ErrNotFound) {
		t.Errorf("MarkSubStepBlocked err = %v, want ErrNotFound", err)
	}
}

func testAgentRoundTrip(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()

	temp := 0.1
	maxTokens := 8192
	a := &loom.Agent{
		Name:         "planner",
		Description:  "decomposes goals into DAGs",
		SystemPrompt: "You are a planning engine. {{tools}} {{currentDate}}",
		Gen:          loom.GenerationParams{Temperature: &temp, MaxTokens: &maxTokens},
		CreatedAt:    baseTime,
		UpdatedAt:    baseTime,
	}
	if err := s.StoreAgent(ctx, a); err != nil {
		t.Fatalf("StoreAgent: %v", err)
	}

	got, err := s.GetAgent(ctx, "planner")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Description != a.Description || got.SystemPrompt != a.SystemPrompt {
		t.Errorf("unexpected agent: %+v", got)
	}
	if got.Gen.Temperature == nil || *got.Gen.Temperature != 0.1 {
		t.Errorf("Temperature = %v, want 0.1", got.Gen.Temperature)
	}
	if got.Gen.MaxTokens == nil || *got.Gen.MaxTokens != 8192 {
		t.Errorf("MaxTokens = %v, want 8192", got.Gen.MaxTokens)
	}

	// Upsert by name.
	a.SystemPrompt = "operator-tuned prompt"
	a.UpdatedAt = baseTime.Add(time.Hour)
	if err := s.StoreAgent(ctx, a); err != nil {
		t.Fatalf("StoreAgent upsert: %v", err)
	}
	got, _ = s.GetAgent(ctx, "planner")
	if got.SystemPrompt != "operator-tuned prompt" {
		t.Errorf("SystemPrompt = %q after upsert", got.SystemPrompt)
	}
}

func testAgentNotFound(t *testing.T, open Factory) {
	s := open(t)

	_, err := s.GetAgent(context.Background(), "missing")
	if !errors.Is(err, loom.ErrNotFound) {
		t.Errorf("GetAgent err = %v, want ErrNotFound", err)
	}
}

func testListAgents(t *testing.T, open Factory) {
	s := open(t)
	ctx := context.Background()

	for _, name := range []string{"title", "planner", "synthesizer"} {
		a := &loom.Agent{Name: name, SystemPrompt: "prompt for " + name, CreatedAt: baseTime, UpdatedAt: baseTime}
		if err := s.StoreAgent(ctx, a); err != nil {
			t.Fatalf("StoreAgent %s: %v", name, err)
		}
	}

	got, err := s.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	want := []string{"planner", "synthesizer", "title"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Name != w {
			t.Errorf("agents[%d] = %q, want %q", i, got[i].Name, w)
		}
	}
}
