package loom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// defaultMaxParallel bounds how many tasks of one wave run concurrently.
const defaultMaxParallel = 10

// resultPreviewBytes caps the result text attached to substep.completed
// events; the full result lives in the sub-step row.
const resultPreviewBytes = 512

// Executor runs a planned Job against its persisted Execution: waves of
// ready tasks dispatched in parallel, per-task outcomes written through the
// Store, lifecycle events published on the Bus, and a final synthesis call
// when every task completed.
type Executor struct {
	provider Provider
	registry *Registry
	store    Store
	bus      *Bus
	logger   *slog.Logger
	tracer   Tracer
	meter    Meter

	maxParallel int
	taskTimeout time.Duration
	now         func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the executor's logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithExecutorTracer sets the tracer used to span executions and tasks.
func WithExecutorTracer(t Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithExecutorMeter sets the meter receiving execution metrics.
func WithExecutorMeter(m Meter) ExecutorOption {
	return func(e *Executor) { e.meter = m }
}

// WithMaxParallel bounds concurrent task dispatch within a wave.
func WithMaxParallel(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithTaskTimeout applies a per-task deadline; zero means none.
func WithTaskTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.taskTimeout = d }
}

// WithExecutorClock overrides the executor's clock.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an Executor.
func NewExecutor(provider Provider, registry *Registry, store Store, bus *Bus, opts ...ExecutorOption) *Executor {
	e := &Executor{
		provider:    provider,
		registry:    registry,
		store:       store,
		bus:         bus,
		logger:      nopLogger,
		maxParallel: defaultMaxParallel,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// taskOutcome is what one dispatched task reports back to the wave
// coordinator. The task's sub-step row is already updated by the time the
// outcome is read.
type taskOutcome struct {
	taskID string
	ok     bool
	result Result
	usage  Usage
	cost   float64
	err    error
}

// runState is the executor's in-memory view of one run. It is only touched
// by the coordinating goroutine; dispatched tasks receive read-only access
// to results between waves.
type runState struct {
	executed  map[string]bool   // task ids with a stored result
	attempted map[string]bool   // executed ∪ failed-this-run
	results   map[string]Result // task id → result
	failed    int               // failures in this run
}

// Execute runs the job for an existing Execution whose sub-step rows are
// already persisted. It is also the resume path: completed sub-steps from a
// prior run seed the executed set and their results, so finished work is
// never repeated, while failed and blocked steps are dispatched again.
//
// Per-task errors never abort the run; they surface as failed sub-steps and
// eventually as a partial or suspended terminal state. The returned error is
// non-nil only for setup failures that prevented dispatch entirely.
func (e *Executor) Execute(ctx context.Context, job Job, executionID, dagID, goal string) error {
	runStart := e.now().UTC()

	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "executor.execute",
			StringAttr("execution_id", executionID),
			IntAttr("tasks", len(job.SubTasks)))
		defer span.End()
	}

	ex, steps, stepByTask, err := e.load(ctx, executionID)
	if err != nil {
		if span != nil {
			span.Error(err)
		}
		return err
	}
	if err := e.checkSetup(ctx, ex, job, stepByTask); err != nil {
		if span != nil {
			span.Error(err)
		}
		return err
	}

	st := &runState{
		executed:  make(map[string]bool, len(job.SubTasks)),
		attempted: make(map[string]bool, len(job.SubTasks)),
		results:   make(map[string]Result, len(job.SubTasks)),
	}
	for _, s := range steps {
		if s.Status == SubStepCompleted {
			st.executed[s.TaskID] = true
			st.attempted[s.TaskID] = true
			st.results[s.TaskID] = ParseResult(s.ResultKind, s.Result)
		}
	}

	totalUsage := ex.Usage
	totalCost := ex.Cost

	// pending → running (or a resumed terminal → running).
	ex.Status = ExecutionRunning
	ex.CompletedTasks = len(st.executed)
	ex.FailedTasks = 0
	ex.WaitingTasks = ex.TotalTasks - ex.CompletedTasks
	e.persistExecution(ctx, ex)
	e.emitUpdated(ex)

	for {
		if ctx.Err() != nil {
			return e.finishSuspended(ctx, ex, st, totalUsage, totalCost, "cancelled")
		}

		ready := readyTasks(job.SubTasks, st)
		if len(ready) == 0 {
			if len(st.executed) == len(job.SubTasks) {
				return e.finishSynthesis(ctx, ex, job, st, totalUsage, totalCost, runStart)
			}
			if len(st.attempted) == len(job.SubTasks) {
				return e.finishPartial(ctx, ex, st, totalUsage, totalCost, runStart, "")
			}
			return e.finishDeadlock(ctx, ex, job, st, stepByTask, totalUsage, totalCost)
		}

		outcomes := e.runWave(ctx, ex.ID, ready, stepByTask, st.results)
		for _, o := range outcomes {
			st.attempted[o.taskID] = true
			totalUsage.Add(o.usage)
			totalCost += o.cost
			if o.ok {
				st.executed[o.taskID] = true
				st.results[o.taskID] = o.result
			} else {
				st.failed++
			}
		}

		ex.CompletedTasks = len(st.executed)
		ex.FailedTasks = st.failed
		ex.WaitingTasks = ex.TotalTasks - ex.CompletedTasks - ex.FailedTasks
		ex.Usage = totalUsage
		ex.Cost = totalCost
		e.persistExecution(ctx, ex)
		e.emitUpdated(ex)
	}
}

// load fetches the execution and its sub-steps, indexed by task id.
func (e *Executor) load(ctx context.Context, executionID string) (*Execution, []*SubStep, map[string]*SubStep, error) {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, nil, nil, Ew(KindRepository, "load execution", err)
	}
	steps, err := e.store.GetSubSteps(ctx, executionID)
	if err != nil {
		return nil, nil, nil, Ew(KindRepository, "load sub-steps", err)
	}
	byTask := make(map[string]*SubStep, len(steps))
	for _, s := range steps {
		byTask[s.TaskID] = s
	}
	return ex, steps, byTask, nil
}

// checkSetup verifies every sub-task has its sub-step row. A mismatch is a
// fatal setup error: the execution transitions to failed before any
// dispatch.
func (e *Executor) checkSetup(ctx context.Context, ex *Execution, job Job, stepByTask map[string]*SubStep) error {
	var missing []string
	for _, t := range job.SubTasks {
		if _, ok := stepByTask[t.ID]; !ok {
			missing = append(missing, t.ID)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	err := Ef(KindRepository, "sub-step rows missing for tasks %s", strings.Join(missing, ", "))
	now := e.now().UTC()
	ex.Status = ExecutionFailed
	ex.Error = err.Error()
	ex.CompletedAt = &now
	ex.UpdatedAt = now
	e.persistExecution(ctx, ex)
	e.publish(Event{
		Type:        EventExecutionFailed,
		ExecutionID: ex.ID,
		Status:      ExecutionFailed,
		Error:       err.Error(),
	})
	return err
}

// readyTasks returns, in plan order, every task not yet attempted whose
// dependencies are all executed. Tasks with the "none" sentinel (or an empty
// list) are ready immediately.
func readyTasks(tasks []SubTask, st *runState) []SubTask {
	var ready []SubTask
	for _, t := range tasks {
		if st.attempted[t.ID] {
			continue
		}
		ok := true
		for _, dep := range t.Deps() {
			if !st.executed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	return ready
}

// runWave dispatches every ready task through a bounded worker pool and
// joins before returning. Results are written into a positional slice so no
// locking is needed; the shared state maps are read-only for the duration of
// the wave.
func (e *Executor) runWave(ctx context.Context, executionID string, wave []SubTask, stepByTask map[string]*SubStep, results map[string]Result) []taskOutcome {
	outcomes := make([]taskOutcome, len(wave))
	sem := make(chan struct{}, e.maxParallel)
	var wg sync.WaitGroup

	for i, t := range wave {
		wg.Add(1)
		go func(i int, t SubTask) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("task panicked", "task_id", t.ID, "panic", r)
					outcomes[i] = e.failTask(ctx, executionID, t, stepByTask[t.ID],
						Ef(KindToolError, "panic: %v", r), Usage{}, 0, e.now().UTC(), 0)
				}
			}()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = e.runTask(ctx, executionID, t, stepByTask[t.ID], results)
		}(i, t)
	}
	wg.Wait()
	return outcomes
}

// runTask executes one sub-task: mark running, resolve params, dispatch the
// tool or inference call, then persist and publish the outcome.
func (e *Executor) runTask(ctx context.Context, executionID string, t SubTask, step *SubStep, results map[string]Result) taskOutcome {
	start := e.now().UTC()

	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "executor.task",
			StringAttr("task_id", t.ID),
			StringAttr("action_type", t.ActionType),
			StringAttr("name", t.ToolOrPrompt.Name))
		defer span.End()
	}
	if e.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.taskTimeout)
		defer cancel()
	}

	e.publish(Event{
		Type:        EventSubStepStarted,
		ExecutionID: executionID,
		TaskID:      t.ID,
		SubStepID:   step.ID,
	})
	if err := e.store.MarkSubStepRunning(ctx, step.ID, start); err != nil {
		e.logger.Warn("mark sub-step running failed", "sub_step_id", step.ID, "error", err)
	}

	var (
		res   Result
		usage Usage
		cost  float64
		err   error
	)
	switch t.ActionType {
	case ActionTool:
		res, usage, cost, err = e.runToolTask(ctx, executionID, t, results)
	case ActionInference:
		res, usage, cost, err = e.runInferenceTask(ctx, t, results)
	default:
		err = Ef(KindToolError, "unknown action_type %q", t.ActionType)
	}

	end := e.now().UTC()
	duration := end.Sub(start).Milliseconds()

	if err != nil {
		if span != nil {
			span.Error(err)
		}
		return e.failTask(ctx, executionID, t, step, err, usage, cost, end, duration)
	}

	out := SubStepOutcome{
		Result:      res,
		Usage:       usage,
		Cost:        cost,
		CompletedAt: end,
		DurationMS:  duration,
	}
	if serr := e.store.MarkSubStepCompleted(ctx, step.ID, out); serr != nil {
		e.logger.Warn("mark sub-step completed failed", "sub_step_id", step.ID, "error", serr)
	}
	e.publish(Event{
		Type:        EventSubStepCompleted,
		ExecutionID: executionID,
		TaskID:      t.ID,
		SubStepID:   step.ID,
		DurationMS:  duration,
		Result:      preview(res.String(), resultPreviewBytes),
	})
	e.count("dag.tasks", 1,
		StringAttr("action_type", t.ActionType), StringAttr("status", "completed"))
	e.logger.Info("task completed",
		"execution_id", executionID, "task_id", t.ID, "duration_ms", duration)

	return taskOutcome{taskID: t.ID, ok: true, result: res, usage: usage, cost: cost}
}

// failTask records a task failure: blocked sub-step status for unresolved
// references, failed otherwise, plus the substep.failed event.
func (e *Executor) failTask(ctx context.Context, executionID string, t SubTask, step *SubStep, cause error, usage Usage, cost float64, end time.Time, duration int64) taskOutcome {
	kind := KindOf(cause)
	blocked := kind == KindDeadlock

	if blocked {
		if serr := e.store.MarkSubStepBlocked(ctx, step.ID, cause.Error()); serr != nil {
			e.logger.Warn("mark sub-step blocked failed", "sub_step_id", step.ID, "error", serr)
		}
	} else {
		out := SubStepOutcome{
			Error:       cause.Error(),
			Usage:       usage,
			Cost:        cost,
			CompletedAt: end,
			DurationMS:  duration,
		}
		if serr := e.store.MarkSubStepFailed(ctx, step.ID, out); serr != nil {
			e.logger.Warn("mark sub-step failed failed", "sub_step_id", step.ID, "error", serr)
		}
	}

	e.publish(Event{
		Type:        EventSubStepFailed,
		ExecutionID: executionID,
		TaskID:      t.ID,
		SubStepID:   step.ID,
		DurationMS:  duration,
		Error:       cause.Error(),
	})
	e.count("dag.tasks", 1,
		StringAttr("action_type", t.ActionType), StringAttr("status", "failed"))
	e.logger.Warn("task failed",
		"execution_id", executionID, "task_id", t.ID, "kind", kind, "error", cause)

	return taskOutcome{taskID: t.ID, usage: usage, cost: cost, err: cause}
}

// runToolTask resolves params, validates them against the tool's schema and
// invokes the tool.
func (e *Executor) runToolTask(ctx context.Context, executionID string, t SubTask, results map[string]Result) (Result, Usage, float64, error) {
	name := t.ToolOrPrompt.Name
	tool, ok := e.registry.Get(name)
	if !ok {
		return Result{}, Usage{}, 0, Ef(KindToolNotFound, "tool %q is not registered", name)
	}

	params := ResolveParams(name, t.ToolOrPrompt.Params, results)
	if unresolved := UnresolvedTasks(params); len(unresolved) > 0 {
		return Result{}, Usage{}, 0, Ef(KindDeadlock,
			"unresolved reference to task %s", strings.Join(unresolved, ", "))
	}
	if err := e.registry.Validate(name, params); err != nil {
		return Result{}, Usage{}, 0, err
	}

	tc := ToolContext{
		ExecutionID: executionID,
		TaskID:      t.ID,
		Logger:      e.logger.With("tool", name, "task_id", t.ID),
		Events:      e.bus,
		Store:       e.store,
	}
	start := e.now()
	res, err := tool.Execute(ctx, tc, params)
	elapsed := e.now().Sub(start)
	e.count("tool.executions", 1,
		StringAttr("tool", name), BoolAttr("error", err != nil))
	e.record("tool.duration", float64(elapsed.Milliseconds()), StringAttr("tool", name))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{}, Usage{}, 0, Ew(KindCancelled, "tool cancelled", err)
		}
		if KindOf(err) != "" {
			return Result{}, Usage{}, 0, err
		}
		return Result{}, Usage{}, 0, Ew(KindToolError, fmt.Sprintf("tool %q failed", name), err)
	}

	e.publish(Event{
		Type:        EventToolCompleted,
		ExecutionID: executionID,
		TaskID:      t.ID,
		Message:     name,
		DurationMS:  elapsed.Milliseconds(),
	})
	return res, Usage{}, 0, nil
}

// runInferenceTask resolves the prompt params and issues a Chat call with a
// context block composed from the dependencies' results.
func (e *Executor) runInferenceTask(ctx context.Context, t SubTask, results map[string]Result) (Result, Usage, float64, error) {
	params := ResolveParams(t.ToolOrPrompt.Name, t.ToolOrPrompt.Params, results)
	if unresolved := UnresolvedTasks(params); len(unresolved) > 0 {
		return Result{}, Usage{}, 0, Ef(KindDeadlock,
			"unresolved reference to task %s", strings.Join(unresolved, ", "))
	}

	prompt, _ := params["prompt"].(string)
	if prompt == "" {
		prompt = t.Description
	}
	if block := dependencyContext(t, results); block != "" {
		prompt = prompt + "\n\nContext:\n\n" + block
	}

	resp, err := e.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{UserMessage(prompt)}})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{}, resp.Usage, resp.Cost, Ew(KindCancelled, "inference cancelled", err)
		}
		return Result{}, resp.Usage, resp.Cost, Ew(KindToolError, "inference chat failed", err)
	}
	return TextResult(resp.Content), resp.Usage, resp.Cost, nil
}

// dependencyContext stringifies every dependency's result, joined by blank
// lines, in dependency-list order.
func dependencyContext(t SubTask, results map[string]Result) string {
	var parts []string
	for _, dep := range t.Deps() {
		if r, ok := results[dep]; ok {
			parts = append(parts, fmt.Sprintf("Task %s result:\n%s", dep, r.String()))
		}
	}
	return strings.Join(parts, "\n\n")
}

// finishSynthesis runs the final Chat call over the synthesis plan and all
// task results. A synthesis failure degrades the execution to partial with
// the error stored; it never throws.
func (e *Executor) finishSynthesis(ctx context.Context, ex *Execution, job Job, st *runState, usage Usage, cost float64, runStart time.Time) error {
	synth, su, sc, err := e.synthesize(ctx, job, st.results)
	usage.Add(su)
	cost += sc
	if err != nil {
		e.logger.Warn("synthesis failed", "execution_id", ex.ID, "error", err)
		return e.finishPartial(ctx, ex, st, usage, cost, runStart, err.Error())
	}

	now := e.now().UTC()
	ex.Status = ExecutionCompleted
	ex.SynthesisResult = synth
	ex.FinalResult = synth // pass-through validation: identity
	ex.CompletedTasks = len(st.executed)
	ex.FailedTasks = st.failed
	ex.WaitingTasks = 0
	ex.Usage = usage
	ex.Cost = cost
	ex.CompletedAt = &now
	ex.DurationMS = now.Sub(ex.StartedAt).Milliseconds()
	ex.Error = ""
	ex.SuspendedReason = ""
	ex.SuspendedAt = nil
	if err := e.persistTerminal(ctx, ex); err != nil {
		return err
	}

	e.publish(Event{
		Type:        EventExecutionCompleted,
		ExecutionID: ex.ID,
		Status:      ExecutionCompleted,
		Counters:    countersOf(ex),
	})
	e.finishMetrics(ex, runStart)
	e.logger.Info("execution completed",
		"execution_id", ex.ID, "tasks", ex.TotalTasks, "duration_ms", ex.DurationMS)
	return nil
}

// finishPartial ends a run that reached the end of the DAG with failures, or
// whose synthesis failed gracefully.
func (e *Executor) finishPartial(ctx context.Context, ex *Execution, st *runState, usage Usage, cost float64, runStart time.Time, synthErr string) error {
	now := e.now().UTC()
	ex.Status = ExecutionPartial
	ex.CompletedTasks = len(st.executed)
	ex.FailedTasks = st.failed
	ex.WaitingTasks = ex.TotalTasks - ex.CompletedTasks - ex.FailedTasks
	ex.Usage = usage
	ex.Cost = cost
	ex.CompletedAt = &now
	ex.DurationMS = now.Sub(ex.StartedAt).Milliseconds()
	if synthErr != "" {
		ex.Error = synthErr
	} else {
		ex.Error = fmt.Sprintf("%d of %d tasks failed", ex.FailedTasks, ex.TotalTasks)
	}
	if err := e.persistTerminal(ctx, ex); err != nil {
		return err
	}

	e.publish(Event{
		Type:        EventExecutionCompleted,
		ExecutionID: ex.ID,
		Status:      ExecutionPartial,
		Error:       ex.Error,
		Counters:    countersOf(ex),
	})
	e.finishMetrics(ex, runStart)
	e.logger.Warn("execution partial",
		"execution_id", ex.ID, "failed_tasks", ex.FailedTasks, "error", ex.Error)
	return nil
}

// finishDeadlock suspends an execution whose remaining tasks can never
// become ready. Their sub-steps are marked blocked.
func (e *Executor) finishDeadlock(ctx context.Context, ex *Execution, job Job, st *runState, stepByTask map[string]*SubStep, usage Usage, cost float64) error {
	var blocked []string
	for _, t := range job.SubTasks {
		if !st.attempted[t.ID] {
			blocked = append(blocked, t.ID)
		}
	}
	sortTaskIDs(blocked)
	reason := fmt.Sprintf("deadlock: tasks %s blocked", strings.Join(blocked, ", "))

	for _, id := range blocked {
		step := stepByTask[id]
		if err := e.store.MarkSubStepBlocked(ctx, step.ID, "blocked: dependencies can never be satisfied"); err != nil {
			e.logger.Warn("mark sub-step blocked failed", "sub_step_id", step.ID, "error", err)
		}
	}
	return e.finishSuspended(ctx, ex, st, usage, cost, reason)
}

// finishSuspended parks the execution with a reason; resume may pick it up
// later with the same rows.
func (e *Executor) finishSuspended(ctx context.Context, ex *Execution, st *runState, usage Usage, cost float64, reason string) error {
	now := e.now().UTC()
	ex.Status = ExecutionSuspended
	ex.SuspendedReason = reason
	ex.SuspendedAt = &now
	ex.CompletedTasks = len(st.executed)
	ex.FailedTasks = st.failed
	ex.WaitingTasks = ex.TotalTasks - ex.CompletedTasks - ex.FailedTasks
	ex.Usage = usage
	ex.Cost = cost
	ex.DurationMS = now.Sub(ex.StartedAt).Milliseconds()
	if err := e.persistTerminal(ctx, ex); err != nil {
		return err
	}

	e.publish(Event{
		Type:        EventExecutionSuspended,
		ExecutionID: ex.ID,
		Status:      ExecutionSuspended,
		Error:       reason,
		Counters:    countersOf(ex),
	})
	e.count("dag.executions", 1, StringAttr("status", ExecutionSuspended))
	e.logger.Warn("execution suspended", "execution_id", ex.ID, "reason", reason)
	return nil
}

// synthesize issues the final Chat call: the job's synthesis plan followed
// by every task's result.
func (e *Executor) synthesize(ctx context.Context, job Job, results map[string]Result) (string, Usage, float64, error) {
	var b strings.Builder
	b.WriteString(job.SynthesisPlan)
	b.WriteString("\n\nTask results:\n")
	for _, t := range job.SubTasks {
		r, ok := results[t.ID]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\nTask %s:\n%s\n", t.ID, r.String())
	}

	resp, err := e.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{UserMessage(b.String())}})
	if err != nil {
		return "", resp.Usage, resp.Cost, Ew(KindSynthesisError, "synthesis chat failed", err)
	}
	return resp.Content, resp.Usage, resp.Cost, nil
}

// persistExecution writes a non-terminal snapshot; failures are logged, not
// fatal, so a flaky store cannot kill a run mid-flight.
func (e *Executor) persistExecution(ctx context.Context, ex *Execution) {
	ex.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateExecution(ctx, ex); err != nil {
		e.logger.Warn("update execution failed", "execution_id", ex.ID, "error", err)
	}
}

// persistTerminal writes the terminal snapshot. This write must land: the
// terminal status, counters and costs travel together.
func (e *Executor) persistTerminal(ctx context.Context, ex *Execution) error {
	ex.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateExecution(ctx, ex); err != nil {
		e.logger.Error("persist terminal state failed",
			"execution_id", ex.ID, "status", ex.Status, "error", err)
		return Ew(KindRepository, "persist terminal state", err)
	}
	return nil
}

func (e *Executor) emitUpdated(ex *Execution) {
	e.publish(Event{
		Type:        EventExecutionUpdated,
		ExecutionID: ex.ID,
		Status:      ex.Status,
		Counters:    countersOf(ex),
	})
}

func (e *Executor) finishMetrics(ex *Execution, runStart time.Time) {
	e.count("dag.executions", 1, StringAttr("status", ex.Status))
	e.record("dag.execution.duration", float64(e.now().UTC().Sub(runStart).Milliseconds()),
		StringAttr("status", ex.Status))
}

func (e *Executor) publish(ev Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func (e *Executor) count(name string, delta int64, attrs ...SpanAttr) {
	if e.meter != nil {
		e.meter.Count(name, delta, attrs...)
	}
}

func (e *Executor) record(name string, value float64, attrs ...SpanAttr) {
	if e.meter != nil {
		e.meter.Record(name, value, attrs...)
	}
}

func countersOf(ex *Execution) *Counters {
	return &Counters{
		Total:     ex.TotalTasks,
		Completed: ex.CompletedTasks,
		Failed:    ex.FailedTasks,
		Waiting:   ex.WaitingTasks,
	}
}

// preview truncates s for event payloads, respecting rune boundaries.
func preview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) > max {
		r = r[:max]
	}
	return string(r) + "…"
}

// sortTaskIDs orders ids numerically when possible ("10" after "9"),
// lexically otherwise.
func sortTaskIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return taskIDLess(ids[i], ids[j]) })
}

func taskIDLess(x, y string) bool {
	a, aerr := strconv.Atoi(x)
	b, berr := strconv.Atoi(y)
	if aerr == nil && berr == nil {
		return a < b
	}
	if aerr == nil {
		return true
	}
	if berr == nil {
		return false
	}
	return x < y
}
