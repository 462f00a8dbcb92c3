package loom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ProviderResolverFunc turns a per-request provider/model pair into a
// Provider. The daemon wires one up from its configured API keys.
type ProviderResolverFunc func(provider, model string) (Provider, error)

// CreateDAGRequest is the input to CreateDAG and CreateAndExecuteDAG.
// The embedded GenerationParams override the agent's configuration for this
// request only.
type CreateDAGRequest struct {
	Goal      string `json:"goal"`
	AgentName string `json:"agent_name,omitempty"`
	GenerationParams
	CronSchedule   string `json:"cron_schedule,omitempty"`
	ScheduleActive bool   `json:"schedule_active,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}

// CreateDAGResponse is returned by CreateDAG. Status is "created" on
// success; the clarification branch returns "clarification_required" with
// the model's query and the clarification job, and persists nothing.
type CreateDAGResponse struct {
	Status  string      `json:"status"`
	DAGID   string      `json:"dag_id,omitempty"`
	Title   string      `json:"title,omitempty"`
	Outcome PlanOutcome `json:"outcome,omitempty"`
	Query   string      `json:"query,omitempty"`
	Job     *Job        `json:"job,omitempty"`
	Usage   Usage       `json:"usage"`
	Cost    float64     `json:"cost,omitempty"`
}

// ExecuteDAGResponse is returned by ExecuteDAG once the run is launched.
type ExecuteDAGResponse struct {
	Status      string `json:"status"`
	ExecutionID string `json:"execution_id"`
	TotalTasks  int    `json:"total_tasks"`
}

// ResumeDAGResponse is returned by ResumeDAG.
type ResumeDAGResponse struct {
	Status      string `json:"status"`
	ExecutionID string `json:"execution_id"`
	RetryCount  int    `json:"retry_count"`
}

// CreateAndExecuteDAGResponse is returned by CreateAndExecuteDAG.
type CreateAndExecuteDAGResponse struct {
	Status      string `json:"status"`
	DAGID       string `json:"dag_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Title       string `json:"title,omitempty"`
	Query       string `json:"query,omitempty"`
	Job         *Job   `json:"job,omitempty"`
}

// ExecutionStatusResponse is the read surface for one execution.
type ExecutionStatusResponse struct {
	Execution *Execution `json:"execution"`
	SubSteps  []*SubStep `json:"sub_steps"`
}

// Service is the facade over planner, executor, scheduler and store. It owns
// the cancellation handles for in-flight executions and launches executor
// runs detached from the caller's request context.
type Service struct {
	planner   *Planner
	executor  *Executor
	scheduler *Scheduler
	store     Store
	bus       *Bus
	logger    *slog.Logger
	resolve   ProviderResolverFunc
	now       func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the service's logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithProviderResolver enables per-request provider/model overrides on
// CreateDAG. Without it such requests are rejected.
func WithProviderResolver(fn ProviderResolverFunc) ServiceOption {
	return func(s *Service) { s.resolve = fn }
}

// WithServiceClock overrides the service's clock.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService wires the core components together.
func NewService(planner *Planner, executor *Executor, scheduler *Scheduler, store Store, bus *Bus, opts ...ServiceOption) *Service {
	s := &Service{
		planner:   planner,
		executor:  executor,
		scheduler: scheduler,
		store:     store,
		bus:       bus,
		logger:    nopLogger,
		now:       time.Now,
		cancels:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateDAG plans a goal and persists the resulting DAG record. Planning
// runs synchronously on the request context; a clarification outcome is a
// normal response, not an error, and persists nothing. When a cron schedule
// is supplied it is validated before any model call and registered after the
// record is stored.
func (s *Service) CreateDAG(ctx context.Context, req CreateDAGRequest) (CreateDAGResponse, error) {
	var resp CreateDAGResponse

	goal, err := SanitizeGoal(req.Goal)
	if err != nil {
		return resp, err
	}
	if req.CronSchedule != "" {
		if _, err := ParseCron(req.CronSchedule, req.Timezone); err != nil {
			return resp, err
		}
	}

	agentName := req.AgentName
	if agentName == "" {
		agentName = DefaultPlannerAgentName
	}
	agent, err := s.store.GetAgent(ctx, agentName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return resp, Ew(KindInvalidInput, fmt.Sprintf("unknown agent %q", agentName), err)
		}
		return resp, Ew(KindRepository, "load agent", err)
	}
	titleAgent, err := s.store.GetAgent(ctx, DefaultTitleAgentName)
	if err != nil {
		titleAgent = nil // title stays empty, never fatal
	}

	override, err := s.resolveOverride(ctx, req.GenerationParams)
	if err != nil {
		return resp, err
	}

	plan, err := s.planner.Plan(ctx, PlanParams{
		Goal:       goal,
		Agent:      agent,
		TitleAgent: titleAgent,
		Gen:        req.GenerationParams,
		Provider:   override,
	})
	resp.Usage = plan.Usage
	resp.Cost = plan.Cost
	resp.Outcome = plan.Outcome
	if err != nil {
		return resp, err
	}

	if plan.Outcome == PlanClarificationRequired {
		resp.Status = "clarification_required"
		resp.Query = plan.Clarification
		resp.Job = plan.Job
		return resp, nil
	}

	now := s.now().UTC()
	dag := &DAGRecord{
		ID:             NewID(),
		Status:         DAGStatusSuccess,
		Title:          plan.Title,
		AgentName:      agentName,
		Params:         goal,
		Job:            *plan.Job,
		Usage:          plan.Usage,
		Cost:           plan.Cost,
		PlanAttempts:   len(plan.Attempts) + 1,
		CronSchedule:   req.CronSchedule,
		Timezone:       req.Timezone,
		ScheduleActive: req.CronSchedule != "" && req.ScheduleActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.StoreDAG(ctx, dag); err != nil {
		return resp, Ew(KindRepository, "store dag", err)
	}
	if dag.ScheduleActive && s.scheduler != nil {
		if err := s.scheduler.Register(dag.ID, dag.CronSchedule, dag.Timezone, true); err != nil {
			s.logger.Error("schedule registration failed", "dag_id", dag.ID, "error", err)
		}
	}

	s.logger.Info("dag created",
		"dag_id", dag.ID, "outcome", plan.Outcome, "sub_tasks", len(plan.Job.SubTasks))
	resp.Status = "created"
	resp.DAGID = dag.ID
	resp.Title = plan.Title
	return resp, nil
}

// resolveOverride builds the per-request provider when the request names
// one, checking tool support for the chosen model.
func (s *Service) resolveOverride(ctx context.Context, gen GenerationParams) (Provider, error) {
	if gen.Provider == "" && gen.Model == "" {
		return nil, nil
	}
	if s.resolve == nil {
		return nil, E(KindInvalidInput, "per-request provider overrides are not enabled")
	}
	p, err := s.resolve(gen.Provider, gen.Model)
	if err != nil {
		return nil, Ew(KindInvalidInput, "resolve provider", err)
	}
	if checker, ok := p.(ToolSupportChecker); ok && gen.Model != "" {
		supported, msg, err := checker.ValidateToolSupport(ctx, gen.Model)
		if err != nil {
			s.logger.Warn("tool support check failed", "model", gen.Model, "error", err)
		} else if !supported {
			return nil, Ef(KindInvalidInput, "model %q does not support tool calling: %s", gen.Model, msg)
		}
	}
	return p, nil
}

// ExecuteDAG creates a fresh Execution (all sub-steps pending, inserted
// atomically), emits execution.created and launches the executor detached
// from the request context.
func (s *Service) ExecuteDAG(ctx context.Context, dagID string) (ExecuteDAGResponse, error) {
	var resp ExecuteDAGResponse

	dag, err := s.store.GetDAG(ctx, dagID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return resp, err
		}
		return resp, Ew(KindRepository, "load dag", err)
	}
	job := dag.Job
	if job.ClarificationNeeded || len(job.SubTasks) == 0 {
		return resp, Ef(KindInvalidInput, "dag %s holds no runnable job", dagID)
	}

	now := s.now().UTC()
	ex := &Execution{
		ID:              NewID(),
		DAGID:           dag.ID,
		OriginalRequest: dag.Params,
		PrimaryIntent:   job.Intent.Primary,
		Status:          ExecutionPending,
		TotalTasks:      len(job.SubTasks),
		WaitingTasks:    len(job.SubTasks),
		StartedAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	steps := make([]*SubStep, 0, len(job.SubTasks))
	for _, t := range job.SubTasks {
		steps = append(steps, &SubStep{
			ID:           NewID(),
			ExecutionID:  ex.ID,
			TaskID:       t.ID,
			Description:  t.Description,
			ActionType:   t.ActionType,
			Name:         t.ToolOrPrompt.Name,
			Params:       t.ToolOrPrompt.Params,
			Dependencies: t.Dependencies,
			Status:       SubStepPending,
			CreatedAt:    now,
		})
	}
	if err := s.store.CreateExecution(ctx, ex, steps); err != nil {
		return resp, Ew(KindRepository, "create execution", err)
	}

	if s.bus != nil {
		s.bus.Publish(Event{
			Type:        EventExecutionCreated,
			ExecutionID: ex.ID,
			Status:      ExecutionPending,
			Counters:    countersOf(ex),
		})
	}

	s.launch(ctx, job, ex.ID, dag.ID, dag.Params)
	s.logger.Info("execution started",
		"execution_id", ex.ID, "dag_id", dag.ID, "total_tasks", ex.TotalTasks)

	resp.Status = "started"
	resp.ExecutionID = ex.ID
	resp.TotalTasks = ex.TotalTasks
	return resp, nil
}

// ResumeDAG relaunches a terminal execution with the same rows. Completed
// sub-steps keep their results; failed and blocked ones run again.
func (s *Service) ResumeDAG(ctx context.Context, executionID string) (ResumeDAGResponse, error) {
	var resp ResumeDAGResponse

	ex, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return resp, err
		}
		return resp, Ew(KindRepository, "load execution", err)
	}
	switch ex.Status {
	case ExecutionSuspended, ExecutionFailed, ExecutionPartial:
	default:
		return resp, Ef(KindInvalidInput, "execution %s is %s; only suspended, failed or partial executions resume",
			executionID, ex.Status)
	}
	if ex.DAGID == "" {
		return resp, Ef(KindInvalidInput, "execution %s has no dag to resume from", executionID)
	}
	dag, err := s.store.GetDAG(ctx, ex.DAGID)
	if err != nil {
		return resp, Ew(KindRepository, "load dag", err)
	}

	now := s.now().UTC()
	ex.RetryCount++
	ex.LastRetryAt = &now
	ex.UpdatedAt = now
	if err := s.store.UpdateExecution(ctx, ex); err != nil {
		return resp, Ew(KindRepository, "update execution", err)
	}

	s.launch(ctx, dag.Job, ex.ID, dag.ID, ex.OriginalRequest)
	s.logger.Info("execution resumed",
		"execution_id", ex.ID, "retry_count", ex.RetryCount, "from_status", ex.Status)

	resp.Status = "resumed"
	resp.ExecutionID = ex.ID
	resp.RetryCount = ex.RetryCount
	return resp, nil
}

// CreateAndExecuteDAG chains CreateDAG and ExecuteDAG. The clarification
// branch short-circuits before anything persists.
func (s *Service) CreateAndExecuteDAG(ctx context.Context, req CreateDAGRequest) (CreateAndExecuteDAGResponse, error) {
	var resp CreateAndExecuteDAGResponse

	created, err := s.CreateDAG(ctx, req)
	if err != nil {
		return resp, err
	}
	if created.Status == "clarification_required" {
		resp.Status = created.Status
		resp.Query = created.Query
		resp.Job = created.Job
		return resp, nil
	}

	started, err := s.ExecuteDAG(ctx, created.DAGID)
	if err != nil {
		return resp, err
	}
	resp.Status = "executing"
	resp.DAGID = created.DAGID
	resp.ExecutionID = started.ExecutionID
	resp.Title = created.Title
	return resp, nil
}

// UpdateSchedule rewrites a DAG's schedule metadata and applies it to the
// live scheduler.
func (s *Service) UpdateSchedule(ctx context.Context, dagID, cronSchedule, timezone string, active bool) error {
	if cronSchedule != "" {
		if _, err := ParseCron(cronSchedule, timezone); err != nil {
			return err
		}
	}
	if _, err := s.store.GetDAG(ctx, dagID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return Ew(KindRepository, "load dag", err)
	}
	if err := s.store.UpdateDAGSchedule(ctx, dagID, cronSchedule, timezone, active); err != nil {
		return Ew(KindRepository, "update schedule", err)
	}
	if s.scheduler != nil {
		return s.scheduler.Update(dagID, cronSchedule, timezone, active)
	}
	return nil
}

// ExecutionStatus returns the execution and its ordered sub-steps.
func (s *Service) ExecutionStatus(ctx context.Context, executionID string) (ExecutionStatusResponse, error) {
	var resp ExecutionStatusResponse

	ex, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return resp, err
		}
		return resp, Ew(KindRepository, "load execution", err)
	}
	steps, err := s.store.GetSubSteps(ctx, executionID)
	if err != nil {
		return resp, Ew(KindRepository, "load sub-steps", err)
	}
	resp.Execution = ex
	resp.SubSteps = steps
	return resp, nil
}

// CancelExecution cancels a running execution's context. It reports whether
// a run was found; the execution itself transitions to suspended once the
// executor observes the cancellation.
func (s *Service) CancelExecution(executionID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[executionID]
	s.mu.Unlock()
	if ok {
		cancel()
		s.logger.Info("execution cancel requested", "execution_id", executionID)
	}
	return ok
}

// launch starts a detached executor run: the request context's values
// (trace context) survive, its cancellation does not.
func (s *Service) launch(ctx context.Context, job Job, executionID, dagID, goal string) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.cancels[executionID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.cancels, executionID)
			s.mu.Unlock()
			cancel()
		}()
		if err := s.executor.Execute(runCtx, job, executionID, dagID, goal); err != nil {
			s.logger.Error("execution run failed", "execution_id", executionID, "error", err)
		}
	}()
}

// Close cancels every in-flight execution and waits for their goroutines.
func (s *Service) Close() {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
