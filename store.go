package loom

import (
	"context"
	"time"
)

// DAG record statuses.
const (
	DAGStatusSuccess = "success"
	DAGStatusFailure = "failure"
)

// Execution statuses.
const (
	ExecutionPending   = "pending"
	ExecutionRunning   = "running"
	ExecutionWaiting   = "waiting"
	ExecutionCompleted = "completed"
	ExecutionPartial   = "partial"
	ExecutionFailed    = "failed"
	ExecutionSuspended = "suspended"
)

// Sub-step statuses.
const (
	SubStepPending   = "pending"
	SubStepRunning   = "running"
	SubStepCompleted = "completed"
	SubStepFailed    = "failed"
	SubStepBlocked   = "blocked"
	SubStepWaiting   = "waiting"
)

// DAGRecord is the persisted planning artifact. Immutable after creation
// except for schedule metadata and last_run_at.
type DAGRecord struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"` // success | failure
	Title          string     `json:"title,omitempty"`
	AgentName      string     `json:"agent_name"`
	Params         string     `json:"params"` // verbatim goal text, pre-planning
	Job            Job        `json:"job"`
	Usage          Usage      `json:"usage"`
	Cost           float64    `json:"cost"`
	PlanAttempts   int        `json:"plan_attempts"`
	CronSchedule   string     `json:"cron_schedule,omitempty"`
	Timezone       string     `json:"timezone,omitempty"`
	ScheduleActive bool       `json:"schedule_active"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Execution is one run of a DAG.
type Execution struct {
	ID              string     `json:"id"`
	DAGID           string     `json:"dag_id,omitempty"`
	OriginalRequest string     `json:"original_request"`
	PrimaryIntent   string     `json:"primary_intent,omitempty"`
	Status          string     `json:"status"`
	TotalTasks      int        `json:"total_tasks"`
	CompletedTasks  int        `json:"completed_tasks"`
	FailedTasks     int        `json:"failed_tasks"`
	WaitingTasks    int        `json:"waiting_tasks"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationMS      int64      `json:"duration_ms,omitempty"`
	FinalResult     string     `json:"final_result,omitempty"`
	SynthesisResult string     `json:"synthesis_result,omitempty"`
	Error           string     `json:"error,omitempty"`
	SuspendedReason string     `json:"suspended_reason,omitempty"`
	SuspendedAt     *time.Time `json:"suspended_at,omitempty"`
	RetryCount      int        `json:"retry_count"`
	LastRetryAt     *time.Time `json:"last_retry_at,omitempty"`
	Usage           Usage      `json:"usage"`
	Cost            float64    `json:"cost"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SubStep is the persisted record of one SubTask within one Execution. The
// descriptive fields mirror the SubTask so an execution can be replayed
// without the DAG record.
type SubStep struct {
	ID           string         `json:"id"`
	ExecutionID  string         `json:"execution_id"`
	TaskID       string         `json:"task_id"`
	Description  string         `json:"description,omitempty"`
	ActionType   string         `json:"action_type"`
	Name         string         `json:"name"` // tool or prompt name
	Params       map[string]any `json:"params,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Status       string         `json:"status"`
	Result       string         `json:"result,omitempty"`
	ResultKind   ResultKind     `json:"result_kind,omitempty"`
	Error        string         `json:"error,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	DurationMS   int64          `json:"duration_ms,omitempty"`
	Usage        Usage          `json:"usage"`
	Cost         float64        `json:"cost"`
	CreatedAt    time.Time      `json:"created_at"`
}

// SubStepOutcome is the terminal payload written to a sub-step: Result for
// completions, Error for failures, plus usage and timing either way.
type SubStepOutcome struct {
	Result      Result
	Error       string
	Usage       Usage
	Cost        float64
	CompletedAt time.Time
	DurationMS  int64
}

// Store abstracts persistence for DAGs, executions, sub-steps and agents.
// Implementations must make writes durable before returning and be safe for
// concurrent use. Lookups for absent rows return an error wrapping
// ErrNotFound.
type Store interface {
	// --- DAG records ---
	StoreDAG(ctx context.Context, d *DAGRecord) error
	GetDAG(ctx context.Context, id string) (*DAGRecord, error)
	UpdateDAGSchedule(ctx context.Context, id, cronSchedule, timezone string, active bool) error
	UpdateDAGLastRun(ctx context.Context, id string, at time.Time) error
	ListActiveSchedules(ctx context.Context) ([]*DAGRecord, error)

	// --- Executions ---
	// CreateExecution persists the execution and all its sub-steps in one
	// atomic write.
	CreateExecution(ctx context.Context, ex *Execution, steps []*SubStep) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, ex *Execution) error

	// --- Sub-steps ---
	// GetSubSteps returns the execution's sub-steps ordered by task id
	// (numeric-aware, so "10" sorts after "9").
	GetSubSteps(ctx context.Context, executionID string) ([]*SubStep, error)
	MarkSubStepRunning(ctx context.Context, id string, startedAt time.Time) error
	MarkSubStepCompleted(ctx context.Context, id string, out SubStepOutcome) error
	MarkSubStepFailed(ctx context.Context, id string, out SubStepOutcome) error
	MarkSubStepBlocked(ctx context.Context, id string, reason string) error

	// --- Agents ---
	StoreAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, name string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
