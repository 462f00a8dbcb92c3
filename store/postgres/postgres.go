// Package postgres implements loom.Store using PostgreSQL via pgx.
//
// The Store accepts a *pgxpool.Pool via constructor injection and takes
// ownership of it: Close closes the pool. Timestamps are stored as unix
// milliseconds in BIGINT columns; the job document, sub-step params and
// agent generation settings are stored as JSONB.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	loom "github.com/nevindra/loom"
)

// Store implements loom.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ loom.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dags (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			agent_name TEXT NOT NULL,
			params TEXT NOT NULL,
			job JSONB NOT NULL,
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			plan_attempts INTEGER NOT NULL DEFAULT 0,
			cron_schedule TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT '',
			schedule_active BOOLEAN NOT NULL DEFAULT FALSE,
			last_run_at BIGINT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS dags_schedule_idx ON dags(schedule_active)`,

		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			dag_id TEXT NOT NULL DEFAULT '',
			original_request TEXT NOT NULL,
			primary_intent TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			total_tasks INTEGER NOT NULL DEFAULT 0,
			completed_tasks INTEGER NOT NULL DEFAULT 0,
			failed_tasks INTEGER NOT NULL DEFAULT 0,
			waiting_tasks INTEGER NOT NULL DEFAULT 0,
			started_at BIGINT NOT NULL,
			completed_at BIGINT,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			final_result TEXT NOT NULL DEFAULT '',
			synthesis_result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			suspended_reason TEXT NOT NULL DEFAULT '',
			suspended_at BIGINT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_retry_at BIGINT,
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS executions_dag_idx ON executions(dag_id)`,

		`CREATE TABLE IF NOT EXISTS sub_steps (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			action_type TEXT NOT NULL,
			name TEXT NOT NULL,
			params JSONB,
			dependencies JSONB,
			status TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			result_kind TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			started_at BIGINT,
			completed_at BIGINT,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sub_steps_execution_idx ON sub_steps(execution_id)`,

		`CREATE TABLE IF NOT EXISTS agents (
			name TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL,
			generation JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// --- DAG records ---

// StoreDAG inserts or replaces a DAG record.
func (s *Store) StoreDAG(ctx context.Context, d *loom.DAGRecord) error {
	jobJSON, err := json.Marshal(d.Job)
	if err != nil {
		return fmt.Errorf("postgres: marshal job: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dags
		 (id, status, title, agent_name, params, job, input_tokens, output_tokens, cost,
		  plan_attempts, cron_schedule, timezone, schedule_active, last_run_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   title = EXCLUDED.title,
		   agent_name = EXCLUDED.agent_name,
		   params = EXCLUDED.params,
		   job = EXCLUDED.job,
		   input_tokens = EXCLUDED.input_tokens,
		   output_tokens = EXCLUDED.output_tokens,
		   cost = EXCLUDED.cost,
		   plan_attempts = EXCLUDED.plan_attempts,
		   cron_schedule = EXCLUDED.cron_schedule,
		   timezone = EXCLUDED.timezone,
		   schedule_active = EXCLUDED.schedule_active,
		   last_run_at = EXCLUDED.last_run_at,
		   updated_at = EXCLUDED.updated_at`,
		d.ID, d.Status, d.Title, d.AgentName, d.Params, string(jobJSON),
		d.Usage.InputTokens, d.Usage.OutputTokens, d.Cost, d.PlanAttempts,
		d.CronSchedule, d.Timezone, d.ScheduleActive,
		unixMSPtr(d.LastRunAt), unixMS(d.CreatedAt), unixMS(d.UpdatedAt))
	if err != nil {
		return fmt.Errorf("postgres: store dag: %w", err)
	}
	return nil
}

const dagColumns = `id, status, title, agent_name, params, job, input_tokens, output_tokens, cost,
	plan_attempts, cron_schedule, timezone, schedule_active, last_run_at, created_at, updated_at`

// GetDAG returns a DAG record by ID.
func (s *Store) GetDAG(ctx context.Context, id string) (*loom.DAGRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+dagColumns+` FROM dags WHERE id = $1`, id)
	d, err := scanDAG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("dag %s: %w", id, loom.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get dag: %w", err)
	}
	return d, nil
}

// UpdateDAGSchedule sets or clears a DAG's cron schedule.
func (s *Store) UpdateDAGSchedule(ctx context.Context, id, cronSchedule, timezone string, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dags SET cron_schedule = $1, timezone = $2, schedule_active = $3 WHERE id = $4`,
		cronSchedule, timezone, active, id)
	if err != nil {
		return fmt.Errorf("postgres: update dag schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dag %s: %w", id, loom.ErrNotFound)
	}
	return nil
}

// UpdateDAGLastRun records when a scheduled DAG last started a run.
func (s *Store) UpdateDAGLastRun(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dags SET last_run_at = $1 WHERE id = $2`, unixMS(at), id)
	if err != nil {
		return fmt.Errorf("postgres: update dag last run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dag %s: %w", id, loom.ErrNotFound)
	}
	return nil
}

// ListActiveSchedules returns all DAGs with an active, non-empty cron
// schedule, ordered by ID.
func (s *Store) ListActiveSchedules(ctx context.Context) ([]*loom.DAGRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+dagColumns+` FROM dags
		 WHERE schedule_active AND cron_schedule != ''
		 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active schedules: %w", err)
	}
	defer rows.Close()

	var dags []*loom.DAGRecord
	for rows.Next() {
		d, err := scanDAG(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan dag: %w", err)
		}
		dags = append(dags, d)
	}
	return dags, rows.Err()
}

// --- Executions ---

// CreateExecution persists the execution and all its sub-steps in a single
// transaction.
func (s *Store) CreateExecution(ctx context.Context, ex *loom.Execution, steps []*loom.SubStep) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO executions
		 (id, dag_id, original_request, primary_intent, status, total_tasks, completed_tasks,
		  failed_tasks, waiting_tasks, started_at, completed_at, duration_ms, final_result,
		  synthesis_result, error, suspended_reason, suspended_at, retry_count, last_retry_at,
		  input_tokens, output_tokens, cost, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
		         $18, $19, $20, $21, $22, $23, $24)`,
		ex.ID, ex.DAGID, ex.OriginalRequest, ex.PrimaryIntent, ex.Status,
		ex.TotalTasks, ex.CompletedTasks, ex.FailedTasks, ex.WaitingTasks,
		unixMS(ex.StartedAt), unixMSPtr(ex.CompletedAt), ex.DurationMS,
		ex.FinalResult, ex.SynthesisResult, ex.Error, ex.SuspendedReason,
		unixMSPtr(ex.SuspendedAt), ex.RetryCount, unixMSPtr(ex.LastRetryAt),
		ex.Usage.InputTokens, ex.Usage.OutputTokens, ex.Cost,
		unixMS(ex.CreatedAt), unixMS(ex.UpdatedAt))
	if err != nil {
		return fmt.Errorf("postgres: insert execution: %w", err)
	}

	for _, st := range steps {
		paramsJSON, depsJSON, err := marshalStepFields(st)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO sub_steps
			 (id, execution_id, task_id, description, action_type, name, params, dependencies,
			  status, result, result_kind, error, started_at, completed_at, duration_ms,
			  input_tokens, output_tokens, cost, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10, $11, $12, $13, $14,
			         $15, $16, $17, $18, $19)`,
			st.ID, st.ExecutionID, st.TaskID, st.Description, st.ActionType, st.Name,
			paramsJSON, depsJSON, st.Status, st.Result, string(st.ResultKind), st.Error,
			unixMSPtr(st.StartedAt), unixMSPtr(st.CompletedAt), st.DurationMS,
			st.Usage.InputTokens, st.Usage.OutputTokens, st.Cost, unixMS(st.CreatedAt))
		if err != nil {
			return fmt.Errorf("postgres: insert sub-step: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// GetExecution returns an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*loom.Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, dag_id, original_request, primary_intent, status, total_tasks, completed_tasks,
		        failed_tasks, waiting_tasks, started_at, completed_at, duration_ms, final_result,
		        synthesis_result, error, suspended_reason, suspended_at, retry_count, last_retry_at,
		        input_tokens, output_tokens, cost, created_at, updated_at
		 FROM executions WHERE id = $1`, id)
	ex, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, loom.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get execution: %w", err)
	}
	return ex, nil
}

// UpdateExecution rewrites the mutable fields of an execution.
func (s *Store) UpdateExecution(ctx context.Context, ex *loom.Execution) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE executions SET
		   status = $1, total_tasks = $2, completed_tasks = $3, failed_tasks = $4, waiting_tasks = $5,
		   completed_at = $6, duration_ms = $7, final_result = $8, synthesis_result = $9, error = $10,
		   suspended_reason = $11, suspended_at = $12, retry_count = $13, last_retry_at = $14,
		   input_tokens = $15, output_tokens = $16, cost = $17, updated_at = $18
		 WHERE id = $19`,
		ex.Status, ex.TotalTasks, ex.CompletedTasks, ex.FailedTasks, ex.WaitingTasks,
		unixMSPtr(ex.CompletedAt), ex.DurationMS, ex.FinalResult, ex.SynthesisResult, ex.Error,
		ex.SuspendedReason, unixMSPtr(ex.SuspendedAt), ex.RetryCount, unixMSPtr(ex.LastRetryAt),
		ex.Usage.InputTokens, ex.Usage.OutputTokens, ex.Cost, unixMS(ex.UpdatedAt),
		ex.ID)
	if err != nil {
		return fmt.Errorf("postgres: update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s: %w", ex.ID, loom.ErrNotFound)
	}
	return nil
}

// --- Sub-steps ---

// GetSubSteps returns all sub-steps of an execution ordered by task id,
// numeric ids first in numeric order so "10" sorts after "9".
func (s *Store) GetSubSteps(ctx context.Context, executionID string) ([]*loom.SubStep, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, execution_id, task_id, description, action_type, name, params, dependencies,
		        status, result, result_kind, error, started_at, completed_at, duration_ms,
		        input_tokens, output_tokens, cost, created_at
		 FROM sub_steps WHERE execution_id = $1`, executionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get sub-steps: %w", err)
	}
	defer rows.Close()

	var steps []*loom.SubStep
	for rows.Next() {
		st, err := scanSubStep(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan sub-step: %w", err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate sub-steps: %w", err)
	}
	sortSubSteps(steps)
	return steps, nil
}

// MarkSubStepRunning transitions a sub-step to running.
func (s *Store) MarkSubStepRunning(ctx context.Context, id string, startedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sub_steps SET status = $1, started_at = $2 WHERE id = $3`,
		loom.SubStepRunning, unixMS(startedAt), id)
	if err != nil {
		return fmt.Errorf("postgres: mark sub-step running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sub-step %s: %w", id, loom.ErrNotFound)
	}
	return nil
}

// MarkSubStepCompleted writes the terminal success payload: the rendered
// result with its kind tag, usage, cost and timing. Any earlier error text
// is cleared.
func (s *Store) MarkSubStepCompleted(ctx context.Context, id string, out loom.SubStepOutcome) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sub_steps SET
		   status = $1, result = $2, result_kind = $3, error = '',
		   completed_at = $4, duration_ms = $5, input_tokens = $6, output_tokens = $7, cost = $8
		 WHERE id = $9`,
		loom.SubStepCompleted, out.Result.String(), string(out.Result.Kind()),
		unixMS(out.CompletedAt), out.DurationMS,
		out.Usage.InputTokens, out.Usage.OutputTokens, out.Cost, id)
	if err != nil {
		return fmt.Errorf("postgres: mark sub-step completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sub-step %s: %w", id, loom.ErrNotFound)
	}
	return nil
}

// MarkSubStepFailed writes the terminal failure payload.
func (s *Store) MarkSubStepFailed(ctx context.Context, id string, out loom.SubStepOutcome) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sub_steps SET
		   status = $1, error = $2, completed_at = $3, duration_ms = $4,
		   input_tokens = $5, output_tokens = $6, cost = $7
		 WHERE id = $8`,
		loom.SubStepFailed, out.Error, unixMS(out.CompletedAt), out.DurationMS,
		out.Usage.InputTokens, out.Usage.OutputTokens, out.Cost, id)
	if err != nil {
		return fmt.Errorf("postgres: mark sub-step failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sub-step %s: %w", id, loom.ErrNotFound)
	}
	return nil
}

// MarkSubStepBlocked records that a sub-step can never run.
func (s *Store) MarkSubStepBlocked(ctx context.Context, id string, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sub_steps SET status = $1, error = $2 WHERE id = $3`,
		loom.SubStepBlocked, reason, id)
	if err != nil {
		return fmt.Errorf("postgres: mark sub-step blocked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sub-step %s: %w", id, loom.ErrNotFound)
	}
	return nil
}

// --- Agents ---

// StoreAgent inserts or replaces an agent keyed by name.
func (s *Store) StoreAgent(ctx context.Context, a *loom.Agent) error {
	genJSON, err := json.Marshal(a.Gen)
	if err != nil {
		return fmt.Errorf("postgres: marshal generation params: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO agents (name, description, system_prompt, generation, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		 ON CONFLICT (name) DO UPDATE SET
		   description = EXCLUDED.description,
		   system_prompt = EXCLUDED.system_prompt,
		   generation = EXCLUDED.generation,
		   updated_at = EXCLUDED.updated_at`,
		a.Name, a.Description, a.SystemPrompt, string(genJSON), unixMS(a.CreatedAt), unixMS(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("postgres: store agent: %w", err)
	}
	return nil
}

// GetAgent returns an agent by name.
func (s *Store) GetAgent(ctx context.Context, name string) (*loom.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT name, description, system_prompt, generation, created_at, updated_at
		 FROM agents WHERE name = $1`, name)
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", name, loom.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]*loom.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, description, system_prompt, generation, created_at, updated_at
		 FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list agents: %w", err)
	}
	defer rows.Close()

	var agents []*loom.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// --- Helpers ---

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDAG(row rowScanner) (*loom.DAGRecord, error) {
	var d loom.DAGRecord
	var jobJSON []byte
	var lastRun *int64
	var created, updated int64
	if err := row.Scan(&d.ID, &d.Status, &d.Title, &d.AgentName, &d.Params, &jobJSON,
		&d.Usage.InputTokens, &d.Usage.OutputTokens, &d.Cost, &d.PlanAttempts,
		&d.CronSchedule, &d.Timezone, &d.ScheduleActive, &lastRun, &created, &updated); err != nil {
		return nil, err
	}
	d.LastRunAt = fromMSPtr(lastRun)
	d.CreatedAt = fromUnixMS(created)
	d.UpdatedAt = fromUnixMS(updated)
	if err := json.Unmarshal(jobJSON, &d.Job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &d, nil
}

func scanExecution(row rowScanner) (*loom.Execution, error) {
	var ex loom.Execution
	var completed, suspended, lastRetry *int64
	var started, created, updated int64
	if err := row.Scan(&ex.ID, &ex.DAGID, &ex.OriginalRequest, &ex.PrimaryIntent, &ex.Status,
		&ex.TotalTasks, &ex.CompletedTasks, &ex.FailedTasks, &ex.WaitingTasks,
		&started, &completed, &ex.DurationMS, &ex.FinalResult, &ex.SynthesisResult, &ex.Error,
		&ex.SuspendedReason, &suspended, &ex.RetryCount, &lastRetry,
		&ex.Usage.InputTokens, &ex.Usage.OutputTokens, &ex.Cost, &created, &updated); err != nil {
		return nil, err
	}
	ex.StartedAt = fromUnixMS(started)
	ex.CompletedAt = fromMSPtr(completed)
	ex.SuspendedAt = fromMSPtr(suspended)
	ex.LastRetryAt = fromMSPtr(lastRetry)
	ex.CreatedAt = fromUnixMS(created)
	ex.UpdatedAt = fromUnixMS(updated)
	return &ex, nil
}

func scanSubStep(row rowScanner) (*loom.SubStep, error) {
	var st loom.SubStep
	var paramsJSON, depsJSON []byte
	var kind string
	var startedAt, doneAt *int64
	var created int64
	if err := row.Scan(&st.ID, &st.ExecutionID, &st.TaskID, &st.Description, &st.ActionType, &st.Name,
		&paramsJSON, &depsJSON, &st.Status, &st.Result, &kind, &st.Error, &startedAt, &doneAt,
		&st.DurationMS, &st.Usage.InputTokens, &st.Usage.OutputTokens, &st.Cost, &created); err != nil {
		return nil, err
	}
	st.ResultKind = loom.ResultKind(kind)
	st.StartedAt = fromMSPtr(startedAt)
	st.CompletedAt = fromMSPtr(doneAt)
	st.CreatedAt = fromUnixMS(created)
	if paramsJSON != nil {
		if err := json.Unmarshal(paramsJSON, &st.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if depsJSON != nil {
		if err := json.Unmarshal(depsJSON, &st.Dependencies); err != nil {
			return nil, fmt.Errorf("unmarshal dependencies: %w", err)
		}
	}
	return &st, nil
}

func scanAgent(row rowScanner) (*loom.Agent, error) {
	var a loom.Agent
	var genJSON []byte
	var created, updated int64
	if err := row.Scan(&a.Name, &a.Description, &a.SystemPrompt, &genJSON, &created, &updated); err != nil {
		return nil, err
	}
	a.CreatedAt = fromUnixMS(created)
	a.UpdatedAt = fromUnixMS(updated)
	if genJSON != nil {
		if err := json.Unmarshal(genJSON, &a.Gen); err != nil {
			return nil, fmt.Errorf("unmarshal generation params: %w", err)
		}
	}
	return &a, nil
}

// marshalStepFields serializes the JSONB sub-step columns. Empty maps and
// slices become NULL so the scan side round-trips nil.
func marshalStepFields(st *loom.SubStep) (params, deps *string, err error) {
	if len(st.Params) > 0 {
		data, err := json.Marshal(st.Params)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: marshal params: %w", err)
		}
		v := string(data)
		params = &v
	}
	if len(st.Dependencies) > 0 {
		data, err := json.Marshal(st.Dependencies)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: marshal dependencies: %w", err)
		}
		v := string(data)
		deps = &v
	}
	return params, deps, nil
}

// sortSubSteps orders by task id with numeric ids first in numeric order;
// everything else compares lexically after them.
func sortSubSteps(steps []*loom.SubStep) {
	sort.Slice(steps, func(i, j int) bool {
		return taskIDLess(steps[i].TaskID, steps[j].TaskID)
	})
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

// unixMS converts a time to the millisecond integer stored in the DB.
func unixMS(t time.Time) int64 { return t.UTC().UnixMilli() }

func unixMSPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UTC().UnixMilli()
	return &v
}

func fromUnixMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromMSPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.UnixMilli(*v).UTC()
	return &t
}
