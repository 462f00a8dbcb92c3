// Package sqlite implements loom.Store using pure-Go SQLite.
// Zero CGO required; this is the default backend for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	loom "github.com/nevindra/loom"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements loom.Store backed by a local SQLite file. Timestamps are
// stored as unix milliseconds; the job document, sub-step params and agent
// generation settings are stored as JSON text.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ loom.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS dags (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			title TEXT,
			agent_name TEXT NOT NULL,
			params TEXT NOT NULL,
			job TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			plan_attempts INTEGER NOT NULL DEFAULT 0,
			cron_schedule TEXT,
			timezone TEXT,
			schedule_active INTEGER NOT NULL DEFAULT 0,
			last_run_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			dag_id TEXT,
			original_request TEXT NOT NULL,
			primary_intent TEXT,
			status TEXT NOT NULL,
			total_tasks INTEGER NOT NULL DEFAULT 0,
			completed_tasks INTEGER NOT NULL DEFAULT 0,
			failed_tasks INTEGER NOT NULL DEFAULT 0,
			waiting_tasks INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			final_result TEXT,
			synthesis_result TEXT,
			error TEXT,
			suspended_reason TEXT,
			suspended_at INTEGER,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_retry_at INTEGER,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sub_steps (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			description TEXT,
			action_type TEXT NOT NULL,
			name TEXT NOT NULL,
			params TEXT,
			dependencies TEXT,
			status TEXT NOT NULL,
			result TEXT,
			result_kind TEXT,
			error TEXT,
			started_at INTEGER,
			completed_at INTEGER,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			name TEXT PRIMARY KEY,
			description TEXT,
			system_prompt TEXT NOT NULL,
			generation TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Migration for databases created before results carried a kind tag
	// (best-effort, silent fail if already applied).
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE sub_steps ADD COLUMN result_kind TEXT")

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_sub_steps_execution ON sub_steps(execution_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_executions_dag ON executions(dag_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_dags_schedule ON dags(schedule_active)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// --- DAG records ---

// StoreDAG inserts or replaces a DAG record.
func (s *Store) StoreDAG(ctx context.Context, d *loom.DAGRecord) error {
	start := time.Now()
	s.logger.Debug("sqlite: store dag", "id", d.ID, "status", d.Status, "tasks", len(d.Job.SubTasks))

	jobJSON, err := json.Marshal(d.Job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO dags
		 (id, status, title, agent_name, params, job, input_tokens, output_tokens, cost,
		  plan_attempts, cron_schedule, timezone, schedule_active, last_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Status, d.Title, d.AgentName, d.Params, string(jobJSON),
		d.Usage.InputTokens, d.Usage.OutputTokens, d.Cost, d.PlanAttempts,
		d.CronSchedule, d.Timezone, boolToInt(d.ScheduleActive),
		unixMSPtr(d.LastRunAt), unixMS(d.CreatedAt), unixMS(d.UpdatedAt),
	)
	if err != nil {
		s.logger.Error("sqlite: store dag failed", "id", d.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("store dag: %w", err)
	}
	s.logger.Debug("sqlite: store dag ok", "id", d.ID, "duration", time.Since(start))
	return nil
}

const dagColumns = `id, status, title, agent_name, params, job, input_tokens, output_tokens, cost,
	plan_attempts, cron_schedule, timezone, schedule_active, last_run_at, created_at, updated_at`

// GetDAG returns a DAG record by ID.
func (s *Store) GetDAG(ctx context.Context, id string) (*loom.DAGRecord, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get dag", "id", id)

	row := s.db.QueryRowContext(ctx, `SELECT `+dagColumns+` FROM dags WHERE id = ?`, id)
	d, err := scanDAG(row)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("sqlite: get dag not found", "id", id, "duration", time.Since(start))
		return nil, fmt.Errorf("dag %s: %w", id, loom.ErrNotFound)
	}
	if err != nil {
		s.logger.Error("sqlite: get dag failed", "id", id, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get dag: %w", err)
	}
	s.logger.Debug("sqlite: get dag ok", "id", id, "duration", time.Since(start))
	return d, nil
}

// UpdateDAGSchedule sets or clears a DAG's cron schedule.
func (s *Store) UpdateDAGSchedule(ctx context.Context, id, cronSchedule, timezone string, active bool) error {
	start := time.Now()
	s.logger.Debug("sqlite: update dag schedule", "id", id, "cron", cronSchedule, "active", active)

	res, err := s.db.ExecContext(ctx,
		`UPDATE dags SET cron_schedule = ?, timezone = ?, schedule_active = ? WHERE id = ?`,
		cronSchedule, timezone, boolToInt(active), id,
	)
	if err != nil {
		s.logger.Error("sqlite: update dag schedule failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("update dag schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dag %s: %w", id, loom.ErrNotFound)
	}
	s.logger.Debug("sqlite: update dag schedule ok", "id", id, "duration", time.Since(start))
	return nil
}

// UpdateDAGLastRun records when a scheduled DAG last started a run.
func (s *Store) UpdateDAGLastRun(ctx context.Context, id string, at time.Time) error {
	start := time.Now()
	s.logger.Debug("sqlite: update dag last run", "id", id, "at", at)

	res, err := s.db.ExecContext(ctx, `UPDATE dags SET last_run_at = ? WHERE id = ?`, unixMS(at), id)
	if err != nil {
		s.logger.Error("sqlite: update dag last run failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("update dag last run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dag %s: %w", id, loom.ErrNotFound)
	}
	s.logger.Debug("sqlite: update dag last run ok", "id", id, "duration", time.Since(start))
	return nil
}

// ListActiveSchedules returns all DAGs with an active, non-empty cron
// schedule, ordered by ID.
func (s *Store) ListActiveSchedules(ctx context.Context) ([]*loom.DAGRecord, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list active schedules")

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+dagColumns+` FROM dags
		 WHERE schedule_active = 1 AND cron_schedule IS NOT NULL AND cron_schedule != ''
		 ORDER BY id`,
	)
	if err != nil {
		s.logger.Error("sqlite: list active schedules failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list active schedules: %w", err)
	}
	defer rows.Close()

	var dags []*loom.DAGRecord
	for rows.Next() {
		d, err := scanDAG(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dag: %w", err)
		}
		dags = append(dags, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dags: %w", err)
	}
	s.logger.Debug("sqlite: list active schedules ok", "count", len(dags), "duration", time.Since(start))
	return dags, nil
}

// --- Executions ---

// CreateExecution persists the execution and all its sub-steps in one
// transaction, so a crash never leaves an execution without its steps.
func (s *Store) CreateExecution(ctx context.Context, ex *loom.Execution, steps []*loom.SubStep) error {
	start := time.Now()
	s.logger.Debug("sqlite: create execution", "id", ex.ID, "dag_id", ex.DAGID, "steps", len(steps))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO executions
		 (id, dag_id, original_request, primary_intent, status, total_tasks, completed_tasks,
		  failed_tasks, waiting_tasks, started_at, completed_at, duration_ms, final_result,
		  synthesis_result, error, suspended_reason, suspended_at, retry_count, last_retry_at,
		  input_tokens, output_tokens, cost, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.DAGID, ex.OriginalRequest, ex.PrimaryIntent, ex.Status,
		ex.TotalTasks, ex.CompletedTasks, ex.FailedTasks, ex.WaitingTasks,
		unixMS(ex.StartedAt), unixMSPtr(ex.CompletedAt), ex.DurationMS,
		ex.FinalResult, ex.SynthesisResult, ex.Error, ex.SuspendedReason,
		unixMSPtr(ex.SuspendedAt), ex.RetryCount, unixMSPtr(ex.LastRetryAt),
		ex.Usage.InputTokens, ex.Usage.OutputTokens, ex.Cost,
		unixMS(ex.CreatedAt), unixMS(ex.UpdatedAt),
	)
	if err != nil {
		s.logger.Error("sqlite: insert execution failed", "id", ex.ID, "error", err)
		return fmt.Errorf("insert execution: %w", err)
	}

	for _, st := range steps {
		paramsJSON, depsJSON, err := marshalStepFields(st)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sub_steps
			 (id, execution_id, task_id, description, action_type, name, params, dependencies,
			  status, result, result_kind, error, started_at, completed_at, duration_ms,
			  input_tokens, output_tokens, cost, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.ExecutionID, st.TaskID, st.Description, st.ActionType, st.Name,
			paramsJSON, depsJSON, st.Status, st.Result, string(st.ResultKind), st.Error,
			unixMSPtr(st.StartedAt), unixMSPtr(st.CompletedAt), st.DurationMS,
			st.Usage.InputTokens, st.Usage.OutputTokens, st.Cost, unixMS(st.CreatedAt),
		)
		if err != nil {
			s.logger.Error("sqlite: insert sub-step failed", "id", st.ID, "task_id", st.TaskID, "error", err)
			return fmt.Errorf("insert sub-step: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: create execution commit failed", "id", ex.ID, "error", err)
		return err
	}
	s.logger.Debug("sqlite: create execution ok", "id", ex.ID, "steps", len(steps), "duration", time.Since(start))
	return nil
}

// GetExecution returns an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*loom.Execution, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get execution", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, dag_id, original_request, primary_intent, status, total_tasks, completed_tasks,
		        failed_tasks, waiting_tasks, started_at, completed_at, duration_ms, final_result,
		        synthesis_result, error, suspended_reason, suspended_at, retry_count, last_retry_at,
		        input_tokens, output_tokens, cost, created_at, updated_at
		 FROM executions WHERE id = ?`, id)
	ex, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("sqlite: get execution not found", "id", id, "duration", time.Since(start))
		return nil, fmt.Errorf("execution %s: %w", id, loom.ErrNotFound)
	}
	if err != nil {
		s.logger.Error("sqlite: get execution failed", "id", id, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get execution: %w", err)
	}
	s.logger.Debug("sqlite: get execution ok", "id", id, "duration", time.Since(start))
	return ex, nil
}

// UpdateExecution rewrites the mutable fields of an execution.
func (s *Store) UpdateExecution(ctx context.Context, ex *loom.Execution) error {
	start := time.Now()
	s.logger.Debug("sqlite: update execution", "id", ex.ID, "status", ex.Status)

	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET
		   status = ?, total_tasks = ?, completed_tasks = ?, failed_tasks = ?, waiting_tasks = ?,
		   completed_at = ?, duration_ms = ?, final_result = ?, synthesis_result = ?, error = ?,
		   suspended_reason = ?, suspended_at = ?, retry_count = ?, last_retry_at = ?,
		   input_tokens = ?, output_tokens = ?, cost = ?, updated_at = ?
		 WHERE id = ?`,
		ex.Status, ex.TotalTasks, ex.CompletedTasks, ex.FailedTasks, ex.WaitingTasks,
		unixMSPtr(ex.CompletedAt), ex.DurationMS, ex.FinalResult, ex.SynthesisResult, ex.Error,
		ex.SuspendedReason, unixMSPtr(ex.SuspendedAt), ex.RetryCount, unixMSPtr(ex.LastRetryAt),
		ex.Usage.InputTokens, ex.Usage.OutputTokens, ex.Cost, unixMS(ex.UpdatedAt),
		ex.ID,
	)
	if err != nil {
		s.logger.Error("sqlite: update execution failed", "id", ex.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("update execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s: %w", ex.ID, loom.ErrNotFound)
	}
	s.logger.Debug("sqlite: update execution ok", "id", ex.ID, "duration", time.Since(start))
	return nil
}

// --- Sub-steps ---

// GetSubSteps returns all sub-steps of an execution ordered by task id,
// numeric ids first in numeric order so "10" sorts after "9".
func (s *Store) GetSubSteps(ctx context.Context, executionID string) ([]*loom.SubStep, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get sub-steps", "execution_id", executionID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, task_id, description, action_type, name, params, dependencies,
		        status, result, result_kind, error, started_at, completed_at, duration_ms,
		        input_tokens, output_tokens, cost, created_at
		 FROM sub_steps WHERE execution_id = ?`,
		executionID,
	)
	if err != nil {
		s.logger.Error("sqlite: get sub-steps failed", "execution_id", executionID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get sub-steps: %w", err)
	}
	defer rows.Close()

	var steps []*loom.SubStep
	for rows.Next() {
		st, err := scanSubStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sub-step: %w", err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sub-steps: %w", err)
	}
	sortSubSteps(steps)
	s.logger.Debug("sqlite: get sub-steps ok", "execution_id", executionID, "count", len(steps), "duration", time.Since(start))
	return steps, nil
}

// MarkSubStepRunning transitions a sub-step to running.
func (s *Store) MarkSubStepRunning(ctx context.Context, id string, startedAt time.Time) error {
	start := time.Now()
	s.logger.Debug("sqlite: mark sub-step running", "id", id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE sub_steps SET status = ?, started_at = ? WHERE id = ?`,
		loom.SubStepRunning, unixMS(startedAt), id,
	)
	if err != nil {
		s.logger.Error("sqlite: mark sub-step running failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("mark sub-step running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sub-step %s: %w", id, loom.ErrNotFound)
	}
	s.logger.Debug("sqlite: mark sub-step running ok", "id", id, "duration", time.Since(start))
	return nil
}

// MarkSubStepCompleted writes the terminal success payload: the rendered
// result with its kind tag, usage, cost and timing. Any earlier error text
// is cleared.
func (s *Store) MarkSubStepCompleted(ctx context.Context, id string, out loom.SubStepOutcome) error {
	start := time.Now()
	s.logger.Debug("sqlite: mark sub-step completed", "id", id, "kind", out.Result.Kind())

	res, err := s.db.ExecContext(ctx,
		`UPDATE sub_steps SET
		   status = ?, result = ?, result_kind = ?, error = '',
		   completed_at = ?, duration_ms = ?, input_tokens = ?, output_tokens = ?, cost = ?
		 WHERE id = ?`,
		loom.SubStepCompleted, out.Result.String(), string(out.Result.Kind()),
		unixMS(out.CompletedAt), out.DurationMS,
		out.Usage.InputTokens, out.Usage.OutputTokens, out.Cost,
		id,
	)
	if err != nil {
		s.logger.Error("sqlite: mark sub-step completed failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("mark sub-step completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sub-step %s: %w", id, loom.ErrNotFound)
	}
	s.logger.Debug("sqlite: mark sub-step completed ok", "id", id, "duration", time.Since(start))
	return nil
}

// MarkSubStepFailed writes the terminal failure payload.
func (s *Store) MarkSubStepFailed(ctx context.Context, id string, out loom.SubStepOutcome) error {
	start := time.Now()
	s.logger.Debug("sqlite: mark sub-step failed", "id", id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE sub_steps SET
		   status = ?, error = ?, completed_at = ?, duration_ms = ?,
		   input_tokens = ?, output_tokens = ?, cost = ?
		 WHERE id = ?`,
		loom.SubStepFailed, out.Error, unixMS(out.CompletedAt), out.DurationMS,
		out.Usage.InputTokens, out.Usage.OutputTokens, out.Cost,
		id,
	)
	if err != nil {
		s.logger.Error("sqlite: mark sub-step failed failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("mark sub-step failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sub-step %s: %w", id, loom.ErrNotFound)
	}
	s.logger.Debug("sqlite: mark sub-step failed ok", "id", id, "duration", time.Since(start))
	return nil
}

// MarkSubStepBlocked records that a sub-step can never run (unresolved
// reference or failed dependency).
func (s *Store) MarkSubStepBlocked(ctx context.Context, id string, reason string) error {
	start := time.Now()
	s.logger.Debug("sqlite: mark sub-step blocked", "id", id, "reason", reason)

	res, err := s.db.ExecContext(ctx,
		`UPDATE sub_steps SET status = ?, error = ? WHERE id = ?`,
		loom.SubStepBlocked, reason, id,
	)
	if err != nil {
		s.logger.Error("sqlite: mark sub-step blocked failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("mark sub-step blocked: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sub-step %s: %w", id, loom.ErrNotFound)
	}
	s.logger.Debug("sqlite: mark sub-step blocked ok", "id", id, "duration", time.Since(start))
	return nil
}

// --- Agents ---

// StoreAgent inserts or replaces an agent keyed by name.
func (s *Store) StoreAgent(ctx context.Context, a *loom.Agent) error {
	start := time.Now()
	s.logger.Debug("sqlite: store agent", "name", a.Name)

	genJSON, err := json.Marshal(a.Gen)
	if err != nil {
		return fmt.Errorf("marshal generation params: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agents (name, description, system_prompt, generation, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.Name, a.Description, a.SystemPrompt, string(genJSON), unixMS(a.CreatedAt), unixMS(a.UpdatedAt),
	)
	if err != nil {
		s.logger.Error("sqlite: store agent failed", "name", a.Name, "error", err, "duration", time.Since(start))
		return fmt.Errorf("store agent: %w", err)
	}
	s.logger.Debug("sqlite: store agent ok", "name", a.Name, "duration", time.Since(start))
	return nil
}

// GetAgent returns an agent by name.
func (s *Store) GetAgent(ctx context.Context, name string) (*loom.Agent, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get agent", "name", name)

	row := s.db.QueryRowContext(ctx,
		`SELECT name, description, system_prompt, generation, created_at, updated_at
		 FROM agents WHERE name = ?`, name)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("sqlite: get agent not found", "name", name, "duration", time.Since(start))
		return nil, fmt.Errorf("agent %s: %w", name, loom.ErrNotFound)
	}
	if err != nil {
		s.logger.Error("sqlite: get agent failed", "name", name, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get agent: %w", err)
	}
	s.logger.Debug("sqlite: get agent ok", "name", name, "duration", time.Since(start))
	return a, nil
}

// ListAgents returns all agents ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]*loom.Agent, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list agents")

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, description, system_prompt, generation, created_at, updated_at
		 FROM agents ORDER BY name`)
	if err != nil {
		s.logger.Error("sqlite: list agents failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*loom.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	s.logger.Debug("sqlite: list agents ok", "count", len(agents), "duration", time.Since(start))
	return agents, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

// --- Helpers ---

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDAG(row rowScanner) (*loom.DAGRecord, error) {
	var d loom.DAGRecord
	var title, cron, tz sql.NullString
	var jobJSON string
	var active int
	var lastRun sql.NullInt64
	var created, updated int64
	if err := row.Scan(&d.ID, &d.Status, &title, &d.AgentName, &d.Params, &jobJSON,
		&d.Usage.InputTokens, &d.Usage.OutputTokens, &d.Cost, &d.PlanAttempts,
		&cron, &tz, &active, &lastRun, &created, &updated); err != nil {
		return nil, err
	}
	d.Title = title.String
	d.CronSchedule = cron.String
	d.Timezone = tz.String
	d.ScheduleActive = active != 0
	d.LastRunAt = fromNullMS(lastRun)
	d.CreatedAt = fromUnixMS(created)
	d.UpdatedAt = fromUnixMS(updated)
	if err := json.Unmarshal([]byte(jobJSON), &d.Job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &d, nil
}

func scanExecution(row rowScanner) (*loom.Execution, error) {
	var ex loom.Execution
	var dagID, intent, finalRes, synthRes, errText, suspReason sql.NullString
	var completed, suspended, lastRetry sql.NullInt64
	var started, created, upd int64
	if err := row.Scan(&ex.ID, &dagID, &ex.OriginalRequest, &intent, &ex.Status,
		&ex.TotalTasks, &ex.CompletedTasks, &ex.FailedTasks, &ex.WaitingTasks,
		&started, &completed, &ex.DurationMS, &finalRes, &synthRes, &errText,
		&suspReason, &suspended, &ex.RetryCount, &lastRetry,
		&ex.Usage.InputTokens, &ex.Usage.OutputTokens, &ex.Cost, &created, &upd); err != nil {
		return nil, err
	}
	ex.DAGID = dagID.String
	ex.PrimaryIntent = intent.String
	ex.FinalResult = finalRes.String
	ex.SynthesisResult = synthRes.String
	ex.Error = errText.String
	ex.SuspendedReason = suspReason.String
	ex.StartedAt = fromUnixMS(started)
	ex.CompletedAt = fromNullMS(completed)
	ex.SuspendedAt = fromNullMS(suspended)
	ex.LastRetryAt = fromNullMS(lastRetry)
	ex.CreatedAt = fromUnixMS(created)
	ex.UpdatedAt = fromUnixMS(upd)
	return &ex, nil
}

func scanSubStep(row rowScanner) (*loom.SubStep, error) {
	var st loom.SubStep
	var desc, params, deps, result, kind, errText sql.NullString
	var startedAt, doneAt sql.NullInt64
	var created int64
	if err := row.Scan(&st.ID, &st.ExecutionID, &st.TaskID, &desc, &st.ActionType, &st.Name,
		&params, &deps, &st.Status, &result, &kind, &errText, &startedAt, &doneAt,
		&st.DurationMS, &st.Usage.InputTokens, &st.Usage.OutputTokens, &st.Cost, &created); err != nil {
		return nil, err
	}
	st.Description = desc.String
	st.Result = result.String
	st.ResultKind = loom.ResultKind(kind.String)
	st.Error = errText.String
	st.StartedAt = fromNullMS(startedAt)
	st.CompletedAt = fromNullMS(doneAt)
	st.CreatedAt = fromUnixMS(created)
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &st.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &st.Dependencies); err != nil {
			return nil, fmt.Errorf("unmarshal dependencies: %w", err)
		}
	}
	return &st, nil
}

func scanAgent(row rowScanner) (*loom.Agent, error) {
	var a loom.Agent
	var desc, gen sql.NullString
	var created, updated int64
	if err := row.Scan(&a.Name, &desc, &a.SystemPrompt, &gen, &created, &updated); err != nil {
		return nil, err
	}
	a.Description = desc.String
	a.CreatedAt = fromUnixMS(created)
	a.UpdatedAt = fromUnixMS(updated)
	if gen.Valid && gen.String != "" {
		if err := json.Unmarshal([]byte(gen.String), &a.Gen); err != nil {
			return nil, fmt.Errorf("unmarshal generation params: %w", err)
		}
	}
	return &a, nil
}

// marshalStepFields serializes the JSON-typed sub-step columns. Empty maps
// and slices become NULL so the scan side round-trips nil.
func marshalStepFields(st *loom.SubStep) (params, deps *string, err error) {
	if len(st.Params) > 0 {
		data, err := json.Marshal(st.Params)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal params: %w", err)
		}
		v := string(data)
		params = &v
	}
	if len(st.Dependencies) > 0 {
		data, err := json.Marshal(st.Dependencies)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal dependencies: %w", err)
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
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

func fromNullMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
