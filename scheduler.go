package loom

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerFunc is invoked on every schedule firing (and on missed-run
// catch-up) with the DAG to execute. Callbacks run detached; the scheduler
// never waits on them.
type TriggerFunc func(ctx context.Context, dagID string)

// schedulerConfig holds options accumulated by SchedulerOption calls.
type schedulerConfig struct {
	logger *slog.Logger
	now    func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*schedulerConfig)

// WithSchedulerLogger sets the scheduler's logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(c *schedulerConfig) { c.logger = l }
}

// WithSchedulerClock overrides the clock used for missed-run math.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(c *schedulerConfig) { c.now = now }
}

// Scheduler re-runs DAGs on cron schedules. One cron runner serves every
// registered DAG; per-DAG timezones ride on the CRON_TZ spec prefix. All
// scheduler errors are logged and isolated — a bad expression or a store
// hiccup never crashes the process, it only leaves that DAG unscheduled.
//
// Usage:
//
//	sched := loom.NewScheduler(store, func(ctx context.Context, dagID string) {
//	    svc.ExecuteDAG(ctx, dagID)
//	})
//	sched.Start(ctx)
//	defer sched.Stop()
type Scheduler struct {
	store   Store
	trigger TriggerFunc
	logger  *slog.Logger
	cron    *cron.Cron
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates a Scheduler. The cron runner's base location is UTC;
// individual entries may carry their own IANA timezone.
func NewScheduler(store Store, trigger TriggerFunc, opts ...SchedulerOption) *Scheduler {
	cfg := schedulerConfig{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	return &Scheduler{
		store:   store,
		trigger: trigger,
		logger:  cfg.logger,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		now:     cfg.now,
		entries: make(map[string]cron.EntryID),
	}
}

// cronSpec prefixes the IANA zone so the cron library evaluates the
// expression in the DAG's timezone; without a zone the runner's UTC base
// applies.
func cronSpec(expr, timezone string) string {
	if timezone == "" {
		return expr
	}
	return "CRON_TZ=" + timezone + " " + expr
}

// ParseCron validates a cron expression with an optional IANA timezone and
// returns its schedule. Standard 5-field format.
func ParseCron(expr, timezone string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(cronSpec(expr, timezone))
	if err != nil {
		return nil, Ew(KindInvalidCron, fmt.Sprintf("invalid cron expression %q", expr), err)
	}
	return sched, nil
}

// Start loads every DAG with an active schedule, performs the missed-run
// check for each, registers the entries and starts the runner.
func (s *Scheduler) Start(ctx context.Context) error {
	dags, err := s.store.ListActiveSchedules(ctx)
	if err != nil {
		return Ew(KindRepository, "list active schedules", err)
	}
	for _, d := range dags {
		s.catchUp(ctx, d)
		if err := s.Register(d.ID, d.CronSchedule, d.Timezone, true); err != nil {
			continue // already logged; DAG stays unscheduled
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "scheduled_dags", s.Scheduled())
	return nil
}

// catchUp triggers at most one immediate run when the first scheduled
// instant after the last recorded run is already in the past. The backlog is
// never replayed: one catch-up regardless of how many firings were missed.
// last_run_at is advanced before triggering so a crash cannot double-run.
func (s *Scheduler) catchUp(ctx context.Context, d *DAGRecord) {
	sched, err := ParseCron(d.CronSchedule, d.Timezone)
	if err != nil {
		s.logger.Error("missed-run check skipped",
			"dag_id", d.ID, "cron", d.CronSchedule, "error", err)
		return
	}
	ref := d.CreatedAt
	if d.LastRunAt != nil {
		ref = *d.LastRunAt
	}
	now := s.now().UTC()
	next := sched.Next(ref)
	if next.IsZero() || !next.Before(now) {
		return
	}

	if err := s.store.UpdateDAGLastRun(ctx, d.ID, now); err != nil {
		s.logger.Error("catch-up aborted: update last_run_at failed",
			"dag_id", d.ID, "error", err)
		return
	}
	s.logger.Info("missed schedule, catching up",
		"dag_id", d.ID, "missed_at", next, "last_run_at", ref)
	go s.trigger(context.Background(), d.ID)
}

// Register validates the expression and schedules the DAG, replacing any
// existing entry. Inactive or empty schedules are ignored. Invalid
// expressions are logged and rejected; nothing gets registered.
func (s *Scheduler) Register(dagID, expr, timezone string, active bool) error {
	if !active || expr == "" {
		return nil
	}
	spec := cronSpec(expr, timezone)
	if _, err := cron.ParseStandard(spec); err != nil {
		werr := Ew(KindInvalidCron, fmt.Sprintf("invalid cron expression %q for dag %s", expr, dagID), err)
		s.logger.Error("schedule rejected", "dag_id", dagID, "cron", expr, "error", err)
		return werr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[dagID]; ok {
		s.cron.Remove(old)
	}
	id, err := s.cron.AddFunc(spec, func() { s.fire(dagID) })
	if err != nil {
		// Unreachable after ParseStandard, kept for safety.
		s.logger.Error("schedule rejected", "dag_id", dagID, "cron", expr, "error", err)
		return Ew(KindInvalidCron, fmt.Sprintf("invalid cron expression %q for dag %s", expr, dagID), err)
	}
	s.entries[dagID] = id
	s.logger.Info("schedule registered", "dag_id", dagID, "cron", expr, "timezone", timezone)
	return nil
}

// fire runs on each cron firing: advance last_run_at first, then hand off to
// the trigger in a detached goroutine. A store failure is logged but does
// not swallow the run.
func (s *Scheduler) fire(dagID string) {
	ctx := context.Background()
	if err := s.store.UpdateDAGLastRun(ctx, dagID, s.now().UTC()); err != nil {
		s.logger.Error("update last_run_at failed", "dag_id", dagID, "error", err)
	}
	s.logger.Info("schedule fired", "dag_id", dagID)
	go s.trigger(ctx, dagID)
}

// Unregister stops and removes the DAG's entry if present. Idempotent.
func (s *Scheduler) Unregister(dagID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[dagID]; ok {
		s.cron.Remove(id)
		delete(s.entries, dagID)
		s.logger.Info("schedule removed", "dag_id", dagID)
	}
}

// Update replaces the DAG's schedule: unregister, then re-register when
// active.
func (s *Scheduler) Update(dagID, expr, timezone string, active bool) error {
	s.Unregister(dagID)
	return s.Register(dagID, expr, timezone, active)
}

// Scheduled reports how many DAGs currently hold a cron entry.
func (s *Scheduler) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop halts firing and blocks until in-flight cron callbacks return (they
// are short: detached triggers are not waited on).
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
