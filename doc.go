// Package loom turns a natural-language goal into a directed acyclic graph
// of sub-tasks, executes the graph with bounded parallelism, streams progress
// events, and optionally re-runs it on a cron schedule.
//
// The planning/execution pipeline is built from interface-driven blocks:
// an LLM provider, a tool registry, a repository, an event bus, and three
// engines that drive them.
//
// # Quick Start
//
//	store := sqlite.New("loom.db")
//	provider := openaicompat.NewProvider(apiKey, model, baseURL)
//
//	registry := loom.NewRegistry()
//	registry.Add(search.New(braveKey))
//	registry.Add(fetch.New())
//
//	bus := loom.NewBus()
//	planner := loom.NewPlanner(provider, registry)
//	executor := loom.NewExecutor(provider, registry, store, bus)
//	sched := loom.NewScheduler(store)
//	svc := loom.NewService(store, planner, executor, sched, bus)
//
//	resp, err := svc.CreateAndExecuteDAG(ctx, loom.CreateDAGRequest{
//		Goal:      "Summarise this week's astronomy news",
//		AgentName: "dag-planner",
//	})
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — LLM backend (single Chat operation; middlewares compose)
//   - [Tool] — pluggable capability invoked by planned sub-tasks
//   - [Store] — persistence for DAGs, executions, sub-steps, and agents
//   - [Tracer] — optional span creation, bridged to OpenTelemetry by observer
//
// And the three engines:
//
//   - [Planner] — bounded LLM refinement loop producing a validated [Job]
//   - [Executor] — wave scheduler dispatching ready sub-tasks in parallel
//   - [Scheduler] — cron registration with timezone and missed-run catch-up
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible APIs) with
// provider/resolve for name-based construction.
// Storage: store/sqlite (local), store/postgres (pgx pool).
// Tools: tools/search, tools/fetch, tools/file, tools/notify.
// Transport: internal/httpapi (REST + SSE event stream).
//
// See cmd/loomd for the complete service daemon.
package loom
