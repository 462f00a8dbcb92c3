// Command loomd runs the planning and execution daemon: an HTTP API over the
// planner, DAG executor and cron scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	loom "github.com/nevindra/loom"
	"github.com/nevindra/loom/internal/config"
	"github.com/nevindra/loom/internal/httpapi"
	"github.com/nevindra/loom/observer"
	"github.com/nevindra/loom/provider/resolve"
	"github.com/nevindra/loom/store/postgres"
	"github.com/nevindra/loom/store/sqlite"
	"github.com/nevindra/loom/tools/fetch"
	"github.com/nevindra/loom/tools/file"
	"github.com/nevindra/loom/tools/notify"
	"github.com/nevindra/loom/tools/search"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "loomd:", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Environment and config
	_ = godotenv.Load()
	cfg, err := config.Load(os.Getenv("LOOM_CONFIG"))
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Observability (exporters configured via OTEL_* env vars)
	var inst *observer.Instruments
	shutdownObserver := func(context.Context) error { return nil }
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		inst, shutdownObserver, err = observer.Init(ctx, pricing)
		if err != nil {
			return fmt.Errorf("init observer: %w", err)
		}
	}

	// 3. Store
	store, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	if err := loom.SeedAgents(ctx, store); err != nil {
		return fmt.Errorf("seed agents: %w", err)
	}

	// 4. Tools
	registry := loom.NewRegistry()
	if err := registerTools(registry, cfg); err != nil {
		return err
	}

	// 5. Chat provider: resolve, observe, rate-limit, retry (outermost)
	provider, err := buildProvider(cfg, logger, inst)
	if err != nil {
		return err
	}

	// 6. Core components
	bus := loom.NewBus(loom.WithBusLogger(logger))
	planner := loom.NewPlanner(provider, registry,
		loom.WithPlannerLogger(logger),
		loom.WithMaxAttempts(cfg.Planner.MaxAttempts))
	executor := loom.NewExecutor(provider, registry, store, bus,
		loom.WithExecutorLogger(logger),
		loom.WithMaxParallel(cfg.Executor.MaxParallel))

	// The trigger closes over svc, assigned below before Start runs.
	var svc *loom.Service
	sched := loom.NewScheduler(store, func(ctx context.Context, dagID string) {
		if _, err := svc.ExecuteDAG(ctx, dagID); err != nil {
			logger.Error("scheduled execution failed", "dag_id", dagID, "error", err)
		}
	}, loom.WithSchedulerLogger(logger))

	svc = loom.NewService(planner, executor, sched, store, bus,
		loom.WithServiceLogger(logger),
		loom.WithProviderResolver(providerResolver(cfg)))

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	// 7. HTTP server
	api := httpapi.New(svc, bus, httpapi.WithLogger(logger))
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	// 8. Ordered shutdown: stop accepting requests, stop schedules, cancel
	// in-flight runs, release storage, flush telemetry.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	sched.Stop()
	svc.Close()
	if err := store.Close(); err != nil {
		logger.Error("store close", "error", err)
	}
	if err := shutdownObserver(shutdownCtx); err != nil {
		logger.Error("observer shutdown", "error", err)
	}
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (loom.Store, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres pool: %w", err)
		}
		return postgres.New(pool), nil
	default:
		return sqlite.New(cfg.Path, sqlite.WithLogger(logger)), nil
	}
}

func registerTools(registry *loom.Registry, cfg config.Config) error {
	ws := file.NewWorkspace(cfg.Workspace.Path)
	tools := []loom.Tool{
		fetch.New(),
		file.NewReadTool(ws),
		file.NewWriteTool(ws),
		notify.New(notify.Config{
			WebhookURL: cfg.Notify.WebhookURL,
			SMTPHost:   cfg.Notify.SMTPHost,
			SMTPPort:   cfg.Notify.SMTPPort,
			SMTPUser:   cfg.Notify.SMTPUser,
			SMTPPass:   cfg.Notify.SMTPPass,
			From:       cfg.Notify.EmailFrom,
			To:         cfg.Notify.EmailTo,
		}),
	}
	if cfg.Search.BraveAPIKey != "" {
		tools = append(tools, search.New(cfg.Search.BraveAPIKey))
	}
	for _, t := range tools {
		if err := registry.Add(t); err != nil {
			return fmt.Errorf("register tool %s: %w", t.Definition().Name, err)
		}
	}
	return nil
}

func buildProvider(cfg config.Config, logger *slog.Logger, inst *observer.Instruments) (loom.Provider, error) {
	p, err := resolve.Provider(resolve.Config{
		Provider:    cfg.LLM.Provider,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		BaseURL:     cfg.LLM.BaseURL,
		Temperature: cfg.LLM.Temperature,
		TopP:        cfg.LLM.TopP,
	})
	if err != nil {
		return nil, err
	}
	if inst != nil {
		p = observer.WrapProvider(p, cfg.LLM.Model, inst)
	}
	if cfg.Limits.RPM > 0 || cfg.Limits.TPM > 0 {
		p = loom.WithRateLimit(p, loom.RPM(cfg.Limits.RPM), loom.TPM(cfg.Limits.TPM))
	}
	// Retry wraps the limiter so each attempt waits for budget again.
	p = loom.WithRetry(p,
		loom.RetryMaxAttempts(cfg.Limits.RetryAttempts),
		loom.RetryLogger(logger))
	return p, nil
}

// providerResolver builds providers for per-request overrides. An override
// naming the configured provider reuses its key and base URL; any other
// provider reads <PROVIDER>_API_KEY from the environment.
func providerResolver(cfg config.Config) loom.ProviderResolverFunc {
	return func(providerName, model string) (loom.Provider, error) {
		if providerName == "" {
			providerName = cfg.LLM.Provider
		}
		if model == "" {
			model = cfg.LLM.Model
		}
		rc := resolve.Config{Provider: providerName, Model: model}
		if providerName == cfg.LLM.Provider {
			rc.APIKey = cfg.LLM.APIKey
			rc.BaseURL = cfg.LLM.BaseURL
		} else {
			rc.APIKey = os.Getenv(strings.ToUpper(providerName) + "_API_KEY")
		}
		return resolve.Provider(rc)
	}
}
