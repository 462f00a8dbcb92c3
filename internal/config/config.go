// Package config loads daemon configuration: compiled defaults, then an
// optional TOML file, then LOOM_* environment variables, each layer
// overriding the one before it.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Log       LogConfig       `toml:"log"`
	LLM       LLMConfig       `toml:"llm"`
	Database  DatabaseConfig  `toml:"database"`
	Planner   PlannerConfig   `toml:"planner"`
	Executor  ExecutorConfig  `toml:"executor"`
	Limits    LimitsConfig    `toml:"limits"`
	Search    SearchConfig    `toml:"search"`
	Workspace WorkspaceConfig `toml:"workspace"`
	Notify    NotifyConfig    `toml:"notify"`
	Observer  ObserverConfig  `toml:"observer"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

type LLMConfig struct {
	Provider    string   `toml:"provider"`
	Model       string   `toml:"model"`
	APIKey      string   `toml:"api_key"`
	BaseURL     string   `toml:"base_url"`
	Temperature *float64 `toml:"temperature"`
	TopP        *float64 `toml:"top_p"`
}

type DatabaseConfig struct {
	Driver      string `toml:"driver"` // sqlite or postgres
	Path        string `toml:"path"`   // sqlite database file
	PostgresDSN string `toml:"postgres_dsn"`
}

type PlannerConfig struct {
	MaxAttempts int `toml:"max_attempts"`
}

type ExecutorConfig struct {
	MaxParallel int `toml:"max_parallel"`
}

// LimitsConfig tunes the provider middleware. Zero RPM/TPM disables that
// budget.
type LimitsConfig struct {
	RetryAttempts int `toml:"retry_attempts"`
	RPM           int `toml:"rpm"`
	TPM           int `toml:"tpm"`
}

type SearchConfig struct {
	BraveAPIKey string `toml:"brave_api_key"`
}

type WorkspaceConfig struct {
	Path string `toml:"path"`
}

type NotifyConfig struct {
	WebhookURL string   `toml:"webhook_url"`
	SMTPHost   string   `toml:"smtp_host"`
	SMTPPort   string   `toml:"smtp_port"`
	SMTPUser   string   `toml:"smtp_user"`
	SMTPPass   string   `toml:"smtp_pass"`
	EmailFrom  string   `toml:"email_from"`
	EmailTo    []string `toml:"email_to"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

// ObserverPricing is a per-million-token price override for one model.
type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Server:    ServerConfig{Addr: ":8080"},
		Log:       LogConfig{Level: "info", Format: "text"},
		LLM:       LLMConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "loom.db"},
		Planner:   PlannerConfig{MaxAttempts: 3},
		Executor:  ExecutorConfig{MaxParallel: 10},
		Limits:    LimitsConfig{RetryAttempts: 3},
		Workspace: WorkspaceConfig{Path: filepath.Join(home, "loom-workspace")},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). A missing
// file is fine; a file that exists but does not parse is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "loom.toml"
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults and env only.
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Env overrides
	if v := os.Getenv("LOOM_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("LOOM_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LOOM_POSTGRES_DSN"); v != "" {
		cfg.Database.PostgresDSN = v
	}
	if v := os.Getenv("LOOM_BRAVE_API_KEY"); v != "" {
		cfg.Search.BraveAPIKey = v
	}
	if v := os.Getenv("LOOM_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("LOOM_SMTP_USER"); v != "" {
		cfg.Notify.SMTPUser = v
	}
	if v := os.Getenv("LOOM_SMTP_PASS"); v != "" {
		cfg.Notify.SMTPPass = v
	}
	if v := os.Getenv("LOOM_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Planner.MaxAttempts <= 0 {
		cfg.Planner.MaxAttempts = 3
	}
	if cfg.Executor.MaxParallel <= 0 {
		cfg.Executor.MaxParallel = 10
	}

	return cfg, nil
}
