// Package config loads codepunk.toml with env overrides and holds the
// provider credential store.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM       LLMConfig       `toml:"llm"`
	Database  DatabaseConfig  `toml:"database"`
	Chat      ChatConfig      `toml:"chat"`
	Files     FilesConfig     `toml:"files"`
	Git       GitConfig       `toml:"git"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Observer  ObserverConfig  `toml:"observer"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

type DatabaseConfig struct {
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type ChatConfig struct {
	MaxToolCallIterations    int `toml:"max_tool_call_iterations"`
	MaxToolCallsPerIteration int `toml:"max_tool_calls_per_iteration"`
	MaxRepeatedToolCalls     int `toml:"max_repeated_tool_calls"`
	MaxConsecutiveToolErrors int `toml:"max_consecutive_tool_errors"`
	ToolTimeoutSeconds       int `toml:"tool_timeout_seconds"`
}

type FilesConfig struct {
	Root        string `toml:"root"`
	MaxFileSize int64  `toml:"max_file_size"`
	AutoApprove bool   `toml:"auto_approve"`
}

type GitConfig struct {
	BranchPrefix      string `toml:"branch_prefix"`
	Stashing          bool   `toml:"stashing"`
	AutoRevertMinutes int    `toml:"auto_revert_minutes"`
	StateDir          string `toml:"state_dir"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `toml:"requests_per_minute"`
	TokensPerMinute   int `toml:"tokens_per_minute"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

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
	stateDir := filepath.Join(home, ".codepunk")
	return Config{
		LLM:      LLMConfig{Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
		Database: DatabaseConfig{Path: filepath.Join(stateDir, "codepunk.db")},
		Chat: ChatConfig{
			MaxToolCallIterations:    5,
			MaxRepeatedToolCalls:     3,
			MaxConsecutiveToolErrors: 3,
		},
		Git: GitConfig{
			BranchPrefix:      "ai/session",
			Stashing:          true,
			AutoRevertMinutes: 30,
			StateDir:          stateDir,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "codepunk.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CODEPUNK_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("CODEPUNK_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CODEPUNK_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CODEPUNK_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("CODEPUNK_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CODEPUNK_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("CODEPUNK_WORKSPACE"); v != "" {
		cfg.Files.Root = v
	}
	if n, err := strconv.ParseInt(os.Getenv("CODEPUNK_MAX_FILE_SIZE"), 10, 64); err == nil && n > 0 {
		cfg.Files.MaxFileSize = n
	}
	if v := os.Getenv("CODEPUNK_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Files.Root == "" {
		cfg.Files.Root, _ = os.Getwd()
	}

	return cfg
}
