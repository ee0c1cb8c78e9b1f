// Package config loads the runtime configuration from YAML, an optional
// .env file and CLAWCORE_* environment overrides, in that order of
// precedence (env wins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Agent    AgentConfig     `yaml:"agent"`
	LLM      LLMConfig       `yaml:"llm"`
	Database DatabaseConfig  `yaml:"database"`
	Channels ChannelsConfig  `yaml:"channels"`
	Schedule SchedulerConfig `yaml:"scheduler"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// AgentConfig bounds the self-healing loop and the task ledger.
type AgentConfig struct {
	Name          string `yaml:"name"`
	Scope         string `yaml:"scope"`
	MaxRetries    int    `yaml:"max_retries"`
	MaxHistory    int    `yaml:"max_history"`
	ContextTokens int    `yaml:"context_tokens"`
	MaxResume     int    `yaml:"max_resume"`
	AutoRepair    bool   `yaml:"auto_repair"`
}

// LLMConfig selects the model provider.
type LLMConfig struct {
	Provider string `yaml:"provider"` // "vllm" or "openrouter"
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`

	// APIKey is resolved at startup: env first, then the system keyring.
	// It is never written back to the YAML file.
	APIKey string `yaml:"-"`

	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// DatabaseConfig locates the SQLite file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ChannelsConfig enables front-end adapters.
type ChannelsConfig struct {
	Terminal TerminalConfig `yaml:"terminal"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// TerminalConfig configures the interactive REPL adapter.
type TerminalConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TelegramConfig configures the Telegram long-poll adapter.
type TelegramConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Token        string  `yaml:"token"`
	AllowedChats []int64 `yaml:"allowed_chats"`
}

// SchedulerConfig enables the cron scheduler.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig sets the slog level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:          "main",
			Scope:         "main",
			MaxRetries:    3,
			MaxHistory:    40,
			ContextTokens: 8000,
			MaxResume:     3,
			AutoRepair:    true,
		},
		LLM: LLMConfig{
			Provider:       "openrouter",
			Model:          "anthropic/claude-sonnet-4",
			TimeoutSeconds: 120,
		},
		Database: DatabaseConfig{Path: "data/sessions.db"},
		Channels: ChannelsConfig{
			Terminal: TerminalConfig{Enabled: true},
		},
		Schedule: SchedulerConfig{Enabled: true},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML file at path (missing file is fine, defaults apply),
// loads .env when present, then applies CLAWCORE_* environment overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// defaults
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.Agent.MaxRetries <= 0 {
		cfg.Agent.MaxRetries = 3
	}
	if cfg.Agent.MaxHistory <= 0 {
		cfg.Agent.MaxHistory = 40
	}
	if cfg.Agent.MaxResume <= 0 {
		cfg.Agent.MaxResume = 3
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/sessions.db"
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CLAWCORE_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CLAWCORE_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("CLAWCORE_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("CLAWCORE_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CLAWCORE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CLAWCORE_TELEGRAM_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
		cfg.Channels.Telegram.Enabled = true
	}
	if v := os.Getenv("CLAWCORE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if n, ok := envInt("CLAWCORE_MAX_RETRIES"); ok {
		cfg.Agent.MaxRetries = n
	}
	if n, ok := envInt("CLAWCORE_MAX_HISTORY"); ok {
		cfg.Agent.MaxHistory = n
	}
	if n, ok := envInt("CLAWCORE_MAX_RESUME"); ok {
		cfg.Agent.MaxResume = n
	}
	if n, ok := envInt("CLAWCORE_CONTEXT_TOKENS"); ok {
		cfg.Agent.ContextTokens = n
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	if v := os.Getenv("CLAWCORE_CONFIG"); v != "" {
		return v
	}
	return "clawcore.yaml"
}
