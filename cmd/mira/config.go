package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete set of values the orchestration core needs at
// startup. It is read once and frozen: nothing in this process re-reads
// the file or the environment after Load returns.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	Operation  OperationConfig  `yaml:"operation"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	MCP        MCPConfig        `yaml:"mcp"`
	ProjectDir string           `yaml:"project_dir"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig controls the WebSocket/HTTP transport.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig points at the local SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AnthropicConfig holds provider settings read once at startup, per
// spec's "Provider API keys... are read from environment at startup and
// frozen".
type AnthropicConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// OperationConfig bounds the tool loop.
type OperationConfig struct {
	MaxIterations int    `yaml:"max_iterations"`
	MaxToolCalls  int    `yaml:"max_tool_calls"`
	MaxTokens     int    `yaml:"max_tokens"`
	Model         string `yaml:"model"`
	System        string `yaml:"system"`
}

// CheckpointConfig bounds checkpoint retention.
type CheckpointConfig struct {
	KeepPerSession int `yaml:"keep_per_session"`
}

// MCPConfig mirrors internal/mcp.Config, loaded from the same YAML
// document rather than a separate <project>/.mira/mcp.json read, since
// the core reads its own configuration once at startup (spec's
// Environment note) rather than re-scanning the project tree for it.
type MCPConfig struct {
	Enabled bool              `yaml:"enabled"`
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig mirrors internal/mcp.ServerConfig's YAML shape.
type MCPServerConfig struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	WorkDir   string            `yaml:"workdir"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Timeout   time.Duration     `yaml:"timeout"`
	AutoStart bool              `yaml:"auto_start"`
}

// LoggingConfig controls the slog handler's verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads path, expands environment variables, decodes the single YAML
// document strictly (unknown fields are rejected), applies env overrides
// and defaults, and validates the result - the same Load/applyEnvOverrides
// /applyDefaults/validateConfig pipeline internal/config/config.go uses,
// scaled down to what this core actually needs.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected a single document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" {
		cfg.Anthropic.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("MIRA_DATABASE_PATH")); v != "" {
		cfg.Database.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("MIRA_PROJECT_DIR")); v != "" {
		cfg.ProjectDir = v
	}
	if v := strings.TrimSpace(os.Getenv("MIRA_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("MIRA_PORT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = parsed
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8787
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "mira.db"
	}
	if cfg.ProjectDir == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.ProjectDir = wd
		}
	}
	if cfg.Anthropic.MaxRetries <= 0 {
		cfg.Anthropic.MaxRetries = 3
	}
	if cfg.Anthropic.RetryDelay <= 0 {
		cfg.Anthropic.RetryDelay = time.Second
	}
	if cfg.Anthropic.DefaultModel == "" {
		cfg.Anthropic.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.Operation.MaxIterations <= 0 {
		cfg.Operation.MaxIterations = 50
	}
	if cfg.Operation.MaxToolCalls <= 0 {
		cfg.Operation.MaxToolCalls = 32
	}
	if cfg.Operation.MaxTokens <= 0 {
		cfg.Operation.MaxTokens = 4096
	}
	if cfg.Operation.Model == "" {
		cfg.Operation.Model = cfg.Anthropic.DefaultModel
	}
	if cfg.Checkpoint.KeepPerSession <= 0 {
		cfg.Checkpoint.KeepPerSession = 50
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validateConfig(cfg *Config) error {
	var issues []string
	if strings.TrimSpace(cfg.Anthropic.APIKey) == "" {
		issues = append(issues, "anthropic.api_key (or ANTHROPIC_API_KEY) is required")
	}
	if strings.TrimSpace(cfg.ProjectDir) == "" {
		issues = append(issues, "project_dir is required")
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		issues = append(issues, "logging.level must be one of debug, info, warn, error")
	}
	for _, server := range cfg.MCP.Servers {
		if strings.TrimSpace(server.ID) == "" {
			issues = append(issues, "mcp.servers entries require a non-empty id")
			break
		}
	}
	if len(issues) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(issues, "\n  - "))
	}
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
