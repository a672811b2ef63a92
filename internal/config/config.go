// Package config loads and validates conductor configuration from YAML with
// environment variable fallbacks.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for conductor.
type Config struct {
	LLM           LLMConfig           `yaml:"llm"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Cache         CacheConfig         `yaml:"cache"`
	Writer        WriterConfig        `yaml:"writer"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// LLMConfig selects and configures the transport.
type LLMConfig struct {
	// Provider is "anthropic" or "openai".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	// MaxTokens is the per-call response limit.
	MaxTokens int `yaml:"max_tokens"`
	// ThinkingBudget enables extended thinking when positive (Anthropic only).
	ThinkingBudget int `yaml:"thinking_budget"`
}

// ApprovalConfig controls write-approval behavior.
type ApprovalConfig struct {
	// TimeoutSeconds is how long a pending approval waits before auto-deny.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// CacheConfig locates the analysis store.
type CacheConfig struct {
	// Path is the SQLite database file; empty means in-memory.
	Path string `yaml:"path"`
}

// WriterConfig controls where save_document writes.
type WriterConfig struct {
	Dir string `yaml:"dir"`
}

// ObservabilityConfig configures tracing and metrics exports.
type ObservabilityConfig struct {
	// OTLPEndpoint is the OTLP gRPC collector address; empty disables tracing.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	// MetricsAddr is the Prometheus scrape listen address; empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Approval: ApprovalConfig{
			TimeoutSeconds: 300,
		},
		Cache: CacheConfig{
			Path: "conductor.db",
		},
		Writer: WriterConfig{
			Dir: "documents",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the YAML file at path, layered over defaults
// and finished with environment fallbacks. An empty path skips the file and
// uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		expanded := os.ExpandEnv(string(data))

		decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		if err := decoder.Decode(cfg); err != nil && err != io.EOF {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills unset fields from the environment. Explicit file values win
// over environment values, except the API key, where the conventional
// provider variables always serve as fallback.
func (c *Config) applyEnv() {
	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case "openai":
			c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		default:
			c.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
	if v := os.Getenv("CONDUCTOR_MODEL"); v != "" && c.LLM.Model == DefaultConfig().LLM.Model {
		c.LLM.Model = v
	}
	if v := os.Getenv("CONDUCTOR_CACHE_PATH"); v != "" && c.Cache.Path == DefaultConfig().Cache.Path {
		c.Cache.Path = v
	}
	if v := os.Getenv("CONDUCTOR_OTLP_ENDPOINT"); v != "" && c.Observability.OTLPEndpoint == "" {
		c.Observability.OTLPEndpoint = v
	}
	if v := os.Getenv("CONDUCTOR_APPROVAL_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && c.Approval.TimeoutSeconds == DefaultConfig().Approval.TimeoutSeconds {
			c.Approval.TimeoutSeconds = secs
		}
	}
}

// Validate checks the configuration for coherence. It does not require an
// API key; transports report that at call time so commands like `tools` and
// `version` work unconfigured.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("config: unknown llm provider %q (want anthropic or openai)", c.LLM.Provider)
	}
	if c.LLM.MaxTokens < 0 {
		return fmt.Errorf("config: llm.max_tokens must not be negative")
	}
	if c.LLM.ThinkingBudget < 0 {
		return fmt.Errorf("config: llm.thinking_budget must not be negative")
	}
	if c.Approval.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: approval.timeout_seconds must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown logging level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown logging format %q", c.Logging.Format)
	}
	return nil
}
