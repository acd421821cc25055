// Package config loads the server configuration from YAML with environment
// variable expansion and defaulting.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Store     StoreConfig     `yaml:"store"`
	Providers ProvidersConfig `yaml:"providers"`
	Agent     AgentConfig     `yaml:"agent"`
	Compose   ComposeConfig   `yaml:"compose"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Runs      RunsConfig      `yaml:"runs"`
	Tools     ToolsConfig     `yaml:"tools"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AllowedOrigins lists origins accepted for CORS and WebSocket upgrades.
	// Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AuthConfig configures bearer-token authentication. When both fields are
// empty, authentication is disabled.
type AuthConfig struct {
	// Token is a static bearer token compared verbatim.
	Token string `yaml:"token"`
	// JWTSecret enables HS256 JWT verification when set.
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig configures the SQLite event store.
type StoreConfig struct {
	// Path is the database file path, or ":memory:" for tests.
	Path string `yaml:"path"`

	// BlobThreshold is the payload size in bytes above which event payloads
	// move to the blob pool.
	BlobThreshold int `yaml:"blob_threshold"`
}

// ProvidersConfig holds per-provider credentials and endpoints.
type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
	Google    ProviderConfig `yaml:"google"`
}

// ProviderConfig is one provider's connection settings.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// Models lists the model ids this provider serves.
	Models []string `yaml:"models"`
}

// AgentConfig tunes the turn orchestrator.
type AgentConfig struct {
	// DefaultModel is used when a session does not pin one.
	DefaultModel string `yaml:"default_model"`

	// MaxTurns caps provider round-trips within a single prompt.
	MaxTurns int `yaml:"max_turns"`

	// MaxValidationRetries bounds schema-validation re-calls per tool call.
	MaxValidationRetries int `yaml:"max_validation_retries"`

	// MaxTokens is the per-request output token limit.
	MaxTokens int `yaml:"max_tokens"`

	// StreamRetries configures retry-before-first-byte behavior.
	StreamRetries int           `yaml:"stream_retries"`
	StreamBackoff time.Duration `yaml:"stream_backoff"`

	// ToolConcurrency bounds parallel execution of side-effect-free tools.
	ToolConcurrency int `yaml:"tool_concurrency"`

	// ToolTimeout is the per-execution deadline.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// ToolRetries is how many extra attempts a failed side-effect-free tool
	// execution gets.
	ToolRetries int `yaml:"tool_retries"`

	// ToolRetryBackoff is the initial delay between tool retry attempts.
	ToolRetryBackoff time.Duration `yaml:"tool_retry_backoff"`
}

// ComposeConfig tunes context composition.
type ComposeConfig struct {
	// PruneTTL is how long large tool results stay verbatim in the composed
	// view before being pruned.
	PruneTTL time.Duration `yaml:"prune_ttl"`

	// PruneKeepTurns protects the last K assistant turns from pruning.
	PruneKeepTurns int `yaml:"prune_keep_turns"`

	// PruneThreshold is the tool-result size in bytes above which pruning
	// applies.
	PruneThreshold int `yaml:"prune_threshold"`

	// MaxContextTokens is the context budget compaction works against.
	MaxContextTokens int `yaml:"max_context_tokens"`

	// CompactionThreshold triggers compaction when the estimated context
	// exceeds this fraction of MaxContextTokens.
	CompactionThreshold float64 `yaml:"compaction_threshold"`

	// PreserveRecent is how many recent user/assistant message pairs survive
	// compaction verbatim.
	PreserveRecent int `yaml:"preserve_recent"`
}

// SessionsConfig tunes the session manager.
type SessionsConfig struct {
	// QueueSize bounds the per-session FIFO prompt queue.
	QueueSize int `yaml:"queue_size"`

	// QueuePolicy is the overflow policy: "reject", "drop_oldest", or "block".
	QueuePolicy string `yaml:"queue_policy"`

	// SubagentTimeout bounds blocking waits on child sessions.
	SubagentTimeout time.Duration `yaml:"subagent_timeout"`
}

// RunsConfig tunes run tracking and idempotency.
type RunsConfig struct {
	// Retention is how long terminal runs are kept.
	Retention time.Duration `yaml:"retention"`

	// MaxPerSession caps retained runs per session.
	MaxPerSession int `yaml:"max_per_session"`

	// IdempotencyTTL is how long idempotency keys deduplicate.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`

	// CacheErrors also replays failed outcomes for a repeated key.
	CacheErrors bool `yaml:"cache_errors"`
}

// ToolsConfig carries tool-dispatch policy.
type ToolsConfig struct {
	// DenyAll blocks every tool call regardless of other rules.
	DenyAll bool `yaml:"deny_all"`

	// Deny lists tool names to block.
	Deny []string `yaml:"deny"`

	// DenyParams blocks calls whose serialized input matches a pattern.
	DenyParams []DenyParamRule `yaml:"deny_params"`
}

// DenyParamRule blocks a tool call when the named parameter matches a regex.
type DenyParamRule struct {
	Tool    string `yaml:"tool"`
	Param   string `yaml:"param"`
	Pattern string `yaml:"pattern"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8765,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Path:          "loom.db",
			BlobThreshold: 32 * 1024,
		},
		Agent: AgentConfig{
			MaxTurns:             50,
			MaxValidationRetries: 3,
			MaxTokens:            8192,
			StreamRetries:        3,
			StreamBackoff:        500 * time.Millisecond,
			ToolConcurrency:      4,
			ToolTimeout:          2 * time.Minute,
			ToolRetryBackoff:     500 * time.Millisecond,
		},
		Compose: ComposeConfig{
			PruneTTL:            5 * time.Minute,
			PruneKeepTurns:      3,
			PruneThreshold:      2 * 1024,
			MaxContextTokens:    100_000,
			CompactionThreshold: 0.85,
			PreserveRecent:      3,
		},
		Sessions: SessionsConfig{
			QueueSize:       16,
			QueuePolicy:     "reject",
			SubagentTimeout: 5 * time.Minute,
		},
		Runs: RunsConfig{
			Retention:      24 * time.Hour,
			MaxPerSession:  100,
			IdempotencyTTL: 5 * time.Minute,
		},
	}
}

// Load reads a YAML config file, expands ${ENV} references, applies defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
	if c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}
	if c.Store.BlobThreshold == 0 {
		c.Store.BlobThreshold = def.Store.BlobThreshold
	}
	if c.Agent.MaxTurns == 0 {
		c.Agent.MaxTurns = def.Agent.MaxTurns
	}
	if c.Agent.MaxValidationRetries == 0 {
		c.Agent.MaxValidationRetries = def.Agent.MaxValidationRetries
	}
	if c.Agent.MaxTokens == 0 {
		c.Agent.MaxTokens = def.Agent.MaxTokens
	}
	if c.Agent.StreamRetries == 0 {
		c.Agent.StreamRetries = def.Agent.StreamRetries
	}
	if c.Agent.StreamBackoff == 0 {
		c.Agent.StreamBackoff = def.Agent.StreamBackoff
	}
	if c.Agent.ToolConcurrency == 0 {
		c.Agent.ToolConcurrency = def.Agent.ToolConcurrency
	}
	if c.Agent.ToolTimeout == 0 {
		c.Agent.ToolTimeout = def.Agent.ToolTimeout
	}
	if c.Agent.ToolRetryBackoff == 0 {
		c.Agent.ToolRetryBackoff = def.Agent.ToolRetryBackoff
	}
	if c.Compose.PruneTTL == 0 {
		c.Compose.PruneTTL = def.Compose.PruneTTL
	}
	if c.Compose.PruneKeepTurns == 0 {
		c.Compose.PruneKeepTurns = def.Compose.PruneKeepTurns
	}
	if c.Compose.PruneThreshold == 0 {
		c.Compose.PruneThreshold = def.Compose.PruneThreshold
	}
	if c.Compose.MaxContextTokens == 0 {
		c.Compose.MaxContextTokens = def.Compose.MaxContextTokens
	}
	if c.Compose.CompactionThreshold == 0 {
		c.Compose.CompactionThreshold = def.Compose.CompactionThreshold
	}
	if c.Compose.PreserveRecent == 0 {
		c.Compose.PreserveRecent = def.Compose.PreserveRecent
	}
	if c.Sessions.QueueSize == 0 {
		c.Sessions.QueueSize = def.Sessions.QueueSize
	}
	if c.Sessions.QueuePolicy == "" {
		c.Sessions.QueuePolicy = def.Sessions.QueuePolicy
	}
	if c.Sessions.SubagentTimeout == 0 {
		c.Sessions.SubagentTimeout = def.Sessions.SubagentTimeout
	}
	if c.Runs.Retention == 0 {
		c.Runs.Retention = def.Runs.Retention
	}
	if c.Runs.MaxPerSession == 0 {
		c.Runs.MaxPerSession = def.Runs.MaxPerSession
	}
	if c.Runs.IdempotencyTTL == 0 {
		c.Runs.IdempotencyTTL = def.Runs.IdempotencyTTL
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Sessions.QueuePolicy {
	case "reject", "drop_oldest", "block":
	default:
		return fmt.Errorf("sessions.queue_policy must be reject, drop_oldest, or block: %q", c.Sessions.QueuePolicy)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level unrecognized: %q", c.Logging.Level)
	}
	return nil
}
