// Package config loads and validates the orchestration core's runtime
// configuration: the HTTP server, the persistent store, the two durable
// queues, the session cache, the result cache, the router/reuse
// thresholds, and the LM/vector-index/sandbox collaborator endpoints
// (§6's environment/config enumeration).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration structure.
type Config struct {
	Version     int               `yaml:"version"`
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Queue       QueueConfig       `yaml:"queue"`
	Session     SessionConfig     `yaml:"session"`
	Cache       CacheConfig       `yaml:"cache"`
	Router      RouterConfig      `yaml:"router"`
	Reuse       ReuseConfig       `yaml:"reuse"`
	LLM         LLMConfig         `yaml:"llm"`
	VectorIndex VectorIndexConfig `yaml:"vector_index"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Progress    ProgressConfig    `yaml:"progress"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig controls the client-facing HTTP listener (§6's HTTP surface).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StoreConfig selects and configures the persistent store gateway (C1).
type StoreConfig struct {
	// Driver is "memory", "sqlite", or "postgres".
	Driver string `yaml:"driver"`
	// DSN is the sqlite file path or postgres connection string; unused
	// for the memory driver.
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// QueueConfig tunes the two durable queues (C2) and their workers (C7, C8).
type QueueConfig struct {
	PollIntervalSeconds        int `yaml:"poll_interval_seconds"`
	MaxConcurrentAnalyses      int `yaml:"max_concurrent_analyses"`
	MaxConcurrentExecutions    int `yaml:"max_concurrent_executions"`
	AnalysisMaxRetries         int `yaml:"analysis_max_retries"`
	AnalysisRetryDelaySeconds  int `yaml:"analysis_retry_delay_seconds"`
	AnalysisVisibilitySeconds  int `yaml:"analysis_visibility_seconds"`
	ExecutionVisibilitySeconds int `yaml:"execution_visibility_seconds"`
}

// SessionConfig configures the session cache (C4).
type SessionConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

// CacheConfig configures the result cache populated by C8 and consulted by C10.
type CacheConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

// RouterConfig tunes the context-aware router (C5).
type RouterConfig struct {
	ConfidenceLow float64 `yaml:"confidence_low"`
}

// ReuseConfig tunes the reuse evaluator (C6).
type ReuseConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// LLMConfig selects and configures the LM collaborator shared by C5, C6, C7.
// RouterModel/ReuseModel/AnalysisModel let a deployment pin cheaper models to
// the cheaper call shapes (classification, reuse) and a stronger model to
// analysis planning; an empty override falls back to the provider's default.
type LLMConfig struct {
	Provider      string        `yaml:"provider"` // "anthropic" or "openai"
	APIKey        string        `yaml:"api_key"`
	BaseURL       string        `yaml:"base_url"`
	DefaultModel  string        `yaml:"default_model"`
	RouterModel   string        `yaml:"router_model"`
	ReuseModel    string        `yaml:"reuse_model"`
	AnalysisModel string        `yaml:"analysis_model"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// VectorIndexConfig configures the vector-index collaborator.
type VectorIndexConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// SandboxConfig configures the execution-sandbox collaborator (C8's peer).
type SandboxConfig struct {
	BaseURL               string `yaml:"base_url"`
	DefaultTimeoutSeconds int    `yaml:"default_timeout_seconds"`
}

// ProgressConfig tunes the progress bus monitor (C3).
type ProgressConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

// LoggingConfig controls structured log output and redaction.
type LoggingConfig struct {
	Level  string   `yaml:"level"`
	Format string   `yaml:"format"` // "json" or "text"
	Redact []string `yaml:"redact"`
}

// Load reads path (resolving $include directives), applies environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	if cfg.Version > 0 {
		if err := ValidateVersion(cfg.Version); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	applyServerDefaults(&cfg.Server)
	applyStoreDefaults(&cfg.Store)
	applyQueueDefaults(&cfg.Queue)
	applySessionDefaults(&cfg.Session)
	applyCacheDefaults(&cfg.Cache)
	applyRouterDefaults(&cfg.Router)
	applyReuseDefaults(&cfg.Reuse)
	applyLLMDefaults(&cfg.LLM)
	applyVectorIndexDefaults(&cfg.VectorIndex)
	applySandboxDefaults(&cfg.Sandbox)
	applyProgressDefaults(&cfg.Progress)
	applyLoggingDefaults(&cfg.Logging)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
}

func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Driver == "" {
		cfg.Driver = "memory"
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
}

// applyQueueDefaults fills in §6's enumerated queue defaults.
func applyQueueDefaults(cfg *QueueConfig) {
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = 5
	}
	if cfg.MaxConcurrentAnalyses == 0 {
		cfg.MaxConcurrentAnalyses = 3
	}
	if cfg.MaxConcurrentExecutions == 0 {
		cfg.MaxConcurrentExecutions = 3
	}
	if cfg.AnalysisMaxRetries == 0 {
		cfg.AnalysisMaxRetries = 3
	}
	if cfg.AnalysisRetryDelaySeconds == 0 {
		cfg.AnalysisRetryDelaySeconds = 60
	}
	if cfg.AnalysisVisibilitySeconds == 0 {
		cfg.AnalysisVisibilitySeconds = 120
	}
	if cfg.ExecutionVisibilitySeconds == 0 {
		cfg.ExecutionVisibilitySeconds = 600
	}
}

func applySessionDefaults(cfg *SessionConfig) {
	if cfg.TTLSeconds == 0 {
		cfg.TTLSeconds = 900
	}
}

func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.TTLSeconds == 0 {
		cfg.TTLSeconds = 86400
	}
}

func applyRouterDefaults(cfg *RouterConfig) {
	if cfg.ConfidenceLow == 0 {
		cfg.ConfidenceLow = 0.5
	}
}

func applyReuseDefaults(cfg *ReuseConfig) {
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.7
	}
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.Provider == "" {
		cfg.Provider = "anthropic"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
}

func applyVectorIndexDefaults(cfg *VectorIndexConfig) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
}

func applySandboxDefaults(cfg *SandboxConfig) {
	if cfg.DefaultTimeoutSeconds == 0 {
		cfg.DefaultTimeoutSeconds = 120
	}
}

func applyProgressDefaults(cfg *ProgressConfig) {
	if cfg.PollIntervalMS == 0 {
		cfg.PollIntervalMS = 500
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

// applyEnvOverrides lets deployment secrets and ports come from the
// environment rather than a checked-in file, following the teacher's own
// ORCAD_HOST/ORCAD_PORT/DATABASE_URL-style override convention.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if v := strings.TrimSpace(os.Getenv("ORCAD_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("ORCAD_PORT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.Store.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("ORCAD_STORE_DRIVER")); v != "" {
		cfg.Store.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
		if cfg.LLM.Provider == "" {
			cfg.LLM.Provider = "anthropic"
		}
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
		if cfg.LLM.Provider == "" {
			cfg.LLM.Provider = "openai"
		}
	}
	if v := strings.TrimSpace(os.Getenv("ORCAD_LLM_API_KEY")); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ORCAD_VECTOR_INDEX_URL")); v != "" {
		cfg.VectorIndex.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("ORCAD_SANDBOX_URL")); v != "" {
		cfg.Sandbox.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("ORCAD_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
}

// ConfigValidationError aggregates every validation issue found in one pass,
// so a misconfigured deployment sees all of its mistakes at once rather than
// one at a time.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid configuration:\n  - %s", strings.Join(e.Issues, "\n  - "))
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	if !validStoreDriver(cfg.Store.Driver) {
		issues = append(issues, `store.driver must be "memory", "sqlite", or "postgres"`)
	}
	if cfg.Store.Driver != "memory" && strings.TrimSpace(cfg.Store.DSN) == "" {
		issues = append(issues, "store.dsn is required when store.driver is not \"memory\"")
	}
	if cfg.Queue.MaxConcurrentAnalyses < 1 {
		issues = append(issues, "queue.max_concurrent_analyses must be >= 1")
	}
	if cfg.Queue.MaxConcurrentExecutions < 1 {
		issues = append(issues, "queue.max_concurrent_executions must be >= 1")
	}
	if cfg.Queue.AnalysisMaxRetries < 0 {
		issues = append(issues, "queue.analysis_max_retries must be >= 0")
	}
	if cfg.Session.TTLSeconds < 1 {
		issues = append(issues, "session.ttl_seconds must be >= 1")
	}
	if cfg.Cache.TTLSeconds < 1 {
		issues = append(issues, "cache.ttl_seconds must be >= 1")
	}
	if cfg.Router.ConfidenceLow <= 0 || cfg.Router.ConfidenceLow >= 1 {
		issues = append(issues, "router.confidence_low must be in (0, 1)")
	}
	if cfg.Reuse.SimilarityThreshold <= 0 || cfg.Reuse.SimilarityThreshold > 1 {
		issues = append(issues, "reuse.similarity_threshold must be in (0, 1]")
	}
	if !validLLMProvider(cfg.LLM.Provider) {
		issues = append(issues, `llm.provider must be "anthropic" or "openai"`)
	}
	if strings.TrimSpace(cfg.LLM.APIKey) == "" {
		issues = append(issues, "llm.api_key is required")
	}
	if !validLogFormat(cfg.Logging.Format) {
		issues = append(issues, `logging.format must be "json" or "text"`)
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

func validStoreDriver(d string) bool {
	switch d {
	case "memory", "sqlite", "postgres":
		return true
	default:
		return false
	}
}

func validLLMProvider(p string) bool {
	switch p {
	case "anthropic", "openai":
		return true
	default:
		return false
	}
}

func validLogFormat(f string) bool {
	switch f {
	case "json", "text":
		return true
	default:
		return false
	}
}

