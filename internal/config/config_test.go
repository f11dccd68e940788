package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "config.yaml", `
llm:
  api_key: test-key
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("expected default driver memory, got %q", cfg.Store.Driver)
	}
	if cfg.Queue.MaxConcurrentAnalyses != 3 {
		t.Errorf("expected default max_concurrent_analyses 3, got %d", cfg.Queue.MaxConcurrentAnalyses)
	}
	if cfg.Queue.MaxConcurrentExecutions != 3 {
		t.Errorf("expected default max_concurrent_executions 3, got %d", cfg.Queue.MaxConcurrentExecutions)
	}
	if cfg.Queue.AnalysisMaxRetries != 3 {
		t.Errorf("expected default analysis_max_retries 3, got %d", cfg.Queue.AnalysisMaxRetries)
	}
	if cfg.Queue.AnalysisRetryDelaySeconds != 60 {
		t.Errorf("expected default analysis_retry_delay_seconds 60, got %d", cfg.Queue.AnalysisRetryDelaySeconds)
	}
	if cfg.Queue.AnalysisVisibilitySeconds != 120 {
		t.Errorf("expected default analysis_visibility_seconds 120, got %d", cfg.Queue.AnalysisVisibilitySeconds)
	}
	if cfg.Queue.ExecutionVisibilitySeconds != 600 {
		t.Errorf("expected default execution_visibility_seconds 600, got %d", cfg.Queue.ExecutionVisibilitySeconds)
	}
	if cfg.Session.TTLSeconds != 900 {
		t.Errorf("expected default session ttl 900, got %d", cfg.Session.TTLSeconds)
	}
	if cfg.Cache.TTLSeconds != 86400 {
		t.Errorf("expected default cache ttl 86400, got %d", cfg.Cache.TTLSeconds)
	}
	if cfg.Router.ConfidenceLow != 0.5 {
		t.Errorf("expected default router confidence_low 0.5, got %v", cfg.Router.ConfidenceLow)
	}
	if cfg.Reuse.SimilarityThreshold != 0.7 {
		t.Errorf("expected default reuse similarity_threshold 0.7, got %v", cfg.Reuse.SimilarityThreshold)
	}
	if cfg.Progress.PollIntervalMS != 500 {
		t.Errorf("expected default progress poll interval 500, got %d", cfg.Progress.PollIntervalMS)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Errorf("expected default llm provider anthropic, got %q", cfg.LLM.Provider)
	}
}

func TestLoadHonorsExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "config.yaml", `
server:
  host: 127.0.0.1
  port: 9090
store:
  driver: sqlite
  dsn: /tmp/orcad.db
queue:
  max_concurrent_analyses: 5
llm:
  provider: openai
  api_key: test-key
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9090 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.DSN != "/tmp/orcad.db" {
		t.Errorf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Queue.MaxConcurrentAnalyses != 5 {
		t.Errorf("expected explicit max_concurrent_analyses 5, got %d", cfg.Queue.MaxConcurrentAnalyses)
	}
	if cfg.LLM.Provider != "openai" {
		t.Errorf("expected explicit provider openai, got %q", cfg.LLM.Provider)
	}
}

func TestLoadRejectsMissingAPIKey(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "config.yaml", `
server:
  port: 8080
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for missing llm.api_key")
	}
	var verr *ConfigValidationError
	if !asConfigValidationError(err, &verr) {
		t.Fatalf("expected *ConfigValidationError, got %T: %v", err, err)
	}
}

func TestLoadRejectsSQLiteWithoutDSN(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "config.yaml", `
store:
  driver: sqlite
llm:
  api_key: test-key
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for sqlite driver without dsn")
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeTestConfig(t, dir, "base.yaml", `
llm:
  api_key: base-key
  provider: anthropic
`)
	path := writeTestConfig(t, dir, "config.yaml", `
$include: base.yaml
server:
  port: 9999
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "base-key" {
		t.Errorf("expected included llm.api_key, got %q", cfg.LLM.APIKey)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected overriding server.port 9999, got %d", cfg.Server.Port)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("ORCAD_HOST", "10.0.0.1")
	t.Setenv("ORCAD_PORT", "7070")
	t.Setenv("ORCAD_LLM_API_KEY", "env-key")

	dir := t.TempDir()
	path := writeTestConfig(t, dir, "config.yaml", `
llm:
  api_key: file-key
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Host != "10.0.0.1" {
		t.Errorf("expected env override host, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("expected env override port, got %d", cfg.Server.Port)
	}
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("expected env override api key, got %q", cfg.LLM.APIKey)
	}
}

func asConfigValidationError(err error, target **ConfigValidationError) bool {
	verr, ok := err.(*ConfigValidationError)
	if !ok {
		return false
	}
	*target = verr
	return true
}
