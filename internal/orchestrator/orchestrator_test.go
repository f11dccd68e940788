package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/quantloft/orcad/internal/config"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0 // let the OS assign a free port
	cfg.Store.Driver = "memory"
	cfg.Queue.PollIntervalSeconds = 5
	cfg.Queue.MaxConcurrentAnalyses = 1
	cfg.Queue.MaxConcurrentExecutions = 1
	cfg.Queue.AnalysisMaxRetries = 3
	cfg.Queue.AnalysisRetryDelaySeconds = 60
	cfg.Queue.AnalysisVisibilitySeconds = 120
	cfg.Queue.ExecutionVisibilitySeconds = 600
	cfg.Session.TTLSeconds = 900
	cfg.Cache.TTLSeconds = 86400
	cfg.Router.ConfidenceLow = 0.5
	cfg.Reuse.SimilarityThreshold = 0.7
	cfg.Progress.PollIntervalMS = 500
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.APIKey = "test-key"
	cfg.VectorIndex.BaseURL = "http://127.0.0.1:0"
	cfg.VectorIndex.Timeout = time.Second
	cfg.Sandbox.BaseURL = "http://127.0.0.1:0"
	cfg.Sandbox.DefaultTimeoutSeconds = 30
	cfg.Logging.Level = "error"
	cfg.Logging.Format = "json"
	return cfg
}

func TestNewBuildsAllCollaborators(t *testing.T) {
	orch, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if orch.store == nil || orch.bus == nil || orch.httpSrv == nil {
		t.Fatalf("expected all collaborators wired, got %+v", orch)
	}
}

func TestStartAndStopDrainsCleanly(t *testing.T) {
	orch, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := orch.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNewRejectsUnknownStoreDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Driver = "mongodb"
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected error for unknown store driver")
	}
}

func TestNewRejectsMissingAPIKey(t *testing.T) {
	cfg := testConfig()
	cfg.LLM.APIKey = ""
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected error for missing llm api key")
	}
}
