// Package observability provides monitoring and debugging capabilities for
// the orchestration core through metrics, structured logging, and a
// process-local diagnostic event bus.
//
// # Overview
//
// The observability package covers:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Diagnostics - A process-local pub/sub for job lifecycle and LM usage
//     events, and an in-memory timeline for replaying a single run
//
// # Architecture
//
// The package is designed to be:
//   - Low-overhead: minimal performance impact under worker-pool load
//   - Type-safe: strongly-typed APIs reduce configuration errors
//   - Standards-based: built on Prometheus and slog
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track:
//   - Queue depth, claim latency, and job outcomes per queue
//   - LLM request latency, token usage, and cost by provider/model
//   - Progress bus fan-out and subscriber counts
//   - Session and result cache hit/miss rates
//   - HTTP request/response and store query performance
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	metrics.JobEnqueued("analysis")
//	metrics.JobClaimed("analysis", time.Since(enqueuedAt).Seconds())
//
//	start := time.Now()
//	// ... make LM request ...
//	metrics.RecordLLMRequest("anthropic", "claude-3-opus", "analysis_worker",
//	    "success", time.Since(start).Seconds(), promptTokens, completionTokens)
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic correlation from context (request/session/user/message/analysis/job)
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	ctx := observability.AddRequestID(ctx, requestID)
//	ctx = observability.AddSessionID(ctx, sessionID)
//
//	logger.Info(ctx, "claimed analysis job", "job_id", job.ID, "attempt", job.Attempts)
//
//	logger.Error(ctx, "LLM request failed",
//	    "error", err,
//	    "provider", "anthropic",
//	    "api_key", apiKey, // Automatically redacted
//	)
//
// # Diagnostics
//
// The diagnostic event bus is a process-local pub/sub distinct from the
// durable, session-scoped progress bus clients subscribe to over the
// streaming endpoint (internal/progress). It exists for local ops
// visibility: an admin tap, a CLI watcher, or a test assertion.
//
//	unsubscribe := observability.OnDiagnosticEvent(func(e observability.DiagnosticEventPayload) {
//	    log.Printf("%s: %+v", e.EventType(), e)
//	})
//	defer unsubscribe()
//
//	observability.EmitJobQueued(&observability.JobQueuedEvent{Queue: "analysis", JobID: job.ID})
//
// # Context Propagation
//
//	ctx = observability.AddRequestID(ctx, "req-123")
//	ctx = observability.AddSessionID(ctx, "sess-456")
//	ctx = observability.AddUserID(ctx, "user-789")
//	ctx = observability.AddJobID(ctx, job.ID)
//
//	logger.Info(ctx, "processing") // includes request_id, session_id, job_id, etc.
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - API keys (Anthropic, OpenAI, generic)
//   - Passwords and secrets
//   - JWT tokens
//   - Bearer tokens
//   - Custom patterns via configuration
//
// Sensitive fields in maps are also redacted:
//   - password, passwd, pwd
//   - secret, api_key, apikey
//   - token, auth, authorization
//   - private_key, privatekey
//
// # Testing
//
//   - Metrics can be verified using prometheus/testutil
//   - Logging can write to bytes.Buffer for assertions
//   - Diagnostics can be asserted via OnDiagnosticEvent in tests, then reset
//     with ResetDiagnosticsForTest
//
// # Monitoring
//
//	# Job outcome rate by queue
//	rate(orcad_job_outcomes_total[5m])
//
//	# LLM request latency (95th percentile)
//	histogram_quantile(0.95, rate(orcad_llm_request_duration_seconds_bucket[5m]))
//
//	# Queue depth
//	orcad_queue_depth
//
//	# Session cache hit ratio
//	rate(orcad_session_cache_hits_total[5m]) /
//	  (rate(orcad_session_cache_hits_total[5m]) + rate(orcad_session_cache_misses_total[5m]))
package observability
