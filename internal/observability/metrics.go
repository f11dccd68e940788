package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting orchestration
// metrics.
//
// Built on Prometheus, it tracks:
//   - Queue depth, claim latency, and job outcomes per queue
//   - LLM request performance, tokens, and cost per provider/model
//   - Progress bus fan-out and subscriber counts
//   - Session cache hit/miss and size
//   - Reuse-evaluator decisions
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.JobClaimed("analysis")
//	defer metrics.JobDuration("execution").Observe(time.Since(start).Seconds())
type Metrics struct {
	// QueueDepth is the current number of queued (not running) jobs.
	// Labels: queue (analysis|execution)
	QueueDepth *prometheus.GaugeVec

	// JobClaimCounter counts successful claim_next calls.
	// Labels: queue
	JobClaimCounter *prometheus.CounterVec

	// JobClaimLatency measures time between enqueue and claim.
	// Labels: queue
	JobClaimLatency *prometheus.HistogramVec

	// JobOutcome counts terminal job outcomes.
	// Labels: queue, outcome (succeeded|failed|timeout)
	JobOutcome *prometheus.CounterVec

	// JobDurationSeconds measures handler execution time.
	// Labels: queue
	JobDurationSeconds *prometheus.HistogramVec

	// JobReclaimCounter counts stale-claim reclaims.
	// Labels: queue
	JobReclaimCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model, component (router|reuse_evaluator|analysis_worker)
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, component, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// LLMCostUSD tracks estimated cost in USD.
	// Labels: provider, model
	LLMCostUSD *prometheus.CounterVec

	// ProgressEventsEmitted counts events appended to the bus.
	// Labels: type (execution_status|generic|heartbeat)
	ProgressEventsEmitted *prometheus.CounterVec

	// ProgressSubscribers is the current number of live C9 subscriptions.
	ProgressSubscribers prometheus.Gauge

	// ProgressDroppedEvents counts events dropped by a backpressured
	// subscriber.
	ProgressDroppedEvents prometheus.Counter

	// SessionCacheHit / SessionCacheMiss count C4 lookups.
	SessionCacheHit  prometheus.Counter
	SessionCacheMiss prometheus.Counter

	// SessionCacheSize is the current number of cached ConversationStores.
	SessionCacheSize prometheus.Gauge

	// SessionCacheEvictions counts TTL-based evictions.
	SessionCacheEvictions prometheus.Counter

	// ResultCacheHit / ResultCacheMiss count C1 cache_get calls.
	ResultCacheHit  prometheus.Counter
	ResultCacheMiss prometheus.Counter

	// ReuseDecision counts C6 outcomes.
	// Labels: decision (reuse|generate)
	ReuseDecision *prometheus.CounterVec

	// HTTPRequestDuration measures the external HTTP surface's latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// SandboxCallDuration measures script-sandbox round trips.
	SandboxCallDuration prometheus.Histogram

	// SandboxCallOutcome counts sandbox outcomes.
	// Labels: outcome (success|failure|timeout)
	SandboxCallOutcome *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics. Call once at
// startup; all metrics register against Prometheus's default registry and
// are served by the /metrics endpoint.
func NewMetrics() *Metrics {
	return &Metrics{
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orcad_queue_depth",
				Help: "Current number of queued jobs by queue name",
			},
			[]string{"queue"},
		),

		JobClaimCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orcad_job_claims_total",
				Help: "Total number of successful claim_next calls",
			},
			[]string{"queue"},
		),

		JobClaimLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orcad_job_claim_latency_seconds",
				Help:    "Time between enqueue and claim",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"queue"},
		),

		JobOutcome: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orcad_job_outcomes_total",
				Help: "Total number of terminal job outcomes by queue and outcome",
			},
			[]string{"queue", "outcome"},
		),

		JobDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orcad_job_duration_seconds",
				Help:    "Duration of job handler execution",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"queue"},
		),

		JobReclaimCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orcad_job_reclaims_total",
				Help: "Total number of stale-claim reclaims by queue",
			},
			[]string{"queue"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orcad_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model", "component"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orcad_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, component, and status",
			},
			[]string{"provider", "model", "component", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orcad_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		LLMCostUSD: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orcad_llm_cost_usd_total",
				Help: "Estimated LLM API cost in USD",
			},
			[]string{"provider", "model"},
		),

		ProgressEventsEmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orcad_progress_events_total",
				Help: "Total number of progress events appended, by type",
			},
			[]string{"type"},
		),

		ProgressSubscribers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orcad_progress_subscribers",
				Help: "Current number of live stream subscriptions",
			},
		),

		ProgressDroppedEvents: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "orcad_progress_dropped_events_total",
				Help: "Total number of events dropped by a backpressured subscriber",
			},
		),

		SessionCacheHit: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "orcad_session_cache_hits_total",
				Help: "Total number of session cache hits",
			},
		),

		SessionCacheMiss: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "orcad_session_cache_misses_total",
				Help: "Total number of session cache misses",
			},
		),

		SessionCacheSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orcad_session_cache_size",
				Help: "Current number of cached ConversationStores",
			},
		),

		SessionCacheEvictions: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "orcad_session_cache_evictions_total",
				Help: "Total number of TTL-based session cache evictions",
			},
		),

		ResultCacheHit: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "orcad_result_cache_hits_total",
				Help: "Total number of content-addressed cache hits",
			},
		),

		ResultCacheMiss: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "orcad_result_cache_misses_total",
				Help: "Total number of content-addressed cache misses",
			},
		),

		ReuseDecision: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orcad_reuse_decisions_total",
				Help: "Total number of reuse-evaluator decisions by outcome",
			},
			[]string{"decision"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orcad_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		SandboxCallDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orcad_sandbox_call_duration_seconds",
				Help:    "Duration of script sandbox round trips",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),

		SandboxCallOutcome: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orcad_sandbox_outcomes_total",
				Help: "Total number of sandbox call outcomes",
			},
			[]string{"outcome"},
		),
	}
}

// JobEnqueued increments queue depth for queue.
func (m *Metrics) JobEnqueued(queue string) {
	m.QueueDepth.WithLabelValues(queue).Inc()
}

// JobClaimed decrements queue depth and records claim latency.
func (m *Metrics) JobClaimed(queue string, waitSeconds float64) {
	m.QueueDepth.WithLabelValues(queue).Dec()
	m.JobClaimCounter.WithLabelValues(queue).Inc()
	m.JobClaimLatency.WithLabelValues(queue).Observe(waitSeconds)
}

// JobReclaimed records a stale-claim reclaim and restores queue depth.
func (m *Metrics) JobReclaimed(queue string) {
	m.JobReclaimCounter.WithLabelValues(queue).Inc()
}

// JobCompleted records a terminal outcome and the handler's duration.
func (m *Metrics) JobCompleted(queue, outcome string, durationSeconds float64) {
	m.JobOutcome.WithLabelValues(queue, outcome).Inc()
	m.JobDurationSeconds.WithLabelValues(queue).Observe(durationSeconds)
}

// RecordLLMRequest records metrics for one LM call.
func (m *Metrics) RecordLLMRequest(provider, model, component, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, component, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model, component).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordLLMCost records estimated API cost.
func (m *Metrics) RecordLLMCost(provider, model string, costUSD float64) {
	m.LLMCostUSD.WithLabelValues(provider, model).Add(costUSD)
}

// ProgressEventAppended records one append to the bus.
func (m *Metrics) ProgressEventAppended(eventType string) {
	m.ProgressEventsEmitted.WithLabelValues(eventType).Inc()
}

// SubscriberJoined / SubscriberLeft track live C9 subscriptions.
func (m *Metrics) SubscriberJoined() { m.ProgressSubscribers.Inc() }
func (m *Metrics) SubscriberLeft()   { m.ProgressSubscribers.Dec() }

// RecordSessionCacheLookup records a C4 get/get_or_create outcome.
func (m *Metrics) RecordSessionCacheLookup(hit bool) {
	if hit {
		m.SessionCacheHit.Inc()
	} else {
		m.SessionCacheMiss.Inc()
	}
}

// RecordResultCacheLookup records a C1 cache_get outcome.
func (m *Metrics) RecordResultCacheLookup(hit bool) {
	if hit {
		m.ResultCacheHit.Inc()
	} else {
		m.ResultCacheMiss.Inc()
	}
}

// RecordReuseDecision records a C6 outcome.
func (m *Metrics) RecordReuseDecision(reuse bool) {
	if reuse {
		m.ReuseDecision.WithLabelValues("reuse").Inc()
	} else {
		m.ReuseDecision.WithLabelValues("generate").Inc()
	}
}

// RecordHTTPRequest records metrics for one inbound HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordSandboxCall records one script-sandbox round trip.
func (m *Metrics) RecordSandboxCall(outcome string, durationSeconds float64) {
	m.SandboxCallDuration.Observe(durationSeconds)
	m.SandboxCallOutcome.WithLabelValues(outcome).Inc()
}
