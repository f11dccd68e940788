// Package orchestrator wires the ten components (C1-C10) into one runnable
// process and manages its lifecycle, the way the teacher's ManagedServer
// wraps its component managers (internal/gateway/managed_server.go) —
// adapted here onto this domain's own collaborators and a plain
// infra.ComponentManager instead of the teacher's channel/tool/media
// managers.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quantloft/orcad/internal/analysisworker"
	"github.com/quantloft/orcad/internal/config"
	"github.com/quantloft/orcad/internal/executionworker"
	"github.com/quantloft/orcad/internal/httpapi"
	"github.com/quantloft/orcad/internal/infra"
	"github.com/quantloft/orcad/internal/intake"
	"github.com/quantloft/orcad/internal/llm"
	"github.com/quantloft/orcad/internal/observability"
	"github.com/quantloft/orcad/internal/progress"
	"github.com/quantloft/orcad/internal/queue"
	"github.com/quantloft/orcad/internal/sandbox"
	"github.com/quantloft/orcad/internal/scriptstore"
	"github.com/quantloft/orcad/internal/sessioncache"
	"github.com/quantloft/orcad/internal/store"
	"github.com/quantloft/orcad/internal/stream"
	"github.com/quantloft/orcad/internal/vectorindex"
)

// Orchestrator owns every collaborator's lifecycle for one running process.
type Orchestrator struct {
	cfg    *config.Config
	logger *observability.Logger

	store     store.Store
	bus       *progress.Bus
	analysisQ *queue.Worker
	executionQ *queue.Worker
	httpSrv   *http.Server

	components *infra.ComponentManager
	http       *httpComponent
}

// New builds every collaborator from cfg and wires them together; it does
// not start anything until Start is called.
func New(cfg *config.Config, logger *observability.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = observability.MustNewLogger(observability.LogConfig{})
	}

	backend, err := buildStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build store: %w", err)
	}

	routerProvider, err := buildProvider(cfg.LLM, cfg.LLM.RouterModel)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build router llm provider: %w", err)
	}
	reuseProvider, err := buildProvider(cfg.LLM, cfg.LLM.ReuseModel)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build reuse llm provider: %w", err)
	}
	analysisProvider, err := buildProvider(cfg.LLM, cfg.LLM.AnalysisModel)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build analysis llm provider: %w", err)
	}

	vectorClient := vectorindex.New(vectorindex.Config{
		BaseURL: cfg.VectorIndex.BaseURL,
		Timeout: cfg.VectorIndex.Timeout,
	})
	sandboxClient := sandbox.New(sandbox.Config{
		BaseURL: cfg.Sandbox.BaseURL,
		Timeout: time.Duration(cfg.Sandbox.DefaultTimeoutSeconds) * time.Second,
	})
	scripts := scriptstore.New(backend)

	bus := progress.NewBus(backend, progress.Config{
		PollInterval: time.Duration(cfg.Progress.PollIntervalMS) * time.Millisecond,
		Logger:       logger,
	})

	sessions := sessioncache.New(backend, sessioncache.Config{
		TTL: time.Duration(cfg.Session.TTLSeconds) * time.Second,
	})

	analysisQueue := queue.NewAnalysisQueue(backend)
	executionQueue := queue.NewExecutionQueue(backend)

	disp := intake.New(intake.Config{
		Sessions:             sessions,
		Store:                backend,
		RouterProvider:       routerProvider,
		ReuseProvider:        reuseProvider,
		VectorIndex:          vectorClient,
		AnalysisQueue:        analysisQueue,
		ExecutionQueue:       executionQueue,
		Bus:                  bus,
		ReuseSimilarityFloor: cfg.Reuse.SimilarityThreshold,
		Logger:               logger,
	})

	streamHandler := stream.NewHandler(stream.Config{
		Bus:    bus,
		Store:  backend,
		Logger: logger,
	})

	analysisHandler := analysisworker.New(analysisworker.Config{
		WorkerID:       "analysis-worker",
		Provider:       analysisProvider,
		Store:          backend,
		Scripts:        scripts,
		ExecutionQueue: executionQueue,
		Bus:            bus,
		Logger:         logger,
	})
	analysisWorker := queue.NewWorker(analysisQueue, analysisHandler.Handle, queue.Config{
		WorkerID:      "analysis-worker",
		PollInterval:  time.Duration(cfg.Queue.PollIntervalSeconds) * time.Second,
		Visibility:    time.Duration(cfg.Queue.AnalysisVisibilitySeconds) * time.Second,
		MaxConcurrent: cfg.Queue.MaxConcurrentAnalyses,
		MaxRetries:    cfg.Queue.AnalysisMaxRetries,
		RetryDelay:    time.Duration(cfg.Queue.AnalysisRetryDelaySeconds) * time.Second,
		Logger:        logger,
	})

	executionHandler := executionworker.New(executionworker.Config{
		Store:    backend,
		Scripts:  scripts,
		Sandbox:  sandboxClient,
		Bus:      bus,
		CacheTTL: cfg.Cache.TTLSeconds,
		Logger:   logger,
	})
	executionWorker := queue.NewWorker(executionQueue, executionHandler.Handle, queue.Config{
		WorkerID: "execution-worker",
		// Sandbox execution is deterministic on the script, so retries
		// wouldn't help; 1 is the smallest budget queue.Config's
		// defaulting logic allows (0 is treated as "unset").
		PollInterval:  time.Duration(cfg.Queue.PollIntervalSeconds) * time.Second,
		Visibility:    time.Duration(cfg.Queue.ExecutionVisibilitySeconds) * time.Second,
		MaxConcurrent: cfg.Queue.MaxConcurrentExecutions,
		MaxRetries:    1,
		Logger:        logger,
	})

	apiHandler := httpapi.NewHandler(httpapi.Config{
		Intake: disp,
		Stream: streamHandler,
		Store:  backend,
		Logger: logger,
	})
	var handler http.Handler = apiHandler
	handler = httpapi.LoggingMiddleware(logger)(handler)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	components := infra.NewComponentManager(slog.Default())
	components.Register(&busComponent{name: "progress-bus", bus: bus})
	components.Register(&workerComponent{name: "analysis-worker", worker: analysisWorker})
	components.Register(&workerComponent{name: "execution-worker", worker: executionWorker})
	httpComp := &httpComponent{name: "http-server", server: httpSrv}
	components.Register(httpComp)

	return &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		store:      backend,
		bus:        bus,
		analysisQ:  analysisWorker,
		executionQ: executionWorker,
		httpSrv:    httpSrv,
		components: components,
		http:       httpComp,
	}, nil
}

// Start starts every component in dependency order (bus before workers
// before the HTTP server, since /submit and /stream both need the bus and
// queues already running).
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.components.Start(ctx)
}

// Stop stops every component in reverse order, draining in-flight work up
// to ctx's deadline.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.components.Stop(ctx)
}

// ServeErrors surfaces a fatal HTTP listener error (anything other than
// the clean shutdown signaled by http.ErrServerClosed).
func (o *Orchestrator) ServeErrors() <-chan error {
	return o.http.ServeErrors()
}

func buildStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.DSN)
	case "postgres":
		pgCfg := store.DefaultPostgresConfig()
		pgCfg.MaxOpenConns = cfg.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.MaxIdleConns
		pgCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
		return store.NewPostgresStoreFromDSN(cfg.DSN, pgCfg)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// buildProvider constructs a Provider for cfg.Provider, overriding its
// default model with modelOverride when set. Distinct overrides for the
// router/reuse/analysis call shapes mean a deployment can pin a cheaper
// model to classification and a stronger one to analysis planning.
func buildProvider(cfg config.LLMConfig, modelOverride string) (llm.Provider, error) {
	model := cfg.DefaultModel
	if modelOverride != "" {
		model = modelOverride
	}

	switch cfg.Provider {
	case "", "anthropic":
		return llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
			DefaultModel: model,
		})
	case "openai":
		return llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: model,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
