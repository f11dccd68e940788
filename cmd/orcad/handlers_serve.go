package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantloft/orcad/internal/config"
	"github.com/quantloft/orcad/internal/observability"
	"github.com/quantloft/orcad/internal/orchestrator"
)

// errSigIntAfterDrain signals the 130 exit code from §6's exit-code table:
// SIGINT received and the in-flight work finished draining before exit.
var errSigIntAfterDrain = errors.New("interrupted after graceful drain")

// shutdownTimeout bounds how long Stop waits for in-flight handlers,
// worker claims, and the HTTP server to drain.
const shutdownTimeout = 30 * time.Second

// runServe loads configuration, builds the orchestrator, and runs it until
// a shutdown signal arrives or a component fails fatally.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.MustNewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logger.Info(ctx, "starting orcad",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	orch, err := orchestrator.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build orchestrator: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	logger.Info(ctx, "orcad started", "addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))

	interrupted := false
	select {
	case <-ctx.Done():
		interrupted = true
	case err := <-orch.ServeErrors():
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server failed", "error", err)
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			_ = orch.Stop(shutdownCtx)
			return err
		}
	}

	logger.Info(context.Background(), "shutdown signal received, draining")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := orch.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info(context.Background(), "orcad stopped gracefully")
	if interrupted {
		return errSigIntAfterDrain
	}
	return nil
}
