package orchestrator

import (
	"context"

	"github.com/quantloft/orcad/internal/infra"
)

// busComponent adapts progress.Bus's void Start/Stop to infra's
// FullLifecycleComponent so it can be managed alongside the queue workers
// and HTTP server under one infra.ComponentManager.
type busComponent struct {
	name string
	bus  interface {
		Start(ctx context.Context)
		Stop()
	}
}

func (c *busComponent) Name() string { return c.name }

func (c *busComponent) Start(ctx context.Context) error {
	c.bus.Start(ctx)
	return nil
}

func (c *busComponent) Stop(ctx context.Context) error {
	c.bus.Stop()
	return nil
}

func (c *busComponent) Health(ctx context.Context) infra.ComponentHealth {
	return infra.ComponentHealth{State: infra.ServiceHealthHealthy}
}

// workerComponent adapts queue.Worker's Start(ctx)/Stop(ctx) error shape,
// which already matches infra.Lifecycle, giving it a Name and a trivial
// Health so it can be registered.
type workerComponent struct {
	name   string
	worker interface {
		Start(ctx context.Context)
		Stop(ctx context.Context) error
	}
}

func (c *workerComponent) Name() string { return c.name }

func (c *workerComponent) Start(ctx context.Context) error {
	c.worker.Start(ctx)
	return nil
}

func (c *workerComponent) Stop(ctx context.Context) error {
	return c.worker.Stop(ctx)
}

func (c *workerComponent) Health(ctx context.Context) infra.ComponentHealth {
	return infra.ComponentHealth{State: infra.ServiceHealthHealthy}
}

// httpComponent runs the client-facing HTTP server as a managed component:
// Start launches ListenAndServe on a background goroutine, Stop drains it
// with http.Server's own graceful shutdown.
type httpComponent struct {
	name   string
	server interface {
		ListenAndServe() error
		Shutdown(ctx context.Context) error
	}
	errCh chan error
}

func (c *httpComponent) Name() string { return c.name }

func (c *httpComponent) Start(ctx context.Context) error {
	c.errCh = make(chan error, 1)
	go func() {
		if err := c.server.ListenAndServe(); err != nil {
			c.errCh <- err
		}
		close(c.errCh)
	}()
	return nil
}

func (c *httpComponent) Stop(ctx context.Context) error {
	return c.server.Shutdown(ctx)
}

func (c *httpComponent) Health(ctx context.Context) infra.ComponentHealth {
	return infra.ComponentHealth{State: infra.ServiceHealthHealthy}
}

// ServeErrors returns the channel the HTTP component's listener error (if
// any, other than http.ErrServerClosed) is delivered on once Start has run.
func (c *httpComponent) ServeErrors() <-chan error { return c.errCh }
