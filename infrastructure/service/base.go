// Package service provides the shared lifecycle for the orchestrator's
// long-running services and the HTTP surface reporting their health.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/build_orchestrator/pkg/logger"
)

// BaseService wires hydrate/worker plumbing and stop handling. Embedders
// get a safe stop channel, an optional hydration hook run before workers
// start, and a statistics provider for the /info endpoint.
type BaseService struct {
	name    string
	version string

	stopCh   chan struct{}
	stopOnce sync.Once

	hydrate  func(context.Context) error
	statsFn  func() map[string]any
	healthFn func() error

	workers []func(context.Context)

	mu        sync.RWMutex
	startTime time.Time

	log *logrus.Entry
}

// NewBase constructs a BaseService.
func NewBase(name, version string, log *logrus.Entry) *BaseService {
	if log == nil {
		log = logger.Component(name)
	}
	return &BaseService{
		name:    name,
		version: version,
		stopCh:  make(chan struct{}),
		log:     log,
	}
}

// Name returns the service identifier.
func (b *BaseService) Name() string { return b.name }

// Version returns the service version string.
func (b *BaseService) Version() string { return b.version }

// Logger returns the service's structured logger.
func (b *BaseService) Logger() *logrus.Entry { return b.log }

// WithHydrate sets an optional hook executed during Start, before workers
// launch. Use it for loading persistent state.
func (b *BaseService) WithHydrate(fn func(context.Context) error) *BaseService {
	b.hydrate = fn
	return b
}

// WithStats sets the statistics provider backing the /info endpoint.
func (b *BaseService) WithStats(fn func() map[string]any) *BaseService {
	b.statsFn = fn
	return b
}

// WithHealth sets the dependency probe backing the /health endpoint.
func (b *BaseService) WithHealth(fn func() error) *BaseService {
	b.healthFn = fn
	return b
}

// AddWorker registers a background worker started after hydrate completes.
// Workers must respect context cancellation and StopChan.
func (b *BaseService) AddWorker(fn func(context.Context)) *BaseService {
	b.workers = append(b.workers, fn)
	return b
}

// AddTickerWorker registers a periodic background worker.
func (b *BaseService) AddTickerWorker(interval time.Duration, fn func(context.Context) error) *BaseService {
	worker := func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					b.log.WithError(err).Warn("worker error")
				}
			}
		}
	}
	b.workers = append(b.workers, worker)
	return b
}

// StopChan exposes the stop channel for worker goroutines.
func (b *BaseService) StopChan() <-chan struct{} { return b.stopCh }

// Start runs hydrate once, then spins the workers.
func (b *BaseService) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.startTime.IsZero() {
		b.startTime = time.Now()
	}
	b.mu.Unlock()

	if b.hydrate != nil {
		if err := b.hydrate(ctx); err != nil {
			return err
		}
	}
	for _, w := range b.workers {
		worker := w
		go worker(ctx)
	}
	return nil
}

// Stop signals the workers. Idempotent.
func (b *BaseService) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Uptime reports how long the service has been running.
func (b *BaseService) Uptime() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.startTime.IsZero() {
		return 0
	}
	return time.Since(b.startTime)
}

// HealthStatus probes the configured dependencies.
func (b *BaseService) HealthStatus() string {
	if b.healthFn != nil {
		if err := b.healthFn(); err != nil {
			return "unhealthy"
		}
	}
	return "healthy"
}

// Stats collects the /info statistics.
func (b *BaseService) Stats() map[string]any {
	stats := map[string]any{
		"uptime": b.Uptime().String(),
	}
	if b.statsFn != nil {
		for k, v := range b.statsFn() {
			stats[k] = v
		}
	}
	return stats
}
