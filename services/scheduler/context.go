// Package scheduler drives accepted module builds to completion: a
// message-driven event loop dispatches bus events to per-state handlers
// under a transactional store, and a poller reconciles whatever the bus
// lost.
package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	"github.com/R3E-Network/build_orchestrator/infrastructure/resilience"
	"github.com/R3E-Network/build_orchestrator/pkg/builder"
	"github.com/R3E-Network/build_orchestrator/pkg/config"
	"github.com/R3E-Network/build_orchestrator/pkg/messaging"
	"github.com/R3E-Network/build_orchestrator/pkg/metrics"
	"github.com/R3E-Network/build_orchestrator/pkg/resolver"
	"github.com/R3E-Network/build_orchestrator/pkg/storage"
)

const msgOrigin = "scheduler"

// Context carries the collaborators every handler needs. Handlers observe a
// single configured instance; there are no ambient globals.
type Context struct {
	Cfg      *config.Config
	Builders builder.Factory
	Resolver resolver.Resolver
	Bus      *messaging.Bus
	Log      *logrus.Entry

	// ResolverRetry bounds the retry loop around resolver calls in the
	// wait handler.
	ResolverRetry resilience.RetryConfig

	now func() time.Time
}

// NewContext assembles a handler context.
func NewContext(cfg *config.Config, builders builder.Factory, res resolver.Resolver, bus *messaging.Bus, log *logrus.Entry) *Context {
	if log == nil {
		log = logrus.WithField("component", "scheduler")
	}
	return &Context{
		Cfg:           cfg,
		Builders:      builders,
		Resolver:      res,
		Bus:           bus,
		Log:           log,
		ResolverRetry: resilience.DefaultRetryConfig(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock pins the time source; tests use it.
func (c *Context) SetClock(now func() time.Time) { c.now = now }

// Handler is one per-(event-kind, observed-state) procedure. It may return
// follow-up internal events that the dispatch worker re-enqueues.
type Handler func(ctx context.Context, hctx *Context, sess storage.Session, ev messaging.Event) ([]messaging.Event, error)

// noOp ignores the event.
func noOp(context.Context, *Context, storage.Session, messaging.Event) ([]messaging.Event, error) {
	return nil, nil
}

// publishTransition sends the module's public JSON on the bus after a state
// change. Handler dispatch picks the published event back up from the
// transport, which is how one transition chains into the next.
func publishTransition(ctx context.Context, hctx *Context, sess storage.Session, m *modbuild.ModuleBuild) {
	components, err := sess.ComponentBuilds(ctx, m.ID)
	if err != nil {
		hctx.Log.WithError(err).Warn("loading components for publish failed")
	}
	traces, err := sess.ModuleBuildTraces(ctx, m.ID)
	if err != nil {
		hctx.Log.WithError(err).Warn("loading traces for publish failed")
	}
	ids := make([]int64, 0, len(components))
	for _, c := range components {
		ids = append(ids, c.ID)
	}

	ev := messaging.NewModuleStateChanged(msgOrigin, m.ID, m.State, modbuild.Public(m, ids, traces))
	if err := hctx.Bus.Publish(ctx, ev); err != nil {
		hctx.Log.WithError(err).WithField("module", m.ID).Warn("failed to publish state change")
	}
}

// transitionModule records a state change and publishes it.
func transitionModule(ctx context.Context, hctx *Context, sess storage.Session, m *modbuild.ModuleBuild, state modbuild.State, reason string) error {
	old := m.State
	m.Transition(hctx.now(), state, reason)
	if err := sess.SaveModuleBuild(ctx, m); err != nil {
		return err
	}
	hctx.Log.Infof("%s, state %q->%q", m, old, m.State)
	if old != m.State {
		switch m.State {
		case modbuild.StateReady:
			metrics.BuildsSuccess.Inc()
		case modbuild.StateFailed:
			metrics.BuildsFailed.WithLabelValues("unspec").Inc()
		}
		publishTransition(ctx, hctx, sess, m)
	}
	return nil
}
