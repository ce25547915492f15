package scheduler

import (
	"context"
	"fmt"
	"sort"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	"github.com/R3E-Network/build_orchestrator/pkg/builder"
	"github.com/R3E-Network/build_orchestrator/pkg/messaging"
	"github.com/R3E-Network/build_orchestrator/pkg/metrics"
	"github.com/R3E-Network/build_orchestrator/pkg/storage"
)

// Poller supplements the event loop by reconciling state the message bus
// cannot reliably deliver: dead builder tasks, builds stuck in wait, and
// batches that went quiet.
type Poller struct {
	hctx    *Context
	store   storage.Store
	enqueue func(messaging.Event)
	cron    *cron.Cron
}

// NewPoller wires a poller that feeds synthesized events into enqueue.
func NewPoller(hctx *Context, store storage.Store, enqueue func(messaging.Event)) *Poller {
	return &Poller{hctx: hctx, store: store, enqueue: enqueue}
}

// Start schedules the reconciliation passes.
func (p *Poller) Start(ctx context.Context) error {
	p.cron = cron.New()
	spec := fmt.Sprintf("@every %s", p.hctx.Cfg.Scheduler.PollingInterval)
	if _, err := p.cron.AddFunc(spec, func() { p.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule poller: %w", err)
	}
	p.cron.Start()
	return nil
}

// Stop halts the schedule; a pass already running finishes.
func (p *Poller) Stop() {
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
}

// RunOnce executes one full reconciliation pass.
func (p *Poller) RunOnce(ctx context.Context) {
	log := p.hctx.Log
	if err := p.logSummary(ctx); err != nil {
		log.WithError(err).Warn("poller summary failed")
	}
	if err := p.failLostTasks(ctx); err != nil {
		log.WithError(err).Warn("poller lost-task pass failed")
	}
	if err := p.nudgeWaitingModules(ctx); err != nil {
		log.WithError(err).Warn("poller wait pass failed")
	}
	if err := p.warnStuckBuilds(ctx); err != nil {
		log.WithError(err).Warn("poller stuck-build pass failed")
	}
	metrics.PollerPasses.Inc()
}

// logSummary reports the per-state counts and refreshes the state gauges.
func (p *Poller) logSummary(ctx context.Context) error {
	var counts map[modbuild.State]int
	err := p.store.WithSession(ctx, func(sess storage.Session) error {
		var serr error
		counts, serr = sess.CountByState(ctx)
		return serr
	})
	if err != nil {
		return err
	}

	p.hctx.Log.Info("current status:")
	for _, state := range modbuild.States {
		metrics.ModuleBuildsByState.WithLabelValues(state.String()).Set(float64(counts[state]))
		if counts[state] > 0 {
			p.hctx.Log.Infof("  * %d module builds in the %s state", counts[state], state)
		}
	}
	return nil
}

// failLostTasks queries the builder for every component stuck in BUILDING
// and synthesizes the terminal event the bus never delivered.
func (p *Poller) failLostTasks(ctx context.Context) error {
	type lost struct {
		component *modbuild.ComponentBuild
		state     modbuild.BuildState
	}
	var found []lost

	err := p.store.WithSession(ctx, func(sess storage.Session) error {
		building, err := sess.ComponentBuildsInState(ctx, modbuild.BuildStateBuilding)
		if err != nil {
			return err
		}
		p.hctx.Log.Infof("checking status for %d building tasks", len(building))

		builders := make(map[int64]builder.Builder)
		for _, c := range building {
			if c.TaskID == 0 {
				// Never submitted; batch evaluation settles its fate.
				continue
			}
			b, ok := builders[c.ModuleID]
			if !ok {
				module, err := sess.ModuleBuildByID(ctx, c.ModuleID)
				if err != nil {
					p.hctx.Log.WithError(err).Warnf("cannot load module %d", c.ModuleID)
					continue
				}
				if module.KojiTag == "" {
					continue
				}
				b, err = p.hctx.Builders.ForModule(ctx, module)
				if err != nil {
					p.hctx.Log.WithError(err).Warnf("cannot reach builder for module %d", c.ModuleID)
					continue
				}
				builders[c.ModuleID] = b
			}

			info, err := b.GetTaskInfo(ctx, c.TaskID)
			if err != nil {
				p.hctx.Log.WithError(err).Warnf("cannot query task %d", c.TaskID)
				continue
			}
			p.hctx.Log.Debugf("task %d of %s is in state %v", c.TaskID, c.Package, info.State)
			if !info.State.Dead() {
				continue
			}
			state := modbuild.BuildStateFailed
			if info.State == builder.TaskCanceled {
				state = modbuild.BuildStateCanceled
			}
			found = append(found, lost{component: c, state: state})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, l := range found {
		c := l.component
		p.enqueue(messaging.NewComponentStateChanged(
			"poller", c.TaskID, l.state, c.Package, "", "", c.ModuleID))
	}
	return nil
}

// nudgeWaitingModules replays the wait handler for builds sitting in wait;
// the handler is idempotent, so a lost or crashed run converges.
func (p *Poller) nudgeWaitingModules(ctx context.Context) error {
	var waiting []*modbuild.ModuleBuild
	err := p.store.WithSession(ctx, func(sess storage.Session) error {
		var serr error
		waiting, serr = sess.ModuleBuildsByState(ctx, modbuild.StateWait)
		return serr
	})
	if err != nil {
		return err
	}

	sort.Slice(waiting, func(i, j int) bool { return waiting[i].ID < waiting[j].ID })
	for _, m := range waiting {
		p.hctx.Log.Infof("redriving module build %d stuck in the wait state", m.ID)
		p.enqueue(messaging.NewModuleStateChanged("poller", m.ID, modbuild.StateWait, nil))
	}
	return nil
}

// warnStuckBuilds logs builds whose current batch went quiet for longer
// than the configured threshold.
func (p *Poller) warnStuckBuilds(ctx context.Context) error {
	threshold := p.hctx.Cfg.Scheduler.StuckThreshold.Std()
	if threshold <= 0 {
		return nil
	}
	now := p.hctx.now()

	return p.store.WithSession(ctx, func(sess storage.Session) error {
		building, err := sess.ModuleBuildsByState(ctx, modbuild.StateBuild)
		if err != nil {
			return err
		}
		for _, m := range building {
			if quiet := now.Sub(m.Modified); quiet > threshold {
				p.hctx.Log.Warnf("%s has been quiet in batch %d for %s", m, m.Batch, quiet)
			}
		}
		return nil
	})
}
