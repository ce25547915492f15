package scheduler

import (
	"context"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	"github.com/R3E-Network/build_orchestrator/pkg/messaging"
	"github.com/R3E-Network/build_orchestrator/pkg/storage"
)

// onRepoRegenerated reacts to a finished buildroot regeneration: when the
// current batch is fully built and tagged, the module either advances to
// its next batch or, with nothing left to build, transitions to done.
func onRepoRegenerated(ctx context.Context, hctx *Context, sess storage.Session, ev messaging.Event) ([]messaging.Event, error) {
	msg := ev.(*messaging.RepoRegenerated)

	module, err := sess.ModuleBuildFromTag(ctx, msg.Tag)
	if err == storage.ErrNotFound {
		hctx.Log.Debugf("no module build in flight for tag %q", msg.Tag)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	batch, err := sess.CurrentBatch(ctx, module)
	if err != nil {
		return nil, err
	}

	// A repository can regenerate for reasons outside this module's flow;
	// only a finished, fully tagged batch moves the build forward.
	for _, c := range batch {
		if c.Unbuilt() {
			hctx.Log.Debugf("ignoring repo regeneration for %s, batch %d still has unbuilt components",
				module, module.Batch)
			return nil, nil
		}
		if c.InState(modbuild.BuildStateFailed) || c.InState(modbuild.BuildStateCanceled) {
			hctx.Log.Debugf("ignoring repo regeneration for %s, batch %d carries broken components",
				module, module.Batch)
			return nil, nil
		}
		if c.InState(modbuild.BuildStateComplete) {
			if !c.Tagged || (!c.TaggedInFinal && !c.BuildTimeOnly) {
				hctx.Log.Debugf("ignoring repo regeneration for %s, batch %d is not fully tagged",
					module, module.Batch)
				return nil, nil
			}
		}
	}

	// The regeneration this event reports is no longer in flight.
	if module.NewRepoTaskID != 0 {
		module.NewRepoTaskID = 0
		if err := sess.SaveModuleBuild(ctx, module); err != nil {
			return nil, err
		}
	}

	return startNextBatch(ctx, hctx, sess, module)
}
