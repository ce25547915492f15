package scheduler

import (
	"context"
	"strings"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	"github.com/R3E-Network/build_orchestrator/pkg/messaging"
	"github.com/R3E-Network/build_orchestrator/pkg/storage"
)

// onTagChanged records that an artifact landed in one of the module's tags
// and, once the batch carries no untagged artifacts, moves on to the repo
// regeneration step.
func onTagChanged(ctx context.Context, hctx *Context, sess storage.Session, ev messaging.Event) ([]messaging.Event, error) {
	msg := ev.(*messaging.TagChanged)

	module, err := sess.ModuleBuildFromTag(ctx, msg.Tag)
	if err == storage.ErrNotFound {
		hctx.Log.Debugf("no module build found associated with tag %q", msg.Tag)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	component, err := sess.ComponentBuildByNVR(ctx, module.ID, msg.NVR)
	if err == storage.ErrNotFound {
		hctx.Log.Debugf("no component %s in module %s", msg.NVR, module)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	hctx.Log.Infof("saw relevant component tag of %s from %s", component.NVR, msg.MsgID())

	if strings.HasSuffix(msg.Tag, "-build") {
		component.Tagged = true
	} else {
		component.TaggedInFinal = true
	}
	if err := sess.SaveComponentBuild(ctx, component); err != nil {
		return nil, err
	}

	batch, err := sess.CurrentBatch(ctx, module)
	if err != nil {
		return nil, err
	}
	for _, c := range batch {
		if c.Unbuilt() {
			hctx.Log.Infof("not regenerating repo for tag %s, there are still building components in a batch", msg.Tag)
			return nil, nil
		}
	}

	// Wait for every successful artifact in current and previous batches
	// to reach its tags before regenerating.
	upTo, err := sess.UpToCurrentBatch(ctx, module, modbuild.BuildStateComplete)
	if err != nil {
		return nil, err
	}
	for _, c := range upTo {
		if !c.Tagged || (!c.TaggedInFinal && !c.BuildTimeOnly) {
			return nil, nil
		}
	}

	b, err := hctx.Builders.ForModule(ctx, module)
	if err != nil {
		return nil, err
	}
	return repoRegenOrAdvance(ctx, hctx, sess, module, b)
}
