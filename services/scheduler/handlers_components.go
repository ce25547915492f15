package scheduler

import (
	"context"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	"github.com/R3E-Network/build_orchestrator/pkg/messaging"
	"github.com/R3E-Network/build_orchestrator/pkg/storage"
)

// componentFromEvent locates the component a builder event concerns.
func componentFromEvent(ctx context.Context, sess storage.Session, msg *messaging.ComponentStateChanged) (*modbuild.ComponentBuild, error) {
	return sess.ComponentBuildByTask(ctx, msg.TaskID, msg.ModuleBuildID)
}

// onComponentComplete marks the component complete and evaluates its batch:
// keep submitting while unbuilt siblings remain, fail the module when a
// sibling broke, otherwise finish the batch.
func onComponentComplete(ctx context.Context, hctx *Context, sess storage.Session, ev messaging.Event) ([]messaging.Event, error) {
	msg := ev.(*messaging.ComponentStateChanged)
	component, err := componentFromEvent(ctx, sess, msg)
	if err == storage.ErrNotFound {
		hctx.Log.Debugf("we have no record of task %d (%s-%s-%s)",
			msg.TaskID, msg.Name, msg.Version, msg.Release)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	component.State = modbuild.BuildStateOf(modbuild.BuildStateComplete)
	component.StateReason = ""
	if msg.Name != "" && msg.Version != "" && msg.Release != "" {
		component.NVR = modbuild.FormatNVR(msg.Name, msg.Version, msg.Release)
	}
	if err := sess.SaveComponentBuild(ctx, component); err != nil {
		return nil, err
	}

	module, err := sess.ModuleBuildByID(ctx, component.ModuleID)
	if err != nil {
		return nil, err
	}
	if module.State != modbuild.StateBuild {
		hctx.Log.Debugf("ignoring component completion for %s in state %q", module, module.State)
		return nil, nil
	}

	batch, err := sess.CurrentBatch(ctx, module)
	if err != nil {
		return nil, err
	}

	var queued, inFlight []*modbuild.ComponentBuild
	for _, c := range batch {
		switch {
		case c.State == nil:
			queued = append(queued, c)
		case c.InState(modbuild.BuildStateBuilding):
			inFlight = append(inFlight, c)
		}
	}

	// A slot opened up; push the next queued sibling through the ceiling.
	if len(queued) > 0 {
		b, err := hctx.Builders.ForModule(ctx, module)
		if err != nil {
			return nil, err
		}
		return nil, submitComponents(ctx, hctx, sess, b, queued)
	}
	if len(inFlight) > 0 {
		// Siblings still building; their events finish the batch.
		return nil, nil
	}

	return finalizeBatch(ctx, hctx, sess, module)
}

// onComponentFailed records the failure and fails the whole module,
// cancelling in-flight siblings.
func onComponentFailed(ctx context.Context, hctx *Context, sess storage.Session, ev messaging.Event) ([]messaging.Event, error) {
	return componentBroken(ctx, hctx, sess, ev, modbuild.BuildStateFailed)
}

// onComponentCanceled records the cancellation; module-wise it is handled
// like a failure.
func onComponentCanceled(ctx context.Context, hctx *Context, sess storage.Session, ev messaging.Event) ([]messaging.Event, error) {
	return componentBroken(ctx, hctx, sess, ev, modbuild.BuildStateCanceled)
}

func componentBroken(ctx context.Context, hctx *Context, sess storage.Session, ev messaging.Event, state modbuild.BuildState) ([]messaging.Event, error) {
	msg := ev.(*messaging.ComponentStateChanged)
	component, err := componentFromEvent(ctx, sess, msg)
	if err == storage.ErrNotFound {
		hctx.Log.Debugf("we have no record of task %d (%s-%s-%s)",
			msg.TaskID, msg.Name, msg.Version, msg.Release)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	component.State = modbuild.BuildStateOf(state)
	if component.StateReason == "" {
		component.StateReason = "Build " + state.String() + " by the build system"
	}
	if err := sess.SaveComponentBuild(ctx, component); err != nil {
		return nil, err
	}

	module, err := sess.ModuleBuildByID(ctx, component.ModuleID)
	if err != nil {
		return nil, err
	}
	if module.State != modbuild.StateBuild {
		hctx.Log.Debugf("ignoring component %s for %s in state %q", state, module, module.State)
		return nil, nil
	}

	return nil, failModuleForComponents(ctx, hctx, sess, module, []*modbuild.ComponentBuild{component})
}
