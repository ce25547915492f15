package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	"github.com/R3E-Network/build_orchestrator/infrastructure/resilience"
	"github.com/R3E-Network/build_orchestrator/pkg/messaging"
	"github.com/R3E-Network/build_orchestrator/pkg/resolver"
	"github.com/R3E-Network/build_orchestrator/pkg/storage"
)

// onModuleWait prepares the buildroot for a build that just entered wait:
// it resolves dependencies and the target tag, seeds the buildroot, submits
// the module-build-macros component as batch 1, and moves the module to
// build. Re-running it against the same state converges, which the poller
// relies on.
func onModuleWait(ctx context.Context, hctx *Context, sess storage.Session, ev messaging.Event) ([]messaging.Event, error) {
	msg := ev.(*messaging.ModuleStateChanged)
	module, err := sess.ModuleBuildByID(ctx, msg.ModuleBuildID)
	if err != nil {
		return nil, err
	}
	hctx.Log.Infof("found %s from message", module)

	if module.State != modbuild.StateWait {
		// A benign race: the poller or a duplicate delivery can replay the
		// wait event after the module moved on.
		hctx.Log.Warnf("retrieved module state %q doesn't match message state %q",
			module.State, msg.NewState)
		return nil, nil
	}

	query := resolver.ModuleQuery{
		Name:    module.Name,
		Stream:  module.Stream,
		Version: module.Version,
		Context: module.Context,
	}

	var deps []modbuild.ModuleDep
	var tag string
	err = resilience.Retry(ctx, hctx.ResolverRetry, func() error {
		var rerr error
		deps, rerr = hctx.Resolver.GetModuleBuildDependencies(ctx, query, true)
		if rerr != nil {
			return rerr
		}
		tag, rerr = hctx.Resolver.GetModuleTag(ctx, query, true)
		return rerr
	})
	if err != nil {
		hctx.Log.WithError(err).Error("failed to resolve module info, max retries reached")
		return nil, transitionModule(ctx, hctx, sess, module, modbuild.StateFailed,
			fmt.Sprintf("Failed to resolve dependencies and tag: %v", err))
	}

	hctx.Log.Debugf("assigning koji tag=%s to module build", tag)
	module.KojiTag = tag
	if err := sess.SaveModuleBuild(ctx, module); err != nil {
		return nil, err
	}

	b, err := hctx.Builders.ForModule(ctx, module)
	if err != nil {
		return nil, transitionModule(ctx, hctx, sess, module, modbuild.StateFailed,
			fmt.Sprintf("Failed to connect to the build system: %v", err))
	}
	if err := b.BuildrootConnect(ctx, deps); err != nil {
		return nil, transitionModule(ctx, hctx, sess, module, modbuild.StateFailed,
			fmt.Sprintf("Failed to connect the buildroot: %v", err))
	}
	if err := b.BuildrootAddRepos(ctx, deps); err != nil {
		return nil, transitionModule(ctx, hctx, sess, module, modbuild.StateFailed,
			fmt.Sprintf("Failed to add dependency repos to the buildroot: %v", err))
	}

	disttag := "." + strings.ReplaceAll(tag, "-", "_")
	srpm, err := b.GetDistTagSRPM(ctx, disttag)
	if err != nil {
		return nil, transitionModule(ctx, hctx, sess, module, modbuild.StateFailed,
			fmt.Sprintf("Failed to create the dist-tag source package: %v", err))
	}

	// Batch 1 holds module-build-macros exclusively.
	macros, err := sess.ComponentBuildByName(ctx, module.ID, modbuild.MacrosComponent)
	if err == storage.ErrNotFound {
		macros = &modbuild.ComponentBuild{
			ModuleID:      module.ID,
			Package:       modbuild.MacrosComponent,
			Format:        "rpms",
			SCMURL:        srpm,
			Batch:         1,
			BuildTimeOnly: true,
			Weight:        1,
		}
		if err := sess.CreateComponentBuild(ctx, macros); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	if macros.State == nil {
		hctx.Log.Debug("starting build batch 1")
		result, err := b.Build(ctx, modbuild.MacrosComponent, srpm)
		if err != nil {
			return nil, transitionModule(ctx, hctx, sess, module, modbuild.StateFailed,
				fmt.Sprintf("Failed to submit %s: %v", modbuild.MacrosComponent, err))
		}
		if result.TaskID == 0 {
			macros.State = modbuild.BuildStateOf(modbuild.BuildStateFailed)
			macros.StateReason = fmt.Sprintf("Failed to submit artifact %s to the build system", modbuild.MacrosComponent)
		} else {
			macros.TaskID = result.TaskID
			macros.State = modbuild.BuildStateOf(modbuild.BuildStateBuilding)
		}
		if err := sess.SaveComponentBuild(ctx, macros); err != nil {
			return nil, err
		}
	}

	module.Batch = 1
	return nil, transitionModule(ctx, hctx, sess, module, modbuild.StateBuild, "")
}

// onModuleDone moves a finished build straight to ready. Keeping done and
// ready distinct lets consumers observe "all components built" separately
// from "ready to compose".
func onModuleDone(ctx context.Context, hctx *Context, sess storage.Session, ev messaging.Event) ([]messaging.Event, error) {
	msg := ev.(*messaging.ModuleStateChanged)
	module, err := sess.ModuleBuildByID(ctx, msg.ModuleBuildID)
	if err != nil {
		return nil, err
	}
	if module.State != modbuild.StateDone {
		hctx.Log.Warnf("retrieved module state %q doesn't match message state %q",
			module.State, msg.NewState)
		return nil, nil
	}
	return nil, transitionModule(ctx, hctx, sess, module, modbuild.StateReady, "")
}

// onModuleFailed requests cancellation of every in-flight component task of
// a build that entered failed, whether through cancellation or an
// unrecoverable error.
func onModuleFailed(ctx context.Context, hctx *Context, sess storage.Session, ev messaging.Event) ([]messaging.Event, error) {
	msg := ev.(*messaging.ModuleStateChanged)
	module, err := sess.ModuleBuildByID(ctx, msg.ModuleBuildID)
	if err != nil {
		return nil, err
	}
	if module.State != modbuild.StateFailed {
		hctx.Log.Warnf("retrieved module state %q doesn't match message state %q",
			module.State, msg.NewState)
		return nil, nil
	}
	return nil, cancelBuildingComponents(ctx, hctx, sess, module)
}

// cancelBuildingComponents best-effort cancels every BUILDING component of
// the module.
func cancelBuildingComponents(ctx context.Context, hctx *Context, sess storage.Session, module *modbuild.ModuleBuild) error {
	if module.KojiTag == "" {
		return nil
	}
	b, err := hctx.Builders.ForModule(ctx, module)
	if err != nil {
		hctx.Log.WithError(err).Warn("cannot reach the build system to cancel tasks")
		return nil
	}
	components, err := sess.ComponentBuilds(ctx, module.ID)
	if err != nil {
		return err
	}
	for _, c := range components {
		if !c.InState(modbuild.BuildStateBuilding) || c.TaskID == 0 {
			continue
		}
		if err := b.CancelBuild(ctx, c.TaskID); err != nil {
			hctx.Log.WithError(err).Warnf("failed to cancel task %d for %s", c.TaskID, c.Package)
		}
	}
	return nil
}
