package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	"github.com/R3E-Network/build_orchestrator/pkg/builder"
	"github.com/R3E-Network/build_orchestrator/pkg/messaging"
	"github.com/R3E-Network/build_orchestrator/pkg/storage"
)

// buildingCount returns the number of components currently BUILDING across
// every module; the submission ceiling is global.
func buildingCount(ctx context.Context, sess storage.Session) (int, error) {
	building, err := sess.ComponentBuildsInState(ctx, modbuild.BuildStateBuilding)
	if err != nil {
		return 0, err
	}
	return len(building), nil
}

// submitComponents submits unbuilt components in deterministic order,
// stopping at the concurrency ceiling. Submission failures are recorded on
// the component row; the module fails later during batch evaluation.
func submitComponents(ctx context.Context, hctx *Context, sess storage.Session, b builder.Builder, unbuilt []*modbuild.ComponentBuild) error {
	building, err := buildingCount(ctx, sess)
	if err != nil {
		return err
	}
	ceiling := hctx.Cfg.Scheduler.MaxConcurrentComponentBuilds

	sort.Slice(unbuilt, func(i, j int) bool {
		if unbuilt[i].Batch != unbuilt[j].Batch {
			return unbuilt[i].Batch < unbuilt[j].Batch
		}
		return unbuilt[i].Package < unbuilt[j].Package
	})

	for _, c := range unbuilt {
		if building >= ceiling {
			hctx.Log.Debugf("concurrency ceiling %d reached, %s stays queued", ceiling, c.Package)
			break
		}
		result, err := b.Build(ctx, c.Package, c.SCMURL)
		if err != nil {
			c.State = modbuild.BuildStateOf(modbuild.BuildStateFailed)
			c.StateReason = fmt.Sprintf("Failed to submit artifact %s: %v", c.Package, err)
		} else if result.TaskID == 0 {
			c.State = modbuild.BuildStateOf(modbuild.BuildStateFailed)
			c.StateReason = fmt.Sprintf("Failed to submit artifact %s to the build system", c.Package)
		} else {
			c.TaskID = result.TaskID
			c.State = modbuild.BuildStateOf(modbuild.BuildStateBuilding)
			c.StateReason = ""
			building++
		}
		if err := sess.SaveComponentBuild(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// failModuleForComponents fails the module naming the broken components and
// cancels whatever is still in flight.
func failModuleForComponents(ctx context.Context, hctx *Context, sess storage.Session, module *modbuild.ModuleBuild, broken []*modbuild.ComponentBuild) error {
	names := make([]string, 0, len(broken))
	for _, c := range broken {
		names = append(names, c.Package)
	}
	sort.Strings(names)
	reason := fmt.Sprintf("Component(s) %s failed to build.", strings.Join(names, ", "))
	if err := transitionModule(ctx, hctx, sess, module, modbuild.StateFailed, reason); err != nil {
		return err
	}
	return cancelBuildingComponents(ctx, hctx, sess, module)
}

// finalizeBatch runs once no component of the current batch needs builder
// attention: it fails the module on broken components, tags whatever built
// artifacts still need tagging, and otherwise moves to the repo
// regeneration step. It may return a synthesized repo event when the last
// batch finished and the final regeneration can be skipped.
func finalizeBatch(ctx context.Context, hctx *Context, sess storage.Session, module *modbuild.ModuleBuild) ([]messaging.Event, error) {
	batch, err := sess.CurrentBatch(ctx, module)
	if err != nil {
		return nil, err
	}

	var broken []*modbuild.ComponentBuild
	for _, c := range batch {
		if c.InState(modbuild.BuildStateFailed) || c.InState(modbuild.BuildStateCanceled) {
			broken = append(broken, c)
		}
	}
	if len(broken) > 0 {
		return nil, failModuleForComponents(ctx, hctx, sess, module, broken)
	}

	b, err := hctx.Builders.ForModule(ctx, module)
	if err != nil {
		return nil, transitionModule(ctx, hctx, sess, module, modbuild.StateFailed,
			fmt.Sprintf("Failed to connect to the build system: %v", err))
	}

	// Tag what finished but is not in the tags yet.
	upTo, err := sess.UpToCurrentBatch(ctx, module, modbuild.BuildStateComplete)
	if err != nil {
		return nil, err
	}
	var needBuildTag, needFinalTag []string
	for _, c := range upTo {
		if c.NVR == "" {
			continue
		}
		if !c.Tagged {
			needBuildTag = append(needBuildTag, c.NVR)
		}
		if !c.TaggedInFinal && !c.BuildTimeOnly {
			needFinalTag = append(needFinalTag, c.NVR)
		}
	}
	if len(needBuildTag) > 0 || len(needFinalTag) > 0 {
		if len(needBuildTag) > 0 {
			if err := b.TagArtifacts(ctx, needBuildTag, false); err != nil {
				return nil, transitionModule(ctx, hctx, sess, module, modbuild.StateFailed,
					fmt.Sprintf("Failed to tag artifacts: %v", err))
			}
		}
		if len(needFinalTag) > 0 {
			if err := b.TagArtifacts(ctx, needFinalTag, true); err != nil {
				return nil, transitionModule(ctx, hctx, sess, module, modbuild.StateFailed,
					fmt.Sprintf("Failed to tag artifacts: %v", err))
			}
		}
		// Tag change events continue the flow.
		return nil, nil
	}

	return repoRegenOrAdvance(ctx, hctx, sess, module, b)
}

// repoRegenOrAdvance requests a buildroot regeneration at a batch boundary,
// or synthesizes the repo event when nothing is left to build and waiting
// for a repository nobody will use would be pointless.
func repoRegenOrAdvance(ctx context.Context, hctx *Context, sess storage.Session, module *modbuild.ModuleBuild, b builder.Builder) ([]messaging.Event, error) {
	components, err := sess.ComponentBuilds(ctx, module.ID)
	if err != nil {
		return nil, err
	}
	unbuilt := false
	for _, c := range components {
		if c.Unbuilt() {
			unbuilt = true
			break
		}
	}

	buildTag := module.KojiTag + "-build"
	if !unbuilt {
		hctx.Log.Info("all components in module tagged and built, skipping the last repo regeneration")
		return []messaging.Event{messaging.NewRepoRegenerated(msgOrigin, buildTag)}, nil
	}

	if regenerating, err := repoRegenInFlight(ctx, b, module); err != nil {
		return nil, err
	} else if regenerating {
		hctx.Log.Infof("repo regeneration task %d for %s already in progress, not starting another one",
			module.NewRepoTaskID, module)
		return nil, nil
	}

	hctx.Log.Infof("all components in batch tagged, regenerating repo for tag %s", buildTag)
	taskID, err := b.NewRepo(ctx, buildTag)
	if err != nil {
		return nil, transitionModule(ctx, hctx, sess, module, modbuild.StateFailed,
			fmt.Sprintf("Failed to start repo regeneration: %v", err))
	}
	module.NewRepoTaskID = taskID
	return nil, sess.SaveModuleBuild(ctx, module)
}

// repoRegenInFlight reports whether the module's recorded regeneration task
// is still active.
func repoRegenInFlight(ctx context.Context, b builder.Builder, module *modbuild.ModuleBuild) (bool, error) {
	if module.NewRepoTaskID == 0 {
		return false, nil
	}
	info, err := b.GetTaskInfo(ctx, module.NewRepoTaskID)
	if err != nil {
		// An unknown task is treated as finished; a fresh request follows.
		return false, nil
	}
	return info.State.Active(), nil
}

// startNextBatch advances the module past a regenerated buildroot: it picks
// the next batch, submits its unbuilt components, and transitions to done
// when nothing remains. Batches whose components were all reused are
// skipped without another regeneration, their artifacts being tagged
// already.
func startNextBatch(ctx context.Context, hctx *Context, sess storage.Session, module *modbuild.ModuleBuild) ([]messaging.Event, error) {
	components, err := sess.ComponentBuilds(ctx, module.ID)
	if err != nil {
		return nil, err
	}
	lastBatch := 0
	for _, c := range components {
		if c.Batch > lastBatch {
			lastBatch = c.Batch
		}
	}

	b, err := hctx.Builders.ForModule(ctx, module)
	if err != nil {
		return nil, transitionModule(ctx, hctx, sess, module, modbuild.StateFailed,
			fmt.Sprintf("Failed to connect to the build system: %v", err))
	}

	for module.Batch < lastBatch {
		module.Batch++
		hctx.Log.Infof("starting build batch %d for %s", module.Batch, module)

		batch, err := sess.CurrentBatch(ctx, module)
		if err != nil {
			return nil, err
		}
		var unbuilt []*modbuild.ComponentBuild
		for _, c := range batch {
			if c.State == nil {
				unbuilt = append(unbuilt, c)
			}
		}
		if len(unbuilt) == 0 {
			// Everything in this batch was reused; its artifacts are in
			// the tag already, no regeneration is needed in between.
			continue
		}
		if err := submitComponents(ctx, hctx, sess, b, unbuilt); err != nil {
			return nil, err
		}
		return nil, sess.SaveModuleBuild(ctx, module)
	}

	// No further components: every batch ran dry.
	if err := sess.SaveModuleBuild(ctx, module); err != nil {
		return nil, err
	}
	return nil, transitionModule(ctx, hctx, sess, module, modbuild.StateDone, "")
}
