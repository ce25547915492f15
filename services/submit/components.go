package submit

import (
	"context"
	"sort"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	apperrors "github.com/R3E-Network/build_orchestrator/infrastructure/errors"
	"github.com/R3E-Network/build_orchestrator/pkg/storage"
)

// plannedComponent is one component with its batch assigned, before rows
// are written.
type plannedComponent struct {
	pkg           string
	scmurl        string
	ref           string
	batch         int
	buildOrder    int
	buildTimeOnly bool
	weight        float64
}

// recordComponents flattens the manifest's components (nested modules
// included), assigns batches by build order, plans artifact reuse per the
// rebuild strategy, and writes the component rows. It returns the created
// component ids.
func (s *Submitter) recordComponents(ctx context.Context, sess storage.Session, module *modbuild.ModuleBuild, variant *modbuild.Manifest) ([]int64, error) {
	planned, _, err := s.planComponents(ctx, variant, variant, 1, nil, nil)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(planned))
	for _, p := range planned {
		names = append(names, p.pkg)
	}
	weights, err := s.builders.BuildWeights(ctx, names)
	if err != nil {
		weights = map[string]float64{}
	}

	reused, err := s.planReuse(ctx, sess, module, planned)
	if err != nil {
		return nil, err
	}

	var ids []int64
	for i := range planned {
		p := &planned[i]
		component := &modbuild.ComponentBuild{
			ModuleID:      module.ID,
			Package:       p.pkg,
			SCMURL:        p.scmurl,
			Format:        "rpms",
			Ref:           p.ref,
			Batch:         p.batch,
			BuildTimeOnly: p.buildTimeOnly,
			Weight:        weights[p.pkg],
		}
		if prev, ok := reused[p.pkg]; ok {
			// The artifact already sits in the tag; skip submission
			// entirely.
			component.ReusedComponentID = prev.ID
			component.State = modbuild.BuildStateOf(modbuild.BuildStateComplete)
			component.StateReason = "Reused component from previous module build"
			component.NVR = prev.NVR
			component.TaskID = prev.TaskID
			component.Tagged = true
			component.TaggedInFinal = !p.buildTimeOnly
		}
		if err := sess.CreateComponentBuild(ctx, component); err != nil {
			return nil, err
		}
		ids = append(ids, component.ID)
	}
	return ids, nil
}

// planComponents turns declared components into batch-assigned plans. The
// batch counter increments whenever the declared build order increases; a
// nested module component is fetched and flattened in place, the counter
// continuing through its components so the global order is preserved.
// Batch 1 stays reserved for module-build-macros, so the first group of
// components lands in batch 2.
func (s *Submitter) planComponents(ctx context.Context, m, main *modbuild.Manifest, batch int, previousOrder *int, seen map[string]bool) ([]plannedComponent, int, error) {
	if seen == nil {
		seen = make(map[string]bool)
	}

	type declared struct {
		name   string
		order  int
		rpm    *modbuild.RPMComponent
		module *modbuild.ModuleComponent
	}
	var all []declared
	for name, c := range m.RPMComponents {
		all = append(all, declared{name: name, order: c.BuildOrder, rpm: c})
	}
	for name, c := range m.ModuleComponents {
		all = append(all, declared{name: name, order: c.BuildOrder, module: c})
	}
	if len(all) == 0 {
		return nil, batch, nil
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].order != all[j].order {
			return all[i].order < all[j].order
		}
		return all[i].name < all[j].name
	})

	var planned []plannedComponent
	for _, d := range all {
		if previousOrder == nil || d.order != *previousOrder {
			order := d.order
			previousOrder = &order
			batch++
		}

		if d.module != nil {
			if s.fetcher == nil {
				return nil, batch, apperrors.Unprocessable(
					"manifest includes module component %q but no manifest fetcher is configured", d.name)
			}
			inner, err := s.fetcher(ctx, d.module.Repository, d.module.Ref)
			if err != nil {
				return nil, batch, apperrors.Unprocessable("fetch included module %q: %v", d.name, err)
			}
			for rpm := range inner.RPMComponents {
				if seen[rpm] || main.RPMComponents[rpm] != nil {
					return nil, batch, apperrors.Unprocessable(
						"the included module %q and %q have the conflicting component %q",
						d.name, main.Name, rpm)
				}
			}
			s.applyComponentDefaults(inner)
			// The nested walk continues the counter; an inner component
			// sharing this build order stays in the current batch.
			nested, nestedBatch, err := s.planComponents(ctx, inner, main, batch, previousOrder, seen)
			if err != nil {
				return nil, batch, err
			}
			planned = append(planned, nested...)
			if nestedBatch > batch {
				batch = nestedBatch
			}
			continue
		}

		if seen[d.name] {
			return nil, batch, apperrors.Unprocessable("duplicate component %q across nested modules", d.name)
		}
		seen[d.name] = true
		planned = append(planned, plannedComponent{
			pkg:           d.name,
			scmurl:        d.rpm.Repository + "?#" + d.rpm.Ref,
			ref:           d.rpm.Ref,
			batch:         batch,
			buildOrder:    d.order,
			buildTimeOnly: d.rpm.BuildTimeOnly,
		})
	}
	return planned, batch, nil
}

// planReuse decides which planned components reuse a previous successful
// build's artifacts instead of being rebuilt.
func (s *Submitter) planReuse(ctx context.Context, sess storage.Session, module *modbuild.ModuleBuild, planned []plannedComponent) (map[string]*modbuild.ComponentBuild, error) {
	if module.RebuildStrategy == modbuild.RebuildAll {
		return nil, nil
	}

	// Only a finished, ready build is a reuse donor.
	ready, err := sess.ModuleBuildsByNameStream(ctx, module.Name, module.Stream)
	if err != nil {
		return nil, err
	}
	var previous *modbuild.ModuleBuild
	for _, b := range ready {
		if b.ID != module.ID {
			previous = b
			break
		}
	}
	if previous == nil {
		return nil, nil
	}

	previousComponents, err := sess.ComponentBuilds(ctx, previous.ID)
	if err != nil {
		return nil, err
	}
	byPackage := make(map[string]*modbuild.ComponentBuild, len(previousComponents))
	for _, c := range previousComponents {
		byPackage[c.Package] = c
	}

	// A component changed when its pinned commit differs from the previous
	// build's, or when the previous build has no completed artifact for it.
	changed := make(map[string]bool)
	firstChangedBatch := 0
	for _, p := range planned {
		prev, ok := byPackage[p.pkg]
		if ok && prev.InState(modbuild.BuildStateComplete) && prev.Ref == p.ref && prev.NVR != "" {
			continue
		}
		changed[p.pkg] = true
		if firstChangedBatch == 0 || p.batch < firstChangedBatch {
			firstChangedBatch = p.batch
		}
	}

	reused := make(map[string]*modbuild.ComponentBuild)
	for _, p := range planned {
		if changed[p.pkg] {
			continue
		}
		if module.RebuildStrategy == modbuild.RebuildChangedAndAfter &&
			firstChangedBatch != 0 && p.batch >= firstChangedBatch {
			// Later batches rebuild even when unchanged.
			continue
		}
		reused[p.pkg] = byPackage[p.pkg]
	}
	return reused, nil
}
