// Package resolvertest provides a catalogue-backed fake resolver for test
// suites.
package resolvertest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	apperrors "github.com/R3E-Network/build_orchestrator/infrastructure/errors"
	"github.com/R3E-Network/build_orchestrator/pkg/resolver"
)

// Fake resolves against an in-memory catalogue of manifests.
type Fake struct {
	Manifests []*modbuild.Manifest

	// Tags overrides the generated tag per NSVC.
	Tags map[string]string

	// Deps overrides GetModuleBuildDependencies per NSVC of the queried
	// module.
	Deps map[string][]modbuild.ModuleDep
}

// New creates an empty fake catalogue.
func New() *Fake {
	return &Fake{Tags: map[string]string{}, Deps: map[string][]modbuild.ModuleDep{}}
}

var _ resolver.Resolver = (*Fake)(nil)

// MakeModule builds a catalogue manifest from an NSVC string plus runtime
// and build-time requirements, the way the orchestrator's own fixtures
// describe modules.
func MakeModule(nsvc string, requires, buildRequires map[string][]string) *modbuild.Manifest {
	name, stream, versionStr, mctx, err := modbuild.ParseNSVC(nsvc)
	if err != nil {
		panic(err)
	}
	version, err := strconv.ParseInt(versionStr, 10, 64)
	if err != nil {
		panic(err)
	}

	m := &modbuild.Manifest{
		Name:    name,
		Stream:  stream,
		Version: version,
		Context: mctx,
		Pins:    &modbuild.Pins{},
	}
	if len(requires) > 0 {
		m.Requires = map[string][]string{}
		m.Pins.Requires = map[string]modbuild.PinnedModule{}
		for dep, streams := range requires {
			m.Requires[dep] = append([]string(nil), streams...)
			if len(streams) == 1 && !strings.HasPrefix(streams[0], "-") {
				m.Pins.Requires[dep] = modbuild.PinnedModule{Stream: streams[0]}
			}
		}
	}
	if len(buildRequires) > 0 {
		m.BuildRequires = map[string][]string{}
		m.Pins.BuildRequires = map[string]modbuild.PinnedModule{}
		for dep, streams := range buildRequires {
			m.BuildRequires[dep] = append([]string(nil), streams...)
			if len(streams) == 1 && !strings.HasPrefix(streams[0], "-") {
				m.Pins.BuildRequires[dep] = modbuild.PinnedModule{Stream: streams[0]}
			}
		}
	}
	return m
}

// Add registers manifests in the catalogue.
func (f *Fake) Add(manifests ...*modbuild.Manifest) {
	f.Manifests = append(f.Manifests, manifests...)
}

func (f *Fake) matching(name, stream, version, mctx string) []*modbuild.Manifest {
	var out []*modbuild.Manifest
	for _, m := range f.Manifests {
		if m.Name != name {
			continue
		}
		if stream != "" && m.Stream != stream {
			continue
		}
		if version != "" && strconv.FormatInt(m.Version, 10) != version {
			continue
		}
		if mctx != "" && m.Context != mctx {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Version != out[j].Version {
			return out[i].Version > out[j].Version
		}
		return out[i].Context < out[j].Context
	})
	return out
}

// GetModuleModulemds returns matching catalogue manifests.
func (f *Fake) GetModuleModulemds(_ context.Context, name, stream, version, mctx string, strict bool) ([]*modbuild.Manifest, error) {
	found := f.matching(name, stream, version, mctx)
	if strict && len(found) == 0 {
		return nil, apperrors.NotFound("no module found for %s:%s:%s:%s", name, stream, version, mctx)
	}
	return found, nil
}

// GetModuleBuildDependencies answers from the Deps override, falling back
// to the queried module's pinned build requirements.
func (f *Fake) GetModuleBuildDependencies(_ context.Context, query resolver.ModuleQuery, strict bool) ([]modbuild.ModuleDep, error) {
	nsvc := fmt.Sprintf("%s:%s:%s:%s", query.Name, query.Stream, query.Version, query.Context)
	if deps, ok := f.Deps[nsvc]; ok {
		return deps, nil
	}

	found := f.matching(query.Name, query.Stream, query.Version, query.Context)
	if len(found) == 0 {
		if strict {
			return nil, apperrors.NotFound("no module found for %s", nsvc)
		}
		return nil, nil
	}
	var deps []modbuild.ModuleDep
	if found[0].Pins != nil {
		names := make([]string, 0, len(found[0].Pins.BuildRequires))
		for name := range found[0].Pins.BuildRequires {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			pin := found[0].Pins.BuildRequires[name]
			dep := modbuild.ModuleDep{Name: name, Stream: pin.Stream, Version: pin.Version, Context: pin.Context}
			dep.Tag = f.Tags[dep.NSVC()]
			deps = append(deps, dep)
		}
	}
	return deps, nil
}

// GetModuleTag returns the override or a generated deterministic tag.
func (f *Fake) GetModuleTag(_ context.Context, query resolver.ModuleQuery, strict bool) (string, error) {
	nsvc := fmt.Sprintf("%s:%s:%s:%s", query.Name, query.Stream, query.Version, query.Context)
	if tag, ok := f.Tags[nsvc]; ok {
		return tag, nil
	}
	return fmt.Sprintf("module-%s-%s-%s-%s", query.Name, query.Stream, query.Version, query.Context), nil
}

// GetBuildRequiredModulemds filters the catalogue by base compatibility.
func (f *Fake) GetBuildRequiredModulemds(_ context.Context, name, stream string, base modbuild.ModuleDep) ([]*modbuild.Manifest, error) {
	candidates := f.matching(name, stream, "", "")
	if base.Name == "" {
		return candidates, nil
	}
	var compatible []*modbuild.Manifest
	for _, m := range candidates {
		if m.Pins == nil || len(m.Pins.Requires) == 0 {
			compatible = append(compatible, m)
			continue
		}
		pin, ok := m.Pins.Requires[base.Name]
		if !ok || pin.Stream == base.Stream {
			compatible = append(compatible, m)
		}
	}
	return compatible, nil
}

// GetModuleStreams lists the catalogue's streams for a name.
func (f *Fake) GetModuleStreams(_ context.Context, name string) ([]string, error) {
	seen := map[string]bool{}
	for _, m := range f.Manifests {
		if m.Name == name {
			seen[m.Stream] = true
		}
	}
	streams := make([]string, 0, len(seen))
	for stream := range seen {
		streams = append(streams, stream)
	}
	sort.Strings(streams)
	return streams, nil
}
