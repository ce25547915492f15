// Package db implements the resolver against the orchestrator's own store:
// previously built, ready modules form the catalogue.
package db

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	apperrors "github.com/R3E-Network/build_orchestrator/infrastructure/errors"
	"github.com/R3E-Network/build_orchestrator/pkg/resolver"
	"github.com/R3E-Network/build_orchestrator/pkg/storage"
)

// Resolver answers module metadata queries from the store.
type Resolver struct {
	store storage.Store
	log   *logrus.Entry
}

// New creates a store-backed resolver.
func New(store storage.Store, log *logrus.Entry) *Resolver {
	if log == nil {
		log = logrus.WithField("component", "resolver")
	}
	return &Resolver{store: store, log: log}
}

var _ resolver.Resolver = (*Resolver)(nil)

// GetModuleModulemds returns pinned manifests for the coordinates, newest
// first.
func (r *Resolver) GetModuleModulemds(ctx context.Context, name, stream, version, mctx string, strict bool) ([]*modbuild.Manifest, error) {
	var manifests []*modbuild.Manifest
	err := r.store.WithSession(ctx, func(s storage.Session) error {
		builds, err := s.ModuleBuildsByNameStream(ctx, name, stream)
		if err != nil {
			return err
		}
		for _, b := range builds {
			if version != "" && b.Version != version {
				continue
			}
			if mctx != "" && b.Context != mctx {
				continue
			}
			manifest, err := modbuild.ParseManifest([]byte(b.Manifest))
			if err != nil {
				r.log.WithError(err).WithField("module", b.NSVC()).Warn("skipping unparsable manifest")
				continue
			}
			manifests = append(manifests, manifest)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if strict && len(manifests) == 0 {
		return nil, apperrors.NotFound("no module found for %s:%s:%s:%s", name, stream, version, mctx)
	}
	return manifests, nil
}

// GetModuleBuildDependencies maps the queried module's pinned build
// requirements to concrete modules with their tags.
func (r *Resolver) GetModuleBuildDependencies(ctx context.Context, query resolver.ModuleQuery, strict bool) ([]modbuild.ModuleDep, error) {
	var deps []modbuild.ModuleDep
	err := r.store.WithSession(ctx, func(s storage.Session) error {
		build, err := s.ModuleBuildByNSVC(ctx, query.Name, query.Stream, query.Version, query.Context)
		if err != nil {
			if err == storage.ErrNotFound && !strict {
				return nil
			}
			return err
		}
		manifest, err := modbuild.ParseManifest([]byte(build.Manifest))
		if err != nil {
			return fmt.Errorf("parse manifest of %s: %w", build.NSVC(), err)
		}
		if manifest.Pins == nil {
			return nil
		}

		names := make([]string, 0, len(manifest.Pins.BuildRequires))
		for name := range manifest.Pins.BuildRequires {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			pin := manifest.Pins.BuildRequires[name]
			dep := modbuild.ModuleDep{
				Name:    name,
				Stream:  pin.Stream,
				Version: pin.Version,
				Context: pin.Context,
			}
			pinned, err := s.ModuleBuildByNSVC(ctx, name, pin.Stream, pin.Version, pin.Context)
			switch {
			case err == storage.ErrNotFound:
				if strict {
					return apperrors.NotFound("buildrequired module %s not found", dep.NSVC())
				}
			case err != nil:
				return err
			default:
				dep.Tag = pinned.KojiTag
			}
			deps = append(deps, dep)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deps, nil
}

// GetModuleTag returns the tag the queried module builds into. A module
// with no tag assigned yet gets a deterministic one derived from its NSVC.
func (r *Resolver) GetModuleTag(ctx context.Context, query resolver.ModuleQuery, strict bool) (string, error) {
	var tag string
	err := r.store.WithSession(ctx, func(s storage.Session) error {
		build, err := s.ModuleBuildByNSVC(ctx, query.Name, query.Stream, query.Version, query.Context)
		if err != nil {
			if err == storage.ErrNotFound && !strict {
				return nil
			}
			return err
		}
		if build.KojiTag != "" {
			tag = build.KojiTag
			return nil
		}
		tag = GenerateTag(build)
		return nil
	})
	if err != nil {
		return "", err
	}
	if tag == "" && strict {
		return "", apperrors.NotFound("no tag for %s:%s:%s:%s", query.Name, query.Stream, query.Version, query.Context)
	}
	return tag, nil
}

// GenerateTag derives the deterministic build tag for a module variant.
func GenerateTag(m *modbuild.ModuleBuild) string {
	return fmt.Sprintf("module-%s-%s-%s-%s", m.Name, m.Stream, m.Version, m.Context)
}

// GetBuildRequiredModulemds returns candidate manifests of name:stream
// compatible with the given base module variant.
func (r *Resolver) GetBuildRequiredModulemds(ctx context.Context, name, stream string, base modbuild.ModuleDep) ([]*modbuild.Manifest, error) {
	manifests, err := r.GetModuleModulemds(ctx, name, stream, "", "", false)
	if err != nil {
		return nil, err
	}
	if base.Name == "" {
		return manifests, nil
	}

	var compatible []*modbuild.Manifest
	for _, m := range manifests {
		if m.Pins == nil {
			compatible = append(compatible, m)
			continue
		}
		pin, ok := m.Pins.Requires[base.Name]
		if !ok {
			pin, ok = m.Pins.BuildRequires[base.Name]
		}
		if !ok || pin.Stream == base.Stream {
			compatible = append(compatible, m)
		}
	}
	return compatible, nil
}

// GetModuleStreams lists every stream with a non-failed build of name.
func (r *Resolver) GetModuleStreams(ctx context.Context, name string) ([]string, error) {
	var streams []string
	err := r.store.WithSession(ctx, func(s storage.Session) error {
		builds, err := s.LastBuildInAllStreams(ctx, name)
		if err != nil {
			return err
		}
		for _, b := range builds {
			streams = append(streams, b.Stream)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(streams)
	return streams, nil
}
