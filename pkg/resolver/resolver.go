// Package resolver defines the module metadata resolver the orchestrator
// consults for pinned manifests, dependency tags, and stream catalogues.
package resolver

import (
	"context"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
)

// ModuleQuery identifies the module variant a query concerns. Empty fields
// widen the match.
type ModuleQuery struct {
	Name    string
	Stream  string
	Version string
	Context string
}

// Resolver answers "for module X stream Y, give me its pinned manifest" and
// the related catalogue questions stream expansion needs.
type Resolver interface {
	// GetModuleModulemds returns the pinned manifests matching the
	// coordinates, newest version first. With strict set, no match is an
	// error instead of an empty slice.
	GetModuleModulemds(ctx context.Context, name, stream, version, mctx string, strict bool) ([]*modbuild.Manifest, error)

	// GetModuleBuildDependencies resolves the flat list of pinned modules
	// the queried module needs at build time, tags included.
	GetModuleBuildDependencies(ctx context.Context, query ModuleQuery, strict bool) ([]modbuild.ModuleDep, error)

	// GetModuleTag returns the build system tag the queried module builds
	// into.
	GetModuleTag(ctx context.Context, query ModuleQuery, strict bool) (string, error)

	// GetBuildRequiredModulemds returns candidate manifests of
	// name:stream that are compatible with the given base module variant.
	// Stream expansion picks among these.
	GetBuildRequiredModulemds(ctx context.Context, name, stream string, base modbuild.ModuleDep) ([]*modbuild.Manifest, error)

	// GetModuleStreams lists every stream the catalogue knows for a module
	// name. Negated and empty stream sets expand against this list.
	GetModuleStreams(ctx context.Context, name string) ([]string, error)
}
