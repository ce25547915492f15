// Package storage defines the transactional store contract the scheduler
// runs against. The store owns module builds, component builds, and their
// append-only trace rows; trace rows are materialized by a commit hook, not
// by callers.
package storage

import (
	"context"
	"errors"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("storage: not found")

// Store hands out transactional sessions.
type Store interface {
	// WithSession runs fn inside a transaction. If fn returns nil the
	// session commits: immediately before the commit, a trace row is
	// appended for every dirty module/component whose state or state
	// reason differs from its last trace row. If fn errors, everything
	// rolls back, trace rows included.
	WithSession(ctx context.Context, fn func(s Session) error) error

	Close() error
}

// Session is one transaction's view of the store. Mutations become visible
// to other sessions only on commit.
type Session interface {
	// --- module builds ---

	CreateModuleBuild(ctx context.Context, m *modbuild.ModuleBuild) error

	// SaveModuleBuild persists the row and marks it dirty for the
	// commit-time trace pass.
	SaveModuleBuild(ctx context.Context, m *modbuild.ModuleBuild) error

	ModuleBuildByID(ctx context.Context, id int64) (*modbuild.ModuleBuild, error)

	// ModuleBuildByNSVC looks a build up by its natural key.
	ModuleBuildByNSVC(ctx context.Context, name, stream, version, mctx string) (*modbuild.ModuleBuild, error)

	ModuleBuildsByState(ctx context.Context, state modbuild.State) ([]*modbuild.ModuleBuild, error)

	// ModuleBuildFromTag finds the single in-flight build whose koji tag
	// matches (a "-build" suffix on the tag is ignored). At most one build
	// may be in flight per tag.
	ModuleBuildFromTag(ctx context.Context, tag string) (*modbuild.ModuleBuild, error)

	// Siblings returns ids of builds sharing (name, stream, version) but a
	// different context.
	Siblings(ctx context.Context, m *modbuild.ModuleBuild) ([]int64, error)

	// LastBuildInStream returns the highest-version non-failed build of
	// name:stream, or ErrNotFound.
	LastBuildInStream(ctx context.Context, name, stream string) (*modbuild.ModuleBuild, error)

	// LastBuildInAllStreams returns the highest-version non-failed build
	// per stream for a name.
	LastBuildInAllStreams(ctx context.Context, name string) ([]*modbuild.ModuleBuild, error)

	// ModuleBuildsByNameStream returns ready builds of name:stream, newest
	// version first. The resolver pins against these.
	ModuleBuildsByNameStream(ctx context.Context, name, stream string) ([]*modbuild.ModuleBuild, error)

	// CountByState returns the number of builds per state for the poller
	// summary and the state gauges.
	CountByState(ctx context.Context) (map[modbuild.State]int, error)

	// --- component builds ---

	CreateComponentBuild(ctx context.Context, c *modbuild.ComponentBuild) error

	SaveComponentBuild(ctx context.Context, c *modbuild.ComponentBuild) error

	ComponentBuildByID(ctx context.Context, id int64) (*modbuild.ComponentBuild, error)

	// ComponentBuildByTask locates a component by builder task id. A
	// non-zero moduleID narrows the match to one module build.
	ComponentBuildByTask(ctx context.Context, taskID, moduleID int64) (*modbuild.ComponentBuild, error)

	ComponentBuildByName(ctx context.Context, moduleID int64, pkg string) (*modbuild.ComponentBuild, error)

	ComponentBuildByNVR(ctx context.Context, moduleID int64, nvr string) (*modbuild.ComponentBuild, error)

	ComponentBuilds(ctx context.Context, moduleID int64) ([]*modbuild.ComponentBuild, error)

	// CurrentBatch returns the components in the module's current batch,
	// optionally filtered to the given states.
	CurrentBatch(ctx context.Context, m *modbuild.ModuleBuild, states ...modbuild.BuildState) ([]*modbuild.ComponentBuild, error)

	// UpToCurrentBatch returns the components in the current and all
	// previous batches, optionally filtered to the given states.
	UpToCurrentBatch(ctx context.Context, m *modbuild.ModuleBuild, states ...modbuild.BuildState) ([]*modbuild.ComponentBuild, error)

	// ComponentBuildsInState returns every component in the given builder
	// state across all modules; the poller reconciles these.
	ComponentBuildsInState(ctx context.Context, state modbuild.BuildState) ([]*modbuild.ComponentBuild, error)

	// --- traces ---

	ModuleBuildTraces(ctx context.Context, moduleID int64) ([]modbuild.ModuleBuildTrace, error)

	ComponentBuildTraces(ctx context.Context, componentID int64) ([]modbuild.ComponentBuildTrace, error)
}

// FilterState applies an optional builder-state filter the way the batch
// queries do: no states means no filter; a nil component state only matches
// when no filter is given.
func FilterState(c *modbuild.ComponentBuild, states []modbuild.BuildState) bool {
	if len(states) == 0 {
		return true
	}
	if c.State == nil {
		return false
	}
	for _, s := range states {
		if *c.State == s {
			return true
		}
	}
	return false
}
