// Package builder defines the capability the orchestrator consumes from the
// external build system. Implementations wrap a concrete back-end; the core
// never executes build work itself.
package builder

import (
	"context"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
)

// TaskState is the build system's task lifecycle, distinct from the build
// state reported for artifacts.
type TaskState int

const (
	TaskFree TaskState = iota
	TaskOpen
	TaskClosed
	TaskCanceled
	TaskAssigned
	TaskFailed
)

// Active reports whether the task is still progressing.
func (s TaskState) Active() bool {
	return s == TaskFree || s == TaskOpen || s == TaskAssigned
}

// Dead reports whether the task terminated without producing a result.
func (s TaskState) Dead() bool {
	return s == TaskCanceled || s == TaskFailed
}

// TaskInfo describes one build system task.
type TaskInfo struct {
	ID    int64
	State TaskState
}

// BuildResult is the outcome of a component submission. A zero TaskID means
// the submission itself failed; State and Reason describe what the builder
// recorded.
type BuildResult struct {
	TaskID int64
	State  modbuild.BuildState
	Reason string
	Extra  map[string]any
}

// Builder is the per-module handle on the external build system. A Factory
// binds it to a module's tag before handlers use it.
type Builder interface {
	// BuildrootConnect seeds the module's buildroot with the resolved
	// pinned dependencies.
	BuildrootConnect(ctx context.Context, deps []modbuild.ModuleDep) error

	// BuildrootAddRepos adds the dependencies' repositories to the
	// buildroot.
	BuildrootAddRepos(ctx context.Context, deps []modbuild.ModuleDep) error

	// GetDistTagSRPM returns the path of a synthetic source package that
	// injects the dist tag into the buildroot.
	GetDistTagSRPM(ctx context.Context, disttag string) (string, error)

	// Build submits one component build. Submission failures return a zero
	// task id inside the result, not an error.
	Build(ctx context.Context, artifactName, source string) (BuildResult, error)

	// CancelBuild requests cancellation of an in-flight task. Best effort;
	// failures are non-fatal.
	CancelBuild(ctx context.Context, taskID int64) error

	// TagArtifacts tags built artifacts into the module's buildroot tag,
	// or into the final tag when final is true.
	TagArtifacts(ctx context.Context, nvrs []string, final bool) error

	// NewRepo requests a repository regeneration for a tag and returns the
	// task tracking it.
	NewRepo(ctx context.Context, tag string) (int64, error)

	// GetTaskInfo fetches the current state of a task.
	GetTaskInfo(ctx context.Context, taskID int64) (TaskInfo, error)

	// GetBuildWeights estimates the build cost per package name. An empty
	// map is returned on failure.
	GetBuildWeights(ctx context.Context, names []string) (map[string]float64, error)
}

// Factory binds builders to module builds.
type Factory interface {
	// ForModule returns the builder handle scoped to the module's tag.
	ForModule(ctx context.Context, m *modbuild.ModuleBuild) (Builder, error)

	// BuildWeights estimates build cost per package before any module is
	// bound; submission records the hints on component rows. An empty map
	// is returned on failure.
	BuildWeights(ctx context.Context, names []string) (map[string]float64, error)
}
