// Package modbuild defines the core entities of the build orchestrator:
// module builds, their component builds, and the append-only trace rows
// recorded for every state change.
package modbuild

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a ModuleBuild.
type State int

const (
	// StateInit is the creation state. The manifest has been parsed and the
	// build row exists, but nothing has been scheduled yet.
	StateInit State = iota

	// StateWait means the manifest is accepted and a buildroot is being
	// prepared.
	StateWait

	// StateBuild means components are being submitted and observed.
	StateBuild

	// StateDone means every component succeeded.
	StateDone

	// StateFailed is terminal. Only a resubmission creates further activity
	// on the row.
	StateFailed

	// StateReady means post-processing finished and the module can be
	// consumed by composes.
	StateReady
)

var stateNames = map[State]string{
	StateInit:   "init",
	StateWait:   "wait",
	StateBuild:  "build",
	StateDone:   "done",
	StateFailed: "failed",
	StateReady:  "ready",
}

// States lists every module build state. Used by the dispatch sanity check
// and the poller summary.
var States = []State{StateInit, StateWait, StateBuild, StateDone, StateFailed, StateReady}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Valid reports whether s is a known module build state.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// ParseState maps a state name back to its State value.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown module build state %q", name)
}

// RebuildStrategy controls which components of a resubmitted module are
// actually rebuilt.
type RebuildStrategy string

const (
	// RebuildAll rebuilds every component.
	RebuildAll RebuildStrategy = "all"
	// RebuildChangedAndAfter rebuilds changed components and everything in
	// later batches.
	RebuildChangedAndAfter RebuildStrategy = "changed-and-after"
	// RebuildOnlyChanged rebuilds only the changed components themselves.
	RebuildOnlyChanged RebuildStrategy = "only-changed"
)

// RebuildStrategies describes every known strategy.
var RebuildStrategies = map[RebuildStrategy]string{
	RebuildAll:             "All components will be rebuilt",
	RebuildChangedAndAfter: "All components that have changed and those in subsequent batches will be rebuilt",
	RebuildOnlyChanged:     "All changed components will be rebuilt",
}

// Valid reports whether the strategy is one of the known values.
func (r RebuildStrategy) Valid() bool {
	_, ok := RebuildStrategies[r]
	return ok
}

// ModuleBuild is the top-level unit of work. The natural key
// (name, stream, version, context) is unique.
type ModuleBuild struct {
	ID      int64  `db:"id" json:"id"`
	Name    string `db:"name" json:"name"`
	Stream  string `db:"stream" json:"stream"`
	Version string `db:"version" json:"version"`
	Context string `db:"context" json:"context"`

	State       State  `db:"state" json:"state"`
	StateReason string `db:"state_reason" json:"state_reason"`

	// Manifest is the fully pinned manifest blob the build was expanded to.
	Manifest string `db:"manifest" json:"manifest,omitempty"`

	SCMURL string `db:"scmurl" json:"scmurl"`
	Owner  string `db:"owner" json:"owner"`

	// KojiTag is assigned while the build is in wait.
	KojiTag string `db:"koji_tag" json:"koji_tag"`

	// Batch is the current batch index; 0 before the first batch starts.
	Batch int `db:"batch" json:"batch"`

	RebuildStrategy RebuildStrategy `db:"rebuild_strategy" json:"rebuild_strategy"`

	// NewRepoTaskID tracks an in-flight repo regeneration request; 0 when
	// none is pending.
	NewRepoTaskID int64 `db:"new_repo_task_id" json:"new_repo_task_id,omitempty"`

	Submitted time.Time  `db:"submitted" json:"time_submitted"`
	Modified  time.Time  `db:"modified" json:"time_modified"`
	Completed *time.Time `db:"completed" json:"time_completed,omitempty"`

	// Context hashes derived from the expanded manifest.
	RefBuildContext string `db:"ref_build_context" json:"ref_build_context,omitempty"`
	BuildContext    string `db:"build_context" json:"build_context,omitempty"`
	RuntimeContext  string `db:"runtime_context" json:"runtime_context,omitempty"`
}

// NSVC returns the fully qualified name:stream:version:context identifier.
func (m *ModuleBuild) NSVC() string {
	return fmt.Sprintf("%s:%s:%s:%s", m.Name, m.Stream, m.Version, m.Context)
}

// Transition records a state change on the build. Trace rows are written by
// the store's commit hook, not here.
func (m *ModuleBuild) Transition(now time.Time, state State, reason string) {
	m.State = state
	m.Modified = now
	if reason != "" {
		m.StateReason = reason
	}
	switch state {
	case StateDone, StateFailed, StateReady:
		if m.Completed == nil {
			completed := now
			m.Completed = &completed
		}
	default:
		m.Completed = nil
	}
}

// Terminal reports whether no further scheduling happens for the build.
func (m *ModuleBuild) Terminal() bool {
	return m.State == StateFailed || m.State == StateReady
}

func (m *ModuleBuild) String() string {
	return fmt.Sprintf("<ModuleBuild %s, id=%d, stream=%s, version=%s, state %q, batch %d>",
		m.Name, m.ID, m.Stream, m.Version, m.State, m.Batch)
}
