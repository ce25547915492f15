package modbuild

import "fmt"

// BuildState is the external build system's state for a single component
// build task. The numbering matches the build system's wire values.
type BuildState int

const (
	BuildStateBuilding BuildState = iota
	BuildStateComplete
	BuildStateDeleted
	BuildStateFailed
	BuildStateCanceled
)

var buildStateNames = map[BuildState]string{
	BuildStateBuilding: "BUILDING",
	BuildStateComplete: "COMPLETE",
	BuildStateDeleted:  "DELETED",
	BuildStateFailed:   "FAILED",
	BuildStateCanceled: "CANCELED",
}

// BuildStates lists every external builder state. The dispatch sanity check
// iterates over it.
var BuildStates = []BuildState{
	BuildStateBuilding, BuildStateComplete, BuildStateDeleted,
	BuildStateFailed, BuildStateCanceled,
}

func (s BuildState) String() string {
	if name, ok := buildStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("buildstate(%d)", int(s))
}

// Valid reports whether s is a known builder state.
func (s BuildState) Valid() bool {
	_, ok := buildStateNames[s]
	return ok
}

// BuildStateOf is a convenience for taking the address of a constant.
func BuildStateOf(s BuildState) *BuildState { return &s }

// MacrosComponent is the distinguished component synthesized into batch 1
// to seed the buildroot with module-scoped rpm macros.
const MacrosComponent = "module-build-macros"

// ComponentBuild is one package build within a module. (module_id, package)
// is unique.
type ComponentBuild struct {
	ID       int64  `db:"id" json:"id"`
	ModuleID int64  `db:"module_id" json:"module_build"`
	Package  string `db:"package" json:"package"`
	SCMURL   string `db:"scmurl" json:"scmurl"`
	Format   string `db:"format" json:"format"`

	// Ref is the pinned commit the component is built from.
	Ref string `db:"ref" json:"ref,omitempty"`

	// TaskID is the opaque identifier handed out by the external builder
	// when submission succeeds; 0 until then.
	TaskID int64 `db:"task_id" json:"task_id"`

	// State is nil until the component has been submitted.
	State       *BuildState `db:"state" json:"state,omitempty"`
	StateReason string      `db:"state_reason" json:"state_reason"`

	// NVR is the concrete artifact identifier; set once the build completes.
	NVR string `db:"nvr" json:"nvr,omitempty"`

	Batch int `db:"batch" json:"batch"`

	// Tagged is set when the artifact lands in the buildroot tag,
	// TaggedInFinal when it lands in the final tag.
	Tagged        bool `db:"tagged" json:"tagged"`
	TaggedInFinal bool `db:"tagged_in_final" json:"tagged_in_final"`

	// BuildTimeOnly components are only ever tagged into the buildroot tag.
	BuildTimeOnly bool `db:"build_time_only" json:"build_time_only"`

	// ReusedComponentID points at a COMPLETE component of a previous module
	// build whose artifact this row reuses; 0 when the component is built.
	ReusedComponentID int64 `db:"reused_component_id" json:"reused_component_id,omitempty"`

	// Weight is the build system's cost hint for the package.
	Weight float64 `db:"weight" json:"weight,omitempty"`
}

// InState reports whether the component's state is set and equals s.
func (c *ComponentBuild) InState(s BuildState) bool {
	return c.State != nil && *c.State == s
}

// Unbuilt reports whether the component still needs builder attention:
// either never submitted or currently building.
func (c *ComponentBuild) Unbuilt() bool {
	return c.State == nil || *c.State == BuildStateBuilding
}

// Reused reports whether the component reuses a previous build's artifact.
func (c *ComponentBuild) Reused() bool { return c.ReusedComponentID != 0 }

func (c *ComponentBuild) String() string {
	state := "unset"
	if c.State != nil {
		state = c.State.String()
	}
	return fmt.Sprintf("<ComponentBuild %s, module=%d, state %s, task_id %d, batch %d>",
		c.Package, c.ModuleID, state, c.TaskID, c.Batch)
}
