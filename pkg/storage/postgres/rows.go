package postgres

import (
	"database/sql"
	"time"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
)

// moduleRow mirrors the module_builds table.
type moduleRow struct {
	ID              int64          `db:"id"`
	Name            string         `db:"name"`
	Stream          string         `db:"stream"`
	Version         string         `db:"version"`
	Context         string         `db:"context"`
	State           int            `db:"state"`
	StateReason     string         `db:"state_reason"`
	Manifest        string         `db:"manifest"`
	SCMURL          string         `db:"scmurl"`
	Owner           string         `db:"owner"`
	KojiTag         string         `db:"koji_tag"`
	Batch           int            `db:"batch"`
	RebuildStrategy string         `db:"rebuild_strategy"`
	NewRepoTaskID   int64          `db:"new_repo_task_id"`
	Submitted       time.Time      `db:"submitted"`
	Modified        time.Time      `db:"modified"`
	Completed       sql.NullTime   `db:"completed"`
	RefBuildContext string         `db:"ref_build_context"`
	BuildContext    string         `db:"build_context"`
	RuntimeContext  string         `db:"runtime_context"`
}

func (r *moduleRow) toDomain() *modbuild.ModuleBuild {
	m := &modbuild.ModuleBuild{
		ID:              r.ID,
		Name:            r.Name,
		Stream:          r.Stream,
		Version:         r.Version,
		Context:         r.Context,
		State:           modbuild.State(r.State),
		StateReason:     r.StateReason,
		Manifest:        r.Manifest,
		SCMURL:          r.SCMURL,
		Owner:           r.Owner,
		KojiTag:         r.KojiTag,
		Batch:           r.Batch,
		RebuildStrategy: modbuild.RebuildStrategy(r.RebuildStrategy),
		NewRepoTaskID:   r.NewRepoTaskID,
		Submitted:       r.Submitted,
		Modified:        r.Modified,
		RefBuildContext: r.RefBuildContext,
		BuildContext:    r.BuildContext,
		RuntimeContext:  r.RuntimeContext,
	}
	if r.Completed.Valid {
		completed := r.Completed.Time
		m.Completed = &completed
	}
	return m
}

func completedToNull(m *modbuild.ModuleBuild) sql.NullTime {
	if m.Completed == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *m.Completed, Valid: true}
}

// componentRow mirrors the component_builds table.
type componentRow struct {
	ID                int64         `db:"id"`
	ModuleID          int64         `db:"module_id"`
	Package           string        `db:"package"`
	SCMURL            string        `db:"scmurl"`
	Format            string        `db:"format"`
	Ref               string        `db:"ref"`
	TaskID            int64         `db:"task_id"`
	State             sql.NullInt64 `db:"state"`
	StateReason       string        `db:"state_reason"`
	NVR               string        `db:"nvr"`
	Batch             int           `db:"batch"`
	Tagged            bool          `db:"tagged"`
	TaggedInFinal     bool          `db:"tagged_in_final"`
	BuildTimeOnly     bool          `db:"build_time_only"`
	ReusedComponentID int64         `db:"reused_component_id"`
	Weight            float64       `db:"weight"`
}

func (r *componentRow) toDomain() *modbuild.ComponentBuild {
	c := &modbuild.ComponentBuild{
		ID:                r.ID,
		ModuleID:          r.ModuleID,
		Package:           r.Package,
		SCMURL:            r.SCMURL,
		Format:            r.Format,
		Ref:               r.Ref,
		TaskID:            r.TaskID,
		StateReason:       r.StateReason,
		NVR:               r.NVR,
		Batch:             r.Batch,
		Tagged:            r.Tagged,
		TaggedInFinal:     r.TaggedInFinal,
		BuildTimeOnly:     r.BuildTimeOnly,
		ReusedComponentID: r.ReusedComponentID,
		Weight:            r.Weight,
	}
	if r.State.Valid {
		state := modbuild.BuildState(r.State.Int64)
		c.State = &state
	}
	return c
}

// traceModuleRow mirrors module_builds_trace.
type traceModuleRow struct {
	ID          int64     `db:"id"`
	ModuleID    int64     `db:"module_id"`
	StateTime   time.Time `db:"state_time"`
	State       int       `db:"state"`
	StateReason string    `db:"state_reason"`
}

// traceComponentRow mirrors component_builds_trace.
type traceComponentRow struct {
	ID          int64         `db:"id"`
	ComponentID int64         `db:"component_id"`
	StateTime   time.Time     `db:"state_time"`
	State       sql.NullInt64 `db:"state"`
	StateReason string        `db:"state_reason"`
	TaskID      int64         `db:"task_id"`
}
