package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	"github.com/R3E-Network/build_orchestrator/pkg/storage"
)

const componentColumns = `id, module_id, package, scmurl, format, ref, task_id,
	state, state_reason, nvr, batch, tagged, tagged_in_final, build_time_only,
	reused_component_id, weight`

func (s *session) CreateComponentBuild(ctx context.Context, c *modbuild.ComponentBuild) error {
	err := s.tx.QueryRowxContext(ctx, `
		INSERT INTO component_builds (module_id, package, scmurl, format, ref, task_id,
			state, state_reason, nvr, batch, tagged, tagged_in_final, build_time_only,
			reused_component_id, weight)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`,
		c.ModuleID, c.Package, c.SCMURL, c.Format, c.Ref, c.TaskID,
		stateToNull(c.State), c.StateReason, c.NVR, c.Batch, c.Tagged,
		c.TaggedInFinal, c.BuildTimeOnly, c.ReusedComponentID, c.Weight,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert component build: %w", err)
	}
	s.markComponent(c)
	return nil
}

func (s *session) SaveComponentBuild(ctx context.Context, c *modbuild.ComponentBuild) error {
	result, err := s.tx.ExecContext(ctx, `
		UPDATE component_builds
		SET scmurl = $2, format = $3, ref = $4, task_id = $5, state = $6,
			state_reason = $7, nvr = $8, batch = $9, tagged = $10,
			tagged_in_final = $11, build_time_only = $12,
			reused_component_id = $13, weight = $14
		WHERE id = $1`,
		c.ID, c.SCMURL, c.Format, c.Ref, c.TaskID, stateToNull(c.State),
		c.StateReason, c.NVR, c.Batch, c.Tagged, c.TaggedInFinal,
		c.BuildTimeOnly, c.ReusedComponentID, c.Weight)
	if err != nil {
		return fmt.Errorf("update component build %d: %w", c.ID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	s.markComponent(c)
	return nil
}

func (s *session) getComponent(ctx context.Context, query string, args ...any) (*modbuild.ComponentBuild, error) {
	var row componentRow
	err := s.tx.GetContext(ctx, &row, query, args...)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query component build: %w", err)
	}
	return row.toDomain(), nil
}

func (s *session) listComponents(ctx context.Context, query string, args ...any) ([]*modbuild.ComponentBuild, error) {
	var rows []componentRow
	if err := s.tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query component builds: %w", err)
	}
	out := make([]*modbuild.ComponentBuild, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (s *session) ComponentBuildByID(ctx context.Context, id int64) (*modbuild.ComponentBuild, error) {
	return s.getComponent(ctx,
		`SELECT `+componentColumns+` FROM component_builds WHERE id = $1`, id)
}

func (s *session) ComponentBuildByTask(ctx context.Context, taskID, moduleID int64) (*modbuild.ComponentBuild, error) {
	if moduleID != 0 {
		return s.getComponent(ctx,
			`SELECT `+componentColumns+` FROM component_builds
			 WHERE task_id = $1 AND module_id = $2`, taskID, moduleID)
	}
	return s.getComponent(ctx,
		`SELECT `+componentColumns+` FROM component_builds
		 WHERE task_id = $1 ORDER BY id LIMIT 1`, taskID)
}

func (s *session) ComponentBuildByName(ctx context.Context, moduleID int64, pkg string) (*modbuild.ComponentBuild, error) {
	return s.getComponent(ctx,
		`SELECT `+componentColumns+` FROM component_builds
		 WHERE module_id = $1 AND package = $2`, moduleID, pkg)
}

func (s *session) ComponentBuildByNVR(ctx context.Context, moduleID int64, nvr string) (*modbuild.ComponentBuild, error) {
	return s.getComponent(ctx,
		`SELECT `+componentColumns+` FROM component_builds
		 WHERE module_id = $1 AND nvr = $2`, moduleID, nvr)
}

func (s *session) ComponentBuilds(ctx context.Context, moduleID int64) ([]*modbuild.ComponentBuild, error) {
	return s.listComponents(ctx,
		`SELECT `+componentColumns+` FROM component_builds
		 WHERE module_id = $1 ORDER BY batch, package`, moduleID)
}

func (s *session) CurrentBatch(ctx context.Context, m *modbuild.ModuleBuild, states ...modbuild.BuildState) ([]*modbuild.ComponentBuild, error) {
	if m.Batch == 0 {
		return nil, fmt.Errorf("no batch in progress for module %d", m.ID)
	}
	components, err := s.listComponents(ctx,
		`SELECT `+componentColumns+` FROM component_builds
		 WHERE module_id = $1 AND batch = $2 ORDER BY package`, m.ID, m.Batch)
	if err != nil {
		return nil, err
	}
	return filterComponents(components, states), nil
}

func (s *session) UpToCurrentBatch(ctx context.Context, m *modbuild.ModuleBuild, states ...modbuild.BuildState) ([]*modbuild.ComponentBuild, error) {
	if m.Batch == 0 {
		return nil, fmt.Errorf("no batch in progress for module %d", m.ID)
	}
	components, err := s.listComponents(ctx,
		`SELECT `+componentColumns+` FROM component_builds
		 WHERE module_id = $1 AND batch <= $2 ORDER BY batch, package`, m.ID, m.Batch)
	if err != nil {
		return nil, err
	}
	return filterComponents(components, states), nil
}

func (s *session) ComponentBuildsInState(ctx context.Context, state modbuild.BuildState) ([]*modbuild.ComponentBuild, error) {
	return s.listComponents(ctx,
		`SELECT `+componentColumns+` FROM component_builds
		 WHERE state = $1 ORDER BY id`, int(state))
}

func filterComponents(components []*modbuild.ComponentBuild, states []modbuild.BuildState) []*modbuild.ComponentBuild {
	if len(states) == 0 {
		return components
	}
	out := components[:0]
	for _, c := range components {
		if storage.FilterState(c, states) {
			out = append(out, c)
		}
	}
	return out
}

func (s *session) ModuleBuildTraces(ctx context.Context, moduleID int64) ([]modbuild.ModuleBuildTrace, error) {
	var rows []traceModuleRow
	err := s.tx.SelectContext(ctx, &rows, `
		SELECT id, module_id, state_time, state, state_reason
		FROM module_builds_trace WHERE module_id = $1 ORDER BY id`, moduleID)
	if err != nil {
		return nil, fmt.Errorf("query module traces: %w", err)
	}
	out := make([]modbuild.ModuleBuildTrace, 0, len(rows))
	for _, r := range rows {
		out = append(out, modbuild.ModuleBuildTrace{
			ID:          r.ID,
			ModuleID:    r.ModuleID,
			StateTime:   r.StateTime,
			State:       modbuild.State(r.State),
			StateReason: r.StateReason,
		})
	}
	return out, nil
}

func (s *session) ComponentBuildTraces(ctx context.Context, componentID int64) ([]modbuild.ComponentBuildTrace, error) {
	var rows []traceComponentRow
	err := s.tx.SelectContext(ctx, &rows, `
		SELECT id, component_id, state_time, state, state_reason, task_id
		FROM component_builds_trace WHERE component_id = $1 ORDER BY id`, componentID)
	if err != nil {
		return nil, fmt.Errorf("query component traces: %w", err)
	}
	out := make([]modbuild.ComponentBuildTrace, 0, len(rows))
	for _, r := range rows {
		trace := modbuild.ComponentBuildTrace{
			ID:          r.ID,
			ComponentID: r.ComponentID,
			StateTime:   r.StateTime,
			StateReason: r.StateReason,
			TaskID:      r.TaskID,
		}
		if r.State.Valid {
			state := modbuild.BuildState(r.State.Int64)
			trace.State = &state
		}
		out = append(out, trace)
	}
	return out, nil
}
