package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	"github.com/R3E-Network/build_orchestrator/pkg/storage"
)

const moduleColumns = `id, name, stream, version, context, state, state_reason,
	manifest, scmurl, owner, koji_tag, batch, rebuild_strategy, new_repo_task_id,
	submitted, modified, completed, ref_build_context, build_context, runtime_context`

func (s *session) CreateModuleBuild(ctx context.Context, m *modbuild.ModuleBuild) error {
	err := s.tx.QueryRowxContext(ctx, `
		INSERT INTO module_builds (name, stream, version, context, state, state_reason,
			manifest, scmurl, owner, koji_tag, batch, rebuild_strategy, new_repo_task_id,
			submitted, modified, completed, ref_build_context, build_context, runtime_context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING id`,
		m.Name, m.Stream, m.Version, m.Context, int(m.State), m.StateReason,
		m.Manifest, m.SCMURL, m.Owner, m.KojiTag, m.Batch, string(m.RebuildStrategy),
		m.NewRepoTaskID, m.Submitted, m.Modified, completedToNull(m),
		m.RefBuildContext, m.BuildContext, m.RuntimeContext,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("insert module build: %w", err)
	}
	s.markModule(m)
	return nil
}

func (s *session) SaveModuleBuild(ctx context.Context, m *modbuild.ModuleBuild) error {
	result, err := s.tx.ExecContext(ctx, `
		UPDATE module_builds
		SET state = $2, state_reason = $3, manifest = $4, scmurl = $5, owner = $6,
			koji_tag = $7, batch = $8, rebuild_strategy = $9, new_repo_task_id = $10,
			modified = $11, completed = $12, ref_build_context = $13,
			build_context = $14, runtime_context = $15
		WHERE id = $1`,
		m.ID, int(m.State), m.StateReason, m.Manifest, m.SCMURL, m.Owner,
		m.KojiTag, m.Batch, string(m.RebuildStrategy), m.NewRepoTaskID,
		m.Modified, completedToNull(m), m.RefBuildContext, m.BuildContext,
		m.RuntimeContext)
	if err != nil {
		return fmt.Errorf("update module build %d: %w", m.ID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	s.markModule(m)
	return nil
}

func (s *session) getModule(ctx context.Context, query string, args ...any) (*modbuild.ModuleBuild, error) {
	var row moduleRow
	err := s.tx.GetContext(ctx, &row, query, args...)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query module build: %w", err)
	}
	return row.toDomain(), nil
}

func (s *session) listModules(ctx context.Context, query string, args ...any) ([]*modbuild.ModuleBuild, error) {
	var rows []moduleRow
	if err := s.tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query module builds: %w", err)
	}
	out := make([]*modbuild.ModuleBuild, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (s *session) ModuleBuildByID(ctx context.Context, id int64) (*modbuild.ModuleBuild, error) {
	return s.getModule(ctx,
		`SELECT `+moduleColumns+` FROM module_builds WHERE id = $1`, id)
}

func (s *session) ModuleBuildByNSVC(ctx context.Context, name, stream, version, mctx string) (*modbuild.ModuleBuild, error) {
	return s.getModule(ctx,
		`SELECT `+moduleColumns+` FROM module_builds
		 WHERE name = $1 AND stream = $2 AND version = $3 AND context = $4`,
		name, stream, version, mctx)
}

func (s *session) ModuleBuildsByState(ctx context.Context, state modbuild.State) ([]*modbuild.ModuleBuild, error) {
	return s.listModules(ctx,
		`SELECT `+moduleColumns+` FROM module_builds WHERE state = $1 ORDER BY id`,
		int(state))
}

func (s *session) ModuleBuildFromTag(ctx context.Context, tag string) (*modbuild.ModuleBuild, error) {
	tag = strings.TrimSuffix(tag, "-build")
	builds, err := s.listModules(ctx,
		`SELECT `+moduleColumns+` FROM module_builds WHERE koji_tag = $1 AND state = $2`,
		tag, int(modbuild.StateBuild))
	if err != nil {
		return nil, err
	}
	switch len(builds) {
	case 0:
		return nil, storage.ErrNotFound
	case 1:
		return builds[0], nil
	default:
		return nil, fmt.Errorf("%d module builds in flight for tag %q", len(builds), tag)
	}
}

func (s *session) Siblings(ctx context.Context, m *modbuild.ModuleBuild) ([]int64, error) {
	var ids []int64
	err := s.tx.SelectContext(ctx, &ids, `
		SELECT id FROM module_builds
		WHERE name = $1 AND stream = $2 AND version = $3 AND context <> $4
		ORDER BY id`,
		m.Name, m.Stream, m.Version, m.Context)
	if err != nil {
		return nil, fmt.Errorf("query siblings of %d: %w", m.ID, err)
	}
	return ids, nil
}

func (s *session) LastBuildInStream(ctx context.Context, name, stream string) (*modbuild.ModuleBuild, error) {
	return s.getModule(ctx, `
		SELECT `+moduleColumns+` FROM module_builds
		WHERE name = $1 AND stream = $2 AND state <> $3
		ORDER BY version::numeric DESC, id DESC LIMIT 1`,
		name, stream, int(modbuild.StateFailed))
}

func (s *session) LastBuildInAllStreams(ctx context.Context, name string) ([]*modbuild.ModuleBuild, error) {
	return s.listModules(ctx, `
		SELECT DISTINCT ON (stream) `+moduleColumns+` FROM module_builds
		WHERE name = $1 AND state <> $2
		ORDER BY stream, version::numeric DESC, id DESC`,
		name, int(modbuild.StateFailed))
}

func (s *session) ModuleBuildsByNameStream(ctx context.Context, name, stream string) ([]*modbuild.ModuleBuild, error) {
	return s.listModules(ctx, `
		SELECT `+moduleColumns+` FROM module_builds
		WHERE name = $1 AND stream = $2 AND state = $3
		ORDER BY version::numeric DESC, id DESC`,
		name, stream, int(modbuild.StateReady))
}

func (s *session) CountByState(ctx context.Context) (map[modbuild.State]int, error) {
	var rows []struct {
		State int `db:"state"`
		Count int `db:"count"`
	}
	err := s.tx.SelectContext(ctx, &rows,
		`SELECT state, COUNT(*) AS count FROM module_builds GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count module builds: %w", err)
	}
	counts := make(map[modbuild.State]int, len(rows))
	for _, r := range rows {
		counts[modbuild.State(r.State)] = r.Count
	}
	return counts, nil
}
