package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	"github.com/R3E-Network/build_orchestrator/pkg/storage"
)

func (s *session) CreateModuleBuild(_ context.Context, m *modbuild.ModuleBuild) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	s.store.nextModuleID++
	m.ID = s.store.nextModuleID
	s.store.modules[m.ID] = copyModule(m)
	s.markModule(m.ID)
	return nil
}

func (s *session) SaveModuleBuild(_ context.Context, m *modbuild.ModuleBuild) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if _, ok := s.store.modules[m.ID]; !ok {
		return storage.ErrNotFound
	}
	s.store.modules[m.ID] = copyModule(m)
	s.markModule(m.ID)
	return nil
}

func (s *session) ModuleBuildByID(_ context.Context, id int64) (*modbuild.ModuleBuild, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	m, ok := s.store.modules[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyModule(m), nil
}

func (s *session) ModuleBuildByNSVC(_ context.Context, name, stream, version, mctx string) (*modbuild.ModuleBuild, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	for _, m := range s.sortedModules() {
		if m.Name == name && m.Stream == stream && m.Version == version && m.Context == mctx {
			return copyModule(m), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *session) ModuleBuildsByState(_ context.Context, state modbuild.State) ([]*modbuild.ModuleBuild, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	var out []*modbuild.ModuleBuild
	for _, m := range s.sortedModules() {
		if m.State == state {
			out = append(out, copyModule(m))
		}
	}
	return out, nil
}

func (s *session) ModuleBuildFromTag(_ context.Context, tag string) (*modbuild.ModuleBuild, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	tag = strings.TrimSuffix(tag, "-build")
	var found []*modbuild.ModuleBuild
	for _, m := range s.sortedModules() {
		if m.KojiTag == tag && m.State == modbuild.StateBuild {
			found = append(found, m)
		}
	}
	switch len(found) {
	case 0:
		return nil, storage.ErrNotFound
	case 1:
		return copyModule(found[0]), nil
	default:
		return nil, fmt.Errorf("%d module builds in flight for tag %q", len(found), tag)
	}
}

func (s *session) Siblings(_ context.Context, m *modbuild.ModuleBuild) ([]int64, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	var ids []int64
	for _, other := range s.sortedModules() {
		if other.Name == m.Name && other.Stream == m.Stream &&
			other.Version == m.Version && other.Context != m.Context {
			ids = append(ids, other.ID)
		}
	}
	return ids, nil
}

func (s *session) LastBuildInStream(_ context.Context, name, stream string) (*modbuild.ModuleBuild, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	var best *modbuild.ModuleBuild
	for _, m := range s.sortedModules() {
		if m.Name != name || m.Stream != stream || m.State == modbuild.StateFailed {
			continue
		}
		if best == nil || versionLess(best.Version, m.Version) {
			best = m
		}
	}
	if best == nil {
		return nil, storage.ErrNotFound
	}
	return copyModule(best), nil
}

func (s *session) LastBuildInAllStreams(_ context.Context, name string) ([]*modbuild.ModuleBuild, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	best := make(map[string]*modbuild.ModuleBuild)
	for _, m := range s.sortedModules() {
		if m.Name != name || m.State == modbuild.StateFailed {
			continue
		}
		if cur, ok := best[m.Stream]; !ok || versionLess(cur.Version, m.Version) {
			best[m.Stream] = m
		}
	}
	streams := make([]string, 0, len(best))
	for stream := range best {
		streams = append(streams, stream)
	}
	sort.Strings(streams)
	out := make([]*modbuild.ModuleBuild, 0, len(best))
	for _, stream := range streams {
		out = append(out, copyModule(best[stream]))
	}
	return out, nil
}

func (s *session) ModuleBuildsByNameStream(_ context.Context, name, stream string) ([]*modbuild.ModuleBuild, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	var out []*modbuild.ModuleBuild
	for _, m := range s.sortedModules() {
		if m.Name == name && m.Stream == stream && m.State == modbuild.StateReady {
			out = append(out, copyModule(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return versionLess(out[j].Version, out[i].Version)
	})
	return out, nil
}

func (s *session) CountByState(_ context.Context) (map[modbuild.State]int, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	counts := make(map[modbuild.State]int)
	for _, m := range s.store.modules {
		counts[m.State]++
	}
	return counts, nil
}

func (s *session) CreateComponentBuild(_ context.Context, c *modbuild.ComponentBuild) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	s.store.nextComponentID++
	c.ID = s.store.nextComponentID
	s.store.components[c.ID] = copyComponent(c)
	s.markComponent(c.ID)
	return nil
}

func (s *session) SaveComponentBuild(_ context.Context, c *modbuild.ComponentBuild) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if _, ok := s.store.components[c.ID]; !ok {
		return storage.ErrNotFound
	}
	s.store.components[c.ID] = copyComponent(c)
	s.markComponent(c.ID)
	return nil
}

func (s *session) ComponentBuildByID(_ context.Context, id int64) (*modbuild.ComponentBuild, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	c, ok := s.store.components[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyComponent(c), nil
}

func (s *session) ComponentBuildByTask(_ context.Context, taskID, moduleID int64) (*modbuild.ComponentBuild, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	for _, c := range s.sortedComponents() {
		if c.TaskID != taskID {
			continue
		}
		if moduleID != 0 && c.ModuleID != moduleID {
			continue
		}
		return copyComponent(c), nil
	}
	return nil, storage.ErrNotFound
}

func (s *session) ComponentBuildByName(_ context.Context, moduleID int64, pkg string) (*modbuild.ComponentBuild, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	for _, c := range s.sortedComponents() {
		if c.ModuleID == moduleID && c.Package == pkg {
			return copyComponent(c), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *session) ComponentBuildByNVR(_ context.Context, moduleID int64, nvr string) (*modbuild.ComponentBuild, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	for _, c := range s.sortedComponents() {
		if c.ModuleID == moduleID && c.NVR == nvr {
			return copyComponent(c), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *session) ComponentBuilds(_ context.Context, moduleID int64) ([]*modbuild.ComponentBuild, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	var out []*modbuild.ComponentBuild
	for _, c := range s.sortedComponents() {
		if c.ModuleID == moduleID {
			out = append(out, copyComponent(c))
		}
	}
	return out, nil
}

func (s *session) CurrentBatch(ctx context.Context, m *modbuild.ModuleBuild, states ...modbuild.BuildState) ([]*modbuild.ComponentBuild, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if m.Batch == 0 {
		return nil, fmt.Errorf("no batch in progress for module %d", m.ID)
	}
	return s.batchComponents(m, func(batch int) bool { return batch == m.Batch }, states), nil
}

func (s *session) UpToCurrentBatch(ctx context.Context, m *modbuild.ModuleBuild, states ...modbuild.BuildState) ([]*modbuild.ComponentBuild, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if m.Batch == 0 {
		return nil, fmt.Errorf("no batch in progress for module %d", m.ID)
	}
	return s.batchComponents(m, func(batch int) bool { return batch <= m.Batch }, states), nil
}

func (s *session) batchComponents(m *modbuild.ModuleBuild, include func(int) bool, states []modbuild.BuildState) []*modbuild.ComponentBuild {
	var out []*modbuild.ComponentBuild
	for _, c := range s.sortedComponents() {
		if c.ModuleID != m.ID || !include(c.Batch) {
			continue
		}
		if !storage.FilterState(c, states) {
			continue
		}
		out = append(out, copyComponent(c))
	}
	return out
}

func (s *session) ComponentBuildsInState(_ context.Context, state modbuild.BuildState) ([]*modbuild.ComponentBuild, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	var out []*modbuild.ComponentBuild
	for _, c := range s.sortedComponents() {
		if c.InState(state) {
			out = append(out, copyComponent(c))
		}
	}
	return out, nil
}

func (s *session) ModuleBuildTraces(_ context.Context, moduleID int64) ([]modbuild.ModuleBuildTrace, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	var out []modbuild.ModuleBuildTrace
	for _, trace := range s.store.moduleTraces {
		if trace.ModuleID == moduleID {
			out = append(out, trace)
		}
	}
	return out, nil
}

func (s *session) ComponentBuildTraces(_ context.Context, componentID int64) ([]modbuild.ComponentBuildTrace, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	var out []modbuild.ComponentBuildTrace
	for _, trace := range s.store.componentTraces {
		if trace.ComponentID == componentID {
			out = append(out, trace)
		}
	}
	return out, nil
}

func (s *session) sortedModules() []*modbuild.ModuleBuild {
	out := make([]*modbuild.ModuleBuild, 0, len(s.store.modules))
	for _, m := range s.store.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *session) sortedComponents() []*modbuild.ComponentBuild {
	out := make([]*modbuild.ComponentBuild, 0, len(s.store.components))
	for _, c := range s.store.components {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Batch != out[j].Batch {
			return out[i].Batch < out[j].Batch
		}
		if out[i].Package != out[j].Package {
			return out[i].Package < out[j].Package
		}
		return out[i].ID < out[j].ID
	})
	return out
}
