// Package memory implements the orchestrator store in process memory. The
// mock build system and the test suites run against it; it honors the same
// all-or-nothing session semantics and commit-time trace pass as the
// PostgreSQL store.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	"github.com/R3E-Network/build_orchestrator/pkg/storage"
)

// Store keeps everything in maps guarded by one mutex taken per operation.
// A session does not hold the lock across its body, so a handler running
// inside a session may open nested sessions (the store-backed resolver
// does); rollback restores the snapshot taken at session start. The single
// dispatch worker keeps mutating sessions serialized in practice.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	nextModuleID         int64
	nextComponentID      int64
	nextModuleTraceID    int64
	nextComponentTraceID int64

	modules         map[int64]*modbuild.ModuleBuild
	components      map[int64]*modbuild.ComponentBuild
	moduleTraces    []modbuild.ModuleBuildTrace
	componentTraces []modbuild.ComponentBuildTrace
}

// New creates an empty store.
func New() *Store {
	return &Store{
		now:        func() time.Time { return time.Now().UTC() },
		modules:    make(map[int64]*modbuild.ModuleBuild),
		components: make(map[int64]*modbuild.ComponentBuild),
	}
}

// SetClock swaps the time source; tests pin it.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Close implements storage.Store.
func (s *Store) Close() error { return nil }

var _ storage.Store = (*Store)(nil)
var _ storage.Session = (*session)(nil)

// WithSession runs fn against a snapshot-backed session. On error the
// snapshot taken at session start is restored, discarding every mutation
// including trace rows.
func (s *Store) WithSession(ctx context.Context, fn func(storage.Session) error) error {
	s.mu.Lock()
	snapshot := s.snapshot()
	s.mu.Unlock()

	sess := &session{store: s}
	if err := fn(sess); err != nil {
		s.mu.Lock()
		s.restore(snapshot)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	sess.writeTraces()
	s.mu.Unlock()
	return nil
}

type snapshotState struct {
	nextModuleID         int64
	nextComponentID      int64
	nextModuleTraceID    int64
	nextComponentTraceID int64
	modules              map[int64]*modbuild.ModuleBuild
	components           map[int64]*modbuild.ComponentBuild
	moduleTraces         []modbuild.ModuleBuildTrace
	componentTraces      []modbuild.ComponentBuildTrace
}

func (s *Store) snapshot() snapshotState {
	snap := snapshotState{
		nextModuleID:         s.nextModuleID,
		nextComponentID:      s.nextComponentID,
		nextModuleTraceID:    s.nextModuleTraceID,
		nextComponentTraceID: s.nextComponentTraceID,
		modules:              make(map[int64]*modbuild.ModuleBuild, len(s.modules)),
		components:           make(map[int64]*modbuild.ComponentBuild, len(s.components)),
		moduleTraces:         append([]modbuild.ModuleBuildTrace(nil), s.moduleTraces...),
		componentTraces:      append([]modbuild.ComponentBuildTrace(nil), s.componentTraces...),
	}
	for id, m := range s.modules {
		snap.modules[id] = copyModule(m)
	}
	for id, c := range s.components {
		snap.components[id] = copyComponent(c)
	}
	return snap
}

func (s *Store) restore(snap snapshotState) {
	s.nextModuleID = snap.nextModuleID
	s.nextComponentID = snap.nextComponentID
	s.nextModuleTraceID = snap.nextModuleTraceID
	s.nextComponentTraceID = snap.nextComponentTraceID
	s.modules = snap.modules
	s.components = snap.components
	s.moduleTraces = snap.moduleTraces
	s.componentTraces = snap.componentTraces
}

func copyModule(m *modbuild.ModuleBuild) *modbuild.ModuleBuild {
	out := *m
	if m.Completed != nil {
		completed := *m.Completed
		out.Completed = &completed
	}
	return &out
}

func copyComponent(c *modbuild.ComponentBuild) *modbuild.ComponentBuild {
	out := *c
	if c.State != nil {
		state := *c.State
		out.State = &state
	}
	return &out
}

// session operates on the store under the store lock.
type session struct {
	store           *Store
	dirtyModules    []int64
	dirtyComponents []int64
}

func (s *session) markModule(id int64) {
	for _, d := range s.dirtyModules {
		if d == id {
			return
		}
	}
	s.dirtyModules = append(s.dirtyModules, id)
}

func (s *session) markComponent(id int64) {
	for _, d := range s.dirtyComponents {
		if d == id {
			return
		}
	}
	s.dirtyComponents = append(s.dirtyComponents, id)
}

func (s *session) writeTraces() {
	now := s.store.now()

	for _, id := range s.dirtyModules {
		m, ok := s.store.modules[id]
		if !ok {
			continue
		}
		if last, ok := s.lastModuleTrace(id); ok &&
			last.State == m.State && last.StateReason == m.StateReason {
			continue
		}
		s.store.nextModuleTraceID++
		s.store.moduleTraces = append(s.store.moduleTraces, modbuild.ModuleBuildTrace{
			ID:          s.store.nextModuleTraceID,
			ModuleID:    id,
			StateTime:   now,
			State:       m.State,
			StateReason: m.StateReason,
		})
	}

	for _, id := range s.dirtyComponents {
		c, ok := s.store.components[id]
		if !ok {
			continue
		}
		if last, ok := s.lastComponentTrace(id); ok &&
			statesEqual(last.State, c.State) && last.StateReason == c.StateReason {
			continue
		}
		s.store.nextComponentTraceID++
		trace := modbuild.ComponentBuildTrace{
			ID:          s.store.nextComponentTraceID,
			ComponentID: id,
			StateTime:   now,
			StateReason: c.StateReason,
			TaskID:      c.TaskID,
		}
		if c.State != nil {
			state := *c.State
			trace.State = &state
		}
		s.store.componentTraces = append(s.store.componentTraces, trace)
	}
}

func (s *session) lastModuleTrace(moduleID int64) (modbuild.ModuleBuildTrace, bool) {
	for i := len(s.store.moduleTraces) - 1; i >= 0; i-- {
		if s.store.moduleTraces[i].ModuleID == moduleID {
			return s.store.moduleTraces[i], true
		}
	}
	return modbuild.ModuleBuildTrace{}, false
}

func (s *session) lastComponentTrace(componentID int64) (modbuild.ComponentBuildTrace, bool) {
	for i := len(s.store.componentTraces) - 1; i >= 0; i-- {
		if s.store.componentTraces[i].ComponentID == componentID {
			return s.store.componentTraces[i], true
		}
	}
	return modbuild.ComponentBuildTrace{}, false
}

func statesEqual(a, b *modbuild.BuildState) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// versionLess orders version strings numerically where possible.
func versionLess(a, b string) bool {
	av, aerr := strconv.ParseInt(a, 10, 64)
	bv, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		return av < bv
	}
	return a < b
}
