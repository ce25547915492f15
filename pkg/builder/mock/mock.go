// Package mock implements the builder against no build system at all:
// submissions complete instantly and the resulting events are fed back
// through the bus, which is enough to drive the orchestrator end to end in
// local deployments and tests.
package mock

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	"github.com/R3E-Network/build_orchestrator/pkg/builder"
	"github.com/R3E-Network/build_orchestrator/pkg/messaging"
)

const msgOrigin = "mock-builder"

// System is the shared fake build system state. Builders handed out per
// module all feed it.
type System struct {
	bus        *messaging.Bus
	resultsDir string
	log        *logrus.Entry

	mu         sync.Mutex
	nextTaskID int64
	tasks      map[int64]*task

	// failures maps package name to a failure reason; submissions for
	// these packages come back FAILED instead of COMPLETE.
	failures map[string]string

	// stalled packages are accepted but never report completion.
	stalled map[string]bool

	// silent suppresses the automatic completion events; tests drive the
	// bus themselves when set.
	silent bool

	buildCalls int
}

type task struct {
	id       int64
	artifact string
	nvr      string
	state    builder.TaskState
}

// NewSystem creates the shared state for mock builders.
func NewSystem(bus *messaging.Bus, resultsDir string, log *logrus.Entry) *System {
	if log == nil {
		log = logrus.WithField("component", "mock-builder")
	}
	return &System{
		bus:        bus,
		resultsDir: resultsDir,
		log:        log,
		tasks:      make(map[int64]*task),
		failures:   make(map[string]string),
		stalled:    make(map[string]bool),
	}
}

// StallPackage makes future submissions of pkg hang in BUILDING forever.
func (s *System) StallPackage(pkg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled[pkg] = true
}

// BuildCount reports how many component submissions the system accepted.
func (s *System) BuildCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildCalls
}

// FailPackage makes future submissions of pkg fail with the given reason.
func (s *System) FailPackage(pkg, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[pkg] = reason
}

// SetSilent toggles automatic completion events.
func (s *System) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// Factory hands out per-module builders over the shared system.
type Factory struct {
	system *System
}

// NewFactory wraps a system.
func NewFactory(system *System) *Factory { return &Factory{system: system} }

// ForModule binds a builder to the module's tag.
func (f *Factory) ForModule(_ context.Context, m *modbuild.ModuleBuild) (builder.Builder, error) {
	if m.KojiTag == "" {
		return nil, fmt.Errorf("module %d has no tag assigned", m.ID)
	}
	return &Mock{system: f.system, tag: m.KojiTag}, nil
}

// BuildWeights assigns every package unit weight.
func (f *Factory) BuildWeights(_ context.Context, names []string) (map[string]float64, error) {
	weights := make(map[string]float64, len(names))
	for _, name := range names {
		weights[name] = 1
	}
	return weights, nil
}

var _ builder.Factory = (*Factory)(nil)

// Mock is the per-module builder handle.
type Mock struct {
	system *System
	tag    string
}

var _ builder.Builder = (*Mock)(nil)

// BuildrootConnect is a no-op; the mock has no buildroot to prepare.
func (m *Mock) BuildrootConnect(context.Context, []modbuild.ModuleDep) error { return nil }

// BuildrootAddRepos is a no-op.
func (m *Mock) BuildrootAddRepos(context.Context, []modbuild.ModuleDep) error { return nil }

// GetDistTagSRPM fabricates the path of the dist-tag source package.
func (m *Mock) GetDistTagSRPM(_ context.Context, disttag string) (string, error) {
	name := fmt.Sprintf("%s-0.1-1%s.src.rpm", modbuild.MacrosComponent, disttag)
	return filepath.Join(m.system.resultsDir, name), nil
}

// Build registers a task and, unless silenced, immediately reports the
// component complete (or failed, for packages marked to fail) through the
// bus.
func (m *Mock) Build(ctx context.Context, artifactName, source string) (builder.BuildResult, error) {
	m.system.mu.Lock()
	m.system.buildCalls++
	m.system.nextTaskID++
	id := m.system.nextTaskID

	release := "1." + strings.ReplaceAll(m.tag, "-", "_")
	nvr := modbuild.FormatNVR(artifactName, "1.0", release)
	t := &task{id: id, artifact: artifactName, nvr: nvr, state: builder.TaskOpen}
	m.system.tasks[id] = t

	_, failed := m.system.failures[artifactName]
	quiet := m.system.silent || m.system.stalled[artifactName]
	m.system.mu.Unlock()

	if quiet {
		return builder.BuildResult{TaskID: id, State: modbuild.BuildStateBuilding}, nil
	}

	newState := modbuild.BuildStateComplete
	if failed {
		newState = modbuild.BuildStateFailed
	}
	ev := messaging.NewComponentStateChanged(msgOrigin, id, newState, artifactName, "1.0", release, 0)
	if err := m.system.bus.Publish(ctx, ev); err != nil {
		m.system.log.WithError(err).Warn("failed to publish component state")
	}

	m.system.mu.Lock()
	if failed {
		t.state = builder.TaskFailed
	} else {
		t.state = builder.TaskClosed
	}
	m.system.mu.Unlock()

	return builder.BuildResult{TaskID: id, State: modbuild.BuildStateBuilding}, nil
}

// CancelBuild marks the task canceled.
func (m *Mock) CancelBuild(_ context.Context, taskID int64) error {
	m.system.mu.Lock()
	defer m.system.mu.Unlock()
	if t, ok := m.system.tasks[taskID]; ok {
		t.state = builder.TaskCanceled
	}
	return nil
}

// TagArtifacts reports each artifact tagged into the buildroot tag, or the
// final tag when final is true.
func (m *Mock) TagArtifacts(ctx context.Context, nvrs []string, final bool) error {
	tag := m.tag
	if !final {
		tag += "-build"
	}
	for _, nvr := range nvrs {
		ev := messaging.NewTagChanged(msgOrigin, tag, nvr)
		if err := m.system.bus.Publish(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// NewRepo reports the repository regenerated immediately.
func (m *Mock) NewRepo(ctx context.Context, tag string) (int64, error) {
	m.system.mu.Lock()
	m.system.nextTaskID++
	id := m.system.nextTaskID
	m.system.tasks[id] = &task{id: id, state: builder.TaskClosed}
	m.system.mu.Unlock()

	if err := m.system.bus.Publish(ctx, messaging.NewRepoRegenerated(msgOrigin, tag)); err != nil {
		return 0, err
	}
	return id, nil
}

// GetTaskInfo reports the recorded task state.
func (m *Mock) GetTaskInfo(_ context.Context, taskID int64) (builder.TaskInfo, error) {
	m.system.mu.Lock()
	defer m.system.mu.Unlock()
	t, ok := m.system.tasks[taskID]
	if !ok {
		return builder.TaskInfo{}, fmt.Errorf("unknown task %d", taskID)
	}
	return builder.TaskInfo{ID: t.id, State: t.state}, nil
}

// GetBuildWeights assigns every package unit weight.
func (m *Mock) GetBuildWeights(_ context.Context, names []string) (map[string]float64, error) {
	weights := make(map[string]float64, len(names))
	for _, name := range names {
		weights[name] = 1
	}
	return weights, nil
}
