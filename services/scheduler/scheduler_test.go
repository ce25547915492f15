package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	"github.com/R3E-Network/build_orchestrator/infrastructure/resilience"
	buildermock "github.com/R3E-Network/build_orchestrator/pkg/builder/mock"
	"github.com/R3E-Network/build_orchestrator/pkg/config"
	"github.com/R3E-Network/build_orchestrator/pkg/messaging"
	resolverdb "github.com/R3E-Network/build_orchestrator/pkg/resolver/db"
	"github.com/R3E-Network/build_orchestrator/pkg/resolver/resolvertest"
	"github.com/R3E-Network/build_orchestrator/pkg/storage"
	storagememory "github.com/R3E-Network/build_orchestrator/pkg/storage/memory"
	"github.com/R3E-Network/build_orchestrator/services/expander"
	"github.com/R3E-Network/build_orchestrator/services/submit"
)

const testTimeout = 10 * time.Second

type harness struct {
	t         *testing.T
	ctx       context.Context
	cfg       *config.Config
	store     *storagememory.Store
	bus       *messaging.Bus
	system    *buildermock.System
	factory   *buildermock.Factory
	hctx      *Context
	svc       *Service
	submitter *submit.Submitter
}

func newHarness(t *testing.T, tweak func(*config.Config)) *harness {
	t.Helper()

	cfg := config.New()
	cfg.Messaging.Backend = "memory"
	cfg.Build.System = "mock"
	cfg.Scheduler.PollingInterval = config.Duration(time.Hour)
	if tweak != nil {
		tweak(cfg)
	}

	store := storagememory.New()
	bus := messaging.NewBus(messaging.NewMemoryTransport(1024), nil)
	system := buildermock.NewSystem(bus, t.TempDir(), nil)
	factory := buildermock.NewFactory(system)
	res := resolverdb.New(store, nil)

	hctx := NewContext(cfg, factory, res, bus, nil)
	hctx.ResolverRetry = resilience.RetryConfig{MaxAttempts: 1}

	exp := expander.New(res, cfg.Build.BaseModuleNames, nil)
	submitter := submit.New(cfg, store, bus, exp, factory, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:         t,
		ctx:       ctx,
		cfg:       cfg,
		store:     store,
		bus:       bus,
		system:    system,
		factory:   factory,
		hctx:      hctx,
		svc:       New(hctx, store),
		submitter: submitter,
	}
	t.Cleanup(func() {
		h.svc.Stop()
		cancel()
		_ = bus.Close()
	})

	h.seedPlatform()
	return h
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.svc.Start(h.ctx); err != nil {
		h.t.Fatalf("start scheduler: %v", err)
	}
}

// seedPlatform plants the base module the expander and resolver pin
// against.
func (h *harness) seedPlatform() {
	h.t.Helper()
	pm := resolvertest.MakeModule("platform:f28:3:c10", nil, nil)
	raw, err := pm.YAML()
	if err != nil {
		h.t.Fatalf("platform manifest: %v", err)
	}
	now := time.Now().UTC()
	platform := &modbuild.ModuleBuild{
		Name:            "platform",
		Stream:          "f28",
		Version:         "3",
		Context:         "c10",
		State:           modbuild.StateReady,
		Manifest:        string(raw),
		Owner:           "infra",
		KojiTag:         "module-platform-f28-3-c10",
		RebuildStrategy: modbuild.RebuildAll,
		Submitted:       now,
		Modified:        now,
	}
	err = h.store.WithSession(h.ctx, func(s storage.Session) error {
		return s.CreateModuleBuild(h.ctx, platform)
	})
	if err != nil {
		h.t.Fatalf("seed platform: %v", err)
	}
}

// testManifest declares a module with the given components (package name to
// build order) on platform f28.
func testManifest(version int64, components map[string]int) *modbuild.Manifest {
	m := &modbuild.Manifest{
		Name:          "testmodule",
		Stream:        "master",
		Version:       version,
		BuildRequires: map[string][]string{"platform": {"f28"}},
		Requires:      map[string][]string{"platform": {"f28"}},
		RPMComponents: map[string]*modbuild.RPMComponent{},
	}
	for name, order := range components {
		m.RPMComponents[name] = &modbuild.RPMComponent{Ref: "ref-" + name, BuildOrder: order}
	}
	return m
}

func (h *harness) submit(version int64, components map[string]int) *modbuild.ModuleBuild {
	h.t.Helper()
	mods, err := h.submitter.Submit(h.ctx, testManifest(version, components), submit.Options{Owner: "jdoe"})
	if err != nil {
		h.t.Fatalf("submit: %v", err)
	}
	if len(mods) != 1 {
		h.t.Fatalf("expected one module build, got %d", len(mods))
	}
	return mods[0]
}

func (h *harness) module(id int64) *modbuild.ModuleBuild {
	h.t.Helper()
	var m *modbuild.ModuleBuild
	err := h.store.WithSession(h.ctx, func(s storage.Session) error {
		var serr error
		m, serr = s.ModuleBuildByID(h.ctx, id)
		return serr
	})
	if err != nil {
		h.t.Fatalf("load module %d: %v", id, err)
	}
	return m
}

func (h *harness) components(id int64) []*modbuild.ComponentBuild {
	h.t.Helper()
	var components []*modbuild.ComponentBuild
	err := h.store.WithSession(h.ctx, func(s storage.Session) error {
		var serr error
		components, serr = s.ComponentBuilds(h.ctx, id)
		return serr
	})
	if err != nil {
		h.t.Fatalf("load components of %d: %v", id, err)
	}
	return components
}

func (h *harness) component(id int64, pkg string) *modbuild.ComponentBuild {
	h.t.Helper()
	for _, c := range h.components(id) {
		if c.Package == pkg {
			return c
		}
	}
	h.t.Fatalf("component %q not found in module %d", pkg, id)
	return nil
}

func (h *harness) waitState(id int64, want modbuild.State) *modbuild.ModuleBuild {
	h.t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		m := h.module(id)
		if m.State == want {
			return m
		}
		if m.State == modbuild.StateFailed && want != modbuild.StateFailed {
			h.t.Fatalf("module failed instead of reaching %q: %s", want, m.StateReason)
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for module %d to reach %q (currently %q)",
		id, want, h.module(id).State)
	return nil
}

// waitSingleBuilding waits for exactly one BUILDING component and checks
// the concurrency ceiling of one is never violated along the way.
func (h *harness) waitSingleBuilding(id int64) *modbuild.ComponentBuild {
	h.t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		var building []*modbuild.ComponentBuild
		for _, c := range h.components(id) {
			if c.InState(modbuild.BuildStateBuilding) {
				building = append(building, c)
			}
		}
		if len(building) > 1 {
			h.t.Fatalf("%d components building at once with a ceiling of one", len(building))
		}
		if len(building) == 1 && building[0].TaskID != 0 {
			return building[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatal("timed out waiting for a building component")
	return nil
}

func (h *harness) completeComponent(c *modbuild.ComponentBuild) {
	h.t.Helper()
	ev := messaging.NewComponentStateChanged(
		"test", c.TaskID, modbuild.BuildStateComplete, c.Package, "1.0", "1", 0)
	if err := h.bus.Publish(h.ctx, ev); err != nil {
		h.t.Fatalf("publish complete: %v", err)
	}
}

func TestHappyPathThroughAllStates(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	m := h.submit(100, map[string]int{
		"perl-Tangerine":    0,
		"perl-List-Compare": 1,
		"tangerine":         1,
	})
	final := h.waitState(m.ID, modbuild.StateReady)

	components := h.components(m.ID)
	if len(components) != 4 {
		t.Fatalf("expected 4 components (three plus macros), got %d", len(components))
	}
	wantBatches := map[string]int{
		modbuild.MacrosComponent: 1,
		"perl-Tangerine":         2,
		"perl-List-Compare":      3,
		"tangerine":              3,
	}
	for _, c := range components {
		if c.Batch != wantBatches[c.Package] {
			t.Fatalf("%s in batch %d, want %d", c.Package, c.Batch, wantBatches[c.Package])
		}
		if !c.InState(modbuild.BuildStateComplete) {
			t.Fatalf("%s not complete: %v", c.Package, c.State)
		}
		if c.NVR == "" {
			t.Fatalf("%s complete without an NVR", c.Package)
		}
	}

	// The trace walks the whole lifecycle in order.
	var traces []modbuild.ModuleBuildTrace
	_ = h.store.WithSession(h.ctx, func(s storage.Session) error {
		var err error
		traces, err = s.ModuleBuildTraces(h.ctx, m.ID)
		return err
	})
	wantStates := []modbuild.State{
		modbuild.StateInit, modbuild.StateWait, modbuild.StateBuild,
		modbuild.StateDone, modbuild.StateReady,
	}
	if len(traces) != len(wantStates) {
		t.Fatalf("expected %d trace rows, got %+v", len(wantStates), traces)
	}
	for i, trace := range traces {
		if trace.State != wantStates[i] {
			t.Fatalf("trace %d is %q, want %q", i, trace.State, wantStates[i])
		}
		if i > 0 && trace.StateTime.Before(traces[i-1].StateTime) {
			t.Fatal("trace times must be non-decreasing")
		}
	}

	if final.Completed == nil {
		t.Fatal("ready build must carry a completion time")
	}
}

func TestComponentFailureFailsModuleAndCancelsSiblings(t *testing.T) {
	h := newHarness(t, nil)
	h.system.StallPackage("perl-List-Compare")
	h.system.FailPackage("tangerine", "rpmbuild errored")
	h.start()

	m := h.submit(100, map[string]int{
		"perl-Tangerine":    0,
		"perl-List-Compare": 1,
		"tangerine":         1,
	})
	final := h.waitState(m.ID, modbuild.StateFailed)

	if !strings.Contains(final.StateReason, "tangerine") {
		t.Fatalf("state reason must name the component: %q", final.StateReason)
	}

	// The stalled sibling was requested-cancelled.
	sibling := h.component(m.ID, "perl-List-Compare")
	if sibling.TaskID == 0 {
		t.Fatal("sibling was never submitted")
	}
	b, err := h.factory.ForModule(h.ctx, final)
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	deadline := time.Now().Add(testTimeout)
	for {
		info, err := b.GetTaskInfo(h.ctx, sibling.TaskID)
		if err != nil {
			t.Fatalf("task info: %v", err)
		}
		if info.State.Dead() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sibling task %d never cancelled, state %v", sibling.TaskID, info.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConcurrencyCeilingOfOne(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Scheduler.MaxConcurrentComponentBuilds = 1
	})
	h.system.SetSilent(true)
	h.start()

	m := h.submit(100, map[string]int{
		"pkg-a": 0, "pkg-b": 0, "pkg-c": 0, "pkg-d": 0, "pkg-e": 0,
	})

	// Macros first, then the five batch-2 components one at a time.
	for i := 0; i < 6; i++ {
		c := h.waitSingleBuilding(m.ID)
		h.completeComponent(c)
		// Wait for the completion to land before polling again so the same
		// component is not completed twice.
		deadline := time.Now().Add(testTimeout)
		for h.component(m.ID, c.Package).InState(modbuild.BuildStateBuilding) {
			if time.Now().After(deadline) {
				t.Fatalf("completion of %s never processed", c.Package)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	h.waitState(m.ID, modbuild.StateReady)
	for _, c := range h.components(m.ID) {
		if !c.InState(modbuild.BuildStateComplete) {
			t.Fatalf("%s not complete", c.Package)
		}
	}
}

func TestCancellationMidBuild(t *testing.T) {
	h := newHarness(t, nil)
	h.system.SetSilent(true)
	h.start()

	m := h.submit(100, map[string]int{"perl-Tangerine": 0})

	macros := h.waitSingleBuilding(m.ID)
	if macros.Package != modbuild.MacrosComponent {
		t.Fatalf("expected macros first, got %s", macros.Package)
	}
	h.completeComponent(macros)

	// Batch 2 starts and stalls silently.
	var target *modbuild.ComponentBuild
	deadline := time.Now().Add(testTimeout)
	for target == nil {
		if c := h.component(m.ID, "perl-Tangerine"); c.InState(modbuild.BuildStateBuilding) {
			target = c
		} else if time.Now().After(deadline) {
			t.Fatal("perl-Tangerine never started building")
		} else {
			time.Sleep(5 * time.Millisecond)
		}
	}

	// The REST collaborator cancels: it records the failed state and
	// publishes the transition.
	err := h.store.WithSession(h.ctx, func(s storage.Session) error {
		module, err := s.ModuleBuildByID(h.ctx, m.ID)
		if err != nil {
			return err
		}
		module.Transition(time.Now().UTC(), modbuild.StateFailed, "Canceled by jdoe.")
		return s.SaveModuleBuild(h.ctx, module)
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := h.bus.Publish(h.ctx, messaging.NewModuleStateChanged(
		"test", m.ID, modbuild.StateFailed, nil)); err != nil {
		t.Fatalf("publish cancel: %v", err)
	}

	final := h.waitState(m.ID, modbuild.StateFailed)
	if final.StateReason != "Canceled by jdoe." {
		t.Fatalf("state reason = %q", final.StateReason)
	}

	b, err := h.factory.ForModule(h.ctx, final)
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	deadline = time.Now().Add(testTimeout)
	for {
		info, err := b.GetTaskInfo(h.ctx, target.TaskID)
		if err != nil {
			t.Fatalf("task info: %v", err)
		}
		if info.State.Dead() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("building component never cancelled, state %v", info.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReuseSkipsSubmission(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	components := map[string]int{
		"perl-Tangerine":    0,
		"perl-List-Compare": 1,
		"tangerine":         1,
	}
	first := h.submit(100, components)
	h.waitState(first.ID, modbuild.StateReady)
	firstComponents := h.components(first.ID)

	buildsBefore := h.system.BuildCount()

	second := h.submit(101, components)
	h.waitState(second.ID, modbuild.StateReady)

	// Only module-build-macros was submitted for the rebuild.
	if got := h.system.BuildCount() - buildsBefore; got != 1 {
		t.Fatalf("expected exactly one submission (macros), got %d", got)
	}

	previous := map[string]*modbuild.ComponentBuild{}
	for _, c := range firstComponents {
		previous[c.Package] = c
	}
	for _, c := range h.components(second.ID) {
		if c.Package == modbuild.MacrosComponent {
			if c.Reused() {
				t.Fatal("macros must be rebuilt, not reused")
			}
			continue
		}
		prev := previous[c.Package]
		if !c.Reused() || c.ReusedComponentID != prev.ID {
			t.Fatalf("%s not reused from %d: %+v", c.Package, prev.ID, c)
		}
		if c.NVR != prev.NVR || c.TaskID != prev.TaskID {
			t.Fatalf("%s did not copy the previous artifact: %+v", c.Package, c)
		}
		if !c.Tagged || !c.TaggedInFinal {
			t.Fatalf("reused %s must be tagged on creation", c.Package)
		}
		if !c.InState(modbuild.BuildStateComplete) {
			t.Fatalf("reused %s not complete", c.Package)
		}
	}
}

func TestWaitHandlerIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.system.SetSilent(true)
	// The service is not started; handlers run directly.

	m := h.submit(100, map[string]int{"perl-Tangerine": 0})

	run := func() {
		ev := messaging.NewModuleStateChanged("test", m.ID, modbuild.StateWait, nil)
		err := h.store.WithSession(h.ctx, func(s storage.Session) error {
			_, herr := onModuleWait(h.ctx, h.hctx, s, ev)
			return herr
		})
		if err != nil {
			t.Fatalf("wait handler: %v", err)
		}
	}

	run()
	moduleAfterFirst := h.module(m.ID)
	componentsAfterFirst := h.components(m.ID)

	run()
	moduleAfterSecond := h.module(m.ID)
	componentsAfterSecond := h.components(m.ID)

	if moduleAfterFirst.State != moduleAfterSecond.State ||
		moduleAfterFirst.Batch != moduleAfterSecond.Batch ||
		moduleAfterFirst.KojiTag != moduleAfterSecond.KojiTag {
		t.Fatalf("wait handler diverged: %+v vs %+v", moduleAfterFirst, moduleAfterSecond)
	}
	if len(componentsAfterFirst) != len(componentsAfterSecond) {
		t.Fatalf("component count changed on replay: %d vs %d",
			len(componentsAfterFirst), len(componentsAfterSecond))
	}
	macros := h.component(m.ID, modbuild.MacrosComponent)
	if !macros.InState(modbuild.BuildStateBuilding) {
		t.Fatalf("macros state: %v", macros.State)
	}
}

func TestCompleteHandlerIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.system.SetSilent(true)

	m := h.submit(100, map[string]int{"perl-Tangerine": 0})

	// Drive wait directly, then complete macros twice.
	waitEv := messaging.NewModuleStateChanged("test", m.ID, modbuild.StateWait, nil)
	if err := h.store.WithSession(h.ctx, func(s storage.Session) error {
		_, herr := onModuleWait(h.ctx, h.hctx, s, waitEv)
		return herr
	}); err != nil {
		t.Fatalf("wait handler: %v", err)
	}

	macros := h.component(m.ID, modbuild.MacrosComponent)
	completeEv := messaging.NewComponentStateChanged(
		"test", macros.TaskID, modbuild.BuildStateComplete, macros.Package, "1.0", "1", 0)

	run := func() {
		if err := h.store.WithSession(h.ctx, func(s storage.Session) error {
			_, herr := onComponentComplete(h.ctx, h.hctx, s, completeEv)
			return herr
		}); err != nil {
			t.Fatalf("complete handler: %v", err)
		}
	}

	run()
	afterFirst := h.component(m.ID, modbuild.MacrosComponent)
	run()
	afterSecond := h.component(m.ID, modbuild.MacrosComponent)

	if !afterFirst.InState(modbuild.BuildStateComplete) || !afterSecond.InState(modbuild.BuildStateComplete) {
		t.Fatal("macros must stay complete")
	}
	if afterFirst.NVR != afterSecond.NVR {
		t.Fatalf("NVR changed on replay: %q vs %q", afterFirst.NVR, afterSecond.NVR)
	}

	// The replay must not append extra component trace rows.
	var traces []modbuild.ComponentBuildTrace
	_ = h.store.WithSession(h.ctx, func(s storage.Session) error {
		var err error
		traces, err = s.ComponentBuildTraces(h.ctx, afterFirst.ID)
		return err
	})
	complete := 0
	for _, trace := range traces {
		if trace.State != nil && *trace.State == modbuild.BuildStateComplete {
			complete++
		}
	}
	if complete != 1 {
		t.Fatalf("expected one COMPLETE trace row, got %d (%+v)", complete, traces)
	}
}
