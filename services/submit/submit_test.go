package submit

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	apperrors "github.com/R3E-Network/build_orchestrator/infrastructure/errors"
	buildermock "github.com/R3E-Network/build_orchestrator/pkg/builder/mock"
	"github.com/R3E-Network/build_orchestrator/pkg/config"
	"github.com/R3E-Network/build_orchestrator/pkg/messaging"
	resolverdb "github.com/R3E-Network/build_orchestrator/pkg/resolver/db"
	"github.com/R3E-Network/build_orchestrator/pkg/resolver/resolvertest"
	"github.com/R3E-Network/build_orchestrator/pkg/storage"
	storagememory "github.com/R3E-Network/build_orchestrator/pkg/storage/memory"
	"github.com/R3E-Network/build_orchestrator/services/expander"
)

type fixture struct {
	t         *testing.T
	ctx       context.Context
	cfg       *config.Config
	store     *storagememory.Store
	submitter *Submitter
}

func newFixture(t *testing.T, tweak func(*config.Config)) *fixture {
	t.Helper()

	cfg := config.New()
	cfg.Messaging.Backend = "memory"
	cfg.Build.System = "mock"
	if tweak != nil {
		tweak(cfg)
	}

	store := storagememory.New()
	bus := messaging.NewBus(messaging.NewMemoryTransport(64), nil)
	system := buildermock.NewSystem(bus, t.TempDir(), nil)
	res := resolverdb.New(store, nil)
	exp := expander.New(res, cfg.Build.BaseModuleNames, nil)
	submitter := New(cfg, store, bus, exp, buildermock.NewFactory(system), nil, nil, nil)

	ctx := context.Background()
	f := &fixture{t: t, ctx: ctx, cfg: cfg, store: store, submitter: submitter}
	f.seedPlatform()
	return f
}

func (f *fixture) seedPlatform() {
	f.t.Helper()
	pm := resolvertest.MakeModule("platform:f28:3:c10", nil, nil)
	raw, err := pm.YAML()
	if err != nil {
		f.t.Fatalf("platform manifest: %v", err)
	}
	now := time.Now().UTC()
	platform := &modbuild.ModuleBuild{
		Name: "platform", Stream: "f28", Version: "3", Context: "c10",
		State: modbuild.StateReady, Manifest: string(raw), Owner: "infra",
		KojiTag: "module-platform-f28-3-c10", RebuildStrategy: modbuild.RebuildAll,
		Submitted: now, Modified: now,
	}
	if err := f.store.WithSession(f.ctx, func(s storage.Session) error {
		return s.CreateModuleBuild(f.ctx, platform)
	}); err != nil {
		f.t.Fatalf("seed platform: %v", err)
	}
}

func (f *fixture) manifest(version int64, components map[string]int) *modbuild.Manifest {
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

func (f *fixture) components(id int64) map[string]*modbuild.ComponentBuild {
	f.t.Helper()
	out := map[string]*modbuild.ComponentBuild{}
	_ = f.store.WithSession(f.ctx, func(s storage.Session) error {
		components, err := s.ComponentBuilds(f.ctx, id)
		if err != nil {
			return err
		}
		for _, c := range components {
			out[c.Package] = c
		}
		return nil
	})
	return out
}

func TestSubmitAssignsBatchesByBuildOrder(t *testing.T) {
	f := newFixture(t, nil)

	mods, err := f.submitter.Submit(f.ctx, f.manifest(100, map[string]int{
		"perl-Tangerine":    0,
		"perl-List-Compare": 1,
		"tangerine":         1,
	}), Options{Owner: "jdoe"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	m := mods[0]

	if m.State != modbuild.StateWait {
		t.Fatalf("submitted module in state %q, want wait", m.State)
	}
	if m.Version != strconv.FormatInt(280000100, 10) {
		t.Fatalf("version not prefixed: %s", m.Version)
	}
	if m.Batch != 0 {
		t.Fatalf("module batch must start at 0, got %d", m.Batch)
	}

	components := f.components(m.ID)
	if len(components) != 3 {
		t.Fatalf("expected 3 recorded components, got %d", len(components))
	}
	// Batch 1 stays reserved for module-build-macros.
	if got := components["perl-Tangerine"].Batch; got != 2 {
		t.Fatalf("perl-Tangerine batch = %d", got)
	}
	if got := components["perl-List-Compare"].Batch; got != 3 {
		t.Fatalf("perl-List-Compare batch = %d", got)
	}
	if got := components["tangerine"].Batch; got != 3 {
		t.Fatalf("tangerine batch = %d", got)
	}
	for _, c := range components {
		if c.State != nil {
			t.Fatalf("%s must start unsubmitted, got %v", c.Package, c.State)
		}
		if c.Weight != 1 {
			t.Fatalf("%s weight not recorded: %f", c.Package, c.Weight)
		}
	}
}

func TestSubmitConflictsWithExistingNonFailedBuild(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.submitter.Submit(f.ctx, f.manifest(100, map[string]int{"a": 0}), Options{Owner: "jdoe"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	_, err := f.submitter.Submit(f.ctx, f.manifest(100, map[string]int{"a": 0}), Options{Owner: "jdoe"})
	if !apperrors.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSubmitResumesFailedBuild(t *testing.T) {
	f := newFixture(t, nil)

	mods, err := f.submitter.Submit(f.ctx, f.manifest(100, map[string]int{"a": 0, "b": 1}), Options{Owner: "jdoe"})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	m := mods[0]

	// Simulate a failed run: one component done, one broken.
	failed := modbuild.BuildStateFailed
	complete := modbuild.BuildStateComplete
	err = f.store.WithSession(f.ctx, func(s storage.Session) error {
		module, err := s.ModuleBuildByID(f.ctx, m.ID)
		if err != nil {
			return err
		}
		module.Batch = 3
		module.Transition(time.Now().UTC(), modbuild.StateFailed, "Component(s) b failed to build.")
		if err := s.SaveModuleBuild(f.ctx, module); err != nil {
			return err
		}
		components, err := s.ComponentBuilds(f.ctx, m.ID)
		if err != nil {
			return err
		}
		for _, c := range components {
			switch c.Package {
			case "a":
				c.State = &complete
				c.NVR = "a-1.0-1"
			case "b":
				c.State = &failed
				c.StateReason = "boom"
				c.TaskID = 17
			}
			if err := s.SaveComponentBuild(f.ctx, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("simulate failure: %v", err)
	}

	mods, err = f.submitter.Submit(f.ctx, f.manifest(100, map[string]int{"a": 0, "b": 1}), Options{Owner: "lisa"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	resumed := mods[0]

	if resumed.ID != m.ID {
		t.Fatalf("resubmission must reuse the row, got %d vs %d", resumed.ID, m.ID)
	}
	if resumed.State != modbuild.StateWait {
		t.Fatalf("resumed state = %q", resumed.State)
	}
	if resumed.StateReason != "Resubmitted by lisa" {
		t.Fatalf("state reason = %q", resumed.StateReason)
	}
	if resumed.Batch != 0 {
		t.Fatalf("batch must reset, got %d", resumed.Batch)
	}

	components := f.components(m.ID)
	if components["a"].State == nil || *components["a"].State != modbuild.BuildStateComplete {
		t.Fatal("completed component must survive the resubmission")
	}
	if components["b"].State != nil {
		t.Fatalf("failed component must reset, got %v", components["b"].State)
	}
	if components["b"].TaskID != 0 {
		t.Fatal("failed component task id must reset")
	}
}

func TestSubmitRejectsDisallowedStrategyOverride(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Build.RebuildStrategiesAllowed = []string{string(modbuild.RebuildChangedAndAfter)}
	})

	_, err := f.submitter.Submit(f.ctx, f.manifest(100, map[string]int{"a": 0}), Options{
		Owner:           "jdoe",
		RebuildStrategy: modbuild.RebuildOnlyChanged,
	})
	if !apperrors.IsValidation(err) {
		t.Fatalf("expected a validation-class error, got %v", err)
	}
}

func TestSubmitReconcilesManifestWithSCM(t *testing.T) {
	f := newFixture(t, nil)

	m := f.manifest(100, map[string]int{"a": 0})
	m.Stream = ""
	_, err := f.submitter.Submit(f.ctx, m, Options{
		Owner: "jdoe", SCMName: "testmodule", SCMBranch: "master",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// A mismatching stream is rejected unless overrides are allowed.
	m2 := f.manifest(101, map[string]int{"a": 0})
	_, err = f.submitter.Submit(f.ctx, m2, Options{
		Owner: "jdoe", SCMName: "testmodule", SCMBranch: "f28",
	})
	if !apperrors.IsValidation(err) {
		t.Fatalf("expected stream mismatch rejection, got %v", err)
	}

	f.cfg.Build.AllowStreamOverrideFromSCM = true
	if _, err := f.submitter.Submit(f.ctx, m2, Options{
		Owner: "jdoe", SCMName: "testmodule", SCMBranch: "f28",
	}); err != nil {
		t.Fatalf("override should be allowed: %v", err)
	}
}

func TestSubmitRejectsCustomRepositoriesByDefault(t *testing.T) {
	f := newFixture(t, nil)

	m := f.manifest(100, map[string]int{"a": 0})
	m.RPMComponents["a"].Repository = "https://example.com/custom/a"

	_, err := f.submitter.Submit(f.ctx, m, Options{Owner: "jdoe"})
	if !apperrors.IsValidation(err) {
		t.Fatalf("expected forbidden repository error, got %v", err)
	}
}

func TestSubmitFlattensNestedModules(t *testing.T) {
	f := newFixture(t, nil)

	inner := &modbuild.Manifest{
		Name:   "included",
		Stream: "master",
		RPMComponents: map[string]*modbuild.RPMComponent{
			"perl-Inner": {Ref: "ref-inner", BuildOrder: 0},
		},
	}
	f.submitter.fetcher = func(_ context.Context, repository, ref string) (*modbuild.Manifest, error) {
		return inner.Clone(), nil
	}

	outer := f.manifest(100, map[string]int{"perl-Outer": 1})
	outer.ModuleComponents = map[string]*modbuild.ModuleComponent{
		"included": {Ref: "master", BuildOrder: 0},
	}

	mods, err := f.submitter.Submit(f.ctx, outer, Options{Owner: "jdoe"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	components := f.components(mods[0].ID)
	if len(components) != 2 {
		t.Fatalf("expected flattened components, got %+v", components)
	}
	if components["perl-Inner"].Batch != 2 {
		t.Fatalf("inner component batch = %d", components["perl-Inner"].Batch)
	}
	if components["perl-Outer"].Batch != 3 {
		t.Fatalf("outer component batch = %d", components["perl-Outer"].Batch)
	}
}

func TestSubmitRejectsDuplicateComponentAcrossNestedModules(t *testing.T) {
	f := newFixture(t, nil)

	f.submitter.fetcher = func(context.Context, string, string) (*modbuild.Manifest, error) {
		return &modbuild.Manifest{
			Name:   "included",
			Stream: "master",
			RPMComponents: map[string]*modbuild.RPMComponent{
				"shared-pkg": {Ref: "x", BuildOrder: 0},
			},
		}, nil
	}

	outer := f.manifest(100, map[string]int{"shared-pkg": 1})
	outer.ModuleComponents = map[string]*modbuild.ModuleComponent{
		"included": {Ref: "master", BuildOrder: 0},
	}

	_, err := f.submitter.Submit(f.ctx, outer, Options{Owner: "jdoe"})
	if !apperrors.IsValidation(err) {
		t.Fatalf("expected duplicate component rejection, got %v", err)
	}
}

func TestOnlyChangedStrategyReusesUnchangedOnly(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Build.RebuildStrategiesAllowed = []string{
			string(modbuild.RebuildChangedAndAfter),
			string(modbuild.RebuildOnlyChanged),
		}
	})

	// Plant a previous ready build with completed components.
	complete := modbuild.BuildStateComplete
	now := time.Now().UTC()
	previous := &modbuild.ModuleBuild{
		Name: "testmodule", Stream: "master", Version: "280000099", Context: "c0",
		State: modbuild.StateReady, Owner: "jdoe", KojiTag: "module-testmodule-old",
		RebuildStrategy: modbuild.RebuildChangedAndAfter, Submitted: now, Modified: now,
	}
	err := f.store.WithSession(f.ctx, func(s storage.Session) error {
		if err := s.CreateModuleBuild(f.ctx, previous); err != nil {
			return err
		}
		for i, spec := range []struct {
			pkg   string
			ref   string
			batch int
		}{
			{"early", "ref-early", 2},
			{"changed", "old-ref", 3},
			{"late", "ref-late", 4},
		} {
			c := &modbuild.ComponentBuild{
				ModuleID: previous.ID, Package: spec.pkg, Format: "rpms",
				Ref: spec.ref, Batch: spec.batch, State: &complete,
				NVR: spec.pkg + "-1.0-1", TaskID: int64(100 + i),
				Tagged: true, TaggedInFinal: true,
			}
			if err := s.CreateComponentBuild(f.ctx, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed previous: %v", err)
	}

	manifest := func() *modbuild.Manifest {
		m := f.manifest(100, nil)
		m.RPMComponents = map[string]*modbuild.RPMComponent{
			"early":   {Ref: "ref-early", BuildOrder: 0},
			"changed": {Ref: "new-ref", BuildOrder: 1},
			"late":    {Ref: "ref-late", BuildOrder: 2},
		}
		return m
	}

	// changed-and-after: "late" sits in a batch after the change, so it
	// rebuilds even though its ref is identical.
	mods, err := f.submitter.Submit(f.ctx, manifest(), Options{Owner: "jdoe"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	components := f.components(mods[0].ID)
	if !components["early"].Reused() {
		t.Fatal("early must be reused")
	}
	if components["changed"].Reused() {
		t.Fatal("changed must rebuild")
	}
	if components["late"].Reused() {
		t.Fatal("late must rebuild under changed-and-after")
	}

	// only-changed: "late" is unchanged, so it is reused too.
	m2 := manifest()
	m2.Version = 101
	mods, err = f.submitter.Submit(f.ctx, m2, Options{
		Owner:           "jdoe",
		RebuildStrategy: modbuild.RebuildOnlyChanged,
	})
	if err != nil {
		t.Fatalf("Submit only-changed: %v", err)
	}
	components = f.components(mods[0].ID)
	if !components["early"].Reused() || !components["late"].Reused() {
		t.Fatalf("unchanged components must be reused: %+v", components)
	}
	if components["changed"].Reused() {
		t.Fatal("changed must rebuild")
	}
}
