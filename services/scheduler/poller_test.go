package scheduler

import (
	"testing"
	"time"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	"github.com/R3E-Network/build_orchestrator/pkg/storage"
)

func TestPollerFailsLostTasks(t *testing.T) {
	h := newHarness(t, nil)
	h.system.SetSilent(true)
	h.start()

	m := h.submit(100, map[string]int{"perl-Tangerine": 0})
	macros := h.waitSingleBuilding(m.ID)

	// The build system kills the task but the message never arrives.
	b, err := h.factory.ForModule(h.ctx, h.module(m.ID))
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	if err := b.CancelBuild(h.ctx, macros.TaskID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	h.svc.poller.RunOnce(h.ctx)

	final := h.waitState(m.ID, modbuild.StateFailed)
	if final.State != modbuild.StateFailed {
		t.Fatalf("module state = %q", final.State)
	}
	component := h.component(m.ID, modbuild.MacrosComponent)
	if !component.InState(modbuild.BuildStateCanceled) {
		t.Fatalf("macros state = %v", component.State)
	}
}

func TestPollerRedrivesWaitingModules(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	// A module sits in wait with its kickoff message lost.
	now := time.Now().UTC()
	stuck := &modbuild.ModuleBuild{
		Name: "stuckmodule", Stream: "master", Version: "280000100", Context: "c77",
		State: modbuild.StateWait, Owner: "jdoe",
		RebuildStrategy: modbuild.RebuildChangedAndAfter,
		Submitted:       now, Modified: now,
	}
	pins := &modbuild.Pins{
		BuildRequires: map[string]modbuild.PinnedModule{
			"platform": {Stream: "f28", Version: "3", Context: "c10"},
		},
	}
	manifest := &modbuild.Manifest{
		Name: "stuckmodule", Stream: "master", Version: 280000100, Context: "c77",
		BuildRequires: map[string][]string{"platform": {"f28"}},
		Requires:      map[string][]string{"platform": {"f28"}},
		Pins:          pins,
	}
	raw, err := manifest.YAML()
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	stuck.Manifest = string(raw)

	err = h.store.WithSession(h.ctx, func(s storage.Session) error {
		return s.CreateModuleBuild(h.ctx, stuck)
	})
	if err != nil {
		t.Fatalf("seed stuck module: %v", err)
	}

	h.svc.poller.RunOnce(h.ctx)

	// The replayed wait handler pushes the build forward; with no
	// components it runs macros and finishes.
	h.waitState(stuck.ID, modbuild.StateReady)
}
