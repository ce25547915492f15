package modbuild

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTransitionSetsCompletionOnTerminalStates(t *testing.T) {
	now := time.Date(2019, 3, 1, 12, 0, 0, 0, time.UTC)
	m := &ModuleBuild{State: StateBuild}

	m.Transition(now, StateDone, "")
	if m.Completed == nil || !m.Completed.Equal(now) {
		t.Fatalf("done must set the completion time, got %v", m.Completed)
	}

	later := now.Add(time.Minute)
	m.Transition(later, StateReady, "")
	if !m.Completed.Equal(now) {
		t.Fatalf("ready must keep the original completion time, got %v", m.Completed)
	}
	if !m.Modified.Equal(later) {
		t.Fatalf("modified not updated, got %v", m.Modified)
	}
}

func TestTransitionClearsCompletionWhenLeavingTerminalState(t *testing.T) {
	now := time.Now().UTC()
	m := &ModuleBuild{State: StateFailed}
	m.Transition(now, StateFailed, "boom")
	if m.Completed == nil {
		t.Fatal("failed must set completion")
	}

	m.Transition(now.Add(time.Minute), StateWait, "Resubmitted by someone")
	if m.Completed != nil {
		t.Fatalf("resubmission must clear completion, got %v", m.Completed)
	}
	if m.StateReason != "Resubmitted by someone" {
		t.Fatalf("state reason not recorded: %q", m.StateReason)
	}
}

func TestStateNames(t *testing.T) {
	for _, state := range States {
		if !state.Valid() {
			t.Fatalf("state %d not valid", state)
		}
		parsed, err := ParseState(state.String())
		if err != nil || parsed != state {
			t.Fatalf("round trip of %q failed: %v", state, err)
		}
	}
	if _, err := ParseState("bogus"); err == nil {
		t.Fatal("expected error for unknown state name")
	}
}

func TestTraceRoundTrip(t *testing.T) {
	state := BuildStateComplete
	trace := ComponentBuildTrace{
		ID:          7,
		ComponentID: 3,
		StateTime:   time.Date(2019, 5, 2, 3, 4, 5, 0, time.UTC),
		State:       &state,
		StateReason: "built",
		TaskID:      90276227,
	}
	raw, err := json.Marshal(trace)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded ComponentBuildTrace
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID != trace.ID || decoded.ComponentID != trace.ComponentID ||
		!decoded.StateTime.Equal(trace.StateTime) || decoded.StateReason != trace.StateReason ||
		decoded.TaskID != trace.TaskID {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
	if decoded.State == nil || *decoded.State != BuildStateComplete {
		t.Fatalf("state lost in round trip: %v", decoded.State)
	}

	mtrace := ModuleBuildTrace{ID: 1, ModuleID: 2, StateTime: trace.StateTime, State: StateBuild, StateReason: ""}
	raw, err = json.Marshal(mtrace)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var mdecoded ModuleBuildTrace
	if err := json.Unmarshal(raw, &mdecoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if mdecoded != mtrace {
		t.Fatalf("module trace round trip mismatch: %+v", mdecoded)
	}
}

func TestParseNVR(t *testing.T) {
	name, version, release, err := ParseNVR("module-build-macros-0.1-1.module_f28")
	if err != nil {
		t.Fatalf("ParseNVR: %v", err)
	}
	if name != "module-build-macros" || version != "0.1" || release != "1.module_f28" {
		t.Fatalf("unexpected parse: %s / %s / %s", name, version, release)
	}
	if _, _, _, err := ParseNVR("not-an-nvr"); err != nil {
		// two dashes are required; this has two, so it parses
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, _, err := ParseNVR("nodashes"); err == nil {
		t.Fatal("expected error for malformed NVR")
	}
}
