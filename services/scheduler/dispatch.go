package scheduler

import (
	"fmt"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	"github.com/R3E-Network/build_orchestrator/pkg/messaging"
)

// dispatcher holds the two-level lookup tables that map an event and the
// observed state to a handler. The tables are exhaustive over both state
// enums; sanityCheck enforces that at startup.
type dispatcher struct {
	onModuleChange map[modbuild.State]Handler
	onBuildChange  map[modbuild.BuildState]Handler
	onRepoChange   Handler
	onTagChange    Handler
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		onModuleChange: map[modbuild.State]Handler{
			modbuild.StateInit:   noOp,
			modbuild.StateWait:   onModuleWait,
			modbuild.StateBuild:  noOp,
			modbuild.StateDone:   onModuleDone,
			modbuild.StateFailed: onModuleFailed,
			modbuild.StateReady:  noOp,
		},
		onBuildChange: map[modbuild.BuildState]Handler{
			modbuild.BuildStateBuilding: noOp,
			modbuild.BuildStateComplete: onComponentComplete,
			modbuild.BuildStateDeleted:  noOp,
			modbuild.BuildStateFailed:   onComponentFailed,
			modbuild.BuildStateCanceled: onComponentCanceled,
		},
		onRepoChange: onRepoRegenerated,
		onTagChange:  onTagChanged,
	}
}

// sanityCheck verifies the dispatch tables cover every state.
func (d *dispatcher) sanityCheck() error {
	for _, state := range modbuild.States {
		if _, ok := d.onModuleChange[state]; !ok {
			return fmt.Errorf("module build state %q not handled", state)
		}
	}
	for _, state := range modbuild.BuildStates {
		if _, ok := d.onBuildChange[state]; !ok {
			return fmt.Errorf("builder state %q not handled", state)
		}
	}
	if d.onRepoChange == nil || d.onTagChange == nil {
		return fmt.Errorf("repo or tag change handler missing")
	}
	return nil
}

// handlerFor selects the handler for an event. The returned string names the
// (event, state) pair; callers use it as the handler duration metric label.
func (d *dispatcher) handlerFor(ev messaging.Event) (Handler, string, error) {
	switch e := ev.(type) {
	case *messaging.ComponentStateChanged:
		handler, ok := d.onBuildChange[e.NewState]
		if !ok {
			return nil, "", fmt.Errorf("no handler for builder state %q", e.NewState)
		}
		return handler, fmt.Sprintf("component:%s", e.NewState), nil
	case *messaging.ModuleStateChanged:
		handler, ok := d.onModuleChange[e.NewState]
		if !ok {
			return nil, "", fmt.Errorf("no handler for module state %q", e.NewState)
		}
		return handler, fmt.Sprintf("module:%s", e.NewState), nil
	case *messaging.RepoRegenerated:
		return d.onRepoChange, "repo:done", nil
	case *messaging.TagChanged:
		return d.onTagChange, "tag:change", nil
	default:
		return nil, "", fmt.Errorf("unhandled event type %T", ev)
	}
}
