// Package messaging normalizes external build-system notifications and
// internal publish calls into a single typed event stream. Transports
// deliver at most once; handlers are idempotent, so duplicates and losses
// are tolerated (the poller reconciles the rest).
package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
)

// Kind discriminates event types on the wire.
type Kind string

const (
	KindComponentStateChanged Kind = "component.state.change"
	KindRepoRegenerated       Kind = "repo.done"
	KindTagChanged            Kind = "tag.change"
	KindModuleStateChanged    Kind = "module.state.change"
)

// Event is one normalized bus message. Every event carries a stable msg_id
// used for log correlation; deduplication happens by handler idempotency,
// not by tracking ids.
type Event interface {
	MsgID() string
	Kind() Kind
}

// base carries the shared msg_id field.
type base struct {
	ID string `json:"msg_id"`
}

func (b base) MsgID() string { return b.ID }

// NewMsgID mints an id for internally synthesized events.
func NewMsgID(origin string) string {
	return fmt.Sprintf("%s:%s", origin, uuid.NewString())
}

// ComponentStateChanged reports that the external builder moved one
// component build task to a new state.
type ComponentStateChanged struct {
	base
	TaskID   int64               `json:"task_id"`
	NewState modbuild.BuildState `json:"new_state"`
	Name     string              `json:"name"`
	Version  string              `json:"version"`
	Release  string              `json:"release"`
	// ModuleBuildID is set on internally synthesized events to
	// disambiguate reused task ids; 0 otherwise.
	ModuleBuildID int64 `json:"module_build_id,omitempty"`
}

func (ComponentStateChanged) Kind() Kind { return KindComponentStateChanged }

// NewComponentStateChanged builds the event with a fresh msg_id.
func NewComponentStateChanged(origin string, taskID int64, state modbuild.BuildState, name, version, release string, moduleBuildID int64) *ComponentStateChanged {
	return &ComponentStateChanged{
		base:          base{ID: NewMsgID(origin)},
		TaskID:        taskID,
		NewState:      state,
		Name:          name,
		Version:       version,
		Release:       release,
		ModuleBuildID: moduleBuildID,
	}
}

// RepoRegenerated reports that the build system finished regenerating the
// repository for a tag.
type RepoRegenerated struct {
	base
	Tag string `json:"tag"`
}

func (RepoRegenerated) Kind() Kind { return KindRepoRegenerated }

// NewRepoRegenerated builds the event with a fresh msg_id.
func NewRepoRegenerated(origin, tag string) *RepoRegenerated {
	return &RepoRegenerated{base: base{ID: NewMsgID(origin)}, Tag: tag}
}

// TagChanged reports that an artifact was tagged into a tag.
type TagChanged struct {
	base
	Tag string `json:"tag"`
	NVR string `json:"nvr"`
}

func (TagChanged) Kind() Kind { return KindTagChanged }

// NewTagChanged builds the event with a fresh msg_id.
func NewTagChanged(origin, tag, nvr string) *TagChanged {
	return &TagChanged{base: base{ID: NewMsgID(origin)}, Tag: tag, NVR: nvr}
}

// ModuleStateChanged reports a module build state transition. Outbound
// copies carry the module's public JSON for downstream consumers.
type ModuleStateChanged struct {
	base
	ModuleBuildID int64           `json:"id"`
	NewState      modbuild.State  `json:"state"`
	Module        json.RawMessage `json:"module,omitempty"`
}

func (ModuleStateChanged) Kind() Kind { return KindModuleStateChanged }

// NewModuleStateChanged builds the event with a fresh msg_id.
func NewModuleStateChanged(origin string, moduleBuildID int64, state modbuild.State, module json.RawMessage) *ModuleStateChanged {
	return &ModuleStateChanged{
		base:          base{ID: NewMsgID(origin)},
		ModuleBuildID: moduleBuildID,
		NewState:      state,
		Module:        module,
	}
}
