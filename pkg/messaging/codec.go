package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
)

// envelope is the wire frame shared by every transport.
type envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Encode frames an event for a transport.
func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("messaging: marshal %s: %w", ev.Kind(), err)
	}
	raw, err := json.Marshal(envelope{Kind: ev.Kind(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("messaging: marshal envelope: %w", err)
	}
	return raw, nil
}

// Decode parses a raw frame into a typed event. Frames that do not match a
// known kind, or that lack a required field, decode to (nil, nil): the
// adapter guarantees a returned event is complete or it is not returned.
func Decode(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("messaging: invalid JSON frame")
	}
	frame := gjson.ParseBytes(raw)
	kind := Kind(frame.Get("kind").String())
	payload := frame.Get("payload")
	if !payload.Exists() {
		return nil, nil
	}

	msgID := payload.Get("msg_id").String()
	if msgID == "" {
		return nil, nil
	}

	switch kind {
	case KindComponentStateChanged:
		if !hasAll(payload, "task_id", "new_state", "name", "version", "release") {
			return nil, nil
		}
		state := modbuild.BuildState(payload.Get("new_state").Int())
		if !state.Valid() {
			return nil, nil
		}
		return &ComponentStateChanged{
			base:          base{ID: msgID},
			TaskID:        payload.Get("task_id").Int(),
			NewState:      state,
			Name:          payload.Get("name").String(),
			Version:       payload.Get("version").String(),
			Release:       payload.Get("release").String(),
			ModuleBuildID: payload.Get("module_build_id").Int(),
		}, nil

	case KindRepoRegenerated:
		if !hasAll(payload, "tag") {
			return nil, nil
		}
		return &RepoRegenerated{
			base: base{ID: msgID},
			Tag:  payload.Get("tag").String(),
		}, nil

	case KindTagChanged:
		if !hasAll(payload, "tag", "nvr") {
			return nil, nil
		}
		return &TagChanged{
			base: base{ID: msgID},
			Tag:  payload.Get("tag").String(),
			NVR:  payload.Get("nvr").String(),
		}, nil

	case KindModuleStateChanged:
		if !hasAll(payload, "id", "state") {
			return nil, nil
		}
		state := modbuild.State(payload.Get("state").Int())
		if !state.Valid() {
			return nil, nil
		}
		var module json.RawMessage
		if m := payload.Get("module"); m.Exists() {
			module = json.RawMessage(m.Raw)
		}
		return &ModuleStateChanged{
			base:          base{ID: msgID},
			ModuleBuildID: payload.Get("id").Int(),
			NewState:      state,
			Module:        module,
		}, nil
	}

	// Unknown kinds are dropped by the caller with a debug log.
	return nil, nil
}

func hasAll(payload gjson.Result, fields ...string) bool {
	for _, f := range fields {
		if !payload.Get(f).Exists() {
			return false
		}
	}
	return true
}
