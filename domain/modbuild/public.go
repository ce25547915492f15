package modbuild

import (
	"encoding/json"
	"time"
)

// PublicModule is the JSON shape published on every module state change for
// downstream consumers.
type PublicModule struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Stream          string          `json:"stream"`
	Version         string          `json:"version"`
	Context         string          `json:"context"`
	State           int             `json:"state"`
	StateName       string          `json:"state_name"`
	StateReason     string          `json:"state_reason,omitempty"`
	Owner           string          `json:"owner"`
	SCMURL          string          `json:"scmurl,omitempty"`
	KojiTag         string          `json:"koji_tag,omitempty"`
	RebuildStrategy string          `json:"rebuild_strategy"`
	TimeSubmitted   string          `json:"time_submitted"`
	TimeModified    string          `json:"time_modified"`
	TimeCompleted   string          `json:"time_completed,omitempty"`
	ComponentBuilds []int64         `json:"component_builds,omitempty"`
	StateTrace      []PublicTrace   `json:"state_trace,omitempty"`
}

// PublicTrace is one trace row in the public JSON.
type PublicTrace struct {
	Time      string `json:"time"`
	State     int    `json:"state"`
	StateName string `json:"state_name"`
	Reason    string `json:"reason,omitempty"`
}

func isoTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// Public assembles the outbound JSON for a module build.
func Public(m *ModuleBuild, componentIDs []int64, traces []ModuleBuildTrace) json.RawMessage {
	pub := PublicModule{
		ID:              m.ID,
		Name:            m.Name,
		Stream:          m.Stream,
		Version:         m.Version,
		Context:         m.Context,
		State:           int(m.State),
		StateName:       m.State.String(),
		StateReason:     m.StateReason,
		Owner:           m.Owner,
		SCMURL:          m.SCMURL,
		KojiTag:         m.KojiTag,
		RebuildStrategy: string(m.RebuildStrategy),
		TimeSubmitted:   isoTime(m.Submitted),
		TimeModified:    isoTime(m.Modified),
		ComponentBuilds: componentIDs,
	}
	if m.Completed != nil {
		pub.TimeCompleted = isoTime(*m.Completed)
	}
	for _, trace := range traces {
		pub.StateTrace = append(pub.StateTrace, PublicTrace{
			Time:      isoTime(trace.StateTime),
			State:     int(trace.State),
			StateName: trace.State.String(),
			Reason:    trace.StateReason,
		})
	}
	raw, err := json.Marshal(pub)
	if err != nil {
		return nil
	}
	return raw
}
