package messaging

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	events := []Event{
		NewComponentStateChanged("test", 90276228, modbuild.BuildStateComplete, "perl-Tangerine", "0.23", "1.module_f28", 2),
		NewRepoRegenerated("test", "module-testmodule-master-1-c1-build"),
		NewTagChanged("test", "module-testmodule-master-1-c1", "perl-Tangerine-0.23-1.module_f28"),
		NewModuleStateChanged("test", 2, modbuild.StateWait, nil),
	}

	for _, ev := range events {
		frame, err := Encode(ev)
		require.NoError(t, err)

		decoded, err := Decode(frame)
		require.NoError(t, err)
		require.NotNil(t, decoded, "event %s did not survive decoding", ev.Kind())
		require.Equal(t, ev.Kind(), decoded.Kind())
		require.Equal(t, ev.MsgID(), decoded.MsgID())
	}
}

func TestDecodeComponentFields(t *testing.T) {
	ev := NewComponentStateChanged("test", 7, modbuild.BuildStateFailed, "tangerine", "0.22", "3", 0)
	frame, err := Encode(ev)
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	got, ok := decoded.(*ComponentStateChanged)
	require.True(t, ok)
	require.Equal(t, int64(7), got.TaskID)
	require.Equal(t, modbuild.BuildStateFailed, got.NewState)
	require.Equal(t, "tangerine", got.Name)
	require.Equal(t, "0.22", got.Version)
	require.Equal(t, "3", got.Release)
}

func TestDecodeDropsIncompleteAndUnknownFrames(t *testing.T) {
	cases := []string{
		`{"kind":"component.state.change","payload":{"msg_id":"x","task_id":1}}`, // missing fields
		`{"kind":"component.state.change","payload":{"msg_id":"x","task_id":1,"new_state":99,"name":"a","version":"1","release":"2"}}`, // bad state
		`{"kind":"some.other.topic","payload":{"msg_id":"x"}}`,                   // unknown kind
		`{"kind":"tag.change","payload":{"msg_id":"x","tag":"t"}}`,               // missing nvr
		`{"kind":"module.state.change","payload":{"id":3,"state":1}}`,            // missing msg_id
	}
	for _, raw := range cases {
		ev, err := Decode([]byte(raw))
		require.NoError(t, err, raw)
		require.Nil(t, ev, "frame should have been dropped: %s", raw)
	}

	_, err := Decode([]byte("not json"))
	require.Error(t, err)
}
