package expander

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
)

// applyContexts computes the four context hashes of an expanded manifest
// over canonical, sorted dependency lists, so the result is insensitive to
// map iteration order.
func applyContexts(m *modbuild.Manifest) {
	refBuild := refBuildContext(m)
	build := buildContext(m)
	runtime := runtimeContext(m)

	combined := sha1Hex(build + runtime)

	if m.Pins == nil {
		m.Pins = &modbuild.Pins{}
	}
	m.Context = combined[:8]

	// The full hashes ride along for the module build row.
	m.Pins.RefBuildContext = refBuild
	m.Pins.BuildContext = build
	m.Pins.RuntimeContext = runtime
}

// refBuildContext hashes the name:stream references of the pinned build
// requirements.
func refBuildContext(m *modbuild.Manifest) string {
	var refs []string
	if m.Pins != nil {
		for name, pin := range m.Pins.BuildRequires {
			refs = append(refs, name+":"+pin.Stream)
		}
	}
	sort.Strings(refs)
	return sha1Hex(strings.Join(refs, ";"))
}

// buildContext hashes the full NSVC of every pinned build requirement.
func buildContext(m *modbuild.Manifest) string {
	var nsvcs []string
	if m.Pins != nil {
		for name, pin := range m.Pins.BuildRequires {
			nsvcs = append(nsvcs, strings.Join([]string{name, pin.Stream, pin.Version, pin.Context}, ":"))
		}
	}
	sort.Strings(nsvcs)
	return sha1Hex(strings.Join(nsvcs, ";"))
}

// runtimeContext hashes the runtime requirements' name:stream sets.
func runtimeContext(m *modbuild.Manifest) string {
	var refs []string
	for name, streams := range m.Requires {
		sorted := append([]string(nil), streams...)
		sort.Strings(sorted)
		refs = append(refs, name+":["+strings.Join(sorted, ",")+"]")
	}
	sort.Strings(refs)
	return sha1Hex(strings.Join(refs, ";"))
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
