package modbuild

import "testing"

const sampleManifest = `
document: modulemd
version: 2
data:
  name: testmodule
  stream: master
  version: 20180205135154
  summary: A test module
  dependencies:
    - buildrequires:
        platform: [f28]
        gtk: ["1", "2"]
      requires:
        platform: [f28]
  components:
    rpms:
      perl-Tangerine:
        rationale: Tangerine itself.
        ref: f25
        buildorder: 0
      tangerine:
        rationale: Module API.
        ref: master
        buildorder: 1
        buildonly: true
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.Name != "testmodule" || m.Stream != "master" || m.Version != 20180205135154 {
		t.Fatalf("identity mismatch: %s", m.NSVC())
	}
	if got := m.BuildRequires["gtk"]; len(got) != 2 {
		t.Fatalf("gtk streams = %v", got)
	}
	c := m.RPMComponents["tangerine"]
	if c == nil || c.BuildOrder != 1 || !c.BuildTimeOnly {
		t.Fatalf("tangerine component mismatch: %+v", c)
	}
}

func TestManifestYAMLRoundTrip(t *testing.T) {
	m, err := ParseManifest([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	m.Context = "9c690d0e"
	m.Pins = &Pins{
		Commit:  "abcd1234",
		RPMRefs: map[string]string{"perl-Tangerine": "0beef00"},
		BuildRequires: map[string]PinnedModule{
			"platform": {Stream: "f28", Version: "3", Context: "00000000"},
		},
	}

	raw, err := m.YAML()
	if err != nil {
		t.Fatalf("YAML: %v", err)
	}
	back, err := ParseManifest(raw)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if back.NSVC() != m.NSVC() {
		t.Fatalf("NSVC mismatch: %s vs %s", back.NSVC(), m.NSVC())
	}
	if back.Pins == nil || back.Pins.Commit != "abcd1234" {
		t.Fatalf("pins lost: %+v", back.Pins)
	}
	if pin := back.Pins.BuildRequires["platform"]; pin.Version != "3" {
		t.Fatalf("pinned platform lost: %+v", pin)
	}
	if back.RPMComponents["tangerine"].BuildTimeOnly != true {
		t.Fatal("buildonly flag lost")
	}
}

func TestManifestClone(t *testing.T) {
	m, err := ParseManifest([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	clone := m.Clone()
	clone.BuildRequires["gtk"] = []string{"1"}
	clone.RPMComponents["tangerine"].BuildOrder = 9

	if len(m.BuildRequires["gtk"]) != 2 {
		t.Fatal("clone shares the buildrequires map")
	}
	if m.RPMComponents["tangerine"].BuildOrder != 1 {
		t.Fatal("clone shares component pointers")
	}
}
