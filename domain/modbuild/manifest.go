package modbuild

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Manifest is the declarative input describing a module build: its identity,
// its package components, and its stream dependencies on other modules.
// Before expansion the dependency maps hold stream *sets* (possibly with
// "-x" negations or empty sets meaning "any"); after expansion each holds
// exactly one stream and Pins carries the concrete transitive closure.
type Manifest struct {
	Name        string
	Stream      string
	Version     int64
	Context     string
	Summary     string
	Description string

	// BuildRequires and Requires map dependency module name to its allowed
	// stream set.
	BuildRequires map[string][]string
	Requires      map[string][]string

	RPMComponents    map[string]*RPMComponent
	ModuleComponents map[string]*ModuleComponent

	// Pins carries the private, fully-pinned data attached during manifest
	// formatting and stream expansion.
	Pins *Pins
}

// RPMComponent is one package declared by the manifest.
type RPMComponent struct {
	Rationale     string
	Repository    string
	Cache         string
	Ref           string
	BuildOrder    int
	BuildTimeOnly bool
	Arches        []string
}

// ModuleComponent is a nested module declared as a component; its own
// manifest is fetched and flattened during submission.
type ModuleComponent struct {
	Rationale  string
	Repository string
	Ref        string
	BuildOrder int
}

// PinnedModule identifies one concrete module variant.
type PinnedModule struct {
	Stream  string `yaml:"stream" json:"stream"`
	Version string `yaml:"version" json:"version"`
	Context string `yaml:"context" json:"context"`
	Ref     string `yaml:"ref,omitempty" json:"ref,omitempty"`
}

// Pins is the private metadata block recording where every input was pinned:
// the manifest's own commit, per-package commit refs, and the concrete
// (name, stream, version, context) of every transitively required module.
type Pins struct {
	SCMURL        string                  `yaml:"scmurl,omitempty" json:"scmurl,omitempty"`
	Commit        string                  `yaml:"commit,omitempty" json:"commit,omitempty"`
	RPMRefs       map[string]string       `yaml:"rpms,omitempty" json:"rpms,omitempty"`
	BuildRequires map[string]PinnedModule `yaml:"buildrequires,omitempty" json:"buildrequires,omitempty"`
	Requires      map[string]PinnedModule `yaml:"requires,omitempty" json:"requires,omitempty"`

	// Full context hashes computed during stream expansion; the public
	// 8-char context on the manifest derives from these.
	RefBuildContext string `yaml:"ref_build_context,omitempty" json:"ref_build_context,omitempty"`
	BuildContext    string `yaml:"build_context,omitempty" json:"build_context,omitempty"`
	RuntimeContext  string `yaml:"runtime_context,omitempty" json:"runtime_context,omitempty"`
}

// NSVC returns the manifest's name:stream:version:context.
func (m *Manifest) NSVC() string {
	return fmt.Sprintf("%s:%s:%d:%s", m.Name, m.Stream, m.Version, m.Context)
}

// DependencyNames returns the build-requirement names in sorted order.
func (m *Manifest) DependencyNames() []string {
	names := make([]string, 0, len(m.BuildRequires))
	for name := range m.BuildRequires {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy. The expander mutates copies while walking the
// stream choice space.
func (m *Manifest) Clone() *Manifest {
	out := *m
	out.BuildRequires = cloneStreamSets(m.BuildRequires)
	out.Requires = cloneStreamSets(m.Requires)
	if m.RPMComponents != nil {
		out.RPMComponents = make(map[string]*RPMComponent, len(m.RPMComponents))
		for name, c := range m.RPMComponents {
			cc := *c
			cc.Arches = append([]string(nil), c.Arches...)
			out.RPMComponents[name] = &cc
		}
	}
	if m.ModuleComponents != nil {
		out.ModuleComponents = make(map[string]*ModuleComponent, len(m.ModuleComponents))
		for name, c := range m.ModuleComponents {
			cc := *c
			out.ModuleComponents[name] = &cc
		}
	}
	if m.Pins != nil {
		pins := *m.Pins
		pins.RPMRefs = cloneStringMap(m.Pins.RPMRefs)
		pins.BuildRequires = clonePinned(m.Pins.BuildRequires)
		pins.Requires = clonePinned(m.Pins.Requires)
		out.Pins = &pins
	}
	return &out
}

func cloneStreamSets(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func clonePinned(in map[string]PinnedModule) map[string]PinnedModule {
	if in == nil {
		return nil
	}
	out := make(map[string]PinnedModule, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// --- YAML wire format ---

type manifestDoc struct {
	Document string       `yaml:"document"`
	Version  int          `yaml:"version"`
	Data     manifestData `yaml:"data"`
}

type manifestData struct {
	Name         string             `yaml:"name,omitempty"`
	Stream       string             `yaml:"stream,omitempty"`
	Version      int64              `yaml:"version,omitempty"`
	Context      string             `yaml:"context,omitempty"`
	Summary      string             `yaml:"summary,omitempty"`
	Description  string             `yaml:"description,omitempty"`
	Dependencies []manifestDeps     `yaml:"dependencies,omitempty"`
	Components   manifestComponents `yaml:"components,omitempty"`
	XMD          manifestXMD        `yaml:"xmd,omitempty"`
}

type manifestDeps struct {
	BuildRequires map[string][]string `yaml:"buildrequires,omitempty"`
	Requires      map[string][]string `yaml:"requires,omitempty"`
}

type manifestComponents struct {
	RPMs    map[string]manifestRPM    `yaml:"rpms,omitempty"`
	Modules map[string]manifestModule `yaml:"modules,omitempty"`
}

type manifestRPM struct {
	Rationale  string   `yaml:"rationale,omitempty"`
	Repository string   `yaml:"repository,omitempty"`
	Cache      string   `yaml:"cache,omitempty"`
	Ref        string   `yaml:"ref,omitempty"`
	BuildOrder int      `yaml:"buildorder,omitempty"`
	BuildOnly  bool     `yaml:"buildonly,omitempty"`
	Arches     []string `yaml:"arches,omitempty"`
}

type manifestModule struct {
	Rationale  string `yaml:"rationale,omitempty"`
	Repository string `yaml:"repository,omitempty"`
	Ref        string `yaml:"ref,omitempty"`
	BuildOrder int    `yaml:"buildorder,omitempty"`
}

type manifestXMD struct {
	MBO *Pins `yaml:"mbo,omitempty"`
}

// ParseManifest decodes a manifest document from YAML.
func ParseManifest(raw []byte) (*Manifest, error) {
	var doc manifestDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if doc.Document != "" && doc.Document != "modulemd" {
		return nil, fmt.Errorf("parse manifest: unsupported document type %q", doc.Document)
	}

	m := &Manifest{
		Name:        doc.Data.Name,
		Stream:      doc.Data.Stream,
		Version:     doc.Data.Version,
		Context:     doc.Data.Context,
		Summary:     doc.Data.Summary,
		Description: doc.Data.Description,
		Pins:        doc.Data.XMD.MBO,
	}
	for _, deps := range doc.Data.Dependencies {
		for name, streams := range deps.BuildRequires {
			if m.BuildRequires == nil {
				m.BuildRequires = make(map[string][]string)
			}
			m.BuildRequires[name] = append([]string(nil), streams...)
		}
		for name, streams := range deps.Requires {
			if m.Requires == nil {
				m.Requires = make(map[string][]string)
			}
			m.Requires[name] = append([]string(nil), streams...)
		}
	}
	for name, rpm := range doc.Data.Components.RPMs {
		if m.RPMComponents == nil {
			m.RPMComponents = make(map[string]*RPMComponent)
		}
		m.RPMComponents[name] = &RPMComponent{
			Rationale:     rpm.Rationale,
			Repository:    rpm.Repository,
			Cache:         rpm.Cache,
			Ref:           rpm.Ref,
			BuildOrder:    rpm.BuildOrder,
			BuildTimeOnly: rpm.BuildOnly,
			Arches:        append([]string(nil), rpm.Arches...),
		}
	}
	for name, mod := range doc.Data.Components.Modules {
		if m.ModuleComponents == nil {
			m.ModuleComponents = make(map[string]*ModuleComponent)
		}
		m.ModuleComponents[name] = &ModuleComponent{
			Rationale:  mod.Rationale,
			Repository: mod.Repository,
			Ref:        mod.Ref,
			BuildOrder: mod.BuildOrder,
		}
	}
	return m, nil
}

// YAML encodes the manifest, including its pinned metadata, to the wire
// format stored on the module build row.
func (m *Manifest) YAML() ([]byte, error) {
	doc := manifestDoc{
		Document: "modulemd",
		Version:  2,
		Data: manifestData{
			Name:        m.Name,
			Stream:      m.Stream,
			Version:     m.Version,
			Context:     m.Context,
			Summary:     m.Summary,
			Description: m.Description,
			XMD:         manifestXMD{MBO: m.Pins},
		},
	}
	if len(m.BuildRequires) > 0 || len(m.Requires) > 0 {
		doc.Data.Dependencies = []manifestDeps{{
			BuildRequires: m.BuildRequires,
			Requires:      m.Requires,
		}}
	}
	if len(m.RPMComponents) > 0 {
		doc.Data.Components.RPMs = make(map[string]manifestRPM, len(m.RPMComponents))
		for name, c := range m.RPMComponents {
			doc.Data.Components.RPMs[name] = manifestRPM{
				Rationale:  c.Rationale,
				Repository: c.Repository,
				Cache:      c.Cache,
				Ref:        c.Ref,
				BuildOrder: c.BuildOrder,
				BuildOnly:  c.BuildTimeOnly,
				Arches:     c.Arches,
			}
		}
	}
	if len(m.ModuleComponents) > 0 {
		doc.Data.Components.Modules = make(map[string]manifestModule, len(m.ModuleComponents))
		for name, c := range m.ModuleComponents {
			doc.Data.Components.Modules[name] = manifestModule{
				Rationale:  c.Rationale,
				Repository: c.Repository,
				Ref:        c.Ref,
				BuildOrder: c.BuildOrder,
			}
		}
	}
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return out, nil
}
