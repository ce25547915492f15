package modbuild

import (
	"fmt"
	"strings"
)

// ModuleDep identifies one pinned module dependency together with the build
// system tag its artifacts live under.
type ModuleDep struct {
	Name    string `json:"name"`
	Stream  string `json:"stream"`
	Version string `json:"version"`
	Context string `json:"context"`
	Tag     string `json:"tag,omitempty"`
}

// NSVC formats the dependency's fully qualified identifier.
func (d ModuleDep) NSVC() string {
	return fmt.Sprintf("%s:%s:%s:%s", d.Name, d.Stream, d.Version, d.Context)
}

// ParseNSVC splits a name:stream:version:context identifier.
func ParseNSVC(nsvc string) (name, stream, version, context string, err error) {
	parts := strings.Split(nsvc, ":")
	if len(parts) != 4 {
		return "", "", "", "", fmt.Errorf("invalid NSVC %q", nsvc)
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}

// FormatNVR assembles a name-version-release artifact identifier.
func FormatNVR(name, version, release string) string {
	return fmt.Sprintf("%s-%s-%s", name, version, release)
}

// ParseNVR splits a name-version-release identifier. Both version and
// release are the trailing dash-separated fields; everything before them is
// the name.
func ParseNVR(nvr string) (name, version, release string, err error) {
	i := strings.LastIndex(nvr, "-")
	if i <= 0 {
		return "", "", "", fmt.Errorf("invalid NVR %q", nvr)
	}
	release = nvr[i+1:]
	rest := nvr[:i]
	j := strings.LastIndex(rest, "-")
	if j <= 0 {
		return "", "", "", fmt.Errorf("invalid NVR %q", nvr)
	}
	return rest[:j], rest[j+1:], release, nil
}
