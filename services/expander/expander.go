// Package expander converts an abstract dependency manifest, whose
// dependencies carry stream sets with wildcards and negations, into one or
// more concrete, fully-pinned build plans.
package expander

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	apperrors "github.com/R3E-Network/build_orchestrator/infrastructure/errors"
	"github.com/R3E-Network/build_orchestrator/pkg/resolver"
)

// Options tune one expansion run.
type Options struct {
	// RaiseIfAmbiguous fails the expansion when more than one variant
	// survives.
	RaiseIfAmbiguous bool

	// DefaultStreams picks the stream for a dependency whose set would
	// otherwise hold several choices.
	DefaultStreams map[string]string
}

// Expander runs module stream expansion against a resolver-backed
// catalogue.
type Expander struct {
	resolver        resolver.Resolver
	baseModuleNames []string
	log             *logrus.Entry
}

// New creates an expander. baseModuleNames are the modules whose stream
// prefixes module versions.
func New(res resolver.Resolver, baseModuleNames []string, log *logrus.Entry) *Expander {
	if log == nil {
		log = logrus.WithField("component", "expander")
	}
	return &Expander{resolver: res, baseModuleNames: baseModuleNames, log: log}
}

// Expand produces the concrete manifests for one submission. Each output
// manifest has exactly one stream per build dependency, carries the pinned
// transitive closure in its private metadata, version prefixed by the base
// module's stream version, and the four context hashes applied. A runtime
// dependency gets the single stream chosen for it in the build closure; a
// runtime dependency outside that closure keeps its whole resolved stream
// list, and runtime streams do not multiply the variants.
func (e *Expander) Expand(ctx context.Context, m *modbuild.Manifest, opts Options) ([]*modbuild.Manifest, error) {
	buildChoices, err := e.expandStreamSets(ctx, m.BuildRequires, opts.DefaultStreams)
	if err != nil {
		return nil, err
	}
	runtimeChoices, err := e.expandStreamSets(ctx, m.Requires, opts.DefaultStreams)
	if err != nil {
		return nil, err
	}

	combinations := cartesian(buildChoices)
	var expanded []*modbuild.Manifest
	for _, combination := range combinations {
		variant, err := e.pinVariant(ctx, m, combination, runtimeChoices)
		if err != nil {
			return nil, err
		}
		if variant == nil {
			// Pruned: the transitive closure disagreed on a stream.
			continue
		}
		expanded = append(expanded, variant)
	}

	if len(expanded) == 0 {
		return nil, apperrors.Unprocessable(
			"stream expansion of %s:%s found no consistent dependency combination", m.Name, m.Stream)
	}
	if len(expanded) > 1 && opts.RaiseIfAmbiguous {
		return nil, apperrors.StreamAmbiguous(
			"stream expansion of %s:%s is ambiguous: %d variants; set default streams to disambiguate",
			m.Name, m.Stream, len(expanded))
	}

	for _, variant := range expanded {
		if err := e.prefixVersion(variant); err != nil {
			return nil, err
		}
		applyContexts(variant)
	}

	// Deterministic output order regardless of catalogue iteration.
	sort.Slice(expanded, func(i, j int) bool {
		return expanded[i].Context < expanded[j].Context
	})
	return expanded, nil
}

// expandStreamSets resolves wildcards and negations into concrete stream
// lists, one sorted list per dependency.
func (e *Expander) expandStreamSets(ctx context.Context, deps map[string][]string, defaults map[string]string) (map[string][]string, error) {
	out := make(map[string][]string, len(deps))
	for name, streams := range deps {
		resolved, err := e.resolveStreamSet(ctx, name, streams)
		if err != nil {
			return nil, err
		}
		if len(resolved) > 1 {
			if def, ok := defaults[name]; ok {
				for _, s := range resolved {
					if s == def {
						resolved = []string{def}
						break
					}
				}
			}
		}
		sort.Strings(resolved)
		out[name] = resolved
	}
	return out, nil
}

func (e *Expander) resolveStreamSet(ctx context.Context, name string, streams []string) ([]string, error) {
	negated := make(map[string]bool)
	var positive []string
	for _, s := range streams {
		if strings.HasPrefix(s, "-") {
			negated[strings.TrimPrefix(s, "-")] = true
		} else {
			positive = append(positive, s)
		}
	}

	// Explicit streams win; negations only restrict the catalogue when no
	// positive stream is given alongside them.
	if len(positive) > 0 {
		return positive, nil
	}

	known, err := e.resolver.GetModuleStreams(ctx, name)
	if err != nil {
		return nil, err
	}
	var resolved []string
	for _, s := range known {
		if !negated[s] {
			resolved = append(resolved, s)
		}
	}
	if len(resolved) == 0 {
		return nil, apperrors.Unprocessable("no streams available for dependency %q", name)
	}
	return resolved, nil
}

// combination is one concrete stream choice per build dependency.
type combination map[string]string

// cartesian enumerates every stream choice. Dependency names are walked in
// sorted order so the output is stable.
func cartesian(choices map[string][]string) []combination {
	names := make([]string, 0, len(choices))
	for name := range choices {
		names = append(names, name)
	}
	sort.Strings(names)

	result := []combination{{}}
	for _, name := range names {
		var next []combination
		for _, partial := range result {
			for _, stream := range choices[name] {
				extended := make(combination, len(partial)+1)
				for k, v := range partial {
					extended[k] = v
				}
				extended[name] = stream
				next = append(next, extended)
			}
		}
		result = next
	}
	return result
}

// pinVariant resolves one stream combination into a pinned manifest, or nil
// when the transitive closure disagrees on a shared dependency's stream.
func (e *Expander) pinVariant(ctx context.Context, m *modbuild.Manifest, combo combination, runtimeChoices map[string][]string) (*modbuild.Manifest, error) {
	base := e.baseDep(combo)

	pinned := make(map[string]modbuild.PinnedModule)
	chosen := make(map[string]string, len(combo))
	for name, stream := range combo {
		chosen[name] = stream
	}

	names := make([]string, 0, len(combo))
	for name := range combo {
		names = append(names, name)
	}
	sort.Strings(names)

	// Walk the requirement graph breadth first, pinning the latest
	// compatible build of every module and recording its runtime
	// requirements for consistency checking.
	queue := names
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, done := pinned[name]; done {
			continue
		}
		stream := chosen[name]

		candidates, err := e.resolver.GetBuildRequiredModulemds(ctx, name, stream, base)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			// No build of name:stream is compatible with this combination;
			// prune it.
			return nil, nil
		}
		candidate := candidates[0]
		pinned[name] = modbuild.PinnedModule{
			Stream:  candidate.Stream,
			Version: fmt.Sprintf("%d", candidate.Version),
			Context: candidate.Context,
		}

		for reqName, reqStreams := range transitiveRequires(candidate) {
			want, conflict := reconcileStream(chosen[reqName], reqStreams)
			if conflict {
				// Cross-build-dependency inconsistency prunes the whole
				// combination.
				return nil, nil
			}
			if want == "" {
				continue
			}
			if prev, ok := chosen[reqName]; ok && prev != want {
				return nil, nil
			}
			if _, ok := chosen[reqName]; !ok {
				chosen[reqName] = want
				queue = append(queue, reqName)
			}
		}
	}

	variant := m.Clone()
	for name, stream := range combo {
		variant.BuildRequires[name] = []string{stream}
	}
	for name, streams := range runtimeChoices {
		if stream, ok := chosen[name]; ok {
			variant.Requires[name] = []string{stream}
			continue
		}
		variant.Requires[name] = append([]string(nil), streams...)
	}
	if variant.Pins == nil {
		variant.Pins = &modbuild.Pins{}
	}
	variant.Pins.BuildRequires = pinned
	return variant, nil
}

// baseDep picks the chosen base module variant out of a combination, if one
// is buildrequired.
func (e *Expander) baseDep(combo combination) modbuild.ModuleDep {
	for _, name := range e.baseModuleNames {
		if stream, ok := combo[name]; ok {
			return modbuild.ModuleDep{Name: name, Stream: stream}
		}
	}
	return modbuild.ModuleDep{}
}

// transitiveRequires reads a candidate's runtime requirements, preferring
// the pinned set when present.
func transitiveRequires(m *modbuild.Manifest) map[string][]string {
	if m.Pins != nil && len(m.Pins.Requires) > 0 {
		out := make(map[string][]string, len(m.Pins.Requires))
		for name, pin := range m.Pins.Requires {
			out[name] = []string{pin.Stream}
		}
		return out
	}
	return m.Requires
}

// reconcileStream matches a previously chosen stream against a dependency's
// declared set. It returns the stream to adopt (empty to leave the choice
// open) and whether the sets are irreconcilable.
func reconcileStream(chosen string, declared []string) (string, bool) {
	var positive []string
	negated := make(map[string]bool)
	for _, s := range declared {
		if strings.HasPrefix(s, "-") {
			negated[strings.TrimPrefix(s, "-")] = true
		} else {
			positive = append(positive, s)
		}
	}

	if chosen != "" {
		if negated[chosen] {
			return "", true
		}
		if len(positive) == 0 {
			return chosen, false
		}
		for _, s := range positive {
			if s == chosen {
				return chosen, false
			}
		}
		return "", true
	}

	if len(positive) == 1 {
		return positive[0], false
	}
	return "", false
}

// prefixVersion prepends the base module's packed stream version.
func (e *Expander) prefixVersion(m *modbuild.Manifest) error {
	if m.Pins == nil {
		return nil
	}
	for _, baseName := range e.baseModuleNames {
		pin, ok := m.Pins.BuildRequires[baseName]
		if !ok {
			continue
		}
		streamVersion, err := modbuild.StreamVersion(pin.Stream)
		if err != nil {
			e.log.WithField("base", baseName).WithError(err).
				Warn("base module stream carries no usable version prefix")
			return nil
		}
		prefixed, err := modbuild.PrefixVersion(m.Version, streamVersion)
		if err != nil {
			return apperrors.Validation("cannot prefix version of %s:%s: %v", m.Name, m.Stream, err)
		}
		m.Version = prefixed
		return nil
	}
	e.log.WithField("module", m.Name).Debug("manifest buildrequires no base module")
	return nil
}
