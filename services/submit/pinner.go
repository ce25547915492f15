package submit

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	apperrors "github.com/R3E-Network/build_orchestrator/infrastructure/errors"
)

// RefResolver resolves a component's declared ref (possibly a branch) to a
// pinned commit. The default resolver treats the declared ref as already
// pinned; deployments wire a source-control client here.
type RefResolver func(ctx context.Context, repository, ref string) (string, error)

// RefPinner pins every component's commit over a bounded worker pool and
// fails the submission if any lookup errored.
type RefPinner struct {
	resolve RefResolver
	workers int
}

// NewRefPinner builds a pinner. A nil resolver keeps declared refs; a
// non-positive worker count defaults to 20.
func NewRefPinner(resolve RefResolver, workers int) *RefPinner {
	if resolve == nil {
		resolve = func(_ context.Context, _, ref string) (string, error) {
			return ref, nil
		}
	}
	if workers <= 0 {
		workers = 20
	}
	return &RefPinner{resolve: resolve, workers: workers}
}

// Pin resolves every RPM component's ref concurrently and stores the pinned
// commits in the manifest's private metadata.
func (p *RefPinner) Pin(ctx context.Context, m *modbuild.Manifest) error {
	names := make([]string, 0, len(m.RPMComponents))
	for name := range m.RPMComponents {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil
	}

	type result struct {
		name string
		ref  string
		err  error
	}

	jobs := make(chan string)
	results := make(chan result, len(names))

	var wg sync.WaitGroup
	workers := p.workers
	if workers > len(names) {
		workers = len(names)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range jobs {
				c := m.RPMComponents[name]
				ref, err := p.resolve(ctx, c.Repository, c.Ref)
				results <- result{name: name, ref: ref, err: err}
			}
		}()
	}
	for _, name := range names {
		jobs <- name
	}
	close(jobs)
	wg.Wait()
	close(results)

	pinned := make(map[string]string, len(names))
	var failures []string
	for r := range results {
		if r.err != nil {
			failures = append(failures, r.name+": "+r.err.Error())
			continue
		}
		pinned[r.name] = r.ref
	}
	if len(failures) > 0 {
		sort.Strings(failures)
		return apperrors.Unprocessable("failed to resolve component refs: %s", strings.Join(failures, "; "))
	}

	if m.Pins == nil {
		m.Pins = &modbuild.Pins{}
	}
	m.Pins.RPMRefs = pinned
	for name, ref := range pinned {
		m.RPMComponents[name].Ref = ref
	}
	return nil
}
