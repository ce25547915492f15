// Package submit implements the submission core: it validates a parsed
// manifest, expands its streams, guards against NSVC conflicts, records the
// module and component rows, and hands the build over to the scheduler by
// publishing the wait transition.
package submit

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	apperrors "github.com/R3E-Network/build_orchestrator/infrastructure/errors"
	"github.com/R3E-Network/build_orchestrator/pkg/builder"
	"github.com/R3E-Network/build_orchestrator/pkg/config"
	"github.com/R3E-Network/build_orchestrator/pkg/messaging"
	"github.com/R3E-Network/build_orchestrator/pkg/storage"
	"github.com/R3E-Network/build_orchestrator/services/expander"
)

const msgOrigin = "submit"

// ManifestFetcher retrieves the manifest of a nested module component.
type ManifestFetcher func(ctx context.Context, repository, ref string) (*modbuild.Manifest, error)

// EOLChecker reports whether a name:stream is end-of-life. Enabled through
// the check_for_eol option.
type EOLChecker func(ctx context.Context, name, stream string) (bool, error)

// Submitter drives one submission through expansion and recording.
type Submitter struct {
	cfg      *config.Config
	store    storage.Store
	bus      *messaging.Bus
	expander *expander.Expander
	builders builder.Factory
	pinner   *RefPinner
	fetcher  ManifestFetcher
	eol      EOLChecker
	log      *logrus.Entry
	now      func() time.Time
}

// New wires a submitter. fetcher and eol may be nil when nested modules and
// the EOL check are not in play.
func New(cfg *config.Config, store storage.Store, bus *messaging.Bus, exp *expander.Expander, builders builder.Factory, fetcher ManifestFetcher, eol EOLChecker, log *logrus.Entry) *Submitter {
	if log == nil {
		log = logrus.WithField("component", "submit")
	}
	return &Submitter{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		expander: exp,
		builders: builders,
		pinner:   NewRefPinner(nil, 0),
		fetcher:  fetcher,
		eol:      eol,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock pins the time source; tests use it.
func (s *Submitter) SetClock(now func() time.Time) { s.now = now }

// SetPinner swaps the commit pinner.
func (s *Submitter) SetPinner(p *RefPinner) { s.pinner = p }

// Options carry the per-submission knobs.
type Options struct {
	Owner  string
	SCMURL string

	// SCMName and SCMBranch are what the source-control collaborator
	// derived from the checkout; when set they are reconciled against the
	// manifest under the override policy.
	SCMName   string
	SCMBranch string

	RebuildStrategy  modbuild.RebuildStrategy
	RaiseIfAmbiguous bool
	DefaultStreams   map[string]string
}

// Submit validates, expands, and records one manifest. It returns the
// module builds created or resumed, one per expansion variant.
func (s *Submitter) Submit(ctx context.Context, manifest *modbuild.Manifest, opts Options) ([]*modbuild.ModuleBuild, error) {
	if err := s.reconcileSCM(manifest, opts); err != nil {
		return nil, err
	}
	if err := s.validate(ctx, manifest); err != nil {
		return nil, err
	}

	strategy := modbuild.RebuildStrategy(s.cfg.Build.RebuildStrategy)
	if opts.RebuildStrategy != "" {
		if !opts.RebuildStrategy.Valid() {
			return nil, apperrors.Validation("unknown rebuild strategy %q", opts.RebuildStrategy)
		}
		if !s.cfg.StrategyAllowed(opts.RebuildStrategy) {
			return nil, apperrors.Forbidden("rebuild strategy %q is not allowed", opts.RebuildStrategy)
		}
		strategy = opts.RebuildStrategy
	}

	variants, err := s.expander.Expand(ctx, manifest, expander.Options{
		RaiseIfAmbiguous: opts.RaiseIfAmbiguous,
		DefaultStreams:   opts.DefaultStreams,
	})
	if err != nil {
		return nil, err
	}

	var modules []*modbuild.ModuleBuild
	for _, variant := range variants {
		module, err := s.submitVariant(ctx, variant, strategy, opts)
		if err != nil {
			return nil, err
		}
		modules = append(modules, module)
	}
	return modules, nil
}

// reconcileSCM aligns the manifest's identity with what source control
// says, honoring the override looseness toggles.
func (s *Submitter) reconcileSCM(m *modbuild.Manifest, opts Options) error {
	if opts.SCMName != "" {
		if m.Name != "" && m.Name != opts.SCMName {
			if !s.cfg.Build.AllowNameOverrideFromSCM {
				return apperrors.Validation("the name %q stored in the manifest is not valid", m.Name)
			}
		} else {
			m.Name = opts.SCMName
		}
	}
	if opts.SCMBranch != "" {
		if m.Stream != "" && m.Stream != opts.SCMBranch {
			if !s.cfg.Build.AllowStreamOverrideFromSCM {
				return apperrors.Validation(
					"the stream %q stored in the manifest does not match the branch %q",
					m.Stream, opts.SCMBranch)
			}
		} else {
			m.Stream = opts.SCMBranch
		}
	}
	return nil
}

// validate enforces the repository policy and the optional EOL check.
func (s *Submitter) validate(ctx context.Context, m *modbuild.Manifest) error {
	if m.Name == "" || m.Stream == "" {
		return apperrors.Validation("manifest is missing a name or stream")
	}
	for name, c := range m.RPMComponents {
		if c.Repository != "" && !s.cfg.Build.RPMsAllowRepository {
			return apperrors.Forbidden("custom component repositories aren't allowed: %q bears repository %q", name, c.Repository)
		}
		if c.Cache != "" && !s.cfg.Build.RPMsAllowCache {
			return apperrors.Forbidden("custom component caches aren't allowed: %q bears cache %q", name, c.Cache)
		}
	}
	for name, c := range m.ModuleComponents {
		if c.Repository != "" && !s.cfg.Build.ModulesAllowRepository {
			return apperrors.Forbidden("custom module repositories aren't allowed: %q bears repository %q", name, c.Repository)
		}
	}
	if s.cfg.Build.CheckForEOL && s.eol != nil {
		eol, err := s.eol(ctx, m.Name, m.Stream)
		if err != nil {
			return apperrors.Validation("EOL check for %s:%s failed: %v", m.Name, m.Stream, err)
		}
		if eol {
			return apperrors.Validation("module %s:%s is marked as end-of-life", m.Name, m.Stream)
		}
	}
	return nil
}

// submitVariant records or resumes one expanded variant.
func (s *Submitter) submitVariant(ctx context.Context, variant *modbuild.Manifest, strategy modbuild.RebuildStrategy, opts Options) (*modbuild.ModuleBuild, error) {
	s.applyComponentDefaults(variant)
	if err := s.pinner.Pin(ctx, variant); err != nil {
		return nil, err
	}

	var module *modbuild.ModuleBuild
	var publish []*messaging.ModuleStateChanged
	var fresh bool

	// The creation commits on its own so the init state lands in the trace
	// before the wait transition does.
	err := s.store.WithSession(ctx, func(sess storage.Session) error {
		existing, err := sess.ModuleBuildByNSVC(ctx, variant.Name, variant.Stream, formatVersion(variant.Version), variant.Context)
		switch {
		case err == nil:
			resumed, events, rerr := s.resume(ctx, sess, existing, strategy, opts)
			if rerr != nil {
				return rerr
			}
			module = resumed
			publish = events
			return nil
		case err != storage.ErrNotFound:
			return err
		}

		created, events, err := s.create(ctx, sess, variant, strategy, opts)
		if err != nil {
			return err
		}
		module = created
		publish = events
		fresh = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if fresh {
		// Hand over to the scheduler in a second transaction: the wait
		// handler prepares the buildroot.
		err = s.store.WithSession(ctx, func(sess storage.Session) error {
			m, err := sess.ModuleBuildByID(ctx, module.ID)
			if err != nil {
				return err
			}
			m.Transition(s.now(), modbuild.StateWait, "")
			if err := sess.SaveModuleBuild(ctx, m); err != nil {
				return err
			}
			components, err := sess.ComponentBuilds(ctx, m.ID)
			if err != nil {
				return err
			}
			module = m
			publish = append(publish, messaging.NewModuleStateChanged(
				msgOrigin, m.ID, m.State, modbuild.Public(m, componentIDs(components), nil)))
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	for _, ev := range publish {
		if err := s.bus.Publish(ctx, ev); err != nil {
			s.log.WithError(err).WithField("module", module.ID).Warn("failed to publish state change")
		}
	}
	return module, nil
}

// resume restarts a previously failed build on the same row.
func (s *Submitter) resume(ctx context.Context, sess storage.Session, module *modbuild.ModuleBuild, strategy modbuild.RebuildStrategy, opts Options) (*modbuild.ModuleBuild, []*messaging.ModuleStateChanged, error) {
	if module.State != modbuild.StateFailed {
		return nil, nil, apperrors.Conflict(
			"module %s already exists in state %q; only a new build or resubmission of a failed build is allowed",
			module.NSVC(), module.State)
	}
	if opts.RebuildStrategy != "" && module.RebuildStrategy != opts.RebuildStrategy {
		return nil, nil, apperrors.Validation(
			"the rebuild strategy cannot change when resuming a module build")
	}

	components, err := sess.ComponentBuilds(ctx, module.ID)
	if err != nil {
		return nil, nil, err
	}
	for _, c := range components {
		if c.State != nil && !c.InState(modbuild.BuildStateComplete) {
			c.State = nil
			c.StateReason = ""
			c.TaskID = 0
			if err := sess.SaveComponentBuild(ctx, c); err != nil {
				return nil, nil, err
			}
		}
	}

	target := modbuild.StateWait
	if prev := previousNonFailedState(ctx, sess, module); prev == modbuild.StateInit {
		target = modbuild.StateInit
	} else {
		module.Batch = 0
	}
	module.Owner = opts.Owner
	module.Transition(s.now(), target, "Resubmitted by "+opts.Owner)
	if err := sess.SaveModuleBuild(ctx, module); err != nil {
		return nil, nil, err
	}

	ev := messaging.NewModuleStateChanged(msgOrigin, module.ID, module.State, modbuild.Public(module, componentIDs(components), nil))
	s.log.Infof("resumed existing module build %s in state %q", module.NSVC(), module.State)
	return module, []*messaging.ModuleStateChanged{ev}, nil
}

// create records a brand new module build with its planned components.
func (s *Submitter) create(ctx context.Context, sess storage.Session, variant *modbuild.Manifest, strategy modbuild.RebuildStrategy, opts Options) (*modbuild.ModuleBuild, []*messaging.ModuleStateChanged, error) {
	now := s.now()
	raw, err := variant.YAML()
	if err != nil {
		return nil, nil, apperrors.Internal(err, "encode expanded manifest")
	}

	module := &modbuild.ModuleBuild{
		Name:            variant.Name,
		Stream:          variant.Stream,
		Version:         formatVersion(variant.Version),
		Context:         variant.Context,
		State:           modbuild.StateInit,
		Manifest:        string(raw),
		SCMURL:          opts.SCMURL,
		Owner:           opts.Owner,
		RebuildStrategy: strategy,
		Submitted:       now,
		Modified:        now,
	}
	if variant.Pins != nil {
		module.RefBuildContext = variant.Pins.RefBuildContext
		module.BuildContext = variant.Pins.BuildContext
		module.RuntimeContext = variant.Pins.RuntimeContext
	}
	if err := sess.CreateModuleBuild(ctx, module); err != nil {
		return nil, nil, err
	}

	ids, err := s.recordComponents(ctx, sess, module, variant)
	if err != nil {
		return nil, nil, err
	}

	initEv := messaging.NewModuleStateChanged(msgOrigin, module.ID, module.State, modbuild.Public(module, ids, nil))

	s.log.Infof("%s submitted build of %s, stream=%s, version=%s, context=%s",
		opts.Owner, module.Name, module.Stream, module.Version, module.Context)
	return module, []*messaging.ModuleStateChanged{initEv}, nil
}

// applyComponentDefaults fills in repository, cache, and ref defaults the
// way manifest formatting does.
func (s *Submitter) applyComponentDefaults(m *modbuild.Manifest) {
	for name, c := range m.RPMComponents {
		if c.Repository == "" {
			c.Repository = s.cfg.Build.RPMsDefaultRepository + name
		}
		if c.Cache == "" {
			c.Cache = s.cfg.Build.RPMsDefaultCache + name
		}
		if c.Ref == "" {
			c.Ref = "master"
		}
	}
	for name, c := range m.ModuleComponents {
		if c.Repository == "" {
			c.Repository = s.cfg.Build.ModulesDefaultRepository + name
		}
		if c.Ref == "" {
			c.Ref = "master"
		}
	}
}

func previousNonFailedState(ctx context.Context, sess storage.Session, module *modbuild.ModuleBuild) modbuild.State {
	traces, err := sess.ModuleBuildTraces(ctx, module.ID)
	if err != nil {
		return modbuild.StateWait
	}
	for i := len(traces) - 1; i >= 0; i-- {
		if traces[i].State != modbuild.StateFailed {
			return traces[i].State
		}
	}
	return modbuild.StateWait
}

func componentIDs(components []*modbuild.ComponentBuild) []int64 {
	ids := make([]int64, 0, len(components))
	for _, c := range components {
		ids = append(ids, c.ID)
	}
	return ids
}

func formatVersion(version int64) string {
	return strconv.FormatInt(version, 10)
}
