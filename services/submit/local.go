package submit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	"github.com/R3E-Network/build_orchestrator/pkg/storage"
)

var localBuildDirRe = regexp.MustCompile(`^module-(.*)-([^-]*)-([0-9]+)$`)

type localBuild struct {
	name    string
	stream  string
	version int64
	dir     string
}

// ImportLocalBuilds loads previously finished local module builds from the
// mock results directory into the store as ready rows, so the resolver can
// pin against them. Each entry is NAME[:STREAM[:VERSION]].
func (s *Submitter) ImportLocalBuilds(ctx context.Context, nsvs []string) error {
	if len(nsvs) == 0 {
		return nil
	}
	resultsDir := s.cfg.Build.MockResultsDir
	if resultsDir == "" {
		return fmt.Errorf("mock_resultsdir is not configured")
	}

	var builds []localBuild
	entries, err := os.ReadDir(resultsDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", resultsDir, err)
	}
	for _, entry := range entries {
		m := localBuildDirRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		version, err := strconv.ParseInt(m[3], 10, 64)
		if err != nil {
			continue
		}
		builds = append(builds, localBuild{name: m[1], stream: m[2], version: version, dir: entry.Name()})
	}
	sort.Slice(builds, func(i, j int) bool { return builds[i].version > builds[j].version })

	for _, nsv := range nsvs {
		parts := strings.Split(nsv, ":")
		if len(parts) < 1 || len(parts) > 3 {
			return fmt.Errorf("the local build %q couldn't be parsed into NAME[:STREAM[:VERSION]]", nsv)
		}

		var found *localBuild
		for i := range builds {
			b := &builds[i]
			if b.name != parts[0] {
				continue
			}
			if len(parts) > 1 && b.stream != parts[1] {
				continue
			}
			if len(parts) > 2 && strconv.FormatInt(b.version, 10) != parts[2] {
				continue
			}
			found = b
			break
		}
		if found == nil {
			return fmt.Errorf("the local build %q couldn't be found in %q", nsv, resultsDir)
		}

		if err := s.importLocalBuild(ctx, resultsDir, found); err != nil {
			return err
		}
	}
	return nil
}

func (s *Submitter) importLocalBuild(ctx context.Context, resultsDir string, b *localBuild) error {
	path := filepath.Join(resultsDir, b.dir, "results")
	raw, err := os.ReadFile(filepath.Join(path, "modules.yaml"))
	if err != nil {
		return fmt.Errorf("read local build manifest: %w", err)
	}
	manifest, err := modbuild.ParseManifest(raw)
	if err != nil {
		return err
	}
	if manifest.Name != b.name || manifest.Stream != b.stream || manifest.Version != b.version {
		return fmt.Errorf("parsed metadata for %q don't match the directory name", b.dir)
	}

	now := s.now()
	return s.store.WithSession(ctx, func(sess storage.Session) error {
		_, err := sess.ModuleBuildByNSVC(ctx, manifest.Name, manifest.Stream,
			strconv.FormatInt(manifest.Version, 10), manifest.Context)
		if err == nil {
			return nil // already imported
		}
		if err != storage.ErrNotFound {
			return err
		}

		module := &modbuild.ModuleBuild{
			Name:            manifest.Name,
			Stream:          manifest.Stream,
			Version:         strconv.FormatInt(manifest.Version, 10),
			Context:         manifest.Context,
			State:           modbuild.StateReady,
			Manifest:        string(raw),
			Owner:           "local",
			KojiTag:         path,
			RebuildStrategy: modbuild.RebuildStrategy(s.cfg.Build.RebuildStrategy),
			Submitted:       now,
			Modified:        now,
		}
		module.Transition(now, modbuild.StateReady, "Imported from local build results")
		if err := sess.CreateModuleBuild(ctx, module); err != nil {
			return err
		}
		s.log.Infof("loaded local module build %s", module.NSVC())
		return nil
	})
}
