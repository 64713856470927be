// Package packagecache is the central coordinator: it owns the cache
// directory and is the only component that creates or deletes per-package
// directories, materializing each requested package as a local bare Git
// repository and refreshing it on TTL expiry.
package packagecache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xamionex/aurora-server/internal/logging"
	"github.com/xamionex/aurora-server/internal/metastore"
	"github.com/xamionex/aurora-server/internal/metrics"
	"github.com/xamionex/aurora-server/internal/procrunner"
)

// cloneTimeout is the mandatory wall-clock budget for a clone attempt.
const cloneTimeout = 30 * time.Second

// Config configures the package cache manager.
type Config struct {
	CacheRoot      string `hcl:"cache-root" help:"Directory under which packages are materialized." default:"./cached_packages"`
	UpstreamIndex  string `hcl:"upstream-index,optional" help:"Host serving <name>.git repositories." default:"aur.archlinux.org"`
	UpstreamMirror string `hcl:"upstream-mirror,optional" help:"Fallback host for clone, addressed by branch <name>." default:"github.com/archlinux/aur"`
}

// RepositoryInfo describes a materialized package repository.
type RepositoryInfo struct {
	Name   string
	Path   string
	Bare   bool
	GitDir string
}

// Manager materializes, validates, refreshes, and locates per-package Git
// repositories. Concurrent EnsurePackage calls for the same name are
// serialized by a per-name mutex; different names progress in parallel,
// mirroring the teacher's gitclone.Manager state machine retargeted from
// "one mirror per upstream URL" to "one bare repository per package name".
type Manager struct {
	config Config
	runner *procrunner.Runner
	store  *metastore.Store
	locks  sync.Map // map[string]*sync.Mutex
}

// New constructs a Manager, ensuring the cache root exists.
func New(config Config, runner *procrunner.Runner, store *metastore.Store) (*Manager, error) {
	if err := os.MkdirAll(config.CacheRoot, 0o750); err != nil {
		return nil, errors.Wrap(err, "create cache root")
	}
	return &Manager{
		config: config,
		runner: runner,
		store:  store,
	}, nil
}

// CacheRoot returns the directory under which packages are materialized,
// for callers (the RPC translator's search) that need to list it.
func (m *Manager) CacheRoot() string {
	return m.config.CacheRoot
}

func (m *Manager) lockFor(name string) *sync.Mutex {
	lock, _ := m.locks.LoadOrStore(name, &sync.Mutex{})
	return lock.(*sync.Mutex) //nolint:forcetypeassert
}

// EnsurePackage implements the materialization protocol of spec.md §4.4:
// clone on first access, validate, fall back to the mirror on failure,
// mark the result bare, and refresh an existing repository past its TTL.
// Returns (nil, false) if the package could not be materialized.
func (m *Manager) EnsurePackage(ctx context.Context, name string) (*RepositoryInfo, bool) {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	repoPath := filepath.Join(m.config.CacheRoot, name)
	logger := logging.FromContext(ctx)

	if _, err := os.Stat(repoPath); err == nil {
		m.refresh(ctx, name, repoPath)
		return m.describe(name, repoPath), true
	}

	if err := m.clone(ctx, name, repoPath); err != nil {
		logger.WarnContext(ctx, "package materialization failed", "name", name, "error", err)
		return nil, false
	}

	m.store.RecordFetch(ctx, name, metastore.DefaultTTLHours)
	return m.describe(name, repoPath), true
}

// clone executes the primary-then-mirror clone sequence, validating the
// result and cleaning up any partial state on failure (spec.md §4.4 steps
// 3.a-3.e).
func (m *Manager) clone(ctx context.Context, name, repoPath string) error {
	logger := logging.FromContext(ctx)
	ops := metrics.FromContext(ctx)
	pkgAttr := attribute.String("package", name)

	if _, err := os.Stat(repoPath); err == nil {
		// A previous crashed attempt left a partial directory behind.
		if err := os.RemoveAll(repoPath); err != nil {
			return errors.Wrap(err, "remove partial directory")
		}
	}

	primaryURL := withScheme(m.config.UpstreamIndex) + "/" + name + ".git"
	start := time.Now()
	cloneErr := m.runClone(ctx, []string{"clone", primaryURL, repoPath})
	if cloneErr == nil && m.validate(repoPath) {
		ops.RecordOperation(ctx, "git.clone", "success", time.Since(start), pkgAttr)
		return m.markBare(ctx, repoPath)
	}
	ops.RecordOperation(ctx, "git.clone", "failure", time.Since(start), pkgAttr)
	logger.DebugContext(ctx, "primary clone failed or invalid, trying mirror", "name", name)

	if err := os.RemoveAll(repoPath); err != nil {
		return errors.Wrap(err, "remove invalid primary clone")
	}

	mirrorURL := withScheme(m.config.UpstreamMirror)
	start = time.Now()
	if err := m.runClone(ctx, []string{"clone", "--branch", name, "--single-branch", mirrorURL, repoPath}); err != nil {
		ops.RecordOperation(ctx, "git.clone.mirror-fallback", "failure", time.Since(start), pkgAttr)
		_ = os.RemoveAll(repoPath)
		return errors.Wrap(err, "mirror clone failed")
	}
	if !m.validate(repoPath) {
		ops.RecordOperation(ctx, "git.clone.mirror-fallback", "failure", time.Since(start), pkgAttr)
		_ = os.RemoveAll(repoPath)
		return errors.New("mirror clone produced an invalid repository")
	}
	ops.RecordOperation(ctx, "git.clone.mirror-fallback", "success", time.Since(start), pkgAttr)

	return m.markBare(ctx, repoPath)
}

// withScheme prefixes a bare host with "https://", unless the configured
// upstream already names a scheme (tests substitute a "file://" fixture
// in place of the real upstream index/mirror).
func withScheme(hostOrURL string) string {
	if strings.Contains(hostOrURL, "://") {
		return hostOrURL
	}
	return "https://" + hostOrURL
}

func (m *Manager) runClone(ctx context.Context, args []string) error {
	result, err := m.runner.Run(ctx, "", "git", args, nil, cloneTimeout)
	if err != nil {
		return errors.Wrap(err, "run git clone")
	}
	if !result.OK {
		return errors.Errorf("git clone exited %d: %s", result.ExitCode, string(result.Stderr))
	}
	return nil
}

// validate checks the clone criterion: presence of both the repository's
// internal directory and the recipe file at the repo root.
func (m *Manager) validate(repoPath string) bool {
	if _, err := os.Stat(filepath.Join(repoPath, ".git")); err != nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(repoPath, "PKGBUILD")); err != nil {
		return false
	}
	return true
}

// markBare flips core.bare=true, preserving the on-disk layout.
func (m *Manager) markBare(ctx context.Context, repoPath string) error {
	result, err := m.runner.Run(ctx, repoPath, "git", []string{"config", "core.bare", "true"}, nil, 10*time.Second)
	if err != nil {
		return errors.Wrap(err, "run git config core.bare")
	}
	if !result.OK {
		return errors.Errorf("git config core.bare exited %d: %s", result.ExitCode, string(result.Stderr))
	}
	return nil
}

// refresh implements the refresh protocol: should_refresh gates a `git
// pull`; failures are logged and swallowed, since stale data is
// acceptable (spec.md §4.4). A warm hit that does not need refreshing
// still counts as a fetch, per spec.md §3's fetch_count definition.
func (m *Manager) refresh(ctx context.Context, name, repoPath string) {
	if !m.store.ShouldRefresh(ctx, name) {
		m.store.IncrementFetch(ctx, name)
		return
	}
	logger := logging.FromContext(ctx)
	ops := metrics.FromContext(ctx)
	pkgAttr := attribute.String("package", name)

	start := time.Now()
	result, err := m.runner.Run(ctx, repoPath, "git", []string{"pull"}, nil, cloneTimeout)
	if err != nil {
		ops.RecordOperation(ctx, "git.pull", "failure", time.Since(start), pkgAttr)
		logger.WarnContext(ctx, "git pull failed", "name", name, "error", err)
		return
	}
	if !result.OK {
		ops.RecordOperation(ctx, "git.pull", "failure", time.Since(start), pkgAttr)
		logger.WarnContext(ctx, "git pull exited non-zero", "name", name, "exit_code", result.ExitCode, "stderr", string(result.Stderr))
		return
	}
	ops.RecordOperation(ctx, "git.pull", "success", time.Since(start), pkgAttr)
	m.store.RecordFetch(ctx, name, metastore.DefaultTTLHours)
}

// describe builds a RepositoryInfo, applying the bare/non-bare path
// discipline of spec.md §4.4: bare if the root has a HEAD file and no
// internal .git directory, else git_dir is repo_path/.git.
func (m *Manager) describe(name, repoPath string) *RepositoryInfo {
	_, headErr := os.Stat(filepath.Join(repoPath, "HEAD"))
	_, dotGitErr := os.Stat(filepath.Join(repoPath, ".git"))

	bare := headErr == nil && dotGitErr != nil
	gitDir := repoPath
	if !bare {
		gitDir = filepath.Join(repoPath, ".git")
	}

	return &RepositoryInfo{
		Name:   name,
		Path:   repoPath,
		Bare:   bare,
		GitDir: gitDir,
	}
}

// ResolveGitPath maps a request's path tail to an absolute file under the
// repository's Git directory, per spec.md §4.4's path-resolution rules.
func ResolveGitPath(info *RepositoryInfo, tail string) (string, error) {
	switch {
	case tail == "info/refs":
		return filepath.Join(info.GitDir, "info", "refs"), nil
	case tail == "HEAD":
		return filepath.Join(info.GitDir, "HEAD"), nil
	case strings.HasPrefix(tail, "objects/"), strings.HasPrefix(tail, "refs/"):
		return filepath.Join(info.GitDir, tail), nil
	case strings.Contains(tail, ".git/"):
		_, suffix, _ := strings.Cut(tail, ".git/")
		return filepath.Join(info.GitDir, suffix), nil
	default:
		return "", errors.Errorf("unrecognised git path tail %q", tail)
	}
}
