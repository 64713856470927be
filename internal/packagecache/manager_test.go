package packagecache_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/xamionex/aurora-server/internal/logging"
	"github.com/xamionex/aurora-server/internal/metastore"
	"github.com/xamionex/aurora-server/internal/packagecache"
	"github.com/xamionex/aurora-server/internal/procrunner"
)

// newLocalUpstreamRoot creates a directory containing "<name>.git", a
// local git repository with a PKGBUILD, standing in for the real upstream
// index so clone can be exercised without network access. The returned
// root, combined with "file://", is suitable as Config.UpstreamIndex.
func newLocalUpstreamRoot(t *testing.T, name string) string {
	t.Helper()
	root := t.TempDir()
	repo := filepath.Join(root, name+".git")
	assert.NoError(t, os.MkdirAll(repo, 0o755))

	runner := procrunner.New()
	ctx := context.Background()
	mustRun := func(args ...string) {
		t.Helper()
		result, err := runner.Run(ctx, repo, "git", args, nil, 0)
		assert.NoError(t, err)
		assert.True(t, result.OK, string(result.Stderr))
	}
	mustRun("init")
	mustRun("config", "user.email", "test@example.com")
	mustRun("config", "user.name", "test")
	assert.NoError(t, os.WriteFile(filepath.Join(repo, "PKGBUILD"), []byte("pkgname="+name+"\npkgver=1.0\npkgrel=1\n"), 0o644))
	mustRun("add", "PKGBUILD")
	mustRun("commit", "-m", "initial")

	return root
}

// newMirrorFixture creates a single local git repository with a branch
// named after the package, standing in for the real upstream mirror
// (addressed by branch, per packagecache.Config.UpstreamMirror).
func newMirrorFixture(t *testing.T, name string) string {
	t.Helper()
	repo := t.TempDir()

	runner := procrunner.New()
	ctx := context.Background()
	mustRun := func(args ...string) {
		t.Helper()
		result, err := runner.Run(ctx, repo, "git", args, nil, 0)
		assert.NoError(t, err)
		assert.True(t, result.OK, string(result.Stderr))
	}
	mustRun("init")
	mustRun("config", "user.email", "test@example.com")
	mustRun("config", "user.name", "test")
	assert.NoError(t, os.WriteFile(filepath.Join(repo, "PKGBUILD"), []byte("pkgname="+name+"\npkgver=1.0\npkgrel=1\n"), 0o644))
	mustRun("add", "PKGBUILD")
	mustRun("commit", "-m", "initial")
	mustRun("checkout", "-b", name)

	return repo
}

func newManager(t *testing.T, upstreamRoot string) *packagecache.Manager {
	t.Helper()
	_, ctx := logging.Configure(context.Background(), logging.Config{})
	cacheRoot := t.TempDir()
	store, err := metastore.Open(ctx, cacheRoot)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mgr, err := packagecache.New(packagecache.Config{
		CacheRoot:      cacheRoot,
		UpstreamIndex:  "file://" + upstreamRoot,
		UpstreamMirror: "file://" + filepath.Join(t.TempDir(), "unreachable-mirror"),
	}, procrunner.New(), store)
	assert.NoError(t, err)
	return mgr
}

func TestEnsurePackage_ColdFetch(t *testing.T) {
	upstreamRoot := newLocalUpstreamRoot(t, "pkgfoo")
	mgr := newManager(t, upstreamRoot)
	_, ctx := logging.Configure(context.Background(), logging.Config{})

	info, ok := mgr.EnsurePackage(ctx, "pkgfoo")
	assert.True(t, ok)
	assert.Equal(t, "pkgfoo", info.Name)

	_, err := os.Stat(filepath.Join(info.Path, "PKGBUILD"))
	assert.NoError(t, err)
}

func TestEnsurePackage_WarmHitDoesNotReclone(t *testing.T) {
	upstreamRoot := newLocalUpstreamRoot(t, "pkgfoo")
	mgr := newManager(t, upstreamRoot)
	_, ctx := logging.Configure(context.Background(), logging.Config{})

	info1, ok := mgr.EnsurePackage(ctx, "pkgfoo")
	assert.True(t, ok)

	info2, ok := mgr.EnsurePackage(ctx, "pkgfoo")
	assert.True(t, ok)
	assert.Equal(t, info1.Path, info2.Path)
}

func TestEnsurePackage_MissingUpstreamFails(t *testing.T) {
	cacheRoot := t.TempDir()
	_, ctx := logging.Configure(context.Background(), logging.Config{})
	store, err := metastore.Open(ctx, cacheRoot)
	assert.NoError(t, err)
	defer store.Close() //nolint:errcheck

	mgr, err := packagecache.New(packagecache.Config{
		CacheRoot:      cacheRoot,
		UpstreamIndex:  "file://" + filepath.Join(t.TempDir(), "no-such-upstream"),
		UpstreamMirror: "file://" + filepath.Join(t.TempDir(), "no-such-mirror"),
	}, procrunner.New(), store)
	assert.NoError(t, err)

	info, ok := mgr.EnsurePackage(ctx, "pkgnope")
	assert.False(t, ok)
	assert.Zero(t, info)

	_, err = os.Stat(filepath.Join(cacheRoot, "pkgnope"))
	assert.Error(t, err)
}

// TestEnsurePackage_FallsBackToMirrorWhenPrimaryFails exercises spec.md
// §4.4's mirror-fallback step: a primary clone that fails (no such
// upstream repository) should fall through to cloning the package's
// branch out of the mirror.
func TestEnsurePackage_FallsBackToMirrorWhenPrimaryFails(t *testing.T) {
	_, ctx := logging.Configure(context.Background(), logging.Config{})
	cacheRoot := t.TempDir()
	store, err := metastore.Open(ctx, cacheRoot)
	assert.NoError(t, err)
	defer store.Close() //nolint:errcheck

	mirrorRepo := newMirrorFixture(t, "pkgfoo")

	mgr, err := packagecache.New(packagecache.Config{
		CacheRoot:      cacheRoot,
		UpstreamIndex:  "file://" + filepath.Join(t.TempDir(), "no-such-upstream"),
		UpstreamMirror: "file://" + mirrorRepo,
	}, procrunner.New(), store)
	assert.NoError(t, err)

	info, ok := mgr.EnsurePackage(ctx, "pkgfoo")
	assert.True(t, ok)
	assert.Equal(t, "pkgfoo", info.Name)

	_, err = os.Stat(filepath.Join(info.Path, "PKGBUILD"))
	assert.NoError(t, err)
}

func TestResolveGitPath(t *testing.T) {
	info := &packagecache.RepositoryInfo{Name: "pkgfoo", Path: "/cache/pkgfoo", Bare: true, GitDir: "/cache/pkgfoo"}

	path, err := packagecache.ResolveGitPath(info, "info/refs")
	assert.NoError(t, err)
	assert.Equal(t, "/cache/pkgfoo/info/refs", path)

	path, err = packagecache.ResolveGitPath(info, "HEAD")
	assert.NoError(t, err)
	assert.Equal(t, "/cache/pkgfoo/HEAD", path)

	path, err = packagecache.ResolveGitPath(info, "objects/ab/cdef")
	assert.NoError(t, err)
	assert.Equal(t, "/cache/pkgfoo/objects/ab/cdef", path)

	path, err = packagecache.ResolveGitPath(info, "refs/heads/main")
	assert.NoError(t, err)
	assert.Equal(t, "/cache/pkgfoo/refs/heads/main", path)

	_, err = packagecache.ResolveGitPath(info, "bogus")
	assert.Error(t, err)
}
