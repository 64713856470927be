package gitgateway_test

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/xamionex/aurora-server/internal/gitgateway"
	"github.com/xamionex/aurora-server/internal/logging"
	"github.com/xamionex/aurora-server/internal/metastore"
	"github.com/xamionex/aurora-server/internal/packagecache"
	"github.com/xamionex/aurora-server/internal/procrunner"
)

func TestIsGitRequest(t *testing.T) {
	cases := map[string]bool{
		"/pkgfoo.git/info/refs":   true,
		"/pkgfoo.git":             true,
		"/pkgfoo/objects/ab/cd":   true,
		"/pkgfoo/refs/heads/main": true,
		"/pkgfoo/git-upload-pack": true,
		"/stats":                  false,
		"/rpc/?type=info":         false,
		"/":                       false,
	}
	for path, want := range cases {
		assert.Equal(t, want, gitgateway.IsGitRequest(path), path)
	}
}

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

func newHandler(t *testing.T) *gitgateway.Handler {
	t.Helper()
	ctx := requestContext()
	upstreamRoot := newLocalUpstreamRoot(t, "pkgfoo")
	cacheRoot := t.TempDir()

	store, err := metastore.Open(ctx, cacheRoot)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	runner := procrunner.New()
	mgr, err := packagecache.New(packagecache.Config{
		CacheRoot:      cacheRoot,
		UpstreamIndex:  "file://" + upstreamRoot,
		UpstreamMirror: "file://" + filepath.Join(t.TempDir(), "unreachable-mirror"),
	}, runner, store)
	assert.NoError(t, err)

	return gitgateway.New(mgr, runner, store)
}

func requestContext() context.Context {
	ctx := context.Background()
	_, ctx = logging.Configure(ctx, logging.Config{})
	return ctx
}

func TestServeHTTP_ColdFetchAdvertisesRefs(t *testing.T) {
	h := newHandler(t)

	req := httptest.NewRequest("GET", "/pkgfoo.git/info/refs?service=git-upload-pack", nil).WithContext(requestContext())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "application/x-git-upload-pack-advertisement", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "001e# service=git-upload-pack\n0000")
}

func TestServeHTTP_RepositoryNotFound(t *testing.T) {
	h := newHandler(t)

	req := httptest.NewRequest("GET", "/pkgnope.git/info/refs?service=git-upload-pack", nil).WithContext(requestContext())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, 404, w.Code)
	assert.Contains(t, w.Body.String(), "Repository not found in cache and could not be fetched from upstream")
}

func TestServeHTTP_TouchesAccessCounters(t *testing.T) {
	h := newHandler(t)
	ctx := requestContext()

	req := httptest.NewRequest("GET", "/pkgfoo.git/info/refs?service=git-upload-pack", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	rec, ok := h.Store.GetRecord(ctx, "pkgfoo")
	assert.True(t, ok)
	assert.Equal(t, int64(1), rec.TotalRequests)
}
