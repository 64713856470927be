// Package gitgateway translates HTTP requests speaking the Git
// smart-HTTP protocol into invocations of git-upload-pack/git-receive-pack,
// with correct packet-line framing and streaming, and serves the static
// files of a materialized repository.
package gitgateway

import (
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/xamionex/aurora-server/internal/httputil"
	"github.com/xamionex/aurora-server/internal/metastore"
	"github.com/xamionex/aurora-server/internal/packagecache"
	"github.com/xamionex/aurora-server/internal/procrunner"
)

const notFoundBody = "Repository not found in cache and could not be fetched from upstream"

// Handler routes Git smart-HTTP requests to the subprocess runner,
// consulting the package cache for the repository and the metadata store
// for access counters.
type Handler struct {
	Cache  *packagecache.Manager
	Runner *procrunner.Runner
	Store  *metastore.Store
}

// New constructs a Handler.
func New(cache *packagecache.Manager, runner *procrunner.Runner, store *metastore.Store) *Handler {
	return &Handler{Cache: cache, Runner: runner, Store: store}
}

// IsGitRequest classifies a path as a Git request: it ends with ".git",
// contains ".git/", or contains any of the Git-protocol markers. This is
// an intentionally broad substring test; spec.md §9 calls out that it
// will match non-Git paths like a bare "HEAD" or "objects/" and asks
// implementers to preserve that behaviour rather than anchor it to path
// segments.
func IsGitRequest(path string) bool {
	if strings.HasSuffix(path, ".git") || strings.Contains(path, ".git/") {
		return true
	}
	for _, marker := range []string{"/info/refs", "/HEAD", "/objects/", "/refs/", "git-upload-pack", "git-receive-pack"} {
		if strings.Contains(path, marker) {
			return true
		}
	}
	return false
}

// repoName extracts the package name from a Git-protocol request path,
// per spec.md §4.5: basename without extension if the path ends in
// ".git"; basename of the prefix before ".git/" if it contains one;
// otherwise the first path segment.
func repoName(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if strings.HasSuffix(trimmed, ".git") {
		base := strings.TrimSuffix(trimmed, ".git")
		if idx := strings.LastIndex(base, "/"); idx >= 0 {
			base = base[idx+1:]
		}
		return base
	}
	if idx := strings.Index(trimmed, ".git/"); idx >= 0 {
		prefix := trimmed[:idx]
		if slash := strings.LastIndex(prefix, "/"); slash >= 0 {
			prefix = prefix[slash+1:]
		}
		return prefix
	}
	first, _, _ := strings.Cut(trimmed, "/")
	return first
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	name := repoName(r.URL.Path)
	// A package materialized by this request starts with total_requests = 1
	// from RecordFetch, so only a request against an existing record adds one.
	_, known := h.Store.GetRecord(ctx, name)
	info, ok := h.Cache.EnsurePackage(ctx, name)
	if !ok {
		httputil.ErrorResponse(w, r, http.StatusNotFound, notFoundBody)
		return
	}

	switch {
	case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "git-upload-pack"):
		h.handlePack(w, r, info, "git-upload-pack", "application/x-git-upload-pack-result")
	case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "git-receive-pack"):
		h.handlePack(w, r, info, "git-receive-pack", "application/x-git-receive-pack-result")
	case r.Method == http.MethodGet && r.URL.Query().Get("service") == "git-upload-pack":
		h.handleAdvertisement(w, r, info, "git-upload-pack", "application/x-git-upload-pack-advertisement")
	case r.Method == http.MethodGet && r.URL.Query().Get("service") == "git-receive-pack":
		h.handleAdvertisement(w, r, info, "git-receive-pack", "application/x-git-receive-pack-advertisement")
	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/info/refs"):
		h.serveStaticFile(w, r, info, "info/refs", "text/plain", name)
	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/HEAD"):
		h.serveStaticFile(w, r, info, "HEAD", "text/plain", name)
	case r.Method == http.MethodGet && (strings.Contains(r.URL.Path, "/objects/") || strings.Contains(r.URL.Path, "/refs/") || strings.Contains(r.URL.Path, ".git/")):
		h.serveGitFile(w, r, info, name)
	default:
		http.Redirect(w, r, r.URL.Path+"/info/refs?service=git-upload-pack", http.StatusFound)
		return
	}

	if known {
		h.Store.TouchAccess(ctx, name)
	}
	if isMeaningful(r) {
		h.Store.TouchMeaningful(ctx, name)
	}
}

// isMeaningful reports whether a request is pack or object traffic, as
// opposed to a metadata probe (spec.md §4.5's touch_meaningful rule).
func isMeaningful(r *http.Request) bool {
	return strings.Contains(r.URL.Path, "git-upload-pack") ||
		strings.Contains(r.URL.Path, "git-receive-pack") ||
		strings.Contains(r.URL.Path, "/objects/")
}

// handlePack invokes the batched subcommand with the request body as
// stdin, per spec.md §4.5's POST dispatch rows.
func (h *Handler) handlePack(w http.ResponseWriter, r *http.Request, info *packagecache.RepositoryInfo, subcommand, contentType string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.ErrorResponse(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}

	result, err := h.Runner.Run(r.Context(), "", subcommand, []string{"--stateless-rpc", info.GitDir}, body, 0)
	if err != nil {
		httputil.ErrorResponse(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}
	if !result.OK {
		httputil.ErrorResponse(w, r, http.StatusInternalServerError, string(result.Stderr))
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache, max-age=0, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Stdout) //nolint:errcheck
}

// handleAdvertisement invokes the streaming subcommand with
// --advertise-refs, prepending the packet-line service header required by
// spec.md §4.5's GET dispatch rows.
func (h *Handler) handleAdvertisement(w http.ResponseWriter, r *http.Request, info *packagecache.RepositoryInfo, subcommand, contentType string) {
	handle, err := h.Runner.Stream(r.Context(), "", subcommand, []string{"--stateless-rpc", "--advertise-refs", info.GitDir})
	if err != nil {
		httputil.ErrorResponse(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache, max-age=0, must-revalidate")
	w.WriteHeader(http.StatusOK)

	if err := httputil.WritePacketLine(w, "# service="+subcommand+"\n"); err != nil {
		return
	}
	if err := httputil.WriteFlushPacket(w); err != nil {
		return
	}
	_, _ = io.Copy(flushWriter{w}, handle.Stdout) //nolint:errcheck
	_ = handle.Wait()
}

// flushWriter flushes after every write so streamed advertisement and
// pack data reach the client as it is produced, rather than buffering
// until the handler returns.
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if flusher, ok := f.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return n, err
}

func (h *Handler) serveStaticFile(w http.ResponseWriter, r *http.Request, info *packagecache.RepositoryInfo, tail, contentType, name string) {
	path, err := packagecache.ResolveGitPath(info, tail)
	if err != nil {
		httputil.ErrorResponse(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from a validated repository directory
	if err != nil {
		httputil.ErrorResponse(w, r, http.StatusNotFound, notFoundBody)
		return
	}
	h.Store.TouchAccess(r.Context(), name)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache, max-age=0, must-revalidate")
	_, _ = w.Write(data) //nolint:errcheck
}

func (h *Handler) serveGitFile(w http.ResponseWriter, r *http.Request, info *packagecache.RepositoryInfo, name string) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	if idx := strings.Index(trimmed, name+"/"); idx >= 0 {
		trimmed = trimmed[idx+len(name)+1:]
	}

	path, err := packagecache.ResolveGitPath(info, trimmed)
	if err != nil {
		httputil.ErrorResponse(w, r, http.StatusNotFound, notFoundBody)
		return
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from a validated repository directory
	if err != nil {
		httputil.ErrorResponse(w, r, http.StatusNotFound, notFoundBody)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-cache, max-age=0, must-revalidate")
	_, _ = w.Write(data) //nolint:errcheck
}
