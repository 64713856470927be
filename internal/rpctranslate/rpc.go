// Package rpctranslate answers info/multiinfo/search queries against the
// upstream RPC's JSON shape, synthesized from locally cached build
// recipes rather than proxied to the upstream service.
package rpctranslate

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xamionex/aurora-server/internal/logging"
	"github.com/xamionex/aurora-server/internal/metastore"
	"github.com/xamionex/aurora-server/internal/metrics"
	"github.com/xamionex/aurora-server/internal/packagecache"
	"github.com/xamionex/aurora-server/internal/recipe"
)

// defaultVersion is the RPC protocol version echoed when the inbound
// request omits "v".
const defaultVersion = 5

// Handler answers the upstream RPC's three query shapes from the local
// cache, per spec.md §4.6.
type Handler struct {
	Cache  *packagecache.Manager
	Parser *recipe.Parser
	Store  *metastore.Store
}

// New constructs a Handler.
func New(cache *packagecache.Manager, parser *recipe.Parser, store *metastore.Store) *Handler {
	return &Handler{Cache: cache, Parser: parser, Store: store}
}

// result is one entry of an info/multiinfo/search response, mirroring
// recipe.Record's fields under the upstream RPC's field names.
type result struct {
	Name           string     `json:"Name"`
	PackageBase    string     `json:"PackageBase"`
	Version        string     `json:"Version"`
	Description    string     `json:"Description"`
	URL            string     `json:"URL"`
	Maintainer     string     `json:"Maintainer"`
	NumVotes       int        `json:"NumVotes"`
	Popularity     float64    `json:"Popularity"`
	OutOfDate      *time.Time `json:"OutOfDate"`
	FirstSubmitted time.Time  `json:"FirstSubmitted"`
	LastModified   time.Time  `json:"LastModified"`
	License        []string   `json:"License"`
	Depends        []string   `json:"Depends"`
	MakeDepends    []string   `json:"MakeDepends"`
	Conflicts      []string   `json:"Conflicts"`
	Provides       []string   `json:"Provides"`
	Replaces       []string   `json:"Replaces"`
	Keywords       []string   `json:"Keywords"`
}

func fromRecord(r *recipe.Record) result {
	return result{
		Name:           r.Name,
		PackageBase:    r.PackageBase,
		Version:        r.Version,
		Description:    r.Description,
		URL:            r.URL,
		Maintainer:     r.Maintainer,
		NumVotes:       r.NumVotes,
		Popularity:     r.Popularity,
		OutOfDate:      r.OutOfDate,
		FirstSubmitted: r.FirstSubmitted,
		LastModified:   r.LastModified,
		License:        r.License,
		Depends:        r.Depends,
		MakeDepends:    r.MakeDepends,
		Conflicts:      r.Conflicts,
		Provides:       r.Provides,
		Replaces:       r.Replaces,
		Keywords:       r.Keywords,
	}
}

// response is the tagged variant spec.md §9 calls for: exactly one of
// infoResponse, emptyResponse, errorResponse is ever populated by the
// handler, each serialized through its own marshalling so the wire shape
// never carries the other variants' fields.
type infoResponse struct {
	ResultCount int      `json:"resultcount"`
	Results     []result `json:"results"`
	Type        string   `json:"type"`
	Version     int      `json:"version"`
}

type emptyResponse struct {
	ResultCount int      `json:"resultcount"`
	Results     []result `json:"results"`
	Type        string   `json:"type"`
	Version     int      `json:"version"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Type    string `json:"type"`
	Version int    `json:"version"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorContext(ctx, "rpc handler panicked", "error", rec)
			writeJSON(w, errorResponse{Error: "Internal server error", Type: "error", Version: defaultVersion})
		}
	}()

	query := r.URL.Query()
	reqType := query.Get("type")
	version := parseVersion(query.Get("v"))

	switch reqType {
	case "info", "multiinfo":
		h.serveInfo(w, r, query, reqType, version)
	case "search":
		h.serveSearch(w, r, query, version)
	default:
		echoType := reqType
		if echoType == "" {
			echoType = "unknown"
		}
		writeJSON(w, emptyResponse{Results: []result{}, Type: echoType, Version: version})
	}
}

func parseVersion(raw string) int {
	if raw == "" {
		return defaultVersion
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultVersion
	}
	return v
}

// argNames reads the requested package names, preferring repeated arg[]
// parameters and falling back to a singular arg, per SPEC_FULL.md §7's
// supplemented convenience for older RPC clients.
func argNames(query map[string][]string) []string {
	if names, ok := query["arg[]"]; ok && len(names) > 0 {
		return names
	}
	if names, ok := query["arg"]; ok && len(names) > 0 {
		return names
	}
	return nil
}

func (h *Handler) serveInfo(w http.ResponseWriter, r *http.Request, query map[string][]string, reqType string, version int) {
	ctx := r.Context()
	ops := metrics.FromContext(ctx)
	start := time.Now()

	names := argNames(query)
	if len(names) == 0 {
		writeJSON(w, emptyResponse{Results: []result{}, Type: reqType, Version: version})
		return
	}

	key := canonicalInfoKey(r.URL.Path, reqType, names)
	if cached, ok := h.Store.RPCCacheGet(ctx, key); ok {
		ops.RecordCount(ctx, "cache.hit", 1)
		ops.RecordOperation(ctx, "rpc.info", "success", time.Since(start))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(cached) //nolint:errcheck
		return
	}
	ops.RecordCount(ctx, "cache.miss", 1)

	results := make([]result, 0, len(names))
	for _, name := range names {
		if rec := h.materializeAndParse(ctx, name); rec != nil {
			results = append(results, fromRecord(rec))
		}
	}

	resp := infoResponse{ResultCount: len(results), Results: results, Type: "multiinfo", Version: version}
	data := marshal(resp)
	h.Store.RPCCachePut(ctx, key, data)
	ops.RecordOperation(ctx, "rpc.info", "success", time.Since(start))

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data) //nolint:errcheck
}

func (h *Handler) serveSearch(w http.ResponseWriter, r *http.Request, query map[string][]string, version int) {
	ctx := r.Context()
	ops := metrics.FromContext(ctx)
	start := time.Now()

	args := query["arg"]
	if len(args) == 0 {
		writeJSON(w, emptyResponse{Results: []result{}, Type: "search", Version: version})
		return
	}
	term := args[0]

	key := canonicalSearchKey(r.URL.Path, term)
	if cached, ok := h.Store.RPCCacheGet(ctx, key); ok {
		ops.RecordCount(ctx, "cache.hit", 1)
		ops.RecordOperation(ctx, "rpc.search", "success", time.Since(start))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(cached) //nolint:errcheck
		return
	}
	ops.RecordCount(ctx, "cache.miss", 1)

	entries, err := os.ReadDir(h.Cache.CacheRoot())
	if err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "rpc search: read cache root failed", "error", err)
		entries = nil
	}

	lowerTerm := strings.ToLower(term)
	var matches []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if strings.Contains(strings.ToLower(entry.Name()), lowerTerm) {
			matches = append(matches, entry.Name())
		}
	}

	var results []result
	if len(matches) == 0 {
		if rec := h.materializeAndParse(ctx, term); rec != nil {
			results = append(results, fromRecord(rec))
		}
	} else {
		for _, name := range matches {
			if rec := h.parseCached(ctx, name); rec != nil {
				results = append(results, fromRecord(rec))
			}
		}
	}
	if results == nil {
		results = []result{}
	}

	resp := infoResponse{ResultCount: len(results), Results: results, Type: "multiinfo", Version: version}
	data := marshal(resp)
	h.Store.RPCCachePut(ctx, key, data)
	ops.RecordOperation(ctx, "rpc.search", "success", time.Since(start))

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data) //nolint:errcheck
}

// materializeAndParse ensures name is cached via C4 and parses its recipe
// via C3, per spec.md §4.6's info/multiinfo pipeline.
func (h *Handler) materializeAndParse(ctx context.Context, name string) *recipe.Record {
	info, ok := h.Cache.EnsurePackage(ctx, name)
	if !ok {
		return nil
	}
	return h.readRecipe(ctx, info)
}

// parseCached parses a recipe for a name already present in the cache
// directory (spec.md §4.6's search path, which lists existing entries
// rather than materializing them afresh).
func (h *Handler) parseCached(ctx context.Context, name string) *recipe.Record {
	info := &packagecache.RepositoryInfo{Name: name, Path: filepath.Join(h.Cache.CacheRoot(), name)}
	return h.readRecipe(ctx, info)
}

func (h *Handler) readRecipe(ctx context.Context, info *packagecache.RepositoryInfo) *recipe.Record {
	data, err := os.ReadFile(filepath.Join(info.Path, "PKGBUILD")) //nolint:gosec // path is derived from the cache root
	if err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "rpc: read recipe failed", "name", info.Name, "error", err)
		return nil
	}
	rec, err := h.Parser.Parse(ctx, info.Name, data)
	if err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "rpc: parse recipe failed", "name", info.Name, "error", err)
		return nil
	}
	return rec
}

// canonicalInfoKey implements spec.md §3's canonical key for info and
// multiinfo: path?type=<type>&packages=<sorted,comma-joined names>.
// Sorting makes the key invariant to the inbound arg[] permutation
// (spec.md §8 invariant 5).
func canonicalInfoKey(path, reqType string, names []string) string {
	return path + "?type=" + reqType + "&packages=" + metastore.SortedJoin(names, ",")
}

// canonicalSearchKey implements spec.md §3's canonical key for search:
// path?type=search&arg=<arg>, with arg lowercased per SPEC_FULL.md §7's
// supplemented normalization so that "Foo" and "foo" share a cache entry.
func canonicalSearchKey(path, term string) string {
	return path + "?type=search&arg=" + strings.ToLower(term)
}

func marshal(v any) []byte {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return []byte(`{"error":"Internal server error","type":"error","version":5}`)
	}
	return data
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(marshal(v)) //nolint:errcheck
}
