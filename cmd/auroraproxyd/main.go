package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/alecthomas/hcl/v2"
	"github.com/alecthomas/kong"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/xamionex/aurora-server/internal/config"
	"github.com/xamionex/aurora-server/internal/gitgateway"
	"github.com/xamionex/aurora-server/internal/httputil"
	"github.com/xamionex/aurora-server/internal/logging"
	"github.com/xamionex/aurora-server/internal/metastore"
	"github.com/xamionex/aurora-server/internal/metrics"
	"github.com/xamionex/aurora-server/internal/packagecache"
	"github.com/xamionex/aurora-server/internal/procrunner"
	"github.com/xamionex/aurora-server/internal/recipe"
	"github.com/xamionex/aurora-server/internal/rpctranslate"
)

const welcomeText = "Aurora Proxy: a caching Git proxy for the upstream package index.\n"

const defaultStatsLimit = 10

type CLI struct {
	Schema bool `help:"Print the configuration file schema." xor:"command"`

	Config *os.File `hcl:"-" help:"Configuration file path." required:"" default:"aurora-proxy.hcl"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli, kong.DefaultEnvars("AURORAPROXY"))

	defer cli.Config.Close()
	ast, err := hcl.Parse(cli.Config)
	kctx.FatalIfErrorf(err)

	if cli.Schema {
		printSchema(kctx)
		return
	}

	var globalConfig config.GlobalConfig
	globalSchema, err := hcl.Schema(&globalConfig)
	kctx.FatalIfErrorf(err)

	vars := config.ParseEnvars()
	config.ExpandVars(ast, vars)
	config.InjectEnvars(globalSchema, ast, "AURORAPROXY", vars)
	err = hcl.UnmarshalAST(ast, &globalConfig, hcl.HydratedImplicitBlocks(true))
	kctx.FatalIfErrorf(err)

	kctx.FatalIfErrorf(config.ValidateBind(globalConfig.Bind), "invalid bind address")
	maxUploadSize, err := config.ParseMaxUploadSize(globalConfig.MaxUploadSize)
	kctx.FatalIfErrorf(err, "invalid max-upload-size")

	ctx := context.Background()
	logger, ctx := logging.Configure(ctx, globalConfig.LoggingConfig)

	store, err := metastore.Open(ctx, globalConfig.PackageCache.CacheRoot)
	kctx.FatalIfErrorf(err, "failed to open metadata store")
	defer func() {
		if err := store.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close metadata store", "error", err)
		}
	}()

	runner := procrunner.New()
	cache, err := packagecache.New(globalConfig.PackageCache, runner, store)
	kctx.FatalIfErrorf(err, "failed to construct package cache manager")

	recipeParser := recipe.NewParser(runner, globalConfig.RecipeShellEval)

	gitHandler := gitgateway.New(cache, runner, store)
	rpcHandler := rpctranslate.New(cache, recipeParser, store)

	mux := newMux(store, cache, gitHandler, rpcHandler, maxUploadSize)

	metricsClient, err := metrics.New(ctx, globalConfig.MetricsConfig)
	kctx.FatalIfErrorf(err, "failed to create metrics client")
	defer func() {
		if err := metricsClient.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close metrics client", "error", err)
		}
	}()
	if err := metricsClient.ServeMetrics(ctx); err != nil {
		kctx.FatalIfErrorf(err, "failed to start metrics server")
	}

	ops, err := metrics.NewOperationMetrics()
	kctx.FatalIfErrorf(err, "failed to create operation metrics")
	ctx = metrics.ContextWithOperations(ctx, ops)

	logger.InfoContext(ctx, "starting auroraproxyd", slog.String("bind", globalConfig.Bind))

	server := newServer(ctx, mux, globalConfig.Bind, globalConfig.MetricsConfig)
	err = server.ListenAndServe()
	kctx.FatalIfErrorf(err)
}

func printSchema(kctx *kong.Context) {
	text, err := hcl.MarshalAST(config.Schema())
	kctx.FatalIfErrorf(err)
	fmt.Printf("%s\n", text) //nolint:forbidigo
}

// newMux wires the routes of spec.md §6, plus the two supplemented
// stats routes of SPEC_FULL.md §7.
func newMux(store *metastore.Store, cache *packagecache.Manager, gitHandler *gitgateway.Handler, rpcHandler *rpctranslate.Handler, maxUploadSize int64) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(welcomeText)) //nolint:errcheck
	})

	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		stats := store.Stats(ctx)
		writeJSON(w, map[string]any{
			"totalPackages":   stats.TotalPackages,
			"totalRequests":   stats.TotalRequests,
			"totalFetches":    stats.TotalFetches,
			"cacheSize":       store.CacheSize(ctx, cache.CacheRoot()),
			"lastUpdated":     stats.LastUpdated,
			"mostFetched":     store.TopFetched(ctx, defaultStatsLimit),
			"mostRequested":   store.TopRequested(ctx, defaultStatsLimit),
			"recentlyFetched": store.RecentlyFetched(ctx, defaultStatsLimit),
		})
	})

	mux.HandleFunc("GET /stats/top-fetched", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, store.TopFetched(r.Context(), limitParam(r)))
	})
	mux.HandleFunc("GET /stats/top-requested", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, store.TopRequested(r.Context(), limitParam(r)))
	})
	mux.HandleFunc("GET /stats/recently-fetched", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, store.RecentlyFetched(r.Context(), limitParam(r)))
	})
	mux.HandleFunc("GET /stats/cache-size", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(store.CacheSize(ctx, cache.CacheRoot()))) //nolint:errcheck
	})

	mux.Handle("/rpc/", rpcHandler)
	mux.Handle("/rpc", rpcHandler)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		}
		if gitgateway.IsGitRequest(r.URL.Path) {
			gitHandler.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte(r.URL.Path)) //nolint:errcheck
			return
		}
		http.NotFound(w, r)
	})

	return mux
}

func limitParam(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultStatsLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultStatsLimit
	}
	return n
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data) //nolint:errcheck
}

func newServer(ctx context.Context, mux *http.ServeMux, bind string, metricsConfig metrics.Config) *http.Server {
	logger := logging.FromContext(ctx)

	var handler http.Handler = mux
	handler = otelhttp.NewMiddleware(metricsConfig.ServiceName,
		otelhttp.WithMeterProvider(otel.GetMeterProvider()),
	)(handler)
	handler = httputil.LoggingMiddleware(handler)

	return &http.Server{
		Addr:              bind,
		Handler:           handler,
		ReadTimeout:       10 * time.Minute,
		WriteTimeout:      10 * time.Minute,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return logging.ContextWithLogger(ctx, logger.With("client", c.RemoteAddr().String()))
		},
	}
}
