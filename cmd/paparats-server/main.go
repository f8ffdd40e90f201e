// Package main runs the paparats server: the HTTP API of spec §4.14
// and the MCP tool endpoints of spec §4.15 over one shared indexer,
// query engine, and set of stores.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/paparats/paparats/internal/chunk"
	"github.com/paparats/paparats/internal/config"
	"github.com/paparats/paparats/internal/embed"
	"github.com/paparats/paparats/internal/embedcache"
	"github.com/paparats/paparats/internal/enumerate"
	apperrors "github.com/paparats/paparats/internal/errors"
	"github.com/paparats/paparats/internal/httpapi"
	"github.com/paparats/paparats/internal/indexer"
	"github.com/paparats/paparats/internal/logging"
	"github.com/paparats/paparats/internal/mcpserver"
	"github.com/paparats/paparats/internal/metastore"
	"github.com/paparats/paparats/internal/query"
	"github.com/paparats/paparats/internal/registry"
	"github.com/paparats/paparats/internal/telemetry"
	"github.com/paparats/paparats/internal/vectorstore"
)

func main() {
	os.Exit(run())
}

// run wires the server and blocks until shutdown, returning the
// process exit code per spec §6 (0 normal, 1 fatal startup error, 130
// operator-initiated interruption).
func run() int {
	logger := logging.Init(logging.DefaultConfig())

	cfg, err := loadEnvConfig()
	if err != nil {
		logger.Error("startup config error", slog.String("error", err.Error()))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		return 1
	}
	defer app.Close()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listen", slog.String("addr", cfg.HTTPAddr))
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	interrupted := false
	select {
	case <-ctx.Done():
		interrupted = true
		logger.Info("shutdown_signal_received")
	case err := <-errCh:
		if err != nil {
			logger.Error("http_server_error", slog.String("error", err.Error()))
			return 1
		}
	}

	return shutdown(app, logger, interrupted)
}

// shutdown drains the HTTP API (503-gating new requests), stops every
// registered project's watcher (10s cap, per spec §5), and closes the
// http.Server, returning 130 if the shutdown followed an interrupt signal
// and 0 otherwise.
func shutdown(app *application, logger *slog.Logger, interrupted bool) int {
	app.api.BeginDraining()

	for _, w := range app.watchers {
		if err := w.Shutdown(); err != nil {
			logger.Warn("watcher_shutdown_error", slog.String("error", err.Error()))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http_shutdown_error", slog.String("error", err.Error()))
	}

	if interrupted {
		return 130
	}
	return 0
}

// application holds every long-lived collaborator main constructs, so
// that Close can release them in one place on the way out.
type application struct {
	httpServer *http.Server
	api        *httpapi.Server
	watchers   []*projectWatcher
	vectors    *vectorstore.Store
	meta       *metastore.Store
	cache      *embedcache.Cache
	embedder   embed.Embedder
	telemetry  *sql.DB
}

type projectWatcher struct {
	name string
	shutdownCloser
}

// shutdownCloser is satisfied by *watcher.Coordinator; named here to
// avoid pulling the watcher package into this file just for a type.
type shutdownCloser interface {
	Shutdown() error
}

func (a *application) Close() {
	if a.vectors != nil {
		_ = a.vectors.Close()
	}
	if a.meta != nil {
		_ = a.meta.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.embedder != nil {
		_ = a.embedder.Close()
	}
	if a.telemetry != nil {
		_ = a.telemetry.Close()
	}
}

// envConfig is the subset of spec §6's environment variables this
// binary recognizes: vector-store URL and API key, embedding service
// URL, optional metrics-enable flag, optional project allow-list.
type envConfig struct {
	HTTPAddr          string
	DataDir           string
	ProjectsDir       string
	VectorStoreHost   string
	VectorStorePort   int
	VectorStoreAPIKey string
	VectorStoreTLS    bool
	EmbeddingHost     string
	EmbeddingModel    string
	MetricsEnabled    bool
	AllowedProjects   []string
}

func loadEnvConfig() (envConfig, error) {
	cfg := envConfig{
		HTTPAddr:          getenv("PAPARATS_HTTP_ADDR", ":8080"),
		DataDir:           getenv("PAPARATS_DATA_DIR", "./data"),
		ProjectsDir:       getenv("PAPARATS_PROJECTS_DIR", "./projects"),
		VectorStoreHost:   getenv("PAPARATS_VECTORSTORE_HOST", "localhost"),
		VectorStoreAPIKey: os.Getenv("PAPARATS_VECTORSTORE_API_KEY"),
		VectorStoreTLS:    os.Getenv("PAPARATS_VECTORSTORE_TLS") == "true",
		EmbeddingHost:     getenv("PAPARATS_EMBEDDING_URL", "http://localhost:11434"),
		EmbeddingModel:    getenv("PAPARATS_EMBEDDING_MODEL", "nomic-embed-text"),
		MetricsEnabled:    os.Getenv("PAPARATS_METRICS_ENABLED") == "true",
	}

	port := getenv("PAPARATS_VECTORSTORE_PORT", "6334")
	p, err := strconv.Atoi(port)
	if err != nil {
		return envConfig{}, apperrors.ConfigError(fmt.Sprintf("PAPARATS_VECTORSTORE_PORT must be an integer, got %q", port), err)
	}
	cfg.VectorStorePort = p

	if list := os.Getenv("PAPARATS_PROJECT_ALLOWLIST"); list != "" {
		for _, p := range strings.Split(list, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.AllowedProjects = append(cfg.AllowedProjects, p)
			}
		}
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// buildApp constructs every collaborator and wires them into the HTTP
// API and the two MCP endpoints, mirroring the dependency graph spec
// §4.11-§4.15 describe: stores feed the indexer and query engine,
// which in turn feed the HTTP API and MCP tool servers.
func buildApp(ctx context.Context, cfg envConfig, logger *slog.Logger) (*application, error) {
	vectors, err := vectorstore.Open(vectorstore.Config{
		Host:   cfg.VectorStoreHost,
		Port:   cfg.VectorStorePort,
		APIKey: cfg.VectorStoreAPIKey,
		UseTLS: cfg.VectorStoreTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	meta, err := metastore.Open(metastore.Options{Path: filepath.Join(cfg.DataDir, "metastore.db")})
	if err != nil {
		_ = vectors.Close()
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	cache, err := embedcache.Open(embedcache.Options{Path: filepath.Join(cfg.DataDir, "embedcache.db")})
	if err != nil {
		_ = vectors.Close()
		_ = meta.Close()
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}

	httpEmbedder, err := embed.NewHTTPEmbedder(ctx, embed.Config{
		Host:  cfg.EmbeddingHost,
		Model: cfg.EmbeddingModel,
	})
	if err != nil {
		_ = vectors.Close()
		_ = meta.Close()
		_ = cache.Close()
		return nil, fmt.Errorf("connect to embedding service: %w", err)
	}
	embedder := embed.NewCachedEmbedderWithDefaults(embed.NewDurableCache(httpEmbedder, cache))

	enumerator, err := enumerate.New()
	if err != nil {
		_ = vectors.Close()
		_ = meta.Close()
		_ = cache.Close()
		_ = embedder.Close()
		return nil, fmt.Errorf("build file enumerator: %w", err)
	}

	ix := indexer.New(indexer.Dependencies{
		Enumerator:  enumerator,
		CodeChunker: chunk.NewCodeChunker(),
		Embedder:    embedder,
		Vectors:     vectors,
		Meta:        meta,
	})

	reg := registry.New()
	watchers, err := loadAndWatchProjects(ctx, cfg, reg, ix, logger)
	if err != nil {
		_ = vectors.Close()
		_ = meta.Close()
		_ = cache.Close()
		_ = embedder.Close()
		return nil, err
	}

	var metrics *telemetry.QueryMetrics
	var telemetryDB *sql.DB
	if cfg.MetricsEnabled {
		telemetryDB, metrics, err = openTelemetry(cfg)
		if err != nil {
			_ = vectors.Close()
			_ = meta.Close()
			_ = cache.Close()
			_ = embedder.Close()
			return nil, fmt.Errorf("open telemetry store: %w", err)
		}
	}

	engine := query.New(query.Config{
		Embedder:        embedder,
		Vectors:         vectors,
		Metrics:         metrics,
		AllowedProjects: cfg.AllowedProjects,
	})

	apiServer := httpapi.NewServer(httpapi.Config{
		Engine:     engine,
		Indexer:    ix,
		Registry:   reg,
		EmbedCache: cache,
		Metrics:    metrics,
		Logger:     logger,
	})

	mcpDeps := mcpserver.Deps{
		Engine:         engine,
		Vectors:        vectors,
		Meta:           meta,
		Indexer:        ix,
		Registry:       reg,
		Logger:         logger,
		ReindexDataDir: filepath.Join(cfg.DataDir, "jobs"),
	}

	mcpHandler := mcpserver.NewHandler(mcpDeps)
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpHandler)
	mux.Handle("/sse", mcpHandler)
	mux.Handle("/messages", mcpHandler)
	mux.Handle("/support/mcp", mcpHandler)
	mux.Handle("/support/sse", mcpHandler)
	mux.Handle("/support/messages", mcpHandler)
	mux.Handle("/", apiServer.Handler())

	return &application{
		httpServer: &http.Server{Addr: cfg.HTTPAddr, Handler: mux},
		api:        apiServer,
		watchers:   watchers,
		vectors:    vectors,
		meta:       meta,
		cache:      cache,
		embedder:   embedder,
		telemetry:  telemetryDB,
	}, nil
}

// openTelemetry opens the query-metrics sqlite database, mirroring
// internal/metastore's WAL/single-writer discipline, and returns a
// QueryMetrics backed by durable SQLiteMetricsStore rather than the
// in-memory default.
func openTelemetry(cfg envConfig) (*sql.DB, *telemetry.QueryMetrics, error) {
	path := filepath.Join(cfg.DataDir, "telemetry.db")
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create telemetry directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open telemetry database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("set telemetry pragma %q: %w", pragma, err)
		}
	}

	if err := telemetry.InitTelemetrySchema(db); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("init telemetry schema: %w", err)
	}

	store, err := telemetry.NewSQLiteMetricsStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("build telemetry store: %w", err)
	}

	return db, telemetry.NewQueryMetrics(store), nil
}

// loadAndWatchProjects discovers project config documents under
// <projects-dir>/<group>/<project>/paparats.yaml, indexes each once at
// startup, registers it, and starts its watcher (spec §4.12: one
// watcher per project) so file-system edits reindex incrementally
// from then on.
func loadAndWatchProjects(ctx context.Context, cfg envConfig, reg *registry.Registry, ix *indexer.Indexer, logger *slog.Logger) ([]*projectWatcher, error) {
	groups, err := os.ReadDir(cfg.ProjectsDir)
	if os.IsNotExist(err) {
		logger.Info("no_projects_dir", slog.String("path", cfg.ProjectsDir))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read projects dir: %w", err)
	}

	var watchers []*projectWatcher
	for _, g := range groups {
		if !g.IsDir() {
			continue
		}
		groupDir := filepath.Join(cfg.ProjectsDir, g.Name())
		projects, err := os.ReadDir(groupDir)
		if err != nil {
			logger.Warn("read_group_dir_failed", slog.String("group", g.Name()), slog.String("error", err.Error()))
			continue
		}

		for _, p := range projects {
			if !p.IsDir() {
				continue
			}
			root := filepath.Join(groupDir, p.Name())
			watcher, err := loadAndWatchOne(ctx, root, g.Name(), p.Name(), reg, ix, logger)
			if err != nil {
				logger.Error("project_load_failed",
					slog.String("group", g.Name()), slog.String("project", p.Name()), slog.String("error", err.Error()))
				continue
			}
			if watcher != nil {
				watchers = append(watchers, watcher)
			}
		}
	}
	return watchers, nil
}

func loadAndWatchOne(ctx context.Context, root, group, name string, reg *registry.Registry, ix *indexer.Indexer, logger *slog.Logger) (*projectWatcher, error) {
	projCfg, err := config.Load(filepath.Join(root, "paparats.yaml"))
	if err != nil {
		return nil, err
	}

	proj := indexer.Project{Group: group, Name: name, Root: root, Config: projCfg}
	reg.Register(proj)

	counters, err := ix.IndexProject(ctx, proj)
	if err != nil {
		return nil, fmt.Errorf("initial index: %w", err)
	}
	logger.Info("project_indexed",
		slog.String("group", group), slog.String("project", name),
		slog.Int("files", counters.Files), slog.Int("chunks", counters.Chunks))

	return startProjectWatcher(proj, ix, logger)
}
