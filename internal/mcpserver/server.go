// Package mcpserver implements the session-oriented MCP tool server of
// spec §4.15: a "coding" tool set and a superset "support" tool set,
// built over the query engine, vector store, and metadata store.
package mcpserver

import (
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/paparats/paparats/internal/indexer"
	"github.com/paparats/paparats/internal/metastore"
	"github.com/paparats/paparats/internal/query"
	"github.com/paparats/paparats/internal/registry"
	"github.com/paparats/paparats/internal/vectorstore"
	"github.com/paparats/paparats/pkg/version"
)

// protocolVersion is the MCP wire revision spec §4.15 pins this server
// to, independent of whichever revision the go-sdk itself negotiates
// by default.
const protocolVersion = "2024-11-05"

// serverName is the Implementation.Name advertised during initialize.
const serverName = "paparats-mcp"

// Deps wires a server's collaborators.
type Deps struct {
	Engine   *query.Engine
	Vectors  *vectorstore.Store
	Meta     *metastore.Store
	Indexer  *indexer.Indexer
	Registry *registry.Registry
	Logger   *slog.Logger

	// ReindexDataDir is the lock-file directory background reindex
	// jobs use; defaults to an os.TempDir subdirectory.
	ReindexDataDir string
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// toolServer holds the state coding and support tool handlers close
// over: the wired collaborators, the job tracker backing reindex, and
// the process start time health_check reports uptime against.
type toolServer struct {
	deps      Deps
	jobs      *jobTracker
	startTime time.Time
}

func newToolServer(deps Deps) *toolServer {
	return &toolServer{
		deps:      deps,
		jobs:      newJobTracker(deps.ReindexDataDir),
		startTime: time.Now(),
	}
}

// BuildCodingServer constructs the "coding" tool set: search_code,
// get_chunk, find_usages, health_check, reindex.
func BuildCodingServer(deps Deps) *mcp.Server {
	ts := newToolServer(deps)
	s := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: version.Version}, nil)
	ts.registerCodingTools(s)
	return s
}

// BuildSupportServer constructs the "support" tool set: the coding
// tools plus get_chunk_meta, search_changes, explain_feature,
// recent_changes, impact_analysis.
func BuildSupportServer(deps Deps) *mcp.Server {
	ts := newToolServer(deps)
	s := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: version.Version}, nil)
	ts.registerCodingTools(s)
	ts.registerSupportTools(s)
	return s
}

func (ts *toolServer) registerCodingTools(s *mcp.Server) {
	mcp.AddTool(s, &mcp.Tool{
		Name:        "search_code",
		Description: "Semantic code search. Finds functions, classes, and implementations by meaning, expanded with query variations for broader recall.",
	}, ts.handleSearchCode)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "get_chunk",
		Description: "Fetch a single indexed chunk by its chunk_id, including its exact source text.",
	}, ts.handleGetChunk)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "find_usages",
		Description: "List every indexed chunk that references a given symbol.",
	}, ts.handleFindUsages)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "health_check",
		Description: "Report whether the index server is up and which groups are registered.",
	}, ts.handleHealthCheck)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "reindex",
		Description: "Trigger a background reindex of a project. Returns a job id immediately; the work continues after the call returns.",
	}, ts.handleReindex)
}

func (ts *toolServer) registerSupportTools(s *mcp.Server) {
	mcp.AddTool(s, &mcp.Tool{
		Name:        "get_chunk_meta",
		Description: "Fetch a chunk's commit history, extracted tickets, and symbol edges.",
	}, ts.handleGetChunkMeta)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "search_changes",
		Description: "Search commit history within a project by summary text.",
	}, ts.handleSearchChanges)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "explain_feature",
		Description: "Explain how a feature is implemented: locates the relevant chunks and annotates each with its latest change history, as a markdown report.",
	}, ts.handleExplainFeature)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "recent_changes",
		Description: "Render a project's recent commit history as a markdown timeline.",
	}, ts.handleRecentChanges)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "impact_analysis",
		Description: "Render a chunk's dependency and dependent edges as a markdown impact report.",
	}, ts.handleImpactAnalysis)
}
