package mcpserver

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/paparats/paparats/internal/async"
	apperrors "github.com/paparats/paparats/internal/errors"
	"github.com/paparats/paparats/internal/query"
)

// handleSearchCode implements search_code -> expanded_search, per
// spec §4.15's tool semantics; ExpandedSearch already fans internal
// variations out at limit*2 before merging and re-limiting.
func (ts *toolServer) handleSearchCode(ctx context.Context, _ *mcp.CallToolRequest, in SearchCodeInput) (
	*mcp.CallToolResult, SearchCodeOutput, error,
) {
	if in.Group == "" || in.Query == "" {
		return nil, SearchCodeOutput{}, invalidParams("\"group\" and \"query\" are required")
	}

	result, err := ts.deps.Engine.ExpandedSearch(ctx, in.Group, in.Query, query.Options{
		Project: in.Project,
		Limit:   in.Limit,
	})
	if err != nil {
		return nil, SearchCodeOutput{}, mapError(err)
	}

	return nil, SearchCodeOutput{
		Hits:                    toCodeHits(result.Hits),
		TokensReturned:          result.Metrics.TokensReturned,
		EstimatedFullFileTokens: result.Metrics.EstimatedFullFileTokens,
		TokensSaved:             result.Metrics.TokensSaved,
	}, nil
}

// handleGetChunk implements get_chunk by scrolling the vector
// collection for the point whose chunk_id payload field matches.
func (ts *toolServer) handleGetChunk(ctx context.Context, _ *mcp.CallToolRequest, in GetChunkInput) (
	*mcp.CallToolResult, GetChunkOutput, error,
) {
	if in.ChunkID == "" {
		return nil, GetChunkOutput{}, invalidParams("\"chunk_id\" is required")
	}

	group := groupFromChunkID(in.ChunkID)
	payloads, err := ts.deps.Vectors.ScrollByFilter(ctx, group, chunkIDFilter(in.ChunkID))
	if err != nil {
		return nil, GetChunkOutput{}, mapError(err)
	}
	if len(payloads) == 0 {
		return nil, GetChunkOutput{}, mapError(apperrors.NotFoundError("chunk not found: "+in.ChunkID, nil))
	}

	return nil, chunkFromPayload(payloads[0]), nil
}

// handleFindUsages implements find_usages over the metadata store's
// symbol edges.
func (ts *toolServer) handleFindUsages(ctx context.Context, _ *mcp.CallToolRequest, in FindUsagesInput) (
	*mcp.CallToolResult, FindUsagesOutput, error,
) {
	if in.Group == "" || in.Project == "" || in.Symbol == "" {
		return nil, FindUsagesOutput{}, invalidParams("\"group\", \"project\", and \"symbol\" are required")
	}

	edges, err := ts.deps.Meta.FindUsages(ctx, in.Group, in.Project, in.Symbol)
	if err != nil {
		return nil, FindUsagesOutput{}, mapError(err)
	}

	out := make([]UsageHit, len(edges))
	for i, e := range edges {
		out[i] = UsageHit{ChunkID: e.FromChunkID, File: e.File, Relation: e.Relation}
	}
	return nil, FindUsagesOutput{Usages: out}, nil
}

// handleHealthCheck reports server liveness and registered groups.
func (ts *toolServer) handleHealthCheck(_ context.Context, _ *mcp.CallToolRequest, _ HealthCheckInput) (
	*mcp.CallToolResult, HealthCheckOutput, error,
) {
	return nil, HealthCheckOutput{
		Status: "ok",
		Groups: ts.deps.Registry.Groups(),
		Uptime: time.Since(ts.startTime).Seconds(),
	}, nil
}

// handleReindex dispatches a background reindex and returns its job
// id immediately, per spec §4.15.
func (ts *toolServer) handleReindex(_ context.Context, _ *mcp.CallToolRequest, in ReindexInput) (
	*mcp.CallToolResult, ReindexOutput, error,
) {
	if in.Group == "" || in.Project == "" {
		return nil, ReindexOutput{}, invalidParams("\"group\" and \"project\" are required")
	}

	proj, ok := ts.deps.Registry.Get(in.Group, in.Project)
	if !ok {
		return nil, ReindexOutput{}, mapError(apperrors.InputError(
			"project is not registered: "+in.Group+"/"+in.Project, nil))
	}

	jobID := ts.jobs.start(in.Group, in.Project, func(ctx context.Context, progress *async.IndexProgress) error {
		progress.SetStage(async.StageScanning, 0)
		if err := ts.deps.Indexer.ReindexGroup(ctx, in.Group); err != nil {
			return err
		}
		if proj.Root == "" {
			return nil
		}
		progress.SetStage(async.StageIndexing, 0)
		counters, err := ts.deps.Indexer.IndexProject(ctx, proj)
		if err != nil {
			return err
		}
		progress.UpdateFiles(counters.Files)
		ts.deps.Engine.InvalidateGroup(in.Group)
		return nil
	})

	return nil, ReindexOutput{JobID: jobID, Status: "started"}, nil
}
