package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/paparats/paparats/internal/metastore"
	"github.com/paparats/paparats/internal/query"
)

const defaultMetaCommitLimit = 5

// handleGetChunkMeta implements get_chunk_meta by composing the
// metadata store's per-chunk lookups.
func (ts *toolServer) handleGetChunkMeta(ctx context.Context, _ *mcp.CallToolRequest, in GetChunkMetaInput) (
	*mcp.CallToolResult, GetChunkMetaOutput, error,
) {
	if in.ChunkID == "" {
		return nil, GetChunkMetaOutput{}, invalidParams("\"chunk_id\" is required")
	}

	commits, err := ts.deps.Meta.GetCommitsByChunk(ctx, in.ChunkID, defaultMetaCommitLimit)
	if err != nil {
		return nil, GetChunkMetaOutput{}, mapError(err)
	}
	tickets, err := ts.deps.Meta.GetTicketsByChunk(ctx, in.ChunkID)
	if err != nil {
		return nil, GetChunkMetaOutput{}, mapError(err)
	}
	uses, err := ts.deps.Meta.GetEdgesFrom(ctx, in.ChunkID)
	if err != nil {
		return nil, GetChunkMetaOutput{}, mapError(err)
	}
	usedBy, err := ts.deps.Meta.GetEdgesTo(ctx, in.ChunkID)
	if err != nil {
		return nil, GetChunkMetaOutput{}, mapError(err)
	}

	out := GetChunkMetaOutput{
		Commits: make([]CommitDTO, len(commits)),
		Tickets: make([]string, len(tickets)),
		Uses:    make([]EdgeDTO, len(uses)),
		UsedBy:  make([]EdgeDTO, len(usedBy)),
	}
	for i, c := range commits {
		out.Commits[i] = CommitDTO{Hash: c.Hash, CommittedAt: c.CommittedAt, AuthorEmail: c.AuthorEmail, Summary: c.Summary}
	}
	for i, t := range tickets {
		out.Tickets[i] = t.Key
	}
	for i, e := range uses {
		out.Uses[i] = EdgeDTO{ChunkID: e.ToChunkID, Relation: e.Relation, Symbol: e.Symbol}
	}
	for i, e := range usedBy {
		out.UsedBy[i] = EdgeDTO{ChunkID: e.FromChunkID, Relation: e.Relation, Symbol: e.Symbol}
	}
	return nil, out, nil
}

// handleSearchChanges implements search_changes over the metadata
// store's commit summaries.
func (ts *toolServer) handleSearchChanges(ctx context.Context, _ *mcp.CallToolRequest, in SearchChangesInput) (
	*mcp.CallToolResult, SearchChangesOutput, error,
) {
	if in.Group == "" || in.Project == "" || in.Query == "" {
		return nil, SearchChangesOutput{}, invalidParams("\"group\", \"project\", and \"query\" are required")
	}

	commits, err := ts.deps.Meta.SearchCommits(ctx, in.Group, in.Project, in.Query, in.Limit)
	if err != nil {
		return nil, SearchChangesOutput{}, mapError(err)
	}

	out := make([]CommitDTO, len(commits))
	for i, cc := range commits {
		out[i] = CommitDTO{Hash: cc.Commit.Hash, CommittedAt: cc.Commit.CommittedAt,
			AuthorEmail: cc.Commit.AuthorEmail, Summary: cc.Commit.Summary}
	}
	return nil, SearchChangesOutput{Commits: out}, nil
}

// handleExplainFeature implements explain_feature: a search for the
// relevant chunks, annotated with each one's latest commit and ticket
// context, rendered as a markdown report (spec §4.15).
func (ts *toolServer) handleExplainFeature(ctx context.Context, _ *mcp.CallToolRequest, in ExplainFeatureInput) (
	*mcp.CallToolResult, ExplainFeatureOutput, error,
) {
	if in.Group == "" || in.Query == "" {
		return nil, ExplainFeatureOutput{}, invalidParams("\"group\" and \"query\" are required")
	}

	result, err := ts.deps.Engine.ExpandedSearch(ctx, in.Group, in.Query, query.Options{
		Project: in.Project,
		Limit:   in.Limit,
	})
	if err != nil {
		return nil, ExplainFeatureOutput{}, mapError(err)
	}

	hits := toCodeHits(result.Hits)
	latest := make(map[string]metastore.Commit, len(hits))
	tickets := make(map[string][]string, len(hits))
	for _, h := range hits {
		if h.ChunkID == "" {
			continue
		}
		if commit, ok, err := ts.deps.Meta.GetLatestCommit(ctx, h.ChunkID); err == nil && ok {
			latest[h.ChunkID] = commit
		}
		if tks, err := ts.deps.Meta.GetTicketsByChunk(ctx, h.ChunkID); err == nil {
			keys := make([]string, len(tks))
			for i, t := range tks {
				keys[i] = t.Key
			}
			if len(keys) > 0 {
				tickets[h.ChunkID] = keys
			}
		}
	}

	return nil, ExplainFeatureOutput{Markdown: formatExplainFeature(in.Query, hits, latest, tickets)}, nil
}

// handleRecentChanges implements recent_changes: the project's commit
// history rendered as a timeline.
func (ts *toolServer) handleRecentChanges(ctx context.Context, _ *mcp.CallToolRequest, in RecentChangesInput) (
	*mcp.CallToolResult, RecentChangesOutput, error,
) {
	if in.Group == "" || in.Project == "" {
		return nil, RecentChangesOutput{}, invalidParams("\"group\" and \"project\" are required")
	}

	commits, err := ts.deps.Meta.RecentCommits(ctx, in.Group, in.Project, in.Limit)
	if err != nil {
		return nil, RecentChangesOutput{}, mapError(err)
	}

	return nil, RecentChangesOutput{Markdown: formatRecentChanges(in.Group, in.Project, commits)}, nil
}

// handleImpactAnalysis implements impact_analysis: a chunk's outgoing
// and incoming symbol edges rendered as a dependency/impact report.
func (ts *toolServer) handleImpactAnalysis(ctx context.Context, _ *mcp.CallToolRequest, in ImpactAnalysisInput) (
	*mcp.CallToolResult, ImpactAnalysisOutput, error,
) {
	if in.ChunkID == "" {
		return nil, ImpactAnalysisOutput{}, invalidParams("\"chunk_id\" is required")
	}

	uses, err := ts.deps.Meta.GetEdgesFrom(ctx, in.ChunkID)
	if err != nil {
		return nil, ImpactAnalysisOutput{}, mapError(err)
	}
	usedBy, err := ts.deps.Meta.GetEdgesTo(ctx, in.ChunkID)
	if err != nil {
		return nil, ImpactAnalysisOutput{}, mapError(err)
	}

	return nil, ImpactAnalysisOutput{Markdown: formatImpactAnalysis(in.ChunkID, uses, usedBy)}, nil
}
