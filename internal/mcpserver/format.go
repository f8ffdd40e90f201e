package mcpserver

import (
	"fmt"
	"strings"
	"time"

	"github.com/paparats/paparats/internal/metastore"
)

// formatExplainFeature renders search hits plus each top hit's latest
// commit and ticket context into a location table and change summary.
func formatExplainFeature(query string, hits []CodeHit, latest map[string]metastore.Commit, tickets map[string][]string) string {
	// latest and tickets are keyed by chunk_id.
	if len(hits) == 0 {
		return fmt.Sprintf("No chunks found explaining \"%s\"", query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s\n\n", query)
	fmt.Fprintf(&sb, "Found %d relevant location", len(hits))
	if len(hits) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString("\n\n")

	sb.WriteString("| # | Location | Symbol | Score |\n")
	sb.WriteString("|---|----------|--------|-------|\n")
	for i, h := range hits {
		symbol := h.Symbol
		if symbol == "" {
			symbol = "-"
		}
		fmt.Fprintf(&sb, "| %d | `%s:%d-%d` | %s | %.2f |\n", i+1, h.File, h.StartLine, h.EndLine, symbol, h.Score)
	}
	sb.WriteString("\n")

	for i, h := range hits {
		fmt.Fprintf(&sb, "### %d. %s:%d-%d\n\n", i+1, h.File, h.StartLine, h.EndLine)
		lang := h.Language
		if lang == "" {
			lang = "text"
		}
		fmt.Fprintf(&sb, "```%s\n%s\n```\n\n", lang, h.Content)

		if c, ok := latest[h.ChunkID]; ok {
			fmt.Fprintf(&sb, "Last touched in `%s` by %s (%s): %s\n\n",
				shortHash(c.Hash), c.AuthorEmail, formatUnix(c.CommittedAt), c.Summary)
		}
		if keys := tickets[h.ChunkID]; len(keys) > 0 {
			fmt.Fprintf(&sb, "**Tickets:** %s\n\n", strings.Join(keys, ", "))
		}
	}

	return sb.String()
}

// formatRecentChanges renders a project's commit history as a timeline.
func formatRecentChanges(group, project string, commits []metastore.ChunkCommit) string {
	if len(commits) == 0 {
		return fmt.Sprintf("No recorded changes for %s/%s", group, project)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Recent Changes in %s/%s\n\n", group, project)
	for _, cc := range commits {
		fmt.Fprintf(&sb, "- **%s** `%s` %s — %s (`%s`)\n",
			formatUnix(cc.Commit.CommittedAt), shortHash(cc.Commit.Hash), cc.Commit.AuthorEmail,
			cc.Commit.Summary, cc.File)
	}
	return sb.String()
}

// formatImpactAnalysis renders a chunk's outgoing and incoming symbol
// edges as a dependency/impact report.
func formatImpactAnalysis(chunkID string, uses []metastore.SymbolEdge, usedBy []metastore.IncomingEdge) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Impact Analysis: `%s`\n\n", chunkID)

	sb.WriteString("### Depends on\n\n")
	if len(uses) == 0 {
		sb.WriteString("No outgoing references recorded.\n\n")
	} else {
		for _, e := range uses {
			fmt.Fprintf(&sb, "- %s `%s` (chunk `%s`)\n", e.Relation, e.Symbol, e.ToChunkID)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("### Impacted by changes here\n\n")
	if len(usedBy) == 0 {
		sb.WriteString("No incoming references recorded.\n\n")
	} else {
		for _, e := range usedBy {
			fmt.Fprintf(&sb, "- %s `%s` (chunk `%s`)\n", e.Relation, e.Symbol, e.FromChunkID)
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

func formatUnix(sec int64) string {
	return time.Unix(sec, 0).UTC().Format("2006-01-02")
}
