package indexer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/paparats/paparats/internal/chunk"
)

func TestAttachSymbolEdges_EmitsEdgeForSoleDefiner(t *testing.T) {
	chunks := []*chunk.Chunk{
		{ChunkID: "a", UsesSymbols: []string{"Helper"}},
		{ChunkID: "b", DefinesSymbols: []string{"Helper"}},
	}
	edges := attachSymbolEdges(chunks)
	if assert.Len(t, edges["a"], 1) {
		assert.Equal(t, "b", edges["a"][0].ToChunkID)
		assert.Equal(t, "calls", edges["a"][0].Relation)
		assert.Equal(t, "Helper", edges["a"][0].Symbol)
	}
	assert.Empty(t, edges["b"])
}

func TestAttachSymbolEdges_SkipsAmbiguousDefinitions(t *testing.T) {
	chunks := []*chunk.Chunk{
		{ChunkID: "a", UsesSymbols: []string{"Helper"}},
		{ChunkID: "b", DefinesSymbols: []string{"Helper"}},
		{ChunkID: "c", DefinesSymbols: []string{"Helper"}},
	}
	edges := attachSymbolEdges(chunks)
	assert.Empty(t, edges["a"], "Helper is defined in two places, so no edge can be attributed")
}

func TestAttachSymbolEdges_SkipsSelfReference(t *testing.T) {
	chunks := []*chunk.Chunk{
		{ChunkID: "a", DefinesSymbols: []string{"Recurse"}, UsesSymbols: []string{"Recurse"}},
	}
	edges := attachSymbolEdges(chunks)
	assert.Empty(t, edges["a"])
}

func TestDedupedTags_AppliesDirectoryTagsByPrefix(t *testing.T) {
	tags := dedupedTags([]string{"base"}, map[string]string{"internal/api/": "api"}, "internal/api/handler.go")
	assert.ElementsMatch(t, []string{"base", "api"}, tags)
}

func TestDedupedTags_SkipsNonMatchingDirectory(t *testing.T) {
	tags := dedupedTags([]string{"base"}, map[string]string{"internal/api/": "api"}, "internal/cli/main.go")
	assert.Equal(t, []string{"base"}, tags)
}

func TestLanguageForPath_MatchesConfiguredExtension(t *testing.T) {
	assert.Equal(t, "go", languageForPath("main.go", []string{"go", "python"}))
}

func TestLanguageForPath_FallsBackToSoleConfiguredLanguage(t *testing.T) {
	assert.Equal(t, "go", languageForPath("Makefile", []string{"go"}))
}

func TestLanguageForPath_EmptyWhenAmbiguous(t *testing.T) {
	assert.Equal(t, "", languageForPath("README.md", []string{"go", "python"}))
}

func TestSameChunkSet_TrueWhenIdenticalIDs(t *testing.T) {
	existing := []map[string]any{{"chunk_id": "a"}, {"chunk_id": "b"}}
	chunks := []*chunk.Chunk{{ChunkID: "b"}, {ChunkID: "a"}}
	assert.True(t, sameChunkSet(existing, chunks))
}

func TestSameChunkSet_FalseWhenCountsDiffer(t *testing.T) {
	existing := []map[string]any{{"chunk_id": "a"}}
	chunks := []*chunk.Chunk{{ChunkID: "a"}, {ChunkID: "b"}}
	assert.False(t, sameChunkSet(existing, chunks))
}

func TestSameChunkSet_FalseWhenIDsDiffer(t *testing.T) {
	existing := []map[string]any{{"chunk_id": "a"}, {"chunk_id": "c"}}
	chunks := []*chunk.Chunk{{ChunkID: "a"}, {ChunkID: "b"}}
	assert.False(t, sameChunkSet(existing, chunks))
}

func TestChunkPayload_CarriesIdentityAndAttributionFields(t *testing.T) {
	c := &chunk.Chunk{
		ChunkID: "id", Group: "g", Project: "p", File: "f.go",
		LastCommitHash: "abc", TicketKeys: []string{"JIRA-1"},
	}
	payload := chunkPayload(c)
	assert.Equal(t, "id", payload["chunk_id"])
	assert.Equal(t, "abc", payload["last_commit_hash"])
	assert.Equal(t, []string{"JIRA-1"}, payload["ticket_keys"])
}
