package gitmeta

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepoWithHistory(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)

	write := func(content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte(content), 0o644))
	}
	commit := func(msg string, when time.Time) {
		_, err := wt.Add("main.go")
		require.NoError(t, err)
		_, err = wt.Commit(msg, &git.CommitOptions{
			Author: &object.Signature{Name: "Dev", Email: "dev@example.com", When: when},
		})
		require.NoError(t, err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	write("package main\n\nfunc A() {}\n\nfunc B() {}\n")
	commit("JIRA-100: initial commit", base)

	write("package main\n\nfunc A() {}\n\nfunc B() {\n\t_ = 1\n}\n")
	commit("PROJ-200: fix B, closes #7", base.Add(time.Hour))

	return dir
}

func TestOpen_ReturnsErrNotARepositoryForPlainDirectory(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(dir, nil)
	assert.ErrorIs(t, err, ErrNotARepository)
}

func TestExtractTickets_MatchesJiraGithubAndCustomPatterns(t *testing.T) {
	ext, err := newExtractorWithPatterns([]string{`TICKET-\d+`})
	require.NoError(t, err)

	tickets := ext.ExtractTickets("JIRA-42: fix bug, see #99 and TICKET-7")
	var sources []string
	for _, tk := range tickets {
		sources = append(sources, tk.Source+":"+tk.Key)
	}
	assert.ElementsMatch(t, []string{"jira:JIRA-42", "github:#99", "custom:TICKET-7"}, sources)
}

func newExtractorWithPatterns(patterns []string) (*Extractor, error) {
	return Open(mustInitBareEnoughRepo(), patterns)
}

// mustInitBareEnoughRepo creates a throwaway repo directory purely so
// ExtractTickets-focused tests can obtain an *Extractor without
// depending on repo contents.
func mustInitBareEnoughRepo() string {
	dir, err := os.MkdirTemp("", "gitmeta-ticket-test")
	if err != nil {
		panic(err)
	}
	if _, err := git.PlainInit(dir, false); err != nil {
		panic(err)
	}
	return dir
}

func TestExtractForFile_AssignsCommitsByLineOverlap(t *testing.T) {
	dir := initRepoWithHistory(t)
	e, err := Open(dir, nil)
	require.NoError(t, err)

	chunks := []ChunkRange{
		{ChunkID: "chunk-a", StartLine: 3, EndLine: 3},
		{ChunkID: "chunk-b", StartLine: 5, EndLine: 7},
	}
	result, err := e.ExtractForFile(context.Background(), "main.go", 0, chunks)
	require.NoError(t, err)

	assert.Len(t, result.ChunkCommits["chunk-a"], 1, "func A() was only touched by the creating commit")
	assert.Len(t, result.ChunkCommits["chunk-b"], 2, "func B() was touched by both the creating and the fix commit")
}

func TestExtractForFile_TicketsFollowTheirAssignedCommit(t *testing.T) {
	dir := initRepoWithHistory(t)
	e, err := Open(dir, nil)
	require.NoError(t, err)

	chunks := []ChunkRange{{ChunkID: "chunk-b", StartLine: 5, EndLine: 7}}
	result, err := e.ExtractForFile(context.Background(), "main.go", 0, chunks)
	require.NoError(t, err)

	var keys []string
	for _, tk := range result.ChunkTickets["chunk-b"] {
		keys = append(keys, tk.Key)
	}
	assert.Contains(t, keys, "PROJ-200")
	assert.Contains(t, keys, "#7")
}

func TestLatestPayloadFor_PicksMostRecentCommit(t *testing.T) {
	dir := initRepoWithHistory(t)
	e, err := Open(dir, nil)
	require.NoError(t, err)

	chunks := []ChunkRange{{ChunkID: "chunk-b", StartLine: 5, EndLine: 7}}
	result, err := e.ExtractForFile(context.Background(), "main.go", 0, chunks)
	require.NoError(t, err)

	fields, ok := LatestPayloadFor(result.ChunkCommits["chunk-b"], result.ChunkTickets["chunk-b"])
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC).Unix(), fields.LastCommitAt, "the PROJ-200 fix commit is the newer of the two")
	assert.NotEmpty(t, fields.LastCommitHash)
	assert.Equal(t, "dev@example.com", fields.LastAuthorEmail)
}

func TestLatestPayloadFor_FalseWhenNoCommits(t *testing.T) {
	_, ok := LatestPayloadFor(nil, nil)
	assert.False(t, ok)
}
