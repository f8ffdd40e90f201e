// Package gitmeta implements the Git Metadata Extractor of spec §4.10:
// per-chunk commit attribution and ticket-key extraction from a
// project's git history.
package gitmeta

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	gitdiff "github.com/go-git/go-git/v5/plumbing/format/diff"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/paparats/paparats/internal/metastore"
)

// ErrNotARepository is returned by Open when root is not under git
// version control — the caller should skip extraction entirely, per
// spec §4.10 ("runs only when the project root is under version
// control").
var ErrNotARepository = errors.New("gitmeta: not a git repository")

var (
	jiraPattern   = regexp.MustCompile(`\b[A-Z]+-\d+\b`)
	githubPattern = regexp.MustCompile(`#\d+`)
)

// Extractor reads commit and ticket metadata for one project's git
// history.
type Extractor struct {
	repo           *git.Repository
	customPatterns []*regexp.Regexp
}

// Open opens the git repository rooted at projectRoot. Returns
// ErrNotARepository if projectRoot is not under version control.
func Open(projectRoot string, customTicketPatterns []string) (*Extractor, error) {
	repo, err := git.PlainOpen(projectRoot)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, ErrNotARepository
		}
		return nil, fmt.Errorf("gitmeta: open repository: %w", err)
	}

	patterns := make([]*regexp.Regexp, 0, len(customTicketPatterns))
	for _, p := range customTicketPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("gitmeta: compile custom ticket pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	return &Extractor{repo: repo, customPatterns: patterns}, nil
}

// hunkRange is an inclusive [Start, End] line range in a file's
// post-commit version, 1-indexed, matching chunk.Chunk's convention.
type hunkRange struct {
	Start, End int
}

// wholeFile is the sentinel range used for a file's first-introduction
// commit, which spec §4.10 assigns "conservatively to every chunk."
var wholeFile = hunkRange{Start: 1, End: 1 << 30}

func (h hunkRange) overlaps(start, end int) bool {
	return h.Start <= end && start <= h.End
}

// fileCommit pairs a commit's metadata with the hunk ranges it touched
// in one file.
type fileCommit struct {
	metastore.Commit
	Ranges []hunkRange
}

// fileHistory walks the last maxCommits commits touching relPath,
// newest first, extracting per-commit touched line ranges.
func (e *Extractor) fileHistory(ctx context.Context, relPath string, maxCommits int) ([]fileCommit, error) {
	commitIter, err := e.repo.Log(&git.LogOptions{
		Order:    git.LogOrderCommitterTime,
		FileName: &relPath,
	})
	if err != nil {
		return nil, fmt.Errorf("gitmeta: log %s: %w", relPath, err)
	}

	var history []fileCommit
	errStop := errors.New("gitmeta: stop iteration")
	err = commitIter.ForEach(func(c *object.Commit) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if maxCommits > 0 && len(history) >= maxCommits {
			return errStop
		}

		ranges, err := hunkRangesForFile(c, relPath)
		if err != nil {
			return fmt.Errorf("gitmeta: hunk ranges for %s@%s: %w", relPath, c.Hash, err)
		}

		history = append(history, fileCommit{
			Commit: metastore.Commit{
				Hash:        c.Hash.String(),
				CommittedAt: c.Author.When.Unix(),
				AuthorEmail: c.Author.Email,
				Summary:     strings.TrimSpace(firstLine(c.Message)),
			},
			Ranges: ranges,
		})
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	return history, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// hunkRangesForFile returns the line ranges c modified in relPath,
// relative to c's own (post-commit) version of the file. A commit
// that introduces the file (no parent has it) returns [wholeFile],
// per spec §4.10's conservative first-introduction rule.
func hunkRangesForFile(c *object.Commit, relPath string) ([]hunkRange, error) {
	if c.NumParents() == 0 {
		return []hunkRange{wholeFile}, nil
	}
	parent, err := c.Parent(0)
	if err != nil {
		return nil, fmt.Errorf("get parent: %w", err)
	}

	parentTree, err := parent.Tree()
	if err != nil {
		return nil, fmt.Errorf("parent tree: %w", err)
	}
	if _, err := parentTree.File(relPath); err != nil {
		// File did not exist in the parent: this commit introduces it.
		return []hunkRange{wholeFile}, nil
	}

	patch, err := parent.Patch(c)
	if err != nil {
		return nil, fmt.Errorf("diff against parent: %w", err)
	}

	var ranges []hunkRange
	for _, fp := range patch.FilePatches() {
		_, to := fp.Files()
		if to == nil || to.Path() != relPath {
			continue
		}
		line := 1
		for _, chunk := range fp.Chunks() {
			n := countLines(chunk.Content())
			switch chunk.Type() {
			case gitdiff.Add:
				ranges = append(ranges, hunkRange{Start: line, End: line + n - 1})
				line += n
			case gitdiff.Equal:
				line += n
			default: // gitdiff.Delete: no line advance in the post-commit file
			}
		}
	}
	return ranges, nil
}

func countLines(content string) int {
	if content == "" {
		return 0
	}
	n := strings.Count(content, "\n")
	if !strings.HasSuffix(content, "\n") {
		n++
	}
	return n
}

// ExtractTickets returns every ticket key found in summary, tagged by
// the pattern source that matched it (spec §4.10 step 4): built-in
// Jira (`[A-Z]+-\d+`), built-in GitHub (`#\d+`), and any user-supplied
// custom patterns.
func (e *Extractor) ExtractTickets(summary string) []metastore.Ticket {
	var tickets []metastore.Ticket
	for _, m := range jiraPattern.FindAllString(summary, -1) {
		tickets = append(tickets, metastore.Ticket{Key: m, Source: "jira"})
	}
	for _, m := range githubPattern.FindAllString(summary, -1) {
		tickets = append(tickets, metastore.Ticket{Key: m, Source: "github"})
	}
	for _, re := range e.customPatterns {
		for _, m := range re.FindAllString(summary, -1) {
			tickets = append(tickets, metastore.Ticket{Key: m, Source: "custom"})
		}
	}
	return tickets
}

// ChunkRange identifies one indexed chunk's line span within a file,
// the unit spec §4.10 step 3 assigns commits and tickets to.
type ChunkRange struct {
	ChunkID   string
	StartLine int
	EndLine   int
}

// FileResult is gitmeta's output for one file: per-chunk commit and
// ticket sets, ready for metastore's replace-set upserts. It carries no
// latest-commit attribution; LatestPayloadFor derives that from a
// chunk's commit set.
type FileResult struct {
	ChunkCommits map[string][]metastore.Commit
	ChunkTickets map[string][]metastore.Ticket
}

// LatestPayloadFields are the vector-store payload fields spec §4.10
// patches per chunk after extraction.
type LatestPayloadFields struct {
	LastCommitHash  string
	LastCommitAt    int64
	LastAuthorEmail string
	TicketKeys      []string
}

// ExtractForFile runs the full per-file extraction (spec §4.10 steps
// 1-4) against relPath's last maxCommits commits, assigning each
// commit and the tickets drawn from its summary to every chunk whose
// line range overlaps one of that commit's touched hunks.
func (e *Extractor) ExtractForFile(ctx context.Context, relPath string, maxCommits int, chunks []ChunkRange) (FileResult, error) {
	history, err := e.fileHistory(ctx, relPath, maxCommits)
	if err != nil {
		return FileResult{}, err
	}

	result := FileResult{
		ChunkCommits: make(map[string][]metastore.Commit, len(chunks)),
		ChunkTickets: make(map[string][]metastore.Ticket, len(chunks)),
	}

	for _, chunk := range chunks {
		ticketSeen := make(map[string]bool)
		for _, fc := range history {
			overlapped := false
			for _, r := range fc.Ranges {
				if r.overlaps(chunk.StartLine, chunk.EndLine) {
					overlapped = true
					break
				}
			}
			if !overlapped {
				continue
			}
			result.ChunkCommits[chunk.ChunkID] = append(result.ChunkCommits[chunk.ChunkID], fc.Commit)
			for _, t := range e.ExtractTickets(fc.Summary) {
				key := t.Source + ":" + t.Key
				if ticketSeen[key] {
					continue
				}
				ticketSeen[key] = true
				result.ChunkTickets[chunk.ChunkID] = append(result.ChunkTickets[chunk.ChunkID], t)
			}
		}
	}
	return result, nil
}

// LatestPayloadFor builds the vector-store payload patch for a chunk
// from its (already-computed) commit set, taking the most recent
// commit as the chunk's attribution.
func LatestPayloadFor(commits []metastore.Commit, tickets []metastore.Ticket) (LatestPayloadFields, bool) {
	if len(commits) == 0 {
		return LatestPayloadFields{}, false
	}
	latest := commits[0]
	for _, c := range commits[1:] {
		if c.CommittedAt > latest.CommittedAt {
			latest = c
		}
	}
	keys := make([]string, len(tickets))
	for i, t := range tickets {
		keys[i] = t.Key
	}
	return LatestPayloadFields{
		LastCommitHash:  latest.Hash,
		LastCommitAt:    latest.CommittedAt,
		LastAuthorEmail: latest.AuthorEmail,
		TicketKeys:      keys,
	}, true
}
