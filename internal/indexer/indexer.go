// Package indexer implements the Indexer of spec §4.11: it orchestrates
// enumeration, chunking, symbol-edge construction, embedding, and the
// vector/metadata stores into full-project and single-file ingestion
// operations.
package indexer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/paparats/paparats/internal/chunk"
	"github.com/paparats/paparats/internal/config"
	"github.com/paparats/paparats/internal/embed"
	"github.com/paparats/paparats/internal/enumerate"
	apperrors "github.com/paparats/paparats/internal/errors"
	"github.com/paparats/paparats/internal/gitmeta"
	"github.com/paparats/paparats/internal/lang"
	"github.com/paparats/paparats/internal/metastore"
	"github.com/paparats/paparats/internal/vectorstore"
)

// Project binds a project's name and filesystem root to its resolved
// configuration. config.Project carries only the parsed document — the
// name and on-disk root are supplied by the caller (the group/project
// registry), not by the config file itself.
type Project struct {
	Group  string
	Name   string
	Root   string
	Config *config.Project
}

// Dependencies are the collaborators an Indexer orchestrates, injected
// so callers can substitute fakes in tests — the same pattern as the
// teacher's index.RunnerDependencies.
type Dependencies struct {
	Enumerator  *enumerate.Enumerator
	CodeChunker chunk.Chunker
	Embedder    embed.Embedder
	Vectors     *vectorstore.Store
	Meta        *metastore.Store
}

// Indexer runs ingestion operations for one or more projects.
type Indexer struct {
	deps Dependencies
}

// New creates an Indexer.
func New(deps Dependencies) *Indexer {
	return &Indexer{deps: deps}
}

// Counters is the run-scoped progress/result tally of spec §4.11.
type Counters struct {
	Files   int
	Chunks  int
	Cached  int
	Errors  int
	Skipped int
}

// IndexProject performs a full build of proj: enumerate -> chunk ->
// symbol edges -> embed -> upsert -> git metadata. It returns the
// run's Counters; Counters.Chunks is the number of chunks written.
func (ix *Indexer) IndexProject(ctx context.Context, proj Project) (Counters, error) {
	var counters Counters

	results, err := ix.deps.Enumerator.Scan(ctx, proj.Root, proj.Config)
	if err != nil {
		return counters, apperrors.IndexErr("failed to scan project", err)
	}

	var files []*enumerate.File
	for res := range results {
		if res.Err != nil {
			counters.Errors++
			slog.Warn("indexer_scan_error", slog.String("error", res.Err.Error()))
			continue
		}
		files = append(files, res.File)
	}
	counters.Files = len(files)

	if len(files) == 0 {
		return counters, nil
	}

	concurrency := proj.Config.Concurrency
	if concurrency <= 0 {
		concurrency = config.DefaultConcurrency
	}

	var mu sync.Mutex
	var allChunks []*chunk.Chunk

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, f := range files {
		f := f
		g.Go(func() error {
			chunks, skipped, err := ix.chunkFile(gctx, proj, f)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				counters.Errors++
				slog.Warn("indexer_chunk_error", slog.String("file", f.Path), slog.String("error", err.Error()))
				return nil
			}
			if skipped {
				counters.Skipped++
				return nil
			}
			allChunks = append(allChunks, chunks...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return counters, apperrors.IndexErr("failed chunking project files", err)
	}

	attachSymbolEdges(allChunks)

	if err := ix.embedAndStore(ctx, proj, allChunks); err != nil {
		return counters, err
	}
	counters.Chunks = len(allChunks)

	if err := ix.storeSymbolEdges(ctx, allChunks); err != nil {
		return counters, err
	}

	if proj.Config.Metadata.Git.Enabled {
		if err := ix.extractGitMetadata(ctx, proj, files, allChunks); err != nil {
			slog.Warn("indexer_git_metadata_failed", slog.String("project", proj.Name), slog.String("error", err.Error()))
		}
	}

	return counters, nil
}

// chunkFile reads and chunks a single discovered file. A binary or
// invalid-UTF-8 file is reported as skipped, not an error.
func (ix *Indexer) chunkFile(ctx context.Context, proj Project, f *enumerate.File) ([]*chunk.Chunk, bool, error) {
	content, err := readUTF8File(f.AbsPath)
	if err != nil {
		return nil, false, err
	}
	if content == nil {
		return nil, true, nil
	}

	chunks, err := ix.deps.CodeChunker.Chunk(ctx, &chunk.FileInput{
		Path:     f.Path,
		Content:  content,
		Language: f.Language,
	})
	if err != nil {
		return nil, false, err
	}

	tags := dedupedTags(proj.Config.Metadata.Tags, proj.Config.Metadata.DirectoryTags, f.Path)
	for _, c := range chunks {
		c.Group = proj.Group
		c.Project = proj.Name
		c.Service = proj.Config.Metadata.Service
		c.BoundedContext = proj.Config.Metadata.BoundedContext
		c.Tags = tags
		c.ComputeHash()
	}
	return chunks, false, nil
}

func dedupedTags(base []string, dirTags map[string]string, path string) []string {
	tags := append([]string{}, base...)
	for dir, tag := range dirTags {
		if strings.HasPrefix(path, dir) {
			tags = append(tags, tag)
		}
	}
	return tags
}

func readUTF8File(path string) ([]byte, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data) {
		return nil, nil // binary sentinel byte or not valid UTF-8
	}
	return data, nil
}

// attachSymbolEdges builds the calls-relation symbol graph for a batch
// of chunks: every symbol a chunk uses that is defined by exactly one
// other chunk in the batch becomes an outgoing edge, per spec §4.11.
func attachSymbolEdges(chunks []*chunk.Chunk) map[string][]metastore.SymbolEdge {
	definedBy := make(map[string][]string, len(chunks)*2)
	for _, c := range chunks {
		for _, sym := range c.DefinesSymbols {
			definedBy[sym] = append(definedBy[sym], c.ChunkID)
		}
	}

	edges := make(map[string][]metastore.SymbolEdge, len(chunks))
	for _, c := range chunks {
		for _, used := range c.UsesSymbols {
			defs := definedBy[used]
			if len(defs) != 1 || defs[0] == c.ChunkID {
				continue
			}
			edges[c.ChunkID] = append(edges[c.ChunkID], metastore.SymbolEdge{
				ToChunkID: defs[0],
				Relation:  "calls",
				Symbol:    used,
			})
		}
	}
	return edges
}

// embedAndStore embeds every chunk's content (with the passage prefix,
// spec §4.7) in indexing.batch_size batches and upserts the resulting
// points into the vector store.
func (ix *Indexer) embedAndStore(ctx context.Context, proj Project, chunks []*chunk.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	dim := ix.deps.Embedder.Dimensions()
	if err := ix.deps.Vectors.EnsureCollection(ctx, proj.Group, dim); err != nil {
		return apperrors.IndexErr("failed to ensure collection", err)
	}

	batchSize := proj.Config.BatchSize
	if batchSize <= 0 {
		batchSize = config.DefaultBatchSize
	}

	for start := 0; start < len(chunks); start += batchSize {
		end := min(start+batchSize, len(chunks))
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = embed.PassagePrefix(c.Content)
		}

		vectors, err := ix.deps.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return apperrors.IndexErr("failed to embed chunk batch", err)
		}

		points := make([]vectorstore.Point, len(batch))
		for i, c := range batch {
			points[i] = vectorstore.Point{
				ChunkID: c.ChunkID,
				Vector:  vectors[i],
				Payload: chunkPayload(c),
			}
		}
		if err := ix.deps.Vectors.Upsert(ctx, proj.Group, points); err != nil {
			return apperrors.IndexErr("failed to upsert embedding batch", err)
		}
	}
	return nil
}

func chunkPayload(c *chunk.Chunk) map[string]any {
	return map[string]any{
		"chunk_id":          c.ChunkID,
		"group":             c.Group,
		"project":           c.Project,
		"file":              c.File,
		"language":          c.Language,
		"start_line":        c.StartLine,
		"end_line":          c.EndLine,
		"content":           c.Content,
		"symbol_name":       c.SymbolName,
		"kind":              string(c.Kind),
		"service":           c.Service,
		"bounded_context":   c.BoundedContext,
		"tags":              c.Tags,
		"last_commit_hash":  c.LastCommitHash,
		"last_commit_at":    c.LastCommitAt,
		"last_author_email": c.LastAuthorEmail,
		"ticket_keys":       c.TicketKeys,
	}
}

func (ix *Indexer) storeSymbolEdges(ctx context.Context, chunks []*chunk.Chunk) error {
	edges := attachSymbolEdges(chunks)
	for _, c := range chunks {
		loc := metastore.ChunkLocation{Group: c.Group, Project: c.Project, File: c.File}
		if err := ix.deps.Meta.UpsertEdgesForChunk(ctx, c.ChunkID, loc, edges[c.ChunkID]); err != nil {
			return apperrors.IndexErr("failed to store symbol edges", err)
		}
	}
	return nil
}

// extractGitMetadata runs the git metadata extractor (spec §4.10) over
// every file just indexed and patches the resulting attribution onto
// each chunk's stored metadata and vector-store payload.
func (ix *Indexer) extractGitMetadata(ctx context.Context, proj Project, files []*enumerate.File, chunks []*chunk.Chunk) error {
	ext, err := gitmeta.Open(proj.Root, proj.Config.Metadata.Git.TicketPatterns)
	if err != nil {
		if err == gitmeta.ErrNotARepository {
			return nil
		}
		return fmt.Errorf("open git repository: %w", err)
	}

	byFile := make(map[string][]*chunk.Chunk, len(files))
	for _, c := range chunks {
		byFile[c.File] = append(byFile[c.File], c)
	}

	maxCommits := proj.Config.Metadata.Git.MaxCommitsPerFile
	for path, fileChunks := range byFile {
		ranges := make([]gitmeta.ChunkRange, len(fileChunks))
		for i, c := range fileChunks {
			ranges[i] = gitmeta.ChunkRange{ChunkID: c.ChunkID, StartLine: c.StartLine, EndLine: c.EndLine}
		}

		result, err := ext.ExtractForFile(ctx, path, maxCommits, ranges)
		if err != nil {
			slog.Warn("indexer_gitmeta_file_failed", slog.String("file", path), slog.String("error", err.Error()))
			continue
		}

		for _, c := range fileChunks {
			loc := metastore.ChunkLocation{Group: c.Group, Project: c.Project, File: c.File}
			if err := ix.deps.Meta.UpsertCommitsForChunk(ctx, c.ChunkID, loc, result.ChunkCommits[c.ChunkID]); err != nil {
				slog.Warn("indexer_gitmeta_store_commits_failed", slog.String("chunk_id", c.ChunkID), slog.String("error", err.Error()))
			}
			if err := ix.deps.Meta.UpsertTicketsForChunk(ctx, c.ChunkID, loc, result.ChunkTickets[c.ChunkID]); err != nil {
				slog.Warn("indexer_gitmeta_store_tickets_failed", slog.String("chunk_id", c.ChunkID), slog.String("error", err.Error()))
			}

			fields, ok := gitmeta.LatestPayloadFor(result.ChunkCommits[c.ChunkID], result.ChunkTickets[c.ChunkID])
			if !ok {
				continue
			}
			patch := map[string]any{
				"last_commit_hash":   fields.LastCommitHash,
				"last_commit_at":     fields.LastCommitAt,
				"last_author_email":  fields.LastAuthorEmail,
				"ticket_keys":        fields.TicketKeys,
			}
			// A payload-patch failure only loses the attribution fields for
			// this chunk — the chunk's vector and content are already
			// indexed, so the run is not failed over it.
			if err := ix.deps.Vectors.SetPayload(ctx, c.Group, c.ChunkID, patch); err != nil {
				slog.Warn("indexer_gitmeta_payload_patch_failed", slog.String("chunk_id", c.ChunkID), slog.String("error", err.Error()))
			}
		}
	}
	return nil
}

// IndexFile incrementally (re)indexes a single file already on disk at
// proj.Root/relPath. It is a no-op when the file's multiset of chunk
// ids is unchanged from what is already stored. A chunk id holds the
// chunk's line range as well as its content hash, so content that only
// moved to other lines is re-indexed rather than skipped.
func (ix *Indexer) IndexFile(ctx context.Context, proj Project, relPath string) (Counters, error) {
	content, err := readFile(filepath.Join(proj.Root, relPath))
	if err != nil {
		return Counters{}, apperrors.IndexErr("failed to read file", err)
	}
	return ix.IndexFileContent(ctx, proj, relPath, content)
}

// IndexFileContent indexes relPath using the supplied content instead of
// reading it from disk, for callers (e.g. the watcher) that already have
// the bytes in hand.
func (ix *Indexer) IndexFileContent(ctx context.Context, proj Project, relPath string, content []byte) (Counters, error) {
	var counters Counters

	if bytes.IndexByte(content, 0) >= 0 {
		counters.Skipped = 1
		return counters, nil
	}

	chunks, err := ix.deps.CodeChunker.Chunk(ctx, &chunk.FileInput{
		Path:     relPath,
		Content:  content,
		Language: languageForPath(relPath, proj.Config.Language),
	})
	if err != nil {
		return counters, apperrors.IndexErr("failed to chunk file", err)
	}

	tags := dedupedTags(proj.Config.Metadata.Tags, proj.Config.Metadata.DirectoryTags, relPath)
	for _, c := range chunks {
		c.Group = proj.Group
		c.Project = proj.Name
		c.Service = proj.Config.Metadata.Service
		c.BoundedContext = proj.Config.Metadata.BoundedContext
		c.Tags = tags
		c.ComputeHash()
	}

	existing, err := ix.deps.Vectors.ScrollByFilter(ctx, proj.Group, vectorstore.Filter{
		Equals: map[string]string{"project": proj.Name, "file": relPath},
	})
	if err != nil {
		return counters, apperrors.IndexErr("failed to scroll existing chunks", err)
	}
	if sameChunkSet(existing, chunks) {
		counters.Cached = len(chunks)
		return counters, nil
	}

	if err := ix.DeleteFile(ctx, proj.Group, proj.Name, relPath); err != nil {
		return counters, err
	}
	if err := ix.embedAndStore(ctx, proj, chunks); err != nil {
		return counters, err
	}
	if err := ix.storeSymbolEdges(ctx, chunks); err != nil {
		return counters, err
	}
	counters.Files = 1
	counters.Chunks = len(chunks)
	return counters, nil
}

// sameChunkSet reports whether the multiset of chunk ids already stored
// for a file (read back from vector-store payloads) equals the one
// freshly computed from content — spec §4.11's idempotent-no-op check.
// Ids carry line ranges, so equal hashes at shifted lines do not match.
func sameChunkSet(existing []map[string]any, chunks []*chunk.Chunk) bool {
	if len(existing) != len(chunks) {
		return false
	}
	seen := make(map[string]int, len(existing))
	for _, p := range existing {
		id, _ := p["chunk_id"].(string)
		seen[id]++
	}
	for _, c := range chunks {
		if seen[c.ChunkID] == 0 {
			return false
		}
		seen[c.ChunkID]--
	}
	return true
}

// DeleteFile removes every chunk, commit, ticket, and symbol edge
// belonging to file from both stores — the teardown half of a
// re-index, and the implementation of spec §4.11's delete_file.
func (ix *Indexer) DeleteFile(ctx context.Context, group, project, file string) error {
	if err := ix.deps.Vectors.DeleteByFilter(ctx, group, vectorstore.Filter{
		Equals: map[string]string{"project": project, "file": file},
	}); err != nil {
		return apperrors.IndexErr("failed to delete vectors for file", err)
	}
	if err := ix.deps.Meta.DeleteByFile(ctx, group, project, file); err != nil {
		return apperrors.IndexErr("failed to delete metadata for file", err)
	}
	return nil
}

// DeleteProject removes every chunk belonging to project from both
// stores, per spec §4.11's delete_project.
func (ix *Indexer) DeleteProject(ctx context.Context, group, project string) error {
	if err := ix.deps.Vectors.DeleteByFilter(ctx, group, vectorstore.Filter{
		Equals: map[string]string{"project": project},
	}); err != nil {
		return apperrors.IndexErr("failed to delete vectors for project", err)
	}
	if err := ix.deps.Meta.DeleteByProject(ctx, group, project); err != nil {
		return apperrors.IndexErr("failed to delete metadata for project", err)
	}
	return nil
}

// ReindexGroup drops a group's entire collection so the next
// IndexProject call rebuilds it from scratch, per spec §4.11's
// reindex_group.
func (ix *Indexer) ReindexGroup(ctx context.Context, group string) error {
	if err := ix.deps.Vectors.DeleteCollection(ctx, group); err != nil {
		return apperrors.IndexErr("failed to drop collection", err)
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// languageForPath returns the configured language whose extension set
// contains path's extension, falling back to the project's sole
// configured language when there is exactly one, or "" otherwise (the
// chunker then falls back to paragraph-based chunking).
func languageForPath(path string, languages []string) string {
	ext := filepath.Ext(path)
	for _, id := range languages {
		for _, e := range lang.Lookup(id).Extensions {
			if e == ext {
				return id
			}
		}
	}
	if len(languages) == 1 {
		return languages[0]
	}
	return ""
}
