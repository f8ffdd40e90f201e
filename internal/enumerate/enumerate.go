// Package enumerate walks a project's configured paths and yields the
// files the indexer should chunk, applying the resolved language
// patterns/excludes, optional .gitignore matching, and the binary/UTF-8
// guards of spec §4.3.
package enumerate

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/paparats/paparats/internal/config"
	"github.com/paparats/paparats/internal/gitignore"
	"github.com/paparats/paparats/internal/lang"
)

// gitignoreCacheSize bounds the per-directory matcher cache so a
// long-running watch process doesn't grow it unbounded.
const gitignoreCacheSize = 1000

// DefaultMaxFileSize skips files larger than this; such files are almost
// never hand-written source worth indexing.
const DefaultMaxFileSize = 1 << 20 // 1 MiB

// File is one discovered, indexable file.
type File struct {
	Path     string // relative to root, forward-slash separated
	AbsPath  string
	Size     int64
	Language string
}

// Result is streamed over Enumerator.Scan's channel: exactly one of File
// or Err is set.
type Result struct {
	File *File
	Err  error
}

// Enumerator discovers indexable files for a project.
type Enumerator struct {
	gitignoreCache *lru.Cache[string, *gitignore.Matcher]
}

// New creates an Enumerator.
func New() (*Enumerator, error) {
	cache, err := lru.New[string, *gitignore.Matcher](gitignoreCacheSize)
	if err != nil {
		return nil, fmt.Errorf("enumerate: failed to create gitignore cache: %w", err)
	}
	return &Enumerator{gitignoreCache: cache}, nil
}

// Scan walks root applying proj's resolved patterns/excludes and streams
// matching files. The channel closes when the walk completes or ctx is
// canceled.
func (e *Enumerator) Scan(ctx context.Context, root string, proj *config.Project) (<-chan Result, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("enumerate: resolving root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("enumerate: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("enumerate: root is not a directory: %s", absRoot)
	}

	workers := runtime.NumCPU()
	results := make(chan Result, workers*4)

	go func() {
		defer close(results)
		e.walk(ctx, absRoot, proj, results)
	}()

	return results, nil
}

// ScanAll is a convenience wrapper returning a deterministically ordered
// slice instead of a channel, for callers (tests, one-shot reindex) that
// don't need streaming.
func (e *Enumerator) ScanAll(ctx context.Context, root string, proj *config.Project) ([]*File, error) {
	ch, err := e.Scan(ctx, root, proj)
	if err != nil {
		return nil, err
	}
	var files []*File
	for r := range ch {
		if r.Err != nil {
			return nil, r.Err
		}
		files = append(files, r.File)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (e *Enumerator) walk(ctx context.Context, absRoot string, proj *config.Project, results chan<- Result) {
	err := filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			return nil
		}

		relPath, err := filepath.Rel(absRoot, path)
		if err != nil {
			return nil
		}
		relPath = filepath.ToSlash(relPath)
		if relPath == "." {
			return nil
		}

		if d.IsDir() {
			if gitignore.MatchesAnyPattern(relPath, proj.ResolvedExcludes) {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		if gitignore.MatchesAnyPattern(relPath, proj.ResolvedExcludes) {
			return nil
		}

		if len(proj.ResolvedPatterns) > 0 && !gitignore.MatchesAnyPattern(relPath, proj.ResolvedPatterns) {
			return nil
		}

		if proj.RespectIgnoreFile && e.isGitignored(absRoot, relPath) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return nil
		}
		if fi.Size() == 0 || fi.Size() > DefaultMaxFileSize {
			return nil
		}

		ok, err := isTextFile(path)
		if err != nil || !ok {
			return nil
		}

		select {
		case results <- Result{File: &File{
			Path:     relPath,
			AbsPath:  path,
			Size:     fi.Size(),
			Language: languageForPath(relPath, proj.Language),
		}}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})

	if err != nil && err != context.Canceled {
		select {
		case results <- Result{Err: err}:
		default:
		}
	}
}

// isGitignored consults every .gitignore from absRoot down to relPath's
// parent directory. Each matcher is scoped to its own directory (so a
// nested .gitignore never governs paths outside it) but is always
// matched against the full relPath, mirroring gitignore's own semantics.
func (e *Enumerator) isGitignored(absRoot, relPath string) bool {
	if m := e.matcherFor(absRoot, ""); m != nil && m.Match(relPath, false) {
		return true
	}

	dir := filepath.Dir(relPath)
	if dir == "." {
		return false
	}
	currentDir := absRoot
	currentBase := ""
	for _, part := range strings.Split(dir, "/") {
		currentDir = filepath.Join(currentDir, part)
		if currentBase == "" {
			currentBase = part
		} else {
			currentBase = currentBase + "/" + part
		}
		if m := e.matcherFor(currentDir, currentBase); m != nil && m.Match(relPath, false) {
			return true
		}
	}
	return false
}

func (e *Enumerator) matcherFor(dir, base string) *gitignore.Matcher {
	if m, ok := e.gitignoreCache.Get(dir); ok {
		return m
	}

	gitignorePath := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(gitignorePath); err != nil {
		e.gitignoreCache.Add(dir, nil)
		return nil
	}

	matcher := gitignore.New()
	if err := matcher.AddFromFile(gitignorePath, base); err != nil {
		e.gitignoreCache.Add(dir, nil)
		return nil
	}
	e.gitignoreCache.Add(dir, matcher)
	return matcher
}

// isTextFile guards against binary content (NUL byte in the first 512
// bytes) and invalid UTF-8, both of which make a file unfit for chunking
// and embedding.
func isTextFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return true, nil // empty file: not binary, caller filters by size==0 anyway
	}
	sample := buf[:n]

	if bytes.Contains(sample, []byte{0}) {
		return false, nil
	}
	if !utf8.Valid(sample) {
		return false, nil
	}
	return true, nil
}

// languageForPath returns the configured language whose extension set
// contains path's extension, or "" if none match (the chunker falls back
// to paragraph-based chunking in that case).
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
