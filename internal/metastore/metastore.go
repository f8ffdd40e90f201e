// Package metastore is the durable relational-style Metadata Store of
// spec §4.9: per-chunk commit history, extracted tickets, and symbol
// edges, all keyed on chunk_id.
package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// Store is the Metadata Store. One writer connection, WAL mode, same
// discipline as internal/embedcache and the teacher's BM25 index.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Options configures a Store.
type Options struct {
	// Path to the sqlite file. Empty means an in-memory store (tests).
	Path string
}

// Commit is one commit touching a chunk (spec §4.9/§4.10).
type Commit struct {
	Hash        string
	CommittedAt int64 // unix seconds
	AuthorEmail string
	Summary     string
}

// Ticket is one ticket key extracted from a commit summary, tagged
// with the pattern source that matched it (spec §4.10).
type Ticket struct {
	Key    string
	Source string // "jira", "github", or "custom"
}

// SymbolEdge is a calls-relation edge between two chunks (spec §4.11).
type SymbolEdge struct {
	ToChunkID string
	Relation  string
	Symbol    string
}

// Open creates or opens the metadata store database at opts.Path.
func Open(opts Options) (*Store, error) {
	dsn := ":memory:"
	if opts.Path != "" {
		if dir := filepath.Dir(opts.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("metastore: create directory %s: %w", dir, err)
			}
		}
		dsn = opts.Path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("metastore: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("metastore: set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("metastore: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS commits (
		chunk_id     TEXT NOT NULL,
		grp          TEXT NOT NULL,
		project      TEXT NOT NULL,
		file         TEXT NOT NULL,
		hash         TEXT NOT NULL,
		committed_at INTEGER NOT NULL,
		author_email TEXT NOT NULL,
		summary      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commits_chunk ON commits(chunk_id);
	CREATE INDEX IF NOT EXISTS idx_commits_project ON commits(grp, project);
	CREATE INDEX IF NOT EXISTS idx_commits_file ON commits(grp, project, file);

	CREATE TABLE IF NOT EXISTS tickets (
		chunk_id TEXT NOT NULL,
		grp      TEXT NOT NULL,
		project  TEXT NOT NULL,
		file     TEXT NOT NULL,
		key      TEXT NOT NULL,
		source   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tickets_chunk ON tickets(chunk_id);
	CREATE INDEX IF NOT EXISTS idx_tickets_project ON tickets(grp, project);
	CREATE INDEX IF NOT EXISTS idx_tickets_file ON tickets(grp, project, file);

	CREATE TABLE IF NOT EXISTS symbol_edges (
		from_chunk_id TEXT NOT NULL,
		to_chunk_id   TEXT NOT NULL,
		relation      TEXT NOT NULL,
		symbol        TEXT NOT NULL,
		grp           TEXT NOT NULL,
		project       TEXT NOT NULL,
		file          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_edges_from ON symbol_edges(from_chunk_id);
	CREATE INDEX IF NOT EXISTS idx_edges_to ON symbol_edges(to_chunk_id);
	CREATE INDEX IF NOT EXISTS idx_edges_project ON symbol_edges(grp, project);
	CREATE INDEX IF NOT EXISTS idx_edges_file ON symbol_edges(grp, project, file);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ChunkLocation identifies the file scope a chunk_id belongs to, which
// delete_by_project/delete_by_file need independently of chunk_id's
// own encoding.
type ChunkLocation struct {
	Group   string
	Project string
	File    string
}

// UpsertCommitsForChunk replaces chunk's entire commit set (spec §4.9's
// replace-set semantics), atomically.
func (s *Store) UpsertCommitsForChunk(ctx context.Context, chunkID string, loc ChunkLocation, commits []Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metastore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM commits WHERE chunk_id = ?`, chunkID); err != nil {
		return fmt.Errorf("metastore: clear commits: %w", err)
	}
	for _, c := range commits {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO commits(chunk_id, grp, project, file, hash, committed_at, author_email, summary)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			chunkID, loc.Group, loc.Project, loc.File, c.Hash, c.CommittedAt, c.AuthorEmail, c.Summary); err != nil {
			return fmt.Errorf("metastore: insert commit: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metastore: commit tx: %w", err)
	}
	return nil
}

// UpsertTicketsForChunk replaces chunk's entire ticket set, atomically.
func (s *Store) UpsertTicketsForChunk(ctx context.Context, chunkID string, loc ChunkLocation, tickets []Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metastore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tickets WHERE chunk_id = ?`, chunkID); err != nil {
		return fmt.Errorf("metastore: clear tickets: %w", err)
	}
	for _, t := range tickets {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tickets(chunk_id, grp, project, file, key, source) VALUES (?, ?, ?, ?, ?, ?)`,
			chunkID, loc.Group, loc.Project, loc.File, t.Key, t.Source); err != nil {
			return fmt.Errorf("metastore: insert ticket: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metastore: commit tx: %w", err)
	}
	return nil
}

// UpsertEdgesForChunk replaces chunk's entire outgoing edge set,
// atomically (spec §4.11: re-indexing a file first clears its outgoing
// and incoming edges). Incoming edges are not touched here; DeleteChunk
// removes a chunk's edges in both directions.
func (s *Store) UpsertEdgesForChunk(ctx context.Context, chunkID string, loc ChunkLocation, edges []SymbolEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metastore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM symbol_edges WHERE from_chunk_id = ?`, chunkID); err != nil {
		return fmt.Errorf("metastore: clear edges: %w", err)
	}
	for _, e := range edges {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO symbol_edges(from_chunk_id, to_chunk_id, relation, symbol, grp, project, file)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			chunkID, e.ToChunkID, e.Relation, e.Symbol, loc.Group, loc.Project, loc.File); err != nil {
			return fmt.Errorf("metastore: insert edge: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metastore: commit tx: %w", err)
	}
	return nil
}

// GetCommitsByChunk returns chunk's commits, most recent first, capped
// at limit when limit > 0.
func (s *Store) GetCommitsByChunk(ctx context.Context, chunkID string, limit int) ([]Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT hash, committed_at, author_email, summary FROM commits
	           WHERE chunk_id = ? ORDER BY committed_at DESC`
	args := []any{chunkID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("metastore: get commits: %w", err)
	}
	defer rows.Close()

	var commits []Commit
	for rows.Next() {
		var c Commit
		if err := rows.Scan(&c.Hash, &c.CommittedAt, &c.AuthorEmail, &c.Summary); err != nil {
			return nil, fmt.Errorf("metastore: scan commit: %w", err)
		}
		commits = append(commits, c)
	}
	return commits, rows.Err()
}

// GetLatestCommit returns chunk's single most recent commit, or
// ok=false if it has none.
func (s *Store) GetLatestCommit(ctx context.Context, chunkID string) (commit Commit, ok bool, err error) {
	commits, err := s.GetCommitsByChunk(ctx, chunkID, 1)
	if err != nil {
		return Commit{}, false, err
	}
	if len(commits) == 0 {
		return Commit{}, false, nil
	}
	return commits[0], true, nil
}

// GetTicketsByChunk returns chunk's extracted tickets.
func (s *Store) GetTicketsByChunk(ctx context.Context, chunkID string) ([]Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, source FROM tickets WHERE chunk_id = ?`, chunkID)
	if err != nil {
		return nil, fmt.Errorf("metastore: get tickets: %w", err)
	}
	defer rows.Close()

	var tickets []Ticket
	for rows.Next() {
		var t Ticket
		if err := rows.Scan(&t.Key, &t.Source); err != nil {
			return nil, fmt.Errorf("metastore: scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// GetEdgesFrom returns chunk's outgoing symbol edges.
func (s *Store) GetEdgesFrom(ctx context.Context, chunkID string) ([]SymbolEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT to_chunk_id, relation, symbol FROM symbol_edges WHERE from_chunk_id = ?`, chunkID)
	if err != nil {
		return nil, fmt.Errorf("metastore: get edges from: %w", err)
	}
	defer rows.Close()

	var edges []SymbolEdge
	for rows.Next() {
		var e SymbolEdge
		if err := rows.Scan(&e.ToChunkID, &e.Relation, &e.Symbol); err != nil {
			return nil, fmt.Errorf("metastore: scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// IncomingEdge is a symbol edge as seen from the target chunk's side.
type IncomingEdge struct {
	FromChunkID string
	Relation    string
	Symbol      string
}

// GetEdgesTo returns edges targeting chunkID from any other chunk.
func (s *Store) GetEdgesTo(ctx context.Context, chunkID string) ([]IncomingEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT from_chunk_id, relation, symbol FROM symbol_edges WHERE to_chunk_id = ?`, chunkID)
	if err != nil {
		return nil, fmt.Errorf("metastore: get edges to: %w", err)
	}
	defer rows.Close()

	var edges []IncomingEdge
	for rows.Next() {
		var e IncomingEdge
		if err := rows.Scan(&e.FromChunkID, &e.Relation, &e.Symbol); err != nil {
			return nil, fmt.Errorf("metastore: scan incoming edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ChunkCommit is one commit as seen from a project-scoped listing —
// recent_changes and search_changes need the chunk_id and file back,
// not just the commit fields GetCommitsByChunk returns.
type ChunkCommit struct {
	ChunkID string
	File    string
	Commit  Commit
}

// RecentCommits returns (group, project)'s most recently committed
// chunks, most recent first, capped at limit.
func (s *Store) RecentCommits(ctx context.Context, group, project string, limit int) ([]ChunkCommit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, file, hash, committed_at, author_email, summary FROM commits
		 WHERE grp = ? AND project = ? ORDER BY committed_at DESC LIMIT ?`,
		group, project, limit)
	if err != nil {
		return nil, fmt.Errorf("metastore: recent commits: %w", err)
	}
	defer rows.Close()

	var out []ChunkCommit
	for rows.Next() {
		var cc ChunkCommit
		if err := rows.Scan(&cc.ChunkID, &cc.File, &cc.Commit.Hash, &cc.Commit.CommittedAt,
			&cc.Commit.AuthorEmail, &cc.Commit.Summary); err != nil {
			return nil, fmt.Errorf("metastore: scan recent commit: %w", err)
		}
		out = append(out, cc)
	}
	return out, rows.Err()
}

// SearchCommits returns (group, project)'s commits whose summary
// contains query (case-insensitive), most recent first, capped at
// limit. Used by search_changes to locate the history behind a
// feature or ticket mentioned in plain language.
func (s *Store) SearchCommits(ctx context.Context, group, project, query string, limit int) ([]ChunkCommit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, file, hash, committed_at, author_email, summary FROM commits
		 WHERE grp = ? AND project = ? AND summary LIKE ? ESCAPE '\'
		 ORDER BY committed_at DESC LIMIT ?`,
		group, project, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("metastore: search commits: %w", err)
	}
	defer rows.Close()

	var out []ChunkCommit
	for rows.Next() {
		var cc ChunkCommit
		if err := rows.Scan(&cc.ChunkID, &cc.File, &cc.Commit.Hash, &cc.Commit.CommittedAt,
			&cc.Commit.AuthorEmail, &cc.Commit.Summary); err != nil {
			return nil, fmt.Errorf("metastore: scan searched commit: %w", err)
		}
		out = append(out, cc)
	}
	return out, rows.Err()
}

// UsageEdge is a symbol edge as seen from find_usages: which chunk, in
// which file, referenced the symbol, and how.
type UsageEdge struct {
	FromChunkID string
	Relation    string
	File        string
}

// FindUsages returns every edge in (group, project) whose symbol
// matches, i.e. every chunk that references it.
func (s *Store) FindUsages(ctx context.Context, group, project, symbol string) ([]UsageEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT from_chunk_id, relation, file FROM symbol_edges
		 WHERE grp = ? AND project = ? AND symbol = ?`,
		group, project, symbol)
	if err != nil {
		return nil, fmt.Errorf("metastore: find usages: %w", err)
	}
	defer rows.Close()

	var out []UsageEdge
	for rows.Next() {
		var e UsageEdge
		if err := rows.Scan(&e.FromChunkID, &e.Relation, &e.File); err != nil {
			return nil, fmt.Errorf("metastore: scan usage edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteChunk removes chunkID's commits, tickets, and any symbol edge
// touching it (outgoing or incoming), atomically.
func (s *Store) DeleteChunk(ctx context.Context, chunkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metastore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM commits WHERE chunk_id = ?`,
		`DELETE FROM tickets WHERE chunk_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, chunkID); err != nil {
			return fmt.Errorf("metastore: delete chunk: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM symbol_edges WHERE from_chunk_id = ? OR to_chunk_id = ?`, chunkID, chunkID); err != nil {
		return fmt.Errorf("metastore: delete chunk edges: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metastore: commit tx: %w", err)
	}
	return nil
}

// DeleteByProject removes every row scoped to (group, project) across
// all three tables.
func (s *Store) DeleteByProject(ctx context.Context, group, project string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metastore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"commits", "tickets", "symbol_edges"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE grp = ? AND project = ?`, table), group, project); err != nil {
			return fmt.Errorf("metastore: delete by project: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metastore: commit tx: %w", err)
	}
	return nil
}

// DeleteByFile removes every row scoped to (group, project, file)
// across all three tables. file is matched via LIKE with its
// wildcard characters ('%', '_') escaped, per spec §4.9 — using LIKE
// rather than plain equality keeps this path consistent with any
// case- or pattern-based file matching a caller layers on top.
func (s *Store) DeleteByFile(ctx context.Context, group, project, file string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metastore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	pattern := escapeLike(file)
	for _, table := range []string{"commits", "tickets", "symbol_edges"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE grp = ? AND project = ? AND file LIKE ? ESCAPE '\'`, table),
			group, project, pattern); err != nil {
			return fmt.Errorf("metastore: delete by file: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metastore: commit tx: %w", err)
	}
	return nil
}

// escapeLike escapes '%', '_', and the escape character itself for use
// in a LIKE pattern with ESCAPE '\', for this store's LIKE-based
// queries.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
