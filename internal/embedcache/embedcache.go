// Package embedcache is the durable (content_hash, model_id) -> vector
// cache of spec §4.6. It uses the same WAL-mode, pure-Go sqlite pattern
// as the metadata store and BM25 index: a single writer connection,
// busy_timeout to absorb lock contention, and an in-memory hit counter
// for observability.
package embedcache

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite"
)

// Cache is a durable, bounded content_hash/model_id -> vector store.
type Cache struct {
	mu      sync.Mutex
	db      *sql.DB
	maxSize int64

	hits   atomic.Int64
	misses atomic.Int64
}

// Options configures a Cache.
type Options struct {
	// Path to the sqlite file. Empty means an in-memory cache (tests).
	Path string
	// MaxSize bounds the number of rows kept; 0 means unbounded.
	MaxSize int64
}

// Open creates or opens the cache database at opts.Path.
func Open(opts Options) (*Cache, error) {
	dsn := ":memory:"
	if opts.Path != "" {
		if dir := filepath.Dir(opts.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("embedcache: create directory %s: %w", dir, err)
			}
		}
		dsn = opts.Path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("embedcache: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("embedcache: set pragma %q: %w", pragma, err)
		}
	}

	c := &Cache{db: db, maxSize: opts.MaxSize}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("embedcache: init schema: %w", err)
	}
	return c, nil
}

func (c *Cache) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS embeddings (
		content_hash TEXT NOT NULL,
		model_id     TEXT NOT NULL,
		vector       BLOB NOT NULL,
		inserted_at  INTEGER NOT NULL,
		PRIMARY KEY (content_hash, model_id)
	);
	CREATE TABLE IF NOT EXISTS embeddings_seq (
		n INTEGER NOT NULL
	);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached vector for (contentHash, modelID), or ok=false
// on a miss.
func (c *Cache) Get(ctx context.Context, contentHash, modelID string) (vector []float32, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var blob []byte
	row := c.db.QueryRowContext(ctx,
		`SELECT vector FROM embeddings WHERE content_hash = ? AND model_id = ?`,
		contentHash, modelID)
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			c.misses.Add(1)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("embedcache: get: %w", err)
	}
	c.hits.Add(1)
	return decodeVector(blob), true, nil
}

// Set stores vector under (contentHash, modelID), overwriting any prior
// value, then evicts the oldest entries until the cache is back under
// its configured size limit.
func (c *Cache) Set(ctx context.Context, contentHash, modelID string, vector []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("embedcache: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(n), 0) FROM embeddings_seq`).Scan(&seq); err != nil {
		return fmt.Errorf("embedcache: read sequence: %w", err)
	}
	seq++
	if _, err := tx.ExecContext(ctx, `INSERT INTO embeddings_seq(n) VALUES (?)`, seq); err != nil {
		return fmt.Errorf("embedcache: advance sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO embeddings(content_hash, model_id, vector, inserted_at) VALUES (?, ?, ?, ?)`,
		contentHash, modelID, encodeVector(vector), seq); err != nil {
		return fmt.Errorf("embedcache: set: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("embedcache: commit: %w", err)
	}
	return c.evictLocked(ctx)
}

// evictLocked deletes the oldest rows (by insertion order) until the
// table size is back under maxSize. Caller must hold c.mu.
func (c *Cache) evictLocked(ctx context.Context) error {
	if c.maxSize <= 0 {
		return nil
	}
	var count int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&count); err != nil {
		return fmt.Errorf("embedcache: count rows: %w", err)
	}
	if count <= c.maxSize {
		return nil
	}
	excess := count - c.maxSize
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM embeddings WHERE rowid IN (
			SELECT rowid FROM embeddings ORDER BY inserted_at ASC LIMIT ?
		)`, excess)
	if err != nil {
		return fmt.Errorf("embedcache: evict oldest: %w", err)
	}
	return nil
}

// Stats reports in-memory hit/miss counters since process start.
type Stats struct {
	Hits   int64
	Misses int64
}

// Stats returns the current hit/miss counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Size returns the number of rows currently cached.
func (c *Cache) Size(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var count int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&count); err != nil {
		return 0, fmt.Errorf("embedcache: size: %w", err)
	}
	return count, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
