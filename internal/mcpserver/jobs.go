package mcpserver

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/paparats/paparats/internal/async"
)

// jobTracker hands out an opaque id for each background reindex and
// keeps the BackgroundIndexer reachable for as long as the process
// runs, since reindex must return immediately per spec §4.15.
type jobTracker struct {
	mu      sync.Mutex
	dataDir string
	jobs    map[string]*async.BackgroundIndexer
}

func newJobTracker(dataDir string) *jobTracker {
	if dataDir == "" {
		dataDir = filepath.Join(os.TempDir(), "paparats-reindex")
	}
	return &jobTracker{dataDir: dataDir, jobs: make(map[string]*async.BackgroundIndexer)}
}

// start registers fn as a new background job and launches it
// immediately, returning the job id the caller can report back.
func (t *jobTracker) start(group, project string, fn async.IndexFunc) string {
	bi := async.NewBackgroundIndexer(async.IndexerConfig{
		DataDir: filepath.Join(t.dataDir, group, project),
	})
	bi.IndexFunc = fn

	id := uuid.NewString()
	t.mu.Lock()
	t.jobs[id] = bi
	t.mu.Unlock()

	bi.Start(context.Background())
	return id
}

// progress returns the tracked job's progress snapshot, if known.
func (t *jobTracker) progress(id string) (*async.IndexProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bi, ok := t.jobs[id]
	if !ok {
		return nil, false
	}
	return bi.Progress(), true
}
