package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_StartLogsAndReturnsNilWhenRootMissing(t *testing.T) {
	c := NewCoordinator(CoordinatorConfig{
		ProjectName: "demo",
		Root:        filepath.Join(t.TempDir(), "does-not-exist"),
	}, Callbacks{
		OnFileChanged: func(ctx context.Context, project, path string) error { return nil },
		OnFileDeleted: func(ctx context.Context, project, path string) error { return nil },
	})
	assert.NoError(t, c.Start(context.Background()))
}

func TestCoordinator_FiresOnFileChangedAfterDebounce(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int64

	c := NewCoordinator(CoordinatorConfig{
		ProjectName: "demo",
		Root:        dir,
		DebounceMS:  20,
		StabilityMS: 5,
	}, Callbacks{
		OnFileChanged: func(ctx context.Context, project, path string) error {
			calls.Add(1)
			return nil
		},
		OnFileDeleted: func(ctx context.Context, project, path string) error { return nil },
	})
	require.NoError(t, c.Start(context.Background()))
	defer c.Shutdown()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a"), 0o644))

	require.Eventually(t, func() bool {
		return calls.Load() > 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestCoordinator_DropsEventWhileCallbackInFlight(t *testing.T) {
	c := &Coordinator{
		cfg:      CoordinatorConfig{ProjectName: "demo", DebounceMS: 1},
		timers:   make(map[string]*time.Timer),
		inFlight: make(map[string]bool),
		failed:   make(map[string]*failedEntry),
		stopCh:   make(chan struct{}),
	}
	key := keyFor("demo", "a.go")
	c.inFlight[key] = true

	started := false
	c.callbacks = Callbacks{
		OnFileChanged: func(ctx context.Context, project, path string) error {
			started = true
			return nil
		},
	}
	c.fire(context.Background(), key, FileEvent{Path: "a.go", Operation: OpModify})

	assert.False(t, started, "a key already in flight must be dropped, not re-invoked")
}

func TestCoordinator_RecordsFailedFileUntilMaxAttempts(t *testing.T) {
	c := &Coordinator{
		cfg:      CoordinatorConfig{ProjectName: "demo"},
		timers:   make(map[string]*time.Timer),
		inFlight: make(map[string]bool),
		failed:   make(map[string]*failedEntry),
		stopCh:   make(chan struct{}),
	}
	c.callbacks = Callbacks{
		OnFileChanged: func(ctx context.Context, project, path string) error {
			return assert.AnError
		},
	}
	key := keyFor("demo", "a.go")
	ev := FileEvent{Path: "a.go", Operation: OpModify}

	c.inFlightGroup.Add(1)
	c.inFlight[key] = true
	c.runCallback(context.Background(), key, ev, maxRetryAttempts)

	stats := c.Stats()
	assert.Empty(t, stats.FailedFiles, "a key at the max attempt count must be given up on, not retried again")
}

func TestCoordinator_KeepsFailedFileBelowMaxAttempts(t *testing.T) {
	c := &Coordinator{
		cfg:      CoordinatorConfig{ProjectName: "demo"},
		timers:   make(map[string]*time.Timer),
		inFlight: make(map[string]bool),
		failed:   make(map[string]*failedEntry),
		stopCh:   make(chan struct{}),
	}
	c.callbacks = Callbacks{
		OnFileChanged: func(ctx context.Context, project, path string) error {
			return assert.AnError
		},
	}
	key := keyFor("demo", "a.go")
	ev := FileEvent{Path: "a.go", Operation: OpModify}

	c.inFlightGroup.Add(1)
	c.inFlight[key] = true
	c.runCallback(context.Background(), key, ev, 1)

	stats := c.Stats()
	require.Len(t, stats.FailedFiles, 1)
	assert.Equal(t, 1, stats.FailedFiles[0].Attempts)
}

func TestCoordinator_ShutdownIsIdempotent(t *testing.T) {
	c := NewCoordinator(CoordinatorConfig{ProjectName: "demo", Root: t.TempDir()}, Callbacks{
		OnFileChanged: func(ctx context.Context, project, path string) error { return nil },
		OnFileDeleted: func(ctx context.Context, project, path string) error { return nil },
	})
	require.NoError(t, c.Start(context.Background()))
	assert.NoError(t, c.Shutdown())
	assert.NoError(t, c.Shutdown())
}
