package main

import (
	"context"
	"log/slog"

	"github.com/paparats/paparats/internal/indexer"
	"github.com/paparats/paparats/internal/watcher"
)

// startProjectWatcher starts a watcher.Coordinator for proj's root,
// reindexing a single file on change and removing it on delete — the
// per-project watcher spec §4.12 calls for, fed by proj.Config's
// debounce/stability settings. Returns nil with no error if proj.Root
// is empty (inline-content projects registered via the HTTP API have
// no filesystem root to watch).
func startProjectWatcher(proj indexer.Project, ix *indexer.Indexer, logger *slog.Logger) (*projectWatcher, error) {
	if proj.Root == "" {
		return nil, nil
	}

	coord := watcher.NewCoordinator(watcher.CoordinatorConfig{
		ProjectName:    proj.Name,
		Root:           proj.Root,
		DebounceMS:     proj.Config.Watcher.DebounceMS,
		StabilityMS:    proj.Config.Watcher.StabilityMS,
		IgnorePatterns: proj.Config.ResolvedExcludes,
	}, watcher.Callbacks{
		OnFileChanged: func(ctx context.Context, projectName, relPath string) error {
			_, err := ix.IndexFile(ctx, proj, relPath)
			return err
		},
		OnFileDeleted: func(ctx context.Context, projectName, relPath string) error {
			return ix.DeleteFile(ctx, proj.Group, proj.Name, relPath)
		},
	})

	if err := coord.Start(context.Background()); err != nil {
		return nil, err
	}

	logger.Info("watcher_started", slog.String("group", proj.Group), slog.String("project", proj.Name), slog.String("root", proj.Root))
	return &projectWatcher{name: proj.Name, shutdownCloser: coord}, nil
}
