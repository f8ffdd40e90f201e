package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// maxRetryAttempts is the total number of callback attempts (including the
// first) spec §4.12 allows a failed key before it is given up on.
const maxRetryAttempts = 3

// retryPassInterval is how often the background retry pass re-drives the
// failed-files map.
const retryPassInterval = 60 * time.Second

// callbackTimeout bounds a single on_file_changed/on_file_deleted call.
const callbackTimeout = 60 * time.Second

// shutdownGrace bounds how long Shutdown waits for in-flight callbacks to
// finish before forcing the return.
const shutdownGrace = 10 * time.Second

// Callbacks are invoked by the Coordinator once a debounced, non-in-flight
// key fires.
type Callbacks struct {
	OnFileChanged func(ctx context.Context, projectName, relPath string) error
	OnFileDeleted func(ctx context.Context, projectName, relPath string) error
}

// CoordinatorConfig configures one project's watcher, per spec §4.12 ("one
// watcher per project").
type CoordinatorConfig struct {
	ProjectName    string
	Root           string
	DebounceMS     int
	StabilityMS    int
	IgnorePatterns []string
}

// FailedFile is one entry of the Stats.FailedFiles slice.
type FailedFile struct {
	ProjectName string
	Path        string
	Attempts    int
	LastError   string
}

// Stats is the Coordinator's exposed status, per spec §4.12.
type Stats struct {
	EventsProcessed int64
	EventsInQueue   int64
	ErrorCount      int64
	InFlightCount   int64
	FailedFiles     []FailedFile
}

type failedEntry struct {
	event    FileEvent
	attempts int
	lastErr  string
}

// Coordinator implements spec §4.12's per-key debounce, at-most-one-
// in-flight, and failed-key retry policy on top of a raw HybridWatcher
// event source.
type Coordinator struct {
	cfg       CoordinatorConfig
	callbacks Callbacks
	raw       *HybridWatcher

	mu            sync.Mutex
	timers        map[string]*time.Timer
	inFlight      map[string]bool
	failed        map[string]*failedEntry
	eventsProc    int64
	errorCount    int64
	stopCh        chan struct{}
	stopped       bool
	inFlightGroup sync.WaitGroup
}

// NewCoordinator creates a Coordinator for one project. Callbacks must be
// fully populated.
func NewCoordinator(cfg CoordinatorConfig, callbacks Callbacks) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		callbacks: callbacks,
		timers:    make(map[string]*time.Timer),
		inFlight:  make(map[string]bool),
		failed:    make(map[string]*failedEntry),
		stopCh:    make(chan struct{}),
	}
}

// Start begins watching CoordinatorConfig.Root. Per spec §4.12 step 5, a
// missing root is logged and the watcher simply does not start — this is
// not reported as an error to the caller.
func (c *Coordinator) Start(ctx context.Context) error {
	if _, err := os.Stat(c.cfg.Root); err != nil {
		slog.Warn("watcher_root_missing",
			slog.String("project", c.cfg.ProjectName),
			slog.String("root", c.cfg.Root),
			slog.String("error", err.Error()))
		return nil
	}

	opts := Options{
		DebounceWindow: time.Duration(c.cfg.StabilityMS) * time.Millisecond,
		IgnorePatterns: c.cfg.IgnorePatterns,
	}
	raw, err := NewHybridWatcher(opts.WithDefaults())
	if err != nil {
		return fmt.Errorf("watcher: create raw watcher: %w", err)
	}
	c.raw = raw

	go c.consumeRawEvents(ctx)
	go c.runRetryPass(ctx)

	// raw.Start blocks in its event loop, so it runs in the background; an
	// error it returns within startupWait is a setup failure and is returned.
	const startupWait = 100 * time.Millisecond
	startErr := make(chan error, 1)
	go func() { startErr <- raw.Start(ctx, c.cfg.Root) }()
	select {
	case err := <-startErr:
		return err
	case <-time.After(startupWait):
		return nil
	}
}

func (c *Coordinator) consumeRawEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case batch, ok := <-c.raw.Events():
			if !ok {
				return
			}
			for _, ev := range batch {
				c.handleEvent(ctx, ev)
			}
		case err, ok := <-c.raw.Errors():
			if !ok {
				return
			}
			c.mu.Lock()
			c.errorCount++
			c.mu.Unlock()
			slog.Warn("watcher_raw_error", slog.String("project", c.cfg.ProjectName), slog.String("error", err.Error()))
		}
	}
}

func keyFor(projectName, relPath string) string {
	return projectName + "\x00" + relPath
}

// handleEvent implements spec §4.12 steps 1-2: compute the per-key debounce
// timer, cancelling and restarting it on every new event for the same key.
func (c *Coordinator) handleEvent(ctx context.Context, ev FileEvent) {
	if ev.Operation == OpGitignoreChange || ev.Operation == OpConfigChange {
		// Reconciliation events bypass the per-file debounce entirely —
		// there is no single file_path key to attribute them to.
		slog.Info("watcher_reconciliation_event",
			slog.String("project", c.cfg.ProjectName),
			slog.String("op", ev.Operation.String()))
		return
	}

	key := keyFor(c.cfg.ProjectName, ev.Path)
	debounce := time.Duration(c.cfg.DebounceMS) * time.Millisecond
	if debounce <= 0 {
		debounce = time.Duration(DefaultOptions().DebounceWindow)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if t, ok := c.timers[key]; ok {
		t.Stop()
	}
	c.timers[key] = time.AfterFunc(debounce, func() {
		c.fire(ctx, key, ev)
	})
}

// fire implements spec §4.12 step 3: acquire the at-most-one-in-flight
// slot for key, or drop and log if one is already held.
func (c *Coordinator) fire(ctx context.Context, key string, ev FileEvent) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	delete(c.timers, key)
	if c.inFlight[key] {
		c.mu.Unlock()
		slog.Warn("watcher_event_dropped_in_flight",
			slog.String("project", c.cfg.ProjectName), slog.String("path", ev.Path))
		return
	}
	c.inFlight[key] = true
	c.mu.Unlock()

	c.inFlightGroup.Add(1)
	go c.runCallback(ctx, key, ev, 1)
}

// runCallback invokes the configured callback with a bounded timeout and,
// on failure, records the key in the failed-files map for the retry pass
// (spec §4.12 step 4).
func (c *Coordinator) runCallback(ctx context.Context, key string, ev FileEvent, attempt int) {
	defer c.inFlightGroup.Done()
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, key)
		c.eventsProc++
		c.mu.Unlock()
	}()

	callCtx, cancel := context.WithTimeout(ctx, callbackTimeout)
	defer cancel()

	var err error
	if ev.Operation == OpDelete {
		err = c.callbacks.OnFileDeleted(callCtx, c.cfg.ProjectName, ev.Path)
	} else {
		err = c.callbacks.OnFileChanged(callCtx, c.cfg.ProjectName, ev.Path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failed, key)
		return
	}

	c.errorCount++
	if attempt >= maxRetryAttempts {
		delete(c.failed, key)
		slog.Error("watcher_callback_gave_up",
			slog.String("project", c.cfg.ProjectName), slog.String("path", ev.Path),
			slog.Int("attempts", attempt), slog.String("error", err.Error()))
		return
	}
	c.failed[key] = &failedEntry{event: ev, attempts: attempt, lastErr: err.Error()}
	slog.Warn("watcher_callback_failed",
		slog.String("project", c.cfg.ProjectName), slog.String("path", ev.Path),
		slog.Int("attempt", attempt), slog.String("error", err.Error()))
}

// runRetryPass drives spec §4.12 step 4's "background retry pass every
// 60 s."
func (c *Coordinator) runRetryPass(ctx context.Context) {
	ticker := time.NewTicker(retryPassInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.retryFailed(ctx)
		}
	}
}

func (c *Coordinator) retryFailed(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	pending := make(map[string]*failedEntry, len(c.failed))
	for k, v := range c.failed {
		if c.inFlight[k] {
			continue
		}
		pending[k] = v
	}
	c.mu.Unlock()

	for key, entry := range pending {
		c.mu.Lock()
		if c.inFlight[key] {
			c.mu.Unlock()
			continue
		}
		c.inFlight[key] = true
		c.mu.Unlock()

		c.inFlightGroup.Add(1)
		go c.runCallback(ctx, key, entry.event, entry.attempts+1)
	}
}

// Stats returns the coordinator's current status (spec §4.12).
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	failedFiles := make([]FailedFile, 0, len(c.failed))
	for key, entry := range c.failed {
		failedFiles = append(failedFiles, FailedFile{
			ProjectName: c.cfg.ProjectName,
			Path:        entry.event.Path,
			Attempts:    entry.attempts,
			LastError:   entry.lastErr,
		})
		_ = key
	}
	return Stats{
		EventsProcessed: c.eventsProc,
		EventsInQueue:   int64(len(c.timers)),
		ErrorCount:      c.errorCount,
		InFlightCount:   int64(len(c.inFlight)),
		FailedFiles:     failedFiles,
	}
}

// Shutdown implements spec §4.12's shutdown sequence: clear all timers,
// close the event source, wait for in-flight callbacks up to
// shutdownGrace, then return regardless.
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[string]*time.Timer)
	close(c.stopCh)
	c.mu.Unlock()

	var closeErr error
	if c.raw != nil {
		closeErr = c.raw.Stop()
	}

	done := make(chan struct{})
	go func() {
		c.inFlightGroup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		slog.Warn("watcher_shutdown_forced", slog.String("project", c.cfg.ProjectName))
	}
	return closeErr
}
