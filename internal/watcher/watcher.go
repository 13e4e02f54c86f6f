// Package watcher provides a filesystem-notification driven source of
// changed transcript files, with a periodical fallback tick that
// guarantees forward progress if notifications are lost (spec §4.F).
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/cco-dev/claude-code-orchestra/internal/transcript"
)

// skipDirs are directory basenames never descended into while watching.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, ".cco": true,
}

// Handler is invoked once per parsed batch of new events from one
// transcript file. project is the first path component of the file's path
// relative to root (its top-level directory under root). isNewFile is true the first time this path is seen by the
// watcher, letting the caller register one conversation per file.
type Handler func(project, path string, result transcript.Result, isNewFile bool) error

// cursorState is the per-file parse progress (spec §3 "Parse cursor").
type cursorState struct {
	offset int64
	mtime  time.Time
}

// Watcher walks a transcript root directory and feeds changed file paths
// through Parse, calling Handler with the resulting events.
type Watcher struct {
	root             string
	debounceInterval time.Duration
	fallbackInterval time.Duration
	logger           *slog.Logger
	handle           Handler

	mu      sync.Mutex
	cursors map[string]cursorState

	sf singleflight.Group
}

// New creates a Watcher rooted at root. handle is called synchronously
// from the watcher's single worker goroutine for every batch of new
// events; it must not block for long.
func New(root string, debounceInterval, fallbackInterval time.Duration, logger *slog.Logger, handle Handler) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:             root,
		debounceInterval: debounceInterval,
		fallbackInterval: fallbackInterval,
		logger:           logger,
		handle:           handle,
		cursors:          make(map[string]cursorState),
	}
}

// Run performs the initial scan, then watches for changes until ctx is
// cancelled. It blocks for the lifetime of the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.initialScan(); err != nil {
		return fmt.Errorf("watcher: initial scan: %w", err)
	}
	w.logger.Info("initial history scan complete", "root", w.root)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := w.addDirsRecursive(fsw, w.root); err != nil {
		w.logger.Warn("watcher: failed to add some directories", "error", err)
	}

	w.steadyState(ctx, fsw)
	return nil
}

// initialScan enumerates all transcript files under root and parses each
// from offset 0, priming the cursor map.
func (w *Watcher) initialScan() error {
	return filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] || (strings.HasPrefix(d.Name(), ".") && path != w.root) {
				return filepath.SkipDir
			}
			return nil
		}
		if !isTranscriptFile(path) {
			return nil
		}
		w.parseAndDispatch(path)
		return nil
	})
}

func isTranscriptFile(path string) bool {
	return strings.HasSuffix(path, ".jsonl")
}

func (w *Watcher) projectFor(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return filepath.Dir(path)
	}
	parts := strings.SplitN(rel, string(filepath.Separator), 2)
	return parts[0]
}

// addDirsRecursive adds root and every non-skipped subdirectory to fsw.
func (w *Watcher) addDirsRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) || os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if skipDirs[base] || (strings.HasPrefix(base, ".") && path != root) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			w.logger.Warn("watcher: add directory failed", "path", path, "error", err)
			if os.IsPermission(err) {
				return filepath.SkipDir
			}
		}
		return nil
	})
}

// steadyState runs the two concurrent sources (fsnotify events and a
// periodic fallback tick) feeding the single worker loop.
func (w *Watcher) steadyState(ctx context.Context, fsw *fsnotify.Watcher) {
	var debounceTimer *time.Timer
	var timerCh <-chan time.Time
	pending := make(map[string]struct{})

	fallback := time.NewTicker(w.fallbackInterval)
	defer fallback.Stop()

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !isTranscriptFile(event.Name) {
				continue
			}
			pending[event.Name] = struct{}{}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounceInterval)
			timerCh = debounceTimer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher: fsnotify error", "error", err)

		case <-timerCh:
			timerCh = nil
			for path := range pending {
				w.parseAndDispatch(path)
			}
			pending = make(map[string]struct{})

		case <-fallback.C:
			w.recheckRecentlyModified()
		}
	}
}

// recheckRecentlyModified re-scans the transcript root for files whose
// mtime is newer than the recorded cursor, guaranteeing forward progress
// if fsnotify events were lost.
func (w *Watcher) recheckRecentlyModified() {
	_ = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] || (strings.HasPrefix(d.Name(), ".") && path != w.root) {
				return filepath.SkipDir
			}
			return nil
		}
		if !isTranscriptFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}

		w.mu.Lock()
		cur, known := w.cursors[path]
		w.mu.Unlock()

		if !known || info.ModTime().After(cur.mtime) {
			w.parseAndDispatch(path)
		}
		return nil
	})
}

// parseAndDispatch parses path from its recorded cursor (singleflight'd per
// path to coalesce a debounced burst with an overlapping fallback tick)
// and invokes the handler with any new events.
func (w *Watcher) parseAndDispatch(path string) {
	_, _, _ = w.sf.Do(path, func() (any, error) {
		w.doParseAndDispatch(path)
		return nil, nil
	})
}

func (w *Watcher) doParseAndDispatch(path string) {
	info, err := os.Stat(path)
	if err != nil {
		w.logger.Warn("watcher: stat failed", "path", path, "error", err)
		return
	}

	w.mu.Lock()
	cur, known := w.cursors[path]
	offset := int64(0)
	if known {
		offset = cur.offset
		if info.Size() < offset {
			// Log rotation: file shrank, restart from zero.
			offset = 0
		}
	}
	w.mu.Unlock()

	result, err := transcript.Parse(path, offset)
	if err != nil {
		w.logger.Warn("watcher: parse failed, retaining cursor", "path", path, "error", err)
		return
	}

	w.mu.Lock()
	w.cursors[path] = cursorState{offset: result.NewOffset, mtime: info.ModTime()}
	w.mu.Unlock()

	isNewFile := !known
	if len(result.Events) == 0 && !isNewFile {
		return
	}

	project := w.projectFor(path)
	if err := w.handle(project, path, result, isNewFile); err != nil {
		w.logger.Warn("watcher: handler failed", "path", path, "error", err)
	}
}
