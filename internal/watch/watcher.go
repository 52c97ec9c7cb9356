// SPDX-License-Identifier: MPL-2.0

// Package watch reports changes below module search path roots.
//
// A Watcher registers every non-ignored directory under its roots with
// fsnotify and invokes a callback once events have been quiet for the
// debounce period, with the full set of changed files. Archive roots are
// watched through their parent directory and only report the archive
// itself.
package watch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 300 * time.Millisecond

// defaultIgnores are excluded regardless of Config.Ignore.
var defaultIgnores = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/*.swp",
	"**/*.swo",
	"**/*~",
	"**/.DS_Store",
}

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("watch: Run called more than once")

type (
	// Config holds the parameters for a Watcher.
	Config struct {
		// Roots are the directories and archives to watch. Empty means the
		// working directory.
		Roots []string
		// Patterns are doublestar globs, relative to their root, selecting
		// files that trigger callbacks. Empty selects every file.
		Patterns []string
		// Ignore adds doublestar globs to the default ignores.
		Ignore []string
		// Debounce is the quiet period before the callback fires.
		Debounce time.Duration
		// OnChange receives the sorted absolute paths changed since the last
		// call. Calls never overlap.
		OnChange func(ctx context.Context, changed []string) error
		// Logger receives watcher diagnostics (default: discard).
		Logger *log.Logger
	}

	// Watcher monitors search path roots. Run must be called exactly once.
	Watcher struct {
		cfg      Config
		fsw      *fsnotify.Watcher
		roots    []root
		ignores  []string
		debounce time.Duration
		logger   *log.Logger
		started  atomic.Bool
	}

	// root is a watched directory, or an archive file and its directory.
	root struct {
		dir  string
		file string
	}
)

// New validates cfg and registers the roots with fsnotify.
func New(cfg Config) (*Watcher, error) {
	if err := validatePatterns(cfg.Patterns, "watch"); err != nil {
		return nil, err
	}
	if err := validatePatterns(cfg.Ignore, "ignore"); err != nil {
		return nil, err
	}

	paths := cfg.Roots
	if len(paths) == 0 {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("watch: determine working directory: %w", err)
		}
		paths = []string{wd}
	}
	roots := make([]root, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("watch: resolve root %q: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("watch: stat root: %w", err)
		}
		if info.IsDir() {
			roots = append(roots, root{dir: abs})
		} else {
			roots = append(roots, root{dir: filepath.Dir(abs), file: abs})
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		cfg:      cfg,
		fsw:      fsw,
		roots:    roots,
		ignores:  append(slices.Clone(defaultIgnores), cfg.Ignore...),
		debounce: debounce,
		logger:   logger,
	}
	for _, r := range roots {
		if err := w.addRoot(r); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// Run processes events until ctx is cancelled. It returns nil on
// cancellation and an error when the watcher breaks down.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]struct{})
		timer   *time.Timer
		busy    atomic.Bool
	)

	fire := func() {
		if ctx.Err() != nil {
			return
		}
		if !busy.CompareAndSwap(false, true) {
			// Retry later so the pending set is not lost.
			w.logger.Debug("previous change callback still running")
			mu.Lock()
			timer.Reset(w.debounce)
			mu.Unlock()
			return
		}
		defer busy.Store(false)

		mu.Lock()
		changed := slices.Sorted(maps.Keys(pending))
		clear(pending)
		mu.Unlock()
		if len(changed) == 0 || w.cfg.OnChange == nil {
			return
		}
		if err := w.cfg.OnChange(ctx, changed); err != nil {
			w.logger.Warn("change callback failed", "err", err)
		}
	}

	mark := func(path string) {
		mu.Lock()
		defer mu.Unlock()
		pending[path] = struct{}{}
		if timer == nil {
			timer = time.AfterFunc(w.debounce, fire)
		} else {
			timer.Reset(w.debounce)
		}
	}

	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		if err := w.fsw.Close(); err != nil {
			w.logger.Warn("closing fsnotify watcher", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watch: fsnotify event channel closed unexpectedly")
			}
			if evt.Has(fsnotify.Create) {
				w.maybeAddDir(evt.Name)
			}
			if w.relevant(evt.Name) {
				mark(evt.Name)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watch: fsnotify error channel closed unexpectedly")
			}
			switch {
			case isFatal(err):
				return fmt.Errorf("watch: fatal fsnotify error: %w", err)
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// Events were dropped: report every root as changed.
				w.logger.Warn("fsnotify queue overflow")
				for _, r := range w.roots {
					mark(cmp.Or(r.file, r.dir))
				}
			default:
				w.logger.Warn("fsnotify error", "err", err)
			}
		}
	}
}

// isFatal reports errors after which fsnotify stops delivering events.
func isFatal(err error) bool {
	return slices.ContainsFunc(fatalErrnos, func(errno syscall.Errno) bool { return errors.Is(err, errno) })
}

// relevant reports whether a change at path should be reported.
func (w *Watcher) relevant(path string) bool {
	for _, r := range w.roots {
		if r.file != "" {
			if path == r.file {
				return true
			}
			continue
		}
		rel, ok := within(r.dir, path)
		if !ok {
			continue
		}
		if !w.isIgnored(rel) && w.matchesPatterns(rel) {
			return true
		}
	}
	return false
}

// addRoot registers a root. Directory roots are walked; archive roots only
// need their parent directory.
func (w *Watcher) addRoot(r root) error {
	if r.file != "" {
		if err := w.fsw.Add(r.dir); err != nil {
			return fmt.Errorf("watch: add directory %q: %w", r.dir, err)
		}
		return nil
	}
	err := filepath.WalkDir(r.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("skipping inaccessible path", "path", path, "err", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, _ := within(r.dir, path); rel != "." && w.isIgnoredDir(rel) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch: add directory %q: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch: walk %s: %w", r.dir, err)
	}
	return nil
}

// maybeAddDir extends the watch to directories created after startup.
func (w *Watcher) maybeAddDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	for _, r := range w.roots {
		if r.file != "" {
			continue
		}
		if rel, ok := within(r.dir, path); ok && !w.isIgnoredDir(rel) {
			if err := w.fsw.Add(path); err != nil {
				w.logger.Warn("watching new directory", "path", path, "err", err)
			}
			return
		}
	}
}

func (w *Watcher) isIgnored(rel string) bool {
	return matchAny(w.ignores, rel)
}

func (w *Watcher) isIgnoredDir(rel string) bool {
	return w.isIgnored(rel) || w.isIgnored(rel+"/")
}

func (w *Watcher) matchesPatterns(rel string) bool {
	return len(w.cfg.Patterns) == 0 || matchAny(w.cfg.Patterns, rel)
}

func matchAny(patterns []string, rel string) bool {
	normalized := filepath.ToSlash(rel)
	for _, pat := range patterns {
		if ok, err := doublestar.Match(pat, normalized); err == nil && ok {
			return true
		}
	}
	return false
}

// within returns path relative to dir when path lies below dir.
func within(dir, path string) (string, bool) {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

// DefaultIgnores returns a copy of the built-in ignore patterns.
func DefaultIgnores() []string {
	return slices.Clone(defaultIgnores)
}

func validatePatterns(patterns []string, label string) error {
	for _, pat := range patterns {
		if pat == "" || !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("watch: invalid %s pattern %q", label, pat)
		}
	}
	return nil
}
