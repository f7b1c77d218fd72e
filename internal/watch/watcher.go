package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounceInterval is the quiet period before a reload fires.
const DefaultDebounceInterval = 250 * time.Millisecond

// DefaultExtensions are the rule file extensions watched inside directories.
var DefaultExtensions = []string{".yaml", ".yml", ".rego"}

// FileWatcher watches rule files and directories and calls back once a burst
// of changes settles.
//
// Single files are watched through their parent directory so that editors
// replacing the file by rename keep being seen.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce *Debouncer

	extensions []string
	files      map[string]bool // exact files of interest
	dirs       map[string]bool // directories whose rule files are of interest

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped sync.Once
}

// NewFileWatcher creates a watcher for paths. Each path may be a file or a
// directory; directories are watched recursively.
func NewFileWatcher(paths []string, interval time.Duration, logger *slog.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultDebounceInterval
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	fw := &FileWatcher{
		watcher:    w,
		logger:     logger,
		debounce:   NewDebouncer(interval),
		extensions: DefaultExtensions,
		files:      make(map[string]bool),
		dirs:       make(map[string]bool),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, p := range paths {
		if err := fw.addPath(p); err != nil {
			_ = w.Close()
			return nil, err
		}
	}
	return fw, nil
}

func (fw *FileWatcher) addPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("watching %q: %w", path, err)
	}
	if !info.IsDir() {
		fw.files[abs] = true
		return fw.watcher.Add(filepath.Dir(abs))
	}

	return filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != abs && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		fw.dirs[p] = true
		if err := fw.watcher.Add(p); err != nil {
			return fmt.Errorf("watching directory %q: %w", p, err)
		}
		fw.logger.Debug("watching directory", "path", p)
		return nil
	})
}

// Watch runs until ctx is cancelled or Stop is called, calling onChange
// after each settled burst of relevant events.
func (fw *FileWatcher) Watch(ctx context.Context, onChange func()) error {
	fw.mu.Lock()
	if fw.running {
		fw.mu.Unlock()
		return errors.New("watcher already running")
	}
	fw.running = true
	fw.mu.Unlock()
	defer close(fw.doneCh)

	fw.logger.Info("rule watcher started", "files", len(fw.files), "dirs", len(fw.dirs))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-fw.stopCh:
			return nil

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !fw.relevant(event) {
				continue
			}
			fw.logger.Debug("rule file event", "path", event.Name, "op", event.Op.String())
			fw.debounce.Trigger(onChange)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			fw.logger.Error("rule watcher error", "error", err)
		}
	}
}

// relevant reports whether event touches a watched rule file.
func (fw *FileWatcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	name := filepath.Clean(event.Name)
	if fw.files[name] {
		return true
	}
	if !fw.dirs[filepath.Dir(name)] {
		return false
	}
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	for _, e := range fw.extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Stop ends Watch, cancels any pending callback and releases the watcher.
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopped.Do(func() {
		close(fw.stopCh)
		fw.mu.Lock()
		running := fw.running
		fw.mu.Unlock()
		if running {
			<-fw.doneCh
		}
		fw.debounce.Stop()
		if cerr := fw.watcher.Close(); cerr != nil {
			err = fmt.Errorf("closing watcher: %w", cerr)
		}
	})
	return err
}
