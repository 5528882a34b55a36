// Package watch turns a replay drop directory into a queue. A new file
// is announced only after it goes quiet: a debounce window after its
// last filesystem event, then consecutive identical size checks, so a
// replay still being copied in never reaches an engine.
package watch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultExtension is the replay file extension watched when none are
// configured.
const DefaultExtension = ".SC2Replay"

// Options tunes arrival detection. The zero value debounces for two
// seconds and requires three identical sizes half a second apart.
type Options struct {
	// Extensions filters which files count as replays. Matching is
	// case-insensitive.
	Extensions []string

	// Debounce is how long a file must go without events before the
	// stability probe starts.
	Debounce time.Duration

	// StableInterval is the spacing of size checks.
	StableInterval time.Duration

	// StableChecks is how many consecutive identical sizes mark the
	// file complete.
	StableChecks int

	Logger *log.Logger
}

func (o Options) debounce() time.Duration {
	if o.Debounce <= 0 {
		return 2 * time.Second
	}
	return o.Debounce
}

func (o Options) stableInterval() time.Duration {
	if o.StableInterval <= 0 {
		return 500 * time.Millisecond
	}
	return o.StableInterval
}

func (o Options) stableChecks() int {
	if o.StableChecks <= 0 {
		return 3
	}
	return o.StableChecks
}

func (o Options) extensions() []string {
	if len(o.Extensions) == 0 {
		return []string{DefaultExtension}
	}
	return o.Extensions
}

// Watcher monitors one directory for arriving replays.
type Watcher struct {
	dir     string
	opts    Options
	logger  *log.Logger
	watcher *fsnotify.Watcher
	out     chan string

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New watches dir, which must already exist. Arrivals are delivered on
// Replays once Run is started.
func New(dir string, opts Options) (*Watcher, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving watch directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("watch directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch path %s is not a directory", abs)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := fsw.Add(abs); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", abs, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Watcher{
		dir:     abs,
		opts:    opts,
		logger:  logger,
		watcher: fsw,
		out:     make(chan string, 64),
		timers:  make(map[string]*time.Timer),
	}, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string { return w.dir }

// Replays delivers stable replay paths. The channel closes when Run
// returns.
func (w *Watcher) Replays() <-chan string { return w.out }

// Existing lists replays already sitting in the directory. Callers
// typically process these before consuming Replays.
func (w *Watcher) Existing() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", w.dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !w.isReplay(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(w.dir, e.Name()))
	}
	return out, nil
}

// Run drives the event loop until ctx ends. Each write or create event
// re-arms a per-file debounce timer; fired timers feed a single settler
// goroutine that probes for a stable size and announces the file. Only
// the settler sends on the output channel, so closing it on return is
// safe.
func (w *Watcher) Run(ctx context.Context) error {
	quiet := make(chan string, 64)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case path := <-quiet:
				w.settle(ctx, path)
			}
		}
	}()
	defer func() {
		w.stopTimers()
		wg.Wait()
		close(w.out)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !w.isReplay(event.Name) {
				continue
			}
			w.arm(quiet, event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("watch: %v", err)
		}
	}
}

// arm schedules (or reschedules) the debounce timer for a path. The
// fired timer only enqueues; a queue full of unsettled files drops the
// event, and the next write on the file re-arms it.
func (w *Watcher) arm(quiet chan<- string, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.opts.debounce(), func() {
		select {
		case quiet <- path:
		default:
			w.logger.Printf("watch: settle queue full, dropping event for %s", path)
		}
	})
}

// settle probes the file until its size stops moving, then announces
// it. A file that keeps growing keeps being probed; one that vanishes
// is dropped silently (partial copies get cleaned up by their writers).
func (w *Watcher) settle(ctx context.Context, path string) {
	var lastSize int64 = -1
	stable := 0
	ticker := time.NewTicker(w.opts.stableInterval())
	defer ticker.Stop()

	for stable < w.opts.stableChecks() {
		info, err := os.Stat(path)
		if err != nil {
			if !os.IsNotExist(err) {
				w.logger.Printf("watch: probing %s: %v", path, err)
			}
			return
		}
		if info.Size() == lastSize {
			stable++
		} else {
			lastSize = info.Size()
			stable = 1
		}
		if stable >= w.opts.stableChecks() {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	select {
	case w.out <- path:
	case <-ctx.Done():
	}
}

func (w *Watcher) isReplay(path string) bool {
	ext := filepath.Ext(path)
	for _, want := range w.opts.extensions() {
		if strings.EqualFold(ext, want) {
			return true
		}
	}
	return false
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = make(map[string]*time.Timer)
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
