// Package watcher implements the filesystem (notify) producer: a recursive
// native watcher with a polling fallback for mounts that do not deliver
// change notifications, feeding debounced path events to the store writer.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mescon/autopulse/internal/clock"
	"github.com/mescon/autopulse/internal/logger"
	"github.com/mescon/autopulse/internal/triggers"
)

const (
	// BackendRecommended uses the platform's native notification API.
	BackendRecommended = "recommended"
	// BackendPolling rescans the tree on an interval. Needed for NFS/SMB
	// mounts where inotify never fires.
	BackendPolling = "polling"

	defaultDebounce = 2 * time.Second
	pollInterval    = 2 * time.Second
)

// Watcher runs one notify trigger's filesystem watch.
type Watcher struct {
	trigger *triggers.Trigger
	filters []*regexp.Regexp
	queue   *Queue
	deb     *debouncer
	clk     clock.Clock
}

// New builds a watcher for a notify trigger, compiling its filter regexes.
// Events pass filters and the trigger rewrite before entering the queue.
func New(trig *triggers.Trigger, queue *Queue, clk clock.Clock) (*Watcher, error) {
	cfg := trig.Config()

	var filters []*regexp.Regexp
	for _, f := range cfg.Filters {
		re, err := regexp.Compile(f)
		if err != nil {
			return nil, fmt.Errorf("watcher %q: invalid filter %q: %w", trig.Name(), f, err)
		}
		filters = append(filters, re)
	}

	w := &Watcher{
		trigger: trig,
		filters: filters,
		queue:   queue,
		clk:     clk,
	}

	debounce := defaultDebounce
	if cfg.DebounceSeconds > 0 {
		debounce = time.Duration(cfg.DebounceSeconds) * time.Second
	}
	w.deb = newDebouncer(clk, debounce, w.forward)

	return w, nil
}

// Start runs the backend until the context is cancelled. Watcher errors are
// logged and the watch continues; only setup failures are returned.
func (w *Watcher) Start(ctx context.Context) error {
	defer w.deb.Stop()

	cfg := w.trigger.Config()
	if cfg.Backend == BackendPolling {
		return w.runPolling(ctx)
	}
	return w.runNative(ctx)
}

// offer pushes one raw change through filters into the debouncer.
func (w *Watcher) offer(path string, kind Kind) {
	if !w.match(path) {
		return
	}
	w.deb.Offer(path, kind)
}

func (w *Watcher) match(path string) bool {
	if len(w.filters) == 0 {
		return true
	}
	for _, re := range w.filters {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// forward is the debouncer's emit callback: rewrite, then queue.
func (w *Watcher) forward(path string, kind Kind) {
	w.queue.Push(PathEvent{
		Trigger: w.trigger.Name(),
		Path:    w.trigger.Rewrite(path),
		Kind:    kind,
	})
}

func (w *Watcher) recursive() bool {
	r := w.trigger.Config().Recursive
	return r == nil || *r
}

func (w *Watcher) runNative(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher %q: %w", w.trigger.Name(), err)
	}
	defer fsw.Close()

	for _, root := range w.trigger.Config().Paths {
		if err := w.addTree(fsw, root); err != nil {
			return err
		}
	}

	logger.Infof("Watcher %s started (native, %d roots)", w.trigger.Name(), len(w.trigger.Config().Paths))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleNative(fsw, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Errorf("Watcher %s: %v", w.trigger.Name(), err)
		}
	}
}

func (w *Watcher) handleNative(fsw *fsnotify.Watcher, event fsnotify.Event) {
	var kind Kind
	switch {
	case event.Op.Has(fsnotify.Create):
		kind = KindCreate
		// New directories need their own watch to stay recursive.
		if w.recursive() {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := w.addTree(fsw, event.Name); err != nil {
					logger.Warnf("Watcher %s: failed to watch new directory %s: %v", w.trigger.Name(), event.Name, err)
				}
				return
			}
		}
	case event.Op.Has(fsnotify.Remove):
		kind = KindRemove
	case event.Op.Has(fsnotify.Rename):
		kind = KindRename
	case event.Op.Has(fsnotify.Write):
		// fsnotify has no close-write notification, so writes are forwarded
		// raw and the debouncer collapses a write burst into a single event
		// once the file goes quiet.
		kind = KindWrite
	case event.Op.Has(fsnotify.Chmod):
		kind = KindChmod
	default:
		return
	}
	w.offer(event.Name, kind)
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string) error {
	if !w.recursive() {
		return fsw.Add(root)
	}
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			logger.Warnf("Watcher %s: skipping %s: %v", w.trigger.Name(), path, err)
			return nil
		}
		if info.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
}

func (w *Watcher) runPolling(ctx context.Context) error {
	logger.Infof("Watcher %s started (polling, %d roots)", w.trigger.Name(), len(w.trigger.Config().Paths))

	prev := w.snapshot()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			next := w.snapshot()
			for _, c := range diffSnapshots(prev, next) {
				w.offer(c.path, c.kind)
			}
			prev = next
		}
	}
}

func (w *Watcher) snapshot() snapshot {
	snap := snapshot{}
	for _, root := range w.trigger.Config().Paths {
		takeSnapshot(snap, root, w.recursive())
	}
	return snap
}
