package watcher

import (
	"sync"
	"time"

	"github.com/mescon/autopulse/internal/clock"
)

// Kind classifies a debounced filesystem change.
type Kind string

const (
	KindCreate Kind = "create"
	KindWrite  Kind = "write"
	KindRemove Kind = "remove"
	KindRename Kind = "rename"
	KindChmod  Kind = "chmod"
)

// kindRank orders kinds for coalescing: when a burst contains mixed kinds,
// the most significant one wins. A create followed by 100 writes is one
// create; a write followed by a remove is a remove.
var kindRank = map[Kind]int{
	KindRemove: 5, KindRename: 4, KindCreate: 3, KindWrite: 2, KindChmod: 1,
}

// ExpectPresent reports whether the change implies the path now exists.
func (k Kind) ExpectPresent() bool {
	return k != KindRemove && k != KindRename
}

type pendingChange struct {
	kind  Kind
	timer clock.Timer
}

// debouncer coalesces raw per-path changes. Each raw event resets the path's
// timer; when the window closes, one merged change is emitted. This is what
// keeps a rapid copy from producing one event per write.
type debouncer struct {
	clk   clock.Clock
	delay time.Duration
	emit  func(path string, kind Kind)

	mu      sync.Mutex
	pending map[string]*pendingChange
	stopped bool
}

func newDebouncer(clk clock.Clock, delay time.Duration, emit func(string, Kind)) *debouncer {
	return &debouncer{
		clk:     clk,
		delay:   delay,
		emit:    emit,
		pending: make(map[string]*pendingChange),
	}
}

// Offer records one raw change and slides the path's debounce window.
func (d *debouncer) Offer(path string, kind Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if p, ok := d.pending[path]; ok {
		if kindRank[kind] > kindRank[p.kind] {
			p.kind = kind
		}
		p.timer.Stop()
		p.timer = d.clk.AfterFunc(d.delay, func() { d.fire(path) })
		return
	}

	p := &pendingChange{kind: kind}
	p.timer = d.clk.AfterFunc(d.delay, func() { d.fire(path) })
	d.pending[path] = p
}

func (d *debouncer) fire(path string) {
	d.mu.Lock()
	p, ok := d.pending[path]
	if ok {
		delete(d.pending, path)
	}
	stopped := d.stopped
	d.mu.Unlock()

	if ok && !stopped {
		d.emit(path, p.kind)
	}
}

// Stop cancels all pending windows. Nothing is emitted after Stop returns.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for path, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, path)
	}
}
