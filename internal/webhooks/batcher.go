// Package webhooks collects lifecycle notifications, batches them in memory
// and ships them to the configured sinks on a periodic flush.
package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mescon/autopulse/internal/domain"
	"github.com/mescon/autopulse/internal/logger"
)

// FlushInterval is how often queued notifications are shipped.
const FlushInterval = 10 * time.Second

// Entry is one flushed batch line group: all paths queued for a
// (kind, source) pair since the last flush.
type Entry struct {
	Kind   domain.NotificationKind
	Source string
	Paths  []string
}

// Sink receives whole flush batches. Errors are logged; the batch for that
// sink is lost.
type Sink interface {
	Name() string
	Send(batch []Entry) error
}

type batchKey struct {
	kind   domain.NotificationKind
	source string
}

// Batcher is the single in-memory notification queue. Components add during
// the reconciliation tick; the flusher goroutine drains.
type Batcher struct {
	sinks []Sink

	mu      sync.Mutex
	pending map[batchKey][]string
}

func NewBatcher(sinks []Sink) *Batcher {
	return &Batcher{
		sinks:   sinks,
		pending: make(map[batchKey][]string),
	}
}

// Add queues paths under a (kind, source) key. Safe for concurrent use.
func (b *Batcher) Add(kind domain.NotificationKind, source string, paths ...string) {
	if len(paths) == 0 {
		return
	}
	b.mu.Lock()
	key := batchKey{kind: kind, source: source}
	b.pending[key] = append(b.pending[key], paths...)
	b.mu.Unlock()
}

// drain atomically swaps the pending map out and orders the batch by kind
// priority, then source. Concurrent Adds during shipping land in the fresh
// map and go out on the next flush.
func (b *Batcher) drain() []Entry {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[batchKey][]string)
	b.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	batch := make([]Entry, 0, len(pending))
	for key, paths := range pending {
		batch = append(batch, Entry{Kind: key.kind, Source: key.source, Paths: paths})
	}
	sort.Slice(batch, func(i, j int) bool {
		if pi, pj := batch[i].Kind.Priority(), batch[j].Kind.Priority(); pi != pj {
			return pi < pj
		}
		return batch[i].Source < batch[j].Source
	})
	return batch
}

// Flush drains and ships one batch to every sink.
func (b *Batcher) Flush() {
	batch := b.drain()
	if len(batch) == 0 {
		return
	}
	for _, sink := range b.sinks {
		if err := sink.Send(batch); err != nil {
			logger.Errorf("Webhook %s: failed to send batch: %v", sink.Name(), err)
		}
	}
}

// Run flushes periodically until the context is cancelled, with one final
// flush on the way out.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Flush()
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}
