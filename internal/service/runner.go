package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mescon/autopulse/internal/clock"
	"github.com/mescon/autopulse/internal/config"
	"github.com/mescon/autopulse/internal/db"
	"github.com/mescon/autopulse/internal/domain"
	"github.com/mescon/autopulse/internal/logger"
	"github.com/mescon/autopulse/internal/metrics"
	"github.com/mescon/autopulse/internal/targets"
	"github.com/mescon/autopulse/internal/triggers"
	"github.com/mescon/autopulse/internal/watcher"
	"github.com/mescon/autopulse/internal/webhooks"
)

// tickInterval is how often the reconciliation loop wakes up.
const tickInterval = time.Second

// Runner drives the event lifecycle: it checks whether awaited files have
// arrived on disk, fans processable events out to every configured target,
// applies the retry backoff, and expires stale rows.
type Runner struct {
	cfg     *config.Config
	store   *db.Store
	reg     *triggers.Registry
	targets []targets.Target
	batcher *webhooks.Batcher
	metrics *metrics.Service
	clk     clock.Clock

	mu       sync.Mutex
	paused   bool
	lastTick time.Duration
}

// NewRunner wires the reconciliation loop against its collaborators.
func NewRunner(cfg *config.Config, store *db.Store, reg *triggers.Registry, tgts []targets.Target, batcher *webhooks.Batcher, m *metrics.Service, clk clock.Clock) *Runner {
	return &Runner{
		cfg:     cfg,
		store:   store,
		reg:     reg,
		targets: tgts,
		batcher: batcher,
		metrics: m,
		clk:     clk,
	}
}

// Run ticks the reconciliation loop until the context is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick performs one reconciliation pass. Stage errors are logged and the
// remaining stages still run; a missing anchor skips everything except the
// stats refresh so no event changes state while a mount is gone.
func (r *Runner) Tick(ctx context.Context) {
	start := r.clk.Now()
	if r.anchorsAvailable() {
		r.checkFound(start)
		r.fanOut(ctx, start)
		r.cleanup(start)
	}
	r.refreshQueueDepth()

	elapsed := r.clk.Now().Sub(start)
	r.mu.Lock()
	r.lastTick = elapsed
	r.mu.Unlock()
	r.metrics.ObserveTick(elapsed)
}

// LastTickMillis reports the duration of the most recent pass, for /stats.
func (r *Runner) LastTickMillis() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastTick.Milliseconds()
}

// Paused reports whether processing is currently held back by an anchor.
func (r *Runner) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// anchorsAvailable stats every configured anchor path. Transitions between
// paused and running are logged once rather than on every tick.
func (r *Runner) anchorsAvailable() bool {
	available := true
	missing := ""
	for _, anchor := range r.cfg.Anchors {
		if _, err := os.Stat(anchor); err != nil {
			available = false
			missing = anchor
			break
		}
	}

	r.mu.Lock()
	wasPaused := r.paused
	r.paused = !available
	r.mu.Unlock()

	if !available && !wasPaused {
		logger.Warnf("Anchor %s is unavailable, pausing event processing", missing)
	} else if available && wasPaused {
		logger.Infof("All anchors available again, resuming event processing")
	}
	r.metrics.SetAnchorAvailable(available)
	return available
}

// checkFound promotes pending events whose file has appeared on disk. When
// the event carries an expected hash the file content must match it, and a
// mismatch is recorded (and notified once) instead of a find.
func (r *Runner) checkFound(now time.Time) {
	if !r.cfg.Opts.CheckPath {
		return
	}
	events, err := r.store.QueryPendingNotFound()
	if err != nil {
		logger.Errorf("Found-status sweep failed: %v", err)
		return
	}
	for i := range events {
		ev := &events[i]
		if _, err := os.Stat(ev.FilePath); err != nil {
			// Still missing: the row stays not_found but the sweep is
			// recorded on updated_at.
			if err := r.store.Save(ev, now); err != nil {
				logger.Errorf("Failed to touch event %s: %v", ev.ID, err)
			}
			r.metrics.FoundCheck("missing")
			continue
		}
		status := domain.FoundOK
		if ev.FileHash != nil {
			sum, err := hashFile(ev.FilePath)
			if err != nil {
				logger.Errorf("Failed to hash %s: %v", ev.FilePath, err)
				r.metrics.FoundCheck("error")
				continue
			}
			if sum != *ev.FileHash {
				status = domain.FoundMismatch
			}
		}
		if ev.FoundStatus == status {
			continue
		}
		ev.FoundStatus = status
		foundAt := now
		ev.FoundAt = &foundAt
		if err := r.store.Save(ev, now); err != nil {
			logger.Errorf("Failed to save found status for %s: %v", ev.ID, err)
			continue
		}
		if status == domain.FoundOK {
			logger.Debugf("File found for event %s: %s", ev.ID, ev.FilePath)
			r.metrics.FoundCheck("found")
			r.batcher.Add(domain.KindFound, ev.EventSource, ev.FilePath)
		} else {
			logger.Warnf("Hash mismatch for %s, expected %s", ev.FilePath, *ev.FileHash)
			r.metrics.FoundCheck("mismatch")
			r.batcher.Add(domain.KindHashMismatch, ev.EventSource, ev.FilePath)
		}
	}
}

// fanOut pushes every processable event to every target that has not yet
// confirmed it, then settles each event: fully delivered events complete,
// anything a target rejected is retried with exponential backoff until the
// retry limit is reached.
func (r *Runner) fanOut(ctx context.Context, now time.Time) {
	events, err := r.store.QueryProcessable(now, r.cfg.Opts.CheckPath)
	if err != nil {
		logger.Errorf("Processable query failed: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}

	failed := map[string]bool{}
	for _, tgt := range r.targets {
		var batch []domain.ScanEvent
		var idx []int
		for i := range events {
			ev := &events[i]
			if ev.TargetsHit.Has(tgt.Name()) || r.reg.Excludes(ev.EventSource, tgt.Name()) {
				continue
			}
			batch = append(batch, *ev)
			idx = append(idx, i)
		}
		if len(batch) == 0 {
			continue
		}
		succeeded, err := tgt.Process(ctx, batch)
		if err != nil {
			logger.Errorf("Target %s failed to process %d events: %v", tgt.Name(), len(batch), err)
			for _, i := range idx {
				failed[events[i].ID] = true
				r.metrics.Delivery(tgt.Name(), false)
			}
			continue
		}
		ok := make(map[string]bool, len(succeeded))
		for _, id := range succeeded {
			ok[id] = true
		}
		for _, i := range idx {
			ev := &events[i]
			if ok[ev.ID] {
				ev.TargetsHit.Add(tgt.Name())
				r.metrics.Delivery(tgt.Name(), true)
			} else {
				failed[ev.ID] = true
				r.metrics.Delivery(tgt.Name(), false)
			}
		}
	}

	for i := range events {
		ev := &events[i]
		if failed[ev.ID] {
			r.recordFailure(ev, now)
		} else {
			ev.ProcessStatus = domain.ProcessComplete
			processedAt := now
			ev.ProcessedAt = &processedAt
			ev.NextRetryAt = nil
			logger.Infof("Processed %s for %s", ev.FilePath, ev.EventSource)
			r.metrics.EventConcluded("complete")
			r.batcher.Add(domain.KindProcessed, ev.EventSource, ev.FilePath)
		}
		if err := r.store.Save(ev, now); err != nil {
			logger.Errorf("Failed to save event %s: %v", ev.ID, err)
		}
	}
}

// recordFailure bumps the retry counter and either schedules the next
// attempt or gives up once the retry limit is exhausted.
func (r *Runner) recordFailure(ev *domain.ScanEvent, now time.Time) {
	ev.FailedTimes++
	if ev.FailedTimes >= r.cfg.Opts.MaxRetries {
		ev.ProcessStatus = domain.ProcessFailed
		ev.NextRetryAt = nil
		logger.Errorf("Giving up on %s after %d attempts", ev.FilePath, ev.FailedTimes)
		r.metrics.EventConcluded("failed")
		r.batcher.Add(domain.KindFailed, ev.EventSource, ev.FilePath)
		return
	}
	ev.ProcessStatus = domain.ProcessRetry
	backoff := time.Duration(1<<uint(ev.FailedTimes+1)) * time.Second
	retryAt := now.Add(backoff)
	ev.NextRetryAt = &retryAt
	logger.Warnf("Retrying %s in %s (attempt %d of %d)", ev.FilePath, backoff, ev.FailedTimes, r.cfg.Opts.MaxRetries)
	r.metrics.EventConcluded("retry")
	r.batcher.Add(domain.KindRetrying, ev.EventSource, ev.FilePath)
}

// cleanup expires rows that never materialized or permanently failed.
func (r *Runner) cleanup(now time.Time) {
	cutoff := now.AddDate(0, 0, -r.cfg.Opts.CleanupDays)
	removed, err := r.store.Cleanup(cutoff)
	if err != nil {
		logger.Errorf("Cleanup failed: %v", err)
		return
	}
	if removed > 0 {
		logger.Debugf("Cleaned up %d stale events", removed)
	}
}

func (r *Runner) refreshQueueDepth() {
	stats, err := r.store.Stats()
	if err != nil {
		logger.Errorf("Stats query failed: %v", err)
		return
	}
	r.metrics.SetQueueDepth("pending", stats.Pending)
	r.metrics.SetQueueDepth("retry", stats.Retrying)
	r.metrics.SetQueueDepth("complete", stats.Processed)
	r.metrics.SetQueueDepth("failed", stats.Failed)
}

// Ingest records one scan event per hint offered by a trigger and returns
// the stored rows. A duplicate pending offer refreshes the existing row
// instead of inserting a second one.
func (r *Runner) Ingest(trig *triggers.Trigger, hints []triggers.Hint, hash *string) ([]domain.ScanEvent, error) {
	now := r.clk.Now()
	out := make([]domain.ScanEvent, 0, len(hints))
	for _, h := range hints {
		offer := trig.Event(h, hash, now, r.cfg.Opts.DefaultTimerWait)
		ev, err := r.store.Add(offer, now)
		if err != nil {
			return out, fmt.Errorf("failed to store event for %s: %w", offer.FilePath, err)
		}
		logger.Infof("Accepted %s from %s", ev.FilePath, trig.Name())
		r.metrics.EventCreated(trig.Name())
		r.batcher.Add(domain.KindNew, trig.Name(), ev.FilePath)
		out = append(out, ev)
	}
	return out, nil
}

// ConsumeWatch drains filesystem change notifications into the store. The
// watcher already applied the trigger's filters and rewrite, so events are
// built directly from the delivered path.
func (r *Runner) ConsumeWatch(ctx context.Context, queue *watcher.Queue) {
	for {
		select {
		case <-ctx.Done():
			return
		case pe, ok := <-queue.Out():
			if !ok {
				return
			}
			trig, ok := r.reg.Get(pe.Trigger)
			if !ok {
				logger.Warnf("Dropping change for unknown trigger %s: %s", pe.Trigger, pe.Path)
				continue
			}
			now := r.clk.Now()
			status := domain.FoundNone
			if !pe.Kind.ExpectPresent() {
				status = domain.FoundOK
			}
			offer := domain.NewEvent{
				EventSource: pe.Trigger,
				FilePath:    pe.Path,
				FoundStatus: status,
				CanProcess:  now.Add(r.cfg.TimerWait(trig.Config())),
			}
			ev, err := r.store.Add(offer, now)
			if err != nil {
				logger.Errorf("Failed to store change for %s: %v", pe.Path, err)
				continue
			}
			logger.Debugf("Accepted %s change for %s", pe.Kind, ev.FilePath)
			r.metrics.EventCreated(pe.Trigger)
			r.batcher.Add(domain.KindNew, pe.Trigger, ev.FilePath)
		}
	}
}

// hashFile computes the SHA-256 digest of a file as lowercase hex.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
