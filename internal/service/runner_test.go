package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mescon/autopulse/internal/config"
	"github.com/mescon/autopulse/internal/db"
	"github.com/mescon/autopulse/internal/domain"
	"github.com/mescon/autopulse/internal/metrics"
	"github.com/mescon/autopulse/internal/targets"
	"github.com/mescon/autopulse/internal/testutil"
	"github.com/mescon/autopulse/internal/triggers"
	"github.com/mescon/autopulse/internal/watcher"
	"github.com/mescon/autopulse/internal/webhooks"
)

type fakeTarget struct {
	name  string
	err   error
	allow func(domain.ScanEvent) bool
	calls [][]domain.ScanEvent
}

func (f *fakeTarget) Name() string { return f.name }

func (f *fakeTarget) Process(_ context.Context, events []domain.ScanEvent) ([]string, error) {
	f.calls = append(f.calls, events)
	if f.err != nil {
		return nil, f.err
	}
	var ok []string
	for _, ev := range events {
		if f.allow == nil || f.allow(ev) {
			ok = append(ok, ev.ID)
		}
	}
	return ok, nil
}

type captureSink struct {
	entries []webhooks.Entry
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Send(entries []webhooks.Entry) error {
	c.entries = append(c.entries, entries...)
	return nil
}

func (c *captureSink) kinds() []domain.NotificationKind {
	out := make([]domain.NotificationKind, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	runner *Runner
	repo   *db.Repository
	store  *db.Store
	cfg    *config.Config
	clk    *testutil.MockClock
	sink   *captureSink
}

func newFixture(t *testing.T, cfg *config.Config, tgts ...targets.Target) *fixture {
	t.Helper()
	repo := testutil.NewTestRepo(t)
	store := db.NewStore(repo)
	reg, err := triggers.NewRegistry(cfg)
	require.NoError(t, err)
	sink := &captureSink{}
	batcher := webhooks.NewBatcher([]webhooks.Sink{sink})
	clk := testutil.NewMockClock(testutil.MustTime("2026-01-10T12:00:00Z"))
	m := metrics.NewService()
	return &fixture{
		runner: NewRunner(cfg, store, reg, tgts, batcher, m, clk),
		repo:   repo,
		store:  store,
		cfg:    cfg,
		clk:    clk,
		sink:   sink,
	}
}

// flushKinds drains the batcher into the capture sink and returns the kinds
// delivered since the previous call.
func (f *fixture) flushKinds() []domain.NotificationKind {
	f.runner.batcher.Flush()
	kinds := f.sink.kinds()
	f.sink.entries = nil
	return kinds
}

func testConfig() *config.Config {
	cfg := config.NewTestConfig()
	cfg.Opts.MaxRetries = 3
	return cfg
}

func seedReady(t *testing.T, f *fixture, id, source, path string) {
	t.Helper()
	ev := testutil.Event(id, source, path, f.clk.Now().Add(-time.Minute))
	ev.FoundStatus = domain.FoundOK
	testutil.SeedEvent(t, f.repo, ev)
}

func TestTickCompletesDeliveredEvents(t *testing.T) {
	tgt := &fakeTarget{name: "plex"}
	f := newFixture(t, testConfig(), tgt)
	seedReady(t, f, "e1", "sonarr", "/mnt/media/a.mkv")

	f.runner.Tick(context.Background())

	require.Len(t, tgt.calls, 1)
	ev, err := f.store.Get("e1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessComplete, ev.ProcessStatus)
	assert.True(t, ev.TargetsHit.Has("plex"))
	require.NotNil(t, ev.ProcessedAt)
	assert.Equal(t, f.clk.Now(), ev.ProcessedAt.UTC())
	assert.Nil(t, ev.NextRetryAt)
	assert.Equal(t, []domain.NotificationKind{domain.KindProcessed}, f.flushKinds())
}

func TestTickRetriesWithExponentialBackoff(t *testing.T) {
	tgt := &fakeTarget{name: "plex", err: assert.AnError}
	f := newFixture(t, testConfig(), tgt)
	seedReady(t, f, "e1", "sonarr", "/mnt/media/a.mkv")
	t0 := f.clk.Now()

	f.runner.Tick(context.Background())
	ev, err := f.store.Get("e1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessRetry, ev.ProcessStatus)
	assert.Equal(t, 1, ev.FailedTimes)
	require.NotNil(t, ev.NextRetryAt)
	assert.Equal(t, t0.Add(4*time.Second), ev.NextRetryAt.UTC())

	// Not due yet, so nothing is attempted.
	f.clk.Advance(time.Second)
	f.runner.Tick(context.Background())
	assert.Len(t, tgt.calls, 1)

	f.clk.Advance(4 * time.Second)
	f.runner.Tick(context.Background())
	ev, err = f.store.Get("e1")
	require.NoError(t, err)
	assert.Equal(t, 2, ev.FailedTimes)
	require.NotNil(t, ev.NextRetryAt)
	assert.Equal(t, f.clk.Now().Add(8*time.Second), ev.NextRetryAt.UTC())

	f.clk.Advance(9 * time.Second)
	f.runner.Tick(context.Background())
	ev, err = f.store.Get("e1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessFailed, ev.ProcessStatus)
	assert.Equal(t, f.cfg.Opts.MaxRetries, ev.FailedTimes)
	assert.Nil(t, ev.NextRetryAt)
	assert.Len(t, tgt.calls, 3)
	assert.Equal(t, []domain.NotificationKind{
		domain.KindRetrying, domain.KindRetrying, domain.KindFailed,
	}, f.flushKinds())

	// Terminal events are never retried again.
	f.clk.Advance(time.Minute)
	f.runner.Tick(context.Background())
	assert.Len(t, tgt.calls, 3)
}

func TestTickPartialSuccessRetriesOnlyRejectedEvents(t *testing.T) {
	a := &fakeTarget{name: "alpha"}
	b := &fakeTarget{name: "beta", allow: func(ev domain.ScanEvent) bool { return ev.ID == "e1" }}
	f := newFixture(t, testConfig(), a, b)
	seedReady(t, f, "e1", "sonarr", "/mnt/media/a.mkv")
	seedReady(t, f, "e2", "sonarr", "/mnt/media/b.mkv")
	t0 := f.clk.Now()

	f.runner.Tick(context.Background())

	e1, err := f.store.Get("e1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessComplete, e1.ProcessStatus)
	assert.Equal(t, []string{"alpha", "beta"}, e1.TargetsHit.Names())

	e2, err := f.store.Get("e2")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessRetry, e2.ProcessStatus)
	assert.Equal(t, 1, e2.FailedTimes)
	assert.Equal(t, []string{"alpha"}, e2.TargetsHit.Names())
	require.NotNil(t, e2.NextRetryAt)
	assert.Equal(t, t0.Add(4*time.Second), e2.NextRetryAt.UTC())

	// On the retry only the target that rejected e2 is asked again.
	f.clk.Advance(5 * time.Second)
	b.allow = nil
	f.runner.Tick(context.Background())

	require.Len(t, a.calls, 1)
	require.Len(t, b.calls, 2)
	require.Len(t, b.calls[1], 1)
	assert.Equal(t, "e2", b.calls[1][0].ID)

	e2, err = f.store.Get("e2")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessComplete, e2.ProcessStatus)
	assert.Equal(t, []string{"alpha", "beta"}, e2.TargetsHit.Names())
}

func TestTickHonorsTriggerExcludes(t *testing.T) {
	cfg := testConfig()
	cfg.Triggers["sonarr"] = config.TriggerConfig{Type: config.TriggerSonarr, Excludes: []string{"plex"}}
	plex := &fakeTarget{name: "plex"}
	jelly := &fakeTarget{name: "jellyfin"}
	f := newFixture(t, cfg, plex, jelly)
	seedReady(t, f, "e1", "sonarr", "/mnt/media/a.mkv")

	f.runner.Tick(context.Background())

	assert.Empty(t, plex.calls)
	require.Len(t, jelly.calls, 1)
	ev, err := f.store.Get("e1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessComplete, ev.ProcessStatus)
	assert.Equal(t, []string{"jellyfin"}, ev.TargetsHit.Names())
}

func TestCheckFoundPromotesPresentFile(t *testing.T) {
	cfg := testConfig()
	cfg.Opts.CheckPath = true
	tgt := &fakeTarget{name: "plex"}
	f := newFixture(t, cfg, tgt)

	present := filepath.Join(t.TempDir(), "a.mkv")
	require.NoError(t, os.WriteFile(present, []byte("data"), 0o644))
	testutil.SeedEvent(t, f.repo, testutil.Event("e1", "sonarr", present, f.clk.Now().Add(-time.Minute)))
	testutil.SeedEvent(t, f.repo, testutil.Event("e2", "sonarr", "/nowhere/b.mkv", f.clk.Now().Add(-time.Minute)))

	f.runner.Tick(context.Background())

	e1, err := f.store.Get("e1")
	require.NoError(t, err)
	assert.Equal(t, domain.FoundOK, e1.FoundStatus)
	require.NotNil(t, e1.FoundAt)
	assert.Equal(t, domain.ProcessComplete, e1.ProcessStatus)

	// The missing file stays unfound and is held back from fan-out, but the
	// sweep still stamps updated_at.
	e2, err := f.store.Get("e2")
	require.NoError(t, err)
	assert.Equal(t, domain.FoundNone, e2.FoundStatus)
	assert.Equal(t, domain.ProcessPending, e2.ProcessStatus)
	assert.Equal(t, f.clk.Now(), e2.UpdatedAt.UTC())
	require.Len(t, tgt.calls, 1)
	require.Len(t, tgt.calls[0], 1)
	assert.Equal(t, "e1", tgt.calls[0][0].ID)
	assert.Equal(t, []domain.NotificationKind{domain.KindFound, domain.KindProcessed}, f.flushKinds())
}

func TestCheckFoundHashMismatch(t *testing.T) {
	cfg := testConfig()
	cfg.Opts.CheckPath = true
	f := newFixture(t, cfg, &fakeTarget{name: "plex"})

	path := filepath.Join(t.TempDir(), "a.mkv")
	require.NoError(t, os.WriteFile(path, []byte("actual content"), 0o644))
	other := sha256.Sum256([]byte("expected content"))
	wrong := hex.EncodeToString(other[:])

	ev := testutil.Event("e1", "sonarr", path, f.clk.Now().Add(-time.Minute))
	ev.FileHash = &wrong
	testutil.SeedEvent(t, f.repo, ev)

	f.runner.Tick(context.Background())

	got, err := f.store.Get("e1")
	require.NoError(t, err)
	assert.Equal(t, domain.FoundMismatch, got.FoundStatus)
	require.NotNil(t, got.FoundAt)
	assert.Equal(t, domain.ProcessPending, got.ProcessStatus)
	assert.Equal(t, []domain.NotificationKind{domain.KindHashMismatch}, f.flushKinds())

	// A second pass over the same mismatch does not notify again.
	f.clk.Advance(time.Second)
	f.runner.Tick(context.Background())
	assert.Empty(t, f.flushKinds())
}

func TestCheckFoundHashMatch(t *testing.T) {
	cfg := testConfig()
	cfg.Opts.CheckPath = true
	f := newFixture(t, cfg, &fakeTarget{name: "plex"})

	path := filepath.Join(t.TempDir(), "a.mkv")
	content := []byte("the payload")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	ev := testutil.Event("e1", "sonarr", path, f.clk.Now().Add(-time.Minute))
	ev.FileHash = &hash
	testutil.SeedEvent(t, f.repo, ev)

	f.runner.Tick(context.Background())

	got, err := f.store.Get("e1")
	require.NoError(t, err)
	assert.Equal(t, domain.FoundOK, got.FoundStatus)
	assert.Equal(t, domain.ProcessComplete, got.ProcessStatus)
}

func TestAnchorUnavailablePausesProcessing(t *testing.T) {
	dir := t.TempDir()
	anchor := filepath.Join(dir, "media", ".anchor")
	cfg := testConfig()
	cfg.Anchors = []string{anchor}
	tgt := &fakeTarget{name: "plex"}
	f := newFixture(t, cfg, tgt)
	seedReady(t, f, "e1", "sonarr", "/mnt/media/a.mkv")

	f.runner.Tick(context.Background())
	assert.True(t, f.runner.Paused())
	assert.Empty(t, tgt.calls)
	ev, err := f.store.Get("e1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessPending, ev.ProcessStatus)
	assert.Equal(t, 0, ev.FailedTimes)

	require.NoError(t, os.MkdirAll(filepath.Dir(anchor), 0o755))
	require.NoError(t, os.WriteFile(anchor, nil, 0o644))

	f.runner.Tick(context.Background())
	assert.False(t, f.runner.Paused())
	require.Len(t, tgt.calls, 1)
	ev, err = f.store.Get("e1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessComplete, ev.ProcessStatus)
}

func TestCleanupExpiresStaleEvents(t *testing.T) {
	f := newFixture(t, testConfig(), &fakeTarget{name: "plex"})

	stale := testutil.Event("old", "sonarr", "/mnt/media/old.mkv", f.clk.Now().AddDate(0, 0, -30))
	stale.CanProcess = f.clk.Now().Add(time.Hour)
	testutil.SeedEvent(t, f.repo, stale)
	fresh := testutil.Event("new", "sonarr", "/mnt/media/new.mkv", f.clk.Now().Add(-time.Hour))
	fresh.CanProcess = f.clk.Now().Add(time.Hour)
	testutil.SeedEvent(t, f.repo, fresh)

	f.runner.Tick(context.Background())

	assert.Equal(t, 1, testutil.CountEvents(t, f.repo.DB))
	_, err := f.store.Get("old")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestIngestStoresHintsAndDeduplicates(t *testing.T) {
	cfg := testConfig()
	cfg.Triggers["manual"] = config.TriggerConfig{Type: config.TriggerManual}
	f := newFixture(t, cfg, &fakeTarget{name: "plex"})
	trig, ok := f.runner.reg.Get("manual")
	require.True(t, ok)

	events, err := f.runner.Ingest(trig, []triggers.Hint{
		{Path: "/mnt/media/a.mkv", ExpectPresent: true},
		{Path: "/mnt/media/b.mkv", ExpectPresent: false},
	}, nil)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.FoundNone, events[0].FoundStatus)
	assert.Equal(t, domain.FoundOK, events[1].FoundStatus)
	assert.Equal(t, 2, testutil.CountEvents(t, f.repo.DB))
	assert.Equal(t, []domain.NotificationKind{domain.KindNew, domain.KindNew}, f.flushKinds())

	// Re-offering the same pending path refreshes instead of inserting.
	_, err = f.runner.Ingest(trig, []triggers.Hint{{Path: "/mnt/media/a.mkv", ExpectPresent: true}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, testutil.CountEvents(t, f.repo.DB))
}

func TestConsumeWatchBuildsEventsFromChanges(t *testing.T) {
	cfg := testConfig()
	cfg.Triggers["library"] = config.TriggerConfig{Type: config.TriggerNotify}
	f := newFixture(t, cfg, &fakeTarget{name: "plex"})

	queue := watcher.NewQueue()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.runner.ConsumeWatch(context.Background(), queue)
	}()

	queue.Push(watcher.PathEvent{Trigger: "library", Path: "/mnt/media/new.mkv", Kind: watcher.KindCreate})
	queue.Push(watcher.PathEvent{Trigger: "library", Path: "/mnt/media/gone.mkv", Kind: watcher.KindRemove})
	queue.Push(watcher.PathEvent{Trigger: "unknown", Path: "/mnt/media/x.mkv", Kind: watcher.KindWrite})
	queue.Close()
	<-done

	assert.Equal(t, 2, testutil.CountEvents(t, f.repo.DB))
	created, err := f.store.List(db.ListFilter{Search: "new.mkv"})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "library", created[0].EventSource)
	assert.Equal(t, domain.FoundNone, created[0].FoundStatus)

	removed, err := f.store.List(db.ListFilter{Search: "gone.mkv"})
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, domain.FoundOK, removed[0].FoundStatus)
}
