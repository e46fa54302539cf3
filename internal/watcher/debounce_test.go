package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mescon/autopulse/internal/testutil"
)

type emitted struct {
	path string
	kind Kind
}

func newTestDebouncer(t *testing.T) (*debouncer, *testutil.MockClock, *[]emitted) {
	t.Helper()
	clk := testutil.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	var out []emitted
	d := newDebouncer(clk, 2*time.Second, func(path string, kind Kind) {
		out = append(out, emitted{path: path, kind: kind})
	})
	return d, clk, &out
}

func TestDebouncerCoalescesRapidWrites(t *testing.T) {
	d, clk, out := newTestDebouncer(t)

	// A copy: one create, then a burst of writes inside the window.
	d.Offer("/watch/file.bin", KindCreate)
	for i := 0; i < 100; i++ {
		clk.Advance(10 * time.Millisecond)
		d.Offer("/watch/file.bin", KindWrite)
	}
	clk.Advance(2 * time.Second)

	require.Len(t, *out, 1)
	assert.Equal(t, emitted{path: "/watch/file.bin", kind: KindCreate}, (*out)[0])
}

func TestDebouncerEmitsNothingBeforeWindowCloses(t *testing.T) {
	d, clk, out := newTestDebouncer(t)

	d.Offer("/watch/a", KindWrite)
	clk.Advance(time.Second)
	assert.Empty(t, *out)

	// Another raw event slides the window.
	d.Offer("/watch/a", KindWrite)
	clk.Advance(time.Second)
	assert.Empty(t, *out)

	clk.Advance(time.Second)
	require.Len(t, *out, 1)
}

func TestDebouncerRemoveOutranksWrite(t *testing.T) {
	d, clk, out := newTestDebouncer(t)

	d.Offer("/watch/a", KindWrite)
	d.Offer("/watch/a", KindRemove)
	d.Offer("/watch/a", KindChmod)
	clk.Advance(2 * time.Second)

	require.Len(t, *out, 1)
	assert.Equal(t, KindRemove, (*out)[0].kind)
}

func TestDebouncerTracksPathsIndependently(t *testing.T) {
	d, clk, out := newTestDebouncer(t)

	d.Offer("/watch/a", KindCreate)
	d.Offer("/watch/b", KindRemove)
	clk.Advance(2 * time.Second)

	assert.Len(t, *out, 2)
}

func TestDebouncerStopSuppressesPending(t *testing.T) {
	d, clk, out := newTestDebouncer(t)

	d.Offer("/watch/a", KindCreate)
	d.Stop()
	clk.Advance(2 * time.Second)

	assert.Empty(t, *out)
}

func TestKindExpectPresent(t *testing.T) {
	assert.True(t, KindCreate.ExpectPresent())
	assert.True(t, KindWrite.ExpectPresent())
	assert.True(t, KindChmod.ExpectPresent())
	assert.False(t, KindRemove.ExpectPresent())
	assert.False(t, KindRename.ExpectPresent())
}
