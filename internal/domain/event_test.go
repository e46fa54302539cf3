package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetSet_RoundTrip(t *testing.T) {
	set := ParseTargetSet("plex, jellyfin,plex,,tdarr")

	assert.True(t, set.Has("plex"))
	assert.True(t, set.Has("jellyfin"))
	assert.True(t, set.Has("tdarr"))
	assert.False(t, set.Has("emby"))
	// Canonical form is deduped and sorted.
	assert.Equal(t, "jellyfin,plex,tdarr", set.String())
}

func TestTargetSet_Empty(t *testing.T) {
	set := ParseTargetSet("")
	assert.Empty(t, set.Names())
	assert.Equal(t, "", set.String())

	set.Add("plex")
	assert.Equal(t, "plex", set.String())
}

func TestNewEvent_Build(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := NewEvent{
		EventSource: "my_sonarr",
		FilePath:    "/TV/Show/Season 1/e01.mkv",
		FoundStatus: FoundNone,
		CanProcess:  now.Add(60 * time.Second),
	}.Build(now)

	require.NotEmpty(t, ev.ID)
	assert.Equal(t, ProcessPending, ev.ProcessStatus)
	assert.Equal(t, FoundNone, ev.FoundStatus)
	assert.Nil(t, ev.FoundAt)
	assert.Equal(t, now.Add(60*time.Second), ev.CanProcess)
	assert.Equal(t, 0, ev.FailedTimes)
}

func TestNewEvent_Build_AbsentPathIsAlreadyFound(t *testing.T) {
	now := time.Now()
	ev := NewEvent{
		EventSource: "my_sonarr",
		FilePath:    "/TV/Show/Season 1/old.mkv",
		FoundStatus: FoundOK,
		CanProcess:  now,
	}.Build(now)

	// An event for a removed path never waits on the found-status checker.
	assert.Equal(t, FoundOK, ev.FoundStatus)
	require.NotNil(t, ev.FoundAt)
	assert.Equal(t, now, *ev.FoundAt)
}

func TestNewEvent_Build_UniqueIDs(t *testing.T) {
	now := time.Now()
	a := NewEvent{EventSource: "s", FilePath: "/p"}.Build(now)
	b := NewEvent{EventSource: "s", FilePath: "/p"}.Build(now)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestNotificationKind_Priority(t *testing.T) {
	// Flush order: New < HashMismatch < Found < Retrying < Processed < Failed.
	order := []NotificationKind{KindNew, KindHashMismatch, KindFound, KindRetrying, KindProcessed, KindFailed}
	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1].Priority(), order[i].Priority(),
			"%s should sort before %s", order[i-1], order[i])
	}
	assert.Equal(t, len(kindPriority), NotificationKind("bogus").Priority())
}

func TestNotificationKind_Title(t *testing.T) {
	assert.Equal(t, "Hash Mismatch", KindHashMismatch.Title())
	assert.Equal(t, "Processed", KindProcessed.Title())
	assert.Equal(t, "custom", NotificationKind("custom").Title())
}
