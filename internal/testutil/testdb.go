// Package testutil provides test helpers: an in-memory database, a
// deterministic clock and canned scan events.
package testutil

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mescon/autopulse/internal/db"
	"github.com/mescon/autopulse/internal/domain"
)

// NewTestRepo creates an in-memory SQLite repository with the full schema.
// The handle is closed when the test finishes.
func NewTestRepo(t *testing.T) *db.Repository {
	t.Helper()
	repo, err := db.NewRepository(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

// NewTestStore creates a Store over a fresh in-memory repository.
func NewTestStore(t *testing.T) *db.Store {
	t.Helper()
	return db.NewStore(NewTestRepo(t))
}

// SeedEvent inserts a fully-specified scan event, bypassing Add's dedup.
func SeedEvent(t *testing.T, repo *db.Repository, ev domain.ScanEvent) {
	t.Helper()
	const layout = "2006-01-02T15:04:05.000000000Z"
	format := func(tm time.Time) string { return tm.UTC().Format(layout) }
	formatPtr := func(tm *time.Time) interface{} {
		if tm == nil {
			return nil
		}
		return format(*tm)
	}

	_, err := repo.DB.Exec(`INSERT INTO scan_events
		(id, event_source, event_timestamp, file_path, file_hash, process_status,
		found_status, failed_times, next_retry_at, targets_hit, found_at,
		processed_at, created_at, updated_at, can_process)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.EventSource, format(ev.EventTimestamp), ev.FilePath, ev.FileHash,
		string(ev.ProcessStatus), string(ev.FoundStatus), ev.FailedTimes,
		formatPtr(ev.NextRetryAt), ev.TargetsHit.String(), formatPtr(ev.FoundAt),
		formatPtr(ev.ProcessedAt), format(ev.CreatedAt), format(ev.UpdatedAt),
		format(ev.CanProcess))
	if err != nil {
		t.Fatalf("Failed to seed event %s: %v", ev.ID, err)
	}
}

// Event builds a plausible pending event for tests. Override fields as
// needed after the call.
func Event(id, source, path string, now time.Time) domain.ScanEvent {
	return domain.ScanEvent{
		ID:             id,
		EventSource:    source,
		EventTimestamp: now,
		FilePath:       path,
		ProcessStatus:  domain.ProcessPending,
		FoundStatus:    domain.FoundNone,
		TargetsHit:     domain.TargetSet{},
		CreatedAt:      now,
		UpdatedAt:      now,
		CanProcess:     now.Add(-time.Second),
	}
}

// CountEvents returns the number of scan_events rows.
func CountEvents(t *testing.T, database *sql.DB) int {
	t.Helper()
	var count int
	if err := database.QueryRow("SELECT COUNT(*) FROM scan_events").Scan(&count); err != nil {
		t.Fatalf("Failed to count events: %v", err)
	}
	return count
}

// StatusOf fetches the process_status column for an event id.
func StatusOf(t *testing.T, database *sql.DB, id string) string {
	t.Helper()
	var status string
	err := database.QueryRow("SELECT process_status FROM scan_events WHERE id = ?", id).Scan(&status)
	if err != nil {
		t.Fatalf("Failed to read status of %s: %v", id, err)
	}
	return status
}

// MustTime parses an RFC3339 timestamp or fails the test at setup time.
func MustTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(fmt.Sprintf("bad test timestamp %q: %v", s, err))
	}
	return t
}
