package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mescon/autopulse/internal/domain"
	"github.com/mescon/autopulse/internal/logger"
)

// ErrNotFound is returned when a scan event id does not exist.
var ErrNotFound = errors.New("scan event not found")

// MaxListLimit caps the page size of List.
const MaxListLimit = 100

// tsLayout is a fixed-width RFC3339 form so stored timestamps compare
// correctly both in SQL and lexicographically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func tsPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Store exposes the scan-event operations over a Repository handle.
type Store struct {
	db *sql.DB
}

// NewStore wraps the repository's handle.
func NewStore(repo *Repository) *Store {
	return &Store{db: repo.DB}
}

// ListFilter narrows and orders List results.
type ListFilter struct {
	Status string // process_status value, empty for all
	Search string // substring match on file_path
	Sort   string // column name, optional "-" prefix for descending
	Limit  int
	Page   int
}

// ListStats summarizes the table for the /stats endpoint.
type ListStats struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Retrying  int64 `json:"retrying"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

var sortColumns = map[string]bool{
	"id": true, "file_path": true, "process_status": true,
	"event_source": true, "created_at": true, "updated_at": true,
}

const eventColumns = `id, event_source, event_timestamp, file_path, file_hash,
	process_status, found_status, failed_times, next_retry_at, targets_hit,
	found_at, processed_at, created_at, updated_at, can_process`

// Add performs the dedup-or-insert step. When a pending event with the same
// (event_source, file_path) exists (and, for an already-found offer, the
// same found_status), its updated_at and can_process are bumped instead of
// inserting a second row. Rapid producer retries stay idempotent while the
// debounce clock slides.
func (s *Store) Add(ev domain.NewEvent, now time.Time) (domain.ScanEvent, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return domain.ScanEvent{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	query := `SELECT ` + eventColumns + ` FROM scan_events
		WHERE event_source = ? AND file_path = ? AND process_status = ?`
	args := []interface{}{ev.EventSource, ev.FilePath, string(domain.ProcessPending)}
	if ev.FoundStatus == domain.FoundOK {
		query += ` AND found_status = ?`
		args = append(args, string(domain.FoundOK))
	}
	query += ` LIMIT 1`

	existing, err := scanEvent(tx.QueryRow(query, args...))
	switch {
	case err == nil:
		_, err = tx.Exec(`UPDATE scan_events SET updated_at = ?, can_process = ? WHERE id = ?`,
			ts(now), ts(ev.CanProcess), existing.ID)
		if err != nil {
			return domain.ScanEvent{}, fmt.Errorf("failed to refresh event %s: %w", existing.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return domain.ScanEvent{}, fmt.Errorf("failed to commit: %w", err)
		}
		tx = nil
		existing.UpdatedAt = now
		existing.CanProcess = ev.CanProcess
		return existing, nil

	case errors.Is(err, sql.ErrNoRows):
		row := ev.Build(now)
		_, err = tx.Exec(`INSERT INTO scan_events (`+eventColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.ID, row.EventSource, ts(row.EventTimestamp), row.FilePath, row.FileHash,
			string(row.ProcessStatus), string(row.FoundStatus), row.FailedTimes,
			tsPtr(row.NextRetryAt), row.TargetsHit.String(),
			tsPtr(row.FoundAt), tsPtr(row.ProcessedAt),
			ts(row.CreatedAt), ts(row.UpdatedAt), ts(row.CanProcess))
		if err != nil {
			return domain.ScanEvent{}, fmt.Errorf("failed to insert event: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return domain.ScanEvent{}, fmt.Errorf("failed to commit: %w", err)
		}
		tx = nil
		return row, nil

	default:
		return domain.ScanEvent{}, fmt.Errorf("failed to query for duplicate event: %w", err)
	}
}

// Get returns the event by id, or ErrNotFound.
func (s *Store) Get(id string) (domain.ScanEvent, error) {
	ev, err := scanEvent(s.db.QueryRow(
		`SELECT `+eventColumns+` FROM scan_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScanEvent{}, ErrNotFound
	}
	if err != nil {
		return domain.ScanEvent{}, fmt.Errorf("failed to get event %s: %w", id, err)
	}
	return ev, nil
}

// List returns a page of events. Sort accepts the whitelisted columns with an
// optional "-" prefix for descending; the default is newest first.
func (s *Store) List(f ListFilter) ([]domain.ScanEvent, error) {
	limit := f.Limit
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	page := f.Page
	if page < 1 {
		page = 1
	}

	sortCol, desc := "created_at", true
	if f.Sort != "" {
		col, neg := strings.CutPrefix(f.Sort, "-")
		if !sortColumns[col] {
			return nil, fmt.Errorf("invalid sort column %q", col)
		}
		sortCol = col
		desc = neg
	}
	direction := "ASC"
	if desc {
		direction = "DESC"
	}

	query := `SELECT ` + eventColumns + ` FROM scan_events WHERE 1=1`
	var args []interface{}
	if f.Status != "" {
		query += ` AND process_status = ?`
		args = append(args, f.Status)
	}
	if f.Search != "" {
		query += ` AND file_path LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(f.Search)+"%")
	}
	// sortCol and direction come from whitelists above, not user input.
	query += fmt.Sprintf(" ORDER BY %s %s LIMIT ? OFFSET ?", sortCol, direction)
	args = append(args, limit, (page-1)*limit)

	return s.queryEvents(query, args...)
}

// ValidSort reports whether a sort parameter (with optional descending
// prefix) names a sortable column.
func ValidSort(sort string) bool {
	col, _ := strings.CutPrefix(sort, "-")
	return sortColumns[col]
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Stats counts events per process status.
func (s *Store) Stats() (ListStats, error) {
	var st ListStats
	err := s.db.QueryRow(`SELECT
		COUNT(*),
		COUNT(CASE WHEN process_status = 'pending' THEN 1 END),
		COUNT(CASE WHEN process_status = 'retry' THEN 1 END),
		COUNT(CASE WHEN process_status = 'complete' THEN 1 END),
		COUNT(CASE WHEN process_status = 'failed' THEN 1 END)
		FROM scan_events`).Scan(&st.Total, &st.Pending, &st.Retrying, &st.Processed, &st.Failed)
	if err != nil {
		return ListStats{}, fmt.Errorf("failed to query stats: %w", err)
	}
	return st, nil
}

// Save writes the mutable fields back and stamps updated_at.
func (s *Store) Save(ev *domain.ScanEvent, now time.Time) error {
	ev.UpdatedAt = now
	_, err := ExecWithRetry(s.db, `UPDATE scan_events SET
		process_status = ?, found_status = ?, failed_times = ?, next_retry_at = ?,
		targets_hit = ?, found_at = ?, processed_at = ?, updated_at = ?, can_process = ?
		WHERE id = ?`,
		string(ev.ProcessStatus), string(ev.FoundStatus), ev.FailedTimes,
		tsPtr(ev.NextRetryAt), ev.TargetsHit.String(),
		tsPtr(ev.FoundAt), tsPtr(ev.ProcessedAt), ts(ev.UpdatedAt), ts(ev.CanProcess),
		ev.ID)
	if err != nil {
		return fmt.Errorf("failed to save event %s: %w", ev.ID, err)
	}
	return nil
}

// QueryPendingNotFound returns events the found-status checker should probe:
// still pending and not yet confirmed on disk.
func (s *Store) QueryPendingNotFound() ([]domain.ScanEvent, error) {
	return s.queryEvents(`SELECT `+eventColumns+` FROM scan_events
		WHERE found_status != ? AND process_status = ?
		ORDER BY created_at ASC`,
		string(domain.FoundOK), string(domain.ProcessPending))
}

// QueryProcessable returns events eligible for fan-out: not terminal, past
// their debounce window, past any retry backoff, and (when the path gate is
// enabled) confirmed found.
func (s *Store) QueryProcessable(now time.Time, checkPath bool) ([]domain.ScanEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM scan_events
		WHERE process_status NOT IN (?, ?)
		AND (next_retry_at IS NULL OR next_retry_at < ?)
		AND can_process < ?`
	args := []interface{}{
		string(domain.ProcessComplete), string(domain.ProcessFailed),
		ts(now), ts(now),
	}
	if checkPath {
		query += ` AND found_status = ?`
		args = append(args, string(domain.FoundOK))
	}
	query += ` ORDER BY created_at ASC`
	return s.queryEvents(query, args...)
}

// Cleanup deletes stale rows: not-found events older than the cutoff and
// failed events whose found_at (or, failing that, created_at) is older than
// the cutoff. Returns the number of rows removed.
func (s *Store) Cleanup(olderThan time.Time) (int64, error) {
	cutoff := ts(olderThan)
	res, err := ExecWithRetry(s.db, `DELETE FROM scan_events
		WHERE (found_status = ? AND created_at < ?)
		OR (process_status = ? AND COALESCE(found_at, created_at) < ?)`,
		string(domain.FoundNone), cutoff,
		string(domain.ProcessFailed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up events: %w", err)
	}
	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		logger.Debugf("Cleanup removed %d stale events", deleted)
	}
	return deleted, nil
}

func (s *Store) queryEvents(query string, args ...interface{}) ([]domain.ScanEvent, error) {
	rows, err := QueryWithRetry(s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []domain.ScanEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (domain.ScanEvent, error) {
	var (
		ev          domain.ScanEvent
		fileHash    sql.NullString
		procStatus  string
		foundStatus string
		nextRetry   sql.NullString
		targetsHit  string
		foundAt     sql.NullString
		processedAt sql.NullString
		eventTS     string
		createdAt   string
		updatedAt   string
		canProcess  string
	)

	err := row.Scan(&ev.ID, &ev.EventSource, &eventTS, &ev.FilePath, &fileHash,
		&procStatus, &foundStatus, &ev.FailedTimes, &nextRetry, &targetsHit,
		&foundAt, &processedAt, &createdAt, &updatedAt, &canProcess)
	if err != nil {
		return domain.ScanEvent{}, err
	}

	ev.ProcessStatus = domain.ProcessStatus(procStatus)
	ev.FoundStatus = domain.FoundStatus(foundStatus)
	ev.TargetsHit = domain.ParseTargetSet(targetsHit)
	if fileHash.Valid {
		ev.FileHash = &fileHash.String
	}

	for _, f := range []struct {
		src string
		dst *time.Time
	}{
		{eventTS, &ev.EventTimestamp},
		{createdAt, &ev.CreatedAt},
		{updatedAt, &ev.UpdatedAt},
		{canProcess, &ev.CanProcess},
	} {
		t, err := parseTS(f.src)
		if err != nil {
			return domain.ScanEvent{}, fmt.Errorf("corrupt timestamp %q on event %s: %w", f.src, ev.ID, err)
		}
		*f.dst = t
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{nextRetry, &ev.NextRetryAt},
		{foundAt, &ev.FoundAt},
		{processedAt, &ev.ProcessedAt},
	} {
		if !f.src.Valid {
			continue
		}
		t, err := parseTS(f.src.String)
		if err != nil {
			return domain.ScanEvent{}, fmt.Errorf("corrupt timestamp %q on event %s: %w", f.src.String, ev.ID, err)
		}
		*f.dst = &t
	}

	return ev, nil
}
