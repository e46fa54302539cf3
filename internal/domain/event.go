// Package domain defines the scan-event entity and the lifecycle vocabulary
// shared by triggers, the reconciliation loop, targets and webhook sinks.
package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProcessStatus is the reconciliation state of a scan event.
type ProcessStatus string

const (
	ProcessPending  ProcessStatus = "pending"
	ProcessRetry    ProcessStatus = "retry"
	ProcessComplete ProcessStatus = "complete"
	ProcessFailed   ProcessStatus = "failed"
)

// FoundStatus tracks whether the underlying file is believed present and,
// when a hash was supplied, hash-correct.
type FoundStatus string

const (
	FoundNone     FoundStatus = "not_found"
	FoundOK       FoundStatus = "found"
	FoundMismatch FoundStatus = "hash_mismatch"
)

// ScanEvent is one row in the scan_events table. FilePath always holds the
// post-rewrite path of the producing trigger.
type ScanEvent struct {
	ID             string        `json:"id"`
	EventSource    string        `json:"event_source"`
	EventTimestamp time.Time     `json:"event_timestamp"`
	FilePath       string        `json:"file_path"`
	FileHash       *string       `json:"file_hash,omitempty"`
	ProcessStatus  ProcessStatus `json:"process_status"`
	FoundStatus    FoundStatus   `json:"found_status"`
	FailedTimes    int           `json:"failed_times"`
	NextRetryAt    *time.Time    `json:"next_retry_at,omitempty"`
	TargetsHit     TargetSet     `json:"targets_hit"`
	FoundAt        *time.Time    `json:"found_at,omitempty"`
	ProcessedAt    *time.Time    `json:"processed_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	CanProcess     time.Time     `json:"can_process"`
}

// NewEvent is the insert form offered by a trigger. FoundStatus is FoundOK
// when the producer declared the path absent on purpose (no point waiting for
// a file that should not exist), FoundNone otherwise.
type NewEvent struct {
	EventSource string
	FilePath    string
	FileHash    *string
	FoundStatus FoundStatus
	CanProcess  time.Time
}

// Build materializes a NewEvent into a full ScanEvent with a fresh UUID.
func (n NewEvent) Build(now time.Time) ScanEvent {
	ev := ScanEvent{
		ID:             uuid.NewString(),
		EventSource:    n.EventSource,
		EventTimestamp: now,
		FilePath:       n.FilePath,
		FileHash:       n.FileHash,
		ProcessStatus:  ProcessPending,
		FoundStatus:    n.FoundStatus,
		TargetsHit:     TargetSet{},
		CreatedAt:      now,
		UpdatedAt:      now,
		CanProcess:     n.CanProcess,
	}
	if n.FoundStatus == FoundOK {
		found := now
		ev.FoundAt = &found
	}
	return ev
}

// TargetSet is the set of target names already confirmed successful for an
// event. Stored as a comma-joined string; any write re-dedupes and re-sorts.
type TargetSet map[string]struct{}

// ParseTargetSet parses a comma-joined column value.
func ParseTargetSet(s string) TargetSet {
	set := TargetSet{}
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}

// Add inserts a target name into the set.
func (t TargetSet) Add(name string) {
	t[name] = struct{}{}
}

// Has reports whether the target name is in the set.
func (t TargetSet) Has(name string) bool {
	_, ok := t[name]
	return ok
}

// Names returns the sorted member list.
func (t TargetSet) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String renders the canonical comma-joined column value.
func (t TargetSet) String() string {
	return strings.Join(t.Names(), ",")
}

// NotificationKind classifies lifecycle notifications shipped to webhook
// sinks. Flush ordering follows kindPriority.
type NotificationKind string

const (
	KindNew          NotificationKind = "new"
	KindHashMismatch NotificationKind = "hash_mismatch"
	KindFound        NotificationKind = "found"
	KindRetrying     NotificationKind = "retrying"
	KindProcessed    NotificationKind = "processed"
	KindFailed       NotificationKind = "failed"
)

var kindPriority = map[NotificationKind]int{
	KindNew:          0,
	KindHashMismatch: 1,
	KindFound:        2,
	KindRetrying:     3,
	KindProcessed:    4,
	KindFailed:       5,
}

// Priority returns the flush-ordering rank of the kind. Unknown kinds sort
// last.
func (k NotificationKind) Priority() int {
	if p, ok := kindPriority[k]; ok {
		return p
	}
	return len(kindPriority)
}

// Title returns the human heading used by webhook sinks.
func (k NotificationKind) Title() string {
	switch k {
	case KindNew:
		return "New"
	case KindHashMismatch:
		return "Hash Mismatch"
	case KindFound:
		return "Found"
	case KindRetrying:
		return "Retrying"
	case KindProcessed:
		return "Processed"
	case KindFailed:
		return "Failed"
	default:
		return string(k)
	}
}
