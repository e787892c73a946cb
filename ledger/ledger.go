// Package ledger is the durable cross-system identity mapping between
// primary-side and secondary-side identifiers. It is the source of truth for
// linkage, not a cache: entry links, label→task links and job records all
// live here.
package ledger

import (
	"errors"
	"time"
)

var (
	// ErrNotFound signals a key that has never been seen. It is a normal
	// outcome: callers branch on it to decide create-vs-update.
	ErrNotFound = errors.New("ledger: not found")

	// ErrConflict signals a lost conditional write. Callers re-read and
	// retry; the error never crosses a processor boundary.
	ErrConflict = errors.New("ledger: version conflict")
)

// EntryLink maps one primary timesheet entry to its secondary counterpart.
// Version guards read-modify-write cycles; Deleted marks a tombstone so a
// redelivered create or delete is distinguishable from an out-of-order one.
type EntryLink struct {
	PrimaryID   int64
	SecondaryID int64
	OwnerID     int64
	Day         string
	Version     int64
	Deleted     bool
	UpdatedAt   time.Time
}

// TaskLink maps a primary label to the secondary task it stands for.
// Links are append-only: once written they never change.
type TaskLink struct {
	LabelID  int64
	TaskName string
}

// JobRecord tracks a secondary job/client pair and its primary mirror.
// LastSeenVersion is monotonically non-decreasing per job.
type JobRecord struct {
	JobID            int64
	JobCode          string
	JobName          string
	ClientID         int64
	ClientCode       string
	ClientName       string
	PrimaryProjectID int64
	PrimaryClientID  int64
	Status           string
	LastSeenVersion  int64
	UpdatedAt        time.Time
}

const (
	JobStatusOpen   = "open"
	JobStatusClosed = "closed"
)

// Store is the durable ledger contract. Both the sqlite and postgres
// backends implement it.
type Store interface {
	// Entry links.
	ResolveEntry(primaryID int64) (EntryLink, error)
	ResolveEntryBySecondary(secondaryID int64) (EntryLink, error)
	ListEntryLinks() ([]EntryLink, error)
	// UpsertEntry writes the link unconditionally. Calling it twice with the
	// same pair is a no-op in effect; a changed secondary id overwrites.
	UpsertEntry(link EntryLink) error
	// UpdateEntryIf applies the link only when the stored version still
	// matches expectedVersion; otherwise ErrConflict.
	UpdateEntryIf(link EntryLink, expectedVersion int64) error
	// DeleteEntry tombstones the link rather than removing the row, so later
	// redeliveries of the same event resolve as already-deleted.
	DeleteEntry(primaryID int64) error

	// Label→task links.
	GetTaskLink(labelID int64) (TaskLink, error)
	PutTaskLink(link TaskLink) error
	ListTaskLinks() ([]TaskLink, error)

	// Job records.
	GetJobRecord(jobID int64) (JobRecord, error)
	ListJobRecords() ([]JobRecord, error)
	PutJobRecord(rec JobRecord) error
	DeleteJobRecord(jobID int64) error

	Close() error
}
