package ledger

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger_test.db"))
	if err != nil {
		t.Fatalf("open sqlite ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_ResolveUnknownEntryIsNotFound(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	if _, err := store.ResolveEntry(12345); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.ResolveEntryBySecondary(54321); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for reverse lookup, got %v", err)
	}
}

func TestSQLiteStore_UpsertThenResolveBothDirections(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	if err := store.UpsertEntry(EntryLink{PrimaryID: 101, SecondaryID: 9001, OwnerID: 7, Day: "2026-04-01"}); err != nil {
		t.Fatalf("upsert entry: %v", err)
	}

	link, err := store.ResolveEntry(101)
	if err != nil {
		t.Fatalf("resolve entry: %v", err)
	}
	if link.SecondaryID != 9001 || link.OwnerID != 7 || link.Day != "2026-04-01" || link.Deleted {
		t.Fatalf("unexpected link: %+v", link)
	}
	if link.Version != 1 {
		t.Fatalf("expected initial version 1, got %d", link.Version)
	}

	reverse, err := store.ResolveEntryBySecondary(9001)
	if err != nil {
		t.Fatalf("resolve by secondary: %v", err)
	}
	if reverse.PrimaryID != 101 {
		t.Fatalf("expected primary id 101, got %d", reverse.PrimaryID)
	}
}

func TestSQLiteStore_UpsertOverwritesChangedSecondaryID(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	if err := store.UpsertEntry(EntryLink{PrimaryID: 55, SecondaryID: 100}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	// Re-linking after a manual correction downstream.
	if err := store.UpsertEntry(EntryLink{PrimaryID: 55, SecondaryID: 200}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	link, err := store.ResolveEntry(55)
	if err != nil {
		t.Fatalf("resolve entry: %v", err)
	}
	if link.SecondaryID != 200 {
		t.Fatalf("expected overwritten secondary id 200, got %d", link.SecondaryID)
	}
	if link.Version != 2 {
		t.Fatalf("expected version 2 after overwrite, got %d", link.Version)
	}
}

func TestSQLiteStore_ConditionalUpdateConflicts(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	if err := store.UpsertEntry(EntryLink{PrimaryID: 77, SecondaryID: 1}); err != nil {
		t.Fatalf("upsert entry: %v", err)
	}
	link, err := store.ResolveEntry(77)
	if err != nil {
		t.Fatalf("resolve entry: %v", err)
	}

	// A concurrent writer wins the race.
	if err := store.UpsertEntry(EntryLink{PrimaryID: 77, SecondaryID: 2}); err != nil {
		t.Fatalf("concurrent upsert: %v", err)
	}

	link.SecondaryID = 3
	if err := store.UpdateEntryIf(link, link.Version); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for stale version, got %v", err)
	}

	// Re-read and retry succeeds.
	fresh, err := store.ResolveEntry(77)
	if err != nil {
		t.Fatalf("re-read entry: %v", err)
	}
	fresh.SecondaryID = 3
	if err := store.UpdateEntryIf(fresh, fresh.Version); err != nil {
		t.Fatalf("retry conditional update: %v", err)
	}

	final, err := store.ResolveEntry(77)
	if err != nil {
		t.Fatalf("resolve final: %v", err)
	}
	if final.SecondaryID != 3 {
		t.Fatalf("expected secondary id 3 after retry, got %d", final.SecondaryID)
	}
}

func TestSQLiteStore_ConditionalUpdateOnMissingRowIsNotFound(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	err := store.UpdateEntryIf(EntryLink{PrimaryID: 404, SecondaryID: 1}, 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_DeleteTombstonesAndKeepsRow(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	if err := store.UpsertEntry(EntryLink{PrimaryID: 88, SecondaryID: 800}); err != nil {
		t.Fatalf("upsert entry: %v", err)
	}
	if err := store.DeleteEntry(88); err != nil {
		t.Fatalf("delete entry: %v", err)
	}

	link, err := store.ResolveEntry(88)
	if err != nil {
		t.Fatalf("resolve tombstone: %v", err)
	}
	if !link.Deleted {
		t.Fatalf("expected tombstone, got %+v", link)
	}

	// A tombstoned entry no longer resolves by secondary id.
	if _, err := store.ResolveEntryBySecondary(800); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected reverse lookup miss for tombstone, got %v", err)
	}

	if err := store.DeleteEntry(12345); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown delete, got %v", err)
	}
}

func TestSQLiteStore_TaskLinksAreAppendOnly(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	if err := store.PutTaskLink(TaskLink{LabelID: 10, TaskName: "Design"}); err != nil {
		t.Fatalf("put task link: %v", err)
	}
	// Second write with a different name must not overwrite the first.
	if err := store.PutTaskLink(TaskLink{LabelID: 10, TaskName: "Renamed"}); err != nil {
		t.Fatalf("repeat put task link: %v", err)
	}

	link, err := store.GetTaskLink(10)
	if err != nil {
		t.Fatalf("get task link: %v", err)
	}
	if link.TaskName != "Design" {
		t.Fatalf("expected immutable task link, got %q", link.TaskName)
	}

	if _, err := store.GetTaskLink(99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown label, got %v", err)
	}
}

func TestSQLiteStore_JobRecordVersionNeverDecreases(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	rec := JobRecord{JobID: 300, JobCode: "J300", JobName: "Rebrand", ClientID: 40, ClientCode: "ACME", LastSeenVersion: 5}
	if err := store.PutJobRecord(rec); err != nil {
		t.Fatalf("put job record: %v", err)
	}

	// A stale poll result must not move the version backwards.
	stale := rec
	stale.JobName = "Old Name"
	stale.LastSeenVersion = 3
	if err := store.PutJobRecord(stale); err != nil {
		t.Fatalf("put stale job record: %v", err)
	}

	got, err := store.GetJobRecord(300)
	if err != nil {
		t.Fatalf("get job record: %v", err)
	}
	if got.LastSeenVersion != 5 || got.JobName != "Rebrand" {
		t.Fatalf("stale write applied: %+v", got)
	}

	newer := rec
	newer.Status = JobStatusClosed
	newer.LastSeenVersion = 6
	if err := store.PutJobRecord(newer); err != nil {
		t.Fatalf("put newer job record: %v", err)
	}
	got, err = store.GetJobRecord(300)
	if err != nil {
		t.Fatalf("get job record: %v", err)
	}
	if got.LastSeenVersion != 6 || got.Status != JobStatusClosed {
		t.Fatalf("newer write not applied: %+v", got)
	}
}

func TestSQLiteStore_ListJobRecordsAndDelete(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	for _, id := range []int64{3, 1, 2} {
		if err := store.PutJobRecord(JobRecord{JobID: id, LastSeenVersion: 1}); err != nil {
			t.Fatalf("put job record %d: %v", id, err)
		}
	}

	records, err := store.ListJobRecords()
	if err != nil {
		t.Fatalf("list job records: %v", err)
	}
	if len(records) != 3 || records[0].JobID != 1 || records[2].JobID != 3 {
		t.Fatalf("unexpected job record order: %+v", records)
	}

	if err := store.DeleteJobRecord(2); err != nil {
		t.Fatalf("delete job record: %v", err)
	}
	if _, err := store.GetJobRecord(2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
