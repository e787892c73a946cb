package backup

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"timebridge/entry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "backup.db"))
	if err != nil {
		t.Fatalf("open backup store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRow(id int64, captured time.Time) entry.BackupRow {
	return entry.BackupRow{
		PrimaryID:   id,
		UserName:    "Dana",
		ProjectName: "Rebrand",
		ClientName:  "Acme",
		Hours:       1,
		Minutes:     30,
		Note:        "wireframes",
		LabelID:     90,
		UpdatedAt:   1767900000,
		RawPayload:  `{"id":` + "123" + `}`,
		CapturedAt:  captured,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	captured := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

	if err := store.Put(sampleRow(123, captured)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get(123)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserName != "Dana" || got.Minutes != 30 || !got.CapturedAt.Equal(captured) {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestPutReplacesExistingRow(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	captured := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

	if err := store.Put(sampleRow(123, captured)); err != nil {
		t.Fatalf("put: %v", err)
	}
	updated := sampleRow(123, captured.Add(time.Hour))
	updated.Note = "final review"
	if err := store.Put(updated); err != nil {
		t.Fatalf("replace: %v", err)
	}

	got, err := store.Get(123)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Note != "final review" || !got.CapturedAt.Equal(captured.Add(time.Hour)) {
		t.Fatalf("row not replaced: %+v", got)
	}

	rows, err := store.List()
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected one row, got %d (%v)", len(rows), err)
	}
}

func TestDeleteMissingRow(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	if err := store.Delete(999); !errors.Is(err, ErrRowNotFound) {
		t.Fatalf("expected ErrRowNotFound, got %v", err)
	}
}

func TestListOlderThanBoundary(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	now := time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)
	cutoff := now.AddDate(0, 0, -45)

	// One row just past retention, one exactly at the boundary, one fresh.
	if err := store.Put(sampleRow(1, cutoff.Add(-time.Second))); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(sampleRow(2, cutoff)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(sampleRow(3, now.Add(-time.Hour))); err != nil {
		t.Fatalf("put: %v", err)
	}

	expired, err := store.ListOlderThan(cutoff)
	if err != nil {
		t.Fatalf("list older than: %v", err)
	}
	if len(expired) != 2 || expired[0].PrimaryID != 1 || expired[1].PrimaryID != 2 {
		t.Fatalf("unexpected expired rows: %+v", expired)
	}
}
