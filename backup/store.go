// Package backup captures every raw timesheet entry seen on the backup
// webhook path into its own archive, fully decoupled from the sync
// pipeline. An outage on either side never affects the other.
package backup

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"timebridge/entry"
)

// ErrRowNotFound signals an archive row that does not exist. Deletes treat
// it as a normal branch.
var ErrRowNotFound = errors.New("backup: row not found")

// Store is the archive of raw entries with age-based expiry.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open backup db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping backup db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS backup_entries (
	primary_id INTEGER PRIMARY KEY,
	user_name TEXT NOT NULL DEFAULT '',
	project_name TEXT NOT NULL DEFAULT '',
	client_name TEXT NOT NULL DEFAULT '',
	hours INTEGER NOT NULL DEFAULT 0,
	minutes INTEGER NOT NULL DEFAULT 0,
	note TEXT NOT NULL DEFAULT '',
	label_id INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0,
	raw_payload TEXT NOT NULL DEFAULT '',
	captured_at TEXT NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create backup schema: %w", err)
	}
	return nil
}

// Put writes or replaces the archived row for the entry's primary id.
func (s *Store) Put(row entry.BackupRow) error {
	_, err := s.db.Exec(`
INSERT INTO backup_entries (primary_id, user_name, project_name, client_name, hours, minutes, note, label_id, updated_at, raw_payload, captured_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(primary_id) DO UPDATE SET
	user_name = excluded.user_name,
	project_name = excluded.project_name,
	client_name = excluded.client_name,
	hours = excluded.hours,
	minutes = excluded.minutes,
	note = excluded.note,
	label_id = excluded.label_id,
	updated_at = excluded.updated_at,
	raw_payload = excluded.raw_payload,
	captured_at = excluded.captured_at`,
		row.PrimaryID, row.UserName, row.ProjectName, row.ClientName,
		row.Hours, row.Minutes, row.Note, row.LabelID, row.UpdatedAt,
		row.RawPayload, row.CapturedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("put backup row %d: %w", row.PrimaryID, err)
	}
	return nil
}

// Get returns the archived row for a primary id.
func (s *Store) Get(primaryID int64) (entry.BackupRow, error) {
	row := s.db.QueryRow(`
SELECT primary_id, user_name, project_name, client_name, hours, minutes, note, label_id, updated_at, raw_payload, captured_at
FROM backup_entries WHERE primary_id = ?`, primaryID)

	rec, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entry.BackupRow{}, ErrRowNotFound
	}
	if err != nil {
		return entry.BackupRow{}, fmt.Errorf("get backup row %d: %w", primaryID, err)
	}
	return rec, nil
}

// List returns all archived rows ordered by primary id.
func (s *Store) List() ([]entry.BackupRow, error) {
	rows, err := s.db.Query(`
SELECT primary_id, user_name, project_name, client_name, hours, minutes, note, label_id, updated_at, raw_payload, captured_at
FROM backup_entries ORDER BY primary_id`)
	if err != nil {
		return nil, fmt.Errorf("list backup rows: %w", err)
	}
	defer rows.Close()

	var out []entry.BackupRow
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes the archived row for a primary id.
func (s *Store) Delete(primaryID int64) error {
	res, err := s.db.Exec(`DELETE FROM backup_entries WHERE primary_id = ?`, primaryID)
	if err != nil {
		return fmt.Errorf("delete backup row %d: %w", primaryID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRowNotFound
	}
	return nil
}

// DeleteExpired removes the row for a primary id only while its capture
// time is at or before cutoff. The false return covers both an absent row
// and one re-captured since the cutoff was taken; neither is expired.
func (s *Store) DeleteExpired(primaryID int64, cutoff time.Time) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM backup_entries WHERE primary_id = ? AND captured_at <= ?`,
		primaryID, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return false, fmt.Errorf("delete expired backup row %d: %w", primaryID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListOlderThan returns every row captured at or before cutoff. The age
// test runs per row against the cutoff, so rows captured during a sweep are
// never at risk.
func (s *Store) ListOlderThan(cutoff time.Time) ([]entry.BackupRow, error) {
	rows, err := s.db.Query(`
SELECT primary_id, user_name, project_name, client_name, hours, minutes, note, label_id, updated_at, raw_payload, captured_at
FROM backup_entries WHERE captured_at <= ? ORDER BY primary_id`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("list expired backup rows: %w", err)
	}
	defer rows.Close()

	var out []entry.BackupRow
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(scanner rowScanner) (entry.BackupRow, error) {
	var rec entry.BackupRow
	var captured string
	if err := scanner.Scan(
		&rec.PrimaryID, &rec.UserName, &rec.ProjectName, &rec.ClientName,
		&rec.Hours, &rec.Minutes, &rec.Note, &rec.LabelID, &rec.UpdatedAt,
		&rec.RawPayload, &captured,
	); err != nil {
		return entry.BackupRow{}, err
	}

	parsed, err := time.Parse(time.RFC3339, captured)
	if err != nil {
		return entry.BackupRow{}, fmt.Errorf("parse captured_at %q: %w", captured, err)
	}
	rec.CapturedAt = parsed
	return rec, nil
}
