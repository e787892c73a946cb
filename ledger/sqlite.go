package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ensureSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS entry_links (
	primary_id INTEGER PRIMARY KEY,
	secondary_id INTEGER NOT NULL DEFAULT 0,
	owner_id INTEGER NOT NULL DEFAULT 0,
	day TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 1,
	deleted INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_entry_links_secondary ON entry_links(secondary_id);

CREATE TABLE IF NOT EXISTS task_links (
	label_id INTEGER PRIMARY KEY,
	task_name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS job_records (
	job_id INTEGER PRIMARY KEY,
	job_code TEXT NOT NULL DEFAULT '',
	job_name TEXT NOT NULL DEFAULT '',
	client_id INTEGER NOT NULL DEFAULT 0,
	client_code TEXT NOT NULL DEFAULT '',
	client_name TEXT NOT NULL DEFAULT '',
	primary_project_id INTEGER NOT NULL DEFAULT 0,
	primary_client_id INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'open',
	last_seen_version INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ResolveEntry(primaryID int64) (EntryLink, error) {
	return s.resolveEntry(`WHERE primary_id = ?`, primaryID)
}

func (s *SQLiteStore) ResolveEntryBySecondary(secondaryID int64) (EntryLink, error) {
	return s.resolveEntry(`WHERE secondary_id = ? AND deleted = 0`, secondaryID)
}

func (s *SQLiteStore) resolveEntry(where string, key int64) (EntryLink, error) {
	query := `
SELECT primary_id, secondary_id, owner_id, day, version, deleted, updated_at
FROM entry_links ` + where + `;`

	var (
		link       EntryLink
		deleted    int
		updatedRaw string
	)
	err := s.db.QueryRow(query, key).Scan(
		&link.PrimaryID,
		&link.SecondaryID,
		&link.OwnerID,
		&link.Day,
		&link.Version,
		&deleted,
		&updatedRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EntryLink{}, ErrNotFound
		}
		return EntryLink{}, fmt.Errorf("query entry link %d: %w", key, err)
	}
	link.Deleted = deleted != 0
	link.UpdatedAt = parseStoredTime(updatedRaw)
	return link, nil
}

func (s *SQLiteStore) ListEntryLinks() ([]EntryLink, error) {
	const query = `
SELECT primary_id, secondary_id, owner_id, day, version, deleted, updated_at
FROM entry_links
ORDER BY primary_id;`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query entry links: %w", err)
	}
	defer rows.Close()

	links := make([]EntryLink, 0, 64)
	for rows.Next() {
		var (
			link       EntryLink
			deleted    int
			updatedRaw string
		)
		if err := rows.Scan(
			&link.PrimaryID,
			&link.SecondaryID,
			&link.OwnerID,
			&link.Day,
			&link.Version,
			&deleted,
			&updatedRaw,
		); err != nil {
			return nil, fmt.Errorf("scan entry link: %w", err)
		}
		link.Deleted = deleted != 0
		link.UpdatedAt = parseStoredTime(updatedRaw)
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entry links: %w", err)
	}
	return links, nil
}

func (s *SQLiteStore) UpsertEntry(link EntryLink) error {
	if link.PrimaryID <= 0 {
		return fmt.Errorf("entry link primary id must be > 0")
	}

	const stmt = `
INSERT INTO entry_links (primary_id, secondary_id, owner_id, day, version, deleted, updated_at)
VALUES (?, ?, ?, ?, 1, 0, ?)
ON CONFLICT(primary_id) DO UPDATE SET
	secondary_id = excluded.secondary_id,
	owner_id = excluded.owner_id,
	day = excluded.day,
	deleted = 0,
	version = entry_links.version + 1,
	updated_at = excluded.updated_at;`

	if _, err := s.db.Exec(stmt, link.PrimaryID, link.SecondaryID, link.OwnerID, link.Day, nowStamp()); err != nil {
		return fmt.Errorf("upsert entry link %d: %w", link.PrimaryID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateEntryIf(link EntryLink, expectedVersion int64) error {
	if link.PrimaryID <= 0 {
		return fmt.Errorf("entry link primary id must be > 0")
	}

	const stmt = `
UPDATE entry_links
SET secondary_id = ?, owner_id = ?, day = ?, deleted = ?, version = version + 1, updated_at = ?
WHERE primary_id = ? AND version = ?;`

	deleted := 0
	if link.Deleted {
		deleted = 1
	}
	res, err := s.db.Exec(stmt, link.SecondaryID, link.OwnerID, link.Day, deleted, nowStamp(), link.PrimaryID, expectedVersion)
	if err != nil {
		return fmt.Errorf("conditional update entry link %d: %w", link.PrimaryID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read updated row count: %w", err)
	}
	if rows > 0 {
		return nil
	}
	if _, err := s.ResolveEntry(link.PrimaryID); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *SQLiteStore) DeleteEntry(primaryID int64) error {
	const stmt = `
UPDATE entry_links
SET deleted = 1, version = version + 1, updated_at = ?
WHERE primary_id = ?;`

	res, err := s.db.Exec(stmt, nowStamp(), primaryID)
	if err != nil {
		return fmt.Errorf("tombstone entry link %d: %w", primaryID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read tombstoned row count: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetTaskLink(labelID int64) (TaskLink, error) {
	var link TaskLink
	err := s.db.QueryRow(`SELECT label_id, task_name FROM task_links WHERE label_id = ?;`, labelID).
		Scan(&link.LabelID, &link.TaskName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TaskLink{}, ErrNotFound
		}
		return TaskLink{}, fmt.Errorf("query task link %d: %w", labelID, err)
	}
	return link, nil
}

// PutTaskLink inserts the mapping once; an existing link is left untouched.
func (s *SQLiteStore) PutTaskLink(link TaskLink) error {
	if link.LabelID <= 0 {
		return fmt.Errorf("task link label id must be > 0")
	}
	if link.TaskName == "" {
		return fmt.Errorf("task link task name must not be empty")
	}
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO task_links (label_id, task_name) VALUES (?, ?);`,
		link.LabelID, link.TaskName,
	); err != nil {
		return fmt.Errorf("insert task link %d: %w", link.LabelID, err)
	}
	return nil
}

func (s *SQLiteStore) ListTaskLinks() ([]TaskLink, error) {
	rows, err := s.db.Query(`SELECT label_id, task_name FROM task_links ORDER BY label_id;`)
	if err != nil {
		return nil, fmt.Errorf("query task links: %w", err)
	}
	defer rows.Close()

	links := make([]TaskLink, 0, 32)
	for rows.Next() {
		var link TaskLink
		if err := rows.Scan(&link.LabelID, &link.TaskName); err != nil {
			return nil, fmt.Errorf("scan task link: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task links: %w", err)
	}
	return links, nil
}

func (s *SQLiteStore) GetJobRecord(jobID int64) (JobRecord, error) {
	const query = `
SELECT job_id, job_code, job_name, client_id, client_code, client_name,
	primary_project_id, primary_client_id, status, last_seen_version, updated_at
FROM job_records
WHERE job_id = ?;`

	var (
		rec        JobRecord
		updatedRaw string
	)
	err := s.db.QueryRow(query, jobID).Scan(
		&rec.JobID,
		&rec.JobCode,
		&rec.JobName,
		&rec.ClientID,
		&rec.ClientCode,
		&rec.ClientName,
		&rec.PrimaryProjectID,
		&rec.PrimaryClientID,
		&rec.Status,
		&rec.LastSeenVersion,
		&updatedRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return JobRecord{}, ErrNotFound
		}
		return JobRecord{}, fmt.Errorf("query job record %d: %w", jobID, err)
	}
	rec.UpdatedAt = parseStoredTime(updatedRaw)
	return rec, nil
}

func (s *SQLiteStore) ListJobRecords() ([]JobRecord, error) {
	const query = `
SELECT job_id, job_code, job_name, client_id, client_code, client_name,
	primary_project_id, primary_client_id, status, last_seen_version, updated_at
FROM job_records
ORDER BY job_id;`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query job records: %w", err)
	}
	defer rows.Close()

	records := make([]JobRecord, 0, 64)
	for rows.Next() {
		var (
			rec        JobRecord
			updatedRaw string
		)
		if err := rows.Scan(
			&rec.JobID,
			&rec.JobCode,
			&rec.JobName,
			&rec.ClientID,
			&rec.ClientCode,
			&rec.ClientName,
			&rec.PrimaryProjectID,
			&rec.PrimaryClientID,
			&rec.Status,
			&rec.LastSeenVersion,
			&updatedRaw,
		); err != nil {
			return nil, fmt.Errorf("scan job record: %w", err)
		}
		rec.UpdatedAt = parseStoredTime(updatedRaw)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job records: %w", err)
	}
	return records, nil
}

// PutJobRecord upserts the record. A stale write (last_seen_version lower
// than the stored one) is silently dropped so versions never move backwards.
func (s *SQLiteStore) PutJobRecord(rec JobRecord) error {
	if rec.JobID <= 0 {
		return fmt.Errorf("job record job id must be > 0")
	}
	if rec.Status == "" {
		rec.Status = JobStatusOpen
	}

	const stmt = `
INSERT INTO job_records (
	job_id, job_code, job_name, client_id, client_code, client_name,
	primary_project_id, primary_client_id, status, last_seen_version, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(job_id) DO UPDATE SET
	job_code = excluded.job_code,
	job_name = excluded.job_name,
	client_id = excluded.client_id,
	client_code = excluded.client_code,
	client_name = excluded.client_name,
	primary_project_id = excluded.primary_project_id,
	primary_client_id = excluded.primary_client_id,
	status = excluded.status,
	last_seen_version = excluded.last_seen_version,
	updated_at = excluded.updated_at
WHERE excluded.last_seen_version >= job_records.last_seen_version;`

	if _, err := s.db.Exec(stmt,
		rec.JobID, rec.JobCode, rec.JobName, rec.ClientID, rec.ClientCode, rec.ClientName,
		rec.PrimaryProjectID, rec.PrimaryClientID, rec.Status, rec.LastSeenVersion, nowStamp(),
	); err != nil {
		return fmt.Errorf("upsert job record %d: %w", rec.JobID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteJobRecord(jobID int64) error {
	res, err := s.db.Exec(`DELETE FROM job_records WHERE job_id = ?;`, jobID)
	if err != nil {
		return fmt.Errorf("delete job record %d: %w", jobID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read deleted row count: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func parseStoredTime(raw string) time.Time {
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		// CURRENT_TIMESTAMP default rows use the sqlite layout.
		parsed, _ = time.Parse("2006-01-02 15:04:05", raw)
	}
	return parsed
}
