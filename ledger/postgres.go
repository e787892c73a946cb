package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

// PostgresStore implements Store on a shared Postgres database for
// deployments where several bridge instances need one ledger.
type PostgresStore struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres db: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) ensureSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS entry_links (
	primary_id BIGINT PRIMARY KEY,
	secondary_id BIGINT NOT NULL DEFAULT 0,
	owner_id BIGINT NOT NULL DEFAULT 0,
	day TEXT NOT NULL DEFAULT '',
	version BIGINT NOT NULL DEFAULT 1,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_entry_links_secondary ON entry_links(secondary_id);

CREATE TABLE IF NOT EXISTS task_links (
	label_id BIGINT PRIMARY KEY,
	task_name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS job_records (
	job_id BIGINT PRIMARY KEY,
	job_code TEXT NOT NULL DEFAULT '',
	job_name TEXT NOT NULL DEFAULT '',
	client_id BIGINT NOT NULL DEFAULT 0,
	client_code TEXT NOT NULL DEFAULT '',
	client_name TEXT NOT NULL DEFAULT '',
	primary_project_id BIGINT NOT NULL DEFAULT 0,
	primary_client_id BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'open',
	last_seen_version BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

	ctx, cancel := s.opContext()
	defer cancel()
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), postgresOperationTimeout)
}

func (s *PostgresStore) ResolveEntry(primaryID int64) (EntryLink, error) {
	return s.resolveEntry(`WHERE primary_id = $1`, primaryID)
}

func (s *PostgresStore) ResolveEntryBySecondary(secondaryID int64) (EntryLink, error) {
	return s.resolveEntry(`WHERE secondary_id = $1 AND NOT deleted`, secondaryID)
}

func (s *PostgresStore) resolveEntry(where string, key int64) (EntryLink, error) {
	ctx, cancel := s.opContext()
	defer cancel()

	query := `
SELECT primary_id, secondary_id, owner_id, day, version, deleted, updated_at
FROM entry_links ` + where

	var link EntryLink
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&link.PrimaryID,
		&link.SecondaryID,
		&link.OwnerID,
		&link.Day,
		&link.Version,
		&link.Deleted,
		&link.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return EntryLink{}, ErrNotFound
	}
	if err != nil {
		return EntryLink{}, fmt.Errorf("query entry link %d: %w", key, err)
	}
	return link, nil
}

func (s *PostgresStore) ListEntryLinks() ([]EntryLink, error) {
	ctx, cancel := s.opContext()
	defer cancel()

	const query = `
SELECT primary_id, secondary_id, owner_id, day, version, deleted, updated_at
FROM entry_links
ORDER BY primary_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query entry links: %w", err)
	}
	defer rows.Close()

	links := make([]EntryLink, 0, 64)
	for rows.Next() {
		var link EntryLink
		if err := rows.Scan(
			&link.PrimaryID,
			&link.SecondaryID,
			&link.OwnerID,
			&link.Day,
			&link.Version,
			&link.Deleted,
			&link.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan entry link: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entry links: %w", err)
	}
	return links, nil
}

func (s *PostgresStore) UpsertEntry(link EntryLink) error {
	if link.PrimaryID <= 0 {
		return fmt.Errorf("entry link primary id must be > 0")
	}

	ctx, cancel := s.opContext()
	defer cancel()

	const stmt = `
INSERT INTO entry_links (primary_id, secondary_id, owner_id, day, version, deleted, updated_at)
VALUES ($1, $2, $3, $4, 1, FALSE, NOW())
ON CONFLICT (primary_id) DO UPDATE SET
	secondary_id = EXCLUDED.secondary_id,
	owner_id = EXCLUDED.owner_id,
	day = EXCLUDED.day,
	deleted = FALSE,
	version = entry_links.version + 1,
	updated_at = NOW()`

	if _, err := s.db.ExecContext(ctx, stmt, link.PrimaryID, link.SecondaryID, link.OwnerID, link.Day); err != nil {
		return fmt.Errorf("upsert entry link %d: %w", link.PrimaryID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateEntryIf(link EntryLink, expectedVersion int64) error {
	if link.PrimaryID <= 0 {
		return fmt.Errorf("entry link primary id must be > 0")
	}

	ctx, cancel := s.opContext()
	defer cancel()

	const stmt = `
UPDATE entry_links
SET secondary_id = $1, owner_id = $2, day = $3, deleted = $4, version = version + 1, updated_at = NOW()
WHERE primary_id = $5 AND version = $6`

	res, err := s.db.ExecContext(ctx, stmt, link.SecondaryID, link.OwnerID, link.Day, link.Deleted, link.PrimaryID, expectedVersion)
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

func (s *PostgresStore) DeleteEntry(primaryID int64) error {
	ctx, cancel := s.opContext()
	defer cancel()

	const stmt = `
UPDATE entry_links
SET deleted = TRUE, version = version + 1, updated_at = NOW()
WHERE primary_id = $1`

	res, err := s.db.ExecContext(ctx, stmt, primaryID)
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

func (s *PostgresStore) GetTaskLink(labelID int64) (TaskLink, error) {
	ctx, cancel := s.opContext()
	defer cancel()

	var link TaskLink
	err := s.db.QueryRowContext(ctx, `SELECT label_id, task_name FROM task_links WHERE label_id = $1`, labelID).
		Scan(&link.LabelID, &link.TaskName)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskLink{}, ErrNotFound
	}
	if err != nil {
		return TaskLink{}, fmt.Errorf("query task link %d: %w", labelID, err)
	}
	return link, nil
}

func (s *PostgresStore) PutTaskLink(link TaskLink) error {
	if link.LabelID <= 0 {
		return fmt.Errorf("task link label id must be > 0")
	}
	if link.TaskName == "" {
		return fmt.Errorf("task link task name must not be empty")
	}

	ctx, cancel := s.opContext()
	defer cancel()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO task_links (label_id, task_name) VALUES ($1, $2) ON CONFLICT (label_id) DO NOTHING`,
		link.LabelID, link.TaskName,
	); err != nil {
		return fmt.Errorf("insert task link %d: %w", link.LabelID, err)
	}
	return nil
}

func (s *PostgresStore) ListTaskLinks() ([]TaskLink, error) {
	ctx, cancel := s.opContext()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT label_id, task_name FROM task_links ORDER BY label_id`)
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

func (s *PostgresStore) GetJobRecord(jobID int64) (JobRecord, error) {
	ctx, cancel := s.opContext()
	defer cancel()

	const query = `
SELECT job_id, job_code, job_name, client_id, client_code, client_name,
	primary_project_id, primary_client_id, status, last_seen_version, updated_at
FROM job_records
WHERE job_id = $1`

	var rec JobRecord
	err := s.db.QueryRowContext(ctx, query, jobID).Scan(
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
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, ErrNotFound
	}
	if err != nil {
		return JobRecord{}, fmt.Errorf("query job record %d: %w", jobID, err)
	}
	return rec, nil
}

func (s *PostgresStore) ListJobRecords() ([]JobRecord, error) {
	ctx, cancel := s.opContext()
	defer cancel()

	const query = `
SELECT job_id, job_code, job_name, client_id, client_code, client_name,
	primary_project_id, primary_client_id, status, last_seen_version, updated_at
FROM job_records
ORDER BY job_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query job records: %w", err)
	}
	defer rows.Close()

	records := make([]JobRecord, 0, 64)
	for rows.Next() {
		var rec JobRecord
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
			&rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan job record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job records: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) PutJobRecord(rec JobRecord) error {
	if rec.JobID <= 0 {
		return fmt.Errorf("job record job id must be > 0")
	}
	if rec.Status == "" {
		rec.Status = JobStatusOpen
	}

	ctx, cancel := s.opContext()
	defer cancel()

	const stmt = `
INSERT INTO job_records (
	job_id, job_code, job_name, client_id, client_code, client_name,
	primary_project_id, primary_client_id, status, last_seen_version, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
ON CONFLICT (job_id) DO UPDATE SET
	job_code = EXCLUDED.job_code,
	job_name = EXCLUDED.job_name,
	client_id = EXCLUDED.client_id,
	client_code = EXCLUDED.client_code,
	client_name = EXCLUDED.client_name,
	primary_project_id = EXCLUDED.primary_project_id,
	primary_client_id = EXCLUDED.primary_client_id,
	status = EXCLUDED.status,
	last_seen_version = EXCLUDED.last_seen_version,
	updated_at = NOW()
WHERE EXCLUDED.last_seen_version >= job_records.last_seen_version`

	if _, err := s.db.ExecContext(ctx, stmt,
		rec.JobID, rec.JobCode, rec.JobName, rec.ClientID, rec.ClientCode, rec.ClientName,
		rec.PrimaryProjectID, rec.PrimaryClientID, rec.Status, rec.LastSeenVersion,
	); err != nil {
		return fmt.Errorf("upsert job record %d: %w", rec.JobID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteJobRecord(jobID int64) error {
	ctx, cancel := s.opContext()
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM job_records WHERE job_id = $1`, jobID)
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
