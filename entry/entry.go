package entry

import "time"

// Record is the normalized timesheet entry shared between the relay and
// backup pipelines. PrimaryID is the only stable key; SecondaryID is zero
// until the entry has been linked through the ledger.
type Record struct {
	PrimaryID    int64
	SecondaryID  int64
	LabelID      int64
	TaskName     string
	Day          string
	Hours        float64
	Note         string
	UserID       int64
	UserName     string
	UserExternal int64
	ProjectName  string
	ProjectID    int64
	ClientName   string
	ClientID     int64
	UpdatedAt    int64
}

// BackupRow is one row of the backup archive. It has its own lifecycle,
// independent of the ledger: rows exist purely for disaster recovery and
// expire after the configured retention window.
type BackupRow struct {
	PrimaryID   int64
	UserName    string
	ProjectName string
	ClientName  string
	Hours       int
	Minutes     int
	Note        string
	LabelID     int64
	UpdatedAt   int64
	RawPayload  string
	CapturedAt  time.Time
}
