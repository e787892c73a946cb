// Package reconcile audits the entry ledger against the backup archive and
// can rebuild links lost to a ledger restore from an older snapshot.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"timebridge/backup"
	"timebridge/entry"
	"timebridge/ledger"
	"timebridge/secondary"
)

// Auditor cross-checks live entry links with archived backup rows. The two
// stores are written by independent pipelines, so divergence points at a
// delivery gap on one of them.
type Auditor struct {
	Ledger    ledger.Store
	Backup    *backup.Store
	Secondary secondary.API
	Log       *slog.Logger
}

// Report lists what an audit pass found. Ids appear in ascending order.
type Report struct {
	LinksChecked   int
	RowsChecked    int
	MissingBackups []int64
	UnlinkedRows   []int64
	Relinked       []int64
	Unmatched      []int64
}

// Clean reports whether the two stores fully agree.
func (r Report) Clean() bool {
	return len(r.MissingBackups) == 0 && len(r.UnlinkedRows) == 0 && len(r.Unmatched) == 0
}

// Run audits the stores. With rebuild set, backup rows without a live link
// are matched against the Secondary's timesheet listing and re-linked when
// exactly one timesheet carries the row's note and hours. Ambiguous or
// absent matches are reported, never written.
func (a *Auditor) Run(ctx context.Context, rebuild bool) (Report, error) {
	links, err := a.Ledger.ListEntryLinks()
	if err != nil {
		return Report{}, fmt.Errorf("list entry links: %w", err)
	}
	rows, err := a.Backup.List()
	if err != nil {
		return Report{}, fmt.Errorf("list backup rows: %w", err)
	}

	archived := make(map[int64]struct{}, len(rows))
	for _, row := range rows {
		archived[row.PrimaryID] = struct{}{}
	}

	var report Report
	live := make(map[int64]struct{}, len(links))
	for _, link := range links {
		if link.Deleted {
			continue
		}
		report.LinksChecked++
		live[link.PrimaryID] = struct{}{}
		if _, ok := archived[link.PrimaryID]; !ok {
			report.MissingBackups = append(report.MissingBackups, link.PrimaryID)
		}
	}

	report.RowsChecked = len(rows)
	for _, row := range rows {
		if _, ok := live[row.PrimaryID]; !ok {
			report.UnlinkedRows = append(report.UnlinkedRows, row.PrimaryID)
		}
	}

	if rebuild && len(report.UnlinkedRows) > 0 {
		if err := a.rebuild(ctx, rows, live, &report); err != nil {
			return report, err
		}
	}

	a.Log.Info("reconcile pass finished",
		"links", report.LinksChecked,
		"rows", report.RowsChecked,
		"missing_backups", len(report.MissingBackups),
		"unlinked_rows", len(report.UnlinkedRows),
		"relinked", len(report.Relinked),
		"unmatched", len(report.Unmatched))
	return report, nil
}

// rebuild re-links unlinked backup rows from the Secondary's own listing.
// Matching is by note text plus hours, the only fields both sides retain.
func (a *Auditor) rebuild(ctx context.Context, rows []entry.BackupRow, live map[int64]struct{}, report *Report) error {
	var sheets []secondary.TimesheetRecord
	err := a.Secondary.WithSession(ctx, func(s secondary.Session) error {
		var err error
		sheets, err = s.ListTimesheets(ctx, 0)
		return err
	})
	if err != nil {
		return fmt.Errorf("list secondary timesheets: %w", err)
	}

	// A secondary id already linked elsewhere must not be claimed again.
	claimed := make(map[int64]struct{})
	existing, err := a.Ledger.ListEntryLinks()
	if err != nil {
		return fmt.Errorf("list entry links: %w", err)
	}
	for _, link := range existing {
		claimed[link.SecondaryID] = struct{}{}
	}

	for _, row := range rows {
		if _, ok := live[row.PrimaryID]; ok {
			continue
		}
		match, ok := a.matchRow(row, sheets, claimed)
		if !ok {
			report.Unmatched = append(report.Unmatched, row.PrimaryID)
			continue
		}
		if err := a.Ledger.UpsertEntry(ledger.EntryLink{
			PrimaryID:   row.PrimaryID,
			SecondaryID: match.ID,
			OwnerID:     match.PersonnelID,
			Day:         match.Day,
		}); err != nil {
			return fmt.Errorf("relink entry %d: %w", row.PrimaryID, err)
		}
		claimed[match.ID] = struct{}{}
		report.Relinked = append(report.Relinked, row.PrimaryID)
		a.Log.Info("entry relinked from secondary",
			"primary_id", row.PrimaryID, "secondary_id", match.ID)
	}
	return nil
}

func (a *Auditor) matchRow(row entry.BackupRow, sheets []secondary.TimesheetRecord, claimed map[int64]struct{}) (secondary.TimesheetRecord, bool) {
	hours := float64(row.Hours) + float64(row.Minutes)/60

	var match secondary.TimesheetRecord
	found := 0
	for _, sheet := range sheets {
		if _, taken := claimed[sheet.ID]; taken {
			continue
		}
		if sheet.Description != row.Note || sheet.Hours != hours {
			continue
		}
		match = sheet
		found++
	}
	if found != 1 {
		return secondary.TimesheetRecord{}, false
	}
	return match, true
}
