// Package cleanup expires archived backup rows past their retention window.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"timebridge/backup"
	"timebridge/internal/timeutil"
	"timebridge/notify"
	"timebridge/queue"
)

// Sweeper deletes backup rows whose age meets or exceeds the retention
// window. A row that refuses to delete is handed to the retry queue as a
// backup-delete event rather than failing the whole sweep.
type Sweeper struct {
	Store         *backup.Store
	Queue         *queue.Queue
	Notifier      notify.Notifier
	RetentionDays int
	Log           *slog.Logger
	Now           func() time.Time
}

// Result summarizes one sweep.
type Result struct {
	Examined int
	Deleted  int
	Requeued int
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Run performs one retention sweep. The age test is evaluated per row
// against a cutoff fixed at sweep start, so rows captured mid-sweep are
// never eligible.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	now := s.now()
	cutoff := timeutil.DaysAgo(now, s.RetentionDays)

	expired, err := s.Store.ListOlderThan(cutoff)
	if err != nil {
		s.Notifier.Emit(ctx, notify.Report{
			Processor: "backup-cleanup",
			Kind:      "sweep-failed",
			Excerpt:   err.Error(),
			Timestamp: now,
		})
		return Result{}, fmt.Errorf("sweep backup archive: %w", err)
	}

	result := Result{Examined: len(expired)}
	for _, row := range expired {
		err := s.Store.Delete(row.PrimaryID)
		switch {
		case errors.Is(err, backup.ErrRowNotFound):
			// Already gone, nothing to retry.
		case err != nil:
			s.Log.Warn("expired row not deleted, queued for retry",
				"primary_id", row.PrimaryID, "error", err)
			// The cutoff rides along so the retry never removes a row
			// re-captured after this sweep.
			payload, perr := backup.ExpireEventPayload(row.PrimaryID, cutoff)
			if perr != nil {
				return result, fmt.Errorf("build expire event for row %d: %w", row.PrimaryID, perr)
			}
			if _, qerr := s.Queue.Enqueue(backup.ProcBackupExpire, payload, 0, err.Error(), now); qerr != nil {
				return result, fmt.Errorf("queue expired row %d: %w", row.PrimaryID, qerr)
			}
			result.Requeued++
		default:
			result.Deleted++
		}
	}

	s.Notifier.Emit(ctx, notify.Report{
		Processor: "backup-cleanup",
		Kind:      "sweep-complete",
		Excerpt: fmt.Sprintf("retention sweep removed %d of %d expired rows (%d requeued)",
			result.Deleted, result.Examined, result.Requeued),
		Timestamp: now,
	})
	s.Log.Info("retention sweep finished",
		"examined", result.Examined, "deleted", result.Deleted, "requeued", result.Requeued)
	return result, nil
}
