package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"timebridge/entry"
	"timebridge/notify"
	"timebridge/primary"
	"timebridge/queue"
)

// Processor names on the backup path. ProcBackupExpire only ever enters
// the system through the retention sweep, never through a webhook route.
const (
	ProcBackupCreate = "backup-create"
	ProcBackupUpdate = "backup-update"
	ProcBackupDelete = "backup-delete"
	ProcBackupExpire = "backup-expire"
)

// Processors capture backup-path webhook events into the archive. They
// never consult the ledger and never call the secondary service; a broken
// sync pipeline must not stop backup capture.
type Processors struct {
	Store       *Store
	Queue       *queue.Queue
	Notifier    notify.Notifier
	MaxAttempts int
	Log         *slog.Logger

	Now func() time.Time
}

func (p *Processors) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

// CaptureCreate archives a newly created entry.
func (p *Processors) CaptureCreate(ctx context.Context, body []byte, attempt int) (entry.Outcome, error) {
	return p.capture(ctx, ProcBackupCreate, body, attempt)
}

// CaptureUpdate re-archives an updated entry, replacing the stored snapshot.
func (p *Processors) CaptureUpdate(ctx context.Context, body []byte, attempt int) (entry.Outcome, error) {
	return p.capture(ctx, ProcBackupUpdate, body, attempt)
}

func (p *Processors) capture(ctx context.Context, processor string, body []byte, attempt int) (entry.Outcome, error) {
	event, err := primary.ParseBackupEvent(body)
	if err != nil {
		return p.malformed(ctx, processor, err)
	}
	payload := event.Payload
	if payload.IsSuggested() {
		return entry.Outcome{Status: entry.StatusSkipped, Detail: "suggested hours are not archived"}, nil
	}

	labelID, _ := primary.EffectiveLabel(payload.LabelIDs, nil)
	row := entry.BackupRow{
		PrimaryID:   payload.ID,
		UserName:    payload.User.Name,
		ProjectName: payload.Project.Name,
		ClientName:  payload.Project.Client.Name,
		Hours:       payload.Duration.Hours,
		Minutes:     payload.Duration.Minutes,
		Note:        payload.Note,
		LabelID:     labelID,
		UpdatedAt:   payload.UpdatedAt,
		RawPayload:  string(payload.Raw()),
		CapturedAt:  p.now(),
	}

	if err := p.Store.Put(row); err != nil {
		return p.deferOrDrop(ctx, processor, body, attempt, entry.KindTransient,
			fmt.Sprintf("archive entry %d: %v", payload.ID, err))
	}

	p.Log.Info("entry archived", "processor", processor, "primary_id", payload.ID)
	return entry.Outcome{Status: entry.StatusOK}, nil
}

// CaptureDelete removes the archived row for a deleted entry.
func (p *Processors) CaptureDelete(ctx context.Context, body []byte, attempt int) (entry.Outcome, error) {
	event, err := primary.ParseBackupEvent(body)
	if err != nil {
		return p.malformed(ctx, ProcBackupDelete, err)
	}
	payload := event.Payload
	if payload.IsSuggested() {
		return entry.Outcome{Status: entry.StatusSkipped, Detail: "suggested hours are not archived"}, nil
	}

	err = p.Store.Delete(payload.ID)
	switch {
	case errors.Is(err, ErrRowNotFound):
		// The create capture may not have landed yet.
		return p.deferOrDrop(ctx, ProcBackupDelete, body, attempt, entry.KindOrphanedRef,
			fmt.Sprintf("no archived row for entry %d", payload.ID))
	case err != nil:
		return p.deferOrDrop(ctx, ProcBackupDelete, body, attempt, entry.KindTransient,
			fmt.Sprintf("remove archived entry %d: %v", payload.ID, err))
	}

	p.Log.Info("archived entry removed", "primary_id", payload.ID)
	return entry.Outcome{Status: entry.StatusOK}, nil
}

type expireEvent struct {
	ID     int64     `json:"id"`
	Cutoff time.Time `json:"cutoff"`
}

// ExpireEventPayload builds the retry payload for a retention delete that
// could not land during the sweep.
func ExpireEventPayload(primaryID int64, cutoff time.Time) ([]byte, error) {
	return json.Marshal(expireEvent{ID: primaryID, Cutoff: cutoff})
}

// ExpireRow retries a retention delete deferred by the sweep. The cutoff
// travels with the event: a row that vanished or was re-captured since the
// sweep is not expired anymore, so the retry ends quietly instead of
// deleting fresh data.
func (p *Processors) ExpireRow(ctx context.Context, body []byte, attempt int) (entry.Outcome, error) {
	var event expireEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return p.malformed(ctx, ProcBackupExpire, fmt.Errorf("parse expire event: %w", err))
	}
	if event.ID <= 0 || event.Cutoff.IsZero() {
		return p.malformed(ctx, ProcBackupExpire, errors.New("expire event needs a row id and a cutoff"))
	}

	deleted, err := p.Store.DeleteExpired(event.ID, event.Cutoff)
	if err != nil {
		return p.deferOrDrop(ctx, ProcBackupExpire, body, attempt, entry.KindTransient,
			fmt.Sprintf("expire archived entry %d: %v", event.ID, err))
	}
	if !deleted {
		return entry.Outcome{Status: entry.StatusSkipped, Detail: "row already gone or re-captured"}, nil
	}

	p.Log.Info("expired row removed on retry", "primary_id", event.ID)
	return entry.Outcome{Status: entry.StatusOK}, nil
}

func (p *Processors) malformed(ctx context.Context, processor string, err error) (entry.Outcome, error) {
	p.Log.Warn("malformed payload", "processor", processor, "error", err)
	p.Notifier.Emit(ctx, notify.Report{
		Processor: processor,
		Kind:      string(entry.KindMalformedPayload),
		Excerpt:   err.Error(),
		Timestamp: p.now(),
	})
	return entry.Outcome{Status: entry.StatusDropped, Kind: entry.KindMalformedPayload, Detail: err.Error()}, nil
}

func (p *Processors) deferOrDrop(ctx context.Context, processor string, body []byte, attempt int, kind entry.Kind, detail string) (entry.Outcome, error) {
	if attempt+1 >= p.MaxAttempts {
		p.Log.Warn("retry budget exhausted", "processor", processor, "attempts", attempt+1, "detail", detail)
		p.Notifier.Emit(ctx, notify.Report{
			Processor: processor,
			Kind:      string(kind),
			Excerpt:   fmt.Sprintf("dropped after %d attempts: %s", attempt+1, detail),
			Timestamp: p.now(),
		})
		return entry.Outcome{Status: entry.StatusDropped, Kind: kind, Detail: detail}, nil
	}
	if _, err := p.Queue.Enqueue(processor, body, attempt+1, detail, p.now()); err != nil {
		return entry.Outcome{}, fmt.Errorf("enqueue for retry: %w", err)
	}
	return entry.Outcome{Status: entry.StatusQueued, Kind: kind, Detail: detail}, nil
}
