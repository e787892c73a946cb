// Package relay holds the primary sync processors: webhook events from the
// primary service become create, update and delete calls against the
// secondary service, with the ledger recording the linkage. Every invocation
// ends in exactly one of success, skipped, queued-for-retry or
// reported-and-dropped; only infrastructure faults escape as errors.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"timebridge/entry"
	"timebridge/internal/timeutil"
	"timebridge/ledger"
	"timebridge/notify"
	"timebridge/primary"
	"timebridge/queue"
	"timebridge/secondary"
)

// Processor names, used as queue routing keys and in failure reports.
const (
	ProcEntryCreate = "entry-create"
	ProcEntryUpdate = "entry-update"
	ProcEntryDelete = "entry-delete"
)

// Ledger conditional writes are retried locally on conflict; a handful of
// rounds is far beyond what overlapping invocations can produce.
const casRetries = 3

// Handler is the shape shared by every event processor: the raw webhook
// body plus the number of attempts already spent on it.
type Handler func(ctx context.Context, body []byte, attempt int) (entry.Outcome, error)

// Processors bundles the collaborators of the primary sync pipeline.
type Processors struct {
	Ledger         ledger.Store
	Queue          *queue.Queue
	Notifier       notify.Notifier
	Primary        primary.API
	Secondary      secondary.API
	ExcludedLabels map[int64]struct{}
	MaxAttempts    int
	Log            *slog.Logger

	// Now is the clock; tests pin it.
	Now func() time.Time
}

func (p *Processors) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

// CreateEntry relays a new timesheet entry to the secondary service and
// links the two identifiers in the ledger.
func (p *Processors) CreateEntry(ctx context.Context, body []byte, attempt int) (entry.Outcome, error) {
	event, err := primary.ParseWebhookEvent(body)
	if err != nil {
		return p.malformed(ctx, ProcEntryCreate, err)
	}
	payload := event.Payload
	if payload.IsSuggested() {
		return entry.Outcome{Status: entry.StatusSkipped, Detail: "suggested hours are not synchronized"}, nil
	}

	// Redelivery dedup on primary id. A tombstone means the entry was
	// already deleted downstream; a redelivered create must not resurrect it.
	link, err := p.Ledger.ResolveEntry(payload.EntityID)
	switch {
	case err == nil && link.Deleted:
		return entry.Outcome{Status: entry.StatusOK, Detail: "entry already deleted"}, nil
	case err == nil:
		return entry.Outcome{Status: entry.StatusOK, Detail: "entry already linked"}, nil
	case !errors.Is(err, ledger.ErrNotFound):
		return entry.Outcome{}, fmt.Errorf("resolve entry %d: %w", payload.EntityID, err)
	}

	record, outcome, err := p.loadRecord(ctx, ProcEntryCreate, body, attempt, payload.EntityID)
	if err != nil || outcome.Status != "" {
		return outcome, err
	}

	taskName, outcome, err := p.taskNameForCreate(ctx, body, attempt, record.LabelID)
	if err != nil || outcome.Status != "" {
		return outcome, err
	}

	user, found, err := p.Primary.FetchUser(ctx, record.UserID)
	if err != nil {
		return p.downstream(ctx, ProcEntryCreate, body, attempt, err)
	}
	if !found || user.ExternalID == 0 {
		p.report(ctx, ProcEntryCreate, entry.KindPermanent,
			fmt.Sprintf("user %d has no external id, entry %d cannot be booked", record.UserID, record.PrimaryID))
		return entry.Outcome{Status: entry.StatusDropped, Kind: entry.KindPermanent, Detail: "owner has no external id"}, nil
	}
	record.UserExternal = user.ExternalID

	var secondaryID int64
	err = p.Secondary.WithSession(ctx, func(s secondary.Session) error {
		task, err := p.ensureTask(ctx, s, record.ProjectID, taskName)
		if err != nil {
			return err
		}
		secondaryID, err = s.SubmitTimesheet(ctx, secondary.Timesheet{
			ClientID:    record.ClientID,
			JobID:       record.ProjectID,
			TaskID:      task.ID,
			PersonnelID: record.UserExternal,
			Hours:       record.Hours,
			Day:         record.Day,
			Description: record.Note,
		})
		return err
	})
	if err != nil {
		return p.downstream(ctx, ProcEntryCreate, body, attempt, err)
	}

	if err := p.Ledger.UpsertEntry(ledger.EntryLink{
		PrimaryID:   record.PrimaryID,
		SecondaryID: secondaryID,
		OwnerID:     record.UserExternal,
		Day:         record.Day,
	}); err != nil {
		return entry.Outcome{}, fmt.Errorf("link entry %d: %w", record.PrimaryID, err)
	}

	p.Log.Info("entry created", "primary_id", record.PrimaryID, "secondary_id", secondaryID)
	return entry.Outcome{Status: entry.StatusOK}, nil
}

// UpdateEntry pushes changed entry content to the already linked secondary
// record.
func (p *Processors) UpdateEntry(ctx context.Context, body []byte, attempt int) (entry.Outcome, error) {
	event, err := primary.ParseWebhookEvent(body)
	if err != nil {
		return p.malformed(ctx, ProcEntryUpdate, err)
	}
	payload := event.Payload
	if payload.IsSuggested() {
		return entry.Outcome{Status: entry.StatusSkipped, Detail: "suggested hours are not synchronized"}, nil
	}

	link, err := p.Ledger.ResolveEntry(payload.EntityID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		// The create event may not have landed yet.
		return p.orphaned(ctx, ProcEntryUpdate, body, attempt,
			fmt.Sprintf("no link for entry %d", payload.EntityID))
	case err != nil:
		return entry.Outcome{}, fmt.Errorf("resolve entry %d: %w", payload.EntityID, err)
	case link.Deleted:
		return entry.Outcome{Status: entry.StatusOK, Detail: "entry already deleted"}, nil
	}

	record, outcome, err := p.loadRecord(ctx, ProcEntryUpdate, body, attempt, payload.EntityID)
	if err != nil || outcome.Status != "" {
		return outcome, err
	}

	taskLink, err := p.Ledger.GetTaskLink(record.LabelID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return p.orphaned(ctx, ProcEntryUpdate, body, attempt,
			fmt.Sprintf("label %d has no task link", record.LabelID))
	case err != nil:
		return entry.Outcome{}, fmt.Errorf("task link for label %d: %w", record.LabelID, err)
	}

	// The owner looked up at create time stays good for the entry's life.
	owner := link.OwnerID
	if owner == 0 {
		user, found, err := p.Primary.FetchUser(ctx, record.UserID)
		if err != nil {
			return p.downstream(ctx, ProcEntryUpdate, body, attempt, err)
		}
		if found {
			owner = user.ExternalID
		}
	}

	err = p.Secondary.WithSession(ctx, func(s secondary.Session) error {
		task, err := p.ensureTask(ctx, s, record.ProjectID, taskLink.TaskName)
		if err != nil {
			return err
		}
		return s.UpdateTimesheet(ctx, link.SecondaryID, secondary.Timesheet{
			ClientID:    record.ClientID,
			JobID:       record.ProjectID,
			TaskID:      task.ID,
			PersonnelID: owner,
			Hours:       record.Hours,
			Day:         record.Day,
			Description: record.Note,
		})
	})
	if err != nil {
		return p.downstream(ctx, ProcEntryUpdate, body, attempt, err)
	}

	if err := p.refreshLink(link, func(l *ledger.EntryLink) {
		l.Day = record.Day
		l.OwnerID = owner
	}); err != nil {
		return entry.Outcome{}, fmt.Errorf("refresh link for entry %d: %w", record.PrimaryID, err)
	}

	p.Log.Info("entry updated", "primary_id", record.PrimaryID, "secondary_id", link.SecondaryID)
	return entry.Outcome{Status: entry.StatusOK}, nil
}

// DeleteEntry removes the secondary record and tombstones the link.
func (p *Processors) DeleteEntry(ctx context.Context, body []byte, attempt int) (entry.Outcome, error) {
	event, err := primary.ParseWebhookEvent(body)
	if err != nil {
		return p.malformed(ctx, ProcEntryDelete, err)
	}
	payload := event.Payload
	if payload.IsSuggested() {
		return entry.Outcome{Status: entry.StatusSkipped, Detail: "suggested hours are not synchronized"}, nil
	}

	link, err := p.Ledger.ResolveEntry(payload.EntityID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return p.orphaned(ctx, ProcEntryDelete, body, attempt,
			fmt.Sprintf("no link for entry %d", payload.EntityID))
	case err != nil:
		return entry.Outcome{}, fmt.Errorf("resolve entry %d: %w", payload.EntityID, err)
	case link.Deleted:
		return entry.Outcome{Status: entry.StatusOK, Detail: "entry already deleted"}, nil
	}

	err = p.Secondary.WithSession(ctx, func(s secondary.Session) error {
		return s.DeleteTimesheet(ctx, link.SecondaryID)
	})
	if err != nil {
		return p.downstream(ctx, ProcEntryDelete, body, attempt, err)
	}

	if err := p.Ledger.DeleteEntry(payload.EntityID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return entry.Outcome{}, fmt.Errorf("tombstone entry %d: %w", payload.EntityID, err)
	}

	p.Log.Info("entry deleted", "primary_id", payload.EntityID, "secondary_id", link.SecondaryID)
	return entry.Outcome{Status: entry.StatusOK}, nil
}

// loadRecord fetches the live entry from the primary service and normalizes
// it. A non-zero outcome means the caller should return immediately.
func (p *Processors) loadRecord(ctx context.Context, processor string, body []byte, attempt int, entityID int64) (entry.Record, entry.Outcome, error) {
	fetched, found, err := p.Primary.FetchEntry(ctx, entityID)
	if err != nil {
		outcome, err := p.downstream(ctx, processor, body, attempt, err)
		return entry.Record{}, outcome, err
	}
	if !found {
		return entry.Record{}, entry.Outcome{Status: entry.StatusSkipped, Detail: "entry no longer exists upstream"}, nil
	}

	labelID, ok := primary.EffectiveLabel(fetched.LabelIDs, p.ExcludedLabels)
	if !ok {
		return entry.Record{}, entry.Outcome{Status: entry.StatusSkipped, Detail: "entry carries no billable label"}, nil
	}

	day, err := timeutil.NormalizeDay(fetched.Day)
	if err != nil {
		p.report(ctx, processor, entry.KindPermanent,
			fmt.Sprintf("entry %d carries an unusable day: %v", entityID, err))
		return entry.Record{}, entry.Outcome{Status: entry.StatusDropped, Kind: entry.KindPermanent, Detail: "entry day is not a calendar day"}, nil
	}

	return entry.Record{
		PrimaryID:   entityID,
		LabelID:     labelID,
		Day:         day,
		Hours:       fetched.Hours(),
		Note:        fetched.Note,
		UserID:      fetched.User.ID,
		UserName:    fetched.User.Name,
		ProjectName: fetched.Project.Name,
		ProjectID:   fetched.Project.ExternalID,
		ClientName:  fetched.Project.Client.Name,
		ClientID:    fetched.Project.Client.ExternalID,
		UpdatedAt:   fetched.UpdatedAt,
	}, entry.Outcome{}, nil
}

// taskNameForCreate resolves the label to a task name, creating the
// append-only task link on first sight of the label.
func (p *Processors) taskNameForCreate(ctx context.Context, body []byte, attempt int, labelID int64) (string, entry.Outcome, error) {
	taskLink, err := p.Ledger.GetTaskLink(labelID)
	if err == nil {
		return taskLink.TaskName, entry.Outcome{}, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return "", entry.Outcome{}, fmt.Errorf("task link for label %d: %w", labelID, err)
	}

	label, found, err := p.Primary.FetchLabel(ctx, labelID)
	if err != nil {
		outcome, err := p.downstream(ctx, ProcEntryCreate, body, attempt, err)
		return "", outcome, err
	}
	if !found || label.Name == "" {
		p.report(ctx, ProcEntryCreate, entry.KindPermanent,
			fmt.Sprintf("label %d is unmapped and has no upstream name", labelID))
		return "", entry.Outcome{Status: entry.StatusDropped, Kind: entry.KindPermanent, Detail: "label cannot be mapped"}, nil
	}

	if err := p.Ledger.PutTaskLink(ledger.TaskLink{LabelID: labelID, TaskName: label.Name}); err != nil {
		return "", entry.Outcome{}, fmt.Errorf("store task link for label %d: %w", labelID, err)
	}
	return label.Name, entry.Outcome{}, nil
}

// ensureTask finds the named task under the job, creating it when the job
// has no task of that name yet.
func (p *Processors) ensureTask(ctx context.Context, s secondary.Session, jobID int64, name string) (secondary.Task, error) {
	tasks, err := s.FetchTasks(ctx, jobID)
	if err != nil {
		return secondary.Task{}, err
	}
	for _, task := range tasks {
		if task.Name == name {
			return task, nil
		}
	}
	return s.CreateTask(ctx, jobID, name)
}

// refreshLink applies mutate under the ledger's version guard, re-reading
// on conflict. A concurrently tombstoned link ends the cycle quietly.
func (p *Processors) refreshLink(link ledger.EntryLink, mutate func(*ledger.EntryLink)) error {
	var err error
	for i := 0; i < casRetries; i++ {
		updated := link
		mutate(&updated)
		err = p.Ledger.UpdateEntryIf(updated, link.Version)
		if err == nil || errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		if !errors.Is(err, ledger.ErrConflict) {
			return err
		}

		current, readErr := p.Ledger.ResolveEntry(link.PrimaryID)
		if errors.Is(readErr, ledger.ErrNotFound) {
			return nil
		}
		if readErr != nil {
			return readErr
		}
		if current.Deleted {
			return nil
		}
		link = current
	}
	return err
}

// malformed drops an unparseable payload: logged, reported once, never
// redelivered.
func (p *Processors) malformed(ctx context.Context, processor string, err error) (entry.Outcome, error) {
	p.Log.Warn("malformed payload", "processor", processor, "error", err)
	p.report(ctx, processor, entry.KindMalformedPayload, err.Error())
	return entry.Outcome{Status: entry.StatusDropped, Kind: entry.KindMalformedPayload, Detail: err.Error()}, nil
}

// orphaned defers an event whose prerequisite has not landed yet, within
// the bounded attempt budget.
func (p *Processors) orphaned(ctx context.Context, processor string, body []byte, attempt int, detail string) (entry.Outcome, error) {
	return p.deferOrDrop(ctx, processor, body, attempt, entry.KindOrphanedRef, detail)
}

// downstream handles a failed call against either external service.
func (p *Processors) downstream(ctx context.Context, processor string, body []byte, attempt int, err error) (entry.Outcome, error) {
	kind := entry.Classify(err)
	var rejection *secondary.RejectionError
	if errors.As(err, &rejection) {
		kind = entry.KindPermanent
	}
	if kind == entry.KindPermanent {
		p.Log.Warn("permanent downstream failure", "processor", processor, "error", err)
		p.report(ctx, processor, entry.KindPermanent, err.Error())
		return entry.Outcome{Status: entry.StatusDropped, Kind: entry.KindPermanent, Detail: err.Error()}, nil
	}
	return p.deferOrDrop(ctx, processor, body, attempt, entry.KindTransient, err.Error())
}

func (p *Processors) deferOrDrop(ctx context.Context, processor string, body []byte, attempt int, kind entry.Kind, detail string) (entry.Outcome, error) {
	if attempt+1 >= p.MaxAttempts {
		p.Log.Warn("retry budget exhausted", "processor", processor, "attempts", attempt+1, "detail", detail)
		p.report(ctx, processor, kind, fmt.Sprintf("dropped after %d attempts: %s", attempt+1, detail))
		return entry.Outcome{Status: entry.StatusDropped, Kind: kind, Detail: detail}, nil
	}
	if _, err := p.Queue.Enqueue(processor, body, attempt+1, detail, p.now()); err != nil {
		return entry.Outcome{}, fmt.Errorf("enqueue for retry: %w", err)
	}
	p.Log.Info("event queued for retry", "processor", processor, "attempt", attempt+1, "kind", kind)
	return entry.Outcome{Status: entry.StatusQueued, Kind: kind, Detail: detail}, nil
}

func (p *Processors) report(ctx context.Context, processor string, kind entry.Kind, excerpt string) {
	p.Notifier.Emit(ctx, notify.Report{
		Processor: processor,
		Kind:      string(kind),
		Excerpt:   excerpt,
		Timestamp: p.now(),
	})
}
