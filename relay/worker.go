package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"timebridge/entry"
	"timebridge/queue"
)

const defaultWorkerAttempts = 5

// Worker drains the retry queue, routing each item back to the processor
// that deferred it. Items whose processors drop them again are parked in
// the dead-letter file.
type Worker struct {
	Queue    *queue.Queue
	Handlers map[string]Handler
	// MaxAttempts bounds how often an item blocked by infrastructure
	// faults is retried before it is dead-lettered.
	MaxAttempts int
	Log         *slog.Logger

	Now func() time.Time
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

func (w *Worker) maxAttempts() int {
	if w.MaxAttempts > 0 {
		return w.MaxAttempts
	}
	return defaultWorkerAttempts
}

// RunOnce processes everything currently due and returns the number of
// items handled. An item stays leased in the queue until its attempt
// settles, so a crash mid-run redelivers it and processors stay idempotent
// on primary id.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	due, err := w.Queue.DequeueDue(w.now())
	if err != nil {
		return 0, fmt.Errorf("dequeue due items: %w", err)
	}

	for _, item := range due {
		handler, ok := w.Handlers[item.Processor]
		if !ok {
			w.Log.Error("no handler for queued item, dead-lettering", "processor", item.Processor, "id", item.ID)
			if err := w.Queue.DeadLetter(item); err != nil {
				return 0, fmt.Errorf("dead-letter item %s: %w", item.ID, err)
			}
			continue
		}

		outcome, err := handler(ctx, item.Payload, item.Attempts)
		if err != nil {
			// Infrastructure fault: the attempt still counts, or the
			// item would cycle forever at a constant backoff.
			w.Log.Error("retry attempt hit infrastructure fault", "processor", item.Processor, "id", item.ID, "error", err)
			if item.Attempts+1 >= w.maxAttempts() {
				item.LastError = err.Error()
				item.Attempts++
				if dlerr := w.Queue.DeadLetter(item); dlerr != nil {
					return 0, fmt.Errorf("dead-letter item %s: %w", item.ID, dlerr)
				}
				continue
			}
			if qerr := w.Queue.Release(item.ID, err.Error(), w.now()); qerr != nil {
				return 0, fmt.Errorf("release item %s: %w", item.ID, qerr)
			}
			continue
		}

		if outcome.Status == entry.StatusDropped && outcome.Kind != entry.KindMalformedPayload {
			item.LastError = outcome.Detail
			if err := w.Queue.DeadLetter(item); err != nil {
				return 0, fmt.Errorf("dead-letter item %s: %w", item.ID, err)
			}
			w.Log.Info("retried queued event", "processor", item.Processor, "id", item.ID, "status", outcome.Status)
			continue
		}
		if err := w.Queue.Complete(item.ID); err != nil {
			return 0, fmt.Errorf("complete item %s: %w", item.ID, err)
		}
		w.Log.Info("retried queued event", "processor", item.Processor, "id", item.ID, "status", outcome.Status)
	}
	return len(due), nil
}

// Run keeps draining the queue on the given interval until the context is
// cancelled.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.Log.Error("retry sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
