package queue

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestQueue(t *testing.T, baseDelay time.Duration) *Queue {
	t.Helper()
	dir := t.TempDir()
	q, err := Open(filepath.Join(dir, "retry.json"), filepath.Join(dir, "dead.jsonl"), baseDelay)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q
}

func TestEnqueueBackoffGrows(t *testing.T) {
	t.Parallel()

	q := openTestQueue(t, 30*time.Second)
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

	first, err := q.Enqueue("entry-create", []byte(`{"payload":{"id":1}}`), 0, "", now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := first.NextAttempt.Sub(now); got != 30*time.Second {
		t.Fatalf("first attempt delay = %v, want 30s", got)
	}

	third, err := q.Enqueue("entry-create", []byte(`{"payload":{"id":1}}`), 2, "timeout", now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := third.NextAttempt.Sub(now); got != 2*time.Minute {
		t.Fatalf("third attempt delay = %v, want 2m", got)
	}
}

func TestBackoffCapped(t *testing.T) {
	t.Parallel()

	q := openTestQueue(t, 30*time.Second)
	now := time.Now()

	item, err := q.Enqueue("entry-update", []byte(`{}`), 40, "still down", now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := item.NextAttempt.Sub(now); got != time.Hour {
		t.Fatalf("delay = %v, want capped at 1h", got)
	}
}

func TestDequeueDueLeavesFutureItems(t *testing.T) {
	t.Parallel()

	q := openTestQueue(t, time.Minute)
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

	if _, err := q.Enqueue("entry-create", []byte(`{"n":1}`), 0, "", now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue("entry-delete", []byte(`{"n":2}`), 3, "", now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	due, err := q.DequeueDue(now.Add(90 * time.Second))
	if err != nil {
		t.Fatalf("dequeue due: %v", err)
	}
	if len(due) != 1 || due[0].Processor != "entry-create" {
		t.Fatalf("unexpected due items: %+v", due)
	}
	if q.Depth() != 1 {
		t.Fatalf("expected one future item to remain, depth = %d", q.Depth())
	}

	// Nothing further is due yet.
	due, err = q.DequeueDue(now.Add(2 * time.Minute))
	if err != nil {
		t.Fatalf("dequeue due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected nothing due, got %+v", due)
	}
}

func TestReopenRedeliversUnsettledItem(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	statePath := filepath.Join(dir, "retry.json")
	deadPath := filepath.Join(dir, "dead.jsonl")
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

	q, err := Open(statePath, deadPath, time.Minute)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	enqueued, err := q.Enqueue("entry-create", []byte(`{"payload":{"entity_id":1}}`), 0, "", now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	due, err := q.DequeueDue(now.Add(2 * time.Minute))
	if err != nil {
		t.Fatalf("dequeue due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected one due item, got %d", len(due))
	}
	// Leased items are invisible until settled.
	again, err := q.DequeueDue(now.Add(2 * time.Minute))
	if err != nil {
		t.Fatalf("dequeue due: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("leased item handed out twice: %+v", again)
	}

	// A reopen stands in for a process crash before the attempt settled.
	reopened, err := Open(statePath, deadPath, time.Minute)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	if reopened.Depth() != 1 {
		t.Fatalf("unsettled item lost across reopen, depth = %d", reopened.Depth())
	}
	redelivered, err := reopened.DequeueDue(now.Add(2 * time.Minute))
	if err != nil {
		t.Fatalf("dequeue after reopen: %v", err)
	}
	if len(redelivered) != 1 || redelivered[0].ID != enqueued.ID {
		t.Fatalf("unexpected redelivery: %+v", redelivered)
	}
}

func TestCompleteSettlesLeasedItem(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	statePath := filepath.Join(dir, "retry.json")
	deadPath := filepath.Join(dir, "dead.jsonl")
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

	q, err := Open(statePath, deadPath, time.Minute)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	if _, err := q.Enqueue("entry-update", []byte(`{}`), 1, "", now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	due, err := q.DequeueDue(now.Add(time.Hour))
	if err != nil {
		t.Fatalf("dequeue due: %v", err)
	}
	if err := q.Complete(due[0].ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	reopened, err := Open(statePath, deadPath, time.Minute)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	if reopened.Depth() != 0 {
		t.Fatalf("completed item still persisted, depth = %d", reopened.Depth())
	}

	// Completing an id that is already gone stays a no-op.
	if err := q.Complete(due[0].ID); err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
}

func TestReleaseConsumesAttemptAndReschedules(t *testing.T) {
	t.Parallel()

	q := openTestQueue(t, time.Minute)
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

	if _, err := q.Enqueue("entry-delete", []byte(`{}`), 0, "", now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	due, err := q.DequeueDue(now.Add(2 * time.Minute))
	if err != nil {
		t.Fatalf("dequeue due: %v", err)
	}

	releasedAt := now.Add(3 * time.Minute)
	if err := q.Release(due[0].ID, "ledger unavailable", releasedAt); err != nil {
		t.Fatalf("release: %v", err)
	}

	items := q.Snapshot()
	if len(items) != 1 || items[0].Attempts != 1 || items[0].LastError != "ledger unavailable" {
		t.Fatalf("unexpected released item: %+v", items)
	}
	if got := items[0].NextAttempt.Sub(releasedAt); got != 2*time.Minute {
		t.Fatalf("released delay = %v, want 2m", got)
	}
}

func TestDeadLetterSettlesLeasedItem(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	statePath := filepath.Join(dir, "retry.json")
	deadPath := filepath.Join(dir, "dead.jsonl")
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

	q, err := Open(statePath, deadPath, time.Minute)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	if _, err := q.Enqueue("entry-delete", []byte(`{}`), 4, "no link", now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	due, err := q.DequeueDue(now.Add(time.Hour))
	if err != nil {
		t.Fatalf("dequeue due: %v", err)
	}
	if err := q.DeadLetter(due[0]); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	if _, err := os.Stat(deadPath); err != nil {
		t.Fatalf("expected dead-letter file: %v", err)
	}
	reopened, err := Open(statePath, deadPath, time.Minute)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	if reopened.Depth() != 0 {
		t.Fatalf("dead-lettered item still persisted, depth = %d", reopened.Depth())
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	statePath := filepath.Join(dir, "retry.json")
	deadPath := filepath.Join(dir, "dead.jsonl")
	now := time.Now().UTC()

	q, err := Open(statePath, deadPath, time.Minute)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	enqueued, err := q.Enqueue("entry-update", []byte(`{"payload":{"id":9}}`), 1, "502", now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	reopened, err := Open(statePath, deadPath, time.Minute)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	items := reopened.Snapshot()
	if len(items) != 1 || items[0].ID != enqueued.ID || items[0].Attempts != 1 {
		t.Fatalf("unexpected reloaded items: %+v", items)
	}
}

func TestDeadLetterAppends(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	deadPath := filepath.Join(dir, "dead.jsonl")
	q, err := Open(filepath.Join(dir, "retry.json"), deadPath, time.Minute)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}

	for i := 0; i < 2; i++ {
		item := Item{ID: "it", Processor: "entry-delete", Attempts: 5, LastError: "gone"}
		if err := q.DeadLetter(item); err != nil {
			t.Fatalf("dead letter: %v", err)
		}
	}

	f, err := os.Open(deadPath)
	if err != nil {
		t.Fatalf("open dead-letter file: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var item Item
		if err := json.Unmarshal(scanner.Bytes(), &item); err != nil {
			t.Fatalf("parse dead-letter line: %v", err)
		}
		if item.Processor != "entry-delete" {
			t.Fatalf("unexpected dead-lettered item: %+v", item)
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected 2 dead-letter lines, got %d", lines)
	}
}

func TestNextDue(t *testing.T) {
	t.Parallel()

	q := openTestQueue(t, time.Minute)
	if _, ok := q.NextDue(); ok {
		t.Fatal("empty queue must report no due time")
	}

	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	if _, err := q.Enqueue("entry-create", []byte(`{}`), 2, "", now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue("entry-create", []byte(`{}`), 0, "", now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	next, ok := q.NextDue()
	if !ok || !next.Equal(now.Add(time.Minute)) {
		t.Fatalf("next due = %v ok=%v, want %v", next, ok, now.Add(time.Minute))
	}
}
