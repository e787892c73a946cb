// Package queue provides the durable retry queue. Items survive restarts in
// a JSON state file written atomically via a temp-file rename. Delivery is
// at-least-once: a dequeued item stays in the state file as leased until the
// caller settles it with Complete, Release or DeadLetter, so a crash
// mid-delivery redelivers the item on the next open.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const maxBackoff = time.Hour

// Item is one deferred event waiting for its next attempt.
type Item struct {
	ID          string          `json:"id"`
	Processor   string          `json:"processor"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	NextAttempt time.Time       `json:"next_attempt"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	Leased      bool            `json:"leased,omitempty"`
}

// Queue is a file-backed retry queue with exponential backoff scheduling.
type Queue struct {
	path      string
	deadPath  string
	baseDelay time.Duration

	mu    sync.Mutex
	items []Item
	seq   uint64
}

type queueState struct {
	Items []Item `json:"items"`
}

func Open(path, deadPath string, baseDelay time.Duration) (*Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("queue path is required")
	}
	deadPath = strings.TrimSpace(deadPath)
	if deadPath == "" {
		return nil, errors.New("dead-letter path is required")
	}
	if baseDelay <= 0 {
		baseDelay = 30 * time.Second
	}

	q := &Queue{
		path:      path,
		deadPath:  deadPath,
		baseDelay: baseDelay,
		items:     []Item{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// Enqueue schedules a payload for a later attempt. The attempts count is
// the number of tries already spent; the delay grows exponentially with it.
func (q *Queue) Enqueue(processor string, payload []byte, attempts int, lastError string, now time.Time) (Item, error) {
	if strings.TrimSpace(processor) == "" {
		return Item{}, errors.New("processor name is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	item := Item{
		ID:          fmt.Sprintf("%d-%06d", now.UnixNano(), q.seq),
		Processor:   processor,
		Payload:     append(json.RawMessage(nil), payload...),
		Attempts:    attempts,
		NextAttempt: now.Add(q.backoff(attempts)),
		LastError:   lastError,
		EnqueuedAt:  now,
	}
	q.items = append(q.items, item)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return Item{}, err
	}
	return item, nil
}

// DequeueDue leases and returns every pending item whose next attempt has
// arrived, in enqueue order. Leased items are invisible to further dequeues
// until Complete, Release or DeadLetter settles them; they return to
// pending when the state file is reopened.
func (q *Queue) DequeueDue(now time.Time) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []Item
	var leased []int
	for i := range q.items {
		item := &q.items[i]
		if item.Leased || item.NextAttempt.After(now) {
			continue
		}
		item.Leased = true
		leased = append(leased, i)
		due = append(due, *item)
	}
	if len(due) == 0 {
		return nil, nil
	}
	if err := q.saveLocked(); err != nil {
		for _, i := range leased {
			q.items[i].Leased = false
		}
		return nil, err
	}
	return due, nil
}

// Complete settles a leased item after a finished attempt, removing it from
// the state file. Completing an unknown id is a no-op.
func (q *Queue) Complete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.removeLocked(id) {
		return nil
	}
	return q.saveLocked()
}

// Release returns a leased item to pending after a failed attempt. The
// attempt is consumed and the next try is scheduled with a longer backoff.
func (q *Queue) Release(id, lastError string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID != id {
			continue
		}
		q.items[i].Leased = false
		q.items[i].Attempts++
		q.items[i].NextAttempt = now.Add(q.backoff(q.items[i].Attempts))
		q.items[i].LastError = lastError
		return q.saveLocked()
	}
	return nil
}

// DeadLetter parks an exhausted item in the dead-letter file, one JSON
// document per line, and settles its lease. A crash between the append and
// the state write redelivers the item, so duplicate dead-letter lines are
// possible.
func (q *Queue) DeadLetter(item Item) error {
	item.Leased = false
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal dead-lettered item %s: %w", item.ID, err)
	}
	if err := os.MkdirAll(filepath.Dir(q.deadPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(q.deadPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append dead-lettered item %s: %w", item.ID, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.removeLocked(item.ID) {
		return nil
	}
	return q.saveLocked()
}

// Depth reports the number of pending items. Leased items are not counted.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	depth := 0
	for _, item := range q.items {
		if !item.Leased {
			depth++
		}
	}
	return depth
}

// Snapshot returns a copy of the pending items, in enqueue order. Leased
// items are excluded.
func (q *Queue) Snapshot() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var pending []Item
	for _, item := range q.items {
		if !item.Leased {
			pending = append(pending, item)
		}
	}
	return pending
}

// NextDue reports the earliest scheduled attempt time among pending items.
// The second return is false when nothing is pending.
func (q *Queue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var earliest time.Time
	found := false
	for _, item := range q.items {
		if item.Leased {
			continue
		}
		if !found || item.NextAttempt.Before(earliest) {
			earliest = item.NextAttempt
			found = true
		}
	}
	return earliest, found
}

func (q *Queue) backoff(attempts int) time.Duration {
	delay := q.baseDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

func (q *Queue) removeLocked(id string) bool {
	for i := range q.items {
		if q.items[i].ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot queueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("parse queue state %s: %w", q.path, err)
	}
	q.items = append([]Item(nil), snapshot.Items...)
	if q.items == nil {
		q.items = []Item{}
	}
	// A lease held when the process died is void; the item goes back to
	// pending and will be redelivered.
	for i := range q.items {
		q.items[i].Leased = false
	}
	return nil
}

func (q *Queue) saveLocked() error {
	snapshot := queueState{Items: append([]Item(nil), q.items...)}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
