// Package deadletter is the Dead-Letter Queue (spec §4.3 C3): jobs that
// exhausted dispatch or execution retries, held for inspection, manual
// retry, and purge. Process-wide, in-memory, one lock — the same shape as
// the teacher's cloud/internal/registry.Registry (map + mutex), the spec
// explicitly scopes the DLQ out of any persistence requirement.
package deadletter

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iyulab/orbitmesh/internal/job"
)

// Entry is an immutable (apart from retry bookkeeping) DLQ record (spec §3
// DeadLetterEntry).
type Entry struct {
	ID               string
	Job              *job.Job
	Reason           string
	EnqueuedAt       time.Time
	RetryRequested   bool
	RetryRequestedAt *time.Time
	RetryAttempts    int
}

func (e *Entry) snapshot() *Entry {
	cp := *e
	if e.RetryRequestedAt != nil {
		t := *e.RetryRequestedAt
		cp.RetryRequestedAt = &t
	}
	cp.Job = e.Job.Snapshot()
	return &cp
}

// Queue is the dead-letter store: a FIFO slice plus an id index, guarded by
// one mutex.
type Queue struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*Entry
}

// New creates an empty dead-letter queue.
func New() *Queue {
	return &Queue{entries: make(map[string]*Entry)}
}

// Enqueue records job j as dead-lettered for reason, and returns the new
// entry's snapshot.
func (q *Queue) Enqueue(j *job.Job, reason string) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := &Entry{
		ID:         uuid.NewString(),
		Job:        j.Snapshot(),
		Reason:     reason,
		EnqueuedAt: time.Now(),
	}
	q.entries[e.ID] = e
	q.order = append(q.order, e.ID)
	return e.snapshot()
}

// Get returns an entry by id.
func (q *Queue) Get(id string) (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return nil, false
	}
	return e.snapshot(), true
}

// GetByJobID returns the entry for jobID, if any (first match in FIFO
// order).
func (q *Queue) GetByJobID(jobID string) (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		e := q.entries[id]
		if e.Job.ID == jobID {
			return e.snapshot(), true
		}
	}
	return nil, false
}

// GetAll returns every entry in FIFO (enqueue) order.
func (q *Queue) GetAll() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Entry, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.entries[id].snapshot())
	}
	return out
}

// MarkForRetry flags an entry as retry-requested. No-op (returns false) on
// unknown id. The caller (an admin tool) is responsible for resubmitting
// with a fresh idempotency key — the DLQ never re-dispatches on its own.
func (q *Queue) MarkForRetry(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return false
	}
	now := time.Now()
	e.RetryRequested = true
	e.RetryRequestedAt = &now
	e.RetryAttempts++
	return true
}

// GetPendingRetry returns every entry flagged retry-requested, FIFO order.
func (q *Queue) GetPendingRetry() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Entry
	for _, id := range q.order {
		e := q.entries[id]
		if e.RetryRequested {
			out = append(out, e.snapshot())
		}
	}
	return out
}

// Remove deletes an entry by id.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[id]; !ok {
		return false
	}
	delete(q.entries, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return true
}

// Purge empties the queue.
func (q *Queue) Purge() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make(map[string]*Entry)
	q.order = nil
}

// Count returns the number of entries currently held.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
