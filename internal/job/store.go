package job

import (
	"container/heap"
	"strings"
	"sync"
	"time"
)

// Store defines the interface for job persistence and state-machine
// transitions (spec §4.2). Every transition is CAS-style against the job's
// current status so concurrent callers never observe a partial update.
//
// dequeueNext claims a Pending job by marking it Assigned with no agent yet
// (removing it from the pending pool); assign later narrows that claim to a
// specific agent. This is the resolution of the "claim vs assign" open
// question recorded in SPEC_FULL.md: dequeueNext's precondition/postcondition
// is Pending -> Assigned(no agent); assign's is Assigned(no agent) ->
// Assigned(agent).
type Store interface {
	// Enqueue applies the idempotency index: a hit on req.IdempotencyKey
	// returns the existing job unchanged and created=false.
	Enqueue(req Request) (j *Job, created bool, err error)

	Get(jobID string) (*Job, error)

	// GetJobs returns snapshots filtered by optional status/agentID (nil/""
	// to not filter on that dimension).
	GetJobs(status *Status, agentID string) ([]*Job, error)

	// DequeueNext claims and returns the highest-priority Pending job whose
	// RequiredCapabilities are a subset of caps (nil caps = no filter),
	// ordered (priority desc, createdAt asc). Returns nil, nil if none.
	DequeueNext(caps map[string]bool) (*Job, error)

	// Assign narrows a dequeued (Assigned, no agent) claim to agentID.
	Assign(jobID, agentID string) (bool, error)

	// Unassign reverts a failed dispatch attempt: clears assignedAgentId
	// and assignedAt on an Assigned job, leaving it claimed (still removed
	// from the pending pool) but ready for the Dispatcher's next attempt.
	// Precondition status=Assigned; no-op postcondition if already unbound.
	Unassign(jobID string) (bool, error)

	Acknowledge(jobID, agentID string) (bool, error)
	Complete(jobID string, result Result) (bool, error)
	Fail(jobID, errMsg, errCode string) (bool, error)
	Cancel(jobID, reason string) (bool, error)

	// Requeue moves a Failed-but-retryable job back to Pending.
	Requeue(jobID string) (bool, error)

	// RequeueForTimeout moves an Assigned/Running job back to Pending on a
	// timeout, or returns ok=false if timeoutCount is already at max (caller
	// is expected to dead-letter + Fail in that case).
	RequeueForTimeout(jobID string, maxTimeoutRetries int) (bool, error)

	UpdateProgress(p Progress) (bool, error)

	// Close releases any underlying resources (a no-op for InMemoryStore).
	Close() error
}

// ---- in-memory implementation ----------------------------------------

type pendingEntry struct {
	jobID    string
	priority int
	created  time.Time
	index    int
}

type pendingHeap []*pendingEntry

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority // higher priority first
	}
	return h[i].created.Before(h[j].created) // FIFO tiebreak
}
func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *pendingHeap) Push(x any) {
	e := x.(*pendingEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// InMemoryStore is the default Store backend: one mutex, a map of jobs, a
// priority heap of pending entries and an idempotency index. It has no
// teacher equivalent (the teacher's jobs have no priority/ordering concept)
// and is built fresh, but keeps the teacher's store.go shape: one method per
// spec table row, sentinel errors wrapped at call sites.
type InMemoryStore struct {
	mu          sync.Mutex
	jobs        map[string]*Job
	idempotency map[string]string // idempotencyKey -> jobID, never expires
	pending     pendingHeap
	pendingIdx  map[string]*pendingEntry
	seq         int64
}

// NewInMemoryStore creates an empty in-memory job store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs:        make(map[string]*Job),
		idempotency: make(map[string]string),
		pendingIdx:  make(map[string]*pendingEntry),
	}
}

func (s *InMemoryStore) Enqueue(req Request) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.idempotency[req.IdempotencyKey]; ok {
		if existing, ok := s.jobs[id]; ok {
			return existing.Snapshot(), false, nil
		}
	}

	now := time.Now()
	j := &Job{
		ID:        req.ID,
		Request:   req,
		Status:    StatusPending,
		CreatedAt: now,
	}
	s.jobs[j.ID] = j
	s.idempotency[req.IdempotencyKey] = j.ID

	s.seq++
	entry := &pendingEntry{jobID: j.ID, priority: req.Priority, created: now}
	heap.Push(&s.pending, entry)
	s.pendingIdx[j.ID] = entry

	return j.Snapshot(), true, nil
}

func (s *InMemoryStore) Get(jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Snapshot(), nil
}

func (s *InMemoryStore) GetJobs(status *Status, agentID string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.jobs {
		if status != nil && j.Status != *status {
			continue
		}
		if agentID != "" && j.AssignedAgentID != agentID {
			continue
		}
		out = append(out, j.Snapshot())
	}
	return out, nil
}

func subsetOf(required []string, caps map[string]bool) bool {
	if len(required) == 0 {
		return true
	}
	if caps == nil {
		return false
	}
	for _, c := range required {
		if !caps[strings.ToLower(strings.TrimSpace(c))] {
			return false
		}
	}
	return true
}

// DequeueNext walks the heap root-first, skipping entries whose capability
// requirement is not satisfied, without disturbing heap order for the ones
// it skips (it pops and re-pushes anything it passes over).
func (s *InMemoryStore) DequeueNext(caps map[string]bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var skipped []*pendingEntry
	var found *Job
	for s.pending.Len() > 0 {
		entry := heap.Pop(&s.pending).(*pendingEntry)
		j, ok := s.jobs[entry.jobID]
		if !ok || j.Status != StatusPending {
			delete(s.pendingIdx, entry.jobID)
			continue
		}
		if !subsetOf(j.Request.RequiredCapabilities, caps) {
			skipped = append(skipped, entry)
			continue
		}
		delete(s.pendingIdx, entry.jobID)
		j.Status = StatusAssigned
		found = j.Snapshot()
		break
	}
	for _, e := range skipped {
		heap.Push(&s.pending, e)
	}
	return found, nil
}

func (s *InMemoryStore) removeFromPending(jobID string) {
	entry, ok := s.pendingIdx[jobID]
	if !ok {
		return
	}
	heap.Remove(&s.pending, entry.index)
	delete(s.pendingIdx, jobID)
}

func (s *InMemoryStore) Assign(jobID, agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false, ErrJobNotFound
	}
	if j.Status != StatusAssigned || j.AssignedAgentID != "" {
		return false, nil
	}
	now := time.Now()
	j.AssignedAgentID = agentID
	j.AssignedAt = &now
	return true, nil
}

func (s *InMemoryStore) Unassign(jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false, ErrJobNotFound
	}
	if j.Status != StatusAssigned {
		return false, nil
	}
	j.AssignedAgentID = ""
	j.AssignedAt = nil
	return true, nil
}

func (s *InMemoryStore) Acknowledge(jobID, agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false, ErrJobNotFound
	}
	if j.Status != StatusAssigned || j.AssignedAgentID != agentID {
		return false, nil
	}
	now := time.Now()
	j.Status = StatusRunning
	j.StartedAt = &now
	return true, nil
}

func (s *InMemoryStore) Complete(jobID string, result Result) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false, ErrJobNotFound
	}
	if j.Status != StatusRunning {
		return false, nil
	}
	now := time.Now()
	j.Status = StatusCompleted
	j.Result = &result
	j.CompletedAt = &now
	return true, nil
}

func (s *InMemoryStore) Fail(jobID, errMsg, errCode string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false, ErrJobNotFound
	}
	if j.Status != StatusAssigned && j.Status != StatusRunning {
		return false, nil
	}
	now := time.Now()
	j.Status = StatusFailed
	j.Error = errMsg
	j.ErrorCode = errCode
	j.CompletedAt = &now
	return true, nil
}

func (s *InMemoryStore) Cancel(jobID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false, ErrJobNotFound
	}
	if j.Status != StatusPending && j.Status != StatusAssigned && j.Status != StatusRunning {
		return false, nil
	}
	now := time.Now()
	s.removeFromPending(jobID)
	j.Status = StatusCancelled
	j.CancellationReason = reason
	j.CompletedAt = &now
	return true, nil
}

func (s *InMemoryStore) Requeue(jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false, ErrJobNotFound
	}
	if j.Status != StatusFailed || !j.CanRetry() {
		return false, nil
	}
	j.Status = StatusPending
	j.AssignedAgentID = ""
	j.AssignedAt = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.Error = ""
	j.ErrorCode = ""
	j.RetryCount++

	entry := &pendingEntry{jobID: j.ID, priority: j.Request.Priority, created: j.CreatedAt}
	heap.Push(&s.pending, entry)
	s.pendingIdx[j.ID] = entry
	return true, nil
}

func (s *InMemoryStore) RequeueForTimeout(jobID string, maxTimeoutRetries int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false, ErrJobNotFound
	}
	if (j.Status != StatusAssigned && j.Status != StatusRunning) || j.TimeoutCount >= maxTimeoutRetries {
		return false, nil
	}
	j.Status = StatusPending
	j.AssignedAgentID = ""
	j.AssignedAt = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.Error = ""
	j.ErrorCode = ""
	j.TimeoutCount++

	entry := &pendingEntry{jobID: j.ID, priority: j.Request.Priority, created: j.CreatedAt}
	heap.Push(&s.pending, entry)
	s.pendingIdx[j.ID] = entry
	return true, nil
}

func (s *InMemoryStore) UpdateProgress(p Progress) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[p.JobID]
	if !ok {
		return false, ErrJobNotFound
	}
	if j.Status != StatusRunning {
		return false, nil
	}
	if j.LastProgress != nil && p.Sequence <= j.LastProgress.Sequence {
		return false, nil // stale, out-of-order update ignored (spec §4.2)
	}
	prog := p
	j.LastProgress = &prog
	return true, nil
}

// Close is a no-op; InMemoryStore owns no external resources.
func (s *InMemoryStore) Close() error { return nil }
