package job

import (
	"errors"
	"testing"
)

func setupTestStore(t *testing.T) *InMemoryStore {
	store := NewInMemoryStore()
	t.Cleanup(func() { store.Close() })
	return store
}

func newReq(idempotencyKey string) Request {
	return Request{
		ID:             idempotencyKey,
		IdempotencyKey: idempotencyKey,
		Command:        "echo hi",
		MaxRetries:     2,
	}
}

func TestInMemoryStore_Enqueue_IdempotencyDedup(t *testing.T) {
	s := setupTestStore(t)

	j1, created, err := s.Enqueue(newReq("k1"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !created {
		t.Fatal("Enqueue() created = false on first submission, want true")
	}

	j2, created, err := s.Enqueue(newReq("k1"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if created {
		t.Error("Enqueue() created = true on duplicate idempotency key, want false")
	}
	if j2.ID != j1.ID {
		t.Errorf("Enqueue() returned job %v on duplicate, want the original %v", j2.ID, j1.ID)
	}
}

func TestInMemoryStore_DequeueNext_PriorityAndFIFO(t *testing.T) {
	s := setupTestStore(t)

	low, _, _ := s.Enqueue(Request{ID: "low", IdempotencyKey: "low", Command: "x", Priority: 1})
	high, _, _ := s.Enqueue(Request{ID: "high", IdempotencyKey: "high", Command: "x", Priority: 5})
	highLater, _, _ := s.Enqueue(Request{ID: "high2", IdempotencyKey: "high2", Command: "x", Priority: 5})

	first, err := s.DequeueNext(nil)
	if err != nil {
		t.Fatalf("DequeueNext() error = %v", err)
	}
	if first == nil || first.ID != high.ID {
		t.Fatalf("DequeueNext() = %v, want highest-priority job %v first", first, high.ID)
	}
	if first.Status != StatusAssigned {
		t.Errorf("DequeueNext() left status = %v, want %v", first.Status, StatusAssigned)
	}

	second, err := s.DequeueNext(nil)
	if err != nil {
		t.Fatalf("DequeueNext() error = %v", err)
	}
	if second == nil || second.ID != highLater.ID {
		t.Fatalf("DequeueNext() = %v, want the earlier-created equal-priority job %v (FIFO tiebreak)", second, highLater.ID)
	}

	third, err := s.DequeueNext(nil)
	if err != nil {
		t.Fatalf("DequeueNext() error = %v", err)
	}
	if third == nil || third.ID != low.ID {
		t.Fatalf("DequeueNext() = %v, want the remaining low-priority job %v", third, low.ID)
	}

	fourth, err := s.DequeueNext(nil)
	if err != nil {
		t.Fatalf("DequeueNext() error = %v", err)
	}
	if fourth != nil {
		t.Errorf("DequeueNext() = %v on an empty queue, want nil", fourth)
	}
}

func TestInMemoryStore_DequeueNext_CapabilityFilterSkipsWithoutReordering(t *testing.T) {
	s := setupTestStore(t)

	_, _, _ = s.Enqueue(Request{ID: "gpu-job", IdempotencyKey: "gpu-job", Command: "x", Priority: 5, RequiredCapabilities: []string{"GPU"}})
	cpu, _, _ := s.Enqueue(Request{ID: "cpu-job", IdempotencyKey: "cpu-job", Command: "x", Priority: 1})

	// Only "cpu" capability is available; the higher-priority gpu-job must
	// be skipped without being lost or reordered.
	got, err := s.DequeueNext(map[string]bool{"cpu": true})
	if err != nil {
		t.Fatalf("DequeueNext() error = %v", err)
	}
	if got == nil || got.ID != cpu.ID {
		t.Fatalf("DequeueNext() = %v, want the only satisfiable job %v", got, cpu.ID)
	}

	// Now with gpu capability available, the previously-skipped job should
	// still be claimable.
	got2, err := s.DequeueNext(map[string]bool{"gpu": true})
	if err != nil {
		t.Fatalf("DequeueNext() error = %v", err)
	}
	if got2 == nil || got2.ID != "gpu-job" {
		t.Fatalf("DequeueNext() = %v, want the previously-skipped gpu-job (capability match is case-insensitive)", got2)
	}
}

func TestInMemoryStore_FullLifecycle_Success(t *testing.T) {
	s := setupTestStore(t)
	s.Enqueue(newReq("k1"))

	claimed, err := s.DequeueNext(nil)
	if err != nil || claimed == nil {
		t.Fatalf("DequeueNext() = %v, %v", claimed, err)
	}

	ok, err := s.Assign(claimed.ID, "agent-1")
	if err != nil || !ok {
		t.Fatalf("Assign() = %v, %v, want true, nil", ok, err)
	}

	// A second Assign on the same job should fail: it's no longer
	// Assigned-with-no-agent.
	ok, err = s.Assign(claimed.ID, "agent-2")
	if err != nil || ok {
		t.Fatalf("Assign() on an already-bound job = %v, %v, want false, nil", ok, err)
	}

	ok, err = s.Acknowledge(claimed.ID, "agent-1")
	if err != nil || !ok {
		t.Fatalf("Acknowledge() = %v, %v, want true, nil", ok, err)
	}

	if _, err := s.UpdateProgress(Progress{JobID: claimed.ID, Sequence: 1, Percentage: 50}); err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	} else if ok, _ := s.UpdateProgress(Progress{JobID: claimed.ID, Sequence: 1, Percentage: 60}); ok {
		t.Error("UpdateProgress() accepted a stale/equal sequence number, want it ignored")
	}

	ok, err = s.Complete(claimed.ID, Result{JobID: claimed.ID, Status: StatusCompleted})
	if err != nil || !ok {
		t.Fatalf("Complete() = %v, %v, want true, nil", ok, err)
	}

	final, err := s.Get(claimed.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if final.Status != StatusCompleted {
		t.Errorf("final Status = %v, want %v", final.Status, StatusCompleted)
	}
}

func TestInMemoryStore_Fail_Requeue_ThenExhaustRetries(t *testing.T) {
	s := setupTestStore(t)
	s.Enqueue(Request{ID: "j1", IdempotencyKey: "j1", Command: "x", MaxRetries: 1})

	claimed, _ := s.DequeueNext(nil)
	s.Assign(claimed.ID, "agent-1")

	ok, err := s.Fail(claimed.ID, "boom", "E1")
	if err != nil || !ok {
		t.Fatalf("Fail() = %v, %v, want true, nil", ok, err)
	}

	ok, err = s.Requeue(claimed.ID)
	if err != nil || !ok {
		t.Fatalf("Requeue() after first failure (RetryCount 0 < MaxRetries 1) = %v, %v, want true, nil", ok, err)
	}

	requeued, _ := s.Get(claimed.ID)
	if requeued.Status != StatusPending {
		t.Fatalf("Status after Requeue() = %v, want %v", requeued.Status, StatusPending)
	}
	if requeued.AssignedAgentID != "" {
		t.Errorf("AssignedAgentID after Requeue() = %q, want empty", requeued.AssignedAgentID)
	}

	claimed2, err := s.DequeueNext(nil)
	if err != nil || claimed2 == nil {
		t.Fatalf("DequeueNext() after Requeue() = %v, %v, want the requeued job to be claimable again", claimed2, err)
	}

	s.Assign(claimed2.ID, "agent-1")
	s.Fail(claimed2.ID, "boom again", "E1")

	// RetryCount is now 1 == MaxRetries, so Requeue should decline.
	ok, err = s.Requeue(claimed2.ID)
	if err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if ok {
		t.Error("Requeue() succeeded after retries exhausted, want false (terminally Failed)")
	}

	terminal, _ := s.Get(claimed2.ID)
	if terminal.Status != StatusFailed {
		t.Errorf("Status after exhausted Requeue() = %v, want %v", terminal.Status, StatusFailed)
	}
}

func TestInMemoryStore_RequeueForTimeout(t *testing.T) {
	s := setupTestStore(t)
	s.Enqueue(newReq("k1"))
	claimed, _ := s.DequeueNext(nil)
	s.Assign(claimed.ID, "agent-1")

	const maxTimeoutRetries = 1

	ok, err := s.RequeueForTimeout(claimed.ID, maxTimeoutRetries)
	if err != nil || !ok {
		t.Fatalf("RequeueForTimeout() = %v, %v, want true, nil", ok, err)
	}
	j, _ := s.Get(claimed.ID)
	if j.Status != StatusPending || j.TimeoutCount != 1 {
		t.Errorf("after RequeueForTimeout(): Status = %v, TimeoutCount = %v, want %v, 1", j.Status, j.TimeoutCount, StatusPending)
	}

	// TimeoutCount (1) is now at maxTimeoutRetries, so a second timeout on
	// the same job must be declined — the caller (Timeout Monitor) is
	// expected to dead-letter and Fail it instead.
	claimed2, _ := s.DequeueNext(nil)
	s.Assign(claimed2.ID, "agent-1")
	ok, err = s.RequeueForTimeout(claimed2.ID, maxTimeoutRetries)
	if err != nil {
		t.Fatalf("RequeueForTimeout() error = %v", err)
	}
	if ok {
		t.Error("RequeueForTimeout() succeeded at maxTimeoutRetries, want false")
	}
	stillAssigned, _ := s.Get(claimed2.ID)
	if stillAssigned.Status != StatusAssigned {
		t.Errorf("Status after declined RequeueForTimeout() = %v, want unchanged %v", stillAssigned.Status, StatusAssigned)
	}
}

func TestInMemoryStore_Cancel_RemovesFromPendingQueue(t *testing.T) {
	s := setupTestStore(t)
	j, _, _ := s.Enqueue(newReq("k1"))

	ok, err := s.Cancel(j.ID, "user requested")
	if err != nil || !ok {
		t.Fatalf("Cancel() = %v, %v, want true, nil", ok, err)
	}

	// It must no longer be dequeueable.
	got, err := s.DequeueNext(nil)
	if err != nil {
		t.Fatalf("DequeueNext() error = %v", err)
	}
	if got != nil {
		t.Errorf("DequeueNext() = %v after Cancel(), want nil (cancelled jobs leave the pending queue)", got)
	}

	final, _ := s.Get(j.ID)
	if final.Status != StatusCancelled {
		t.Errorf("Status = %v, want %v", final.Status, StatusCancelled)
	}
}

func TestInMemoryStore_Get_UnknownJob(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.Get("does-not-exist")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Get() error = %v, want %v", err, ErrJobNotFound)
	}
}

func TestInMemoryStore_GetJobs_Filters(t *testing.T) {
	s := setupTestStore(t)
	s.Enqueue(newReq("k1"))
	s.Enqueue(newReq("k2"))

	// Claim and bind one job to an agent; leave the other Pending.
	claimed, _ := s.DequeueNext(nil)
	s.Assign(claimed.ID, "agent-1")

	pending := StatusPending
	pendingJobs, err := s.GetJobs(&pending, "")
	if err != nil {
		t.Fatalf("GetJobs() error = %v", err)
	}
	if len(pendingJobs) != 1 {
		t.Errorf("GetJobs(Pending) returned %d jobs, want 1", len(pendingJobs))
	}

	byAgent, err := s.GetJobs(nil, "agent-1")
	if err != nil {
		t.Fatalf("GetJobs() error = %v", err)
	}
	if len(byAgent) != 1 || byAgent[0].AssignedAgentID != "agent-1" {
		t.Errorf("GetJobs(agentID=agent-1) = %v, want exactly the job assigned to agent-1", byAgent)
	}
}

func TestInMemoryStore_Snapshot_DoesNotLeakMutationsIntoStore(t *testing.T) {
	s := setupTestStore(t)
	j, _, _ := s.Enqueue(newReq("k1"))

	j.Status = StatusCompleted // mutate the caller's copy

	stored, err := s.Get(j.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Status != StatusPending {
		t.Errorf("store's Status = %v after caller mutated its own snapshot, want unaffected %v", stored.Status, StatusPending)
	}
}
