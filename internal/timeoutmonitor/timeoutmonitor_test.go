package timeoutmonitor

import (
	"testing"
	"time"

	"github.com/iyulab/orbitmesh/internal/deadletter"
	"github.com/iyulab/orbitmesh/internal/job"
)

func setup(t *testing.T, cfg Config) (*Monitor, *job.InMemoryStore, *deadletter.Queue) {
	t.Helper()
	store := job.NewInMemoryStore()
	t.Cleanup(func() { store.Close() })
	dlq := deadletter.New()
	return New(cfg, store, dlq, nil, nil, nil), store, dlq
}

func claimAndAssign(t *testing.T, store *job.InMemoryStore) *job.Job {
	t.Helper()
	store.Enqueue(job.Request{ID: "j1", IdempotencyKey: "j1", Command: "x"})
	j, err := store.DequeueNext(nil)
	if err != nil || j == nil {
		t.Fatalf("DequeueNext() = %v, %v", j, err)
	}
	if ok, err := store.Assign(j.ID, "agent-1"); err != nil || !ok {
		t.Fatalf("Assign() = %v, %v", ok, err)
	}
	return j
}

func TestHandleTimeout_RequeuesUnderRetryBudget(t *testing.T) {
	m, store, dlq := setup(t, Config{MaxTimeoutRetries: 2, CheckInterval: time.Hour})
	j := claimAndAssign(t, store)

	m.HandleTimeout(j, "ACK timeout")

	got, _ := store.Get(j.ID)
	if got.Status != job.StatusPending || got.TimeoutCount != 1 {
		t.Errorf("after HandleTimeout(): Status=%v TimeoutCount=%v, want Pending/1", got.Status, got.TimeoutCount)
	}
	if _, ok := dlq.GetByJobID(j.ID); ok {
		t.Error("job dead-lettered before exhausting the timeout-retry budget")
	}
}

func TestHandleTimeout_ExhaustsBudget_DeadLettersAndFails(t *testing.T) {
	m, store, dlq := setup(t, Config{MaxTimeoutRetries: 1, CheckInterval: time.Hour})
	j := claimAndAssign(t, store)
	m.HandleTimeout(j, "ACK timeout") // uses up the one allowed retry

	reassigned, _ := store.Get(j.ID)
	claimed, err := store.DequeueNext(nil)
	if err != nil || claimed == nil || claimed.ID != reassigned.ID {
		t.Fatalf("requeued job was not re-claimable: %v, %v", claimed, err)
	}
	store.Assign(claimed.ID, "agent-1")

	m.HandleTimeout(claimed, "ACK timeout") // second timeout: budget exhausted

	got, _ := store.Get(j.ID)
	if got.Status != job.StatusFailed || got.ErrorCode != "TIMEOUT_EXCEEDED" {
		t.Errorf("after exhausted HandleTimeout(): %+v, want Failed/TIMEOUT_EXCEEDED", got)
	}
	if _, ok := dlq.GetByJobID(j.ID); !ok {
		t.Error("job not dead-lettered after exhausting the timeout-retry budget")
	}
}

func TestSweep_DetectsAckTimeout(t *testing.T) {
	m, store, _ := setup(t, Config{MaxTimeoutRetries: 2, CheckInterval: time.Hour, AckTimeout: 10 * time.Millisecond, DefaultJobTimeout: time.Hour})
	j := claimAndAssign(t, store)

	time.Sleep(25 * time.Millisecond)
	m.sweep()

	got, _ := store.Get(j.ID)
	if got.Status != job.StatusPending {
		t.Errorf("Status after sweep() past AckTimeout = %v, want requeued to %v", got.Status, job.StatusPending)
	}
}

func TestSweep_IgnoresJobsWithinTimeout(t *testing.T) {
	m, store, _ := setup(t, Config{MaxTimeoutRetries: 2, CheckInterval: time.Hour, AckTimeout: time.Hour, DefaultJobTimeout: time.Hour})
	j := claimAndAssign(t, store)

	m.sweep()

	got, _ := store.Get(j.ID)
	if got.Status != job.StatusAssigned {
		t.Errorf("Status after sweep() within AckTimeout = %v, want untouched %v", got.Status, job.StatusAssigned)
	}
}
