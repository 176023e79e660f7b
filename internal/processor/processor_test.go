package processor

import (
	"context"
	"testing"
	"time"

	"github.com/iyulab/orbitmesh/internal/deadletter"
	"github.com/iyulab/orbitmesh/internal/dispatcher"
	"github.com/iyulab/orbitmesh/internal/job"
	"github.com/iyulab/orbitmesh/internal/registry"
	"github.com/iyulab/orbitmesh/internal/router"
)

type fakeConn struct{}

func (fakeConn) Send(method string, payload []byte) error { return nil }
func (fakeConn) Closed() bool                              { return false }

func newTestProcessor(t *testing.T, cfg Config) (*Processor, *job.InMemoryStore, *registry.Registry, *deadletter.Queue) {
	t.Helper()
	store := job.NewInMemoryStore()
	t.Cleanup(func() { store.Close() })
	reg := registry.New(nil)
	rt := router.New(reg, nil)
	disp := dispatcher.New(store, reg, rt, router.PolicyRoundRobin, nil)
	dlq := deadletter.New()
	return New(cfg, store, reg, disp, dlq, nil, nil), store, reg, dlq
}

func claim(t *testing.T, store *job.InMemoryStore) *job.Job {
	t.Helper()
	store.Enqueue(job.Request{ID: "j1", IdempotencyKey: "j1", Command: "x"})
	j, err := store.DequeueNext(nil)
	if err != nil || j == nil {
		t.Fatalf("DequeueNext() = %v, %v", j, err)
	}
	return j
}

func TestProcessOne_SucceedsOnFirstAttemptWhenAgentReady(t *testing.T) {
	p, store, reg, _ := newTestProcessor(t, Config{MaxDispatchRetries: 3, RetryDelay: 10 * time.Millisecond, MaxConcurrency: 1})
	reg.Register(&registry.Agent{ID: "agent-1", Status: registry.StatusReady, ConnectionHandle: fakeConn{}})
	j := claim(t, store)

	p.processOne(context.Background(), j)

	got, _ := store.Get(j.ID)
	if got.Status != job.StatusAssigned || got.AssignedAgentID != "agent-1" {
		t.Errorf("job after processOne() = %+v, want dispatched to agent-1", got)
	}
}

// Mirrors spec Scenario 6 (Dispatch exhaustion): no Ready agents throughout
// the run, maxDispatchRetries=3, a short retryDelay -> DLQ with
// DISPATCH_FAILED after exhausting the budget.
func TestProcessOne_ExhaustsDispatchRetries_DeadLettersAndFails(t *testing.T) {
	p, store, _, dlq := newTestProcessor(t, Config{MaxDispatchRetries: 3, RetryDelay: 10 * time.Millisecond, MaxConcurrency: 1})
	j := claim(t, store)

	start := time.Now()
	p.processOne(context.Background(), j)
	elapsed := time.Since(start)

	if elapsed < 3*10*time.Millisecond {
		t.Errorf("elapsed = %v, want at least 3*retryDelay (one sleep per exhausted attempt)", elapsed)
	}

	got, _ := store.Get(j.ID)
	if got.Status != job.StatusFailed || got.ErrorCode != "DISPATCH_FAILED" {
		t.Errorf("job after exhaustion = %+v, want Failed/DISPATCH_FAILED", got)
	}
	if _, ok := dlq.GetByJobID(j.ID); !ok {
		t.Error("job not found in dead-letter queue after dispatch exhaustion")
	}
}

func TestProcessOne_SkipsJobNoLongerAssigned(t *testing.T) {
	p, store, _, _ := newTestProcessor(t, DefaultConfig())
	j := claim(t, store)
	store.Cancel(j.ID, "raced with cancellation")

	// Must return immediately without touching the already-terminal job.
	p.processOne(context.Background(), j)

	got, _ := store.Get(j.ID)
	if got.Status != job.StatusCancelled {
		t.Errorf("Status = %v, want still %v (processOne must not resurrect a cancelled job)", got.Status, job.StatusCancelled)
	}
}

func TestProcessOne_StopsEarlyOnContextCancellation(t *testing.T) {
	p, store, _, dlq := newTestProcessor(t, Config{MaxDispatchRetries: 5, RetryDelay: time.Hour, MaxConcurrency: 1})
	j := claim(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already-done context: the first sleep must return immediately

	done := make(chan struct{})
	go func() {
		p.processOne(ctx, j)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processOne() did not return promptly on a cancelled context")
	}

	if _, ok := dlq.GetByJobID(j.ID); ok {
		t.Error("processOne() dead-lettered the job after ctx cancellation, want it left for the next attempt")
	}
}
