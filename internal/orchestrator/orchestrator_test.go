package orchestrator

import (
	"testing"

	"github.com/iyulab/orbitmesh/internal/deadletter"
	"github.com/iyulab/orbitmesh/internal/dispatcher"
	"github.com/iyulab/orbitmesh/internal/idempotency"
	"github.com/iyulab/orbitmesh/internal/job"
	"github.com/iyulab/orbitmesh/internal/progress"
	"github.com/iyulab/orbitmesh/internal/registry"
	"github.com/iyulab/orbitmesh/internal/router"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, job.Store) {
	t.Helper()
	store := job.NewInMemoryStore()
	t.Cleanup(func() { store.Close() })
	reg := registry.New(nil)
	rt := router.New(reg, nil)
	disp := dispatcher.New(store, reg, rt, router.PolicyRoundRobin, nil)
	orch := New(store, idempotency.New(0), disp, progress.New(0), deadletter.New(), nil)
	return orch, store
}

func TestSubmitJob_AssignsIDWhenMissing(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	j, err := orch.SubmitJob(job.Request{IdempotencyKey: "k1", Command: "echo"})
	if err != nil {
		t.Fatalf("SubmitJob() error = %v", err)
	}
	if j.ID == "" {
		t.Error("SubmitJob() left ID empty, want a generated uuid")
	}
}

func TestSubmitJob_RejectsInvalidRequest(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	if _, err := orch.SubmitJob(job.Request{Command: "echo"}); err == nil {
		t.Error("SubmitJob() with no idempotency key = nil error, want a validation error")
	}
}

func TestSubmitJob_IdempotentResubmissionReturnsSameJob(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	j1, err := orch.SubmitJob(job.Request{IdempotencyKey: "k1", Command: "echo"})
	if err != nil {
		t.Fatalf("SubmitJob() error = %v", err)
	}

	j2, err := orch.SubmitJob(job.Request{IdempotencyKey: "k1", Command: "echo"})
	if err != nil {
		t.Fatalf("SubmitJob() second call error = %v", err)
	}
	if j2.ID != j1.ID {
		t.Errorf("SubmitJob() with a repeated idempotency key returned a new job %v, want the original %v", j2.ID, j1.ID)
	}
}

func TestCancelJob_DelegatesToDispatcher(t *testing.T) {
	orch, store := newTestOrchestrator(t)
	j, err := orch.SubmitJob(job.Request{IdempotencyKey: "k1", Command: "echo"})
	if err != nil {
		t.Fatalf("SubmitJob() error = %v", err)
	}

	ok, err := orch.CancelJob(j.ID, "user requested")
	if err != nil || !ok {
		t.Fatalf("CancelJob() = %v, %v, want true, nil", ok, err)
	}
	got, _ := store.Get(j.ID)
	if got.Status != job.StatusCancelled {
		t.Errorf("Status after CancelJob() = %v, want %v", got.Status, job.StatusCancelled)
	}
}

func TestHandleResult_CompletedForgetsProgress(t *testing.T) {
	orch, store := newTestOrchestrator(t)
	j, _ := orch.SubmitJob(job.Request{IdempotencyKey: "k1", Command: "echo"})
	claimed, _ := store.DequeueNext(nil)
	store.Assign(claimed.ID, "agent-1")
	store.Acknowledge(claimed.ID, "agent-1")
	orch.progress.Record(job.Progress{JobID: j.ID, Sequence: 1, Percentage: 50})

	orch.HandleResult(job.Result{JobID: j.ID, Status: job.StatusCompleted})

	got, _ := store.Get(j.ID)
	if got.Status != job.StatusCompleted {
		t.Errorf("Status after HandleResult(Completed) = %v, want %v", got.Status, job.StatusCompleted)
	}
	if _, ok := orch.progress.Latest(j.ID); ok {
		t.Error("progress not forgotten after HandleResult(Completed)")
	}
}

func TestHandleProgress_RecordsOnSuccess(t *testing.T) {
	orch, store := newTestOrchestrator(t)
	j, _ := orch.SubmitJob(job.Request{IdempotencyKey: "k1", Command: "echo"})
	claimed, _ := store.DequeueNext(nil)
	store.Assign(claimed.ID, "agent-1")
	store.Acknowledge(claimed.ID, "agent-1")

	orch.HandleProgress(job.Progress{JobID: j.ID, Sequence: 1, Percentage: 40})

	latest, ok := orch.progress.Latest(j.ID)
	if !ok || latest.Percentage != 40 {
		t.Errorf("progress.Latest() = %v, %v, want 40%%", latest, ok)
	}
}

func TestSubscribeProgress_UnsubscribeStopsDelivery(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	var count int
	unsubscribe := orch.SubscribeProgress("j1", func(p job.Progress) { count++ })

	orch.progress.Record(job.Progress{JobID: "j1", Sequence: 1, Percentage: 10})
	unsubscribe()
	orch.progress.Record(job.Progress{JobID: "j1", Sequence: 2, Percentage: 20})

	if count != 1 {
		t.Errorf("subscriber invoked %d times, want exactly 1 (before unsubscribe)", count)
	}
}
