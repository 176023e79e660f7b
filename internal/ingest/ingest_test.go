package ingest

import (
	"testing"

	"github.com/iyulab/orbitmesh/internal/deadletter"
	"github.com/iyulab/orbitmesh/internal/job"
	"github.com/iyulab/orbitmesh/internal/progress"
	"github.com/iyulab/orbitmesh/internal/registry"
	"github.com/iyulab/orbitmesh/internal/timeoutmonitor"
)

type fakeConn struct{}

func (fakeConn) Send(method string, payload []byte) error { return nil }
func (fakeConn) Closed() bool                              { return false }

func setup(t *testing.T) (*Handlers, *job.InMemoryStore, *registry.Registry) {
	store := job.NewInMemoryStore()
	t.Cleanup(func() { store.Close() })
	reg := registry.New(nil)
	prog := progress.New(10)
	mon := timeoutmonitor.New(timeoutmonitor.Config{}, store, deadletter.New(), nil, nil, nil)
	return New(store, reg, prog, mon, nil), store, reg
}

func claimAndAssign(t *testing.T, store *job.InMemoryStore, agentID string) *job.Job {
	t.Helper()
	j, _, err := store.Enqueue(job.Request{ID: "j1", IdempotencyKey: "j1", Command: "x"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	claimed, err := store.DequeueNext(nil)
	if err != nil || claimed == nil {
		t.Fatalf("DequeueNext() = %v, %v", claimed, err)
	}
	if ok, err := store.Assign(claimed.ID, agentID); err != nil || !ok {
		t.Fatalf("Assign() = %v, %v", ok, err)
	}
	return j
}

func TestHandlers_OnAcknowledge_TransitionsToRunning(t *testing.T) {
	h, store, _ := setup(t)
	j := claimAndAssign(t, store, "agent-1")

	h.OnAcknowledge(j.ID, "agent-1")

	got, _ := store.Get(j.ID)
	if got.Status != job.StatusRunning {
		t.Errorf("Status after OnAcknowledge() = %v, want %v", got.Status, job.StatusRunning)
	}
}

func TestHandlers_OnAcknowledge_UnknownJobDoesNotPanic(t *testing.T) {
	h, _, _ := setup(t)
	h.OnAcknowledge("does-not-exist", "agent-1") // must log and return, never panic
}

func TestHandlers_OnProgress_RecordsIntoProgressService(t *testing.T) {
	h, store, _ := setup(t)
	j := claimAndAssign(t, store, "agent-1")
	store.Acknowledge(j.ID, "agent-1")

	h.OnProgress(job.Progress{JobID: j.ID, Sequence: 1, Percentage: 50})

	latest, ok := h.progress.Latest(j.ID)
	if !ok || latest.Percentage != 50 {
		t.Errorf("progress.Latest() = %v, %v, want 50%%", latest, ok)
	}
}

func TestHandlers_OnResult_CompletedForgetsProgress(t *testing.T) {
	h, store, _ := setup(t)
	j := claimAndAssign(t, store, "agent-1")
	store.Acknowledge(j.ID, "agent-1")
	h.progress.Record(job.Progress{JobID: j.ID, Sequence: 1, Percentage: 50})

	h.OnResult(job.Result{JobID: j.ID, Status: job.StatusCompleted})

	got, _ := store.Get(j.ID)
	if got.Status != job.StatusCompleted {
		t.Errorf("Status after OnResult(Completed) = %v, want %v", got.Status, job.StatusCompleted)
	}
	if _, ok := h.progress.Latest(j.ID); ok {
		t.Error("progress.Latest() still has an entry after OnResult(Completed), want forgotten")
	}
}

func TestHandlers_OnResult_FailureMarksFailed(t *testing.T) {
	h, store, _ := setup(t)
	j := claimAndAssign(t, store, "agent-1")
	store.Acknowledge(j.ID, "agent-1")

	h.OnResult(job.Result{JobID: j.ID, Status: job.StatusFailed, Error: "boom", ErrorCode: "E1"})

	got, _ := store.Get(j.ID)
	if got.Status != job.StatusFailed || got.ErrorCode != "E1" {
		t.Errorf("after OnResult(Failed): Status=%v ErrorCode=%v, want Failed/E1", got.Status, got.ErrorCode)
	}
}

func TestHandlers_OnHeartbeat_RecoversDisconnectedAgentToReady(t *testing.T) {
	h, _, reg := setup(t)
	reg.Register(&registry.Agent{ID: "agent-1", Status: registry.StatusDisconnected, ConnectionHandle: fakeConn{}})

	h.OnHeartbeat("agent-1", 0)

	a, _ := reg.Get("agent-1")
	if a.Status != registry.StatusReady {
		t.Errorf("Status after OnHeartbeat() on a disconnected agent = %v, want %v", a.Status, registry.StatusReady)
	}
}

func TestHandlers_OnDisconnect_RequeuesInFlightJobs(t *testing.T) {
	h, store, reg := setup(t)
	reg.Register(&registry.Agent{ID: "agent-1", Status: registry.StatusReady, ConnectionHandle: fakeConn{}})
	j := claimAndAssign(t, store, "agent-1")

	h.OnDisconnect("agent-1")

	a, _ := reg.Get("agent-1")
	if a.Status != registry.StatusDisconnected {
		t.Errorf("Status after OnDisconnect() = %v, want %v", a.Status, registry.StatusDisconnected)
	}
	got, _ := store.Get(j.ID)
	if got.Status != job.StatusPending {
		t.Errorf("Status of in-flight job after OnDisconnect() = %v, want requeued to %v", got.Status, job.StatusPending)
	}
}
