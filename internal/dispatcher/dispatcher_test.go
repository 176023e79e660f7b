package dispatcher

import (
	"errors"
	"testing"

	"github.com/iyulab/orbitmesh/internal/job"
	"github.com/iyulab/orbitmesh/internal/registry"
	"github.com/iyulab/orbitmesh/internal/router"
)

type fakeConn struct {
	sendErr error
	closed  bool
	sent    []string
}

func (f *fakeConn) Send(method string, payload []byte) error {
	f.sent = append(f.sent, method)
	return f.sendErr
}
func (f *fakeConn) Closed() bool { return f.closed }

func setup(t *testing.T) (*Dispatcher, *job.InMemoryStore, *registry.Registry) {
	t.Helper()
	store := job.NewInMemoryStore()
	t.Cleanup(func() { store.Close() })
	reg := registry.New(nil)
	rt := router.New(reg, nil)
	return New(store, reg, rt, router.PolicyRoundRobin, nil), store, reg
}

func claim(t *testing.T, store *job.InMemoryStore, caps ...string) *job.Job {
	t.Helper()
	_, _, err := store.Enqueue(job.Request{ID: "j1", IdempotencyKey: "j1", Command: "x", RequiredCapabilities: caps})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	j, err := store.DequeueNext(nil)
	if err != nil || j == nil {
		t.Fatalf("DequeueNext() = %v, %v", j, err)
	}
	return j
}

func TestDispatch_NoEligibleAgent_ReturnsFailedResultNoError(t *testing.T) {
	d, _, _ := setup(t)
	j := &job.Job{ID: "j1", Request: job.Request{RequiredCapabilities: []string{"GPU"}}}

	result, err := d.Dispatch(j)
	if err != nil {
		t.Fatalf("Dispatch() error = %v, want nil (routine no-agent is a failed Result, not an error)", err)
	}
	if result.IsSuccess {
		t.Error("Dispatch() IsSuccess = true with no registered agent, want false")
	}
}

func TestDispatchTo_Success(t *testing.T) {
	d, store, reg := setup(t)
	j := claim(t, store)
	conn := &fakeConn{}
	agent := &registry.Agent{ID: "agent-1", Status: registry.StatusReady, ConnectionHandle: conn}
	reg.Register(agent)

	result, err := d.DispatchTo(j, agent)
	if err != nil {
		t.Fatalf("DispatchTo() error = %v", err)
	}
	if !result.IsSuccess || result.AgentID != "agent-1" {
		t.Errorf("DispatchTo() = %+v, want success bound to agent-1", result)
	}
	got, _ := store.Get(j.ID)
	if got.Status != job.StatusAssigned || got.AssignedAgentID != "agent-1" {
		t.Errorf("job after DispatchTo() = %+v, want Assigned to agent-1", got)
	}
	if len(conn.sent) != 1 || conn.sent[0] != "ExecuteJob" {
		t.Errorf("sent methods = %v, want [ExecuteJob]", conn.sent)
	}
}

func TestDispatchTo_DeadConnection_UnassignsWithoutFailingJob(t *testing.T) {
	d, store, reg := setup(t)
	j := claim(t, store)
	agent := &registry.Agent{ID: "agent-1", Status: registry.StatusReady, ConnectionHandle: nil}
	reg.Register(agent)

	result, err := d.DispatchTo(j, agent)
	if err != nil {
		t.Fatalf("DispatchTo() error = %v", err)
	}
	if result.IsSuccess {
		t.Error("DispatchTo() IsSuccess = true against an agent with no live connection, want false")
	}

	got, _ := store.Get(j.ID)
	if got.Status != job.StatusAssigned {
		t.Errorf("job Status after a dead-connection DispatchTo() = %v, want still %v (not Failed)", got.Status, job.StatusAssigned)
	}
	if got.AssignedAgentID != "" {
		t.Errorf("AssignedAgentID = %q after Unassign, want cleared", got.AssignedAgentID)
	}
}

func TestDispatchTo_SendError_UnassignsWithoutFailingJob(t *testing.T) {
	d, store, reg := setup(t)
	j := claim(t, store)
	conn := &fakeConn{sendErr: errors.New("connection reset")}
	agent := &registry.Agent{ID: "agent-1", Status: registry.StatusReady, ConnectionHandle: conn}
	reg.Register(agent)

	result, err := d.DispatchTo(j, agent)
	if err != nil {
		t.Fatalf("DispatchTo() error = %v", err)
	}
	if result.IsSuccess {
		t.Error("DispatchTo() IsSuccess = true despite a transport Send error, want false")
	}
	got, _ := store.Get(j.ID)
	if got.Status != job.StatusAssigned || got.AssignedAgentID != "" {
		t.Errorf("job after failed Send = %+v, want Assigned with no agent bound, ready for retry", got)
	}
}

func TestDispatchTo_SecondAttemptAfterUnassignSucceeds(t *testing.T) {
	d, store, reg := setup(t)
	j := claim(t, store)
	dead := &registry.Agent{ID: "dead-agent", Status: registry.StatusReady, ConnectionHandle: nil}
	reg.Register(dead)
	d.DispatchTo(j, dead) // fails, unassigns

	current, _ := store.Get(j.ID)
	live := &registry.Agent{ID: "live-agent", Status: registry.StatusReady, ConnectionHandle: &fakeConn{}}
	reg.Register(live)

	result, err := d.DispatchTo(current, live)
	if err != nil {
		t.Fatalf("DispatchTo() error = %v", err)
	}
	if !result.IsSuccess {
		t.Error("DispatchTo() retry after Unassign failed, want success against a live agent")
	}
}

func TestCancelJob_RunningJobSendsCancelThenTransitions(t *testing.T) {
	d, store, reg := setup(t)
	j := claim(t, store)
	conn := &fakeConn{}
	agent := &registry.Agent{ID: "agent-1", Status: registry.StatusReady, ConnectionHandle: conn}
	reg.Register(agent)
	d.DispatchTo(j, agent)
	store.Acknowledge(j.ID, "agent-1")

	ok, err := d.CancelJob(j.ID, "user requested")
	if err != nil || !ok {
		t.Fatalf("CancelJob() = %v, %v, want true, nil", ok, err)
	}
	var sawCancel bool
	for _, m := range conn.sent {
		if m == "CancelJob" {
			sawCancel = true
		}
	}
	if !sawCancel {
		t.Error("CancelJob() on a Running job did not push CancelJob to the agent")
	}
	got, _ := store.Get(j.ID)
	if got.Status != job.StatusCancelled {
		t.Errorf("Status after CancelJob() = %v, want %v", got.Status, job.StatusCancelled)
	}
}
