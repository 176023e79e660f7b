// Package dispatcher is the Dispatcher (spec §4.5 C5): binds a job to an
// agent, pushes the job over the agent's transport, and tracks the
// dispatch counters. Grounded on the teacher's handleRequestJob
// compensating-transition pattern (assign, then push; on push failure,
// revert the assignment and leave the job for the next cycle) generalized
// from the teacher's "agent pulls" flow to this spec's "server pushes" flow.
// The revert here is a plain Unassign, not a Fail/Requeue cycle — the
// Work-Item Processor (spec §4.6) owns the retry budget and the decision
// of when a job is terminally undispatchable.
package dispatcher

import (
	"errors"
	"fmt"
	"time"

	"github.com/iyulab/orbitmesh/internal/coreerr"
	"github.com/iyulab/orbitmesh/internal/job"
	"github.com/iyulab/orbitmesh/internal/metrics"
	"github.com/iyulab/orbitmesh/internal/registry"
	"github.com/iyulab/orbitmesh/internal/router"
	"github.com/iyulab/orbitmesh/internal/transport"
)

// Result is the outcome of a dispatch attempt (spec §4.5 DispatchResult).
type Result struct {
	IsSuccess     bool
	AgentID       string
	FailureReason string
	Timestamp     time.Time
}

// Dispatcher binds jobs to agents and pushes them over transport.
type Dispatcher struct {
	store    job.Store
	registry *registry.Registry
	router   *router.Router
	policy   router.Policy
	metrics  *metrics.Registry
}

// New creates a Dispatcher.
func New(store job.Store, reg *registry.Registry, rt *router.Router, policy router.Policy, m *metrics.Registry) *Dispatcher {
	return &Dispatcher{store: store, registry: reg, router: rt, policy: policy, metrics: m}
}

func (d *Dispatcher) resolveAgent(j *job.Job) (*registry.Agent, error) {
	if j.Request.TargetAgentID != "" {
		a, ok := d.registry.Get(j.Request.TargetAgentID)
		if !ok || a.Status != registry.StatusReady {
			return nil, coreerr.Newf(coreerr.CodeNoEligibleAgent, "target agent %s is not ready", j.Request.TargetAgentID)
		}
		return a, nil
	}

	req := router.Request{
		RequiredCapabilities: j.Request.RequiredCapabilities,
		RequiredTags:         j.Request.RequiredTags,
	}
	a := d.router.Select(req, d.policy)
	if a == nil {
		return nil, coreerr.New(coreerr.CodeNoEligibleAgent, errors.New("no ready agent matches job requirements"))
	}
	return a, nil
}

// Dispatch resolves an agent (via targetAgentId or the router) and binds
// job j to it. Use DispatchTo to push to an already-chosen agent.
//
// j is expected to already be claimed (Assigned, no agent yet) by the
// Work-Item Processor's DequeueNext call. Dispatch never decides a job is
// terminally undispatchable itself — spec §4.6 gives that call to the
// Work-Item Processor's retry loop (maxDispatchRetries/retryDelay), which
// calls Dispatch repeatedly on the same claimed job. A failed attempt here
// only ever returns a failed Result (never an error for a routine "no agent"
// or "push failed" outcome) and leaves the job Assigned with no agent bound,
// ready for the processor's next attempt.
func (d *Dispatcher) Dispatch(j *job.Job) (*Result, error) {
	agent, err := d.resolveAgent(j)
	if err != nil {
		d.incFailed()
		return &Result{IsSuccess: false, FailureReason: err.Error(), Timestamp: time.Now()}, nil
	}
	return d.DispatchTo(j, agent)
}

// DispatchTo binds job j to agent directly, skipping routing. On any
// failure after a successful Assign, it unassigns so the job is left
// Assigned-no-agent again rather than stuck bound to a dead agent.
func (d *Dispatcher) DispatchTo(j *job.Job, agent *registry.Agent) (*Result, error) {
	now := time.Now()

	ok, err := d.store.Assign(j.ID, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("assign job %s: %w", j.ID, err)
	}
	if !ok {
		// Lost the race (another dispatcher claimed it, or it moved on).
		d.incFailed()
		return &Result{IsSuccess: false, FailureReason: "assign lost race", Timestamp: now}, nil
	}

	msg := transport.ExecuteJobFromRequest(j.ID, j.Request)
	if agent.ConnectionHandle == nil {
		_, _ = d.store.Unassign(j.ID)
		d.incFailed()
		return &Result{IsSuccess: false, FailureReason: "agent has no live connection", Timestamp: now}, nil
	}

	if err := agent.ConnectionHandle.Send("ExecuteJob", msg.Marshal()); err != nil {
		_, _ = d.store.Unassign(j.ID)
		d.incFailed()
		return &Result{IsSuccess: false, AgentID: agent.ID, FailureReason: err.Error(), Timestamp: now}, nil
	}

	d.incDispatched()
	return &Result{IsSuccess: true, AgentID: agent.ID, Timestamp: now}, nil
}

func (d *Dispatcher) incDispatched() {
	if d.metrics != nil {
		d.metrics.IncDispatched()
	}
}

func (d *Dispatcher) incFailed() {
	if d.metrics != nil {
		d.metrics.IncFailed()
	}
}

// CancelJob best-effort cancels a job: if it's Running with a live agent, it
// fires CancelJob to the agent (a transport failure is discarded, not
// logged or returned) then transitions the store.
func (d *Dispatcher) CancelJob(jobID, reason string) (bool, error) {
	j, err := d.store.Get(jobID)
	if err != nil {
		return false, err
	}
	if j.Status == job.StatusRunning && j.AssignedAgentID != "" {
		if a, ok := d.registry.Get(j.AssignedAgentID); ok && a.ConnectionHandle != nil {
			_ = d.sendCancel(a, jobID, reason) // best effort; failure is not fatal
		}
	}
	return d.store.Cancel(jobID, reason)
}

// SendCancelToAgent pushes a cancel directly without touching store state
// (used when the server already knows the job is terminal on its side).
func (d *Dispatcher) SendCancelToAgent(jobID, agentID, reason string) error {
	a, ok := d.registry.Get(agentID)
	if !ok {
		return coreerr.Newf(coreerr.CodeNotFound, "agent %s not found", agentID)
	}
	return d.sendCancel(a, jobID, reason)
}

func (d *Dispatcher) sendCancel(a *registry.Agent, jobID, reason string) error {
	if a.ConnectionHandle == nil {
		return coreerr.Newf(coreerr.CodeTransportFailure, "agent %s has no live connection", a.ID)
	}
	msg := &transport.CancelJobMessage{JobID: jobID, Reason: reason}
	return a.ConnectionHandle.Send("CancelJob", msg.Marshal())
}

// Statistics mirrors spec §4.5 getStatistics().
type Statistics struct {
	TotalDispatched int64
	TotalFailed     int64
	PendingJobs     int
	RunningJobs     int
	ConnectedAgents int
}

// GetStatistics computes a point-in-time snapshot by querying the store and
// registry directly; the running counters live in d.metrics (Prometheus is
// the counter of record, this just re-derives the gauge-shaped fields).
func (d *Dispatcher) GetStatistics() (*Statistics, error) {
	pendingStatus := job.StatusPending
	pending, err := d.store.GetJobs(&pendingStatus, "")
	if err != nil {
		return nil, err
	}
	runningStatus := job.StatusRunning
	running, err := d.store.GetJobs(&runningStatus, "")
	if err != nil {
		return nil, err
	}
	connected := 0
	for _, a := range d.registry.GetAll() {
		if a.ConnectionHandle != nil && !a.ConnectionHandle.Closed() {
			connected++
		}
	}
	if d.metrics != nil {
		d.metrics.SetPendingJobs(len(pending))
		d.metrics.SetRunningJobs(len(running))
	}
	return &Statistics{
		PendingJobs:     len(pending),
		RunningJobs:     len(running),
		ConnectedAgents: connected,
	}, nil
}

// RunningJobCount implements router.RunningCounter for the LeastConnections
// policy.
func (d *Dispatcher) RunningJobCount(agentID string) int {
	runningStatus := job.StatusRunning
	jobs, err := d.store.GetJobs(&runningStatus, agentID)
	if err != nil {
		return 0
	}
	return len(jobs)
}
