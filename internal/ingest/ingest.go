// Package ingest is the Ingest Handlers (spec §4.8 C8): agent-facing entry
// points for ACK, progress, result, heartbeat, and disconnect events. Every
// handler here is non-throwing by contract — errors are logged, never
// propagated, since these are called directly off the transport's read
// pump and a panic or error return there would take down an agent's
// connection for an unrelated reason. Grounded on the teacher's
// handleHeartbeat/handleJobStatus handlers (gateway.go), which follow the
// same "look up, best-effort update, log and return" shape without ever
// surfacing an error to the caller.
package ingest

import (
	"time"

	"go.uber.org/zap"

	"github.com/iyulab/orbitmesh/internal/job"
	"github.com/iyulab/orbitmesh/internal/progress"
	"github.com/iyulab/orbitmesh/internal/registry"
	"github.com/iyulab/orbitmesh/internal/timeoutmonitor"
)

// Handlers implements transport.Ingest.
type Handlers struct {
	store      job.Store
	registry   *registry.Registry
	progress   *progress.Service
	monitor    *timeoutmonitor.Monitor
	log        *zap.Logger
}

// New creates Handlers. log may be nil.
func New(store job.Store, reg *registry.Registry, prog *progress.Service, monitor *timeoutmonitor.Monitor, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{store: store, registry: reg, progress: prog, monitor: monitor, log: log.Named("ingest")}
}

// OnAcknowledge implements spec §4.8 onAcknowledge.
func (h *Handlers) OnAcknowledge(jobID, agentID string) {
	ok, err := h.store.Acknowledge(jobID, agentID)
	if err != nil {
		h.log.Warn("acknowledge failed", zap.String("job_id", jobID), zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	if !ok {
		h.log.Warn("acknowledge rejected (stale or mismatched)", zap.String("job_id", jobID), zap.String("agent_id", agentID))
	}
}

// OnProgress implements spec §4.8 onProgress.
func (h *Handlers) OnProgress(p job.Progress) {
	ok, err := h.store.UpdateProgress(p)
	if err != nil {
		h.log.Warn("update progress failed", zap.String("job_id", p.JobID), zap.Error(err))
		return
	}
	if !ok {
		return // stale/out-of-order or job not Running; spec says ignore
	}
	h.progress.Record(p)
}

// OnResult implements spec §4.8 onResult.
func (h *Handlers) OnResult(r job.Result) {
	var (
		ok  bool
		err error
	)
	if r.Status == job.StatusCompleted {
		ok, err = h.store.Complete(r.JobID, r)
	} else {
		ok, err = h.store.Fail(r.JobID, r.Error, r.ErrorCode)
	}
	if err != nil {
		h.log.Warn("apply result failed", zap.String("job_id", r.JobID), zap.Error(err))
		return
	}
	if !ok {
		h.log.Warn("result rejected (job not in expected state)", zap.String("job_id", r.JobID))
		return
	}
	h.progress.Forget(r.JobID)
}

// OnHeartbeat implements spec §4.8 onHeartbeat.
func (h *Handlers) OnHeartbeat(agentID string, runningJobs int) {
	h.registry.UpdateHeartbeat(agentID, time.Now())
	if a, ok := h.registry.Get(agentID); ok && a.Status == registry.StatusDisconnected {
		h.registry.UpdateStatus(agentID, registry.StatusReady)
	}
}

// OnDisconnect implements spec §4.8 onDisconnect: marks the agent
// Disconnected and immediately runs timeout-recovery for every job it had
// in flight, rather than waiting for the next Timeout Monitor sweep.
func (h *Handlers) OnDisconnect(agentID string) {
	h.registry.UpdateStatus(agentID, registry.StatusDisconnected)

	assigned := job.StatusAssigned
	if jobs, err := h.store.GetJobs(&assigned, agentID); err == nil {
		for _, j := range jobs {
			h.monitor.HandleTimeout(j, "agent disconnected")
		}
	}
	running := job.StatusRunning
	if jobs, err := h.store.GetJobs(&running, agentID); err == nil {
		for _, j := range jobs {
			h.monitor.HandleTimeout(j, "agent disconnected")
		}
	}
}
