// Package orchestrator is the Job Orchestrator (spec §4.9 C9): the public
// facade (SubmitJob/Cancel/GetJob/GetJobs) that glues the other components
// and enforces the idempotency contract at ingress. Grounded on the
// teacher's api.go REST handlers, which play the same "validate, then
// delegate to the owning component" role in front of job.Store/registry —
// generalized here into a facade callable from REST, gRPC, or an in-process
// workflow engine alike, per spec §6's "consumed by REST controllers,
// workflow engine, file-sync, etc."
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/iyulab/orbitmesh/internal/coreerr"
	"github.com/iyulab/orbitmesh/internal/deadletter"
	"github.com/iyulab/orbitmesh/internal/dispatcher"
	"github.com/iyulab/orbitmesh/internal/idempotency"
	"github.com/iyulab/orbitmesh/internal/job"
	"github.com/iyulab/orbitmesh/internal/progress"
	"github.com/iyulab/orbitmesh/internal/queue"
)

// Orchestrator is the public submission/inspection surface.
type Orchestrator struct {
	store      job.Store
	cache      idempotency.Store
	dispatcher *dispatcher.Dispatcher
	progress   *progress.Service
	deadLetter *deadletter.Queue
	wake       *queue.WakeQueue // optional Redis fast-path; nil means poll only
}

// New creates an Orchestrator. cache may be an in-memory *idempotency.Cache
// or an idempotency.Adapter wrapping a RedisCache for multi-process
// deployments (spec §11: distributed idempotency cache). wake may be nil.
func New(store job.Store, cache idempotency.Store, disp *dispatcher.Dispatcher, prog *progress.Service, dlq *deadletter.Queue, wake *queue.WakeQueue) *Orchestrator {
	return &Orchestrator{store: store, cache: cache, dispatcher: disp, progress: prog, deadLetter: dlq, wake: wake}
}

// SubmitJob implements spec §4.9 submitJob: the idempotency cache is
// checked first; a cache miss still falls through to the Store's own
// (never-expiring) idempotency index, which is the final authority for the
// job's lifetime (see internal/idempotency package doc).
func (o *Orchestrator) SubmitJob(req job.Request) (*job.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, coreerr.New(coreerr.CodeValidationFailed, err)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if !o.cache.TryAcquireLock(req.IdempotencyKey) {
		if jobID, ok := o.cache.GetResult(req.IdempotencyKey); ok {
			return o.store.Get(jobID)
		}
		if o.cache.IsProcessing(req.IdempotencyKey) {
			// Another submission with the same key is in flight; the Store's
			// own index will dedupe once it lands, so enqueue and let it.
			return o.enqueue(req)
		}
	}

	j, err := o.enqueue(req)
	if err != nil {
		o.cache.ReleaseLock(req.IdempotencyKey)
		return nil, err
	}
	o.cache.SetResult(req.IdempotencyKey, j.ID)
	return j, nil
}

func (o *Orchestrator) enqueue(req job.Request) (*job.Job, error) {
	j, _, err := o.store.Enqueue(req)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	if o.wake != nil {
		_ = o.wake.Notify(context.Background())
	}
	return j, nil
}

// CancelJob implements spec §4.9 cancelJob.
func (o *Orchestrator) CancelJob(jobID, reason string) (bool, error) {
	return o.dispatcher.CancelJob(jobID, reason)
}

// GetJob implements spec §4.9 getJob.
func (o *Orchestrator) GetJob(jobID string) (*job.Job, error) {
	j, err := o.store.Get(jobID)
	if errors.Is(err, job.ErrJobNotFound) {
		return nil, coreerr.New(coreerr.CodeNotFound, err)
	}
	return j, err
}

// GetJobs implements spec §4.9 getJobs.
func (o *Orchestrator) GetJobs(status *job.Status, agentID string) ([]*job.Job, error) {
	return o.store.GetJobs(status, agentID)
}

// HandleResult implements spec §4.9 handleResult by applying the result to
// the Job Store itself (kept here only as the documented public surface;
// cmd/server wires transport directly to ingest.Handlers for the hot path
// to avoid an extra indirection on every agent message).
func (o *Orchestrator) HandleResult(r job.Result) {
	if r.Status == job.StatusCompleted {
		_, _ = o.store.Complete(r.JobID, r)
	} else {
		_, _ = o.store.Fail(r.JobID, r.Error, r.ErrorCode)
	}
	o.progress.Forget(r.JobID)
}

// HandleProgress implements spec §4.9 handleProgress (see HandleResult doc
// on why the hot path bypasses this).
func (o *Orchestrator) HandleProgress(p job.Progress) {
	if ok, err := o.store.UpdateProgress(p); err == nil && ok {
		o.progress.Record(p)
	}
}

// SubscribeProgress implements spec §6 subscribeProgress, returning a
// Disposable (the unsubscribe func).
func (o *Orchestrator) SubscribeProgress(jobID string, cb func(job.Progress)) (unsubscribe func()) {
	return o.progress.Subscribe(jobID, cb)
}
