// Package processor is the Work-Item Processor (spec §4.6 C6): a single
// producer goroutine draining Pending jobs into a bounded channel, fanned
// out to N worker goroutines with bounded concurrency, each dispatching a
// job and dead-lettering it on exhausted retries. Lifecycle managed by
// golang.org/x/sync/errgroup the way jordigilh-kubernaut manages its
// background loops — the teacher itself has no concurrent worker pool to
// ground this on (its gateway dispatches synchronously, one job per
// RequestJob message), so the scheduling model is built fresh against the
// spec, in the errgroup idiom borrowed from the wider pack.
package processor

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iyulab/orbitmesh/internal/deadletter"
	"github.com/iyulab/orbitmesh/internal/dispatcher"
	"github.com/iyulab/orbitmesh/internal/job"
	"github.com/iyulab/orbitmesh/internal/queue"
	"github.com/iyulab/orbitmesh/internal/registry"
)

// Config holds the Work-Item Processor's tunables (spec §6 Configuration).
type Config struct {
	MaxConcurrency     int           // default 10-50
	PollingInterval    time.Duration // default 1s
	MaxDispatchRetries int           // default 3
	RetryDelay         time.Duration // default 5s
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:     20,
		PollingInterval:    time.Second,
		MaxDispatchRetries: 3,
		RetryDelay:         5 * time.Second,
	}
}

// Processor runs the producer/worker pipeline.
type Processor struct {
	cfg        Config
	store      job.Store
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	deadLetter *deadletter.Queue
	wake       *queue.WakeQueue // optional Redis fast-path; nil means poll only
	log        *zap.Logger

	ch chan *job.Job
}

// New creates a Processor. wake and log may both be nil.
func New(cfg Config, store job.Store, reg *registry.Registry, disp *dispatcher.Dispatcher, dlq *deadletter.Queue, wake *queue.WakeQueue, log *zap.Logger) *Processor {
	def := DefaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = def.PollingInterval
	}
	if cfg.MaxDispatchRetries <= 0 {
		cfg.MaxDispatchRetries = def.MaxDispatchRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		cfg:        cfg,
		store:      store,
		registry:   reg,
		dispatcher: disp,
		deadLetter: dlq,
		wake:       wake,
		log:        log.Named("processor"),
		ch:         make(chan *job.Job, 2*cfg.MaxConcurrency),
	}
}

// Run starts the producer and workers and blocks until ctx is cancelled and
// every worker has drained the channel (spec §4.6 cancellation: "Graceful
// shutdown is expected to complete in ≤ pollingInterval + retryDelay").
func (p *Processor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		p.produce(gctx)
		return nil
	})

	for i := 0; i < p.cfg.MaxConcurrency; i++ {
		g.Go(func() error {
			p.work(ctx)
			return nil
		})
	}

	return g.Wait()
}

// produce claims Pending jobs one at a time via store.DequeueNext, filtered
// to the capabilities any registered agent (disconnected ones included)
// advertises, and
// feeds them to the workers. DequeueNext's CAS (Pending -> Assigned, no
// agent) is what makes claiming safe across multiple processor instances;
// a plain GetJobs(Pending) read would hand the same job to two workers.
func (p *Processor) produce(ctx context.Context) {
	defer close(p.ch)
	for {
		drained := false
		for {
			j, err := p.store.DequeueNext(p.registry.AllCapabilities())
			if err != nil {
				p.log.Warn("dequeue pending job failed", zap.Error(err))
				break
			}
			if j == nil {
				break
			}
			drained = true
			select {
			case p.ch <- j:
			case <-ctx.Done():
				return
			}
		}

		if drained {
			// More may be waiting right behind what we just drained; skip
			// the wait and re-poll immediately.
			if ctx.Err() != nil {
				return
			}
			continue
		}

		if p.wake != nil {
			if err := p.wake.DequeueBlocking(ctx, p.cfg.PollingInterval); err != nil && err != queue.ErrEmpty {
				p.log.Debug("wake queue wait ended", zap.Error(err))
			}
		} else {
			select {
			case <-time.After(p.cfg.PollingInterval):
			case <-ctx.Done():
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Processor) work(ctx context.Context) {
	for j := range p.ch {
		p.processOne(ctx, j)
	}
}

// processOne dispatches a job already claimed by DequeueNext (Assigned, no
// agent yet), retrying up to cfg.MaxDispatchRetries times with cfg.RetryDelay
// between attempts (spec §4.6 consumer loop step 3) — a budget distinct from
// the job's own Request.MaxRetries/CanRetry, which governs execution
// retries after an agent reports a failed Result, not dispatch attempts
// here. Exhausting the budget dead-letters the job and terminally Fails it
// (spec step 4); nothing about this path ever requeues to Pending.
func (p *Processor) processOne(ctx context.Context, j *job.Job) {
	current, err := p.store.Get(j.ID)
	if err != nil || current.Status != job.StatusAssigned {
		return // already claimed elsewhere or gone
	}

	var lastReason string
	for attempt := 0; attempt < p.cfg.MaxDispatchRetries; attempt++ {
		if !p.hasReadyAgent() {
			lastReason = "no ready agents"
			if !p.sleepOrDone(ctx, p.cfg.RetryDelay) {
				return
			}
			continue
		}

		result, err := p.dispatcher.Dispatch(current)
		if err != nil {
			p.log.Warn("dispatch failed", zap.String("job_id", current.ID), zap.Error(err))
			lastReason = err.Error()
			if !p.sleepOrDone(ctx, p.cfg.RetryDelay) {
				return
			}
			continue
		}
		if result.IsSuccess {
			return
		}
		lastReason = result.FailureReason
		if !p.sleepOrDone(ctx, p.cfg.RetryDelay) {
			return
		}
	}

	p.deadLetter.Enqueue(current, lastReason)
	if _, err := p.store.Fail(current.ID, lastReason, "DISPATCH_FAILED"); err != nil {
		p.log.Warn("fail after dispatch exhaustion failed", zap.String("job_id", current.ID), zap.Error(err))
	}
}

func (p *Processor) hasReadyAgent() bool {
	for _, a := range p.registry.GetAll() {
		if a.Status == registry.StatusReady {
			return true
		}
	}
	return false
}

// sleepOrDone waits d or ctx cancellation, reporting which happened first.
func (p *Processor) sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
