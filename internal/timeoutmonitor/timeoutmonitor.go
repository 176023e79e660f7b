// Package timeoutmonitor is the Timeout Monitor (spec §4.7 C7): a
// background loop that detects ACK and execution timeouts, requeues with a
// bounded timeout-retry counter, and dead-letters on exhaustion. No teacher
// equivalent (the teacher has no timeout concept at all); built fresh in
// the idiom of the teacher's other background loops — a ticker-driven loop
// guarded by a context, logging through the same zap conventions as the
// rest of the server.
package timeoutmonitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/iyulab/orbitmesh/internal/deadletter"
	"github.com/iyulab/orbitmesh/internal/job"
	"github.com/iyulab/orbitmesh/internal/metrics"
	"github.com/iyulab/orbitmesh/internal/queue"
)

// Config holds the Timeout Monitor's tunables (spec §6 Configuration).
type Config struct {
	CheckInterval     time.Duration // default 10s
	DefaultJobTimeout time.Duration // default 5m
	AckTimeout        time.Duration // default 30s
	MaxTimeoutRetries int           // default 3
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:     10 * time.Second,
		DefaultJobTimeout: 5 * time.Minute,
		AckTimeout:        30 * time.Second,
		MaxTimeoutRetries: 3,
	}
}

// Monitor runs the periodic ACK/execution timeout sweep.
type Monitor struct {
	cfg        Config
	store      job.Store
	deadLetter *deadletter.Queue
	metrics    *metrics.Registry
	wake       *queue.WakeQueue // optional Redis fast-path; nil means poll only
	log        *zap.Logger
}

// New creates a Monitor. wake and log may both be nil.
func New(cfg Config, store job.Store, dlq *deadletter.Queue, m *metrics.Registry, wake *queue.WakeQueue, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.CheckInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Monitor{cfg: cfg, store: store, deadLetter: dlq, metrics: m, wake: wake, log: log.Named("timeoutmonitor")}
}

// Run blocks, sweeping every CheckInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Monitor) sweep() {
	now := time.Now()

	assigned := job.StatusAssigned
	assignedJobs, err := m.store.GetJobs(&assigned, "")
	if err != nil {
		m.log.Warn("list assigned jobs failed", zap.Error(err))
	}
	for _, j := range assignedJobs {
		if j.AssignedAt != nil && now.Sub(*j.AssignedAt) > m.cfg.AckTimeout {
			m.HandleTimeout(j, "ACK timeout")
		}
	}

	running := job.StatusRunning
	runningJobs, err := m.store.GetJobs(&running, "")
	if err != nil {
		m.log.Warn("list running jobs failed", zap.Error(err))
	}
	for _, j := range runningJobs {
		if j.StartedAt == nil {
			continue
		}
		effective := j.Request.Timeout
		if effective <= 0 {
			effective = m.cfg.DefaultJobTimeout
		}
		if now.Sub(*j.StartedAt) > effective {
			m.HandleTimeout(j, "Execution timeout")
		}
	}
}

// HandleTimeout implements spec §4.7 handleTimeout, exported so the Ingest
// Handlers' onDisconnect can invoke it immediately for a disconnected
// agent's in-flight jobs rather than waiting for the next sweep (spec
// §4.8).
func (m *Monitor) HandleTimeout(j *job.Job, reason string) {
	ok, err := m.store.RequeueForTimeout(j.ID, m.cfg.MaxTimeoutRetries)
	if err != nil {
		m.log.Warn("requeue for timeout failed", zap.String("job_id", j.ID), zap.Error(err))
		return
	}
	if m.metrics != nil {
		m.metrics.IncTimeoutsHandled()
	}
	if ok {
		if m.wake != nil {
			_ = m.wake.Notify(context.Background())
		}
		m.log.Info("job requeued after timeout", zap.String("job_id", j.ID), zap.String("reason", reason))
		return
	}

	m.deadLetter.Enqueue(j, reason)
	if m.metrics != nil {
		m.metrics.IncDeadLettered()
	}
	if _, err := m.store.Fail(j.ID, reason, "TIMEOUT_EXCEEDED"); err != nil {
		m.log.Warn("fail after timeout exhaustion failed", zap.String("job_id", j.ID), zap.Error(err))
	}
	m.log.Warn("job dead-lettered after timeout retries exhausted", zap.String("job_id", j.ID), zap.String("reason", reason))
}
