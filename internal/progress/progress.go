// Package progress is the Progress Service (spec §4 C11): latest + bounded
// history of progress reports per job, with pub/sub to observers. Grounded
// on the teacher's single-mutex-plus-map shape (registry.go, deadletter.go)
// with the one addition the spec calls for explicitly: publish happens
// outside the lock, and a panicking subscriber must not take the service
// down with it.
package progress

import (
	"sync"

	"github.com/iyulab/orbitmesh/internal/job"
)

// DefaultMaxHistorySize is the per-job ring buffer bound (spec §6
// progress.maxHistorySize).
const DefaultMaxHistorySize = 100

// Subscriber receives progress reports for one job until Unsubscribe (the
// Disposable in spec §6 subscribeProgress) is called.
type Subscriber func(p job.Progress)

type jobState struct {
	latest      *job.Progress
	history     []job.Progress // ring buffer, oldest first
	subscribers map[int]Subscriber
	nextSubID   int
}

// Service tracks progress per job and fans out updates to subscribers.
type Service struct {
	mu             sync.Mutex
	maxHistorySize int
	jobs           map[string]*jobState
}

// New creates a Service. maxHistorySize <= 0 uses DefaultMaxHistorySize.
func New(maxHistorySize int) *Service {
	if maxHistorySize <= 0 {
		maxHistorySize = DefaultMaxHistorySize
	}
	return &Service{maxHistorySize: maxHistorySize, jobs: make(map[string]*jobState)}
}

// Record stores p as the job's latest progress, appends it to the bounded
// history, and publishes it to subscribers outside the lock.
func (s *Service) Record(p job.Progress) {
	s.mu.Lock()
	st, ok := s.jobs[p.JobID]
	if !ok {
		st = &jobState{subscribers: make(map[int]Subscriber)}
		s.jobs[p.JobID] = st
	}
	cp := p
	st.latest = &cp
	st.history = append(st.history, cp)
	if len(st.history) > s.maxHistorySize {
		st.history = st.history[len(st.history)-s.maxHistorySize:]
	}
	subs := make([]Subscriber, 0, len(st.subscribers))
	for _, sub := range st.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		s.publish(sub, cp)
	}
}

// publish calls sub, swallowing any panic so one broken observer never
// takes down the reporting path for others.
func (s *Service) publish(sub Subscriber, p job.Progress) {
	defer func() { _ = recover() }()
	sub(p)
}

// Latest returns the most recent progress report for jobID, if any.
func (s *Service) Latest(jobID string) (*job.Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[jobID]
	if !ok || st.latest == nil {
		return nil, false
	}
	cp := *st.latest
	return &cp, true
}

// History returns the bounded history for jobID, oldest first.
func (s *Service) History(jobID string) []job.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	return append([]job.Progress(nil), st.history...)
}

// Subscribe registers sub for updates on jobID and returns an Unsubscribe
// func (the spec's Disposable).
func (s *Service) Subscribe(jobID string, sub Subscriber) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[jobID]
	if !ok {
		st = &jobState{subscribers: make(map[int]Subscriber)}
		s.jobs[jobID] = st
	}
	id := st.nextSubID
	st.nextSubID++
	st.subscribers[id] = sub

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if st, ok := s.jobs[jobID]; ok {
			delete(st.subscribers, id)
		}
	}
}

// Forget drops all state for jobID (called once a job reaches a terminal
// status and its progress is no longer of interest).
func (s *Service) Forget(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}
