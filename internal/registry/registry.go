package registry

import (
	"sync"
	"time"

	"github.com/iyulab/orbitmesh/internal/metrics"
)

// Registry tracks connected agents (spec §4.1 C1). One mutex guards the map
// plus the capability/group indices, following the teacher's single-lock
// registry shape; the indices are new (the teacher has no routing, so it
// never needed to look agents up by capability or group).
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	byGroup  map[string]map[string]struct{} // group (normalized) -> set of agent IDs
	byCap    map[string]map[string]struct{} // capability (normalized) -> set of agent IDs
	metrics  *metrics.Registry
}

// New creates an empty registry. m may be nil to disable metrics (e.g. in
// unit tests that don't want to touch the default Prometheus registry).
func New(m *metrics.Registry) *Registry {
	return &Registry{
		agents:  make(map[string]*Agent),
		byGroup: make(map[string]map[string]struct{}),
		byCap:   make(map[string]map[string]struct{}),
		metrics: m,
	}
}

func indexAdd(idx map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func indexRemove(idx map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

func (r *Registry) unindexLocked(a *Agent) {
	indexRemove(r.byGroup, normalize(a.Group), a.ID)
	for _, c := range a.Capabilities {
		indexRemove(r.byCap, normalize(c), a.ID)
	}
}

func (r *Registry) indexLocked(a *Agent) {
	indexAdd(r.byGroup, normalize(a.Group), a.ID)
	for _, c := range a.Capabilities {
		indexAdd(r.byCap, normalize(c), a.ID)
	}
}

// Register adds a new agent record, or replaces an existing one with the
// same ID entirely (spec: at most one record per id). Newly registered
// agents start in StatusCreated unless the caller already set a Status.
func (r *Registry) Register(a *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[a.ID]; ok {
		r.unindexLocked(existing)
	}

	cp := a.snapshot()
	if cp.Status == "" {
		cp.Status = StatusCreated
	}
	if cp.ConnectedAt.IsZero() {
		cp.ConnectedAt = time.Now()
	}
	if cp.LastHeartbeat.IsZero() {
		cp.LastHeartbeat = cp.ConnectedAt
	}
	r.agents[cp.ID] = cp
	r.indexLocked(cp)
	r.recordMetricsLocked()
}

// Unregister removes an agent. No-op on unknown id (spec §4.1 invariant).
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return
	}
	r.unindexLocked(a)
	delete(r.agents, id)
	r.recordMetricsLocked()
}

// Get returns a snapshot of the agent, or ok=false if unknown.
func (r *Registry) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return a.snapshot(), true
}

// GetAll returns a snapshot of every registered agent.
func (r *Registry) GetAll() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.snapshot())
	}
	return out
}

// GetByCapability returns agents advertising capability name
// (case-insensitive).
func (r *Registry) GetByCapability(name string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byCap[normalize(name)]
	out := make([]*Agent, 0, len(ids))
	for id := range ids {
		if a, ok := r.agents[id]; ok {
			out = append(out, a.snapshot())
		}
	}
	return out
}

// GetByGroup returns agents in group g (case-insensitive).
func (r *Registry) GetByGroup(g string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byGroup[normalize(g)]
	out := make([]*Agent, 0, len(ids))
	for id := range ids {
		if a, ok := r.agents[id]; ok {
			out = append(out, a.snapshot())
		}
	}
	return out
}

// AllCapabilities returns the set of capabilities advertised by any
// currently registered agent, for callers (the Work-Item Processor) that
// need to know which pending jobs have any chance of being served before
// claiming them off the queue.
func (r *Registry) AllCapabilities() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.byCap))
	for cap := range r.byCap {
		out[cap] = true
	}
	return out
}

// UpdateStatus sets an agent's status. No-op on unknown id.
func (r *Registry) UpdateStatus(id string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return
	}
	a.Status = status
	r.recordMetricsLocked()
}

// UpdateHeartbeat records a heartbeat timestamp. No-op on unknown id.
func (r *Registry) UpdateHeartbeat(id string, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return
	}
	a.LastHeartbeat = ts
}

// recordMetricsLocked refreshes the gauges; caller must hold r.mu.
func (r *Registry) recordMetricsLocked() {
	if r.metrics == nil {
		return
	}
	counts := map[Status]int{}
	connected := 0
	for _, a := range r.agents {
		counts[a.Status]++
		if a.ConnectionHandle != nil && !a.ConnectionHandle.Closed() {
			connected++
		}
	}
	r.metrics.SetConnectedAgents(connected)
	for _, s := range []Status{StatusCreated, StatusReady, StatusRunning, StatusDisconnected, StatusDisabled} {
		r.metrics.SetAgentsByStatus(string(s), counts[s])
	}
}
