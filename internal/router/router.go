// Package router is the Agent Router (spec §4.4 C4): a pure selector that,
// given a candidate set and a policy, returns the chosen agent. It has no
// teacher equivalent — the teacher's gateway always picks "the agent that
// asked for work" — so this is built fresh, but kept small and
// single-purpose the way the teacher's own helpers are (e.g. gateway.go's
// one-job-at-a-time helpers), one function per policy.
package router

import (
	"crypto/rand"
	"math/big"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/iyulab/orbitmesh/internal/job"
	"github.com/iyulab/orbitmesh/internal/registry"
)

// JobStoreCounter adapts a job.Store directly into a RunningCounter, for
// wiring the Router before a Dispatcher exists (the Dispatcher also
// satisfies RunningCounter, but construction order would otherwise be
// circular: Router needs a counter, Dispatcher needs a Router).
type JobStoreCounter struct {
	Store job.Store
}

// RunningJobCount implements RunningCounter.
func (c JobStoreCounter) RunningJobCount(agentID string) int {
	running := job.StatusRunning
	jobs, err := c.Store.GetJobs(&running, agentID)
	if err != nil {
		return 0
	}
	return len(jobs)
}

// Policy selects how a candidate is chosen among equally-eligible agents.
type Policy string

const (
	PolicyRoundRobin       Policy = "ROUND_ROBIN"
	PolicyLeastConnections Policy = "LEAST_CONNECTIONS"
	PolicyRandom           Policy = "RANDOM"
	PolicyWeighted         Policy = "WEIGHTED"
)

// Request is the routing input (spec §4.4).
type Request struct {
	TargetGroup          string
	RequiredCapabilities []string
	RequiredTags         []string
	ExcludedAgentIDs     []string
	PreferredAgentID     string
}

// RunningCounter answers "how many Running jobs are assigned to this
// agent", needed by the LeastConnections policy. A job.Store satisfies this
// through JobStoreCounter above; the Dispatcher satisfies it directly.
type RunningCounter interface {
	RunningJobCount(agentID string) int
}

// Router selects agents from the Agent Registry per Policy.
type Router struct {
	registry *registry.Registry
	counters RunningCounter

	mu          sync.Mutex
	roundRobin  map[string]*uint64 // capability-group key -> counter
}

// New creates a Router. counters may be nil if the LeastConnections policy
// is never used.
func New(reg *registry.Registry, counters RunningCounter) *Router {
	return &Router{
		registry:   reg,
		counters:   counters,
		roundRobin: make(map[string]*uint64),
	}
}

func containsFold(set []string, want string) bool {
	for _, s := range set {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}

func allPresent(have []string, required []string) bool {
	for _, r := range required {
		if !containsFold(have, r) {
			return false
		}
	}
	return true
}

// candidates builds the starting set (spec §4.4 step 1): by group if set,
// else by first required capability if set, else everyone; then narrows by
// the remaining group/capability/tag/exclusion constraints.
func (r *Router) candidates(req Request) []*registry.Agent {
	var base []*registry.Agent
	switch {
	case req.TargetGroup != "":
		base = r.registry.GetByGroup(req.TargetGroup)
	case len(req.RequiredCapabilities) > 0:
		base = r.registry.GetByCapability(req.RequiredCapabilities[0])
	default:
		base = r.registry.GetAll()
	}

	excluded := make(map[string]struct{}, len(req.ExcludedAgentIDs))
	for _, id := range req.ExcludedAgentIDs {
		excluded[id] = struct{}{}
	}

	out := base[:0:0]
	for _, a := range base {
		if _, skip := excluded[a.ID]; skip {
			continue
		}
		if req.TargetGroup != "" && !strings.EqualFold(a.Group, req.TargetGroup) {
			continue
		}
		if !allPresent(a.Capabilities, req.RequiredCapabilities) {
			continue
		}
		if !allPresent(a.Tags, req.RequiredTags) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Select runs the full spec §4.4 algorithm and returns the chosen agent, or
// nil if the candidate set is empty.
func (r *Router) Select(req Request, policy Policy) *registry.Agent {
	candidates := r.candidates(req)
	if len(candidates) == 0 {
		return nil
	}

	if req.PreferredAgentID != "" {
		for _, a := range candidates {
			if a.ID == req.PreferredAgentID && a.Status == registry.StatusReady {
				return a
			}
		}
	}

	ready := candidates[:0:0]
	for _, a := range candidates {
		if a.Status == registry.StatusReady {
			ready = append(ready, a)
		}
	}
	if len(ready) == 0 {
		return nil
	}

	switch policy {
	case PolicyLeastConnections:
		return r.selectLeastConnections(ready)
	case PolicyRandom:
		return r.selectRandom(ready)
	case PolicyWeighted:
		return r.selectWeighted(ready)
	default: // PolicyRoundRobin and unrecognized values fall back to it
		return r.selectRoundRobin(req, ready)
	}
}

// groupKey is "the sorted, comma-joined required-capabilities string (or
// _all)" per spec §4.4 step 4.
func groupKey(caps []string) string {
	if len(caps) == 0 {
		return "_all"
	}
	sorted := append([]string(nil), caps...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func (r *Router) selectRoundRobin(req Request, ready []*registry.Agent) *registry.Agent {
	key := groupKey(req.RequiredCapabilities)
	r.mu.Lock()
	counter, ok := r.roundRobin[key]
	if !ok {
		var zero uint64
		counter = &zero
		r.roundRobin[key] = counter
	}
	r.mu.Unlock()

	n := atomic.AddUint64(counter, 1) - 1
	idx := int(n % uint64(len(ready)))
	return ready[idx]
}

func (r *Router) selectLeastConnections(ready []*registry.Agent) *registry.Agent {
	var best *registry.Agent
	bestCount := -1
	for _, a := range ready {
		count := 0
		if r.counters != nil {
			count = r.counters.RunningJobCount(a.ID)
		}
		if bestCount == -1 || count < bestCount {
			best = a
			bestCount = count
		}
	}
	return best
}

func cryptoIntn(n int) int {
	if n <= 1 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

func (r *Router) selectRandom(ready []*registry.Agent) *registry.Agent {
	return ready[cryptoIntn(len(ready))]
}

func (r *Router) selectWeighted(ready []*registry.Agent) *registry.Agent {
	total := 0
	for _, a := range ready {
		total += a.Weight()
	}
	if total <= 0 {
		return ready[0]
	}
	pick := cryptoIntn(total)
	cursor := 0
	for _, a := range ready {
		cursor += a.Weight()
		if pick < cursor {
			return a
		}
	}
	return ready[len(ready)-1]
}
