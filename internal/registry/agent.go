// Package registry is the Agent Registry (spec §4.1): the exclusive source
// of truth for connected agents, their status, heartbeat, capabilities,
// tags, group, and transport handle. Generalized from the teacher's
// cloud/internal/registry/registry.go, which tracked a flat
// map[string]*AgentInfo keyed only by hostname/maxConcurrency/paused; here
// the same single-mutex-plus-map shape carries the full agent model plus
// the capability/group indices the Router (C4) needs.
package registry

import (
	"strings"
	"time"
)

// Status is the agent's lifecycle state (spec §3 Agent).
type Status string

const (
	StatusCreated      Status = "CREATED"
	StatusReady        Status = "READY"
	StatusRunning      Status = "RUNNING"
	StatusDisconnected Status = "DISCONNECTED"
	StatusDisabled     Status = "DISABLED"
)

// ConnectionHandle is a weak reference to an agent's live transport. The
// registry never dials out through it; it only tracks liveness and hands it
// to the dispatcher/transport layer for pushing requests.
type ConnectionHandle interface {
	// Send pushes method/payload to the agent and reports transport failure.
	Send(method string, payload []byte) error
	// Closed reports whether the underlying connection has gone away.
	Closed() bool
}

// Agent is the registry's record (spec §3 Agent).
type Agent struct {
	ID               string
	Name             string
	Group            string
	Tags             []string
	Capabilities     []string
	Status           Status
	ConnectionHandle ConnectionHandle
	LastHeartbeat    time.Time
	ConnectedAt      time.Time
	Metadata         map[string]string
}

// IsDispatchable is the spec's derived invariant: status=Ready AND the
// connection handle is live.
func (a *Agent) IsDispatchable() bool {
	return a.Status == StatusReady && a.ConnectionHandle != nil && !a.ConnectionHandle.Closed()
}

// Weight reads metadata.weight for the Weighted routing policy (spec §4.4
// step 4); defaults to 1, floors at 1 for non-positive/unparseable values.
func (a *Agent) Weight() int {
	raw, ok := a.Metadata["weight"]
	if !ok {
		return 1
	}
	w := 0
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 1
		}
		w = w*10 + int(c-'0')
	}
	if w < 1 {
		return 1
	}
	return w
}

// snapshot returns a shallow-safe copy for callers outside the registry's
// lock (slices/maps are copied so a caller can't mutate registry state).
func (a *Agent) snapshot() *Agent {
	cp := *a
	if a.Tags != nil {
		cp.Tags = append([]string(nil), a.Tags...)
	}
	if a.Capabilities != nil {
		cp.Capabilities = append([]string(nil), a.Capabilities...)
	}
	if a.Metadata != nil {
		cp.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
