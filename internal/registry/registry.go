// Package registry holds the backend fleet and routes capabilities to
// backends. The registry is built once at startup; only health state and
// in-flight counters mutate afterwards.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

type entry struct {
	backend  domain.Backend
	health   domain.HealthState
	inFlight int
}

// Registry maps capabilities to backends and tracks per-backend health
// and outstanding-request counts. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	byCap   map[domain.Capability][]*entry
	rr      map[domain.Capability]int
	now     func() time.Time
}

// New builds a registry from the configured fleet. Every backend starts
// Healthy; the health aggregator refines that over time.
func New(backends []domain.Backend) (*Registry, error) {
	r := &Registry{
		entries: make(map[string]*entry, len(backends)),
		byCap:   make(map[domain.Capability][]*entry),
		rr:      make(map[domain.Capability]int),
		now:     time.Now,
	}
	for _, b := range backends {
		if _, dup := r.entries[b.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate backend id %q", domain.ErrInternal, b.ID)
		}
		e := &entry{backend: b, health: domain.HealthState{BackendID: b.ID, Status: domain.HealthHealthy}}
		r.entries[b.ID] = e
		for _, c := range b.Capabilities {
			r.byCap[c] = append(r.byCap[c], e)
		}
	}
	return r, nil
}

// Selection is the result of a resolve: the chosen backend plus a release
// callback that must be invoked when the outbound call settles.
type Selection struct {
	Backend domain.Backend
	Status  domain.HealthStatus
	release func()
	once    sync.Once
}

// Release decrements the backend's outstanding-request counter. Safe to
// call more than once.
func (s *Selection) Release() { s.once.Do(s.release) }

// Resolve picks a routable backend for the capability, preferring Healthy
// over Degraded, then fewer outstanding requests, then round-robin order.
// The outstanding counter is incremented atomically with the selection.
// Backends in exclude are skipped when any alternative is routable.
func (r *Registry) Resolve(c domain.Capability, exclude ...string) (*Selection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := r.routable(c)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: capability %s", domain.ErrNoBackend, c)
	}
	if len(exclude) > 0 {
		filtered := make([]*entry, 0, len(candidates))
		for _, e := range candidates {
			if !contains(exclude, e.backend.ID) {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}

	rrIdx := r.rr[c]
	r.rr[c] = rrIdx + 1
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.health.Status != b.health.Status {
			return a.health.Status == domain.HealthHealthy
		}
		// Weighted load: heavier backends tolerate more outstanding work
		// before losing the comparison.
		la := a.inFlight * weight(b.backend)
		lb := b.inFlight * weight(a.backend)
		if la != lb {
			return la < lb
		}
		return false
	})
	// Round-robin among equally loaded leaders.
	leaders := leadingRun(candidates)
	chosen := leaders[rrIdx%len(leaders)]
	chosen.inFlight++

	sel := &Selection{Backend: chosen.backend, Status: chosen.health.Status}
	id := chosen.backend.ID
	sel.release = func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if e, ok := r.entries[id]; ok && e.inFlight > 0 {
			e.inFlight--
		}
	}
	return sel, nil
}

// routable returns candidates that are not Unhealthy and whose circuit is
// closed. Caller holds r.mu.
func (r *Registry) routable(c domain.Capability) []*entry {
	now := r.now()
	var out []*entry
	for _, e := range r.byCap[c] {
		if e.health.Status == domain.HealthUnhealthy || e.health.CircuitOpen(now) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// leadingRun returns the prefix of sorted candidates that compare equal to
// the first element on status and weighted load.
func leadingRun(sorted []*entry) []*entry {
	first := sorted[0]
	n := 1
	for ; n < len(sorted); n++ {
		e := sorted[n]
		if e.health.Status != first.health.Status {
			break
		}
		if e.inFlight*weight(first.backend) != first.inFlight*weight(e.backend) {
			break
		}
	}
	return sorted[:n]
}

func weight(b domain.Backend) int {
	if b.Weight <= 0 {
		return 1
	}
	return b.Weight
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// BackendsFor enumerates the backends eligible for a capability,
// regardless of health. Used by probes and the ops surface.
func (r *Registry) BackendsFor(c domain.Capability) []domain.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Backend, 0, len(r.byCap[c]))
	for _, e := range r.byCap[c] {
		out = append(out, e.backend)
	}
	return out
}

// Backends returns the full fleet.
func (r *Registry) Backends() []domain.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Backend, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.backend)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetHealth records a new health state for a backend. Only the health
// aggregator and the admin surface call this.
func (r *Registry) SetHealth(id string, h domain.HealthState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	if e.health.Status != h.Status {
		slog.Info("backend health changed",
			slog.String("backend", id),
			slog.String("from", string(e.health.Status)),
			slog.String("to", string(h.Status)))
	}
	h.BackendID = id
	e.health = h
}

// Health returns the current health state for a backend.
func (r *Registry) Health(id string) (domain.HealthState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return domain.HealthState{}, false
	}
	return e.health, true
}

// BackendStatus is one row of the registry snapshot.
type BackendStatus struct {
	Backend  domain.Backend
	Health   domain.HealthState
	InFlight int
}

// Snapshot returns a consistent view of the fleet for health reporting.
func (r *Registry) Snapshot() []BackendStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BackendStatus, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, BackendStatus{Backend: e.backend, Health: e.health, InFlight: e.inFlight})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend.ID < out[j].Backend.ID })
	return out
}
