// Package health probes backends independently of request traffic and
// maintains a circuit breaker per backend. Probe results and outbound
// call outcomes share the same consecutive-failure counter; state
// changes propagate to the router and the admission controller.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-orchestrator/internal/admission"
	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-orchestrator/internal/registry"
)

// Prober is the subset of the southbound port the aggregator needs.
type Prober interface {
	Probe(ctx context.Context, b domain.Backend) error
}

type breaker struct {
	consecutiveFailures int
	openUntil           time.Time
	halfOpen            bool
	drained             bool
	lastProbeTS         time.Time
	lastLatency         time.Duration
}

// Aggregator drives per-backend health state. All methods are safe for
// concurrent use.
type Aggregator struct {
	reg       *registry.Registry
	adm       *admission.Controller
	prober    Prober
	interval  time.Duration
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	breakers map[string]*breaker
	now      func() time.Time
}

// New builds an aggregator for the fleet held by the registry.
func New(reg *registry.Registry, adm *admission.Controller, prober Prober, interval, cooldown time.Duration, threshold int) *Aggregator {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if threshold <= 0 {
		threshold = 5
	}
	a := &Aggregator{
		reg:       reg,
		adm:       adm,
		prober:    prober,
		interval:  interval,
		threshold: threshold,
		cooldown:  cooldown,
		breakers:  make(map[string]*breaker),
		now:       time.Now,
	}
	for _, b := range reg.Backends() {
		a.breakers[b.ID] = &breaker{}
	}
	return a
}

// Run probes every backend at the configured cadence until ctx is done.
// Backends with an open circuit are skipped until their cool-down
// elapses; the first probe after that is the half-open trial.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	a.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.probeAll(ctx)
		}
	}
}

func (a *Aggregator) probeAll(ctx context.Context) {
	for _, b := range a.reg.Backends() {
		a.probeOne(ctx, b)
	}
}

func (a *Aggregator) probeOne(ctx context.Context, b domain.Backend) {
	a.mu.Lock()
	br := a.breaker(b.ID)
	now := a.now()
	if br.drained {
		a.mu.Unlock()
		return
	}
	if now.Before(br.openUntil) {
		a.mu.Unlock()
		return
	}
	if !br.openUntil.IsZero() && !br.halfOpen {
		// Cool-down elapsed; this probe is the single half-open trial.
		br.halfOpen = true
	}
	a.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, a.interval)
	start := a.now()
	err := a.prober.Probe(probeCtx, b)
	cancel()

	a.mu.Lock()
	br.lastProbeTS = a.now()
	br.lastLatency = a.now().Sub(start)
	a.mu.Unlock()
	a.report(b.ID, err)
}

// ReportSuccess records a successful outbound call to the backend.
func (a *Aggregator) ReportSuccess(backendID string) { a.report(backendID, nil) }

// ReportFailure records a failed outbound call. Only failures the
// backend is responsible for count toward the breaker; client-side
// errors (invalid request, caller cancellation) do not.
func (a *Aggregator) ReportFailure(backendID string, err error) {
	if err == nil || !countsAgainstBackend(err) {
		return
	}
	a.report(backendID, err)
}

func countsAgainstBackend(err error) bool {
	return domain.Retryable(err)
}

// report applies one observation to the breaker and publishes the
// resulting health state.
func (a *Aggregator) report(backendID string, err error) {
	a.mu.Lock()
	br := a.breaker(backendID)
	if br.drained {
		a.mu.Unlock()
		return
	}
	now := a.now()
	if err == nil {
		br.consecutiveFailures = 0
		br.openUntil = time.Time{}
		br.halfOpen = false
	} else {
		br.consecutiveFailures++
		if br.halfOpen || br.consecutiveFailures >= a.threshold {
			// Trial failed or threshold crossed: (re)open the circuit.
			br.openUntil = now.Add(a.cooldown)
			br.halfOpen = false
		}
	}
	state := a.stateLocked(backendID, br, now)
	a.mu.Unlock()
	a.publish(backendID, state)
}

// stateLocked derives the externally visible health state from the
// breaker. Caller holds a.mu.
func (a *Aggregator) stateLocked(backendID string, br *breaker, now time.Time) domain.HealthState {
	st := domain.HealthState{
		BackendID:           backendID,
		ConsecutiveFailures: br.consecutiveFailures,
		LastProbeTS:         br.lastProbeTS,
		LastLatency:         br.lastLatency,
		OpenCircuitUntil:    br.openUntil,
	}
	switch {
	case br.drained || now.Before(br.openUntil):
		st.Status = domain.HealthUnhealthy
	case br.consecutiveFailures > 0:
		st.Status = domain.HealthDegraded
	default:
		st.Status = domain.HealthHealthy
	}
	return st
}

func (a *Aggregator) publish(backendID string, st domain.HealthState) {
	a.reg.SetHealth(backendID, st)
	a.adm.SetDegraded(backendID, st.Status == domain.HealthDegraded)
	observability.SetBackendHealth(backendID, st.Status)
}

// Drain marks a backend Unhealthy and suspends probing. Admin surface only.
func (a *Aggregator) Drain(backendID string) bool {
	a.mu.Lock()
	br, ok := a.breakers[backendID]
	if !ok {
		a.mu.Unlock()
		return false
	}
	br.drained = true
	now := a.now()
	state := a.stateLocked(backendID, br, now)
	a.mu.Unlock()
	slog.Info("backend drained", slog.String("backend", backendID))
	a.publish(backendID, state)
	return true
}

// Restore re-enables probing for a drained backend. The backend stays
// Unhealthy until the next successful probe.
func (a *Aggregator) Restore(backendID string) bool {
	a.mu.Lock()
	br, ok := a.breakers[backendID]
	if !ok {
		a.mu.Unlock()
		return false
	}
	br.drained = false
	br.consecutiveFailures = a.threshold
	br.openUntil = a.now()
	a.mu.Unlock()
	slog.Info("backend restored", slog.String("backend", backendID))
	return true
}

// breaker returns the record for backendID, creating it for backends
// added after construction. Caller holds a.mu.
func (a *Aggregator) breaker(backendID string) *breaker {
	br, ok := a.breakers[backendID]
	if !ok {
		br = &breaker{}
		a.breakers[backendID] = br
	}
	return br
}

// SetClock overrides the time source. Tests only.
func (a *Aggregator) SetClock(now func() time.Time) { a.now = now }
