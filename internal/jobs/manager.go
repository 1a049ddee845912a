// Package jobs tracks the lifecycle of submitted work. Each job moves
// monotonically through the state machine defined in the domain package;
// every transition is published as a single atomic update so readers
// always observe a consistent snapshot.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

type tracked struct {
	mu   sync.Mutex
	job  domain.Job
	refs int
	done chan struct{}
}

// Manager owns the in-process job table. Jobs are process-local: nothing
// survives a restart.
type Manager struct {
	mu        sync.RWMutex
	jobs      map[string]*tracked
	retention time.Duration
	now       func() time.Time

	// onTerminal runs once per job, after its terminal transition is
	// published. The dispatcher uses it to record metrics and drop its
	// companion state.
	onTerminal func(domain.Job)
	// onTransition runs after every successful transition, outside the
	// job lock. The dispatcher uses it for gauge upkeep and to release
	// the job's pending-queue slot when it leaves the pending set.
	onTransition func(id string, from, to domain.JobState)
}

// NewManager creates an empty job table with the given retention window
// for terminal jobs.
func NewManager(retention time.Duration) *Manager {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Manager{jobs: make(map[string]*tracked), retention: retention, now: time.Now}
}

// OnTerminal registers the terminal-transition hook. Must be called
// before the first Create.
func (m *Manager) OnTerminal(fn func(domain.Job)) { m.onTerminal = fn }

// OnTransition registers the per-transition hook. Must be called before
// the first Create.
func (m *Manager) OnTransition(fn func(id string, from, to domain.JobState)) { m.onTransition = fn }

// Create records a new job in Queued and returns its id.
func (m *Manager) Create(c domain.Capability, fingerprint string, deadline time.Time) domain.Job {
	now := m.now()
	j := domain.Job{
		ID:          uuid.NewString(),
		Capability:  c,
		Fingerprint: fingerprint,
		State:       domain.JobQueued,
		SubmitTS:    now,
		Deadline:    deadline,
	}
	t := &tracked{job: j, done: make(chan struct{})}
	m.mu.Lock()
	m.jobs[j.ID] = t
	m.mu.Unlock()
	return j
}

// Mutation adjusts job fields inside a transition. It runs with the
// job's lock held and must not block.
type Mutation func(*domain.Job)

// Transition moves a job to the target state, applying mutations
// atomically with the state change. Illegal edges return ErrInternal;
// transitions out of terminal states are rejected the same way.
func (m *Manager) Transition(id string, to domain.JobState, muts ...Mutation) error {
	t, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	t.mu.Lock()
	from := t.job.State
	if !domain.CanTransition(from, to) {
		t.mu.Unlock()
		return fmt.Errorf("%w: illegal transition %s -> %s for job %s", domain.ErrInternal, from, to, id)
	}
	now := m.now()
	t.job.State = to
	if to == domain.JobRunning && t.job.StartTS.IsZero() {
		t.job.StartTS = now
	}
	if to.Terminal() {
		if t.job.StartTS.IsZero() {
			t.job.StartTS = t.job.SubmitTS
		}
		t.job.FinishTS = now
		t.job.RetentionUntil = now.Add(m.retention)
	}
	for _, mut := range muts {
		mut(&t.job)
	}
	snapshot := t.job
	t.mu.Unlock()

	if m.onTransition != nil {
		m.onTransition(id, from, to)
	}
	if to.Terminal() {
		close(t.done)
		slog.Debug("job settled",
			slog.String("job_id", id),
			slog.String("state", string(to)),
			slog.String("capability", string(snapshot.Capability)))
		if m.onTerminal != nil {
			m.onTerminal(snapshot)
		}
	}
	return nil
}

// SetProgress publishes a progress value in [0,1] for a running job.
func (m *Manager) SetProgress(id string, p float64) {
	if t, ok := m.lookup(id); ok {
		t.mu.Lock()
		if t.job.State == domain.JobRunning {
			t.job.Progress = p
		}
		t.mu.Unlock()
	}
}

// SetAttempts records the dispatch attempt counter for a live job.
func (m *Manager) SetAttempts(id string, n int) {
	if t, ok := m.lookup(id); ok {
		t.mu.Lock()
		if !t.job.State.Terminal() {
			t.job.Attempts = n
		}
		t.mu.Unlock()
	}
}

// Snapshot returns a consistent copy of the job, or false if it is
// unknown or already swept.
func (m *Manager) Snapshot(id string) (domain.Job, bool) {
	t, ok := m.lookup(id)
	if !ok {
		return domain.Job{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job, true
}

// Retain pins a job against the janitor while a holder references it.
func (m *Manager) Retain(id string) bool {
	t, ok := m.lookup(id)
	if !ok {
		return false
	}
	t.mu.Lock()
	t.refs++
	t.mu.Unlock()
	return true
}

// ReleaseRef drops a pin taken by Retain.
func (m *Manager) ReleaseRef(id string) {
	if t, ok := m.lookup(id); ok {
		t.mu.Lock()
		if t.refs > 0 {
			t.refs--
		}
		t.mu.Unlock()
	}
}

// Done returns a channel closed when the job reaches a terminal state.
// For unknown jobs it returns a closed channel.
func (m *Manager) Done(id string) <-chan struct{} {
	if t, ok := m.lookup(id); ok {
		return t.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	State      domain.JobState
	Capability domain.Capability
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// List returns snapshots matching the filter, newest submissions first.
func (m *Manager) List(f Filter) []domain.Job {
	m.mu.RLock()
	all := make([]*tracked, 0, len(m.jobs))
	for _, t := range m.jobs {
		all = append(all, t)
	}
	m.mu.RUnlock()

	matched := make([]domain.Job, 0, len(all))
	for _, t := range all {
		t.mu.Lock()
		j := t.job
		t.mu.Unlock()
		if f.State != "" && j.State != f.State {
			continue
		}
		if f.Capability != "" && j.Capability != f.Capability {
			continue
		}
		if !f.Since.IsZero() && j.SubmitTS.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && j.SubmitTS.After(f.Until) {
			continue
		}
		matched = append(matched, j)
	}
	sortBySubmitDesc(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched
}

func sortBySubmitDesc(jobs []domain.Job) {
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && jobs[j].SubmitTS.After(jobs[j-1].SubmitTS); j-- {
			jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
		}
	}
}

// Counts returns the number of jobs currently queued (or admitted) and running.
func (m *Manager) Counts() (queued, running int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.jobs {
		t.mu.Lock()
		switch t.job.State {
		case domain.JobQueued, domain.JobAdmitted:
			queued++
		case domain.JobRunning:
			running++
		}
		t.mu.Unlock()
	}
	return queued, running
}

// Sweep removes terminal jobs whose retention has elapsed and that no
// holder still references. Returns the number of jobs freed.
func (m *Manager) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	freed := 0
	for id, t := range m.jobs {
		t.mu.Lock()
		expired := t.job.State.Terminal() && !t.job.RetentionUntil.IsZero() && now.After(t.job.RetentionUntil) && t.refs == 0
		t.mu.Unlock()
		if expired {
			delete(m.jobs, id)
			freed++
		}
	}
	return freed
}

// RunJanitor sweeps expired jobs at a fixed cadence until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				slog.Debug("job janitor sweep", slog.Int("freed", n))
			}
		}
	}
}

func (m *Manager) lookup(id string) (*tracked, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.jobs[id]
	return t, ok
}

// SetClock overrides the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }
