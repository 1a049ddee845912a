// Package admission bounds concurrent outbound work: a FIFO semaphore per
// backend caps in-flight calls, and a global pending-job counter sheds
// load instead of buffering unboundedly.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

// Each permit is worth two units so that a Degraded backend can halve its
// effective cap without resizing the semaphore: healthy acquires take 2,
// degraded acquires take 4.
const (
	unitHealthy  = 2
	unitDegraded = 4
)

type backendSem struct {
	sem      *semaphore.Weighted
	degraded atomic.Bool
	inFlight atomic.Int64
}

// Controller issues admission tokens. All methods are safe for concurrent use.
type Controller struct {
	mu        sync.Mutex
	sems      map[string]*backendSem
	caps      map[string]int64
	globalCap int64
	pending   atomic.Int64
}

// NewController sizes per-backend semaphores from the fleet configuration.
func NewController(backends []domain.Backend, globalQueueCap int) *Controller {
	c := &Controller{
		sems:      make(map[string]*backendSem, len(backends)),
		caps:      make(map[string]int64, len(backends)),
		globalCap: int64(globalQueueCap),
	}
	for _, b := range backends {
		cap64 := int64(b.MaxInFlight)
		if cap64 <= 0 {
			cap64 = 20
		}
		c.sems[b.ID] = &backendSem{sem: semaphore.NewWeighted(cap64 * unitHealthy)}
		c.caps[b.ID] = cap64
	}
	return c
}

// Token is an unforgeable permit for one concurrent call to one backend.
// Release is idempotent.
type Token struct {
	backendID string
	weight    int64
	bs        *backendSem
	once      sync.Once
}

// BackendID names the backend the token is bound to.
func (t *Token) BackendID() string { return t.backendID }

// Release returns the permit. Must be called exactly once per acquired
// token on success, failure, and cancellation paths alike.
func (t *Token) Release() {
	t.once.Do(func() {
		t.bs.inFlight.Add(-1)
		t.bs.sem.Release(t.weight)
	})
}

// Acquire blocks until a slot for the backend frees up, the context's
// deadline elapses, or the context is cancelled. Waiters are served FIFO.
func (c *Controller) Acquire(ctx context.Context, backendID string) (*Token, error) {
	c.mu.Lock()
	bs, ok := c.sems[backendID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %q", domain.ErrInternal, backendID)
	}
	weight := int64(unitHealthy)
	if bs.degraded.Load() {
		weight = unitDegraded
	}
	if err := bs.sem.Acquire(ctx, weight); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("%w: admission wait aborted", domain.ErrCancelled)
		}
		return nil, fmt.Errorf("%w: admission wait: %v", domain.ErrTimeout, err)
	}
	bs.inFlight.Add(1)
	return &Token{backendID: backendID, weight: weight, bs: bs}, nil
}

// SetDegraded halves (or restores) the effective cap for new acquisitions.
// Tokens already held are unaffected.
func (c *Controller) SetDegraded(backendID string, degraded bool) {
	c.mu.Lock()
	bs, ok := c.sems[backendID]
	c.mu.Unlock()
	if ok {
		bs.degraded.Store(degraded)
	}
}

// TryEnqueue claims a slot in the global pending queue. It fails with
// Overloaded when the queue is at capacity; the caller must not buffer.
func (c *Controller) TryEnqueue() error {
	for {
		cur := c.pending.Load()
		if cur >= c.globalCap {
			return fmt.Errorf("%w: pending queue at capacity (%d)", domain.ErrOverloaded, c.globalCap)
		}
		if c.pending.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// Dequeue releases a pending-queue slot when a job leaves the pending
// set: admitted to run, or settled while still queued.
func (c *Controller) Dequeue() {
	if c.pending.Add(-1) < 0 {
		// Unbalanced release; clamp rather than underflow.
		c.pending.Store(0)
	}
}

// Pending returns the number of jobs currently counted against the
// global queue cap.
func (c *Controller) Pending() int64 { return c.pending.Load() }

// InFlight returns the number of tokens currently held for a backend.
func (c *Controller) InFlight(backendID string) int64 {
	c.mu.Lock()
	bs, ok := c.sems[backendID]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return bs.inFlight.Load()
}
