// Package cache provides the fingerprint-keyed response cache with
// single-flight de-duplication. At any instant a fingerprint has either a
// published entry, an in-flight marker, or neither — never both.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

// ErrPromoted is returned from Flight.Wait when the origin was cancelled
// and this waiter has been promoted: it must adopt the flight and
// dispatch the request itself.
var ErrPromoted = errors.New("promoted to flight origin")

// Mirror is an optional remote tier for published entries. In-flight
// markers are never mirrored; single-flight is strictly per-process.
type Mirror interface {
	Get(ctx context.Context, fingerprint string) (json.RawMessage, bool, error)
	Set(ctx context.Context, fingerprint string, result json.RawMessage, ttl time.Duration) error
}

type entry struct {
	fingerprint string
	result      json.RawMessage
	insertedTS  time.Time
	ttl         time.Duration
	refs        int
	elem        *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.insertedTS) >= e.ttl
}

// Flight is the in-flight marker for one fingerprint. The origin
// publishes or fails it; waiters block on Wait.
type Flight struct {
	fingerprint string
	c           *Cache

	mu      sync.Mutex
	origin  string
	waiters int
	promote chan struct{}

	done   chan struct{}
	result json.RawMessage
	err    error
}

// Origin returns the job id currently driving the backend call.
func (f *Flight) Origin() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.origin
}

// Wait blocks until the flight settles, the waiter is promoted to
// origin, or ctx expires. A promoted waiter receives ErrPromoted and
// must call Adopt before dispatching.
func (f *Flight) Wait(ctx context.Context) (json.RawMessage, error) {
	f.mu.Lock()
	f.waiters++
	f.mu.Unlock()
	defer f.leave()
	select {
	case <-f.done:
		return f.result, f.err
	case <-f.promote:
		return nil, ErrPromoted
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("%w: wait aborted", domain.ErrCancelled)
		}
		return nil, fmt.Errorf("%w: waiting for in-flight result", domain.ErrTimeout)
	}
}

// Adopt installs jobID as the flight's new origin after a promotion.
func (f *Flight) Adopt(jobID string) {
	f.mu.Lock()
	f.origin = jobID
	f.mu.Unlock()
}

// leave unregisters a waiter. If the last waiter departs with an
// unconsumed promotion, nobody is left to adopt the flight, so it is
// failed rather than leaked.
func (f *Flight) leave() {
	f.mu.Lock()
	f.waiters--
	last := f.waiters == 0
	f.mu.Unlock()
	if !last {
		return
	}
	select {
	case <-f.promote:
		f.c.Fail(f.fingerprint, fmt.Errorf("%w: origin cancelled", domain.ErrCancelled))
	default:
	}
}

// Stats summarizes cache behavior for the health surface.
type Stats struct {
	Entries  int   `json:"entries"`
	InFlight int   `json:"in_flight"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Joins    int64 `json:"joins"`
	Evicted  int64 `json:"evicted"`
}

// Cache is a bounded LRU map of published results plus the in-flight
// marker table. All methods are safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	lru        *list.List // front = most recent
	inflight   map[string]*Flight
	maxEntries int
	defaultTTL time.Duration
	mirror     Mirror
	now        func() time.Time

	hits    atomic.Int64
	misses  atomic.Int64
	joins   atomic.Int64
	evicted atomic.Int64
}

// New creates a cache. A non-positive defaultTTL disables caching:
// lookups miss and publishes are dropped, but single-flight still works.
func New(maxEntries int, defaultTTL time.Duration, mirror Mirror) *Cache {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	return &Cache{
		entries:    make(map[string]*entry),
		lru:        list.New(),
		inflight:   make(map[string]*Flight),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		mirror:     mirror,
		now:        time.Now,
	}
}

// Enabled reports whether publishing is enabled at all.
func (c *Cache) Enabled() bool { return c.defaultTTL > 0 }

// Get returns the published result for a fingerprint if fresh. Expired
// entries are evicted lazily. On a local miss the mirror, if any, is
// consulted and a fresh entry is re-installed locally.
func (c *Cache) Get(ctx context.Context, fingerprint string) (json.RawMessage, bool) {
	if !c.Enabled() {
		return nil, false
	}
	c.mu.Lock()
	if e, ok := c.entries[fingerprint]; ok {
		if e.expired(c.now()) {
			c.removeLocked(e)
		} else {
			c.lru.MoveToFront(e.elem)
			res := e.result
			c.mu.Unlock()
			c.hits.Add(1)
			return res, true
		}
	}
	c.mu.Unlock()

	if c.mirror != nil {
		if res, found, err := c.mirror.Get(ctx, fingerprint); err == nil && found {
			c.install(fingerprint, res, c.defaultTTL)
			c.hits.Add(1)
			return res, true
		}
	}
	c.misses.Add(1)
	return nil, false
}

// BeginFlight installs an in-flight marker for the fingerprint with
// originJobID as origin, or joins the existing one. The check for a
// published entry happens under the same lock, so a Publish that raced
// an earlier miss is returned as a hit instead of starting a second
// flight; in that case the result is non-nil and the flight is nil.
// The last return reports whether the caller is the origin.
func (c *Cache) BeginFlight(fingerprint, originJobID string) (json.RawMessage, *Flight, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Enabled() {
		if e, ok := c.entries[fingerprint]; ok {
			if e.expired(c.now()) {
				c.removeLocked(e)
			} else {
				c.lru.MoveToFront(e.elem)
				c.hits.Add(1)
				return e.result, nil, false
			}
		}
	}
	if f, ok := c.inflight[fingerprint]; ok {
		c.joins.Add(1)
		return nil, f, false
	}
	f := &Flight{
		fingerprint: fingerprint,
		c:           c,
		origin:      originJobID,
		promote:     make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	c.inflight[fingerprint] = f
	return nil, f, true
}

// Publish settles the flight with a result, wakes every waiter, and
// replaces the marker with a cache entry (when caching is enabled).
// Marker removal and entry install share one critical section so no
// observer sees both, or neither mid-publish. A ttl of zero uses the
// cache default.
func (c *Cache) Publish(ctx context.Context, fingerprint string, result json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	f, ok := c.inflight[fingerprint]
	if ok {
		delete(c.inflight, fingerprint)
	}
	if c.Enabled() {
		c.installLocked(fingerprint, result, ttl)
	}
	c.mu.Unlock()
	if ok {
		f.result = result
		close(f.done)
	}
	if c.Enabled() && c.mirror != nil {
		_ = c.mirror.Set(ctx, fingerprint, result, ttl)
	}
}

// Fail removes the in-flight marker and wakes waiters with the error.
// Nothing is cached.
func (c *Cache) Fail(fingerprint string, err error) {
	c.mu.Lock()
	f, ok := c.inflight[fingerprint]
	if ok {
		delete(c.inflight, fingerprint)
	}
	c.mu.Unlock()
	if ok {
		f.err = err
		close(f.done)
	}
}

// CancelOrigin handles cancellation of the flight's origin job. If any
// waiter is blocked, one of them is promoted to become the new origin and
// the marker survives; otherwise the marker is removed. Returns true when
// a waiter was promoted.
func (c *Cache) CancelOrigin(fingerprint, jobID string) bool {
	c.mu.Lock()
	f, ok := c.inflight[fingerprint]
	c.mu.Unlock()
	if !ok {
		return false
	}
	f.mu.Lock()
	if f.origin != jobID {
		f.mu.Unlock()
		return false
	}
	hasWaiters := f.waiters > 0
	f.mu.Unlock()
	if hasWaiters {
		// Buffered send: the next waiter to wake consumes the promotion
		// even if none is parked in its select yet. If every waiter
		// departs first, the last one out fails the flight (see leave).
		select {
		case f.promote <- struct{}{}:
			return true
		default:
			// A promotion is already pending.
			return true
		}
	}
	c.Fail(fingerprint, fmt.Errorf("%w: origin cancelled", domain.ErrCancelled))
	return false
}

// Pin marks an entry as referenced; pinned entries are skipped by LRU
// eviction until unpinned.
func (c *Cache) Pin(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[fingerprint]; ok {
		e.refs++
	}
}

// Unpin drops a reference taken by Pin.
func (c *Cache) Unpin(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[fingerprint]; ok && e.refs > 0 {
		e.refs--
	}
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries := len(c.entries)
	inflight := len(c.inflight)
	c.mu.Unlock()
	return Stats{
		Entries:  entries,
		InFlight: inflight,
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Joins:    c.joins.Load(),
		Evicted:  c.evicted.Load(),
	}
}

func (c *Cache) install(fingerprint string, result json.RawMessage, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.installLocked(fingerprint, result, ttl)
}

// installLocked adds or refreshes an entry. Caller holds c.mu.
func (c *Cache) installLocked(fingerprint string, result json.RawMessage, ttl time.Duration) {
	if e, ok := c.entries[fingerprint]; ok {
		e.result = result
		e.insertedTS = c.now()
		e.ttl = ttl
		c.lru.MoveToFront(e.elem)
		return
	}
	e := &entry{fingerprint: fingerprint, result: result, insertedTS: c.now(), ttl: ttl}
	e.elem = c.lru.PushFront(e)
	c.entries[fingerprint] = e
	c.evictLocked()
}

// evictLocked trims the LRU tail down to maxEntries, skipping pinned
// entries. Caller holds c.mu.
func (c *Cache) evictLocked() {
	for len(c.entries) > c.maxEntries {
		victim := c.oldestUnpinnedLocked()
		if victim == nil {
			return
		}
		c.removeLocked(victim)
		c.evicted.Add(1)
	}
}

func (c *Cache) oldestUnpinnedLocked() *entry {
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.refs == 0 {
			return e
		}
	}
	return nil
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.fingerprint)
	c.lru.Remove(e.elem)
}

// SetClock overrides the time source. Tests only.
func (c *Cache) SetClock(now func() time.Time) { c.now = now }
