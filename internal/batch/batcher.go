// Package batch implements the micro-batching engine. Jobs for batchable
// capabilities gather in buckets keyed by (capability, bucket-key); a
// bucket seals when it reaches the size cap, when the wait window
// elapses, or on an explicit flush, and is then handed to the dispatcher
// as one unit.
package batch

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

// Member is one job inside a group, carried with its request body.
type Member struct {
	JobID string
	Body  json.RawMessage
}

// Group is a sealed batch. Members are in submission order; responses
// must be delivered back in the same order.
type Group struct {
	Capability domain.Capability
	BucketKey  string
	OpenTS     time.Time
	Members    []Member
}

// DispatchFunc receives sealed groups. It runs on its own goroutine and
// owns the members' lifecycle from that point on.
type DispatchFunc func(Group)

type bucket struct {
	capability domain.Capability
	key        string
	openTS     time.Time
	members    []Member
	timer      *time.Timer
	sealed     bool
}

// Batcher owns the open buckets. All methods are safe for concurrent use.
type Batcher struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	maxSize  int
	maxWait  time.Duration
	dispatch DispatchFunc
	wg       sync.WaitGroup
	closed   bool
	now      func() time.Time
}

// New creates a batcher that seals groups at maxSize members or after
// maxWait, whichever comes first.
func New(maxSize int, maxWait time.Duration, dispatch DispatchFunc) *Batcher {
	if maxSize <= 0 {
		maxSize = 8
	}
	if maxWait <= 0 {
		maxWait = 100 * time.Millisecond
	}
	return &Batcher{
		buckets:  make(map[string]*bucket),
		maxSize:  maxSize,
		maxWait:  maxWait,
		dispatch: dispatch,
		now:      time.Now,
	}
}

// Add appends a job to the bucket for (capability, bucketKey), opening
// the bucket on first member. Returns false after Close; the caller must
// then dispatch the job directly or reject it.
func (b *Batcher) Add(c domain.Capability, bucketKey, jobID string, body json.RawMessage) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	key := string(c) + "\x00" + bucketKey
	bk, ok := b.buckets[key]
	if !ok {
		bk = &bucket{capability: c, key: bucketKey, openTS: b.now()}
		bk.timer = time.AfterFunc(b.maxWait, func() { b.sealByKey(key) })
		b.buckets[key] = bk
	}
	bk.members = append(bk.members, Member{JobID: jobID, Body: body})
	full := len(bk.members) >= b.maxSize
	if full {
		b.sealLocked(key, bk)
	}
	b.mu.Unlock()
	return true
}

// Remove drops a job that is still waiting in an open bucket. Returns
// true when the job was found; false means it was already sealed into a
// group (or never batched) and cancellation must be handled downstream.
func (b *Batcher) Remove(jobID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, bk := range b.buckets {
		for i, m := range bk.members {
			if m.JobID != jobID {
				continue
			}
			bk.members = append(bk.members[:i], bk.members[i+1:]...)
			if len(bk.members) == 0 {
				bk.timer.Stop()
				delete(b.buckets, key)
			}
			return true
		}
	}
	return false
}

// sealByKey is the timer path.
func (b *Batcher) sealByKey(key string) {
	b.mu.Lock()
	if bk, ok := b.buckets[key]; ok {
		b.sealLocked(key, bk)
	}
	b.mu.Unlock()
}

// sealLocked closes the bucket and hands it to the dispatch function on
// a fresh goroutine. Caller holds b.mu.
func (b *Batcher) sealLocked(key string, bk *bucket) {
	if bk.sealed {
		return
	}
	bk.sealed = true
	bk.timer.Stop()
	delete(b.buckets, key)
	if len(bk.members) == 0 {
		return
	}
	g := Group{Capability: bk.capability, BucketKey: bk.key, OpenTS: bk.openTS, Members: bk.members}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.dispatch(g)
	}()
}

// Flush seals every open bucket immediately.
func (b *Batcher) Flush() {
	b.mu.Lock()
	for key, bk := range b.buckets {
		b.sealLocked(key, bk)
	}
	b.mu.Unlock()
}

// Close flushes all buckets, rejects further Adds, and waits for every
// in-flight dispatch callback to return.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	for key, bk := range b.buckets {
		b.sealLocked(key, bk)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// Depth reports the number of jobs currently waiting in open buckets.
func (b *Batcher) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, bk := range b.buckets {
		n += len(bk.members)
	}
	return n
}

// SetClock overrides the time source. Tests only.
func (b *Batcher) SetClock(now func() time.Time) { b.now = now }
