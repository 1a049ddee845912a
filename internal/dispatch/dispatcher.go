// Package dispatch ties the routing, admission, batching, caching and
// job-tracking layers together behind the Submit/Get/List/Cancel facade.
// Retry policy lives here so it can coordinate backend selection with
// admission and job state.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/ai-orchestrator/internal/admission"
	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-orchestrator/internal/batch"
	"github.com/fairyhunter13/ai-orchestrator/internal/cache"
	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-orchestrator/internal/fingerprint"
	"github.com/fairyhunter13/ai-orchestrator/internal/health"
	"github.com/fairyhunter13/ai-orchestrator/internal/jobs"
	"github.com/fairyhunter13/ai-orchestrator/internal/registry"
)

// Config carries the dispatcher's tunables.
type Config struct {
	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	DefaultTimeout       time.Duration
	MaxBatchSize         int
	MaxBatchWait         time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 3
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 50 * time.Millisecond
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = 2 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	return c
}

// Options modify one submission.
type Options struct {
	// Deadline is the job's absolute deadline. Zero means now plus the
	// configured default timeout.
	Deadline time.Time
	// AllowCache opts a non-pure request into the response cache and
	// single-flight coalescing.
	AllowCache bool
	// Priority "high" bypasses the batcher and dispatches immediately.
	Priority string
}

// jobInfo is the dispatcher-side companion record for one live job.
type jobInfo struct {
	capability domain.Capability
	body       json.RawMessage
	fp         string
	cacheable  bool
	flight     *cache.Flight
	ctx        context.Context
	cancel     context.CancelFunc
}

// Dispatcher is the job control plane. One instance serves the process.
type Dispatcher struct {
	cfg    Config
	reg    *registry.Registry
	adm    *admission.Controller
	caller domain.BackendCaller
	cache  *cache.Cache
	jobs   *jobs.Manager
	agg    *health.Aggregator

	batcher *batch.Batcher
	infos   sync.Map // job id -> *jobInfo
	queued  sync.Map // job ids holding a global pending-queue slot

	baseCtx    context.Context
	baseCancel context.CancelFunc
	accepting  atomic.Bool
	wg         sync.WaitGroup
}

// New wires a dispatcher. The caller starts the job janitor and the
// health aggregator separately.
func New(cfg Config, reg *registry.Registry, adm *admission.Controller, caller domain.BackendCaller, rc *cache.Cache, jm *jobs.Manager, agg *health.Aggregator) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:        cfg.withDefaults(),
		reg:        reg,
		adm:        adm,
		caller:     caller,
		cache:      rc,
		jobs:       jm,
		agg:        agg,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	d.accepting.Store(true)
	d.batcher = batch.New(d.cfg.MaxBatchSize, d.cfg.MaxBatchWait, d.runGroup)

	jm.OnTransition(func(id string, from, to domain.JobState) {
		if (from == domain.JobQueued || from == domain.JobAdmitted) && (to == domain.JobRunning || to.Terminal()) {
			observability.JobsQueued.Dec()
			// The job leaves the pending set here; release its
			// queue slot if it claimed one. Cache-hit jobs never did.
			if _, held := d.queued.LoadAndDelete(id); held {
				d.adm.Dequeue()
			}
		}
		if to == domain.JobRunning {
			observability.JobsRunning.Inc()
		}
		if from == domain.JobRunning && to.Terminal() {
			observability.JobsRunning.Dec()
		}
	})
	jm.OnTerminal(func(j domain.Job) {
		d.infos.Delete(j.ID)
		observability.ObserveRequest(string(j.Capability), requestStatus(j.State), j.FinishTS.Sub(j.SubmitTS))
		if j.ErrorKind != "" {
			observability.RecordError(string(j.Capability), j.ErrorKind)
		}
	})
	return d
}

func requestStatus(s domain.JobState) string {
	switch s {
	case domain.JobSucceeded:
		return "success"
	case domain.JobCancelled:
		return "cancelled"
	case domain.JobTimedOut:
		return "timeout"
	default:
		return "error"
	}
}

// Handle exposes one submitted job to the caller.
type Handle struct {
	id string
	d  *Dispatcher
}

// ID returns the job id.
func (h *Handle) ID() string { return h.id }

// Await blocks until the job reaches a terminal state or ctx is done.
func (h *Handle) Await(ctx context.Context) (domain.Job, error) {
	select {
	case <-h.d.jobs.Done(h.id):
	case <-ctx.Done():
		return domain.Job{}, ctx.Err()
	}
	j, ok := h.d.jobs.Snapshot(h.id)
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, h.id)
	}
	return j, nil
}

// Cancel requests cancellation. Idempotent.
func (h *Handle) Cancel() { h.d.Cancel(h.id) }

// Submit runs the dispatch algorithm for one request: fingerprint,
// cache lookup, single-flight join, queue-cap check, then batched or
// direct dispatch. The returned handle is valid even after the job
// settles, until its retention window elapses.
func (d *Dispatcher) Submit(ctx context.Context, c domain.Capability, body json.RawMessage, opts Options) (*Handle, error) {
	if !d.accepting.Load() {
		return nil, fmt.Errorf("%w: shutting down", domain.ErrOverloaded)
	}
	if !c.Valid() {
		return nil, fmt.Errorf("%w: unknown capability %q", domain.ErrInvalidRequest, c)
	}
	fp, err := fingerprint.Compute(c, body)
	if err != nil {
		return nil, err
	}
	deadline := opts.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(d.cfg.DefaultTimeout)
	}
	cacheable := c.Pure() || opts.AllowCache

	// Cache hit settles the job without touching the queue cap.
	if cacheable {
		if res, ok := d.cache.Get(ctx, fp); ok {
			observability.CacheHitsTotal.Inc()
			j := d.jobs.Create(c, fp, deadline)
			observability.JobsQueued.Inc()
			d.advanceToRunning(j.ID)
			_ = d.jobs.Transition(j.ID, domain.JobSucceeded, func(job *domain.Job) { job.Result = res })
			return &Handle{id: j.ID, d: d}, nil
		}
	}

	if err := d.adm.TryEnqueue(); err != nil {
		observability.RecordError(string(c), domain.ErrorKind(err))
		return nil, err
	}
	j := d.jobs.Create(c, fp, deadline)
	d.queued.Store(j.ID, struct{}{})
	observability.JobsQueued.Inc()
	jobCtx, cancel := context.WithDeadline(d.baseCtx, deadline)
	info := &jobInfo{capability: c, body: body, fp: fp, cacheable: cacheable, ctx: jobCtx, cancel: cancel}
	d.infos.Store(j.ID, info)

	if cacheable {
		res, flight, origin := d.cache.BeginFlight(fp, j.ID)
		if flight == nil {
			// A concurrent publish landed between the cache check and
			// the marker install; serve it as a hit.
			observability.CacheHitsTotal.Inc()
			d.settleSuccess(j.ID, info, res, false)
			return &Handle{id: j.ID, d: d}, nil
		}
		info.flight = flight
		if !origin {
			observability.SingleFlightJoinsTotal.Inc()
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.runWaiter(j.ID, info)
			}()
			return &Handle{id: j.ID, d: d}, nil
		}
	}

	if c.Batchable() && opts.Priority != "high" {
		if d.batcher.Add(c, fingerprint.BucketKey(c, body), j.ID, body) {
			return &Handle{id: j.ID, d: d}, nil
		}
		// Batcher closed during shutdown; fall through to direct dispatch.
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runJob(j.ID, info)
	}()
	return &Handle{id: j.ID, d: d}, nil
}

// Get returns a consistent snapshot of the job. The job is pinned
// against the janitor for the duration of the read.
func (d *Dispatcher) Get(id string) (domain.Job, bool) {
	if !d.jobs.Retain(id) {
		return domain.Job{}, false
	}
	defer d.jobs.ReleaseRef(id)
	return d.jobs.Snapshot(id)
}

// List returns job snapshots matching the filter.
func (d *Dispatcher) List(f jobs.Filter) []domain.Job {
	return d.jobs.List(f)
}

// Cancel moves the job toward Cancelled: it is pulled from the batcher
// if still queued, its context is cancelled to abort admission waits and
// the outbound call best-effort, and its record settles immediately.
// Idempotent; returns false only for unknown jobs.
func (d *Dispatcher) Cancel(id string) bool {
	v, ok := d.infos.Load(id)
	if !ok {
		// Already terminal (info cleaned up) or never existed.
		_, known := d.jobs.Snapshot(id)
		return known
	}
	info := v.(*jobInfo)
	d.batcher.Remove(id)
	info.cancel()
	d.settleFailure(id, info, fmt.Errorf("%w: by caller", domain.ErrCancelled))
	return true
}

// HealthReport is the aggregate view served by the health endpoints.
type HealthReport struct {
	Backends   []registry.BackendStatus
	Pending    int64
	BatchDepth int
	Queued     int
	Running    int
	Cache      cache.Stats
}

// Health snapshots queue depths, backend health and cache counters.
func (d *Dispatcher) Health() HealthReport {
	queued, running := d.jobs.Counts()
	return HealthReport{
		Backends:   d.reg.Snapshot(),
		Pending:    d.adm.Pending(),
		BatchDepth: d.batcher.Depth(),
		Queued:     queued,
		Running:    running,
		Cache:      d.cache.Stats(),
	}
}

// Shutdown stops accepting submissions, flushes the batcher, drains
// in-flight jobs until ctx expires, then cancels what remains.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.accepting.Store(false)
	d.batcher.Flush()

	done := make(chan struct{})
	go func() {
		d.batcher.Close()
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("shutdown deadline reached; cancelling remaining jobs")
		d.baseCancel()
		<-done
	}
	d.baseCancel()
}

// runWaiter blocks on another job's in-flight call and settles with the
// shared outcome. A promoted waiter becomes the new origin and
// dispatches the request itself.
func (d *Dispatcher) runWaiter(id string, info *jobInfo) {
	res, err := info.flight.Wait(info.ctx)
	switch {
	case err == nil:
		d.settleSuccess(id, info, res, false)
	case errors.Is(err, cache.ErrPromoted):
		info.flight.Adopt(id)
		d.runJob(id, info)
	default:
		d.settleFailure(id, info, err)
	}
}

// runJob drives one job through resolve → admit → call, retrying
// transient upstream failures with exponential backoff and full jitter.
// Successive attempts avoid the previously used backend when the router
// has an alternative.
func (d *Dispatcher) runJob(id string, info *jobInfo) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.RetryInitialInterval
	bo.MaxInterval = d.cfg.RetryMaxInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 1
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastBackend string
	for attempt := 1; ; attempt++ {
		res, backendID, callErr := d.attempt(id, info, attempt, lastBackend)
		if callErr == nil {
			d.settleSuccess(id, info, res, true)
			return
		}
		lastBackend = backendID
		if !domain.Retryable(callErr) || attempt >= d.cfg.RetryMaxAttempts {
			d.settleFailure(id, info, callErr)
			return
		}
		wait := bo.NextBackOff()
		slog.Debug("retrying job",
			slog.String("job_id", id),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.String("error", callErr.Error()))
		timer := time.NewTimer(wait)
		select {
		case <-info.ctx.Done():
			timer.Stop()
			d.settleFailure(id, info, ctxErr(info.ctx))
			return
		case <-timer.C:
		}
	}
}

// attempt performs a single resolve/admit/call cycle. It returns the
// backend id used so the retry loop can exclude it next time.
func (d *Dispatcher) attempt(id string, info *jobInfo, attempt int, exclude string) (json.RawMessage, string, error) {
	var excludes []string
	if exclude != "" {
		excludes = append(excludes, exclude)
	}
	sel, err := d.reg.Resolve(info.capability, excludes...)
	if err != nil {
		return nil, "", err
	}
	backendID := sel.Backend.ID

	token, err := d.adm.Acquire(info.ctx, backendID)
	if err != nil {
		sel.Release()
		return nil, backendID, err
	}
	if attempt == 1 {
		if err := d.jobs.Transition(id, domain.JobAdmitted); err != nil {
			// Lost a cancellation race; the job already settled.
			token.Release()
			sel.Release()
			return nil, backendID, ctxErr(info.ctx)
		}
		_ = d.jobs.Transition(id, domain.JobRunning)
	}
	d.jobs.SetAttempts(id, attempt)
	d.jobs.SetProgress(id, 0.5)

	observability.ConnectionOpened(backendID)
	res, callErr := d.caller.Call(info.ctx, sel.Backend, info.capability, info.body)
	observability.ConnectionClosed(backendID)
	token.Release()
	sel.Release()

	if callErr == nil {
		d.agg.ReportSuccess(backendID)
		observability.ObserveInference(string(info.capability), "success")
	} else {
		d.agg.ReportFailure(backendID, callErr)
		observability.ObserveInference(string(info.capability), "error")
	}
	return res, backendID, callErr
}

// runGroup dispatches one sealed batch: a single resolve and admission
// token cover the whole group, members transition together, and results
// are delivered back in submission order.
func (d *Dispatcher) runGroup(g batch.Group) {
	members, infos := d.liveMembers(g)
	if len(members) == 0 {
		return
	}
	observability.BatchSizeHistogram.Observe(float64(len(members)))

	groupCtx, cancel := context.WithDeadline(d.baseCtx, earliestDeadline(infos))
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.RetryInitialInterval
	bo.MaxInterval = d.cfg.RetryMaxInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 1
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastBackend string
	for attempt := 1; ; attempt++ {
		results, backendID, callErr := d.groupAttempt(groupCtx, g.Capability, members, infos, attempt, lastBackend)
		if callErr == nil {
			d.deliver(g.Capability, members, infos, results)
			return
		}
		lastBackend = backendID
		if !domain.Retryable(callErr) || attempt >= d.cfg.RetryMaxAttempts {
			for i, m := range members {
				d.settleFailure(m.JobID, infos[i], callErr)
			}
			return
		}
		wait := bo.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-groupCtx.Done():
			timer.Stop()
			err := ctxErr(groupCtx)
			for i, m := range members {
				d.settleFailure(m.JobID, infos[i], err)
			}
			return
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) groupAttempt(ctx context.Context, c domain.Capability, members []batch.Member, infos []*jobInfo, attempt int, exclude string) ([]json.RawMessage, string, error) {
	var excludes []string
	if exclude != "" {
		excludes = append(excludes, exclude)
	}
	sel, err := d.reg.Resolve(c, excludes...)
	if err != nil {
		return nil, "", err
	}
	backendID := sel.Backend.ID

	token, err := d.adm.Acquire(ctx, backendID)
	if err != nil {
		sel.Release()
		return nil, backendID, err
	}
	if attempt == 1 {
		for _, m := range members {
			if err := d.jobs.Transition(m.JobID, domain.JobAdmitted); err == nil {
				_ = d.jobs.Transition(m.JobID, domain.JobRunning)
			}
		}
	}
	for _, m := range members {
		d.jobs.SetAttempts(m.JobID, attempt)
	}

	observability.ConnectionOpened(backendID)
	var results []json.RawMessage
	var callErr error
	if sel.Backend.SupportsBatch {
		results, callErr = d.caller.CallBatch(ctx, sel.Backend, c, bodies(members))
	} else {
		// Backend has no batch endpoint: dispatch members individually
		// under the one admission token.
		for _, m := range members {
			var res json.RawMessage
			res, callErr = d.caller.Call(ctx, sel.Backend, c, m.Body)
			if callErr != nil {
				break
			}
			results = append(results, res)
		}
	}
	observability.ConnectionClosed(backendID)
	token.Release()
	sel.Release()

	if callErr == nil {
		d.agg.ReportSuccess(backendID)
		observability.ObserveInference(string(c), "success")
	} else {
		d.agg.ReportFailure(backendID, callErr)
		observability.ObserveInference(string(c), "error")
	}
	return results, backendID, callErr
}

// deliver distributes batch results to members in submission order.
// Members beyond the result count fail with BatchShortResponse.
func (d *Dispatcher) deliver(c domain.Capability, members []batch.Member, infos []*jobInfo, results []json.RawMessage) {
	for i, m := range members {
		if i < len(results) {
			d.settleSuccess(m.JobID, infos[i], results[i], true)
			continue
		}
		d.settleFailure(m.JobID, infos[i], fmt.Errorf("%w: %d results for %d members", domain.ErrBatchShort, len(results), len(members)))
	}
	if len(results) < len(members) {
		slog.Warn("batch short response",
			slog.String("capability", string(c)),
			slog.Int("members", len(members)),
			slog.Int("results", len(results)))
	}
}

// liveMembers filters out members that settled while waiting in the
// bucket (cancellation or deadline).
func (d *Dispatcher) liveMembers(g batch.Group) ([]batch.Member, []*jobInfo) {
	members := make([]batch.Member, 0, len(g.Members))
	infos := make([]*jobInfo, 0, len(g.Members))
	for _, m := range g.Members {
		v, ok := d.infos.Load(m.JobID)
		if !ok {
			continue
		}
		info := v.(*jobInfo)
		if info.ctx.Err() != nil {
			d.settleFailure(m.JobID, info, ctxErr(info.ctx))
			continue
		}
		members = append(members, m)
		infos = append(infos, info)
	}
	return members, infos
}

// settleSuccess publishes the result to the job record and, for a
// cacheable origin, to the response cache and any single-flight waiters.
func (d *Dispatcher) settleSuccess(id string, info *jobInfo, result json.RawMessage, origin bool) {
	d.advanceToRunning(id)
	_ = d.jobs.Transition(id, domain.JobSucceeded, func(j *domain.Job) {
		j.Progress = 1
		j.Result = result
	})
	if origin && info.cacheable && info.flight != nil {
		d.cache.Publish(d.baseCtx, info.fp, result, 0)
	}
	info.cancel()
}

// settleFailure classifies err into a terminal state and settles the
// flight: a cancelled origin promotes a waiter, any other failure wakes
// waiters with the error. Safe to call more than once; only the first
// settle wins.
func (d *Dispatcher) settleFailure(id string, info *jobInfo, err error) {
	to := domain.JobFailed
	switch {
	case errors.Is(err, domain.ErrCancelled):
		to = domain.JobCancelled
	case errors.Is(err, domain.ErrTimeout):
		to = domain.JobTimedOut
	}
	terr := d.jobs.Transition(id, to, func(j *domain.Job) {
		j.Error = err.Error()
		j.ErrorKind = domain.ErrorKind(err)
	})
	if terr != nil {
		// Already settled by a concurrent path.
		return
	}
	if info.flight != nil && info.flight.Origin() == id {
		if to == domain.JobCancelled {
			if promoted := d.cache.CancelOrigin(info.fp, id); promoted {
				info.cancel()
				return
			}
		} else {
			d.cache.Fail(info.fp, err)
		}
	}
	info.cancel()
}

// advanceToRunning walks a job that never dispatched (cache hit, flight
// waiter) through the intermediate states so observers still see a valid
// transition path.
func (d *Dispatcher) advanceToRunning(id string) {
	j, ok := d.jobs.Snapshot(id)
	if !ok {
		return
	}
	if j.State == domain.JobQueued {
		_ = d.jobs.Transition(id, domain.JobAdmitted)
	}
	j, ok = d.jobs.Snapshot(id)
	if ok && j.State == domain.JobAdmitted {
		_ = d.jobs.Transition(id, domain.JobRunning)
	}
}

func bodies(members []batch.Member) []json.RawMessage {
	out := make([]json.RawMessage, len(members))
	for i, m := range members {
		out[i] = m.Body
	}
	return out
}

func earliestDeadline(infos []*jobInfo) time.Time {
	var min time.Time
	for _, info := range infos {
		dl, ok := info.ctx.Deadline()
		if !ok {
			continue
		}
		if min.IsZero() || dl.Before(min) {
			min = dl
		}
	}
	if min.IsZero() {
		min = time.Now().Add(30 * time.Second)
	}
	return min
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: job deadline elapsed", domain.ErrTimeout)
	}
	return fmt.Errorf("%w: job aborted", domain.ErrCancelled)
}
