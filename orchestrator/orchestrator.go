package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/maxpoletaev/kiviroute/cluster"
	"github.com/maxpoletaev/kiviroute/clustermap"
	"github.com/maxpoletaev/kiviroute/diag"
	"github.com/maxpoletaev/kiviroute/failure"
	"github.com/maxpoletaev/kiviroute/locator"
	"github.com/maxpoletaev/kiviroute/retry"
)

var (
	ErrClosed         = errors.New("orchestrator closed")
	ErrInvalidService = errors.New("invalid service")

	// Attempt context causes. Endpoints classify a cancelled attempt by
	// its cause: the timer expiring is a timeout, the rest is cancellation.
	errCancelled = failure.New(failure.ReasonCancelled, errors.New("request cancelled"))
	errTimedOut  = failure.New(failure.ReasonTimeout, errors.New("attempt timed out"))
)

// RejectedPolicy decides what happens after a node rejects a request because
// it doesn't own the partition.
type RejectedPolicy uint8

const (
	// RefreshFirst fetches a new cluster map before retrying.
	RefreshFirst RejectedPolicy = iota
	// ReplicaFirst retries once on the first replica of the partition and
	// only refreshes the map if that fails too.
	ReplicaFirst
)

// Topology is the source of cluster maps, usually a *configprovider.Provider.
type Topology interface {
	Current() *clustermap.ClusterMap
	Refresh(ctx context.Context) error
	Ready() <-chan struct{}
}

type Config struct {
	// DefaultTimeout applies to requests submitted without a deadline.
	DefaultTimeout time.Duration
	// AttemptTimeout bounds a single attempt. Zero lets an attempt use the
	// whole remaining budget.
	AttemptTimeout time.Duration
	Retry          retry.Strategy
	RejectedPolicy RejectedPolicy
	// QueueUntilReady makes requests submitted before the first cluster map
	// wait for it instead of failing with TopologyNotAvailable.
	QueueUntilReady bool
	ReplicaOrder    locator.ReplicaOrder
	Logger          kitlog.Logger
	Diag            *diag.Bus
}

func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 2500 * time.Millisecond,
		Retry:          retry.NewBackoff(retry.DefaultConfig()),
		RejectedPolicy: RefreshFirst,
		ReplicaOrder:   locator.ReplicaInOrder,
		Logger:         kitlog.NewNopLogger(),
	}
}

// Orchestrator runs requests against the cluster: it locates the target
// node, dispatches through its endpoint and retries failures while the
// topology changes underneath.
type Orchestrator struct {
	conf     Config
	topology Topology
	registry *cluster.Registry
	logger   kitlog.Logger
	cursor   atomic.Uint64
	base     context.Context
	stop     context.CancelFunc
	mut      sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
}

func New(topology Topology, registry *cluster.Registry, conf Config) *Orchestrator {
	if conf.Logger == nil {
		conf.Logger = kitlog.NewNopLogger()
	}

	if conf.Retry == nil {
		conf.Retry = retry.NewBackoff(retry.DefaultConfig())
	}

	if conf.ReplicaOrder == nil {
		conf.ReplicaOrder = locator.ReplicaInOrder
	}

	base, stop := context.WithCancel(context.Background())

	return &Orchestrator{
		conf:     conf,
		topology: topology,
		registry: registry,
		logger:   conf.Logger,
		base:     base,
		stop:     stop,
	}
}

// Submit starts the request and returns its future right away. Cancelling
// ctx cancels the request.
func (o *Orchestrator) Submit(ctx context.Context, req Request) *Future {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	f := newFuture(req.ID)

	if !req.Service.Valid() {
		f.complete(Response{}, failure.New(failure.ReasonNoCandidate, fmt.Errorf("%w: %s", ErrInvalidService, req.Service)), StateFailed)
		return f
	}

	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(o.conf.DefaultTimeout)
	}

	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	o.mut.RLock()

	if o.closed {
		o.mut.RUnlock()
		f.complete(Response{}, failure.New(failure.ReasonCancelled, ErrClosed), StateCancelled)

		return f
	}

	o.wg.Add(1)
	o.mut.RUnlock()

	reqCtx, cancel := context.WithCancelCause(ctx)
	f.cancel = cancel

	go func() {
		defer o.wg.Done()
		defer cancel(nil)

		stopAfter := context.AfterFunc(o.base, func() {
			cancel(failure.New(failure.ReasonCancelled, ErrClosed))
		})

		defer stopAfter()

		r := &run{
			o:        o,
			req:      req,
			f:        f,
			ctx:      reqCtx,
			deadline: deadline,
			started:  time.Now(),
			timer:    newRequestTimer(),
			logger:   kitlog.With(o.logger, "request_id", req.ID),
		}

		r.execute()
	}()

	return f
}

// Close cancels all requests in flight and waits for them to complete.
func (o *Orchestrator) Close() {
	o.mut.Lock()
	o.closed = true
	o.mut.Unlock()

	o.stop()
	o.wg.Wait()
}

// run is the state of one request. It is owned by the request goroutine.
type run struct {
	o        *Orchestrator
	req      Request
	f        *Future
	ctx      context.Context
	deadline time.Time
	started  time.Time
	timer    *requestTimer
	logger   kitlog.Logger

	attempt      int
	last         failure.Reason
	lastErr      error
	lastNode     string
	maybeApplied bool
	// useReplica sends the next attempt to the first replica.
	useReplica   bool
	triedReplica bool
}

// attemptResult is the outcome of one pass through locate and dispatch.
type attemptResult struct {
	resp    []byte
	node    string
	err     error
	reason  failure.Reason
	routing locator.Result
}

func (r *run) execute() {
	defer r.timer.disarm()

	if err := r.awaitTopology(); err != nil {
		r.finish(nil, err)
		return
	}

	for {
		if err := r.checkAlive(); err != nil {
			r.finish(nil, err)
			return
		}

		r.f.setState(StatePending)
		r.attempt++
		r.f.attempts.Store(int32(r.attempt))

		res := r.dispatch()
		if res.err == nil {
			r.finish(&Response{Payload: res.resp, Node: res.node, Attempts: r.attempt}, nil)
			return
		}

		r.recordFailure(res)

		decision := r.o.conf.Retry.Decide(retry.Input{
			Attempt:    r.attempt,
			Reason:     res.reason,
			Remaining:  time.Until(r.deadline),
			Idempotent: r.req.Idempotent,
		})

		if !decision.Retry {
			r.finish(nil, r.terminal(decision.Reason))
			return
		}

		refresh := decision.Refresh

		if res.reason == failure.ReasonServerRejected && r.o.conf.RejectedPolicy == ReplicaFirst {
			// Give the local replica a chance before asking for a new map.
			if !r.triedReplica && len(res.routing.Candidates) > 1 {
				r.useReplica = true
				refresh = false
			}
		}

		r.f.setState(StateRetrying)

		level.Debug(r.logger).Log("msg", "retrying request", "attempt", r.attempt, "reason", res.reason, "delay", decision.Delay, "refresh", refresh)

		r.o.conf.Diag.Emit(&diag.RetryScheduled{
			RequestID: r.req.ID,
			Attempt:   r.attempt,
			Reason:    res.reason,
			Delay:     decision.Delay,
			Refresh:   refresh,
		})

		if err := r.sleep(decision.Delay); err != nil {
			r.finish(nil, err)
			return
		}

		if refresh {
			r.refresh()
		}
	}
}

// awaitTopology fails the request if there is no cluster map yet, or waits
// for one if the orchestrator is configured to queue.
func (r *run) awaitTopology() error {
	if !r.o.topology.Current().IsEmpty() {
		return nil
	}

	if !r.o.conf.QueueUntilReady {
		return &failure.Error{
			Reason: failure.ReasonTopologyNotAvailable,
			Last:   failure.ReasonTopologyNotAvailable,
			Err:    errors.New("no cluster map received yet"),
		}
	}

	expired := make(chan struct{})
	r.timer.arm(time.Until(r.deadline), func() { close(expired) })

	select {
	case <-r.o.topology.Ready():
		r.timer.disarm()
		return nil
	case <-expired:
		return &failure.Error{
			Reason: failure.ReasonDeadlineExceeded,
			Last:   failure.ReasonTopologyNotAvailable,
			Err:    errors.New("no cluster map received before the deadline"),
		}
	case <-r.ctx.Done():
		r.timer.disarm()
		return r.cancelled()
	}
}

func (r *run) checkAlive() error {
	if r.ctx.Err() != nil {
		return r.cancelled()
	}

	if !time.Now().Before(r.deadline) {
		return r.terminal(failure.ReasonDeadlineExceeded)
	}

	return nil
}

// dispatch makes one attempt: locates the candidates on the current map and
// sends the payload to the first one that takes it. Candidates that refuse
// the request without sending it (open circuit, removed node) are skipped
// when fallback is allowed.
func (r *run) dispatch() attemptResult {
	m := r.o.topology.Current()
	svc := r.req.Service

	routing := locator.Locate(m, locator.Target{Service: svc, Key: r.req.Key}, locator.Hints{
		Cursor:       r.o.cursor.Add(1),
		ReplicaOrder: r.o.conf.ReplicaOrder,
		Load: func(info clustermap.NodeInfo) int64 {
			return r.o.registry.InFlight(info, svc)
		},
	})

	res := attemptResult{routing: routing}

	if routing.Empty() {
		res.reason = failure.ReasonNoCandidate
		if routing.Outdated {
			res.reason = failure.ReasonMapOutdated
		}

		res.err = failure.New(res.reason, fmt.Errorf("no %s node for the request in map revision %d", svc, m.Revision()))

		return res
	}

	candidates := r.candidates(routing)

	for i, idx := range candidates {
		res.resp, res.node, res.err = r.send(m, idx, routing.Partition)
		if res.err == nil {
			return res
		}

		res.reason = failure.Classify(res.err)

		if i < len(candidates)-1 && skippable(res.reason) {
			level.Debug(r.logger).Log("msg", "skipping candidate", "node", res.node, "reason", res.reason)
			continue
		}

		break
	}

	return res
}

func (r *run) candidates(routing locator.Result) []int {
	all := routing.Candidates

	if r.useReplica && len(all) > 1 {
		r.useReplica = false
		r.triedReplica = true

		return all[1:2]
	}

	if r.req.Service.Routing() == clustermap.RoutePartition && !r.req.ReplicaFallback {
		return all[:1]
	}

	return all
}

// skippable reports whether the next candidate can be tried within the same
// attempt: the payload was not sent and the failure is local to the node.
func skippable(reason failure.Reason) bool {
	return reason == failure.ReasonCircuitOpen || reason == failure.ReasonNodeRemoved
}

func (r *run) send(m *clustermap.ClusterMap, idx int, partition int) ([]byte, string, error) {
	info, _ := m.Node(idx)
	node := info.Key()

	ep, err := r.o.registry.Endpoint(m, idx, r.req.Service)
	if err != nil {
		return nil, node, err
	}

	r.f.setState(StateDispatched)

	r.o.conf.Diag.Emit(&diag.DispatchAttempted{
		RequestID: r.req.ID,
		Attempt:   r.attempt,
		Service:   r.req.Service,
		Node:      node,
		Partition: partition,
	})

	ctx, cancel := context.WithCancelCause(r.ctx)
	defer cancel(nil)

	budget := time.Until(r.deadline)
	if t := r.o.conf.AttemptTimeout; t > 0 && t < budget {
		budget = t
	}

	r.timer.arm(budget, func() { cancel(errTimedOut) })
	defer r.timer.disarm()

	resp, err := ep.Do(ctx, r.req.Payload)

	return resp, node, err
}

func (r *run) recordFailure(res attemptResult) {
	r.last = res.reason
	r.lastErr = res.err
	r.lastNode = res.node

	var fe *failure.Error
	if errors.As(res.err, &fe) && fe.MaybeApplied {
		r.maybeApplied = true
	}

	level.Debug(r.logger).Log("msg", "attempt failed", "attempt", r.attempt, "node", res.node, "reason", res.reason, "err", res.err)
}

// sleep waits out the backoff delay on the request timer.
func (r *run) sleep(d time.Duration) error {
	if d <= 0 {
		return nil
	}

	wake := make(chan struct{})
	r.timer.arm(d, func() { close(wake) })

	select {
	case <-wake:
		return nil
	case <-r.ctx.Done():
		r.timer.disarm()
		return r.cancelled()
	}
}

// refresh asks for a new cluster map, bounded by the request deadline.
// Failures are ignored, the next attempt uses whatever map is current.
func (r *run) refresh() {
	ctx, cancel := context.WithCancelCause(r.ctx)
	defer cancel(nil)

	r.timer.arm(time.Until(r.deadline), func() { cancel(errTimedOut) })
	defer r.timer.disarm()

	if err := r.o.topology.Refresh(ctx); err != nil {
		level.Debug(r.logger).Log("msg", "cluster map refresh failed", "err", err)
	}
}

func (r *run) cancelled() error {
	reason := failure.ReasonCancelled

	// Expired deadline of the caller's context.
	if errors.Is(context.Cause(r.ctx), context.DeadlineExceeded) {
		reason = failure.ReasonDeadlineExceeded
	}

	return r.terminal(reason)
}

func (r *run) terminal(reason failure.Reason) error {
	last := r.last
	if last == failure.ReasonUnknown {
		last = reason
	}

	err := r.lastErr
	if err == nil && reason == failure.ReasonCancelled {
		err = context.Cause(r.ctx)
	}

	// Avoid nesting the last attempt error, the fields are copied instead.
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Err != nil {
		err = fe.Err
	}

	return &failure.Error{
		Reason:       reason,
		Last:         last,
		Attempts:     r.attempt,
		MaybeApplied: r.maybeApplied,
		Node:         r.lastNode,
		Err:          err,
	}
}

func (r *run) finish(resp *Response, err error) {
	duration := time.Since(r.started)

	r.o.conf.Diag.Emit(&diag.RequestCompleted{
		RequestID: r.req.ID,
		Service:   r.req.Service,
		Attempts:  r.attempt,
		Duration:  duration,
		Err:       err,
	})

	if err == nil {
		level.Debug(r.logger).Log("msg", "request completed", "attempts", r.attempt, "duration", duration)
		r.f.complete(*resp, nil, StateSucceeded)

		return
	}

	level.Debug(r.logger).Log("msg", "request failed", "attempts", r.attempt, "duration", duration, "err", err)

	state := StateFailed
	if failure.Classify(err) == failure.ReasonCancelled {
		state = StateCancelled
	}

	r.f.complete(Response{}, err, state)
}
