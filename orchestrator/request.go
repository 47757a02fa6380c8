package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpoletaev/kiviroute/clustermap"
)

// Request is one operation submitted to the cluster. The payload is opaque,
// it is handed to the endpoint connection as is.
type Request struct {
	// ID identifies the request in logs and diagnostic events. Generated if empty.
	ID      string
	Service clustermap.Service
	// Key routes partition-routed requests.
	Key     []byte
	Payload []byte
	// Deadline is absolute and spans all attempts. Zero means the
	// orchestrator's default timeout from the moment of submission.
	Deadline time.Time
	// Idempotent requests may be retried after ambiguous failures.
	Idempotent bool
	// ReplicaFallback allows partition-routed requests to be sent to a
	// replica when the primary can't take requests. Only safe for reads.
	ReplicaFallback bool
}

type Response struct {
	Payload []byte
	// Node is the key of the node that answered.
	Node     string
	Attempts int
}

type State int32

const (
	StatePending State = iota
	StateDispatched
	StateRetrying
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDispatched:
		return "dispatched"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the request has completed.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Future is the eventual result of a submitted request.
type Future struct {
	id       string
	done     chan struct{}
	cancel   context.CancelCauseFunc
	state    atomic.Int32
	attempts atomic.Int32
	once     sync.Once
	resp     Response
	err      error
}

func newFuture(id string) *Future {
	return &Future{
		id:   id,
		done: make(chan struct{}),
	}
}

func (f *Future) ID() string {
	return f.id
}

// Done is closed when the request reaches a terminal state.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the request completes or ctx is done. A ctx expiring
// here does not cancel the request, use Cancel for that.
func (f *Future) Wait(ctx context.Context) (Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Result returns the outcome of a completed request. It must only be called
// after Done is closed.
func (f *Future) Result() (Response, error) {
	return f.resp, f.err
}

// Cancel stops the request. A request already sent to a node still has its
// response read and discarded by the connection.
func (f *Future) Cancel() {
	if f.cancel != nil {
		f.cancel(errCancelled)
	}
}

func (f *Future) State() State {
	return State(f.state.Load())
}

// Attempts returns the number of dispatch attempts made so far.
func (f *Future) Attempts() int {
	return int(f.attempts.Load())
}

func (f *Future) setState(s State) {
	f.state.Store(int32(s))
}

func (f *Future) complete(resp Response, err error, state State) {
	f.once.Do(func() {
		f.resp = resp
		f.err = err
		f.setState(state)
		close(f.done)
	})
}
