package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/maxpoletaev/kiviroute/circuitbreaker"
	"github.com/maxpoletaev/kiviroute/clustermap"
	"github.com/maxpoletaev/kiviroute/failure"
)

var (
	ErrClosed      = errors.New("endpoint closed")
	ErrDialFailed  = errors.New("failed to connect in another goroutine")
	ErrConnClosed  = errors.New("connection closed")
	ErrQueueClosed = errors.New("request queue closed")
)

type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

type Config struct {
	Breaker     circuitbreaker.Config
	DialTimeout time.Duration
	// ResponseDrainTimeout bounds how long a serialized connection keeps
	// waiting for the response of a cancelled request before it is closed.
	ResponseDrainTimeout time.Duration
	// QueueSize is the capacity of the request queue of serialized endpoints.
	QueueSize int
	// RejectedIsFailure makes server rejections count as breaker failures.
	// Off by default: a node that answers "not my partition" is reachable,
	// and during a rebalance such replies would open the circuit of healthy
	// nodes.
	RejectedIsFailure bool
	Logger            kitlog.Logger
}

func DefaultConfig() Config {
	return Config{
		Breaker:              circuitbreaker.DefaultConfig(),
		DialTimeout:          5 * time.Second,
		ResponseDrainTimeout: 5 * time.Second,
		QueueSize:            128,
		Logger:               kitlog.NewNopLogger(),
	}
}

// Endpoint owns the connection to one service of one node, together with its
// circuit breaker and in-flight accounting. The connection is established
// lazily on first use and re-established after it was lost.
type Endpoint struct {
	node    string
	addr    string
	service clustermap.Service
	dialer  Dialer
	conf    Config
	logger  kitlog.Logger
	breaker *circuitbreaker.Breaker

	inflight atomic.Int64
	lastUsed atomic.Int64
	draining atomic.Bool
	closed   atomic.Bool

	drained   chan struct{}
	drainOnce sync.Once

	mut     sync.RWMutex
	conn    Conn
	state   State
	dialing chan struct{}

	queue chan *job
	stop  chan struct{}
	wg    sync.WaitGroup
}

// New creates an endpoint for the service at addr. Nothing is dialed until the
// first request.
func New(node string, svc clustermap.Service, addr string, dialer Dialer, conf Config) *Endpoint {
	if conf.Logger == nil {
		conf.Logger = kitlog.NewNopLogger()
	}

	e := &Endpoint{
		node:    node,
		addr:    addr,
		service: svc,
		dialer:  dialer,
		conf:    conf,
		breaker: circuitbreaker.New(conf.Breaker),
		drained: make(chan struct{}),
		stop:    make(chan struct{}),
		logger: kitlog.With(conf.Logger,
			"node", node,
			"service", svc,
		),
	}

	e.lastUsed.Store(time.Now().UnixNano())

	if svc.Framing() == clustermap.FramingSerialized {
		e.queue = make(chan *job, conf.QueueSize)
		e.startWorker()
	}

	return e
}

func (e *Endpoint) Node() string {
	return e.node
}

func (e *Endpoint) Addr() string {
	return e.addr
}

func (e *Endpoint) Service() clustermap.Service {
	return e.service
}

func (e *Endpoint) State() State {
	e.mut.RLock()
	defer e.mut.RUnlock()

	return e.state
}

func (e *Endpoint) BreakerState() circuitbreaker.State {
	return e.breaker.State()
}

// InFlight returns the number of requests currently using the endpoint.
func (e *Endpoint) InFlight() int64 {
	return e.inflight.Load()
}

func (e *Endpoint) IsDraining() bool {
	return e.draining.Load()
}

// Do sends the payload and waits for the response. Every error returned is a
// *failure.Error classified according to whether the payload could have
// reached the server.
func (e *Endpoint) Do(ctx context.Context, payload []byte) ([]byte, error) {
	ticket, err := e.acquire()
	if err != nil {
		return nil, err
	}

	defer e.release()

	conn, err := e.connect(ctx)
	if err != nil {
		err = e.classify(ctx, NotSent(err))
		e.record(ticket, err)

		return nil, err
	}

	var resp []byte

	if e.queue != nil {
		resp, err = e.enqueue(ctx, conn, payload)
	} else {
		resp, err = conn.Send(ctx, payload)
	}

	if err != nil {
		err = e.classify(ctx, err)
	}

	e.record(ticket, err)

	return resp, err
}

func (e *Endpoint) acquire() (circuitbreaker.Ticket, error) {
	if e.draining.Load() {
		return circuitbreaker.Ticket{}, &failure.Error{Reason: failure.ReasonNodeRemoved, Last: failure.ReasonNodeRemoved, Node: e.node}
	}

	e.inflight.Add(1)

	// Drain could have started between the check and the increment.
	if e.draining.Load() {
		e.release()
		return circuitbreaker.Ticket{}, &failure.Error{Reason: failure.ReasonNodeRemoved, Last: failure.ReasonNodeRemoved, Node: e.node}
	}

	ticket, ok := e.breaker.Allow()
	if !ok {
		e.release()
		return ticket, &failure.Error{Reason: failure.ReasonCircuitOpen, Last: failure.ReasonCircuitOpen, Node: e.node}
	}

	e.lastUsed.Store(time.Now().UnixNano())

	return ticket, nil
}

func (e *Endpoint) release() {
	if e.inflight.Add(-1) == 0 && e.draining.Load() {
		e.drainOnce.Do(func() { close(e.drained) })
	}

	e.lastUsed.Store(time.Now().UnixNano())
}

func (e *Endpoint) record(ticket circuitbreaker.Ticket, err error) {
	if err == nil {
		e.breaker.RecordSuccess(ticket)
		return
	}

	switch failure.Classify(err) {
	case failure.ReasonCancelled:
		e.breaker.RecordCancelled(ticket)
	case failure.ReasonServerRejected:
		if e.conf.RejectedIsFailure {
			e.breaker.RecordFailure(ticket)
		} else {
			e.breaker.RecordSuccess(ticket)
		}
	default:
		e.breaker.RecordFailure(ticket)
	}
}

func (e *Endpoint) classify(ctx context.Context, err error) error {
	var (
		sent   = !IsNotSent(err)
		reason failure.Reason
	)

	if ctx.Err() != nil {
		reason = failure.Classify(context.Cause(ctx))
	} else {
		reason = failure.Classify(err)
	}

	if !sent && reason.Ambiguous() {
		reason = failure.ReasonConnectionFailure
	}

	return &failure.Error{
		Reason:       reason,
		Last:         reason,
		MaybeApplied: sent && (reason.Ambiguous() || reason == failure.ReasonCancelled),
		Node:         e.node,
		Err:          err,
	}
}

func (e *Endpoint) loadConn() (Conn, bool) {
	e.mut.RLock()
	defer e.mut.RUnlock()

	if e.conn != nil && !e.conn.IsClosed() {
		return e.conn, true
	}

	return nil, false
}

func (e *Endpoint) connect(ctx context.Context) (Conn, error) {
	if conn, ok := e.loadConn(); ok {
		return conn, nil
	}

	var (
		retried bool
		done    chan struct{}
	)

	for {
		e.mut.Lock()

		if e.closed.Load() {
			e.mut.Unlock()
			return nil, ErrClosed
		}

		if e.conn != nil && !e.conn.IsClosed() {
			conn := e.conn
			e.mut.Unlock()

			return conn, nil
		}

		// Someone else is dialing, wait for them.
		if e.dialing != nil {
			wait := e.dialing
			e.mut.Unlock()

			select {
			case <-wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			}

			if conn, ok := e.loadConn(); ok {
				return conn, nil
			}

			// The other dial has failed. Make one attempt of our own.
			if !retried {
				retried = true
				continue
			}

			return nil, ErrDialFailed
		}

		done = make(chan struct{})
		e.dialing = done
		e.state = StateConnecting
		e.mut.Unlock()

		break
	}

	dialCtx, cancel := context.WithTimeout(ctx, e.conf.DialTimeout)
	defer cancel()

	// Dial the node, this may take a while.
	conn, err := e.dialer(dialCtx, e.addr, e.onLifecycle)

	e.mut.Lock()
	defer e.mut.Unlock()

	e.dialing = nil
	close(done)

	if err != nil {
		e.state = StateDisconnected
		return nil, fmt.Errorf("failed to dial %s: %w", e.addr, err)
	}

	// Closed while we were dialing.
	if e.closed.Load() {
		if err := conn.Close(); err != nil {
			level.Warn(e.logger).Log("msg", "failed to close connection", "err", err)
		}

		return nil, ErrClosed
	}

	e.conn = conn
	e.state = StateConnected

	level.Debug(e.logger).Log("msg", "connected", "addr", e.addr)

	return conn, nil
}

func (e *Endpoint) onLifecycle(ev LifecycleEvent, err error) {
	switch ev {
	case Connected:
		e.mut.Lock()
		e.state = StateConnected
		e.mut.Unlock()

	case Disconnected:
		e.mut.Lock()
		e.state = StateDisconnected
		e.mut.Unlock()

		level.Debug(e.logger).Log("msg", "connection lost", "err", err)

	case Errored:
		level.Warn(e.logger).Log("msg", "connection error", "err", err)
	}
}

// Drain stops the endpoint from accepting new requests. The returned channel
// is closed once the last in-flight request has finished.
func (e *Endpoint) Drain() <-chan struct{} {
	e.draining.Store(true)

	if e.inflight.Load() == 0 {
		e.drainOnce.Do(func() { close(e.drained) })
	}

	return e.drained
}

// CloseIdle closes the connection if it has not been used for the given
// duration. The endpoint stays usable and reconnects on next use.
func (e *Endpoint) CloseIdle(idle time.Duration) bool {
	if e.inflight.Load() > 0 {
		return false
	}

	lastUsed := time.Unix(0, e.lastUsed.Load())
	if time.Since(lastUsed) < idle {
		return false
	}

	e.mut.Lock()
	defer e.mut.Unlock()

	if e.conn == nil {
		return false
	}

	if err := e.conn.Close(); err != nil {
		level.Warn(e.logger).Log("msg", "failed to close idle connection", "err", err)
	}

	e.conn = nil
	e.state = StateDisconnected

	return true
}

// Close drains the endpoint without waiting and closes the connection.
// In-flight requests fail with a lost connection.
func (e *Endpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.Drain()
	close(e.stop)

	e.mut.Lock()
	conn := e.conn
	e.conn = nil
	e.state = StateDisconnected
	e.mut.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	// The worker may be blocked on the connection, so it is closed first.
	e.wg.Wait()

	return err
}
