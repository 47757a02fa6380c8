package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/maxpoletaev/kiviroute/circuitbreaker"
	"github.com/maxpoletaev/kiviroute/clustermap"
	"github.com/maxpoletaev/kiviroute/diag"
	"github.com/maxpoletaev/kiviroute/endpoint"
	"github.com/maxpoletaev/kiviroute/failure"
	"github.com/maxpoletaev/kiviroute/internal/multierror"
)

var (
	ErrNoDialer = errors.New("no dialer configured")
	ErrClosed   = errors.New("registry closed")
)

type Config struct {
	Endpoint endpoint.Config
	// Dialers maps services to the dialers used for their endpoints.
	// DefaultDialer is used for services not listed.
	Dialers       map[clustermap.Service]endpoint.Dialer
	DefaultDialer endpoint.Dialer
	// DrainTimeout is how long a removed node waits for in-flight requests
	// before its connections are closed.
	DrainTimeout time.Duration
	// IdleTimeout closes connections not used for this long. Zero disables it.
	IdleTimeout time.Duration
	GCInterval  time.Duration
	Logger      kitlog.Logger
	Diag        *diag.Bus
}

func DefaultConfig() Config {
	return Config{
		Endpoint:     endpoint.DefaultConfig(),
		Dialers:      make(map[clustermap.Service]endpoint.Dialer),
		DrainTimeout: 75 * time.Second,
		IdleTimeout:  5 * time.Minute,
		GCInterval:   30 * time.Second,
		Logger:       kitlog.NewNopLogger(),
	}
}

// Registry keeps the nodes of the latest applied cluster map. Lookups are
// lock-free; Apply and Close are serialized.
type Registry struct {
	conf     Config
	logger   kitlog.Logger
	nodes    *xsync.MapOf[string, *Node]
	revision atomic.Uint64
	mut      sync.Mutex
	closed   bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewRegistry(conf Config) *Registry {
	if conf.Logger == nil {
		conf.Logger = kitlog.NewNopLogger()
	}

	return &Registry{
		conf:   conf,
		logger: conf.Logger,
		nodes:  xsync.NewMapOf[string, *Node](),
		stop:   make(chan struct{}),
	}
}

// Revision returns the revision of the last applied map.
func (r *Registry) Revision() uint64 {
	return r.revision.Load()
}

// Apply reconciles the registry with a new cluster map. New nodes are
// registered without connecting; nodes missing from the map stop accepting
// requests right away and are closed in the background once drained.
func (r *Registry) Apply(m *clustermap.ClusterMap) {
	r.mut.Lock()
	defer r.mut.Unlock()

	if r.closed || m.Revision() < r.revision.Load() {
		return
	}

	present := make(map[string]struct{}, m.NumNodes())

	for _, info := range m.Nodes() {
		info := info
		key := info.Key()
		present[key] = struct{}{}

		n, loaded := r.nodes.LoadOrCompute(key, func() *Node {
			return newNode(info, r.createEndpoint)
		})

		if loaded {
			n.info.Store(&info)
			continue
		}

		level.Debug(r.logger).Log("msg", "node added", "node", key)
		r.conf.Diag.Emit(&diag.NodeAdded{Node: key})
	}

	// Nodes that changed their ports get a new key, so they are
	// removed here and added above.
	r.nodes.Range(func(key string, n *Node) bool {
		if _, ok := present[key]; ok {
			return true
		}

		r.nodes.Delete(key)

		level.Debug(r.logger).Log("msg", "node removed", "node", key)
		r.conf.Diag.Emit(&diag.NodeRemoved{Node: key})

		r.wg.Add(1)
		go r.drainNode(n)

		return true
	})

	r.revision.Store(m.Revision())
}

func (r *Registry) drainNode(n *Node) {
	defer r.wg.Done()

	timer := time.NewTimer(r.conf.DrainTimeout)
	defer timer.Stop()

	select {
	case <-n.drain():
	case <-timer.C:
		level.Warn(r.logger).Log("msg", "drain timed out, closing node with requests in flight", "node", n.key)
	case <-r.stop:
	}

	if err := n.close(); err != nil {
		level.Warn(r.logger).Log("msg", "failed to close node", "node", n.key, "err", err)
	}
}

// Node returns the registry node for the node with index idx in m. A node
// that a newer map has already removed yields a NodeRemoved failure. Nodes
// of a map newer than the registry are created on demand.
func (r *Registry) Node(m *clustermap.ClusterMap, idx int) (*Node, error) {
	info, ok := m.Node(idx)
	if !ok {
		return nil, failure.New(failure.ReasonMapOutdated, fmt.Errorf("node index %d out of range", idx))
	}

	key := info.Key()

	if n, ok := r.nodes.Load(key); ok {
		return n, nil
	}

	if m.Revision() < r.revision.Load() {
		return nil, &failure.Error{Reason: failure.ReasonNodeRemoved, Last: failure.ReasonNodeRemoved, Node: key}
	}

	r.mut.Lock()
	defer r.mut.Unlock()

	if r.closed {
		return nil, failure.New(failure.ReasonNodeRemoved, ErrClosed)
	}

	// Apply may have removed the node while we were waiting for the lock.
	if m.Revision() < r.revision.Load() {
		return nil, &failure.Error{Reason: failure.ReasonNodeRemoved, Last: failure.ReasonNodeRemoved, Node: key}
	}

	n, _ := r.nodes.LoadOrCompute(key, func() *Node {
		return newNode(info, r.createEndpoint)
	})

	return n, nil
}

// Endpoint returns the endpoint of the service on the node with index idx in m.
func (r *Registry) Endpoint(m *clustermap.ClusterMap, idx int, svc clustermap.Service) (*endpoint.Endpoint, error) {
	n, err := r.Node(m, idx)
	if err != nil {
		return nil, err
	}

	return n.Endpoint(svc)
}

// InFlight returns the number of in-flight requests for the service on the
// node. Unknown nodes have no load.
func (r *Registry) InFlight(info clustermap.NodeInfo, svc clustermap.Service) int64 {
	if n, ok := r.nodes.Load(info.Key()); ok {
		return n.InFlight(svc)
	}

	return 0
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	return r.nodes.Size()
}

func (r *Registry) createEndpoint(n *Node, svc clustermap.Service, addr string) *endpoint.Endpoint {
	dialer, ok := r.conf.Dialers[svc]
	if !ok {
		dialer = r.conf.DefaultDialer
	}

	if dialer == nil {
		dialer = func(ctx context.Context, addr string, lc endpoint.Lifecycle) (endpoint.Conn, error) {
			return nil, fmt.Errorf("%w for %s", ErrNoDialer, svc)
		}
	}

	conf := r.conf.Endpoint
	conf.Logger = r.logger

	if bus := r.conf.Diag; bus != nil {
		conf.Breaker.OnStateChange = func(from, to circuitbreaker.State) {
			bus.Emit(&diag.CircuitStateChanged{
				Node:    n.key,
				Service: svc,
				From:    from,
				To:      to,
			})
		}
	}

	return endpoint.New(n.key, svc, addr, dialer, conf)
}

// Close closes all nodes and waits for the background drains to finish.
func (r *Registry) Close() error {
	r.mut.Lock()

	if r.closed {
		r.mut.Unlock()
		return nil
	}

	r.closed = true
	close(r.stop)

	errs := multierror.New[string]()

	r.nodes.Range(func(key string, n *Node) bool {
		r.nodes.Delete(key)
		n.removed.Store(true)
		errs.Add(key, n.close())

		return true
	})

	r.mut.Unlock()

	r.wg.Wait()

	return errs.Ret()
}
