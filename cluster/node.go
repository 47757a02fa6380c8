package cluster

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/maxpoletaev/kiviroute/clustermap"
	"github.com/maxpoletaev/kiviroute/endpoint"
	"github.com/maxpoletaev/kiviroute/failure"
	"github.com/maxpoletaev/kiviroute/internal/multierror"
)

// Node is a cluster member known to the client. It holds one endpoint per
// service, created on first use.
type Node struct {
	key       string
	info      atomic.Pointer[clustermap.NodeInfo]
	endpoints *xsync.MapOf[clustermap.Service, *endpoint.Endpoint]
	create    func(n *Node, svc clustermap.Service, addr string) *endpoint.Endpoint
	removed   atomic.Bool
}

func newNode(info clustermap.NodeInfo, create func(*Node, clustermap.Service, string) *endpoint.Endpoint) *Node {
	n := &Node{
		key:       info.Key(),
		endpoints: xsync.NewMapOf[clustermap.Service, *endpoint.Endpoint](),
		create:    create,
	}

	n.info.Store(&info)

	return n
}

func (n *Node) Key() string {
	return n.key
}

// Info returns the node descriptor from the latest map that listed the node.
func (n *Node) Info() clustermap.NodeInfo {
	return *n.info.Load()
}

func (n *Node) IsRemoved() bool {
	return n.removed.Load()
}

// Endpoint returns the endpoint for the service, creating it if needed. It
// does not connect.
func (n *Node) Endpoint(svc clustermap.Service) (*endpoint.Endpoint, error) {
	if n.removed.Load() {
		return nil, &failure.Error{Reason: failure.ReasonNodeRemoved, Last: failure.ReasonNodeRemoved, Node: n.key}
	}

	if ep, ok := n.endpoints.Load(svc); ok {
		return ep, nil
	}

	addr, ok := n.Info().Addr(svc)
	if !ok {
		return nil, failure.New(failure.ReasonNoCandidate, fmt.Errorf("node %s does not serve %s", n.key, svc))
	}

	ep, loaded := n.endpoints.LoadOrCompute(svc, func() *endpoint.Endpoint {
		return n.create(n, svc, addr)
	})

	// Removed while the endpoint was being created, so the drain may have
	// missed it.
	if n.removed.Load() {
		if loaded {
			ep.Drain()
		} else {
			_ = ep.Close()
		}

		return nil, &failure.Error{Reason: failure.ReasonNodeRemoved, Last: failure.ReasonNodeRemoved, Node: n.key}
	}

	return ep, nil
}

// InFlight returns the number of in-flight requests on the service endpoint.
func (n *Node) InFlight(svc clustermap.Service) int64 {
	if ep, ok := n.endpoints.Load(svc); ok {
		return ep.InFlight()
	}

	return 0
}

// drain stops all endpoints from accepting requests. The returned channel
// is closed once none of them has requests in flight.
func (n *Node) drain() <-chan struct{} {
	n.removed.Store(true)

	var waits []<-chan struct{}

	n.endpoints.Range(func(_ clustermap.Service, ep *endpoint.Endpoint) bool {
		waits = append(waits, ep.Drain())
		return true
	})

	done := make(chan struct{})

	go func() {
		for _, w := range waits {
			<-w
		}

		close(done)
	}()

	return done
}

func (n *Node) closeIdle(idle time.Duration) int {
	var closed int

	n.endpoints.Range(func(_ clustermap.Service, ep *endpoint.Endpoint) bool {
		if ep.CloseIdle(idle) {
			closed++
		}

		return true
	})

	return closed
}

func (n *Node) close() error {
	errs := multierror.New[clustermap.Service]()

	n.endpoints.Range(func(svc clustermap.Service, ep *endpoint.Endpoint) bool {
		errs.Add(svc, ep.Close())
		return true
	})

	return errs.Ret()
}
