package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maxpoletaev/kiviroute/cluster"
	"github.com/maxpoletaev/kiviroute/clustermap"
	"github.com/maxpoletaev/kiviroute/configprovider"
	"github.com/maxpoletaev/kiviroute/endpoint"
	"github.com/maxpoletaev/kiviroute/failure"
)

const kvPort = 11210

var errConnRefused = errors.New("connection refused")

func hostAddr(host string) string {
	return fmt.Sprintf("%s:%d", host, kvPort)
}

// buildMap assigns partition i to hosts[i%n] with the next host as replica.
func buildMap(t *testing.T, rev uint64, numPartitions int, hosts ...string) *clustermap.ClusterMap {
	nodes := make([]clustermap.NodeInfo, len(hosts))
	for i, host := range hosts {
		nodes[i] = clustermap.NodeInfo{
			Host:  host,
			Ports: map[clustermap.Service]int{clustermap.ServiceKeyValue: kvPort},
			Alive: true,
		}
	}

	partitions := make([]clustermap.Owners, numPartitions)
	for i := range partitions {
		partitions[i] = clustermap.Owners{Primary: i % len(hosts)}
		if len(hosts) > 1 {
			partitions[i].Replicas = []int{(i + 1) % len(hosts)}
		}
	}

	m, err := clustermap.New(rev, nodes, partitions)
	require.NoError(t, err)

	return m
}

// fakeCluster plays the server side. Every node answers with its own address
// and rejects keys of partitions it doesn't own in the authoritative map.
type fakeCluster struct {
	auth    atomic.Pointer[clustermap.ClusterMap]
	latency time.Duration
	// handler overrides the default behaviour of a node when set.
	handler func(ctx context.Context, addr string, payload []byte) ([]byte, error)

	mut    sync.Mutex
	dead   map[string]chan struct{}
	failAt map[string]int // dial failures left per address

	dials atomic.Int32
	sends atomic.Int32
}

func newFakeCluster(m *clustermap.ClusterMap) *fakeCluster {
	c := &fakeCluster{
		dead:   make(map[string]chan struct{}),
		failAt: make(map[string]int),
	}

	c.auth.Store(m)

	return c
}

func (c *fakeCluster) killed(addr string) chan struct{} {
	c.mut.Lock()
	defer c.mut.Unlock()

	ch, ok := c.dead[addr]
	if !ok {
		ch = make(chan struct{})
		c.dead[addr] = ch
	}

	return ch
}

func (c *fakeCluster) isDead(addr string) bool {
	select {
	case <-c.killed(addr):
		return true
	default:
		return false
	}
}

func (c *fakeCluster) kill(addr string) {
	close(c.killed(addr))
}

func (c *fakeCluster) failDials(addr string, n int) {
	c.mut.Lock()
	defer c.mut.Unlock()

	c.failAt[addr] = n
}

func (c *fakeCluster) Dial(ctx context.Context, addr string, lc endpoint.Lifecycle) (endpoint.Conn, error) {
	c.dials.Add(1)

	c.mut.Lock()
	if c.failAt[addr] > 0 {
		c.failAt[addr]--
		c.mut.Unlock()

		return nil, errConnRefused
	}
	c.mut.Unlock()

	if c.isDead(addr) {
		return nil, errConnRefused
	}

	return &fakeConn{cluster: c, addr: addr}, nil
}

// Fetch makes the cluster a config source serving the authoritative map.
func (c *fakeCluster) Fetch(ctx context.Context, current *clustermap.ClusterMap) (*clustermap.ClusterMap, error) {
	return c.auth.Load(), nil
}

func (c *fakeCluster) serve(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	if c.latency > 0 {
		select {
		case <-time.After(c.latency):
		case <-c.killed(addr):
			return nil, errors.New("connection reset by peer")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m := c.auth.Load()
	owners, _ := m.Owners(m.Partition(payload))
	info, _ := m.Node(owners.Primary)

	if hostAddr(info.Host) != addr {
		return nil, &failure.RejectedError{Code: 7, Message: "not my vbucket"}
	}

	return []byte(addr), nil
}

type fakeConn struct {
	cluster *fakeCluster
	addr    string
	closed  atomic.Bool
}

func (c *fakeConn) Send(ctx context.Context, payload []byte) ([]byte, error) {
	if c.IsClosed() {
		return nil, endpoint.NotSent(errConnRefused)
	}

	c.cluster.sends.Add(1)

	if h := c.cluster.handler; h != nil {
		return h(ctx, c.addr, payload)
	}

	return c.cluster.serve(ctx, c.addr, payload)
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) IsClosed() bool {
	return c.closed.Load() || c.cluster.isDead(c.addr)
}

type testEnv struct {
	cluster  *fakeCluster
	provider *configprovider.Provider
	registry *cluster.Registry
	orch     *Orchestrator
}

func newTestEnv(t *testing.T, fc *fakeCluster, conf Config, opts ...func(*cluster.Config)) *testEnv {
	pconf := configprovider.DefaultConfig()
	pconf.MinRefreshInterval = 0
	provider := configprovider.New(fc, pconf)

	rconf := cluster.DefaultConfig()
	rconf.DefaultDialer = fc.Dial
	rconf.DrainTimeout = time.Second
	rconf.Endpoint.DialTimeout = time.Second

	for _, opt := range opts {
		opt(&rconf)
	}

	registry := cluster.NewRegistry(rconf)

	unsubscribe := provider.Subscribe(registry.Apply)

	orch := New(provider, registry, conf)

	t.Cleanup(func() {
		orch.Close()
		unsubscribe()
		provider.Close()
		require.NoError(t, registry.Close())
	})

	return &testEnv{
		cluster:  fc,
		provider: provider,
		registry: registry,
		orch:     orch,
	}
}

func testConfig() Config {
	conf := DefaultConfig()
	conf.DefaultTimeout = 2 * time.Second

	return conf
}
