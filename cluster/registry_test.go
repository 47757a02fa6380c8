package cluster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/maxpoletaev/kiviroute/clustermap"
	"github.com/maxpoletaev/kiviroute/diag"
	"github.com/maxpoletaev/kiviroute/endpoint"
	"github.com/maxpoletaev/kiviroute/endpoint/mock"
	"github.com/maxpoletaev/kiviroute/failure"
)

func nodeInfo(host string, kvPort int) clustermap.NodeInfo {
	return clustermap.NodeInfo{
		Host:  host,
		Ports: map[clustermap.Service]int{clustermap.ServiceKeyValue: kvPort, clustermap.ServiceQuery: 8093},
		Alive: true,
	}
}

func makeMap(t *testing.T, rev uint64, nodes ...clustermap.NodeInfo) *clustermap.ClusterMap {
	m, err := clustermap.New(rev, nodes, nil)
	require.NoError(t, err)

	return m
}

type countingDialer struct {
	dials atomic.Int32
	conn  func() endpoint.Conn
}

func (d *countingDialer) Dial(ctx context.Context, addr string, lc endpoint.Lifecycle) (endpoint.Conn, error) {
	d.dials.Add(1)
	return d.conn(), nil
}

func newTestRegistry(d *countingDialer, bus *diag.Bus) *Registry {
	conf := DefaultConfig()
	conf.DefaultDialer = d.Dial
	conf.DrainTimeout = time.Second
	conf.Diag = bus

	return NewRegistry(conf)
}

func okConn(ctrl *gomock.Controller) func() endpoint.Conn {
	return func() endpoint.Conn {
		conn := mock.NewMockConn(ctrl)
		conn.EXPECT().IsClosed().Return(false).AnyTimes()
		conn.EXPECT().Send(gomock.Any(), gomock.Any()).Return([]byte("ok"), nil).AnyTimes()
		conn.EXPECT().Close().Return(nil).MaxTimes(1)

		return conn
	}
}

func TestRegistry_ApplyIsLazy(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := &countingDialer{conn: okConn(ctrl)}

	var events []diag.Event

	bus := diag.NewBus()
	bus.Subscribe(diag.SinkFunc(func(e diag.Event) { events = append(events, e) }))

	r := newTestRegistry(d, bus)
	defer r.Close()

	r.Apply(makeMap(t, 1, nodeInfo("10.0.0.1", 11210), nodeInfo("10.0.0.2", 11210), nodeInfo("10.0.0.3", 11210)))

	require.Equal(t, 3, r.Len())
	require.Equal(t, uint64(1), r.Revision())
	require.Equal(t, int32(0), d.dials.Load())
	require.Len(t, events, 3)
	require.IsType(t, &diag.NodeAdded{}, events[0])
}

func TestRegistry_EndpointConcurrent(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := &countingDialer{conn: okConn(ctrl)}

	r := newTestRegistry(d, nil)
	defer r.Close()

	m := makeMap(t, 1, nodeInfo("10.0.0.1", 11210))
	r.Apply(m)

	var (
		wg        sync.WaitGroup
		begin     = make(chan struct{})
		endpoints = make([]*endpoint.Endpoint, 10)
	)

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()
			<-begin

			ep, err := r.Endpoint(m, 0, clustermap.ServiceKeyValue)
			require.NoError(t, err)

			_, err = ep.Do(context.Background(), []byte("x"))
			require.NoError(t, err)

			endpoints[i] = ep
		}(i)
	}

	close(begin)
	wg.Wait()

	for _, ep := range endpoints {
		require.Same(t, endpoints[0], ep)
	}

	require.Equal(t, int32(1), d.dials.Load())
}

func TestRegistry_NodeRemoved(t *testing.T) {
	ctrl := gomock.NewController(t)

	var (
		sending = make(chan struct{})
		unblock = make(chan struct{})
		closed  = make(chan struct{})
	)

	conn := mock.NewMockConn(ctrl)
	conn.EXPECT().IsClosed().Return(false).AnyTimes()
	conn.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, p []byte) ([]byte, error) {
		close(sending)
		<-unblock

		return []byte("ok"), nil
	})
	conn.EXPECT().Close().DoAndReturn(func() error {
		close(closed)
		return nil
	})

	d := &countingDialer{conn: func() endpoint.Conn { return conn }}

	r := newTestRegistry(d, nil)
	defer r.Close()

	n1, n2 := nodeInfo("10.0.0.1", 11210), nodeInfo("10.0.0.2", 11210)
	m1 := makeMap(t, 1, n1, n2)
	m2 := makeMap(t, 2, n2)

	r.Apply(m1)

	ep, err := r.Endpoint(m1, 0, clustermap.ServiceKeyValue)
	require.NoError(t, err)

	result := make(chan error, 1)

	go func() {
		_, err := ep.Do(context.Background(), []byte("x"))
		result <- err
	}()

	<-sending

	r.Apply(m2)
	require.Equal(t, 1, r.Len())

	// New acquisitions through the old snapshot are refused.
	_, err = r.Endpoint(m1, 0, clustermap.ServiceKeyValue)
	require.ErrorIs(t, err, failure.ErrNodeRemoved)

	_, err = ep.Do(context.Background(), []byte("y"))
	require.ErrorIs(t, err, failure.ErrNodeRemoved)

	select {
	case <-closed:
		t.Fatal("connection closed with a request in flight")
	case <-time.After(20 * time.Millisecond):
	}

	// The in-flight request completes, then the connection is closed.
	close(unblock)
	require.NoError(t, <-result)

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("connection was not closed after drain")
	}
}

func TestRegistry_PortChangeIsRemoveAdd(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := &countingDialer{conn: okConn(ctrl)}

	var events []string

	bus := diag.NewBus()
	bus.Subscribe(diag.SinkFunc(func(e diag.Event) { events = append(events, diag.Name(e)) }))

	r := newTestRegistry(d, bus)
	defer r.Close()

	r.Apply(makeMap(t, 1, nodeInfo("10.0.0.1", 11210)))
	r.Apply(makeMap(t, 2, nodeInfo("10.0.0.1", 11211)))

	require.Equal(t, 1, r.Len())
	require.Equal(t, []string{"node_added", "node_added", "node_removed"}, events)
}

func TestRegistry_StaleApplyIgnored(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := &countingDialer{conn: okConn(ctrl)}

	r := newTestRegistry(d, nil)
	defer r.Close()

	r.Apply(makeMap(t, 5, nodeInfo("10.0.0.1", 11210)))
	r.Apply(makeMap(t, 4, nodeInfo("10.0.0.2", 11210)))

	require.Equal(t, uint64(5), r.Revision())
	require.Equal(t, 1, r.Len())
}

func TestRegistry_NodeFromNewerMap(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := &countingDialer{conn: okConn(ctrl)}

	r := newTestRegistry(d, nil)
	defer r.Close()

	r.Apply(makeMap(t, 1, nodeInfo("10.0.0.1", 11210)))

	// The registry hasn't seen revision 2 yet.
	m2 := makeMap(t, 2, nodeInfo("10.0.0.1", 11210), nodeInfo("10.0.0.2", 11210))

	n, err := r.Node(m2, 1)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2|kv=11210|query=8093", n.Key())

	r.Apply(m2)
	require.Equal(t, 2, r.Len())

	n2, err := r.Node(m2, 1)
	require.NoError(t, err)
	require.Same(t, n, n2)
}

func TestRegistry_ServiceNotServed(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := &countingDialer{conn: okConn(ctrl)}

	r := newTestRegistry(d, nil)
	defer r.Close()

	m := makeMap(t, 1, nodeInfo("10.0.0.1", 11210))
	r.Apply(m)

	_, err := r.Endpoint(m, 0, clustermap.ServiceSearch)
	require.ErrorIs(t, err, failure.ErrNoCandidate)
}

func TestRegistry_Close(t *testing.T) {
	ctrl := gomock.NewController(t)

	conn := mock.NewMockConn(ctrl)
	conn.EXPECT().IsClosed().Return(false).AnyTimes()
	conn.EXPECT().Send(gomock.Any(), gomock.Any()).Return([]byte("ok"), nil).Times(2)
	conn.EXPECT().Close().Return(errors.New("close failed")).Times(2)

	d := &countingDialer{conn: func() endpoint.Conn { return conn }}
	r := newTestRegistry(d, nil)

	m := makeMap(t, 1, nodeInfo("10.0.0.1", 11210), nodeInfo("10.0.0.2", 11210))
	r.Apply(m)

	for idx := 0; idx < 2; idx++ {
		ep, err := r.Endpoint(m, idx, clustermap.ServiceKeyValue)
		require.NoError(t, err)

		_, err = ep.Do(context.Background(), []byte("x"))
		require.NoError(t, err)
	}

	err := r.Close()
	require.Error(t, err)
	require.Contains(t, err.Error(), "close failed")
	require.Equal(t, 0, r.Len())

	_, err = r.Endpoint(m, 0, clustermap.ServiceKeyValue)
	require.ErrorIs(t, err, failure.ErrNodeRemoved)
}

func TestRegistry_CollectIdle(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := &countingDialer{conn: okConn(ctrl)}

	conf := DefaultConfig()
	conf.DefaultDialer = d.Dial
	conf.IdleTimeout = time.Nanosecond

	r := NewRegistry(conf)
	defer r.Close()

	m := makeMap(t, 1, nodeInfo("10.0.0.1", 11210))
	r.Apply(m)

	ep, err := r.Endpoint(m, 0, clustermap.ServiceKeyValue)
	require.NoError(t, err)

	_, err = ep.Do(context.Background(), []byte("x"))
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	require.Equal(t, 1, r.collectIdle())
	require.Equal(t, endpoint.StateDisconnected, ep.State())

	// Reconnects on next use.
	_, err = ep.Do(context.Background(), []byte("x"))
	require.NoError(t, err)
	require.Equal(t, int32(2), d.dials.Load())
}

func TestRegistry_InFlight(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := &countingDialer{conn: okConn(ctrl)}

	r := newTestRegistry(d, nil)
	defer r.Close()

	info := nodeInfo("10.0.0.1", 11210)
	require.Equal(t, int64(0), r.InFlight(info, clustermap.ServiceKeyValue))
}
