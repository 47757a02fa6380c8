package endpoint

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maxpoletaev/kiviroute/clustermap"
	"github.com/maxpoletaev/kiviroute/failure"
)

// pipeConn answers each request with "re:" + payload once the test releases
// it. It fails the test if two requests are on the wire at the same time.
type pipeConn struct {
	t       *testing.T
	active  atomic.Int32
	closed  atomic.Bool
	mut     sync.Mutex
	order   []string
	release chan struct{}
}

func newPipeConn(t *testing.T) *pipeConn {
	return &pipeConn{t: t, release: make(chan struct{}, 100)}
}

func (c *pipeConn) Send(ctx context.Context, payload []byte) ([]byte, error) {
	if c.active.Add(1) != 1 {
		c.t.Errorf("concurrent send on a serialized connection")
	}

	defer c.active.Add(-1)

	c.mut.Lock()
	c.order = append(c.order, string(payload))
	c.mut.Unlock()

	select {
	case <-c.release:
		return []byte("re:" + string(payload)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *pipeConn) IsClosed() bool {
	return c.closed.Load()
}

func (c *pipeConn) sent() []string {
	c.mut.Lock()
	defer c.mut.Unlock()

	return append([]string(nil), c.order...)
}

func TestSerialized_FIFO(t *testing.T) {
	conn := newPipeConn(t)
	ep := New("n1", clustermap.ServiceView, "addr", staticDialer(conn, nil), testConfig())

	defer ep.Close()

	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)

		payload := fmt.Sprintf("req-%d", i)

		go func() {
			defer wg.Done()

			resp, err := ep.Do(context.Background(), []byte(payload))
			require.NoError(t, err)
			require.Equal(t, "re:"+payload, string(resp))
		}()

		// Make sure the requests are queued in order: the first one is
		// picked up by the worker, the rest wait in the queue.
		require.Eventually(t, func() bool {
			if i == 0 {
				return len(conn.sent()) == 1
			}

			return len(ep.queue) == i
		}, time.Second, time.Millisecond)
	}

	for i := 0; i < 5; i++ {
		conn.release <- struct{}{}
	}

	wg.Wait()

	require.Equal(t, []string{"req-0", "req-1", "req-2", "req-3", "req-4"}, conn.sent())
}

func TestSerialized_CancelledAfterSendIsDrained(t *testing.T) {
	conn := newPipeConn(t)
	ep := New("n1", clustermap.ServiceView, "addr", staticDialer(conn, nil), testConfig())

	defer ep.Close()

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)

	go func() {
		_, err := ep.Do(ctx, []byte("first"))
		result <- err
	}()

	require.Eventually(t, func() bool {
		return len(conn.sent()) == 1
	}, time.Second, time.Millisecond)

	cancel()

	err := <-result
	requireReason(t, err, failure.ReasonCancelled)
	require.Equal(t, int64(0), ep.InFlight())

	second := make(chan []byte, 1)

	go func() {
		resp, err := ep.Do(context.Background(), []byte("second"))
		require.NoError(t, err)
		second <- resp
	}()

	// The late response to the first request is consumed by the worker, and
	// the second request gets its own.
	conn.release <- struct{}{}
	conn.release <- struct{}{}

	require.Equal(t, "re:second", string(<-second))
	require.False(t, conn.IsClosed())
}

func TestSerialized_UndrainedResponseClosesConn(t *testing.T) {
	conn := newPipeConn(t)

	conf := testConfig()
	conf.ResponseDrainTimeout = 10 * time.Millisecond

	ep := New("n1", clustermap.ServiceView, "addr", staticDialer(conn, nil), conf)

	defer ep.Close()

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)

	go func() {
		_, err := ep.Do(ctx, []byte("first"))
		result <- err
	}()

	require.Eventually(t, func() bool {
		return len(conn.sent()) == 1
	}, time.Second, time.Millisecond)

	cancel()
	<-result

	require.Eventually(t, conn.IsClosed, time.Second, time.Millisecond)
}

func TestSerialized_CancelledWhileQueued(t *testing.T) {
	conn := newPipeConn(t)
	ep := New("n1", clustermap.ServiceView, "addr", staticDialer(conn, nil), testConfig())

	defer ep.Close()

	go func() {
		_, _ = ep.Do(context.Background(), []byte("first"))
	}()

	require.Eventually(t, func() bool {
		return len(conn.sent()) == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)

	go func() {
		_, err := ep.Do(ctx, []byte("queued"))
		result <- err
	}()

	require.Eventually(t, func() bool {
		return ep.InFlight() == 2
	}, time.Second, time.Millisecond)

	cancel()

	fe := requireReason(t, <-result, failure.ReasonCancelled)
	require.False(t, fe.MaybeApplied)

	conn.release <- struct{}{}

	// The abandoned request never reaches the wire.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, []string{"first"}, conn.sent())
}
