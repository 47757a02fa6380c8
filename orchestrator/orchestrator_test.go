package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpoletaev/kiviroute/cluster"
	"github.com/maxpoletaev/kiviroute/clustermap"
	"github.com/maxpoletaev/kiviroute/diag"
	"github.com/maxpoletaev/kiviroute/failure"
	"github.com/maxpoletaev/kiviroute/retry"
)

func kvRequest(key string) Request {
	return Request{
		Service:    clustermap.ServiceKeyValue,
		Key:        []byte(key),
		Payload:    []byte(key),
		Idempotent: true,
	}
}

func wait(t *testing.T, f *Future) (Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := f.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "request did not complete")

	return resp, err
}

func requireFailure(t *testing.T, err error) *failure.Error {
	var fe *failure.Error
	require.ErrorAs(t, err, &fe)

	return fe
}

func blockingHandler(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestOrchestrator_Success(t *testing.T) {
	m := buildMap(t, 1, 64, "n0", "n1", "n2")
	env := newTestEnv(t, newFakeCluster(m), testConfig())
	env.provider.Offer(m)

	f := env.orch.Submit(context.Background(), kvRequest("foo"))

	resp, err := wait(t, f)
	require.NoError(t, err)
	require.Equal(t, 1, resp.Attempts)
	require.Equal(t, StateSucceeded, f.State())
	require.NotEmpty(t, f.ID())

	owners, _ := m.Owners(m.Partition([]byte("foo")))
	info, _ := m.Node(owners.Primary)
	require.Equal(t, hostAddr(info.Host), string(resp.Payload))
	require.Equal(t, info.Key(), resp.Node)
}

func TestOrchestrator_InvalidService(t *testing.T) {
	m := buildMap(t, 1, 64, "n0")
	env := newTestEnv(t, newFakeCluster(m), testConfig())
	env.provider.Offer(m)

	f := env.orch.Submit(context.Background(), Request{Key: []byte("foo")})

	_, err := wait(t, f)
	require.ErrorIs(t, err, failure.ErrNoCandidate)
	require.ErrorIs(t, err, ErrInvalidService)
	require.Equal(t, StateFailed, f.State())
}

func TestOrchestrator_ConnectionFailureRetried(t *testing.T) {
	m := buildMap(t, 1, 1, "n0")
	fc := newFakeCluster(m)
	fc.failDials(hostAddr("n0"), 1)

	env := newTestEnv(t, fc, testConfig())
	env.provider.Offer(m)

	req := kvRequest("foo")
	req.Idempotent = false

	resp, err := wait(t, env.orch.Submit(context.Background(), req))
	require.NoError(t, err)
	require.Equal(t, 2, resp.Attempts)
	require.Equal(t, int32(1), fc.sends.Load())
}

func TestOrchestrator_TimeoutAfterSendNotRetried(t *testing.T) {
	m := buildMap(t, 1, 1, "n0")
	fc := newFakeCluster(m)
	fc.handler = blockingHandler

	bus := diag.NewBus()

	var (
		mut    sync.Mutex
		events []diag.Event
	)

	bus.Subscribe(diag.SinkFunc(func(e diag.Event) {
		mut.Lock()
		defer mut.Unlock()
		events = append(events, e)
	}))

	conf := testConfig()
	conf.Diag = bus

	env := newTestEnv(t, fc, conf)
	env.provider.Offer(m)

	req := kvRequest("foo")
	req.Idempotent = false
	req.Deadline = time.Now().Add(50 * time.Millisecond)

	f := env.orch.Submit(context.Background(), req)

	_, err := wait(t, f)
	require.ErrorIs(t, err, failure.ErrTimeout)

	fe := requireFailure(t, err)
	require.True(t, fe.MaybeApplied)
	require.True(t, fe.Ambiguous())
	require.Equal(t, 1, fe.Attempts)
	require.Equal(t, int32(1), fc.sends.Load())
	require.Equal(t, StateFailed, f.State())

	mut.Lock()
	defer mut.Unlock()

	var dispatched, retries int

	for _, e := range events {
		switch e.(type) {
		case *diag.DispatchAttempted:
			dispatched++
		case *diag.RetryScheduled:
			retries++
		}
	}

	require.Equal(t, 1, dispatched)
	require.Zero(t, retries)

	completed, ok := events[len(events)-1].(*diag.RequestCompleted)
	require.True(t, ok)
	require.Equal(t, failure.ReasonTimeout, completed.Reason())
}

func TestOrchestrator_DeadlineBoundsRetries(t *testing.T) {
	m := buildMap(t, 1, 1, "n0")
	fc := newFakeCluster(m)
	fc.handler = blockingHandler

	conf := testConfig()
	conf.AttemptTimeout = 30 * time.Millisecond

	env := newTestEnv(t, fc, conf)
	env.provider.Offer(m)

	req := kvRequest("foo")
	req.Deadline = time.Now().Add(150 * time.Millisecond)

	start := time.Now()

	_, err := wait(t, env.orch.Submit(context.Background(), req))
	require.ErrorIs(t, err, failure.ErrDeadlineExceeded)
	require.Less(t, time.Since(start), 300*time.Millisecond)

	fe := requireFailure(t, err)
	require.Equal(t, failure.ReasonTimeout, fe.Last)
	require.Greater(t, fe.Attempts, 1)
	require.True(t, fe.MaybeApplied)
}

func TestOrchestrator_ContextDeadline(t *testing.T) {
	m := buildMap(t, 1, 1, "n0")
	fc := newFakeCluster(m)
	fc.handler = blockingHandler

	env := newTestEnv(t, fc, testConfig())
	env.provider.Offer(m)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()

	_, err := wait(t, env.orch.Submit(ctx, kvRequest("foo")))
	require.ErrorIs(t, err, failure.ErrDeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}

func TestOrchestrator_RetriesExhausted(t *testing.T) {
	m := buildMap(t, 1, 1, "n0")
	fc := newFakeCluster(m)
	fc.failDials(hostAddr("n0"), 100)

	conf := testConfig()
	conf.Retry = retry.NewBackoff(retry.Config{MaxAttempts: 3, Base: time.Millisecond})

	env := newTestEnv(t, fc, conf)
	env.provider.Offer(m)

	_, err := wait(t, env.orch.Submit(context.Background(), kvRequest("foo")))
	require.ErrorIs(t, err, failure.ErrRetriesExhausted)

	fe := requireFailure(t, err)
	require.Equal(t, failure.ReasonConnectionFailure, fe.Last)
	require.Equal(t, 3, fe.Attempts)
	require.False(t, fe.MaybeApplied)
}

func TestOrchestrator_Cancel(t *testing.T) {
	m := buildMap(t, 1, 1, "n0")
	fc := newFakeCluster(m)
	fc.handler = blockingHandler

	env := newTestEnv(t, fc, testConfig())
	env.provider.Offer(m)

	f := env.orch.Submit(context.Background(), kvRequest("foo"))

	require.Eventually(t, func() bool {
		return f.State() == StateDispatched && fc.sends.Load() == 1
	}, time.Second, time.Millisecond)

	f.Cancel()

	_, err := wait(t, f)
	require.ErrorIs(t, err, failure.ErrCancelled)
	require.Equal(t, StateCancelled, f.State())

	fe := requireFailure(t, err)
	require.True(t, fe.MaybeApplied)
	require.Equal(t, 1, fe.Attempts)
}

func TestOrchestrator_TopologyNotAvailable(t *testing.T) {
	env := newTestEnv(t, newFakeCluster(clustermap.Empty()), testConfig())

	f := env.orch.Submit(context.Background(), kvRequest("foo"))

	_, err := wait(t, f)
	require.ErrorIs(t, err, failure.ErrTopologyNotAvailable)
	require.Equal(t, 0, requireFailure(t, err).Attempts)
	require.Equal(t, StateFailed, f.State())
}

func TestOrchestrator_QueueUntilReady(t *testing.T) {
	m := buildMap(t, 1, 8, "n0")

	conf := testConfig()
	conf.QueueUntilReady = true

	env := newTestEnv(t, newFakeCluster(m), conf)

	f := env.orch.Submit(context.Background(), kvRequest("foo"))

	time.Sleep(10 * time.Millisecond)
	require.False(t, f.State().Terminal())

	env.provider.Offer(m)

	resp, err := wait(t, f)
	require.NoError(t, err)
	require.Equal(t, 1, resp.Attempts)
}

func TestOrchestrator_QueueUntilReadyDeadline(t *testing.T) {
	conf := testConfig()
	conf.QueueUntilReady = true

	env := newTestEnv(t, newFakeCluster(clustermap.Empty()), conf)

	req := kvRequest("foo")
	req.Deadline = time.Now().Add(30 * time.Millisecond)

	_, err := wait(t, env.orch.Submit(context.Background(), req))
	require.ErrorIs(t, err, failure.ErrDeadlineExceeded)
	require.Equal(t, failure.ReasonTopologyNotAvailable, requireFailure(t, err).Last)
}

// movedPartition returns an old map where n0 owns the only partition and the
// authoritative map where n1 owns it.
func movedPartition(t *testing.T) (old, current *clustermap.ClusterMap) {
	return buildMap(t, 1, 1, "n0", "n1"), buildMap(t, 2, 1, "n1", "n0")
}

func TestOrchestrator_RejectedRefreshesMap(t *testing.T) {
	old, current := movedPartition(t)
	fc := newFakeCluster(current)

	env := newTestEnv(t, fc, testConfig())
	env.provider.Offer(old)

	req := kvRequest("foo")
	req.Idempotent = false

	resp, err := wait(t, env.orch.Submit(context.Background(), req))
	require.NoError(t, err)
	require.Equal(t, 2, resp.Attempts)
	require.Equal(t, hostAddr("n1"), string(resp.Payload))
	require.Equal(t, uint64(2), env.provider.Current().Revision())
}

func TestOrchestrator_RejectedTriesReplicaFirst(t *testing.T) {
	old, current := movedPartition(t)
	fc := newFakeCluster(current)

	conf := testConfig()
	conf.RejectedPolicy = ReplicaFirst

	env := newTestEnv(t, fc, conf)
	env.provider.Offer(old)

	resp, err := wait(t, env.orch.Submit(context.Background(), kvRequest("foo")))
	require.NoError(t, err)
	require.Equal(t, 2, resp.Attempts)
	require.Equal(t, hostAddr("n1"), string(resp.Payload))

	// The replica answered, no refresh was needed.
	require.Equal(t, uint64(1), env.provider.Current().Revision())
}

func TestOrchestrator_ReplicaFallbackOnOpenCircuit(t *testing.T) {
	m := buildMap(t, 1, 1, "n0", "n1")
	fc := newFakeCluster(m)
	fc.failDials(hostAddr("n0"), 100)
	fc.handler = func(ctx context.Context, addr string, payload []byte) ([]byte, error) {
		return []byte(addr), nil
	}

	env := newTestEnv(t, fc, testConfig(), func(c *cluster.Config) {
		c.Endpoint.Breaker.MinSamples = 1
	})
	env.provider.Offer(m)

	// Trip the breaker of the primary.
	req := kvRequest("foo")
	req.Deadline = time.Now().Add(20 * time.Millisecond)

	_, err := wait(t, env.orch.Submit(context.Background(), req))
	require.Error(t, err)

	req = kvRequest("foo")
	req.ReplicaFallback = true

	resp, err := wait(t, env.orch.Submit(context.Background(), req))
	require.NoError(t, err)
	require.Equal(t, 1, resp.Attempts)
	require.Equal(t, hostAddr("n1"), string(resp.Payload))

	// Without fallback the open circuit fails the attempt.
	req = kvRequest("foo")
	req.Deadline = time.Now().Add(20 * time.Millisecond)

	_, err = wait(t, env.orch.Submit(context.Background(), req))
	require.Error(t, err)
	require.Equal(t, failure.ReasonCircuitOpen, requireFailure(t, err).Last)
}

func TestOrchestrator_Close(t *testing.T) {
	m := buildMap(t, 1, 1, "n0")
	fc := newFakeCluster(m)
	fc.handler = blockingHandler

	env := newTestEnv(t, fc, testConfig())
	env.provider.Offer(m)

	f := env.orch.Submit(context.Background(), kvRequest("foo"))

	require.Eventually(t, func() bool {
		return fc.sends.Load() == 1
	}, time.Second, time.Millisecond)

	env.orch.Close()

	require.True(t, f.State().Terminal())
	require.Equal(t, StateCancelled, f.State())

	f = env.orch.Submit(context.Background(), kvRequest("bar"))
	_, err := wait(t, f)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, err, failure.ErrCancelled)
}

func TestOrchestrator_NodeKilledMidFlight(t *testing.T) {
	const (
		numPartitions = 1024
		numRequests   = 100
	)

	before := buildMap(t, 1, numPartitions, "n0", "n1", "n2")
	after := buildMap(t, 2, numPartitions, "n0", "n1")

	fc := newFakeCluster(before)
	fc.latency = 20 * time.Millisecond

	env := newTestEnv(t, fc, testConfig())
	env.provider.Offer(before)

	futures := make([]*Future, numRequests)
	for i := range futures {
		futures[i] = env.orch.Submit(context.Background(), kvRequest(fmt.Sprintf("key-%d", i)))
	}

	time.Sleep(5 * time.Millisecond)

	fc.auth.Store(after)
	fc.kill(hostAddr("n2"))

	time.Sleep(20 * time.Millisecond)
	require.True(t, env.provider.Offer(after) || env.provider.Current().Revision() == 2)

	var retried int

	for i, f := range futures {
		resp, err := wait(t, f)
		require.NoError(t, err, "request %d", i)
		require.NotEqual(t, hostAddr("n2"), string(resp.Payload))

		if resp.Attempts > 1 {
			retried++
		}
	}

	assert.Positive(t, retried)

	// The killed node is drained out of the registry.
	require.Eventually(t, func() bool {
		return env.registry.Len() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestrator_ConcurrentSubmit(t *testing.T) {
	m := buildMap(t, 1, 128, "n0", "n1", "n2")
	env := newTestEnv(t, newFakeCluster(m), testConfig())
	env.provider.Offer(m)

	var (
		begin = make(chan struct{})
		wg    sync.WaitGroup
		errs  = make(chan error, 50)
	)

	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()
			<-begin

			f := env.orch.Submit(context.Background(), kvRequest(fmt.Sprintf("key-%d", i)))
			if _, err := f.Wait(context.Background()); err != nil {
				errs <- err
			}
		}(i)
	}

	close(begin)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
}

func TestFuture_WaitDoesNotCancel(t *testing.T) {
	m := buildMap(t, 1, 1, "n0")
	fc := newFakeCluster(m)

	release := make(chan struct{})
	fc.handler = func(ctx context.Context, addr string, payload []byte) ([]byte, error) {
		<-release
		return []byte("ok"), nil
	}

	env := newTestEnv(t, fc, testConfig())
	env.provider.Offer(m)

	f := env.orch.Submit(context.Background(), kvRequest("foo"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	close(release)

	resp, err := wait(t, f)
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), resp.Payload)
}
