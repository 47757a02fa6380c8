package endpoint

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-kit/log/level"
)

const (
	jobQueued int32 = iota
	jobStarted
	jobAbandoned
)

type jobResult struct {
	resp []byte
	err  error
}

type job struct {
	ctx     context.Context
	conn    Conn
	payload []byte
	state   atomic.Int32
	result  chan jobResult
}

func (e *Endpoint) startWorker() {
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		for {
			select {
			case j := <-e.queue:
				e.process(j)
			case <-e.stop:
				return
			}
		}
	}()
}

// enqueue hands the payload to the worker and waits for the response. Requests
// on a serialized endpoint are written and answered strictly in FIFO order.
func (e *Endpoint) enqueue(ctx context.Context, conn Conn, payload []byte) ([]byte, error) {
	j := &job{
		ctx:     ctx,
		conn:    conn,
		payload: payload,
		result:  make(chan jobResult, 1),
	}

	select {
	case e.queue <- j:
	case <-ctx.Done():
		return nil, NotSent(ctx.Err())
	case <-e.stop:
		return nil, NotSent(ErrQueueClosed)
	}

	var stopped <-chan struct{} = e.stop

	for {
		select {
		case res := <-j.result:
			return res.resp, res.err

		case <-ctx.Done():
			if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
				return nil, NotSent(ctx.Err())
			}

			// Already on the wire. The worker reads and drops the response.
			return nil, ctx.Err()

		case <-stopped:
			if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
				return nil, NotSent(ErrQueueClosed)
			}

			// The worker owns the job now, its result will arrive once the
			// connection is closed.
			stopped = nil
		}
	}
}

func (e *Endpoint) process(j *job) {
	if !j.state.CompareAndSwap(jobQueued, jobStarted) {
		return
	}

	if j.ctx.Err() != nil {
		j.result <- jobResult{err: NotSent(j.ctx.Err())}
		return
	}

	if j.conn.IsClosed() {
		j.result <- jobResult{err: NotSent(ErrConnClosed)}
		return
	}

	// The response has to be consumed even if the caller gives up, otherwise
	// the next request on this connection would read it.
	sendCtx, cancel := context.WithCancel(context.WithoutCancel(j.ctx))
	defer cancel()

	done := make(chan struct{})

	stopDrain := context.AfterFunc(j.ctx, func() {
		timer := time.NewTimer(e.conf.ResponseDrainTimeout)
		defer timer.Stop()

		select {
		case <-timer.C:
			cancel()
		case <-done:
		}
	})

	resp, err := j.conn.Send(sendCtx, j.payload)

	close(done)
	stopDrain()

	if err != nil && j.ctx.Err() != nil && !IsNotSent(err) {
		level.Debug(e.logger).Log("msg", "closing connection with undrained response", "err", err)

		if err := j.conn.Close(); err != nil {
			level.Warn(e.logger).Log("msg", "failed to close connection", "err", err)
		}
	}

	j.result <- jobResult{resp: resp, err: err}
}
