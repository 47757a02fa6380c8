package tcpconn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/maxpoletaev/kiviroute/endpoint"
	"github.com/maxpoletaev/kiviroute/failure"
)

var ErrClosed = errors.New("connection closed")

// StatusError is a failed response other than a partition rejection. The
// outcome of such a request is unknown, so it is not retried unless the
// request is idempotent.
type StatusError struct {
	Code    uint16
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

type Config struct {
	// WriteTimeout bounds a single frame write when the request has no
	// earlier deadline.
	WriteTimeout time.Duration
	KeepAlive    time.Duration
	Logger       kitlog.Logger
}

func DefaultConfig() Config {
	return Config{
		WriteTimeout: 5 * time.Second,
		KeepAlive:    30 * time.Second,
		Logger:       kitlog.NewNopLogger(),
	}
}

// Conn is a multiplexed connection: any number of requests can be in flight,
// responses are matched to requests by ID and may arrive in any order.
type Conn struct {
	conn    net.Conn
	conf    Config
	logger  kitlog.Logger
	lc      endpoint.Lifecycle
	nextID  atomic.Uint64
	pending *xsync.MapOf[uint64, chan frame]
	writeMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Dialer returns an endpoint.Dialer establishing framed TCP connections.
func Dialer(conf Config) endpoint.Dialer {
	if conf.Logger == nil {
		conf.Logger = kitlog.NewNopLogger()
	}

	return func(ctx context.Context, addr string, lc endpoint.Lifecycle) (endpoint.Conn, error) {
		d := net.Dialer{KeepAlive: conf.KeepAlive}

		nc, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}

		c := New(nc, conf, lc)

		if lc != nil {
			lc(endpoint.Connected, nil)
		}

		return c, nil
	}
}

// New wraps an established connection and starts reading responses from it.
func New(nc net.Conn, conf Config, lc endpoint.Lifecycle) *Conn {
	if conf.Logger == nil {
		conf.Logger = kitlog.NewNopLogger()
	}

	c := &Conn{
		conn:    nc,
		conf:    conf,
		lc:      lc,
		pending: xsync.NewMapOf[uint64, chan frame](),
		done:    make(chan struct{}),
		logger:  kitlog.With(conf.Logger, "remote", nc.RemoteAddr()),
	}

	go c.readLoop()

	return c
}

func (c *Conn) Send(ctx context.Context, payload []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, endpoint.NotSent(ErrClosed)
	}

	if err := ctx.Err(); err != nil {
		return nil, endpoint.NotSent(err)
	}

	id := c.nextID.Add(1)
	respCh := make(chan frame, 1)

	c.pending.Store(id, respCh)
	defer c.pending.Delete(id)

	if err := c.write(ctx, frame{id: id, payload: payload}); err != nil {
		return nil, err
	}

	select {
	case f := <-respCh:
		switch f.status {
		case StatusOK:
		case StatusNotMyPartition:
			return nil, &failure.RejectedError{Code: int(f.status), Message: string(f.payload)}
		default:
			return nil, &StatusError{Code: f.status, Message: string(f.payload)}
		}

		return f.payload, nil

	case <-ctx.Done():
		// The response, if it ever comes, is dropped by the read loop.
		return nil, ctx.Err()

	case <-c.done:
		return nil, fmt.Errorf("%w: %v", ErrClosed, c.err)
	}
}

func (c *Conn) write(ctx context.Context, f frame) error {
	deadline := time.Now().Add(c.conf.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return endpoint.NotSent(err)
	}

	n, err := writeFrame(c.conn, f)
	if err == nil {
		return nil
	}

	if n == 0 {
		return endpoint.NotSent(err)
	}

	// A partially written frame leaves the stream unusable.
	c.fail(err)

	return err
}

func (c *Conn) readLoop() {
	r := bufio.NewReader(c.conn)

	for {
		f, err := readFrame(r)
		if err != nil {
			c.fail(err)
			return
		}

		respCh, ok := c.pending.Load(f.id)
		if !ok {
			level.Debug(c.logger).Log("msg", "dropping response to abandoned request", "id", f.id)
			continue
		}

		select {
		case respCh <- f:
		default:
			level.Warn(c.logger).Log("msg", "duplicate response", "id", f.id)
		}
	}
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		c.closed.Store(true)

		if err := c.conn.Close(); err != nil {
			level.Debug(c.logger).Log("msg", "failed to close connection", "err", err)
		}

		close(c.done)

		if c.lc != nil {
			c.lc(endpoint.Disconnected, err)
		}
	})
}

func (c *Conn) Close() error {
	c.fail(ErrClosed)
	return nil
}

func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}
