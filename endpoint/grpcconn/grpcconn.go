package grpcconn

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/maxpoletaev/kiviroute/endpoint"
	"github.com/maxpoletaev/kiviroute/failure"
	"github.com/maxpoletaev/kiviroute/internal/grpcutil"
)

const (
	// ExecuteMethod is the unary method carrying opaque request payloads.
	ExecuteMethod = "/kiviroute.Endpoint/Execute"

	// RejectReason is the error info reason servers use to refuse requests
	// for partitions they don't own.
	RejectReason = "NOT_MY_PARTITION"
)

var ErrNotReady = errors.New("connection not ready")

type Config struct {
	KeepAlive   time.Duration
	Compress    bool
	DialOptions []grpc.DialOption
}

func DefaultConfig() Config {
	return Config{
		KeepAlive: 10 * time.Second,
		Compress:  true,
	}
}

// Conn sends payloads as unary gRPC calls. gRPC multiplexes calls over one
// HTTP/2 connection, so Send is safe for concurrent use.
type Conn struct {
	conn     *grpc.ClientConn
	stop     chan struct{}
	stopOnce sync.Once
}

// Dialer returns an endpoint.Dialer for gRPC connections.
func Dialer(conf Config) endpoint.Dialer {
	return func(ctx context.Context, addr string, lc endpoint.Lifecycle) (endpoint.Conn, error) {
		opts := []grpc.DialOption{
			grpc.WithBlock(),
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time: conf.KeepAlive, // ping if there is no activity
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		}

		if conf.Compress {
			opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor(gzip.Name)))
		}

		opts = append(opts, conf.DialOptions...)

		conn, err := grpc.DialContext(ctx, addr, opts...)
		if err != nil {
			return nil, fmt.Errorf("grpc dial failed: %w", err)
		}

		c := &Conn{
			conn: conn,
			stop: make(chan struct{}),
		}

		if lc != nil {
			lc(endpoint.Connected, nil)
			go c.watchState(lc)
		}

		return c, nil
	}
}

func (c *Conn) watchState(lc endpoint.Lifecycle) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	state := c.conn.GetState()

	for c.conn.WaitForStateChange(ctx, state) {
		prev := state
		state = c.conn.GetState()

		switch state {
		case connectivity.Ready:
			lc(endpoint.Connected, nil)
		case connectivity.TransientFailure:
			lc(endpoint.Disconnected, nil)
		case connectivity.Shutdown:
			if prev != connectivity.TransientFailure {
				lc(endpoint.Disconnected, nil)
			}

			return
		}
	}
}

func (c *Conn) Send(ctx context.Context, payload []byte) ([]byte, error) {
	switch state := c.conn.GetState(); state {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return nil, endpoint.NotSent(fmt.Errorf("%w: %s", ErrNotReady, state))
	}

	out := new(wrapperspb.BytesValue)

	if err := c.conn.Invoke(ctx, ExecuteMethod, wrapperspb.Bytes(payload), out); err != nil {
		return nil, convertError(ctx, err)
	}

	return out.GetValue(), nil
}

func (c *Conn) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })

	return c.conn.Close()
}

func (c *Conn) IsClosed() bool {
	return c.conn.GetState() == connectivity.Shutdown
}

func convertError(ctx context.Context, err error) error {
	if grpcutil.Interrupted(err) && ctx.Err() != nil {
		return ctx.Err()
	}

	if grpcutil.Code(err) != codes.FailedPrecondition {
		return err
	}

	info := grpcutil.Info(err, RejectReason)
	if info == nil {
		return err
	}

	code, convErr := strconv.Atoi(info.Metadata["code"])
	if convErr != nil {
		code = int(codes.FailedPrecondition)
	}

	return &failure.RejectedError{
		Code:    code,
		Message: info.Metadata["message"],
	}
}

// Reject builds the error a server returns for a request it doesn't own.
func Reject(code int, message string) error {
	return grpcutil.WithInfo(codes.FailedPrecondition, "request rejected", RejectReason, map[string]string{
		"code":    strconv.Itoa(code),
		"message": message,
	})
}
