package endpoint

import (
	"context"
	"errors"
)

//go:generate mockgen -destination=mock/conn_mock.go -package=mock . Conn

// Conn is one physical connection to a node service. Implementations carry
// opaque payloads; the wire codec lives above this package.
type Conn interface {
	// Send writes the payload and waits for the matching response. Errors
	// that happened before any byte left the client must be wrapped with
	// NotSent. A server refusing the request as not its own must be
	// reported as *failure.RejectedError.
	Send(ctx context.Context, payload []byte) ([]byte, error)
	Close() error
	IsClosed() bool
}

type LifecycleEvent uint8

const (
	Connected LifecycleEvent = iota + 1
	Disconnected
	Errored
)

func (e LifecycleEvent) String() string {
	switch e {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Errored:
		return "error"
	default:
		return "unknown"
	}
}

// Lifecycle is called by connections when their state changes. The error is
// set for Disconnected and Errored events when known.
type Lifecycle func(ev LifecycleEvent, err error)

// Dialer establishes a new connection to addr. Credential negotiation, if any,
// happens inside the dialer before it returns.
type Dialer func(ctx context.Context, addr string, lc Lifecycle) (Conn, error)

type notSentError struct {
	err error
}

func (e *notSentError) Error() string {
	return e.err.Error()
}

func (e *notSentError) Unwrap() error {
	return e.err
}

// NotSent marks err as having happened before the payload left the client, so
// the request is known not to have reached the server.
func NotSent(err error) error {
	if err == nil || IsNotSent(err) {
		return err
	}

	return &notSentError{err: err}
}

func IsNotSent(err error) bool {
	var ns *notSentError
	return errors.As(err, &ns)
}
