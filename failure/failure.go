package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Reason classifies why a request (or one attempt of it) failed.
type Reason uint8

const (
	ReasonUnknown Reason = iota
	ReasonTopologyNotAvailable
	ReasonNoCandidate
	ReasonMapOutdated
	ReasonNodeRemoved
	ReasonCircuitOpen
	ReasonConnectionFailure
	ReasonConnectionLost
	ReasonTimeout
	ReasonServerRejected
	ReasonRetriesExhausted
	ReasonDeadlineExceeded
	ReasonCancelled
)

var reasonNames = map[Reason]string{
	ReasonUnknown:              "unknown",
	ReasonTopologyNotAvailable: "topology not available",
	ReasonNoCandidate:          "no candidate node",
	ReasonMapOutdated:          "cluster map outdated",
	ReasonNodeRemoved:          "node removed",
	ReasonCircuitOpen:          "circuit open",
	ReasonConnectionFailure:    "connection failure",
	ReasonConnectionLost:       "connection lost",
	ReasonTimeout:              "timeout",
	ReasonServerRejected:       "server rejected",
	ReasonRetriesExhausted:     "retries exhausted",
	ReasonDeadlineExceeded:     "deadline exceeded",
	ReasonCancelled:            "cancelled",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}

	return fmt.Sprintf("reason(%d)", uint8(r))
}

// Ambiguous reports whether the failure happened after the request may have
// reached the server, so the server-side effect is unknown.
func (r Reason) Ambiguous() bool {
	return r == ReasonTimeout || r == ReasonConnectionLost
}

// NeedsRefresh reports whether the failure indicates that the routing
// information the request was dispatched with is stale.
func (r Reason) NeedsRefresh() bool {
	switch r {
	case ReasonServerRejected, ReasonMapOutdated, ReasonNoCandidate, ReasonNodeRemoved, ReasonTopologyNotAvailable:
		return true
	default:
		return false
	}
}

// Terminal reports whether the reason only ever describes the final outcome
// of a request and never a retryable attempt.
func (r Reason) Terminal() bool {
	return r == ReasonRetriesExhausted || r == ReasonDeadlineExceeded || r == ReasonCancelled
}

var (
	ErrTopologyNotAvailable = &Error{Reason: ReasonTopologyNotAvailable}
	ErrNoCandidate          = &Error{Reason: ReasonNoCandidate}
	ErrMapOutdated          = &Error{Reason: ReasonMapOutdated}
	ErrNodeRemoved          = &Error{Reason: ReasonNodeRemoved}
	ErrCircuitOpen          = &Error{Reason: ReasonCircuitOpen}
	ErrConnectionFailure    = &Error{Reason: ReasonConnectionFailure}
	ErrConnectionLost       = &Error{Reason: ReasonConnectionLost}
	ErrTimeout              = &Error{Reason: ReasonTimeout}
	ErrServerRejected       = &Error{Reason: ReasonServerRejected}
	ErrRetriesExhausted     = &Error{Reason: ReasonRetriesExhausted}
	ErrDeadlineExceeded     = &Error{Reason: ReasonDeadlineExceeded}
	ErrCancelled            = &Error{Reason: ReasonCancelled}
)

// Error is the failure of an attempt or, when returned from a request future,
// the terminal failure of the whole request. The package-level Err* values
// are sentinels: errors.Is(err, failure.ErrTimeout) matches any Error with the
// timeout reason.
type Error struct {
	// Reason is why the request stopped.
	Reason Reason
	// Last is the reason of the last failed attempt. It differs from Reason
	// when the request ended because of retries or the deadline.
	Last Reason
	// Attempts is the number of dispatch attempts made.
	Attempts int
	// MaybeApplied is set when at least one attempt failed after the payload
	// left the client, so the operation may have been applied.
	MaybeApplied bool
	// Node is the key of the node the last attempt was routed to, if any.
	Node string
	Err  error
}

// New creates an attempt-level error.
func New(reason Reason, err error) *Error {
	return &Error{Reason: reason, Last: reason, Err: err}
}

func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(e.Reason.String())

	if e.Last != ReasonUnknown && e.Last != e.Reason {
		sb.WriteString(" (last: ")
		sb.WriteString(e.Last.String())
		sb.WriteString(")")
	}

	if e.Attempts > 0 {
		fmt.Fprintf(&sb, " after %d attempt(s)", e.Attempts)
	}

	if e.Node != "" {
		sb.WriteString(" node=")
		sb.WriteString(e.Node)
	}

	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}

	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel errors by reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Err == nil && t.Attempts == 0 && t.Node == "" && t.Reason == e.Reason
}

// Ambiguous reports whether the caller can't tell if the operation was applied.
func (e *Error) Ambiguous() bool {
	return e.MaybeApplied || e.Reason.Ambiguous()
}

// RejectedError is returned by connections when the server refused the
// request because it's not responsible for it (wrong node, not my
// partition). The request was not applied.
type RejectedError struct {
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rejected by server with status code %d", e.Code)
	}

	return fmt.Sprintf("rejected by server with status code %d: %s", e.Code, e.Message)
}

// Classify maps an arbitrary error to a failure reason. Errors that carry no
// classification are treated as a lost connection, because nothing tells us
// the payload didn't reach the server.
func Classify(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}

	var re *RejectedError
	if errors.As(err, &re) {
		return ReasonServerRejected
	}

	switch {
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	}

	return ReasonConnectionLost
}
