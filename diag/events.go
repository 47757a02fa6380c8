package diag

import (
	"fmt"
	"time"

	"github.com/maxpoletaev/kiviroute/circuitbreaker"
	"github.com/maxpoletaev/kiviroute/clustermap"
	"github.com/maxpoletaev/kiviroute/failure"
)

type Severity uint8

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a lifecycle event of the client. The set of events is closed.
type Event interface {
	Severity() Severity
	Description() string
	keyvals() []interface{}
	isEvent()
}

type DispatchAttempted struct {
	RequestID string
	Attempt   int
	Service   clustermap.Service
	Node      string
	Partition int
}

func (e *DispatchAttempted) isEvent() {}

func (e *DispatchAttempted) Severity() Severity { return SeverityDebug }

func (e *DispatchAttempted) Description() string {
	return fmt.Sprintf("dispatching %s request (attempt %d) to %s", e.Service, e.Attempt, e.Node)
}

func (e *DispatchAttempted) keyvals() []interface{} {
	return []interface{}{"request_id", e.RequestID, "attempt", e.Attempt, "service", e.Service, "node", e.Node, "partition", e.Partition}
}

type RetryScheduled struct {
	RequestID string
	Attempt   int
	Reason    failure.Reason
	Delay     time.Duration
	Refresh   bool
}

func (e *RetryScheduled) isEvent() {}

func (e *RetryScheduled) Severity() Severity { return SeverityDebug }

func (e *RetryScheduled) Description() string {
	return fmt.Sprintf("retrying after %s: %s", e.Delay, e.Reason)
}

func (e *RetryScheduled) keyvals() []interface{} {
	return []interface{}{"request_id", e.RequestID, "attempt", e.Attempt, "reason", e.Reason, "delay", e.Delay, "refresh", e.Refresh}
}

// RequestCompleted is emitted once per request when it reaches a terminal
// state. Err is nil for successful requests.
type RequestCompleted struct {
	RequestID string
	Service   clustermap.Service
	Attempts  int
	Duration  time.Duration
	Err       error
}

func (e *RequestCompleted) isEvent() {}

func (e *RequestCompleted) Severity() Severity {
	if e.Err != nil {
		return SeverityWarn
	}

	return SeverityDebug
}

func (e *RequestCompleted) Description() string {
	if e.Err != nil {
		return fmt.Sprintf("request failed: %s", e.Err)
	}

	return "request completed"
}

// Reason returns the terminal failure reason, or ReasonUnknown on success.
func (e *RequestCompleted) Reason() failure.Reason {
	if e.Err == nil {
		return failure.ReasonUnknown
	}

	return failure.Classify(e.Err)
}

func (e *RequestCompleted) keyvals() []interface{} {
	kv := []interface{}{"request_id", e.RequestID, "service", e.Service, "attempts", e.Attempts, "duration", e.Duration}
	if e.Err != nil {
		kv = append(kv, "err", e.Err)
	}

	return kv
}

type CircuitStateChanged struct {
	Node    string
	Service clustermap.Service
	From    circuitbreaker.State
	To      circuitbreaker.State
}

func (e *CircuitStateChanged) isEvent() {}

func (e *CircuitStateChanged) Severity() Severity {
	if e.To == circuitbreaker.StateOpen {
		return SeverityWarn
	}

	return SeverityInfo
}

func (e *CircuitStateChanged) Description() string {
	return fmt.Sprintf("circuit of %s endpoint on %s is %s", e.Service, e.Node, e.To)
}

func (e *CircuitStateChanged) keyvals() []interface{} {
	return []interface{}{"node", e.Node, "service", e.Service, "from", e.From, "to", e.To}
}

type NodeAdded struct {
	Node string
}

func (e *NodeAdded) isEvent() {}

func (e *NodeAdded) Severity() Severity { return SeverityInfo }

func (e *NodeAdded) Description() string {
	return fmt.Sprintf("node %s added", e.Node)
}

func (e *NodeAdded) keyvals() []interface{} {
	return []interface{}{"node", e.Node}
}

type NodeRemoved struct {
	Node string
}

func (e *NodeRemoved) isEvent() {}

func (e *NodeRemoved) Severity() Severity { return SeverityInfo }

func (e *NodeRemoved) Description() string {
	return fmt.Sprintf("node %s removed", e.Node)
}

func (e *NodeRemoved) keyvals() []interface{} {
	return []interface{}{"node", e.Node}
}

type ConfigUpdated struct {
	PrevRevision uint64
	Revision     uint64
	Nodes        int
}

func (e *ConfigUpdated) isEvent() {}

func (e *ConfigUpdated) Severity() Severity { return SeverityInfo }

func (e *ConfigUpdated) Description() string {
	return fmt.Sprintf("cluster map updated to revision %d", e.Revision)
}

func (e *ConfigUpdated) keyvals() []interface{} {
	return []interface{}{"prev_rev", e.PrevRevision, "rev", e.Revision, "nodes", e.Nodes}
}

type ConfigFetchFailed struct {
	Source string
	Err    error
}

func (e *ConfigFetchFailed) isEvent() {}

func (e *ConfigFetchFailed) Severity() Severity { return SeverityWarn }

func (e *ConfigFetchFailed) Description() string {
	return fmt.Sprintf("failed to fetch cluster map: %s", e.Err)
}

func (e *ConfigFetchFailed) keyvals() []interface{} {
	return []interface{}{"source", e.Source, "err", e.Err}
}

// Name returns a short snake_case name of the event type.
func Name(e Event) string {
	switch e.(type) {
	case *DispatchAttempted:
		return "dispatch_attempted"
	case *RetryScheduled:
		return "retry_scheduled"
	case *RequestCompleted:
		return "request_completed"
	case *CircuitStateChanged:
		return "circuit_state_changed"
	case *NodeAdded:
		return "node_added"
	case *NodeRemoved:
		return "node_removed"
	case *ConfigUpdated:
		return "config_updated"
	case *ConfigFetchFailed:
		return "config_fetch_failed"
	default:
		return "unknown"
	}
}
