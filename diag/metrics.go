package diag

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

// MetricsSink aggregates events into Prometheus-style metrics. Each sink owns
// its own metric set, so several clients in one process don't collide.
type MetricsSink struct {
	set      *metrics.Set
	revision atomic.Uint64
}

func NewMetricsSink() *MetricsSink {
	s := &MetricsSink{set: metrics.NewSet()}

	s.set.GetOrCreateGauge("kiviroute_config_revision", func() float64 {
		return float64(s.revision.Load())
	})

	return s
}

func (s *MetricsSink) Handle(e Event) {
	switch e := e.(type) {
	case *DispatchAttempted:
		s.counter("kiviroute_dispatch_total{service=%q}", e.Service).Inc()

	case *RetryScheduled:
		s.counter("kiviroute_retries_total{reason=%q}", e.Reason).Inc()

	case *RequestCompleted:
		reason := "ok"
		if e.Err != nil {
			reason = e.Reason().String()
		}

		s.counter("kiviroute_requests_total{service=%q,result=%q}", e.Service, reason).Inc()
		s.set.GetOrCreateHistogram(fmt.Sprintf("kiviroute_request_duration_seconds{service=%q}", e.Service)).Update(e.Duration.Seconds())
		s.set.GetOrCreateHistogram(fmt.Sprintf("kiviroute_request_attempts{service=%q}", e.Service)).Update(float64(e.Attempts))

	case *CircuitStateChanged:
		s.counter("kiviroute_circuit_transitions_total{state=%q}", e.To).Inc()

	case *NodeAdded:
		s.counter("kiviroute_nodes_added_total").Inc()

	case *NodeRemoved:
		s.counter("kiviroute_nodes_removed_total").Inc()

	case *ConfigUpdated:
		s.revision.Store(e.Revision)
		s.counter("kiviroute_config_updates_total").Inc()

	case *ConfigFetchFailed:
		s.counter("kiviroute_config_fetch_errors_total").Inc()
	}
}

func (s *MetricsSink) counter(format string, args ...interface{}) *metrics.Counter {
	return s.set.GetOrCreateCounter(fmt.Sprintf(format, args...))
}

// Counter returns the current value of the named counter, mostly for tests.
func (s *MetricsSink) Counter(name string) uint64 {
	return s.set.GetOrCreateCounter(name).Get()
}

// WritePrometheus writes all metrics in Prometheus text format.
func (s *MetricsSink) WritePrometheus(w io.Writer) {
	s.set.WritePrometheus(w)
}
