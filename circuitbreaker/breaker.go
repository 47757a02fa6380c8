package circuitbreaker

import (
	"sync"
	"time"
)

type State uint8

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	// Enabled turns the breaker on. A disabled breaker allows everything.
	Enabled bool
	// WindowSize is the maximum number of samples kept for evaluation.
	WindowSize int
	// RollingWindow is how long a sample stays in the window.
	RollingWindow time.Duration
	// FailureRatio opens the circuit when the share of failed samples is
	// strictly greater than it, in [0, 1).
	FailureRatio float64
	// MinSamples is the number of samples required before the ratio is evaluated.
	MinSamples int
	// OpenTimeout is how long the circuit stays open before a probe is let through.
	OpenTimeout time.Duration
	// HalfOpenProbes is how many concurrent probes are allowed in the half-open state.
	HalfOpenProbes int
	// OnStateChange is called outside of the breaker lock after every transition.
	OnStateChange func(from, to State)
	// Now is the clock, time.Now if not set.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		WindowSize:     100,
		RollingWindow:  time.Minute,
		FailureRatio:   0.5,
		MinSamples:     20,
		OpenTimeout:    30 * time.Second,
		HalfOpenProbes: 1,
	}
}

// Ticket is handed out by Allow for every permitted request and must be
// passed back to exactly one of the Record methods. Only the ticket of a
// probe of the current half-open period can change the half-open state.
type Ticket struct {
	probe bool
	gen   uint64
}

// Probe reports whether the ticket was issued as a half-open probe.
func (t Ticket) Probe() bool {
	return t.probe
}

type sample struct {
	at     time.Time
	failed bool
}

// Breaker is a failure-rate circuit breaker guarding a single endpoint.
type Breaker struct {
	mut      sync.Mutex
	conf     Config
	state    State
	samples  []sample
	head     int
	openedAt time.Time
	probes   int
	gen      uint64
}

func New(conf Config) *Breaker {
	if conf.Now == nil {
		conf.Now = time.Now
	}

	if conf.WindowSize < 1 {
		conf.WindowSize = 1
	}

	if conf.HalfOpenProbes < 1 {
		conf.HalfOpenProbes = 1
	}

	return &Breaker{
		conf:    conf,
		samples: make([]sample, 0, conf.WindowSize),
	}
}

func (b *Breaker) State() State {
	b.mut.Lock()
	defer b.mut.Unlock()

	return b.state
}

// Allow reports whether a request may be dispatched. In the half-open state it
// hands out at most HalfOpenProbes probe tickets; a slot is returned when the
// ticket is passed to one of the Record methods.
func (b *Breaker) Allow() (Ticket, bool) {
	if !b.conf.Enabled {
		return Ticket{}, true
	}

	b.mut.Lock()

	var (
		ticket  Ticket
		allowed bool
		from    = b.state
	)

	switch b.state {
	case StateClosed:
		allowed = true

	case StateOpen:
		if b.conf.Now().Sub(b.openedAt) < b.conf.OpenTimeout {
			break
		}

		b.state = StateHalfOpen
		b.gen++
		b.probes = 1
		ticket = Ticket{probe: true, gen: b.gen}
		allowed = true

	case StateHalfOpen:
		if b.probes < b.conf.HalfOpenProbes {
			b.probes++
			ticket = Ticket{probe: true, gen: b.gen}
			allowed = true
		}
	}

	to := b.state
	b.mut.Unlock()

	b.notify(from, to)

	return ticket, allowed
}

func (b *Breaker) RecordSuccess(t Ticket) {
	if !b.conf.Enabled {
		return
	}

	b.mut.Lock()

	from := b.state

	switch b.state {
	case StateClosed:
		b.addSample(false)

	case StateHalfOpen:
		// Results of requests let through before the circuit opened are
		// ignored until the probe reports.
		if b.isProbe(t) {
			b.reset()
		}
	}

	to := b.state
	b.mut.Unlock()

	b.notify(from, to)
}

func (b *Breaker) RecordFailure(t Ticket) {
	if !b.conf.Enabled {
		return
	}

	b.mut.Lock()

	from := b.state

	switch b.state {
	case StateClosed:
		b.addSample(true)

		if b.tripped() {
			b.open()
		}

	case StateHalfOpen:
		if b.isProbe(t) {
			b.open()
		}
	}

	to := b.state
	b.mut.Unlock()

	b.notify(from, to)
}

// RecordCancelled releases a half-open probe slot without recording an
// outcome, for requests that were cancelled before the result was known.
func (b *Breaker) RecordCancelled(t Ticket) {
	if !b.conf.Enabled {
		return
	}

	b.mut.Lock()
	defer b.mut.Unlock()

	if b.isProbe(t) && b.probes > 0 {
		b.probes--
	}
}

func (b *Breaker) isProbe(t Ticket) bool {
	return b.state == StateHalfOpen && t.probe && t.gen == b.gen
}

func (b *Breaker) addSample(failed bool) {
	s := sample{at: b.conf.Now(), failed: failed}

	if len(b.samples) < b.conf.WindowSize {
		b.samples = append(b.samples, s)
		return
	}

	b.samples[b.head] = s
	b.head = (b.head + 1) % len(b.samples)
}

func (b *Breaker) tripped() bool {
	var (
		total    int
		failures int
		cutoff   = b.conf.Now().Add(-b.conf.RollingWindow)
	)

	for _, s := range b.samples {
		if b.conf.RollingWindow > 0 && s.at.Before(cutoff) {
			continue
		}

		total++

		if s.failed {
			failures++
		}
	}

	if total == 0 || total < b.conf.MinSamples {
		return false
	}

	return float64(failures)/float64(total) > b.conf.FailureRatio
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.conf.Now()
	b.probes = 0
}

func (b *Breaker) reset() {
	b.state = StateClosed
	b.samples = b.samples[:0]
	b.head = 0
	b.probes = 0
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.conf.OnStateChange != nil {
		b.conf.OnStateChange(from, to)
	}
}
