package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/maxpoletaev/kiviroute/failure"
)

// Input is everything a strategy may look at when deciding what to do with
// a failed attempt.
type Input struct {
	// Attempt is the number of attempts made so far, starting at 1.
	Attempt int
	// Reason is the classified failure of the last attempt.
	Reason failure.Reason
	// Remaining is the time left until the request deadline.
	Remaining time.Duration
	// Idempotent tells whether the operation can be safely applied twice.
	Idempotent bool
}

// Decision is either RetryAfter(delay) or GiveUp(reason).
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason failure.Reason
	// Refresh asks for a fresh cluster map before the next attempt.
	Refresh bool
}

func RetryAfter(d time.Duration) Decision {
	return Decision{Retry: true, Delay: d}
}

func GiveUp(reason failure.Reason) Decision {
	return Decision{Reason: reason}
}

type Strategy interface {
	Decide(in Input) Decision
}

type Config struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	// JitterFactor spreads the delay by up to ±JitterFactor of its value.
	JitterFactor float64
	// Rand returns a number in [0, 1). Defaults to math/rand.
	Rand func() float64
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  10,
		Base:         10 * time.Millisecond,
		Cap:          time.Second,
		JitterFactor: 0.2,
	}
}

// Backoff retries safe failures with exponential backoff and proportional
// jitter. Decisions depend only on the input and the random source.
type Backoff struct {
	conf Config
}

func NewBackoff(conf Config) *Backoff {
	if conf.Rand == nil {
		conf.Rand = rand.Float64
	}

	if conf.MaxAttempts < 1 {
		conf.MaxAttempts = 1
	}

	return &Backoff{conf: conf}
}

func (b *Backoff) Decide(in Input) Decision {
	if in.Reason.Terminal() {
		return GiveUp(in.Reason)
	}

	// The server might have applied the operation already.
	if in.Reason.Ambiguous() && !in.Idempotent {
		return GiveUp(in.Reason)
	}

	if in.Remaining <= 0 {
		return GiveUp(failure.ReasonDeadlineExceeded)
	}

	if in.Attempt >= b.conf.MaxAttempts {
		return GiveUp(failure.ReasonRetriesExhausted)
	}

	var delay time.Duration

	// The node is gone from the topology, the next attempt goes elsewhere.
	if in.Reason != failure.ReasonNodeRemoved {
		delay = b.Delay(in.Attempt)
	}

	if delay >= in.Remaining {
		return GiveUp(failure.ReasonDeadlineExceeded)
	}

	d := RetryAfter(delay)
	d.Refresh = in.Reason.NeedsRefresh()

	return d
}

// Delay returns the backoff delay after the given attempt:
// min(Cap, Base*2^(attempt-1)) with jitter applied.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(b.conf.Base) * math.Pow(2, float64(attempt-1))
	if b.conf.Cap > 0 && delay > float64(b.conf.Cap) {
		delay = float64(b.conf.Cap)
	}

	if b.conf.JitterFactor > 0 {
		delay += delay * b.conf.JitterFactor * (2*b.conf.Rand() - 1)
	}

	if delay < 0 {
		return 0
	}

	return time.Duration(delay)
}
