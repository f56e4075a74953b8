package viewer

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 30 * time.Second
	DefaultMaxAttempts = 8
)

// Backoff describes the reconnect policy: exponential growth from Base,
// bounded by Cap, with jitter, for at most MaxAttempts retries.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
	// Rand returns a value in [0,1). Defaults to math/rand.
	Rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Cap: DefaultBackoffCap, MaxAttempts: DefaultMaxAttempts}
}

func (b Backoff) normalized() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoffBase
	}
	if b.Cap < b.Base {
		b.Cap = b.Base
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = DefaultMaxAttempts
	}
	if b.Rand == nil {
		b.Rand = rand.Float64
	}
	return b
}

// Start begins a new retry episode.
func (b Backoff) Start() *Schedule {
	b = b.normalized()

	// The nominal delays come from an unrandomized exponential policy; the
	// jitter is applied on top so that it can be made deterministic.
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.Base
	exp.Multiplier = 2
	exp.MaxInterval = b.Cap
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &Schedule{b: b, nominal: backoff.WithMaxRetries(exp, uint64(b.MaxAttempts))}
}

// Schedule hands out the delays of one retry episode. Delays never decrease
// and never exceed the cap.
type Schedule struct {
	b       Backoff
	nominal backoff.BackOff
	attempt int
	prev    time.Duration
}

// Next returns the delay before the next attempt, or false once the attempt
// budget is spent.
func (s *Schedule) Next() (time.Duration, bool) {
	nominal := s.nominal.NextBackOff()
	if nominal == backoff.Stop {
		return 0, false
	}
	s.attempt++
	if nominal > s.b.Cap {
		nominal = s.b.Cap
	}

	// Equal jitter: half fixed, half random.
	d := nominal/2 + time.Duration(s.b.Rand()*float64(nominal/2))
	if d < s.prev {
		d = s.prev
	}
	if d > s.b.Cap {
		d = s.b.Cap
	}
	s.prev = d
	return d, true
}

// Attempt is the number of delays handed out so far.
func (s *Schedule) Attempt() int { return s.attempt }

// healthyAfter is how long a connection must stay up before it counts as
// recovered even if no frame arrived.
func (s *Schedule) healthyAfter() time.Duration { return s.b.Cap }
