package delivery

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Jitter bounds applied to every retry delay.
const (
	JitterMin = 0.1
	JitterMax = 1.0
)

const maxDelay = time.Duration(math.MaxInt64)

// Policy computes retry delays as base * 2^attempt * jitter with jitter
// uniform in [JitterMin, JitterMax). Attempt 0 is the first retry.
type Policy struct {
	Base time.Duration
	// Rand returns a value in [0,1). Nil uses math/rand/v2.
	Rand func() float64
}

// DelayFor is Policy{Base: base}.Delay(attempt) with a fresh jitter draw.
func DelayFor(attempt int, base time.Duration) time.Duration {
	return Policy{Base: base}.Delay(attempt)
}

func (p Policy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	r := rand.Float64
	if p.Rand != nil {
		r = p.Rand
	}
	u := r()
	if u < 0 || u >= 1 {
		u = 0
	}
	jitter := JitterMin + (JitterMax-JitterMin)*u

	d := float64(p.Base) * math.Pow(2, float64(attempt)) * jitter
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(maxDelay) {
		return maxDelay
	}
	if d < 1 {
		return 1
	}
	return time.Duration(d)
}

// Sequence returns a stateful backoff.BackOff yielding Delay(0), Delay(1), ...
func (p Policy) Sequence() *Sequence { return &Sequence{policy: p} }

// Sequence is not safe for concurrent use.
type Sequence struct {
	policy  Policy
	attempt int
}

var _ backoff.BackOff = (*Sequence)(nil)

func (s *Sequence) NextBackOff() time.Duration {
	d := s.policy.Delay(s.attempt)
	s.attempt++
	return d
}

func (s *Sequence) Reset() { s.attempt = 0 }
