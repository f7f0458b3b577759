package supervisor

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// defaultJitter is applied when the policy does not set one. Jitter is always
// on: fleets of connections sharing a policy must not reconnect in lockstep.
const defaultJitter = 0.2

// Policy is the immutable reconnection configuration.
type Policy struct {
	// MaxAttempts bounds the attempt loop. Zero means unbounded.
	MaxAttempts int

	// Backoff is an explicit schedule of waits between attempts, applied in
	// order with the last entry repeating. Entries should be non-decreasing.
	// Empty means exponential backoff with a cap.
	Backoff []time.Duration

	// Deadline bounds the total time spent reconnecting. Zero means none.
	Deadline time.Duration

	// Jitter is the randomization fraction applied to every wait.
	// Zero means the default.
	Jitter float64
}

// jitter returns the effective randomization fraction.
func (p Policy) jitter() float64 {
	if p.Jitter > 0 {
		return p.Jitter
	}
	return defaultJitter
}

// schedule builds the backoff source for one attempt loop.
func (p Policy) schedule() backoff.BackOff {
	if len(p.Backoff) > 0 {
		return &stepBackOff{steps: p.Backoff, jitter: p.jitter()}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = p.jitter()
	b.MaxElapsedTime = 0 // the deadline is enforced by the retry context
	b.Reset()
	return b
}

// stepBackOff walks an explicit schedule, repeating the last entry and
// jittering every wait. Implements backoff.BackOff.
type stepBackOff struct {
	steps  []time.Duration
	jitter float64
	next   int
}

func (b *stepBackOff) NextBackOff() time.Duration {
	i := b.next
	if i >= len(b.steps) {
		i = len(b.steps) - 1
	}
	b.next++

	d := b.steps[i]
	// Jitter around the configured wait: d * [1-j, 1+j).
	delta := b.jitter * float64(d)
	return d - time.Duration(delta) + time.Duration(2*delta*rand.Float64())
}

func (b *stepBackOff) Reset() { b.next = 0 }
