package reqsync

import (
	"math"
	"math/rand"
	"time"
)

// Backoff configures reconnection delays: base * 2^attempt, capped at Max,
// for at most MaxAttempts consecutive failures.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	// Jitter adds up to Jitter*Base of random delay. Zero disables it.
	Jitter float64
}

// DefaultBackoff is used when no policy is configured.
var DefaultBackoff = Backoff{
	Base:        1 * time.Second,
	Max:         30 * time.Second,
	MaxAttempts: 5,
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoff.Base
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = DefaultBackoff.MaxAttempts
	}
	return b
}

// Delay returns the wait before retry number attempt (zero based).
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt))
	if b.Jitter > 0 {
		d += rand.Float64() * float64(b.Base) * b.Jitter
	}
	return time.Duration(math.Min(d, float64(b.Max)))
}

// reconnector tracks consecutive failures for one connection.
type reconnector struct {
	policy  Backoff
	attempt int
}

func newReconnector(policy Backoff) *reconnector {
	return &reconnector{policy: policy.withDefaults()}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.policy.MaxAttempts
}

// nextDelay returns the delay for the upcoming retry and counts it.
func (r *reconnector) nextDelay() time.Duration {
	delay := r.policy.Delay(r.attempt)
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}
