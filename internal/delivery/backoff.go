package delivery

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls redelivery of failed jobs.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	// Jitter adds up to Jitter*delay on top of the deterministic delay.
	Jitter float64

	rand func() float64
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Base:        time.Second,
		Factor:      2,
		Cap:         5 * time.Minute,
		Jitter:      0.2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Factor < 1 {
		p.Factor = d.Factor
	}
	if p.Cap <= 0 {
		p.Cap = d.Cap
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// BackoffFloor is the deterministic lower bound of Backoff(n):
// min(Cap, Base*Factor^n).
func (p RetryPolicy) BackoffFloor(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := float64(p.Base) * math.Pow(p.Factor, float64(n))
	if d > float64(p.Cap) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.Cap
	}
	return time.Duration(d)
}

// Backoff returns the delay before the retry following n failed attempts.
// It is never below BackoffFloor(n) and never above Cap.
func (p RetryPolicy) Backoff(n int) time.Duration {
	floor := p.BackoffFloor(n)
	if p.Jitter == 0 {
		return floor
	}

	r := rand.Float64
	if p.rand != nil {
		r = p.rand
	}
	d := floor + time.Duration(p.Jitter*float64(floor)*r())
	if d > p.Cap {
		return p.Cap
	}
	return d
}
