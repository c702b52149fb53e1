package retry

import "time"

// Policy governs a single Do invocation. Policies are value objects: callers
// pass one explicitly (usually a preset) and may tweak a copy per call-site.
type Policy struct {
	MaxRetries    int           // additional attempts after the first
	BaseDelay     time.Duration // delay before the first retry
	MaxDelay      time.Duration // cap on the computed delay
	BackoffFactor float64       // multiplier per attempt, > 1
	Jitter        bool          // perturb each delay by ±25%
}

// Named presets. Network covers RPC fetches, Storage covers local persistence,
// Fast covers latency-sensitive calls on the trade path, Persistent covers
// connections that should survive long outages, ConfirmationWait polls until a
// transaction lands.
var (
	Default = Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, BackoffFactor: 2, Jitter: true}

	Network = Policy{MaxRetries: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, BackoffFactor: 2, Jitter: true}

	Storage = Policy{MaxRetries: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, BackoffFactor: 2, Jitter: false}

	Fast = Policy{MaxRetries: 2, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 1.5, Jitter: true}

	Persistent = Policy{MaxRetries: 10, BaseDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2, Jitter: true}

	ConfirmationWait = Policy{MaxRetries: 30, BaseDelay: 2 * time.Second, MaxDelay: 15 * time.Second, BackoffFactor: 1.2, Jitter: false}
)

// Delay returns the backoff delay after the given zero-based attempt,
// without jitter applied.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.BackoffFactor
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
