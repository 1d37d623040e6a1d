package supervisor

import (
	"math/rand"
	"time"
)

// RestartPolicy configures the exponential backoff with jitter used
// between restart attempts (§4.E), grounded on the field vocabulary of a
// conventional plugin-reliability config (MaxRetries, InitialRetryDelay,
// BackoffMultiplier, ...): base/cap/jitter/max-restarts/window.
type RestartPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	JitterFrac  float64
	MaxRestarts int
	Window      time.Duration
}

// DefaultRestartPolicy matches the literal defaults in §4.E: base 500ms,
// cap 30s, jitter ±25%, max_restarts 5, rolling window 60s.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		Base:        500 * time.Millisecond,
		Cap:         30 * time.Second,
		JitterFrac:  0.25,
		MaxRestarts: 5,
		Window:      60 * time.Second,
	}
}

// Backoff computes min(base * 2^(n-1), cap) and applies a uniform jitter
// of ±jitterFrac, for the nth restart attempt (n >= 1).
func (p RestartPolicy) Backoff(n int, rng *rand.Rand) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.Base)
	for i := 1; i < n; i++ {
		d *= 2
		if d > float64(p.Cap) {
			d = float64(p.Cap)
			break
		}
	}
	jitter := (rng.Float64()*2 - 1) * p.JitterFrac * d
	result := time.Duration(d + jitter)
	if result < 0 {
		result = 0
	}
	return result
}
