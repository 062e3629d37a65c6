package engine

import (
	"math/rand"
	"time"
)

// backoff returns the delay before retry attempt n (1-based): base doubled
// per attempt, plus a jitter of up to half the exponential step so a fleet
// of terminals recovering together does not hammer the server in lockstep.
// The returned delay never exceeds cap, jitter included.
func backoff(n int, base, cap time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	exp := base << uint(n-1)
	if exp <= 0 || exp > cap {
		exp = cap
	}
	d := exp + time.Duration(rand.Int63n(int64(exp/2)+1))
	if d > cap {
		d = cap
	}
	return d
}
