package retry

import (
	"math"
	"time"
)

// maxExponent keeps 2^attempts minutes inside time.Duration.
const maxExponent = 20

type Decision struct {
	Terminal bool
	At       time.Time
}

// Next decides what happens to an item after a failed attempt. attempts is
// the count after the failure has been recorded.
func Next(attempts, maxAttempts int, now time.Time) Decision {
	if attempts >= maxAttempts {
		return Decision{Terminal: true}
	}
	return Decision{At: now.Add(Backoff(attempts))}
}

// Backoff is 2^attempts minutes.
func Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	if attempts > maxExponent {
		attempts = maxExponent
	}
	return time.Duration(math.Pow(2, float64(attempts))) * time.Minute
}
