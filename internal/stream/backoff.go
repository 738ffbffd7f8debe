package stream

import (
	"math/rand"
	"time"
)

// Backoff produces reconnect delays that double from Base up to Cap, with
// additive jitter to avoid synchronized retry storms. The jitter is bounded
// to a quarter of the current delay so consecutive delays stay
// non-decreasing until the cap is reached, and the jittered delay never
// exceeds Cap.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	// jitter overrides the random source in tests. Given the jitter bound,
	// it returns a value in [0, bound).
	jitter func(bound time.Duration) time.Duration

	attempt int
}

func (b *Backoff) Next() time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}

	delay := base << b.attempt
	if delay <= 0 {
		// Shift overflow on a long failure run; pin to the cap.
		delay = b.Cap
		if delay <= 0 {
			delay = base
		}
	}
	if b.Cap > 0 && delay >= b.Cap {
		delay = b.Cap
	} else {
		b.attempt++
	}

	jittered := delay + b.jitterIn(delay/4)
	if b.Cap > 0 && jittered > b.Cap {
		jittered = b.Cap
	}
	return jittered
}

func (b *Backoff) Reset() {
	b.attempt = 0
}

func (b *Backoff) jitterIn(bound time.Duration) time.Duration {
	if bound <= 0 {
		return 0
	}
	if b.jitter != nil {
		return b.jitter(bound)
	}
	return time.Duration(rand.Int63n(int64(bound)))
}
