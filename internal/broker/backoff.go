package broker

import (
	"math/rand"
	"time"
)

// backoff produces reconnect delays that double from base up to max, with
// +/-20% jitter so a broker restart does not get a thundering herd of
// sessions redialing in lockstep.
type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max}
}

func (b *backoff) next() time.Duration {
	delay := b.base << b.attempt
	if delay > b.max || delay <= 0 {
		delay = b.max
	} else {
		b.attempt++
	}
	jitter := time.Duration(rand.Float64() * float64(delay) * 0.4)
	return delay - (delay / 5) + jitter
}

func (b *backoff) reset() {
	b.attempt = 0
}
