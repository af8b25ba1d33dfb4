package push

import (
	"math/rand"
	"sync"
	"time"
)

// backoff produces jittered exponential reconnect delays. The upstream service
// historically retried on a fixed 5s timer; the exponential schedule with a
// cap keeps a flapping server from being hammered while still reconnecting
// quickly after short blips.
type backoff struct {
	mu      sync.Mutex
	base    time.Duration
	cap     time.Duration
	jitter  float64
	attempt int
	rng     *rand.Rand
}

func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &backoff{
		base:   base,
		cap:    max,
		jitter: 0.5,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// next returns the delay before the following connection attempt.
func (b *backoff) next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.base
	for i := 0; i < b.attempt && d < b.cap; i++ {
		d *= 2
	}
	if d > b.cap {
		d = b.cap
	}
	b.attempt++

	// Spread the delay across [d*(1-jitter), d*(1+jitter)].
	factor := 1 + b.jitter*(2*b.rng.Float64()-1)
	jittered := time.Duration(float64(d) * factor)
	if jittered <= 0 {
		jittered = b.base
	}
	return jittered
}

// reset restarts the schedule after a successful connection.
func (b *backoff) reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}
