package push

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := newBackoff(100*time.Millisecond, 800*time.Millisecond)

	var last time.Duration
	for i := 0; i < 10; i++ {
		d := b.next()
		// Jitter is ±50%, so the delay stays within half and one-and-a-half
		// of the capped exponential step.
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.LessOrEqual(t, d, 1200*time.Millisecond)
		last = d
	}
	// After many attempts the schedule sits at the cap (modulo jitter).
	require.GreaterOrEqual(t, last, 400*time.Millisecond)
}

func TestBackoffReset(t *testing.T) {
	b := newBackoff(100*time.Millisecond, 10*time.Second)
	for i := 0; i < 6; i++ {
		b.next()
	}
	b.reset()

	// The first delay after a reset is derived from the base again.
	d := b.next()
	require.LessOrEqual(t, d, 150*time.Millisecond)
	require.GreaterOrEqual(t, d, 50*time.Millisecond)
}

func TestBackoffDefaults(t *testing.T) {
	b := newBackoff(0, 0)
	require.Equal(t, time.Second, b.base)
	require.Equal(t, time.Second, b.cap)
}
