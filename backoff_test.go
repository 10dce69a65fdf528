package reqsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, d := range want {
		require.Equal(t, d, b.Delay(attempt), "attempt %d", attempt)
	}
	require.Equal(t, time.Second, b.Delay(-3))
}

func TestBackoffDefaults(t *testing.T) {
	b := Backoff{}.withDefaults()
	require.Equal(t, DefaultBackoff.Base, b.Base)
	require.Equal(t, DefaultBackoff.Max, b.Max)
	require.Equal(t, DefaultBackoff.MaxAttempts, b.MaxAttempts)

	// a cap below the base is raised to it
	b = Backoff{Base: time.Second, Max: time.Millisecond}.withDefaults()
	require.Equal(t, time.Second, b.Max)
}

func TestBackoffJitterBounded(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, MaxAttempts: 3, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d := b.Delay(1)
		require.GreaterOrEqual(t, d, 200*time.Millisecond)
		require.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestReconnectorBudget(t *testing.T) {
	r := newReconnector(Backoff{Base: time.Millisecond, Max: 4 * time.Millisecond, MaxAttempts: 3})
	var delays []time.Duration
	for r.shouldReconnect() {
		delays = append(delays, r.nextDelay())
	}
	require.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, delays)

	r.reset()
	require.True(t, r.shouldReconnect())
	require.Equal(t, time.Millisecond, r.nextDelay())
}
