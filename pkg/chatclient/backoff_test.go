package chatclient

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffPolicy_Schedule(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Multiplier: 2, Max: 5 * time.Second, MaxRetries: 5}

	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
	}, p.Delays())
}

func TestBackoffPolicy_ResetStartsOver(t *testing.T) {
	p := BackoffPolicy{Base: 10 * time.Millisecond, Multiplier: 3, Max: time.Second, MaxRetries: 2}
	b := p.NewBackOff()

	require.Equal(t, 10*time.Millisecond, b.NextBackOff())
	require.Equal(t, 30*time.Millisecond, b.NextBackOff())
	require.Equal(t, backoff.Stop, b.NextBackOff())

	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
}

func TestBackoffPolicy_Defaults(t *testing.T) {
	delays := BackoffPolicy{}.Delays()
	require.Len(t, delays, 5)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
		assert.LessOrEqual(t, delays[i], 30*time.Second)
	}
}
