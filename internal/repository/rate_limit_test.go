package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRateLimit(t *testing.T) {
	clock := newStepClock()
	limiter := NewMemoryRateLimitRepository(clock.Now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "chat:send:1", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "hit %d", i)
	}

	ok, err := limiter.Allow(ctx, "chat:send:1", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = limiter.Allow(ctx, "chat:send:2", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	clock.Advance(time.Second)
	ok, err = limiter.Allow(ctx, "chat:send:1", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "new window")
}
