package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAllowsWithinWindow(t *testing.T) {
	limiter := New()

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Check("1.2.3.4", "1.2.3.4", 3, time.Minute))
	}
}

func TestCheckRejectsOverLimit(t *testing.T) {
	limiter := New()

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Check("1.2.3.4", "1.2.3.4", 3, time.Minute))
	}

	err := limiter.Check("1.2.3.4", "1.2.3.4", 3, time.Minute)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestCheckAllowsAfterWindowSlides(t *testing.T) {
	now := time.Now().UTC()
	limiter := New().WithClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Check("1.2.3.4", "1.2.3.4", 3, time.Minute))
	}

	now = now.Add(2 * time.Minute)

	assert.NoError(t, limiter.Check("1.2.3.4", "1.2.3.4", 3, time.Minute))
}

func TestDoubleLimitBlocksIP(t *testing.T) {
	now := time.Now().UTC()
	limiter := New().WithClock(func() time.Time { return now })

	var lastErr error
	for i := 0; i < 6; i++ {
		lastErr = limiter.Check("1.2.3.4", "1.2.3.4", 3, time.Minute)
	}

	var blocked BlockedError
	require.True(t, errors.As(lastErr, &blocked))
	assert.Equal(t, now.Add(time.Hour), blocked.Until)

	// The block outlives the sliding window and applies to any key on the IP.
	now = now.Add(5 * time.Minute)
	err := limiter.Check(Key("1.2.3.4", "someone"), "1.2.3.4", 3, time.Minute)
	assert.True(t, errors.As(err, &blocked))
}

func TestBlockExpires(t *testing.T) {
	now := time.Now().UTC()
	limiter := New().WithClock(func() time.Time { return now })

	for i := 0; i < 6; i++ {
		_ = limiter.Check("1.2.3.4", "1.2.3.4", 3, time.Minute)
	}

	now = now.Add(61 * time.Minute)

	assert.NoError(t, limiter.Check("1.2.3.4", "1.2.3.4", 3, time.Minute))
}

func TestSweepDropsStaleState(t *testing.T) {
	now := time.Now().UTC()
	limiter := New().WithClock(func() time.Time { return now })

	require.NoError(t, limiter.Check("1.2.3.4", "1.2.3.4", 3, time.Minute))
	for i := 0; i < 6; i++ {
		_ = limiter.Check("5.6.7.8", "5.6.7.8", 3, time.Minute)
	}

	now = now.Add(2 * time.Hour)
	limiter.Sweep()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Empty(t, limiter.hitsByKey)
	assert.Empty(t, limiter.blockedIPs)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "1.2.3.4", Key("1.2.3.4", ""))
	assert.Equal(t, "1.2.3.4|alice", Key("1.2.3.4", "alice"))
}
