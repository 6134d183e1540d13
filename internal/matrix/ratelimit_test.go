package matrix

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketAllowIntervalBased(t *testing.T) {
	tb := NewTokenBucket(TokenBucketConfig{Interval: 50 * time.Millisecond})

	assert.True(t, tb.Allow(), "first call should be allowed")
	assert.False(t, tb.Allow(), "immediate second call should be blocked")

	time.Sleep(60 * time.Millisecond)
	assert.True(t, tb.Allow(), "call after interval should be allowed")
}

func TestTokenBucketAllowTokenBased(t *testing.T) {
	tb := NewTokenBucket(TokenBucketConfig{Rate: 1.0, BurstSize: 3})

	for i := 0; i < 3; i++ {
		assert.True(t, tb.Allow(), "burst call %d should be allowed", i+1)
	}
	assert.False(t, tb.Allow(), "call after burst should be blocked")

	time.Sleep(1100 * time.Millisecond)
	assert.True(t, tb.Allow(), "call after token regeneration should be allowed")
}

func TestTokenBucketWaitRespectsContext(t *testing.T) {
	tb := NewTokenBucket(TokenBucketConfig{Interval: time.Hour})
	require.True(t, tb.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := tb.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsRateLimitErrorMatchesStatusAndCode(t *testing.T) {
	assert.True(t, IsRateLimitError(&Error{StatusCode: 429}))
	assert.True(t, IsRateLimitError(&Error{ErrCode: "M_LIMIT_EXCEEDED"}))
	assert.False(t, IsRateLimitError(&Error{StatusCode: 403, ErrCode: "M_FORBIDDEN"}))
	assert.False(t, IsRateLimitError(assert.AnError))
}
