package matrix

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// RateLimitConfig bounds cumments' own outbound calls to the homeserver.
// It is not client-facing admission control — see DESIGN.md's Open
// Questions section.
type RateLimitConfig struct {
	RoomCreation TokenBucketConfig
	Messages     TokenBucketConfig
	GhostOps     TokenBucketConfig
	Enabled      bool
}

// TokenBucketConfig parameterizes a token bucket.
type TokenBucketConfig struct {
	Rate      float64 // tokens per second
	BurstSize int
	Interval  time.Duration // alternative interval-based limiting
}

// TokenBucket is a small, lock-protected token bucket rate limiter.
type TokenBucket struct {
	mu         sync.Mutex
	rate       float64
	burstSize  int
	tokens     float64
	lastRefill time.Time
	interval   time.Duration
	lastOp     time.Time
}

func NewTokenBucket(config TokenBucketConfig) *TokenBucket {
	return &TokenBucket{
		rate:       config.Rate,
		burstSize:  config.BurstSize,
		tokens:     float64(config.BurstSize),
		lastRefill: time.Now(),
		interval:   config.Interval,
	}
}

// Allow reports whether an operation may proceed now, consuming a token
// if so.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()

	if tb.interval > 0 {
		if !tb.lastOp.IsZero() && now.Sub(tb.lastOp) < tb.interval {
			return false
		}
		tb.lastOp = now
		return true
	}

	elapsed := now.Sub(tb.lastRefill)
	tb.tokens += elapsed.Seconds() * tb.rate
	if tb.tokens > float64(tb.burstSize) {
		tb.tokens = float64(tb.burstSize)
	}
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens--
		return true
	}
	return false
}

// Wait blocks until an operation is allowed or ctx is done.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if tb.Allow() {
			return nil
		}
		waitTime := tb.getWaitTime()
		if waitTime <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
		}
	}
}

func (tb *TokenBucket) getWaitTime() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()

	if tb.interval > 0 {
		if tb.lastOp.IsZero() {
			return 0
		}
		elapsed := now.Sub(tb.lastOp)
		if elapsed >= tb.interval {
			return 0
		}
		return tb.interval - elapsed
	}

	if tb.tokens >= 1.0 {
		return 0
	}
	tokensNeeded := 1.0 - tb.tokens
	if tb.rate <= 0 {
		return time.Hour
	}
	return time.Duration(tokensNeeded / tb.rate * float64(time.Second))
}

// DefaultRateLimitConfig mirrors Synapse's own rc_* defaults, loosened
// slightly for an application service acting as a single high-volume
// client.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled: true,
		RoomCreation: TokenBucketConfig{
			Rate:      0.5,
			BurstSize: 5,
		},
		Messages: TokenBucketConfig{
			Rate:      5,
			BurstSize: 20,
		},
		GhostOps: TokenBucketConfig{
			Rate:      1,
			BurstSize: 10,
		},
	}
}

// TestRateLimitConfig returns limits tight enough to exercise the
// waiting path quickly in tests.
func TestRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled: true,
		RoomCreation: TokenBucketConfig{
			Interval: 5 * time.Millisecond,
		},
		Messages: TokenBucketConfig{
			Rate:      50,
			BurstSize: 5,
		},
		GhostOps: TokenBucketConfig{
			Rate:      50,
			BurstSize: 5,
		},
	}
}

// IsRateLimitError reports whether err is a Matrix 429 / M_LIMIT_EXCEEDED.
func IsRateLimitError(err error) bool {
	var matrixErr *Error
	if errors.As(err, &matrixErr) {
		return matrixErr.StatusCode == 429 || matrixErr.ErrCode == "M_LIMIT_EXCEEDED"
	}
	return false
}
