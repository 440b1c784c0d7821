package priocq

import (
	"sync"
	"time"
)

// TokenBucket shapes the rate at which a pool dequeues tasks.
type TokenBucket struct {
	mu       sync.Mutex
	capacity int64
	tokens   int64
	rate     int64 // tokens per second
	last     time.Time
}

// NewTokenBucket returns nil for a non-positive rate, meaning unlimited.
func NewTokenBucket(ratePerSec, capacity int64) *TokenBucket {
	if ratePerSec <= 0 {
		return nil
	}
	if capacity <= 0 {
		capacity = ratePerSec
	}
	return &TokenBucket{capacity: capacity, tokens: capacity, rate: ratePerSec, last: time.Now()}
}

// Allow tries to consume n tokens; if not enough, returns duration to wait.
func (b *TokenBucket) Allow(n int64) (ok bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if dt := now.Sub(b.last); dt > 0 {
		if add := b.rate * dt.Nanoseconds() / int64(time.Second); add > 0 {
			b.tokens = min(b.tokens+add, b.capacity)
			b.last = now
		}
	}
	if b.tokens >= n {
		b.tokens -= n
		return true, 0
	}
	need := n - b.tokens
	return false, time.Duration(need * int64(time.Second) / b.rate)
}
