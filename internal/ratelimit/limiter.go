package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time so refill behavior is deterministic under test.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// SystemClock is the Clock used outside tests.
var SystemClock Clock = realClock{}

// One token is 1e9 nano-tokens, so a rate of X tokens/sec refills exactly
// X nano-tokens per elapsed nanosecond without float rounding.
const nanoPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// Bucket is a token bucket used to bound per-connection operation rates on
// the store bridge. Integer fixed-point throughout; a zero rate or capacity
// rejects everything once the initial burst is spent.
type Bucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // nano-tokens
	rate     int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewBucket(clock Clock, capacityTokens, tokensPerSecond int64) *Bucket {
	if clock == nil {
		clock = SystemClock
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if tokensPerSecond < 0 {
		tokensPerSecond = 0
	}
	capacity := saturatingNano(capacityTokens)
	return &Bucket{
		clock:     clock,
		capacity:  capacity,
		rate:      tokensPerSecond,
		available: capacity,
		last:      clock.Now(),
	}
}

// Allow consumes one token if available.
func (b *Bucket) Allow() bool {
	return b.AllowN(1)
}

// AllowN consumes n tokens if all are available. n <= 0 always succeeds.
func (b *Bucket) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := saturatingNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *Bucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock stepped backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.rate <= 0 || b.capacity <= 0 || b.available >= b.capacity {
		return
	}

	// elapsed*rate overflows for long idle periods; if the gap is enough to
	// refill completely, clamp instead of multiplying.
	need := b.capacity - b.available
	if fillTime := need / b.rate; fillTime <= 0 || elapsed >= fillTime {
		b.available = b.capacity
		return
	}
	b.available += elapsed * b.rate
	if b.available > b.capacity {
		b.available = b.capacity
	}
}

func saturatingNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
