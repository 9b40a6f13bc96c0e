package ratelimit

import (
	"sync"
	"time"
)

// One token is 1e9 nano-tokens, so a fill rate of X tokens/sec adds exactly
// X nano-tokens per elapsed nanosecond.
const nanoPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket is a deterministic token bucket refilled at an integer rate
// (tokens/sec) from a provided Clock.
//
// Token accounting uses fixed-point nano-tokens to avoid float rounding.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	fillRate int64 // tokens/sec

	avail int64 // nano-tokens
	last  time.Time
}

func NewTokenBucket(clock Clock, capacity, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}

	return &TokenBucket{
		clock:    clock,
		capacity: capacity,
		fillRate: fillRate,
		avail:    tokensToNano(capacity),
		last:     clock.Now(),
	}
}

// Allow consumes the given number of tokens if available.
//
// tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}

	cost := tokensToNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.avail < cost {
		return false
	}

	b.avail -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards. Skip the refill and move the reference point.
		b.last = now
		return
	}

	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.fillRate <= 0 || b.capacity <= 0 {
		return
	}

	capNano := tokensToNano(b.capacity)
	if b.avail >= capNano {
		b.avail = capNano
		return
	}

	need := capNano - b.avail
	elapsedNanos := elapsed.Nanoseconds()
	if elapsedNanos <= 0 {
		return
	}

	// fillRate is tokens/sec, which is nano-tokens/ns in the fixed-point
	// representation. Guard the elapsedNanos*rate product against overflow: if
	// enough time passed to fill the bucket, clamp to capacity instead of
	// multiplying.
	rate := b.fillRate
	fillTime := need / rate
	if fillTime <= 0 || elapsedNanos >= fillTime {
		b.avail = capNano
		return
	}

	b.avail += elapsedNanos * rate
	if b.avail > capNano {
		b.avail = capNano
	}
}

func tokensToNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
