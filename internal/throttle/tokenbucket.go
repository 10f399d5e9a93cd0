package throttle

import (
	"fmt"
	"sync"
	"time"
)

// TokenBucket is a rate-limited counter with a fixed-interval refill policy.
// A bucket is defined by its capacity, the number of tokens added per refill,
// and the refill period. Refills happen lazily on each call: whole elapsed
// periods are credited and the refill origin advances by exactly the periods
// consumed, so a bucket left alone for one period gains exactly its refill
// amount (clamped to capacity).
//
// The token count never leaves [0, capacity]. All methods are safe for
// concurrent use.
type TokenBucket struct {
	capacity     int64
	refillAmount int64
	refillPeriod time.Duration

	mu         sync.Mutex
	count      int64
	lastRefill time.Time

	now func() time.Time
}

// NewTokenBucket creates a full bucket. Capacity, refill amount and refill
// period must all be positive. The now function is used as the bucket's
// clock; pass nil for time.Now.
func NewTokenBucket(capacity, refillAmount int64, refillPeriod time.Duration, now func() time.Time) (*TokenBucket, error) {
	spec := BucketSpec{Capacity: capacity, RefillAmount: refillAmount, RefillPeriod: refillPeriod}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return newBucket(spec, now), nil
}

// BucketSpec holds the three parameters defining a token bucket.
type BucketSpec struct {
	Capacity     int64
	RefillAmount int64
	RefillPeriod time.Duration
}

func (s BucketSpec) validate() error {
	if s.Capacity <= 0 {
		return fmt.Errorf("token bucket capacity must be positive, got %d", s.Capacity)
	}
	if s.RefillAmount <= 0 {
		return fmt.Errorf("token bucket refill amount must be positive, got %d", s.RefillAmount)
	}
	if s.RefillPeriod <= 0 {
		return fmt.Errorf("token bucket refill period must be positive, got %s", s.RefillPeriod)
	}
	return nil
}

// newBucket builds a bucket from an already validated spec.
func newBucket(spec BucketSpec, now func() time.Time) *TokenBucket {
	if now == nil {
		now = time.Now
	}
	return &TokenBucket{
		capacity:     spec.Capacity,
		refillAmount: spec.RefillAmount,
		refillPeriod: spec.RefillPeriod,
		count:        spec.Capacity,
		lastRefill:   now(),
		now:          now,
	}
}

// TryConsume takes n tokens if at least n are available after refill.
// It reports whether the tokens were taken; on false the count is unchanged.
func (b *TokenBucket) TryConsume(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.now())
	if b.count < n {
		return false
	}
	b.count -= n
	return true
}

// ConsumeOrOverdraw takes n tokens, clamping the count at zero. It returns
// the shortfall: how many of the n tokens the bucket could not cover.
func (b *TokenBucket) ConsumeOrOverdraw(n int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.now())
	if n <= b.count {
		b.count -= n
		return 0
	}
	shortfall := n - b.count
	b.count = 0
	return shortfall
}

// Available returns the current token count after a refill.
func (b *TokenBucket) Available() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.now())
	return b.count
}

// TimeUntilAvailable returns how long until TryConsume(n) would succeed,
// assuming no further consumption. Zero means n tokens are available now.
func (b *TokenBucket) TimeUntilAvailable(n int64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.now()
	b.refillLocked(t)
	if b.count >= n {
		return 0
	}
	deficit := n - b.count
	periods := (deficit + b.refillAmount - 1) / b.refillAmount
	return b.lastRefill.Add(time.Duration(periods) * b.refillPeriod).Sub(t)
}

// refillLocked credits whole elapsed refill periods. Callers must hold mu.
func (b *TokenBucket) refillLocked(t time.Time) {
	elapsed := t.Sub(b.lastRefill)
	if elapsed < b.refillPeriod {
		return
	}
	periods := int64(elapsed / b.refillPeriod)
	b.count += periods * b.refillAmount
	if b.count > b.capacity {
		b.count = b.capacity
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(periods) * b.refillPeriod)
}
