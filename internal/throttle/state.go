package throttle

import (
	"sync"
	"time"
)

// ThrottlingState is the per-bucket record. It holds three token buckets --
// compute time in milliseconds, errors, and throttling incidents -- plus the
// ban deadline. The zero deadline means not banned. All mutation goes
// through the throttler and banner; the state only exposes accessors.
type ThrottlingState struct {
	timeBucket     *TokenBucket
	errorBucket    *TokenBucket
	throttleBucket *TokenBucket

	mu          sync.Mutex
	bannedUntil time.Time
}

// NewThrottlingState assembles a state from its three buckets.
func NewThrottlingState(timeBucket, errorBucket, throttleBucket *TokenBucket) *ThrottlingState {
	return &ThrottlingState{
		timeBucket:     timeBucket,
		errorBucket:    errorBucket,
		throttleBucket: throttleBucket,
	}
}

// TimeBucket returns the bucket tracking request durations, in milliseconds.
func (s *ThrottlingState) TimeBucket() *TokenBucket { return s.timeBucket }

// ErrorBucket returns the bucket tracking failed requests.
func (s *ThrottlingState) ErrorBucket() *TokenBucket { return s.errorBucket }

// ThrottleBucket returns the bucket tracking throttling incidents.
func (s *ThrottlingState) ThrottleBucket() *TokenBucket { return s.throttleBucket }

// BannedUntil returns the ban deadline; the zero time means not banned.
func (s *ThrottlingState) BannedUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bannedUntil
}

// BanUntil extends the ban deadline. The deadline is monotonic: an earlier
// deadline never replaces a later one.
func (s *ThrottlingState) BanUntil(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.bannedUntil) {
		s.bannedUntil = t
	}
}

// StateSpec holds the bucket parameters shared by every ThrottlingState.
type StateSpec struct {
	Time      BucketSpec
	Errors    BucketSpec
	Throttles BucketSpec
}

// NewStateFactory validates the spec once and returns a factory producing
// fresh states with full buckets on the given clock. The factory is handed
// to the state store so states are only allocated for clients that need
// accounting.
func NewStateFactory(spec StateSpec, now func() time.Time) (func() *ThrottlingState, error) {
	for _, b := range []BucketSpec{spec.Time, spec.Errors, spec.Throttles} {
		if err := b.validate(); err != nil {
			return nil, err
		}
	}
	return func() *ThrottlingState {
		return NewThrottlingState(
			newBucket(spec.Time, now),
			newBucket(spec.Errors, now),
			newBucket(spec.Throttles, now),
		)
	}, nil
}
