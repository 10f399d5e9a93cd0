package throttle

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// StateStore is a bounded mapping from bucket key to ThrottlingState.
// Entries are evicted when the store exceeds its maximum size (least
// recently used first) or when a state has not been accessed for the
// expiration duration. Eviction is silent: a re-seen key starts over with
// full buckets.
type StateStore struct {
	mu       sync.Mutex
	lru      *expirable.LRU[string, *ThrottlingState]
	newState func() *ThrottlingState
}

// NewStateStore creates a store holding at most maxSize states, each
// expiring after the given idle duration. The newState factory is invoked
// under GetOrCreate for keys with no live state.
func NewStateStore(maxSize int, expiration time.Duration, newState func() *ThrottlingState) *StateStore {
	return &StateStore{
		lru:      expirable.NewLRU[string, *ThrottlingState](maxSize, nil, expiration),
		newState: newState,
	}
}

// Get returns the live state for key, if any. An access refreshes the
// entry's expiry, so idle time is measured from the last access rather than
// from insertion.
func (s *StateStore) Get(key string) (*ThrottlingState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.lru.Get(key)
	if ok {
		s.lru.Add(key, st)
	}
	return st, ok
}

// GetOrCreate returns the live state for key, creating one with full
// buckets if none exists. The store's lock makes the check-then-create
// atomic, so at most one state per key is ever observable.
func (s *StateStore) GetOrCreate(key string) *ThrottlingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.lru.Get(key)
	if !ok {
		st = s.newState()
	}
	s.lru.Add(key, st)
	return st
}

// Len returns the number of live states.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}
