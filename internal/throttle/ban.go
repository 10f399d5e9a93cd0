package throttle

import (
	"net/http"
	"time"
)

// BanThrottler turns repeated throttling events into bans. Every throttled
// request takes a token from the bucket's throttle bucket; a client that
// keeps hammering through 429s empties it and is banned outright for the
// configured duration.
type BanThrottler struct {
	banDuration    time.Duration
	store          *StateStore
	enableHeader   string
	alwaysBanParam string
	now            func() time.Time
}

// NewBanThrottler creates a banner over the given store. If enableHeader is
// non-empty, only requests carrying that header can be banned;
// alwaysBanParam names a query parameter that forces a ban for testing.
// Pass nil for the time.Now clock.
func NewBanThrottler(banDuration time.Duration, store *StateStore, enableHeader, alwaysBanParam string, now func() time.Time) *BanThrottler {
	if now == nil {
		now = time.Now
	}
	return &BanThrottler{
		banDuration:    banDuration,
		store:          store,
		enableHeader:   enableHeader,
		alwaysBanParam: alwaysBanParam,
		now:            now,
	}
}

func (b *BanThrottler) enabled(r *http.Request) bool {
	return b.enableHeader == "" || r.Header.Get(b.enableHeader) != ""
}

// ThrottledUntil returns the bucket's ban deadline, or the zero time when
// the client is not banned. It only peeks at existing state and never
// creates any.
func (b *BanThrottler) ThrottledUntil(key string, r *http.Request) time.Time {
	if !b.enabled(r) {
		return time.Time{}
	}
	if b.alwaysBanParam != "" && r.URL.Query().Has(b.alwaysBanParam) {
		return b.now().Add(b.banDuration)
	}
	st, ok := b.store.Get(key)
	if !ok {
		return time.Time{}
	}
	return st.BannedUntil()
}

// Throttled records a throttling incident for the bucket. It lazily
// creates state, overdraws the throttle bucket by one, and if the bucket is
// then empty sets the ban deadline to now plus the ban duration. Deadlines
// only ever move forward; a fresh ban never shortens an existing one.
func (b *BanThrottler) Throttled(key string, r *http.Request) {
	if !b.enabled(r) {
		return
	}
	st := b.store.GetOrCreate(key)
	st.ThrottleBucket().ConsumeOrOverdraw(1)
	if st.ThrottleBucket().Available() == 0 {
		st.BanUntil(b.now().Add(b.banDuration))
	}
}
