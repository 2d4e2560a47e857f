package worker

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// throttleIdleTTL is how long a subscription's limiter survives without a
// reservation. A limiter idle for over a second has refilled its bucket, so
// evicting it loses no pacing state.
const throttleIdleTTL = 10 * time.Minute

// throttles paces deliveries per subscription with a token bucket of
// maxReceivesPerSecond tokens refilled every second.
type throttles struct {
	mu       sync.Mutex
	limiters *gocache.Cache
}

func newThrottles(idle time.Duration) *throttles {
	return &throttles{limiters: gocache.New(idle, idle/2)}
}

// reserve takes one token for subscriptionArn and returns how long the
// caller must wait before using it. Each reservation renews the limiter's
// idle timer.
func (t *throttles) reserve(subscriptionArn string, perSecond int, now time.Time) time.Duration {
	limit := rate.Limit(perSecond)

	t.mu.Lock()
	var lim *rate.Limiter
	if v, ok := t.limiters.Get(subscriptionArn); ok {
		lim = v.(*rate.Limiter)
		if lim.Limit() != limit {
			lim.SetLimitAt(now, limit)
			lim.SetBurstAt(now, perSecond)
		}
	} else {
		lim = rate.NewLimiter(limit, perSecond)
	}
	t.limiters.SetDefault(subscriptionArn, lim)
	t.mu.Unlock()

	return lim.ReserveN(now, 1).DelayFrom(now)
}

func (t *throttles) forget(subscriptionArn string) {
	t.limiters.Delete(subscriptionArn)
}
