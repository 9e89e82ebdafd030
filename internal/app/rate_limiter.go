package app

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// maxTrackedKeys bounds the per-key history; the least recently used key
// is forgotten first.
const maxTrackedKeys = 512

// RateLimiter allows at most limit events per key within a sliding interval.
type RateLimiter struct {
	mu       sync.Mutex
	clk      clock.Clock
	history  *lru.Cache[string, []time.Time]
	limit    int
	interval time.Duration
}

func NewRateLimiter(clk clock.Clock, limit int, interval time.Duration) *RateLimiter {
	history, err := lru.New[string, []time.Time](maxTrackedKeys)
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}
	if limit < 1 {
		limit = 1
	}
	return &RateLimiter{
		clk:      clk,
		history:  history,
		limit:    limit,
		interval: interval,
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clk.Now()
	windowStart := now.Add(-rl.interval)

	attempts, _ := rl.history.Get(key)
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history.Add(key, fresh)
		return false
	}

	fresh = append(fresh, now)
	rl.history.Add(key, fresh)
	return true
}
