package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ownerLimiter throttles session creation per owner so one caller cannot
// flood the remote service with QR challenges.
type ownerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ownerEntry
	limit    rate.Limit
	burst    int
}

type ownerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newOwnerLimiter(perMinute float64, burst int) *ownerLimiter {
	return &ownerLimiter{
		limiters: make(map[string]*ownerEntry),
		limit:    rate.Limit(perMinute / 60.0),
		burst:    burst,
	}
}

func (l *ownerLimiter) Allow(ownerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[ownerID]
	if !ok {
		entry = &ownerEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ownerID] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// startCleanup drops limiters for owners idle past the given age.
func (l *ownerLimiter) startCleanup(interval, maxIdle time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.mu.Lock()
				cutoff := time.Now().Add(-maxIdle)
				for owner, entry := range l.limiters {
					if entry.lastSeen.Before(cutoff) {
						delete(l.limiters, owner)
					}
				}
				l.mu.Unlock()
			}
		}
	}()
}
