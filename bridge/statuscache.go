package bridge

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var suppressedEvents = promauto.NewCounter(prometheus.CounterOpts{
	Name: "bridge_events_suppressed_total",
	Help: "Duplicate remote events suppressed inside the status cache TTL",
})

// statusCache suppresses duplicate remote events. The remote service tends to
// re-emit the same (session, status) pair in bursts; only the first one inside
// the TTL window may touch the store or the watch groups.
type statusCache struct {
	lru *expirable.LRU[string, struct{}]
}

func newStatusCache(size int, ttl time.Duration) *statusCache {
	return &statusCache{lru: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// Seen records the key and reports whether it was already present inside the
// TTL window.
func (c *statusCache) Seen(sessionID, status string) bool {
	key := sessionID + "\x00" + status
	if _, ok := c.lru.Get(key); ok {
		suppressedEvents.Inc()
		return true
	}
	c.lru.Add(key, struct{}{})
	return false
}
