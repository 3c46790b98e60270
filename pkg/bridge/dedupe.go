package bridge

import (
	"sync"
	"time"
)

// The gateway may redeliver an envelope when an ack is lost in transit.
// Redeliveries arrive within seconds, so a short remembered window is enough
// to keep handlers from running twice.
const dedupeTTL = 5 * time.Minute

type dedupeCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

func newDedupeCache(ttl time.Duration) *dedupeCache {
	return &dedupeCache{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Seen records id and reports whether it was already recorded inside the
// TTL window. An empty id is never deduplicated.
func (d *dedupeCache) Seen(id string) bool {
	if id == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for key, at := range d.seen {
		if now.Sub(at) > d.ttl {
			delete(d.seen, key)
		}
	}

	if at, ok := d.seen[id]; ok && now.Sub(at) <= d.ttl {
		return true
	}
	d.seen[id] = now
	return false
}
