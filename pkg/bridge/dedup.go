package bridge

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vudo/enr/pkg/contentid"
)

// DefaultDedupSize is the default bound on the deduplication cache
// (spec §4.3: "default 10k entries, LRU").
const DefaultDedupSize = 10000

// DefaultDedupTTL bounds how long a dedup entry is honored; packets
// loop back faster than this in practice, but a TTL keeps the cache from
// suppressing a legitimately repeated transfer forever.
const DefaultDedupTTL = 5 * time.Minute

type dedupKey struct {
	Direction Direction
	Topic     string
	Content   contentid.ContentId
}

type dedupEntry struct {
	seenAt time.Time
}

// DeduplicationCache guards against relay loops: a bounded LRU of
// previously seen (direction, topic, content hash) keys (spec §3).
type DeduplicationCache struct {
	cache *lru.Cache[dedupKey, dedupEntry]
	ttl   time.Duration
	now   func() time.Time
}

// NewDeduplicationCache creates a cache bounded to size entries.
func NewDeduplicationCache(size int, ttl time.Duration) (*DeduplicationCache, error) {
	if size <= 0 {
		size = DefaultDedupSize
	}
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	c, err := lru.New[dedupKey, dedupEntry](size)
	if err != nil {
		return nil, err
	}
	return &DeduplicationCache{cache: c, ttl: ttl, now: time.Now}, nil
}

// SeenBefore reports whether (direction, topic, payload) was already
// relayed within the TTL window, recording it as seen if not.
func (d *DeduplicationCache) SeenBefore(direction Direction, topic string, payload []byte) bool {
	key := dedupKey{Direction: direction, Topic: topic, Content: contentid.Of(payload)}
	now := d.now()
	if entry, ok := d.cache.Get(key); ok {
		if now.Sub(entry.seenAt) < d.ttl {
			return true
		}
	}
	d.cache.Add(key, dedupEntry{seenAt: now})
	return false
}
