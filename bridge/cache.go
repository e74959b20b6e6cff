package bridge

import (
	"bytes"
	"sync"
	"time"

	"github.com/goccy/go-json"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type cacheEntry struct {
	storedAt time.Time
	result   json.RawMessage
}

// resultCache is a FIFO cache with a fixed time to live. Entries are evicted
// in insertion order regardless of how often they are read.
type resultCache struct {
	mu      sync.Mutex
	entries *orderedmap.OrderedMap[string, cacheEntry]
	max     int
	ttl     time.Duration
	clock   func() time.Time
	gen     uint64
}

func newResultCache(max int, ttl time.Duration, clock func() time.Time) *resultCache {
	return &resultCache{
		entries: orderedmap.New[string, cacheEntry](),
		max:     max,
		ttl:     ttl,
		clock:   clock,
	}
}

// get returns a copy of a live entry. Expired entries are removed.
func (c *resultCache) get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if c.clock().Sub(e.storedAt) >= c.ttl {
		c.entries.Delete(key)
		return nil, false
	}
	return bytes.Clone(e.result), true
}

// generation changes on every clear.
func (c *resultCache) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// put stores a result as the newest entry and evicts the oldest one when the
// cache is over capacity. Results computed before the last clear, that is
// under an older generation, are dropped.
func (c *resultCache) put(gen uint64, key string, result json.RawMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.entries.Delete(key)
	c.entries.Set(key, cacheEntry{storedAt: c.clock(), result: bytes.Clone(result)})
	if c.entries.Len() > c.max {
		if oldest := c.entries.Oldest(); oldest != nil {
			c.entries.Delete(oldest.Key)
		}
	}
	return true
}

func (c *resultCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = orderedmap.New[string, cacheEntry]()
	c.gen++
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// keys lists the cached keys oldest first.
func (c *resultCache) keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.entries.Len())
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}
