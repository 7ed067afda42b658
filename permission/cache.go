package permission

import (
	"sync"
	"time"

	"github.com/acpbridge/acpbridge/config"
)

// decisionCache remembers "always" answers. Entries expire after the
// configured TTL; beyond max size the strategy picks the victim.
type decisionCache struct {
	maxSize  int
	ttl      time.Duration
	strategy config.CacheStrategy
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*cacheEntry
	seq     uint64
}

type cacheEntry struct {
	decision  Decision
	expiresAt time.Time
	hits      uint64 // lfu
	lastUsed  uint64 // lru, sequence number
	inserted  uint64 // fifo, sequence number
}

func newDecisionCache(cfg config.CacheConfig) *decisionCache {
	return &decisionCache{
		maxSize:  cfg.MaxSize,
		ttl:      time.Duration(cfg.TTLMS) * time.Millisecond,
		strategy: cfg.Strategy,
		now:      time.Now,
		entries:  make(map[string]*cacheEntry),
	}
}

func (c *decisionCache) get(key string) (Decision, bool) {
	if c.maxSize <= 0 {
		return Decision{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	if c.ttl > 0 && c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return Decision{}, false
	}
	c.seq++
	e.hits++
	e.lastUsed = c.seq
	return e.decision, true
}

func (c *decisionCache) put(key string, d Decision) {
	if c.maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	if e, ok := c.entries[key]; ok {
		e.decision = d
		e.expiresAt = c.now().Add(c.ttl)
		e.lastUsed = c.seq
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	c.entries[key] = &cacheEntry{
		decision:  d,
		expiresAt: c.now().Add(c.ttl),
		lastUsed:  c.seq,
		inserted:  c.seq,
	}
}

// evictLocked removes one entry per the configured strategy.
func (c *decisionCache) evictLocked() {
	var victim string
	var best uint64
	first := true
	for key, e := range c.entries {
		var score uint64
		switch c.strategy {
		case config.CacheLFU:
			score = e.hits
		case config.CacheFIFO:
			score = e.inserted
		default: // lru
			score = e.lastUsed
		}
		if first || score < best {
			victim, best, first = key, score, false
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}

func (c *decisionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
