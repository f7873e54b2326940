package discovery

import (
	"sync"
	"time"

	"github.com/miekg/dns"
)

// recordCache holds recently built answers, lazily expiring on read
// with a background cleanup sweep, keyed by question name+type so the
// key derivation stays in one place.
type recordCache struct {
	mu         sync.RWMutex
	entries    map[string]*cacheEntry
	defaultTTL time.Duration
}

type cacheEntry struct {
	msg      *dns.Msg
	expireAt time.Time
}

func newRecordCache(defaultTTL time.Duration) *recordCache {
	return &recordCache{entries: make(map[string]*cacheEntry), defaultTTL: defaultTTL}
}

func (c *recordCache) get(key string) *dns.Msg {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	if time.Now().After(entry.expireAt) {
		return nil
	}
	return entry.msg.Copy()
}

func (c *recordCache) set(key string, msg *dns.Msg) {
	if msg == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{msg: msg.Copy(), expireAt: time.Now().Add(c.defaultTTL)}
}

// invalidateAll drops every cached answer, called on any registry
// change (register/deregister/status transition) so a crashed
// instance's stale A/SRV record never outlives the change that
// removed it from the registry.
func (c *recordCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

func (c *recordCache) cleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expireAt) {
			delete(c.entries, k)
		}
	}
}

func cacheKey(q dns.Question) string {
	return q.Name + "-" + dns.TypeToString[q.Qtype]
}
