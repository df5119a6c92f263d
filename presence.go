package meridian

import (
	"sync"
	"time"
)

// ============================================================================
// Presence Cache
// ============================================================================

const (
	// DefaultPresenceTTL keeps a background chat's presence warm.
	DefaultPresenceTTL = 30 * time.Second
	// DefaultPresenceCacheSize caps the number of cached chats.
	DefaultPresenceCacheSize = 64
)

// presenceEntry wraps a cached aggregate with its expiry bookkeeping.
type presenceEntry struct {
	data     ChatPresence
	storedAt time.Time
	ttl      time.Duration
}

func (e *presenceEntry) expired(now time.Time) bool {
	return now.Sub(e.storedAt) > e.ttl
}

// PresenceCache is a short-TTL, size-bounded cache of per-chat presence
// aggregates. Expiry is evaluated lazily on read; there is no background
// sweeper. An explicitly constructed service shared by all open chats;
// safe for concurrent use.
type PresenceCache struct {
	mu         sync.Mutex
	entries    map[string]*presenceEntry
	maxEntries int
	defaultTTL time.Duration
	now        func() time.Time
}

// NewPresenceCache creates a cache. Zero arguments select the package
// defaults.
func NewPresenceCache(maxEntries int, defaultTTL time.Duration) *PresenceCache {
	if maxEntries <= 0 {
		maxEntries = DefaultPresenceCacheSize
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultPresenceTTL
	}
	return &PresenceCache{
		entries:    make(map[string]*presenceEntry),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Get returns the cached aggregate, or nil on a miss or an expired
// entry. Expired entries are dropped on the spot.
func (c *PresenceCache) Get(chatID string) *ChatPresence {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[chatID]
	if !ok {
		return nil
	}
	if e.expired(c.now()) {
		delete(c.entries, chatID)
		return nil
	}
	data := e.data
	data.Participants = append([]UserPresence{}, e.data.Participants...)
	return &data
}

// Has reports whether a live entry exists for chatID.
func (c *PresenceCache) Has(chatID string) bool {
	return c.Get(chatID) != nil
}

// Set inserts or overwrites an entry with the default TTL.
func (c *PresenceCache) Set(chatID string, data ChatPresence) {
	c.SetWithTTL(chatID, data, c.defaultTTL)
}

// SetWithTTL inserts or overwrites an entry with an explicit TTL. When
// the cache is at its size cap it first sweeps expired entries, then
// falls back to evicting the oldest entry. Bounded eviction work, not
// strict LRU.
func (c *PresenceCache) SetWithTTL(chatID string, data ChatPresence, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	data.recount()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[chatID]; !exists && len(c.entries) >= c.maxEntries {
		c.sweepLocked()
		if len(c.entries) >= c.maxEntries {
			c.evictOldestLocked()
		}
	}
	c.entries[chatID] = &presenceEntry{
		data:     data,
		storedAt: c.now(),
		ttl:      ttl,
	}
}

// UpdateUser patches one participant's presence inside a cached entry
// and recomputes the counters, all in a single synchronous step. Returns
// the updated aggregate, or nil when the chat is not cached or the entry
// has expired, in which case the caller must perform a full fetch.
func (c *PresenceCache) UpdateUser(chatID, userID string, presence UserPresence) *ChatPresence {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[chatID]
	if !ok {
		return nil
	}
	if e.expired(c.now()) {
		delete(c.entries, chatID)
		return nil
	}

	found := false
	for i := range e.data.Participants {
		if e.data.Participants[i].UserID == userID {
			e.data.Participants[i] = presence
			found = true
			break
		}
	}
	if !found {
		e.data.Participants = append(e.data.Participants, presence)
	}
	e.data.recount()

	data := e.data
	data.Participants = append([]UserPresence{}, e.data.Participants...)
	return &data
}

// ExtendTTL adds d to a live entry's TTL; used to keep the open chat's
// entry alive longer than background chats. No-op on a miss.
func (c *PresenceCache) ExtendTTL(chatID string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[chatID]; ok && !e.expired(c.now()) {
		e.ttl += d
	}
}

// SetTTL replaces a live entry's TTL. No-op on a miss.
func (c *PresenceCache) SetTTL(chatID string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[chatID]; ok && !e.expired(c.now()) && ttl > 0 {
		e.ttl = ttl
	}
}

// Invalidate removes one entry.
func (c *PresenceCache) Invalidate(chatID string) {
	c.mu.Lock()
	delete(c.entries, chatID)
	c.mu.Unlock()
}

// Clear removes everything.
func (c *PresenceCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*presenceEntry)
	c.mu.Unlock()
}

// Len returns the number of entries, expired ones included.
func (c *PresenceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *PresenceCache) sweepLocked() {
	now := c.now()
	for id, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, id)
		}
	}
}

func (c *PresenceCache) evictOldestLocked() {
	oldestID := ""
	var oldestAt time.Time
	for id, e := range c.entries {
		if oldestID == "" || e.storedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = e.storedAt
		}
	}
	if oldestID != "" {
		delete(c.entries, oldestID)
	}
}
