package historystore

import (
	"context"
	"sync"
	"time"

	"github.com/arung-agamani/pmpserver/internal/fhash"
)

// Cache is the in-memory, lock-free-on-read front for the history store
// described in §5: "History read path is lock-free on the control loop via
// an in-memory cache populated by worker completions; writes go through the
// worker pool." Refresh methods are meant to run on a worker and are safe to
// call concurrently with Get from the control loop.
type Cache struct {
	mu         sync.RWMutex
	stats      map[statsKey]UserStats
	lastPlayed map[fhash.Id]time.Time
}

type statsKey struct {
	hash fhash.Id
	user UserId
}

// NewCache creates an empty Cache. Every lookup misses ("pending") until a
// Refresh populates it.
func NewCache() *Cache {
	return &Cache{
		stats:      make(map[statsKey]UserStats),
		lastPlayed: make(map[fhash.Id]time.Time),
	}
}

// Get returns the cached per-user stats for hashId, or ok=false if they
// haven't been fetched yet — callers must treat that as "pending", per §4.2
// ("refuse if stats not yet loaded"), never as "never played".
func (c *Cache) Get(hashId fhash.Id, user UserId) (UserStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.stats[statsKey{hashId, user}]
	return s, ok
}

// GetLastPlayedGlobally returns the cached most-recent global play time for
// hashId, or ok=false if never fetched. The zero time with ok=true means
// "known to have never been played".
func (c *Cache) GetLastPlayedGlobally(hashId fhash.Id) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.lastPlayed[hashId]
	return t, ok
}

// Invalidate drops every cached stats entry for user, forcing the next Get
// for that user to report pending until a fresh Refresh runs.
func (c *Cache) Invalidate(user UserId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.stats {
		if k.user == user {
			delete(c.stats, k)
		}
	}
}

// Refresh fetches stats for ids under user from store and populates the
// cache. Intended to run on a worker goroutine, not the control loop.
func (c *Cache) Refresh(ctx context.Context, store Store, user UserId, ids []fhash.Id) error {
	rows, err := store.GetHashHistoryStats(ctx, user, ids)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rows {
		c.stats[statsKey{r.HashId, user}] = UserStats{LastHeardAt: r.LastHeardAt, Score: r.Score}
	}
	return nil
}

// RefreshGlobal fetches the global last-played time for each id and
// populates the cache.
func (c *Cache) RefreshGlobal(ctx context.Context, store Store, ids []fhash.Id) error {
	for _, id := range ids {
		t, err := store.LastPlayedGlobally(ctx, id)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.lastPlayed[id] = t
		c.mu.Unlock()
	}
	return nil
}
