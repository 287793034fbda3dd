package hue

import (
	"sync"
	"time"

	"github.com/amimof/huego"
	"github.com/rs/zerolog/log"
)

// CachedLight holds cached light state with timestamp.
type CachedLight struct {
	State     huego.State
	FetchedAt time.Time
}

// LightCache is a pure cache for light state.
// It does NOT fetch from network - callers must do that.
type LightCache struct {
	mu     sync.RWMutex
	lights map[int]*CachedLight
	ttl    time.Duration
	now    func() time.Time
}

// NewLightCache creates a new light cache.
// A zero ttl disables caching: every Get misses.
func NewLightCache(ttl time.Duration) *LightCache {
	log.Info().Dur("ttl", ttl).Msg("Light cache initialized")

	return &LightCache{
		lights: make(map[int]*CachedLight),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Get returns cached light state, or nil if not cached or stale.
func (c *LightCache) Get(id int) *huego.State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, ok := c.lights[id]
	if !ok {
		return nil
	}

	if c.now().Sub(cached.FetchedAt) >= c.ttl {
		return nil
	}

	state := cached.State
	return &state
}

// Set stores light state in the cache.
func (c *LightCache) Set(id int, state huego.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lights[id] = &CachedLight{
		State:     state,
		FetchedAt: c.now(),
	}
}

// Invalidate removes an entry from the cache.
func (c *LightCache) Invalidate(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.lights, id)
}

// Clear removes all entries from the cache.
func (c *LightCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lights = make(map[int]*CachedLight)
}
