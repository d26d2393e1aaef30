package eta

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/qmuter-tracking/internal/geo"
	"github.com/example/qmuter-tracking/internal/models"
)

type Mode string

const (
	ModeDriving Mode = "driving"
	ModeWalking Mode = "walking"
	ModeTransit Mode = "transit"
)

// SpeedKmh returns the assumed average speed for a travel mode.
func (m Mode) SpeedKmh() float64 {
	switch m {
	case ModeWalking:
		return 5
	case ModeTransit:
		return 20
	default:
		return 30
	}
}

// Estimator returns whole, non-negative minutes from one point to another.
type Estimator interface {
	EstimateMinutes(ctx context.Context, from, to models.Coord, mode Mode) int
}

// Naive ETA: straight-line distance over the mode's average speed.
func EstimateMinutes(from, to models.Coord, mode Mode) int {
	return minutesFor(geo.DistanceKm(from, to), mode)
}

func minutesFor(distanceKm float64, mode Mode) int {
	m := int(math.Round(distanceKm / mode.SpeedKmh() * 60))
	if m < 0 {
		return 0
	}
	return m
}

// Haversine is the default Estimator.
type Haversine struct{}

func (Haversine) EstimateMinutes(_ context.Context, from, to models.Coord, mode Mode) int {
	return EstimateMinutes(from, to, mode)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords and mode.
// Entries older than ttl are dropped on read and by Sweep.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	max   int
}

type cacheEntry struct {
	v  int
	ts time.Time
}

// NewCache creates a cache with the provided TTL holding at most max entries.
func NewCache(ttl time.Duration, max int) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, max: max}
}

func keyFor(a, b models.Coord, mode Mode) string {
	return fmtCoord(a) + "->" + fmtCoord(b) + "/" + string(mode)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord, mode Mode) (int, bool) {
	k := keyFor(a, b, mode)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache. When the cache is full expired entries are
// swept first; if it is still full the value is not cached.
func (c *Cache) Set(a, b models.Coord, mode Mode, v int) {
	k := keyFor(a, b, mode)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.max > 0 && len(c.store) >= c.max {
		c.sweepLocked()
		if len(c.store) >= c.max {
			return
		}
	}
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
}

// Sweep drops expired entries.
func (c *Cache) Sweep() {
	c.mu.Lock()
	c.sweepLocked()
	c.mu.Unlock()
}

func (c *Cache) sweepLocked() {
	for k, e := range c.store {
		if time.Since(e.ts) > c.ttl {
			delete(c.store, k)
		}
	}
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}
