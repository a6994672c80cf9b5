package resolver

import (
	"sync"

	"url-sandbox/internal/models"
)

// GeoCache holds geolocation records per IP for the lifetime of the process.
//
// It is shared by reference between all workers. Entries never expire;
// concurrent writes for the same IP resolve last-write-wins and a stored
// record is never mutated after Put.
type GeoCache struct {
	mu      sync.RWMutex
	entries map[string]*models.Geolocation
}

// NewGeoCache creates an empty cache
func NewGeoCache() *GeoCache {
	return &GeoCache{entries: make(map[string]*models.Geolocation)}
}

// Get returns a copy of the cached record for ip
func (c *GeoCache) Get(ip string) (*models.Geolocation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	g, ok := c.entries[ip]
	if !ok {
		return nil, false
	}
	return cloneGeo(g), true
}

// Put stores a copy of g under ip
func (c *GeoCache) Put(ip string, g *models.Geolocation) {
	if g == nil {
		return
	}
	stored := cloneGeo(g)

	c.mu.Lock()
	c.entries[ip] = stored
	c.mu.Unlock()
}

// Len returns the number of cached IPs
func (c *GeoCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func cloneGeo(g *models.Geolocation) *models.Geolocation {
	out := *g
	if g.Location != nil {
		loc := *g.Location
		out.Location = &loc
	}
	return &out
}
