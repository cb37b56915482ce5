package cache

import (
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/clock"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/common"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/types"
)

// Cache provides thread-safe caching of base forecasts with TTL
type Cache struct {
	data    map[Key]*cacheEntry
	mutex   sync.RWMutex
	ttl     time.Duration
	maxAge  time.Duration
	clock   clock.Clock
	stopCh  chan struct{}
	once    sync.Once
	metrics *metrics
}

// Key identifies a cached forecast
type Key struct {
	PropertyID string
	Bucket     types.Bucket
}

type cacheEntry struct {
	data      *types.BaseForecast
	timestamp time.Time
	hits      int64
}

type metrics struct {
	hits   int64
	misses int64
	mutex  sync.RWMutex
}

// New creates a cache that reads time from clk (the real clock when nil).
// Non-positive durations use the defaults.
func New(ttl time.Duration, maxAge time.Duration, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if ttl <= 0 {
		ttl = common.DefaultForecastCacheTTL
	}
	if maxAge <= 0 {
		maxAge = common.DefaultForecastMaxAge
	}
	if maxAge < ttl {
		maxAge = ttl
	}

	c := &Cache{
		data: make(map[Key]*cacheEntry),
		// Freshness at get time
		ttl: ttl,
		// Age after which unread entries are dropped
		maxAge:  maxAge,
		clock:   clk,
		stopCh:  make(chan struct{}),
		metrics: &metrics{},
	}

	go c.cleanup()

	return c
}

// Get retrieves a forecast if it is still fresh
func (c *Cache) Get(key Key) (*types.BaseForecast, bool) {
	c.mutex.RLock()
	entry, exists := c.data[key]
	c.mutex.RUnlock()

	if !exists {
		c.recordMiss()
		return nil, false
	}

	if c.clock.Since(entry.timestamp) > c.ttl {
		c.recordMiss()
		return nil, false
	}

	c.mutex.Lock()
	entry.hits++
	c.mutex.Unlock()
	c.recordHit()

	forecast := *entry.data
	return &forecast, true
}

// Set stores a forecast. A property-level forecast is not replaced by a
// market fallback while the property-level entry is still fresh, so a
// transient gap in a property's history does not downgrade the cache.
func (c *Cache) Set(key Key, data *types.BaseForecast) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.clock.Now()
	if existing, exists := c.data[key]; exists {
		if data.Source == common.SourceMarketFallback &&
			existing.data.Source != common.SourceMarketFallback &&
			now.Sub(existing.timestamp) <= c.ttl {
			klog.V(3).InfoS("Skipping market fallback update - already have property forecast",
				"propertyID", key.PropertyID,
				"bucket", key.Bucket.String(),
				"existingSource", existing.data.Source)
			return
		}
	}

	forecast := *data
	c.data[key] = &cacheEntry{
		data:      &forecast,
		timestamp: now,
	}

	klog.V(4).InfoS("Cached base forecast",
		"propertyID", key.PropertyID,
		"bucket", key.Bucket.String(),
		"rawForecast", data.RawForecast,
		"signalStrength", data.SignalStrength,
		"source", data.Source)
}

// Invalidate drops every cached forecast for a property
func (c *Cache) Invalidate(propertyID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for key := range c.data {
		if key.PropertyID == propertyID {
			delete(c.data, key)
		}
	}
}

// GetMetrics returns cache performance metrics
func (c *Cache) GetMetrics() (hits, misses int64) {
	c.metrics.mutex.RLock()
	defer c.metrics.mutex.RUnlock()
	return c.metrics.hits, c.metrics.misses
}

func (c *Cache) recordHit() {
	c.metrics.mutex.Lock()
	c.metrics.hits++
	c.metrics.mutex.Unlock()
}

func (c *Cache) recordMiss() {
	c.metrics.mutex.Lock()
	c.metrics.misses++
	c.metrics.mutex.Unlock()
}

// cleanup periodically removes entries older than maxAge
func (c *Cache) cleanup() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *Cache) removeExpired() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.clock.Now()
	for key, entry := range c.data {
		age := now.Sub(entry.timestamp)
		if age > c.maxAge {
			delete(c.data, key)
			klog.V(4).InfoS("Removed expired cache entry",
				"propertyID", key.PropertyID,
				"bucket", key.Bucket.String(),
				"age", age.String(),
				"hits", entry.hits)
		}
	}
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stopCh) })
}
