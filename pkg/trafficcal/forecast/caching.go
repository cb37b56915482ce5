package forecast

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/cache"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/metrics"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/types"
)

// CachingProvider memoizes another provider's successful forecasts
type CachingProvider struct {
	next  BaseForecastProvider
	cache *cache.Cache
}

// NewCachingProvider wraps next with c
func NewCachingProvider(next BaseForecastProvider, c *cache.Cache) *CachingProvider {
	return &CachingProvider{next: next, cache: c}
}

func (p *CachingProvider) BaseForecast(ctx context.Context, propertyID string, bucket types.Bucket) (*types.BaseForecast, error) {
	key := cache.Key{PropertyID: propertyID, Bucket: bucket}
	if forecast, ok := p.cache.Get(key); ok {
		metrics.ForecastCacheLookups.WithLabelValues("hit").Inc()
		klog.V(4).InfoS("Using cached base forecast", "propertyID", propertyID, "bucket", bucket.String())
		return forecast, nil
	}
	metrics.ForecastCacheLookups.WithLabelValues("miss").Inc()

	forecast, err := p.next.BaseForecast(ctx, propertyID, bucket)
	if err != nil {
		return nil, err
	}
	p.cache.Set(key, forecast)
	return forecast, nil
}

// Invalidate drops cached forecasts for a property, e.g. after a new
// measurement is recorded
func (p *CachingProvider) Invalidate(propertyID string) {
	p.cache.Invalidate(propertyID)
}
