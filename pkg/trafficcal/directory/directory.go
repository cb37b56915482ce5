package directory

import (
	"context"
	"sort"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Directory resolves a property to its market
type Directory interface {
	// MarketOf returns the property's market, or "" when it is unknown
	MarketOf(ctx context.Context, propertyID string) (string, error)
	// PropertiesIn lists the properties in a market, sorted
	PropertiesIn(ctx context.Context, market string) ([]string, error)
}

// StaticDirectory is an in-memory Directory, typically loaded from config
type StaticDirectory struct {
	mutex    sync.RWMutex
	markets  map[string]string
	byMarket map[string]sets.Set[string]
}

// NewStatic builds a directory from a property -> market map
func NewStatic(propertyMarkets map[string]string) *StaticDirectory {
	d := &StaticDirectory{
		markets:  make(map[string]string, len(propertyMarkets)),
		byMarket: make(map[string]sets.Set[string]),
	}
	for property, market := range propertyMarkets {
		d.Set(property, market)
	}
	return d
}

// Set assigns a property to a market, moving it if already assigned
func (d *StaticDirectory) Set(propertyID, market string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if previous, ok := d.markets[propertyID]; ok {
		d.byMarket[previous].Delete(propertyID)
	}
	if market == "" {
		delete(d.markets, propertyID)
		return
	}
	d.markets[propertyID] = market
	if _, ok := d.byMarket[market]; !ok {
		d.byMarket[market] = sets.New[string]()
	}
	d.byMarket[market].Insert(propertyID)
}

func (d *StaticDirectory) MarketOf(_ context.Context, propertyID string) (string, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.markets[propertyID], nil
}

func (d *StaticDirectory) PropertiesIn(_ context.Context, market string) ([]string, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	members, ok := d.byMarket[market]
	if !ok {
		return nil, nil
	}
	return sets.List(members), nil
}

// Properties returns every known property, sorted
func (d *StaticDirectory) Properties() []string {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	out := make([]string, 0, len(d.markets))
	for property := range d.markets {
		out = append(out, property)
	}
	sort.Strings(out)
	return out
}
