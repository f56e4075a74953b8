package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/yeremiapane/kitchen-router/models"
	"github.com/yeremiapane/kitchen-router/utils"
)

const DefaultStationCacheTTL = 30 * time.Second

// compatibility is fixed and not configurable per deployment.
var compatibility = map[models.OrderType][]models.StationType{
	models.OrderTypeBeverage:  {models.StationTypeBar, models.StationTypeExpo},
	models.OrderTypeFood:      {models.StationTypeGrill, models.StationTypeFryer, models.StationTypeSalad, models.StationTypePrep, models.StationTypeExpo},
	models.OrderTypeAppetizer: {models.StationTypeGrill, models.StationTypeFryer, models.StationTypeSalad, models.StationTypePrep, models.StationTypeExpo},
	models.OrderTypeDessert:   {models.StationTypeDessert, models.StationTypeExpo},
}

// preferredStationTypes is the order in which the router tries station types
// when the caller gives no explicit stops. Expo is always the last resort.
var preferredStationTypes = map[models.OrderType][]models.StationType{
	models.OrderTypeBeverage:  {models.StationTypeBar, models.StationTypeExpo},
	models.OrderTypeFood:      {models.StationTypeGrill, models.StationTypeFryer, models.StationTypePrep, models.StationTypeSalad, models.StationTypeExpo},
	models.OrderTypeAppetizer: {models.StationTypePrep, models.StationTypeFryer, models.StationTypeSalad, models.StationTypeGrill, models.StationTypeExpo},
	models.OrderTypeDessert:   {models.StationTypeDessert, models.StationTypeExpo},
}

// IsCompatible reports whether an order of orderType may be prepared at a
// station of stationType.
func IsCompatible(orderType models.OrderType, stationType models.StationType) bool {
	for _, st := range compatibility[orderType] {
		if st == stationType {
			return true
		}
	}
	return false
}

// StationRegistry is a read-through cache over the stations table. The whole
// table is loaded at once and served until the TTL expires or Invalidate is
// called.
type StationRegistry struct {
	db    *gorm.DB
	ttl   time.Duration
	clock Clock

	mu       sync.RWMutex
	stations []models.Station
	byID     map[uint]models.Station
	loadedAt time.Time
}

func NewStationRegistry(db *gorm.DB, ttl time.Duration) *StationRegistry {
	if ttl <= 0 {
		ttl = DefaultStationCacheTTL
	}
	return &StationRegistry{db: db, ttl: ttl}
}

// WithClock replaces the registry clock. Intended for tests.
func (r *StationRegistry) WithClock(clock Clock) *StationRegistry {
	r.clock = clock
	return r
}

// Invalidate drops the cached snapshot; the next read reloads it.
func (r *StationRegistry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stations = nil
	r.byID = nil
	r.loadedAt = time.Time{}
}

// ListActiveStations returns the active stations ordered by id.
func (r *StationRegistry) ListActiveStations(ctx context.Context) ([]models.Station, error) {
	all, _, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]models.Station, 0, len(all))
	for _, s := range all {
		if s.Active {
			active = append(active, s)
		}
	}
	return active, nil
}

// Get returns a station by id whether or not it is active.
func (r *StationRegistry) Get(ctx context.Context, id uint) (models.Station, error) {
	_, byID, err := r.snapshot(ctx)
	if err != nil {
		return models.Station{}, err
	}
	s, ok := byID[id]
	if !ok {
		return models.Station{}, notFoundError("get station", fmt.Sprintf("station %d does not exist", id))
	}
	return s, nil
}

// snapshot returns the list and index from one load. Callers read only these
// values; the shared fields may be dropped by Invalidate at any time.
func (r *StationRegistry) snapshot(ctx context.Context) ([]models.Station, map[uint]models.Station, error) {
	now := r.clock.now()

	r.mu.RLock()
	if r.byID != nil && now.Sub(r.loadedAt) < r.ttl {
		stations, byID := r.stations, r.byID
		r.mu.RUnlock()
		return stations, byID, nil
	}
	r.mu.RUnlock()

	var stations []models.Station
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&stations).Error; err != nil {
		return nil, nil, storeError("load stations", err)
	}

	byID := make(map[uint]models.Station, len(stations))
	for _, s := range stations {
		byID[s.ID] = s
	}

	r.mu.Lock()
	r.stations = stations
	r.byID = byID
	r.loadedAt = now
	r.mu.Unlock()

	utils.InfoLogger.WithField("stations", len(stations)).Debug("station cache refreshed")
	return stations, byID, nil
}
