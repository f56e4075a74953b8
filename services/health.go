package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/yeremiapane/kitchen-router/models"
)

const DefaultStuckAfter = 45 * time.Minute

const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// ViewerCounter reports how many viewers are connected to the change stream.
type ViewerCounter interface {
	ClientCount() int
}

type HealthReport struct {
	Status                  string     `json:"status"`
	ActiveStations          int        `json:"active_stations"`
	StuckOrders             int64      `json:"stuck_orders"`
	UnroutedOrders          int64      `json:"unrouted_orders"`
	LastMetricAt            *time.Time `json:"last_metric_at,omitempty"`
	MetricsFreshnessSeconds *int64     `json:"metrics_freshness_seconds,omitempty"`
	ConnectedViewers        int        `json:"connected_viewers"`
	CheckedAt               time.Time  `json:"checked_at"`
}

type HealthService struct {
	db         *gorm.DB
	stations   *StationRegistry
	viewers    ViewerCounter
	stuckAfter time.Duration
	clock      Clock
}

func NewHealthService(db *gorm.DB, stations *StationRegistry, viewers ViewerCounter, stuckAfter time.Duration) *HealthService {
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckAfter
	}
	return &HealthService{db: db, stations: stations, viewers: viewers, stuckAfter: stuckAfter}
}

func (s *HealthService) WithClock(clock Clock) *HealthService {
	s.clock = clock
	return s
}

// HealthCheck reports the routing backlog. Stuck orders are orders with an
// active routing older than the stuck threshold.
func (s *HealthService) HealthCheck(ctx context.Context) (*HealthReport, error) {
	const op = "health check"
	now := s.clock.now()
	report := &HealthReport{Status: HealthOK, CheckedAt: now}

	active, err := s.stations.ListActiveStations(ctx)
	if err != nil {
		return nil, err
	}
	report.ActiveStations = len(active)

	db := s.db.WithContext(ctx)
	if err := db.Model(&models.RoutingRecord{}).
		Where("completed_at IS NULL AND routed_at < ?", now.Add(-s.stuckAfter)).
		Distinct("order_id").
		Count(&report.StuckOrders).Error; err != nil {
		return nil, storeError(op, err)
	}
	if err := db.Model(&models.UnroutedOrder{}).Count(&report.UnroutedOrders).Error; err != nil {
		return nil, storeError(op, err)
	}

	var latest []models.MetricRecord
	if err := db.Order("recorded_at DESC").Limit(1).Find(&latest).Error; err != nil {
		return nil, storeError(op, err)
	}
	if len(latest) == 1 {
		at := latest[0].RecordedAt
		age := int64(now.Sub(at) / time.Second)
		report.LastMetricAt = &at
		report.MetricsFreshnessSeconds = &age
	}

	if s.viewers != nil {
		report.ConnectedViewers = s.viewers.ClientCount()
	}
	if report.StuckOrders > 0 || report.UnroutedOrders > 0 {
		report.Status = HealthDegraded
	}
	return report, nil
}
