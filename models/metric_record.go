package models

import "time"

type MetricType string

const (
	MetricPrepTime   MetricType = "prep_time"
	MetricWaitTime   MetricType = "wait_time"
	MetricBumpTime   MetricType = "bump_time"
	MetricThroughput MetricType = "throughput"
	MetricAnomaly    MetricType = "anomaly"
)

// MetricRecord is append-only.
type MetricRecord struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	StationID  uint       `gorm:"not null;index:idx_metric_station_type,priority:1" json:"station_id"`
	OrderID    uint       `gorm:"not null;default:0" json:"order_id"`
	RoutingID  uint       `gorm:"not null;default:0;index" json:"routing_id"`
	Type       MetricType `gorm:"type:varchar(20);not null;index:idx_metric_station_type,priority:2" json:"type"`
	Value      float64    `gorm:"not null" json:"value"`
	Details    string     `gorm:"type:text" json:"details,omitempty"`
	RecordedAt time.Time  `gorm:"not null;index" json:"recorded_at"`
	ShiftDate  string     `gorm:"type:varchar(10);not null;index" json:"shift_date"`
	Hour       int        `gorm:"not null" json:"hour"`
}

// NewMetric fills the time bucketing fields from at.
func NewMetric(stationID, orderID, routingID uint, typ MetricType, value float64, at time.Time) MetricRecord {
	return MetricRecord{
		StationID:  stationID,
		OrderID:    orderID,
		RoutingID:  routingID,
		Type:       typ,
		Value:      value,
		RecordedAt: at,
		ShiftDate:  at.Format("2006-01-02"),
		Hour:       at.Hour(),
	}
}
