package models

import "time"

type StationType string

const (
	StationTypeGrill   StationType = "grill"
	StationTypeFryer   StationType = "fryer"
	StationTypeSalad   StationType = "salad"
	StationTypePrep    StationType = "prep"
	StationTypeDessert StationType = "dessert"
	StationTypeBar     StationType = "bar"
	StationTypeExpo    StationType = "expo"
)

// Valid reports whether t is one of the known station types.
func (t StationType) Valid() bool {
	switch t {
	case StationTypeGrill, StationTypeFryer, StationTypeSalad, StationTypePrep,
		StationTypeDessert, StationTypeBar, StationTypeExpo:
		return true
	}
	return false
}

const (
	DefaultAnomalyThresholdSeconds = 900
	DefaultUrgencyYellowSeconds    = 300
	DefaultUrgencyRedSeconds       = 600
	DefaultUrgencyCriticalSeconds  = 900
)

// Station is administered outside the routing engine and is read-only here.
type Station struct {
	ID                      uint        `gorm:"primaryKey" json:"id"`
	Name                    string      `gorm:"type:varchar(100);not null" json:"name"`
	Type                    StationType `gorm:"type:varchar(20);not null;index" json:"type"`
	Active                  bool        `gorm:"not null" json:"active"`
	AnomalyThresholdSeconds int         `gorm:"not null;default:900" json:"anomaly_threshold_seconds"`
	AutoBumpSeconds         int         `gorm:"not null;default:0" json:"auto_bump_seconds"`
	UrgencyYellowSeconds    int         `gorm:"not null;default:300" json:"urgency_yellow_seconds"`
	UrgencyRedSeconds       int         `gorm:"not null;default:600" json:"urgency_red_seconds"`
	UrgencyCriticalSeconds  int         `gorm:"not null;default:900" json:"urgency_critical_seconds"`
	CreatedAt               time.Time   `gorm:"not null" json:"created_at"`
	UpdatedAt               time.Time   `gorm:"not null" json:"updated_at"`
}
